package gtr

import (
	"image"

	"gonum.org/v1/gonum/mat"
)

// UnassignedTrackID marks an instance that has not been assigned to any track yet.
const UnassignedTrackID = -1

// Instance is a single detected object on a single frame: the crop of the
// detection, its bounding box and (once encoded) its visual feature vector.
// After encoding an instance is read-only except for TrackID, which is set
// exactly once by the Tracker.
type Instance struct {
	// FrameIndex is the index of the frame the instance was detected on
	FrameIndex int
	// BBox is the detection bounding box in pixel coordinates
	BBox Rectangle
	// Crop is the image patch cut out around BBox. May be nil once Features are set.
	Crop image.Image
	// Score is the detector confidence for this instance
	Score float64
	// Features is the visual feature vector of length d_model produced by the encoder
	Features *mat.VecDense
	// Embedding is Features plus positional/temporal embeddings, length d_model
	Embedding *mat.VecDense
	// TrackID is the track assigned by the Tracker, UnassignedTrackID until then
	TrackID int
	// GTTrackID is the ground truth identity used for training/eval, -1 when unknown
	GTTrackID int
}

// NewInstance creates an untracked instance for a detection.
func NewInstance(frameIndex int, bbox Rectangle, crop image.Image, score float64) *Instance {
	return &Instance{
		FrameIndex: frameIndex,
		BBox:       bbox,
		Crop:       crop,
		Score:      score,
		TrackID:    UnassignedTrackID,
		GTTrackID:  -1,
	}
}

// HasFeatures reports whether the encoder has produced features for the instance.
func (ins *Instance) HasFeatures() bool {
	return ins.Features != nil && ins.Features.Len() > 0
}

// HasCrop reports whether the instance still carries its image patch.
func (ins *Instance) HasCrop() bool {
	return ins.Crop != nil
}

// Frame is the ordered set of instances detected on a single video frame.
type Frame struct {
	// Index is the frame index within the video. Frames are produced in
	// strictly increasing index order.
	Index int
	// Instances are the detections on this frame
	Instances []*Instance
	// ImgWidth and ImgHeight are the source frame dimensions used to
	// normalize bounding boxes. Zero means boxes are already normalized.
	ImgWidth  float64
	ImgHeight float64
}

// NewFrame creates a frame holding the given instances.
func NewFrame(index int, instances []*Instance) *Frame {
	return &Frame{
		Index:     index,
		Instances: instances,
	}
}

// NewFrameWithSize creates a frame that knows its source image dimensions.
func NewFrameWithSize(index int, instances []*Instance, imgWidth, imgHeight float64) *Frame {
	return &Frame{
		Index:     index,
		Instances: instances,
		ImgWidth:  imgWidth,
		ImgHeight: imgHeight,
	}
}

// NormBox returns the instance bounding box scaled into the [0, 1] range
// when the frame knows its image dimensions.
func (f *Frame) NormBox(bbox Rectangle) Rectangle {
	if f.ImgWidth > 0 && f.ImgHeight > 0 {
		return bbox.Scale(1.0/f.ImgWidth, 1.0/f.ImgHeight)
	}
	return bbox
}

// HasInstances reports whether any object was detected on the frame.
func (f *Frame) HasInstances() bool {
	return len(f.Instances) > 0
}

// NumDetected returns the number of detections on the frame.
func (f *Frame) NumDetected() int {
	return len(f.Instances)
}

// TrackIDs returns the assigned track ids of the frame's instances.
func (f *Frame) TrackIDs() []int {
	ids := make([]int, len(f.Instances))
	for i, ins := range f.Instances {
		ids[i] = ins.TrackID
	}
	return ids
}
