package gtr

import (
	"github.com/pkg/errors"
)

// Window is a bounded ordered sequence of consecutive frames forming the
// attention context for one forward pass. Frame indices are strictly
// increasing.
type Window struct {
	Frames []*Frame
}

// TotalInstances returns the number of instances across all frames in the window.
func (w *Window) TotalInstances() int {
	total := 0
	for _, frame := range w.Frames {
		total += frame.NumDetected()
	}
	return total
}

// InstancesPerFrame returns the number of instances in each frame of the window.
func (w *Window) InstancesPerFrame() []int {
	counts := make([]int, len(w.Frames))
	for i, frame := range w.Frames {
		counts[i] = frame.NumDetected()
	}
	return counts
}

// AllInstances returns the flattened ordered set of instances in the window.
func (w *Window) AllInstances() []*Instance {
	instances := make([]*Instance, 0, w.TotalInstances())
	for _, frame := range w.Frames {
		instances = append(instances, frame.Instances...)
	}
	return instances
}

// FrameOffsets returns, for every instance in flattened order, the offset of
// its frame within the window (0 for the oldest frame).
func (w *Window) FrameOffsets() []int {
	offsets := make([]int, 0, w.TotalInstances())
	for fi, frame := range w.Frames {
		for range frame.Instances {
			offsets = append(offsets, fi)
		}
	}
	return offsets
}

// NormBoxes returns the normalized bounding box of every instance in
// flattened order.
func (w *Window) NormBoxes() []Rectangle {
	boxes := make([]Rectangle, 0, w.TotalInstances())
	for _, frame := range w.Frames {
		for _, ins := range frame.Instances {
			boxes = append(boxes, frame.NormBox(ins.BBox))
		}
	}
	return boxes
}

// queryRange returns the half-open flattened index range of the instances
// belonging to the frame at position queryFrame.
func (w *Window) queryRange(queryFrame int) (int, int, error) {
	if queryFrame < 0 || queryFrame >= len(w.Frames) {
		return 0, 0, errors.Errorf("query frame %d out of window of length %d", queryFrame, len(w.Frames))
	}
	start := 0
	for i := 0; i < queryFrame; i++ {
		start += w.Frames[i].NumDetected()
	}
	return start, start + w.Frames[queryFrame].NumDetected(), nil
}

// validate checks the window invariant of strictly increasing frame indices.
func (w *Window) validate() error {
	for i := 1; i < len(w.Frames); i++ {
		if w.Frames[i].Index <= w.Frames[i-1].Index {
			return errors.Errorf("frame indices must be strictly increasing, got %d after %d",
				w.Frames[i].Index, w.Frames[i-1].Index)
		}
	}
	return nil
}

// WindowBuffer holds the most recent frames forming the attention context.
// Frames must be pushed in strictly increasing index order; frames falling
// out of the window are evicted. Frames without detections are not queued:
// they count against a gap counter that resets the buffer once MaxGap
// consecutive empty frames have been seen.
type WindowBuffer struct {
	windowSize            int
	maxDetectionsPerFrame int
	maxGap                int
	curGap                int
	frames                []*Frame
	lastIndex             int
}

// NewWindowBuffer creates an empty buffer for the given tracker configuration.
func NewWindowBuffer(cfg TrackerConfig) (*WindowBuffer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "can't build window buffer")
	}
	return &WindowBuffer{
		windowSize:            cfg.WindowSize,
		maxDetectionsPerFrame: cfg.MaxDetectionsPerFrame,
		maxGap:                cfg.MaxGap,
		lastIndex:             -1,
	}, nil
}

// Len returns the number of queued frames.
func (b *WindowBuffer) Len() int {
	return len(b.frames)
}

// Push appends a frame, evicts frames outside the window and returns the
// current effective window.
func (b *WindowBuffer) Push(frame *Frame) (*Window, error) {
	if frame == nil {
		return nil, errors.New("can't push nil frame")
	}
	if frame.Index <= b.lastIndex {
		return nil, errors.Errorf("frames must arrive in strictly increasing order, got %d after %d",
			frame.Index, b.lastIndex)
	}
	if frame.NumDetected() > b.maxDetectionsPerFrame {
		return nil, errors.Errorf("frame %d carries %d detections, limit is %d",
			frame.Index, frame.NumDetected(), b.maxDetectionsPerFrame)
	}
	b.lastIndex = frame.Index

	if !frame.HasInstances() {
		b.curGap++
		if b.maxGap >= 0 && b.curGap >= b.maxGap {
			b.frames = nil
			b.curGap = 0
		}
		return b.Window(), nil
	}

	b.curGap = 0
	b.frames = append(b.frames, frame)
	if len(b.frames) > b.windowSize {
		b.frames = b.frames[len(b.frames)-b.windowSize:]
	}
	return b.Window(), nil
}

// Window returns the current effective window.
func (b *WindowBuffer) Window() *Window {
	frames := make([]*Frame, len(b.frames))
	copy(frames, b.frames)
	return &Window{Frames: frames}
}

// Clear drops all queued frames but keeps the frame order watermark.
func (b *WindowBuffer) Clear() {
	b.frames = nil
	b.curGap = 0
}

// Chunks subdivides a video into independent windows of at most clipLength
// consecutive frames. Each chunk is processed as an independent attention
// context with no cross-chunk attention.
func Chunks(frames []*Frame, clipLength int) ([]*Window, error) {
	if clipLength <= 0 {
		return nil, errors.Errorf("clip length must be positive, got %d", clipLength)
	}
	windows := make([]*Window, 0, (len(frames)+clipLength-1)/clipLength)
	for start := 0; start < len(frames); start += clipLength {
		end := minInt(start+clipLength, len(frames))
		w := &Window{Frames: frames[start:end]}
		if err := w.validate(); err != nil {
			return nil, errors.Wrapf(err, "invalid chunk starting at frame position %d", start)
		}
		windows = append(windows, w)
	}
	return windows, nil
}
