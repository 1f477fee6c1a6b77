package gtr

import (
	kalman_filter "github.com/LdDl/kalman-filter"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// TrackState is the lifecycle state of a track.
type TrackState uint16

const (
	// TrackActive means the track was matched within the last window_size frames
	TrackActive TrackState = iota
	// TrackStale means the track went unmatched beyond the window
	TrackStale
	// TrackClosed means the track was pruned from memory. Terminal.
	TrackClosed
)

func (s TrackState) String() string {
	switch s {
	case TrackActive:
		return "active"
	case TrackStale:
		return "stale"
	case TrackClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// maxFeatureHistory bounds the per-track feature history length.
const maxFeatureHistory = 8

// Track is a persistent identity spanning multiple frames. Member instances
// are referenced by index into the tracker's instance arena rather than by
// pointer, so the track graph stays cycle free.
type Track struct {
	// ID is the unique monotonically increasing track identifier. Never reused.
	ID int
	// State is the current lifecycle state
	State TrackState
	// InstanceIndexes are arena indices of the member instances, in frame order
	InstanceIndexes []int
	// LastSeenFrame is the frame index of the last matched detection
	LastSeenFrame int
	// Misses counts consecutive frames without a match
	Misses int
	// FeatureHistory is a bounded history of matched feature vectors
	FeatureHistory []*mat.VecDense
	// lastBBox is the bounding box of the last matched detection, pixel coords
	lastBBox Rectangle
	// motion is the optional bbox Kalman filter used for predictive gating
	motion *kalman_filter.KalmanBBox
}

func newTrack(id int, arenaIdx int, ins *Instance, predictive bool) *Track {
	t := &Track{
		ID:              id,
		State:           TrackActive,
		InstanceIndexes: []int{arenaIdx},
		LastSeenFrame:   ins.FrameIndex,
		lastBBox:        ins.BBox,
	}
	if ins.Features != nil {
		t.FeatureHistory = append(t.FeatureHistory, ins.Features)
	}
	if predictive {
		t.motion = newBBoxFilter(ins.BBox)
	}
	return t
}

func newBBoxFilter(bbox Rectangle) *kalman_filter.KalmanBBox {
	c := bbox.Center()
	// Same process/measurement noise setup as a 1 fps detector stream
	dt := 1.0
	uCx, uCy, uW, uH := 1.0, 1.0, 0.0, 0.0
	stdDevA := 2.0
	stdDevMCx, stdDevMCy, stdDevMW, stdDevMH := 0.1, 0.1, 0.1, 0.1
	return kalman_filter.NewKalmanBBox(
		dt, uCx, uCy, uW, uH,
		stdDevA, stdDevMCx, stdDevMCy, stdDevMW, stdDevMH,
		kalman_filter.WithStateBBox(c.X, c.Y, bbox.Width(), bbox.Height()),
	)
}

// observe records a matched detection and resets the miss counter.
func (t *Track) observe(arenaIdx int, ins *Instance) error {
	t.InstanceIndexes = append(t.InstanceIndexes, arenaIdx)
	t.LastSeenFrame = ins.FrameIndex
	t.lastBBox = ins.BBox
	t.Misses = 0
	t.State = TrackActive
	if ins.Features != nil {
		t.FeatureHistory = append(t.FeatureHistory, ins.Features)
		if len(t.FeatureHistory) > maxFeatureHistory {
			t.FeatureHistory = t.FeatureHistory[1:]
		}
	}
	if t.motion != nil {
		t.motion.Predict()
		c := ins.BBox.Center()
		if err := t.motion.Update(c.X, c.Y, ins.BBox.Width(), ins.BBox.Height()); err != nil {
			return errors.Wrapf(err, "can't update motion filter of track %d", t.ID)
		}
	}
	return nil
}

// miss records an unmatched frame and advances the lifecycle: a track
// unmatched for exactly windowSize frames becomes stale, one further frame
// closes it.
func (t *Track) miss(windowSize int) {
	t.Misses++
	switch {
	case t.Misses > windowSize:
		t.State = TrackClosed
	case t.Misses >= windowSize:
		t.State = TrackStale
	}
}

// GateBBox returns the box the IoU gate compares against: the Kalman
// prediction when predictive gating is enabled, the last observed box
// otherwise.
func (t *Track) GateBBox() Rectangle {
	if t.motion == nil {
		return t.lastBBox
	}
	t.motion.Predict()
	cx, cy, w, h := t.motion.GetState()
	return Rectangle{
		XMin: cx - w/2.0,
		YMin: cy - h/2.0,
		XMax: cx + w/2.0,
		YMax: cy + h/2.0,
	}
}

// LastBBox returns the bounding box of the last matched detection.
func (t *Track) LastBBox() Rectangle {
	return t.lastBBox
}
