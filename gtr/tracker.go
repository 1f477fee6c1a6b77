package gtr

import (
	"fmt"
	"sort"

	"github.com/arthurkushman/go-hungarian"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Associator produces affinity matrices over windows. *Model implements it;
// the seam exists so resolvers can run against any affinity source.
type Associator interface {
	// EnsureFeatures prepares the feature vectors of all window instances
	EnsureFeatures(w *Window, useVisFeats bool) error
	// AssociateQuery scores the instances of the frame at window position
	// queryFrame against every instance in the window
	AssociateQuery(w *Window, queryFrame int) (*AssociationMatrix, error)
}

// Tracker is the stateful association resolver. It consumes frames in
// strictly increasing index order, turns the soft affinity scores of the
// association model into hard track assignments under temporal-decay, IoU
// and distance gating, and owns the Track objects across the whole video.
//
// A Tracker is strictly sequential: concurrent Step calls for the same video
// are not allowed. Different videos get different Tracker instances.
type Tracker struct {
	cfg     TrackerConfig
	model   Associator
	buffer  *WindowBuffer
	session uuid.UUID
	tracks  map[int]*Track
	arena   []*Instance
	nextID  int
}

// NewTracker builds a resolver around the given association model.
func NewTracker(model Associator, cfg TrackerConfig) (*Tracker, error) {
	if model == nil {
		return nil, errors.New("can't build tracker without a model")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "can't build tracker")
	}
	buffer, err := NewWindowBuffer(cfg)
	if err != nil {
		return nil, err
	}
	return &Tracker{
		cfg:     cfg,
		model:   model,
		buffer:  buffer,
		session: uuid.New(),
		tracks:  make(map[int]*Track),
	}, nil
}

// Session returns the unique identifier of this tracking session.
func (tr *Tracker) Session() uuid.UUID {
	return tr.session
}

// NextID returns the id the next spawned track will receive.
func (tr *Tracker) NextID() int {
	return tr.nextID
}

// Track returns the live track with the given id.
func (tr *Tracker) Track(id int) (*Track, bool) {
	t, ok := tr.tracks[id]
	return t, ok
}

// Tracks returns all live (active or stale) tracks ordered by id.
func (tr *Tracker) Tracks() []*Track {
	out := make([]*Track, 0, len(tr.tracks))
	for _, t := range tr.tracks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveTracks returns the live tracks in active state ordered by id.
func (tr *Tracker) ActiveTracks() []*Track {
	out := make([]*Track, 0, len(tr.tracks))
	for _, t := range tr.tracks {
		if t.State == TrackActive {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Instance returns the arena instance at the given index, as referenced by
// Track.InstanceIndexes.
func (tr *Tracker) Instance(idx int) *Instance {
	return tr.arena[idx]
}

// TrackAll runs the resolver over a whole ordered frame sequence.
func (tr *Tracker) TrackAll(frames []*Frame) error {
	for _, frame := range frames {
		if err := tr.Step(frame); err != nil {
			return errors.Wrapf(err, "tracking failed on frame %d", frame.Index)
		}
	}
	return nil
}

// Step consumes one frame: it computes affinities of the frame's detections
// against the active tracks over the current window, resolves assignments
// and advances every track's lifecycle.
func (tr *Tracker) Step(frame *Frame) error {
	if frame == nil {
		return errors.Errorf("session %s: can't step on nil frame", tr.session)
	}

	window, err := tr.buffer.Push(frame)
	if err != nil {
		return errors.Wrapf(err, "session %s", tr.session)
	}
	if !frame.HasInstances() {
		tr.advanceUnmatched(nil)
		return nil
	}

	if err := tr.model.EnsureFeatures(window, tr.cfg.UseVisFeats); err != nil {
		return errors.Wrapf(err, "session %s", tr.session)
	}

	active := tr.ActiveTracks()
	// Keys from earlier frames of the window carry assigned track ids; with
	// none present there is nothing to match against.
	if len(active) == 0 || window.TotalInstances() == frame.NumDetected() {
		matched := make(map[int]bool)
		for _, ins := range frame.Instances {
			matched[tr.spawn(ins).ID] = true
		}
		tr.advanceUnmatched(matched)
		return nil
	}

	am, err := tr.model.AssociateQuery(window, len(window.Frames)-1)
	if err != nil {
		return errors.Wrapf(err, "session %s: association failed", tr.session)
	}

	nQuery, nKey := am.Dims()
	if nQuery != frame.NumDetected() || nKey != window.TotalInstances() {
		// A corrupted match state cannot be recovered from.
		panic(fmt.Sprintf("gtr: affinity matrix %dx%d does not match %d queries / %d keys",
			nQuery, nKey, frame.NumDetected(), window.TotalInstances()))
	}

	candidates := tr.buildCandidates(am, frame, active)

	var matches []*candidate
	switch tr.cfg.Assignment {
	case AssignmentHungarian:
		matches = tr.resolveHungarian(candidates, frame.NumDetected(), active)
	default:
		matches = tr.resolveGreedy(candidates)
	}

	matchedTracks := make(map[int]bool, len(matches))
	matchedDets := make(map[int]bool, len(matches))
	for _, m := range matches {
		if matchedTracks[m.trackID] || matchedDets[m.detIdx] {
			panic(fmt.Sprintf("gtr: duplicate assignment of track %d / detection %d", m.trackID, m.detIdx))
		}
		matchedTracks[m.trackID] = true
		matchedDets[m.detIdx] = true

		ins := frame.Instances[m.detIdx]
		ins.TrackID = m.trackID
		tr.arena = append(tr.arena, ins)
		if err := tr.tracks[m.trackID].observe(len(tr.arena)-1, ins); err != nil {
			return errors.Wrapf(err, "session %s", tr.session)
		}
	}

	for i, ins := range frame.Instances {
		if !matchedDets[i] {
			matchedTracks[tr.spawn(ins).ID] = true
		}
	}
	tr.advanceUnmatched(matchedTracks)
	return nil
}

// buildCandidates applies decay, gating and thresholding to the affinity
// matrix, producing the admissible (detection, track) pairs. Decay is
// applied to the raw affinity first, gates act as hard masks, the overlap
// threshold is applied last.
func (tr *Tracker) buildCandidates(am *AssociationMatrix, frame *Frame, active []*Track) []*candidate {
	probs := am.Softmax()

	// Aggregate per-query probability mass per track over the window keys.
	trackMass := make(map[int][]float64, len(active))
	for _, t := range active {
		trackMass[t.ID] = make([]float64, frame.NumDetected())
	}
	for ki, key := range am.Keys {
		mass, ok := trackMass[key.TrackID]
		if !ok {
			continue
		}
		for qi := range am.Queries {
			mass[qi] += probs.At(qi, ki)
		}
	}

	var candidates []*candidate
	for _, t := range active {
		gap := frame.Index - t.LastSeenFrame
		gateBox := t.lastBBox
		if tr.cfg.PredictGateBoxes {
			gateBox = t.GateBBox()
		}
		for qi, ins := range frame.Instances {
			score := trackMass[t.ID][qi]
			if tr.cfg.DecayTime != nil {
				score *= decayWeight(*tr.cfg.DecayTime, gap)
			}

			if tr.cfg.IoU != nil {
				iouVal := IoU(ins.BBox, gateBox)
				if iouVal < *tr.cfg.IoU {
					continue
				}
				score = combineGate(score, iouVal, tr.cfg.MultThresh)
			}
			if tr.cfg.MaxCenterDist != nil {
				dist := centerDist(frame.NormBox(ins.BBox), frame.NormBox(gateBox))
				if dist > *tr.cfg.MaxCenterDist {
					continue
				}
			}

			if score < tr.cfg.OverlapThresh {
				continue
			}
			candidates = append(candidates, &candidate{
				score:   score,
				trackID: t.ID,
				detIdx:  qi,
			})
		}
	}
	return candidates
}

// resolveGreedy assigns candidates highest score first. Each detection
// matches at most one track and vice versa; ties break deterministically by
// lower track id, then earlier detection index.
func (tr *Tracker) resolveGreedy(candidates []*candidate) []*candidate {
	pq := make(candidateHeap, 0, len(candidates))
	for _, c := range candidates {
		pq.Push(c)
	}
	usedTracks := make(map[int]bool)
	usedDets := make(map[int]bool)
	var matches []*candidate
	for pq.Len() > 0 {
		c := pq.Pop()
		if usedTracks[c.trackID] || usedDets[c.detIdx] {
			continue
		}
		usedTracks[c.trackID] = true
		usedDets[c.detIdx] = true
		matches = append(matches, c)
	}
	return matches
}

// resolveHungarian performs optimal assignment over the admissible candidate
// scores with the Kuhn-Munkres algorithm, padding the matrix square.
func (tr *Tracker) resolveHungarian(candidates []*candidate, numDets int, active []*Track) []*candidate {
	if len(candidates) == 0 {
		return nil
	}
	admissible := make(map[[2]int]float64, len(candidates))
	colOfTrack := make(map[int]int, len(active))
	for i, t := range active {
		colOfTrack[t.ID] = i
	}
	size := maxInt(numDets, len(active))
	matrix := make([][]float64, size)
	for i := range matrix {
		matrix[i] = make([]float64, size)
	}
	for _, c := range candidates {
		col := colOfTrack[c.trackID]
		admissible[[2]int{c.detIdx, col}] = c.score
		matrix[c.detIdx][col] = c.score
	}

	assignments := hungarian.SolveMax(matrix)
	var matches []*candidate
	for detIdx, row := range assignments {
		if detIdx >= numDets {
			continue
		}
		for col := range row {
			score, ok := admissible[[2]int{detIdx, col}]
			if !ok {
				// Padded or inadmissible cell picked by the solver
				continue
			}
			matches = append(matches, &candidate{
				score:   score,
				trackID: active[col].ID,
				detIdx:  detIdx,
			})
			break
		}
	}
	return matches
}

// spawn creates a new track for an unmatched detection. Ids are unique and
// monotonically increasing, never reused after a track closes.
func (tr *Tracker) spawn(ins *Instance) *Track {
	id := tr.nextID
	tr.nextID++
	ins.TrackID = id
	tr.arena = append(tr.arena, ins)
	t := newTrack(id, len(tr.arena)-1, ins, tr.cfg.PredictGateBoxes)
	tr.tracks[id] = t
	return t
}

// advanceUnmatched records a miss on every live track that was not matched
// this frame and prunes tracks that reached the closed state.
func (tr *Tracker) advanceUnmatched(matched map[int]bool) {
	for id, t := range tr.tracks {
		if matched[id] {
			continue
		}
		t.miss(tr.cfg.WindowSize)
		if t.State == TrackClosed {
			delete(tr.tracks, id)
		}
	}
}
