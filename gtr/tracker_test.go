package gtr

import (
	"math"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// scriptedAssociator replays a fixed queue of logit matrices, one per
// association call. It lets the tests drive the resolver with exact
// probability masses instead of a trained model.
type scriptedAssociator struct {
	scripts []*mat.Dense
	call    int
}

func (s *scriptedAssociator) EnsureFeatures(w *Window, _ bool) error {
	for _, ins := range w.AllInstances() {
		if ins.Features == nil {
			ins.Features = mat.NewVecDense(1, nil)
		}
	}
	return nil
}

func (s *scriptedAssociator) AssociateQuery(w *Window, queryFrame int) (*AssociationMatrix, error) {
	if s.call >= len(s.scripts) {
		return nil, errors.Errorf("no script for association call %d", s.call)
	}
	scores := s.scripts[s.call]
	s.call++
	return &AssociationMatrix{
		Scores:  scores,
		Queries: w.Frames[queryFrame].Instances,
		Keys:    w.AllInstances(),
	}, nil
}

func det(frameIndex int, x, y float64) *Instance {
	return NewInstance(frameIndex, NewRect(x, y, x+20, y+20), nil, 1.0)
}

func frameAt(index int, instances ...*Instance) *Frame {
	return NewFrameWithSize(index, instances, 640, 480)
}

// logitRow builds one query row so that softmax (with the implicit no-match
// bucket) assigns exactly the wanted probability mass to each key. Masses
// must sum to less than one; -1 stands for "negligible".
func logitRow(masses []float64) []float64 {
	rest := 1.0
	for _, m := range masses {
		if m > 0 {
			rest -= m
		}
	}
	row := make([]float64, len(masses))
	for i, m := range masses {
		if m <= 0 {
			row[i] = -20.0
			continue
		}
		row[i] = math.Log(m / rest)
	}
	return row
}

func scriptMatrix(rows ...[]float64) *mat.Dense {
	data := make([]float64, 0, len(rows)*len(rows[0]))
	for _, r := range rows {
		data = append(data, r...)
	}
	return mat.NewDense(len(rows), len(rows[0]), data)
}

func TestSpawnAssignsMonotonicIDs(t *testing.T) {
	tr, err := NewTracker(&scriptedAssociator{}, DefaultTrackerConfig())
	if err != nil {
		t.Fatal(err)
	}

	frame := frameAt(0, det(0, 10, 10), det(0, 100, 100), det(0, 200, 200))
	if err := tr.Step(frame); err != nil {
		t.Fatal(err)
	}

	ids := frame.TrackIDs()
	for i, id := range ids {
		if id != i {
			t.Errorf("Expected detection %d to spawn track %d, got %d", i, i, id)
		}
	}
	if len(tr.ActiveTracks()) != 3 {
		t.Errorf("Expected 3 active tracks, got %d", len(tr.ActiveTracks()))
	}
	if tr.NextID() != 3 {
		t.Errorf("Expected next id 3, got %d", tr.NextID())
	}
}

func TestTrackStaleThenClosedTiming(t *testing.T) {
	cfg := DefaultTrackerConfig()
	cfg.WindowSize = 3
	tr, err := NewTracker(&scriptedAssociator{}, cfg)
	if err != nil {
		t.Fatal(err)
	}

	if err := tr.Step(frameAt(0, det(0, 10, 10))); err != nil {
		t.Fatal(err)
	}

	// Unmatched for exactly window_size frames: the track goes stale but is
	// still remembered.
	for i := 1; i <= 3; i++ {
		if err := tr.Step(frameAt(i)); err != nil {
			t.Fatal(err)
		}
	}
	track, ok := tr.Track(0)
	if !ok {
		t.Fatal("Expected track 0 to still be remembered after window_size misses")
	}
	if track.State != TrackStale {
		t.Errorf("Expected track to be stale after %d misses, got %s", 3, track.State)
	}
	if len(tr.ActiveTracks()) != 0 {
		t.Error("Expected no active tracks while the only track is stale")
	}

	// One more unmatched frame closes and prunes it.
	if err := tr.Step(frameAt(4)); err != nil {
		t.Fatal(err)
	}
	if _, ok := tr.Track(0); ok {
		t.Error("Expected track 0 to be pruned after window_size+1 misses")
	}
}

func TestClosedTrackIDNeverReused(t *testing.T) {
	cfg := DefaultTrackerConfig()
	cfg.WindowSize = 2
	tr, err := NewTracker(&scriptedAssociator{}, cfg)
	if err != nil {
		t.Fatal(err)
	}

	if err := tr.Step(frameAt(0, det(0, 10, 10))); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 3; i++ {
		if err := tr.Step(frameAt(i)); err != nil {
			t.Fatal(err)
		}
	}
	if _, ok := tr.Track(0); ok {
		t.Fatal("Expected track 0 to be closed")
	}

	frame := frameAt(4, det(4, 300, 300))
	if err := tr.Step(frame); err != nil {
		t.Fatal(err)
	}
	if frame.Instances[0].TrackID != 1 {
		t.Errorf("Expected fresh track id 1 after track 0 closed, got %d", frame.Instances[0].TrackID)
	}
}

func TestOverlapThresholdSplitsAssignment(t *testing.T) {
	cfg := DefaultTrackerConfig()
	cfg.WindowSize = 2
	cfg.OverlapThresh = 0.5
	model := &scriptedAssociator{scripts: []*mat.Dense{
		// Frame 1: one detection, 0.75 mass on track 0's key, 0.2 on track 1's
		scriptMatrix(logitRow([]float64{0.75, 0.2, -1})),
		// Frame 2: one detection, firmly track 0
		scriptMatrix(logitRow([]float64{0.9, -1})),
		// Frame 3: first detection continues track 0, second is new
		scriptMatrix(
			logitRow([]float64{0.9, -1, -1}),
			logitRow([]float64{-1, -1, -1}),
		),
	}}
	tr, err := NewTracker(model, cfg)
	if err != nil {
		t.Fatal(err)
	}

	if err := tr.Step(frameAt(0, det(0, 10, 10), det(0, 100, 100))); err != nil {
		t.Fatal(err)
	}

	matched := det(1, 12, 12)
	if err := tr.Step(frameAt(1, matched)); err != nil {
		t.Fatal(err)
	}
	if matched.TrackID != 0 {
		t.Errorf("Expected detection above overlap threshold to continue track 0, got %d", matched.TrackID)
	}

	if err := tr.Step(frameAt(2, det(2, 14, 14))); err != nil {
		t.Fatal(err)
	}
	track1, ok := tr.Track(1)
	if !ok {
		t.Fatal("Expected track 1 to still be remembered")
	}
	if track1.State != TrackStale {
		t.Errorf("Expected unmatched track 1 to be stale, got %s", track1.State)
	}

	cont := det(3, 16, 16)
	fresh := det(3, 400, 400)
	if err := tr.Step(frameAt(3, cont, fresh)); err != nil {
		t.Fatal(err)
	}
	if cont.TrackID != 0 {
		t.Errorf("Expected continuation of track 0, got %d", cont.TrackID)
	}
	if fresh.TrackID != 2 {
		t.Errorf("Expected detection below overlap threshold to spawn track 2, got %d", fresh.TrackID)
	}
	if _, ok := tr.Track(1); ok {
		t.Error("Expected track 1 to be closed and pruned")
	}
}

func TestDecayPrefersRecentlySeenTrack(t *testing.T) {
	scripts := func() []*mat.Dense {
		return []*mat.Dense{
			scriptMatrix(logitRow([]float64{0.9, -1, -1})),
			scriptMatrix(logitRow([]float64{-1, -1, 0.9, -1})),
			scriptMatrix(logitRow([]float64{-1, -1, -1, 0.9, -1})),
			// The decisive frame: raw mass slightly favors long-lost track 1
			// (0.40 via its only key) over track 0 (0.35).
			scriptMatrix(logitRow([]float64{-1, 0.40, -1, -1, 0.35, -1})),
		}
	}
	run := func(decay *float64) int {
		cfg := DefaultTrackerConfig()
		cfg.DecayTime = decay
		tr, err := NewTracker(&scriptedAssociator{scripts: scripts()}, cfg)
		if err != nil {
			t.Fatal(err)
		}
		if err := tr.Step(frameAt(0, det(0, 10, 10), det(0, 100, 100))); err != nil {
			t.Fatal(err)
		}
		for i := 1; i <= 3; i++ {
			if err := tr.Step(frameAt(i, det(i, 10, 10))); err != nil {
				t.Fatal(err)
			}
		}
		decisive := det(4, 50, 50)
		if err := tr.Step(frameAt(4, decisive)); err != nil {
			t.Fatal(err)
		}
		return decisive.TrackID
	}

	halfLife := 0.5
	if got := run(&halfLife); got != 0 {
		t.Errorf("Expected decay to route the detection to recently seen track 0, got %d", got)
	}
	if got := run(nil); got != 1 {
		t.Errorf("Expected raw affinity without decay to pick track 1, got %d", got)
	}
}

func TestHungarianMaximizesTotalScore(t *testing.T) {
	scripts := func() []*mat.Dense {
		return []*mat.Dense{scriptMatrix(
			logitRow([]float64{0.6, 0.3, -1, -1}),
			logitRow([]float64{0.5, 0.05, -1, -1}),
		)}
	}
	run := func(algo AssignmentAlgorithm) (int, int) {
		cfg := DefaultTrackerConfig()
		cfg.Assignment = algo
		tr, err := NewTracker(&scriptedAssociator{scripts: scripts()}, cfg)
		if err != nil {
			t.Fatal(err)
		}
		if err := tr.Step(frameAt(0, det(0, 10, 10), det(0, 100, 100))); err != nil {
			t.Fatal(err)
		}
		p := det(1, 12, 12)
		q := det(1, 102, 102)
		if err := tr.Step(frameAt(1, p, q)); err != nil {
			t.Fatal(err)
		}
		return p.TrackID, q.TrackID
	}

	// Greedy grabs the single best pair (P, track 0) first.
	p, q := run(AssignmentGreedy)
	if p != 0 || q != 1 {
		t.Errorf("Expected greedy assignment (0, 1), got (%d, %d)", p, q)
	}

	// Hungarian prefers the crossing with the larger total: 0.3 + 0.5 > 0.6 + 0.05.
	p, q = run(AssignmentHungarian)
	if p != 1 || q != 0 {
		t.Errorf("Expected optimal assignment (1, 0), got (%d, %d)", p, q)
	}
}

func TestGreedyResolutionIsDeterministic(t *testing.T) {
	tr, err := NewTracker(&scriptedAssociator{}, DefaultTrackerConfig())
	if err != nil {
		t.Fatal(err)
	}

	candidates := []*candidate{
		{score: 0.5, trackID: 3, detIdx: 0},
		{score: 0.5, trackID: 1, detIdx: 0},
		{score: 0.5, trackID: 1, detIdx: 1},
		{score: 0.5, trackID: 3, detIdx: 1},
		{score: 0.9, trackID: 7, detIdx: 2},
	}
	matches := tr.resolveGreedy(candidates)

	assigned := make(map[int]int)
	for _, m := range matches {
		assigned[m.detIdx] = m.trackID
	}
	if assigned[2] != 7 {
		t.Errorf("Expected highest score pair first, got track %d for detection 2", assigned[2])
	}
	// Equal scores break by lower track id, the loser falls through to its
	// remaining detection.
	if assigned[0] != 1 {
		t.Errorf("Expected tie on detection 0 to go to lower track id 1, got %d", assigned[0])
	}
	if assigned[1] != 3 {
		t.Errorf("Expected track 3 to take detection 1, got %d", assigned[1])
	}
}

func TestStepPanicsOnAffinityDimsMismatch(t *testing.T) {
	model := &scriptedAssociator{scripts: []*mat.Dense{
		mat.NewDense(5, 5, nil), // wrong shape on purpose
	}}
	tr, err := NewTracker(model, DefaultTrackerConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Step(frameAt(0, det(0, 10, 10))); err != nil {
		t.Fatal(err)
	}

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("Expected panic on affinity matrix shape mismatch")
		}
		if !strings.Contains(r.(string), "affinity matrix") {
			t.Errorf("Unexpected panic message: %v", r)
		}
	}()
	_ = tr.Step(frameAt(1, det(1, 12, 12)))
}

func TestStepRejectsBadFrames(t *testing.T) {
	cfg := DefaultTrackerConfig()
	cfg.MaxDetectionsPerFrame = 2
	tr, err := NewTracker(&scriptedAssociator{}, cfg)
	if err != nil {
		t.Fatal(err)
	}

	if err := tr.Step(nil); err == nil {
		t.Error("Expected error for nil frame")
	}
	if err := tr.Step(frameAt(5, det(5, 10, 10))); err != nil {
		t.Fatal(err)
	}
	if err := tr.Step(frameAt(3, det(3, 10, 10))); err == nil {
		t.Error("Expected error for out of order frame")
	}
	if err := tr.Step(frameAt(6, det(6, 1, 1), det(6, 2, 2), det(6, 3, 3))); err == nil {
		t.Error("Expected error for frame exceeding max detections")
	}
}

func TestTrackerSessionsAreDistinct(t *testing.T) {
	a, err := NewTracker(&scriptedAssociator{}, DefaultTrackerConfig())
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewTracker(&scriptedAssociator{}, DefaultTrackerConfig())
	if err != nil {
		t.Fatal(err)
	}
	if a.Session() == b.Session() {
		t.Error("Expected distinct session ids for distinct trackers")
	}
}

func TestTrackInstanceIndexesResolveThroughArena(t *testing.T) {
	cfg := DefaultTrackerConfig()
	cfg.WindowSize = 2
	model := &scriptedAssociator{scripts: []*mat.Dense{
		scriptMatrix(logitRow([]float64{0.9, -1})),
	}}
	tr, err := NewTracker(model, cfg)
	if err != nil {
		t.Fatal(err)
	}

	first := det(0, 10, 10)
	second := det(1, 12, 12)
	if err := tr.Step(frameAt(0, first)); err != nil {
		t.Fatal(err)
	}
	if err := tr.Step(frameAt(1, second)); err != nil {
		t.Fatal(err)
	}

	track, ok := tr.Track(0)
	if !ok {
		t.Fatal("Expected track 0 to exist")
	}
	if len(track.InstanceIndexes) != 2 {
		t.Fatalf("Expected 2 member instances, got %d", len(track.InstanceIndexes))
	}
	if tr.Instance(track.InstanceIndexes[0]) != first || tr.Instance(track.InstanceIndexes[1]) != second {
		t.Error("Expected arena indices to resolve to the matched instances in frame order")
	}
	if track.LastSeenFrame != 1 {
		t.Errorf("Expected last seen frame 1, got %d", track.LastSeenFrame)
	}
}

func TestIoUGateBlocksNonOverlappingCandidate(t *testing.T) {
	run := func(box Rectangle) int {
		iouGate := 0.1
		cfg := DefaultTrackerConfig()
		cfg.IoU = &iouGate
		model := &scriptedAssociator{scripts: []*mat.Dense{
			scriptMatrix(logitRow([]float64{0.9, -1})),
		}}
		tr, err := NewTracker(model, cfg)
		if err != nil {
			t.Fatal(err)
		}
		if err := tr.Step(frameAt(0, det(0, 10, 10))); err != nil {
			t.Fatal(err)
		}
		ins := NewInstance(1, box, nil, 1.0)
		if err := tr.Step(frameAt(1, ins)); err != nil {
			t.Fatal(err)
		}
		return ins.TrackID
	}

	// Overlapping the track's last box: the high affinity goes through.
	if got := run(NewRect(12, 12, 32, 32)); got != 0 {
		t.Errorf("Expected overlapping detection to continue track 0, got %d", got)
	}
	// Zero IoU with the track's last box: dropped despite 0.9 affinity.
	if got := run(NewRect(400, 400, 420, 420)); got != 1 {
		t.Errorf("Expected gated detection to spawn track 1, got %d", got)
	}
}

func TestMaxCenterDistGateBlocksFarCandidate(t *testing.T) {
	run := func(box Rectangle) int {
		maxDist := 0.05
		cfg := DefaultTrackerConfig()
		cfg.MaxCenterDist = &maxDist
		model := &scriptedAssociator{scripts: []*mat.Dense{
			scriptMatrix(logitRow([]float64{0.9, -1})),
		}}
		tr, err := NewTracker(model, cfg)
		if err != nil {
			t.Fatal(err)
		}
		if err := tr.Step(frameAt(0, det(0, 10, 10))); err != nil {
			t.Fatal(err)
		}
		ins := NewInstance(1, box, nil, 1.0)
		if err := tr.Step(frameAt(1, ins)); err != nil {
			t.Fatal(err)
		}
		return ins.TrackID
	}

	// A few pixels of drift stays well under the normalized distance bound.
	if got := run(NewRect(14, 14, 34, 34)); got != 0 {
		t.Errorf("Expected nearby detection to continue track 0, got %d", got)
	}
	if got := run(NewRect(400, 400, 420, 420)); got != 1 {
		t.Errorf("Expected far detection to spawn track 1, got %d", got)
	}
}

func TestMultThreshSelectsGateCombination(t *testing.T) {
	// Affinity 0.3 alone is below the 0.5 threshold; the IoU gate value
	// (about 0.68 for the chosen boxes) rescues the candidate only when the
	// combination is additive.
	run := func(mult bool) int {
		iouGate := 0.1
		cfg := DefaultTrackerConfig()
		cfg.IoU = &iouGate
		cfg.OverlapThresh = 0.5
		cfg.MultThresh = mult
		model := &scriptedAssociator{scripts: []*mat.Dense{
			scriptMatrix(logitRow([]float64{0.3, -1})),
		}}
		tr, err := NewTracker(model, cfg)
		if err != nil {
			t.Fatal(err)
		}
		if err := tr.Step(frameAt(0, det(0, 10, 10))); err != nil {
			t.Fatal(err)
		}
		ins := det(1, 12, 12)
		if err := tr.Step(frameAt(1, ins)); err != nil {
			t.Fatal(err)
		}
		return ins.TrackID
	}

	if got := run(true); got != 1 {
		t.Errorf("Expected multiplicative combination to stay below threshold and spawn, got track %d", got)
	}
	if got := run(false); got != 0 {
		t.Errorf("Expected additive combination to lift the candidate over the threshold, got track %d", got)
	}
}

func TestNullGatesDegradeToPureAffinityThreshold(t *testing.T) {
	// With both gates null the combination rule has nothing to fold in:
	// assignment reduces to thresholding the affinity mass, regardless of
	// the MultThresh setting.
	run := func(mult bool) (int, int) {
		cfg := DefaultTrackerConfig()
		cfg.OverlapThresh = 0.5
		cfg.MultThresh = mult
		cfg.IoU = nil
		cfg.MaxCenterDist = nil
		cfg.DecayTime = nil
		model := &scriptedAssociator{scripts: []*mat.Dense{
			scriptMatrix(
				logitRow([]float64{0.6, 0.3, -1, -1}),
				logitRow([]float64{-1, 0.2, -1, -1}),
			),
		}}
		tr, err := NewTracker(model, cfg)
		if err != nil {
			t.Fatal(err)
		}
		if err := tr.Step(frameAt(0, det(0, 10, 10), det(0, 100, 100))); err != nil {
			t.Fatal(err)
		}
		p := det(1, 12, 12)
		q := det(1, 102, 102)
		if err := tr.Step(frameAt(1, p, q)); err != nil {
			t.Fatal(err)
		}
		return p.TrackID, q.TrackID
	}

	for _, mult := range []bool{true, false} {
		p, q := run(mult)
		if p != 0 {
			t.Errorf("MultThresh=%v: expected mass 0.6 to continue track 0, got %d", mult, p)
		}
		if q != 2 {
			t.Errorf("MultThresh=%v: expected mass 0.2 below threshold to spawn track 2, got %d", mult, q)
		}
	}
}

func TestPredictGateBoxesMatchesStationaryTrack(t *testing.T) {
	iouGate := 0.2
	cfg := DefaultTrackerConfig()
	cfg.IoU = &iouGate
	cfg.PredictGateBoxes = true
	model := &scriptedAssociator{scripts: []*mat.Dense{
		scriptMatrix(logitRow([]float64{0.9, -1})),
		scriptMatrix(logitRow([]float64{-1, 0.9, -1})),
	}}
	tr, err := NewTracker(model, cfg)
	if err != nil {
		t.Fatal(err)
	}

	// A stationary object: the motion-predicted gate box must keep passing
	// the IoU gate.
	for i := 0; i < 3; i++ {
		frame := frameAt(i, det(i, 10, 10))
		if err := tr.Step(frame); err != nil {
			t.Fatal(err)
		}
		if frame.Instances[0].TrackID != 0 {
			t.Errorf("Frame %d: expected stationary detection on track 0, got %d",
				i, frame.Instances[0].TrackID)
		}
	}
	track, ok := tr.Track(0)
	if !ok {
		t.Fatal("Expected track 0 to exist")
	}
	if len(track.InstanceIndexes) != 3 {
		t.Errorf("Expected 3 member instances, got %d", len(track.InstanceIndexes))
	}
}

func TestTrackAllEndToEndWithModel(t *testing.T) {
	model, err := NewModel(smallModelConfig())
	if err != nil {
		t.Fatal(err)
	}

	cfg := DefaultTrackerConfig()
	cfg.WindowSize = 4
	cfg.UseVisFeats = false
	tr, err := NewTracker(model, cfg)
	if err != nil {
		t.Fatal(err)
	}

	var frames []*Frame
	for i := 0; i < 4; i++ {
		drift := float64(i) * 3
		frames = append(frames, frameAt(i,
			det(i, 10+drift, 10+drift),
			det(i, 300+drift, 200+drift),
		))
	}
	if err := tr.TrackAll(frames); err != nil {
		t.Fatal(err)
	}

	for _, frame := range frames {
		for _, ins := range frame.Instances {
			if ins.TrackID == UnassignedTrackID {
				t.Errorf("Expected every detection to be assigned, frame %d has unassigned instance", frame.Index)
			}
			if ins.TrackID >= tr.NextID() {
				t.Errorf("Track id %d exceeds id counter %d", ins.TrackID, tr.NextID())
			}
		}
	}
	if len(tr.Tracks()) == 0 {
		t.Error("Expected live tracks after processing all frames")
	}
}
