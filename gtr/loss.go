package gtr

import (
	"math"

	"github.com/pkg/errors"
)

// NoMatch marks a query with no correct key in the window (new or
// disappearing object).
const NoMatch = -1

// GroundTruth defines, for every query instance, the index of the correct
// matching key instance in the window, or NoMatch.
type GroundTruth struct {
	Matches []int
}

// GroundTruthFromInstances derives the ground truth match structure from the
// GTTrackID labels of the query and key instances. A query is matched to the
// latest key of the same identity from an earlier frame; queries with
// unknown identity or without such a key map to NoMatch.
func GroundTruthFromInstances(queries, keys []*Instance) GroundTruth {
	matches := make([]int, len(queries))
	for qi, query := range queries {
		matches[qi] = NoMatch
		if query.GTTrackID < 0 {
			continue
		}
		best := NoMatch
		bestFrame := math.MinInt
		for ki, key := range keys {
			if key == query || key.GTTrackID != query.GTTrackID {
				continue
			}
			if key.FrameIndex < query.FrameIndex && key.FrameIndex > bestFrame {
				best = ki
				bestFrame = key.FrameIndex
			}
		}
		matches[qi] = best
	}
	return GroundTruth{Matches: matches}
}

// LossBreakdown reports the contributions of matched and unmatched queries
// to the total loss.
type LossBreakdown struct {
	Matched      float64
	Unmatched    float64
	NumMatched   int
	NumUnmatched int
}

// AssoLoss is the supervised cross-entropy style loss over an association
// matrix. Affinity logits are converted to a per-query probability
// distribution over keys (with an implicit no-match bucket) and the
// probability of the correct key is penalized with a negative log term.
type AssoLoss struct {
	cfg LossConfig
}

// NewAssoLoss builds the loss from its configuration.
func NewAssoLoss(cfg LossConfig) (*AssoLoss, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "can't build association loss")
	}
	return &AssoLoss{cfg: cfg}, nil
}

// Compute returns the scalar loss and its breakdown for the given affinity
// matrix and ground truth. Ground truth referencing a key outside the window
// is a data error.
func (l *AssoLoss) Compute(am *AssociationMatrix, gt GroundTruth) (float64, LossBreakdown, error) {
	var breakdown LossBreakdown
	if am == nil || am.Scores == nil {
		return 0, breakdown, errors.New("can't compute loss on nil association matrix")
	}
	nQuery, nKey := am.Dims()
	if len(gt.Matches) != nQuery {
		return 0, breakdown, errors.Errorf("ground truth covers %d queries, association matrix has %d",
			len(gt.Matches), nQuery)
	}

	probs, noMatch := softmaxWithNoMatch(am.Scores)

	for qi, ki := range gt.Matches {
		if ki == NoMatch {
			if !l.cfg.NegUnmatched {
				continue
			}
			// Explicit negative term: the query should put its mass on the
			// no-match bucket.
			breakdown.Unmatched += -math.Log(math.Max(noMatch[qi], l.cfg.Epsilon))
			breakdown.NumUnmatched++
			continue
		}
		if ki < 0 || ki >= nKey {
			return 0, breakdown, errors.Errorf(
				"ground truth match for query %d references detection %d absent from window of %d keys",
				qi, ki, nKey)
		}
		breakdown.Matched += -math.Log(math.Max(probs.At(qi, ki), l.cfg.Epsilon))
		breakdown.NumMatched++
	}

	loss := 0.0
	if breakdown.NumMatched > 0 {
		loss += breakdown.Matched / float64(breakdown.NumMatched)
	}
	if breakdown.NumUnmatched > 0 {
		loss += breakdown.Unmatched / float64(breakdown.NumUnmatched)
	}
	return l.cfg.AssoWeight * loss, breakdown, nil
}
