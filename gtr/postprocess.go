package gtr

import "math"

// decayWeight returns the multiplicative down-weighting of a track unseen
// for gap frames. decayTime is in (0, 1]; the weight decreases monotonically
// with the gap and equals 1 for a track seen on the previous frame.
func decayWeight(decayTime float64, gap int) float64 {
	if gap <= 1 {
		return 1.0
	}
	return math.Pow(decayTime, float64(gap-1))
}

// combineGate folds the IoU gate value into the affinity score, either
// multiplicatively or additively.
func combineGate(score, gateVal float64, mult bool) float64 {
	if mult {
		return score * gateVal
	}
	return score + gateVal
}

// centerDist returns the euclidean distance between the centers of two
// normalized bounding boxes.
func centerDist(a, b Rectangle) float64 {
	return euclideanDistance(a.Center(), b.Center())
}
