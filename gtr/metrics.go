package gtr

import "github.com/pkg/errors"

// IdentitySwitches counts how often a ground-truth identity changes its
// predicted track id between consecutive appearances. gt and pred hold, per
// frame, the aligned ground-truth and predicted track ids of each detection.
func IdentitySwitches(gt, pred [][]int) (int, error) {
	if len(gt) != len(pred) {
		return 0, errors.Errorf("gt covers %d frames, pred covers %d", len(gt), len(pred))
	}
	lastPred := make(map[int]int)
	switches := 0
	for fi := range gt {
		if len(gt[fi]) != len(pred[fi]) {
			return 0, errors.Errorf("frame %d: gt has %d detections, pred has %d",
				fi, len(gt[fi]), len(pred[fi]))
		}
		for di, gtID := range gt[fi] {
			predID := pred[fi][di]
			if prev, seen := lastPred[gtID]; seen && prev != predID {
				switches++
			}
			lastPred[gtID] = predID
		}
	}
	return switches, nil
}
