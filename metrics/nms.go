package metrics

import (
	"sort"

	"github.com/tsawler/go-detect/detection"
)

// NMSConfig configures NonMaxSuppression.
type NMSConfig struct {
	ConfThreshold float32 // minimum class score of a candidate
	IoUThreshold  float64 // overlap above which a lower-scored box is dropped
	MaxDet        int     // detections kept per image
	MaxNMS        int     // candidates entering suppression per image
}

// DefaultNMSConfig returns the evaluation settings: confidence 0.001,
// IoU 0.7, at most 300 detections.
func DefaultNMSConfig() NMSConfig {
	return NMSConfig{
		ConfThreshold: 0.001,
		IoUThreshold:  0.7,
		MaxDet:        300,
		MaxNMS:        30000,
	}
}

// NonMaxSuppression filters the candidates of every image of a batch. With
// more than one class, each class score above the threshold yields its own
// candidate. Suppression is applied per class, in decreasing score order.
func NonMaxSuppression(preds [][]detection.Prediction, cfg NMSConfig) [][]detection.Detection {
	out := make([][]detection.Detection, len(preds))
	for i, p := range preds {
		out[i] = suppress(candidates(p, cfg.ConfThreshold), cfg)
	}
	return out
}

func candidates(preds []detection.Prediction, conf float32) []detection.Detection {
	var cands []detection.Detection
	for _, p := range preds {
		box := p.Box.XYXY()
		emit := func(score float32, class int) {
			cands = append(cands, detection.Detection{
				X1: box[0], Y1: box[1], X2: box[2], Y2: box[3],
				Score: score, Class: class,
			})
		}

		if len(p.Scores) == 1 {
			if p.Scores[0] > conf {
				emit(p.Scores[0], 0)
			}
			continue
		}
		for c, s := range p.Scores {
			if s > conf {
				emit(s, c)
			}
		}
	}
	return cands
}

func suppress(cands []detection.Detection, cfg NMSConfig) []detection.Detection {
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].Score > cands[j].Score
	})
	if cfg.MaxNMS > 0 && len(cands) > cfg.MaxNMS {
		cands = cands[:cfg.MaxNMS]
	}

	kept := make([]detection.Detection, 0, min(len(cands), max(cfg.MaxDet, 0)))
	for _, c := range cands {
		if cfg.MaxDet > 0 && len(kept) == cfg.MaxDet {
			break
		}
		keep := true
		for _, k := range kept {
			if k.Class == c.Class && BoxIoU(detectionBox(k), detectionBox(c)) > cfg.IoUThreshold {
				keep = false
				break
			}
		}
		if keep {
			kept = append(kept, c)
		}
	}
	return kept
}
