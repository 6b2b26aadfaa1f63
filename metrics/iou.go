// Package metrics implements detection post-processing and the COCO-style
// precision, recall and average precision computation used for evaluation.
package metrics

import "github.com/tsawler/go-detect/detection"

const iouEps = 1e-7

// BoxIoU returns the intersection over union of two corner-format boxes.
func BoxIoU(a, b [4]float32) float64 {
	iw := min(a[2], b[2]) - max(a[0], b[0])
	ih := min(a[3], b[3]) - max(a[1], b[1])
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := float64(iw) * float64(ih)
	areaA := float64(a[2]-a[0]) * float64(a[3]-a[1])
	areaB := float64(b[2]-b[0]) * float64(b[3]-b[1])
	return inter / (areaA + areaB - inter + iouEps)
}

func detectionBox(d detection.Detection) [4]float32 {
	return [4]float32{d.X1, d.Y1, d.X2, d.Y2}
}

// IoUThresholds returns the ten thresholds 0.50, 0.55, ..., 0.95 of
// mAP@[0.5:0.95].
func IoUThresholds() []float64 {
	out := make([]float64, 10)
	for i := range out {
		out[i] = 0.5 + 0.45*float64(i)/9
	}
	return out
}
