package metrics

import (
	"math"
	"slices"
	"sort"

	"github.com/tsawler/go-detect/detection"
)

const (
	apEps = 1e-16

	// curvePoints is the resolution of the per-class precision and recall
	// curves over confidence.
	curvePoints = 1000
	// apPoints is the number of recall points of the interpolated AP.
	apPoints = 101
)

// MatchPredictions marks, for every detection and IoU threshold, whether
// the detection is a true positive. Labels must be in the detections'
// coordinate space. Each label is matched to at most one detection per
// threshold, preferring the highest overlap.
func MatchPredictions(dets []detection.Detection, labels []detection.Label, thresholds []float64) [][]bool {
	correct := make([][]bool, len(dets))
	for i := range correct {
		correct[i] = make([]bool, len(thresholds))
	}
	if len(dets) == 0 || len(labels) == 0 {
		return correct
	}

	iou := make([][]float64, len(labels))
	for l, lb := range labels {
		iou[l] = make([]float64, len(dets))
		box := lb.Box.XYXY()
		for d, det := range dets {
			iou[l][d] = BoxIoU(box, detectionBox(det))
		}
	}

	type match struct {
		label, det int
		iou        float64
	}
	for t, thr := range thresholds {
		var matches []match
		for l, lb := range labels {
			for d, det := range dets {
				if iou[l][d] >= thr && lb.Class == det.Class {
					matches = append(matches, match{l, d, iou[l][d]})
				}
			}
		}
		sort.SliceStable(matches, func(i, j int) bool {
			return matches[i].iou > matches[j].iou
		})
		usedLabel := make(map[int]bool)
		usedDet := make(map[int]bool)
		for _, m := range matches {
			if usedLabel[m.label] || usedDet[m.det] {
				continue
			}
			usedLabel[m.label] = true
			usedDet[m.det] = true
			correct[m.det][t] = true
		}
	}
	return correct
}

// PRCurve is the precision-recall curve of every evaluated class at IoU
// 0.5, sampled at evenly spaced recall values.
type PRCurve struct {
	Recall    []float64
	Classes   []int
	Precision [][]float64 // per class, aligned with Recall
	AP50      []float64   // per class
}

// APResult is the outcome of ComputeAP.
type APResult struct {
	Precision float64 // mean over classes at the best-F1 confidence
	Recall    float64
	MAP50     float64
	MAP       float64 // mean over classes and IoU thresholds 0.5..0.95

	// Per-class true and false positive counts at the best-F1 confidence.
	TP []float64
	FP []float64

	Curve PRCurve
}

// ComputeAP computes per-class average precision over every IoU threshold
// with 101-point interpolation, and precision and recall at the confidence
// that maximizes the smoothed mean F1 score.
//
// tp holds one row per detection (see MatchPredictions), conf and predCls
// its score and class, targetCls the class of every ground-truth label.
func ComputeAP(tp [][]bool, conf []float32, predCls, targetCls []int) APResult {
	order := make([]int, len(conf))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return conf[order[a]] > conf[order[b]] })

	classes, counts := uniqueCounts(targetCls)
	numIoU := 0
	if len(tp) > 0 {
		numIoU = len(tp[0])
	}

	px := linspace(0, 1, curvePoints)
	negPX := make([]float64, curvePoints)
	for i, x := range px {
		negPX[i] = -x
	}
	recallX := linspace(0, 1, apPoints)

	p := make([][]float64, len(classes))
	r := make([][]float64, len(classes))
	ap := make([][]float64, len(classes))
	curve := PRCurve{Recall: recallX, Classes: classes}

	for ci, c := range classes {
		p[ci] = make([]float64, curvePoints)
		r[ci] = make([]float64, curvePoints)
		ap[ci] = make([]float64, numIoU)

		var idx []int
		for _, i := range order {
			if predCls[i] == c {
				idx = append(idx, i)
			}
		}
		nl := float64(counts[ci])
		if len(idx) == 0 || nl == 0 {
			curve.Precision = append(curve.Precision, make([]float64, apPoints))
			curve.AP50 = append(curve.AP50, 0)
			continue
		}

		negConf := make([]float64, len(idx))
		for k, i := range idx {
			negConf[k] = -float64(conf[i])
		}

		for j := 0; j < numIoU; j++ {
			recall := make([]float64, len(idx))
			precision := make([]float64, len(idx))
			var tpc, fpc float64
			for k, i := range idx {
				if tp[i][j] {
					tpc++
				} else {
					fpc++
				}
				recall[k] = tpc / (nl + apEps)
				precision[k] = tpc / (tpc + fpc)
			}

			if j == 0 {
				for x, v := range negPX {
					r[ci][x] = interp(v, negConf, recall, 0, recall[len(recall)-1])
					p[ci][x] = interp(v, negConf, precision, 1, precision[len(precision)-1])
				}
			}

			mRec := append(append([]float64{0}, recall...), 1)
			mPre := append(append([]float64{1}, precision...), 0)
			for k := len(mPre) - 2; k >= 0; k-- {
				mPre[k] = math.Max(mPre[k], mPre[k+1])
			}
			ys := make([]float64, apPoints)
			for k, x := range recallX {
				ys[k] = interp(x, mRec, mPre, mPre[0], mPre[len(mPre)-1])
			}
			ap[ci][j] = trapezoid(ys, recallX)

			if j == 0 {
				curve.Precision = append(curve.Precision, ys)
				curve.AP50 = append(curve.AP50, ap[ci][j])
			}
		}
	}

	res := APResult{Curve: curve}
	if len(classes) == 0 {
		return res
	}

	f1Mean := make([]float64, curvePoints)
	for x := range f1Mean {
		for ci := range classes {
			f1Mean[x] += 2 * p[ci][x] * r[ci][x] / (p[ci][x] + r[ci][x] + apEps)
		}
		f1Mean[x] /= float64(len(classes))
	}
	best := argmax(smooth(f1Mean, 0.1))

	res.TP = make([]float64, len(classes))
	res.FP = make([]float64, len(classes))
	for ci := range classes {
		pc, rc := p[ci][best], r[ci][best]
		res.TP[ci] = math.RoundToEven(rc * float64(counts[ci]))
		res.FP[ci] = math.RoundToEven(res.TP[ci]/(pc+apEps) - res.TP[ci])
		res.Precision += pc
		res.Recall += rc
		if numIoU > 0 {
			res.MAP50 += ap[ci][0]
			res.MAP += mean(ap[ci])
		}
	}
	n := float64(len(classes))
	res.Precision /= n
	res.Recall /= n
	res.MAP50 /= n
	res.MAP /= n
	return res
}

// Stats accumulates matched detections across a validation pass.
type Stats struct {
	tp        [][]bool
	conf      []float32
	predCls   []int
	targetCls []int
	numIoU    int
}

// NewStats creates an accumulator for the given number of IoU thresholds.
func NewStats(numIoU int) *Stats {
	return &Stats{numIoU: numIoU}
}

// Add records the detections of one image with their match matrix and the
// image's labels.
func (s *Stats) Add(correct [][]bool, dets []detection.Detection, labels []detection.Label) {
	if len(dets) == 0 && len(labels) == 0 {
		return
	}
	for i, d := range dets {
		s.tp = append(s.tp, correct[i])
		s.conf = append(s.conf, d.Score)
		s.predCls = append(s.predCls, d.Class)
	}
	for _, l := range labels {
		s.targetCls = append(s.targetCls, l.Class)
	}
}

// Empty reports whether no detection was ever a true positive, in which
// case Compute returns zeros.
func (s *Stats) Empty() bool {
	for _, row := range s.tp {
		if slices.Contains(row, true) {
			return false
		}
	}
	return true
}

// Compute reduces the accumulated detections into AP metrics.
func (s *Stats) Compute() APResult {
	if s.Empty() {
		return APResult{}
	}
	return ComputeAP(s.tp, s.conf, s.predCls, s.targetCls)
}

func uniqueCounts(values []int) ([]int, []int) {
	counts := make(map[int]int)
	for _, v := range values {
		counts[v]++
	}
	keys := make([]int, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	n := make([]int, len(keys))
	for i, k := range keys {
		n[i] = counts[k]
	}
	return keys, n
}

func linspace(start, stop float64, n int) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = start
		return out
	}
	step := (stop - start) / float64(n-1)
	for i := range out {
		out[i] = start + step*float64(i)
	}
	out[n-1] = stop
	return out
}

// interp is one-dimensional piecewise linear interpolation over increasing
// xp, returning left and right outside the range.
func interp(x float64, xp, fp []float64, left, right float64) float64 {
	n := len(xp)
	if n == 0 {
		return 0
	}
	if x < xp[0] {
		return left
	}
	if x > xp[n-1] {
		return right
	}
	if x == xp[n-1] {
		return fp[n-1]
	}
	// largest j with xp[j] <= x
	j := sort.Search(n, func(i int) bool { return xp[i] > x }) - 1
	x0, x1 := xp[j], xp[j+1]
	return fp[j] + (fp[j+1]-fp[j])*(x-x0)/(x1-x0)
}

func trapezoid(y, x []float64) float64 {
	area := 0.0
	for i := 1; i < len(x); i++ {
		area += (x[i] - x[i-1]) * (y[i] + y[i-1]) / 2
	}
	return area
}

// smooth applies a box filter of fractional width f, padding with the edge
// values.
func smooth(y []float64, f float64) []float64 {
	nf := int(math.RoundToEven(float64(len(y))*f*2))/2 + 1
	half := nf / 2
	padded := make([]float64, 0, len(y)+2*half)
	for i := 0; i < half; i++ {
		padded = append(padded, y[0])
	}
	padded = append(padded, y...)
	for i := 0; i < half; i++ {
		padded = append(padded, y[len(y)-1])
	}

	out := make([]float64, len(padded)-nf+1)
	for i := range out {
		sum := 0.0
		for k := 0; k < nf; k++ {
			sum += padded[i+k]
		}
		out[i] = sum / float64(nf)
	}
	return out
}

func argmax(v []float64) int {
	best := 0
	for i, x := range v {
		if x > v[best] {
			best = i
		}
	}
	return best
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	s := 0.0
	for _, x := range v {
		s += x
	}
	return s / float64(len(v))
}
