package model

import (
	"fmt"
	"math"

	"github.com/tsawler/go-detect/detection"
)

// Gains weights the three loss terms.
type Gains struct {
	Box float64
	Cls float64
	DFL float64
}

// DefaultGains returns the gains of the hyper-parameter file shipped with
// the project.
func DefaultGains() Gains {
	return Gains{Box: 7.5, Cls: 0.5, DFL: 1.5}
}

// GridCriterion assigns every label to the cell containing its center and
// computes an L1 center-offset term (box), a binary cross-entropy class term
// (cls) over all cells, and a squared-error size term reported in the dfl
// column.
type GridCriterion struct {
	module Module
	gains  Gains
}

// NewGridCriterion binds the criterion to the module whose Backward receives
// the loss gradient. The module may be a wrapper around a GridDetector.
func NewGridCriterion(m Module, gains Gains) *GridCriterion {
	return &GridCriterion{module: m, gains: gains}
}

func (c *GridCriterion) Compute(out *Output, labels [][]detection.Label) (*Loss, error) {
	if len(labels) != out.N {
		return nil, fmt.Errorf("label batch mismatch: %d outputs, %d label sets", out.N, len(labels))
	}
	nc := c.module.NumClasses()
	if out.Channels != 4+nc {
		return nil, fmt.Errorf("output has %d channels, expected %d", out.Channels, 4+nc)
	}
	grid := c.module.InputSize() / Stride
	if out.Anchors != grid*grid {
		return nil, fmt.Errorf("output has %d anchors, expected %d", out.Anchors, grid*grid)
	}

	type assigned struct {
		anchor int
		label  detection.Label
		tx, ty float64
	}

	positives := make([][]assigned, out.N)
	numPos := 0
	for b, ls := range labels {
		byCell := make(map[int]int)
		for _, l := range ls {
			if l.Class < 0 || l.Class >= nc {
				continue
			}
			gx := clampCell(int(float64(l.Box.CX)*float64(grid)), grid)
			gy := clampCell(int(float64(l.Box.CY)*float64(grid)), grid)
			a := assigned{
				anchor: gy*grid + gx,
				label:  l,
				tx:     float64(l.Box.CX)*float64(grid) - float64(gx),
				ty:     float64(l.Box.CY)*float64(grid) - float64(gy),
			}
			if i, ok := byCell[a.anchor]; ok {
				positives[b][i] = a
				continue
			}
			byCell[a.anchor] = len(positives[b])
			positives[b] = append(positives[b], a)
		}
		numPos += len(positives[b])
	}
	norm := math.Max(float64(numPos), 1)

	grad := make([]float32, len(out.Data))
	var boxLoss, clsLoss, dflLoss float64

	for b := 0; b < out.N; b++ {
		targets := make(map[int]int, len(positives[b]))
		for _, p := range positives[b] {
			targets[p.anchor] = p.label.Class

			o := out.At(b, p.anchor)
			g := grad[(b*out.Anchors+p.anchor)*out.Channels:]

			for i, t := range [2]float64{p.tx, p.ty} {
				s := sigmoid(float64(o[i]))
				boxLoss += math.Abs(s - t)
				sign := 1.0
				if s < t {
					sign = -1
				}
				g[i] += float32(c.gains.Box / norm * sign * s * (1 - s))
			}
			for i, t := range [2]float64{float64(p.label.Box.W), float64(p.label.Box.H)} {
				s := sigmoid(float64(o[2+i]))
				dflLoss += (s - t) * (s - t)
				g[2+i] += float32(c.gains.DFL / norm * 2 * (s - t) * s * (1 - s))
			}
		}

		for a := 0; a < out.Anchors; a++ {
			o := out.At(b, a)
			g := grad[(b*out.Anchors+a)*out.Channels:]
			cls, positive := targets[a]
			for k := 0; k < nc; k++ {
				logit := float64(o[4+k])
				t := 0.0
				if positive && k == cls {
					t = 1
				}
				clsLoss += bceWithLogits(logit, t)
				g[4+k] += float32(c.gains.Cls / norm * (sigmoid(logit) - t))
			}
		}
	}

	boxLoss *= c.gains.Box / norm
	clsLoss *= c.gains.Cls / norm
	dflLoss *= c.gains.DFL / norm

	return NewLoss(boxLoss, clsLoss, dflLoss, func(scale float32) error {
		return c.module.Backward(out, grad, scale)
	}), nil
}

func clampCell(v, grid int) int {
	if v < 0 {
		return 0
	}
	if v >= grid {
		return grid - 1
	}
	return v
}

func bceWithLogits(x, t float64) float64 {
	return math.Max(x, 0) - x*t + math.Log1p(math.Exp(-math.Abs(x)))
}
