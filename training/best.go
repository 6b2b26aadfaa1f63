package training

import (
	"fmt"
	"math"
)

// RunBest is the best evaluation metric observed in a run and the epoch
// (1-based) it was reached at.
type RunBest struct {
	Value float64
	Epoch int
}

// NewRunBest returns the state before any evaluation: every finite metric
// improves on it.
func NewRunBest() RunBest {
	return RunBest{Value: math.Inf(-1)}
}

// Observe returns the updated best and whether metric strictly improved on
// it. Ties keep the earlier epoch.
func (b RunBest) Observe(metric float64, epoch int) (RunBest, bool) {
	if metric > b.Value {
		return RunBest{Value: metric, Epoch: epoch}, true
	}
	return b, false
}

// Valid reports whether a metric has been observed.
func (b RunBest) Valid() bool {
	return !math.IsInf(b.Value, -1)
}

func (b RunBest) String() string {
	if !b.Valid() {
		return "none"
	}
	return fmt.Sprintf("%.3f@%d", b.Value, b.Epoch)
}
