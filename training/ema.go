package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-detect/model"
)

// EMAConfig configures the shadow weight decay ramp.
type EMAConfig struct {
	Decay float64 // asymptotic decay
	Tau   float64 // ramp length in updates
}

// DefaultEMAConfig returns decay 0.9999 with a ramp of 2000 updates.
func DefaultEMAConfig() EMAConfig {
	return EMAConfig{Decay: 0.9999, Tau: 2000}
}

// EMA keeps an exponential moving average of a model's weights. The
// shadow model is evaluated and persisted in place of the live one.
type EMA struct {
	shadow  model.Module
	config  EMAConfig
	updates int
}

// Snapshot is an independent copy of the shadow weights.
type Snapshot struct {
	StateDict model.StateDict
	Updates   int
}

// NewEMA deep-copies live into an evaluation-mode shadow model.
func NewEMA(live model.Module, config EMAConfig) *EMA {
	shadow := live.Clone()
	shadow.SetTraining(false)
	return &EMA{shadow: shadow, config: config}
}

// DecayAt returns the decay applied at the given update count.
func (e *EMA) DecayAt(updates int) float64 {
	return e.config.Decay * (1 - math.Exp(-float64(updates)/e.config.Tau))
}

// Update blends the live weights into the shadow weights. Call it once per
// applied optimizer update.
func (e *EMA) Update(live model.Module) error {
	src := live.Parameters()
	dst := e.shadow.Parameters()
	if len(src) != len(dst) {
		return fmt.Errorf("ema: parameter count mismatch: %d live, %d shadow", len(src), len(dst))
	}

	e.updates++
	d := float32(e.DecayAt(e.updates))
	for i, p := range dst {
		if len(p.Data) != len(src[i].Data) {
			return fmt.Errorf("ema: size mismatch for %s", p.Name)
		}
		for j, v := range src[i].Data {
			p.Data[j] = d*p.Data[j] + (1-d)*v
		}
	}
	return nil
}

// Updates returns the number of updates applied.
func (e *EMA) Updates() int {
	return e.updates
}

// SetUpdates restores the update count when resuming.
func (e *EMA) SetUpdates(n int) {
	e.updates = n
}

// Model exposes the shadow model for evaluation.
func (e *EMA) Model() model.Module {
	return e.shadow
}

// Snapshot copies the shadow weights.
func (e *EMA) Snapshot() Snapshot {
	return Snapshot{StateDict: e.shadow.StateDict().Clone(), Updates: e.updates}
}
