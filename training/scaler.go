package training

import (
	"log/slog"
	"math"

	"github.com/tsawler/go-detect/optimizer"
)

// Backpropagator propagates a loss scaled by a factor into the parameter
// gradients. model.Loss implements it.
type Backpropagator interface {
	Backward(scale float32) error
}

// ScalerConfig configures dynamic loss scaling.
type ScalerConfig struct {
	Enabled        bool
	InitScale      float64
	GrowthFactor   float64
	BackoffFactor  float64
	GrowthInterval int
}

// DefaultScalerConfig returns the usual dynamic loss scaling settings.
func DefaultScalerConfig() ScalerConfig {
	return ScalerConfig{
		Enabled:        true,
		InitScale:      65536,
		GrowthFactor:   2,
		BackoffFactor:  0.5,
		GrowthInterval: 2000,
	}
}

// PrecisionScaler multiplies the loss by a dynamic scale before the
// backward pass so reduced-precision gradients do not underflow, and skips
// optimizer updates whose gradients overflowed.
type PrecisionScaler struct {
	config        ScalerConfig
	scale         float64
	growthTracker int

	steps   int
	skipped int
	logger  *slog.Logger
}

// NewPrecisionScaler creates a scaler. A disabled scaler keeps the scale at
// 1.
func NewPrecisionScaler(config ScalerConfig, logger *slog.Logger) *PrecisionScaler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PrecisionScaler{config: config, scale: 1, logger: logger}
	if config.Enabled {
		s.scale = config.InitScale
	}
	return s
}

// Scale returns the current loss scale.
func (s *PrecisionScaler) Scale() float64 {
	return s.scale
}

// GrowthTracker returns the number of consecutive finite updates since the
// scale last changed.
func (s *PrecisionScaler) GrowthTracker() int {
	return s.growthTracker
}

// Skipped returns the number of updates skipped because of non-finite
// gradients.
func (s *PrecisionScaler) Skipped() int {
	return s.skipped
}

// Restore resets the scale and growth tracker, as read from a checkpoint.
func (s *PrecisionScaler) Restore(scale float64, growthTracker int) {
	if !s.config.Enabled || scale <= 0 || math.IsInf(scale, 0) || math.IsNaN(scale) {
		return
	}
	s.scale = scale
	s.growthTracker = growthTracker
}

// ScaleAndBackprop back-propagates loss multiplied by factor and the
// current scale.
func (s *PrecisionScaler) ScaleAndBackprop(loss Backpropagator, factor float32) error {
	return loss.Backward(float32(s.scale) * factor)
}

// AttemptUpdate unscales the accumulated gradients and steps the optimizer
// if all of them are finite. It reports whether the step was applied. An
// overflow is not an error: the update is dropped and the scale backs off.
func (s *PrecisionScaler) AttemptUpdate(opt optimizer.Optimizer) (bool, error) {
	s.steps++
	inv := float32(1 / s.scale)
	finite := true
	for _, g := range opt.Groups() {
		for _, p := range g.Params {
			for i := range p.Grad {
				p.Grad[i] *= inv
			}
			finite = finite && p.GradFinite()
		}
	}

	if finite {
		if err := opt.Step(); err != nil {
			return false, err
		}
	} else {
		s.skipped++
		s.logger.Debug("skipping optimizer update with non-finite gradients",
			"scale", s.scale, "skipped", s.skipped)
	}
	s.update(finite)
	return finite, nil
}

func (s *PrecisionScaler) update(finite bool) {
	if !s.config.Enabled {
		return
	}
	if !finite {
		s.scale *= s.config.BackoffFactor
		s.growthTracker = 0
		return
	}
	s.growthTracker++
	if s.growthTracker == s.config.GrowthInterval {
		s.scale *= s.config.GrowthFactor
		s.growthTracker = 0
	}
}
