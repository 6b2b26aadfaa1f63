package training

import (
	"math"

	"github.com/tsawler/go-detect/config"
	"github.com/tsawler/go-detect/optimizer"
)

// Scheduler sets optimizer hyper-parameters from the global step. It is
// called before every micro-step.
type Scheduler interface {
	Step(step int, opt optimizer.Optimizer)
}

// LRScheduler is a stateless schedule: the learning rate and momentum are
// pure functions of the global step.
type LRScheduler interface {
	Scheduler

	// GetLR returns the learning rate at step
	GetLR(step int) float64

	// GetMomentum returns the momentum at step
	GetMomentum(step int) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// LinearLR warms the learning rate up linearly from MinLR towards MaxLR over
// the first max(warmup_epochs*steps_per_epoch, 100) steps, then decays it
// linearly back to MinLR at the last step of the run. Momentum warms up from
// WarmupMomentum to Momentum over the same window.
type LinearLR struct {
	MinLR          float64
	MaxLR          float64
	Momentum       float64
	WarmupMomentum float64

	WarmupSteps int
	DecaySteps  int
}

// NewLinearLR builds the schedule of a run of epochs epochs with
// stepsPerEpoch micro-steps each.
func NewLinearLR(p config.Params, epochs, stepsPerEpoch int) *LinearLR {
	warmup := int(math.Max(p.WarmupEpochs*float64(stepsPerEpoch), 100))
	decay := epochs*stepsPerEpoch - warmup
	if decay < 0 {
		decay = 0
	}
	return &LinearLR{
		MinLR:          p.MinLR,
		MaxLR:          p.MaxLR,
		Momentum:       p.Momentum,
		WarmupMomentum: p.WarmupMomentum,
		WarmupSteps:    warmup,
		DecaySteps:     decay,
	}
}

// GetLR returns the learning rate at step. Steps beyond the schedule keep
// its final value.
func (s *LinearLR) GetLR(step int) float64 {
	if step < 0 {
		step = 0
	}
	if step < s.WarmupSteps {
		// endpoint excluded: the decay phase starts exactly at MaxLR
		return s.MinLR + (s.MaxLR-s.MinLR)*float64(step)/float64(s.WarmupSteps)
	}
	if s.DecaySteps == 0 {
		return s.GetLR(s.WarmupSteps - 1)
	}
	k := min(step-s.WarmupSteps, s.DecaySteps-1)
	if s.DecaySteps == 1 {
		return s.MaxLR
	}
	return s.MaxLR + (s.MinLR-s.MaxLR)*float64(k)/float64(s.DecaySteps-1)
}

// GetMomentum returns the momentum at step.
func (s *LinearLR) GetMomentum(step int) float64 {
	if step < 0 {
		step = 0
	}
	if step >= s.WarmupSteps || s.WarmupMomentum == 0 {
		return s.Momentum
	}
	return s.WarmupMomentum + (s.Momentum-s.WarmupMomentum)*float64(step)/float64(s.WarmupSteps)
}

// Step sets the learning rate and momentum of every parameter group.
func (s *LinearLR) Step(step int, opt optimizer.Optimizer) {
	lr, momentum := float32(s.GetLR(step)), float32(s.GetMomentum(step))
	for _, g := range opt.Groups() {
		g.LR = lr
		g.Momentum = momentum
	}
}

func (s *LinearLR) GetName() string {
	return "LinearLR"
}
