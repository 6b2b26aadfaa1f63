package training

import (
	"math"
	"testing"

	"github.com/tsawler/go-detect/config"
	"github.com/tsawler/go-detect/model"
	"github.com/tsawler/go-detect/optimizer"
)

func testParams() config.Params {
	return config.Params{
		MinLR:          0.0001,
		MaxLR:          0.01,
		Momentum:       0.937,
		WarmupMomentum: 0.8,
		WarmupEpochs:   3,
	}
}

func TestNewLinearLRSteps(t *testing.T) {
	tests := []struct {
		name          string
		epochs, steps int
		warmup, decay int
	}{
		{"warmup epochs dominate", 10, 50, 150, 350},
		{"minimum warmup", 10, 20, 100, 100},
		{"warmup longer than run", 2, 20, 100, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewLinearLR(testParams(), tt.epochs, tt.steps)
			if s.WarmupSteps != tt.warmup || s.DecaySteps != tt.decay {
				t.Errorf("warmup/decay = %d/%d, want %d/%d", s.WarmupSteps, s.DecaySteps, tt.warmup, tt.decay)
			}
		})
	}
}

func TestLinearLRValues(t *testing.T) {
	s := NewLinearLR(testParams(), 10, 50) // warmup 150, decay 350
	p := testParams()

	tests := []struct {
		step int
		lr   float64
	}{
		{0, p.MinLR},
		{75, p.MinLR + (p.MaxLR-p.MinLR)*0.5},
		{150, p.MaxLR},
		{150 + 349, p.MinLR},
		{10000, p.MinLR},
		{-5, p.MinLR},
	}

	for _, tt := range tests {
		if got := s.GetLR(tt.step); math.Abs(got-tt.lr) > 1e-12 {
			t.Errorf("GetLR(%d) = %g, want %g", tt.step, got, tt.lr)
		}
	}

	// strictly increasing during warmup, non-increasing afterwards
	for step := 1; step < s.WarmupSteps; step++ {
		if s.GetLR(step) <= s.GetLR(step-1) {
			t.Fatalf("warmup not increasing at step %d", step)
		}
	}
	for step := s.WarmupSteps + 1; step < s.WarmupSteps+s.DecaySteps; step++ {
		if s.GetLR(step) > s.GetLR(step-1) {
			t.Fatalf("decay increasing at step %d", step)
		}
	}
}

func TestLinearLRMomentum(t *testing.T) {
	s := NewLinearLR(testParams(), 10, 50)
	if got := s.GetMomentum(0); math.Abs(got-0.8) > 1e-12 {
		t.Errorf("GetMomentum(0) = %g, want 0.8", got)
	}
	if got := s.GetMomentum(75); math.Abs(got-(0.8+0.137*0.5)) > 1e-12 {
		t.Errorf("GetMomentum(75) = %g", got)
	}
	if got := s.GetMomentum(400); got != 0.937 {
		t.Errorf("GetMomentum(400) = %g, want 0.937", got)
	}
}

func TestLinearLRStepSetsEveryGroup(t *testing.T) {
	d, err := model.NewGridDetector(model.Nano, 2, 64, 1)
	if err != nil {
		t.Fatalf("NewGridDetector: %v", err)
	}
	groups := optimizer.SplitParameters(d.Parameters(), 0.0005)
	opt, err := optimizer.NewSGDOptimizer(optimizer.DefaultSGDConfig(), groups)
	if err != nil {
		t.Fatalf("NewSGDOptimizer: %v", err)
	}

	s := NewLinearLR(testParams(), 10, 50)
	s.Step(75, opt)
	for _, g := range opt.Groups() {
		if g.LR != float32(s.GetLR(75)) || g.Momentum != float32(s.GetMomentum(75)) {
			t.Errorf("group %s: lr=%g momentum=%g", g.Name, g.LR, g.Momentum)
		}
	}
	if s.GetName() != "LinearLR" {
		t.Errorf("unexpected name %s", s.GetName())
	}
}
