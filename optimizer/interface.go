package optimizer

import (
	"fmt"

	"github.com/tsawler/go-detect/checkpoints"
	"github.com/tsawler/go-detect/model"
)

// Optimizer defines the common interface for optimizers over CPU-resident
// parameters. State save/restore backs checkpoint resume.
type Optimizer interface {
	// Step applies the accumulated gradients of every group
	Step() error

	// ZeroGrad clears the gradients of every parameter
	ZeroGrad()

	// Groups exposes the parameter groups so schedulers can set per-group
	// learning rate and momentum, and loss scalers can unscale gradients.
	Groups() []*ParamGroup

	// GetState extracts optimizer state for checkpointing
	GetState() (*checkpoints.OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *checkpoints.OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate sets the learning rate of every group
	UpdateLearningRate(lr float32)
}

// ParamGroup is a set of parameters sharing hyper-parameters.
type ParamGroup struct {
	Name        string
	Params      []*model.Parameter
	LR          float32
	Momentum    float32
	WeightDecay float32
}

// SplitParameters builds the two groups used for detection training: biases
// and normalization scales without weight decay, all other weights with it.
func SplitParameters(params []*model.Parameter, weightDecay float32) []*ParamGroup {
	noDecay := &ParamGroup{Name: "no_decay"}
	decay := &ParamGroup{Name: "decay", WeightDecay: weightDecay}
	for _, p := range params {
		switch p.Kind {
		case model.Bias, model.NormWeight:
			noDecay.Params = append(noDecay.Params, p)
		default:
			decay.Params = append(decay.Params, p)
		}
	}
	return []*ParamGroup{noDecay, decay}
}

// Common helper functions for state extraction

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0"
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '_' {
			lastUnderscoreIdx = i
			break
		}
	}

	if lastUnderscoreIdx == -1 {
		return -1
	}

	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
