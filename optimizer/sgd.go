package optimizer

import (
	"fmt"

	"github.com/tsawler/go-detect/checkpoints"
)

// SGDOptimizerState is stochastic gradient descent with optional Nesterov
// momentum, following the PyTorch update rule:
//
//	g = grad + wd*w
//	buf = momentum*buf + g        (buf = g on the first step)
//	g = g + momentum*buf          (Nesterov) or g = buf
//	w = w - lr*g
type SGDOptimizerState struct {
	Nesterov bool

	groups []*ParamGroup

	// momentum buffers indexed by flattened parameter position, allocated
	// on first use
	MomentumBuffers [][]float32

	// Step tracking
	StepCount uint64
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float32
	Momentum     float32
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		Nesterov:     false,
	}
}

// NewSGDOptimizer creates an SGD optimizer over the given groups. The
// config's learning rate and momentum are applied to every group; weight
// decay stays per group.
func NewSGDOptimizer(config SGDConfig, groups []*ParamGroup) (*SGDOptimizerState, error) {
	if len(groups) == 0 {
		return nil, fmt.Errorf("no parameter groups provided")
	}

	// Validate configuration parameters
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.Momentum > 1.0 {
		return nil, fmt.Errorf("momentum cannot be greater than 1.0: %f", config.Momentum)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires a positive momentum")
	}

	numParams := 0
	for _, g := range groups {
		if g.WeightDecay < 0 {
			return nil, fmt.Errorf("weight decay cannot be negative: %f", g.WeightDecay)
		}
		g.LR = config.LearningRate
		g.Momentum = config.Momentum
		numParams += len(g.Params)
	}

	return &SGDOptimizerState{
		Nesterov:        config.Nesterov,
		groups:          groups,
		MomentumBuffers: make([][]float32, numParams),
	}, nil
}

// Groups returns the parameter groups
func (sgd *SGDOptimizerState) Groups() []*ParamGroup {
	return sgd.groups
}

// Step performs a single SGD optimization step
func (sgd *SGDOptimizerState) Step() error {
	idx := 0
	for _, g := range sgd.groups {
		for _, p := range g.Params {
			if len(p.Grad) != len(p.Data) {
				return fmt.Errorf("gradient length (%d) doesn't match parameter %s length (%d)",
					len(p.Grad), p.Name, len(p.Data))
			}

			first := false
			if g.Momentum != 0 && sgd.MomentumBuffers[idx] == nil {
				sgd.MomentumBuffers[idx] = make([]float32, len(p.Data))
				first = true
			}
			buf := sgd.MomentumBuffers[idx]

			for i, grad := range p.Grad {
				d := grad + g.WeightDecay*p.Data[i]
				if g.Momentum != 0 {
					if first {
						buf[i] = d
					} else {
						buf[i] = g.Momentum*buf[i] + d
					}
					if sgd.Nesterov {
						d += g.Momentum * buf[i]
					} else {
						d = buf[i]
					}
				}
				p.Data[i] -= g.LR * d
			}
			idx++
		}
	}
	sgd.StepCount++
	return nil
}

// ZeroGrad clears all gradients
func (sgd *SGDOptimizerState) ZeroGrad() {
	for _, g := range sgd.groups {
		for _, p := range g.Params {
			p.ZeroGrad()
		}
	}
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(newLR float32) {
	for _, g := range sgd.groups {
		g.LR = newLR
	}
}

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*checkpoints.OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0)

	params := map[string]float64{
		"nesterov":   boolParam(sgd.Nesterov),
		"step_count": float64(sgd.StepCount),
	}
	idx := 0
	for gi, g := range sgd.groups {
		params[fmt.Sprintf("group_%d_lr", gi)] = float64(g.LR)
		params[fmt.Sprintf("group_%d_momentum", gi)] = float64(g.Momentum)
		params[fmt.Sprintf("group_%d_weight_decay", gi)] = float64(g.WeightDecay)
		for _, p := range g.Params {
			if tensor := extractBufferState(sgd.MomentumBuffers[idx], p.Shape,
				fmt.Sprintf("momentum_%d", idx), "momentum"); tensor != nil {
				stateData = append(stateData, *tensor)
			}
			idx++
		}
	}

	return &checkpoints.OptimizerState{
		Type:       "SGD",
		Parameters: params,
		StateData:  stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *checkpoints.OptimizerState) error {
	// Validate state type
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	// Restore hyperparameters
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.StepCount = extractUint64Param(state.Parameters, "step_count", sgd.StepCount)

	sizes := make([]int, 0, len(sgd.MomentumBuffers))
	for gi, g := range sgd.groups {
		g.LR = extractFloat32Param(state.Parameters, fmt.Sprintf("group_%d_lr", gi), g.LR)
		g.Momentum = extractFloat32Param(state.Parameters, fmt.Sprintf("group_%d_momentum", gi), g.Momentum)
		g.WeightDecay = extractFloat32Param(state.Parameters, fmt.Sprintf("group_%d_weight_decay", gi), g.WeightDecay)
		for _, p := range g.Params {
			sizes = append(sizes, len(p.Data))
		}
	}

	// Restore momentum buffers if present
	for _, tensor := range state.StateData {
		if tensor.StateType != "momentum" {
			continue
		}
		idx := extractBufferIndex(tensor.Name)
		if idx < 0 || idx >= len(sizes) {
			return fmt.Errorf("invalid buffer index in tensor name: %s", tensor.Name)
		}
		if sgd.MomentumBuffers[idx] == nil {
			sgd.MomentumBuffers[idx] = make([]float32, sizes[idx])
		}
		if err := restoreBufferState(sgd.MomentumBuffers[idx], tensor.Data, tensor.Name); err != nil {
			return err
		}
	}

	return nil
}
