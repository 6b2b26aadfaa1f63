package model

import (
	"fmt"
	"math"
)

// Kind classifies a parameter for optimizer grouping.
type Kind int

const (
	// Weight tensors receive weight decay.
	Weight Kind = iota
	// Bias tensors are never decayed.
	Bias
	// NormWeight is the scale of a normalization layer, never decayed.
	NormWeight
)

func (k Kind) String() string {
	switch k {
	case Weight:
		return "weight"
	case Bias:
		return "bias"
	case NormWeight:
		return "norm_weight"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// Parameter is a trainable tensor with its accumulated gradient.
type Parameter struct {
	Name  string
	Shape []int
	Kind  Kind
	Data  []float32
	Grad  []float32
}

// NewParameter allocates a zeroed parameter of the given shape.
func NewParameter(name string, kind Kind, shape ...int) *Parameter {
	n := numElements(shape)
	return &Parameter{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Kind:  kind,
		Data:  make([]float32, n),
		Grad:  make([]float32, n),
	}
}

// ZeroGrad clears the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	clear(p.Grad)
}

// GradFinite reports whether every gradient element is finite.
func (p *Parameter) GradFinite() bool {
	for _, g := range p.Grad {
		if math.IsInf(float64(g), 0) || math.IsNaN(float64(g)) {
			return false
		}
	}
	return true
}

// Tensor is a named, detached copy of parameter data.
type Tensor struct {
	Name  string
	Shape []int
	Kind  Kind
	Data  []float32
}

// StateDict is an ordered set of tensors describing a model's weights.
type StateDict []Tensor

// Clone returns a deep copy.
func (sd StateDict) Clone() StateDict {
	out := make(StateDict, len(sd))
	for i, t := range sd {
		out[i] = Tensor{
			Name:  t.Name,
			Shape: append([]int(nil), t.Shape...),
			Kind:  t.Kind,
			Data:  append([]float32(nil), t.Data...),
		}
	}
	return out
}

// NumElements returns the total number of scalars.
func (sd StateDict) NumElements() int {
	n := 0
	for _, t := range sd {
		n += len(t.Data)
	}
	return n
}

// Lookup returns the tensor with the given name.
func (sd StateDict) Lookup(name string) (Tensor, bool) {
	for _, t := range sd {
		if t.Name == name {
			return t, true
		}
	}
	return Tensor{}, false
}

// StateDictOf copies the current values of params.
func StateDictOf(params []*Parameter) StateDict {
	sd := make(StateDict, len(params))
	for i, p := range params {
		sd[i] = Tensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Shape...),
			Kind:  p.Kind,
			Data:  append([]float32(nil), p.Data...),
		}
	}
	return sd
}

// LoadStateDict copies sd into params, matching by name and shape.
func LoadStateDict(params []*Parameter, sd StateDict) error {
	if len(params) != len(sd) {
		return fmt.Errorf("tensor count mismatch: %d parameters, %d tensors", len(params), len(sd))
	}
	for _, p := range params {
		t, ok := sd.Lookup(p.Name)
		if !ok {
			return fmt.Errorf("missing tensor %s", p.Name)
		}
		if !sameShape(p.Shape, t.Shape) {
			return fmt.Errorf("shape mismatch for %s: parameter %v vs tensor %v", p.Name, p.Shape, t.Shape)
		}
		copy(p.Data, t.Data)
	}
	return nil
}

// CountParameters sums the element counts of params.
func CountParameters(params []*Parameter) int {
	n := 0
	for _, p := range params {
		n += len(p.Data)
	}
	return n
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "weight":
		return Weight, nil
	case "bias":
		return Bias, nil
	case "norm_weight":
		return NormWeight, nil
	}
	return 0, fmt.Errorf("unknown parameter kind %q", s)
}
