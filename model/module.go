// Package model defines the trainable module contract used by the training
// engine and ships a reference grid detector implementing it.
package model

import (
	"fmt"

	"github.com/tsawler/go-detect/detection"
)

// Precision selects the numeric precision of the backward pass.
type Precision int

const (
	// Full keeps gradients in float32.
	Full Precision = iota
	// Half rounds the scaled output gradient through float16, as autocast
	// does. Values beyond the float16 range become infinite.
	Half
)

func (p Precision) String() string {
	switch p {
	case Full:
		return "float32"
	case Half:
		return "float16"
	default:
		return fmt.Sprintf("Unknown(%d)", int(p))
	}
}

// Output holds raw network outputs laid out as [N, Anchors, Channels].
type Output struct {
	N        int
	Anchors  int
	Channels int
	Data     []float32

	// activations retained for Backward in training mode
	cache any
}

// At returns the raw output vector of one anchor of one image.
func (o *Output) At(n, anchor int) []float32 {
	off := (n*o.Anchors + anchor) * o.Channels
	return o.Data[off : off+o.Channels]
}

// Module is a trainable detector.
type Module interface {
	Variant() Variant
	NumClasses() int
	InputSize() int
	Parameters() []*Parameter

	// SetTraining switches between training (activations retained) and
	// evaluation mode.
	SetTraining(training bool)
	Training() bool
	SetPrecision(p Precision)

	// Forward runs the network on n images normalized to [0, 1].
	Forward(images []float32, n int) (*Output, error)

	// Backward accumulates scale*d(loss)/d(params) into the parameter
	// gradients, given grad = d(loss)/d(out.Data).
	Backward(out *Output, grad []float32, scale float32) error

	// Decode converts raw outputs into per-image candidates in input pixels.
	Decode(out *Output) [][]detection.Prediction

	StateDict() StateDict
	LoadStateDict(sd StateDict) error

	// Clone returns an independent deep copy.
	Clone() Module

	// FLOPs estimates the multiply-adds of one forward pass on one image.
	FLOPs() int64
}

// Loss is the three-part detection loss of one micro-batch.
type Loss struct {
	Box float64
	Cls float64
	DFL float64

	backward func(scale float32) error
}

// NewLoss binds loss values to the closure that back-propagates them.
func NewLoss(box, cls, dfl float64, backward func(scale float32) error) *Loss {
	return &Loss{Box: box, Cls: cls, DFL: dfl, backward: backward}
}

// Total is box + cls + dfl.
func (l *Loss) Total() float64 {
	return l.Box + l.Cls + l.DFL
}

// Backward propagates scale*(box+cls+dfl) into the parameter gradients.
func (l *Loss) Backward(scale float32) error {
	if l.backward == nil {
		return fmt.Errorf("loss has no backward function")
	}
	return l.backward(scale)
}

// Builder constructs a module for a class count and square input size.
type Builder func(numClasses, inputSize int, seed uint64) (Module, error)

// Resolve maps a variant onto its builder. It is called once at
// construction so that an unsupported variant aborts before training.
func Resolve(v Variant) (Builder, error) {
	if !v.Valid() {
		return nil, fmt.Errorf("unsupported model variant %s", v)
	}
	return func(numClasses, inputSize int, seed uint64) (Module, error) {
		return NewGridDetector(v, numClasses, inputSize, seed)
	}, nil
}
