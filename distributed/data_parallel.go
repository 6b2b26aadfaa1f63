package distributed

import (
	"context"

	"github.com/pkg/errors"

	"github.com/tsawler/go-detect/model"
)

// DataParallel wraps a module so that every backward pass averages the new
// gradient contribution across the process group, like a mean-reducing
// distributed data-parallel wrapper. Gradients accumulated before the call
// are left untouched, so accumulation windows stay rank-local until reduced.
type DataParallel struct {
	model.Module

	ctx   context.Context
	group *ProcessGroup
}

// NewDataParallel wraps m. Collectives issued by Backward use ctx.
func NewDataParallel(ctx context.Context, m model.Module, group *ProcessGroup) *DataParallel {
	return &DataParallel{Module: m, ctx: ctx, group: group}
}

// Backward runs the wrapped backward pass and all-reduces its contribution.
func (d *DataParallel) Backward(out *model.Output, grad []float32, scale float32) error {
	params := d.Module.Parameters()
	before := make([][]float32, len(params))
	size := 0
	for i, p := range params {
		before[i] = append([]float32(nil), p.Grad...)
		size += len(p.Grad)
	}

	if err := d.Module.Backward(out, grad, scale); err != nil {
		return err
	}

	delta := make([]float32, 0, size)
	for i, p := range params {
		for j, g := range p.Grad {
			delta = append(delta, g-before[i][j])
		}
	}
	if err := d.group.AllReduceMean(d.ctx, delta); err != nil {
		return errors.Wrap(err, "gradient all-reduce failed")
	}

	off := 0
	for i, p := range params {
		for j := range p.Grad {
			p.Grad[j] = before[i][j] + delta[off]
			off++
		}
	}
	return nil
}

// Clone returns a copy of the wrapped module without the wrapper.
func (d *DataParallel) Clone() model.Module {
	return d.Module.Clone()
}
