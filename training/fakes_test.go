package training

import (
	"context"
	"io"
	"sync"

	"github.com/tsawler/go-detect/detection"
	"github.com/tsawler/go-detect/model"
)

// fakeLoader yields batches of identical gray images, each with one centered
// object of class 0.
type fakeLoader struct {
	batches int
	n       int
	size    int

	// onNext, when set, runs before batch i of the current pass is returned
	onNext func(i int)

	pos       int
	epoch     int
	epochs    []int
	mosaicOff []int
	resets    int
}

func newFakeLoader(batches, n, size int) *fakeLoader {
	return &fakeLoader{batches: batches, n: n, size: size}
}

func (l *fakeLoader) Len() int { return l.batches }

func (l *fakeLoader) Reset() {
	l.pos = 0
	l.resets++
}

func (l *fakeLoader) Next(ctx context.Context) (*detection.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.pos >= l.batches {
		return nil, io.EOF
	}
	if l.onNext != nil {
		l.onNext(l.pos)
	}
	l.pos++

	b := &detection.Batch{
		Images:   make([]float32, l.n*3*l.size*l.size),
		N:        l.n,
		Channels: 3,
		Size:     l.size,
		Labels:   make([][]detection.Label, l.n),
		Paths:    make([]string, l.n),
	}
	for i := range b.Images {
		b.Images[i] = float32((i + l.pos) % 256)
	}
	for i := range b.Labels {
		b.Labels[i] = []detection.Label{{Class: 0, Box: detection.Box{CX: 0.5, CY: 0.5, W: 0.25, H: 0.25}}}
	}
	return b, nil
}

func (l *fakeLoader) SetEpoch(epoch int) {
	l.epoch = epoch
	l.epochs = append(l.epochs, epoch)
}

func (l *fakeLoader) DisableMosaic() {
	l.mosaicOff = append(l.mosaicOff, l.epoch)
}

// perfectDetector predicts exactly the object every fakeLoader image holds.
type perfectDetector struct {
	*model.GridDetector
}

func (d perfectDetector) Decode(out *model.Output) [][]detection.Prediction {
	size := float32(d.InputSize())
	preds := make([][]detection.Prediction, out.N)
	for i := range preds {
		preds[i] = []detection.Prediction{{
			Box:    detection.Box{CX: 0.5 * size, CY: 0.5 * size, W: 0.25 * size, H: 0.25 * size},
			Scores: []float32{0.9},
		}}
	}
	return preds
}

// scriptedEvaluator returns the next metric of a fixed sequence.
type scriptedEvaluator struct {
	metrics []float64
	epochs  []int
	models  []model.Module
	after   func(call int)
}

func (e *scriptedEvaluator) Evaluate(ctx context.Context, m model.Module, epoch int) (EvalResult, error) {
	call := len(e.epochs)
	e.epochs = append(e.epochs, epoch)
	e.models = append(e.models, m)
	v := e.metrics[call%len(e.metrics)]
	if e.after != nil {
		defer e.after(call)
	}
	return EvalResult{MAP: v, MAP50: v + 0.1, Recall: 0.5, Precision: 0.6}, nil
}

type fakeCoordinator struct {
	primary  bool
	world    int
	mu       sync.Mutex
	barriers int
}

func (c *fakeCoordinator) IsPrimary() bool { return c.primary }
func (c *fakeCoordinator) WorldSize() int  { return c.world }

func (c *fakeCoordinator) Barrier(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.barriers++
	return nil
}

type recordingPlotter struct {
	progress [][]EpochRecord
	curves   []EvalResult
	err      error
}

func (p *recordingPlotter) PlotProgress(ctx context.Context, records []EpochRecord) error {
	p.progress = append(p.progress, records)
	return p.err
}

func (p *recordingPlotter) PlotCurve(ctx context.Context, result EvalResult) error {
	p.curves = append(p.curves, result)
	return p.err
}
