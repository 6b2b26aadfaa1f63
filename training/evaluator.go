package training

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tsawler/go-detect/detection"
	"github.com/tsawler/go-detect/metrics"
	"github.com/tsawler/go-detect/model"
)

const tracerName = "github.com/tsawler/go-detect/training"

// EvalResult holds the validation metrics of one evaluation pass.
type EvalResult struct {
	MAP       float64 // mAP@[0.5:0.95]
	MAP50     float64
	Recall    float64
	Precision float64

	Curve metrics.PRCurve
}

// BatchSource is a restartable stream of batches.
type BatchSource interface {
	Len() int
	Reset()
	Next(ctx context.Context) (*detection.Batch, error)
}

// Plotter renders evaluation artifacts. Plot failures never fail a run.
type Plotter interface {
	// PlotProgress renders the mAP history of the run.
	PlotProgress(ctx context.Context, records []EpochRecord) error
	// PlotCurve renders the precision-recall curves of one evaluation.
	PlotCurve(ctx context.Context, result EvalResult) error
}

// EvaluatorConfig configures an Evaluator.
type EvaluatorConfig struct {
	NMS metrics.NMSConfig

	// MetricLogPath is read to plot the history of the run before the
	// current epoch's row is appended.
	MetricLogPath string

	// Progress receives the evaluation progress bar and summary line.
	// Nil disables both.
	Progress io.Writer
}

// DefaultEvaluatorConfig returns the standard NMS settings.
func DefaultEvaluatorConfig() EvaluatorConfig {
	return EvaluatorConfig{NMS: metrics.DefaultNMSConfig()}
}

// Evaluator computes detection metrics over the full validation set.
type Evaluator struct {
	loader  BatchSource
	config  EvaluatorConfig
	plotter Plotter
	logger  *slog.Logger
}

// NewEvaluator creates an evaluator over loader. plotter may be nil.
func NewEvaluator(loader BatchSource, config EvaluatorConfig, plotter Plotter, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		loader:  loader,
		config:  config,
		plotter: plotter,
		logger:  logger.With("component", "evaluator"),
	}
}

// Evaluate runs m in evaluation mode over the validation set. epoch is the
// 1-based epoch being evaluated, or 0 for a standalone evaluation, which
// also renders the precision-recall curve.
func (e *Evaluator) Evaluate(ctx context.Context, m model.Module, epoch int) (EvalResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "training.Evaluate",
		trace.WithAttributes(attribute.Int("epoch", epoch)),
	)
	defer span.End()

	res, err := e.evaluate(ctx, m)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "evaluation failed")
		return EvalResult{}, err
	}
	span.SetAttributes(attribute.Float64("mAP", res.MAP), attribute.Float64("mAP50", res.MAP50))

	if e.config.Progress != nil {
		fmt.Fprintln(e.config.Progress, EvalStatus(res))
	}
	e.plot(ctx, res, epoch)
	return res, nil
}

func (e *Evaluator) evaluate(ctx context.Context, m model.Module) (EvalResult, error) {
	wasTraining := m.Training()
	m.SetTraining(false)
	defer m.SetTraining(wasTraining)

	var bar *ProgressBar
	if e.config.Progress != nil {
		fmt.Fprintln(e.config.Progress, EvalHeader())
		bar = NewProgressBar(e.config.Progress, "", e.loader.Len())
	}

	thresholds := metrics.IoUThresholds()
	stats := metrics.NewStats(len(thresholds))

	e.loader.Reset()
	for i := 0; ; i++ {
		batch, err := e.loader.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return EvalResult{}, errors.Wrap(err, "failed to load validation batch")
		}
		if bar != nil {
			bar.Update(i + 1)
		}
		if batch.N == 0 {
			continue
		}

		out, err := m.Forward(batch.Normalized(), batch.N)
		if err != nil {
			return EvalResult{}, errors.Wrap(err, "forward pass failed")
		}
		dets := metrics.NonMaxSuppression(m.Decode(out), e.config.NMS)

		size := float32(batch.Size)
		for k := 0; k < batch.N; k++ {
			labels := make([]detection.Label, len(batch.Labels[k]))
			for j, l := range batch.Labels[k] {
				labels[j] = detection.Label{Class: l.Class, Box: l.Box.Scale(size, size)}
			}
			stats.Add(metrics.MatchPredictions(dets[k], labels, thresholds), dets[k], labels)
		}
	}
	if bar != nil {
		bar.Finish()
	}

	ap := stats.Compute()
	return EvalResult{
		MAP:       ap.MAP,
		MAP50:     ap.MAP50,
		Recall:    ap.Recall,
		Precision: ap.Precision,
		Curve:     ap.Curve,
	}, nil
}

func (e *Evaluator) plot(ctx context.Context, res EvalResult, epoch int) {
	if e.plotter == nil {
		return
	}

	var records []EpochRecord
	if e.config.MetricLogPath != "" {
		var err error
		records, err = ReadMetricLog(e.config.MetricLogPath)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			e.logger.Warn("failed to read metric log for plotting", "error", err)
		}
	}
	if epoch > 0 {
		// the current epoch's row is appended after evaluation
		records = append(records, EpochRecord{Epoch: epoch, MAP: res.MAP, MAP50: res.MAP50, Recall: res.Recall, Precision: res.Precision})
	}

	if len(records) > 0 {
		if err := e.plotter.PlotProgress(ctx, records); err != nil {
			e.logger.Warn("failed to plot mAP history", "error", err)
		}
	}
	if epoch == 0 {
		if err := e.plotter.PlotCurve(ctx, res); err != nil {
			e.logger.Warn("failed to plot precision-recall curve", "error", err)
		}
	}
}

// ArtifactPlotter writes plots as PNG files and, when a sidecar is
// configured, also sends them to it.
type ArtifactPlotter struct {
	ProgressPath string
	CurvePath    string
	Variant      string
	Epochs       int
	Names        map[int]string
	Sidecar      *PlottingService
}

func (p *ArtifactPlotter) PlotProgress(ctx context.Context, records []EpochRecord) error {
	return p.emit(ctx, MAPCurvePlot(records, p.Variant, p.Epochs), p.ProgressPath)
}

func (p *ArtifactPlotter) PlotCurve(ctx context.Context, result EvalResult) error {
	return p.emit(ctx, PrecisionRecallPlot(result.Curve, p.Names, result.MAP50), p.CurvePath)
}

func (p *ArtifactPlotter) emit(ctx context.Context, pd PlotData, path string) error {
	if path != "" {
		if err := RenderPNG(pd, path); err != nil {
			return err
		}
	}
	if p.Sidecar != nil && p.Sidecar.IsEnabled() {
		if _, err := p.Sidecar.SendPlotDataWithRetry(ctx, pd); err != nil {
			return errors.WithMessage(err, "plotting sidecar")
		}
	}
	return nil
}
