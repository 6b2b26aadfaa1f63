// Package training drives detection training: the step loop under gradient
// accumulation and loss scaling, shadow weight averaging, per-epoch
// evaluation and the last/best checkpoint lifecycle.
package training

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	rtmetrics "runtime/metrics"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tsawler/go-detect/checkpoints"
	"github.com/tsawler/go-detect/detection"
	"github.com/tsawler/go-detect/model"
	"github.com/tsawler/go-detect/optimizer"
)

// State is the phase of the training loop.
type State int

const (
	Idle State = iota
	EpochRunning
	AccumulationWindowOpen
	OptimizerUpdating
	EpochEvaluating
	EpochComplete
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case EpochRunning:
		return "EpochRunning"
	case AccumulationWindowOpen:
		return "AccumulationWindowOpen"
	case OptimizerUpdating:
		return "OptimizerUpdating"
	case EpochEvaluating:
		return "EpochEvaluating"
	case EpochComplete:
		return "EpochComplete"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Criterion computes the detection loss of a micro-batch.
type Criterion interface {
	Compute(out *model.Output, labels [][]detection.Label) (*model.Loss, error)
}

// Loader is the training batch source.
type Loader interface {
	BatchSource
	SetEpoch(epoch int)
	DisableMosaic()
}

// EpochEvaluator evaluates a model at the end of an epoch.
type EpochEvaluator interface {
	Evaluate(ctx context.Context, m model.Module, epoch int) (EvalResult, error)
}

// Coordinator is the process identity and synchronization the loop needs.
type Coordinator interface {
	IsPrimary() bool
	WorldSize() int
	Barrier(ctx context.Context) error
}

// OrchestratorConfig holds the run constants of the training loop.
type OrchestratorConfig struct {
	Epochs     int
	BatchSize  int
	Accumulate int

	// MosaicOffEpochs is the number of final epochs trained without
	// mosaic augmentation.
	MosaicOffEpochs int

	// Progress receives the per-epoch progress bar on the primary process.
	// Nil disables it.
	Progress io.Writer
}

// Components are the collaborators of an Orchestrator. EMA, Evaluator,
// MetricLog and Checkpoints are only used on the primary process and may be
// nil elsewhere.
type Components struct {
	Model       model.Module
	Criterion   Criterion
	Optimizer   optimizer.Optimizer
	Scheduler   Scheduler
	Scaler      *PrecisionScaler
	Loader      Loader
	Coordinator Coordinator

	EMA         *EMA
	Evaluator   EpochEvaluator
	MetricLog   *MetricLog
	Checkpoints *CheckpointManager

	Logger *slog.Logger
}

// Orchestrator runs the training loop.
type Orchestrator struct {
	Components
	config OrchestratorConfig

	// OnState, when set, is called on every state transition.
	OnState func(state State, epoch, step int)

	state          State
	startEpoch     int
	best           RunBest
	mosaicDisabled bool
	updates        int
	step           int
	logger         *slog.Logger
}

// NewOrchestrator validates the configuration and collaborators.
func NewOrchestrator(config OrchestratorConfig, c Components) (*Orchestrator, error) {
	if config.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be > 0, got %d", config.Epochs)
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be > 0, got %d", config.BatchSize)
	}
	if config.Accumulate < 1 {
		return nil, fmt.Errorf("accumulate must be >= 1, got %d", config.Accumulate)
	}
	if c.Model == nil || c.Criterion == nil || c.Optimizer == nil || c.Scheduler == nil ||
		c.Scaler == nil || c.Loader == nil || c.Coordinator == nil {
		return nil, fmt.Errorf("model, criterion, optimizer, scheduler, scaler, loader and coordinator are required")
	}
	if c.Coordinator.IsPrimary() && (c.EMA == nil || c.Evaluator == nil || c.MetricLog == nil || c.Checkpoints == nil) {
		return nil, fmt.Errorf("the primary process requires EMA, evaluator, metric log and checkpoints")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return &Orchestrator{
		Components: c,
		config:     config,
		best:       NewRunBest(),
		logger:     c.Logger.With("component", "orchestrator"),
	}, nil
}

// State returns the current state.
func (o *Orchestrator) State() State {
	return o.state
}

// Best returns the best metric observed so far.
func (o *Orchestrator) Best() RunBest {
	return o.best
}

// Updates returns the number of optimizer updates applied.
func (o *Orchestrator) Updates() int {
	return o.updates
}

// Step returns the next global step.
func (o *Orchestrator) Step() int {
	return o.step
}

// StartEpoch returns the 0-based epoch Run starts from.
func (o *Orchestrator) StartEpoch() int {
	return o.startEpoch
}

// Resume restores the state stored in an unstripped last checkpoint. The
// stored weights are the shadow weights; they seed both the live and the
// shadow model.
func (o *Orchestrator) Resume(c *checkpoints.Checkpoint) error {
	if c.TrainingState == nil {
		return fmt.Errorf("checkpoint has no training state")
	}
	if c.Epoch >= o.config.Epochs {
		return fmt.Errorf("checkpoint epoch %d already reached the configured %d epochs", c.Epoch, o.config.Epochs)
	}
	sd, err := c.StateDict()
	if err != nil {
		return err
	}
	if err := o.Model.LoadStateDict(sd); err != nil {
		return errors.WithMessage(err, "failed to restore model weights")
	}
	if o.EMA != nil {
		if err := o.EMA.Model().LoadStateDict(sd); err != nil {
			return errors.WithMessage(err, "failed to restore shadow weights")
		}
		o.EMA.SetUpdates(c.TrainingState.EMAUpdates)
	}
	if c.OptimizerState != nil {
		if err := o.Optimizer.LoadState(c.OptimizerState); err != nil {
			return errors.WithMessage(err, "failed to restore optimizer state")
		}
	}
	o.Scaler.Restore(c.TrainingState.LossScale, c.TrainingState.GrowthTracker)
	o.best = ResumeBest(c)
	o.startEpoch = c.Epoch
	o.logger.Info("resuming training", "epoch", c.Epoch+1, "best", o.best.String())
	return nil
}

func (o *Orchestrator) setState(s State, epoch int) {
	o.state = s
	if o.OnState != nil {
		o.OnState(s, epoch, o.step)
	}
}

// Run trains from the start epoch to the configured number of epochs and
// returns the best metric of the run. On cancellation it returns ctx.Err()
// after the current micro-step; the last written checkpoint stays the
// resumable state.
func (o *Orchestrator) Run(ctx context.Context) (RunBest, error) {
	o.setState(Idle, o.startEpoch)
	steps := o.Loader.Len()
	primary := o.Coordinator.IsPrimary()

	for epoch := o.startEpoch; epoch < o.config.Epochs; epoch++ {
		if err := o.runEpoch(ctx, epoch, steps, primary); err != nil {
			return o.best, err
		}
	}

	if primary {
		if err := o.Checkpoints.StripAll(); err != nil {
			return o.best, Fail(StagePersistence, err)
		}
	}
	if err := o.Coordinator.Barrier(ctx); err != nil {
		return o.best, Fail(StageTraining, errors.WithMessage(err, "final barrier"))
	}
	o.setState(Idle, o.config.Epochs)
	return o.best, nil
}

func (o *Orchestrator) runEpoch(ctx context.Context, epoch, steps int, primary bool) (err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "training.Epoch",
		trace.WithAttributes(attribute.Int("epoch", epoch+1)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "epoch failed")
		}
		span.End()
	}()

	o.setState(EpochRunning, epoch)
	o.Model.SetTraining(true)
	o.Loader.SetEpoch(epoch)
	if o.mosaicOff(epoch) {
		o.Loader.DisableMosaic()
		o.mosaicDisabled = true
		o.logger.Info("mosaic augmentation disabled", "epoch", epoch+1)
	}

	o.Optimizer.ZeroGrad()
	var box, cls, dfl AverageMeter
	factor := float32(o.config.BatchSize * o.Coordinator.WorldSize())

	var bar *ProgressBar
	if primary && o.config.Progress != nil {
		fmt.Fprintln(o.config.Progress)
		fmt.Fprintln(o.config.Progress, TrainHeader())
		bar = NewProgressBar(o.config.Progress, "", steps)
	}

	o.Loader.Reset()
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := o.Loader.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return Fail(StageTraining, errors.Wrap(err, "failed to load batch"))
		}

		o.step = i + steps*epoch
		o.Scheduler.Step(o.step, o.Optimizer)
		o.setState(AccumulationWindowOpen, epoch)

		loss, err := o.forward(batch)
		if err != nil {
			return Fail(StageTraining, errors.WithMessagef(err, "step %d", o.step))
		}
		box.Update(loss.Box, batch.N)
		cls.Update(loss.Cls, batch.N)
		dfl.Update(loss.DFL, batch.N)

		if err := o.Scaler.ScaleAndBackprop(loss, factor); err != nil {
			return Fail(StageTraining, errors.WithMessagef(err, "backward at step %d", o.step))
		}

		if ShouldUpdate(o.step, o.config.Accumulate) {
			if err := o.update(epoch); err != nil {
				return Fail(StageTraining, err)
			}
		}

		if bar != nil {
			bar.SetDescription(TrainStatus(epoch+1, o.config.Epochs, memoryUsage(), box.Avg, cls.Avg, dfl.Avg))
			bar.Update(i + 1)
		}
	}
	o.step = steps * (epoch + 1)
	if bar != nil {
		bar.Finish()
	}

	if primary {
		o.setState(EpochEvaluating, epoch)
		if err := o.finishEpoch(ctx, epoch, EpochRecord{Epoch: epoch + 1, Box: box.Avg, Cls: cls.Avg, DFL: dfl.Avg}); err != nil {
			return err
		}
	}
	o.setState(EpochComplete, epoch)
	return nil
}

// mosaicOff reports whether mosaic is switched off before epoch. A run
// resumed inside the final window switches it off on its first epoch.
func (o *Orchestrator) mosaicOff(epoch int) bool {
	if o.mosaicDisabled || o.config.MosaicOffEpochs <= 0 {
		return false
	}
	remaining := o.config.Epochs - epoch
	if remaining == o.config.MosaicOffEpochs {
		return true
	}
	return epoch == o.startEpoch && epoch > 0 && remaining < o.config.MosaicOffEpochs
}

func (o *Orchestrator) forward(batch *detection.Batch) (*model.Loss, error) {
	out, err := o.Model.Forward(batch.Normalized(), batch.N)
	if err != nil {
		return nil, err
	}
	return o.Criterion.Compute(out, batch.Labels)
}

func (o *Orchestrator) update(epoch int) error {
	o.setState(OptimizerUpdating, epoch)
	stepped, err := o.Scaler.AttemptUpdate(o.Optimizer)
	if err != nil {
		return errors.WithMessagef(err, "optimizer step %d", o.step)
	}
	o.Optimizer.ZeroGrad()
	if stepped {
		o.updates++
		if o.EMA != nil {
			if err := o.EMA.Update(o.Model); err != nil {
				return err
			}
		}
	}
	o.setState(AccumulationWindowOpen, epoch)
	return nil
}

// finishEpoch evaluates the shadow model, appends the metric row and
// persists the checkpoints.
func (o *Orchestrator) finishEpoch(ctx context.Context, epoch int, record EpochRecord) error {
	res, err := o.Evaluator.Evaluate(ctx, o.EMA.Model(), epoch+1)
	if err != nil {
		return Fail(StageEvaluation, err)
	}
	record.Recall, record.Precision = res.Recall, res.Precision
	record.MAP50, record.MAP = res.MAP50, res.MAP

	_, span := otel.Tracer(tracerName).Start(ctx, "training.Persist",
		trace.WithAttributes(attribute.Int("epoch", epoch+1), attribute.Float64("mAP", res.MAP)),
	)
	defer span.End()

	if err := o.MetricLog.Append(record); err != nil {
		span.RecordError(err)
		return Fail(StagePersistence, err)
	}

	state, err := o.resumeState()
	if err != nil {
		span.RecordError(err)
		return Fail(StagePersistence, err)
	}
	best, err := o.Checkpoints.Persist(epoch+1, o.EMA.Snapshot(), res.MAP, o.best, state)
	if err != nil {
		span.RecordError(err)
		return Fail(StagePersistence, err)
	}
	o.best = best

	o.logger.Info("epoch complete",
		"epoch", epoch+1,
		"mAP", res.MAP,
		"mAP50", res.MAP50,
		"best", o.best.String(),
		"updates", o.updates,
		"skipped", o.Scaler.Skipped())
	return nil
}

func (o *Orchestrator) resumeState() (*ResumeState, error) {
	opt, err := o.Optimizer.GetState()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to capture optimizer state")
	}
	return &ResumeState{
		Training: &checkpoints.TrainingState{
			Step:          o.step,
			LossScale:     o.Scaler.Scale(),
			GrowthTracker: o.Scaler.GrowthTracker(),
		},
		Optimizer: opt,
	}, nil
}

const heapObjectsMetric = "/memory/classes/heap/objects:bytes"

// memoryUsage reports live heap bytes without stopping the world.
func memoryUsage() string {
	sample := []rtmetrics.Sample{{Name: heapObjectsMetric}}
	rtmetrics.Read(sample)
	if sample[0].Value.Kind() != rtmetrics.KindUint64 {
		return "-"
	}
	return fmt.Sprintf("%.4gG", float64(sample[0].Value.Uint64())/1e9)
}
