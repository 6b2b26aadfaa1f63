package training

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/tsawler/go-detect/checkpoints"
)

// CheckpointConfig configures the last/best checkpoint pair of a run.
type CheckpointConfig struct {
	LastPath   string
	BestPath   string
	Format     checkpoints.CheckpointFormat
	Variant    string
	NumClasses int
	RunID      string
}

// ResumeState is the training state stored alongside the weights of an
// unstripped checkpoint.
type ResumeState struct {
	Training  *checkpoints.TrainingState
	Optimizer *checkpoints.OptimizerState
}

// CheckpointManager writes the last checkpoint after every evaluated epoch
// and the best checkpoint whenever the metric strictly improves.
type CheckpointManager struct {
	config CheckpointConfig
	saver  *checkpoints.CheckpointSaver
	logger *slog.Logger
	now    func() time.Time
}

// NewCheckpointManager creates a new checkpoint manager
func NewCheckpointManager(config CheckpointConfig, logger *slog.Logger) *CheckpointManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &CheckpointManager{
		config: config,
		saver:  checkpoints.NewCheckpointSaver(config.Format),
		logger: logger.With("component", "checkpoints"),
		now:    time.Now,
	}
}

// Persist saves snap as the last checkpoint of epoch (1-based) and, if
// metric beats best, also as the best checkpoint. It returns the updated
// best. When the best checkpoint cannot be written, the last checkpoint
// still records the previous best and best is returned unchanged.
func (cm *CheckpointManager) Persist(epoch int, snap Snapshot, metric float64, best RunBest, state *ResumeState) (RunBest, error) {
	if err := cm.ensureDirectory(); err != nil {
		return best, err
	}
	next, improved := best.Observe(metric, epoch)

	// best is written first: last must never name a best that is not on disk
	if improved {
		if err := cm.save(cm.config.BestPath, "best", epoch, snap, metric, next, state); err != nil {
			if lastErr := cm.save(cm.config.LastPath, "last", epoch, snap, metric, best, state); lastErr != nil {
				cm.logger.Error("failed to save last checkpoint", "epoch", epoch, "error", lastErr)
			}
			return best, err
		}
		cm.logger.Info("new best checkpoint", "epoch", epoch, "mAP", metric, "path", cm.config.BestPath)
	}
	if err := cm.save(cm.config.LastPath, "last", epoch, snap, metric, next, state); err != nil {
		return next, err
	}
	return next, nil
}

func (cm *CheckpointManager) save(path, tag string, epoch int, snap Snapshot, metric float64, best RunBest, state *ResumeState) error {
	c := &checkpoints.Checkpoint{
		Epoch:      epoch,
		Variant:    cm.config.Variant,
		NumClasses: cm.config.NumClasses,
		Weights:    checkpoints.FromStateDict(snap.StateDict),
		Metadata: checkpoints.CheckpointMetadata{
			RunID:       cm.config.RunID,
			CreatedAt:   cm.now(),
			Description: fmt.Sprintf("epoch %d, mAP %.3f", epoch, metric),
			Tags:        []string{tag},
			Metric:      metric,
		},
	}
	if state != nil {
		if state.Training != nil {
			ts := *state.Training
			ts.EMAUpdates = snap.Updates
			// -Inf has no JSON encoding; BestEpoch 0 marks "no best yet"
			if best.Valid() {
				ts.BestMetric, ts.BestEpoch = best.Value, best.Epoch
			} else {
				ts.BestMetric, ts.BestEpoch = 0, 0
			}
			c.TrainingState = &ts
		}
		c.OptimizerState = state.Optimizer
	}

	if err := cm.saver.SaveCheckpoint(c, path); err != nil {
		return errors.WithMessagef(err, "failed to save %s checkpoint", tag)
	}
	cm.logger.Debug("checkpoint saved", "tag", tag, "epoch", epoch, "path", path)
	return nil
}

// StripAll strips the last and best checkpoints. A checkpoint that was never
// written is skipped.
func (cm *CheckpointManager) StripAll() error {
	for _, path := range []string{cm.config.LastPath, cm.config.BestPath} {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			cm.logger.Warn("no checkpoint to strip", "path", path)
			continue
		}
		if err := checkpoints.Strip(path, cm.saver); err != nil {
			return errors.WithMessagef(err, "failed to strip %s", path)
		}
		cm.logger.Info("checkpoint stripped", "path", path)
	}
	return nil
}

// LoadResume reads the last checkpoint for resuming. Stripped checkpoints
// carry no training state and are rejected.
func (cm *CheckpointManager) LoadResume() (*checkpoints.Checkpoint, error) {
	c, err := cm.saver.LoadCheckpoint(cm.config.LastPath)
	if err != nil {
		return nil, err
	}
	if c.IsStripped() || c.TrainingState == nil {
		return nil, fmt.Errorf("checkpoint %s has no training state to resume from", cm.config.LastPath)
	}
	if c.Variant != cm.config.Variant || c.NumClasses != cm.config.NumClasses {
		return nil, fmt.Errorf("checkpoint %s was written for variant %s with %d classes",
			cm.config.LastPath, c.Variant, c.NumClasses)
	}
	return c, nil
}

// Broadcaster hands a payload from rank 0 to every rank.
// distributed.Coordinator implements it.
type Broadcaster interface {
	IsPrimary() bool
	Broadcast(ctx context.Context, payload []byte) ([]byte, error)
}

// resume payload status
const (
	resumeLoaded byte = 1
	resumeFailed byte = 2
)

// ShareResume loads the last checkpoint on the primary process and hands it
// to every other rank, which never reads the checkpoint files. A load
// failure on the primary is reported on every rank.
func (cm *CheckpointManager) ShareResume(ctx context.Context, b Broadcaster) (*checkpoints.Checkpoint, error) {
	if !b.IsPrimary() {
		payload, err := b.Broadcast(ctx, nil)
		if err != nil {
			return nil, errors.WithMessage(err, "failed to receive resume checkpoint")
		}
		if len(payload) == 0 {
			return nil, fmt.Errorf("received an empty resume checkpoint")
		}
		if payload[0] != resumeLoaded {
			return nil, fmt.Errorf("rank 0 could not load the resume checkpoint: %s", payload[1:])
		}
		return cm.saver.Unmarshal(payload[1:])
	}

	c, err := cm.LoadResume()
	var payload []byte
	if err == nil {
		var data []byte
		if data, err = cm.saver.Marshal(c); err == nil {
			payload = append([]byte{resumeLoaded}, data...)
		}
	}
	if err != nil {
		payload = append([]byte{resumeFailed}, err.Error()...)
	}
	if _, berr := b.Broadcast(ctx, payload); berr != nil {
		return nil, errors.WithMessage(berr, "failed to share resume checkpoint")
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// LoadBest reads the best checkpoint.
func (cm *CheckpointManager) LoadBest() (*checkpoints.Checkpoint, error) {
	return cm.saver.LoadCheckpoint(cm.config.BestPath)
}

// ResumeBest reconstructs the run best stored in a checkpoint.
func ResumeBest(c *checkpoints.Checkpoint) RunBest {
	if c.TrainingState == nil || c.TrainingState.BestEpoch == 0 {
		return NewRunBest()
	}
	return RunBest{Value: c.TrainingState.BestMetric, Epoch: c.TrainingState.BestEpoch}
}

func (cm *CheckpointManager) ensureDirectory() error {
	for _, p := range []string{cm.config.LastPath, cm.config.BestPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return errors.Wrap(err, "failed to create checkpoint directory")
		}
	}
	return nil
}
