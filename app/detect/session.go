package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/tsawler/go-detect/checkpoints"
	"github.com/tsawler/go-detect/config"
	"github.com/tsawler/go-detect/distributed"
	"github.com/tsawler/go-detect/metrics"
	"github.com/tsawler/go-detect/model"
	"github.com/tsawler/go-detect/optimizer"
	"github.com/tsawler/go-detect/training"
	"github.com/tsawler/go-detect/vision/dataloader"
	"github.com/tsawler/go-detect/vision/dataset"
)

const (
	trainSplit = "train2017"
	valSplit   = "val2017"

	valBatchSize    = 4
	mosaicOffEpochs = 10
)

// session is one invocation of the command.
type session struct {
	cfg    config.RunConfig
	params config.Params
	runID  string

	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger

	coord *distributed.Coordinator
	build model.Builder
}

func (s *session) run(ctx context.Context, act actions) error {
	cfg := s.cfg
	coord, err := distributed.Init(ctx, distributed.Identity{
		Rank:      cfg.LocalRank,
		WorldSize: cfg.WorldSize,
		Addr:      cfg.RendezvousAddr(),
	}, s.logger)
	if err != nil {
		return training.Fail(training.StageDistributedInit, err)
	}
	defer coord.Close()
	s.coord = coord

	if coord.IsPrimary() {
		if err := os.MkdirAll(cfg.WeightsDir, 0755); err != nil {
			return training.Fail(training.StageConstruction, errors.Wrap(err, "failed to create weights directory"))
		}
	}

	if s.build, err = model.Resolve(cfg.Variant); err != nil {
		return training.Fail(training.StageConstruction, err)
	}
	m, err := s.newModel()
	if err != nil {
		return err
	}
	if coord.IsPrimary() {
		training.NewProfilePrinter(s.stdout).Print(m)
	}

	if act.train {
		if err := s.train(ctx); err != nil {
			return err
		}
	}
	if act.test && coord.IsPrimary() {
		if err := s.test(ctx); err != nil {
			return err
		}
	}

	// the group is torn down before packaging
	if err := coord.Close(); err != nil {
		s.logger.Warn("failed to close process group", "error", err)
	}
	if act.zip && coord.IsPrimary() {
		return s.zip()
	}
	return nil
}

func (s *session) newModel() (model.Module, error) {
	m, err := s.build(s.params.NumClasses(), s.cfg.InputSize, s.cfg.Seed)
	if err != nil {
		return nil, training.Fail(training.StageConstruction, err)
	}
	return m, nil
}

func (s *session) train(ctx context.Context) error {
	cfg, p := s.cfg, s.params
	primary := s.coord.IsPrimary()

	paths, err := dataset.ReadFileList(
		filepath.Join(cfg.DataDir, trainSplit+".txt"),
		filepath.Join(cfg.DataDir, "images", trainSplit),
	)
	if err != nil {
		return training.Fail(training.StageConstruction, err)
	}
	report := dataset.CheckFiles(paths, cfg.Workers)
	if primary {
		fmt.Fprintln(s.stdout, "filename lists:", len(paths))
		fmt.Fprintln(s.stdout, "Number of existing files:", report.Existing)
		fmt.Fprintln(s.stdout, "Number of non-existing files:", report.Missing)
	}

	ds, err := dataset.NewDetectionDataset(report.Present, dataset.Config{
		InputSize:  cfg.InputSize,
		NumClasses: p.NumClasses(),
		Augment:    true,
		MosaicProb: p.Mosaic,
		Seed:       cfg.Seed,
	})
	if err != nil {
		return training.Fail(training.StageConstruction, err)
	}
	loader, err := dataloader.NewDataLoader(ds, dataloader.Config{
		BatchSize:  cfg.BatchSize,
		Shuffle:    true,
		NumWorkers: cfg.Workers,
		InputSize:  cfg.InputSize,
		Rank:       s.coord.Rank(),
		WorldSize:  s.coord.WorldSize(),
		Seed:       cfg.Seed,
		Logger:     s.logger,
	})
	if err != nil {
		return training.Fail(training.StageConstruction, err)
	}
	defer loader.Close()
	if loader.Len() == 0 {
		return training.Fail(training.StageConstruction, fmt.Errorf("training split yields no batches for %d processes", s.coord.WorldSize()))
	}

	m, err := s.newModel()
	if err != nil {
		return err
	}
	if cfg.AMP {
		m.SetPrecision(model.Half)
	}
	live := m
	if g := s.coord.Group(); g != nil {
		live = distributed.NewDataParallel(ctx, m, g)
	}

	opt, err := optimizer.NewSGDOptimizer(
		optimizer.SGDConfig{
			LearningRate: float32(p.MinLR),
			Momentum:     float32(p.Momentum),
			Nesterov:     true,
		},
		optimizer.SplitParameters(m.Parameters(), float32(cfg.ScaledWeightDecay(p.WeightDecay))),
	)
	if err != nil {
		return training.Fail(training.StageConstruction, err)
	}
	scalerCfg := training.DefaultScalerConfig()
	scalerCfg.Enabled = cfg.AMP

	comps := training.Components{
		Model:       live,
		Criterion:   model.NewGridCriterion(live, model.Gains{Box: p.Box, Cls: p.Cls, DFL: p.DFL}),
		Optimizer:   opt,
		Scheduler:   training.NewLinearLR(p, cfg.Epochs, loader.Len()),
		Scaler:      training.NewPrecisionScaler(scalerCfg, s.logger),
		Loader:      loader,
		Coordinator: s.coord,
		Logger:      s.logger,
	}

	// rank 0 reads the last checkpoint and hands it to the other ranks
	manager := s.checkpointManager()
	var resume *checkpoints.Checkpoint
	if cfg.Resume {
		if resume, err = manager.ShareResume(ctx, s.coord); err != nil {
			return training.Fail(training.StageConstruction, err)
		}
	}

	var progress io.Writer
	if primary {
		val, err := s.validationLoader()
		if err != nil {
			return err
		}
		defer val.Close()

		var metricLog *training.MetricLog
		if resume != nil {
			metricLog, err = training.OpenMetricLog(cfg.MetricLogPath(), resume.Epoch+1)
		} else {
			metricLog, err = training.CreateMetricLog(cfg.MetricLogPath())
		}
		if err != nil {
			return training.Fail(training.StageConstruction, err)
		}
		defer metricLog.Close()

		comps.EMA = training.NewEMA(m, training.DefaultEMAConfig())
		comps.Evaluator = training.NewEvaluator(val, s.evaluatorConfig(), s.plotter(ctx), s.logger)
		comps.MetricLog = metricLog
		comps.Checkpoints = manager
		progress = s.stderr
	}

	orch, err := training.NewOrchestrator(training.OrchestratorConfig{
		Epochs:          cfg.Epochs,
		BatchSize:       cfg.BatchSize,
		Accumulate:      cfg.Accumulate(),
		MosaicOffEpochs: mosaicOffEpochs,
		Progress:        progress,
	}, comps)
	if err != nil {
		return training.Fail(training.StageConstruction, err)
	}
	if resume != nil {
		if err := orch.Resume(resume); err != nil {
			return training.Fail(training.StageConstruction, err)
		}
	}

	s.logger.Info("training",
		"variant", cfg.Variant,
		"epochs", cfg.Epochs,
		"batch", cfg.BatchSize,
		"accumulate", cfg.Accumulate(),
		"world", s.coord.WorldSize(),
		"steps", loader.Len(),
	)
	best, err := orch.Run(ctx)
	if err != nil {
		return err
	}
	if primary {
		s.logger.Info("training finished", "best", best, "skipped_batches", loader.Skipped())
	}
	return nil
}

func (s *session) test(ctx context.Context) error {
	ckpt, err := s.checkpointManager().LoadBest()
	if err != nil {
		return training.Fail(training.StageConstruction, err)
	}
	sd, err := ckpt.StateDict()
	if err != nil {
		return training.Fail(training.StageConstruction, err)
	}
	m, err := s.newModel()
	if err != nil {
		return err
	}
	if err := m.LoadStateDict(sd); err != nil {
		return training.Fail(training.StageConstruction, errors.Wrap(err, "best checkpoint does not fit the model"))
	}
	if ckpt.Half {
		m.SetPrecision(model.Half)
	}

	val, err := s.validationLoader()
	if err != nil {
		return err
	}
	defer val.Close()

	ev := training.NewEvaluator(val, s.evaluatorConfig(), s.plotter(ctx), s.logger)
	res, err := ev.Evaluate(ctx, m, 0)
	if err != nil {
		return training.Fail(training.StageEvaluation, err)
	}
	s.logger.Info("evaluated best checkpoint",
		"epoch", ckpt.Epoch,
		"mAP", res.MAP,
		"mAP50", res.MAP50,
		"precision", res.Precision,
		"recall", res.Recall,
	)
	return nil
}

func (s *session) zip() error {
	name := s.cfg.ZipName()
	files, err := checkpoints.ZipWeights(s.cfg.WeightsDir, name, s.cfg.ZipMarkers()...)
	if err != nil {
		return training.Fail(training.StagePersistence, err)
	}
	if len(files) == 0 {
		fmt.Fprintln(s.stdout, "No matching files found to zip.")
		return nil
	}
	for _, f := range files {
		fmt.Fprintln(s.stdout, "Added", f)
	}
	fmt.Fprintf(s.stdout, "Successfully created %s containing %d files.\n", name, len(files))
	return nil
}

// validationLoader streams the whole validation split in list order. Only
// the primary process evaluates, so the split is not sharded.
func (s *session) validationLoader() (*dataloader.DataLoader, error) {
	cfg := s.cfg
	paths, err := dataset.ReadFileList(
		filepath.Join(cfg.DataDir, valSplit+".txt"),
		filepath.Join(cfg.DataDir, "images", valSplit),
	)
	if err != nil {
		return nil, training.Fail(training.StageConstruction, err)
	}
	report := dataset.CheckFiles(paths, cfg.Workers)
	if report.Missing > 0 {
		s.logger.Warn("validation files missing", "missing", report.Missing, "existing", report.Existing)
	}
	ds, err := dataset.NewDetectionDataset(report.Present, dataset.Config{
		InputSize:  cfg.InputSize,
		NumClasses: s.params.NumClasses(),
		Seed:       cfg.Seed,
	})
	if err != nil {
		return nil, training.Fail(training.StageConstruction, err)
	}
	loader, err := dataloader.NewDataLoader(ds, dataloader.Config{
		BatchSize:  valBatchSize,
		NumWorkers: cfg.Workers,
		InputSize:  cfg.InputSize,
		WorldSize:  1,
		Seed:       cfg.Seed,
		Logger:     s.logger,
	})
	if err != nil {
		return nil, training.Fail(training.StageConstruction, err)
	}
	return loader, nil
}

func (s *session) checkpointManager() *training.CheckpointManager {
	return training.NewCheckpointManager(training.CheckpointConfig{
		LastPath:   s.cfg.LastPath(),
		BestPath:   s.cfg.BestPath(),
		Format:     s.cfg.Format,
		Variant:    s.cfg.Variant.String(),
		NumClasses: s.params.NumClasses(),
		RunID:      s.runID,
	}, s.logger)
}

// evaluatorConfig is shared by training and standalone evaluation, so both
// re-render the mAP history from the metric log.
func (s *session) evaluatorConfig() training.EvaluatorConfig {
	return training.EvaluatorConfig{
		NMS:           metrics.DefaultNMSConfig(),
		MetricLogPath: s.cfg.MetricLogPath(),
		Progress:      s.stderr,
	}
}

// plotter writes plots next to the weights. An unreachable sidecar is
// disabled up front instead of being retried on every plot.
func (s *session) plotter(ctx context.Context) *training.ArtifactPlotter {
	cfg := training.DefaultPlottingServiceConfig()
	cfg.BaseURL = s.cfg.PlotServiceURL
	cfg.RunID = s.runID
	sidecar := training.NewPlottingService(cfg)
	if sidecar.IsEnabled() {
		if err := sidecar.CheckHealth(ctx); err != nil {
			s.logger.Warn("plotting sidecar unavailable, plots are only written to disk", "url", cfg.BaseURL, "error", err)
			sidecar.Disable()
		}
	}
	return &training.ArtifactPlotter{
		ProgressPath: s.cfg.PlotPath(),
		CurvePath:    s.cfg.CurvePath(),
		Variant:      s.cfg.Variant.String(),
		Epochs:       s.cfg.Epochs,
		Names:        s.params.Names,
		Sidecar:      sidecar,
	}
}
