package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tsawler/go-detect/config"
	"github.com/tsawler/go-detect/training"
	"github.com/tsawler/go-detect/vision/dataset"
)

// actions selected on the command line
type actions struct {
	train bool
	test  bool
	zip   bool
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	v := config.NewViper()
	var (
		envFile string
		verbose bool
		act     actions
	)

	cmd := &cobra.Command{
		Use:           "detect",
		Short:         "Train, evaluate and package a grid object detector",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return training.Fail(training.StageConstruction, config.LoadDotEnv(envFile))
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return training.Fail(training.StageConstruction, err)
			}
			params, err := config.LoadParams(v.GetString(config.KeyParams))
			if err != nil {
				return training.Fail(training.StageConstruction, err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s := &session{
				cfg:    cfg,
				params: params,
				runID:  uuid.NewString(),
				stdout: stdout,
				stderr: stderr,
			}
			s.logger = newLogger(stderr, cfg.IsPrimary(), verbose).With("run_id", s.runID, "rank", cfg.LocalRank)
			return s.run(ctx, act)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	d := config.DefaultRunConfig()
	flags := cmd.PersistentFlags()
	flags.Int(config.KeyInputSize, d.InputSize, "square input size in pixels")
	flags.Int(config.KeyBatchSize, d.BatchSize, "per-process batch size")
	flags.Int(config.KeyEpochs, d.Epochs, "number of training epochs")
	flags.String(config.KeyVersion, d.Variant.String(), "model variant: n, s, m, l or x")
	flags.Uint64(config.KeySeed, d.Seed, "random seed")
	flags.String(config.KeyDataDir, d.DataDir, "dataset root directory")
	flags.String(config.KeyWeightsDir, d.WeightsDir, "directory for checkpoints, logs and plots")
	flags.Int(config.KeyWorkers, d.Workers, "loader and file check goroutines")
	flags.Bool(config.KeyAMP, d.AMP, "train in half precision with dynamic loss scaling")
	flags.String(config.KeyFormat, "proto", "checkpoint format: proto or json")
	flags.Bool(config.KeyResume, false, "resume from the last checkpoint")
	flags.String(config.KeyParams, "", "hyper-parameter YAML file (embedded defaults when empty)")
	flags.Int(config.KeyLocalRank, d.LocalRank, "rank of this process")
	flags.Int(config.KeyWorldSize, d.WorldSize, "number of processes")
	flags.String(config.KeyMasterAddr, d.MasterAddr, "rendezvous host of rank 0")
	flags.Int(config.KeyMasterPort, d.MasterPort, "rendezvous port of rank 0")
	flags.String(config.KeyPlotService, "", "plotting sidecar base URL (disabled when empty)")
	flags.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before configuration")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	if err := v.BindPFlags(flags); err != nil {
		panic(err)
	}

	cmd.Flags().BoolVar(&act.train, "train", false, "train the model")
	cmd.Flags().BoolVar(&act.test, "test", false, "evaluate the best checkpoint on the validation split")
	cmd.Flags().BoolVar(&act.zip, "zip", false, "archive the weights of this run")

	cmd.AddCommand(newPathsCommand(v, stdout))
	// cobra parses a merged flag set, so the normalizer must be global
	cmd.SetGlobalNormalizationFunc(dashedFlags)
	return cmd
}

func newPathsCommand(v *viper.Viper, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "paths",
		Short: "Write <split>_paths.txt listings of the dataset images",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			listings, err := dataset.WritePathLists(v.GetString(config.KeyDataDir), dataset.Splits)
			if err != nil {
				return errors.Wrap(err, "failed to write path lists")
			}
			for _, l := range listings {
				fmt.Fprintf(stdout, "%s: %d images -> %s\n", l.Split, l.Count, l.Output)
			}
			return nil
		},
	}
}

// dashedFlags accepts --local_rank as written by distributed launchers.
func dashedFlags(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

// newLogger logs at Info on the primary process and only warnings elsewhere.
func newLogger(w io.Writer, primary, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if primary {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
