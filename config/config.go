// Package config holds the run configuration and the hyper-parameter file.
package config

import (
	"fmt"
	"math"
	"path/filepath"
	"strconv"

	"github.com/tsawler/go-detect/checkpoints"
	"github.com/tsawler/go-detect/model"
)

// RunConfig is immutable for the duration of a run.
type RunConfig struct {
	InputSize int
	BatchSize int
	Epochs    int
	Variant   model.Variant
	Seed      uint64

	DataDir    string
	WeightsDir string
	Workers    int
	AMP        bool
	Format     checkpoints.CheckpointFormat
	Resume     bool

	// process identity
	LocalRank  int
	WorldSize  int
	MasterAddr string
	MasterPort int

	// optional plotting sidecar, empty to disable
	PlotServiceURL string
}

// DefaultRunConfig returns the defaults of the command line.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		InputSize:  640,
		BatchSize:  32,
		Epochs:     600,
		Variant:    model.Medium,
		DataDir:    "data",
		WeightsDir: "weights",
		Workers:    8,
		AMP:        true,
		Format:     checkpoints.FormatProto,
		WorldSize:  1,
		MasterAddr: "127.0.0.1",
		MasterPort: 29500,
	}
}

// Validate checks the fields that would otherwise fail deep inside a run.
func (c RunConfig) Validate() error {
	if c.InputSize <= 0 || c.InputSize%model.Stride != 0 {
		return fmt.Errorf("input size must be a positive multiple of %d, got %d", model.Stride, c.InputSize)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be > 0, got %d", c.BatchSize)
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be > 0, got %d", c.Epochs)
	}
	if !c.Variant.Valid() {
		return fmt.Errorf("unsupported model variant %s", c.Variant)
	}
	if c.WorldSize < 1 {
		return fmt.Errorf("world size must be >= 1, got %d", c.WorldSize)
	}
	if c.LocalRank < 0 || c.LocalRank >= c.WorldSize {
		return fmt.Errorf("local rank %d outside world of size %d", c.LocalRank, c.WorldSize)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be >= 0, got %d", c.Workers)
	}
	return nil
}

// Distributed reports whether more than one process takes part in the run.
func (c RunConfig) Distributed() bool {
	return c.WorldSize > 1
}

// IsPrimary reports whether this process is rank 0.
func (c RunConfig) IsPrimary() bool {
	return c.LocalRank == 0
}

// Accumulate is the number of micro-steps per optimizer update, chosen so the
// effective batch is close to 64. Halves round to even.
func (c RunConfig) Accumulate() int {
	n := int(math.RoundToEven(64 / float64(c.BatchSize*c.WorldSize)))
	return max(n, 1)
}

// ScaledWeightDecay rescales weightDecay to the effective batch.
func (c RunConfig) ScaledWeightDecay(weightDecay float64) float64 {
	return weightDecay * float64(c.BatchSize*c.WorldSize*c.Accumulate()) / 64
}

// Tag is the "<variant>_<epochs>" suffix shared by every artifact of a run.
func (c RunConfig) Tag() string {
	return c.Variant.String() + "_" + strconv.Itoa(c.Epochs)
}

// ArtifactPath returns "<weights>/<prefix>_<variant>_<epochs>.<ext>".
func (c RunConfig) ArtifactPath(prefix, ext string) string {
	return filepath.Join(c.WeightsDir, prefix+"_"+c.Tag()+"."+ext)
}

// LastPath is the checkpoint overwritten every epoch.
func (c RunConfig) LastPath() string {
	return c.ArtifactPath("last", c.Format.Extension())
}

// BestPath is the checkpoint of the best epoch.
func (c RunConfig) BestPath() string {
	return c.ArtifactPath("best", c.Format.Extension())
}

// MetricLogPath is the per-epoch CSV log.
func (c RunConfig) MetricLogPath() string {
	return c.ArtifactPath("step", "csv")
}

// PlotPath is the mAP-vs-epoch chart.
func (c RunConfig) PlotPath() string {
	return c.ArtifactPath("mAP_vs_epochs", "png")
}

// CurvePath is the precision-recall chart rendered by the test command.
func (c RunConfig) CurvePath() string {
	return c.ArtifactPath("precision_recall", "png")
}

// ZipName is the archive produced by the zip command.
func (c RunConfig) ZipName() string {
	return "result_" + c.Tag() + ".zip"
}

// ZipMarkers select the weight files of this run by name.
func (c RunConfig) ZipMarkers() []string {
	return []string{"_" + c.Tag() + ".", "_" + c.Tag() + "_state_dict."}
}

// RendezvousAddr is the host:port rank 0 serves the process group on.
func (c RunConfig) RendezvousAddr() string {
	return fmt.Sprintf("%s:%d", c.MasterAddr, c.MasterPort)
}
