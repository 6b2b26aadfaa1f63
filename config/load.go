package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/tsawler/go-detect/checkpoints"
	"github.com/tsawler/go-detect/model"
)

// Keys read by Load. Flags of the command line share these names.
const (
	KeyInputSize   = "input-size"
	KeyBatchSize   = "batch-size"
	KeyEpochs      = "epochs"
	KeyVersion     = "version"
	KeySeed        = "seed"
	KeyDataDir     = "data-dir"
	KeyWeightsDir  = "weights-dir"
	KeyWorkers     = "workers"
	KeyAMP         = "amp"
	KeyFormat      = "format"
	KeyResume      = "resume"
	KeyParams      = "params"
	KeyLocalRank   = "local-rank"
	KeyWorldSize   = "world-size"
	KeyMasterAddr  = "master-addr"
	KeyMasterPort  = "master-port"
	KeyPlotService = "plot-service"
)

// NewViper returns a viper instance with defaults and environment bindings.
// Process identity comes from the variables set by distributed launchers.
func NewViper() *viper.Viper {
	d := DefaultRunConfig()
	v := viper.New()
	v.SetDefault(KeyInputSize, d.InputSize)
	v.SetDefault(KeyBatchSize, d.BatchSize)
	v.SetDefault(KeyEpochs, d.Epochs)
	v.SetDefault(KeyVersion, d.Variant.String())
	v.SetDefault(KeySeed, d.Seed)
	v.SetDefault(KeyDataDir, d.DataDir)
	v.SetDefault(KeyWeightsDir, d.WeightsDir)
	v.SetDefault(KeyWorkers, d.Workers)
	v.SetDefault(KeyAMP, d.AMP)
	v.SetDefault(KeyFormat, "proto")
	v.SetDefault(KeyLocalRank, d.LocalRank)
	v.SetDefault(KeyWorldSize, d.WorldSize)
	v.SetDefault(KeyMasterAddr, d.MasterAddr)
	v.SetDefault(KeyMasterPort, d.MasterPort)

	v.SetEnvPrefix("DETECT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv(KeyLocalRank, "LOCAL_RANK")
	_ = v.BindEnv(KeyWorldSize, "WORLD_SIZE")
	_ = v.BindEnv(KeyMasterAddr, "MASTER_ADDR")
	_ = v.BindEnv(KeyMasterPort, "MASTER_PORT")
	return v
}

// LoadDotEnv loads variables from path into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrapf(err, "failed to load %s", path)
	}
	return nil
}

// Load builds a RunConfig from v. An unknown model variant is reported here,
// before anything is constructed.
func Load(v *viper.Viper) (RunConfig, error) {
	variant, err := model.ParseVariant(v.GetString(KeyVersion))
	if err != nil {
		return RunConfig{}, err
	}
	format, err := checkpoints.ParseFormat(v.GetString(KeyFormat))
	if err != nil {
		return RunConfig{}, err
	}

	cfg := RunConfig{
		InputSize:      v.GetInt(KeyInputSize),
		BatchSize:      v.GetInt(KeyBatchSize),
		Epochs:         v.GetInt(KeyEpochs),
		Variant:        variant,
		Seed:           v.GetUint64(KeySeed),
		DataDir:        v.GetString(KeyDataDir),
		WeightsDir:     v.GetString(KeyWeightsDir),
		Workers:        v.GetInt(KeyWorkers),
		AMP:            v.GetBool(KeyAMP),
		Format:         format,
		Resume:         v.GetBool(KeyResume),
		LocalRank:      v.GetInt(KeyLocalRank),
		WorldSize:      v.GetInt(KeyWorldSize),
		MasterAddr:     v.GetString(KeyMasterAddr),
		MasterPort:     v.GetInt(KeyMasterPort),
		PlotServiceURL: v.GetString(KeyPlotService),
	}
	if err := cfg.Validate(); err != nil {
		return RunConfig{}, err
	}
	return cfg, nil
}
