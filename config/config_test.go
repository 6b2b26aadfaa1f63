package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/tsawler/go-detect/checkpoints"
	"github.com/tsawler/go-detect/model"
)

func TestAccumulate(t *testing.T) {
	tests := []struct {
		batch, world int
		want         int
	}{
		{32, 1, 2},
		{64, 1, 1},
		{16, 2, 2},
		{8, 1, 8},
		{128, 1, 1}, // 0.5 rounds to even, floor at 1
		{24, 1, 3},  // 2.67
		{1, 1, 64},
		{128, 4, 1},
		{26, 1, 2}, // 2.46
		{256, 1, 1},
	}
	for _, tt := range tests {
		cfg := RunConfig{BatchSize: tt.batch, WorldSize: tt.world}
		if got := cfg.Accumulate(); got != tt.want {
			t.Errorf("Accumulate(batch=%d, world=%d) = %d, want %d", tt.batch, tt.world, got, tt.want)
		}
		if cfg.Accumulate() < 1 {
			t.Errorf("accumulate below 1 for batch=%d world=%d", tt.batch, tt.world)
		}
	}
}

func TestScaledWeightDecay(t *testing.T) {
	tests := []struct {
		batch, world int
		want         float64
	}{
		{32, 1, 0.0005},        // 32*1*2/64 = 1
		{24, 1, 0.0005 * 1.125}, // 24*3/64
		{128, 1, 0.001},        // 128*1/64 = 2
	}
	for _, tt := range tests {
		cfg := RunConfig{BatchSize: tt.batch, WorldSize: tt.world}
		if got := cfg.ScaledWeightDecay(0.0005); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("ScaledWeightDecay(batch=%d) = %g, want %g", tt.batch, got, tt.want)
		}
	}
}

func TestArtifactPaths(t *testing.T) {
	cfg := DefaultRunConfig()
	cfg.Variant = model.Nano
	cfg.Epochs = 20
	cfg.WeightsDir = "w"

	tests := map[string]string{
		cfg.LastPath():      filepath.Join("w", "last_n_20.pb"),
		cfg.BestPath():      filepath.Join("w", "best_n_20.pb"),
		cfg.MetricLogPath(): filepath.Join("w", "step_n_20.csv"),
		cfg.PlotPath():      filepath.Join("w", "mAP_vs_epochs_n_20.png"),
		cfg.ZipName():       "result_n_20.zip",
	}
	for got, want := range tests {
		if got != want {
			t.Errorf("got %s, want %s", got, want)
		}
	}

	if m := cfg.ZipMarkers(); len(m) != 2 || m[0] != "_n_20." || m[1] != "_n_20_state_dict." {
		t.Errorf("zip markers = %v", m)
	}

	cfg.Format = checkpoints.FormatJSON
	if got := cfg.LastPath(); got != filepath.Join("w", "last_n_20.json") {
		t.Errorf("json last path = %s", got)
	}
}

func TestValidate(t *testing.T) {
	base := DefaultRunConfig()
	tests := []struct {
		name    string
		mutate  func(*RunConfig)
		wantErr bool
	}{
		{"defaults", func(*RunConfig) {}, false},
		{"input_not_multiple_of_stride", func(c *RunConfig) { c.InputSize = 100 }, true},
		{"zero_batch", func(c *RunConfig) { c.BatchSize = 0 }, true},
		{"zero_epochs", func(c *RunConfig) { c.Epochs = 0 }, true},
		{"bad_variant", func(c *RunConfig) { c.Variant = model.Variant(9) }, true},
		{"rank_outside_world", func(c *RunConfig) { c.LocalRank = 2; c.WorldSize = 2 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("LOCAL_RANK", "1")
	t.Setenv("WORLD_SIZE", "4")
	t.Setenv("MASTER_PORT", "31000")
	t.Setenv("DETECT_BATCH_SIZE", "8")

	v := NewViper()
	v.Set(KeyVersion, "s")
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LocalRank != 1 || cfg.WorldSize != 4 || cfg.MasterPort != 31000 {
		t.Errorf("identity not read from environment: %+v", cfg)
	}
	if cfg.BatchSize != 8 || cfg.Variant != model.Small || cfg.IsPrimary() || !cfg.Distributed() {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.RendezvousAddr() != "127.0.0.1:31000" {
		t.Errorf("rendezvous = %s", cfg.RendezvousAddr())
	}
}

func TestLoadRejectsUnknownVariant(t *testing.T) {
	v := NewViper()
	v.Set(KeyVersion, "xxl")
	if _, err := Load(v); err == nil {
		t.Fatal("expected unsupported variant error")
	}
}

func TestLoadDotEnv(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("missing file should be ignored: %v", err)
	}

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("DETECT_TEST_DOTENV=yes\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DETECT_TEST_DOTENV", "")
	os.Unsetenv("DETECT_TEST_DOTENV")
	if err := LoadDotEnv(path); err != nil {
		t.Fatal(err)
	}
	if os.Getenv("DETECT_TEST_DOTENV") != "yes" {
		t.Error("variable not loaded")
	}
}

func TestDefaultParams(t *testing.T) {
	p, err := DefaultParams()
	if err != nil {
		t.Fatalf("DefaultParams: %v", err)
	}
	if p.MinLR != 0.0001 || p.MaxLR != 0.01 || p.Momentum != 0.937 || p.WeightDecay != 0.0005 {
		t.Errorf("unexpected optimizer params: %+v", p)
	}
	if p.Box != 7.5 || p.Cls != 0.5 || p.DFL != 1.5 || p.WarmupMomentum != 0.8 {
		t.Errorf("unexpected gains: %+v", p)
	}
	if p.NumClasses() != 80 {
		t.Fatalf("NumClasses = %d", p.NumClasses())
	}
	names := p.ClassNames()
	if names[0] != "person" || names[9] != "traffic light" || names[79] != "toothbrush" {
		t.Errorf("unexpected class names: %v %v %v", names[0], names[9], names[79])
	}
}

func TestLoadParamsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.yaml")
	content := "min_lr: 0.001\nmax_lr: 0.02\nmomentum: 0.9\nweight_decay: 0.0001\nwarmup_epochs: 1\nbox: 1\ncls: 1\ndfl: 1\nnames:\n  0: cat\n  1: dog\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	p, err := LoadParams(path)
	if err != nil {
		t.Fatalf("LoadParams: %v", err)
	}
	if p.NumClasses() != 2 || p.Names[1] != "dog" || p.MaxLR != 0.02 {
		t.Errorf("unexpected params: %+v", p)
	}
	if p.WarmupMomentum != 0.8 || p.Mosaic != 1 {
		t.Errorf("defaults not applied: %+v", p)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(bad, []byte("min_lr: 0.1\nmax_lr: 0.01\nmomentum: 0.9\nnames:\n  0: a\n"), 0644)
	if _, err := LoadParams(bad); err == nil {
		t.Error("expected invalid learning rate range")
	}
	gap := filepath.Join(t.TempDir(), "gap.yaml")
	os.WriteFile(gap, []byte("min_lr: 0.001\nmax_lr: 0.01\nmomentum: 0.9\nnames:\n  0: a\n  2: b\n"), 0644)
	if _, err := LoadParams(gap); err == nil {
		t.Error("expected non-contiguous class id error")
	}
}
