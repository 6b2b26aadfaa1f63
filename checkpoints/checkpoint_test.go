package checkpoints

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/tsawler/go-detect/model"
)

func sampleCheckpoint() *Checkpoint {
	return &Checkpoint{
		Epoch:      3,
		Variant:    "m",
		NumClasses: 2,
		Weights: []WeightTensor{
			{Name: "norm.weight", Shape: []int{3}, Kind: "norm_weight", Data: []float32{1, 0.5, -0.25}},
			{Name: "head.weight", Shape: []int{2, 3}, Kind: "weight", Data: []float32{0.1, 0.2, 0.3, -0.4, 0.5, 1.5}},
			{Name: "head.bias", Shape: []int{2}, Kind: "bias", Data: []float32{0, -4.595}},
		},
		TrainingState: &TrainingState{
			Step:          120,
			BestMetric:    0.42,
			BestEpoch:     2,
			EMAUpdates:    60,
			LossScale:     32768,
			GrowthTracker: 17,
		},
		OptimizerState: &OptimizerState{
			Type:       "SGD",
			Parameters: map[string]float64{"momentum": 0.937, "lr": 0.01, "step_count": 60},
			StateData: []OptimizerTensor{
				{Name: "momentum_buffer_0", Shape: []int{3}, Data: []float32{0.01, 0, -0.02}, StateType: "momentum"},
			},
		},
		Metadata: CheckpointMetadata{
			Version:     "1.0.0",
			Framework:   "go-detect",
			RunID:       "run-1",
			CreatedAt:   time.Date(2026, 3, 1, 12, 0, 0, 1234, time.UTC),
			Description: "last",
			Tags:        []string{"last"},
			Metric:      0.42,
		},
	}
}

func TestRoundTrip(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatProto, FormatJSON} {
		t.Run(format.String(), func(t *testing.T) {
			saver := NewCheckpointSaver(format)
			path := filepath.Join(t.TempDir(), "ckpt."+format.Extension())

			want := sampleCheckpoint()
			if err := saver.SaveCheckpoint(want, path); err != nil {
				t.Fatalf("SaveCheckpoint: %v", err)
			}
			got, err := saver.LoadCheckpoint(path)
			if err != nil {
				t.Fatalf("LoadCheckpoint: %v", err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, want)
			}
		})
	}
}

func TestSaveFillsMetadata(t *testing.T) {
	saver := NewCheckpointSaver(FormatJSON)
	c := &Checkpoint{Epoch: 1, Variant: "n", NumClasses: 1}
	if err := saver.SaveCheckpoint(c, filepath.Join(t.TempDir(), "c.json")); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	if c.Metadata.Framework != "go-detect" || c.Metadata.Version == "" {
		t.Errorf("metadata not filled: %+v", c.Metadata)
	}
	if c.Metadata.CreatedAt.IsZero() || c.Metadata.CreatedAt.Location() != time.UTC {
		t.Errorf("created-at not set in UTC: %v", c.Metadata.CreatedAt)
	}
}

func TestStripIsIdempotent(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatProto, FormatJSON} {
		t.Run(format.String(), func(t *testing.T) {
			saver := NewCheckpointSaver(format)
			path := filepath.Join(t.TempDir(), "best."+format.Extension())
			if err := saver.SaveCheckpoint(sampleCheckpoint(), path); err != nil {
				t.Fatalf("SaveCheckpoint: %v", err)
			}

			if err := Strip(path, saver); err != nil {
				t.Fatalf("Strip: %v", err)
			}
			first, err := os.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			if err := Strip(path, saver); err != nil {
				t.Fatalf("second Strip: %v", err)
			}
			second, err := os.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(first, second) {
				t.Fatal("stripping a stripped checkpoint changed its bytes")
			}

			c, err := saver.LoadCheckpoint(path)
			if err != nil {
				t.Fatalf("LoadCheckpoint: %v", err)
			}
			if !c.IsStripped() {
				t.Errorf("checkpoint still carries training state: %+v", c)
			}
			if got := strings.Join(c.Metadata.Tags, ","); got != "last,stripped" {
				t.Errorf("tags = %q", got)
			}
			if c.Metadata.RunID != "run-1" || c.Epoch != 3 {
				t.Errorf("metadata lost: %+v", c.Metadata)
			}

			sd, err := c.StateDict()
			if err != nil {
				t.Fatalf("StateDict: %v", err)
			}
			w, ok := sd.Lookup("head.weight")
			if !ok {
				t.Fatal("head.weight missing")
			}
			if w.Kind != model.Weight || w.Data[5] != 1.5 || w.Data[2] < 0.2998 || w.Data[2] > 0.3002 {
				t.Errorf("unexpected half-precision weights: %+v", w)
			}
		})
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "last.pb")
	if err := WriteFileAtomic(path, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := WriteFileAtomic(path, []byte("new"), 0644); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "new" {
		t.Errorf("content = %q", data)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("temporary files left behind: %d entries", len(entries))
	}

	// Renaming over a non-empty directory fails; the directory and its
	// content must survive and no temporary file may remain.
	blocked := filepath.Join(dir, "blocked")
	if err := os.MkdirAll(filepath.Join(blocked, "keep"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := WriteFileAtomic(blocked, []byte("x"), 0644); err == nil {
		t.Fatal("expected rename failure")
	}
	if _, err := os.Stat(filepath.Join(blocked, "keep")); err != nil {
		t.Errorf("existing target damaged: %v", err)
	}
	entries, _ = os.ReadDir(dir)
	if len(entries) != 2 {
		t.Errorf("temporary files left behind after failure: %d entries", len(entries))
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	if _, err := NewCheckpointSaver(FormatProto).Unmarshal([]byte{0x0a, 0xff}); err == nil {
		t.Error("expected proto decode error")
	}
	if _, err := NewCheckpointSaver(FormatJSON).Unmarshal([]byte("{")); err == nil {
		t.Error("expected json decode error")
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in   string
		want CheckpointFormat
		ok   bool
	}{
		{"proto", FormatProto, true},
		{"PB", FormatProto, true},
		{"json", FormatJSON, true},
		{"onnx", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err == nil) != tt.ok || (tt.ok && got != tt.want) {
			t.Errorf("ParseFormat(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestZipWeights(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"best_m_10.pb", "last_m_10.pb", "step_m_10.csv", "last_n_10.pb", "best_m_10_state_dict.pb", "best_m_100.pb"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0644); err != nil {
			t.Fatal(err)
		}
	}
	dst := filepath.Join(dir, "result_m_10.zip")
	names, err := ZipWeights(dir, dst, "_m_10.", "_m_10_state_dict.")
	if err != nil {
		t.Fatalf("ZipWeights: %v", err)
	}
	want := []string{"best_m_10.pb", "best_m_10_state_dict.pb", "last_m_10.pb", "step_m_10.csv"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("names = %v, want %v", names, want)
	}
	if info, err := os.Stat(dst); err != nil || info.Size() == 0 {
		t.Errorf("archive missing or empty: %v", err)
	}

	none := filepath.Join(dir, "result_x_1.zip")
	if names, err := ZipWeights(dir, none, "_x_1."); err != nil || len(names) != 0 {
		t.Errorf("unexpected match %v, %v", names, err)
	}
	if _, err := os.Stat(none); !os.IsNotExist(err) {
		t.Error("archive written without matching files")
	}
}
