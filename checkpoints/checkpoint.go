package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tsawler/go-detect/model"
	"github.com/x448/float16"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatProto CheckpointFormat = iota
	FormatJSON
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatProto:
		return "Proto"
	case FormatJSON:
		return "JSON"
	default:
		return "Unknown"
	}
}

// Extension returns the file extension used for the format, without dot.
func (cf CheckpointFormat) Extension() string {
	switch cf {
	case FormatJSON:
		return "json"
	default:
		return "pb"
	}
}

// ParseFormat resolves "proto"/"pb" or "json".
func ParseFormat(s string) (CheckpointFormat, error) {
	switch strings.ToLower(s) {
	case "proto", "pb", "protobuf":
		return FormatProto, nil
	case "json":
		return FormatJSON, nil
	}
	return 0, fmt.Errorf("unsupported checkpoint format %q", s)
}

// Checkpoint is a persisted model snapshot plus, until stripped, everything
// needed to resume training.
type Checkpoint struct {
	Epoch      int            `json:"epoch"`
	Variant    string         `json:"variant"`
	NumClasses int            `json:"num_classes"`
	Half       bool           `json:"half,omitempty"`
	Weights    []WeightTensor `json:"weights"`

	// Training-only state, removed by Strip
	TrainingState  *TrainingState  `json:"training_state,omitempty"`
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data. Exactly one
// of Data and HalfData is populated.
type WeightTensor struct {
	Name     string    `json:"name"`
	Shape    []int     `json:"shape"`
	Kind     string    `json:"kind"` // "weight", "bias", "norm_weight"
	Data     []float32 `json:"data,omitempty"`
	HalfData []uint16  `json:"half_data,omitempty"`
}

// TrainingState captures the counters needed to resume a run
type TrainingState struct {
	Step          int     `json:"step"`
	BestMetric    float64 `json:"best_metric"`
	BestEpoch     int     `json:"best_epoch"`
	EMAUpdates    int     `json:"ema_updates"`
	LossScale     float64 `json:"loss_scale"`
	GrowthTracker int     `json:"growth_tracker"`
}

// OptimizerState captures optimizer-specific state (momentum buffers, etc.)
type OptimizerState struct {
	Type       string             `json:"type"` // "SGD"
	Parameters map[string]float64 `json:"parameters"`
	StateData  []OptimizerTensor  `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	RunID       string    `json:"run_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Metric      float64   `json:"metric"`
}

// FromStateDict converts model weights into full-precision weight tensors.
func FromStateDict(sd model.StateDict) []WeightTensor {
	weights := make([]WeightTensor, len(sd))
	for i, t := range sd {
		weights[i] = WeightTensor{
			Name:  t.Name,
			Shape: append([]int(nil), t.Shape...),
			Kind:  t.Kind.String(),
			Data:  append([]float32(nil), t.Data...),
		}
	}
	return weights
}

// StateDict converts the stored weights back into model tensors, widening
// half-precision data.
func (c *Checkpoint) StateDict() (model.StateDict, error) {
	sd := make(model.StateDict, len(c.Weights))
	for i, w := range c.Weights {
		kind, err := model.ParseKind(w.Kind)
		if err != nil {
			return nil, fmt.Errorf("weight %s: %v", w.Name, err)
		}
		data := w.Data
		if len(w.HalfData) > 0 {
			data = make([]float32, len(w.HalfData))
			for j, h := range w.HalfData {
				data[j] = float16.Frombits(h).Float32()
			}
		}
		sd[i] = model.Tensor{
			Name:  w.Name,
			Shape: append([]int(nil), w.Shape...),
			Kind:  kind,
			Data:  append([]float32(nil), data...),
		}
	}
	return sd, nil
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// Format returns the saver's serialization format.
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// Marshal encodes a checkpoint. The encoding is deterministic.
func (cs *CheckpointSaver) Marshal(checkpoint *Checkpoint) ([]byte, error) {
	switch cs.format {
	case FormatProto:
		return marshalProto(checkpoint), nil
	case FormatJSON:
		data, err := json.MarshalIndent(checkpoint, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode checkpoint: %v", err)
		}
		return append(data, '\n'), nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// Unmarshal decodes a checkpoint.
func (cs *CheckpointSaver) Unmarshal(data []byte) (*Checkpoint, error) {
	switch cs.format {
	case FormatProto:
		return unmarshalProto(data)
	case FormatJSON:
		var checkpoint Checkpoint
		if err := json.Unmarshal(data, &checkpoint); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
		}
		return &checkpoint, nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// SaveCheckpoint writes a checkpoint atomically: the previous file at path is
// either left intact or fully replaced.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	// Ensure metadata is set
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-detect"
		checkpoint.Metadata.Version = "1.0.0"
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now()
	}
	checkpoint.Metadata.CreatedAt = checkpoint.Metadata.CreatedAt.UTC()

	data, err := cs.Marshal(checkpoint)
	if err != nil {
		return err
	}
	if err := WriteFileAtomic(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint %s: %w", path, err)
	}
	return nil
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	return cs.Unmarshal(data)
}

// WriteFileAtomic writes data to a temporary file in the target directory,
// syncs it and renames it over path.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
