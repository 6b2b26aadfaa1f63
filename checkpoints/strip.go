package checkpoints

import (
	"fmt"

	"github.com/x448/float16"
)

// strippedTag marks an artifact that carries inference weights only.
const strippedTag = "stripped"

// Strip rewrites the checkpoint at path keeping only half-precision weights
// and metadata. Stripping an already stripped file rewrites identical bytes.
func Strip(path string, saver *CheckpointSaver) error {
	checkpoint, err := saver.LoadCheckpoint(path)
	if err != nil {
		return err
	}
	StripCheckpoint(checkpoint)

	data, err := saver.Marshal(checkpoint)
	if err != nil {
		return err
	}
	if err := WriteFileAtomic(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write stripped checkpoint %s: %w", path, err)
	}
	return nil
}

// StripCheckpoint drops training and optimizer state and converts the
// weights to half precision in place.
func StripCheckpoint(c *Checkpoint) {
	c.TrainingState = nil
	c.OptimizerState = nil
	c.Half = true
	for i := range c.Weights {
		w := &c.Weights[i]
		if len(w.Data) == 0 {
			continue
		}
		w.HalfData = make([]uint16, len(w.Data))
		for j, v := range w.Data {
			w.HalfData[j] = float16.Fromfloat32(v).Bits()
		}
		w.Data = nil
	}
	for _, tag := range c.Metadata.Tags {
		if tag == strippedTag {
			return
		}
	}
	c.Metadata.Tags = append(c.Metadata.Tags, strippedTag)
}

// IsStripped reports whether the checkpoint carries inference weights only.
func (c *Checkpoint) IsStripped() bool {
	return c.Half && c.TrainingState == nil && c.OptimizerState == nil
}
