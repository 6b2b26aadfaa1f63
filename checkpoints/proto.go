package checkpoints

import (
	"fmt"
	"math"
	"sort"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the binary checkpoint schema:
//
//	Checkpoint      { 1 epoch, 2 variant, 3 num_classes, 4 half, 5 weights*, 6 training_state, 7 optimizer_state, 8 metadata }
//	WeightTensor    { 1 name, 2 shape[packed], 3 kind, 4 data[packed fixed32], 5 half_data[packed] }
//	TrainingState   { 1 step, 2 best_metric, 3 best_epoch, 4 ema_updates, 5 loss_scale, 6 growth_tracker }
//	OptimizerState  { 1 type, 2 parameters* {1 name, 2 value}, 3 state_data* }
//	OptimizerTensor { 1 name, 2 shape[packed], 3 data[packed fixed32], 4 state_type }
//	Metadata        { 1 version, 2 framework, 3 run_id, 4 created_at_unix_nano, 5 description, 6 tags*, 7 metric }

func marshalProto(c *Checkpoint) []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(c.Epoch))
	b = appendStringField(b, 2, c.Variant)
	b = appendVarintField(b, 3, uint64(c.NumClasses))
	if c.Half {
		b = appendVarintField(b, 4, 1)
	}
	for _, w := range c.Weights {
		b = appendMessageField(b, 5, marshalWeight(w))
	}
	if c.TrainingState != nil {
		b = appendMessageField(b, 6, marshalTrainingState(c.TrainingState))
	}
	if c.OptimizerState != nil {
		b = appendMessageField(b, 7, marshalOptimizerState(c.OptimizerState))
	}
	b = appendMessageField(b, 8, marshalMetadata(c.Metadata))
	return b
}

func marshalWeight(w WeightTensor) []byte {
	var b []byte
	b = appendStringField(b, 1, w.Name)
	b = appendPackedInts(b, 2, w.Shape)
	b = appendStringField(b, 3, w.Kind)
	b = appendPackedFloats(b, 4, w.Data)
	if len(w.HalfData) > 0 {
		var packed []byte
		for _, h := range w.HalfData {
			packed = protowire.AppendVarint(packed, uint64(h))
		}
		b = appendMessageField(b, 5, packed)
	}
	return b
}

func marshalTrainingState(s *TrainingState) []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(s.Step))
	b = appendDoubleField(b, 2, s.BestMetric)
	b = appendVarintField(b, 3, uint64(s.BestEpoch))
	b = appendVarintField(b, 4, uint64(s.EMAUpdates))
	b = appendDoubleField(b, 5, s.LossScale)
	b = appendVarintField(b, 6, uint64(s.GrowthTracker))
	return b
}

func marshalOptimizerState(s *OptimizerState) []byte {
	var b []byte
	b = appendStringField(b, 1, s.Type)

	names := make([]string, 0, len(s.Parameters))
	for name := range s.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		var p []byte
		p = appendStringField(p, 1, name)
		p = appendDoubleField(p, 2, s.Parameters[name])
		b = appendMessageField(b, 2, p)
	}

	for _, t := range s.StateData {
		var m []byte
		m = appendStringField(m, 1, t.Name)
		m = appendPackedInts(m, 2, t.Shape)
		m = appendPackedFloats(m, 3, t.Data)
		m = appendStringField(m, 4, t.StateType)
		b = appendMessageField(b, 3, m)
	}
	return b
}

func marshalMetadata(m CheckpointMetadata) []byte {
	var b []byte
	b = appendStringField(b, 1, m.Version)
	b = appendStringField(b, 2, m.Framework)
	b = appendStringField(b, 3, m.RunID)
	if !m.CreatedAt.IsZero() {
		b = appendVarintField(b, 4, uint64(m.CreatedAt.UnixNano()))
	}
	b = appendStringField(b, 5, m.Description)
	for _, tag := range m.Tags {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	b = appendDoubleField(b, 7, m.Metric)
	return b
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendDoubleField(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 && !math.Signbit(v) {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendMessageField(b []byte, num protowire.Number, m []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}

func appendPackedInts(b []byte, num protowire.Number, vs []int) []byte {
	if len(vs) == 0 {
		return b
	}
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	return appendMessageField(b, num, packed)
}

func appendPackedFloats(b []byte, num protowire.Number, vs []float32) []byte {
	if len(vs) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(4*len(vs)))
	for _, v := range vs {
		b = protowire.AppendFixed32(b, math.Float32bits(v))
	}
	return b
}

// fieldFunc handles one decoded field; it returns the number of bytes
// consumed from b or a negative protowire error code.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) int

func walkFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m := fn(num, typ, b)
		if m == skipField {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

// skipField asks walkFields to skip an unknown field.
const skipField = math.MinInt32

func consumeVarint(b []byte, dst *int) int {
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*dst = int(v)
	}
	return n
}

func consumeString(b []byte, dst *string) int {
	v, n := protowire.ConsumeString(b)
	if n >= 0 {
		*dst = v
	}
	return n
}

func consumeDouble(b []byte, dst *float64) int {
	v, n := protowire.ConsumeFixed64(b)
	if n >= 0 {
		*dst = math.Float64frombits(v)
	}
	return n
}

func consumePackedInts(b []byte, dst *[]int) int {
	data, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n
	}
	for len(data) > 0 {
		v, m := protowire.ConsumeVarint(data)
		if m < 0 {
			return m
		}
		*dst = append(*dst, int(v))
		data = data[m:]
	}
	return n
}

func consumePackedFloats(b []byte, dst *[]float32) int {
	data, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n
	}
	if len(data)%4 != 0 {
		return -1
	}
	out := make([]float32, 0, len(data)/4)
	for len(data) > 0 {
		v, m := protowire.ConsumeFixed32(data)
		if m < 0 {
			return m
		}
		out = append(out, math.Float32frombits(v))
		data = data[m:]
	}
	*dst = out
	return n
}

func unmarshalProto(data []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	var nested error
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.VarintType:
			return consumeVarint(b, &c.Epoch)
		case num == 2 && typ == protowire.BytesType:
			return consumeString(b, &c.Variant)
		case num == 3 && typ == protowire.VarintType:
			return consumeVarint(b, &c.NumClasses)
		case num == 4 && typ == protowire.VarintType:
			var v int
			n := consumeVarint(b, &v)
			c.Half = v != 0
			return n
		case num >= 5 && num <= 8 && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			var err error
			switch num {
			case 5:
				var w WeightTensor
				err = unmarshalWeight(msg, &w)
				c.Weights = append(c.Weights, w)
			case 6:
				c.TrainingState = &TrainingState{}
				err = unmarshalTrainingState(msg, c.TrainingState)
			case 7:
				c.OptimizerState = &OptimizerState{}
				err = unmarshalOptimizerState(msg, c.OptimizerState)
			case 8:
				err = unmarshalMetadata(msg, &c.Metadata)
			}
			if err != nil {
				nested = err
				return -1
			}
			return n
		}
		return skipField
	})
	if nested != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", nested)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}
	return c, nil
}

func unmarshalWeight(data []byte, w *WeightTensor) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return consumeString(b, &w.Name)
		case num == 2 && typ == protowire.BytesType:
			return consumePackedInts(b, &w.Shape)
		case num == 3 && typ == protowire.BytesType:
			return consumeString(b, &w.Kind)
		case num == 4 && typ == protowire.BytesType:
			return consumePackedFloats(b, &w.Data)
		case num == 5 && typ == protowire.BytesType:
			var vs []int
			n := consumePackedInts(b, &vs)
			if n < 0 {
				return n
			}
			w.HalfData = make([]uint16, len(vs))
			for i, v := range vs {
				w.HalfData[i] = uint16(v)
			}
			return n
		}
		return skipField
	})
}

func unmarshalTrainingState(data []byte, s *TrainingState) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.VarintType:
			return consumeVarint(b, &s.Step)
		case num == 2 && typ == protowire.Fixed64Type:
			return consumeDouble(b, &s.BestMetric)
		case num == 3 && typ == protowire.VarintType:
			return consumeVarint(b, &s.BestEpoch)
		case num == 4 && typ == protowire.VarintType:
			return consumeVarint(b, &s.EMAUpdates)
		case num == 5 && typ == protowire.Fixed64Type:
			return consumeDouble(b, &s.LossScale)
		case num == 6 && typ == protowire.VarintType:
			return consumeVarint(b, &s.GrowthTracker)
		}
		return skipField
	})
}

func unmarshalOptimizerState(data []byte, s *OptimizerState) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return consumeString(b, &s.Type)
		case num == 2 && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			var name string
			var value float64
			err := walkFields(msg, func(num protowire.Number, typ protowire.Type, b []byte) int {
				switch {
				case num == 1 && typ == protowire.BytesType:
					return consumeString(b, &name)
				case num == 2 && typ == protowire.Fixed64Type:
					return consumeDouble(b, &value)
				}
				return skipField
			})
			if err != nil {
				return -1
			}
			if s.Parameters == nil {
				s.Parameters = make(map[string]float64)
			}
			s.Parameters[name] = value
			return n
		case num == 3 && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			var t OptimizerTensor
			err := walkFields(msg, func(num protowire.Number, typ protowire.Type, b []byte) int {
				switch {
				case num == 1 && typ == protowire.BytesType:
					return consumeString(b, &t.Name)
				case num == 2 && typ == protowire.BytesType:
					return consumePackedInts(b, &t.Shape)
				case num == 3 && typ == protowire.BytesType:
					return consumePackedFloats(b, &t.Data)
				case num == 4 && typ == protowire.BytesType:
					return consumeString(b, &t.StateType)
				}
				return skipField
			})
			if err != nil {
				return -1
			}
			s.StateData = append(s.StateData, t)
			return n
		}
		return skipField
	})
}

func unmarshalMetadata(data []byte, m *CheckpointMetadata) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return consumeString(b, &m.Version)
		case num == 2 && typ == protowire.BytesType:
			return consumeString(b, &m.Framework)
		case num == 3 && typ == protowire.BytesType:
			return consumeString(b, &m.RunID)
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n >= 0 {
				m.CreatedAt = time.Unix(0, int64(v)).UTC()
			}
			return n
		case num == 5 && typ == protowire.BytesType:
			return consumeString(b, &m.Description)
		case num == 6 && typ == protowire.BytesType:
			var tag string
			n := consumeString(b, &tag)
			if n >= 0 {
				m.Tags = append(m.Tags, tag)
			}
			return n
		case num == 7 && typ == protowire.Fixed64Type:
			return consumeDouble(b, &m.Metric)
		}
		return skipField
	})
}
