package distributed

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// collective is the payload of one contribution to a named round:
//
//	{ 1 round, 2 rank, 3 data[packed fixed32], 4 world_size, 5 payload }
type collective struct {
	Round     string
	Rank      int
	Data      []float32
	WorldSize int
	Payload   []byte
}

func (c collective) encode() *wrapperspb.BytesValue {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, c.Round)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Rank))
	if len(c.Data) > 0 {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendVarint(b, uint64(4*len(c.Data)))
		for _, v := range c.Data {
			b = protowire.AppendFixed32(b, math.Float32bits(v))
		}
	}
	if c.WorldSize > 0 {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(c.WorldSize))
	}
	if len(c.Payload) > 0 {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, c.Payload)
	}
	return wrapperspb.Bytes(b)
}

func decodeCollective(msg *wrapperspb.BytesValue) (collective, error) {
	var c collective
	b := msg.GetValue()
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return c, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return c, protowire.ParseError(m)
			}
			c.Round, n = v, m
		case num == 2 && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return c, protowire.ParseError(m)
			}
			c.Rank, n = int(v), m
		case num == 3 && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return c, protowire.ParseError(m)
			}
			if len(v)%4 != 0 {
				return c, fmt.Errorf("data length %d is not a multiple of 4", len(v))
			}
			c.Data = make([]float32, len(v)/4)
			for i := range c.Data {
				bits, _ := protowire.ConsumeFixed32(v[4*i:])
				c.Data[i] = math.Float32frombits(bits)
			}
			n = m
		case num == 4 && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return c, protowire.ParseError(m)
			}
			c.WorldSize, n = int(v), m
		case num == 5 && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return c, protowire.ParseError(m)
			}
			c.Payload, n = append([]byte(nil), v...), m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return c, protowire.ParseError(n)
			}
		}
		b = b[n:]
	}
	return c, nil
}
