package model

import (
	"fmt"
	"strings"
)

// Variant is one of the supported model sizes.
type Variant int

const (
	Nano Variant = iota
	Small
	Medium
	Large
	XLarge
)

// Variants lists every supported size in ascending order.
var Variants = []Variant{Nano, Small, Medium, Large, XLarge}

func (v Variant) String() string {
	switch v {
	case Nano:
		return "n"
	case Small:
		return "s"
	case Medium:
		return "m"
	case Large:
		return "l"
	case XLarge:
		return "x"
	default:
		return fmt.Sprintf("Unknown(%d)", int(v))
	}
}

// Valid reports whether v is one of the supported sizes.
func (v Variant) Valid() bool {
	return v >= Nano && v <= XLarge
}

// Scale is the depth/width multiplier pair of a variant.
type Scale struct {
	Depth       float64
	Width       float64
	MaxChannels int
}

// Scale returns the compound scaling factors of the variant.
func (v Variant) Scale() Scale {
	switch v {
	case Nano:
		return Scale{Depth: 0.50, Width: 0.25, MaxChannels: 1024}
	case Small:
		return Scale{Depth: 0.50, Width: 0.50, MaxChannels: 1024}
	case Medium:
		return Scale{Depth: 0.50, Width: 1.00, MaxChannels: 512}
	case Large:
		return Scale{Depth: 1.00, Width: 1.00, MaxChannels: 512}
	case XLarge:
		return Scale{Depth: 1.00, Width: 1.50, MaxChannels: 512}
	default:
		return Scale{}
	}
}

// ParseVariant resolves a variant tag. Unknown tags are rejected.
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "n":
		return Nano, nil
	case "s":
		return Small, nil
	case "m":
		return Medium, nil
	case "l":
		return Large, nil
	case "x":
		return XLarge, nil
	}
	return 0, fmt.Errorf("unsupported model variant %q: choose from n, s, m, l, x", s)
}
