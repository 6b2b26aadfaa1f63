// Package detection holds the value types shared by the dataset, model,
// metric and training packages.
package detection

// Box is an axis-aligned box in center format.
type Box struct {
	CX, CY, W, H float32
}

// XYXY converts the box to corner format (x1, y1, x2, y2).
func (b Box) XYXY() [4]float32 {
	return [4]float32{b.CX - b.W/2, b.CY - b.H/2, b.CX + b.W/2, b.CY + b.H/2}
}

// Scale multiplies the box coordinates by sx horizontally and sy vertically.
func (b Box) Scale(sx, sy float32) Box {
	return Box{CX: b.CX * sx, CY: b.CY * sy, W: b.W * sx, H: b.H * sy}
}

// Label is one ground-truth object. Box is normalized to [0, 1] of the
// network input.
type Label struct {
	Class int
	Box   Box
}

// Prediction is one candidate produced by a model for one anchor point.
// Box is in input pixels, Scores holds one probability per class.
type Prediction struct {
	Box    Box
	Scores []float32
}

// Detection is a prediction that survived non-max suppression.
type Detection struct {
	X1, Y1, X2, Y2 float32
	Score          float32
	Class          int
}

// Batch is a collated set of samples. Images are CHW planes concatenated per
// sample with raw 0..255 intensities.
type Batch struct {
	Images   []float32
	N        int
	Channels int
	Size     int
	Labels   [][]Label
	Paths    []string
}

// Normalized returns a copy of the image data scaled to [0, 1].
func (b *Batch) Normalized() []float32 {
	out := make([]float32, len(b.Images))
	for i, v := range b.Images {
		out[i] = v / 255
	}
	return out
}
