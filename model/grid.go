package model

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/tsawler/go-detect/detection"
	"github.com/x448/float16"
)

// Stride is the cell size in input pixels of the reference detector.
const Stride = 32

// clsPrior is the initial class probability encoded in the class biases.
const clsPrior = 0.01

// GridDetector is a single-scale anchor-free detector: every Stride x Stride
// cell is average-pooled into pool x pool blocks per channel, passed through a
// per-feature affine normalization and a linear head predicting a box offset
// and one logit per class.
type GridDetector struct {
	variant    Variant
	numClasses int
	inputSize  int
	grid       int
	pool       int
	features   int

	norm     *Parameter // [features]
	normBias *Parameter // [features]
	head     *Parameter // [4+classes, features]
	headBias *Parameter // [4+classes]

	training  bool
	precision Precision
}

type gridCache struct {
	x []float32 // pooled features [N, anchors, features]
	z []float32 // normalized features [N, anchors, features]
}

// poolFor maps the variant width onto the pooling resolution.
func poolFor(v Variant) int {
	switch v {
	case Nano:
		return 1
	case Small:
		return 2
	case Medium:
		return 3
	case Large:
		return 4
	default:
		return 6
	}
}

// NewGridDetector builds a detector with weights drawn from a generator
// seeded by seed.
func NewGridDetector(v Variant, numClasses, inputSize int, seed uint64) (*GridDetector, error) {
	if !v.Valid() {
		return nil, fmt.Errorf("unsupported model variant %s", v)
	}
	if numClasses <= 0 {
		return nil, fmt.Errorf("number of classes must be positive, got %d", numClasses)
	}
	if inputSize < Stride || inputSize%Stride != 0 {
		return nil, fmt.Errorf("input size must be a positive multiple of %d, got %d", Stride, inputSize)
	}

	pool := poolFor(v)
	features := 3 * pool * pool
	outputs := 4 + numClasses

	d := &GridDetector{
		variant:    v,
		numClasses: numClasses,
		inputSize:  inputSize,
		grid:       inputSize / Stride,
		pool:       pool,
		features:   features,
		norm:       NewParameter("norm.weight", NormWeight, features),
		normBias:   NewParameter("norm.bias", Bias, features),
		head:       NewParameter("head.weight", Weight, outputs, features),
		headBias:   NewParameter("head.bias", Bias, outputs),
		training:   true,
	}

	for i := range d.norm.Data {
		d.norm.Data[i] = 1
	}
	rng := rand.New(rand.NewPCG(seed, uint64(v)))
	bound := 1 / math.Sqrt(float64(features))
	for i := range d.head.Data {
		d.head.Data[i] = float32((rng.Float64()*2 - 1) * bound)
	}
	prior := float32(-math.Log((1 - clsPrior) / clsPrior))
	for k := 4; k < outputs; k++ {
		d.headBias.Data[k] = prior
	}
	return d, nil
}

func (d *GridDetector) Variant() Variant   { return d.variant }
func (d *GridDetector) NumClasses() int    { return d.numClasses }
func (d *GridDetector) InputSize() int     { return d.inputSize }
func (d *GridDetector) SetTraining(t bool) { d.training = t }
func (d *GridDetector) Training() bool     { return d.training }

func (d *GridDetector) SetPrecision(p Precision) { d.precision = p }

// Parameters returns norm.weight, norm.bias, head.weight, head.bias.
func (d *GridDetector) Parameters() []*Parameter {
	return []*Parameter{d.norm, d.normBias, d.head, d.headBias}
}

// Anchors is the number of grid cells per image.
func (d *GridDetector) Anchors() int {
	return d.grid * d.grid
}

func (d *GridDetector) Forward(images []float32, n int) (*Output, error) {
	size := d.inputSize
	plane := size * size
	if len(images) != n*3*plane {
		return nil, fmt.Errorf("input length mismatch: expected %d, got %d", n*3*plane, len(images))
	}

	anchors := d.Anchors()
	outputs := 4 + d.numClasses
	x := make([]float32, n*anchors*d.features)
	z := make([]float32, len(x))
	out := &Output{N: n, Anchors: anchors, Channels: outputs, Data: make([]float32, n*anchors*outputs)}

	for b := 0; b < n; b++ {
		img := images[b*3*plane : (b+1)*3*plane]
		for gy := 0; gy < d.grid; gy++ {
			for gx := 0; gx < d.grid; gx++ {
				a := gy*d.grid + gx
				feat := x[(b*anchors+a)*d.features : (b*anchors+a+1)*d.features]
				d.poolCell(img, gx, gy, feat)

				norm := z[(b*anchors+a)*d.features : (b*anchors+a+1)*d.features]
				for f, v := range feat {
					norm[f] = v*d.norm.Data[f] + d.normBias.Data[f]
				}

				o := out.At(b, a)
				for k := 0; k < outputs; k++ {
					w := d.head.Data[k*d.features : (k+1)*d.features]
					sum := float64(d.headBias.Data[k])
					for f, v := range norm {
						sum += float64(w[f]) * float64(v)
					}
					o[k] = float32(sum)
				}
			}
		}
	}

	if d.training {
		out.cache = &gridCache{x: x, z: z}
	}
	return out, nil
}

// poolCell averages the pool x pool blocks of one cell for every channel.
func (d *GridDetector) poolCell(img []float32, gx, gy int, feat []float32) {
	size := d.inputSize
	plane := size * size
	for c := 0; c < 3; c++ {
		ch := img[c*plane : (c+1)*plane]
		for py := 0; py < d.pool; py++ {
			y0 := gy*Stride + py*Stride/d.pool
			y1 := gy*Stride + (py+1)*Stride/d.pool
			for px := 0; px < d.pool; px++ {
				x0 := gx*Stride + px*Stride/d.pool
				x1 := gx*Stride + (px+1)*Stride/d.pool
				var sum float64
				for y := y0; y < y1; y++ {
					row := ch[y*size : (y+1)*size]
					for xx := x0; xx < x1; xx++ {
						sum += float64(row[xx])
					}
				}
				feat[(c*d.pool+py)*d.pool+px] = float32(sum / float64((y1-y0)*(x1-x0)))
			}
		}
	}
}

func (d *GridDetector) Backward(out *Output, grad []float32, scale float32) error {
	cache, ok := out.cache.(*gridCache)
	if !ok {
		return fmt.Errorf("output was produced in evaluation mode")
	}
	if len(grad) != len(out.Data) {
		return fmt.Errorf("gradient length mismatch: expected %d, got %d", len(out.Data), len(grad))
	}

	dz := make([]float32, d.features)
	for b := 0; b < out.N; b++ {
		for a := 0; a < out.Anchors; a++ {
			off := (b*out.Anchors + a) * out.Channels
			foff := (b*out.Anchors + a) * d.features
			x := cache.x[foff : foff+d.features]
			z := cache.z[foff : foff+d.features]
			clear(dz)

			for k := 0; k < out.Channels; k++ {
				g := scale * grad[off+k]
				if d.precision == Half {
					g = float16.Fromfloat32(g).Float32()
				}
				if g == 0 {
					continue
				}
				d.headBias.Grad[k] += g
				w := d.head.Data[k*d.features : (k+1)*d.features]
				wg := d.head.Grad[k*d.features : (k+1)*d.features]
				for f := range z {
					wg[f] += g * z[f]
					dz[f] += w[f] * g
				}
			}
			for f := range dz {
				d.norm.Grad[f] += dz[f] * x[f]
				d.normBias.Grad[f] += dz[f]
			}
		}
	}
	return nil
}

func (d *GridDetector) Decode(out *Output) [][]detection.Prediction {
	size := float32(d.inputSize)
	preds := make([][]detection.Prediction, out.N)
	for b := 0; b < out.N; b++ {
		preds[b] = make([]detection.Prediction, out.Anchors)
		for a := 0; a < out.Anchors; a++ {
			o := out.At(b, a)
			gx, gy := float32(a%d.grid), float32(a/d.grid)
			scores := make([]float32, d.numClasses)
			for c := range scores {
				scores[c] = sigmoid32(o[4+c])
			}
			preds[b][a] = detection.Prediction{
				Box: detection.Box{
					CX: (gx + sigmoid32(o[0])) * Stride,
					CY: (gy + sigmoid32(o[1])) * Stride,
					W:  sigmoid32(o[2]) * size,
					H:  sigmoid32(o[3]) * size,
				},
				Scores: scores,
			}
		}
	}
	return preds
}

func (d *GridDetector) StateDict() StateDict {
	return StateDictOf(d.Parameters())
}

func (d *GridDetector) LoadStateDict(sd StateDict) error {
	return LoadStateDict(d.Parameters(), sd)
}

func (d *GridDetector) Clone() Module {
	c := *d
	c.norm = cloneParameter(d.norm)
	c.normBias = cloneParameter(d.normBias)
	c.head = cloneParameter(d.head)
	c.headBias = cloneParameter(d.headBias)
	return &c
}

func (d *GridDetector) FLOPs() int64 {
	anchors := int64(d.Anchors())
	pooling := int64(3 * d.inputSize * d.inputSize)
	perAnchor := int64(2*d.features) + int64(2*d.features*(4+d.numClasses))
	return pooling + anchors*perAnchor
}

func cloneParameter(p *Parameter) *Parameter {
	return &Parameter{
		Name:  p.Name,
		Shape: append([]int(nil), p.Shape...),
		Kind:  p.Kind,
		Data:  append([]float32(nil), p.Data...),
		Grad:  make([]float32, len(p.Grad)),
	}
}

func sigmoid32(v float32) float32 {
	return float32(sigmoid(float64(v)))
}

func sigmoid(v float64) float64 {
	return 1 / (1 + math.Exp(-v))
}
