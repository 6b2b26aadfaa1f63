package preprocessing

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
)

// PadColor fills the letterbox border.
var PadColor = color.NRGBA{R: 114, G: 114, B: 114, A: 255}

// Transform maps normalized source coordinates onto the letterboxed canvas.
type Transform struct {
	Size  int
	Scale float64 // source pixels to canvas pixels
	PadX  int
	PadY  int
	SrcW  int
	SrcH  int
}

// Apply maps a box normalized to the source image onto a box normalized to
// the canvas.
func (t Transform) Apply(cx, cy, w, h float32) (float32, float32, float32, float32) {
	size := float64(t.Size)
	sw := float64(t.SrcW) * t.Scale
	sh := float64(t.SrcH) * t.Scale
	return float32((float64(cx)*sw + float64(t.PadX)) / size),
		float32((float64(cy)*sh + float64(t.PadY)) / size),
		float32(float64(w) * sw / size),
		float32(float64(h) * sh / size)
}

// LoadImage decodes a JPEG or PNG file, honouring EXIF orientation.
func LoadImage(path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to load image %s: %w", path, err)
	}
	return img, nil
}

// Letterbox resizes img to fit a size x size canvas keeping its aspect ratio
// and centers it on a gray border.
func Letterbox(img image.Image, size int) (*image.NRGBA, Transform) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	t := Transform{Size: size, SrcW: w, SrcH: h, Scale: 1}
	canvas := imaging.New(size, size, PadColor)
	if w == 0 || h == 0 {
		return canvas, t
	}

	t.Scale = float64(size) / float64(max(w, h))
	nw := max(int(float64(w)*t.Scale+0.5), 1)
	nh := max(int(float64(h)*t.Scale+0.5), 1)
	t.PadX = (size - nw) / 2
	t.PadY = (size - nh) / 2

	resized := imaging.Resize(img, nw, nh, imaging.Linear)
	return imaging.Paste(canvas, resized, image.Pt(t.PadX, t.PadY)), t
}

// ToCHW writes the RGB planes of img into dst as raw 0..255 intensities.
// dst must hold 3*w*h values.
func ToCHW(img *image.NRGBA, dst []float32) error {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	if len(dst) != 3*plane {
		return fmt.Errorf("destination holds %d values, need %d", len(dst), 3*plane)
	}
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			px := row[4*x:]
			i := y*w + x
			dst[i] = float32(px[0])
			dst[plane+i] = float32(px[1])
			dst[2*plane+i] = float32(px[2])
		}
	}
	return nil
}
