package dataset

import (
	"bufio"
	"fmt"
	"image"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/disintegration/imaging"

	"github.com/tsawler/go-detect/detection"
	"github.com/tsawler/go-detect/vision/preprocessing"
)

// Sample is one letterboxed image with its labels normalized to the canvas.
type Sample struct {
	Path   string
	Image  []float32 // CHW, raw 0..255
	Labels []detection.Label
}

// Config controls a DetectionDataset.
type Config struct {
	InputSize  int
	NumClasses int

	// Augment enables mosaic composition with probability MosaicProb
	Augment    bool
	MosaicProb float64

	Seed uint64
}

// DetectionDataset loads images and YOLO label files on demand.
type DetectionDataset struct {
	paths  []string
	config Config

	mosaic atomic.Bool
	epoch  atomic.Int64
}

// NewDetectionDataset creates a dataset over image paths. Label files are
// located with LabelPath; a missing label file means an image without
// objects.
func NewDetectionDataset(paths []string, config Config) (*DetectionDataset, error) {
	if config.InputSize <= 0 {
		return nil, fmt.Errorf("input size must be > 0, got %d", config.InputSize)
	}
	if config.NumClasses <= 0 {
		return nil, fmt.Errorf("number of classes must be > 0, got %d", config.NumClasses)
	}
	d := &DetectionDataset{
		paths:  append([]string(nil), paths...),
		config: config,
	}
	d.mosaic.Store(config.Augment && config.MosaicProb > 0)
	return d, nil
}

// Len returns the number of samples.
func (d *DetectionDataset) Len() int {
	return len(d.paths)
}

// Path returns the image path of sample index.
func (d *DetectionDataset) Path(index int) string {
	return d.paths[index]
}

// SetEpoch selects the random stream used for mosaic composition.
func (d *DetectionDataset) SetEpoch(epoch int) {
	d.epoch.Store(int64(epoch))
}

// SetMosaic toggles mosaic composition. It has no effect on a dataset
// created without augmentation.
func (d *DetectionDataset) SetMosaic(enabled bool) {
	d.mosaic.Store(enabled && d.config.Augment && d.config.MosaicProb > 0)
}

// Mosaic reports whether mosaic composition is active.
func (d *DetectionDataset) Mosaic() bool {
	return d.mosaic.Load()
}

// Deterministic reports whether Get returns the same sample for an index
// on every call.
func (d *DetectionDataset) Deterministic() bool {
	return !d.Mosaic()
}

// Get loads sample index.
func (d *DetectionDataset) Get(index int) (Sample, error) {
	if index < 0 || index >= len(d.paths) {
		return Sample{}, fmt.Errorf("index %d out of range [0, %d)", index, len(d.paths))
	}

	size := d.config.InputSize
	if d.Mosaic() {
		rng := rand.New(rand.NewPCG(d.config.Seed^uint64(d.epoch.Load()), uint64(index)))
		if rng.Float64() < d.config.MosaicProb {
			return d.loadMosaic(index, rng)
		}
	}

	canvas, labels, err := d.loadTile(index, size)
	if err != nil {
		return Sample{}, err
	}
	s := Sample{Path: d.paths[index], Image: make([]float32, 3*size*size), Labels: labels}
	if err := preprocessing.ToCHW(canvas, s.Image); err != nil {
		return Sample{}, err
	}
	return s, nil
}

// loadTile letterboxes one image to size x size and maps its labels.
func (d *DetectionDataset) loadTile(index, size int) (*image.NRGBA, []detection.Label, error) {
	path := d.paths[index]
	img, err := preprocessing.LoadImage(path)
	if err != nil {
		return nil, nil, err
	}
	labels, err := ReadLabels(LabelPath(path), d.config.NumClasses)
	if err != nil {
		return nil, nil, err
	}

	canvas, tr := preprocessing.Letterbox(img, size)
	for i, l := range labels {
		cx, cy, w, h := tr.Apply(l.Box.CX, l.Box.CY, l.Box.W, l.Box.H)
		labels[i].Box = detection.Box{CX: cx, CY: cy, W: w, H: h}
	}
	return canvas, labels, nil
}

// loadMosaic places the sample and three random others in the quadrants of
// the canvas.
func (d *DetectionDataset) loadMosaic(index int, rng *rand.Rand) (Sample, error) {
	size := d.config.InputSize
	half := size / 2
	canvas := imaging.New(size, size, preprocessing.PadColor)

	indices := []int{index, rng.IntN(len(d.paths)), rng.IntN(len(d.paths)), rng.IntN(len(d.paths))}
	var labels []detection.Label
	for q, idx := range indices {
		tile, tileLabels, err := d.loadTile(idx, half)
		if err != nil {
			return Sample{}, err
		}
		ox, oy := (q%2)*half, (q/2)*half
		canvas = imaging.Paste(canvas, tile, image.Pt(ox, oy))

		scale := float32(half) / float32(size)
		for _, l := range tileLabels {
			labels = append(labels, detection.Label{
				Class: l.Class,
				Box: detection.Box{
					CX: l.Box.CX*scale + float32(ox)/float32(size),
					CY: l.Box.CY*scale + float32(oy)/float32(size),
					W:  l.Box.W * scale,
					H:  l.Box.H * scale,
				},
			})
		}
	}

	s := Sample{Path: d.paths[index], Image: make([]float32, 3*size*size), Labels: labels}
	if err := preprocessing.ToCHW(canvas, s.Image); err != nil {
		return Sample{}, err
	}
	return s, nil
}

// ReadLabels parses a YOLO label file: one "class cx cy w h" line per object
// with coordinates normalized to the image. A missing file yields no labels.
func ReadLabels(path string, numClasses int) ([]detection.Label, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open labels: %w", err)
	}
	defer f.Close()

	var labels []detection.Label
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 5 {
			return nil, fmt.Errorf("%s:%d: expected 5 fields, got %d", path, line, len(fields))
		}
		class, err := strconv.Atoi(fields[0])
		if err != nil || class < 0 || class >= numClasses {
			return nil, fmt.Errorf("%s:%d: invalid class %q", path, line, fields[0])
		}
		var v [4]float32
		for i := range v {
			f, err := strconv.ParseFloat(fields[i+1], 32)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: %v", path, line, err)
			}
			v[i] = float32(f)
		}
		labels = append(labels, detection.Label{Class: class, Box: detection.Box{CX: v[0], CY: v[1], W: v[2], H: v[3]}})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read labels %s: %w", path, err)
	}
	return labels, nil
}
