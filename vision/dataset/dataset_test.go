package dataset

import (
	"image/color"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
)

// writeSample creates root/images/train/<name>.png of w x h and, if labels is
// not empty, root/labels/train/<name>.txt.
func writeSample(t *testing.T, root, name string, w, h int, labels string) string {
	t.Helper()
	imgDir := filepath.Join(root, "images", "train")
	lblDir := filepath.Join(root, "labels", "train")
	for _, dir := range []string{imgDir, lblDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
	}
	path := filepath.Join(imgDir, name+".png")
	if err := imaging.Save(imaging.New(w, h, color.NRGBA{R: 200, G: 10, B: 10, A: 255}), path); err != nil {
		t.Fatal(err)
	}
	if labels != "" {
		if err := os.WriteFile(filepath.Join(lblDir, name+".txt"), []byte(labels), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return path
}

func TestReadFileListAndCheckFiles(t *testing.T) {
	root := t.TempDir()
	a := writeSample(t, root, "a", 8, 8, "")
	b := writeSample(t, root, "b", 8, 8, "")

	list := filepath.Join(root, "train.txt")
	content := "./images/train/a.png\n\n/elsewhere/images/train/b.png\n./images/train/missing.png\n"
	if err := os.WriteFile(list, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	paths, err := ReadFileList(list, filepath.Join(root, "images", "train"))
	if err != nil {
		t.Fatalf("ReadFileList: %v", err)
	}
	if len(paths) != 3 || paths[0] != a || paths[1] != b {
		t.Fatalf("paths = %v", paths)
	}

	report := CheckFiles(paths, 4)
	if report.Existing != 2 || report.Missing != 1 {
		t.Errorf("report = %+v", report)
	}
	if len(report.Present) != 2 || report.Present[0] != a || report.Present[1] != b {
		t.Errorf("present = %v", report.Present)
	}

	if _, err := ReadFileList(filepath.Join(root, "nope.txt"), root); err == nil {
		t.Error("expected error for missing list")
	}
}

func TestLabelPath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{filepath.FromSlash("/data/images/train2017/x.jpg"), filepath.FromSlash("/data/labels/train2017/x.txt")},
		{filepath.FromSlash("images/val/a.b.png"), filepath.FromSlash("labels/val/a.b.txt")},
		{filepath.FromSlash("/images/sub/images/val/y.jpeg"), filepath.FromSlash("/images/sub/labels/val/y.txt")},
	}
	for _, tt := range tests {
		if got := LabelPath(tt.in); got != tt.want {
			t.Errorf("LabelPath(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestWritePathLists(t *testing.T) {
	root := t.TempDir()
	writeSample(t, root, "b", 4, 4, "")
	writeSample(t, root, "a", 4, 4, "")
	os.WriteFile(filepath.Join(root, "images", "train", "notes.md"), []byte("x"), 0644)

	listings, err := WritePathLists(root, []string{"train", "val"})
	if err != nil {
		t.Fatalf("WritePathLists: %v", err)
	}
	if len(listings) != 2 || listings[0].Count != 2 || listings[1].Count != 0 {
		t.Fatalf("listings = %+v", listings)
	}
	data, _ := os.ReadFile(filepath.Join(root, "train_paths.txt"))
	if string(data) != "./images/train/a.png\n./images/train/b.png" {
		t.Errorf("train list = %q", data)
	}
}

func TestReadLabels(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "l.txt")
	os.WriteFile(path, []byte("1 0.5 0.5 0.2 0.4\n\n0 0.1 0.2 0.3 0.4\n"), 0644)
	labels, err := ReadLabels(path, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(labels) != 2 || labels[0].Class != 1 || labels[1].Box.W != 0.3 {
		t.Errorf("labels = %+v", labels)
	}

	if labels, err := ReadLabels(filepath.Join(dir, "none.txt"), 2); err != nil || labels != nil {
		t.Errorf("missing file: %v %v", labels, err)
	}

	bad := filepath.Join(dir, "bad.txt")
	os.WriteFile(bad, []byte("5 0.5 0.5 0.2 0.2\n"), 0644)
	if _, err := ReadLabels(bad, 2); err == nil {
		t.Error("expected class range error")
	}
	os.WriteFile(bad, []byte("0 0.5 0.5\n"), 0644)
	if _, err := ReadLabels(bad, 2); err == nil {
		t.Error("expected field count error")
	}
}

func approx(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-4
}

func TestDetectionDatasetLetterbox(t *testing.T) {
	root := t.TempDir()
	path := writeSample(t, root, "wide", 128, 64, "0 0.5 0.5 0.5 1.0\n")

	ds, err := NewDetectionDataset([]string{path}, Config{InputSize: 64, NumClasses: 1})
	if err != nil {
		t.Fatal(err)
	}
	if ds.Mosaic() || !ds.Deterministic() {
		t.Error("mosaic must be off without augmentation")
	}
	ds.SetMosaic(true)
	if ds.Mosaic() {
		t.Error("SetMosaic must not enable mosaic on a non-augmented dataset")
	}

	s, err := ds.Get(0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(s.Image) != 3*64*64 {
		t.Fatalf("image length %d", len(s.Image))
	}
	// top border row is padding, center is content
	if s.Image[0] != 114 || s.Image[32*64+32] < 190 {
		t.Errorf("pixels: border %v center %v", s.Image[0], s.Image[32*64+32])
	}
	if len(s.Labels) != 1 {
		t.Fatalf("labels = %+v", s.Labels)
	}
	b := s.Labels[0].Box
	if !approx(b.CX, 0.5) || !approx(b.CY, 0.5) || !approx(b.W, 0.5) || !approx(b.H, 0.5) {
		t.Errorf("letterboxed box = %+v", b)
	}

	if _, err := ds.Get(1); err == nil {
		t.Error("expected index error")
	}
}

func TestDetectionDatasetMosaic(t *testing.T) {
	root := t.TempDir()
	path := writeSample(t, root, "sq", 64, 64, "0 0.5 0.5 0.5 0.5\n")

	ds, err := NewDetectionDataset([]string{path}, Config{InputSize: 64, NumClasses: 1, Augment: true, MosaicProb: 1, Seed: 3})
	if err != nil {
		t.Fatal(err)
	}
	if !ds.Mosaic() {
		t.Fatal("mosaic should start enabled")
	}
	s, err := ds.Get(0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(s.Labels) != 4 {
		t.Fatalf("mosaic of one image should carry 4 labels, got %d", len(s.Labels))
	}
	wantCenters := [][2]float32{{0.25, 0.25}, {0.75, 0.25}, {0.25, 0.75}, {0.75, 0.75}}
	for i, l := range s.Labels {
		if !approx(l.Box.CX, wantCenters[i][0]) || !approx(l.Box.CY, wantCenters[i][1]) || !approx(l.Box.W, 0.25) {
			t.Errorf("tile %d box = %+v", i, l.Box)
		}
	}

	ds.SetMosaic(false)
	s, err = ds.Get(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Labels) != 1 || !ds.Deterministic() {
		t.Errorf("after disabling mosaic got %d labels", len(s.Labels))
	}
}
