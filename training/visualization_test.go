package training

import (
	"encoding/json"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/tsawler/go-detect/metrics"
)

func sampleRecords() []EpochRecord {
	return []EpochRecord{
		{Epoch: 1, MAP: 0.10},
		{Epoch: 2, MAP: 0.30},
		{Epoch: 3, MAP: 0.25},
		{Epoch: 4, MAP: 0.28},
	}
}

func TestMAPCurvePlot(t *testing.T) {
	pd := MAPCurvePlot(sampleRecords(), "s", 20)

	if pd.PlotType != MAPCurve || pd.Title != "mAP vs. Epochs" {
		t.Errorf("unexpected header %s / %q", pd.PlotType, pd.Title)
	}
	if pd.Subtitle != "YOLOv11 version s at 20 epochs" {
		t.Errorf("unexpected subtitle %q", pd.Subtitle)
	}
	if pd.Config.YMin == nil || *pd.Config.YMin != 0 || pd.Config.YMax == nil || *pd.Config.YMax != 1 {
		t.Error("expected a fixed 0..1 y range")
	}
	if len(pd.Series) != 2 {
		t.Fatalf("expected line and marker series, got %d", len(pd.Series))
	}

	line, marker := pd.Series[0], pd.Series[1]
	if line.Name != "mAP (last: 0.280, best: 0.300)" {
		t.Errorf("unexpected legend %q", line.Name)
	}
	if len(line.Data) != 4 || line.Data[2].X != 3 || line.Data[2].Y != 0.25 {
		t.Errorf("unexpected line data %+v", line.Data)
	}
	if marker.Name != "Best mAP at epoch 2" || marker.Type != "scatter" || marker.Color != "#ff0000" {
		t.Errorf("unexpected marker %+v", marker)
	}
	if len(marker.Data) != 1 || marker.Data[0] != (DataPoint{X: 2, Y: 0.30}) {
		t.Errorf("unexpected marker data %+v", marker.Data)
	}
	if pd.Metrics["best_epoch"] != 2 || pd.Metrics["last"] != 0.28 {
		t.Errorf("unexpected metrics %v", pd.Metrics)
	}
}

func TestMAPCurvePlotEmpty(t *testing.T) {
	pd := MAPCurvePlot(nil, "n", 5)
	if len(pd.Series) != 1 || len(pd.Series[0].Data) != 0 {
		t.Errorf("expected a single empty series, got %+v", pd.Series)
	}
	if _, err := RenderImage(pd); err != nil {
		t.Errorf("RenderImage on empty plot: %v", err)
	}
}

func TestPrecisionRecallPlot(t *testing.T) {
	curve := metrics.PRCurve{
		Recall:    []float64{0, 0.5, 1},
		Classes:   []int{0, 3},
		Precision: [][]float64{{1, 1, 0.5}, {1, 0.5, 0}},
		AP50:      []float64{0.9, 0.6},
	}
	pd := PrecisionRecallPlot(curve, map[int]string{0: "person"}, 0.75)

	if len(pd.Series) != 3 {
		t.Fatalf("expected 2 class curves and the mean, got %d", len(pd.Series))
	}
	if pd.Series[0].Name != "person 0.900" || pd.Series[1].Name != "3 0.600" {
		t.Errorf("unexpected class legends %q, %q", pd.Series[0].Name, pd.Series[1].Name)
	}
	all := pd.Series[2]
	if all.Name != "all classes 0.750 mAP@0.5" {
		t.Errorf("unexpected mean legend %q", all.Name)
	}
	want := []float64{1, 0.75, 0.25}
	for k, p := range all.Data {
		if p.X != curve.Recall[k] || p.Y != want[k] {
			t.Errorf("mean point %d = %+v, want (%g, %g)", k, p, curve.Recall[k], want[k])
		}
	}
}

func TestPlotDataToJSON(t *testing.T) {
	pd := MAPCurvePlot(sampleRecords(), "n", 4)
	s, err := pd.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}
	var back PlotData
	if err := json.Unmarshal([]byte(s), &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back.PlotType != MAPCurve || len(back.Series) != 2 || *back.Config.YMax != 1 {
		t.Errorf("unexpected decoded plot %+v", back)
	}
}

func TestRenderImageMarksBestEpoch(t *testing.T) {
	pd := MAPCurvePlot(sampleRecords(), "n", 4)
	img, err := RenderImage(pd)
	if err != nil {
		t.Fatalf("RenderImage: %v", err)
	}
	b := img.Bounds()
	if b.Dx() != 640 || b.Dy() != 480 {
		t.Fatalf("unexpected size %v", b)
	}

	h := pd.Config.Height
	area := &plotArea{
		x0:   plotMarginLeft,
		y0:   plotMarginTop,
		x1:   pd.Config.Width - plotMarginRight,
		y1:   h - (40 + 2*plotLegendRow),
		xmin: 1,
		xmax: 4,
		ymin: 0,
		ymax: 1,
	}
	x, y := area.px(2, 0.30)
	if got := img.NRGBAAt(x, y); got != (color.NRGBA{255, 0, 0, 255}) {
		t.Errorf("expected red best marker at (%d, %d), got %v", x, y, got)
	}
	if got := img.NRGBAAt(1, 1); got != (color.NRGBA{255, 255, 255, 255}) {
		t.Errorf("expected white background, got %v", got)
	}
}

func TestRenderImageRejectsBadSize(t *testing.T) {
	if _, err := RenderImage(PlotData{}); err == nil {
		t.Error("expected error for zero size")
	}
	if _, err := RenderImage(PlotData{Config: PlotConfig{Width: 80, Height: 60}}); err == nil {
		t.Error("expected error for a size that leaves no plot area")
	}
}

func TestRenderPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map.png")
	if err := RenderPNG(MAPCurvePlot(sampleRecords(), "n", 4), path); err != nil {
		t.Fatalf("RenderPNG: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) < 8 || string(data[1:4]) != "PNG" {
		t.Error("output is not a PNG file")
	}
}
