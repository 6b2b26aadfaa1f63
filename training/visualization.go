package training

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tsawler/go-detect/metrics"
)

// PlotType represents different types of plots that can be generated
type PlotType string

const (
	MAPCurve        PlotType = "map_vs_epochs"
	PrecisionRecall PlotType = "precision_recall"
)

// PlotData is the JSON document rendered to PNG locally and sent to the
// plotting sidecar.
type PlotData struct {
	// Metadata
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Subtitle  string    `json:"subtitle,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name"`

	Series []SeriesData `json:"series"`
	Config PlotConfig   `json:"config"`

	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name  string      `json:"name"`
	Type  string      `json:"type"` // "line" or "scatter"
	Data  []DataPoint `json:"data"`
	Color string      `json:"color,omitempty"`
}

// DataPoint represents a single data point
type DataPoint struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Label string  `json:"label,omitempty"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel string   `json:"x_axis_label"`
	YAxisLabel string   `json:"y_axis_label"`
	YMin       *float64 `json:"y_min,omitempty"`
	YMax       *float64 `json:"y_max,omitempty"`
	ShowLegend bool     `json:"show_legend"`
	ShowGrid   bool     `json:"show_grid"`
	Width      int      `json:"width"`
	Height     int      `json:"height"`
}

func unitRange() (*float64, *float64) {
	lo, hi := 0.0, 1.0
	return &lo, &hi
}

// MAPCurvePlot builds the mAP-versus-epoch plot of a run, with the best
// epoch highlighted.
func MAPCurvePlot(records []EpochRecord, variant string, epochs int) PlotData {
	line := SeriesData{Type: "line", Color: "#1f77b4"}
	best := NewRunBest()
	for _, r := range records {
		line.Data = append(line.Data, DataPoint{X: float64(r.Epoch), Y: r.MAP})
		best, _ = best.Observe(r.MAP, r.Epoch)
	}

	pd := PlotData{
		PlotType:  MAPCurve,
		Title:     "mAP vs. Epochs",
		Subtitle:  fmt.Sprintf("YOLOv11 version %s at %d epochs", variant, epochs),
		Timestamp: time.Now(),
		ModelName: variant,
		Config: PlotConfig{
			XAxisLabel: "Epoch",
			YAxisLabel: "mAP",
			ShowLegend: true,
			ShowGrid:   true,
			Width:      640,
			Height:     480,
		},
	}
	pd.Config.YMin, pd.Config.YMax = unitRange()

	if len(records) == 0 {
		pd.Series = []SeriesData{line}
		return pd
	}

	last := records[len(records)-1].MAP
	line.Name = fmt.Sprintf("mAP (last: %.3f, best: %.3f)", last, best.Value)
	marker := SeriesData{
		Name:  fmt.Sprintf("Best mAP at epoch %d", best.Epoch),
		Type:  "scatter",
		Color: "#ff0000",
		Data:  []DataPoint{{X: float64(best.Epoch), Y: best.Value}},
	}
	pd.Series = []SeriesData{line, marker}
	pd.Metrics = map[string]float64{"last": last, "best": best.Value, "best_epoch": float64(best.Epoch)}
	return pd
}

// PrecisionRecallPlot builds the per-class precision-recall curves at IoU
// 0.5 together with their mean.
func PrecisionRecallPlot(curve metrics.PRCurve, names map[int]string, map50 float64) PlotData {
	pd := PlotData{
		PlotType:  PrecisionRecall,
		Title:     "Precision-Recall Curve",
		Timestamp: time.Now(),
		Config: PlotConfig{
			XAxisLabel: "Recall",
			YAxisLabel: "Precision",
			ShowLegend: true,
			ShowGrid:   true,
			Width:      640,
			Height:     640,
		},
	}
	pd.Config.YMin, pd.Config.YMax = unitRange()

	if len(curve.Precision) == 0 {
		return pd
	}

	meanCurve := make([]float64, len(curve.Recall))
	for ci, class := range curve.Classes {
		s := SeriesData{Type: "line", Color: "#b0b0b0"}
		// a legend entry per class is only readable for small class counts
		if len(curve.Classes) < 21 {
			name := names[class]
			if name == "" {
				name = fmt.Sprint(class)
			}
			s.Name = fmt.Sprintf("%s %.3f", name, curve.AP50[ci])
			s.Color = ""
		}
		for k, r := range curve.Recall {
			s.Data = append(s.Data, DataPoint{X: r, Y: curve.Precision[ci][k]})
			meanCurve[k] += curve.Precision[ci][k] / float64(len(curve.Classes))
		}
		pd.Series = append(pd.Series, s)
	}

	all := SeriesData{Name: fmt.Sprintf("all classes %.3f mAP@0.5", map50), Type: "line", Color: "#1f77b4"}
	for k, r := range curve.Recall {
		all.Data = append(all.Data, DataPoint{X: r, Y: meanCurve[k]})
	}
	pd.Series = append(pd.Series, all)
	pd.Metrics = map[string]float64{"mAP50": map50}
	return pd
}

// ToJSON converts plot data to JSON string
func (pd PlotData) ToJSON() (string, error) {
	jsonData, err := json.MarshalIndent(pd, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal plot data to JSON: %w", err)
	}
	return string(jsonData), nil
}
