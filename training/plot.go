package training

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/anthonynsimon/bild/imgio"
	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	plotMarginLeft  = 56
	plotMarginRight = 24
	plotMarginTop   = 52
	plotLegendRow   = 16
	plotTicks       = 5
)

var (
	plotAxisColor = color.NRGBA{0, 0, 0, 255}
	plotGridColor = color.NRGBA{225, 225, 225, 255}
	plotTextColor = color.NRGBA{30, 30, 30, 255}
)

type plotArea struct {
	img                    *image.NRGBA
	x0, y0, x1, y1         int // inner plot rectangle in pixels
	xmin, xmax, ymin, ymax float64
}

func (a *plotArea) px(x, y float64) (int, int) {
	fx := (x - a.xmin) / (a.xmax - a.xmin)
	fy := (y - a.ymin) / (a.ymax - a.ymin)
	return a.x0 + int(math.Round(fx*float64(a.x1-a.x0))), a.y1 - int(math.Round(fy*float64(a.y1-a.y0)))
}

// RenderPNG draws line and scatter series of pd onto a white canvas and
// saves it as PNG at path.
func RenderPNG(pd PlotData, path string) error {
	img, err := RenderImage(pd)
	if err != nil {
		return err
	}
	if err := imgio.Save(path, img, imgio.PNGEncoder()); err != nil {
		return fmt.Errorf("failed to save plot %s: %w", path, err)
	}
	return nil
}

// RenderImage rasterizes pd.
func RenderImage(pd PlotData) (*image.NRGBA, error) {
	w, h := pd.Config.Width, pd.Config.Height
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("invalid plot size %dx%d", w, h)
	}

	legend := 0
	if pd.Config.ShowLegend {
		for _, s := range pd.Series {
			if s.Name != "" {
				legend++
			}
		}
	}
	bottom := 40 + legend*plotLegendRow
	if h-plotMarginTop-bottom < 40 || w-plotMarginLeft-plotMarginRight < 40 {
		return nil, fmt.Errorf("plot size %dx%d too small", w, h)
	}

	area := &plotArea{
		img: imaging.New(w, h, color.White),
		x0:  plotMarginLeft,
		y0:  plotMarginTop,
		x1:  w - plotMarginRight,
		y1:  h - bottom,
	}
	area.xmin, area.xmax, area.ymin, area.ymax = dataRange(pd)

	colors := seriesColors(pd.Series)
	area.drawGrid(pd.Config)
	for i, s := range pd.Series {
		switch s.Type {
		case "scatter":
			for _, p := range s.Data {
				x, y := area.px(p.X, p.Y)
				fillCircle(area.img, x, y, 4, colors[i])
			}
		default:
			for k := 1; k < len(s.Data); k++ {
				ax, ay := area.px(s.Data[k-1].X, s.Data[k-1].Y)
				bx, by := area.px(s.Data[k].X, s.Data[k].Y)
				drawLine(area.img, ax, ay, bx, by, colors[i])
				drawLine(area.img, ax, ay+1, bx, by+1, colors[i])
			}
			if len(s.Data) == 1 {
				x, y := area.px(s.Data[0].X, s.Data[0].Y)
				fillCircle(area.img, x, y, 2, colors[i])
			}
		}
	}

	drawCentered(area.img, w/2, 18, pd.Title)
	if pd.Subtitle != "" {
		drawCentered(area.img, w/2, 38, pd.Subtitle)
	}
	drawCentered(area.img, (area.x0+area.x1)/2, area.y1+34, pd.Config.XAxisLabel)
	drawText(area.img, 4, plotMarginTop-6, pd.Config.YAxisLabel)

	row := area.y1 + 34 + plotLegendRow
	if pd.Config.ShowLegend {
		for i, s := range pd.Series {
			if s.Name == "" {
				continue
			}
			fillRect(area.img, area.x0, row-9, 14, 6, colors[i])
			drawText(area.img, area.x0+20, row, s.Name)
			row += plotLegendRow
		}
	}
	return area.img, nil
}

func dataRange(pd PlotData) (xmin, xmax, ymin, ymax float64) {
	xmin, ymin = math.Inf(1), math.Inf(1)
	xmax, ymax = math.Inf(-1), math.Inf(-1)
	for _, s := range pd.Series {
		for _, p := range s.Data {
			xmin, xmax = math.Min(xmin, p.X), math.Max(xmax, p.X)
			ymin, ymax = math.Min(ymin, p.Y), math.Max(ymax, p.Y)
		}
	}
	if math.IsInf(xmin, 1) {
		xmin, xmax, ymin, ymax = 0, 1, 0, 1
	}
	if pd.Config.YMin != nil {
		ymin = *pd.Config.YMin
	}
	if pd.Config.YMax != nil {
		ymax = *pd.Config.YMax
	}
	if xmax <= xmin {
		xmin, xmax = xmin-1, xmax+1
	}
	if ymax <= ymin {
		ymin, ymax = ymin-1, ymax+1
	}
	return xmin, xmax, ymin, ymax
}

func seriesColors(series []SeriesData) []color.Color {
	out := make([]color.Color, len(series))
	for i, s := range series {
		if s.Color != "" {
			if c, err := colorful.Hex(s.Color); err == nil {
				out[i] = c
				continue
			}
		}
		hue := 360 * float64(i) / float64(max(len(series), 1))
		out[i] = colorful.Hsv(hue, 0.75, 0.8).Clamped()
	}
	return out
}

func (a *plotArea) drawGrid(cfg PlotConfig) {
	for i := 0; i <= plotTicks; i++ {
		fx := a.xmin + (a.xmax-a.xmin)*float64(i)/plotTicks
		fy := a.ymin + (a.ymax-a.ymin)*float64(i)/plotTicks
		x, _ := a.px(fx, a.ymin)
		_, y := a.px(a.xmin, fy)
		if cfg.ShowGrid {
			drawLine(a.img, x, a.y0, x, a.y1, plotGridColor)
			drawLine(a.img, a.x0, y, a.x1, y, plotGridColor)
		}
		drawCentered(a.img, x, a.y1+16, formatTick(fx))
		label := formatTick(fy)
		drawText(a.img, a.x0-6-7*len(label), y+4, label)
	}
	drawLine(a.img, a.x0, a.y0, a.x0, a.y1, plotAxisColor)
	drawLine(a.img, a.x0, a.y1, a.x1, a.y1, plotAxisColor)
}

func formatTick(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) >= 1 {
		return fmt.Sprintf("%.0f", v)
	}
	return fmt.Sprintf("%.2f", v)
}

func drawText(img *image.NRGBA, x, y int, text string) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(plotTextColor),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

func drawCentered(img *image.NRGBA, cx, y int, text string) {
	width := font.MeasureString(basicfont.Face7x13, text).Ceil()
	drawText(img, cx-width/2, y, text)
}

// drawLine rasterizes a one pixel line with Bresenham's algorithm.
func drawLine(img *image.NRGBA, x0, y0, x1, y1 int, c color.Color) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	e := dx + dy
	for {
		img.Set(x0, y0, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

func fillCircle(img *image.NRGBA, cx, cy, r int, c color.Color) {
	for y := -r; y <= r; y++ {
		for x := -r; x <= r; x++ {
			if x*x+y*y <= r*r {
				img.Set(cx+x, cy+y, c)
			}
		}
	}
}

func fillRect(img *image.NRGBA, x, y, w, h int, c color.Color) {
	for j := y; j < y+h; j++ {
		for i := x; i < x+w; i++ {
			img.Set(i, j, c)
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
