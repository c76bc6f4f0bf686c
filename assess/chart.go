package assess

import (
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

var chartColors = []color.Color{
	color.RGBA{R: 31, G: 119, B: 180, A: 255}, // precision
	color.RGBA{R: 255, G: 127, B: 14, A: 255}, // recall
	color.RGBA{R: 44, G: 160, B: 44, A: 255},  // F1
}

// RenderMetricsChart saves a grouped bar chart of precision, recall and F1
// per metrics row (ALL first). The image format follows the file extension.
func RenderMetricsChart(path string, rows []Metrics) error {
	if len(rows) == 0 {
		return fmt.Errorf("no metrics to chart")
	}

	p := plot.New()
	p.Title.Text = "Detection quality per sector"
	p.Y.Label.Text = "score"
	p.Y.Min = 0
	p.Y.Max = 1.05
	p.Legend.Top = true

	series := []struct {
		name  string
		value func(Metrics) float64
	}{
		{"precision", func(m Metrics) float64 { return m.Precision }},
		{"recall", func(m Metrics) float64 { return m.Recall }},
		{"F1", func(m Metrics) float64 { return m.F1 }},
	}

	labels := make([]string, len(rows))
	for i, m := range rows {
		labels[i] = m.Sector
	}

	w := vg.Points(12)
	for i, s := range series {
		values := make(plotter.Values, len(rows))
		for j, m := range rows {
			values[j] = s.value(m)
		}
		bars, err := plotter.NewBarChart(values, w)
		if err != nil {
			return fmt.Errorf("building %s bars: %w", s.name, err)
		}
		bars.LineStyle.Width = vg.Length(0)
		bars.Color = chartColors[i%len(chartColors)]
		bars.Offset = vg.Length(i-1) * w
		p.Add(bars)
		p.Legend.Add(s.name, bars)
	}
	p.NominalX(labels...)

	width := vg.Length(len(rows))*4*w + 2*vg.Inch
	if width < 6*vg.Inch {
		width = 6 * vg.Inch
	}
	if err := p.Save(width, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("saving chart %s: %w", path, err)
	}
	return nil
}
