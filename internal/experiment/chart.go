package experiment

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Default chart size.
const (
	ChartWidth  = 6 * vg.Inch
	ChartHeight = 4 * vg.Inch
)

// Series is one named curve; point i is plotted at x = i+1.
type Series struct {
	Name   string
	Values []float64
}

// WriteChart renders p into rel. The format follows the extension
// (png, svg, pdf).
func (c *Context) WriteChart(ctx context.Context, rel string, p *plot.Plot, w, h vg.Length) error {
	format := path.Ext(rel)
	if format == "" {
		return fmt.Errorf("chart %s: missing extension", rel)
	}
	wt, err := p.WriterTo(w, h, format[1:])
	if err != nil {
		return fmt.Errorf("render chart %s: %w", rel, err)
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return fmt.Errorf("render chart %s: %w", rel, err)
	}
	return c.WriteBytes(ctx, rel, buf.Bytes())
}

// WriteLineChart plots series against their index.
func (c *Context) WriteLineChart(ctx context.Context, rel, title, xLabel, yLabel string, series ...Series) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xLabel
	p.Y.Label.Text = yLabel

	args := make([]any, 0, 2*len(series))
	for _, s := range series {
		pts := make(plotter.XYs, len(s.Values))
		for i, v := range s.Values {
			pts[i].X = float64(i + 1)
			pts[i].Y = v
		}
		args = append(args, s.Name, pts)
	}
	if err := plotutil.AddLinePoints(p, args...); err != nil {
		return fmt.Errorf("chart %s: %w", rel, err)
	}
	return c.WriteChart(ctx, rel, p, ChartWidth, ChartHeight)
}

// WriteBarChart plots one bar per label.
func (c *Context) WriteBarChart(ctx context.Context, rel, title, yLabel string, labels []string, values []float64) error {
	if len(labels) != len(values) {
		return fmt.Errorf("chart %s: %d labels for %d values", rel, len(labels), len(values))
	}
	p := plot.New()
	p.Title.Text = title
	p.Y.Label.Text = yLabel

	bars, err := plotter.NewBarChart(plotter.Values(values), vg.Points(20))
	if err != nil {
		return fmt.Errorf("chart %s: %w", rel, err)
	}
	bars.Color = plotutil.Color(0)
	p.Add(bars)
	p.NominalX(labels...)
	return c.WriteChart(ctx, rel, p, ChartWidth, ChartHeight)
}
