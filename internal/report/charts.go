package report

import (
	"fmt"
	"io"
	"math"
	"sort"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/arkilian/tlt/internal/table"
	"github.com/arkilian/tlt/pkg/types"
)

// RenderConfig holds chart rendering parameters.
type RenderConfig struct {
	// WidthIn and HeightIn are the image size in inches
	WidthIn  float64
	HeightIn float64
	DPI      int

	UsageTitle   string
	LatencyTitle string
}

// DefaultRenderConfig returns a 6.4x4.8in, 100 DPI configuration.
func DefaultRenderConfig() RenderConfig {
	return RenderConfig{
		WidthIn:      6.4,
		HeightIn:     4.8,
		DPI:          100,
		UsageTitle:   "Feature Usage (Total Events)",
		LatencyTitle: "Latency by Feature (boxplot)",
	}
}

func (rc RenderConfig) withDefaults() RenderConfig {
	def := DefaultRenderConfig()
	if rc.WidthIn <= 0 {
		rc.WidthIn = def.WidthIn
	}
	if rc.HeightIn <= 0 {
		rc.HeightIn = def.HeightIn
	}
	if rc.DPI <= 0 {
		rc.DPI = def.DPI
	}
	if rc.UsageTitle == "" {
		rc.UsageTitle = def.UsageTitle
	}
	if rc.LatencyTitle == "" {
		rc.LatencyTitle = def.LatencyTitle
	}
	return rc
}

const barWidth = 20

// FeatureLatency holds the non-null latencies of one feature.
type FeatureLatency struct {
	FeatureID string
	Values    []float64
}

// LatencyByFeature groups latency_ms by feature_id, sorted by feature name.
// Features with no latency values are left out. ok is false when the table
// has no feature_id column.
func LatencyByFeature(events *table.Table) ([]FeatureLatency, bool) {
	features, ok := events.Column(types.ColFeatureID)
	if !ok {
		return nil, false
	}
	latency, hasLatency := events.Column(types.ColLatencyMS)
	if !hasLatency {
		return nil, true
	}

	byFeature := make(map[string][]float64)
	for i := 0; i < events.NumRows(); i++ {
		f, ok := stringAt(features, i)
		if !ok {
			continue
		}
		if v, ok := latency.Float(i); ok {
			byFeature[f] = append(byFeature[f], v)
		}
	}
	out := make([]FeatureLatency, 0, len(byFeature))
	for f, vals := range byFeature {
		out = append(out, FeatureLatency{FeatureID: f, Values: vals})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FeatureID < out[j].FeatureID })
	return out, true
}

func usagePlot(usage []FeatureCount, rc RenderConfig) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = rc.UsageTitle
	p.X.Label.Text = types.ColFeatureID
	p.Y.Label.Text = types.ColEvents
	rotateTicks(p)

	if len(usage) == 0 {
		return p, nil
	}
	values := make(plotter.Values, len(usage))
	names := make([]string, len(usage))
	for i, u := range usage {
		values[i] = float64(u.Events)
		names[i] = u.FeatureID
	}
	bars, err := plotter.NewBarChart(values, vg.Points(barWidth))
	if err != nil {
		return nil, fmt.Errorf("usage chart: %w", err)
	}
	bars.Color = plotutil.Color(0)
	bars.LineStyle.Width = 0
	p.Add(bars)
	p.NominalX(names...)
	p.Y.Min = 0
	return p, nil
}

func latencyPlot(groups []FeatureLatency, rc RenderConfig) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = rc.LatencyTitle
	p.Y.Label.Text = "Latency (ms)"
	rotateTicks(p)

	if len(groups) == 0 {
		return p, nil
	}
	names := make([]string, len(groups))
	for i, g := range groups {
		box, err := plotter.NewBoxPlot(vg.Points(barWidth), float64(i), plotter.Values(g.Values))
		if err != nil {
			return nil, fmt.Errorf("latency chart %s: %w", g.FeatureID, err)
		}
		// Outliers hidden; axis range follows the whiskers.
		box.Outside = nil
		box.Min, box.Max = box.AdjLow, box.AdjHigh
		box.FillColor = plotutil.Color(i)
		p.Add(box)
		names[i] = g.FeatureID
	}
	p.NominalX(names...)
	return p, nil
}

func rotateTicks(p *plot.Plot) {
	p.X.Tick.Label.Rotation = math.Pi / 4
	p.X.Tick.Label.XAlign = draw.XRight
	p.X.Tick.Label.YAlign = draw.YCenter
}

// renderPNG draws p at the configured size and resolution.
func renderPNG(w io.Writer, p *plot.Plot, rc RenderConfig) error {
	c := vgimg.NewWith(
		vgimg.UseWH(vg.Length(rc.WidthIn)*vg.Inch, vg.Length(rc.HeightIn)*vg.Inch),
		vgimg.UseDPI(rc.DPI),
	)
	p.Draw(draw.New(c))
	if _, err := (vgimg.PngCanvas{Canvas: c}).WriteTo(w); err != nil {
		return fmt.Errorf("encode png: %w", err)
	}
	return nil
}
