// Package report renders charts of recorded supervisor runs: PNG plots for
// offline review and an HTML timeline.
package report

import (
	"errors"
	"fmt"
	"image/color"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/supervisor"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/zone"
)

// ErrNoData is returned when there is nothing to plot.
var ErrNoData = errors.New("report: no data")

const histogramBins = 40

var zoneColors = map[zone.Zone]color.Color{
	zone.Blind:     color.RGBA{R: 0x55, G: 0x00, B: 0x55, A: 0xff},
	zone.Emergency: color.RGBA{R: 0xd6, G: 0x27, B: 0x28, A: 0xff},
	zone.SlowDown:  color.RGBA{R: 0xff, G: 0x7f, B: 0x0e, A: 0xff},
	zone.Replan:    color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff},
	zone.Safe:      color.RGBA{R: 0x2c, G: 0xa0, B: 0x2c, A: 0xff},
}

// LatencyHistogram writes a histogram of tick latencies in microseconds.
func LatencyHistogram(latencies []time.Duration, period time.Duration, path string) error {
	if len(latencies) == 0 {
		return ErrNoData
	}
	values := make(plotter.Values, len(latencies))
	for i, d := range latencies {
		values[i] = float64(d) / float64(time.Microsecond)
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Tick latency (%d ticks)", len(latencies))
	p.X.Label.Text = "Latency (µs)"
	p.Y.Label.Text = "Ticks"

	h, err := plotter.NewHist(values, histogramBins)
	if err != nil {
		return err
	}
	h.FillColor = color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff}
	p.Add(h)

	if period > 0 {
		us := float64(period) / float64(time.Microsecond)
		line, err := plotter.NewLine(plotter.XYs{{X: us, Y: 0}, {X: us, Y: maxCount(h)}})
		if err != nil {
			return err
		}
		line.Color = zoneColors[zone.Emergency]
		line.Width = vg.Points(1)
		line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(line)
		p.Legend.Add("period", line)
		p.Legend.Top = true
	}

	if err := p.Save(10*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

func maxCount(h *plotter.Histogram) float64 {
	m := 0.0
	for _, b := range h.Bins {
		m = max(m, b.Weight)
	}
	return m
}

// ScaleProfile writes the sampled velocity scale over scheduling time with
// zone transitions marked in their zone colour.
func ScaleProfile(samples []supervisor.Sample, transitions []supervisor.Transition, path string) error {
	if len(samples) == 0 {
		return ErrNoData
	}

	p := plot.New()
	p.Title.Text = "Velocity scale"
	p.X.Label.Text = "Scheduling time (s)"
	p.Y.Label.Text = "Scale"
	p.Y.Min = 0
	p.Y.Max = 1.05

	pts := make(plotter.XYs, len(samples))
	for i, s := range samples {
		pts[i] = plotter.XY{X: s.SchedulingTime, Y: s.Scale}
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.Width = vg.Points(1.5)
	p.Add(line)
	p.Legend.Add("scale", line)

	byZone := map[zone.Zone]plotter.XYs{}
	for _, t := range transitions {
		byZone[t.To] = append(byZone[t.To], plotter.XY{X: t.SchedulingTime, Y: t.Scale})
	}
	for z := zone.Blind; z <= zone.Safe; z++ {
		xys, ok := byZone[z]
		if !ok {
			continue
		}
		sc, err := plotter.NewScatter(xys)
		if err != nil {
			return err
		}
		sc.GlyphStyle.Color = zoneColors[z]
		sc.GlyphStyle.Radius = vg.Points(3)
		p.Add(sc)
		p.Legend.Add("→ "+z.String(), sc)
	}
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	if err := p.Save(14*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}
