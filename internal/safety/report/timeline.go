package report

import (
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/supervisor"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/zone"
)

// Timeline renders an HTML page with the scale and the zone of each sample
// against scheduling time.
func Timeline(title string, samples []supervisor.Sample, w io.Writer) error {
	if len(samples) == 0 {
		return ErrNoData
	}

	x := make([]string, len(samples))
	scale := make([]opts.LineData, len(samples))
	zones := make([]opts.LineData, len(samples))
	for i, s := range samples {
		x[i] = fmt.Sprintf("%.2f", s.SchedulingTime)
		scale[i] = opts.LineData{Value: s.Scale}
		zones[i] = opts.LineData{Value: int(s.Zone), Name: s.Zone.String()}
	}

	scaleChart := charts.NewLine()
	scaleChart.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "100%", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: "Velocity scale", Subtitle: fmt.Sprintf("%s samples=%d", title, len(samples))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (s)"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "scale", Min: 0, Max: 1}),
	)
	scaleChart.SetXAxis(x).AddSeries("scale", scale)

	zoneChart := charts.NewLine()
	zoneChart.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "300px"}),
		charts.WithTitleOpts(opts.Title{Title: "Zone", Subtitle: zoneLegend()}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (s)"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "zone", Min: int(zone.Blind), Max: int(zone.Safe)}),
	)
	zoneChart.SetXAxis(x).AddSeries("zone", zones)

	page := components.NewPage()
	page.PageTitle = title
	page.AddCharts(scaleChart, zoneChart)
	return page.Render(w)
}

func zoneLegend() string {
	s := ""
	for z := zone.Blind; z <= zone.Safe; z++ {
		if s != "" {
			s += " "
		}
		s += fmt.Sprintf("%d=%s", int(z), z)
	}
	return s
}
