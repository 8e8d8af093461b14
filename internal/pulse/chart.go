package pulse

import (
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// RenderPowerChart writes an HTML page with one line per channel showing
// power against gate number.
func (p *Pulse) RenderPowerChart(w io.Writer) error {
	gates := make([]int, p.NGates)
	for g := range gates {
		gates[g] = g
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Pulse power", Theme: "dark", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("Pulse %d", p.PulseSeq),
			Subtitle: fmt.Sprintf("az %.2f el %.2f, %d gates", p.Azimuth, p.Elevation, p.NGates),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Gate", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Power (dB)", NameLocation: "middle", NameGap: 40}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "inside"}),
	)
	line.SetXAxis(gates)

	for ch := 0; ch < p.NChannels; ch++ {
		pw, err := p.PowerDb(ch)
		if err != nil {
			return err
		}
		data := make([]opts.LineData, len(pw))
		for g, v := range pw {
			data[g] = opts.LineData{Value: v}
		}
		line.AddSeries(fmt.Sprintf("ch%d", ch), data, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	}

	if err := line.Render(w); err != nil {
		return fmt.Errorf("render power chart: %w", err)
	}
	return nil
}
