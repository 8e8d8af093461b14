package pulse

import (
	"fmt"
	"image/color"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/pulsereader/internal/packet"
)

// noiseFloorDb replaces the power of gates with zero IQ magnitude.
const noiseFloorDb = -200.0

// PowerDb returns the per-gate power, 10*log10(I^2+Q^2), for one channel.
// It converts the samples on demand when IQ is not already filled.
func (p *Pulse) PowerDb(channel int) ([]float64, error) {
	if channel < 0 || channel >= p.NChannels {
		return nil, fmt.Errorf("channel %d out of range [0,%d)", channel, p.NChannels)
	}
	iq := p.IQ
	if iq == nil {
		iq = p.samples()
	}
	out := make([]float64, p.NGates)
	base := channel * p.NGates * 2
	for g := range out {
		i := float64(iq[base+2*g])
		q := float64(iq[base+2*g+1])
		pw := i*i + q*q
		if pw <= 0 {
			out[g] = noiseFloorDb
			continue
		}
		out[g] = 10 * math.Log10(pw)
	}
	return out, nil
}

func (p *Pulse) samples() []float32 {
	return Convert(packet.PulseHeader{
		NData:    int32(p.NGates * p.NChannels * 2),
		Encoding: p.Encoding,
		Scale:    p.Scale,
		Offset:   p.Offset,
		Data:     p.Raw,
	}, p.Order)
}

// Summary describes the power profile of one pulse channel.
type Summary struct {
	MeanDb  float64
	StdDb   float64
	MaxDb   float64
	MaxGate int
}

// Summarize computes power statistics for one channel.
func (p *Pulse) Summarize(channel int) (Summary, error) {
	pw, err := p.PowerDb(channel)
	if err != nil {
		return Summary{}, err
	}
	if len(pw) == 0 {
		return Summary{}, nil
	}
	mean, std := stat.MeanStdDev(pw, nil)
	if len(pw) == 1 {
		std = 0
	}
	return Summary{
		MeanDb:  mean,
		StdDb:   std,
		MaxDb:   floats.Max(pw),
		MaxGate: floats.MaxIdx(pw),
	}, nil
}

// SavePowerPlot writes a PNG with one line per channel showing power
// against gate number.
func (p *Pulse) SavePowerPlot(path string) error {
	pl := plot.New()
	pl.Title.Text = fmt.Sprintf("Pulse %d - az %.2f el %.2f", p.PulseSeq, p.Azimuth, p.Elevation)
	pl.X.Label.Text = "Gate"
	pl.Y.Label.Text = "Power (dB)"

	colors := []color.Color{
		color.RGBA{R: 31, G: 119, B: 180, A: 255},
		color.RGBA{R: 214, G: 39, B: 40, A: 255},
		color.RGBA{R: 44, G: 160, B: 44, A: 255},
		color.RGBA{R: 148, G: 103, B: 189, A: 255},
	}
	for ch := 0; ch < p.NChannels; ch++ {
		pw, err := p.PowerDb(ch)
		if err != nil {
			return err
		}
		pts := make(plotter.XYs, len(pw))
		for g, v := range pw {
			pts[g] = plotter.XY{X: float64(g), Y: v}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		line.Color = colors[ch%len(colors)]
		line.Width = vg.Points(1)
		pl.Add(line)
		pl.Legend.Add(fmt.Sprintf("ch%d", ch), line)
	}
	pl.Legend.Top = true

	if err := pl.Save(10*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("save power plot: %w", err)
	}
	return nil
}
