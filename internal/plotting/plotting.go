// Package plotting renders per-epoch loss curves to PNG files. Rendering is
// stateless: every call builds a fresh figure and writes it to the given
// path, so concurrent or repeated renders cannot bleed into each other.
package plotting

import (
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// RenderLossCurves writes a PNG with the per-batch training and validation
// losses of one epoch. epoch is the 1-based epoch number shown in the title.
func RenderLossCurves(trainLosses, valLosses []float64, epoch int, path string) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Epoch %d Losses", epoch)
	p.X.Label.Text = "Batch"
	p.Y.Label.Text = "Loss"
	p.Add(plotter.NewGrid())

	train, err := plotter.NewLine(points(trainLosses))
	if err != nil {
		return fmt.Errorf("train loss line: %w", err)
	}
	train.Color = color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff}
	p.Add(train)
	p.Legend.Add("Train Loss", train)

	val, err := plotter.NewLine(points(valLosses))
	if err != nil {
		return fmt.Errorf("validation loss line: %w", err)
	}
	val.Color = color.RGBA{R: 0xd6, G: 0x27, B: 0x28, A: 0xff}
	p.Add(val)
	p.Legend.Add("Validation Loss", val)

	p.Legend.Top = true
	if err := p.Save(10*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("save plot %s: %w", path, err)
	}
	return nil
}

func points(losses []float64) plotter.XYs {
	xys := make(plotter.XYs, len(losses))
	for i, l := range losses {
		xys[i].X = float64(i)
		xys[i].Y = l
	}
	return xys
}
