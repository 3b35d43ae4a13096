package training

import (
	"bytes"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/tsawler/imgtrain/errdefs"
)

// Report titles.
const (
	AccuracyTitle = "Training and Validation Accuracy"
	LossTitle     = "Training and Validation Loss"
)

// ReportOptions size the training-curve figure.
type ReportOptions struct {
	WidthInches  float64
	HeightInches float64
}

// DefaultReportOptions returns an 8x8 inch canvas.
func DefaultReportOptions() ReportOptions {
	return ReportOptions{WidthInches: 8, HeightInches: 8}
}

// PlotTrainingCurves renders accuracy (left) and loss (right) against
// epochsRange as a PNG. The returned reader is positioned at offset 0.
func PlotTrainingCurves(history *History, epochsRange []int, opts ReportOptions) (*bytes.Reader, error) {
	if err := history.Validate(); err != nil {
		return nil, err
	}
	if len(epochsRange) != history.Epochs() {
		return nil, errdefs.Configf("epochs range has %d values for %d recorded epochs",
			len(epochsRange), history.Epochs())
	}
	if opts.WidthInches <= 0 || opts.HeightInches <= 0 {
		return nil, errdefs.Configf("report size must be positive, got %gx%g in", opts.WidthInches, opts.HeightInches)
	}

	accuracy, err := curvePlot(AccuracyTitle, "Accuracy", epochsRange,
		"Training Accuracy", history.Accuracy,
		"Validation Accuracy", history.ValAccuracy)
	if err != nil {
		return nil, err
	}
	accuracy.Legend.Top = false // lower right

	loss, err := curvePlot(LossTitle, "Loss", epochsRange,
		"Training Loss", history.Loss,
		"Validation Loss", history.ValLoss)
	if err != nil {
		return nil, err
	}
	loss.Legend.Top = true // upper right

	img := vgimg.New(vg.Length(opts.WidthInches)*vg.Inch, vg.Length(opts.HeightInches)*vg.Inch)
	dc := draw.New(img)
	tiles := draw.Tiles{
		Rows:      1,
		Cols:      2,
		PadX:      vg.Millimeter * 4,
		PadY:      vg.Millimeter * 4,
		PadTop:    vg.Millimeter * 2,
		PadBottom: vg.Millimeter * 2,
		PadLeft:   vg.Millimeter * 2,
		PadRight:  vg.Millimeter * 2,
	}
	plots := [][]*plot.Plot{{accuracy, loss}}
	canvases := plot.Align(plots, tiles, dc)
	accuracy.Draw(canvases[0][0])
	loss.Draw(canvases[0][1])

	var buf bytes.Buffer
	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(&buf); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrRuntime, err, "failed to encode report")
	}

	r := bytes.NewReader(buf.Bytes())
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrRuntime, err, "failed to rewind report")
	}
	return r, nil
}

func curvePlot(title, yLabel string, epochs []int, trainName string, train []float64, valName string, val []float64) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Epoch"
	p.Y.Label.Text = yLabel
	p.Legend.Left = false
	p.Add(plotter.NewGrid())

	if err := plotutil.AddLines(p, trainName, series(epochs, train), valName, series(epochs, val)); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrRuntime, err, "failed to plot "+yLabel)
	}
	return p, nil
}

func series(epochs []int, values []float64) plotter.XYs {
	pts := make(plotter.XYs, len(values))
	for i, v := range values {
		pts[i].X = float64(epochs[i])
		pts[i].Y = v
	}
	return pts
}
