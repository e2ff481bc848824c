package sim

import (
	"fmt"
	"image/color"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// NewPlot creates new plot of a filter run from the three data sources:
// model:   true model values
// measure: measurement values
// filter:  filter estimates
// Every data source stores time in its first column and value in its second column.
// It returns error if the plot fails to be created. This can be due to either of the following conditions:
// * either of the supplied data matrices is nil
// * either of the supplied data matrices does not have at least 2 columns
// * gonum plot fails to be created
func NewPlot(model, measure, filter *mat.Dense) (*plot.Plot, error) {
	if model == nil || measure == nil || filter == nil {
		return nil, fmt.Errorf("invalid data supplied")
	}

	_, cmd := model.Dims()
	_, cms := measure.Dims()
	_, cmf := filter.Dims()

	if cmd < 2 || cms < 2 || cmf < 2 {
		return nil, fmt.Errorf("invalid data dimensions")
	}

	p := plot.New()

	p.Title.Text = "Particle filter"
	p.X.Label.Text = "t"
	p.Y.Label.Text = "x"

	legend := plot.NewLegend()
	legend.Top = true
	p.Legend = legend

	// Make a line plotter for model data
	modelLine, err := plotter.NewLine(makePoints(model))
	if err != nil {
		return nil, fmt.Errorf("failed to create line: %v", err)
	}
	modelLine.Color = color.RGBA{R: 255, B: 128, A: 255}
	modelLine.Width = vg.Points(1)

	p.Add(modelLine)
	p.Legend.Add("model", modelLine)

	// Make a scatter plotter for measurement data
	measScatter, err := plotter.NewScatter(makePoints(measure))
	if err != nil {
		return nil, fmt.Errorf("failed to create scatter: %v", err)
	}
	measScatter.GlyphStyle.Color = color.RGBA{G: 255, A: 128}
	measScatter.GlyphStyle.Radius = vg.Points(3)

	p.Add(measScatter)
	p.Legend.Add("measurement", measScatter)

	// Make a scatter plotter for filter data
	filterScatter, err := plotter.NewScatter(makePoints(filter))
	if err != nil {
		return nil, fmt.Errorf("failed to create scatter: %v", err)
	}
	filterScatter.GlyphStyle.Color = color.RGBA{R: 169, G: 169, B: 169}
	filterScatter.Shape = draw.CrossGlyph{}
	filterScatter.GlyphStyle.Radius = vg.Points(3)

	p.Add(filterScatter)
	p.Legend.Add("filtered", filterScatter)

	return p, nil
}

// Series returns len(ts) x 2 matrix with times ts in the first column and values xs in the second column.
// It panics if ts is empty or ts and xs lengths differ.
func Series(ts, xs []float64) *mat.Dense {
	if len(ts) != len(xs) {
		panic("sim: series length mismatch")
	}

	m := mat.NewDense(len(ts), 2, nil)
	for i := range ts {
		m.Set(i, 0, ts[i])
		m.Set(i, 1, xs[i])
	}

	return m
}

func makePoints(m *mat.Dense) plotter.XYs {
	r, _ := m.Dims()
	pts := make(plotter.XYs, r)
	for i := 0; i < r; i++ {
		pts[i].X = m.At(i, 0)
		pts[i].Y = m.At(i, 1)
	}

	return pts
}
