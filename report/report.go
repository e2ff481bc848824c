// Package report renders filter diagnostics as HTML charts.
package report

import (
	"fmt"
	"io"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/milosgajdos/go-smc/particle/apf"
)

// Render renders ESS and log-likelihood curves of filter summary s into w.
// It returns error if s is empty or rendering fails.
func Render(w io.Writer, title string, s *apf.Summary) error {
	if s == nil || len(s.Times) == 0 {
		return fmt.Errorf("empty summary")
	}

	xs := make([]string, len(s.Times))
	for i, t := range s.Times {
		xs[i] = strconv.FormatFloat(t, 'g', 6, 64)
	}

	ess := charts.NewLine()
	ess.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "900px", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: "Effective sample size", Subtitle: fmt.Sprintf("steps=%d", len(s.Times))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t", NameLocation: "middle", NameGap: 25}),
	)
	ess.SetXAxis(xs).
		AddSeries("stage-2", lineData(s.ESS)).
		AddSeries("stage-1", lineData(s.Stage1ESS))

	ll := charts.NewLine()
	ll.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "900px", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: "Log-likelihood", Subtitle: fmt.Sprintf("total=%.4f", s.LogLikelihood)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t", NameLocation: "middle", NameGap: 25}),
	)
	ll.SetXAxis(xs).AddSeries("incremental", lineData(s.LogLikelihoods))

	page := components.NewPage()
	page.AddCharts(ess, ll)

	return page.Render(w)
}

func lineData(vals []float64) []opts.LineData {
	data := make([]opts.LineData, len(vals))
	for i, v := range vals {
		data[i] = opts.LineData{Value: v}
	}
	return data
}
