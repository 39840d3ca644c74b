package control

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/splatseq/internal/httputil"
	"github.com/banshee-data/splatseq/internal/report"
)

// echartsAssetsHost serves the echarts JavaScript for debug pages.
const echartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// handleCacheChart renders cache counters and recent load latencies as an
// HTML page. Debug only.
func (s *Server) handleCacheChart(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		httputil.NotFound(w, "cache stats are not available")
		return
	}
	st := s.cache.Stats()

	counters := charts.NewBar()
	counters.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Frame Cache", Width: "100%", Height: "420px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Frame Cache",
			Subtitle: fmt.Sprintf("hit rate %.1f%%, %d/%d bytes, %d resident", 100*st.HitRate(), st.ResidentBytes, st.BudgetBytes, st.ResidentEntries),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	counters.SetXAxis([]string{"Hits", "Misses", "Loads", "Errors", "Evictions", "Prefetch", "Dropped", "Discarded", "Oversized"}).
		AddSeries("count", []opts.BarData{
			{Value: st.Hits},
			{Value: st.Misses},
			{Value: st.Loads},
			{Value: st.LoadErrors},
			{Value: st.Evictions},
			{Value: st.PrefetchIssued},
			{Value: st.PrefetchDropped},
			{Value: st.PrefetchDiscarded},
			{Value: st.Oversized},
		}, charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}))

	latency := charts.NewLine()
	latency.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "420px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Load latency",
			Subtitle: report.LatencySummary(st.LoadLatenciesMs).String(),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "ms"}),
	)
	x := make([]string, len(st.LoadLatenciesMs))
	y := make([]opts.LineData, len(st.LoadLatenciesMs))
	for i, ms := range st.LoadLatenciesMs {
		x[i] = strconv.Itoa(i + 1)
		y[i] = opts.LineData{Value: ms}
	}
	latency.SetXAxis(x).AddSeries("load", y)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsHost)
	page.AddCharts(counters, latency)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
