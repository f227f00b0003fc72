package monitor

import (
	"bytes"
	"fmt"
	"html"
	"math"
	"net/http"
	"strconv"

	"github.com/banshee-data/beamline.report/internal/detector"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// viridis palette shared by the chart visual maps
var viridisColors = []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}

// selectStats picks the snapshot side requested by the `tag` query parameter
// (on, off; default on).
func selectStats(snap *detector.StatsSnapshot, tag string) *detector.RunningStats {
	if tag == "off" {
		return snap.Off
	}
	return snap.On
}

// handleMeanImageChart renders the running mean image as a coloured scatter
// (HTML) using go-echarts. This is a debugging-only endpoint (no auth) to
// visually inspect the accumulated image without a frontend.
// Query params:
//   - tag (optional; "on" or "off", default "on")
//   - delta (optional; "1" renders the pump-probe difference instead)
//   - max_points (optional; default 8000) to reduce payload size
func (ws *WebServer) handleMeanImageChart(w http.ResponseWriter, r *http.Request) {
	if ws.manager == nil {
		ws.writeJSONError(w, http.StatusServiceUnavailable, "no stats manager configured")
		return
	}

	maxPoints := 8000
	if mp := r.URL.Query().Get("max_points"); mp != "" {
		if v, err := strconv.Atoi(mp); err == nil && v > 100 && v <= 50000 {
			maxPoints = v
		}
	}

	snap := ws.manager.Snapshot()

	var values []float64
	var canvas detector.Shape
	title := "Mean Image"
	if r.URL.Query().Get("delta") == "1" {
		delta, err := detector.PumpProbeDelta(snap.On, snap.Off)
		if err != nil {
			ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("pump-probe delta: %v", err))
			return
		}
		values = delta
		canvas = snap.On.Canvas
		title = "Pump-Probe Delta"
	} else {
		stats := selectStats(snap, r.URL.Query().Get("tag"))
		values = stats.Mean
		canvas = stats.Canvas
	}

	if len(values) == 0 {
		ws.writeJSONError(w, http.StatusNotFound, "no accumulated image available")
		return
	}

	// Downsample by stride to stay within maxPoints
	stride := 1
	if len(values) > maxPoints {
		stride = int(math.Ceil(float64(len(values)) / float64(maxPoints)))
	}

	data := make([]opts.ScatterData, 0, len(values)/stride+1)
	minVal := math.Inf(1)
	maxVal := math.Inf(-1)
	for i := 0; i < len(values); i += stride {
		v := values[i]
		if math.IsNaN(v) {
			continue
		}
		row := i / canvas.Cols
		col := i % canvas.Cols
		if v < minVal {
			minVal = v
		}
		if v > maxVal {
			maxVal = v
		}
		// Flip Y so row 0 appears at the top, matching detector convention
		data = append(data, opts.ScatterData{Value: []interface{}{col, canvas.Rows - 1 - row, v}})
	}

	if len(data) == 0 {
		ws.writeJSONError(w, http.StatusNotFound, "no valid pixels accumulated yet")
		return
	}
	if minVal >= maxVal {
		maxVal = minVal + 1
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Detector " + title, Theme: "dark", Width: "900px", Height: "900px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: fmt.Sprintf("detector=%s gen=%d points=%d stride=%d", ws.detectorID, snap.Generation, len(data), stride)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: 0, Max: canvas.Cols, Name: "col", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: canvas.Rows, Name: "row", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        float32(minVal),
			Max:        float32(maxVal),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: viridisColors},
		}),
	)

	scatter.AddSeries("mean", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleHistogramChart renders the intensity histogram as a bar chart.
// Query params:
//   - tag (optional; "on" or "off", default "on")
func (ws *WebServer) handleHistogramChart(w http.ResponseWriter, r *http.Request) {
	if ws.manager == nil {
		ws.writeJSONError(w, http.StatusServiceUnavailable, "no stats manager configured")
		return
	}

	snap := ws.manager.Snapshot()
	stats := selectStats(snap, r.URL.Query().Get("tag"))
	if stats.Hist == nil {
		ws.writeJSONError(w, http.StatusNotFound, "no histogram configured")
		return
	}

	hist := stats.Hist
	x := make([]string, len(hist.Counts))
	y := make([]opts.BarData, len(hist.Counts))
	for i := range hist.Counts {
		x[i] = fmt.Sprintf("[%g,%g)", hist.Edges[i], hist.Edges[i+1])
		y[i] = opts.BarData{Value: hist.Counts[i]}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "720px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Intensity Histogram", Subtitle: fmt.Sprintf("detector=%s total=%d dropped=%d", ws.detectorID, hist.Total(), hist.Dropped)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("counts", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	var buf bytes.Buffer
	if err := bar.Render(&buf); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleROISeriesChart renders the per-pulse ROI mean series as line charts.
// Query params:
//   - tag (optional; "on" or "off", default "on")
//   - label (optional; restrict to one ROI)
func (ws *WebServer) handleROISeriesChart(w http.ResponseWriter, r *http.Request) {
	if ws.manager == nil {
		ws.writeJSONError(w, http.StatusServiceUnavailable, "no stats manager configured")
		return
	}

	snap := ws.manager.Snapshot()
	stats := selectStats(snap, r.URL.Query().Get("tag"))
	if len(stats.Series) == 0 {
		ws.writeJSONError(w, http.StatusNotFound, "no regions configured")
		return
	}

	wantLabel := r.URL.Query().Get("label")

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "ROI Series", Theme: "dark", Width: "100%", Height: "720px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "ROI Mean per Pulse", Subtitle: fmt.Sprintf("detector=%s gen=%d", ws.detectorID, snap.Generation)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)

	maxLen := 0
	for label, series := range stats.Series {
		if wantLabel != "" && label != wantLabel {
			continue
		}
		if len(series) > maxLen {
			maxLen = len(series)
		}
		pts := make([]opts.LineData, 0, len(series))
		for _, res := range series {
			if !res.Valid {
				pts = append(pts, opts.LineData{Value: nil})
				continue
			}
			pts = append(pts, opts.LineData{Value: res.Mean})
		}
		line.AddSeries(label, pts)
	}

	if maxLen == 0 {
		ws.writeJSONError(w, http.StatusNotFound, "no region samples accumulated yet")
		return
	}

	x := make([]string, maxLen)
	for i := range x {
		x[i] = strconv.Itoa(i)
	}
	line.SetXAxis(x)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render roi chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleAzimuthalChart renders the most recent radial intensity profiles as
// line charts over the bin centres.
// Query params:
//   - tag (optional; "on" or "off", default "on")
//   - last (optional; number of trailing profiles to plot, default 8)
func (ws *WebServer) handleAzimuthalChart(w http.ResponseWriter, r *http.Request) {
	if ws.manager == nil {
		ws.writeJSONError(w, http.StatusServiceUnavailable, "no stats manager configured")
		return
	}

	snap := ws.manager.Snapshot()
	stats := selectStats(snap, r.URL.Query().Get("tag"))
	if len(stats.RadialCenters) == 0 {
		ws.writeJSONError(w, http.StatusNotFound, "no azimuthal integration configured")
		return
	}
	if len(stats.Radial) == 0 {
		ws.writeJSONError(w, http.StatusNotFound, "no radial profiles accumulated yet")
		return
	}

	last := 8
	if l := r.URL.Query().Get("last"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 100 {
			last = v
		}
	}
	profiles := stats.Radial
	if len(profiles) > last {
		profiles = profiles[len(profiles)-last:]
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Radial Profiles", Theme: "dark", Width: "100%", Height: "720px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Azimuthal Intensity", Subtitle: fmt.Sprintf("detector=%s gen=%d profiles=%d", ws.detectorID, snap.Generation, len(profiles))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "radius (px)", NameLocation: "middle", NameGap: 25}),
	)

	for _, prof := range profiles {
		pts := make([]opts.LineData, len(prof.Mean))
		for i, m := range prof.Mean {
			if math.IsNaN(m) {
				pts[i] = opts.LineData{Value: nil}
				continue
			}
			pts[i] = opts.LineData{Value: m}
		}
		line.AddSeries(fmt.Sprintf("t%d/p%d", prof.TrainID, prof.PulseID), pts)
	}

	x := make([]string, len(stats.RadialCenters))
	for i, c := range stats.RadialCenters {
		x[i] = strconv.FormatFloat(c, 'g', 4, 64)
	}
	line.SetXAxis(x)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render radial chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleDebugDashboard renders a simple dashboard with iframes to the debug charts.
func (ws *WebServer) handleDebugDashboard(w http.ResponseWriter, r *http.Request) {
	safeDetectorID := html.EscapeString(ws.detectorID)

	doc := fmt.Sprintf(dashboardHTML, safeDetectorID)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(doc))
}

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <title>Detector Debug Charts</title>
  <style>
    body { font-family: monospace; background: #1e1e1e; color: #d4d4d4; margin: 1em; }
    h1 { color: #4ec9b0; }
    iframe { border: 1px solid #444; background: #fff; margin: 0.5em 0; }
  </style>
</head>
<body>
  <h1>Detector Debug Charts: %s</h1>
  <iframe src="/debug/chart/mean" width="940" height="940"></iframe>
  <iframe src="/debug/chart/mean?delta=1" width="940" height="940"></iframe>
  <iframe src="/debug/chart/histogram" width="100%%" height="760"></iframe>
  <iframe src="/debug/chart/roi" width="100%%" height="760"></iframe>
  <iframe src="/debug/chart/azimuthal" width="100%%" height="760"></iframe>
</body>
</html>`
