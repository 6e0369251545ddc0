package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/Ikolvi/Tracelet-sub001/internal/store"
	"github.com/Ikolvi/Tracelet-sub001/internal/units"
)

// showMovementChart renders the most recent location records as speed and
// odometer line charts. Debug-only; the JSON record query is the stable
// surface.
func (s *Server) showMovementChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Content-Type", "application/json")
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	limit := 500
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			w.Header().Set("Content-Type", "application/json")
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	res, err := s.store.Query(store.QueryOptions{Type: store.TypeLocation, PageSize: limit})
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve records: %v", err))
		return
	}
	if len(res.Data) == 0 {
		w.Header().Set("Content-Type", "application/json")
		s.writeJSONError(w, http.StatusNotFound, "No location records to chart")
		return
	}

	// The query returns newest first; the chart reads left to right.
	recs := res.Data
	x := make([]string, 0, len(recs))
	speeds := make([]opts.LineData, 0, len(recs))
	odometer := make([]opts.LineData, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		x = append(x, rec.RecordedAt.UTC().Format("01-02 15:04:05"))
		speeds = append(speeds, opts.LineData{Value: units.ConvertSpeed(rec.Speed, s.units)})
		odometer = append(odometer, opts.LineData{Value: rec.Odometer})
	}

	speedLine := charts.NewLine()
	speedLine.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Tracelet Movement", Theme: "dark", Width: "1200px", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Speed", Subtitle: fmt.Sprintf("last %d location records (%s)", len(recs), s.units)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	speedLine.SetXAxis(x).
		AddSeries("speed", speeds,
			charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)}),
		)

	odoLine := charts.NewLine()
	odoLine.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Theme: "dark", Width: "1200px", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Odometer", Subtitle: "meters"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	odoLine.SetXAxis(x).
		AddSeries("odometer", odometer,
			charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)}),
		)

	page := components.NewPage()
	page.AddCharts(speedLine, odoLine)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		w.Header().Set("Content-Type", "application/json")
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
