package api

import (
	"bytes"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/supervision/internal/httputil"
)

const defaultChartPoints = 300

// chartValue returns v as a line point; non-finite values become gaps.
func chartValue(v float64) opts.LineData {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return opts.LineData{Value: "-"}
	}
	return opts.LineData{Value: v}
}

// showCharts renders a line chart (HTML) of the most recent archived pump
// and input values. Debugging only; the stream is the live interface.
// Query params:
//   - limit (optional; default 300) number of packets to plot
func (s *Server) showCharts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.archive == nil {
		httputil.ServiceUnavailable(w, "archive is disabled")
		return
	}
	limit, err := httputil.QueryInt(r, "limit", defaultChartPoints, 1, maxQueryLimit)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	records, err := s.archive.RecentPackets(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to query packets: %v", err))
		return
	}

	// Archive order is newest first; plot oldest first.
	n := len(records)
	x := make([]string, n)
	pump1 := make([]opts.LineData, n)
	pump2 := make([]opts.LineData, n)
	input1 := make([]opts.LineData, n)
	for i, rec := range records {
		j := n - 1 - i
		x[j] = rec.ReceivedAt.Format("15:04:05.000")
		pump1[j] = chartValue(rec.Packet.Pump1Value)
		pump2[j] = chartValue(rec.Packet.Pump2Value)
		input1[j] = chartValue(rec.Packet.Input1Value)
	}

	subtitle := fmt.Sprintf("points=%d", n)
	if n > 0 {
		subtitle = fmt.Sprintf("points=%d latest=%s", n, records[0].ReceivedAt.Format(time.RFC3339))
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Telemetry", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Recent Telemetry", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Received", NameLocation: "middle", NameGap: 30}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Value"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "inside"}),
	)
	line.SetXAxis(x).
		AddSeries("pump1", pump1).
		AddSeries("pump2", pump2).
		AddSeries("input1", input1).
		SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
