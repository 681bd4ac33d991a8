// Package monitor provides an operations dashboard for the engine:
// time series of active tracks and admission rejections rendered as
// go-echarts HTML. Chart data preparation is separated from rendering
// for testability.
package monitor

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/Galanafai/Hivemind/internal/httputil"
	"github.com/Galanafai/Hivemind/internal/telemetry"
)

// Sample is one point on the dashboard time series.
type Sample struct {
	Timestamp  time.Time          `json:"timestamp"`
	TrackCount int                `json:"track_count"`
	Counters   telemetry.Snapshot `json:"counters"`
}

// maxSamples bounds the in-memory series (~1h at 5s sampling).
const maxSamples = 720

// Monitor accumulates samples and serves the dashboard.
type Monitor struct {
	mu      sync.Mutex
	samples []Sample
}

// New returns an empty monitor.
func New() *Monitor {
	return &Monitor{}
}

// Record appends one sample, trimming the series to maxSamples.
func (m *Monitor) Record(trackCount int, counters telemetry.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, Sample{
		Timestamp:  time.Now(),
		TrackCount: trackCount,
		Counters:   counters,
	})
	if len(m.samples) > maxSamples {
		m.samples = m.samples[len(m.samples)-maxSamples:]
	}
}

// Samples returns a copy of the recorded series.
func (m *Monitor) Samples() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sample, len(m.samples))
	copy(out, m.samples)
	return out
}

// Sampler runs a sampling loop until stop is closed. trackCount and
// counters are polled every interval.
func (m *Monitor) Sampler(stop <-chan struct{}, interval time.Duration, trackCount func() int, counters func() telemetry.Snapshot) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.Record(trackCount(), counters())
		}
	}
}

// seriesData prepares the x axis and the chart series from samples.
func seriesData(samples []Sample) (x []string, tracks, rejected, admitted []opts.LineData) {
	for _, s := range samples {
		x = append(x, s.Timestamp.Format("15:04:05"))
		tracks = append(tracks, opts.LineData{Value: s.TrackCount})
		totalRejected := s.Counters.InvalidSignature + s.Counters.Unauthorized +
			s.Counters.Expired + s.Counters.MalformedPacket + s.Counters.StaleObservation
		rejected = append(rejected, opts.LineData{Value: totalRejected})
		admitted = append(admitted, opts.LineData{Value: s.Counters.Admitted})
	}
	return x, tracks, rejected, admitted
}

// Routes registers the dashboard handlers.
func (m *Monitor) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/monitor", m.handleDashboard)
	mux.HandleFunc("/monitor/samples", m.handleSamples)
}

// handleSamples exposes the raw series as JSON.
func (m *Monitor) handleSamples(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, m.Samples())
}

// handleDashboard renders the chart page.
func (m *Monitor) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	x, tracks, rejected, admitted := seriesData(m.Samples())

	trackLine := charts.NewLine()
	trackLine.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Hivemind Monitor", Theme: "dark", Width: "1200px", Height: "400px"}),
		charts.WithTitleOpts(opts.Title{Title: "Active tracks"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	trackLine.SetXAxis(x).AddSeries("active", tracks)

	admissionLine := charts.NewLine()
	admissionLine.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Theme: "dark", Width: "1200px", Height: "400px"}),
		charts.WithTitleOpts(opts.Title{Title: "Admission", Subtitle: "cumulative admitted vs rejected packets"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	admissionLine.SetXAxis(x).
		AddSeries("admitted", admitted).
		AddSeries("rejected", rejected)

	page := components.NewPage()
	page.AddCharts(trackLine, admissionLine)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := page.Render(w); err != nil {
		httputil.InternalServerError(w, "render dashboard: "+err.Error())
	}
}
