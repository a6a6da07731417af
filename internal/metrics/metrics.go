package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Frame sampling
	FramesCaptured  atomic.Uint64
	CaptureFailures atomic.Uint64

	// Live detection loop
	TicksSkipped       atomic.Uint64
	RequestsSent       atomic.Uint64
	ResponsesApplied   atomic.Uint64
	ResponsesDiscarded atomic.Uint64 // late responses after session stop
	InferenceErrors    atomic.Uint64
	MalformedResponses atomic.Uint64
	SessionsStarted    atomic.Uint64
	SessionActive      atomic.Uint64 // 0 = inactive, 1 = active

	// Latency tracking
	InferenceLatencyMs atomic.Uint64 // last observed round trip in ms
	LastDetections     atomic.Uint64

	// Video jobs
	JobsSubmitted   atomic.Uint64
	JobsCached      atomic.Uint64
	JobsDone        atomic.Uint64
	JobsFailed      atomic.Uint64
	JobsAbandoned   atomic.Uint64
	JobPolls        atomic.Uint64
	JobPollFailures atomic.Uint64

	// Artifacts
	ArtifactsFetched atomic.Uint64
	ArtifactErrors   atomic.Uint64
	ArtifactBytes    atomic.Uint64

	// Monitor clients
	StreamClients atomic.Int64
	EventClients  atomic.Int64

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

type counterDef struct {
	name string
	help string
	v    *atomic.Uint64
}

func (m *Metrics) registerPrometheusMetrics() {
	counters := []counterDef{
		{"birdwatch_frames_captured_total", "Frames captured and encoded for inference", &m.FramesCaptured},
		{"birdwatch_capture_failures_total", "Ticks where the frame source had no usable frame", &m.CaptureFailures},
		{"birdwatch_ticks_skipped_total", "Scheduling ticks skipped by the interval or single-flight guard", &m.TicksSkipped},
		{"birdwatch_inference_requests_total", "Frame inference requests dispatched", &m.RequestsSent},
		{"birdwatch_inference_responses_applied_total", "Inference responses applied to the overlay", &m.ResponsesApplied},
		{"birdwatch_inference_responses_discarded_total", "Inference responses discarded after session stop", &m.ResponsesDiscarded},
		{"birdwatch_inference_errors_total", "Frame inference transport or service errors", &m.InferenceErrors},
		{"birdwatch_inference_malformed_total", "Frame inference responses that could not be parsed", &m.MalformedResponses},
		{"birdwatch_sessions_started_total", "Live sessions started", &m.SessionsStarted},
		{"birdwatch_jobs_submitted_total", "Video analysis jobs submitted", &m.JobsSubmitted},
		{"birdwatch_jobs_cached_total", "Video analysis jobs answered from the service cache", &m.JobsCached},
		{"birdwatch_jobs_done_total", "Video analysis jobs that reached done", &m.JobsDone},
		{"birdwatch_jobs_failed_total", "Video analysis jobs that reached error", &m.JobsFailed},
		{"birdwatch_jobs_abandoned_total", "Video analysis jobs whose status polling was given up", &m.JobsAbandoned},
		{"birdwatch_job_polls_total", "Job status polls issued", &m.JobPolls},
		{"birdwatch_job_poll_failures_total", "Job status polls that failed transiently", &m.JobPollFailures},
		{"birdwatch_artifacts_fetched_total", "Annotated artifacts downloaded", &m.ArtifactsFetched},
		{"birdwatch_artifact_errors_total", "Annotated artifact downloads that failed", &m.ArtifactErrors},
		{"birdwatch_artifact_bytes_total", "Bytes of annotated artifacts written", &m.ArtifactBytes},
	}
	for _, c := range counters {
		v := c.v
		m.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: c.name, Help: c.help},
			func() float64 { return float64(v.Load()) },
		))
	}

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "birdwatch_session_active",
			Help: "Live session active (0=inactive, 1=active)",
		},
		func() float64 { return float64(m.SessionActive.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "birdwatch_inference_latency_ms",
			Help: "Round trip of the most recent frame inference in milliseconds",
		},
		func() float64 { return float64(m.InferenceLatencyMs.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "birdwatch_last_detections",
			Help: "Detections in the most recently applied batch",
		},
		func() float64 { return float64(m.LastDetections.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "birdwatch_stream_clients",
			Help: "Connected MJPEG clients",
		},
		func() float64 { return float64(m.StreamClients.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "birdwatch_event_clients",
			Help: "Connected SSE and WebSocket clients",
		},
		func() float64 { return float64(m.EventClients.Load()) },
	))
}

// UpdateInferenceLatency records the latest inference round trip
func (m *Metrics) UpdateInferenceLatency(d time.Duration) {
	if d < 0 {
		d = 0
	}
	m.InferenceLatencyMs.Store(uint64(d.Milliseconds()))
}

// SetSessionActive flips the session gauge
func (m *Metrics) SetSessionActive(active bool) {
	if active {
		m.SessionActive.Store(1)
		return
	}
	m.SessionActive.Store(0)
}

// Registry exposes the private registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
