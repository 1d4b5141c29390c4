package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type hostMetrics struct {
	activeSessions    prometheus.Gauge
	sessionReplayTime prometheus.Histogram

	turnTotal    *prometheus.CounterVec
	turnDuration *prometheus.HistogramVec

	appendTotal    *prometheus.CounterVec
	appendDuration prometheus.Histogram

	toolDispatchTotal    *prometheus.CounterVec
	toolDispatchDuration *prometheus.HistogramVec

	generationTotal    *prometheus.CounterVec
	generationDuration *prometheus.HistogramVec
	generationRetries  *prometheus.CounterVec

	streamSubscribers prometheus.Gauge
	streamDropped     prometheus.Counter
	streamPublished   prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *hostMetrics
)

func getMetrics() *hostMetrics {
	metricsOnce.Do(func() {
		m := &hostMetrics{
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "goosed_active_sessions",
					Help: "Sessions with an attached state machine.",
				},
			),
			sessionReplayTime: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "goosed_session_replay_duration_seconds",
					Help:    "Session log replay duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "goosed_turn_total",
					Help: "Completed turns by provider and status.",
				},
				[]string{"provider", "status"},
			),
			turnDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "goosed_turn_duration_seconds",
					Help:    "Turn duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			appendTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "goosed_log_append_total",
					Help: "Appended log records by kind.",
				},
				[]string{"kind"},
			),
			appendDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "goosed_log_append_duration_seconds",
					Help:    "Durable append duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			toolDispatchTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "goosed_tool_dispatch_total",
					Help: "Tool dispatches by tool and outcome.",
				},
				[]string{"tool", "outcome"},
			),
			toolDispatchDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "goosed_tool_dispatch_duration_seconds",
					Help:    "Tool dispatch duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			generationTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "goosed_generation_total",
					Help: "LLM generations by provider and status.",
				},
				[]string{"provider", "status"},
			),
			generationDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "goosed_generation_duration_seconds",
					Help:    "LLM generation duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			generationRetries: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "goosed_generation_retries_total",
					Help: "LLM generation retries by provider.",
				},
				[]string{"provider"},
			),
			streamSubscribers: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "goosed_stream_subscribers",
					Help: "Connected event stream subscribers.",
				},
			),
			streamDropped: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "goosed_stream_dropped_total",
					Help: "Subscribers dropped for exceeding their backlog.",
				},
			),
			streamPublished: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "goosed_stream_published_total",
					Help: "Events published to session streams.",
				},
			),
		}

		prometheus.MustRegister(
			m.activeSessions,
			m.sessionReplayTime,
			m.turnTotal,
			m.turnDuration,
			m.appendTotal,
			m.appendDuration,
			m.toolDispatchTotal,
			m.toolDispatchDuration,
			m.generationTotal,
			m.generationDuration,
			m.generationRetries,
			m.streamSubscribers,
			m.streamDropped,
			m.streamPublished,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionReplay(duration time.Duration) {
	getMetrics().sessionReplayTime.Observe(duration.Seconds())
}

func RecordTurn(provider, status string, duration time.Duration) {
	m := getMetrics()
	m.turnTotal.WithLabelValues(provider, status).Inc()
	m.turnDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordAppend(kind string, duration time.Duration) {
	m := getMetrics()
	m.appendTotal.WithLabelValues(kind).Inc()
	m.appendDuration.Observe(duration.Seconds())
}

func RecordToolDispatch(tool, outcome string, duration time.Duration) {
	m := getMetrics()
	m.toolDispatchTotal.WithLabelValues(tool, outcome).Inc()
	m.toolDispatchDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordGeneration(provider, status string, duration time.Duration) {
	m := getMetrics()
	m.generationTotal.WithLabelValues(provider, status).Inc()
	m.generationDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordGenerationRetry(provider string) {
	getMetrics().generationRetries.WithLabelValues(provider).Inc()
}

func SetStreamSubscribers(count int) {
	getMetrics().streamSubscribers.Set(float64(count))
}

func RecordStreamDropped() {
	getMetrics().streamDropped.Inc()
}

func RecordStreamPublished() {
	getMetrics().streamPublished.Inc()
}
