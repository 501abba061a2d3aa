package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the application collectors. Each instance owns its registry
// so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec

	AgentTurns       *prometheus.CounterVec
	AgentRounds      prometheus.Histogram
	InferenceLatency prometheus.Histogram
	ToolCalls        *prometheus.CounterVec

	ChatJobs *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskflow_http_requests_total",
			Help: "HTTP requests by route, method and status",
		}, []string{"route", "method", "status"}),

		HTTPLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskflow_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),

		// outcome: done | iteration_limit | error
		AgentTurns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskflow_agent_turns_total",
			Help: "Agent turns by terminal state",
		}, []string{"outcome"}),

		AgentRounds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskflow_agent_rounds",
			Help:    "Inference rounds used per agent turn",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10, 20, 50},
		}),

		InferenceLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskflow_inference_duration_seconds",
			Help:    "Model inference call latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),

		// result: success | failure | unknown
		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskflow_tool_calls_total",
			Help: "Tool invocations by tool and result",
		}, []string{"tool", "result"}),

		ChatJobs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskflow_chat_jobs_total",
			Help: "Async chat jobs by final status",
		}, []string{"status"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// The helpers below accept a nil receiver so callers can run without metrics.

func (m *Metrics) ObserveHTTP(route, method, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, method, status).Inc()
	m.HTTPLatency.WithLabelValues(route).Observe(d.Seconds())
}

func (m *Metrics) ObserveTurn(outcome string, rounds int) {
	if m == nil {
		return
	}
	m.AgentTurns.WithLabelValues(outcome).Inc()
	m.AgentRounds.Observe(float64(rounds))
}

func (m *Metrics) ObserveInference(d time.Duration) {
	if m == nil {
		return
	}
	m.InferenceLatency.Observe(d.Seconds())
}

func (m *Metrics) ObserveTool(tool, result string) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, result).Inc()
}

func (m *Metrics) ObserveJob(status string) {
	if m == nil {
		return
	}
	m.ChatJobs.WithLabelValues(status).Inc()
}
