package metrics

import (
	"math"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "datalens"

// Metrics holds the application's Prometheus metrics on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// Chat metrics
	ChatRequestsTotal *prometheus.CounterVec
	TurnsTotal        *prometheus.CounterVec
	TurnDuration      prometheus.Histogram

	// Tool and query metrics
	ToolExecutionsTotal   *prometheus.CounterVec
	ToolExecutionDuration *prometheus.HistogramVec
	QueryDuration         *prometheus.HistogramVec

	// LLM metrics
	LLMTokensTotal *prometheus.CounterVec

	// Errors by type and source
	ErrorsTotal *prometheus.CounterVec

	// Session metrics
	SessionsActive        prometheus.Gauge
	SessionsCreatedTotal  prometheus.Counter
	SessionEvictionsTotal *prometheus.CounterVec

	maxQueryNanos atomic.Int64
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		ChatRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chat_requests_total",
				Help:      "Tool-backed chat requests by environment and tool",
			},
			[]string{"environment", "tool"},
		),
		TurnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "turns_total",
				Help:      "Completed agent turns by outcome",
			},
			[]string{"outcome"},
		),
		TurnDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "turn_duration_seconds",
				Help:      "Duration of agent turns in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),
		ToolExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_executions_total",
				Help:      "Tool dispatches by tool and status",
			},
			[]string{"tool", "status"},
		),
		ToolExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_execution_duration_seconds",
				Help:      "Duration of tool dispatches in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
		QueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "db_query_duration_seconds",
				Help:      "Database query duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"environment"},
		),
		LLMTokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_tokens_total",
				Help:      "LLM tokens consumed by type (prompt, completion)",
			},
			[]string{"type"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Errors by type and source",
			},
			[]string{"type", "source"},
		),
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_active",
				Help:      "Sessions currently held in memory",
			},
		),
		SessionsCreatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_created_total",
				Help:      "Sessions created in memory",
			},
		),
		SessionEvictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_evictions_total",
				Help:      "Session removals by cause",
			},
			[]string{"cause"},
		),
	}

	m.registerMetrics()

	return m
}

func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(
		m.ChatRequestsTotal,
		m.TurnsTotal,
		m.TurnDuration,
		m.ToolExecutionsTotal,
		m.ToolExecutionDuration,
		m.QueryDuration,
		m.LLMTokensTotal,
		m.ErrorsTotal,
		m.SessionsActive,
		m.SessionsCreatedTotal,
		m.SessionEvictionsTotal,
	)
}

// RecordChatRequest counts a tool-backed request against an environment.
func (m *Metrics) RecordChatRequest(environment, tool string) {
	if environment == "" {
		environment = "none"
	}
	m.ChatRequestsTotal.WithLabelValues(environment, tool).Inc()
}

// RecordQueryDuration observes one database query.
func (m *Metrics) RecordQueryDuration(environment string, d time.Duration) {
	m.QueryDuration.WithLabelValues(environment).Observe(d.Seconds())
	for {
		cur := m.maxQueryNanos.Load()
		if int64(d) <= cur || m.maxQueryNanos.CompareAndSwap(cur, int64(d)) {
			return
		}
	}
}

// RecordToolExecution observes one dispatch.
func (m *Metrics) RecordToolExecution(tool string, d time.Duration, success bool) {
	status := "error"
	if success {
		status = "success"
	}
	m.ToolExecutionsTotal.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// RecordTokens adds model token usage.
func (m *Metrics) RecordTokens(prompt, completion int) {
	if prompt > 0 {
		m.LLMTokensTotal.WithLabelValues("prompt").Add(float64(prompt))
	}
	if completion > 0 {
		m.LLMTokensTotal.WithLabelValues("completion").Add(float64(completion))
	}
}

// RecordError counts an error of the given type from source.
func (m *Metrics) RecordError(errType, source string) {
	m.ErrorsTotal.WithLabelValues(errType, source).Inc()
}

// RecordTurn observes a finished agent turn.
func (m *Metrics) RecordTurn(outcome string, d time.Duration) {
	m.TurnsTotal.WithLabelValues(outcome).Inc()
	m.TurnDuration.Observe(d.Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Snapshot is the dashboard view of the registry.
type Snapshot struct {
	Timestamp   time.Time           `json:"timestamp"`
	Application string              `json:"application"`
	Version     string              `json:"version"`
	Sessions    SessionsSnapshot    `json:"sessions"`
	Requests    RequestsSnapshot    `json:"requests"`
	Performance PerformanceSnapshot `json:"performance"`
	LLM         LLMSnapshot         `json:"llm"`
	Errors      ErrorsSnapshot      `json:"errors"`
}

// SessionsSnapshot reports memory occupancy
type SessionsSnapshot struct {
	Active     int `json:"active"`
	MaxAllowed int `json:"maxAllowed"`
}

// RequestsSnapshot reports tool-backed requests
type RequestsSnapshot struct {
	Total         int64            `json:"total"`
	ByEnvironment map[string]int64 `json:"byEnvironment"`
	ByTool        map[string]int64 `json:"byTool"`
}

// PerformanceSnapshot reports query latency
type PerformanceSnapshot struct {
	AvgQueryDurationMs float64 `json:"avgQueryDurationMs"`
	MaxQueryDurationMs float64 `json:"maxQueryDurationMs"`
}

// LLMSnapshot reports token usage
type LLMSnapshot struct {
	PromptTokens     int64 `json:"promptTokens"`
	CompletionTokens int64 `json:"completionTokens"`
}

// ErrorsSnapshot reports error totals
type ErrorsSnapshot struct {
	Total  int64            `json:"total"`
	ByType map[string]int64 `json:"byType"`
}

// Snapshot gathers the registry into a dashboard summary.
func (m *Metrics) Snapshot(application, version string, maxSessions int) (*Snapshot, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}

	s := &Snapshot{
		Timestamp:   time.Now().UTC(),
		Application: application,
		Version:     version,
		Sessions:    SessionsSnapshot{MaxAllowed: maxSessions},
		Requests: RequestsSnapshot{
			ByEnvironment: map[string]int64{},
			ByTool:        map[string]int64{},
		},
		Errors: ErrorsSnapshot{ByType: map[string]int64{}},
	}

	for _, mf := range families {
		switch mf.GetName() {
		case namespace + "_sessions_active":
			for _, metric := range mf.GetMetric() {
				s.Sessions.Active = int(metric.GetGauge().GetValue())
			}
		case namespace + "_chat_requests_total":
			for _, metric := range mf.GetMetric() {
				v := int64(metric.GetCounter().GetValue())
				s.Requests.Total += v
				s.Requests.ByEnvironment[label(metric, "environment")] += v
				s.Requests.ByTool[label(metric, "tool")] += v
			}
		case namespace + "_db_query_duration_seconds":
			var count uint64
			var sum float64
			for _, metric := range mf.GetMetric() {
				count += metric.GetHistogram().GetSampleCount()
				sum += metric.GetHistogram().GetSampleSum()
			}
			if count > 0 {
				s.Performance.AvgQueryDurationMs = math.Round(sum/float64(count)*1000*100) / 100
			}
		case namespace + "_llm_tokens_total":
			for _, metric := range mf.GetMetric() {
				v := int64(metric.GetCounter().GetValue())
				switch label(metric, "type") {
				case "prompt":
					s.LLM.PromptTokens += v
				case "completion":
					s.LLM.CompletionTokens += v
				}
			}
		case namespace + "_errors_total":
			for _, metric := range mf.GetMetric() {
				v := int64(metric.GetCounter().GetValue())
				s.Errors.Total += v
				s.Errors.ByType[label(metric, "type")] += v
			}
		}
	}

	s.Performance.MaxQueryDurationMs = float64(m.maxQueryNanos.Load()) / float64(time.Millisecond)

	return s, nil
}

func label(metric *dto.Metric, name string) string {
	for _, lp := range metric.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
