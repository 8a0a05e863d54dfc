package observability

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace         = "datalens"
	sessionLanePrefix = "session-"
)

// runtimeMetrics are process-wide collectors shared by packages that have no
// handle on the daemon's metrics.Metrics: the command queue, model providers
// and upstream retry loops. They live on the default registry.
type runtimeMetrics struct {
	laneDepth     *prometheus.GaugeVec
	laneEnqueued  *prometheus.CounterVec
	laneCompleted *prometheus.CounterVec
	laneTaskTime  *prometheus.HistogramVec
	laneGaveUp    *prometheus.CounterVec

	modelCalls    *prometheus.CounterVec
	modelCallTime *prometheus.HistogramVec

	upstreamRetries *prometheus.CounterVec
}

var (
	runtimeOnce sync.Once
	runtimeInst *runtimeMetrics
)

func newRuntimeMetrics() *runtimeMetrics {
	lane := []string{"lane"}
	return &runtimeMetrics{
		laneDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "depth",
			Help: "Tasks waiting per lane.",
		}, lane),
		laneEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "enqueued_total",
			Help: "Tasks enqueued per lane.",
		}, lane),
		laneCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "completed_total",
			Help: "Tasks finished per lane and status.",
		}, []string{"lane", "status"}),
		laneTaskTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "queue", Name: "task_duration_seconds",
			Help:    "Task run time per lane.",
			Buckets: prometheus.DefBuckets,
		}, lane),
		laneGaveUp: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "wait_timeouts_total",
			Help: "Callers whose deadline passed before their task finished.",
		}, lane),
		modelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "llm", Name: "calls_total",
			Help: "Model calls per provider and status.",
		}, []string{"provider", "status"}),
		modelCallTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "llm", Name: "call_duration_seconds",
			Help:    "Model call latency per provider.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
		}, []string{"provider"}),
		upstreamRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "upstream", Name: "retries_total",
			Help: "Retried requests per integration.",
		}, []string{"integration"}),
	}
}

func (m *runtimeMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.laneDepth, m.laneEnqueued, m.laneCompleted, m.laneTaskTime, m.laneGaveUp,
		m.modelCalls, m.modelCallTime,
		m.upstreamRetries,
	}
}

func getRuntime() *runtimeMetrics {
	runtimeOnce.Do(func() {
		runtimeInst = newRuntimeMetrics()
		prometheus.MustRegister(runtimeInst.collectors()...)
	})
	return runtimeInst
}

// EnsureRegistered registers the runtime collectors on the default registry.
// Later calls are no-ops.
func EnsureRegistered() {
	getRuntime()
}

// MetricsHandler serves the default registry.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordQueueEnqueue(lane string, depth int) {
	m := getRuntime()
	l := laneLabel(lane)
	m.laneEnqueued.WithLabelValues(l).Inc()
	m.laneDepth.WithLabelValues(l).Set(float64(depth))
}

func SetQueueSize(lane string, depth int) {
	getRuntime().laneDepth.WithLabelValues(laneLabel(lane)).Set(float64(depth))
}

func RecordQueueCompletion(lane string, d time.Duration, success bool, depth int) {
	m := getRuntime()
	l := laneLabel(lane)
	m.laneCompleted.WithLabelValues(l, status(success)).Inc()
	m.laneTaskTime.WithLabelValues(l).Observe(d.Seconds())
	m.laneDepth.WithLabelValues(l).Set(float64(depth))
}

func RecordQueueWaitTimeout(lane string) {
	getRuntime().laneGaveUp.WithLabelValues(laneLabel(lane)).Inc()
}

func RecordLLMCall(provider string, d time.Duration, success bool) {
	m := getRuntime()
	m.modelCalls.WithLabelValues(provider, status(success)).Inc()
	m.modelCallTime.WithLabelValues(provider).Observe(d.Seconds())
}

func RecordUpstreamRetry(integration string) {
	getRuntime().upstreamRetries.WithLabelValues(integration).Inc()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// laneLabel folds per-session lanes into one value so label cardinality
// stays bounded.
func laneLabel(lane string) string {
	if len(lane) > len(sessionLanePrefix) && strings.HasPrefix(lane, sessionLanePrefix) {
		return "session"
	}
	return lane
}
