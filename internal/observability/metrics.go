package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	turnTotal    *prometheus.CounterVec
	turnDuration prometheus.Histogram
	roundsUsed   prometheus.Histogram

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	pendingActionTotal *prometheus.CounterVec
	resolverHitsTotal  *prometheus.CounterVec

	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec

	activeConversations prometheus.Gauge
	catalogLookupTotal  *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turn_total",
					Help: "Total processed turns by outcome.",
				},
				[]string{"outcome"},
			),
			turnDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "turn_duration_seconds",
					Help:    "Turn processing duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			roundsUsed: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "turn_rounds_used",
					Help:    "Completion rounds used per turn.",
					Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			pendingActionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "pending_action_total",
					Help: "Pending action lifecycle events.",
				},
				[]string{"event"},
			),
			resolverHitsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "resolver_hits_total",
					Help: "Deterministic reference resolutions by kind.",
				},
				[]string{"kind"},
			),
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "queue_size",
					Help: "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "enqueue_total",
					Help: "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			activeConversations: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_conversations",
					Help: "Current stored conversation count.",
				},
			),
			catalogLookupTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "catalog_lookup_total",
					Help: "Catalog store lookups by result.",
				},
				[]string{"result"},
			),
		}

		prometheus.MustRegister(
			m.turnTotal,
			m.turnDuration,
			m.roundsUsed,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.pendingActionTotal,
			m.resolverHitsTotal,
			m.queueSize,
			m.enqueueTotal,
			m.activeConversations,
			m.catalogLookupTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered registers all metrics with the default registry. Safe to
// call from every package that records metrics.
func EnsureRegistered() {
	getMetrics()
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

// RecordTurn records a completed turn with its outcome and duration.
func RecordTurn(outcome string, rounds int, duration time.Duration) {
	m := getMetrics()
	m.turnTotal.WithLabelValues(outcome).Inc()
	m.turnDuration.Observe(duration.Seconds())
	if rounds > 0 {
		m.roundsUsed.Observe(float64(rounds))
	}
}

// RecordToolExecution records one tool execution.
func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "ok"
	if !success {
		status = "error"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordPendingAction records a pending action lifecycle event
// (created, consumed, cancelled, reminded).
func RecordPendingAction(event string) {
	getMetrics().pendingActionTotal.WithLabelValues(event).Inc()
}

// RecordResolverHit records a deterministic resolution (selection, variant).
func RecordResolverHit(kind string) {
	getMetrics().resolverHitsTotal.WithLabelValues(kind).Inc()
}

// RecordQueueEnqueue records an enqueue and the resulting queue size.
func RecordQueueEnqueue(lane string, size int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(size))
}

// SetQueueSize sets the current queue size for a lane.
func SetQueueSize(lane string, size int) {
	getMetrics().queueSize.WithLabelValues(lane).Set(float64(size))
}

// SetActiveConversations sets the stored conversation count.
func SetActiveConversations(n int) {
	getMetrics().activeConversations.Set(float64(n))
}

// RecordCatalogLookup records a catalog lookup hit or miss.
func RecordCatalogLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	getMetrics().catalogLookupTotal.WithLabelValues(result).Inc()
}
