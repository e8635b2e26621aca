package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	duplicates   *prometheus.CounterVec

	activeSessions    prometheus.Gauge
	sessionsReaped    prometheus.Counter
	turnsTotal        *prometheus.CounterVec
	turnDuration      *prometheus.HistogramVec
	phaseTransitions  *prometheus.CounterVec
	payloadDecodeErrs *prometheus.CounterVec

	completionTotal    *prometheus.CounterVec
	completionDuration *prometheus.HistogramVec

	memoryStoreDuration    prometheus.Histogram
	memoryRetrieveDuration prometheus.Histogram

	templateReloads *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "tavern_queue_size",
					Help: "Current queued turns by session lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tavern_enqueue_total",
					Help: "Total enqueued tasks by lane kind.",
				},
				[]string{"lane"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tavern_task_duration_seconds",
					Help:    "Queued task duration in seconds by status.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"status"},
			),
			duplicates: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tavern_duplicate_turns_total",
					Help: "Repeated idempotency keys answered from the dedup cache.",
				},
				[]string{"lane"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "tavern_active_sessions",
					Help: "Sessions currently held by the registry.",
				},
			),
			sessionsReaped: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "tavern_sessions_reaped_total",
					Help: "Sessions torn down for being idle.",
				},
			),
			turnsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tavern_turns_total",
					Help: "User turns handled by flow and outcome.",
				},
				[]string{"flow", "status"},
			),
			turnDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tavern_turn_duration_seconds",
					Help:    "End-to-end turn duration in seconds by flow.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"flow"},
			),
			phaseTransitions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tavern_phase_transitions_total",
					Help: "Session phase transitions by target phase.",
				},
				[]string{"to"},
			),
			payloadDecodeErrs: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tavern_payload_decode_errors_total",
					Help: "Structured payloads rejected by schema.",
				},
				[]string{"schema"},
			),
			completionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tavern_completion_total",
					Help: "Completion calls by provider and outcome.",
				},
				[]string{"provider", "status"},
			),
			completionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tavern_completion_duration_seconds",
					Help:    "Completion call duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			memoryStoreDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "tavern_memory_store_duration_seconds",
					Help:    "Vector memory write duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			memoryRetrieveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "tavern_memory_retrieve_duration_seconds",
					Help:    "Vector memory retrieval duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			templateReloads: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tavern_template_reloads_total",
					Help: "Prompt template reloads by outcome.",
				},
				[]string{"status"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.taskDuration,
			m.duplicates,
			m.activeSessions,
			m.sessionsReaped,
			m.turnsTotal,
			m.turnDuration,
			m.phaseTransitions,
			m.payloadDecodeErrs,
			m.completionTotal,
			m.completionDuration,
			m.memoryStoreDuration,
			m.memoryRetrieveDuration,
			m.templateReloads,
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

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(laneKind string, queueSize int, lane string) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(laneKind).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.taskDuration.WithLabelValues(status(success)).Observe(duration.Seconds())
	if queueSize == 0 {
		m.queueSize.DeleteLabelValues(lane)
		return
	}
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordDuplicateTurn(laneKind string) {
	getMetrics().duplicates.WithLabelValues(laneKind).Inc()
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionsReaped(count int) {
	getMetrics().sessionsReaped.Add(float64(count))
}

// RecordTurn records one handled user turn. outcome is a short label such as
// "ok", "credential", "endpoint" or "template".
func RecordTurn(flow, outcome string, duration time.Duration) {
	m := getMetrics()
	m.turnsTotal.WithLabelValues(flow, outcome).Inc()
	m.turnDuration.WithLabelValues(flow).Observe(duration.Seconds())
}

func RecordPhaseTransition(to string) {
	getMetrics().phaseTransitions.WithLabelValues(to).Inc()
}

func RecordPayloadDecodeError(schema string) {
	getMetrics().payloadDecodeErrs.WithLabelValues(schema).Inc()
}

func RecordCompletion(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.completionTotal.WithLabelValues(provider, status(success)).Inc()
	m.completionDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordMemoryStore(duration time.Duration) {
	getMetrics().memoryStoreDuration.Observe(duration.Seconds())
}

func RecordMemoryRetrieve(duration time.Duration) {
	getMetrics().memoryRetrieveDuration.Observe(duration.Seconds())
}

func RecordTemplateReload(success bool) {
	getMetrics().templateReloads.WithLabelValues(status(success)).Inc()
}
