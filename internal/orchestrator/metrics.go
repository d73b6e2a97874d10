package orchestrator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report execution and audit
// activity.
type Metrics struct {
	taskDuration       *prometheus.HistogramVec
	tasksTotal         *prometheus.CounterVec
	taskRetries        *prometheus.CounterVec
	tasksRunning       prometheus.Gauge
	graphsTotal        *prometheus.CounterVec
	auditAppends       *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
	planCache          *prometheus.GaugeVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Registration errors panic, except that an identical collector already
// registered is reused.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "taskcore",
				Subsystem: "executor",
				Name:      "task_duration_seconds",
				Help:      "Wall time from dispatch to terminal state, per capability.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"capability", "status"},
		),
		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "taskcore",
				Subsystem: "executor",
				Name:      "tasks_total",
				Help:      "Tasks that reached a terminal state.",
			},
			[]string{"capability", "status"},
		),
		taskRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "taskcore",
				Subsystem: "executor",
				Name:      "task_retries_total",
				Help:      "Capability invocations that were retried.",
			},
			[]string{"capability"},
		),
		tasksRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "taskcore",
				Subsystem: "executor",
				Name:      "tasks_running",
				Help:      "Tasks currently running.",
			},
		),
		graphsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "taskcore",
				Subsystem: "executor",
				Name:      "graphs_total",
				Help:      "Executed graphs by outcome.",
			},
			[]string{"status"},
		),
		auditAppends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "taskcore",
				Subsystem: "audit",
				Name:      "records_total",
				Help:      "Audit records written, by kind.",
			},
			[]string{"kind"},
		),
		breakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "taskcore",
				Subsystem: "executor",
				Name:      "circuit_breaker_transitions_total",
				Help:      "Circuit breaker state changes, by capability and new state.",
			},
			[]string{"capability", "state"},
		),
		planCache: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "taskcore",
				Subsystem: "planner",
				Name:      "plan_cache",
				Help:      "Plan cache counters since start, by kind.",
			},
			[]string{"kind"},
		),
	}

	register := func(c prometheus.Collector) prometheus.Collector {
		if err := reg.Register(c); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return already.ExistingCollector
			}
			panic(err)
		}
		return c
	}
	m.taskDuration = register(m.taskDuration).(*prometheus.HistogramVec)
	m.tasksTotal = register(m.tasksTotal).(*prometheus.CounterVec)
	m.taskRetries = register(m.taskRetries).(*prometheus.CounterVec)
	m.tasksRunning = register(m.tasksRunning).(prometheus.Gauge)
	m.graphsTotal = register(m.graphsTotal).(*prometheus.CounterVec)
	m.auditAppends = register(m.auditAppends).(*prometheus.CounterVec)
	m.breakerTransitions = register(m.breakerTransitions).(*prometheus.CounterVec)
	m.planCache = register(m.planCache).(*prometheus.GaugeVec)
	return m
}

// ObserveTask records a terminal task transition.
func (m *Metrics) ObserveTask(capability, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.tasksTotal.WithLabelValues(capability, status).Inc()
	m.taskDuration.WithLabelValues(capability, status).Observe(duration.Seconds())
}

// IncRetry counts one retried invocation.
func (m *Metrics) IncRetry(capability string) {
	if m == nil {
		return
	}
	m.taskRetries.WithLabelValues(capability).Inc()
}

// IncRunning marks a task as running.
func (m *Metrics) IncRunning() {
	if m == nil {
		return
	}
	m.tasksRunning.Inc()
}

// DecRunning marks a running task as finished.
func (m *Metrics) DecRunning() {
	if m == nil {
		return
	}
	m.tasksRunning.Dec()
}

// IncGraph counts a finished graph.
func (m *Metrics) IncGraph(status GraphStatus) {
	if m == nil {
		return
	}
	m.graphsTotal.WithLabelValues(string(status)).Inc()
}

// IncAudit counts an audit record of the given kind ("entry" or "decision").
func (m *Metrics) IncAudit(kind string) {
	if m == nil {
		return
	}
	m.auditAppends.WithLabelValues(kind).Inc()
}

// IncBreakerTransition counts a circuit breaker state change.
func (m *Metrics) IncBreakerTransition(capability, state string) {
	if m == nil {
		return
	}
	m.breakerTransitions.WithLabelValues(capability, state).Inc()
}

// SetPlanCache publishes plan cache counters.
func (m *Metrics) SetPlanCache(hits, misses, evictions uint64) {
	if m == nil {
		return
	}
	m.planCache.WithLabelValues("hits").Set(float64(hits))
	m.planCache.WithLabelValues("misses").Set(float64(misses))
	m.planCache.WithLabelValues("evictions").Set(float64(evictions))
}
