// Package metrics exposes Prometheus collectors for route executions and
// destination deliveries. A nil *Metrics is valid and records nothing.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultNamespace is used when no namespace is configured
const DefaultNamespace = "data_router"

// Delivery attempt outcomes
const (
	OutcomeSuccess  = "success"
	OutcomeRetry    = "retry"
	OutcomeFailure  = "failure"
	OutcomeRejected = "rejected"
)

// Metrics holds the collectors for one registerer
type Metrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	executionsTotal   *prometheus.CounterVec
	recordsTotal      *prometheus.CounterVec
	attemptsTotal     *prometheus.CounterVec
	deliveredTotal    *prometheus.CounterVec
	batchDurationHist *prometheus.HistogramVec
}

func newCounterVec(namespace, subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// New creates the collectors. A nil registerer uses the default registry.
func New(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:      registerer,
		executionsTotal: newCounterVec(namespace, "route", "executions_total", "Route executions by final state", []string{"route", "state"}),
		recordsTotal:    newCounterVec(namespace, "route", "records_total", "Records seen by a route execution by stage", []string{"route", "stage"}),
		attemptsTotal:   newCounterVec(namespace, "delivery", "attempts_total", "Delivery attempts by outcome", []string{"destination", "outcome"}),
		deliveredTotal:  newCounterVec(namespace, "delivery", "records_total", "Records accepted by destinations", []string{"destination"}),
		batchDurationHist: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "delivery",
				Name:      "batch_duration_seconds",
				Help:      "Time spent delivering one batch including retries",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"destination"},
		),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.executionsTotal,
		m.recordsTotal,
		m.attemptsTotal,
		m.deliveredTotal,
		m.batchDurationHist,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordExecution counts a finished execution
func (m *Metrics) RecordExecution(route, state string) {
	if m == nil {
		return
	}
	m.executionsTotal.WithLabelValues(route, state).Inc()
}

// RecordRecords adds count records for a stage such as input, dropped or unmatched
func (m *Metrics) RecordRecords(route, stage string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.recordsTotal.WithLabelValues(route, stage).Add(float64(count))
}

// RecordAttempt counts one delivery attempt
func (m *Metrics) RecordAttempt(destination, outcome string) {
	if m == nil {
		return
	}
	m.attemptsTotal.WithLabelValues(destination, outcome).Inc()
}

// RecordBatch records a finished batch and the records it delivered
func (m *Metrics) RecordBatch(destination string, delivered int, duration time.Duration) {
	if m == nil {
		return
	}
	if delivered > 0 {
		m.deliveredTotal.WithLabelValues(destination).Add(float64(delivered))
	}
	m.batchDurationHist.WithLabelValues(destination).Observe(duration.Seconds())
}
