// CLAUDE:SUMMARY Prometheus collectors for exchanges, detector waits, rotations, recoveries and queue depth.
// Package observability records what the bridge does: SQLite event and
// heartbeat rows for after-the-fact inspection, Prometheus collectors for
// live scraping.
package observability

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for bridge activity. A nil *Metrics
// is a no-op.
type Metrics struct {
	exchanges  *prometheus.CounterVec
	waitTime   *prometheus.HistogramVec
	rotations  *prometheus.CounterVec
	recoveries prometheus.Counter
	queueDepth prometheus.Gauge
}

// MustNewMetrics constructs and registers the collectors. Collectors already
// registered under the same name are reused; other registration errors panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatbridge",
			Name:      "exchanges_total",
			Help:      "Completed send/receive exchanges by outcome.",
		}, []string{"outcome"}),
		waitTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chatbridge",
			Name:      "completion_wait_seconds",
			Help:      "Time spent waiting for the reply to finish.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 90, 120},
		}, []string{"outcome"}),
		rotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatbridge",
			Name:      "rotations_total",
			Help:      "Fresh conversations opened, by trigger and result.",
		}, []string{"trigger", "result"}),
		recoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatbridge",
			Name:      "session_recoveries_total",
			Help:      "Browser sessions rebuilt after a failed liveness check.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatbridge",
			Name:      "queue_depth",
			Help:      "Jobs waiting for the browser worker.",
		}),
	}

	m.exchanges = register(reg, m.exchanges)
	m.waitTime = register(reg, m.waitTime)
	m.rotations = register(reg, m.rotations)
	m.recoveries = register(reg, m.recoveries)
	m.queueDepth = register(reg, m.queueDepth)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// ObserveExchange counts an exchange and its wait time.
func (m *Metrics) ObserveExchange(outcome string, wait time.Duration) {
	if m == nil {
		return
	}
	m.exchanges.WithLabelValues(outcome).Inc()
	if wait > 0 {
		m.waitTime.WithLabelValues(outcome).Observe(wait.Seconds())
	}
}

// IncRotation counts a conversation rotation. trigger is "threshold" or
// "explicit".
func (m *Metrics) IncRotation(trigger string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.rotations.WithLabelValues(trigger, result).Inc()
}

// IncRecovery counts a session rebuild.
func (m *Metrics) IncRecovery() {
	if m == nil {
		return
	}
	m.recoveries.Inc()
}

// SetQueueDepth reports the number of waiting jobs.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
