package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the scheduler's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	fires    *prometheus.CounterVec
	arms     prometheus.Counter
	failures *prometheus.CounterVec
	next     prometheus.Gauge
	interval prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg (if non-nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wallsched",
			Subsystem: "scheduler",
			Name:      "fires_total",
			Help:      "Task invocations, by reason (timer, catchup).",
		}, []string{"reason"}),
		arms: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wallsched",
			Subsystem: "scheduler",
			Name:      "arms_total",
			Help:      "Timers armed (each supersedes the previous one).",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wallsched",
			Subsystem: "scheduler",
			Name:      "failures_total",
			Help:      "Swallowed failures, by kind (persistence, scheduling, deallocated).",
		}, []string{"kind"}),
		next: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wallsched",
			Subsystem: "scheduler",
			Name:      "next_execution_timestamp_seconds",
			Help:      "Unix time of the next scheduled execution.",
		}),
		interval: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wallsched",
			Subsystem: "scheduler",
			Name:      "interval_seconds",
			Help:      "Currently selected interval.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.fires, m.arms, m.failures, m.next, m.interval)
	}
	return m
}

func (m *Metrics) fired(reason string) {
	if m == nil {
		return
	}
	m.fires.WithLabelValues(reason).Inc()
}

func (m *Metrics) armed(next time.Time) {
	if m == nil {
		return
	}
	m.arms.Inc()
	m.next.Set(TimeToEpoch(next))
}

func (m *Metrics) failure(kind string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(kind).Inc()
}

func (m *Metrics) setInterval(d time.Duration) {
	if m == nil {
		return
	}
	m.interval.Set(d.Seconds())
}
