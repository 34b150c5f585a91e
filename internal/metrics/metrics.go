// Package metrics defines the Prometheus collectors of the admission service.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Enrollments       *prometheus.CounterVec
	Promoted          prometheus.Counter
	PromoteBatch      prometheus.Histogram
	SchedulerTicks    prometheus.Counter
	SchedulerFailures prometheus.Counter
	AccessChecks      *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Enrollments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "admission",
			Name:      "enrollments_total",
			Help:      "Enrollment attempts by result.",
		}, []string{"result"}),
		Promoted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "admission",
			Name:      "promoted_total",
			Help:      "Users moved from waiting to admitted.",
		}),
		PromoteBatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "admission",
			Name:      "promote_batch_size",
			Help:      "Users admitted per promotion call.",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 500},
		}),
		SchedulerTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "admission",
			Name:      "scheduler_ticks_total",
			Help:      "Promotion scheduler ticks that ran.",
		}),
		SchedulerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "admission",
			Name:      "scheduler_failures_total",
			Help:      "Per-queue promotion failures during scheduler ticks.",
		}),
		AccessChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "admission",
			Name:      "access_checks_total",
			Help:      "Access checks by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.Enrollments,
		m.Promoted,
		m.PromoteBatch,
		m.SchedulerTicks,
		m.SchedulerFailures,
		m.AccessChecks,
	)
	return m
}

// ObserveEnroll counts an enrollment attempt.
func (m *Metrics) ObserveEnroll(result string) {
	if m == nil {
		return
	}
	m.Enrollments.WithLabelValues(result).Inc()
}

// ObservePromote records one promotion call that admitted n users.
func (m *Metrics) ObservePromote(n int64) {
	if m == nil {
		return
	}
	m.Promoted.Add(float64(n))
	m.PromoteBatch.Observe(float64(n))
}

// ObserveTick counts a scheduler tick and its per-queue failures.
func (m *Metrics) ObserveTick(failures int) {
	if m == nil {
		return
	}
	m.SchedulerTicks.Inc()
	m.SchedulerFailures.Add(float64(failures))
}

// ObserveAccess counts an access check.
func (m *Metrics) ObserveAccess(result string) {
	if m == nil {
		return
	}
	m.AccessChecks.WithLabelValues(result).Inc()
}
