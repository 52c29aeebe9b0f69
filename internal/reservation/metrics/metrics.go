package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	TransitionsTotal   *prometheus.CounterVec
	AttendanceTotal    *prometheus.CounterVec
	SweepRunsTotal     *prometheus.CounterVec
	SweepExpiredTotal  prometheus.Counter
	SweepFailuresTotal prometheus.Counter
	SweepDuration      prometheus.Histogram
}

// New registers the reservation metrics on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the reservation metrics on reg.
func NewWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spacebook_reservation_requests_total",
			Help: "Reservation requests by outcome (created or the rejection reason)",
		}, []string{"outcome"}),
		TransitionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spacebook_reservation_transitions_total",
			Help: "Reservation state transitions by target status and actor kind",
		}, []string{"status", "actor"}),
		AttendanceTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spacebook_reservation_attendance_validations_total",
			Help: "Attendance token presentations by result",
		}, []string{"result"}),
		SweepRunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spacebook_expiry_sweep_runs_total",
			Help: "Expiry sweep ticks by result",
		}, []string{"result"}),
		SweepExpiredTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "spacebook_expiry_sweep_expired_total",
			Help: "Pending holds cancelled by the expiry sweep",
		}),
		SweepFailuresTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "spacebook_expiry_sweep_row_failures_total",
			Help: "Rows the expiry sweep failed to persist",
		}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "spacebook_expiry_sweep_duration_seconds",
			Help:    "Duration of expiry sweeps that ran",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
	}
}

// The helpers below are nil-safe so callers can run without metrics.

func (m *Metrics) IncRequest(outcome string) {
	if m != nil {
		m.RequestsTotal.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncTransition(status, actor string) {
	if m != nil {
		m.TransitionsTotal.WithLabelValues(status, actor).Inc()
	}
}

func (m *Metrics) IncAttendance(result string) {
	if m != nil {
		m.AttendanceTotal.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) ObserveSweep(result string, expired, failed int, took time.Duration) {
	if m == nil {
		return
	}
	m.SweepRunsTotal.WithLabelValues(result).Inc()
	m.SweepExpiredTotal.Add(float64(expired))
	m.SweepFailuresTotal.Add(float64(failed))
	if result != "skipped" {
		m.SweepDuration.Observe(took.Seconds())
	}
}
