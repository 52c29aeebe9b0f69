package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds process level metrics shared by the platform packages.
type Metrics struct {
	DependencyUp        *prometheus.GaugeVec
	ReadinessChecks     *prometheus.CounterVec
	NotificationsTotal  *prometheus.CounterVec
	NotifierCircuitOpen *prometheus.GaugeVec
}

func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

func NewWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DependencyUp: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spacebook_dependency_up",
			Help: "1 when the last readiness probe of the dependency succeeded",
		}, []string{"dependency"}),
		ReadinessChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spacebook_readiness_checks_total",
			Help: "Readiness probes by dependency and result",
		}, []string{"dependency", "result"}),
		NotificationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spacebook_notifications_total",
			Help: "Lifecycle events handed to a notifier, by driver and result",
		}, []string{"driver", "result"}),
		NotifierCircuitOpen: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spacebook_notifier_circuit_open",
			Help: "1 while the notifier circuit is open and events go to the fallback",
		}, []string{"driver"}),
	}
}

func (m *Metrics) ObserveReadiness(dependency string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.DependencyUp.WithLabelValues(dependency).Set(0)
		m.ReadinessChecks.WithLabelValues(dependency, "fail").Inc()
		return
	}
	m.DependencyUp.WithLabelValues(dependency).Set(1)
	m.ReadinessChecks.WithLabelValues(dependency, "ok").Inc()
}

func (m *Metrics) IncNotification(driver, result string) {
	if m != nil {
		m.NotificationsTotal.WithLabelValues(driver, result).Inc()
	}
}

func (m *Metrics) SetCircuitOpen(driver string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.NotifierCircuitOpen.WithLabelValues(driver).Set(v)
}
