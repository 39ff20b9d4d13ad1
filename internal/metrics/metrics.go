package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lab"

// Metrics holds the control plane's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions   prometheus.Gauge
	Provisioned      *prometheus.CounterVec
	Terminated       *prometheus.CounterVec
	MaintenanceTicks *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Number of sessions in provisioning or running status.",
		}),
		Provisioned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "provisioned_total",
			Help:      "Sessions provisioned, by provisioning mode.",
		}, []string{"mode"}),
		Terminated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "terminated_total",
			Help:      "Sessions that reached a terminal status.",
		}, []string{"status"}),
		MaintenanceTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "maintenance",
			Name:      "ticks_total",
			Help:      "Maintenance loop ticks, by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.ActiveSessions,
		m.Provisioned,
		m.Terminated,
		m.MaintenanceTicks,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
