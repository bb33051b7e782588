// Package metrics holds the prometheus collectors for the gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector the gateway reports.
type Metrics struct {
	reg *prometheus.Registry

	Fetches       *prometheus.CounterVec
	CacheWrites   *prometheus.CounterVec
	Installs      *prometheus.CounterVec
	Activations   *prometheus.CounterVec
	Evictions     prometheus.Counter
	Notifications *prometheus.CounterVec
	DeferredTasks prometheus.Gauge
}

// New creates the collectors and registers them on a private registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		Fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cachegate",
			Name:      "fetches_total",
			Help:      "Intercepted fetches by destination and where the response came from.",
		}, []string{"destination", "source"}),
		CacheWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cachegate",
			Name:      "cache_writes_total",
			Help:      "Deferred cache writes by generation kind and result.",
		}, []string{"generation", "result"}),
		Installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cachegate",
			Name:      "installs_total",
			Help:      "Install attempts by result.",
		}, []string{"result"}),
		Activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cachegate",
			Name:      "activations_total",
			Help:      "Activation attempts by result.",
		}, []string{"result"}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cachegate",
			Name:      "generations_evicted_total",
			Help:      "Stale cache generations deleted on activation.",
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cachegate",
			Name:      "notifications_total",
			Help:      "Push notifications by result.",
		}, []string{"result"}),
		DeferredTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cachegate",
			Name:      "deferred_tasks_in_flight",
			Help:      "Deferred tasks registered on events that have not finished.",
		}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Fetches, m.CacheWrites, m.Installs, m.Activations,
		m.Evictions, m.Notifications, m.DeferredTasks,
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Result maps an error to a "success"/"failure" label.
func Result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
