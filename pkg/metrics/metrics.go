// Package metrics holds the controller's prometheus collectors. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"modernvpn/pkg/model"
)

const namespace = "modernvpn"

// Assignment outcomes.
const (
	OutcomeCreated = "created"
	OutcomeReused  = "reused"
)

type Metrics struct {
	registry    *prometheus.Registry
	assignments *prometheus.CounterVec
	duration    prometheus.Histogram
	servers     *prometheus.GaugeVec
}

// New registers the collectors on a fresh registry together with the Go and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		assignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignments_total",
			Help:      "Assignment requests by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "assign_duration_seconds",
			Help:      "Time spent serving an assignment request.",
			Buckets:   prometheus.DefBuckets,
		}),
		servers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "catalog_servers",
			Help:      "Servers in the catalog by state.",
		}, []string{"state"}),
	}
	m.registry.MustRegister(
		m.assignments,
		m.duration,
		m.servers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveAssign records one finished assignment request.
func (m *Metrics) ObserveAssign(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.assignments.WithLabelValues(outcome).Inc()
	m.duration.Observe(d.Seconds())
}

// SetCatalog resets the per-state server gauge from a full catalog listing.
func (m *Metrics) SetCatalog(servers []model.Server) {
	if m == nil {
		return
	}
	m.servers.Reset()
	for _, st := range []model.ServerState{model.StateOnline, model.StateMaintenance, model.StateOffline} {
		m.servers.WithLabelValues(string(st)).Set(0)
	}
	for _, s := range servers {
		m.servers.WithLabelValues(string(s.State)).Inc()
	}
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
