// Package metrics exposes Prometheus metrics for the resolution pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thankful-ai/ensproxy/internal/ensproxy"
	"github.com/thankful-ai/ensproxy/internal/intercept"
)

var (
	_ ensproxy.Metrics  = &Metrics{}
	_ intercept.Metrics = &Metrics{}
)

// Metrics holds every collector on its own registry, so tests can create as
// many as they like.
type Metrics struct {
	reg *prometheus.Registry

	CacheLookups    *prometheus.CounterVec
	ResolveDuration *prometheus.HistogramVec
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	Rebinds         prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		CacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ensproxy_cache_lookups_total",
				Help: "Resolution cache lookups by table and result",
			},
			[]string{"table", "result"},
		),
		ResolveDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ensproxy_resolve_duration_seconds",
				Help:    "Time to resolve and fetch a target",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"outcome"},
		),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "ensproxy_sessions_active",
			Help: "Interception sessions which have not closed",
		}),
		SessionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ensproxy_sessions_total",
				Help: "Closed interception sessions by outcome",
			},
			[]string{"outcome"},
		),
		Rebinds: f.NewCounter(prometheus.CounterOpts{
			Name: "ensproxy_rpc_rebinds_total",
			Help: "Times the ENS RPC endpoint was rebound",
		}),
	}
}

func (m *Metrics) CacheLookup(table string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(table, result).Inc()
}

func (m *Metrics) ObserveResolve(outcome string, d time.Duration) {
	m.ResolveDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) SessionStarted() {
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionClosed(outcome string) {
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Rebound() {
	m.Rebinds.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
