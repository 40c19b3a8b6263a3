package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's prometheus instruments on a private
// registry, so each Gateway instance (tests included) registers cleanly.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal       *prometheus.CounterVec
	RateLimitedTotal    *prometheus.CounterVec
	FailOpenTotal       prometheus.Counter
	ProxyErrorsTotal    *prometheus.CounterVec
	UpgradeConnections  prometheus.Gauge
	InstancesDiscovered *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total number of requests handled, by route key and status class",
			},
			[]string{"route", "status"},
		),
		RateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_rate_limited_total",
				Help: "Total number of requests rejected by the rate limiter, by scope",
			},
			[]string{"scope"},
		),
		FailOpenTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_fail_open_total",
				Help: "Total number of requests passed without a rate-limit decision",
			},
		),
		ProxyErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_proxy_errors_total",
				Help: "Total number of backend failures surfaced as 502, by service key",
			},
			[]string{"service"},
		),
		UpgradeConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_upgrade_connections",
				Help: "Number of spliced bidirectional connections currently open",
			},
		),
		InstancesDiscovered: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_instances_discovered",
				Help: "Number of healthy instances last discovered, by service name",
			},
			[]string{"service"},
		),
	}

	m.registry.MustRegister(
		m.RequestsTotal,
		m.RateLimitedTotal,
		m.FailOpenTotal,
		m.ProxyErrorsTotal,
		m.UpgradeConnections,
		m.InstancesDiscovered,
	)
	return m
}

// Handler serves the /metrics endpoint for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
