// Package metrics exposes Prometheus collectors for the screening workflow.
// All recording methods are safe on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "screening"

type Metrics struct {
	registry *prometheus.Registry

	scoredBatteries   *prometheus.CounterVec
	redFlags          *prometheus.CounterVec
	tokenValidations  *prometheus.CounterVec
	reportsGenerated  *prometheus.CounterVec
	integrityFailures prometheus.Counter
	httpDuration      *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		scoredBatteries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scored_batteries_total",
			Help:      "Completed batteries scored, by battery and primary severity.",
		}, []string{"battery", "severity"}),
		redFlags: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "red_flags_total",
			Help:      "Red flags raised by scorers.",
		}, []string{"flag"}),
		tokenValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_validations_total",
			Help:      "Public access token validations by outcome.",
		}, []string{"outcome"}),
		reportsGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_generated_total",
			Help:      "Report lifecycle events, by kind (generated, corrected or rendered).",
		}, []string{"kind"}),
		integrityFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_failures_total",
			Help:      "Report downloads whose stored digest did not match.",
		}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	m.registry.MustRegister(
		m.scoredBatteries, m.redFlags, m.tokenValidations,
		m.reportsGenerated, m.integrityFailures, m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) BatteryScored(battery, severity string, flags []string) {
	if m == nil {
		return
	}
	m.scoredBatteries.WithLabelValues(battery, severity).Inc()
	for _, f := range flags {
		m.redFlags.WithLabelValues(f).Inc()
	}
}

func (m *Metrics) TokenValidated(outcome string) {
	if m == nil {
		return
	}
	m.tokenValidations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ReportGenerated(kind string) {
	if m == nil {
		return
	}
	m.reportsGenerated.WithLabelValues(kind).Inc()
}

func (m *Metrics) IntegrityFailure() {
	if m == nil {
		return
	}
	m.integrityFailures.Inc()
}

// Middleware observes request latency labelled by the route pattern, so
// path parameters (including public tokens) never become label values.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.httpDuration.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}
