// Package metrics exposes Prometheus collectors for the HTTP surface and the
// appointment series engine.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clinic"

type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	httpInFlight    prometheus.Gauge
	plansApplied    *prometheus.CounterVec
	planRows        *prometheus.CounterVec
	seriesSize      prometheus.Histogram
	limitRejections prometheus.Counter
	extendedSeries  *prometheus.CounterVec
}

// New registers the collectors on reg. A nil reg means the default registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status code",
		}, []string{"method", "route", "status_code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "HTTP requests currently being served",
		}),
		plansApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "series",
			Name:      "plans_total",
			Help:      "Series plans by operation, scope and outcome",
		}, []string{"operation", "scope", "outcome"}),
		planRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "series",
			Name:      "plan_rows_total",
			Help:      "Rows written by applied series plans",
		}, []string{"kind"}),
		seriesSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "series",
			Name:      "generated_occurrences",
			Help:      "Occurrences generated per new series",
			Buckets:   []float64{1, 2, 5, 10, 25, 52, 100, 200, 365},
		}),
		limitRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "series",
			Name:      "limit_rejections_total",
			Help:      "Requests rejected by the daily appointment limit",
		}),
		extendedSeries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "series",
			Name:      "extended_total",
			Help:      "Open-ended series processed by the extender",
		}, []string{"outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.httpRequests, m.httpDuration, m.httpInFlight, m.plansApplied,
		m.planRows, m.seriesSize, m.limitRejections, m.extendedSeries)
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}
	return m
}

// Middleware records request counts and latency by route pattern.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			m.httpInFlight.Inc()
			start := time.Now()

			err := next(c)

			m.httpInFlight.Dec()
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			method := c.Request().Method
			m.httpRequests.WithLabelValues(method, route, strconv.Itoa(statusOf(c, err))).Inc()
			m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// statusOf is the status the error handler will write for err.
func statusOf(c echo.Context, err error) int {
	if err == nil {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	g := prometheus.DefaultGatherer
	if m != nil && m.gatherer != nil {
		g = m.gatherer
	}
	return echo.WrapHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}

func (m *Metrics) ObservePlan(operation, scope, outcome string) {
	if m == nil {
		return
	}
	m.plansApplied.WithLabelValues(operation, scope, outcome).Inc()
}

func (m *Metrics) ObservePlanRows(created, updated, deleted int) {
	if m == nil {
		return
	}
	m.planRows.WithLabelValues("created").Add(float64(created))
	m.planRows.WithLabelValues("updated").Add(float64(updated))
	m.planRows.WithLabelValues("deleted").Add(float64(deleted))
}

func (m *Metrics) ObserveSeriesSize(n int) {
	if m == nil {
		return
	}
	m.seriesSize.Observe(float64(n))
}

func (m *Metrics) ObserveLimitRejection() {
	if m == nil {
		return
	}
	m.limitRejections.Inc()
}

func (m *Metrics) ObserveExtended(outcome string) {
	if m == nil {
		return
	}
	m.extendedSeries.WithLabelValues(outcome).Inc()
}
