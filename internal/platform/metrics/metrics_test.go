package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsObserve(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObservePlan("create", "single", "applied")
	m.ObservePlanRows(3, 1, 2)
	m.ObserveSeriesSize(10)
	m.ObserveLimitRejection()
	m.ObserveExtended("extended")

	if got := testutil.ToFloat64(m.plansApplied.WithLabelValues("create", "single", "applied")); got != 1 {
		t.Errorf("plans_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.planRows.WithLabelValues("created")); got != 3 {
		t.Errorf("plan_rows_total{created} = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.limitRejections); got != 1 {
		t.Errorf("limit_rejections_total = %v, want 1", got)
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.ObservePlan("delete", "all", "failed")
	m.ObservePlanRows(1, 1, 1)
	m.ObserveSeriesSize(1)
	m.ObserveLimitRejection()
	m.ObserveExtended("skipped")

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	h := m.Middleware()(func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMiddleware_RecordsRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/appointments/:id", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/missing/:id", func(c echo.Context) error { return echo.NewHTTPError(http.StatusNotFound, "nope") })

	for _, path := range []string{"/appointments/1", "/appointments/2", "/missing/1"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/appointments/:id", "200")); got != 2 {
		t.Errorf("requests_total{200} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/missing/:id", "404")); got != 1 {
		t.Errorf("requests_total{404} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.httpInFlight); got != 0 {
		t.Errorf("active_requests = %v, want 0", got)
	}
}

func TestHandler_ServesRegistry(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveLimitRejection()

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/metrics", nil), rec)
	if err := m.Handler()(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), "clinic_series_limit_rejections_total 1") {
		t.Errorf("expected limit rejection counter in output, got:\n%s", rec.Body.String())
	}
}
