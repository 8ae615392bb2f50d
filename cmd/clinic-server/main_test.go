package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinic/backoffice/internal/config"
	"github.com/clinic/backoffice/internal/platform/db"
	"github.com/clinic/backoffice/internal/platform/lock"
	"github.com/clinic/backoffice/internal/platform/metrics"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func testConfig(env string) *config.Config {
	return &config.Config{
		Port:                     "8000",
		Env:                      env,
		LogLevel:                 "info",
		DatabaseURL:              "postgres://localhost/clinic",
		DBMaxConns:               5,
		DBMinConns:               1,
		MigrationsDir:            "./migrations",
		AuthSigningKey:           "0123456789abcdef0123456789abcdef",
		AuthIssuer:               "clinic-auth",
		CORSOrigins:              []string{"http://localhost:3000"},
		RecurrenceMaxOccurrences: 365,
		RecurrenceHorizonDays:    365,
		SeriesLockTTL:            15 * time.Second,
		SeriesLockWait:           time.Second,
		ExtendSchedule:           "0 3 * * *",
	}
}

func testServer(t *testing.T, cfg *config.Config, pinger db.Pinger) *echo.Echo {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	svc := newService(cfg, nil, lock.NewLocal(0), m, zerolog.Nop())
	return newServer(cfg, zerolog.Nop(), pinger, svc, m)
}

func serve(e *echo.Echo, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestNewLogger(t *testing.T) {
	cfg := testConfig("production")
	cfg.LogLevel = "WARN"
	logger, err := newLogger(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if logger.GetLevel() != zerolog.WarnLevel {
		t.Errorf("expected warn level, got %s", logger.GetLevel())
	}

	cfg.LogLevel = ""
	if logger, _ := newLogger(cfg); logger.GetLevel() != zerolog.InfoLevel {
		t.Errorf("expected empty level to default to info, got %s", logger.GetLevel())
	}

	cfg.LogLevel = "loud"
	if _, err := newLogger(cfg); err == nil {
		t.Error("expected an unknown level to fail")
	}
}

func TestNewLocker(t *testing.T) {
	cfg := testConfig("development")
	locker, closeFn, err := newLocker(cfg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn()
	if _, ok := locker.(*lock.Local); !ok {
		t.Errorf("expected a local locker without REDIS_URL, got %T", locker)
	}

	mr := miniredis.RunT(t)
	cfg.RedisURL = "redis://" + mr.Addr()
	locker, closeRedis, err := newLocker(cfg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer closeRedis()
	if _, ok := locker.(*lock.Redis); !ok {
		t.Fatalf("expected a redis locker, got %T", locker)
	}
	unlock, err := locker.Lock(context.Background(), lock.SeriesKey("abc"))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if !mr.Exists("clinic:lock:" + lock.SeriesKey("abc")) {
		t.Error("expected the lock key in redis")
	}
	unlock()

	cfg.RedisURL = "not-a-url://"
	if _, _, err := newLocker(cfg, zerolog.Nop()); err == nil {
		t.Error("expected an invalid REDIS_URL to fail")
	}
}

func TestServer_PublicEndpoints(t *testing.T) {
	e := testServer(t, testConfig("production"), fakePinger{})

	rec := serve(e, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Errorf("/health: expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers")
	}

	if rec := serve(e, http.MethodGet, "/health/db"); rec.Code != http.StatusOK {
		t.Errorf("/health/db: expected 200, got %d", rec.Code)
	}

	rec = serve(e, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics: expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "clinic_http_requests_total") {
		t.Error("expected http request metrics in the scrape")
	}
}

func TestServer_DatabaseDown(t *testing.T) {
	e := testServer(t, testConfig("production"), fakePinger{err: errors.New("connection refused")})
	if rec := serve(e, http.MethodGet, "/health/db"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestServer_RequiresTokenOutsideDevelopment(t *testing.T) {
	e := testServer(t, testConfig("production"), fakePinger{})
	if rec := serve(e, http.MethodGet, "/api/v1/appointments/not-a-uuid"); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestServer_DevelopmentAuthReachesHandlers(t *testing.T) {
	e := testServer(t, testConfig("development"), fakePinger{})
	if rec := serve(e, http.MethodGet, "/api/v1/appointments/not-a-uuid"); rec.Code != http.StatusBadRequest {
		t.Errorf("expected the handler's 400, got %d", rec.Code)
	}
}

func TestNewJobRunner(t *testing.T) {
	cfg := testConfig("production")
	svc := newService(cfg, nil, lock.NewLocal(0), nil, zerolog.Nop())
	if _, err := newJobRunner(cfg, zerolog.Nop(), svc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg.ExtendSchedule = "every tuesday"
	if _, err := newJobRunner(cfg, zerolog.Nop(), svc); err == nil {
		t.Error("expected an invalid schedule to fail")
	}
}

func TestMigrationsDir(t *testing.T) {
	cfg := testConfig("production")
	cmd := &cobra.Command{}
	cmd.Flags().String("dir", "", "")

	if got := migrationsDir(cmd, cfg); got != "./migrations" {
		t.Errorf("expected config default, got %q", got)
	}
	_ = cmd.Flags().Set("dir", "/srv/migrations")
	if got := migrationsDir(cmd, cfg); got != "/srv/migrations" {
		t.Errorf("expected flag override, got %q", got)
	}
}

func TestPrintMigrationStatus(t *testing.T) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	applied := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	printMigrationStatus(cmd, []db.MigrationStatus{
		{Version: 1, Name: "appointments", Applied: true, AppliedAt: &applied},
		{Version: 2, Name: "series_indexes"},
	})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header, rule and 2 rows, got %d lines", len(lines))
	}
	if !strings.Contains(lines[2], "applied") || !strings.Contains(lines[2], "2025-03-01 12:00:00") {
		t.Errorf("unexpected applied row %q", lines[2])
	}
	if !strings.Contains(lines[3], "pending") {
		t.Errorf("unexpected pending row %q", lines[3])
	}
}

func TestCommands(t *testing.T) {
	if got := migrateCmd().Commands(); len(got) != 2 {
		t.Errorf("expected migrate up and status, got %d subcommands", len(got))
	}
	sub, _, err := seriesCmd().Find([]string{"extend"})
	if err != nil || sub.Use != "extend" {
		t.Errorf("expected series extend, got %v", err)
	}
}
