package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinic/backoffice/internal/config"
	"github.com/clinic/backoffice/internal/domain/scheduling"
	"github.com/clinic/backoffice/internal/platform/auth"
	"github.com/clinic/backoffice/internal/platform/db"
	"github.com/clinic/backoffice/internal/platform/jobs"
	"github.com/clinic/backoffice/internal/platform/lock"
	"github.com/clinic/backoffice/internal/platform/metrics"
	"github.com/clinic/backoffice/internal/platform/middleware"
	"github.com/clinic/backoffice/internal/platform/recurrence"
)

const (
	extendJobName    = "extend-open-series"
	extendJobTimeout = 10 * time.Minute
	shutdownTimeout  = 10 * time.Second
	maxBodySize      = "1M"

	readHeaderTimeout = 5 * time.Second
	requestTimeout    = 30 * time.Second
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "clinic-server",
		Short:        "Clinic back-office appointment API",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seriesCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the appointment API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationsDir(cmd, cfg))
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationsDir(cmd, cfg)).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func migrationsDir(cmd *cobra.Command, cfg *config.Config) string {
	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		return dir
	}
	return cfg.MigrationsDir
}

func printMigrationStatus(cmd *cobra.Command, statuses []db.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func seriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "series",
		Short: "Maintain recurring appointment series",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "extend",
		Short: "Materialize open-ended series up to the recurrence horizon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			locker, closeLocker, err := newLocker(cfg, logger)
			if err != nil {
				return err
			}
			defer closeLocker()

			svc := newService(cfg, scheduling.NewAppointmentRepoPG(pool), locker, metrics.New(prometheus.NewRegistry()), logger)
			report, err := svc.ExtendOpenEndedSeries(ctx, time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "series=%d created=%d skipped=%d failed=%d\n",
				report.Series, report.Created, report.Skipped, report.Failed)
			return nil
		},
	})
	return cmd
}

// newLogger builds the process logger: JSON by default, console output in
// development.
func newLogger(cfg *config.Config) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout)
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	return logger.Level(level).With().Timestamp().Logger(), nil
}

// newLocker returns a Redis-backed series lock when REDIS_URL is set and an
// in-process one otherwise. The returned func releases the client.
func newLocker(cfg *config.Config, logger zerolog.Logger) (lock.Locker, func(), error) {
	if cfg.RedisURL == "" {
		logger.Warn().Msg("REDIS_URL not set, series locks are local to this process")
		return lock.NewLocal(cfg.SeriesLockWait), func() {}, nil
	}
	client, err := lock.NewRedisClient(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return lock.NewRedis(client, cfg.SeriesLockTTL, cfg.SeriesLockWait, logger), func() { _ = client.Close() }, nil
}

func newService(cfg *config.Config, repo scheduling.AppointmentRepository, locker lock.Locker, m *metrics.Metrics, logger zerolog.Logger) *scheduling.Service {
	planner := scheduling.NewPlanner(recurrence.Generator{
		MaxOccurrences: cfg.RecurrenceMaxOccurrences,
		Horizon:        cfg.RecurrenceHorizon(),
	})
	guard := scheduling.NewLimitGuard(repo, cfg.DailyAppointmentLimit)
	return scheduling.NewService(repo, planner, guard, locker, m, logger)
}

// newServer wires middleware, health and metrics endpoints and the
// appointment API.
func newServer(cfg *config.Config, logger zerolog.Logger, pinger db.Pinger, svc *scheduling.Service, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadHeaderTimeout = readHeaderTimeout
	e.Server.ReadTimeout = requestTimeout
	e.Server.WriteTimeout = requestTimeout

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(m.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, middleware.RequestIDHeader},
	}))
	e.Use(echomw.BodyLimit(maxBodySize))

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pinger))
	e.GET("/metrics", m.Handler())

	apiV1 := e.Group("/api/v1")
	scheduling.NewHandler(svc).RegisterRoutes(apiV1)
	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	locker, closeLocker, err := newLocker(cfg, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	m := metrics.New(nil)
	svc := newService(cfg, scheduling.NewAppointmentRepoPG(pool), locker, m, logger)

	runner, err := newJobRunner(cfg, logger, svc)
	if err != nil {
		return err
	}
	jobsDone := make(chan struct{})
	go func() {
		defer close(jobsDone)
		runner.Start(ctx)
	}()

	e := newServer(cfg, logger, pool, svc, m)
	serverErr := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		logger.Error().Err(err).Msg("server error")
		stop()
		<-jobsDone
		return err
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	<-jobsDone
	logger.Info().Msg("server stopped")
	return nil
}

func newJobRunner(cfg *config.Config, logger zerolog.Logger, svc *scheduling.Service) (*jobs.Runner, error) {
	runner := jobs.NewRunner(logger, extendJobTimeout)
	err := runner.Register(extendJobName, cfg.ExtendSchedule, func(ctx context.Context) error {
		report, err := svc.ExtendOpenEndedSeries(ctx, time.Now().UTC())
		if err != nil {
			return err
		}
		logger.Info().
			Int("series", report.Series).
			Int("created", report.Created).
			Int("skipped", report.Skipped).
			Int("failed", report.Failed).
			Msg("open-ended series extended")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return runner, nil
}
