package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

type Config struct {
	Port                     string        `mapstructure:"PORT"`
	Env                      string        `mapstructure:"ENV"`
	LogLevel                 string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL              string        `mapstructure:"DATABASE_URL"`
	DBMaxConns               int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns               int32         `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir            string        `mapstructure:"MIGRATIONS_DIR"`
	RedisURL                 string        `mapstructure:"REDIS_URL"`
	AuthSigningKey           string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer               string        `mapstructure:"AUTH_ISSUER"`
	CORSOrigins              []string      `mapstructure:"CORS_ORIGINS"`
	DailyAppointmentLimit    int           `mapstructure:"DAILY_APPOINTMENT_LIMIT"`
	RecurrenceMaxOccurrences int           `mapstructure:"RECURRENCE_MAX_OCCURRENCES"`
	RecurrenceHorizonDays    int           `mapstructure:"RECURRENCE_HORIZON_DAYS"`
	SeriesLockTTL            time.Duration `mapstructure:"SERIES_LOCK_TTL"`
	SeriesLockWait           time.Duration `mapstructure:"SERIES_LOCK_WAIT"`
	ExtendSchedule           string        `mapstructure:"EXTEND_SCHEDULE"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
	"REDIS_URL",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "CORS_ORIGINS",
	"DAILY_APPOINTMENT_LIMIT", "RECURRENCE_MAX_OCCURRENCES", "RECURRENCE_HORIZON_DAYS",
	"SERIES_LOCK_TTL", "SERIES_LOCK_WAIT", "EXTEND_SCHEDULE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("DAILY_APPOINTMENT_LIMIT", 0)
	v.SetDefault("RECURRENCE_MAX_OCCURRENCES", 365)
	v.SetDefault("RECURRENCE_HORIZON_DAYS", 365)
	v.SetDefault("SERIES_LOCK_TTL", "15s")
	v.SetDefault("SERIES_LOCK_WAIT", "2s")
	v.SetDefault("EXTEND_SCHEDULE", "0 3 * * *")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i, o := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(o)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// RecurrenceHorizon is how far ahead open-ended series are materialized.
func (c *Config) RecurrenceHorizon() time.Duration {
	return time.Duration(c.RecurrenceHorizonDays) * 24 * time.Hour
}

// Validate checks that the configuration is safe to run. Outside development
// AUTH_SIGNING_KEY must be set so bearer tokens are verified.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when ENV=%q", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 characters")
	}
	if c.DBMinConns < 0 || c.DBMaxConns < 1 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("invalid pool size: DB_MIN_CONNS=%d DB_MAX_CONNS=%d", c.DBMinConns, c.DBMaxConns)
	}
	if c.DailyAppointmentLimit < 0 {
		return fmt.Errorf("DAILY_APPOINTMENT_LIMIT must not be negative")
	}
	if c.RecurrenceMaxOccurrences < 1 {
		return fmt.Errorf("RECURRENCE_MAX_OCCURRENCES must be positive")
	}
	if c.RecurrenceHorizonDays < 1 {
		return fmt.Errorf("RECURRENCE_HORIZON_DAYS must be positive")
	}
	if c.SeriesLockTTL <= 0 {
		return fmt.Errorf("SERIES_LOCK_TTL must be positive")
	}
	if c.SeriesLockWait < 0 {
		return fmt.Errorf("SERIES_LOCK_WAIT must not be negative")
	}
	if _, err := cron.ParseStandard(c.ExtendSchedule); err != nil {
		return fmt.Errorf("EXTEND_SCHEDULE: %w", err)
	}
	return nil
}
