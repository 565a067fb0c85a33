// Package config loads server configuration from the environment. A .env
// file in the working directory is read first when present.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/warp/lending-engine/lending"
	"github.com/warp/lending-engine/logger"
)

// Config holds all application configuration
type Config struct {
	// Server
	Port        string
	Environment string
	LogLevel    string

	// Database
	DatabasePath string

	// Batch scheduler
	SchedulerEnabled  bool
	SchedulerInterval time.Duration
	BatchWorkers      int

	// Ledger
	StrictLedger bool

	// Default company configuration
	AccrualFrequency   lending.AccrualFrequency
	DayCountConvention lending.DayCountConvention

	// CORS
	AllowedOrigins []string

	// Sentry
	SentryDSN string
}

// loadDotEnv reads path into the environment. A missing file is not an
// error; real environments set variables directly.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		logger.Warn("ignoring .env", slog.Any("error", err))
	}

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		Environment:        getEnv("ENVIRONMENT", "development"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		DatabasePath:       getEnv("DATABASE_PATH", "lending.db"),
		SchedulerEnabled:   getEnvAsBool("SCHEDULER_ENABLED", true),
		SchedulerInterval:  time.Duration(getEnvAsInt("SCHEDULER_INTERVAL_MINUTES", 60)) * time.Minute,
		BatchWorkers:       getEnvAsInt("BATCH_WORKERS", 4),
		StrictLedger:       getEnvAsBool("STRICT_LEDGER_POSTING", false),
		AccrualFrequency:   lending.AccrualFrequency(getEnv("ACCRUAL_FREQUENCY", string(lending.FreqDaily))),
		DayCountConvention: lending.DayCountConvention(getEnv("DAY_COUNT_CONVENTION", string(lending.DayCountActual365))),
		AllowedOrigins:     getEnvAsSlice("ALLOWED_ORIGINS", []string{"http://localhost:5173", "http://localhost:8080"}),
		SentryDSN:          getEnv("SENTRY_DSN", ""),
	}

	if cfg.DatabasePath == "" {
		return nil, fmt.Errorf("DATABASE_PATH is required")
	}
	if cfg.BatchWorkers < 1 {
		return nil, fmt.Errorf("BATCH_WORKERS must be positive, got %d", cfg.BatchWorkers)
	}
	if cfg.SchedulerInterval <= 0 {
		return nil, fmt.Errorf("SCHEDULER_INTERVAL_MINUTES must be positive")
	}
	if err := cfg.CompanyDefaults().Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// CompanyDefaults is the configuration of companies without an override.
func (c *Config) CompanyDefaults() lending.CompanyConfig {
	return lending.CompanyConfig{
		AccrualFrequency:   c.AccrualFrequency,
		DayCountConvention: c.DayCountConvention,
	}
}

// getEnv reads an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvAsInt reads an environment variable as integer
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsSlice reads an environment variable as comma-separated slice
func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	return strings.Split(valueStr, ",")
}
