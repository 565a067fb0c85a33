package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lending-engine/lending"
)

var configKeys = []string{
	"PORT", "ENVIRONMENT", "LOG_LEVEL", "DATABASE_PATH", "SCHEDULER_ENABLED",
	"SCHEDULER_INTERVAL_MINUTES", "BATCH_WORKERS", "STRICT_LEDGER_POSTING",
	"ACCRUAL_FREQUENCY", "DAY_COUNT_CONVENTION", "ALLOWED_ORIGINS", "SENTRY_DSN",
}

// clearEnv unsets every configuration variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range configKeys {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "lending.db", cfg.DatabasePath)
	assert.True(t, cfg.SchedulerEnabled)
	assert.Equal(t, time.Hour, cfg.SchedulerInterval)
	assert.Equal(t, 4, cfg.BatchWorkers)
	assert.False(t, cfg.StrictLedger)
	assert.Equal(t, lending.DefaultCompanyConfig(), cfg.CompanyDefaults())
	assert.Len(t, cfg.AllowedOrigins, 2)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("SCHEDULER_ENABLED", "false")
	t.Setenv("SCHEDULER_INTERVAL_MINUTES", "15")
	t.Setenv("STRICT_LEDGER_POSTING", "true")
	t.Setenv("ACCRUAL_FREQUENCY", "monthly")
	t.Setenv("DAY_COUNT_CONVENTION", "actual_360")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.False(t, cfg.SchedulerEnabled)
	assert.Equal(t, 15*time.Minute, cfg.SchedulerInterval)
	assert.True(t, cfg.StrictLedger)
	assert.Equal(t, lending.FreqMonthly, cfg.CompanyDefaults().AccrualFrequency)
	assert.Equal(t, lending.DayCountActual360, cfg.CompanyDefaults().DayCountConvention)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"DATABASE_PATH", ""},
		{"BATCH_WORKERS", "0"},
		{"SCHEDULER_INTERVAL_MINUTES", "-5"},
		{"ACCRUAL_FREQUENCY", "hourly"},
		{"DAY_COUNT_CONVENTION", "30_360"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_MalformedNumbersFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("BATCH_WORKERS", "many")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.BatchWorkers)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()

	// GIVEN: No file at the path
	assert.NoError(t, loadDotEnv(filepath.Join(dir, "missing.env")))

	// GIVEN: A readable file
	clearEnv(t)
	valid := filepath.Join(dir, "valid.env")
	require.NoError(t, os.WriteFile(valid, []byte("PORT=7070\n"), 0o600))
	require.NoError(t, loadDotEnv(valid))
	assert.Equal(t, "7070", os.Getenv("PORT"))

	// GIVEN: A path that exists but cannot be read as a file
	unreadable := filepath.Join(dir, "dir.env")
	require.NoError(t, os.Mkdir(unreadable, 0o700))
	err := loadDotEnv(unreadable)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load")
}
