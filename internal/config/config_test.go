package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "harvest.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.Model)
	assert.Equal(t, 20, cfg.Harvest.MaxPages)
	assert.Equal(t, 500, cfg.Harvest.MinTextLength)
	assert.Equal(t, 3, cfg.Harvest.Concurrency)
	assert.Equal(t, time.Hour, cfg.Harvest.OrphanWindow)
	assert.True(t, cfg.Harvest.DetectLanguage)
	assert.InDelta(t, 60.0, cfg.Extract.ConfidenceThreshold, 0.001)
	assert.Equal(t, 45*time.Second, cfg.Extract.AITimeout)
	assert.Equal(t, "local", cfg.Jobs.Runner)
	assert.Equal(t, 2*time.Second, cfg.Jobs.PollInterval)
	assert.Equal(t, 5*time.Minute, cfg.Jobs.PollTimeout)
	assert.InDelta(t, 70.0, cfg.Quality.ApproveThreshold, 0.001)
	assert.Equal(t, "local", cfg.OCR.Provider)
	assert.Equal(t, "mistral-ocr-latest", cfg.OCR.MistralModel)
	assert.Equal(t, int64(25<<20), cfg.OCR.MaxBytes)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 5, cfg.Circuit.FailureThreshold)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/harvest
log:
  level: debug
  format: console
server:
  port: 9090
harvest:
  orphan_window: 30m
  sites_file: sites.yaml
extract:
  async_name_keywords: [budget, annexe]
  field_mapping:
    title: nom_aide
review:
  webhook_url: https://hooks.example.fr/review
pricing:
  anthropic:
    claude-haiku-4-5-20251001:
      input: 1
      output: 5
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 30*time.Minute, cfg.Harvest.OrphanWindow)
	assert.Equal(t, "sites.yaml", cfg.Harvest.SitesFile)
	assert.Equal(t, []string{"budget", "annexe"}, cfg.Extract.AsyncNameKeywords)
	assert.Equal(t, "nom_aide", cfg.Extract.FieldMapping["title"])
	assert.Equal(t, "https://hooks.example.fr/review", cfg.Review.WebhookURL)
	assert.InDelta(t, 5.0, cfg.Pricing.Anthropic["claude-haiku-4-5-20251001"].Output, 0.001)
	// Defaults still apply for unset values
	assert.Equal(t, 20, cfg.Harvest.MaxPages)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("HARVEST_STORE_DRIVER", "postgres")
	t.Setenv("HARVEST_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("HARVEST_SERVER_PORT", "3000")
	t.Setenv("HARVEST_JOBS_POLL_TIMEOUT", "90s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 90*time.Second, cfg.Jobs.PollTimeout)
}

func TestLoadDotEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("HARVEST_QUALITY_APPROVE_THRESHOLD=80\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("HARVEST_QUALITY_APPROVE_THRESHOLD") }) //nolint:errcheck

	cfg, err := Load()
	require.NoError(t, err)
	assert.InDelta(t, 80.0, cfg.Quality.ApproveThreshold, 0.001)
}

func TestLoadWithFile(t *testing.T) {
	chdirTemp(t)
	path := filepath.Join(t.TempDir(), "prod.yml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  driver: postgres\nserver:\n  port: 7070\n"), 0644))

	cfg, err := Load(WithFile(path))
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 7070, cfg.Server.Port)

	_, err = Load(WithFile(filepath.Join(t.TempDir(), "missing.yaml")))
	assert.Error(t, err)
}

func TestLoadFlagOverridesEnv(t *testing.T) {
	chdirTemp(t)
	t.Setenv("HARVEST_LOG_LEVEL", "warn")
	t.Setenv("HARVEST_STORE_DATABASE_URL", "from-env.db")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("log-level", "", "")
	fs.String("database", "", "")
	require.NoError(t, fs.Parse([]string{"--log-level", "debug"}))

	cfg, err := Load(
		WithFlag("log.level", fs.Lookup("log-level")),
		WithFlag("store.database_url", fs.Lookup("database")),
		WithFlag("log.format", nil),
	)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	// An unset flag leaves the environment in charge.
	assert.Equal(t, "from-env.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

func TestAccountKeys(t *testing.T) {
	c := AnthropicConfig{Key: "sk-1", Keys: []string{"sk-2", " sk-1 ", "", "sk-3"}}
	assert.Equal(t, []string{"sk-1", "sk-2", "sk-3"}, c.AccountKeys())
	assert.Empty(t, AnthropicConfig{}.AccountKeys())
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "harvest.db"
	cfg.Anthropic.Key = "sk-ant-key"
	cfg.Harvest.Concurrency = 3
	cfg.Extract.ConfidenceThreshold = 60
	cfg.Jobs.Runner = "local"
	cfg.Jobs.PollInterval = 2 * time.Second
	cfg.Quality.ApproveThreshold = 70
	cfg.Server.Port = 8080
	return cfg
}

func TestValidateHarvest(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = ""
	assert.NoError(t, cfg.Validate(ScopeHarvest))

	cfg.Store.Driver = "mysql"
	cfg.Store.DatabaseURL = ""
	err := cfg.Validate(ScopeHarvest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `store.driver "mysql" is not supported`)
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestValidateExtract_MissingFields(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = ""
	cfg.Jobs.Runner = "remote"
	cfg.Jobs.PollInterval = 0

	err := cfg.Validate(ScopeExtract)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required")
	assert.Contains(t, err.Error(), "jobs.base_url is required")
	assert.Contains(t, err.Error(), "jobs.poll_interval must be > 0")
}

func TestValidateExtract_KeysList(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = ""
	cfg.Anthropic.Keys = []string{"sk-a", "sk-b"}
	assert.NoError(t, cfg.Validate(ScopeExtract))
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate(ScopeServe))

	cfg.Server.Port = 0
	err := cfg.Validate(ScopeServe)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateConcurrencyBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Harvest.Concurrency = 0
	err := cfg.Validate(ScopeHarvest)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "harvest.concurrency must be between 1 and 20")

	cfg.Harvest.Concurrency = 21
	assert.Error(t, cfg.Validate(ScopeHarvest))

	cfg.Harvest.Concurrency = 20
	assert.NoError(t, cfg.Validate(ScopeHarvest))
}

func TestValidateThresholds(t *testing.T) {
	cfg := validDefaults()

	cfg.Extract.ConfidenceThreshold = -1
	err := cfg.Validate(ScopeServe)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "extract.confidence_threshold")

	cfg.Extract.ConfidenceThreshold = 60
	cfg.Quality.ApproveThreshold = 101
	err = cfg.Validate(ScopeServe)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "quality.approve_threshold")

	cfg.Quality.ApproveThreshold = 70
	assert.NoError(t, cfg.Validate(ScopeServe))
}
