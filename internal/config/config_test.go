package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

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
	chdirTemp(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "extraction-stats.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "claude-haiku", cfg.Extract.Preset)
	assert.Empty(t, cfg.Extract.FallbackPreset)
	assert.Equal(t, 3, cfg.Extract.MaxAttemptsPerModel)
	assert.Equal(t, 120, cfg.Extract.TimeoutSecs)
	assert.Equal(t, 5000, cfg.Extract.Backoff.InitialMs)
	assert.InDelta(t, 1.0, cfg.Extract.Backoff.Multiplier, 0.001)
	assert.Equal(t, "analysis", cfg.Extract.Template)
	assert.Equal(t, 4, cfg.Batch.Concurrency)
	assert.Equal(t, 1000, cfg.Batch.Limit)
	assert.Equal(t, "id", cfg.Source.IDField)
	assert.Equal(t, "text", cfg.Source.TextField)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"claude-haiku", "claude-sonnet", "gemini-flash", "stub"}, cfg.PresetNames())
	assert.Equal(t, ProviderAnthropic, cfg.Presets["claude-haiku"].Provider)
	assert.Equal(t, "gemini-2.5-flash", cfg.Presets["gemini-flash"].Model)
	assert.Empty(t, cfg.Monitoring.WebhookURL)
	assert.InDelta(t, 0.10, cfg.Monitoring.FailureRateThreshold, 0.001)
	assert.EqualValues(t, 5, cfg.Monitoring.MinRequests)
	assert.Equal(t, 300, cfg.Monitoring.CheckIntervalSecs)
	assert.Empty(t, cfg.Pricing)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/extract
log:
  level: debug
  format: console
presets:
  local:
    provider: stub
  sonnet-slow:
    provider: anthropic
    model: claude-sonnet-4-5-20250929
    temperature: 0.2
    rps: 0.5
extract:
  preset: sonnet-slow
  fallback_preset: local
  backoff:
    initial_ms: 100
batch:
  concurrency: 8
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "sonnet-slow", cfg.Extract.Preset)
	assert.Equal(t, "local", cfg.Extract.FallbackPreset)
	assert.Equal(t, 8, cfg.Batch.Concurrency)

	p := cfg.Presets["sonnet-slow"]
	require.NotNil(t, p.Temperature)
	assert.InDelta(t, 0.2, *p.Temperature, 0.001)
	assert.InDelta(t, 0.5, p.RPS, 0.001)
	assert.Equal(t, ProviderStub, cfg.Presets["local"].Provider)

	// Defaults still apply for unset values.
	assert.Equal(t, 3, cfg.Extract.MaxAttemptsPerModel)
	assert.Contains(t, cfg.Presets, "claude-haiku")
}

func TestLoadExplicitPath(t *testing.T) {
	chdirTemp(t)
	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9999\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("log:\n  level: debug\n"), 0o644))

	t.Setenv("EXTRACT_LOG_LEVEL", "warn")
	t.Setenv("EXTRACT_BATCH_CONCURRENCY", "2")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 2, cfg.Batch.Concurrency)
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NotNil(t, zap.L())
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
	assert.Error(t, InitLogger(LogConfig{Level: "invalid", Format: "json"}))
}

func validRun() *Config {
	return &Config{
		Store:     StoreConfig{Driver: "sqlite", DatabaseURL: "x.db"},
		Anthropic: AnthropicConfig{Key: "sk-ant"},
		Presets: map[string]PresetConfig{
			"haiku": {Provider: ProviderAnthropic, Model: "claude-haiku-4-5-20251001"},
			"flash": {Provider: ProviderGemini, Model: "gemini-2.5-flash"},
			"stub":  {Provider: ProviderStub},
		},
		Extract: ExtractConfig{Preset: "haiku", MaxAttemptsPerModel: 3, TimeoutSecs: 120},
		Batch:   BatchConfig{Concurrency: 4},
		Source:  SourceConfig{Path: "pages.jsonl"},
		Server:  ServerConfig{Port: 8080},
	}
}

func TestValidateRun(t *testing.T) {
	assert.NoError(t, validRun().Validate("run"))
}

func TestValidateRun_Problems(t *testing.T) {
	cfg := validRun()
	cfg.Anthropic.Key = ""
	cfg.Source.Path = ""
	cfg.Batch.Concurrency = 0
	cfg.Extract.FallbackPreset = "missing"

	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required for preset haiku")
	assert.Contains(t, err.Error(), "source.path is required")
	assert.Contains(t, err.Error(), "batch.concurrency must be between 1 and 64")
	assert.Contains(t, err.Error(), `preset "missing" is not defined`)
}

func TestValidateRun_Gemini(t *testing.T) {
	cfg := validRun()
	cfg.Extract.Preset = "flash"

	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gemini.key is required")

	cfg.Gemini.Backend = "vertex"
	cfg.Gemini.Project = "proj"
	assert.NoError(t, cfg.Validate("run"))
}

func TestValidateRun_SameFallback(t *testing.T) {
	cfg := validRun()
	cfg.Extract.FallbackPreset = "haiku"
	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must differ")
}

func TestValidateOffline_SkipsProviders(t *testing.T) {
	cfg := validRun()
	cfg.Anthropic.Key = ""
	cfg.Extract.Preset = "undefined"
	assert.NoError(t, cfg.Validate("offline"))
}

func TestValidateStore(t *testing.T) {
	cfg := &Config{Store: StoreConfig{Driver: "postgres"}}
	err := cfg.Validate("store")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.Driver = "mysql"
	cfg.Store.DatabaseURL = "x"
	err = cfg.Validate("store")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be sqlite or postgres")
}

func TestValidateServe(t *testing.T) {
	cfg := validRun()
	assert.NoError(t, cfg.Validate("serve"))

	cfg.Server.Port = 0
	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
}

func TestValidateUnknownMode(t *testing.T) {
	err := validRun().Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestDerivedDurations(t *testing.T) {
	cfg := validRun()
	cfg.Extract.Backoff = BackoffConfig{InitialMs: 5000, MaxMs: 30000, Multiplier: 1}
	cfg.Batch.PauseMs = 250

	r := cfg.Retry()
	assert.Equal(t, 3, r.MaxAttempts)
	assert.Equal(t, 5*time.Second, r.Backoff(0))
	assert.Equal(t, 5*time.Second, r.Backoff(2))
	assert.Equal(t, 2*time.Minute, cfg.Timeout())
	assert.Equal(t, 250*time.Millisecond, cfg.Pause())
}

func TestLoadPricingOverrides(t *testing.T) {
	dir := chdirTemp(t)
	yaml := `
pricing:
  - model: gemini-2.5-flash
    input: 0.5
    output: 3
  - model: my-finetune
    input: 2
    output: 8
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load("")
	require.NoError(t, err)
	require.Len(t, cfg.Pricing, 2)

	rates := cfg.Rates()
	assert.InDelta(t, 0.5, rates["gemini-2.5-flash"].Input, 1e-9)
	assert.InDelta(t, 8.0, rates["my-finetune"].Output, 1e-9)
	assert.InDelta(t, 1.0, rates["claude-haiku-4-5-20251001"].Input, 1e-9)
}
