package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/metadata-extractor/internal/cost"
	"github.com/sells-group/metadata-extractor/internal/resilience"
)

// Provider names accepted in presets.
const (
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderStub      = "stub"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig             `yaml:"store" mapstructure:"store"`
	Log        LogConfig               `yaml:"log" mapstructure:"log"`
	Anthropic  AnthropicConfig         `yaml:"anthropic" mapstructure:"anthropic"`
	Gemini     GeminiConfig            `yaml:"gemini" mapstructure:"gemini"`
	Presets    map[string]PresetConfig `yaml:"presets" mapstructure:"presets"`
	Extract    ExtractConfig           `yaml:"extract" mapstructure:"extract"`
	Circuit    CircuitConfig           `yaml:"circuit" mapstructure:"circuit"`
	Batch      BatchConfig             `yaml:"batch" mapstructure:"batch"`
	Source     SourceConfig            `yaml:"source" mapstructure:"source"`
	Server     ServerConfig            `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig        `yaml:"monitoring" mapstructure:"monitoring"`
	Pricing    []PriceConfig           `yaml:"pricing" mapstructure:"pricing"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// GeminiConfig holds Google GenAI settings. Backend is "gemini" (API key)
// or "vertex" (project + location, application default credentials).
type GeminiConfig struct {
	Key      string `yaml:"key" mapstructure:"key"`
	Backend  string `yaml:"backend" mapstructure:"backend"`
	Project  string `yaml:"project" mapstructure:"project"`
	Location string `yaml:"location" mapstructure:"location"`
}

// PresetConfig names a model variant and how to reach it.
type PresetConfig struct {
	Provider    string   `yaml:"provider" mapstructure:"provider"`
	Model       string   `yaml:"model" mapstructure:"model"`
	MaxTokens   int      `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature *float64 `yaml:"temperature" mapstructure:"temperature"`
	RPS         float64  `yaml:"rps" mapstructure:"rps"`
	Burst       int      `yaml:"burst" mapstructure:"burst"`
}

// ExtractConfig configures the attempt controller and prompt rendering.
type ExtractConfig struct {
	Preset              string        `yaml:"preset" mapstructure:"preset"`
	FallbackPreset      string        `yaml:"fallback_preset" mapstructure:"fallback_preset"`
	MaxAttemptsPerModel int           `yaml:"max_attempts_per_model" mapstructure:"max_attempts_per_model"`
	TimeoutSecs         int           `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Backoff             BackoffConfig `yaml:"backoff" mapstructure:"backoff"`
	Template            string        `yaml:"template" mapstructure:"template"`
	TemplateDir         string        `yaml:"template_dir" mapstructure:"template_dir"`
	SchemaPath          string        `yaml:"schema_path" mapstructure:"schema_path"`
	AnalysisLog         string        `yaml:"analysis_log" mapstructure:"analysis_log"`
}

// BackoffConfig is the wait between attempts on the same preset.
type BackoffConfig struct {
	InitialMs  int     `yaml:"initial_ms" mapstructure:"initial_ms"`
	MaxMs      int     `yaml:"max_ms" mapstructure:"max_ms"`
	Multiplier float64 `yaml:"multiplier" mapstructure:"multiplier"`
	Jitter     float64 `yaml:"jitter" mapstructure:"jitter"`
}

// CircuitConfig configures the per-preset circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
	Offset      int `yaml:"offset" mapstructure:"offset"`
	Limit       int `yaml:"limit" mapstructure:"limit"`
	PauseMs     int `yaml:"pause_ms" mapstructure:"pause_ms"`
}

// SourceConfig locates the input documents.
type SourceConfig struct {
	Path      string `yaml:"path" mapstructure:"path"`
	Format    string `yaml:"format" mapstructure:"format"`
	IDField   string `yaml:"id_field" mapstructure:"id_field"`
	TextField string `yaml:"text_field" mapstructure:"text_field"`
	Encoding  string `yaml:"encoding" mapstructure:"encoding"`
	MinLength int    `yaml:"min_length" mapstructure:"min_length"`
}

// ServerConfig configures the read-only HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// PriceConfig overrides the token price of one provider model, in USD per
// million tokens. Model names often contain dots, so prices are a list
// rather than a map.
type PriceConfig struct {
	Model  string  `yaml:"model" mapstructure:"model"`
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// MonitoringConfig configures the counter checker that posts alerts to a
// webhook. An empty WebhookURL disables it.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	RetryRateThreshold   float64 `yaml:"retry_rate_threshold" mapstructure:"retry_rate_threshold"`
	MinRequests          int64   `yaml:"min_requests" mapstructure:"min_requests"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// Load reads configuration from file and environment. path overrides the
// default ./config.yaml lookup.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("EXTRACT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "extraction-stats.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("gemini.backend", "gemini")
	v.SetDefault("gemini.location", "us-central1")
	v.SetDefault("presets.claude-haiku.provider", ProviderAnthropic)
	v.SetDefault("presets.claude-haiku.model", "claude-haiku-4-5-20251001")
	v.SetDefault("presets.claude-haiku.max_tokens", 1024)
	v.SetDefault("presets.claude-sonnet.provider", ProviderAnthropic)
	v.SetDefault("presets.claude-sonnet.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("presets.claude-sonnet.max_tokens", 1024)
	v.SetDefault("presets.gemini-flash.provider", ProviderGemini)
	v.SetDefault("presets.gemini-flash.model", "gemini-2.5-flash")
	v.SetDefault("presets.gemini-flash.max_tokens", 1024)
	v.SetDefault("presets.stub.provider", ProviderStub)
	v.SetDefault("extract.preset", "claude-haiku")
	v.SetDefault("extract.max_attempts_per_model", 3)
	v.SetDefault("extract.timeout_secs", 120)
	v.SetDefault("extract.backoff.initial_ms", 5000)
	v.SetDefault("extract.backoff.max_ms", 30000)
	v.SetDefault("extract.backoff.multiplier", 1.0)
	v.SetDefault("extract.backoff.jitter", 0)
	v.SetDefault("extract.template", "analysis")
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("batch.concurrency", 4)
	v.SetDefault("batch.limit", 1000)
	v.SetDefault("source.id_field", "id")
	v.SetDefault("source.text_field", "text")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("monitoring.failure_rate_threshold", 0.10)
	v.SetDefault("monitoring.retry_rate_threshold", 1.0)
	v.SetDefault("monitoring.min_requests", 5)
	v.SetDefault("monitoring.check_interval_secs", 300)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command needs. mode is one of "run",
// "offline" (run without model providers), "serve" or "store".
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required")
		}
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q must be sqlite or postgres", c.Store.Driver))
	}

	switch mode {
	case "run", "offline":
		problems = append(problems, c.validateRun(mode == "offline")...)
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			problems = append(problems, "server.port must be > 0 and <= 65535")
		}
	case "store":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) validateRun(offline bool) []string {
	var problems []string

	if c.Source.Path == "" {
		problems = append(problems, "source.path is required")
	}
	if c.Batch.Concurrency < 1 || c.Batch.Concurrency > 64 {
		problems = append(problems, "batch.concurrency must be between 1 and 64")
	}
	if c.Batch.Offset < 0 || c.Batch.Limit < 0 || c.Batch.PauseMs < 0 {
		problems = append(problems, "batch.offset, batch.limit and batch.pause_ms must be >= 0")
	}
	if c.Extract.MaxAttemptsPerModel < 1 {
		problems = append(problems, "extract.max_attempts_per_model must be >= 1")
	}
	if c.Extract.TimeoutSecs < 1 {
		problems = append(problems, "extract.timeout_secs must be >= 1")
	}
	if c.Extract.Preset == "" {
		problems = append(problems, "extract.preset is required")
	}
	if c.Extract.FallbackPreset != "" && c.Extract.FallbackPreset == c.Extract.Preset {
		problems = append(problems, "extract.fallback_preset must differ from extract.preset")
	}
	if offline {
		return problems
	}

	for _, name := range []string{c.Extract.Preset, c.Extract.FallbackPreset} {
		if name == "" {
			continue
		}
		p, ok := c.Presets[name]
		if !ok {
			problems = append(problems, fmt.Sprintf("preset %q is not defined (known: %s)", name, strings.Join(c.PresetNames(), ", ")))
			continue
		}
		switch p.Provider {
		case ProviderAnthropic:
			if c.Anthropic.Key == "" {
				problems = append(problems, "anthropic.key is required for preset "+name)
			}
			if p.Model == "" {
				problems = append(problems, "presets."+name+".model is required")
			}
		case ProviderGemini:
			if c.Gemini.Backend == "vertex" {
				if c.Gemini.Project == "" {
					problems = append(problems, "gemini.project is required for preset "+name)
				}
			} else if c.Gemini.Key == "" {
				problems = append(problems, "gemini.key is required for preset "+name)
			}
			if p.Model == "" {
				problems = append(problems, "presets."+name+".model is required")
			}
		case ProviderStub:
		default:
			problems = append(problems, fmt.Sprintf("presets.%s.provider %q is unknown", name, p.Provider))
		}
	}
	return problems
}

// PresetNames returns the configured preset names in sorted order.
func (c *Config) PresetNames() []string {
	names := make([]string, 0, len(c.Presets))
	for n := range c.Presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Rates returns the default model prices with the configured overrides.
func (c *Config) Rates() cost.Rates {
	overrides := make(cost.Rates, len(c.Pricing))
	for _, p := range c.Pricing {
		overrides[p.Model] = cost.ModelRate{Input: p.Input, Output: p.Output}
	}
	return cost.DefaultRates().With(overrides)
}

// Retry converts the backoff settings into a resilience.RetryConfig.
func (c *Config) Retry() resilience.RetryConfig {
	b := c.Extract.Backoff
	return resilience.FromRetryConfig(c.Extract.MaxAttemptsPerModel, b.InitialMs, b.MaxMs, b.Multiplier, b.Jitter)
}

// Timeout is the per-call deadline.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Extract.TimeoutSecs) * time.Second
}

// Pause is the wait between documents handled by one worker.
func (c *Config) Pause() time.Duration {
	return time.Duration(c.Batch.PauseMs) * time.Millisecond
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
