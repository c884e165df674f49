package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Harvest   HarvestConfig   `yaml:"harvest" mapstructure:"harvest"`
	Extract   ExtractConfig   `yaml:"extract" mapstructure:"extract"`
	Jobs      JobsConfig      `yaml:"jobs" mapstructure:"jobs"`
	Quality   QualityConfig   `yaml:"quality" mapstructure:"quality"`
	Review    ReviewConfig    `yaml:"review" mapstructure:"review"`
	OCR       OCRConfig       `yaml:"ocr" mapstructure:"ocr"`
	Retry     RetryConfig     `yaml:"retry" mapstructure:"retry"`
	Circuit   CircuitConfig   `yaml:"circuit" mapstructure:"circuit"`
	Pricing   PricingConfig   `yaml:"pricing" mapstructure:"pricing"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// AnthropicConfig holds Anthropic API settings. Keys lists every account in
// the rotation pool; Key is kept for single-account setups.
type AnthropicConfig struct {
	Key       string   `yaml:"key" mapstructure:"key"`
	Keys      []string `yaml:"keys" mapstructure:"keys"`
	Model     string   `yaml:"model" mapstructure:"model"`
	MaxTokens int      `yaml:"max_tokens" mapstructure:"max_tokens"`
	BaseURL   string   `yaml:"base_url" mapstructure:"base_url"`
}

// AccountKeys returns the de-duplicated list of configured API keys.
func (c AnthropicConfig) AccountKeys() []string {
	seen := make(map[string]bool)
	var keys []string
	for _, k := range append([]string{c.Key}, c.Keys...) {
		k = strings.TrimSpace(k)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	return keys
}

// HarvestConfig configures discovery and fetching of source pages.
type HarvestConfig struct {
	SitesFile         string        `yaml:"sites_file" mapstructure:"sites_file"`
	MaxPages          int           `yaml:"max_pages" mapstructure:"max_pages"`
	MinTextLength     int           `yaml:"min_text_length" mapstructure:"min_text_length"`
	RequestsPerSecond float64       `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Concurrency       int           `yaml:"concurrency" mapstructure:"concurrency"`
	OrphanWindow      time.Duration `yaml:"orphan_window" mapstructure:"orphan_window"`
	FetchTimeout      time.Duration `yaml:"fetch_timeout" mapstructure:"fetch_timeout"`
	UserAgent         string        `yaml:"user_agent" mapstructure:"user_agent"`
	DetectLanguage    bool          `yaml:"detect_language" mapstructure:"detect_language"`
}

// ExtractConfig configures the hybrid extractor and router.
type ExtractConfig struct {
	ConfidenceThreshold float64           `yaml:"confidence_threshold" mapstructure:"confidence_threshold"`
	AITimeout           time.Duration     `yaml:"ai_timeout" mapstructure:"ai_timeout"`
	MaxInputChars       int               `yaml:"max_input_chars" mapstructure:"max_input_chars"`
	AsyncDocumentTypes  []string          `yaml:"async_document_types" mapstructure:"async_document_types"`
	AsyncNameKeywords   []string          `yaml:"async_name_keywords" mapstructure:"async_name_keywords"`
	FieldMapping        map[string]string `yaml:"field_mapping" mapstructure:"field_mapping"`
}

// JobsConfig configures the async job runner and monitor.
type JobsConfig struct {
	Runner       string        `yaml:"runner" mapstructure:"runner"`
	BaseURL      string        `yaml:"base_url" mapstructure:"base_url"`
	Key          string        `yaml:"key" mapstructure:"key"`
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	PollTimeout  time.Duration `yaml:"poll_timeout" mapstructure:"poll_timeout"`
	JobTimeout   time.Duration `yaml:"job_timeout" mapstructure:"job_timeout"`
}

// QualityConfig configures the approval gate.
type QualityConfig struct {
	ApproveThreshold float64 `yaml:"approve_threshold" mapstructure:"approve_threshold"`
}

// ReviewConfig configures where manual-review items are sent.
type ReviewConfig struct {
	WebhookURL   string `yaml:"webhook_url" mapstructure:"webhook_url"`
	NotionToken  string `yaml:"notion_token" mapstructure:"notion_token"`
	NotionDB     string `yaml:"notion_db" mapstructure:"notion_db"`
	DashboardURL string `yaml:"dashboard_url" mapstructure:"dashboard_url"`
}

// OCRConfig configures text extraction from PDF attachments.
type OCRConfig struct {
	Provider      string `yaml:"provider" mapstructure:"provider"`
	PdfToTextPath string `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
	MistralKey    string `yaml:"mistral_api_key" mapstructure:"mistral_api_key"`
	MistralModel  string `yaml:"mistral_ocr_model" mapstructure:"mistral_ocr_model"`
	TempDir       string `yaml:"temp_dir" mapstructure:"temp_dir"`
	MaxBytes      int64  `yaml:"max_bytes" mapstructure:"max_bytes"`
}

// RetryConfig configures retry behavior for transient failures.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures the per-account circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// PricingConfig holds per-model Anthropic pricing rates.
type PricingConfig struct {
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// ServerConfig configures the trigger server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Modes accepted by Validate.
const (
	ScopeHarvest = "harvest"
	ScopeExtract = "extract"
	ScopeServe   = "serve"
)

// Validate checks that the settings a command cannot run without are
// present. All problems are reported together.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case ScopeHarvest:
		errs = append(errs, c.validateStore()...)
	case ScopeExtract:
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateExtract()...)
	case ScopeServe:
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateExtract()...)
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Harvest.Concurrency < 1 || c.Harvest.Concurrency > 20 {
		errs = append(errs, "harvest.concurrency must be between 1 and 20")
	}
	if c.Extract.ConfidenceThreshold < 0 || c.Extract.ConfidenceThreshold > 100 {
		errs = append(errs, "extract.confidence_threshold must be between 0 and 100")
	}
	if c.Quality.ApproveThreshold < 0 || c.Quality.ApproveThreshold > 100 {
		errs = append(errs, "quality.approve_threshold must be between 0 and 100")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	var errs []string
	if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}
	return errs
}

func (c *Config) validateExtract() []string {
	var errs []string
	if len(c.Anthropic.AccountKeys()) == 0 {
		errs = append(errs, "anthropic.key is required")
	}
	if c.Jobs.Runner == "remote" && c.Jobs.BaseURL == "" {
		errs = append(errs, "jobs.base_url is required for the remote runner")
	}
	if c.Jobs.PollInterval <= 0 {
		errs = append(errs, "jobs.poll_interval must be > 0")
	}
	return errs
}

// LoadOption adjusts how Load reads configuration.
type LoadOption func(v *viper.Viper) error

// WithFile reads path instead of searching for ./config.yaml. Unlike the
// searched file, an explicit one must exist. An empty path is ignored.
func WithFile(path string) LoadOption {
	return func(v *viper.Viper) error {
		if path != "" {
			v.SetConfigFile(path)
		}
		return nil
	}
}

// WithFlag binds a command-line flag to a config key. A flag set on the
// command line wins over the environment and the file. A nil flag is
// ignored.
func WithFlag(key string, f *pflag.Flag) LoadOption {
	return func(v *viper.Viper) error {
		if f == nil {
			return nil
		}
		return eris.Wrapf(v.BindPFlag(key, f), "config: bind flag %s", f.Name)
	}
}

// Load reads configuration from .env, file, environment and any bound
// flags, in increasing order of precedence.
func Load(opts ...LoadOption) (*Config, error) {
	// A missing .env is fine.
	_ = godotenv.Load()

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	for _, o := range opts {
		if err := o(v); err != nil {
			return nil, err
		}
	}

	// Environment
	v.SetEnvPrefix("HARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "harvest.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("harvest.max_pages", 20)
	v.SetDefault("harvest.min_text_length", 500)
	v.SetDefault("harvest.requests_per_second", 1.0)
	v.SetDefault("harvest.concurrency", 3)
	v.SetDefault("harvest.orphan_window", time.Hour)
	v.SetDefault("harvest.fetch_timeout", 15*time.Second)
	v.SetDefault("harvest.user_agent", "Mozilla/5.0 (compatible; SubsidyHarvester/1.0)")
	v.SetDefault("harvest.detect_language", true)
	v.SetDefault("extract.confidence_threshold", 60.0)
	v.SetDefault("extract.ai_timeout", 45*time.Second)
	v.SetDefault("extract.max_input_chars", 60000)
	v.SetDefault("jobs.runner", "local")
	v.SetDefault("jobs.poll_interval", 2*time.Second)
	v.SetDefault("jobs.poll_timeout", 5*time.Minute)
	v.SetDefault("jobs.job_timeout", 15*time.Minute)
	v.SetDefault("quality.approve_threshold", 70.0)
	v.SetDefault("ocr.provider", "local")
	v.SetDefault("ocr.pdftotext_path", "pdftotext")
	v.SetDefault("ocr.mistral_ocr_model", "mistral-ocr-latest")
	v.SetDefault("ocr.max_bytes", 25<<20)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 10000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)

	// Read config file (optional)
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
