package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Inference  InferenceConfig  `yaml:"inference" mapstructure:"inference"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	MEDDPICC   MEDDPICCConfig   `yaml:"meddpicc" mapstructure:"meddpicc"`
	Salesforce SalesforceConfig `yaml:"salesforce" mapstructure:"salesforce"`
	Outbox     OutboxConfig     `yaml:"outbox" mapstructure:"outbox"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key        string `yaml:"key" mapstructure:"key"`
	FastModel  string `yaml:"fast_model" mapstructure:"fast_model"`
	DeepModel  string `yaml:"deep_model" mapstructure:"deep_model"`
	MaxRetries int    `yaml:"max_retries" mapstructure:"max_retries"`
}

// InferenceConfig configures the inference gateway shared by all analyzers.
type InferenceConfig struct {
	MaxConcurrentCalls int `yaml:"max_concurrent_calls" mapstructure:"max_concurrent_calls"`
	CallTimeoutSecs    int `yaml:"call_timeout_secs" mapstructure:"call_timeout_secs"`
	BreakerThreshold   int `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs   int `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// PipelineConfig configures activity processing.
type PipelineConfig struct {
	MaxConcurrentPairs int  `yaml:"max_concurrent_pairs" mapstructure:"max_concurrent_pairs"`
	CRMWriteback       bool `yaml:"crm_writeback" mapstructure:"crm_writeback"`
	OutboxMaxRetries   int  `yaml:"outbox_max_retries" mapstructure:"outbox_max_retries"`
}

// MEDDPICCConfig points at the knowledge category definitions.
type MEDDPICCConfig struct {
	DefinitionsPath string `yaml:"definitions_path" mapstructure:"definitions_path"`
}

// SalesforceConfig holds Salesforce JWT auth and throttle settings.
// RetryMaxAttempts and RetryBackoffMs bound the in-process retry around
// each API call; the outbox reschedule covers anything beyond that.
type SalesforceConfig struct {
	ClientID         string  `yaml:"client_id" mapstructure:"client_id"`
	Username         string  `yaml:"username" mapstructure:"username"`
	KeyPath          string  `yaml:"key_path" mapstructure:"key_path"`
	LoginURL         string  `yaml:"login_url" mapstructure:"login_url"`
	RateLimitRPS     float64 `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	RetryMaxAttempts int     `yaml:"retry_max_attempts" mapstructure:"retry_max_attempts"`
	RetryBackoffMs   int     `yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
}

// OutboxConfig configures the writeback drain worker.
type OutboxConfig struct {
	IntervalSecs       int `yaml:"interval_secs" mapstructure:"interval_secs"`
	BatchSize          int `yaml:"batch_size" mapstructure:"batch_size"`
	InitialBackoffSecs int `yaml:"initial_backoff_secs" mapstructure:"initial_backoff_secs"`
	MaxBackoffSecs     int `yaml:"max_backoff_secs" mapstructure:"max_backoff_secs"`
}

// ServerConfig configures the webhook server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DEALINTEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.fast_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.deep_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_retries", 3)
	v.SetDefault("inference.max_concurrent_calls", 8)
	v.SetDefault("inference.call_timeout_secs", 60)
	v.SetDefault("inference.breaker_threshold", 5)
	v.SetDefault("inference.breaker_reset_secs", 30)
	v.SetDefault("pipeline.max_concurrent_pairs", 4)
	v.SetDefault("pipeline.crm_writeback", true)
	v.SetDefault("pipeline.outbox_max_retries", 5)
	v.SetDefault("salesforce.login_url", "https://login.salesforce.com")
	v.SetDefault("salesforce.rate_limit_rps", 5.0)
	v.SetDefault("salesforce.retry_max_attempts", 3)
	v.SetDefault("salesforce.retry_backoff_ms", 500)
	v.SetDefault("outbox.interval_secs", 30)
	v.SetDefault("outbox.batch_size", 20)
	v.SetDefault("outbox.initial_backoff_secs", 30)
	v.SetDefault("outbox.max_backoff_secs", 1800)

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

// Validate checks that the fields required by the given run mode are set.
// Modes: "process" (pipeline runs), "serve" (webhook server), "outbox"
// (drain worker).
func (c *Config) Validate(mode string) error {
	var missing []string

	requireDB := func() {
		if c.Store.DatabaseURL == "" && c.Store.Driver != "sqlite" {
			missing = append(missing, "store.database_url is required")
		}
	}

	switch mode {
	case "process":
		requireDB()
		if c.Anthropic.Key == "" {
			missing = append(missing, "anthropic.key is required")
		}
	case "serve":
		requireDB()
		if c.Anthropic.Key == "" {
			missing = append(missing, "anthropic.key is required")
		}
		if c.Server.Port <= 0 {
			missing = append(missing, "server.port must be > 0")
		}
	case "outbox":
		requireDB()
		if c.Salesforce.ClientID == "" {
			missing = append(missing, "salesforce.client_id is required")
		}
		if c.Salesforce.Username == "" {
			missing = append(missing, "salesforce.username is required")
		}
		if c.Salesforce.KeyPath == "" {
			missing = append(missing, "salesforce.key_path is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Pipeline.MaxConcurrentPairs < 1 || c.Pipeline.MaxConcurrentPairs > 32 {
		missing = append(missing, "pipeline.max_concurrent_pairs must be between 1 and 32")
	}
	if c.Inference.MaxConcurrentCalls < 1 {
		missing = append(missing, "inference.max_concurrent_calls must be >= 1")
	}

	if len(missing) > 0 {
		return eris.New("config: " + strings.Join(missing, "; "))
	}
	return nil
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
