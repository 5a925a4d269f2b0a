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
	Graph      GraphConfig      `yaml:"graph" mapstructure:"graph"`
	WaAPI      WaAPIConfig      `yaml:"waapi" mapstructure:"waapi"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Extraction ExtractionConfig `yaml:"extraction" mapstructure:"extraction"`
	Poller     PollerConfig     `yaml:"poller" mapstructure:"poller"`
	Worker     WorkerConfig     `yaml:"worker" mapstructure:"worker"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitor    MonitorConfig    `yaml:"monitor" mapstructure:"monitor"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int    `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int    `yaml:"min_conns" mapstructure:"min_conns"`
}

// GraphConfig holds the Microsoft Graph app registration and mailbox.
type GraphConfig struct {
	TenantID     string  `yaml:"tenant_id" mapstructure:"tenant_id"`
	ClientID     string  `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret string  `yaml:"client_secret" mapstructure:"client_secret"`
	Mailbox      string  `yaml:"mailbox" mapstructure:"mailbox"`
	BaseURL      string  `yaml:"base_url" mapstructure:"base_url"`
	TokenURL     string  `yaml:"token_url" mapstructure:"token_url"`
	RateLimit    float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// WaAPIConfig holds the WaAPI gateway credentials and webhook secret.
type WaAPIConfig struct {
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	InstanceID    string `yaml:"instance_id" mapstructure:"instance_id"`
	Token         string `yaml:"token" mapstructure:"token"`
	WebhookSecret string `yaml:"webhook_secret" mapstructure:"webhook_secret"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// ExtractionConfig selects the extraction path.
type ExtractionConfig struct {
	// Mode is pattern, llm, or combined.
	Mode string `yaml:"mode" mapstructure:"mode"`
}

// PollerConfig configures the mail poll trigger.
type PollerConfig struct {
	IntervalSecs    int    `yaml:"interval_secs" mapstructure:"interval_secs"`
	LookbackMins    int    `yaml:"lookback_mins" mapstructure:"lookback_mins"`
	BatchLimit      int    `yaml:"batch_limit" mapstructure:"batch_limit"`
	FilterRulesPath string `yaml:"filter_rules_path" mapstructure:"filter_rules_path"`
}

// WorkerConfig configures the task queue workers.
type WorkerConfig struct {
	Count            int `yaml:"count" mapstructure:"count"`
	PollIntervalSecs int `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	MaxRetries       int `yaml:"max_retries" mapstructure:"max_retries"`
	BackoffBaseSecs  int `yaml:"backoff_base_secs" mapstructure:"backoff_base_secs"`
	LeaseTimeoutMins int `yaml:"lease_timeout_mins" mapstructure:"lease_timeout_mins"`
}

// ServerConfig configures the webhook and dashboard API server.
type ServerConfig struct {
	Addr        string   `yaml:"addr" mapstructure:"addr"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// MonitorConfig configures the queue health checker.
type MonitorConfig struct {
	Enabled          bool   `yaml:"enabled" mapstructure:"enabled"`
	IntervalSecs     int    `yaml:"interval_secs" mapstructure:"interval_secs"`
	MaxFailedTasks   int    `yaml:"max_failed_tasks" mapstructure:"max_failed_tasks"`
	MaxPendingTasks  int    `yaml:"max_pending_tasks" mapstructure:"max_pending_tasks"`
	MaxOldestDueMins int    `yaml:"max_oldest_due_mins" mapstructure:"max_oldest_due_mins"`
	WebhookURL       string `yaml:"webhook_url" mapstructure:"webhook_url"`
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
	v.SetEnvPrefix("INTAKE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("graph.rate_limit", 4.0)
	v.SetDefault("waapi.base_url", "https://waapi.app/api/v1")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("extraction.mode", "combined")
	v.SetDefault("poller.interval_secs", 120)
	v.SetDefault("poller.lookback_mins", 30)
	v.SetDefault("poller.batch_limit", 200)
	v.SetDefault("worker.count", 2)
	v.SetDefault("worker.poll_interval_secs", 5)
	v.SetDefault("worker.max_retries", 3)
	v.SetDefault("worker.backoff_base_secs", 60)
	v.SetDefault("worker.lease_timeout_mins", 10)
	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.interval_secs", 60)
	v.SetDefault("monitor.max_failed_tasks", 5)
	v.SetDefault("monitor.max_pending_tasks", 200)
	v.SetDefault("monitor.max_oldest_due_mins", 15)

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

// Validate checks that the keys a given component needs are present. Commands
// validate only what they use, so a worker box does not need WaAPI creds and
// a webhook box does not need Graph creds.
func (c *Config) Validate(component string) error {
	var missing []string
	need := func(key, val string) {
		if strings.TrimSpace(val) == "" {
			missing = append(missing, key)
		}
	}

	switch component {
	case "store":
		if c.Store.Driver != "postgres" && c.Store.Driver != "sqlite" {
			return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
		}
		need("store.database_url", c.Store.DatabaseURL)
	case "graph":
		need("graph.tenant_id", c.Graph.TenantID)
		need("graph.client_id", c.Graph.ClientID)
		need("graph.client_secret", c.Graph.ClientSecret)
		need("graph.mailbox", c.Graph.Mailbox)
	case "waapi":
		need("waapi.instance_id", c.WaAPI.InstanceID)
		need("waapi.token", c.WaAPI.Token)
	case "anthropic":
		need("anthropic.key", c.Anthropic.Key)
	case "extraction":
		switch c.Extraction.Mode {
		case "pattern":
		case "llm", "combined":
			need("anthropic.key", c.Anthropic.Key)
		default:
			return eris.Errorf("config: unknown extraction mode %q", c.Extraction.Mode)
		}
	default:
		return eris.Errorf("config: unknown component %q", component)
	}

	if len(missing) > 0 {
		return eris.Errorf("config: missing required keys: %s", strings.Join(missing, ", "))
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
