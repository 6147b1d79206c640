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
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Snapshot   SnapshotConfig   `yaml:"snapshot" mapstructure:"snapshot"`
	Blocking   BlockingConfig   `yaml:"blocking" mapstructure:"blocking"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Oracle     OracleConfig     `yaml:"oracle" mapstructure:"oracle"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Evidence   EvidenceConfig   `yaml:"evidence" mapstructure:"evidence"`
	Jina       JinaConfig       `yaml:"jina" mapstructure:"jina"`
	Perplexity PerplexityConfig `yaml:"perplexity" mapstructure:"perplexity"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
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

// SnapshotConfig configures where records come from and where the
// baseline of the previous run is kept.
type SnapshotConfig struct {
	Input        string `yaml:"input" mapstructure:"input"`
	Format       string `yaml:"format" mapstructure:"format"`
	Encoding     string `yaml:"encoding" mapstructure:"encoding"`
	Sheet        string `yaml:"sheet" mapstructure:"sheet"`
	TimeoutSecs  int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	BaselinePath string `yaml:"baseline_path" mapstructure:"baseline_path"`
	HistoryDir   string `yaml:"history_dir" mapstructure:"history_dir"`
}

// BlockingConfig configures the candidate blocker.
type BlockingConfig struct {
	Threshold  float64 `yaml:"threshold" mapstructure:"threshold"`
	Neighbours int     `yaml:"neighbours" mapstructure:"neighbours"`
	Workers    int     `yaml:"workers" mapstructure:"workers"`
}

// PipelineConfig configures run behaviour.
type PipelineConfig struct {
	DataMode string `yaml:"data_mode" mapstructure:"data_mode"`
}

// OracleConfig configures the co-reference oracle.
type OracleConfig struct {
	Model             string `yaml:"model" mapstructure:"model"`
	MaxTokens         int    `yaml:"max_tokens" mapstructure:"max_tokens"`
	TimeoutSecs       int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Concurrency       int    `yaml:"concurrency" mapstructure:"concurrency"`
	MaxAttempts       int    `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs  int    `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs      int    `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	CircuitThreshold  int    `yaml:"circuit_threshold" mapstructure:"circuit_threshold"`
	CircuitResetSecs  int    `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
	EvidenceFirstPass bool   `yaml:"evidence_first_pass" mapstructure:"evidence_first_pass"`
}

// AnthropicConfig holds Anthropic API credentials.
type AnthropicConfig struct {
	Key string `yaml:"key" mapstructure:"key"`
}

// EvidenceConfig configures web-search evidence lookups.
type EvidenceConfig struct {
	Provider      string  `yaml:"provider" mapstructure:"provider"`
	MaxResults    int     `yaml:"max_results" mapstructure:"max_results"`
	TimeoutSecs   int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSec    float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	MaxAttempts   int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	CacheTTLHours int     `yaml:"cache_ttl_hours" mapstructure:"cache_ttl_hours"`
}

// JinaConfig holds Jina Search settings.
type JinaConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	SearchBaseURL string `yaml:"search_base_url" mapstructure:"search_base_url"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// ServerConfig configures the review API server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ORGSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "orgsync.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("snapshot.format", "auto")
	v.SetDefault("snapshot.timeout_secs", 300)
	v.SetDefault("snapshot.baseline_path", "data/baseline.json")
	v.SetDefault("snapshot.history_dir", "data/history")
	v.SetDefault("blocking.threshold", 0.5)
	v.SetDefault("blocking.neighbours", 10)
	v.SetDefault("blocking.workers", 0)
	v.SetDefault("pipeline.data_mode", "all")
	v.SetDefault("oracle.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("oracle.max_tokens", 1024)
	v.SetDefault("oracle.timeout_secs", 60)
	v.SetDefault("oracle.concurrency", 4)
	v.SetDefault("oracle.max_attempts", 3)
	v.SetDefault("oracle.initial_backoff_ms", 500)
	v.SetDefault("oracle.max_backoff_ms", 30000)
	v.SetDefault("oracle.circuit_threshold", 10)
	v.SetDefault("oracle.circuit_reset_secs", 60)
	v.SetDefault("oracle.evidence_first_pass", false)
	v.SetDefault("evidence.provider", "jina")
	v.SetDefault("evidence.max_results", 5)
	v.SetDefault("evidence.timeout_secs", 20)
	v.SetDefault("evidence.rate_per_sec", 2)
	v.SetDefault("evidence.max_attempts", 3)
	v.SetDefault("evidence.cache_ttl_hours", 720)
	v.SetDefault("jina.search_base_url", "https://s.jina.ai")
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Secrets have no default, so bind them for AutomaticEnv to see them
	// during Unmarshal.
	for _, key := range []string{"anthropic.key", "jina.key", "perplexity.key", "snapshot.input"} {
		if err := v.BindEnv(key); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", key)
		}
	}

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

// Redacted returns a copy of c with secrets masked, for display.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "****"
	}
	c.Anthropic.Key = mask(c.Anthropic.Key)
	c.Jina.Key = mask(c.Jina.Key)
	c.Perplexity.Key = mask(c.Perplexity.Key)
	if c.Store.Driver == "postgres" {
		c.Store.DatabaseURL = redactURL(c.Store.DatabaseURL)
	}
	return c
}

// redactURL masks the password of a connection URL.
func redactURL(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return raw
	}
	user, _, hasPass := strings.Cut(rest[:at], ":")
	if !hasPass {
		return raw
	}
	return scheme + "://" + user + ":****" + rest[at:]
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
