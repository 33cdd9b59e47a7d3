// Package config loads application configuration from file and
// environment, and per-portal scrape definitions from YAML.
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
	Scrape     ScrapeConfig     `yaml:"scrape" mapstructure:"scrape"`
	Politeness PolitenessConfig `yaml:"politeness" mapstructure:"politeness"`
	PortalsDir string           `yaml:"portals_dir" mapstructure:"portals_dir"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ScrapeConfig sets run-wide scrape defaults; portal configs can
// override the pagination cap.
type ScrapeConfig struct {
	MaxPages      int    `yaml:"max_pages" mapstructure:"max_pages"`
	FollowDetails bool   `yaml:"follow_details" mapstructure:"follow_details"`
	UserAgent     string `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs   int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	LockTTLMins   int    `yaml:"lock_ttl_mins" mapstructure:"lock_ttl_mins"`

	// Circuit breaker over repeated fetch failures per domain.
	CircuitFailures  int `yaml:"circuit_failures" mapstructure:"circuit_failures"`
	CircuitResetSecs int `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
}

// PolitenessConfig sets default per-domain request pacing.
type PolitenessConfig struct {
	Concurrency     int `yaml:"concurrency" mapstructure:"concurrency"`
	MinDelayMS      int `yaml:"min_delay_ms" mapstructure:"min_delay_ms"`
	MaxDelayMS      int `yaml:"max_delay_ms" mapstructure:"max_delay_ms"`
	BurstLimit      int `yaml:"burst_limit" mapstructure:"burst_limit"`
	BurstWindowSecs int `yaml:"burst_window_secs" mapstructure:"burst_window_secs"`
	MaxRetries      int `yaml:"max_retries" mapstructure:"max_retries"`
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
	v.SetEnvPrefix("PROCUREWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "procurewatch.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("portals_dir", "portals")
	v.SetDefault("scrape.max_pages", 10)
	v.SetDefault("scrape.follow_details", false)
	v.SetDefault("scrape.timeout_secs", 30)
	v.SetDefault("scrape.lock_ttl_mins", 120)
	v.SetDefault("scrape.circuit_failures", 5)
	v.SetDefault("scrape.circuit_reset_secs", 60)
	v.SetDefault("politeness.concurrency", 2)
	v.SetDefault("politeness.min_delay_ms", 500)
	v.SetDefault("politeness.max_delay_ms", 2000)
	v.SetDefault("politeness.burst_limit", 5)
	v.SetDefault("politeness.burst_window_secs", 10)
	v.SetDefault("politeness.max_retries", 3)

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
