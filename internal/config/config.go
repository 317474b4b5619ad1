// Package config loads and validates application configuration from file and
// environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Sources   SourcesConfig   `mapstructure:"sources"`
	Store     StoreConfig     `mapstructure:"store"`
	Snapshots SnapshotsConfig `mapstructure:"snapshots"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// EngineConfig holds crawl behavior knobs shared by all sources.
type EngineConfig struct {
	UserAgent               string        `mapstructure:"user_agent"`
	Headless                bool          `mapstructure:"headless"`
	FetchTimeout            time.Duration `mapstructure:"fetch_timeout"`
	PageDelay               time.Duration `mapstructure:"page_delay"`
	SecondaryConcurrency    int           `mapstructure:"secondary_concurrency"`
	MaxConsecutiveFailures  int           `mapstructure:"max_consecutive_failures"`
	DefaultCountryCode      string        `mapstructure:"default_country_code"`
	DefaultMaxResults       int           `mapstructure:"default_max_results"`
	RegistryPageSize        int           `mapstructure:"registry_page_size"`
	DirectoryScrollPasses   int           `mapstructure:"directory_scroll_passes"`
	DirectoryMaxStablePages int           `mapstructure:"directory_max_stable_pages"`
}

// SourceConfig points one extractor at its site.
type SourceConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// SourcesConfig holds the per-source site endpoints.
type SourcesConfig struct {
	Directory SourceConfig `mapstructure:"directory"`
	WebSearch SourceConfig `mapstructure:"web_search"`
	Registry  SourceConfig `mapstructure:"registry"`
}

// StoreConfig selects and configures the run store.
type StoreConfig struct {
	Provider string `mapstructure:"provider"`
	DSN      string `mapstructure:"dsn"`
}

// SnapshotsConfig configures raw page archiving.
type SnapshotsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Provider string `mapstructure:"provider"`
	Bucket   string `mapstructure:"bucket"`
	Dir      string `mapstructure:"dir"`
}

// PubSubConfig configures run-completion event publishing.
type PubSubConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Project string `mapstructure:"project"`
	Topic   string `mapstructure:"topic"`
}

// Load reads configuration from the optional file at path, applying defaults
// and BIZHARVEST_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BIZHARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", false)

	v.SetDefault("engine.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("engine.headless", true)
	v.SetDefault("engine.fetch_timeout", 30*time.Second)
	v.SetDefault("engine.page_delay", time.Second)
	v.SetDefault("engine.secondary_concurrency", 4)
	v.SetDefault("engine.max_consecutive_failures", 3)
	v.SetDefault("engine.default_country_code", "84")
	v.SetDefault("engine.default_max_results", 20)
	v.SetDefault("engine.registry_page_size", 12)
	v.SetDefault("engine.directory_scroll_passes", 3)
	v.SetDefault("engine.directory_max_stable_pages", 2)

	v.SetDefault("sources.directory.base_url", "https://www.google.com")
	v.SetDefault("sources.web_search.base_url", "https://html.duckduckgo.com/html")
	v.SetDefault("sources.registry.base_url", "https://hsctvn.com")

	v.SetDefault("store.provider", "memory")
	v.SetDefault("store.dsn", "")

	v.SetDefault("snapshots.enabled", false)
	v.SetDefault("snapshots.provider", "local")
	v.SetDefault("snapshots.bucket", "")
	v.SetDefault("snapshots.dir", "snapshots")

	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.project", "")
	v.SetDefault("pubsub.topic", "run-completions")
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Engine.FetchTimeout <= 0 {
		return errors.New("engine.fetch_timeout must be positive")
	}
	if c.Engine.PageDelay < 0 {
		return errors.New("engine.page_delay must not be negative")
	}
	if c.Engine.SecondaryConcurrency < 1 {
		return errors.New("engine.secondary_concurrency must be >= 1")
	}
	if c.Engine.MaxConsecutiveFailures < 1 {
		return errors.New("engine.max_consecutive_failures must be >= 1")
	}
	if c.Engine.DefaultMaxResults < 1 {
		return errors.New("engine.default_max_results must be >= 1")
	}
	if c.Engine.RegistryPageSize < 1 {
		return errors.New("engine.registry_page_size must be >= 1")
	}
	for name, src := range map[string]SourceConfig{
		"directory":  c.Sources.Directory,
		"web_search": c.Sources.WebSearch,
		"registry":   c.Sources.Registry,
	} {
		if src.BaseURL == "" {
			return fmt.Errorf("sources.%s.base_url is required", name)
		}
	}
	switch c.Store.Provider {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for the postgres provider")
		}
	default:
		return fmt.Errorf("unknown store.provider %q", c.Store.Provider)
	}
	if c.Snapshots.Enabled {
		switch c.Snapshots.Provider {
		case "local":
			if c.Snapshots.Dir == "" {
				return errors.New("snapshots.dir is required for the local provider")
			}
		case "gcs":
			if c.Snapshots.Bucket == "" {
				return errors.New("snapshots.bucket is required for the gcs provider")
			}
		default:
			return fmt.Errorf("unknown snapshots.provider %q", c.Snapshots.Provider)
		}
	}
	if c.PubSub.Enabled {
		if c.PubSub.Project == "" {
			return errors.New("pubsub.project is required when pubsub is enabled")
		}
		if c.PubSub.Topic == "" {
			return errors.New("pubsub.topic is required when pubsub is enabled")
		}
	}
	return nil
}
