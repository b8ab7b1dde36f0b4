// Package config loads loomd's runtime configuration: defaults, overridden
// by a TOML file, overridden by environment variables (env wins).
package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Webhook  WebhookConfig  `toml:"webhook"`
	RSS      RSSConfig      `toml:"rss"`
	Executor ExecutorConfig `toml:"executor"`
	Observer ObserverConfig `toml:"observer"`
}

type ServerConfig struct {
	Addr        string `toml:"addr"`
	RPCPath     string `toml:"rpc_path"`
	WebhookPath string `toml:"webhook_path"`
}

type DatabaseConfig struct {
	// Driver selects the store backend: "sqlite" or "postgres".
	Driver      string `toml:"driver"`
	Path        string `toml:"path"`
	PostgresURL string `toml:"postgres_url"`
}

type WebhookConfig struct {
	// Secret is the process-wide HMAC secret applied to automations whose
	// webhook trigger carries no secret of its own. Empty disables it.
	Secret string `toml:"secret"`
}

type RSSConfig struct {
	// SeenCap bounds the per-automation seen-set; 0 uses the default (100).
	SeenCap int `toml:"seen_cap"`
}

type ExecutorConfig struct {
	// MaxRetries per step; 0 uses the default (3).
	MaxRetries int `toml:"max_retries"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:        ":8080",
			RPCPath:     "/rpc",
			WebhookPath: "/hooks/",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "loom.db",
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "loom.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("LOOM_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("LOOM_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("LOOM_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("LOOM_POSTGRES_URL"); v != "" {
		cfg.Database.PostgresURL = v
		cfg.Database.Driver = "postgres"
	}
	if v := os.Getenv("LOOM_WEBHOOK_SECRET"); v != "" {
		cfg.Webhook.Secret = v
	}
	if v := os.Getenv("LOOM_RSS_SEEN_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RSS.SeenCap = n
		}
	}
	if os.Getenv("LOOM_OBSERVER_ENABLED") == "true" || os.Getenv("LOOM_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}
