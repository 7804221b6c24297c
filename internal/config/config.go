package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// expandEnvBraces expands only ${VAR} and ${VAR:default} patterns.
func expandEnvBraces(s string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}
		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}

// Config is the complete worker configuration (spec §9 "Global
// configuration as state" covers the connect-time fields; the rest is the
// ambient stack the distilled spec leaves implicit).
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Defaults DefaultsConfig `yaml:"defaults"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServiceConfig identifies this worker process.
type ServiceConfig struct {
	Name              string        `yaml:"name"`
	Environment       string        `yaml:"environment"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// DefaultsConfig holds connect-time default values. They are defaulted and
// validated here but not passed to the engine: connect's omitted optional
// parameters fall back to the domain package's Default* constants.
type DefaultsConfig struct {
	Slot                     int    `yaml:"slot"`
	MaxTagsPerGroup          int    `yaml:"max_tags_per_group"`
	MaxConcurrentConnections int    `yaml:"max_concurrent_connections"`
	ArrayMode                string `yaml:"array_mode"`
}

// MetricsConfig controls the Prometheus/health HTTP listener.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Enabled    bool   `yaml:"enabled"`
}

// LoggingConfig controls zerolog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads path, expands ${VAR}/${VAR:default} references against the
// process environment, parses YAML, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := expandEnvBraces(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "cip-poller"
	}
	if cfg.Service.Environment == "" {
		cfg.Service.Environment = "development"
	}
	if cfg.Service.ShutdownTimeout == 0 {
		cfg.Service.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Defaults.MaxTagsPerGroup == 0 {
		cfg.Defaults.MaxTagsPerGroup = 500
	}
	if cfg.Defaults.MaxConcurrentConnections == 0 {
		cfg.Defaults.MaxConcurrentConnections = 8
	}
	if cfg.Defaults.ArrayMode == "" {
		cfg.Defaults.ArrayMode = "batch"
	}

	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9090"
	}
	// Metrics.Enabled has no YAML-absent default: nothing in config.go
	// distinguishes an absent key from an explicit `false`, so main.go
	// treats "no config file" as the only enabled-by-default case.

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CIP_POLLER_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CIP_POLLER_METRICS_LISTEN_ADDR"); v != "" {
		cfg.Metrics.ListenAddr = v
	}
	// PYCOMM3_ARRAY_MODE (spec §6.4) is not mirrored into Config: the
	// engine reads it from the environment on each subscribe_polling, and
	// the Runners of that subscription keep the mode they were given.
}

func validate(cfg *Config) error {
	if cfg.Defaults.MaxTagsPerGroup < 1 {
		return fmt.Errorf("defaults.max_tags_per_group must be at least 1")
	}
	if cfg.Defaults.MaxConcurrentConnections < 1 {
		return fmt.Errorf("defaults.max_concurrent_connections must be at least 1")
	}
	return nil
}
