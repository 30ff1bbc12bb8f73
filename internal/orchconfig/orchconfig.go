// Package orchconfig loads the orchestrator daemon's process
// configuration from environment variables (spec.md §6), the way
// internal/config's KoanfConfig loads LYREBIRD_* variables for the
// older daemon — but flat, since every key here is a top-level
// scalar and none of KoanfConfig's nested-key TransformFunc is needed.
package orchconfig

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/v2"
)

// Config is the orchestrator daemon's process configuration, sourced
// entirely from environment variables (spec.md §6 plus the additional
// vars SPEC_FULL.md §6 introduces for the ambient/domain stack).
type Config struct {
	Port             int
	BrokerExePath    string
	BrokerConfigPath string
	AdminUsername    string
	AdminPassword    string
	TokenSigningSecret string
	LogLevel         string
	DataDir          string

	ListenerMaxConcurrent int64
	BrokerWatchDebounce   time.Duration
	HealthProbeInterval   time.Duration
}

func defaults() Config {
	return Config{
		Port:                  3001,
		LogLevel:              "info",
		DataDir:               "/var/lib/stream-orchestrator",
		ListenerMaxConcurrent: 256,
		BrokerWatchDebounce:   500 * time.Millisecond,
		HealthProbeInterval:   30 * time.Second,
	}
}

// Load reads the orchestrator's environment variables into a Config,
// applying spec.md §6's documented defaults for anything unset.
func Load() (Config, error) {
	cfg := defaults()

	k := koanf.New(".")
	if err := k.Load(env.Provider(".", env.Opt{
		TransformFunc: func(key, v string) (string, any) {
			return strings.ToLower(key), v
		},
	}), nil); err != nil {
		return cfg, fmt.Errorf("load environment: %w", err)
	}

	if v := k.String("port"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("PORT: %w", err)
		}
		cfg.Port = p
	}
	if v := k.String("broker_exe_path"); v != "" {
		cfg.BrokerExePath = v
	}
	if v := k.String("broker_config_path"); v != "" {
		cfg.BrokerConfigPath = v
	}
	if v := k.String("admin_username"); v != "" {
		cfg.AdminUsername = v
	}
	if v := k.String("admin_password"); v != "" {
		cfg.AdminPassword = v
	}
	if v := k.String("token_signing_secret"); v != "" {
		cfg.TokenSigningSecret = v
	}
	if v := k.String("log_level"); v != "" {
		cfg.LogLevel = v
	}
	if v := k.String("data_dir"); v != "" {
		cfg.DataDir = v
	}
	if v := k.String("listener_max_concurrent"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("LISTENER_MAX_CONCURRENT: %w", err)
		}
		cfg.ListenerMaxConcurrent = n
	}
	if v := k.String("broker_watch_debounce_ms"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("BROKER_WATCH_DEBOUNCE_MS: %w", err)
		}
		cfg.BrokerWatchDebounce = time.Duration(n) * time.Millisecond
	}
	if v := k.String("health_probe_interval_ms"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("HEALTH_PROBE_INTERVAL_MS: %w", err)
		}
		cfg.HealthProbeInterval = time.Duration(n) * time.Millisecond
	}

	return cfg, nil
}

// SlogLevel parses LogLevel into a slog.Level-compatible string,
// falling back to "info" for anything unrecognized.
func (c Config) SlogLevel() string {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
		return strings.ToLower(c.LogLevel)
	default:
		return "info"
	}
}
