// Package config loads the host configuration: defaults, then an optional
// YAML file, then environment variables (highest precedence). A .env file
// in the working directory is honoured for development.
package config

import (
	"fmt"
	"os"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/cuk-labs/usagebar/infrastructure/securefetch"
	"github.com/cuk-labs/usagebar/internal/host/bus"
	"github.com/cuk-labs/usagebar/internal/host/lifecycle"
	"github.com/cuk-labs/usagebar/internal/host/ratelimit"
	"github.com/cuk-labs/usagebar/internal/host/sandbox"
	"github.com/cuk-labs/usagebar/internal/host/scheduler"
	"github.com/cuk-labs/usagebar/pkg/logger"
)

// Host is the full host configuration tree.
type Host struct {
	Logging   logger.LoggingConfig `yaml:"logging"`
	Lifecycle lifecycle.Config     `yaml:"lifecycle"`
	Fetch     securefetch.Config   `yaml:"fetch"`
	Sandbox   sandbox.Config       `yaml:"sandbox"`
	Scheduler scheduler.Config     `yaml:"scheduler"`
	RateLimit ratelimit.Config     `yaml:"rate_limit"`
	Bus       bus.Config           `yaml:"bus"`
	IPCAddr   string               `yaml:"ipc_addr" env:"IPC_ADDR"`
	// TrustedKeysPath is the user trusted-keys store.
	TrustedKeysPath string `yaml:"trusted_keys_path" env:"TRUSTED_KEYS_PATH"`
	// CacheCapacity bounds the result cache.
	CacheCapacity int `yaml:"cache_capacity" env:"CACHE_CAPACITY"`
}

// Defaults returns the baseline configuration.
func Defaults() Host {
	return Host{
		Logging:         logger.LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
		Lifecycle:       lifecycle.DefaultConfig(),
		Fetch:           securefetch.DefaultConfig(),
		Sandbox:         sandbox.DefaultConfig(),
		Scheduler:       scheduler.DefaultConfig(),
		RateLimit:       ratelimit.DefaultConfig(),
		Bus:             bus.DefaultConfig(),
		IPCAddr:         "127.0.0.1:48620",
		TrustedKeysPath: defaultTrustedKeysPath(),
		CacheCapacity:   512,
	}
}

func defaultTrustedKeysPath() string {
	home, err := os.UserConfigDir()
	if err != nil {
		return "trusted_keys.json"
	}
	return home + "/usagebar/trusted_keys.json"
}

// Load builds the effective configuration. path may be empty or point at a
// YAML file; a missing file at the default location is not an error.
func Load(path string) (Host, error) {
	// Development convenience; a missing .env is expected in production.
	_ = godotenv.Load()

	cfg := Defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	// Environment wins over the file. envdecode only touches tagged fields
	// that are actually set.
	if err := envdecode.Decode(&cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return cfg, fmt.Errorf("decode environment: %w", err)
	}
	return cfg, nil
}
