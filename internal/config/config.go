// Package config loads the controller configuration from a YAML file and
// SUBSPACE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"subspace.ai/internal/dole"
)

type Config struct {
	DatabaseDirectory string  `yaml:"database_directory" env:"SUBSPACE_DATABASE_DIRECTORY"`
	DivisionMethod    string  `yaml:"division_method" env:"SUBSPACE_DIVISION_METHOD"`
	LogItemTransfers  bool    `yaml:"log_item_transfers" env:"SUBSPACE_LOG_ITEM_TRANSFERS"`
	BroadcastMaxRate  float64 `yaml:"broadcast_max_rate" env:"SUBSPACE_BROADCAST_MAX_RATE"`

	DoleTick     time.Duration `yaml:"dole_tick" env:"SUBSPACE_DOLE_TICK"`
	SaveInterval time.Duration `yaml:"save_interval" env:"SUBSPACE_SAVE_INTERVAL"`
	MaxSaveBytes int64         `yaml:"max_save_bytes" env:"SUBSPACE_MAX_SAVE_BYTES"`

	Adaptive AdaptiveConfig `yaml:"adaptive"`
	Journal  Toggle         `yaml:"journal" envPrefix:"SUBSPACE_JOURNAL_"`
	Index    Toggle         `yaml:"index" envPrefix:"SUBSPACE_INDEX_"`

	AdminHTTP      bool   `yaml:"admin_http" env:"SUBSPACE_ADMIN_HTTP"`
	GRPCHealthAddr string `yaml:"grpc_health_addr" env:"SUBSPACE_GRPC_HEALTH_ADDR"`
	OTelEndpoint   string `yaml:"otel_endpoint" env:"SUBSPACE_OTEL_ENDPOINT"`

	// Method is DivisionMethod parsed by Validate.
	Method dole.Method `yaml:"-"`
}

type AdaptiveConfig struct {
	RetainTicks uint64 `yaml:"retain_ticks" env:"SUBSPACE_ADAPTIVE_RETAIN_TICKS"`
}

type Toggle struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
}

func Defaults() Config {
	return Config{
		DatabaseDirectory: "./data",
		DivisionMethod:    "simple",
		BroadcastMaxRate:  1,
		DoleTick:          time.Second,
		SaveInterval:      time.Minute,
		MaxSaveBytes:      64 << 20,
		Adaptive:          AdaptiveConfig{RetainTicks: dole.DefaultRetainTicks},
		Journal:           Toggle{Enabled: true},
		Index:             Toggle{Enabled: true},
		AdminHTTP:         true,
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file means defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return cfg, err
		default:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("%s: %w", path, err)
			}
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Normalize fills zero values with defaults.
func (c *Config) Normalize() {
	d := Defaults()
	c.DatabaseDirectory = strings.TrimSpace(c.DatabaseDirectory)
	if c.DatabaseDirectory == "" {
		c.DatabaseDirectory = d.DatabaseDirectory
	}
	if strings.TrimSpace(c.DivisionMethod) == "" {
		c.DivisionMethod = d.DivisionMethod
	}
	if c.DoleTick == 0 {
		c.DoleTick = d.DoleTick
	}
	if c.SaveInterval == 0 {
		c.SaveInterval = d.SaveInterval
	}
	if c.MaxSaveBytes == 0 {
		c.MaxSaveBytes = d.MaxSaveBytes
	}
	if c.Adaptive.RetainTicks == 0 {
		c.Adaptive.RetainTicks = d.Adaptive.RetainTicks
	}
}

// Validate checks ranges and parses the division method. An unknown method
// is an error.
func (c *Config) Validate() error {
	m, err := dole.ParseMethod(c.DivisionMethod)
	if err != nil {
		return fmt.Errorf("division_method: %w", err)
	}
	c.Method = m
	if c.BroadcastMaxRate <= 0 {
		return fmt.Errorf("broadcast_max_rate must be > 0, got %v", c.BroadcastMaxRate)
	}
	if c.DoleTick < 0 || c.SaveInterval < 0 {
		return fmt.Errorf("dole_tick and save_interval must be positive")
	}
	if c.MaxSaveBytes < 0 {
		return fmt.Errorf("max_save_bytes must be positive, got %d", c.MaxSaveBytes)
	}
	return nil
}
