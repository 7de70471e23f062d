// Package config loads the runner configuration from a TOML file with
// PLTRAIN_* environment overrides.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml"

	"github.com/tsawler/go-lightning/tensor"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "PLTRAIN_"

type Config struct {
	Trial   TrialConfig   `toml:"trial" envPrefix:"TRIAL_"`
	Harness HarnessConfig `toml:"harness" envPrefix:"HARNESS_"`
	Log     LogConfig     `toml:"log" envPrefix:"LOG_"`
	Metrics MetricsConfig `toml:"metrics" envPrefix:"METRICS_"`
}

type TrialConfig struct {
	Epochs        int     `toml:"epochs" env:"EPOCHS"`
	BatchSize     int     `toml:"batch_size" env:"BATCH_SIZE"`
	ValidateEvery int     `toml:"validate_every" env:"VALIDATE_EVERY"` // 0 disables validation
	Samples       int     `toml:"samples" env:"SAMPLES"`
	Seed          int64   `toml:"seed" env:"SEED"`
	LearningRate  float64 `toml:"learning_rate" env:"LEARNING_RATE"`
}

type HarnessConfig struct {
	Device         string  `toml:"device" env:"DEVICE"`
	MixedPrecision bool    `toml:"mixed_precision" env:"MIXED_PRECISION"`
	LossScale      float64 `toml:"loss_scale" env:"LOSS_SCALE"`
	Shuffle        bool    `toml:"shuffle" env:"SHUFFLE"`
}

type LogConfig struct {
	Level  string `toml:"level" env:"LEVEL"`
	Format string `toml:"format" env:"FORMAT"` // "json" or "text"
}

type MetricsConfig struct {
	Addr string `toml:"addr" env:"ADDR"` // empty disables the /metrics endpoint
}

// Default returns the configuration used when no file is given
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Trial.Epochs == 0 {
		c.Trial.Epochs = 5
	}
	if c.Trial.BatchSize == 0 {
		c.Trial.BatchSize = 32
	}
	if c.Trial.Samples == 0 {
		c.Trial.Samples = 1024
	}
	if c.Trial.LearningRate == 0 {
		c.Trial.LearningRate = 0.0002
	}
	if c.Harness.Device == "" {
		c.Harness.Device = "cpu"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// Load reads the TOML file at path, fills unset values with defaults and
// applies environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}

		tree, err := toml.Load(string(data))
		if err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}

		if err := tree.Unmarshal(&cfg); err != nil {
			return nil, fmt.Errorf("error unmarshaling config: %w", err)
		}
	}

	cfg.applyDefaults()

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("error reading environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks value ranges and names
func (c *Config) Validate() error {
	if c.Trial.Epochs <= 0 {
		return fmt.Errorf("trial.epochs must be positive, got %d", c.Trial.Epochs)
	}
	if c.Trial.BatchSize <= 0 {
		return fmt.Errorf("trial.batch_size must be positive, got %d", c.Trial.BatchSize)
	}
	if c.Trial.ValidateEvery < 0 {
		return fmt.Errorf("trial.validate_every must not be negative, got %d", c.Trial.ValidateEvery)
	}
	if c.Trial.Samples < c.Trial.BatchSize {
		return fmt.Errorf("trial.samples (%d) must be at least trial.batch_size (%d)", c.Trial.Samples, c.Trial.BatchSize)
	}
	if c.Trial.LearningRate <= 0 {
		return fmt.Errorf("trial.learning_rate must be positive, got %g", c.Trial.LearningRate)
	}
	if c.Harness.LossScale < 0 {
		return fmt.Errorf("harness.loss_scale must not be negative, got %g", c.Harness.LossScale)
	}
	if _, err := c.DeviceType(); err != nil {
		return fmt.Errorf("harness.device: %w", err)
	}
	if _, err := c.LogLevel(); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("log.format must be \"json\" or \"text\", got %q", c.Log.Format)
	}
	return nil
}

// DeviceType parses Harness.Device
func (c *Config) DeviceType() (tensor.DeviceType, error) {
	return tensor.ParseDevice(c.Harness.Device)
}

// LogLevel parses Log.Level
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(c.Log.Level))
	return level, err
}
