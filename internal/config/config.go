// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package config loads daemon configuration with the precedence
// defaults < YAML file < environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`
	LogLevel   string `yaml:"log_level"`
	// APIToken protects the operator surface when set. The scan surface is
	// always open; kiosks authenticate with occupant tokens.
	APIToken string `yaml:"api_token"`

	MaxCapacity   int           `yaml:"max_capacity"`
	SessionLength time.Duration `yaml:"session_length"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	FailFastAfter time.Duration `yaml:"fail_fast_after"`
	RateWindow    time.Duration `yaml:"rate_window"`

	Forecast ForecastConfig `yaml:"forecast"`

	RateLimitEnabled bool `yaml:"rate_limit_enabled"`
	// AllowedOrigins is the CORS allow list; "*" admits every origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// ForecastConfig holds the Holt-Winters smoothing constants.
type ForecastConfig struct {
	Alpha        float64 `yaml:"alpha"`
	Gamma        float64 `yaml:"gamma"`
	Delta        float64 `yaml:"delta"`
	Eta          float64 `yaml:"eta"`
	SeasonLength int     `yaml:"season_length"`
	Window       int     `yaml:"window"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		ListenAddr:    ":8080",
		DataDir:       "./data",
		LogLevel:      "info",
		MaxCapacity:   50,
		SessionLength: time.Hour,
		SweepInterval: time.Minute,
		FailFastAfter: 30 * time.Second,
		RateWindow:    5 * time.Minute,
		Forecast: ForecastConfig{
			Alpha:        0.3,
			Gamma:        0.1,
			Delta:        0.3,
			Eta:          0.01,
			SeasonLength: 60,
			Window:       500,
		},
		RateLimitEnabled: true,
	}
}

// Load builds the effective configuration: defaults, overlaid with the YAML
// file at path when non-empty, overlaid with SPACEGATE_* environment
// variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.ListenAddr = ParseString("SPACEGATE_LISTEN", c.ListenAddr)
	c.DataDir = ParseString("SPACEGATE_DATA_DIR", c.DataDir)
	c.LogLevel = ParseString("SPACEGATE_LOG_LEVEL", c.LogLevel)
	c.APIToken = ParseString("SPACEGATE_API_TOKEN", c.APIToken)

	c.MaxCapacity = ParseInt("SPACEGATE_MAX_CAPACITY", c.MaxCapacity)
	c.SessionLength = ParseDuration("SPACEGATE_SESSION_LENGTH", c.SessionLength)
	c.SweepInterval = ParseDuration("SPACEGATE_SWEEP_INTERVAL", c.SweepInterval)
	c.FailFastAfter = ParseDuration("SPACEGATE_FAIL_FAST_AFTER", c.FailFastAfter)
	c.RateWindow = ParseDuration("SPACEGATE_RATE_WINDOW", c.RateWindow)

	c.Forecast.Alpha = ParseFloat("SPACEGATE_FORECAST_ALPHA", c.Forecast.Alpha)
	c.Forecast.Gamma = ParseFloat("SPACEGATE_FORECAST_GAMMA", c.Forecast.Gamma)
	c.Forecast.Delta = ParseFloat("SPACEGATE_FORECAST_DELTA", c.Forecast.Delta)
	c.Forecast.Eta = ParseFloat("SPACEGATE_FORECAST_ETA", c.Forecast.Eta)
	c.Forecast.SeasonLength = ParseInt("SPACEGATE_FORECAST_SEASON", c.Forecast.SeasonLength)
	c.Forecast.Window = ParseInt("SPACEGATE_FORECAST_WINDOW", c.Forecast.Window)

	c.RateLimitEnabled = ParseBool("SPACEGATE_RATE_LIMIT", c.RateLimitEnabled)
	if raw := ParseString("SPACEGATE_ALLOWED_ORIGINS", ""); raw != "" {
		var origins []string
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.AllowedOrigins = origins
	}
}

// Validate rejects out-of-range values.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.MaxCapacity < 0 || c.MaxCapacity > 10000 {
		return fmt.Errorf("max_capacity %d not in [0, 10000]", c.MaxCapacity)
	}
	if c.SessionLength <= 0 {
		return fmt.Errorf("session_length must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}
	for name, v := range map[string]float64{
		"forecast.alpha": c.Forecast.Alpha,
		"forecast.gamma": c.Forecast.Gamma,
		"forecast.delta": c.Forecast.Delta,
		"forecast.eta":   c.Forecast.Eta,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s %v not in [0, 1]", name, v)
		}
	}
	if c.Forecast.SeasonLength < 1 {
		return fmt.Errorf("forecast.season_length must be at least 1")
	}
	return nil
}

// DBPath returns the SQLite database location under the data directory.
func (c Config) DBPath() string {
	return filepath.Join(c.DataDir, "spacegate.db")
}
