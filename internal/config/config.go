// Package config loads the ambient, env-driven tunables that sit
// alongside the spec's positional CLI arguments (jobs dir, max
// threads, max backups, registration endpoint are read directly from
// argv by cmd/kvs-server; everything here is optional knobs for
// logging, metrics and admission control).
//
// Grounded on the teacher's config.go: caarlos0/env struct tags with
// envDefault, an optional .env file via godotenv, and a Validate pass.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the server's ambient configuration.
type Config struct {
	// Logging
	LogLevel  string `env:"KVS_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"KVS_LOG_FORMAT" envDefault:"json"`

	// Metrics / health HTTP listener (additive to the spec's FIFO
	// control plane, never required for correctness).
	MetricsAddr string `env:"KVS_METRICS_ADDR" envDefault:"127.0.0.1:9090"`

	// Admission control thresholds, consulted by the client acceptor.
	CPURejectThreshold float64 `env:"KVS_CPU_REJECT_THRESHOLD" envDefault:"90.0"`
	CPUSampleInterval  int     `env:"KVS_CPU_SAMPLE_INTERVAL_MS" envDefault:"1000"`

	// Notification rate limiting (token-bucket, golang.org/x/time/rate).
	MaxNotificationsPerSec int `env:"KVS_MAX_NOTIFICATIONS_PER_SEC" envDefault:"0"` // 0 = unlimited

	// Protocol constants (spec §6), range-checked by Validate
	// (MAX_STRING_SIZE >= 40). MaxStringSize and MaxWriteSize are not
	// read elsewhere: the wire field width is fixed at 40 bytes in
	// package session and batch sizes are not capped.
	MaxStringSize    int `env:"KVS_MAX_STRING_SIZE" envDefault:"40"`
	MaxWriteSize     int `env:"KVS_MAX_WRITE_SIZE" envDefault:"64"`
	ManagingThreads  int `env:"KVS_MANAGING_THREADS" envDefault:"8"`
}

// Load reads KVS_* environment variables, optionally preceded by a
// .env file in the working directory. Missing .env is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// Validate checks range and enum constraints.
func (c *Config) Validate() error {
	if c.MaxStringSize < 40 {
		return fmt.Errorf("KVS_MAX_STRING_SIZE must be >= 40, got %d", c.MaxStringSize)
	}
	if c.MaxWriteSize < 1 {
		return fmt.Errorf("KVS_MAX_WRITE_SIZE must be > 0, got %d", c.MaxWriteSize)
	}
	if c.ManagingThreads < 1 {
		return fmt.Errorf("KVS_MANAGING_THREADS must be > 0, got %d", c.ManagingThreads)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("KVS_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("KVS_LOG_LEVEL must be one of debug/info/warn/error, got %q", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("KVS_LOG_FORMAT must be one of json/pretty, got %q", c.LogFormat)
	}
	return nil
}
