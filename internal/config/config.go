// Package config loads relay and client configuration.
// Settings are layered: defaults → relay-config.json (relay only) →
// environment variables (env vars win).
package config

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
)

// RelayConfig holds the full configuration for the room registry server.
type RelayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	// RedisURL names where persisted room state lives. Despite the name
	// (kept for compatibility with the env var callers already know), it is
	// read as a filesystem path for the embedded room store, not a network
	// DSN — see internal/store. Empty means memory-only, no persistence.
	RedisURL string `json:"redisUrl"`

	RoomTTLSeconds  int `json:"roomTtlSeconds"`
	MaxMessages     int `json:"maxMessages"`
	SweepInterval   int `json:"sweepIntervalSeconds"`
	RateLimitWindow int `json:"rateLimitWindowSeconds"`

	LogLevel string `json:"logLevel"`
}

// Load returns the relay configuration with defaults overridden by
// relay-config.json and then by environment variables.
func Load() *RelayConfig {
	cfg := defaults()
	loadFile(cfg, "relay-config.json")
	loadEnv(cfg)
	return cfg
}

func defaults() *RelayConfig {
	return &RelayConfig{
		Host:            "0.0.0.0",
		Port:            8899,
		RedisURL:        "",
		RoomTTLSeconds:  3600,
		MaxMessages:     500,
		SweepInterval:   60,
		RateLimitWindow: 1800,
		LogLevel:        "info",
	}
}

func loadFile(cfg *RelayConfig, path string) {
	data, err := os.ReadFile(path) //nolint:gosec // G703: controlled config file path, not user input
	if err != nil {
		return // file is optional
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		log.Printf("[CONFIG] Warning: could not parse %s: %v", path, err)
	} else {
		log.Printf("[CONFIG] Loaded %s", path)
	}
}

func loadEnv(cfg *RelayConfig) {
	if v := os.Getenv("SOS_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("SOS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("ROOM_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RoomTTLSeconds = n
		}
	}
	if v := os.Getenv("MAX_MESSAGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxMessages = n
		}
	}
	if v := os.Getenv("SWEEP_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SweepInterval = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}
