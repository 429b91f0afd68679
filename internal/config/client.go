package config

import (
	"os"
	"strconv"
)

// defaultRelayHost/defaultRelayPort are the well-known public relay a client
// talks to absent any override.
const (
	defaultRelayHost = "relay.dnscloak.net"
	defaultRelayPort = 8899
)

// ClientConfig holds the full configuration for the session transport.
type ClientConfig struct {
	RelayHost string
	RelayPort int

	// UseDirect skips the SOCKS5 probe entirely and dials the relay directly.
	UseDirect bool

	SocksHost string
	SocksPort int

	PollIntervalMS    int
	BackoffInitialMS  int
	BackoffMaxMS      int
	BackoffMultiplier float64

	LogLevel string
}

// LoadClient returns the client configuration with defaults overridden by
// environment variables. There is no client-side config file; the set of
// knobs is small enough that env vars alone are adequate.
func LoadClient() *ClientConfig {
	cfg := &ClientConfig{
		RelayHost:         defaultRelayHost,
		RelayPort:         defaultRelayPort,
		UseDirect:         false,
		SocksHost:         "127.0.0.1",
		SocksPort:         10800,
		PollIntervalMS:    1500,
		BackoffInitialMS:  1000,
		BackoffMaxMS:      30000,
		BackoffMultiplier: 2.0,
		LogLevel:          "info",
	}

	if v := os.Getenv("SOS_RELAY_HOST"); v != "" {
		cfg.RelayHost = v
	}
	if v := os.Getenv("SOS_RELAY_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RelayPort = n
		}
	}
	if v := os.Getenv("SOS_USE_DIRECT"); v == "true" || v == "1" {
		cfg.UseDirect = true
	}
	if v := os.Getenv("SOCKS_HOST"); v != "" {
		cfg.SocksHost = v
	}
	if v := os.Getenv("SOCKS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SocksPort = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg
}
