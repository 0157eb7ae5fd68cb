// Package config loads the relay's TOML configuration file over the
// built-in defaults (cmd/vreld then layers the CLI-supplied bind port over
// the result), the way the teacher's core/main.go built a Config struct
// by hand but without hardcoding every field.
package config

import (
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds every tunable named or implied by the spec: identity
// service location, reliability timing, and broadcast cadence. The
// timing fields are durations at the API surface, but TOML has no
// native duration type, so the file format expresses them in seconds,
// fractions allowed (rawConfig, below), and Load converts.
type Config struct {
	Host       string
	Port       int
	ServerName string
	MaxPeers   int

	IdentityBaseURL string

	PeerTimeout     time.Duration
	RetryInterval   time.Duration
	MaxRetries      int
	BroadcastTick   time.Duration
	TransportTick   time.Duration
	CleanupInterval time.Duration
}

// rawConfig mirrors Config field-for-field for TOML decoding, with
// every duration expressed as a (possibly fractional) number of seconds.
type rawConfig struct {
	Host       string `toml:"host"`
	Port       int    `toml:"port"`
	ServerName string `toml:"server_name"`
	MaxPeers   int    `toml:"max_peers"`

	IdentityBaseURL string `toml:"identity_base_url"`

	PeerTimeoutSeconds     float64 `toml:"peer_timeout_seconds"`
	RetryIntervalSeconds   float64 `toml:"retry_interval_seconds"`
	MaxRetries             int     `toml:"max_retries"`
	BroadcastTickSeconds   float64 `toml:"broadcast_tick_seconds"`
	TransportTickSeconds   float64 `toml:"transport_tick_seconds"`
	CleanupIntervalSeconds float64 `toml:"cleanup_interval_seconds"`
}

func (c Config) toRaw() rawConfig {
	return rawConfig{
		Host:                   c.Host,
		Port:                   c.Port,
		ServerName:             c.ServerName,
		MaxPeers:               c.MaxPeers,
		IdentityBaseURL:        c.IdentityBaseURL,
		PeerTimeoutSeconds:     c.PeerTimeout.Seconds(),
		RetryIntervalSeconds:   c.RetryInterval.Seconds(),
		MaxRetries:             c.MaxRetries,
		BroadcastTickSeconds:   c.BroadcastTick.Seconds(),
		TransportTickSeconds:   c.TransportTick.Seconds(),
		CleanupIntervalSeconds: c.CleanupInterval.Seconds(),
	}
}

func (r rawConfig) toConfig() Config {
	return Config{
		Host:            r.Host,
		Port:            r.Port,
		ServerName:      r.ServerName,
		MaxPeers:        r.MaxPeers,
		IdentityBaseURL: r.IdentityBaseURL,
		PeerTimeout:     time.Duration(r.PeerTimeoutSeconds * float64(time.Second)),
		RetryInterval:   time.Duration(r.RetryIntervalSeconds * float64(time.Second)),
		MaxRetries:      r.MaxRetries,
		BroadcastTick:   time.Duration(r.BroadcastTickSeconds * float64(time.Second)),
		TransportTick:   time.Duration(r.TransportTickSeconds * float64(time.Second)),
		CleanupInterval: time.Duration(r.CleanupIntervalSeconds * float64(time.Second)),
	}
}

// Default returns the built-in configuration matching spec.md §6: bind
// port 31130, koneko.cat as the identity service, and the timing
// constants named throughout spec.md §4.
func Default() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            31130,
		ServerName:      "Presence Relay",
		MaxPeers:        256,
		IdentityBaseURL: "https://api.koneko.cat/",
		PeerTimeout:     60 * time.Second,
		RetryInterval:   1 * time.Second,
		MaxRetries:      5,
		BroadcastTick:   10 * time.Millisecond,
		TransportTick:   1 * time.Millisecond,
		CleanupInterval: 5 * time.Second,
	}
}

// Load reads path and overlays its fields onto the defaults. A missing
// path is not an error: the caller passes "" when no config file was
// given on the command line.
func Load(path string) (Config, error) {
	raw := Default().toRaw()
	if path == "" {
		return raw.toConfig(), nil
	}
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return Config{}, err
	}
	return raw.toConfig(), nil
}
