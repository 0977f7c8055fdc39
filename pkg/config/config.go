// Package config interprets the pgtether.json config file.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
)

// Config is the root of the pgtether configuration file.
type Config struct {
	// LogLevel is one of debug, info, warn, error. Default: info.
	LogLevel string `json:"log_level,omitempty"`

	// LogFormat is text or json. Default: text.
	LogFormat string `json:"log_format,omitempty"`

	// Prometheus enables the metrics HTTP server when present.
	Prometheus *PrometheusConfig `json:"prometheus,omitempty"`

	// OpenTelemetry configures OTLP trace export.
	OpenTelemetry *OpenTelemetryConfig `json:"opentelemetry,omitempty"`

	// FlightRecorder enables the runtime/trace ring buffer when present.
	FlightRecorder *FlightRecorderConfig `json:"flight_recorder,omitempty"`

	// Servers are the proxy endpoints. Each server has its own listeners,
	// backend, credentials, and pool.
	Servers []ServerConfig `json:"servers"`
}

// ParseConfig parses JSON configuration bytes.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// ReadConfigFile reads and parses the configuration file at path.
func ReadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// SlogLevel maps LogLevel to a slog.Level.
func (c *Config) SlogLevel() (slog.Level, error) {
	switch c.LogLevel {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
}

// Secrets yields every secret reference in the config along with the
// config path where it appears.
func (c *Config) Secrets() iter.Seq2[string, SecretRef] {
	return func(yield func(string, SecretRef) bool) {
		for i, server := range c.Servers {
			for j, user := range server.Users {
				if !yield(fmt.Sprintf("servers[%d].users[%d].username", i, j), user.Username) {
					return
				}
				if !yield(fmt.Sprintf("servers[%d].users[%d].password", i, j), user.Password) {
					return
				}
			}
			if server.Backend.Password != nil {
				if !yield(fmt.Sprintf("servers[%d].backend.password", i), *server.Backend.Password) {
					return
				}
			}
		}
	}
}

// Validate checks the whole configuration: structural checks on every
// server, pool settings that map to a valid pool configuration, and
// resolvability of every referenced secret. Errors are accumulated
// rather than stopping at the first one.
func (c *Config) Validate(ctx context.Context, secrets *SecretCache) error {
	var errs []error

	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q", c.LogFormat))
	}

	if len(c.Servers) == 0 {
		errs = append(errs, errors.New("no servers configured"))
	}
	names := make(map[string]bool, len(c.Servers))
	for i := range c.Servers {
		server := &c.Servers[i]
		if err := server.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("servers[%d] (%s): %w", i, server.Name, err))
		}
		if server.Name != "" {
			if names[server.Name] {
				errs = append(errs, fmt.Errorf("servers[%d]: duplicate server name %q", i, server.Name))
			}
			names[server.Name] = true
		}
	}

	if c.Prometheus != nil {
		if err := c.Prometheus.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("prometheus: %w", err))
		}
	}
	if c.OpenTelemetry != nil {
		if err := c.OpenTelemetry.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("opentelemetry: %w", err))
		}
	}
	if c.FlightRecorder != nil {
		if err := c.FlightRecorder.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("flight_recorder: %w", err))
		}
	}

	if secrets != nil {
		for path, ref := range c.Secrets() {
			if _, err := secrets.Get(ctx, ref); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", path, err))
			}
		}
	}

	return errors.Join(errs...)
}
