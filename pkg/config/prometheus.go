package config

import (
	"errors"
	"fmt"
	"strings"
)

// PrometheusConfig enables the metrics HTTP server when present in the
// config file.
type PrometheusConfig struct {
	// Listen is the metrics server address, "host:port" or ":port".
	// Default: ":9090".
	Listen string `json:"listen,omitempty"`

	// Path is the HTTP path metrics are served on. Default: "/metrics".
	Path string `json:"path,omitempty"`
}

// GetListen returns the listen address with the default applied.
func (c *PrometheusConfig) GetListen() string {
	if c.Listen == "" {
		return ":9090"
	}
	return c.Listen
}

// GetPath returns the metrics path with the default applied.
func (c *PrometheusConfig) GetPath() string {
	if c.Path == "" {
		return "/metrics"
	}
	return c.Path
}

// Validate checks the metrics server configuration.
func (c *PrometheusConfig) Validate() error {
	var errs []error
	if listen := c.GetListen(); !strings.Contains(listen, ":") {
		errs = append(errs, fmt.Errorf("listen address %q must contain a port, like ':9090'", listen))
	}
	if path := c.GetPath(); !strings.HasPrefix(path, "/") {
		errs = append(errs, fmt.Errorf("path %q must start with '/'", path))
	}
	return errors.Join(errs...)
}
