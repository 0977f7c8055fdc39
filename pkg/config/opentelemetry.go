package config

import (
	"errors"
	"fmt"
)

// OpenTelemetryConfig configures OTLP trace export.
type OpenTelemetryConfig struct {
	// Enabled turns tracing on. Default: false.
	Enabled bool `json:"enabled,omitempty"`

	// ServiceName appears on every span. Default: "pgtether".
	ServiceName string `json:"service_name,omitempty"`

	// OTLPEndpoint is the collector endpoint. Empty defers to the
	// OTEL_EXPORTER_OTLP_ENDPOINT environment variable.
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`

	// OTLPProtocol is "grpc" or "http". Default: "grpc".
	OTLPProtocol string `json:"otlp_protocol,omitempty"`

	// SamplingRate is the fraction of sessions traced, 0.0 to 1.0.
	// Default: 1.0.
	SamplingRate *float64 `json:"sampling_rate,omitempty"`

	// ExtraAttributes are added to the trace resource.
	ExtraAttributes map[string]string `json:"extra_attributes,omitempty"`
}

// GetServiceName returns the service name with the default applied.
func (c *OpenTelemetryConfig) GetServiceName() string {
	if c.ServiceName == "" {
		return "pgtether"
	}
	return c.ServiceName
}

// GetOTLPProtocol returns the protocol with the default applied.
func (c *OpenTelemetryConfig) GetOTLPProtocol() string {
	if c.OTLPProtocol == "" {
		return "grpc"
	}
	return c.OTLPProtocol
}

// GetSamplingRate returns the sampling rate with the default applied.
func (c *OpenTelemetryConfig) GetSamplingRate() float64 {
	if c.SamplingRate == nil {
		return 1.0
	}
	return *c.SamplingRate
}

// Validate checks the tracing configuration.
func (c *OpenTelemetryConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	if p := c.GetOTLPProtocol(); p != "grpc" && p != "http" {
		errs = append(errs, fmt.Errorf("otlp_protocol must be \"grpc\" or \"http\", got %q", p))
	}
	if rate := c.GetSamplingRate(); rate < 0.0 || rate > 1.0 {
		errs = append(errs, fmt.Errorf("sampling_rate must be between 0.0 and 1.0, got %f", rate))
	}
	return errors.Join(errs...)
}
