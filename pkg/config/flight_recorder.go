package config

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// FlightRecorderConfig enables the runtime/trace flight recorder when
// present in the config file. The recorder keeps recent execution trace
// data in a ring buffer; a SIGUSR1 or an automatic trigger snapshots it
// to disk for post-mortem analysis.
type FlightRecorderConfig struct {
	// MinAge is how much recent trace history to retain. Default: 10s.
	MinAge Duration `json:"min_age,omitempty"`

	// MaxBytes bounds the ring buffer memory regardless of MinAge.
	// Default: 10MiB.
	MaxBytes ByteSize `json:"max_bytes,omitempty"`

	// OutputDir is where snapshots are written. Required.
	OutputDir string `json:"output_dir"`

	// Cooldown is the minimum spacing between automatic snapshots.
	// Signal-triggered snapshots ignore it. Default: 60s.
	Cooldown Duration `json:"cooldown,omitempty"`
}

// GetMinAge returns the retention window with the default applied.
func (c *FlightRecorderConfig) GetMinAge() time.Duration {
	if c.MinAge == 0 {
		return 10 * time.Second
	}
	return c.MinAge.Duration()
}

// GetMaxBytes returns the buffer cap with the default applied.
func (c *FlightRecorderConfig) GetMaxBytes() int64 {
	if c.MaxBytes == 0 {
		return int64(10 * MiB)
	}
	return c.MaxBytes.Int64()
}

// GetCooldown returns the trigger cooldown with the default applied.
func (c *FlightRecorderConfig) GetCooldown() time.Duration {
	if c.Cooldown == 0 {
		return 60 * time.Second
	}
	return c.Cooldown.Duration()
}

// Validate checks the flight recorder configuration and creates the
// output directory if it does not exist yet.
func (c *FlightRecorderConfig) Validate() error {
	var errs []error
	if c.OutputDir == "" {
		errs = append(errs, errors.New("output_dir is required"))
	} else if info, err := os.Stat(c.OutputDir); err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(c.OutputDir, 0o755); err != nil {
				errs = append(errs, fmt.Errorf("output_dir %q does not exist and cannot be created: %w", c.OutputDir, err))
			}
		} else {
			errs = append(errs, fmt.Errorf("output_dir %q: %w", c.OutputDir, err))
		}
	} else if !info.IsDir() {
		errs = append(errs, fmt.Errorf("output_dir %q is not a directory", c.OutputDir))
	}
	if c.MinAge < 0 {
		errs = append(errs, errors.New("min_age must not be negative"))
	}
	if c.MaxBytes < 0 {
		errs = append(errs, errors.New("max_bytes must not be negative"))
	}
	if c.Cooldown < 0 {
		errs = append(errs, errors.New("cooldown must not be negative"))
	}
	return errors.Join(errs...)
}
