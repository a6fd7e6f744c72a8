package heartbeat

import (
	"errors"
	"fmt"
	"time"

	"github.com/vinayprograms/mcpnats/logging"
	"github.com/vinayprograms/mcpnats/registry"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("heartbeat already started")
	ErrNotStarted     = errors.New("heartbeat not started")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// Metadata keys the sender fills from StatsSource on every beat.
const (
	MetaInFlight = "in_flight"
	MetaRequests = "requests"
	MetaErrors   = "errors"
)

// SenderConfig configures a lease sender.
type SenderConfig struct {
	// Registry receives the periodic Register calls.
	Registry registry.Registry

	// Descriptor is the instance to keep listed.
	Descriptor registry.ServiceDescriptor

	// Interval between lease refreshes.
	// Should be well under the registry TTL, a third is typical.
	// Default: 10 seconds
	Interval time.Duration

	// Stats, when set, is sampled on every beat into descriptor metadata.
	Stats registry.StatsSource

	// Logger receives refresh failures. Nil disables logging.
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *SenderConfig) Validate() error {
	if c.Registry == nil {
		return ErrInvalidConfig
	}
	if err := registry.ValidateDescriptor(c.Descriptor); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// DefaultSenderConfig returns configuration with sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		Interval: 10 * time.Second,
	}
}

// MonitorConfig configures an instance monitor.
type MonitorConfig struct {
	// Registry is watched for instance changes.
	Registry registry.Registry

	// Timeout for considering an instance dead.
	// Should be the registry TTL or 2-3x the sender interval.
	// Default: 30 seconds
	Timeout time.Duration

	// CheckInterval for the dead instance checker.
	// Default: 1 second
	CheckInterval time.Duration

	// Logger receives dead instance reports. Nil disables logging.
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *MonitorConfig) Validate() error {
	if c.Registry == nil {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultMonitorConfig returns configuration with sensible defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Timeout:       30 * time.Second,
		CheckInterval: 1 * time.Second,
	}
}
