package channel

import (
	"errors"
	"fmt"
	"time"
)

// Config is the immutable channel configuration. Start from DefaultConfig.
type Config struct {
	// FlushInterval is the period of the timer-driven flush.
	FlushInterval time.Duration
	// Capacity is the maximum number of buffered items.
	Capacity int
	// MaxBatchItems bounds one transmission and is also the high-water
	// mark that triggers an immediate flush.
	MaxBatchItems int
	// MaxBatchBytes bounds the cumulative payload of one transmission.
	// Zero means unbounded.
	MaxBatchBytes int64
	// MaxRetries is the number of consecutive retryable failures after
	// which an item is dropped.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// DrainTimeout is the default bound for Shutdown.
	DrainTimeout time.Duration

	// SpoolPath, when set, keeps items abandoned at close on disk and
	// reloads them at the next New.
	SpoolPath     string
	SpoolCompress bool
}

// Defaults.
const (
	DefaultFlushInterval = 2 * time.Second
	DefaultCapacity      = 10000
	DefaultMaxBatchItems = 1024
	DefaultMaxBatchBytes = 3 << 20
	DefaultMaxRetries    = 3
	DefaultBaseDelay     = 2 * time.Second
	DefaultMaxDelay      = 16 * time.Second
	DefaultDrainTimeout  = 10 * time.Second
)

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		FlushInterval: DefaultFlushInterval,
		Capacity:      DefaultCapacity,
		MaxBatchItems: DefaultMaxBatchItems,
		MaxBatchBytes: DefaultMaxBatchBytes,
		MaxRetries:    DefaultMaxRetries,
		BaseDelay:     DefaultBaseDelay,
		MaxDelay:      DefaultMaxDelay,
		DrainTimeout:  DefaultDrainTimeout,
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.FlushInterval <= 0 {
		errs = append(errs, fmt.Errorf("flush interval must be positive, got %v", c.FlushInterval))
	}
	if c.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("capacity must be positive, got %d", c.Capacity))
	}
	if c.MaxBatchItems <= 0 {
		errs = append(errs, fmt.Errorf("max batch items must be positive, got %d", c.MaxBatchItems))
	}
	if c.MaxBatchBytes < 0 {
		errs = append(errs, fmt.Errorf("max batch bytes must not be negative, got %d", c.MaxBatchBytes))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries))
	}
	if c.BaseDelay < 0 {
		errs = append(errs, fmt.Errorf("base delay must not be negative, got %v", c.BaseDelay))
	}
	if c.MaxDelay < c.BaseDelay {
		errs = append(errs, fmt.Errorf("max delay %v is below base delay %v", c.MaxDelay, c.BaseDelay))
	}
	if c.DrainTimeout < 0 {
		errs = append(errs, fmt.Errorf("drain timeout must not be negative, got %v", c.DrainTimeout))
	}
	return errors.Join(errs...)
}
