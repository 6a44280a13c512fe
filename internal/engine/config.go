package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/yangjrun/novellus-sub001/internal/buffer"
	"github.com/yangjrun/novellus-sub001/internal/conflict"
	"github.com/yangjrun/novellus-sub001/internal/version"
	"github.com/yangjrun/novellus-sub001/internal/window"
)

// Config holds the pipeline tuning parameters.
type Config struct {
	BufferSize    int
	HighWatermark float64
	PutTimeout    time.Duration

	Workers int
	// PollInterval bounds how long an idle worker waits on the buffer
	// before re-checking for shutdown.
	PollInterval time.Duration

	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	WindowSize      time.Duration
	WindowSlide     time.Duration
	WindowRetention time.Duration
	WindowTick      time.Duration

	HistoryCap     int
	Policy         conflict.Policy
	VolatileFields []string
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		BufferSize:      10000,
		HighWatermark:   buffer.DefaultHighWatermark,
		PutTimeout:      time.Second,
		Workers:         8,
		PollInterval:    100 * time.Millisecond,
		MaxRetries:      3,
		BaseDelay:       time.Second,
		MaxDelay:        60 * time.Second,
		WindowSize:      5 * time.Minute,
		WindowSlide:     time.Minute,
		WindowRetention: window.DefaultRetention,
		WindowTick:      time.Second,
		HistoryCap:      version.DefaultHistoryCap,
		Policy:          conflict.DefaultPolicy(),
	}
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.BufferSize > 0, "buffer size must be positive, got %d", c.BufferSize)
	check(c.HighWatermark > 0 && c.HighWatermark <= 1, "high watermark must be in (0, 1], got %v", c.HighWatermark)
	check(c.PutTimeout >= 0, "put timeout must not be negative, got %s", c.PutTimeout)
	check(c.Workers > 0, "workers must be positive, got %d", c.Workers)
	check(c.PollInterval > 0, "poll interval must be positive, got %s", c.PollInterval)
	check(c.MaxRetries >= 0, "max retries must not be negative, got %d", c.MaxRetries)
	check(c.BaseDelay >= 0, "base delay must not be negative, got %s", c.BaseDelay)
	check(c.MaxDelay >= c.BaseDelay, "max delay %s is below base delay %s", c.MaxDelay, c.BaseDelay)
	check(c.WindowSize > 0, "window size must be positive, got %s", c.WindowSize)
	check(c.WindowSlide > 0, "window slide must be positive, got %s", c.WindowSlide)
	check(c.WindowTick > 0, "window tick must be positive, got %s", c.WindowTick)
	check(c.HistoryCap > 0, "history cap must be positive, got %d", c.HistoryCap)
	if err := c.Policy.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Backoff returns the delay before retry number retry (0-based):
// min(BaseDelay * 2^retry, MaxDelay).
func (c Config) Backoff(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	d := c.BaseDelay
	for range retry {
		if d >= c.MaxDelay/2 {
			return c.MaxDelay
		}
		d *= 2
	}
	return min(d, c.MaxDelay)
}
