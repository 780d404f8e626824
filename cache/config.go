package cache

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// RetryPolicy bounds how read fetches are retried. Authorization errors are
// never retried regardless of this policy.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration

	// Multiplier grows the delay between attempts.
	Multiplier float64
}

// SyncConfig controls the periodic full resync.
type SyncConfig struct {
	// Auto enables the interval-driven resync and the resync-on-reconnect.
	Auto bool

	// Interval is the period between automatic resyncs while online.
	Interval time.Duration

	// ProbeTimeout is the client-side timeout on the reachability probe.
	ProbeTimeout time.Duration

	// DisplayDelay is how long a terminal sync status stays visible before
	// resetting to idle.
	DisplayDelay time.Duration
}

// ReconnectConfig bounds the realtime channel reconnect backoff.
type ReconnectConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// MaxAttempts is the reconnect budget before the manager gives up and
	// surfaces a degraded-realtime notice.
	MaxAttempts int
}

// Config is the top-level configuration for the sync cache.
type Config struct {
	// DefaultStaleTime and DefaultGCTime apply to entries created without
	// explicit options (Set, Seed).
	DefaultStaleTime time.Duration
	DefaultGCTime    time.Duration

	Retry     RetryPolicy
	Sync      SyncConfig
	Reconnect ReconnectConfig
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultStaleTime: 30 * time.Second,
		DefaultGCTime:    5 * time.Minute,
		Retry: RetryPolicy{
			MaxAttempts:  3,
			InitialDelay: 250 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
		},
		Sync: SyncConfig{
			Auto:         true,
			Interval:     time.Minute,
			ProbeTimeout: 2 * time.Second,
			DisplayDelay: 2 * time.Second,
		},
		Reconnect: ReconnectConfig{
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     30 * time.Second,
			MaxAttempts:  10,
		},
	}
}

// Validate checks whether the configuration values are usable.
func (c Config) Validate() error {
	if err := validation.ValidateStruct(&c,
		validation.Field(&c.DefaultStaleTime, validation.Min(time.Duration(0))),
		validation.Field(&c.DefaultGCTime, validation.Required, validation.Min(time.Second)),
	); err != nil {
		return err
	}
	if err := validation.ValidateStruct(&c.Retry,
		validation.Field(&c.Retry.MaxAttempts, validation.Required, validation.Min(1)),
		validation.Field(&c.Retry.InitialDelay, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.Retry.MaxDelay, validation.Required, validation.Min(time.Millisecond)),
	); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry: multiplier must be >= 1")
	}
	if err := validation.ValidateStruct(&c.Sync,
		validation.Field(&c.Sync.Interval, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.Sync.ProbeTimeout, validation.Required, validation.Min(100*time.Millisecond)),
	); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if err := validation.ValidateStruct(&c.Reconnect,
		validation.Field(&c.Reconnect.InitialDelay, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.Reconnect.MaxDelay, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.Reconnect.MaxAttempts, validation.Required, validation.Min(1)),
	); err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	return nil
}

// Named data-class presets for per-key freshness.

// PresetStatic is for rarely changing reference data.
func PresetStatic() EntryOptions {
	return EntryOptions{StaleTime: 10 * time.Minute, GCTime: 30 * time.Minute}
}

// PresetDynamic is for regular entity lists and details.
func PresetDynamic() EntryOptions {
	return EntryOptions{StaleTime: 30 * time.Second, GCTime: 5 * time.Minute}
}

// PresetCritical always revalidates on observation and retains little.
func PresetCritical() EntryOptions {
	return EntryOptions{StaleTime: 0, GCTime: time.Minute}
}

// PresetRealtime combines short staleness with a periodic background refetch
// while the key is observed.
func PresetRealtime() EntryOptions {
	return EntryOptions{StaleTime: 5 * time.Second, GCTime: 5 * time.Minute, RefetchInterval: 15 * time.Second}
}

// Backend identifies the remote data store. Both values are required at
// process start; their absence is a configuration error, not a runtime
// condition this layer handles.
type Backend struct {
	BaseURL string `env:"SYNCCACHE_BASE_URL,notEmpty"`
	APIKey  string `env:"SYNCCACHE_API_KEY,notEmpty"`
}

// BackendFromEnv reads the backend location and credentials from the
// environment.
func BackendFromEnv() (Backend, error) {
	var b Backend
	if err := env.Parse(&b); err != nil {
		return Backend{}, fmt.Errorf("backend config: %w", err)
	}
	return b, nil
}
