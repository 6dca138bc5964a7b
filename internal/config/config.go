// Package config holds the offline manager options and the process settings
// that wrap them.
//
// Config is the runtime option set. Partial carries a subset of options for
// configure calls and for the overrides persisted in the store. Settings is
// the settings tree loaded from file and environment by Load.
package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/steveyegge/offsync/internal/resolve"
	"github.com/steveyegge/offsync/internal/schema"
)

// ErrInvalid is returned for option values that cannot be applied.
var ErrInvalid = errors.New("invalid configuration")

// Config holds the offline manager options.
type Config struct {
	EnableOfflineMode        bool          `json:"enableOfflineMode" mapstructure:"enable_offline_mode"`
	SyncInterval             time.Duration `json:"syncInterval" mapstructure:"sync_interval"`
	MaxRetries               int           `json:"maxRetries" mapstructure:"max_retries"`
	RetryDelay               time.Duration `json:"retryDelay" mapstructure:"retry_delay"`
	EnableBackgroundSync     bool          `json:"enableBackgroundSync" mapstructure:"enable_background_sync"`
	EnableConflictResolution bool          `json:"enableConflictResolution" mapstructure:"enable_conflict_resolution"`
	MaxStorageSize           int64         `json:"maxStorageSize" mapstructure:"max_storage_size"`
	OfflineTimeout           time.Duration `json:"offlineTimeout" mapstructure:"offline_timeout"`
	SyncBatchSize            int           `json:"syncBatchSize" mapstructure:"sync_batch_size"`
	PrioritySync             []string      `json:"prioritySync" mapstructure:"priority_sync"`
	EnableHealthChecks       bool          `json:"enableHealthChecks" mapstructure:"enable_health_checks"`
	HealthCheckInterval      time.Duration `json:"healthCheckInterval" mapstructure:"health_check_interval"`

	// MaxRetryDelay caps the exponential backoff.
	MaxRetryDelay time.Duration `json:"maxRetryDelay" mapstructure:"max_retry_delay"`

	// FailedRetention is how long failed operations are kept before the
	// health check prunes them. Zero keeps them until cleared.
	FailedRetention time.Duration `json:"failedRetention" mapstructure:"failed_retention"`

	DefaultConflictStrategy schema.Strategy            `json:"defaultConflictStrategy" mapstructure:"default_conflict_strategy"`
	ConflictStrategies      map[string]schema.Strategy `json:"conflictStrategies,omitempty" mapstructure:"conflict_strategies"`

	// BatteryCriticalLevel is the charge percentage at or below which a
	// discharging battery is critical.
	BatteryCriticalLevel int `json:"batteryCriticalLevel" mapstructure:"battery_critical_level"`

	// StorageLowRatio and StorageCriticalRatio are shares of capacity in use.
	StorageLowRatio      float64 `json:"storageLowRatio" mapstructure:"storage_low_ratio"`
	StorageCriticalRatio float64 `json:"storageCriticalRatio" mapstructure:"storage_critical_ratio"`
}

// Default returns the default options.
func Default() *Config {
	return &Config{
		EnableOfflineMode:        true,
		SyncInterval:             30 * time.Second,
		MaxRetries:               3,
		RetryDelay:               time.Second,
		EnableBackgroundSync:     true,
		EnableConflictResolution: true,
		MaxStorageSize:           50 << 20,
		OfflineTimeout:           5 * time.Second,
		SyncBatchSize:            50,
		EnableHealthChecks:       true,
		HealthCheckInterval:      time.Minute,
		MaxRetryDelay:            5 * time.Minute,
		FailedRetention:          7 * 24 * time.Hour,
		DefaultConflictStrategy:  schema.StrategyLastWriteWins,
		BatteryCriticalLevel:     15,
		StorageLowRatio:          0.8,
		StorageCriticalRatio:     0.95,
	}
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.PrioritySync = slices.Clone(c.PrioritySync)
	out.ConflictStrategies = maps.Clone(c.ConflictStrategies)
	return &out
}

// Validate checks that every option has a usable value.
func (c *Config) Validate() error {
	positive := []struct {
		name string
		d    time.Duration
	}{
		{"syncInterval", c.SyncInterval},
		{"retryDelay", c.RetryDelay},
		{"maxRetryDelay", c.MaxRetryDelay},
		{"offlineTimeout", c.OfflineTimeout},
		{"healthCheckInterval", c.HealthCheckInterval},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return fmt.Errorf("%w: %s must be positive (got %v)", ErrInvalid, p.name, p.d)
		}
	}
	if c.MaxRetryDelay < c.RetryDelay {
		return fmt.Errorf("%w: maxRetryDelay %v is below retryDelay %v", ErrInvalid, c.MaxRetryDelay, c.RetryDelay)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: maxRetries must not be negative (got %d)", ErrInvalid, c.MaxRetries)
	}
	if c.SyncBatchSize <= 0 {
		return fmt.Errorf("%w: syncBatchSize must be positive (got %d)", ErrInvalid, c.SyncBatchSize)
	}
	if c.MaxStorageSize < 0 {
		return fmt.Errorf("%w: maxStorageSize must not be negative (got %d)", ErrInvalid, c.MaxStorageSize)
	}
	if c.FailedRetention < 0 {
		return fmt.Errorf("%w: failedRetention must not be negative (got %v)", ErrInvalid, c.FailedRetention)
	}
	if c.BatteryCriticalLevel < 0 || c.BatteryCriticalLevel > 100 {
		return fmt.Errorf("%w: batteryCriticalLevel must be between 0 and 100 (got %d)", ErrInvalid, c.BatteryCriticalLevel)
	}
	if c.StorageLowRatio <= 0 || c.StorageLowRatio > c.StorageCriticalRatio || c.StorageCriticalRatio > 1 {
		return fmt.Errorf("%w: storage ratios must satisfy 0 < low <= critical <= 1 (got %v, %v)",
			ErrInvalid, c.StorageLowRatio, c.StorageCriticalRatio)
	}
	for _, t := range c.PrioritySync {
		if t == "" {
			return fmt.Errorf("%w: prioritySync entries must not be empty", ErrInvalid)
		}
	}
	if err := resolve.ValidateStrategy(c.DefaultConflictStrategy, nil); err != nil {
		return fmt.Errorf("%w: defaultConflictStrategy: %v", ErrInvalid, err)
	}
	for entityType, s := range c.ConflictStrategies {
		if err := resolve.ValidateStrategy(s, nil); err != nil {
			return fmt.Errorf("%w: conflictStrategies[%s]: %v", ErrInvalid, entityType, err)
		}
	}
	return nil
}

// Partial is a subset of options. Nil fields are left unchanged.
type Partial struct {
	EnableOfflineMode        *bool                       `json:"enableOfflineMode,omitempty"`
	SyncInterval             *time.Duration              `json:"syncInterval,omitempty"`
	MaxRetries               *int                        `json:"maxRetries,omitempty"`
	RetryDelay               *time.Duration              `json:"retryDelay,omitempty"`
	EnableBackgroundSync     *bool                       `json:"enableBackgroundSync,omitempty"`
	EnableConflictResolution *bool                       `json:"enableConflictResolution,omitempty"`
	MaxStorageSize           *int64                      `json:"maxStorageSize,omitempty"`
	OfflineTimeout           *time.Duration              `json:"offlineTimeout,omitempty"`
	SyncBatchSize            *int                        `json:"syncBatchSize,omitempty"`
	PrioritySync             *[]string                   `json:"prioritySync,omitempty"`
	EnableHealthChecks       *bool                       `json:"enableHealthChecks,omitempty"`
	HealthCheckInterval      *time.Duration              `json:"healthCheckInterval,omitempty"`
	MaxRetryDelay            *time.Duration              `json:"maxRetryDelay,omitempty"`
	FailedRetention          *time.Duration              `json:"failedRetention,omitempty"`
	DefaultConflictStrategy  *schema.Strategy            `json:"defaultConflictStrategy,omitempty"`
	ConflictStrategies       *map[string]schema.Strategy `json:"conflictStrategies,omitempty"`
	BatteryCriticalLevel     *int                        `json:"batteryCriticalLevel,omitempty"`
	StorageLowRatio          *float64                    `json:"storageLowRatio,omitempty"`
	StorageCriticalRatio     *float64                    `json:"storageCriticalRatio,omitempty"`
}

// Apply returns a copy of c with p's set fields applied, validated.
// c is never modified.
func (c *Config) Apply(p Partial) (*Config, error) {
	out := c.Clone()
	set(&out.EnableOfflineMode, p.EnableOfflineMode)
	set(&out.SyncInterval, p.SyncInterval)
	set(&out.MaxRetries, p.MaxRetries)
	set(&out.RetryDelay, p.RetryDelay)
	set(&out.EnableBackgroundSync, p.EnableBackgroundSync)
	set(&out.EnableConflictResolution, p.EnableConflictResolution)
	set(&out.MaxStorageSize, p.MaxStorageSize)
	set(&out.OfflineTimeout, p.OfflineTimeout)
	set(&out.SyncBatchSize, p.SyncBatchSize)
	set(&out.EnableHealthChecks, p.EnableHealthChecks)
	set(&out.HealthCheckInterval, p.HealthCheckInterval)
	set(&out.MaxRetryDelay, p.MaxRetryDelay)
	set(&out.FailedRetention, p.FailedRetention)
	set(&out.DefaultConflictStrategy, p.DefaultConflictStrategy)
	set(&out.BatteryCriticalLevel, p.BatteryCriticalLevel)
	set(&out.StorageLowRatio, p.StorageLowRatio)
	set(&out.StorageCriticalRatio, p.StorageCriticalRatio)
	if p.PrioritySync != nil {
		out.PrioritySync = slices.Clone(*p.PrioritySync)
	}
	if p.ConflictStrategies != nil {
		out.ConflictStrategies = maps.Clone(*p.ConflictStrategies)
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// Merge returns p with q's set fields laid over it.
func (p Partial) Merge(q Partial) Partial {
	over(&p.EnableOfflineMode, q.EnableOfflineMode)
	over(&p.SyncInterval, q.SyncInterval)
	over(&p.MaxRetries, q.MaxRetries)
	over(&p.RetryDelay, q.RetryDelay)
	over(&p.EnableBackgroundSync, q.EnableBackgroundSync)
	over(&p.EnableConflictResolution, q.EnableConflictResolution)
	over(&p.MaxStorageSize, q.MaxStorageSize)
	over(&p.OfflineTimeout, q.OfflineTimeout)
	over(&p.SyncBatchSize, q.SyncBatchSize)
	over(&p.PrioritySync, q.PrioritySync)
	over(&p.EnableHealthChecks, q.EnableHealthChecks)
	over(&p.HealthCheckInterval, q.HealthCheckInterval)
	over(&p.MaxRetryDelay, q.MaxRetryDelay)
	over(&p.FailedRetention, q.FailedRetention)
	over(&p.DefaultConflictStrategy, q.DefaultConflictStrategy)
	over(&p.ConflictStrategies, q.ConflictStrategies)
	over(&p.BatteryCriticalLevel, q.BatteryCriticalLevel)
	over(&p.StorageLowRatio, q.StorageLowRatio)
	over(&p.StorageCriticalRatio, q.StorageCriticalRatio)
	return p
}

// IsEmpty reports whether no field is set.
func (p Partial) IsEmpty() bool {
	return p == Partial{}
}

// Diff returns the Partial that turns base into c, covering every field
// that differs.
func (c *Config) Diff(base *Config) Partial {
	var p Partial
	diff(&p.EnableOfflineMode, c.EnableOfflineMode, base.EnableOfflineMode)
	diff(&p.SyncInterval, c.SyncInterval, base.SyncInterval)
	diff(&p.MaxRetries, c.MaxRetries, base.MaxRetries)
	diff(&p.RetryDelay, c.RetryDelay, base.RetryDelay)
	diff(&p.EnableBackgroundSync, c.EnableBackgroundSync, base.EnableBackgroundSync)
	diff(&p.EnableConflictResolution, c.EnableConflictResolution, base.EnableConflictResolution)
	diff(&p.MaxStorageSize, c.MaxStorageSize, base.MaxStorageSize)
	diff(&p.OfflineTimeout, c.OfflineTimeout, base.OfflineTimeout)
	diff(&p.SyncBatchSize, c.SyncBatchSize, base.SyncBatchSize)
	diff(&p.EnableHealthChecks, c.EnableHealthChecks, base.EnableHealthChecks)
	diff(&p.HealthCheckInterval, c.HealthCheckInterval, base.HealthCheckInterval)
	diff(&p.MaxRetryDelay, c.MaxRetryDelay, base.MaxRetryDelay)
	diff(&p.FailedRetention, c.FailedRetention, base.FailedRetention)
	diff(&p.DefaultConflictStrategy, c.DefaultConflictStrategy, base.DefaultConflictStrategy)
	diff(&p.BatteryCriticalLevel, c.BatteryCriticalLevel, base.BatteryCriticalLevel)
	diff(&p.StorageLowRatio, c.StorageLowRatio, base.StorageLowRatio)
	diff(&p.StorageCriticalRatio, c.StorageCriticalRatio, base.StorageCriticalRatio)
	if !slices.Equal(c.PrioritySync, base.PrioritySync) {
		v := slices.Clone(c.PrioritySync)
		p.PrioritySync = &v
	}
	if !maps.Equal(c.ConflictStrategies, base.ConflictStrategies) {
		v := maps.Clone(c.ConflictStrategies)
		p.ConflictStrategies = &v
	}
	return p
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func over[T any](dst **T, src *T) {
	if src != nil {
		v := *src
		*dst = &v
	}
}

func diff[T comparable](dst **T, got, base T) {
	if got != base {
		v := got
		*dst = &v
	}
}
