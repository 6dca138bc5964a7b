package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. OFFSYNC_ENGINE_SYNC_INTERVAL.
const EnvPrefix = "OFFSYNC"

// Settings is the process-level settings tree.
type Settings struct {
	Engine    Config            `mapstructure:"engine"`
	Store     StoreSettings     `mapstructure:"store"`
	Origin    OriginSettings    `mapstructure:"origin"`
	Monitor   MonitorSettings   `mapstructure:"monitor"`
	Dashboard DashboardSettings `mapstructure:"dashboard"`
	Plugins   PluginSettings    `mapstructure:"plugins"`
	Log       LogSettings       `mapstructure:"log"`
}

// StoreSettings locates the operation log.
type StoreSettings struct {
	// Path of the SQLite database. Relative paths resolve against DataDir.
	Path    string `mapstructure:"path"`
	DataDir string `mapstructure:"data_dir"`
}

// DBPath returns the database path.
func (s StoreSettings) DBPath() string {
	if filepath.IsAbs(s.Path) {
		return s.Path
	}
	return filepath.Join(s.DataDir, s.Path)
}

// OriginSettings locates the origin.
type OriginSettings struct {
	URL      string `mapstructure:"url"`
	// ClientID overrides the generated replica id.
	ClientID string `mapstructure:"client_id"`
}

// MonitorSettings configures connectivity and resource sampling.
type MonitorSettings struct {
	// ProbeURL defaults to the origin's health endpoint.
	ProbeURL         string        `mapstructure:"probe_url"`
	ProbeInterval    time.Duration `mapstructure:"probe_interval"`
	ResourceInterval time.Duration `mapstructure:"resource_interval"`
	// BatteryRoot is the power_supply sysfs directory; empty uses the default.
	BatteryRoot      string        `mapstructure:"battery_root"`
}

// DashboardSettings configures the event stream server.
type DashboardSettings struct {
	// Addr to listen on; empty disables the server.
	Addr string `mapstructure:"addr"`
}

// PluginSettings locates WASM merge plugins.
type PluginSettings struct {
	Dir string `mapstructure:"dir"`
}

// LogSettings configures the daemon log.
type LogSettings struct {
	// File receives the log; empty logs to stderr.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// DefaultDataDir is where state lives when nothing else is configured.
func DefaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "offsync")
	}
	return ".offsync"
}

// DefaultSettings returns the settings used when no file is present.
func DefaultSettings() *Settings {
	return &Settings{
		Engine: *Default(),
		Store: StoreSettings{
			Path:    "offsync.db",
			DataDir: DefaultDataDir(),
		},
		Origin: OriginSettings{
			URL: "http://127.0.0.1:7420",
		},
		Monitor: MonitorSettings{
			ProbeInterval:    15 * time.Second,
			ResourceInterval: 30 * time.Second,
		},
		Log: LogSettings{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
	}
}

// Load reads settings from path, falling back to defaults for every key the
// file does not set. OFFSYNC_* environment variables override both. A
// missing file is not an error; an empty path reads no file.
func Load(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v, DefaultSettings())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := s.Engine.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// setDefaults registers every key so environment overrides apply to keys
// the file leaves out.
func setDefaults(v *viper.Viper, s *Settings) {
	e := s.Engine
	for k, val := range map[string]any{
		"engine.enable_offline_mode":        e.EnableOfflineMode,
		"engine.sync_interval":              e.SyncInterval,
		"engine.max_retries":                e.MaxRetries,
		"engine.retry_delay":                e.RetryDelay,
		"engine.enable_background_sync":     e.EnableBackgroundSync,
		"engine.enable_conflict_resolution": e.EnableConflictResolution,
		"engine.max_storage_size":           e.MaxStorageSize,
		"engine.offline_timeout":            e.OfflineTimeout,
		"engine.sync_batch_size":            e.SyncBatchSize,
		"engine.priority_sync":              e.PrioritySync,
		"engine.enable_health_checks":       e.EnableHealthChecks,
		"engine.health_check_interval":      e.HealthCheckInterval,
		"engine.max_retry_delay":            e.MaxRetryDelay,
		"engine.failed_retention":           e.FailedRetention,
		"engine.default_conflict_strategy":  string(e.DefaultConflictStrategy),
		"engine.conflict_strategies":        map[string]string{},
		"engine.battery_critical_level":     e.BatteryCriticalLevel,
		"engine.storage_low_ratio":          e.StorageLowRatio,
		"engine.storage_critical_ratio":     e.StorageCriticalRatio,
		"store.path":                        s.Store.Path,
		"store.data_dir":                    s.Store.DataDir,
		"origin.url":                        s.Origin.URL,
		"origin.client_id":                  s.Origin.ClientID,
		"monitor.probe_url":                 s.Monitor.ProbeURL,
		"monitor.probe_interval":            s.Monitor.ProbeInterval,
		"monitor.resource_interval":         s.Monitor.ResourceInterval,
		"monitor.battery_root":              s.Monitor.BatteryRoot,
		"dashboard.addr":                    s.Dashboard.Addr,
		"plugins.dir":                       s.Plugins.Dir,
		"log.file":                          s.Log.File,
		"log.max_size_mb":                   s.Log.MaxSizeMB,
		"log.max_backups":                   s.Log.MaxBackups,
		"log.max_age_days":                  s.Log.MaxAgeDays,
		"log.compress":                      s.Log.Compress,
	} {
		v.SetDefault(k, val)
	}
}
