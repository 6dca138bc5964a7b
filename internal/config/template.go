package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

const templateHeader = `# offsync settings.
#
# Durations are Go duration strings ("30s", "5m", "168h"). Every key can be
# overridden from the environment: engine.sync_interval becomes
# OFFSYNC_ENGINE_SYNC_INTERVAL.
#
# Strategies are last_write_wins, field_merge, manual or wasm:<plugin>.
# Plugins are loaded from plugins.dir, one <plugin>.wasm file each.

`

// WriteTemplate writes s as a commented TOML settings file. It refuses to
// replace an existing file unless force is set.
func WriteTemplate(path string, s *Settings, force bool) error {
	if s == nil {
		s = DefaultSettings()
	}
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config %s already exists", path)
		}
	}

	var buf bytes.Buffer
	buf.WriteString(templateHeader)
	if err := toml.NewEncoder(&buf).Encode(templateTree(s)); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	// Write atomically via temp file
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// templateTree lays s out the way Load reads it back.
func templateTree(s *Settings) map[string]any {
	e := s.Engine
	strategies := make(map[string]string, len(e.ConflictStrategies))
	for entityType, strategy := range e.ConflictStrategies {
		strategies[entityType] = string(strategy)
	}
	prioritySync := e.PrioritySync
	if prioritySync == nil {
		prioritySync = []string{}
	}
	return map[string]any{
		"engine": map[string]any{
			"enable_offline_mode":        e.EnableOfflineMode,
			"sync_interval":              duration(e.SyncInterval),
			"max_retries":                e.MaxRetries,
			"retry_delay":                duration(e.RetryDelay),
			"max_retry_delay":            duration(e.MaxRetryDelay),
			"enable_background_sync":     e.EnableBackgroundSync,
			"enable_conflict_resolution": e.EnableConflictResolution,
			"max_storage_size":           e.MaxStorageSize,
			"offline_timeout":            duration(e.OfflineTimeout),
			"sync_batch_size":            e.SyncBatchSize,
			"priority_sync":              prioritySync,
			"enable_health_checks":       e.EnableHealthChecks,
			"health_check_interval":      duration(e.HealthCheckInterval),
			"failed_retention":           duration(e.FailedRetention),
			"default_conflict_strategy":  string(e.DefaultConflictStrategy),
			"conflict_strategies":        strategies,
			"battery_critical_level":     e.BatteryCriticalLevel,
			"storage_low_ratio":          e.StorageLowRatio,
			"storage_critical_ratio":     e.StorageCriticalRatio,
		},
		"store": map[string]any{
			"path":     s.Store.Path,
			"data_dir": s.Store.DataDir,
		},
		"origin": map[string]any{
			"url":       s.Origin.URL,
			"client_id": s.Origin.ClientID,
		},
		"monitor": map[string]any{
			"probe_url":         s.Monitor.ProbeURL,
			"probe_interval":    duration(s.Monitor.ProbeInterval),
			"resource_interval": duration(s.Monitor.ResourceInterval),
			"battery_root":      s.Monitor.BatteryRoot,
		},
		"dashboard": map[string]any{
			"addr": s.Dashboard.Addr,
		},
		"plugins": map[string]any{
			"dir": s.Plugins.Dir,
		},
		"log": map[string]any{
			"file":         s.Log.File,
			"max_size_mb":  s.Log.MaxSizeMB,
			"max_backups":  s.Log.MaxBackups,
			"max_age_days": s.Log.MaxAgeDays,
			"compress":     s.Log.Compress,
		},
	}
}

func duration(d time.Duration) string {
	return d.String()
}
