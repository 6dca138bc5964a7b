package schema

import "time"

// ConnectionQuality classifies the link to the origin.
type ConnectionQuality string

const (
	QualityExcellent ConnectionQuality = "excellent"
	QualityGood      ConnectionQuality = "good"
	QualityPoor      ConnectionQuality = "poor"
	QualityOffline   ConnectionQuality = "offline"
)

// BatteryStatus classifies the power source.
type BatteryStatus string

const (
	BatteryCharging    BatteryStatus = "charging"
	BatteryDischarging BatteryStatus = "discharging"
	BatteryCritical    BatteryStatus = "critical"
)

// StorageStatus classifies pressure on the operation log store.
type StorageStatus string

const (
	StorageNormal   StorageStatus = "normal"
	StorageLow      StorageStatus = "low"
	StorageCritical StorageStatus = "critical"
)

// SyncHealth summarizes whether synchronization is keeping up.
type SyncHealth string

const (
	HealthHealthy  SyncHealth = "healthy"
	HealthDegraded SyncHealth = "degraded"
	HealthCritical SyncHealth = "critical"
)

// rank orders health values so the worse of two can be picked.
func (h SyncHealth) rank() int {
	switch h {
	case HealthCritical:
		return 2
	case HealthDegraded:
		return 1
	default:
		return 0
	}
}

// Worse returns the worse of h and other.
func (h SyncHealth) Worse(other SyncHealth) SyncHealth {
	if other.rank() > h.rank() {
		return other
	}
	return h
}

// OfflineStatus is the process-wide status snapshot. Only the offline manager
// writes it; collaborators receive copies.
type OfflineStatus struct {
	IsOnline          bool              `json:"is_online" yaml:"is_online"`
	IsSyncing         bool              `json:"is_syncing" yaml:"is_syncing"`
	OfflineMode       bool              `json:"offline_mode" yaml:"offline_mode"`
	HasPendingChanges bool              `json:"has_pending_changes" yaml:"has_pending_changes"`
	HasConflicts      bool              `json:"has_conflicts" yaml:"has_conflicts"`
	LastSyncTime      *time.Time        `json:"last_sync_time,omitempty" yaml:"last_sync_time,omitempty"`
	NextSyncTime      *time.Time        `json:"next_sync_time,omitempty" yaml:"next_sync_time,omitempty"`
	ConnectionQuality ConnectionQuality `json:"connection_quality" yaml:"connection_quality"`
	BatteryStatus     BatteryStatus     `json:"battery_status" yaml:"battery_status"`
	StorageStatus     StorageStatus     `json:"storage_status" yaml:"storage_status"`
	SyncHealth        SyncHealth        `json:"sync_health" yaml:"sync_health"`
}

// OfflineStats holds monotonically accumulating counters and instantaneous
// gauges. Stats drive policy and display, never correctness decisions.
type OfflineStats struct {
	// ===== Counters =====
	TotalOperations      int64 `json:"total_operations" yaml:"total_operations"`
	SuccessfulOperations int64 `json:"successful_operations" yaml:"successful_operations"`
	FailedOperations     int64 `json:"failed_operations" yaml:"failed_operations"`
	RetriedOperations    int64 `json:"retried_operations" yaml:"retried_operations"`
	CancelledOperations  int64 `json:"cancelled_operations" yaml:"cancelled_operations"`
	ConflictsDetected    int64 `json:"conflicts_detected" yaml:"conflicts_detected"`
	ConflictsResolved    int64 `json:"conflicts_resolved" yaml:"conflicts_resolved"`
	SyncCycles           int64 `json:"sync_cycles" yaml:"sync_cycles"`
	FailedSyncCycles     int64 `json:"failed_sync_cycles" yaml:"failed_sync_cycles"`
	BytesSynced          int64 `json:"bytes_synced" yaml:"bytes_synced"`

	// ===== Gauges =====
	PendingOperations int           `json:"pending_operations" yaml:"pending_operations"`
	RetainedFailures  int           `json:"retained_failures" yaml:"retained_failures"`
	OpenConflicts     int           `json:"open_conflicts" yaml:"open_conflicts"`
	StorageUsed       int64         `json:"storage_used" yaml:"storage_used"`
	StorageAvailable  int64         `json:"storage_available" yaml:"storage_available"`
	NetworkLatency    time.Duration `json:"network_latency" yaml:"network_latency"`
	BatteryLevel      float64       `json:"battery_level" yaml:"battery_level"`
	LastSyncDuration  time.Duration `json:"last_sync_duration" yaml:"last_sync_duration"`
}
