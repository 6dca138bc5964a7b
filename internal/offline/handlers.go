package offline

import (
	"context"
	"fmt"

	"github.com/steveyegge/offsync/internal/engine"
	"github.com/steveyegge/offsync/internal/events"
	"github.com/steveyegge/offsync/internal/monitor"
	"github.com/steveyegge/offsync/internal/queue"
	"github.com/steveyegge/offsync/internal/schema"
	"github.com/steveyegge/offsync/internal/store"
)

func (m *Manager) publish(e events.Event) {
	if e.Time.IsZero() {
		e.Time = m.config.Now().UTC()
	}
	m.bus.Publish(e)
}

func (m *Manager) storageFull(reason string) {
	m.logger.Printf("Warning: %s", reason)
	m.publish(events.Event{Kind: events.StorageFull, Error: reason})
}

// onQueueEvent maps queue transitions onto counters and outbound events.
func (m *Manager) onQueueEvent(e queue.Event) {
	var out events.Event
	wake := false

	m.mu.Lock()
	switch e.Kind {
	case queue.EventQueued:
		m.stats.TotalOperations++
		out.Kind = events.OperationQueued
	case queue.EventCompleted:
		m.stats.SuccessfulOperations++
		out.Kind = events.OperationCompleted
	case queue.EventFailed:
		if e.Operation.Error == schema.CancelledReason {
			m.stats.CancelledOperations++
		} else {
			m.stats.FailedOperations++
		}
		out.Kind = events.OperationFailed
		out.Error = e.Operation.Error
	case queue.EventRetrying:
		m.stats.RetriedOperations++
		out.Kind = events.OperationRetrying
		out.Error = e.Operation.Error
	case queue.EventPromoted, queue.EventRequeued:
		wake = m.status.IsOnline
	}
	m.mu.Unlock()

	if out.Kind != "" {
		out.Operation = e.Operation
		m.publish(out)
	}
	if wake {
		m.kick()
	}
}

// onEngineEvent maps engine activity onto status, counters and outbound events.
func (m *Manager) onEngineEvent(e engine.Event) {
	switch e.Kind {
	case engine.EventSyncStart:
		m.mu.Lock()
		m.status.IsSyncing = true
		m.mu.Unlock()
		m.publish(events.Event{Kind: events.SyncStart})

	case engine.EventSyncComplete, engine.EventSyncError:
		out := events.Event{Kind: events.SyncComplete}
		m.mu.Lock()
		m.status.IsSyncing = false
		m.stats.SyncCycles++
		if e.Result != nil {
			at := e.Result.StartedAt.Add(e.Result.Duration)
			m.status.LastSyncTime = &at
			m.stats.BytesSynced += e.Result.Bytes
			m.stats.LastSyncDuration = e.Result.Duration
			out.Duration = e.Result.Duration
			out.BytesSynced = e.Result.Bytes
		}
		if e.Kind == engine.EventSyncError {
			m.stats.FailedSyncCycles++
			out.Kind = events.SyncError
			if e.Err != nil {
				out.Error = e.Err.Error()
			}
		}
		m.status.SyncHealth = m.healthLocked()
		m.mu.Unlock()
		m.publish(out)

	case engine.EventConflictDetected:
		c := *e.Conflict
		m.mu.Lock()
		m.stats.ConflictsDetected++
		if c.Status == schema.ConflictOpen {
			m.conflicts[c.ID] = c.OperationID
		}
		m.mu.Unlock()
		m.publish(events.Event{Kind: events.ConflictDetected, Conflict: &c})

	case engine.EventConflictResolved:
		c := *e.Conflict
		m.mu.Lock()
		m.stats.ConflictsResolved++
		delete(m.conflicts, c.ID)
		m.mu.Unlock()
		m.publish(events.Event{Kind: events.ConflictResolved, Conflict: &c, Resolution: e.Resolution})
	}
}

// onMonitorEvent applies connectivity and resource changes.
func (m *Manager) onMonitorEvent(e monitor.Event) {
	switch e.Kind {
	case monitor.EventOnline, monitor.EventOffline:
		m.setConnectivity(monitor.Probe{Quality: e.Quality, Latency: e.Latency})
	case monitor.EventBatteryChanged:
		if m.setBattery(e.Battery) {
			m.reconcile()
		}
	case monitor.EventStorageChanged:
		m.setStorage(e.Storage)
	}
}

func (m *Manager) probe(ctx context.Context) monitor.Probe {
	ctx, cancel := context.WithTimeout(ctx, m.options().OfflineTimeout)
	defer cancel()
	return m.monitor.ProbeConnectionQuality(ctx)
}

// setConnectivity records a probe and announces online/offline transitions.
func (m *Manager) setConnectivity(p monitor.Probe) {
	online := p.Quality != schema.QualityOffline && p.Quality != ""

	m.mu.Lock()
	changed := m.status.IsOnline != online
	m.status.IsOnline = online
	m.status.ConnectionQuality = p.Quality
	if !online {
		m.status.ConnectionQuality = schema.QualityOffline
	}
	m.stats.NetworkLatency = p.Latency
	status := m.status
	m.mu.Unlock()

	if !changed {
		return
	}
	if online {
		m.logger.Printf("Origin reachable (%s, %v)", p.Quality, p.Latency)
		m.publish(events.Event{Kind: events.Online, Status: &status})
		m.kick()
	} else {
		m.logger.Println("Origin unreachable, working offline")
		m.publish(events.Event{Kind: events.Offline, Status: &status})
	}
}

// setBattery classifies a battery reading. It reports whether the critical
// state flipped, which changes whether background sync may run.
func (m *Manager) setBattery(r monitor.BatteryReading) bool {
	m.mu.Lock()
	prev := m.status.BatteryStatus
	next := monitor.ClassifyBattery(r, m.opts.BatteryCriticalLevel)
	m.status.BatteryStatus = next
	m.stats.BatteryLevel = float64(r.Level)
	m.mu.Unlock()

	wasCritical, isCritical := prev == schema.BatteryCritical, next == schema.BatteryCritical
	if wasCritical == isCritical {
		return false
	}
	if isCritical {
		m.logger.Printf("Battery critical (%d%%), background sync suspended", r.Level)
	} else {
		m.logger.Println("Battery recovered, background sync resumed")
	}
	return true
}

// setStorage classifies storage usage. Entering critical announces storageFull.
func (m *Manager) setStorage(info store.Info) {
	m.mu.Lock()
	prev := m.status.StorageStatus
	next := monitor.ClassifyStorage(info, m.opts.StorageLowRatio, m.opts.StorageCriticalRatio)
	m.status.StorageStatus = next
	m.mu.Unlock()

	switch {
	case next == schema.StorageCritical && prev != schema.StorageCritical:
		m.storageFull(fmt.Sprintf("storage critical (%d bytes used, %d available); new operations are blocked", info.Used, info.Available))
	case next != schema.StorageCritical && prev == schema.StorageCritical:
		m.logger.Println("Storage recovered, accepting operations")
	}
}
