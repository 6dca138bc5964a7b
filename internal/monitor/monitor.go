// Package monitor tracks connectivity, battery and storage pressure.
//
// A ResourceMonitor is a pure event source plus an on-demand connection
// probe; it keeps no persistent state. Network is the production
// implementation (HTTP HEAD probe, sysfs battery, store size polling) and
// Manual is a scriptable stand-in for headless hosts and tests.
package monitor

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/steveyegge/offsync/internal/schema"
	"github.com/steveyegge/offsync/internal/store"
)

// EventKind identifies a monitor event.
type EventKind string

const (
	EventOnline         EventKind = "online"
	EventOffline        EventKind = "offline"
	EventBatteryChanged EventKind = "batteryChanged"
	EventStorageChanged EventKind = "storageChanged"
)

// Event is emitted on connectivity or resource changes.
type Event struct {
	Kind EventKind

	// Online/offline.
	Quality schema.ConnectionQuality
	Latency time.Duration

	// batteryChanged.
	Battery BatteryReading

	// storageChanged.
	Storage store.Info
}

// Probe is the result of a connection quality probe.
type Probe struct {
	Quality schema.ConnectionQuality
	Latency time.Duration
}

// ErrUnreachable is returned by probes that could not reach the origin.
var ErrUnreachable = errors.New("origin unreachable")

// ResourceMonitor is the contract the offline manager depends on.
type ResourceMonitor interface {
	// Start begins background polling. Events are delivered to subscribers.
	Start(ctx context.Context) error
	// Stop ends polling and waits for background goroutines.
	Stop() error
	// Subscribe registers fn for every event and returns its unsubscribe func.
	Subscribe(fn func(Event)) func()
	// ProbeConnectionQuality performs one round-trip. An unreachable origin
	// reports QualityOffline.
	ProbeConnectionQuality(ctx context.Context) Probe
	// Battery returns the last battery reading.
	Battery() BatteryReading
	// Storage returns the last storage reading.
	Storage() store.Info
}

// Latency thresholds for probe classification.
const (
	ExcellentLatency = 100 * time.Millisecond
	GoodLatency      = 500 * time.Millisecond
)

// ClassifyLatency maps a successful probe round-trip onto a quality.
func ClassifyLatency(d time.Duration) schema.ConnectionQuality {
	switch {
	case d < ExcellentLatency:
		return schema.QualityExcellent
	case d < GoodLatency:
		return schema.QualityGood
	default:
		return schema.QualityPoor
	}
}

// ClassifyBattery maps a reading onto a status. Hosts without a battery
// report charging.
func ClassifyBattery(r BatteryReading, criticalLevel int) schema.BatteryStatus {
	if !r.Present || r.Charging {
		return schema.BatteryCharging
	}
	if r.Level <= criticalLevel {
		return schema.BatteryCritical
	}
	return schema.BatteryDischarging
}

// ClassifyStorage maps a reading onto a status using the share of capacity
// in use. An unknown capacity is normal.
func ClassifyStorage(info store.Info, lowRatio, criticalRatio float64) schema.StorageStatus {
	if info.Available < 0 {
		return schema.StorageNormal
	}
	if info.Available == 0 {
		return schema.StorageCritical
	}
	total := info.Used + info.Available
	if total <= 0 {
		return schema.StorageNormal
	}
	ratio := float64(info.Used) / float64(total)
	switch {
	case ratio >= criticalRatio:
		return schema.StorageCritical
	case ratio >= lowRatio:
		return schema.StorageLow
	default:
		return schema.StorageNormal
	}
}

// subscribers is a small copy-on-notify registry shared by the monitors.
type subscribers struct {
	next int
	fns  map[int]func(Event)
}

func (s *subscribers) add(fn func(Event)) int {
	if s.fns == nil {
		s.fns = make(map[int]func(Event))
	}
	s.next++
	s.fns[s.next] = fn
	return s.next
}

func (s *subscribers) remove(id int) {
	delete(s.fns, id)
}

func (s *subscribers) snapshot() []func(Event) {
	ids := make([]int, 0, len(s.fns))
	for id := range s.fns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Event), len(ids))
	for i, id := range ids {
		out[i] = s.fns[id]
	}
	return out
}
