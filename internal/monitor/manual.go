package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/steveyegge/offsync/internal/schema"
	"github.com/steveyegge/offsync/internal/store"
)

// Manual is a monitor driven by explicit calls. Setters deliver events
// synchronously on the calling goroutine.
type Manual struct {
	mu      sync.Mutex
	subs    subscribers
	online  bool
	probe   Probe
	battery BatteryReading
	storage store.Info
	probes  int
}

// NewManual creates a monitor that starts offline on mains power with
// unknown storage.
func NewManual() *Manual {
	return &Manual{
		probe:   Probe{Quality: schema.QualityOffline},
		battery: BatteryReading{Level: 100, Charging: true},
		storage: store.Info{Available: -1},
	}
}

// Start is a no-op.
func (m *Manual) Start(ctx context.Context) error { return nil }

// Stop is a no-op.
func (m *Manual) Stop() error { return nil }

// Subscribe registers fn for every event.
func (m *Manual) Subscribe(fn func(Event)) func() {
	m.mu.Lock()
	id := m.subs.add(fn)
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.subs.remove(id)
		m.mu.Unlock()
	}
}

// ProbeConnectionQuality returns the configured probe result.
func (m *Manual) ProbeConnectionQuality(ctx context.Context) Probe {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes++
	if !m.online {
		return Probe{Quality: schema.QualityOffline}
	}
	return m.probe
}

// Probes returns how many probes were performed.
func (m *Manual) Probes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.probes
}

// Battery returns the configured battery reading.
func (m *Manual) Battery() BatteryReading {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.battery
}

// Storage returns the configured storage reading.
func (m *Manual) Storage() store.Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.storage
}

// SetOnline fires online or offline when the state changes. Going online
// probes as excellent unless SetProbe chose otherwise.
func (m *Manual) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	if online && m.probe.Quality == schema.QualityOffline {
		m.probe = Probe{Quality: schema.QualityExcellent, Latency: 10 * time.Millisecond}
	}
	e := Event{Kind: EventOffline, Quality: schema.QualityOffline}
	if online {
		e = Event{Kind: EventOnline, Quality: m.probe.Quality, Latency: m.probe.Latency}
	}
	fns := m.subs.snapshot()
	m.mu.Unlock()
	notify(fns, e)
}

// SetProbe sets the result returned while online.
func (m *Manual) SetProbe(quality schema.ConnectionQuality, latency time.Duration) {
	m.mu.Lock()
	m.probe = Probe{Quality: quality, Latency: latency}
	m.mu.Unlock()
}

// SetBattery fires batteryChanged.
func (m *Manual) SetBattery(level int, charging bool) {
	m.mu.Lock()
	m.battery = BatteryReading{Present: true, Level: clampPercent(level), Charging: charging}
	e := Event{Kind: EventBatteryChanged, Battery: m.battery}
	fns := m.subs.snapshot()
	m.mu.Unlock()
	notify(fns, e)
}

// SetStorage fires storageChanged.
func (m *Manual) SetStorage(used, available int64) {
	m.mu.Lock()
	m.storage = store.Info{Used: used, Available: available}
	e := Event{Kind: EventStorageChanged, Storage: m.storage}
	fns := m.subs.snapshot()
	m.mu.Unlock()
	notify(fns, e)
}
