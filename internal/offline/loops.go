package offline

import (
	"context"
	"errors"
	"time"

	"github.com/steveyegge/offsync/internal/engine"
	"github.com/steveyegge/offsync/internal/events"
	"github.com/steveyegge/offsync/internal/schema"
)

// backgroundCycles bounds the cycles one background tick may run.
const backgroundCycles = 20

// loop is a running background goroutine.
type loop struct {
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

func startLoop(ctx context.Context, interval time.Duration, run func(context.Context, time.Duration)) *loop {
	ctx, cancel := context.WithCancel(ctx)
	l := &loop{interval: interval, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(l.done)
		run(ctx, interval)
	}()
	return l
}

// stop cancels the loop and waits for it to return.
func (l *loop) stop() {
	l.cancel()
	<-l.done
}

func adjust(ctx context.Context, l *loop, want bool, interval time.Duration, run func(context.Context, time.Duration)) *loop {
	if l != nil && (!want || l.interval != interval) {
		l.stop()
		l = nil
	}
	if want && l == nil && ctx != nil {
		l = startLoop(ctx, interval, run)
	}
	return l
}

// reconcile starts and stops the background loops to match the current
// options and resources. Stopping the sync loop waits for its in-flight
// cycle, which is never cancelled.
func (m *Manager) reconcile() {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()

	m.mu.Lock()
	running := m.started && !m.destroyed && m.opts.EnableOfflineMode
	wantSync := running && m.opts.EnableBackgroundSync && m.status.BatteryStatus != schema.BatteryCritical
	wantHealth := running && m.opts.EnableHealthChecks
	syncEvery, healthEvery := m.opts.SyncInterval, m.opts.HealthCheckInterval
	m.mu.Unlock()

	m.syncLoop = adjust(m.runCtx, m.syncLoop, wantSync, syncEvery, m.runSyncLoop)
	m.healthLoop = adjust(m.runCtx, m.healthLoop, wantHealth, healthEvery, m.runHealthLoop)

	if m.syncLoop == nil {
		m.mu.Lock()
		m.status.NextSyncTime = nil
		m.mu.Unlock()
	}
}

// kick wakes the sync loop without waiting for its ticker.
func (m *Manager) kick() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) runSyncLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	m.scheduleNext(every)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.wake:
		}
		m.backgroundSync(ctx)
		m.scheduleNext(every)
	}
}

func (m *Manager) scheduleNext(every time.Duration) {
	next := m.config.Now().Add(every)
	m.mu.Lock()
	m.status.NextSyncTime = &next
	m.mu.Unlock()
}

// backgroundSync drains the queue while online. Cycles run detached from
// ctx so a battery or mode change never cuts a batch short; ctx is only
// checked between cycles.
func (m *Manager) backgroundSync(ctx context.Context) {
	for i := 0; i < backgroundCycles; i++ {
		m.mu.Lock()
		online := m.status.IsOnline
		m.mu.Unlock()
		if !online || ctx.Err() != nil {
			return
		}

		res, err := m.engine.SyncPendingOperations(context.WithoutCancel(ctx))
		if errors.Is(err, engine.ErrSyncInProgress) {
			return
		}
		if err != nil || res.Attempted == 0 {
			return
		}
	}
}

func (m *Manager) runHealthLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.healthCheck(ctx, true)
		}
	}
}

// HealthCheck re-probes the origin, resamples resources, prunes what is
// past retention and publishes healthCheckComplete with the fresh status.
func (m *Manager) HealthCheck(ctx context.Context) (status schema.OfflineStatus, err error) {
	if err := m.ready(); err != nil {
		return status, err
	}
	return m.healthCheck(ctx, false), nil
}

func (m *Manager) healthCheck(ctx context.Context, fromLoop bool) schema.OfflineStatus {
	opts := m.options()

	m.setConnectivity(m.probe(ctx))
	m.setStorage(m.monitor.Storage())
	if m.setBattery(m.monitor.Battery()) {
		// The health loop cannot stop itself from inside reconcile.
		if fromLoop {
			go m.reconcile()
		} else {
			m.reconcile()
		}
	}

	if opts.FailedRetention > 0 {
		cutoff := m.config.Now().Add(-opts.FailedRetention)
		if n, err := m.queue.ClearFailed(ctx, cutoff); err != nil {
			m.logger.Printf("Warning: failed to prune failed operations: %v", err)
		} else if n > 0 {
			m.logger.Printf("Pruned %d failed operations past retention", n)
		}
		if n, err := m.store.PruneCompleted(ctx, cutoff); err != nil {
			m.logger.Printf("Warning: failed to prune completed operations: %v", err)
		} else if n > 0 {
			m.logger.Printf("Pruned %d completed operations past retention", n)
		}
	}
	if _, err := m.store.PruneSnapshots(ctx, m.config.SnapshotRetention); err != nil {
		m.logger.Printf("Warning: failed to prune snapshots: %v", err)
	}

	status := m.CheckStatus(ctx)
	stats := m.GetStats(ctx)
	m.publish(events.Event{Kind: events.HealthCheckComplete, Status: &status, Stats: &stats})
	return status
}
