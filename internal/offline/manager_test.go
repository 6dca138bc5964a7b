package offline

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/offsync/internal/config"
	"github.com/steveyegge/offsync/internal/engine"
	"github.com/steveyegge/offsync/internal/events"
	"github.com/steveyegge/offsync/internal/monitor"
	"github.com/steveyegge/offsync/internal/queue"
	"github.com/steveyegge/offsync/internal/remote"
	"github.com/steveyegge/offsync/internal/resolve"
	"github.com/steveyegge/offsync/internal/schema"
	"github.com/steveyegge/offsync/internal/store"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

type harness struct {
	settings *config.Settings
	monitor  *monitor.Manual
	origin   *remote.MemoryOrigin
	manager  *Manager

	mu   sync.Mutex
	seen []events.Event
}

// setup starts a manager over a temp store, a manual monitor and an
// in-memory origin. The monitor starts offline.
func setup(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	s := config.DefaultSettings()
	s.Store.DataDir = t.TempDir()
	s.Engine.EnableBackgroundSync = false
	if mutate != nil {
		mutate(&s.Engine)
	}

	h := &harness{
		settings: s,
		monitor:  monitor.NewManual(),
		origin:   remote.NewMemoryOrigin(),
	}
	h.start(t)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	m, err := Open(context.Background(), h.settings, h.origin, h.monitor, log.New(io.Discard, "", 0))
	require.NoError(t, err)
	m.Events().SubscribeAll(func(e events.Event) {
		h.mu.Lock()
		h.seen = append(h.seen, e)
		h.mu.Unlock()
	})
	require.NoError(t, m.Start(context.Background()))
	h.manager = m
	t.Cleanup(func() { _ = m.Destroy() })
}

func (h *harness) count(kind events.Kind) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.seen {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (h *harness) last(kind events.Kind) (events.Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.seen) - 1; i >= 0; i-- {
		if h.seen[i].Kind == kind {
			return h.seen[i], true
		}
	}
	return events.Event{}, false
}

func (h *harness) enqueue(t *testing.T, op *schema.Operation) *schema.Operation {
	t.Helper()
	require.NoError(t, h.manager.Enqueue(context.Background(), op))
	return op
}

func (h *harness) store(t *testing.T) *store.Store {
	t.Helper()
	st, ok := h.manager.store.(*store.Store)
	require.True(t, ok)
	return st
}

func card(id string) *schema.Operation {
	return &schema.Operation{
		Kind:       schema.KindCreate,
		EntityType: "card",
		EntityID:   id,
		Payload:    schema.Payload(`{"title":"` + id + `"}`),
	}
}

func update(id string, base int64, title string) *schema.Operation {
	return &schema.Operation{
		Kind:        schema.KindUpdate,
		EntityType:  "card",
		EntityID:    id,
		Payload:     schema.Payload(`{"title":"` + title + `"}`),
		BaseVersion: base,
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, nil, monitor.NewManual(), nil, nil, nil)
	assert.Error(t, err)
}

func TestStart_PublishesInitialized(t *testing.T) {
	h := setup(t, nil)

	e, ok := h.last(events.Initialized)
	require.True(t, ok)
	require.NotNil(t, e.Status)
	assert.False(t, e.Status.IsOnline)
	assert.True(t, e.Status.OfflineMode)
	assert.Equal(t, schema.QualityOffline, e.Status.ConnectionQuality)
	assert.Equal(t, schema.HealthHealthy, e.Status.SyncHealth)

	assert.Error(t, h.manager.Start(context.Background()), "second start fails")
}

func TestNotStarted(t *testing.T) {
	s := config.DefaultSettings()
	s.Store.DataDir = t.TempDir()
	m, err := Open(context.Background(), s, remote.NewMemoryOrigin(), monitor.NewManual(), log.New(io.Discard, "", 0))
	require.NoError(t, err)
	defer m.Destroy()

	assert.ErrorIs(t, m.Enqueue(context.Background(), card("c1")), ErrNotStarted)
	_, err = m.ManualSync(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestOfflineEnqueueSyncsWhenOnline(t *testing.T) {
	h := setup(t, func(c *config.Config) { c.EnableBackgroundSync = true })
	ctx := context.Background()

	op := h.enqueue(t, card("c1"))
	assert.NotEmpty(t, op.ID, "enqueue assigns an id")
	assert.Equal(t, 3, op.MaxRetries, "enqueue applies the configured maxRetries")

	status := h.manager.CheckStatus(ctx)
	assert.True(t, status.HasPendingChanges)
	assert.False(t, status.IsOnline)
	assert.Equal(t, 1, h.count(events.OperationQueued))

	h.monitor.SetOnline(true)

	require.Eventually(t, func() bool {
		return h.count(events.OperationCompleted) == 1
	}, waitFor, tick)
	assert.Equal(t, 1, h.count(events.Online))
	assert.False(t, h.manager.CheckStatus(ctx).HasPendingChanges)

	stats := h.manager.GetStats(ctx)
	assert.Equal(t, 0, stats.PendingOperations)
	assert.Equal(t, int64(1), stats.TotalOperations)
	assert.Equal(t, int64(1), stats.SuccessfulOperations)

	got, ok := h.origin.Get("card", "c1")
	require.True(t, ok)
	assert.Equal(t, int64(1), got.Version)
}

func TestTransientFailuresExhaustRetries(t *testing.T) {
	h := setup(t, func(c *config.Config) {
		c.RetryDelay = 20 * time.Millisecond
		c.MaxRetryDelay = 200 * time.Millisecond
	})
	ctx := context.Background()
	h.origin.SetInterceptor(func(remote.Item) *remote.Result {
		return &remote.Result{Status: remote.StatusTransient, Reason: "busy"}
	})

	op := h.enqueue(t, card("c1"))
	h.monitor.SetOnline(true)

	for i := 1; i <= 3; i++ {
		_, err := h.manager.ManualSync(ctx)
		require.NoError(t, err)
		if i == 3 {
			break
		}
		require.Eventually(t, func() bool {
			got, err := h.manager.queue.Get(op.ID)
			return err == nil && got.Status == schema.StatusPending
		}, waitFor, tick, "retry %d never became due", i)
	}

	got, err := h.manager.queue.Get(op.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)

	e, ok := h.last(events.OperationFailed)
	require.True(t, ok)
	assert.Equal(t, op.ID, e.Operation.ID)
	assert.NotEmpty(t, e.Error)
	assert.Equal(t, 2, h.count(events.OperationRetrying))

	stats := h.manager.GetStats(ctx)
	assert.Equal(t, int64(1), stats.FailedOperations)
	assert.Equal(t, 1, stats.RetainedFailures)
	assert.Equal(t, 0, stats.PendingOperations)
	assert.Equal(t, schema.HealthCritical, h.manager.CheckStatus(ctx).SyncHealth)

	require.NoError(t, h.manager.RetryOperation(ctx, op.ID))
	got, err = h.manager.queue.Get(op.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusPending, got.Status)
	assert.Equal(t, 0, got.RetryCount)
}

// conflictSetup parks an update behind a manual conflict on card/c1.
func conflictSetup(t *testing.T) (*harness, *schema.Operation) {
	t.Helper()
	h := setup(t, func(c *config.Config) {
		c.ConflictStrategies = map[string]schema.Strategy{"card": schema.StrategyManual}
	})
	h.origin.Put("card", "c1", schema.Payload(`{"title":"seed"}`), time.Now().Add(-time.Hour))

	h.enqueue(t, update("c1", 1, "a"))
	b := h.enqueue(t, update("c1", 1, "b"))
	h.monitor.SetOnline(true)

	_, err := h.manager.ManualSync(context.Background())
	require.NoError(t, err)
	return h, b
}

func TestManualConflictResolution(t *testing.T) {
	h, b := conflictSetup(t)
	ctx := context.Background()

	e, ok := h.last(events.ConflictDetected)
	require.True(t, ok)
	assert.Equal(t, b.ID, e.Conflict.OperationID)
	assert.Equal(t, schema.ConflictOpen, e.Conflict.Status)
	assert.True(t, h.manager.CheckStatus(ctx).HasConflicts)

	res, err := h.manager.ResolveConflict(ctx, b.ID, schema.ManualResolution{Choice: schema.ChoiceLastWriteWins})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, schema.DecisionKeepRemote, res.Decision, "the origin's write is newer")

	assert.False(t, h.manager.CheckStatus(ctx).HasConflicts)
	assert.Equal(t, int64(1), h.manager.GetStats(ctx).ConflictsResolved)
	assert.Equal(t, 1, h.count(events.ConflictResolved))

	again, err := h.manager.ResolveConflict(ctx, b.ID, schema.ManualResolution{Choice: schema.ChoiceLocal})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, res.Decision, again.Decision)
	assert.Equal(t, int64(1), h.manager.GetStats(ctx).ConflictsResolved)
	assert.Equal(t, 1, h.count(events.ConflictResolved))

	_, err = h.manager.ResolveConflict(ctx, "no-such-op", schema.ManualResolution{Choice: schema.ChoiceLocal})
	assert.ErrorIs(t, err, resolve.ErrNoConflict)
}

func TestResolveConflict_ByConflictID(t *testing.T) {
	h, b := conflictSetup(t)
	ctx := context.Background()

	open, err := h.manager.ListConflicts(ctx, schema.ConflictOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)

	res, err := h.manager.ResolveConflict(ctx, open[0].ID, schema.ManualResolution{Choice: schema.ChoiceLocal})
	require.NoError(t, err)
	assert.Equal(t, schema.DecisionKeepLocal, res.Decision)

	got, err := h.manager.queue.Get(b.ID)
	require.NoError(t, err)
	assert.False(t, got.AwaitingResolution())
	assert.Equal(t, open[0].Remote.Version, got.BaseVersion, "kept operation is rebased")
}

func TestCancelParkedOperationClosesConflict(t *testing.T) {
	h, b := conflictSetup(t)
	ctx := context.Background()

	require.NoError(t, h.manager.CancelOperation(ctx, b.ID))

	got, err := h.manager.queue.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFailed, got.Status)
	assert.Equal(t, schema.CancelledReason, got.Error)

	open, err := h.manager.ListConflicts(ctx, schema.ConflictOpen)
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.False(t, h.manager.CheckStatus(ctx).HasConflicts)

	stats := h.manager.GetStats(ctx)
	assert.Equal(t, int64(1), stats.CancelledOperations)
	assert.Equal(t, int64(0), stats.FailedOperations)
	assert.Equal(t, int64(1), stats.ConflictsResolved)
	assert.Equal(t, 1, h.count(events.ConflictResolved))
}

func TestClearConflicts(t *testing.T) {
	h, b := conflictSetup(t)
	ctx := context.Background()

	n, err := h.manager.ClearConflicts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = h.manager.queue.Get(b.ID)
	assert.ErrorIs(t, err, queue.ErrNotFound, "the parked operation gave way to the origin")

	all, err := h.manager.ListConflicts(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.False(t, h.manager.CheckStatus(ctx).HasConflicts)
	assert.Equal(t, int64(h.count(events.ConflictResolved)), h.manager.GetStats(ctx).ConflictsResolved)
}

func TestStorageCriticalRejectsEnqueue(t *testing.T) {
	h := setup(t, nil)
	ctx := context.Background()

	h.monitor.SetStorage(99, 1)
	assert.Equal(t, schema.StorageCritical, h.manager.CheckStatus(ctx).StorageStatus)
	assert.Equal(t, schema.HealthCritical, h.manager.CheckStatus(ctx).SyncHealth)
	full := h.count(events.StorageFull)
	assert.Equal(t, 1, full)

	err := h.manager.Enqueue(ctx, card("c1"))
	assert.ErrorIs(t, err, ErrStorageFull)
	assert.Equal(t, full+1, h.count(events.StorageFull))
	assert.Empty(t, h.manager.ListOperations())
	assert.Equal(t, 0, h.count(events.OperationQueued))

	pending, err := h.store(t).LoadPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "nothing was written")

	h.monitor.SetStorage(10, 90)
	assert.Equal(t, schema.StorageNormal, h.manager.CheckStatus(ctx).StorageStatus)
	h.enqueue(t, card("c1"))
	assert.Len(t, h.manager.ListOperations(), 1)
}

func TestBatteryCriticalSuspendsBackgroundSync(t *testing.T) {
	h := setup(t, func(c *config.Config) {
		c.EnableBackgroundSync = true
		c.SyncInterval = 10 * time.Millisecond
	})
	ctx := context.Background()
	h.monitor.SetOnline(true)

	require.Eventually(t, func() bool { return h.count(events.SyncStart) >= 2 }, waitFor, tick)
	require.NotNil(t, h.manager.CheckStatus(ctx).NextSyncTime)

	h.monitor.SetBattery(5, false)
	status := h.manager.CheckStatus(ctx)
	assert.Equal(t, schema.BatteryCritical, status.BatteryStatus)
	assert.Nil(t, status.NextSyncTime)
	assert.Equal(t, schema.HealthHealthy, status.SyncHealth, "battery does not affect health")

	stopped := h.count(events.SyncStart)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, stopped, h.count(events.SyncStart), "no background cycles while critical")

	h.enqueue(t, card("c1"))
	_, err := h.manager.ManualSync(ctx)
	require.NoError(t, err, "manual sync still runs")
	assert.Equal(t, 1, h.count(events.OperationCompleted))
	manual := h.count(events.SyncStart)
	assert.Greater(t, manual, stopped)

	h.monitor.SetBattery(80, true)
	require.Eventually(t, func() bool { return h.count(events.SyncStart) > manual }, waitFor, tick)
}

func TestManualSync_Offline(t *testing.T) {
	h := setup(t, nil)
	h.enqueue(t, card("c1"))

	_, err := h.manager.ManualSync(context.Background())
	assert.ErrorIs(t, err, ErrOffline)
	assert.Equal(t, 0, h.origin.Batches(), "no transmission was attempted")
	assert.Equal(t, 0, h.count(events.SyncStart))
}

func TestManualSync_MutualExclusion(t *testing.T) {
	h := setup(t, nil)
	ctx := context.Background()
	h.enqueue(t, card("c1"))
	h.monitor.SetOnline(true)

	release := make(chan struct{})
	var once sync.Once
	h.origin.SetBatchError(func(*remote.BatchRequest) error {
		once.Do(func() { <-release })
		return nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := h.manager.ManualSync(ctx)
		done <- err
	}()

	require.Eventually(t, func() bool { return h.manager.CheckStatus(ctx).IsSyncing }, waitFor, tick)
	_, err := h.manager.ManualSync(ctx)
	assert.ErrorIs(t, err, engine.ErrSyncInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, h.count(events.OperationCompleted))
	assert.False(t, h.manager.CheckStatus(ctx).IsSyncing)
}

func TestPriorityAndDependencyOrder(t *testing.T) {
	h := setup(t, nil)
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	h.origin.SetInterceptor(func(it remote.Item) *remote.Result {
		mu.Lock()
		order = append(order, it.EntityID)
		mu.Unlock()
		return nil
	})

	low := card("low")
	low.Priority = schema.PriorityLow
	h.enqueue(t, low)
	high := card("high")
	high.Priority = schema.PriorityCritical
	h.enqueue(t, high)
	child := card("child")
	child.Priority = schema.PriorityCritical
	child.Dependencies = []string{low.ID}
	h.enqueue(t, child)

	h.monitor.SetOnline(true)
	_, err := h.manager.ManualSync(ctx)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "low", "child"}, order)
}

func TestConfigure(t *testing.T) {
	h := setup(t, nil)
	ctx := context.Background()

	zero := 0
	_, err := h.manager.Configure(ctx, config.Partial{SyncBatchSize: &zero})
	assert.ErrorIs(t, err, config.ErrInvalid)
	assert.Equal(t, 50, h.manager.Options().SyncBatchSize, "prior options stay in effect")

	bogus := schema.Strategy("coin_flip")
	_, err = h.manager.Configure(ctx, config.Partial{DefaultConflictStrategy: &bogus})
	assert.ErrorIs(t, err, config.ErrInvalid)
	assert.Equal(t, schema.StrategyLastWriteWins, h.manager.Options().DefaultConflictStrategy)

	interval := 45 * time.Second
	got, err := h.manager.Configure(ctx, config.Partial{SyncInterval: &interval})
	require.NoError(t, err)
	assert.Equal(t, interval, got.SyncInterval)

	require.NoError(t, h.manager.Destroy())
	h.start(t)
	assert.Equal(t, interval, h.manager.Options().SyncInterval, "overrides survive a restart")
}

func TestReload_KeepsOverrides(t *testing.T) {
	h := setup(t, nil)
	ctx := context.Background()

	batch := 7
	_, err := h.manager.Configure(ctx, config.Partial{SyncBatchSize: &batch})
	require.NoError(t, err)

	base := config.Default()
	base.MaxRetries = 9
	require.NoError(t, h.manager.Reload(base))

	opts := h.manager.Options()
	assert.Equal(t, 9, opts.MaxRetries)
	assert.Equal(t, 7, opts.SyncBatchSize)
}

func TestDisableOfflineModePausesLoops(t *testing.T) {
	h := setup(t, func(c *config.Config) {
		c.EnableBackgroundSync = true
		c.SyncInterval = 10 * time.Millisecond
	})
	ctx := context.Background()
	h.monitor.SetOnline(true)
	require.Eventually(t, func() bool { return h.count(events.SyncStart) >= 1 }, waitFor, tick)

	require.NoError(t, h.manager.DisableOfflineMode(ctx))
	assert.False(t, h.manager.CheckStatus(ctx).OfflineMode)
	paused := h.count(events.SyncStart)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, paused, h.count(events.SyncStart))

	h.enqueue(t, card("c1"))
	_, err := h.manager.ManualSync(ctx)
	require.NoError(t, err, "manual sync works with offline mode disabled")

	resumed := h.count(events.SyncStart)
	require.NoError(t, h.manager.EnableOfflineMode(ctx))
	require.Eventually(t, func() bool { return h.count(events.SyncStart) > resumed }, waitFor, tick)
}

func TestHealthCheck(t *testing.T) {
	h := setup(t, nil)
	ctx := context.Background()
	h.origin.SetInterceptor(func(remote.Item) *remote.Result {
		return &remote.Result{Status: remote.StatusPermanent, Reason: "rejected"}
	})

	h.enqueue(t, card("c1"))
	h.monitor.SetOnline(true)
	_, err := h.manager.ManualSync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, h.manager.GetStats(ctx).RetainedFailures)

	retention := time.Millisecond
	_, err = h.manager.Configure(ctx, config.Partial{FailedRetention: &retention})
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	status, err := h.manager.HealthCheck(ctx)
	require.NoError(t, err)
	assert.True(t, status.IsOnline)
	assert.Equal(t, 0, h.manager.GetStats(ctx).RetainedFailures, "failures past retention are pruned")

	e, ok := h.last(events.HealthCheckComplete)
	require.True(t, ok)
	require.NotNil(t, e.Status)
	require.NotNil(t, e.Stats)

	h.monitor.SetOnline(false)
	status, err = h.manager.HealthCheck(ctx)
	require.NoError(t, err)
	assert.False(t, status.IsOnline)
	assert.Equal(t, 1, h.count(events.Offline))
}

func TestRestartReplaysQueueAndConflicts(t *testing.T) {
	h, b := conflictSetup(t)
	ctx := context.Background()
	h.enqueue(t, card("c2"))

	require.NoError(t, h.manager.Destroy())
	h.monitor.SetOnline(false)
	h.start(t)

	status := h.manager.CheckStatus(ctx)
	assert.True(t, status.HasPendingChanges)
	assert.True(t, status.HasConflicts)
	assert.Equal(t, 1, h.manager.GetStats(ctx).OpenConflicts)

	got, err := h.manager.queue.Get(b.ID)
	require.NoError(t, err)
	assert.True(t, got.AwaitingResolution())
}

func TestDestroy(t *testing.T) {
	h := setup(t, func(c *config.Config) {
		c.EnableBackgroundSync = true
		c.SyncInterval = 10 * time.Millisecond
	})
	h.monitor.SetOnline(true)

	require.NoError(t, h.manager.Destroy())
	assert.Equal(t, 1, h.count(events.Destroyed))
	assert.NoError(t, h.manager.Destroy(), "destroy is idempotent")

	after := h.count(events.SyncStart)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, after, h.count(events.SyncStart), "loops stopped")

	err := h.manager.Enqueue(context.Background(), card("c1"))
	assert.True(t, errors.Is(err, ErrNotStarted))
	assert.ErrorIs(t, h.manager.Start(context.Background()), ErrNotStarted)
}
