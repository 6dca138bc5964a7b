package offline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/steveyegge/offsync/internal/config"
	"github.com/steveyegge/offsync/internal/engine"
	"github.com/steveyegge/offsync/internal/events"
	"github.com/steveyegge/offsync/internal/monitor"
	"github.com/steveyegge/offsync/internal/queue"
	"github.com/steveyegge/offsync/internal/resolve"
	"github.com/steveyegge/offsync/internal/schema"
	"github.com/steveyegge/offsync/internal/store"
)

var (
	// ErrOffline is returned by ManualSync while the origin is unreachable.
	ErrOffline = errors.New("origin is offline")

	// ErrStorageFull is returned by Enqueue while storage is critical.
	ErrStorageFull = errors.New("storage full")

	// ErrNotStarted is returned by calls made before Start or after Destroy.
	ErrNotStarted = errors.New("offline manager not started")
)

// Store is the persistence the manager uses directly. *store.Store satisfies it.
type Store interface {
	config.KV
	GetStorageInfo(ctx context.Context) (store.Info, error)
	SetMaxSize(n int64)
	GetConflict(ctx context.Context, id string) (*schema.Conflict, error)
	ListConflicts(ctx context.Context, status schema.ConflictStatus) ([]*schema.Conflict, error)
	SaveConflict(ctx context.Context, c *schema.Conflict) error
	DeleteResolvedConflicts(ctx context.Context) (int, error)
	PruneCompleted(ctx context.Context, before time.Time) (int, error)
	PruneSnapshots(ctx context.Context, keep int) (int, error)
}

// Resolver is the part of the conflict resolver the manager drives.
// *resolve.Resolver satisfies it.
type Resolver interface {
	Configure(def schema.Strategy, strategies map[string]schema.Strategy, enabled bool) error
	ResolveManual(ctx context.Context, c *schema.Conflict, m schema.ManualResolution) (*schema.Resolution, error)
	Remember(res *schema.Resolution)
	Forget(conflictIDs ...string)
}

// SyncEngine runs sync cycles. *engine.Engine satisfies it.
type SyncEngine interface {
	SyncPendingOperations(ctx context.Context) (*engine.Result, error)
	SyncAll(ctx context.Context) (*engine.Result, error)
	Apply(ctx context.Context, c *schema.Conflict, resolution *schema.Resolution) error
	GetHealthStatus() engine.Health
	IsSyncing() bool
	SetListener(fn func(engine.Event))
	SetBatchSize(n int)
	SetTimeout(d time.Duration)
}

// Config holds configuration for the manager.
type Config struct {
	// Options are the base options. Overrides saved by Configure are
	// applied on top of them at Start.
	Options *config.Config

	// Bus receives outbound events (nil = a new bus, see Events).
	Bus *events.Bus

	// SnapshotRetention is how many versions of each entity the health
	// check keeps in the snapshot cache.
	SnapshotRetention int

	// Now returns the current time (nil = time.Now).
	Now func() time.Time

	// Logger for manager activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Options:           config.Default(),
		SnapshotRetention: 3,
		Logger:            log.New(os.Stderr, "[manager] ", log.LstdFlags),
	}
}

// Manager is the offline manager. It is safe for concurrent use.
type Manager struct {
	store    Store
	monitor  monitor.ResourceMonitor
	queue    *queue.Queue
	resolver Resolver
	engine   SyncEngine
	bus      *events.Bus
	config   *Config
	logger   *log.Logger

	// configMu serializes Configure and Reload.
	configMu sync.Mutex

	mu          sync.Mutex
	base        *config.Config
	opts        *config.Config
	overrides   config.Partial
	status      schema.OfflineStatus
	stats       schema.OfflineStats
	conflicts   map[string]string // open conflict id -> operation id
	started     bool
	destroyed   bool
	unsubscribe func()
	closers     []func() error

	// loopMu serializes loop starts and stops. It is never held while m.mu
	// is wanted by the loop being stopped.
	loopMu     sync.Mutex
	syncLoop   *loop
	healthLoop *loop
	runCtx     context.Context
	runCancel  context.CancelFunc

	wake chan struct{}
}

// New wires a manager over its collaborators. Start must be called before use.
func New(c *Config, st Store, mon monitor.ResourceMonitor, q *queue.Queue, resolver Resolver, eng SyncEngine) (*Manager, error) {
	if st == nil || mon == nil || q == nil || resolver == nil || eng == nil {
		return nil, fmt.Errorf("manager requires a store, monitor, queue, resolver and engine")
	}
	if c == nil {
		c = DefaultConfig()
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stderr, "[manager] ", log.LstdFlags)
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.SnapshotRetention <= 0 {
		c.SnapshotRetention = 3
	}
	if c.Options == nil {
		c.Options = config.Default()
	}
	if err := c.Options.Validate(); err != nil {
		return nil, err
	}
	bus := c.Bus
	if bus == nil {
		bus = events.NewBus(log.New(c.Logger.Writer(), "[events] ", c.Logger.Flags()))
	}

	return &Manager{
		store:    st,
		monitor:  mon,
		queue:    q,
		resolver: resolver,
		engine:   eng,
		bus:      bus,
		config:   c,
		logger:   c.Logger,
		base:     c.Options.Clone(),
		opts:     c.Options.Clone(),
		status: schema.OfflineStatus{
			OfflineMode:       c.Options.EnableOfflineMode,
			ConnectionQuality: schema.QualityOffline,
			BatteryStatus:     schema.BatteryCharging,
			StorageStatus:     schema.StorageNormal,
			SyncHealth:        schema.HealthHealthy,
		},
		conflicts: make(map[string]string),
		wake:      make(chan struct{}, 1),
	}, nil
}

// Events returns the outbound event bus.
func (m *Manager) Events() *events.Bus {
	return m.bus
}

// Start replays persisted state, starts the monitor and the background
// loops, and publishes initialized.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	switch {
	case m.destroyed:
		m.mu.Unlock()
		return fmt.Errorf("%w: manager was destroyed", ErrNotStarted)
	case m.started:
		m.mu.Unlock()
		return fmt.Errorf("manager already started")
	}
	base := m.base
	m.mu.Unlock()

	m.logger.Println("Starting offline manager")

	overrides, err := config.LoadOverrides(ctx, m.store)
	if err != nil {
		return err
	}
	opts, err := base.Apply(overrides)
	if err != nil {
		m.logger.Printf("Warning: ignoring saved config overrides: %v", err)
		overrides = config.Partial{}
		opts = base.Clone()
	}
	if err := m.apply(opts); err != nil {
		return err
	}

	m.queue.SetListener(m.onQueueEvent)
	m.engine.SetListener(m.onEngineEvent)
	if err := m.queue.Load(ctx); err != nil {
		return err
	}

	all, err := m.store.ListConflicts(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to load conflicts: %w", err)
	}
	open := make(map[string]string)
	for _, c := range all {
		if c.Status == schema.ConflictOpen {
			open[c.ID] = c.OperationID
		} else {
			m.resolver.Remember(c.Resolution)
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	unsubscribe := m.monitor.Subscribe(m.onMonitorEvent)
	if err := m.monitor.Start(runCtx); err != nil {
		unsubscribe()
		cancel()
		return fmt.Errorf("failed to start monitor: %w", err)
	}

	m.mu.Lock()
	m.opts = opts
	m.overrides = overrides
	m.status.OfflineMode = opts.EnableOfflineMode
	m.conflicts = open
	m.unsubscribe = unsubscribe
	m.started = true
	m.mu.Unlock()

	m.loopMu.Lock()
	m.runCtx, m.runCancel = runCtx, cancel
	m.loopMu.Unlock()

	m.setConnectivity(m.probe(runCtx))
	m.setBattery(m.monitor.Battery())
	m.setStorage(m.monitor.Storage())

	status := m.CheckStatus(ctx)
	m.publish(events.Event{Kind: events.Initialized, Status: &status})
	m.reconcile()

	stats := m.queue.Stats()
	m.logger.Printf("Started (online=%v, %d operations queued, %d open conflicts)",
		status.IsOnline, stats.Total, len(open))
	return nil
}

// Destroy stops the loops and the monitor, releases owned resources and
// publishes destroyed. Later calls fail with ErrNotStarted.
func (m *Manager) Destroy() error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return nil
	}
	m.destroyed = true
	started := m.started
	m.started = false
	unsubscribe := m.unsubscribe
	closers := m.closers
	m.closers = nil
	m.mu.Unlock()

	m.logger.Println("Stopping offline manager")
	m.reconcile()

	m.loopMu.Lock()
	if m.runCancel != nil {
		m.runCancel()
	}
	m.loopMu.Unlock()

	var errs []error
	if unsubscribe != nil {
		unsubscribe()
	}
	if started {
		if err := m.monitor.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop monitor: %w", err))
		}
	}
	m.engine.SetListener(nil)
	m.queue.SetListener(nil)
	m.queue.Close()

	m.publish(events.Event{Kind: events.Destroyed})

	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	m.logger.Println("Offline manager stopped")
	return errors.Join(errs...)
}

func (m *Manager) ready() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started || m.destroyed {
		return ErrNotStarted
	}
	return nil
}

func (m *Manager) options() *config.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opts
}

// Options returns a copy of the options in effect.
func (m *Manager) Options() *config.Config {
	return m.options().Clone()
}

// apply pushes opts into the collaborators. Only the resolver can reject
// options, so it goes first and nothing changes when it fails.
func (m *Manager) apply(opts *config.Config) error {
	if err := m.resolver.Configure(opts.DefaultConflictStrategy, opts.ConflictStrategies, opts.EnableConflictResolution); err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	m.queue.SetRetryPolicy(opts.RetryDelay, opts.MaxRetryDelay)
	m.queue.SetPrioritySync(opts.PrioritySync)
	m.engine.SetBatchSize(opts.SyncBatchSize)
	m.engine.SetTimeout(opts.OfflineTimeout)
	m.store.SetMaxSize(opts.MaxStorageSize)
	return nil
}

// Configure applies p on top of the current options. Invalid options are
// rejected with config.ErrInvalid and the prior options stay in effect.
// Accepted options are persisted and survive a restart.
func (m *Manager) Configure(ctx context.Context, p config.Partial) (*config.Config, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	m.configMu.Lock()
	defer m.configMu.Unlock()

	m.mu.Lock()
	cur, overrides := m.opts, m.overrides
	m.mu.Unlock()

	next, err := cur.Apply(p)
	if err != nil {
		return nil, err
	}
	if err := m.apply(next); err != nil {
		return nil, err
	}
	merged := overrides.Merge(p)
	if err := config.SaveOverrides(ctx, m.store, merged); err != nil {
		if rerr := m.apply(cur); rerr != nil {
			m.logger.Printf("Warning: failed to restore options: %v", rerr)
		}
		return nil, fmt.Errorf("failed to save config overrides: %w", err)
	}

	m.commit(next, merged)
	m.logger.Printf("Configuration updated: %s", describe(p))
	return next.Clone(), nil
}

// Reload replaces the base options, e.g. after the settings file changed.
// Overrides saved by Configure still apply on top.
func (m *Manager) Reload(base *config.Config) error {
	if err := m.ready(); err != nil {
		return err
	}
	m.configMu.Lock()
	defer m.configMu.Unlock()

	m.mu.Lock()
	overrides := m.overrides
	m.mu.Unlock()

	next, err := base.Apply(overrides)
	if err != nil {
		return err
	}
	if err := m.apply(next); err != nil {
		return err
	}
	m.mu.Lock()
	m.base = base.Clone()
	m.mu.Unlock()
	m.commit(next, overrides)
	m.logger.Println("Base options reloaded")
	return nil
}

func (m *Manager) commit(next *config.Config, overrides config.Partial) {
	m.mu.Lock()
	m.opts = next
	m.overrides = overrides
	m.status.OfflineMode = next.EnableOfflineMode
	m.mu.Unlock()

	// Thresholds may have moved.
	m.setBattery(m.monitor.Battery())
	m.setStorage(m.monitor.Storage())
	m.reconcile()
}

// describe names the fields set in p, for logs.
func describe(p config.Partial) string {
	var names []string
	add := func(set bool, name string) {
		if set {
			names = append(names, name)
		}
	}
	add(p.EnableOfflineMode != nil, "enableOfflineMode")
	add(p.SyncInterval != nil, "syncInterval")
	add(p.MaxRetries != nil, "maxRetries")
	add(p.RetryDelay != nil, "retryDelay")
	add(p.EnableBackgroundSync != nil, "enableBackgroundSync")
	add(p.EnableConflictResolution != nil, "enableConflictResolution")
	add(p.MaxStorageSize != nil, "maxStorageSize")
	add(p.OfflineTimeout != nil, "offlineTimeout")
	add(p.SyncBatchSize != nil, "syncBatchSize")
	add(p.PrioritySync != nil, "prioritySync")
	add(p.EnableHealthChecks != nil, "enableHealthChecks")
	add(p.HealthCheckInterval != nil, "healthCheckInterval")
	add(p.MaxRetryDelay != nil, "maxRetryDelay")
	add(p.FailedRetention != nil, "failedRetention")
	add(p.DefaultConflictStrategy != nil, "defaultConflictStrategy")
	add(p.ConflictStrategies != nil, "conflictStrategies")
	add(p.BatteryCriticalLevel != nil, "batteryCriticalLevel")
	add(p.StorageLowRatio != nil, "storageLowRatio")
	add(p.StorageCriticalRatio != nil, "storageCriticalRatio")
	if len(names) == 0 {
		return "no changes"
	}
	return strings.Join(names, ", ")
}

// EnableOfflineMode resumes the background loops.
func (m *Manager) EnableOfflineMode(ctx context.Context) error {
	on := true
	_, err := m.Configure(ctx, config.Partial{EnableOfflineMode: &on})
	return err
}

// DisableOfflineMode pauses the background loops. Enqueue and ManualSync
// keep working.
func (m *Manager) DisableOfflineMode(ctx context.Context) error {
	off := false
	_, err := m.Configure(ctx, config.Partial{EnableOfflineMode: &off})
	return err
}

// Enqueue validates op and queues it. Missing fields are filled in on op,
// including its id; a zero MaxRetries takes the configured maxRetries.
// While storage is critical the call fails with ErrStorageFull and nothing
// is written.
func (m *Manager) Enqueue(ctx context.Context, op *schema.Operation) error {
	if op == nil {
		return fmt.Errorf("operation cannot be nil")
	}
	m.mu.Lock()
	if !m.started || m.destroyed {
		m.mu.Unlock()
		return ErrNotStarted
	}
	critical := m.status.StorageStatus == schema.StorageCritical
	maxRetries := m.opts.MaxRetries
	m.mu.Unlock()

	if critical {
		m.storageFull("storage is critical; new operations are blocked")
		return fmt.Errorf("%w: operation on %s/%s rejected", ErrStorageFull, op.EntityType, op.EntityID)
	}
	if op.MaxRetries == 0 {
		op.MaxRetries = maxRetries
	}
	if err := m.queue.Enqueue(ctx, op); err != nil {
		if errors.Is(err, store.ErrStorageFull) {
			m.storageFull(err.Error())
			return fmt.Errorf("%w: %w", ErrStorageFull, err)
		}
		return err
	}
	return nil
}

// ManualSync runs a full sync now. It fails immediately with ErrOffline
// when the origin is unreachable, and with engine.ErrSyncInProgress when a
// cycle is already running.
func (m *Manager) ManualSync(ctx context.Context) (*engine.Result, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	online := m.status.IsOnline
	m.mu.Unlock()
	if !online {
		return nil, ErrOffline
	}
	return m.engine.SyncAll(ctx)
}

// RetryOperation re-enters a failed operation into pending with a fresh
// retry budget.
func (m *Manager) RetryOperation(ctx context.Context, id string) error {
	if err := m.ready(); err != nil {
		return err
	}
	if err := m.queue.Retry(ctx, id); err != nil {
		return err
	}
	m.kick()
	return nil
}

// CancelOperation fails a pending or retrying operation as cancelled. An
// operation in flight is cancelled once its result arrives. Cancelling an
// operation parked behind a manual conflict closes the conflict.
func (m *Manager) CancelOperation(ctx context.Context, id string) error {
	if err := m.ready(); err != nil {
		return err
	}
	op, err := m.queue.Get(id)
	if err != nil {
		return err
	}
	deferred, err := m.queue.Cancel(ctx, id)
	if err != nil {
		return err
	}
	if deferred {
		m.logger.Printf("Cancel of in-flight operation %s takes effect when its result arrives", id)
		return nil
	}
	if op.AwaitingResolution() {
		c, err := m.store.GetConflict(ctx, op.ConflictID)
		if err != nil {
			return fmt.Errorf("failed to close conflict of cancelled operation %s: %w", id, err)
		}
		return m.closeConflict(ctx, c, "operation cancelled")
	}
	return nil
}

// ResolveConflict settles the manual conflict of an operation. id is an
// operation id or a conflict id. Repeating the call returns the recorded
// resolution with Replayed set and changes nothing.
func (m *Manager) ResolveConflict(ctx context.Context, id string, choice schema.ManualResolution) (*schema.Resolution, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	c, err := m.findConflict(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == schema.ConflictResolved {
		if c.Resolution == nil {
			return nil, fmt.Errorf("%w: %s", resolve.ErrAlreadyResolved, c.ID)
		}
		res := *c.Resolution
		res.Replayed = true
		return &res, nil
	}

	res, err := m.resolver.ResolveManual(ctx, c, choice)
	if err != nil {
		return nil, err
	}
	if err := m.engine.Apply(ctx, c, res); err != nil {
		return nil, err
	}
	m.kick()
	return res, nil
}

func (m *Manager) findConflict(ctx context.Context, id string) (*schema.Conflict, error) {
	if op, err := m.queue.Get(id); err == nil && op.AwaitingResolution() {
		return m.store.GetConflict(ctx, op.ConflictID)
	}
	c, err := m.store.GetConflict(ctx, id)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	all, err := m.store.ListConflicts(ctx, "")
	if err != nil {
		return nil, err
	}
	var found *schema.Conflict
	for _, c := range all {
		if c.OperationID == id {
			found = c // newest wins
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w for %s", resolve.ErrNoConflict, id)
	}
	return found, nil
}

// closeConflict marks a conflict resolved without touching its operation.
// It counts as a resolution like any other conflictResolved event.
func (m *Manager) closeConflict(ctx context.Context, c *schema.Conflict, reason string) error {
	now := m.config.Now().UTC()
	c.Status = schema.ConflictResolved
	c.ResolvedAt = &now
	c.Resolution = &schema.Resolution{
		ConflictID:  c.ID,
		OperationID: c.OperationID,
		Strategy:    schema.StrategyManual,
		Decision:    schema.DecisionKeepRemote,
		BaseVersion: c.Remote.Version,
		Reasons:     []string{reason},
	}
	if err := m.store.SaveConflict(ctx, c); err != nil {
		return err
	}
	m.mu.Lock()
	m.stats.ConflictsResolved++
	delete(m.conflicts, c.ID)
	m.mu.Unlock()

	cc := *c
	m.publish(events.Event{Kind: events.ConflictResolved, Conflict: &cc, Resolution: c.Resolution})
	return nil
}

// ClearConflicts resolves every open conflict in favour of the origin and
// prunes the resolved-conflict history. It returns the number of conflicts
// it resolved.
func (m *Manager) ClearConflicts(ctx context.Context) (int, error) {
	if err := m.ready(); err != nil {
		return 0, err
	}
	open, err := m.store.ListConflicts(ctx, schema.ConflictOpen)
	if err != nil {
		return 0, err
	}

	n := 0
	var errs []error
	for _, c := range open {
		op, err := m.queue.Get(c.OperationID)
		if err != nil || op.ConflictID != c.ID {
			err = m.closeConflict(ctx, c, "operation no longer waiting")
		} else {
			var res *schema.Resolution
			res, err = m.resolver.ResolveManual(ctx, c, schema.ManualResolution{Choice: schema.ChoiceRemote})
			if err == nil {
				err = m.engine.Apply(ctx, c, res)
			}
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("conflict %s: %w", c.ID, err))
			continue
		}
		n++
	}

	resolved, err := m.store.ListConflicts(ctx, schema.ConflictResolved)
	if err != nil {
		return n, errors.Join(append(errs, err)...)
	}
	if _, err := m.store.DeleteResolvedConflicts(ctx); err != nil {
		return n, errors.Join(append(errs, err)...)
	}
	ids := make([]string, len(resolved))
	for i, c := range resolved {
		ids[i] = c.ID
	}
	m.resolver.Forget(ids...)

	if n > 0 {
		m.logger.Printf("Cleared %d conflicts", n)
	}
	return n, errors.Join(errs...)
}

// ClearFailed removes failed operations last updated before olderThan;
// a zero time removes all of them.
func (m *Manager) ClearFailed(ctx context.Context, olderThan time.Time) (int, error) {
	if err := m.ready(); err != nil {
		return 0, err
	}
	return m.queue.ClearFailed(ctx, olderThan)
}

// ListOperations returns the queued operations with one of the given
// statuses (all when none), in dequeue order.
func (m *Manager) ListOperations(statuses ...schema.Status) []*schema.Operation {
	return m.queue.List(statuses...)
}

// GetPendingOperations returns every queued operation, failed ones
// included, in dequeue order.
func (m *Manager) GetPendingOperations() []*schema.Operation {
	return m.queue.ListPending()
}

// ListConflicts returns recorded conflicts with the given status (all when empty).
func (m *Manager) ListConflicts(ctx context.Context, status schema.ConflictStatus) ([]*schema.Conflict, error) {
	return m.store.ListConflicts(ctx, status)
}

// CheckStatus returns a copy of the current status.
func (m *Manager) CheckStatus(ctx context.Context) schema.OfflineStatus {
	qs := m.queue.Stats()
	syncing := m.engine.IsSyncing()

	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.status
	s.IsSyncing = syncing
	s.HasPendingChanges = qs.Total-qs.Failed > 0
	s.HasConflicts = len(m.conflicts) > 0
	s.SyncHealth = m.healthLocked()
	if s.LastSyncTime != nil {
		t := *s.LastSyncTime
		s.LastSyncTime = &t
	}
	if s.NextSyncTime != nil {
		t := *s.NextSyncTime
		s.NextSyncTime = &t
	}
	return s
}

// GetStats returns the counters and a fresh reading of the gauges.
func (m *Manager) GetStats(ctx context.Context) schema.OfflineStats {
	qs := m.queue.Stats()
	info, err := m.store.GetStorageInfo(ctx)
	if err != nil {
		m.logger.Printf("Warning: failed to read storage info: %v", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.PendingOperations = qs.Total - qs.Failed
	s.RetainedFailures = qs.Failed
	s.OpenConflicts = len(m.conflicts)
	if err == nil {
		s.StorageUsed = info.Used
		s.StorageAvailable = info.Available
	}
	return s
}

// healthLocked combines the engine's health with storage pressure.
func (m *Manager) healthLocked() schema.SyncHealth {
	h := m.engine.GetHealthStatus().Status
	switch m.status.StorageStatus {
	case schema.StorageCritical:
		h = h.Worse(schema.HealthCritical)
	case schema.StorageLow:
		h = h.Worse(schema.HealthDegraded)
	}
	return h
}
