// Package engine runs sync cycles between the operation queue and the origin.
//
// A cycle dequeues a batch, sends it to the origin and routes every
// per-operation result:
//
//	ok              ack, and record the new version in the snapshot cache
//	conflict        detect, resolve, then supersede, requeue or park
//	transientError  nack, which feeds the queue's backoff
//	permanentError  fail immediately, bypassing retry
//
// At most one cycle runs at a time. A second caller gets ErrSyncInProgress
// instead of waiting.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/steveyegge/offsync/internal/queue"
	"github.com/steveyegge/offsync/internal/remote"
	"github.com/steveyegge/offsync/internal/schema"
	"github.com/steveyegge/offsync/internal/store"
)

// ErrSyncInProgress is returned when a cycle is already running.
var ErrSyncInProgress = errors.New("sync already in progress")

// Resolver detects and resolves conflicts. *resolve.Resolver satisfies it.
type Resolver interface {
	Detect(op *schema.Operation, remote schema.RemoteState, base schema.Payload) *schema.Conflict
	Resolve(ctx context.Context, c *schema.Conflict) (*schema.Resolution, error)
}

// Store is the persistence the engine needs beyond the queue.
// *store.Store satisfies it.
type Store interface {
	PutSnapshot(ctx context.Context, snap store.Snapshot) error
	GetSnapshot(ctx context.Context, entityType, entityID string, version int64) (*store.Snapshot, error)
	SaveConflict(ctx context.Context, c *schema.Conflict) error
	GetKV(ctx context.Context, key string) (string, bool, error)
	SetKV(ctx context.Context, key, value string) error
}

// Config holds configuration for the engine.
type Config struct {
	// BatchSize is the maximum number of operations per cycle.
	BatchSize int

	// Timeout bounds each round-trip to the origin.
	Timeout time.Duration

	// PullLimit is the page size used by SyncAll when pulling changes.
	PullLimit int

	// MaxCycles bounds the batches sent by one SyncAll.
	MaxCycles int

	// ClientID identifies this replica to the origin.
	ClientID string

	// Now returns the current time (nil = time.Now).
	Now func() time.Time

	// Logger for engine activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize: 50,
		Timeout:   10 * time.Second,
		PullLimit: 100,
		MaxCycles: 100,
		Logger:    log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// Result summarizes one sync (SyncResult).
type Result struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Retried   int `json:"retried"`
	Transient int `json:"transient"` // transient results, retried or exhausted
	Conflicts int `json:"conflicts"`
	Resolved  int `json:"resolved"`
	Deferred  int `json:"deferred"`
	Discarded int `json:"discarded"`
	Pulled    int `json:"pulled"`
	Cycles    int `json:"cycles"`

	Bytes     int64         `json:"bytes"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// EventKind identifies an engine event.
type EventKind string

const (
	EventSyncStart        EventKind = "sync_start"
	EventSyncComplete     EventKind = "sync_complete"
	EventSyncError        EventKind = "sync_error"
	EventConflictDetected EventKind = "conflict_detected"
	EventConflictResolved EventKind = "conflict_resolved"
)

// Event reports engine activity. Result is set on sync_complete and
// sync_error, Err on sync_error.
type Event struct {
	Kind       EventKind
	Result     *Result
	Err        error
	Conflict   *schema.Conflict
	Resolution *schema.Resolution
}

// Health is the engine's view of sync health.
type Health struct {
	Status              schema.SyncHealth `json:"status"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	LastSyncAt          *time.Time        `json:"last_sync_at,omitempty"`
	LastSuccessAt       *time.Time        `json:"last_success_at,omitempty"`
	LastError           string            `json:"last_error,omitempty"`
}

// Thresholds on consecutive failed cycles.
const (
	degradedAfter = 1
	criticalAfter = 3
)

// Engine performs sync cycles. It is safe for concurrent use.
type Engine struct {
	queue    *queue.Queue
	origin   remote.Origin
	resolver Resolver
	store    Store

	syncing atomic.Bool

	mu       sync.Mutex
	config   *Config
	listener func(Event)
	health   Health
}

// New creates an engine with default configuration.
func New(q *queue.Queue, origin remote.Origin, resolver Resolver, st Store) (*Engine, error) {
	return NewWithConfig(q, origin, resolver, st, DefaultConfig())
}

// NewWithConfig creates an engine with custom configuration.
func NewWithConfig(q *queue.Queue, origin remote.Origin, resolver Resolver, st Store, config *Config) (*Engine, error) {
	if q == nil || origin == nil || resolver == nil || st == nil {
		return nil, fmt.Errorf("engine requires a queue, origin, resolver and store")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive (got %d)", config.BatchSize)
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.PullLimit <= 0 {
		config.PullLimit = 100
	}
	if config.MaxCycles <= 0 {
		config.MaxCycles = 100
	}
	return &Engine{
		queue:    q,
		origin:   origin,
		resolver: resolver,
		store:    st,
		config:   config,
		health:   Health{Status: schema.HealthHealthy},
	}, nil
}

// SetListener installs fn to receive engine events. Events are delivered
// synchronously on the syncing goroutine.
func (e *Engine) SetListener(fn func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listener = fn
}

// SetBatchSize changes the batch size for later cycles.
func (e *Engine) SetBatchSize(n int) {
	if n <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.config.BatchSize = n
}

// SetTimeout changes the round-trip bound for later cycles.
func (e *Engine) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.config.Timeout = d
}

// IsSyncing reports whether a cycle is running.
func (e *Engine) IsSyncing() bool {
	return e.syncing.Load()
}

// GetHealthStatus returns the current health.
func (e *Engine) GetHealthStatus() Health {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health
}

func (e *Engine) settings() (batch int, timeout time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config.BatchSize, e.config.Timeout
}

func (e *Engine) emit(ev Event) {
	e.mu.Lock()
	fn := e.listener
	e.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// SyncPendingOperations runs one cycle over a single batch.
func (e *Engine) SyncPendingOperations(ctx context.Context) (*Result, error) {
	return e.run(ctx, func(res *Result) error {
		_, err := e.cycle(ctx, res)
		return err
	})
}

// SyncAll sends batches until nothing eligible remains, then pulls remote
// changes since the persisted cursor into the snapshot cache.
func (e *Engine) SyncAll(ctx context.Context) (*Result, error) {
	return e.run(ctx, func(res *Result) error {
		for i := 0; i < e.config.MaxCycles; i++ {
			n, err := e.cycle(ctx, res)
			if err != nil {
				return err
			}
			if n == 0 {
				break
			}
		}
		return e.pull(ctx, res)
	})
}

// run holds the single-flight guard around fn and reports the outcome.
func (e *Engine) run(ctx context.Context, fn func(*Result) error) (*Result, error) {
	if !e.syncing.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer e.syncing.Store(false)

	res := &Result{StartedAt: e.config.Now()}
	e.emit(Event{Kind: EventSyncStart})

	err := fn(res)
	res.Duration = e.config.Now().Sub(res.StartedAt)
	e.recordHealth(res, err)

	if err != nil {
		e.config.Logger.Printf("Sync failed after %v: %v", res.Duration, err)
		e.emit(Event{Kind: EventSyncError, Result: res, Err: err})
		return res, err
	}
	if res.Attempted > 0 || res.Pulled > 0 {
		e.config.Logger.Printf("Synced %d operations (%d ok, %d retrying, %d failed, %d conflicts) in %v",
			res.Attempted, res.Succeeded, res.Retried, res.Failed, res.Conflicts, res.Duration)
	}
	e.emit(Event{Kind: EventSyncComplete, Result: res})
	return res, nil
}

func (e *Engine) recordHealth(res *Result, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	at := res.StartedAt
	e.health.LastSyncAt = &at
	failed := err != nil || (res.Transient > 0 && res.Succeeded == 0)
	if failed {
		e.health.ConsecutiveFailures++
		if err != nil {
			e.health.LastError = err.Error()
		} else {
			e.health.LastError = "no operation in the batch succeeded"
		}
	} else {
		e.health.ConsecutiveFailures = 0
		e.health.LastError = ""
		e.health.LastSuccessAt = &at
	}

	switch {
	case e.health.ConsecutiveFailures >= criticalAfter:
		e.health.Status = schema.HealthCritical
	case e.health.ConsecutiveFailures >= degradedAfter:
		e.health.Status = schema.HealthDegraded
	default:
		e.health.Status = schema.HealthHealthy
	}
}

// cycle sends one batch and routes its results. It returns the number of
// operations sent.
func (e *Engine) cycle(ctx context.Context, res *Result) (int, error) {
	batchSize, timeout := e.settings()
	ops, err := e.queue.DequeueBatch(ctx, batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to dequeue batch: %w", err)
	}
	if len(ops) == 0 {
		return 0, nil
	}
	res.Cycles++
	res.Attempted += len(ops)

	req := &remote.BatchRequest{ClientID: e.config.ClientID, Operations: make([]remote.Item, len(ops))}
	for i, op := range ops {
		req.Operations[i] = remote.ItemFor(op)
	}

	rctx, cancel := context.WithTimeout(ctx, timeout)
	resp, err := e.origin.SyncBatch(rctx, req)
	cancel()

	// Writes below must land even if ctx ends now; in-flight operations
	// would otherwise stay in_progress until the next restart.
	wctx := context.WithoutCancel(ctx)
	if err != nil {
		e.release(wctx, ops, err, res)
		return len(ops), fmt.Errorf("failed to sync batch: %w", err)
	}
	res.Bytes += resp.Bytes

	var errs []error
	results := resp.ByID()
	for _, op := range ops {
		r, ok := results[op.ID]
		if !ok {
			r = remote.Result{ID: op.ID, Status: remote.StatusTransient, Reason: "origin returned no result"}
		}
		if err := e.route(wctx, op, r, res); err != nil {
			e.config.Logger.Printf("Warning: failed to apply result for %s: %v", op.ID, err)
			errs = append(errs, err)
		}
	}
	return len(ops), errors.Join(errs...)
}

// cancelled reports whether a cancel was requested while op was in flight.
func (e *Engine) cancelled(id string) bool {
	cur, err := e.queue.Get(id)
	return err == nil && cur.CancelRequested
}

// release settles a batch that failed as a whole. A batch-level failure says
// nothing about any single operation, so apart from protocol mismatches and
// cancellation every operation is nacked and keeps its retry budget bounded.
// Only per-item permanent results fail an operation outright.
func (e *Engine) release(ctx context.Context, ops []*schema.Operation, cause error, res *Result) {
	for _, op := range ops {
		var err error
		switch {
		case e.cancelled(op.ID):
			err = e.queue.Discard(ctx, op.ID)
			res.Discarded++
		case errors.Is(cause, remote.ErrIncompatibleProtocol), errors.Is(cause, context.Canceled):
			// Not the operation's fault; no retry is spent.
			err = e.queue.Requeue(ctx, op.ID, op.Payload, op.BaseVersion)
		default:
			var updated *schema.Operation
			updated, err = e.queue.Nack(ctx, op.ID, cause.Error(), remote.RetryAfterOf(cause))
			res.Transient++
			if err == nil && updated.Status == schema.StatusFailed {
				res.Failed++
			} else {
				res.Retried++
			}
		}
		if err != nil {
			e.config.Logger.Printf("Warning: failed to release %s: %v", op.ID, err)
		}
	}
}

func (e *Engine) route(ctx context.Context, op *schema.Operation, r remote.Result, res *Result) error {
	if e.cancelled(op.ID) {
		res.Discarded++
		return e.queue.Discard(ctx, op.ID)
	}

	switch r.Status {
	case remote.StatusOK:
		if err := e.queue.Ack(ctx, op.ID); err != nil {
			return err
		}
		res.Succeeded++
		if op.Kind != schema.KindSync {
			e.snapshot(ctx, store.Snapshot{
				EntityType: op.EntityType,
				EntityID:   op.EntityID,
				Version:    r.NewVersion,
				Payload:    op.Payload,
				Deleted:    op.Kind == schema.KindDelete,
				UpdatedAt:  e.config.Now(),
			})
		}
		return nil

	case remote.StatusConflict:
		return e.conflict(ctx, op, r, res)

	case remote.StatusTransient:
		reason := r.Reason
		if reason == "" {
			reason = "transient error"
		}
		updated, err := e.queue.Nack(ctx, op.ID, reason, r.RetryAfter())
		if err != nil {
			return err
		}
		res.Transient++
		if updated.Status == schema.StatusFailed {
			res.Failed++
		} else {
			res.Retried++
		}
		return nil

	case remote.StatusPermanent:
		reason := r.Reason
		if reason == "" {
			reason = "rejected by origin"
		}
		res.Failed++
		return e.queue.Fail(ctx, op.ID, reason)
	}
	return fmt.Errorf("unknown result status %q", r.Status)
}

func (e *Engine) conflict(ctx context.Context, op *schema.Operation, r remote.Result, res *Result) error {
	var state schema.RemoteState
	if r.RemoteState != nil {
		state = *r.RemoteState
	}
	if state.Version == 0 {
		state.Version = r.RemoteVersion
	}
	e.snapshot(ctx, store.Snapshot{
		EntityType: op.EntityType,
		EntityID:   op.EntityID,
		Version:    state.Version,
		Payload:    state.Payload,
		Deleted:    state.Deleted,
		UpdatedAt:  state.UpdatedAt,
	})

	var base schema.Payload
	if snap, err := e.store.GetSnapshot(ctx, op.EntityType, op.EntityID, op.BaseVersion); err == nil {
		base = snap.Payload
	}

	c := e.resolver.Detect(op, state, base)
	if c == nil {
		// The origin disagrees with itself; try again later.
		updated, err := e.queue.Nack(ctx, op.ID, fmt.Sprintf("origin reported a conflict at base version %d", op.BaseVersion), 0)
		res.Transient++
		if err == nil && updated.Status == schema.StatusFailed {
			res.Failed++
		} else {
			res.Retried++
		}
		return err
	}

	resolution, err := e.resolver.Resolve(ctx, c)
	if err != nil {
		e.config.Logger.Printf("Warning: resolving %s failed, deferring to manual resolution: %v", c.ID, err)
		c.Strategy = schema.StrategyManual
		resolution = &schema.Resolution{
			ConflictID:  c.ID,
			OperationID: op.ID,
			Strategy:    schema.StrategyManual,
			Decision:    schema.DecisionDeferred,
			BaseVersion: c.BaseVersion,
			Reasons:     []string{err.Error()},
		}
	}

	if !resolution.Replayed {
		res.Conflicts++
		if err := e.store.SaveConflict(ctx, c); err != nil {
			return err
		}
		e.emit(Event{Kind: EventConflictDetected, Conflict: c})
	}

	if resolution.Decision == schema.DecisionDeferred {
		res.Deferred++
		return e.queue.Park(ctx, op.ID, c.ID)
	}
	if err := e.Apply(ctx, c, resolution); err != nil {
		return err
	}
	if !resolution.Replayed {
		res.Resolved++
	}
	return nil
}

// Apply carries out a resolution on the conflicting operation, which must be
// in flight or parked, and closes the conflict record. Replayed resolutions
// move the operation but are not announced again.
func (e *Engine) Apply(ctx context.Context, c *schema.Conflict, resolution *schema.Resolution) error {
	var err error
	switch resolution.Decision {
	case schema.DecisionKeepRemote:
		err = e.queue.Supersede(ctx, c.OperationID, resolution.SupersededBy)
	case schema.DecisionKeepLocal, schema.DecisionMerged:
		err = e.queue.Requeue(ctx, c.OperationID, resolution.Payload, resolution.BaseVersion)
	case schema.DecisionDeferred:
		return fmt.Errorf("cannot apply a deferred resolution")
	default:
		return fmt.Errorf("unknown decision %q", resolution.Decision)
	}
	if err != nil {
		return fmt.Errorf("failed to apply resolution for %s: %w", c.OperationID, err)
	}

	now := e.config.Now()
	c.Status = schema.ConflictResolved
	c.ResolvedAt = &now
	c.Resolution = resolution
	if err := e.store.SaveConflict(ctx, c); err != nil {
		return err
	}
	if !resolution.Replayed {
		e.emit(Event{Kind: EventConflictResolved, Conflict: c, Resolution: resolution})
	}
	return nil
}

func (e *Engine) snapshot(ctx context.Context, snap store.Snapshot) {
	if snap.Version <= 0 {
		return
	}
	if err := e.store.PutSnapshot(ctx, snap); err != nil {
		e.config.Logger.Printf("Warning: failed to record snapshot %s/%s@%d: %v",
			snap.EntityType, snap.EntityID, snap.Version, err)
	}
}

// pull copies remote changes since the stored cursor into the snapshot cache.
func (e *Engine) pull(ctx context.Context, res *Result) error {
	cursor, _, err := e.store.GetKV(ctx, store.KeyPullCursor)
	if err != nil {
		return fmt.Errorf("failed to read pull cursor: %w", err)
	}
	_, timeout := e.settings()
	for page := 0; page < e.config.MaxCycles; page++ {
		rctx, cancel := context.WithTimeout(ctx, timeout)
		resp, err := e.origin.Pull(rctx, cursor, e.config.PullLimit)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to pull changes: %w", err)
		}
		res.Bytes += resp.Bytes
		for _, ch := range resp.Changes {
			e.snapshot(ctx, store.Snapshot{
				EntityType: ch.EntityType,
				EntityID:   ch.EntityID,
				Version:    ch.State.Version,
				Payload:    ch.State.Payload,
				Deleted:    ch.State.Deleted,
				UpdatedAt:  ch.State.UpdatedAt,
			})
			res.Pulled++
		}
		if resp.Cursor != "" && resp.Cursor != cursor {
			cursor = resp.Cursor
			if err := e.store.SetKV(ctx, store.KeyPullCursor, cursor); err != nil {
				return fmt.Errorf("failed to save pull cursor: %w", err)
			}
		}
		if !resp.More || len(resp.Changes) == 0 {
			return nil
		}
	}
	e.config.Logger.Printf("Warning: pull stopped after %d pages at cursor %q", e.config.MaxCycles, cursor)
	return nil
}
