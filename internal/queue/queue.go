// Package queue orders pending operations for the sync engine.
//
// The queue keeps an in-memory index of every non-completed operation and
// writes each transition through to the operation log before it becomes
// visible. All mutating calls take the queue lock for their whole duration,
// so an enqueue can never interleave with a dequeue in a way that loses or
// double-dequeues an operation.
//
// Dequeue order is (priority desc, prioritySync membership, createdAt asc,
// id asc). An operation is eligible only when it is pending, not parked
// behind a manual conflict, and every dependency has a completion tombstone.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/steveyegge/offsync/internal/schema"
	"github.com/steveyegge/offsync/internal/store"
)

var (
	// ErrNotFound is returned when the queue has no operation with the id.
	ErrNotFound = errors.New("operation not in queue")

	// ErrInvalidState is returned when an operation is not in a state the call accepts.
	ErrInvalidState = errors.New("invalid operation state")

	// ErrUnknownDependency is returned when a dependency is neither queued nor completed.
	ErrUnknownDependency = errors.New("unknown dependency")
)

// Log is the durable storage the queue writes through to.
type Log interface {
	Append(ctx context.Context, op *schema.Operation) error
	Update(ctx context.Context, id string, patch store.Patch) error
	Remove(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id, supersededBy string, at time.Time) error
	LoadPending(ctx context.Context) ([]*schema.Operation, error)
	CompletedAmong(ctx context.Context, ids []string) (map[string]bool, error)
}

// EventKind identifies a queue event.
type EventKind string

const (
	EventQueued    EventKind = "queued"
	EventCompleted EventKind = "completed"
	EventRetrying  EventKind = "retrying"
	EventPromoted  EventKind = "promoted" // backoff elapsed, back to pending
	EventFailed    EventKind = "failed"
	EventRequeued  EventKind = "requeued" // payload replaced or explicit retry
	EventParked    EventKind = "parked"   // waiting on a manual resolution
)

// Event reports a transition. Operation is a copy taken after the transition.
type Event struct {
	Kind      EventKind
	Operation *schema.Operation
}

// Config holds configuration for the queue.
type Config struct {
	// BaseDelay is the backoff unit: delay = BaseDelay * 2^retryCount.
	BaseDelay time.Duration

	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration

	// PrioritySync lists entity types dequeued first within a priority tier.
	PrioritySync []string

	// Now returns the current time (nil = time.Now).
	Now func() time.Time

	// Logger for queue activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BaseDelay: time.Second,
		MaxDelay:  5 * time.Minute,
		Logger:    log.New(os.Stderr, "[queue] ", log.LstdFlags),
	}
}

// Stats counts queued operations by state.
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Retrying   int `json:"retrying"`
	Failed     int `json:"failed"`
	Parked     int `json:"parked"`
}

// Queue is the operation queue. It is safe for concurrent use.
type Queue struct {
	log    Log
	config *Config

	mu           sync.Mutex
	ops          map[string]*schema.Operation
	completed    map[string]bool
	timers       map[string]*time.Timer
	prioritySync map[string]bool
	listener     func(Event)
	closed       bool
}

// New creates a queue writing through to l.
func New(l Log) (*Queue, error) {
	return NewWithConfig(l, DefaultConfig())
}

// NewWithConfig creates a queue with custom configuration.
func NewWithConfig(l Log, config *Config) (*Queue, error) {
	if l == nil {
		return nil, fmt.Errorf("log cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = time.Second
	}
	if config.MaxDelay < config.BaseDelay {
		config.MaxDelay = config.BaseDelay
	}
	q := &Queue{
		log:       l,
		config:    config,
		ops:       make(map[string]*schema.Operation),
		completed: make(map[string]bool),
		timers:    make(map[string]*time.Timer),
	}
	q.prioritySync = toSet(config.PrioritySync)
	return q, nil
}

// SetListener installs the single event listener. It is called after the
// queue lock is released.
func (q *Queue) SetListener(fn func(Event)) {
	q.mu.Lock()
	q.listener = fn
	q.mu.Unlock()
}

// SetRetryPolicy changes the backoff unit and ceiling for future nacks.
func (q *Queue) SetRetryPolicy(base, max time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if base > 0 {
		q.config.BaseDelay = base
	}
	if max >= q.config.BaseDelay {
		q.config.MaxDelay = max
	}
}

// SetPrioritySync replaces the entity types preferred within a tier.
func (q *Queue) SetPrioritySync(entityTypes []string) {
	q.mu.Lock()
	q.prioritySync = toSet(entityTypes)
	q.mu.Unlock()
}

func (q *Queue) now() time.Time {
	return q.config.Now().UTC()
}

func (q *Queue) emit(events []Event) {
	q.mu.Lock()
	fn := q.listener
	q.mu.Unlock()
	if fn == nil {
		return
	}
	for _, e := range events {
		fn(e)
	}
}

// Load rebuilds the index from the log after a restart. Operations caught
// in flight are returned to pending (or failed, if a cancel was pending) and
// retry timers are re-armed.
func (q *Queue) Load(ctx context.Context) error {
	ops, err := q.log.LoadPending(ctx)
	if err != nil {
		return fmt.Errorf("failed to load operations: %w", err)
	}

	q.mu.Lock()
	var events []Event
	defer func() {
		q.mu.Unlock()
		q.emit(events)
	}()

	var deps []string
	now := q.now()
	for _, op := range ops {
		q.ops[op.ID] = op
		deps = append(deps, op.Dependencies...)

		if op.Status != schema.StatusInProgress {
			continue
		}
		if op.CancelRequested {
			if err := q.failLocked(ctx, op, schema.CancelledReason, now); err != nil {
				return err
			}
			events = append(events, Event{Kind: EventFailed, Operation: op.Clone()})
			continue
		}
		if err := q.transitionLocked(ctx, op, schema.StatusPending, now, nil); err != nil {
			return err
		}
	}

	done, err := q.log.CompletedAmong(ctx, deps)
	if err != nil {
		return fmt.Errorf("failed to load completed dependencies: %w", err)
	}
	for id := range done {
		q.completed[id] = true
	}
	for _, op := range q.ops {
		for _, dep := range op.Dependencies {
			if !q.completed[dep] && q.ops[dep] == nil {
				q.config.Logger.Printf("Warning: operation %s depends on unknown operation %s", op.ID, dep)
			}
		}
		if op.Status == schema.StatusRetrying {
			q.armLocked(op, now)
		}
	}
	q.config.Logger.Printf("Loaded %d operations", len(q.ops))
	return nil
}

// Enqueue validates op, persists it and indexes it as pending. Missing
// optional fields (id, status, timestamps) are filled in on op.
func (q *Queue) Enqueue(ctx context.Context, op *schema.Operation) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("queue is closed")
	}
	op.SetDefaults(q.now())
	if op.Status != schema.StatusPending {
		q.mu.Unlock()
		return fmt.Errorf("%w: new operations must be pending (got %s)", ErrInvalidState, op.Status)
	}
	if err := op.Validate(); err != nil {
		q.mu.Unlock()
		return fmt.Errorf("invalid operation: %w", err)
	}
	if _, ok := q.ops[op.ID]; ok || q.completed[op.ID] {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", store.ErrDuplicateID, op.ID)
	}
	if err := q.checkDependenciesLocked(ctx, op); err != nil {
		q.mu.Unlock()
		return err
	}

	stored := op.Clone()
	if err := q.log.Append(ctx, stored); err != nil {
		q.mu.Unlock()
		return err
	}
	q.ops[stored.ID] = stored
	event := Event{Kind: EventQueued, Operation: stored.Clone()}
	q.mu.Unlock()

	q.emit([]Event{event})
	return nil
}

func (q *Queue) checkDependenciesLocked(ctx context.Context, op *schema.Operation) error {
	var unknown []string
	for _, dep := range op.Dependencies {
		if q.ops[dep] == nil && !q.completed[dep] {
			unknown = append(unknown, dep)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	done, err := q.log.CompletedAmong(ctx, unknown)
	if err != nil {
		return fmt.Errorf("failed to check dependencies: %w", err)
	}
	for _, dep := range unknown {
		if !done[dep] {
			return fmt.Errorf("%w: %s (required by %s)", ErrUnknownDependency, dep, op.ID)
		}
		q.completed[dep] = true
	}
	return nil
}

// DequeueBatch returns up to max eligible operations in dequeue order and
// moves them to in_progress.
func (q *Queue) DequeueBatch(ctx context.Context, max int) ([]*schema.Operation, error) {
	if max <= 0 {
		return nil, nil
	}

	q.mu.Lock()
	var events []Event
	defer func() {
		q.mu.Unlock()
		q.emit(events)
	}()

	now := q.now()
	for _, op := range q.ops {
		if op.Status == schema.StatusRetrying && op.NextAttemptAt != nil && !op.NextAttemptAt.After(now) {
			if err := q.promoteLocked(ctx, op, now); err != nil {
				return nil, err
			}
			events = append(events, Event{Kind: EventPromoted, Operation: op.Clone()})
		}
	}

	candidates := q.eligibleLocked()
	q.sortLocked(candidates)
	if len(candidates) > max {
		candidates = candidates[:max]
	}

	batch := make([]*schema.Operation, 0, len(candidates))
	for _, op := range candidates {
		if err := q.transitionLocked(ctx, op, schema.StatusInProgress, now, nil); err != nil {
			// Return what was already moved so nothing stays in flight unseen.
			for _, sent := range batch {
				q.revertLocked(ctx, sent.ID, now)
			}
			return nil, err
		}
		batch = append(batch, op.Clone())
	}
	return batch, nil
}

func (q *Queue) eligibleLocked() []*schema.Operation {
	var out []*schema.Operation
	for _, op := range q.ops {
		if op.Status != schema.StatusPending || op.AwaitingResolution() {
			continue
		}
		ready := true
		for _, dep := range op.Dependencies {
			if !q.completed[dep] {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, op)
		}
	}
	return out
}

func (q *Queue) sortLocked(ops []*schema.Operation) {
	sort.Slice(ops, func(i, j int) bool {
		a, b := ops[i], ops[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		pa, pb := q.prioritySync[a.EntityType], q.prioritySync[b.EntityType]
		if pa != pb {
			return pa
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func (q *Queue) revertLocked(ctx context.Context, id string, now time.Time) {
	op := q.ops[id]
	if op == nil || op.Status != schema.StatusInProgress {
		return
	}
	if err := q.transitionLocked(ctx, op, schema.StatusPending, now, nil); err != nil {
		q.config.Logger.Printf("Warning: failed to return %s to pending: %v", id, err)
	}
}

// transitionLocked moves op to status, persisting the change together with
// any extra patch fields. Memory is only updated after the write succeeds.
func (q *Queue) transitionLocked(ctx context.Context, op *schema.Operation, to schema.Status, now time.Time, mutate func(*schema.Operation)) error {
	next := op.Clone()
	if err := next.Transition(to, now); err != nil {
		return err
	}
	if mutate != nil {
		mutate(next)
	}
	if err := q.log.Update(ctx, op.ID, store.PatchFrom(next)); err != nil {
		return err
	}
	*op = *next
	return nil
}

func (q *Queue) failLocked(ctx context.Context, op *schema.Operation, reason string, now time.Time) error {
	q.disarmLocked(op.ID)
	return q.transitionLocked(ctx, op, schema.StatusFailed, now, func(o *schema.Operation) {
		o.Error = reason
		o.CancelRequested = false
		o.ConflictID = ""
	})
}

func (q *Queue) lookupLocked(id string) (*schema.Operation, error) {
	op, ok := q.ops[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return op, nil
}

func (q *Queue) requireLocked(id string, allowed ...schema.Status) (*schema.Operation, error) {
	op, err := q.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	for _, s := range allowed {
		if op.Status == s {
			return op, nil
		}
	}
	return nil, fmt.Errorf("%w: operation %s is %s", ErrInvalidState, id, op.Status)
}

// Ack completes an in-flight operation: the record is replaced by a
// tombstone and dependents become eligible.
func (q *Queue) Ack(ctx context.Context, id string) error {
	return q.complete(ctx, id, "")
}

// Supersede completes an operation whose write lost a conflict. The
// operation is not retried; supersededBy notes the winning write.
func (q *Queue) Supersede(ctx context.Context, id, supersededBy string) error {
	return q.complete(ctx, id, supersededBy)
}

func (q *Queue) complete(ctx context.Context, id, supersededBy string) error {
	q.mu.Lock()
	op, err := q.lookupLocked(id)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	// A parked operation is pending; route it through in_progress so the
	// state machine holds.
	parked := op.Status == schema.StatusPending && op.AwaitingResolution() && supersededBy != ""
	if op.Status != schema.StatusInProgress && !parked {
		q.mu.Unlock()
		return fmt.Errorf("%w: cannot complete operation %s in status %s", ErrInvalidState, id, op.Status)
	}

	now := q.now()
	done := op.Clone()
	if parked {
		_ = done.Transition(schema.StatusInProgress, now)
	}
	if err := done.Transition(schema.StatusCompleted, now); err != nil {
		q.mu.Unlock()
		return err
	}
	done.SupersededBy = supersededBy
	done.ConflictID = ""

	if err := q.log.MarkCompleted(ctx, id, supersededBy, now); err != nil {
		q.mu.Unlock()
		return err
	}
	q.disarmLocked(id)
	delete(q.ops, id)
	q.completed[id] = true
	q.mu.Unlock()

	q.emit([]Event{{Kind: EventCompleted, Operation: done}})
	return nil
}

// Nack records a transient failure of an in-flight operation. The retry
// count grows by one; reaching maxRetries fails the operation, otherwise it
// waits in retrying for BaseDelay*2^retryCount (at least retryAfter, at most
// MaxDelay) before returning to pending.
func (q *Queue) Nack(ctx context.Context, id, reason string, retryAfter time.Duration) (*schema.Operation, error) {
	q.mu.Lock()
	op, err := q.requireLocked(id, schema.StatusInProgress)
	if err != nil {
		q.mu.Unlock()
		return nil, err
	}

	now := q.now()
	attempts := op.RetryCount + 1
	var event Event
	if attempts >= op.MaxRetries {
		count := attempts
		if count > op.MaxRetries {
			count = op.MaxRetries
		}
		err = q.transitionLocked(ctx, op, schema.StatusFailed, now, func(o *schema.Operation) {
			o.RetryCount = count
			o.Error = reason
		})
		event = Event{Kind: EventFailed}
	} else {
		delay := q.backoffLocked(attempts, retryAfter)
		due := now.Add(delay)
		err = q.transitionLocked(ctx, op, schema.StatusRetrying, now, func(o *schema.Operation) {
			o.RetryCount = attempts
			o.Error = reason
			o.NextAttemptAt = &due
		})
		if err == nil {
			q.armLocked(op, now)
		}
		event = Event{Kind: EventRetrying}
	}
	if err != nil {
		q.mu.Unlock()
		return nil, err
	}
	event.Operation = op.Clone()
	result := op.Clone()
	q.mu.Unlock()

	q.emit([]Event{event})
	return result, nil
}

// Backoff returns the delay applied after the given number of failed attempts.
func (q *Queue) Backoff(attempts int, retryAfter time.Duration) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backoffLocked(attempts, retryAfter)
}

func (q *Queue) backoffLocked(attempts int, retryAfter time.Duration) time.Duration {
	delay := q.config.BaseDelay
	for i := 0; i < attempts && delay < q.config.MaxDelay; i++ {
		delay *= 2
	}
	if retryAfter > delay {
		delay = retryAfter
	}
	if delay > q.config.MaxDelay {
		delay = q.config.MaxDelay
	}
	return delay
}

func (q *Queue) armLocked(op *schema.Operation, now time.Time) {
	if q.closed || op.NextAttemptAt == nil {
		return
	}
	q.disarmLocked(op.ID)
	id := op.ID
	delay := op.NextAttemptAt.Sub(now)
	if delay < 0 {
		delay = 0
	}
	q.timers[id] = time.AfterFunc(delay, func() { q.promote(id) })
}

func (q *Queue) disarmLocked(id string) {
	if t, ok := q.timers[id]; ok {
		t.Stop()
		delete(q.timers, id)
	}
}

// promote returns a retrying operation to pending once its backoff elapsed.
func (q *Queue) promote(id string) {
	q.mu.Lock()
	delete(q.timers, id)
	op := q.ops[id]
	if q.closed || op == nil || op.Status != schema.StatusRetrying {
		q.mu.Unlock()
		return
	}
	now := q.now()
	if op.NextAttemptAt != nil && op.NextAttemptAt.After(now) {
		q.armLocked(op, now)
		q.mu.Unlock()
		return
	}
	if err := q.promoteLocked(context.Background(), op, now); err != nil {
		q.config.Logger.Printf("Warning: failed to promote %s: %v", id, err)
		q.mu.Unlock()
		return
	}
	event := Event{Kind: EventPromoted, Operation: op.Clone()}
	q.mu.Unlock()

	q.emit([]Event{event})
}

func (q *Queue) promoteLocked(ctx context.Context, op *schema.Operation, now time.Time) error {
	q.disarmLocked(op.ID)
	return q.transitionLocked(ctx, op, schema.StatusPending, now, nil)
}

// Fail marks an operation permanently failed, bypassing retry.
func (q *Queue) Fail(ctx context.Context, id, reason string) error {
	q.mu.Lock()
	op, err := q.requireLocked(id, schema.StatusInProgress, schema.StatusPending, schema.StatusRetrying)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	if err := q.failLocked(ctx, op, reason, q.now()); err != nil {
		q.mu.Unlock()
		return err
	}
	event := Event{Kind: EventFailed, Operation: op.Clone()}
	q.mu.Unlock()

	q.emit([]Event{event})
	return nil
}

// Cancel fails a pending or retrying operation with the "cancelled" reason.
// An in-flight operation is only flagged; the engine discards its result
// when the response arrives. It reports whether the cancel was deferred.
func (q *Queue) Cancel(ctx context.Context, id string) (deferred bool, err error) {
	q.mu.Lock()
	op, err := q.requireLocked(id, schema.StatusPending, schema.StatusRetrying, schema.StatusInProgress)
	if err != nil {
		q.mu.Unlock()
		return false, err
	}

	if op.Status == schema.StatusInProgress {
		flag := true
		if err := q.log.Update(ctx, id, store.Patch{CancelRequested: &flag}); err != nil {
			q.mu.Unlock()
			return false, err
		}
		op.CancelRequested = true
		q.mu.Unlock()
		return true, nil
	}

	if err := q.failLocked(ctx, op, schema.CancelledReason, q.now()); err != nil {
		q.mu.Unlock()
		return false, err
	}
	event := Event{Kind: EventFailed, Operation: op.Clone()}
	q.mu.Unlock()

	q.emit([]Event{event})
	return false, nil
}

// Discard drops the result of an in-flight operation whose cancel was
// requested while the request was outstanding.
func (q *Queue) Discard(ctx context.Context, id string) error {
	q.mu.Lock()
	op, err := q.requireLocked(id, schema.StatusInProgress)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	if err := q.failLocked(ctx, op, schema.CancelledReason, q.now()); err != nil {
		q.mu.Unlock()
		return err
	}
	event := Event{Kind: EventFailed, Operation: op.Clone()}
	q.mu.Unlock()

	q.emit([]Event{event})
	return nil
}

// Requeue returns an in-flight or parked operation to pending with the
// payload computed by the resolver, rebased onto baseVersion. A create
// rebased onto an existing remote version becomes an update of it.
func (q *Queue) Requeue(ctx context.Context, id string, payload schema.Payload, baseVersion int64) error {
	q.mu.Lock()
	op, err := q.requireLocked(id, schema.StatusInProgress, schema.StatusPending)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	if op.Status == schema.StatusPending && !op.AwaitingResolution() {
		q.mu.Unlock()
		return fmt.Errorf("%w: operation %s is not in flight or parked", ErrInvalidState, id)
	}

	now := q.now()
	apply := func(o *schema.Operation) {
		o.Payload = append(schema.Payload(nil), payload...)
		o.BaseVersion = baseVersion
		o.ConflictID = ""
		if o.Kind == schema.KindCreate && baseVersion > 0 {
			o.Kind = schema.KindUpdate
		}
	}
	if op.Status == schema.StatusInProgress {
		err = q.transitionLocked(ctx, op, schema.StatusPending, now, apply)
	} else {
		next := op.Clone()
		apply(next)
		next.UpdatedAt = now
		if err = q.log.Update(ctx, id, store.PatchFrom(next)); err == nil {
			*op = *next
		}
	}
	if err != nil {
		q.mu.Unlock()
		return err
	}
	event := Event{Kind: EventRequeued, Operation: op.Clone()}
	q.mu.Unlock()

	q.emit([]Event{event})
	return nil
}

// Park returns an in-flight operation to pending and removes it from dequeue
// eligibility until the conflict is resolved.
func (q *Queue) Park(ctx context.Context, id, conflictID string) error {
	if conflictID == "" {
		return fmt.Errorf("conflict id cannot be empty")
	}
	q.mu.Lock()
	op, err := q.requireLocked(id, schema.StatusInProgress)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	err = q.transitionLocked(ctx, op, schema.StatusPending, q.now(), func(o *schema.Operation) {
		o.ConflictID = conflictID
	})
	if err != nil {
		q.mu.Unlock()
		return err
	}
	event := Event{Kind: EventParked, Operation: op.Clone()}
	q.mu.Unlock()

	q.emit([]Event{event})
	return nil
}

// Retry re-enters a failed operation into pending with a fresh retry budget.
func (q *Queue) Retry(ctx context.Context, id string) error {
	q.mu.Lock()
	op, err := q.requireLocked(id, schema.StatusFailed)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	err = q.transitionLocked(ctx, op, schema.StatusPending, q.now(), func(o *schema.Operation) {
		o.RetryCount = 0
		o.CancelRequested = false
	})
	if err != nil {
		q.mu.Unlock()
		return err
	}
	event := Event{Kind: EventRequeued, Operation: op.Clone()}
	q.mu.Unlock()

	q.emit([]Event{event})
	return nil
}

// ClearFailed removes failed operations last updated before olderThan.
// A zero olderThan removes every failed operation.
func (q *Queue) ClearFailed(ctx context.Context, olderThan time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for id, op := range q.ops {
		if op.Status != schema.StatusFailed {
			continue
		}
		if !olderThan.IsZero() && !op.UpdatedAt.Before(olderThan) {
			continue
		}
		if err := q.log.Remove(ctx, id); err != nil {
			return n, err
		}
		delete(q.ops, id)
		n++
	}
	return n, nil
}

// Get returns a copy of the operation with the given id.
func (q *Queue) Get(id string) (*schema.Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	op, err := q.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	return op.Clone(), nil
}

// ListPending returns copies of every queued operation, failed ones
// included, in dequeue order.
func (q *Queue) ListPending() []*schema.Operation {
	return q.List()
}

// List returns copies of the queued operations with one of the given
// statuses (all when none), in dequeue order.
func (q *Queue) List(statuses ...schema.Status) []*schema.Operation {
	q.mu.Lock()
	defer q.mu.Unlock()

	want := make(map[schema.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	ops := make([]*schema.Operation, 0, len(q.ops))
	for _, op := range q.ops {
		if len(want) == 0 || want[op.Status] {
			ops = append(ops, op)
		}
	}
	q.sortLocked(ops)
	out := make([]*schema.Operation, len(ops))
	for i, op := range ops {
		out[i] = op.Clone()
	}
	return out
}

// Stats counts queued operations by state.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var s Stats
	for _, op := range q.ops {
		s.Total++
		switch op.Status {
		case schema.StatusPending:
			if op.AwaitingResolution() {
				s.Parked++
			} else {
				s.Pending++
			}
		case schema.StatusInProgress:
			s.InProgress++
		case schema.StatusRetrying:
			s.Retrying++
		case schema.StatusFailed:
			s.Failed++
		}
	}
	return s
}

// Close stops retry timers. Queued operations stay in the log.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}
