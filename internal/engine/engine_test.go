package engine

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/steveyegge/offsync/internal/queue"
	"github.com/steveyegge/offsync/internal/remote"
	"github.com/steveyegge/offsync/internal/resolve"
	"github.com/steveyegge/offsync/internal/schema"
	"github.com/steveyegge/offsync/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	clock    *fakeClock
	store    *store.Store
	queue    *queue.Queue
	origin   *remote.MemoryOrigin
	resolver *resolve.Resolver
	engine   *Engine

	mu     sync.Mutex
	events []Event
}

func setupHarness(t *testing.T, strategy schema.Strategy) *harness {
	t.Helper()
	h := &harness{clock: &fakeClock{now: time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)}}
	quiet := log.New(io.Discard, "", 0)

	var err error
	h.store, err = store.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { h.store.Close() })

	qc := queue.DefaultConfig()
	qc.Now = h.clock.Now
	qc.BaseDelay = time.Hour
	qc.MaxDelay = 24 * time.Hour
	qc.Logger = quiet
	h.queue, err = queue.NewWithConfig(h.store, qc)
	if err != nil {
		t.Fatalf("queue.NewWithConfig() failed: %v", err)
	}
	t.Cleanup(h.queue.Close)

	h.resolver, err = resolve.New(&resolve.Config{Default: strategy, Enabled: true, Now: h.clock.Now})
	if err != nil {
		t.Fatalf("resolve.New() failed: %v", err)
	}

	h.origin = remote.NewMemoryOrigin()
	h.origin.SetClock(h.clock.Now)

	config := DefaultConfig()
	config.Now = h.clock.Now
	config.Logger = quiet
	h.engine, err = NewWithConfig(h.queue, h.origin, h.resolver, h.store, config)
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}
	h.engine.SetListener(func(e Event) {
		h.mu.Lock()
		h.events = append(h.events, e)
		h.mu.Unlock()
	})
	return h
}

func (h *harness) enqueue(t *testing.T, op *schema.Operation) *schema.Operation {
	t.Helper()
	if op.MaxRetries == 0 {
		op.MaxRetries = 3
	}
	if err := h.queue.Enqueue(context.Background(), op); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	return op
}

func (h *harness) sync(t *testing.T) *Result {
	t.Helper()
	res, err := h.engine.SyncPendingOperations(context.Background())
	if err != nil {
		t.Fatalf("SyncPendingOperations() failed: %v", err)
	}
	return res
}

func (h *harness) kinds() []EventKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []EventKind
	for _, e := range h.events {
		out = append(out, e.Kind)
	}
	return out
}

func (h *harness) count(kind EventKind) int {
	n := 0
	for _, k := range h.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func create(id, entityID, payload string) *schema.Operation {
	return &schema.Operation{
		ID:         id,
		Kind:       schema.KindCreate,
		EntityType: "card",
		EntityID:   entityID,
		Payload:    schema.Payload(payload),
	}
}

func update(id, entityID, payload string, base int64, created time.Time) *schema.Operation {
	return &schema.Operation{
		ID:          id,
		Kind:        schema.KindUpdate,
		EntityType:  "card",
		EntityID:    entityID,
		Payload:     schema.Payload(payload),
		BaseVersion: base,
		CreatedAt:   created,
	}
}

func TestSyncPendingOperations_OK(t *testing.T) {
	h := setupHarness(t, schema.StrategyLastWriteWins)
	ctx := context.Background()
	h.enqueue(t, create("op1", "c1", `{"title":"a"}`))

	res := h.sync(t)
	if res.Attempted != 1 || res.Succeeded != 1 {
		t.Errorf("result = %+v, want 1 attempted, 1 succeeded", res)
	}
	if res.Bytes <= 0 {
		t.Errorf("Bytes = %d, want > 0", res.Bytes)
	}
	if _, err := h.queue.Get("op1"); !errors.Is(err, queue.ErrNotFound) {
		t.Errorf("Get() after ack error = %v, want ErrNotFound", err)
	}
	snap, err := h.store.GetSnapshot(ctx, "card", "c1", 1)
	if err != nil {
		t.Fatalf("GetSnapshot() failed: %v", err)
	}
	if string(snap.Payload) != `{"title":"a"}` {
		t.Errorf("snapshot payload = %s", snap.Payload)
	}

	want := []EventKind{EventSyncStart, EventSyncComplete}
	if got := h.kinds(); len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("events = %v, want %v", got, want)
	}
	if health := h.engine.GetHealthStatus(); health.Status != schema.HealthHealthy || health.LastSuccessAt == nil {
		t.Errorf("health = %+v, want healthy with a success time", health)
	}
}

func TestSyncPendingOperations_EmptyQueue(t *testing.T) {
	h := setupHarness(t, schema.StrategyLastWriteWins)
	res := h.sync(t)
	if res.Attempted != 0 || res.Cycles != 0 {
		t.Errorf("result = %+v, want nothing attempted", res)
	}
	if h.origin.Batches() != 0 {
		t.Errorf("origin received %d batches, want 0", h.origin.Batches())
	}
}

func TestSyncPendingOperations_TransientUntilFailed(t *testing.T) {
	h := setupHarness(t, schema.StrategyLastWriteWins)
	h.origin.SetInterceptor(func(remote.Item) *remote.Result {
		return &remote.Result{Status: remote.StatusTransient, Reason: "upstream timeout"}
	})
	h.enqueue(t, create("op2", "c2", `{}`))

	wantHealth := []schema.SyncHealth{schema.HealthDegraded, schema.HealthDegraded, schema.HealthCritical}
	for i := 0; i < 3; i++ {
		res := h.sync(t)
		if res.Attempted != 1 {
			t.Fatalf("cycle %d attempted %d, want 1", i+1, res.Attempted)
		}
		op, err := h.queue.Get("op2")
		if err != nil {
			t.Fatalf("Get() failed: %v", err)
		}
		if op.RetryCount != i+1 {
			t.Errorf("cycle %d: retryCount = %d, want %d", i+1, op.RetryCount, i+1)
		}
		if i < 2 && op.Status != schema.StatusRetrying {
			t.Errorf("cycle %d: status = %s, want retrying", i+1, op.Status)
		}
		if got := h.engine.GetHealthStatus().Status; got != wantHealth[i] {
			t.Errorf("cycle %d: health = %s, want %s", i+1, got, wantHealth[i])
		}
		h.clock.Advance(48 * time.Hour)
	}

	op, _ := h.queue.Get("op2")
	if op.Status != schema.StatusFailed || op.RetryCount != 3 || op.Error != "upstream timeout" {
		t.Errorf("final op = %s rc=%d err=%q, want failed rc=3", op.Status, op.RetryCount, op.Error)
	}

	res := h.sync(t)
	if res.Attempted != 0 {
		t.Errorf("failed operation was sent again")
	}
}

func TestSyncPendingOperations_Permanent(t *testing.T) {
	h := setupHarness(t, schema.StrategyLastWriteWins)
	h.enqueue(t, update("op1", "ghost", `{}`, 1, time.Time{}))

	res := h.sync(t)
	if res.Failed != 1 {
		t.Errorf("Failed = %d, want 1", res.Failed)
	}
	op, err := h.queue.Get("op1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if op.Status != schema.StatusFailed || op.RetryCount != 0 {
		t.Errorf("op = %s rc=%d, want failed without retries", op.Status, op.RetryCount)
	}
}

func TestSyncPendingOperations_MissingResultIsTransient(t *testing.T) {
	h := setupHarness(t, schema.StrategyLastWriteWins)
	h.engine.origin = originFunc(func(ctx context.Context, req *remote.BatchRequest) (*remote.BatchResponse, error) {
		return &remote.BatchResponse{}, nil
	})
	h.enqueue(t, create("op1", "c1", `{}`))

	res := h.sync(t)
	if res.Retried != 1 {
		t.Errorf("Retried = %d, want 1", res.Retried)
	}
	op, _ := h.queue.Get("op1")
	if op.Status != schema.StatusRetrying {
		t.Errorf("status = %s, want retrying", op.Status)
	}
}

func TestSyncPendingOperations_BatchErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus schema.Status
		wantRetry  int
	}{
		{"transient", &remote.TransportError{StatusCode: 503, Temporary: true, Err: errors.New("busy")}, schema.StatusRetrying, 1},
		{"rejected batch", &remote.TransportError{StatusCode: 400, Err: errors.New("bad batch")}, schema.StatusRetrying, 1},
		{"unauthorized", &remote.TransportError{StatusCode: 401, Err: errors.New("token expired")}, schema.StatusRetrying, 1},
		{"undecodable response", errors.New("failed to decode response: unexpected EOF"), schema.StatusRetrying, 1},
		{"protocol", &remote.TransportError{Err: remote.ErrIncompatibleProtocol}, schema.StatusPending, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setupHarness(t, schema.StrategyLastWriteWins)
			h.origin.SetBatchError(func(*remote.BatchRequest) error { return tt.err })
			h.enqueue(t, create("op1", "c1", `{}`))

			if _, err := h.engine.SyncPendingOperations(context.Background()); err == nil {
				t.Fatal("SyncPendingOperations() succeeded, want error")
			}
			op, err := h.queue.Get("op1")
			if err != nil {
				t.Fatalf("Get() failed: %v", err)
			}
			if op.Status != tt.wantStatus || op.RetryCount != tt.wantRetry {
				t.Errorf("op = %s rc=%d, want %s rc=%d", op.Status, op.RetryCount, tt.wantStatus, tt.wantRetry)
			}
			if h.count(EventSyncError) != 1 {
				t.Errorf("events = %v, want one sync_error", h.kinds())
			}
			if h.engine.GetHealthStatus().LastError == "" {
				t.Error("health has no last error")
			}
		})
	}
}

func TestSyncPendingOperations_ConflictKeepRemote(t *testing.T) {
	h := setupHarness(t, schema.StrategyLastWriteWins)
	ctx := context.Background()
	h.origin.Put("card", "c1", schema.Payload(`{"title":"base"}`), h.clock.Now())
	h.origin.Put("card", "c1", schema.Payload(`{"title":"theirs"}`), h.clock.Now().Add(time.Minute))
	h.enqueue(t, update("op1", "c1", `{"title":"mine"}`, 1, h.clock.Now()))

	res := h.sync(t)
	if res.Conflicts != 1 || res.Resolved != 1 {
		t.Errorf("result = %+v, want one resolved conflict", res)
	}
	if _, err := h.queue.Get("op1"); !errors.Is(err, queue.ErrNotFound) {
		t.Errorf("superseded operation still queued: %v", err)
	}
	if h.count(EventConflictDetected) != 1 || h.count(EventConflictResolved) != 1 {
		t.Errorf("events = %v", h.kinds())
	}

	conflicts, err := h.store.ListConflicts(ctx, schema.ConflictResolved)
	if err != nil {
		t.Fatalf("ListConflicts() failed: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].Resolution.Decision != schema.DecisionKeepRemote {
		t.Errorf("resolved conflicts = %+v", conflicts)
	}
	if state, _ := h.origin.Get("card", "c1"); string(state.Payload) != `{"title":"theirs"}` {
		t.Errorf("origin payload = %s, want theirs", state.Payload)
	}
}

func TestSyncPendingOperations_ConflictKeepLocal(t *testing.T) {
	h := setupHarness(t, schema.StrategyLastWriteWins)
	h.origin.Put("card", "c1", schema.Payload(`{"title":"base"}`), h.clock.Now().Add(-time.Hour))
	h.origin.Put("card", "c1", schema.Payload(`{"title":"theirs"}`), h.clock.Now().Add(-time.Minute))
	h.enqueue(t, update("op1", "c1", `{"title":"mine"}`, 1, h.clock.Now()))

	h.sync(t)
	op, err := h.queue.Get("op1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if op.Status != schema.StatusPending || op.BaseVersion != 2 {
		t.Fatalf("op = %s base=%d, want pending rebased onto 2", op.Status, op.BaseVersion)
	}

	res := h.sync(t)
	if res.Succeeded != 1 {
		t.Errorf("rebased write result = %+v, want success", res)
	}
	if state, _ := h.origin.Get("card", "c1"); state.Version != 3 || string(state.Payload) != `{"title":"mine"}` {
		t.Errorf("origin = v%d %s, want v3 mine", state.Version, state.Payload)
	}
}

func TestSyncPendingOperations_CreateKeepLocalBecomesUpdate(t *testing.T) {
	h := setupHarness(t, schema.StrategyLastWriteWins)
	ctx := context.Background()
	h.origin.Put("card", "x", schema.Payload(`{"title":"Remote"}`), h.clock.Now().Add(-time.Hour))
	h.enqueue(t, create("op1", "x", `{"title":"mine"}`))

	res := h.sync(t)
	if res.Conflicts != 1 || res.Resolved != 1 {
		t.Fatalf("first cycle = %+v, want one conflict resolved", res)
	}
	stored, err := h.store.Get(ctx, "op1")
	if err != nil {
		t.Fatalf("store.Get() failed: %v", err)
	}
	if stored.Kind != schema.KindUpdate || stored.BaseVersion != 1 {
		t.Fatalf("stored op = %s base=%d, want update rebased onto 1", stored.Kind, stored.BaseVersion)
	}

	res = h.sync(t)
	if res.Succeeded != 1 || res.Transient != 0 {
		t.Errorf("rebased create result = %+v, want success", res)
	}
	if state, _ := h.origin.Get("card", "x"); state.Version != 2 || string(state.Payload) != `{"title":"mine"}` {
		t.Errorf("origin = v%d %s, want v2 mine", state.Version, state.Payload)
	}
}

func TestSyncPendingOperations_FieldMergeUsesSnapshotBase(t *testing.T) {
	h := setupHarness(t, schema.StrategyFieldMerge)
	ctx := context.Background()
	base := `{"title":"draft","owner":"al"}`
	h.origin.Put("card", "c1", schema.Payload(base), h.clock.Now())
	h.origin.Put("card", "c1", schema.Payload(`{"title":"draft","owner":"bo"}`), h.clock.Now())
	if err := h.store.PutSnapshot(ctx, store.Snapshot{EntityType: "card", EntityID: "c1", Version: 1, Payload: schema.Payload(base)}); err != nil {
		t.Fatalf("PutSnapshot() failed: %v", err)
	}
	h.enqueue(t, update("op1", "c1", `{"title":"final","owner":"al"}`, 1, h.clock.Now()))

	h.sync(t)
	op, err := h.queue.Get("op1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if string(op.Payload) != `{"owner":"bo","title":"final"}` {
		t.Errorf("merged payload = %s", op.Payload)
	}
}

func TestSyncPendingOperations_ManualParks(t *testing.T) {
	h := setupHarness(t, schema.StrategyManual)
	ctx := context.Background()
	h.origin.Put("card", "c1", schema.Payload(`{}`), h.clock.Now())
	h.origin.Put("card", "c1", schema.Payload(`{"title":"theirs"}`), h.clock.Now())
	h.enqueue(t, update("op1", "c1", `{"title":"mine"}`, 1, h.clock.Now()))
	h.enqueue(t, create("op2", "c2", `{}`))

	res := h.sync(t)
	if res.Deferred != 1 || res.Succeeded != 1 {
		t.Errorf("result = %+v, want one deferred and one ok", res)
	}
	op, _ := h.queue.Get("op1")
	if !op.AwaitingResolution() || op.Status != schema.StatusPending {
		t.Fatalf("op = %+v, want parked", op)
	}

	res = h.sync(t)
	if res.Attempted != 0 {
		t.Errorf("parked operation was dequeued")
	}

	c, err := h.store.GetConflict(ctx, op.ConflictID)
	if err != nil {
		t.Fatalf("GetConflict() failed: %v", err)
	}
	resolution, err := h.resolver.ResolveManual(ctx, c, schema.ManualResolution{Choice: schema.ChoiceLocal})
	if err != nil {
		t.Fatalf("ResolveManual() failed: %v", err)
	}
	if err := h.engine.Apply(ctx, c, resolution); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	op, _ = h.queue.Get("op1")
	if op.AwaitingResolution() || op.BaseVersion != 2 {
		t.Errorf("op after manual resolution = %+v", op)
	}
	if res := h.sync(t); res.Succeeded != 1 {
		t.Errorf("resolved write result = %+v, want success", res)
	}
}

func TestSyncPendingOperations_CancelInFlight(t *testing.T) {
	h := setupHarness(t, schema.StrategyLastWriteWins)
	h.origin.SetInterceptor(func(item remote.Item) *remote.Result {
		deferred, err := h.queue.Cancel(context.Background(), item.ID)
		if err != nil || !deferred {
			t.Errorf("Cancel() = %v, %v; want deferred", deferred, err)
		}
		return nil
	})
	h.enqueue(t, create("op1", "c1", `{}`))

	res := h.sync(t)
	if res.Discarded != 1 || res.Succeeded != 0 {
		t.Errorf("result = %+v, want discarded", res)
	}
	op, err := h.queue.Get("op1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if op.Status != schema.StatusFailed || op.Error != schema.CancelledReason {
		t.Errorf("op = %s %q, want failed cancelled", op.Status, op.Error)
	}
}

func TestSyncPendingOperations_SingleFlight(t *testing.T) {
	h := setupHarness(t, schema.StrategyLastWriteWins)
	entered := make(chan struct{})
	release := make(chan struct{})
	h.origin.SetBatchError(func(*remote.BatchRequest) error {
		close(entered)
		<-release
		return nil
	})
	h.enqueue(t, create("op1", "c1", `{}`))

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.SyncPendingOperations(context.Background())
		done <- err
	}()
	<-entered

	if !h.engine.IsSyncing() {
		t.Error("IsSyncing() = false during a cycle")
	}
	if _, err := h.engine.SyncPendingOperations(context.Background()); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("concurrent sync error = %v, want ErrSyncInProgress", err)
	}
	if _, err := h.engine.SyncAll(context.Background()); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("concurrent SyncAll error = %v, want ErrSyncInProgress", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	if h.engine.IsSyncing() {
		t.Error("IsSyncing() = true after the cycle")
	}
	if h.count(EventSyncStart) != 1 || h.count(EventSyncComplete) != 1 {
		t.Errorf("events = %v, want one start and one complete", h.kinds())
	}
}

func TestSyncAll(t *testing.T) {
	h := setupHarness(t, schema.StrategyLastWriteWins)
	ctx := context.Background()
	h.engine.SetBatchSize(2)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		h.enqueue(t, create("op-"+id, id, `{}`))
	}
	h.origin.Put("note", "n1", schema.Payload(`{"text":"from elsewhere"}`), h.clock.Now())

	res, err := h.engine.SyncAll(ctx)
	if err != nil {
		t.Fatalf("SyncAll() failed: %v", err)
	}
	if res.Succeeded != 5 || res.Cycles != 3 {
		t.Errorf("result = %+v, want 5 ok over 3 cycles", res)
	}
	if res.Pulled != 6 {
		t.Errorf("Pulled = %d, want 6", res.Pulled)
	}
	if _, err := h.store.GetSnapshot(ctx, "note", "n1", -1); err != nil {
		t.Errorf("pulled entity has no snapshot: %v", err)
	}
	cursor, ok, err := h.store.GetKV(ctx, store.KeyPullCursor)
	if err != nil || !ok || cursor == "" {
		t.Errorf("pull cursor = %q, %v, %v", cursor, ok, err)
	}

	res, err = h.engine.SyncAll(ctx)
	if err != nil {
		t.Fatalf("second SyncAll() failed: %v", err)
	}
	if res.Pulled != 0 || res.Attempted != 0 {
		t.Errorf("second SyncAll() = %+v, want no work", res)
	}
}

func TestNewWithConfig_Validation(t *testing.T) {
	h := setupHarness(t, schema.StrategyLastWriteWins)
	if _, err := NewWithConfig(nil, h.origin, h.resolver, h.store, nil); err == nil {
		t.Error("NewWithConfig() without a queue succeeded")
	}
	config := DefaultConfig()
	config.BatchSize = 0
	if _, err := NewWithConfig(h.queue, h.origin, h.resolver, h.store, config); err == nil {
		t.Error("NewWithConfig() with zero batch size succeeded")
	}
}

type originFunc func(ctx context.Context, req *remote.BatchRequest) (*remote.BatchResponse, error)

func (f originFunc) SyncBatch(ctx context.Context, req *remote.BatchRequest) (*remote.BatchResponse, error) {
	return f(ctx, req)
}

func (f originFunc) Pull(ctx context.Context, cursor string, limit int) (*remote.PullResponse, error) {
	return &remote.PullResponse{Cursor: cursor}, nil
}
