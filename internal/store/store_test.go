package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/steveyegge/offsync/internal/schema"
)

// setupTestStore opens a store in a temporary directory.
func setupTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "offsync.db"), opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newOp(id string, priority schema.Priority, created time.Time, deps ...string) *schema.Operation {
	return &schema.Operation{
		ID:           id,
		Kind:         schema.KindUpdate,
		EntityType:   "card",
		EntityID:     "card-" + id,
		Payload:      schema.Payload(`{"title":"` + id + `"}`),
		Priority:     priority,
		Dependencies: deps,
		Status:       schema.StatusPending,
		MaxRetries:   3,
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

func TestOpen_CreatesTables(t *testing.T) {
	s := setupTestStore(t)

	tables := []string{"operations", "operation_deps", "completed_operations", "entity_snapshots", "conflicts", "kv"}
	for _, table := range tables {
		var count int
		err := s.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}
}

func TestAppend_SurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsync.db")
	ctx := context.Background()
	now := time.Date(2026, 10, 14, 9, 0, 0, 123, time.UTC)

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := s.Append(ctx, newOp("a", schema.PriorityHigh, now)); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	if err := s.Append(ctx, newOp("b", schema.PriorityLow, now.Add(time.Second), "a")); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	ops, err := s.LoadPending(ctx)
	if err != nil {
		t.Fatalf("LoadPending() failed: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("LoadPending() returned %d operations, want 2", len(ops))
	}
	if ops[0].ID != "a" || ops[1].ID != "b" {
		t.Errorf("order = %s,%s, want a,b", ops[0].ID, ops[1].ID)
	}
	if !ops[0].CreatedAt.Equal(now) {
		t.Errorf("created_at = %v, want %v", ops[0].CreatedAt, now)
	}
	if len(ops[1].Dependencies) != 1 || ops[1].Dependencies[0] != "a" {
		t.Errorf("dependencies = %v, want [a]", ops[1].Dependencies)
	}
	if string(ops[0].Payload) != `{"title":"a"}` {
		t.Errorf("payload = %s", ops[0].Payload)
	}
}

func TestAppend_RejectsReusedID(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.Append(ctx, newOp("a", schema.PriorityLow, now)); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	if err := s.Append(ctx, newOp("a", schema.PriorityLow, now)); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("second Append() error = %v, want ErrDuplicateID", err)
	}

	if err := s.MarkCompleted(ctx, "a", "", now); err != nil {
		t.Fatalf("MarkCompleted() failed: %v", err)
	}
	if err := s.Append(ctx, newOp("a", schema.PriorityLow, now)); !errors.Is(err, ErrDuplicateID) {
		t.Errorf("Append() after completion error = %v, want ErrDuplicateID", err)
	}
}

func TestAppend_InvalidOperation(t *testing.T) {
	s := setupTestStore(t)
	op := newOp("a", schema.PriorityLow, time.Now())
	op.Payload = schema.Payload("not json")

	if err := s.Append(context.Background(), op); err == nil {
		t.Fatal("Append() succeeded with invalid payload")
	}
	ops, _ := s.LoadPending(context.Background())
	if len(ops) != 0 {
		t.Errorf("invalid append left %d rows", len(ops))
	}
}

func TestAppend_QuotaExceeded(t *testing.T) {
	s := setupTestStore(t, WithMaxSize(1024))
	err := s.Append(context.Background(), newOp("a", schema.PriorityLow, time.Now()))
	if !errors.Is(err, ErrStorageFull) {
		t.Fatalf("Append() error = %v, want ErrStorageFull", err)
	}
	if !IsStorageError(err) {
		t.Errorf("Append() error %T is not a *StorageError", err)
	}

	var count int
	if err := s.conn.QueryRow(`SELECT COUNT(*) FROM operations`).Scan(&count); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("operations = %d after rejected append, want 0", count)
	}
}

func TestUpdate(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	if err := s.Append(ctx, newOp("a", schema.PriorityLow, now)); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}

	status := schema.StatusRetrying
	retry := 1
	reason := "timeout"
	next := now.Add(time.Minute)
	if err := s.Update(ctx, "a", Patch{Status: &status, RetryCount: &retry, Error: &reason, NextAttemptAt: &next}); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	op, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if op.Status != schema.StatusRetrying || op.RetryCount != 1 || op.Error != "timeout" {
		t.Errorf("got status=%s retry=%d error=%q", op.Status, op.RetryCount, op.Error)
	}
	if op.NextAttemptAt == nil || !op.NextAttemptAt.Equal(next) {
		t.Errorf("next_attempt_at = %v, want %v", op.NextAttemptAt, next)
	}

	clear := time.Time{}
	if err := s.Update(ctx, "a", Patch{NextAttemptAt: &clear}); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	op, _ = s.Get(ctx, "a")
	if op.NextAttemptAt != nil {
		t.Errorf("next_attempt_at = %v, want cleared", op.NextAttemptAt)
	}
}

func TestUpdate_NotFound(t *testing.T) {
	s := setupTestStore(t)
	status := schema.StatusFailed
	err := s.Update(context.Background(), "missing", Patch{Status: &status})
	if !IsNotFound(err) {
		t.Errorf("Update() error = %v, want ErrNotFound", err)
	}
}

func TestUpdate_RejectsInvalidResult(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	if err := s.Append(ctx, newOp("a", schema.PriorityLow, time.Now())); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	retry := 10
	if err := s.Update(ctx, "a", Patch{RetryCount: &retry}); err == nil {
		t.Fatal("Update() accepted retry_count above max_retries")
	}
	op, _ := s.Get(ctx, "a")
	if op.RetryCount != 0 {
		t.Errorf("retry_count = %d after rejected update, want 0", op.RetryCount)
	}
}

func TestRemove_Idempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	if err := s.Append(ctx, newOp("a", schema.PriorityLow, time.Now())); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	if err := s.Remove(ctx, "a"); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	if err := s.Remove(ctx, "a"); err != nil {
		t.Errorf("second Remove() failed: %v", err)
	}
	if _, err := s.Get(ctx, "a"); !IsNotFound(err) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestMarkCompleted_Tombstone(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	if err := s.Append(ctx, newOp("a", schema.PriorityLow, now)); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	if err := s.Append(ctx, newOp("b", schema.PriorityLow, now, "a")); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	if err := s.MarkCompleted(ctx, "a", "", now); err != nil {
		t.Fatalf("MarkCompleted() failed: %v", err)
	}

	done, err := s.CompletedAmong(ctx, []string{"a", "b", "zzz"})
	if err != nil {
		t.Fatalf("CompletedAmong() failed: %v", err)
	}
	if !done["a"] || done["b"] || done["zzz"] {
		t.Errorf("CompletedAmong() = %v, want only a", done)
	}

	// b still depends on a, so the tombstone stays.
	n, err := s.PruneCompleted(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("PruneCompleted() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("PruneCompleted() removed %d, want 0 while referenced", n)
	}

	if err := s.MarkCompleted(ctx, "b", "", now); err != nil {
		t.Fatalf("MarkCompleted() failed: %v", err)
	}
	n, err = s.PruneCompleted(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("PruneCompleted() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("PruneCompleted() removed %d, want 2", n)
	}
}

func TestMarkCompleted_NotFound(t *testing.T) {
	s := setupTestStore(t)
	if err := s.MarkCompleted(context.Background(), "nope", "", time.Now()); !IsNotFound(err) {
		t.Errorf("MarkCompleted() error = %v, want ErrNotFound", err)
	}
}

func TestGetStorageInfo(t *testing.T) {
	s := setupTestStore(t, WithMaxSize(10<<20))
	info, err := s.GetStorageInfo(context.Background())
	if err != nil {
		t.Fatalf("GetStorageInfo() failed: %v", err)
	}
	if info.Used <= 0 {
		t.Errorf("used = %d, want > 0", info.Used)
	}
	if info.Available < 0 || info.Available > 10<<20-info.Used {
		t.Errorf("available = %d, want within quota remainder %d", info.Available, 10<<20-info.Used)
	}
	if info.Quota != 10<<20 {
		t.Errorf("quota = %d", info.Quota)
	}
}

func TestSetMaxSize_Concurrent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 1; i <= 50; i++ {
			s.SetMaxSize(int64(i) << 20)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			if _, err := s.GetStorageInfo(ctx); err != nil {
				t.Errorf("GetStorageInfo() failed: %v", err)
				return
			}
		}
	}()
	wg.Wait()

	if got := s.MaxSize(); got != 50<<20 {
		t.Errorf("MaxSize() = %d, want %d", got, 50<<20)
	}
}

func TestSnapshots(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for v := int64(1); v <= 4; v++ {
		snap := Snapshot{
			EntityType: "card",
			EntityID:   "c1",
			Version:    v,
			Payload:    schema.Payload(fmt.Sprintf(`{"v":%d}`, v)),
			UpdatedAt:  now,
		}
		if err := s.PutSnapshot(ctx, snap); err != nil {
			t.Fatalf("PutSnapshot(%d) failed: %v", v, err)
		}
	}

	latest, err := s.GetSnapshot(ctx, "card", "c1", -1)
	if err != nil {
		t.Fatalf("GetSnapshot() failed: %v", err)
	}
	if latest.Version != 4 {
		t.Errorf("latest version = %d, want 4", latest.Version)
	}

	at2, err := s.GetSnapshot(ctx, "card", "c1", 2)
	if err != nil {
		t.Fatalf("GetSnapshot(2) failed: %v", err)
	}
	if string(at2.Payload) != `{"v":2}` {
		t.Errorf("payload@2 = %s", at2.Payload)
	}

	n, err := s.PruneSnapshots(ctx, 2)
	if err != nil {
		t.Fatalf("PruneSnapshots() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("PruneSnapshots() removed %d, want 2", n)
	}
	if _, err := s.GetSnapshot(ctx, "card", "c1", 1); !IsNotFound(err) {
		t.Errorf("GetSnapshot(1) error = %v, want ErrNotFound", err)
	}
}

func TestConflicts(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	c := &schema.Conflict{
		ID:          "cf-1",
		OperationID: "op-1",
		EntityType:  "card",
		EntityID:    "c1",
		Strategy:    schema.StrategyManual,
		Status:      schema.ConflictOpen,
		DetectedAt:  now,
		Remote:      schema.RemoteState{Version: 2, Payload: schema.Payload(`{"a":1}`)},
	}
	if err := s.SaveConflict(ctx, c); err != nil {
		t.Fatalf("SaveConflict() failed: %v", err)
	}

	open, err := s.ListConflicts(ctx, schema.ConflictOpen)
	if err != nil {
		t.Fatalf("ListConflicts() failed: %v", err)
	}
	if len(open) != 1 || open[0].ID != "cf-1" {
		t.Fatalf("ListConflicts(open) = %v", open)
	}

	c.Status = schema.ConflictResolved
	if err := s.SaveConflict(ctx, c); err != nil {
		t.Fatalf("SaveConflict() failed: %v", err)
	}
	open, _ = s.ListConflicts(ctx, schema.ConflictOpen)
	if len(open) != 0 {
		t.Errorf("open conflicts = %d after resolve, want 0", len(open))
	}

	got, err := s.GetConflict(ctx, "cf-1")
	if err != nil {
		t.Fatalf("GetConflict() failed: %v", err)
	}
	if got.Remote.Version != 2 {
		t.Errorf("remote version = %d, want 2", got.Remote.Version)
	}

	n, err := s.DeleteResolvedConflicts(ctx)
	if err != nil {
		t.Fatalf("DeleteResolvedConflicts() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("DeleteResolvedConflicts() = %d, want 1", n)
	}
}

func TestKV(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.GetKV(ctx, KeyConfigOverrides); err != nil || ok {
		t.Fatalf("GetKV() on empty store = ok=%v err=%v", ok, err)
	}
	if err := s.SetKV(ctx, KeyConfigOverrides, `{"maxRetries":5}`); err != nil {
		t.Fatalf("SetKV() failed: %v", err)
	}
	if err := s.SetKV(ctx, KeyConfigOverrides, `{"maxRetries":7}`); err != nil {
		t.Fatalf("SetKV() overwrite failed: %v", err)
	}
	v, ok, err := s.GetKV(ctx, KeyConfigOverrides)
	if err != nil || !ok || v != `{"maxRetries":7}` {
		t.Errorf("GetKV() = %q, %v, %v", v, ok, err)
	}
	if err := s.DeleteKV(ctx, KeyConfigOverrides); err != nil {
		t.Fatalf("DeleteKV() failed: %v", err)
	}
	if _, ok, _ := s.GetKV(ctx, KeyConfigOverrides); ok {
		t.Error("key still present after DeleteKV()")
	}
}

func TestExportImportJSONL(t *testing.T) {
	src := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	if err := src.Append(ctx, newOp("a", schema.PriorityHigh, now)); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	if err := src.Append(ctx, newOp("b", schema.PriorityLow, now.Add(time.Millisecond), "a")); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}

	var buf bytes.Buffer
	n, err := src.ExportJSONL(ctx, &buf)
	if err != nil {
		t.Fatalf("ExportJSONL() failed: %v", err)
	}
	if n != 2 || strings.Count(buf.String(), "\n") != 2 {
		t.Fatalf("ExportJSONL() wrote %d ops:\n%s", n, buf.String())
	}

	dst := setupTestStore(t)
	exported := buf.String()
	res, err := dst.ImportJSONL(ctx, strings.NewReader(exported))
	if err != nil {
		t.Fatalf("ImportJSONL() failed: %v", err)
	}
	if res.Imported != 2 || res.Skipped != 0 || len(res.Errors) != 0 {
		t.Errorf("ImportJSONL() = %+v", res)
	}

	res, err = dst.ImportJSONL(ctx, strings.NewReader(exported))
	if err != nil {
		t.Fatalf("second ImportJSONL() failed: %v", err)
	}
	if res.Imported != 0 || res.Skipped != 2 {
		t.Errorf("second ImportJSONL() = %+v, want all skipped", res)
	}
}

func TestImportJSONL_UnknownDependency(t *testing.T) {
	s := setupTestStore(t)
	line := `{"id":"x","kind":"update","entity_type":"card","entity_id":"1","priority":"low","status":"pending","max_retries":1,"dependencies":["ghost"],"created_at":"2026-10-14T09:00:00Z"}`

	res, err := s.ImportJSONL(context.Background(), strings.NewReader(line+"\nnot json\n"))
	if err != nil {
		t.Fatalf("ImportJSONL() failed: %v", err)
	}
	if res.Imported != 0 || len(res.Errors) != 2 {
		t.Errorf("ImportJSONL() = %+v, want 2 errors", res)
	}
}

func TestClassify(t *testing.T) {
	full := classify("append", errors.New("sqlite3: database or disk is full"))
	if !errors.Is(full, ErrStorageFull) || !IsStorageError(full) {
		t.Errorf("classify(full) = %v", full)
	}
	corrupt := classify("append", errors.New("sqlite3: file is not a database"))
	if !errors.Is(corrupt, ErrCorrupt) {
		t.Errorf("classify(notadb) = %v", corrupt)
	}
	other := classify("append", errors.New("constraint failed"))
	if IsStorageError(other) || !strings.Contains(other.Error(), "failed to append") {
		t.Errorf("classify(other) = %v", other)
	}
}
