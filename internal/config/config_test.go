package config

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/steveyegge/offsync/internal/schema"
	"github.com/steveyegge/offsync/internal/store"
)

func ptr[T any](v T) *T {
	return &v
}

func TestDefault_Valid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() failed: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero sync interval", func(c *Config) { c.SyncInterval = 0 }},
		{"negative retry delay", func(c *Config) { c.RetryDelay = -time.Second }},
		{"max delay below base", func(c *Config) { c.MaxRetryDelay = c.RetryDelay / 2 }},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }},
		{"zero batch", func(c *Config) { c.SyncBatchSize = 0 }},
		{"negative storage", func(c *Config) { c.MaxStorageSize = -1 }},
		{"negative retention", func(c *Config) { c.FailedRetention = -time.Hour }},
		{"battery over 100", func(c *Config) { c.BatteryCriticalLevel = 101 }},
		{"ratios inverted", func(c *Config) { c.StorageLowRatio, c.StorageCriticalRatio = 0.9, 0.5 }},
		{"empty priority type", func(c *Config) { c.PrioritySync = []string{""} }},
		{"unknown default strategy", func(c *Config) { c.DefaultConflictStrategy = "coin_flip" }},
		{"unknown entity strategy", func(c *Config) {
			c.ConflictStrategies = map[string]schema.Strategy{"card": "wasm:"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			if err := c.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestApply(t *testing.T) {
	base := Default()
	got, err := base.Apply(Partial{
		SyncInterval: ptr(time.Minute),
		PrioritySync: ptr([]string{"invoice"}),
		ConflictStrategies: ptr(map[string]schema.Strategy{
			"note": schema.StrategyFieldMerge,
		}),
	})
	if err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	if got.SyncInterval != time.Minute || got.PrioritySync[0] != "invoice" || got.ConflictStrategies["note"] != schema.StrategyFieldMerge {
		t.Errorf("Apply() = %+v", got)
	}
	if base.SyncInterval != 30*time.Second || base.PrioritySync != nil {
		t.Errorf("Apply() modified the receiver: %+v", base)
	}
}

func TestApply_RejectsAndKeepsPrior(t *testing.T) {
	base := Default()
	if _, err := base.Apply(Partial{MaxRetries: ptr(-2)}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Apply() = %v, want ErrInvalid", err)
	}
	if base.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d after rejected Apply, want 3", base.MaxRetries)
	}
}

func TestPartial_MergeAndDiff(t *testing.T) {
	a := Partial{SyncInterval: ptr(time.Minute), MaxRetries: ptr(5)}
	b := Partial{MaxRetries: ptr(7), EnableHealthChecks: ptr(false)}
	m := a.Merge(b)
	if *m.SyncInterval != time.Minute || *m.MaxRetries != 7 || *m.EnableHealthChecks {
		t.Errorf("Merge() = %+v", m)
	}
	if *a.MaxRetries != 5 {
		t.Error("Merge() modified its receiver")
	}

	c, err := Default().Apply(m)
	if err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	d := c.Diff(Default())
	if d.SyncInterval == nil || d.MaxRetries == nil || d.EnableHealthChecks == nil {
		t.Errorf("Diff() = %+v, want the three merged fields", d)
	}
	if d.RetryDelay != nil || d.PrioritySync != nil {
		t.Errorf("Diff() reports unchanged fields: %+v", d)
	}
	if !Default().Diff(Default()).IsEmpty() {
		t.Error("Diff() of equal configs is not empty")
	}
}

func TestTemplateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsync.toml")
	want := DefaultSettings()
	want.Engine.SyncBatchSize = 25
	want.Engine.PrioritySync = []string{"invoice", "order"}
	want.Engine.ConflictStrategies = map[string]schema.Strategy{"note": schema.StrategyFieldMerge}
	want.Origin.URL = "http://origin.test:9000"
	want.Log.File = "/var/log/offsync.log"

	if err := WriteTemplate(path, want, false); err != nil {
		t.Fatalf("WriteTemplate() failed: %v", err)
	}
	if err := WriteTemplate(path, want, false); err == nil {
		t.Error("WriteTemplate() replaced an existing file without force")
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if got.Engine.SyncBatchSize != 25 {
		t.Errorf("SyncBatchSize = %d, want 25", got.Engine.SyncBatchSize)
	}
	if got.Engine.SyncInterval != want.Engine.SyncInterval || got.Engine.FailedRetention != want.Engine.FailedRetention {
		t.Errorf("durations = %v, %v; want %v, %v", got.Engine.SyncInterval, got.Engine.FailedRetention,
			want.Engine.SyncInterval, want.Engine.FailedRetention)
	}
	if len(got.Engine.PrioritySync) != 2 || got.Engine.PrioritySync[1] != "order" {
		t.Errorf("PrioritySync = %v", got.Engine.PrioritySync)
	}
	if got.Engine.ConflictStrategies["note"] != schema.StrategyFieldMerge {
		t.Errorf("ConflictStrategies = %v", got.Engine.ConflictStrategies)
	}
	if got.Origin.URL != want.Origin.URL || got.Log.File != want.Log.File {
		t.Errorf("Origin.URL = %q, Log.File = %q", got.Origin.URL, got.Log.File)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	got, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if got.Engine.SyncInterval != Default().SyncInterval || got.Store.Path != "offsync.db" {
		t.Errorf("Load() = %+v, want defaults", got)
	}
}

func TestLoad_YAMLAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsync.yaml")
	yaml := "engine:\n  max_retries: 9\n  sync_interval: 2m\norigin:\n  url: http://from-file\n"
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("OFFSYNC_ORIGIN_URL", "http://from-env")
	t.Setenv("OFFSYNC_ENGINE_SYNC_BATCH_SIZE", "7")

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if got.Engine.MaxRetries != 9 || got.Engine.SyncInterval != 2*time.Minute {
		t.Errorf("file values = %d, %v", got.Engine.MaxRetries, got.Engine.SyncInterval)
	}
	if got.Origin.URL != "http://from-env" {
		t.Errorf("Origin.URL = %q, want env override", got.Origin.URL)
	}
	if got.Engine.SyncBatchSize != 7 {
		t.Errorf("SyncBatchSize = %d, want env override 7", got.Engine.SyncBatchSize)
	}
}

func TestLoad_InvalidValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsync.toml")
	if err := os.WriteFile(path, []byte("[engine]\nmax_retries = -1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); !errors.Is(err, ErrInvalid) {
		t.Errorf("Load() = %v, want ErrInvalid", err)
	}
}

func TestStoreSettings_DBPath(t *testing.T) {
	tests := []struct {
		s    StoreSettings
		want string
	}{
		{StoreSettings{Path: "a.db", DataDir: "/data"}, "/data/a.db"},
		{StoreSettings{Path: "/abs/b.db", DataDir: "/data"}, "/abs/b.db"},
	}
	for _, tt := range tests {
		if got := tt.s.DBPath(); got != tt.want {
			t.Errorf("DBPath() = %q, want %q", got, tt.want)
		}
	}
}

func TestWatcher(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsync.toml")
	if err := WriteTemplate(path, nil, false); err != nil {
		t.Fatalf("WriteTemplate() failed: %v", err)
	}

	w, err := NewWatcher(path, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	w.SetDebounce(20 * time.Millisecond)
	changes := make(chan *Settings, 4)
	if err := w.Start(func(s *Settings) { changes <- s }); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer w.Stop()

	// An invalid file is skipped.
	if err := os.WriteFile(path, []byte("[engine]\nsync_batch_size = 0\n"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("[engine]\nsync_batch_size = 11\n"), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-changes:
			if s.Engine.SyncBatchSize == 11 {
				return
			}
			t.Fatalf("reloaded settings with batch size %d, want 11", s.Engine.SyncBatchSize)
		case <-deadline:
			t.Fatal("no reload after the config changed")
		}
	}
}

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "config.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestClientID(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	first, err := ClientID(ctx, s, "")
	if err != nil {
		t.Fatalf("ClientID() failed: %v", err)
	}
	second, err := ClientID(ctx, s, "")
	if err != nil {
		t.Fatalf("ClientID() failed: %v", err)
	}
	if first == "" || first != second {
		t.Errorf("ClientID() = %q then %q, want a stable id", first, second)
	}
	if got, _ := ClientID(ctx, s, "fixed"); got != "fixed" {
		t.Errorf("ClientID() with override = %q", got)
	}
}

func TestOverrides(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	p, err := LoadOverrides(ctx, s)
	if err != nil {
		t.Fatalf("LoadOverrides() failed: %v", err)
	}
	if !p.IsEmpty() {
		t.Errorf("LoadOverrides() on a fresh store = %+v", p)
	}

	want := Partial{SyncInterval: ptr(45 * time.Second), PrioritySync: ptr([]string{"card"})}
	if err := SaveOverrides(ctx, s, want); err != nil {
		t.Fatalf("SaveOverrides() failed: %v", err)
	}
	got, err := LoadOverrides(ctx, s)
	if err != nil {
		t.Fatalf("LoadOverrides() failed: %v", err)
	}
	if got.SyncInterval == nil || *got.SyncInterval != 45*time.Second || (*got.PrioritySync)[0] != "card" {
		t.Errorf("LoadOverrides() = %+v", got)
	}
}
