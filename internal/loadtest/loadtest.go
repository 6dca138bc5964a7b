// Package loadtest stresses the offline manager with concurrent enqueuers
// while sync cycles run against an in-memory origin.
//
// Every run checks delivery: each enqueued operation must reach the origin
// exactly once. Lost and duplicated operation ids are reported along with
// enqueue and delivery latency percentiles.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/offsync/internal/config"
	"github.com/steveyegge/offsync/internal/engine"
	"github.com/steveyegge/offsync/internal/events"
	"github.com/steveyegge/offsync/internal/monitor"
	"github.com/steveyegge/offsync/internal/offline"
	"github.com/steveyegge/offsync/internal/remote"
	"github.com/steveyegge/offsync/internal/schema"
)

// Options configures a run.
type Options struct {
	// DataDir holds the throwaway store. Required.
	DataDir string

	// Enqueuers is the number of concurrent producers.
	Enqueuers int

	// OpsPerEnqueuer is how many operations each producer enqueues.
	OpsPerEnqueuer int

	// Syncers is the number of goroutines calling ManualSync in a loop, on
	// top of the background sync loop.
	Syncers int

	// BatchSize is the sync batch size.
	BatchSize int

	// TransientRate is the share of first deliveries the origin answers
	// with a transient error.
	TransientRate float64

	// Drain bounds the wait for the queue to empty after the producers finish.
	Drain time.Duration

	// Seed makes injected failures reproducible.
	Seed int64

	// Logger receives component logs (nil = discarded).
	Logger *log.Logger
}

// DefaultOptions returns a small, quick run.
func DefaultOptions(dataDir string) Options {
	return Options{
		DataDir:        dataDir,
		Enqueuers:      8,
		OpsPerEnqueuer: 50,
		Syncers:        2,
		BatchSize:      25,
		TransientRate:  0.1,
		Drain:          30 * time.Second,
		Seed:           42,
	}
}

// LatencyStats summarizes a set of durations.
type LatencyStats struct {
	Min     time.Duration `json:"min"`
	Max     time.Duration `json:"max"`
	Mean    time.Duration `json:"mean"`
	P50     time.Duration `json:"p50"`
	P95     time.Duration `json:"p95"`
	P99     time.Duration `json:"p99"`
	Samples int           `json:"samples"`
}

// Report is the outcome of a run.
type Report struct {
	Operations int           `json:"operations"`
	Delivered  int           `json:"delivered"`
	Lost       []string      `json:"lost,omitempty"`
	Duplicated []string      `json:"duplicated,omitempty"`
	Injected   int           `json:"injected_transients"`
	Busy       int           `json:"busy_syncs"` // ManualSync calls refused by a running cycle
	Cycles     int64         `json:"sync_cycles"`
	Elapsed    time.Duration `json:"elapsed"`
	Enqueue    LatencyStats  `json:"enqueue_latency"`
	Delivery   LatencyStats  `json:"delivery_latency"`
}

// OK reports whether every operation was delivered exactly once.
func (r *Report) OK() bool {
	return len(r.Lost) == 0 && len(r.Duplicated) == 0 && r.Delivered == r.Operations
}

// recorder tracks enqueue times, deliveries and completions.
type recorder struct {
	mu        sync.Mutex
	rng       *rand.Rand
	rate      float64
	enqueued  map[string]time.Time
	seen      map[string]bool
	applied   map[string]int
	injected  int
	delivery  []time.Duration
	enqueue   []time.Duration
	completed map[string]bool
}

// intercept runs under the origin's lock for every item.
func (r *recorder) intercept(item remote.Item) *remote.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.seen[item.ID] {
		r.seen[item.ID] = true
		if r.rng.Float64() < r.rate {
			r.injected++
			return &remote.Result{Status: remote.StatusTransient, Reason: "injected", RetryAfterMs: 1}
		}
	}
	r.applied[item.ID]++
	return nil
}

func (r *recorder) onCompleted(e events.Event) {
	if e.Operation == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if start, ok := r.enqueued[e.Operation.ID]; ok && !r.completed[e.Operation.ID] {
		r.completed[e.Operation.ID] = true
		r.delivery = append(r.delivery, time.Since(start))
	}
}

// Run performs one load test.
func Run(ctx context.Context, opts Options) (*Report, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if opts.Enqueuers <= 0 || opts.OpsPerEnqueuer <= 0 {
		return nil, fmt.Errorf("enqueuers and ops per enqueuer must be positive")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 25
	}
	if opts.Drain <= 0 {
		opts.Drain = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}

	s := config.DefaultSettings()
	s.Store.DataDir = opts.DataDir
	s.Store.Path = "loadtest.db"
	s.Engine.SyncBatchSize = opts.BatchSize
	s.Engine.SyncInterval = 10 * time.Millisecond
	s.Engine.RetryDelay = 2 * time.Millisecond
	s.Engine.MaxRetryDelay = 20 * time.Millisecond
	s.Engine.MaxRetries = 10
	s.Engine.EnableHealthChecks = false
	s.Engine.MaxStorageSize = 0

	rec := &recorder{
		rng:       rand.New(rand.NewSource(opts.Seed)),
		rate:      opts.TransientRate,
		enqueued:  make(map[string]time.Time),
		seen:      make(map[string]bool),
		applied:   make(map[string]int),
		completed: make(map[string]bool),
	}
	origin := remote.NewMemoryOrigin()
	origin.SetInterceptor(rec.intercept)
	mon := monitor.NewManual()

	m, err := offline.Open(ctx, s, origin, mon, opts.Logger)
	if err != nil {
		return nil, err
	}
	defer m.Destroy()
	m.Events().Subscribe(events.OperationCompleted, rec.onCompleted)
	if err := m.Start(ctx); err != nil {
		return nil, err
	}
	mon.SetOnline(true)

	started := time.Now()
	report := &Report{Operations: opts.Enqueuers * opts.OpsPerEnqueuer}

	stop := make(chan struct{})
	var busy int
	var busyMu sync.Mutex
	syncers, sctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.Syncers; i++ {
		syncers.Go(func() error {
			for {
				select {
				case <-stop:
					return nil
				case <-sctx.Done():
					return sctx.Err()
				default:
				}
				_, err := m.ManualSync(sctx)
				switch {
				case errors.Is(err, engine.ErrSyncInProgress):
					busyMu.Lock()
					busy++
					busyMu.Unlock()
					time.Sleep(time.Millisecond)
				case err != nil && sctx.Err() == nil:
					// A failed cycle is retried by the next call.
					time.Sleep(time.Millisecond)
				}
			}
		})
	}

	producers, pctx := errgroup.WithContext(ctx)
	for p := 0; p < opts.Enqueuers; p++ {
		producers.Go(func() error {
			for j := 0; j < opts.OpsPerEnqueuer; j++ {
				op := &schema.Operation{
					ID:         schema.NewID(),
					Kind:       schema.KindCreate,
					EntityType: "load",
					EntityID:   fmt.Sprintf("p%d-%d", p, j),
					Payload:    schema.Payload(fmt.Sprintf(`{"producer":%d,"seq":%d}`, p, j)),
					Priority:   schema.Priority(j % 4),
				}
				begin := time.Now()
				rec.mu.Lock()
				rec.enqueued[op.ID] = begin
				rec.mu.Unlock()

				if err := m.Enqueue(pctx, op); err != nil {
					return fmt.Errorf("producer %d: enqueue %d failed: %w", p, j, err)
				}
				elapsed := time.Since(begin)
				rec.mu.Lock()
				rec.enqueue = append(rec.enqueue, elapsed)
				rec.mu.Unlock()
			}
			return nil
		})
	}
	perr := producers.Wait()

	if perr == nil {
		perr = drain(ctx, m, opts.Drain)
	}
	close(stop)
	if err := syncers.Wait(); err != nil && perr == nil && !errors.Is(err, context.Canceled) {
		perr = err
	}
	if perr != nil {
		return nil, perr
	}

	report.Elapsed = time.Since(started)
	report.Busy = busy
	report.Cycles = m.GetStats(ctx).SyncCycles

	rec.mu.Lock()
	defer rec.mu.Unlock()
	report.Injected = rec.injected
	for id := range rec.enqueued {
		switch n := rec.applied[id]; {
		case n == 0:
			report.Lost = append(report.Lost, id)
		case n > 1:
			report.Duplicated = append(report.Duplicated, id)
			report.Delivered++
		default:
			report.Delivered++
		}
	}
	sort.Strings(report.Lost)
	sort.Strings(report.Duplicated)
	report.Enqueue = computeLatencyStats(rec.enqueue)
	report.Delivery = computeLatencyStats(rec.delivery)
	return report, nil
}

// drain waits for the queue to empty.
func drain(ctx context.Context, m *offline.Manager, limit time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		stats := m.GetStats(ctx)
		if stats.PendingOperations == 0 {
			if stats.RetainedFailures > 0 {
				return fmt.Errorf("%d operations failed during the run", stats.RetainedFailures)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("queue did not drain within %v (%d operations left)", limit, stats.PendingOperations)
		case <-ticker.C:
		}
	}
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	return LatencyStats{
		Min:     sorted[0],
		Max:     sorted[len(sorted)-1],
		Mean:    sum / time.Duration(len(sorted)),
		P50:     sorted[len(sorted)*50/100],
		P95:     sorted[len(sorted)*95/100],
		P99:     sorted[len(sorted)*99/100],
		Samples: len(sorted),
	}
}

// Print writes a human-readable report to w.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "Operations:  %d enqueued, %d delivered in %v\n", r.Operations, r.Delivered, r.Elapsed)
	fmt.Fprintf(w, "Lost:        %d\n", len(r.Lost))
	fmt.Fprintf(w, "Duplicated:  %d\n", len(r.Duplicated))
	fmt.Fprintf(w, "Transients:  %d injected\n", r.Injected)
	fmt.Fprintf(w, "Sync cycles: %d (%d manual syncs refused while busy)\n", r.Cycles, r.Busy)
	r.Enqueue.print(w, "Enqueue latency")
	r.Delivery.print(w, "Delivery latency")
}

func (s LatencyStats) print(w io.Writer, title string) {
	fmt.Fprintf(w, "%s (%d samples):\n", title, s.Samples)
	fmt.Fprintf(w, "  Min:  %v\n", s.Min)
	fmt.Fprintf(w, "  P50:  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean: %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:  %v\n", s.P95)
	fmt.Fprintf(w, "  P99:  %v\n", s.P99)
	fmt.Fprintf(w, "  Max:  %v\n", s.Max)
}
