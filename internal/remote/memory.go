package remote

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/offsync/internal/schema"
)

// Interceptor may override the result for an item before the origin
// applies it. Returning nil lets the item through.
type Interceptor func(item Item) *Result

// MemoryOrigin is an in-memory origin. It backs `offsync origin serve` and
// acts as the remote in tests.
//
// Versions start at 1 on create and grow by one on every accepted write.
// A write whose BaseVersion differs from the current version conflicts.
type MemoryOrigin struct {
	mu        sync.Mutex
	entities  map[entityKey]*entity
	seq       int64
	intercept Interceptor
	batchErr  func(*BatchRequest) error
	batches   int
	now       func() time.Time
}

type entityKey struct {
	typ, id string
}

type entity struct {
	state schema.RemoteState
	seq   int64
}

var _ Origin = (*MemoryOrigin)(nil)

// NewMemoryOrigin creates an empty origin.
func NewMemoryOrigin() *MemoryOrigin {
	return &MemoryOrigin{
		entities: make(map[entityKey]*entity),
		now:      time.Now,
	}
}

// SetInterceptor installs fn as the item interceptor. nil removes it.
func (m *MemoryOrigin) SetInterceptor(fn Interceptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intercept = fn
}

// SetBatchError installs fn, which can fail whole batches. nil removes it.
func (m *MemoryOrigin) SetBatchError(fn func(*BatchRequest) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchErr = fn
}

// SetClock replaces the clock used to stamp writes.
func (m *MemoryOrigin) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Batches returns the number of batches received.
func (m *MemoryOrigin) Batches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches
}

// Len returns the number of live entities.
func (m *MemoryOrigin) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entities {
		if !e.state.Deleted {
			n++
		}
	}
	return n
}

// Get returns the current state of an entity.
func (m *MemoryOrigin) Get(entityType, entityID string) (schema.RemoteState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[entityKey{entityType, entityID}]
	if !ok {
		return schema.RemoteState{}, false
	}
	return cloneState(e.state), true
}

// Put writes an entity directly, as another replica would, and returns
// the new version.
func (m *MemoryOrigin) Put(entityType, entityID string, payload schema.Payload, updatedAt time.Time) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := entityKey{entityType, entityID}
	var version int64 = 1
	if e, ok := m.entities[k]; ok {
		version = e.state.Version + 1
	}
	m.store(k, schema.RemoteState{Version: version, Payload: payload, UpdatedAt: updatedAt})
	return version
}

// SyncBatch applies each item in order.
func (m *MemoryOrigin) SyncBatch(ctx context.Context, req *BatchRequest) (*BatchResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches++
	if m.batchErr != nil {
		if err := m.batchErr(req); err != nil {
			return nil, err
		}
	}

	resp := &BatchResponse{Results: make([]Result, 0, len(req.Operations))}
	for _, item := range req.Operations {
		if m.intercept != nil {
			if res := m.intercept(item); res != nil {
				res.ID = item.ID
				resp.Results = append(resp.Results, *res)
				continue
			}
		}
		resp.Results = append(resp.Results, m.apply(item))
	}
	resp.Bytes = wireSize(req) + wireSize(resp)
	return resp, nil
}

func (m *MemoryOrigin) apply(item Item) Result {
	k := entityKey{item.EntityType, item.EntityID}
	cur, exists := m.entities[k]
	live := exists && !cur.state.Deleted

	if len(item.Payload) > 0 && !json.Valid(item.Payload) {
		return Result{ID: item.ID, Status: StatusPermanent, Reason: "payload must be valid JSON"}
	}

	switch item.Kind {
	case schema.KindCreate:
		if live {
			return m.conflict(item, cur)
		}
		var version int64 = 1
		if exists {
			version = cur.state.Version + 1
		}
		m.store(k, schema.RemoteState{Version: version, Payload: item.Payload, UpdatedAt: m.now()})
		return Result{ID: item.ID, Status: StatusOK, NewVersion: version}

	case schema.KindUpdate:
		if !live {
			return Result{ID: item.ID, Status: StatusPermanent, Reason: fmt.Sprintf("%s %s does not exist", item.EntityType, item.EntityID)}
		}
		if item.BaseVersion != cur.state.Version {
			return m.conflict(item, cur)
		}
		version := cur.state.Version + 1
		m.store(k, schema.RemoteState{Version: version, Payload: item.Payload, UpdatedAt: m.now()})
		return Result{ID: item.ID, Status: StatusOK, NewVersion: version}

	case schema.KindDelete:
		if !live {
			var version int64
			if exists {
				version = cur.state.Version
			}
			return Result{ID: item.ID, Status: StatusOK, NewVersion: version}
		}
		if item.BaseVersion != cur.state.Version {
			return m.conflict(item, cur)
		}
		version := cur.state.Version + 1
		m.store(k, schema.RemoteState{Version: version, UpdatedAt: m.now(), Deleted: true})
		return Result{ID: item.ID, Status: StatusOK, NewVersion: version}

	case schema.KindSync:
		var version int64
		if exists {
			version = cur.state.Version
		}
		return Result{ID: item.ID, Status: StatusOK, NewVersion: version}
	}
	return Result{ID: item.ID, Status: StatusPermanent, Reason: fmt.Sprintf("unsupported kind %q", item.Kind)}
}

func (m *MemoryOrigin) conflict(item Item, cur *entity) Result {
	state := cloneState(cur.state)
	return Result{ID: item.ID, Status: StatusConflict, RemoteState: &state, RemoteVersion: state.Version}
}

func (m *MemoryOrigin) store(k entityKey, state schema.RemoteState) {
	m.seq++
	m.entities[k] = &entity{state: cloneState(state), seq: m.seq}
}

// Pull lists entities written after cursor, oldest write first.
func (m *MemoryOrigin) Pull(ctx context.Context, cursor string, limit int) (*PullResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var since int64
	if cursor != "" {
		var err error
		since, err = strconv.ParseInt(cursor, 10, 64)
		if err != nil || since < 0 {
			return nil, fmt.Errorf("invalid cursor %q", cursor)
		}
	}
	if limit <= 0 {
		limit = 100
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	type row struct {
		k entityKey
		e *entity
	}
	var rows []row
	for k, e := range m.entities {
		if e.seq > since {
			rows = append(rows, row{k, e})
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].e.seq < rows[j].e.seq })

	resp := &PullResponse{Cursor: cursor}
	if len(rows) > limit {
		rows = rows[:limit]
		resp.More = true
	}
	for _, r := range rows {
		resp.Changes = append(resp.Changes, Change{
			EntityType: r.k.typ,
			EntityID:   r.k.id,
			State:      cloneState(r.e.state),
		})
		resp.Cursor = strconv.FormatInt(r.e.seq, 10)
	}
	resp.Bytes = wireSize(resp)
	return resp, nil
}

// Seed is the YAML fixture format accepted by LoadSeed:
//
//	entities:
//	  - type: card
//	    id: c1
//	    payload: {title: Draft}
type Seed struct {
	Entities []SeedEntity `yaml:"entities"`
}

// SeedEntity is one pre-existing entity. Version defaults to 1 and
// UpdatedAt to the load time.
type SeedEntity struct {
	Type      string    `yaml:"type"`
	ID        string    `yaml:"id"`
	Version   int64     `yaml:"version"`
	UpdatedAt time.Time `yaml:"updated_at"`
	Deleted   bool      `yaml:"deleted"`
	Payload   any       `yaml:"payload"`
}

// LoadSeed reads a YAML seed and stores its entities.
func (m *MemoryOrigin) LoadSeed(r io.Reader) (int, error) {
	var seed Seed
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil && err != io.EOF {
		return 0, fmt.Errorf("failed to parse seed: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, se := range seed.Entities {
		if se.Type == "" || se.ID == "" {
			return i, fmt.Errorf("seed entity %d: type and id are required", i)
		}
		state := schema.RemoteState{
			Version:   se.Version,
			UpdatedAt: se.UpdatedAt,
			Deleted:   se.Deleted,
		}
		if state.Version <= 0 {
			state.Version = 1
		}
		if state.UpdatedAt.IsZero() {
			state.UpdatedAt = m.now()
		}
		if se.Payload != nil {
			payload, err := json.Marshal(se.Payload)
			if err != nil {
				return i, fmt.Errorf("seed entity %s/%s: %w", se.Type, se.ID, err)
			}
			state.Payload = payload
		}
		m.store(entityKey{se.Type, se.ID}, state)
	}
	return len(seed.Entities), nil
}

// LoadSeedFile reads a YAML seed from path.
func (m *MemoryOrigin) LoadSeedFile(path string) (int, error) {
	// #nosec G304 - seed path is provided by the operator
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open seed: %w", err)
	}
	defer f.Close()
	return m.LoadSeed(f)
}

func cloneState(s schema.RemoteState) schema.RemoteState {
	s.Payload = append(schema.Payload(nil), s.Payload...)
	if len(s.Payload) == 0 {
		s.Payload = nil
	}
	return s
}

func wireSize(v any) int64 {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return int64(len(data))
}
