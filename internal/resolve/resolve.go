// Package resolve detects and resolves conflicts between queued operations
// and the origin's current entity state.
//
// The resolver never touches the operation log. It returns a
// schema.Resolution the sync engine applies:
//
//   - keep_remote: the local operation is superseded (completed, not retried)
//   - keep_local / merged: the operation is re-queued with the returned
//     payload rebased onto the remote version
//   - deferred: the operation is parked until a manual resolution arrives
//
// Resolutions are cached by conflict id. Conflict ids are derived from the
// conflicting inputs, so resolving an equivalent conflict again returns the
// recorded outcome with Replayed set instead of producing a second one.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/steveyegge/offsync/internal/schema"
)

var (
	// ErrNoConflict is returned when a resolution is requested for state that does not conflict.
	ErrNoConflict = errors.New("no conflict")

	// ErrAlreadyResolved is returned when a manual resolution targets a conflict with a recorded outcome.
	ErrAlreadyResolved = errors.New("conflict already resolved")

	// ErrUnknownStrategy is returned for strategy names the resolver cannot serve.
	ErrUnknownStrategy = errors.New("unknown conflict strategy")
)

// Config holds configuration for the resolver.
type Config struct {
	// Default is the strategy for entity types without an entry in Strategies.
	Default schema.Strategy

	// Strategies maps entity types to strategies.
	Strategies map[string]schema.Strategy

	// Enabled turns automatic resolution on. When false every conflict is deferred.
	Enabled bool

	// Plugins serves "wasm:<name>" strategies (nil = none available).
	Plugins *Plugins

	// Now returns the current time (nil = time.Now).
	Now func() time.Time
}

// DefaultConfig returns last-write-wins for every entity type.
func DefaultConfig() *Config {
	return &Config{
		Default: schema.StrategyLastWriteWins,
		Enabled: true,
	}
}

// Resolver is the conflict resolver. It is safe for concurrent use.
type Resolver struct {
	mu         sync.Mutex
	def        schema.Strategy
	strategies map[string]schema.Strategy
	enabled    bool
	plugins    *Plugins
	now        func() time.Time
	resolved   map[string]*schema.Resolution
}

// New creates a resolver.
func New(config *Config) (*Resolver, error) {
	if config == nil {
		config = DefaultConfig()
	}
	r := &Resolver{
		plugins:  config.Plugins,
		now:      config.Now,
		resolved: make(map[string]*schema.Resolution),
	}
	if r.now == nil {
		r.now = time.Now
	}
	if err := r.Configure(config.Default, config.Strategies, config.Enabled); err != nil {
		return nil, err
	}
	return r, nil
}

// Configure replaces the strategy table.
func (r *Resolver) Configure(def schema.Strategy, strategies map[string]schema.Strategy, enabled bool) error {
	if def == "" {
		def = schema.StrategyLastWriteWins
	}
	if err := r.validStrategy(def); err != nil {
		return err
	}
	table := make(map[string]schema.Strategy, len(strategies))
	for entityType, s := range strategies {
		if err := r.validStrategy(s); err != nil {
			return fmt.Errorf("entity type %s: %w", entityType, err)
		}
		table[entityType] = s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.def = def
	r.strategies = table
	r.enabled = enabled
	return nil
}

func (r *Resolver) validStrategy(s schema.Strategy) error {
	return ValidateStrategy(s, r.plugins)
}

// ValidateStrategy checks that s names a built-in strategy or a loaded plugin.
// With a nil plugin host any "wasm:" name is accepted.
func ValidateStrategy(s schema.Strategy, plugins *Plugins) error {
	switch s {
	case schema.StrategyLastWriteWins, schema.StrategyFieldMerge, schema.StrategyManual:
		return nil
	}
	name, ok := strings.CutPrefix(string(s), schema.PluginPrefix)
	if !ok || name == "" {
		return fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
	if plugins != nil && !plugins.Has(name) {
		return fmt.Errorf("%w: plugin %q is not loaded", ErrUnknownStrategy, name)
	}
	return nil
}

// StrategyFor returns the effective strategy for an entity type.
func (r *Resolver) StrategyFor(entityType string) schema.Strategy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.strategyForLocked(entityType)
}

func (r *Resolver) strategyForLocked(entityType string) schema.Strategy {
	if !r.enabled {
		return schema.StrategyManual
	}
	if s, ok := r.strategies[entityType]; ok {
		return s
	}
	return r.def
}

// Detect reports a conflict when the remote version differs from the
// version op was computed against. It returns nil when they agree.
func (r *Resolver) Detect(op *schema.Operation, remote schema.RemoteState, base schema.Payload) *schema.Conflict {
	if op == nil || remote.Version == op.BaseVersion {
		return nil
	}
	r.mu.Lock()
	strategy := r.strategyForLocked(op.EntityType)
	now := r.now().UTC()
	r.mu.Unlock()

	return &schema.Conflict{
		ID:             schema.ConflictID(op.ID, op.BaseVersion, remote),
		OperationID:    op.ID,
		EntityType:     op.EntityType,
		EntityID:       op.EntityID,
		Kind:           op.Kind,
		BaseVersion:    op.BaseVersion,
		LocalPayload:   append(schema.Payload(nil), op.Payload...),
		LocalUpdatedAt: op.CreatedAt,
		BasePayload:    append(schema.Payload(nil), base...),
		Remote:         remote,
		Strategy:       strategy,
		Status:         schema.ConflictOpen,
		DetectedAt:     now,
	}
}

// Resolve applies the conflict's strategy. Manual conflicts come back
// deferred and are not recorded, so a later manual resolution can settle them.
func (r *Resolver) Resolve(ctx context.Context, c *schema.Conflict) (*schema.Resolution, error) {
	if c == nil {
		return nil, ErrNoConflict
	}
	if prior := r.Recorded(c.ID); prior != nil {
		return prior, nil
	}

	strategy := c.Strategy
	if strategy == "" {
		strategy = r.StrategyFor(c.EntityType)
	}

	var res *schema.Resolution
	var err error
	switch {
	case strategy == schema.StrategyManual:
		return &schema.Resolution{
			ConflictID:  c.ID,
			OperationID: c.OperationID,
			Strategy:    strategy,
			Decision:    schema.DecisionDeferred,
			BaseVersion: c.BaseVersion,
			Reasons:     []string{"awaiting manual resolution"},
		}, nil
	case strategy == schema.StrategyLastWriteWins:
		res = lastWriteWins(c)
	case strategy == schema.StrategyFieldMerge:
		res, err = fieldMerge(c)
	case strings.HasPrefix(string(strategy), schema.PluginPrefix):
		res, err = r.pluginMerge(ctx, c, strings.TrimPrefix(string(strategy), schema.PluginPrefix))
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
	if err != nil {
		return nil, err
	}
	res.Strategy = strategy
	return r.record(res), nil
}

// ResolveManual settles a deferred conflict with the collaborator's choice.
// Repeating the call returns the recorded outcome with Replayed set.
func (r *Resolver) ResolveManual(ctx context.Context, c *schema.Conflict, m schema.ManualResolution) (*schema.Resolution, error) {
	if c == nil {
		return nil, ErrNoConflict
	}
	if prior := r.Recorded(c.ID); prior != nil {
		return prior, nil
	}
	if !m.Choice.IsValid() {
		return nil, fmt.Errorf("invalid manual choice %q", m.Choice)
	}

	var res *schema.Resolution
	var err error
	switch m.Choice {
	case schema.ChoiceLocal:
		res = keepLocal(c, "kept local change")
	case schema.ChoiceRemote:
		res = keepRemote(c, "kept remote state")
	case schema.ChoicePayload:
		res, err = customPayload(c, m.Payload)
	case schema.ChoiceLastWriteWins:
		res = lastWriteWins(c)
	case schema.ChoiceFieldMerge:
		res, err = fieldMerge(c)
	}
	if err != nil {
		return nil, err
	}
	res.Strategy = schema.StrategyManual
	res.Reasons = append(res.Reasons, "manual choice: "+string(m.Choice))
	return r.record(res), nil
}

// Recorded returns the recorded resolution for a conflict id, marked as
// replayed, or nil.
func (r *Resolver) Recorded(conflictID string) *schema.Resolution {
	r.mu.Lock()
	defer r.mu.Unlock()
	prior, ok := r.resolved[conflictID]
	if !ok {
		return nil
	}
	out := cloneResolution(prior)
	out.Replayed = true
	return out
}

// Remember seeds the cache with a resolution recorded before a restart.
func (r *Resolver) Remember(res *schema.Resolution) {
	if res == nil || res.Decision == schema.DecisionDeferred {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.resolved[res.ConflictID]; !ok {
		stored := cloneResolution(res)
		stored.Replayed = false
		r.resolved[res.ConflictID] = stored
	}
}

// Forget drops recorded resolutions, e.g. after the history was pruned.
func (r *Resolver) Forget(conflictIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range conflictIDs {
		delete(r.resolved, id)
	}
}

// record stores res unless an outcome was recorded concurrently, in which
// case the earlier one wins and is returned as replayed.
func (r *Resolver) record(res *schema.Resolution) *schema.Resolution {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prior, ok := r.resolved[res.ConflictID]; ok {
		out := cloneResolution(prior)
		out.Replayed = true
		return out
	}
	r.resolved[res.ConflictID] = cloneResolution(res)
	return res
}

func cloneResolution(res *schema.Resolution) *schema.Resolution {
	c := *res
	if res.Payload != nil {
		c.Payload = append(schema.Payload(nil), res.Payload...)
	}
	if res.Reasons != nil {
		c.Reasons = append([]string(nil), res.Reasons...)
	}
	return &c
}

func supersededBy(c *schema.Conflict) string {
	return fmt.Sprintf("%s/%s@%d", c.EntityType, c.EntityID, c.Remote.Version)
}

func keepRemote(c *schema.Conflict, reason string) *schema.Resolution {
	return &schema.Resolution{
		ConflictID:   c.ID,
		OperationID:  c.OperationID,
		Decision:     schema.DecisionKeepRemote,
		BaseVersion:  c.Remote.Version,
		SupersededBy: supersededBy(c),
		Reasons:      []string{reason},
	}
}

func keepLocal(c *schema.Conflict, reason string) *schema.Resolution {
	return &schema.Resolution{
		ConflictID:  c.ID,
		OperationID: c.OperationID,
		Decision:    schema.DecisionKeepLocal,
		Payload:     append(schema.Payload(nil), c.LocalPayload...),
		BaseVersion: c.Remote.Version,
		Reasons:     []string{reason},
	}
}

func customPayload(c *schema.Conflict, payload schema.Payload) (*schema.Resolution, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("manual payload cannot be empty")
	}
	if err := validJSON(payload); err != nil {
		return nil, err
	}
	return &schema.Resolution{
		ConflictID:  c.ID,
		OperationID: c.OperationID,
		Decision:    schema.DecisionMerged,
		Payload:     append(schema.Payload(nil), payload...),
		BaseVersion: c.Remote.Version,
		Reasons:     []string{"custom payload"},
	}, nil
}

// lastWriteWins keeps the strictly later write. Ties go to the origin.
func lastWriteWins(c *schema.Conflict) *schema.Resolution {
	if c.LocalUpdatedAt.After(c.Remote.UpdatedAt) {
		return keepLocal(c, fmt.Sprintf("local write at %s is newer than remote %s",
			c.LocalUpdatedAt.Format(time.RFC3339Nano), c.Remote.UpdatedAt.Format(time.RFC3339Nano)))
	}
	return keepRemote(c, fmt.Sprintf("remote write at %s is not older than local %s",
		c.Remote.UpdatedAt.Format(time.RFC3339Nano), c.LocalUpdatedAt.Format(time.RFC3339Nano)))
}
