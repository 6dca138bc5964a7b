package resolve

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/steveyegge/offsync/internal/schema"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Plugins hosts WASM merge plugins served as "wasm:<name>" strategies.
//
// A plugin exports its memory and two functions:
//
//	alloc(size i32) i32             returns a buffer for the input
//	merge(ptr i32, len i32) i64     returns ptr<<32 | len of the output
//
// Input is a JSON PluginInput, output a JSON PluginOutput. Every call runs
// in a fresh instance, so plugins cannot keep state between conflicts.
type Plugins struct {
	runtime wazero.Runtime

	mu      sync.RWMutex
	modules map[string]wazero.CompiledModule
}

// PluginInput is the document handed to a merge plugin.
type PluginInput struct {
	EntityType      string         `json:"entity_type"`
	EntityID        string         `json:"entity_id"`
	Base            schema.Payload `json:"base,omitempty"`
	Local           schema.Payload `json:"local,omitempty"`
	Remote          schema.Payload `json:"remote,omitempty"`
	LocalUpdatedAt  time.Time      `json:"local_updated_at"`
	RemoteUpdatedAt time.Time      `json:"remote_updated_at"`
	RemoteVersion   int64          `json:"remote_version"`
}

// PluginOutput is what a merge plugin returns. Decision defaults to merged;
// keep_remote ignores Payload.
type PluginOutput struct {
	Decision schema.Decision `json:"decision,omitempty"`
	Payload  schema.Payload  `json:"payload,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

// NewPlugins creates an empty plugin host.
func NewPlugins(ctx context.Context) *Plugins {
	rt := wazero.NewRuntime(ctx)
	wasi_snapshot_preview1.MustInstantiate(ctx, rt)
	return &Plugins{runtime: rt, modules: make(map[string]wazero.CompiledModule)}
}

// Load compiles a plugin and registers it under name.
func (p *Plugins) Load(ctx context.Context, name string, wasm []byte) error {
	if name == "" {
		return fmt.Errorf("plugin name cannot be empty")
	}
	compiled, err := p.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return fmt.Errorf("failed to compile plugin %s: %w", name, err)
	}
	exports := compiled.ExportedFunctions()
	for _, fn := range []string{"alloc", "merge"} {
		if _, ok := exports[fn]; !ok {
			_ = compiled.Close(ctx)
			return fmt.Errorf("plugin %s does not export %s", name, fn)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.modules[name]; ok {
		_ = old.Close(ctx)
	}
	p.modules[name] = compiled
	return nil
}

// LoadDir loads every *.wasm file in dir, named after the file stem.
// A missing directory loads nothing.
func (p *Plugins) LoadDir(ctx context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".wasm" {
			continue
		}
		// #nosec G304 - plugin directory is operator-controlled
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return names, fmt.Errorf("failed to read plugin %s: %w", e.Name(), err)
		}
		name := strings.TrimSuffix(e.Name(), ".wasm")
		if err := p.Load(ctx, name, data); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, nil
}

// Has reports whether a plugin is loaded.
func (p *Plugins) Has(name string) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.modules[name]
	return ok
}

// Names lists the loaded plugins.
func (p *Plugins) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.modules))
	for name := range p.modules {
		names = append(names, name)
	}
	return names
}

// Call runs the named plugin on input.
func (p *Plugins) Call(ctx context.Context, name string, input PluginInput) (*PluginOutput, error) {
	p.mu.RLock()
	compiled, ok := p.modules[name]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: plugin %q is not loaded", ErrUnknownStrategy, name)
	}

	in, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode plugin input: %w", err)
	}

	mod, err := p.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate plugin %s: %w", name, err)
	}
	defer mod.Close(ctx)

	mem := mod.Memory()
	if mem == nil {
		return nil, fmt.Errorf("plugin %s does not export memory", name)
	}

	res, err := mod.ExportedFunction("alloc").Call(ctx, uint64(len(in)))
	if err != nil {
		return nil, fmt.Errorf("plugin %s alloc failed: %w", name, err)
	}
	ptr := uint32(res[0])
	if !mem.Write(ptr, in) {
		return nil, fmt.Errorf("plugin %s returned an out-of-range buffer", name)
	}

	res, err = mod.ExportedFunction("merge").Call(ctx, uint64(ptr), uint64(len(in)))
	if err != nil {
		return nil, fmt.Errorf("plugin %s merge failed: %w", name, err)
	}
	outPtr, outLen := uint32(res[0]>>32), uint32(res[0])
	raw, ok := mem.Read(outPtr, outLen)
	if !ok {
		return nil, fmt.Errorf("plugin %s returned an out-of-range result", name)
	}

	var out PluginOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("plugin %s returned invalid JSON: %w", name, err)
	}
	return &out, nil
}

// Close releases the runtime and every compiled plugin.
func (p *Plugins) Close(ctx context.Context) error {
	return p.runtime.Close(ctx)
}

func (r *Resolver) pluginMerge(ctx context.Context, c *schema.Conflict, name string) (*schema.Resolution, error) {
	if r.plugins == nil {
		return nil, fmt.Errorf("%w: no plugin host for %q", ErrUnknownStrategy, name)
	}
	out, err := r.plugins.Call(ctx, name, PluginInput{
		EntityType:      c.EntityType,
		EntityID:        c.EntityID,
		Base:            c.BasePayload,
		Local:           c.LocalPayload,
		Remote:          c.Remote.Payload,
		LocalUpdatedAt:  c.LocalUpdatedAt,
		RemoteUpdatedAt: c.Remote.UpdatedAt,
		RemoteVersion:   c.Remote.Version,
	})
	if err != nil {
		return nil, err
	}

	reason := out.Reason
	if reason == "" {
		reason = "plugin " + name
	}
	switch out.Decision {
	case schema.DecisionKeepRemote:
		return keepRemote(c, reason), nil
	case schema.DecisionKeepLocal:
		return keepLocal(c, reason), nil
	case "", schema.DecisionMerged:
		res, err := customPayload(c, out.Payload)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: %w", name, err)
		}
		res.Reasons = []string{reason}
		return res, nil
	}
	return nil, fmt.Errorf("plugin %s returned unsupported decision %q", name, out.Decision)
}
