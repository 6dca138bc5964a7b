package resolve

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/offsync/internal/schema"
)

// constPlugin assembles a minimal merge plugin whose merge export always
// returns output, stored in a data segment at offset 0.
func constPlugin(output string) []byte {
	uleb := func(n int) []byte {
		var out []byte
		for {
			b := byte(n & 0x7f)
			n >>= 7
			if n != 0 {
				b |= 0x80
			}
			out = append(out, b)
			if n == 0 {
				return out
			}
		}
	}
	sleb := func(n int64) []byte {
		var out []byte
		for {
			b := byte(n & 0x7f)
			n >>= 7
			done := (n == 0 && b&0x40 == 0) || (n == -1 && b&0x40 != 0)
			if !done {
				b |= 0x80
			}
			out = append(out, b)
			if done {
				return out
			}
		}
	}
	section := func(id byte, content []byte) []byte {
		return append(append([]byte{id}, uleb(len(content))...), content...)
	}
	name := func(s string) []byte {
		return append(uleb(len(s)), s...)
	}
	body := func(code ...byte) []byte {
		return append(uleb(len(code)), code...)
	}

	module := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	// (i32)->i32 and (i32,i32)->i64
	module = append(module, section(1, []byte{0x02,
		0x60, 0x01, 0x7f, 0x01, 0x7f,
		0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7e})...)
	module = append(module, section(3, []byte{0x02, 0x00, 0x01})...)
	module = append(module, section(5, []byte{0x01, 0x00, 0x01})...)

	var exports []byte
	exports = append(exports, 0x03)
	exports = append(append(exports, name("memory")...), 0x02, 0x00)
	exports = append(append(exports, name("alloc")...), 0x00, 0x00)
	exports = append(append(exports, name("merge")...), 0x00, 0x01)
	module = append(module, section(7, exports)...)

	alloc := append([]byte{0x00, 0x41}, sleb(1024)...) // i32.const 1024
	alloc = append(alloc, 0x0b)
	merge := append([]byte{0x00, 0x42}, sleb(int64(len(output)))...) // i64.const 0<<32|len
	merge = append(merge, 0x0b)
	var code []byte
	code = append(code, 0x02)
	code = append(code, body(alloc...)...)
	code = append(code, body(merge...)...)
	module = append(module, section(10, code)...)

	data := []byte{0x01, 0x00, 0x41, 0x00, 0x0b}
	data = append(data, name(output)...)
	module = append(module, section(11, data)...)
	return module
}

func TestPlugins_Call(t *testing.T) {
	ctx := context.Background()
	p := NewPlugins(ctx)
	defer p.Close(ctx)

	require.NoError(t, p.Load(ctx, "const", constPlugin(`{"payload":{"merged":true},"reason":"const plugin"}`)))
	assert.True(t, p.Has("const"))

	out, err := p.Call(ctx, "const", PluginInput{EntityType: "card"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"merged":true}`, string(out.Payload))
	assert.Equal(t, "const plugin", out.Reason)

	_, err = p.Call(ctx, "missing", PluginInput{})
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestPlugins_LoadRejectsBadModules(t *testing.T) {
	ctx := context.Background()
	p := NewPlugins(ctx)
	defer p.Close(ctx)

	assert.Error(t, p.Load(ctx, "junk", []byte("not wasm")))
	assert.Error(t, p.Load(ctx, "", constPlugin(`{}`)))
	assert.False(t, p.Has("junk"))
}

func TestPlugins_LoadDir(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep.wasm"), constPlugin(`{"decision":"keep_remote"}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("ignored"), 0644))

	p := NewPlugins(ctx)
	defer p.Close(ctx)
	names, err := p.LoadDir(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep"}, names)

	names, err = p.LoadDir(ctx, filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestResolve_PluginStrategy(t *testing.T) {
	ctx := context.Background()
	p := NewPlugins(ctx)
	defer p.Close(ctx)
	require.NoError(t, p.Load(ctx, "merge", constPlugin(`{"payload":{"title":"merged"}}`)))
	require.NoError(t, p.Load(ctx, "remote", constPlugin(`{"decision":"keep_remote"}`)))

	r := newResolver(t, &Config{
		Default:    schema.Strategy("wasm:merge"),
		Strategies: map[string]schema.Strategy{"note": "wasm:remote"},
		Enabled:    true,
		Plugins:    p,
	})

	c := r.Detect(localOp(t0, `{"title":"mine"}`), remoteAt(2, t0, `{"title":"theirs"}`), nil)
	res, err := r.Resolve(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, schema.DecisionMerged, res.Decision)
	assert.JSONEq(t, `{"title":"merged"}`, string(res.Payload))
	assert.Equal(t, schema.Strategy("wasm:merge"), res.Strategy)

	op := localOp(t0, `{"title":"mine"}`)
	op.EntityType = "note"
	res, err = r.Resolve(ctx, r.Detect(op, remoteAt(2, t0, `{}`), nil))
	require.NoError(t, err)
	assert.Equal(t, schema.DecisionKeepRemote, res.Decision)

	_, err = New(&Config{Default: "wasm:absent", Enabled: true, Plugins: p})
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}
