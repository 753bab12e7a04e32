package plugin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/axon/internal/plugin/security"
)

// echoPlugin returns its input unchanged.
type echoPlugin struct {
	Base
}

func (p *echoPlugin) Execute(_ context.Context, input any) (any, error) {
	return input, nil
}

// textInput is the declared input shape of shapedPlugin.
type textInput struct {
	Text string `json:"text"`
}

// countOutput is the declared output shape of shapedPlugin.
type countOutput struct {
	Count int `json:"count"`
}

// shapedPlugin counts the characters of its text input. When bad is set it
// returns output that violates its declared shape.
type shapedPlugin struct {
	Base
	bad bool
}

func (p *shapedPlugin) InputShape() any  { return &textInput{} }
func (p *shapedPlugin) OutputShape() any { return &countOutput{} }

func (p *shapedPlugin) Execute(_ context.Context, input any) (any, error) {
	m, _ := input.(map[string]any)
	text, _ := m["text"].(string)
	if p.bad {
		return map[string]any{"count": "many"}, nil
	}
	return map[string]any{"count": len(text)}, nil
}

var errBoom = errors.New("boom")

// failPlugin fails every call and counts them.
type failPlugin struct {
	Base
	calls atomic.Int64
}

func (p *failPlugin) Execute(context.Context, any) (any, error) {
	p.calls.Add(1)
	return nil, errBoom
}

// flakyPlugin fails until it has been called failures times.
type flakyPlugin struct {
	Base
	failures int64
	calls    atomic.Int64
}

func (p *flakyPlugin) Execute(context.Context, any) (any, error) {
	if n := p.calls.Add(1); n <= p.failures {
		return nil, fmt.Errorf("attempt %d: %w", n, errBoom)
	}
	return "ok", nil
}

// sleepPlugin sleeps for its delay, optionally ignoring ctx.
type sleepPlugin struct {
	Base
	delay      time.Duration
	ignoreCtx  bool
	calls      atomic.Int64
	finished   atomic.Int64
	cancelSeen atomic.Bool
}

func (p *sleepPlugin) Execute(ctx context.Context, _ any) (any, error) {
	p.calls.Add(1)
	defer p.finished.Add(1)

	if p.ignoreCtx {
		time.Sleep(p.delay)
		return "late", nil
	}

	select {
	case <-time.After(p.delay):
		return "done", nil
	case <-ctx.Done():
		p.cancelSeen.Store(true)
		return nil, ctx.Err()
	}
}

// writerPlugin writes a file after checking fs.write.
type writerPlugin struct {
	Base
}

func (p *writerPlugin) Execute(_ context.Context, input any) (any, error) {
	m, _ := input.(map[string]any)
	path, _ := m["path"].(string)

	if err := p.RequirePath(security.PermFSWrite, path); err != nil {
		return nil, err
	}
	if p.DryRun() {
		return map[string]any{"written": false}, nil
	}
	if err := os.WriteFile(path, []byte("data"), 0o600); err != nil {
		return nil, err
	}
	return map[string]any{"written": true}, nil
}

// panicPlugin panics in Execute.
type panicPlugin struct {
	Base
}

func (p *panicPlugin) Execute(context.Context, any) (any, error) {
	panic("kaboom")
}

// lifecyclePlugin records Load and Shutdown calls.
type lifecyclePlugin struct {
	Base
	loadErr     error
	shutdownErr error

	mu        sync.Mutex
	cfg       Config
	loads     int
	shutdowns int
	log       *[]string
}

func (p *lifecyclePlugin) Load(_ context.Context, cfg Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loads++
	p.cfg = cfg
	return p.loadErr
}

func (p *lifecyclePlugin) Execute(context.Context, any) (any, error) {
	return p.Name(), nil
}

func (p *lifecyclePlugin) Shutdown(context.Context) error {
	p.mu.Lock()
	p.shutdowns++
	p.mu.Unlock()
	if p.log != nil {
		*p.log = append(*p.log, p.Name())
	}
	return p.shutdownErr
}

func (p *lifecyclePlugin) counts() (loads, shutdowns int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loads, p.shutdowns
}

// factoryOf returns a Factory that builds a plugin with build and embeds a
// Base for env.
func factoryOf[T Plugin](build func(env Env) T) Factory {
	return func(env Env) (Plugin, error) {
		return build(env), nil
	}
}

// testRegistry registers the fake plugins under the "test" module.
func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	r.MustRegister("echo:EchoPlugin", factoryOf(func(env Env) *echoPlugin {
		return &echoPlugin{Base: NewBase(env)}
	}))
	r.MustRegister("test:Shaped", factoryOf(func(env Env) *shapedPlugin {
		return &shapedPlugin{Base: NewBase(env)}
	}))
	r.MustRegister("test:BadOutput", factoryOf(func(env Env) *shapedPlugin {
		return &shapedPlugin{Base: NewBase(env), bad: true}
	}))
	r.MustRegister("test:Writer", factoryOf(func(env Env) *writerPlugin {
		return &writerPlugin{Base: NewBase(env)}
	}))
	r.MustRegister("test:Panic", factoryOf(func(env Env) *panicPlugin {
		return &panicPlugin{Base: NewBase(env)}
	}))
	return r
}

// writeManifest writes a YAML manifest as <dir>/<name>/plugin.yaml.
func writeManifest(t *testing.T, dir, name, body string) string {
	t.Helper()
	pluginDir := filepath.Join(dir, name)
	if err := os.MkdirAll(pluginDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(pluginDir, "plugin.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// testManifest builds a valid manifest in memory.
func testManifest(name, entrypoint string, perms ...security.Permission) *Manifest {
	return &Manifest{
		Name:        name,
		Version:     "1.0.0",
		Description: "test plugin " + name,
		Entrypoint:  entrypoint,
		Permissions: perms,
	}
}

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// testLogger returns a debug-level text logger writing to the returned buffer.
func testLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}
