package lua

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dshills/axon/internal/plugin"
	"github.com/dshills/axon/internal/plugin/security"
)

// writePlugin creates <dir>/<name>/plugin.yaml and main.lua.
func writePlugin(t *testing.T, dir, name, manifest, script string) {
	t.Helper()
	pluginDir := filepath.Join(dir, name)
	if err := os.MkdirAll(pluginDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pluginDir, "plugin.yaml"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	if script != "" {
		if err := os.WriteFile(filepath.Join(pluginDir, "main.lua"), []byte(script), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func scriptManifest(name string, extra string) string {
	return "name: " + name + "\nversion: 1.0.0\ndescription: script plugin\nentrypoint: lua:main.lua\n" + extra
}

func newScriptManager(t *testing.T, dir string, mutate ...func(*plugin.ManagerConfig)) *plugin.Manager {
	t.Helper()
	reg := plugin.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	cfg := plugin.DefaultManagerConfig()
	cfg.PluginPaths = []string{dir}
	for _, fn := range mutate {
		fn(&cfg)
	}
	m := plugin.NewManager(cfg, reg)
	t.Cleanup(func() { m.ShutdownAll(context.Background()) })
	return m
}

const echoScript = `
local M = {}

function M.describe()
	return { hooks = "all" }
end

function M.execute(input)
	return { text = input.text, n = input.n + 1 }
end

return M
`

func TestRegisterTwice(t *testing.T) {
	reg := plugin.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := Register(reg); err == nil {
		t.Error("second Register() error = nil, want duplicate error")
	}
}

func TestResolveErrors(t *testing.T) {
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "p", "plugin.yaml")
	writePlugin(t, dir, "p", scriptManifest("p", ""), "function execute() end")

	m, err := plugin.LoadManifest(manifestPath)
	if err != nil {
		t.Fatalf("LoadManifest() error = %v", err)
	}

	tests := []struct {
		name   string
		target string
	}{
		{"not lua", "main.py"},
		{"escapes directory", "../other/main.lua"},
		{"absolute", "/etc/main.lua"},
		{"missing file", "missing.lua"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(m, tt.target)
			if !errors.Is(err, plugin.ErrModuleLoad) {
				t.Errorf("Resolve(%q) error = %v, want %v", tt.target, err, plugin.ErrModuleLoad)
			}
		})
	}

	if _, err := Resolve(m, "main.lua"); err != nil {
		t.Errorf("Resolve(main.lua) error = %v", err)
	}
}

func TestScriptPluginExecute(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "echo", scriptManifest("echo", ""), echoScript)

	m := newScriptManager(t, dir)
	if err := m.Discover(context.Background(), nil); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	out, err := m.Execute(context.Background(), "echo", map[string]any{"text": "hi", "n": 1})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	got, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("Execute() = %T, want map", out)
	}
	if got["text"] != "hi" {
		t.Errorf("text = %v, want hi", got["text"])
	}
	if got["n"] != int64(2) {
		t.Errorf("n = %v, want 2", got["n"])
	}

	desc, err := m.Describe("echo")
	if err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	if desc["hooks"] != "all" {
		t.Errorf("describe hooks = %v, want all", desc["hooks"])
	}
	if desc["script"] != "main.lua" {
		t.Errorf("describe script = %v, want main.lua", desc["script"])
	}
}

func TestScriptPluginGlobalHooks(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "globals", scriptManifest("globals", ""), `
		function execute(input)
			return "got " .. input
		end
	`)

	m := newScriptManager(t, dir)
	if err := m.Discover(context.Background(), nil); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	out, err := m.Execute(context.Background(), "globals", "x")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out != "got x" {
		t.Errorf("Execute() = %v, want got x", out)
	}
}

func TestScriptPluginLoadErrors(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   error
	}{
		{"no execute", `return { describe = function() return {} end }`, plugin.ErrContractViolation},
		{"syntax error", `function execute(`, plugin.ErrModuleLoad},
		{"runtime error", `error("boom")`, plugin.ErrModuleLoad},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writePlugin(t, dir, "bad", scriptManifest("bad", ""), tt.script)

			m := newScriptManager(t, dir)
			err := m.Discover(context.Background(), nil)
			if !errors.Is(err, tt.want) {
				t.Errorf("Discover() error = %v, want %v", err, tt.want)
			}
			if m.Count() != 0 {
				t.Errorf("Count() = %d, want 0", m.Count())
			}
		})
	}
}

func TestScriptPluginMissingScript(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "ghost", scriptManifest("ghost", ""), "")

	m := newScriptManager(t, dir)
	err := m.Discover(context.Background(), nil)
	if !errors.Is(err, plugin.ErrModuleLoad) {
		t.Errorf("Discover() error = %v, want %v", err, plugin.ErrModuleLoad)
	}
}

func TestScriptPluginLoadConfig(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "greeter", scriptManifest("greeter", "config_schema:\n  greeting: str\n  times: int\n"), `
		local greeting, times

		return {
			load = function(cfg)
				greeting = cfg.greeting
				times = cfg.times
			end,
			execute = function(input)
				return string.rep(greeting .. " " .. input .. ";", times)
			end,
		}
	`)

	m := newScriptManager(t, dir)
	configs := map[string]map[string]any{
		"greeter": {"greeting": "hello", "times": 2},
	}
	if err := m.Discover(context.Background(), configs); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	out, err := m.Execute(context.Background(), "greeter", "bob")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out != "hello bob;hello bob;" {
		t.Errorf("Execute() = %q, want %q", out, "hello bob;hello bob;")
	}
}

func TestScriptPluginLoadHookFails(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "refuses", scriptManifest("refuses", ""), `
		return {
			load = function() error("not today") end,
			execute = function() return 1 end,
		}
	`)

	m := newScriptManager(t, dir)
	if err := m.Discover(context.Background(), nil); err == nil {
		t.Error("Discover() error = nil, want load failure")
	}
	if _, ok := m.Get("refuses"); ok {
		t.Error("plugin with failing load hook was registered")
	}
}

func TestScriptPluginPermissionDenied(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "writer", scriptManifest("writer", "permissions:\n  - fs.write\n"), `
		return {
			execute = function(input)
				axon.require("fs.write")
				return "ok"
			end,
		}
	`)

	m := newScriptManager(t, dir, func(c *plugin.ManagerConfig) {
		c.Deny = []security.Permission{security.PermFSWrite}
	})
	if err := m.Discover(context.Background(), nil); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	_, err := m.Execute(context.Background(), "writer", nil)
	if !errors.Is(err, plugin.ErrPermissionDenied) {
		t.Errorf("Execute() error = %v, want %v", err, plugin.ErrPermissionDenied)
	}
	if plugin.Kind(err) != "PermissionDenied" {
		t.Errorf("Kind() = %q, want PermissionDenied", plugin.Kind(err))
	}
}

func TestScriptPluginDryRunWrite(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(t.TempDir(), "out.txt")
	writePlugin(t, dir, "writer", scriptManifest("writer", "permissions:\n  - fs.write\n"), `
		return {
			execute = function(input)
				return axon.write_file(input, "data")
			end,
		}
	`)

	m := newScriptManager(t, dir, func(c *plugin.ManagerConfig) {
		c.DryRun = true
	})
	if err := m.Discover(context.Background(), nil); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	out, err := m.Execute(context.Background(), "writer", target)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out != false {
		t.Errorf("Execute() = %v, want false", out)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Errorf("Stat() error = %v, want not exist", err)
	}
}

func TestScriptPluginTimeoutAbortsScript(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "spin", scriptManifest("spin", ""), `
		return {
			execute = function(input)
				if input == "spin" then
					while true do end
				end
				return input
			end,
		}
	`)

	m := newScriptManager(t, dir)
	if err := m.Discover(context.Background(), nil); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	start := time.Now()
	_, err := m.Execute(context.Background(), "spin", "spin", plugin.WithTimeout(100*time.Millisecond))
	if !errors.Is(err, plugin.ErrExecutionTimeout) {
		t.Fatalf("Execute() error = %v, want %v", err, plugin.ErrExecutionTimeout)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Execute() took %s, want about 100ms", elapsed)
	}

	// The VM aborted the loop, so the executor is free for the next call.
	out, err := m.Execute(context.Background(), "spin", "next", plugin.WithTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("Execute() after timeout error = %v", err)
	}
	if out != "next" {
		t.Errorf("Execute() = %v, want next", out)
	}
}

func TestScriptPluginShutdown(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(t.TempDir(), "bye.txt")
	writePlugin(t, dir, "closer", scriptManifest("closer", "permissions:\n  - fs.write\nconfig_schema:\n  marker: str\n"), `
		local marker
		return {
			load = function(cfg) marker = cfg.marker end,
			execute = function() return 1 end,
			shutdown = function() axon.write_file(marker, "bye") end,
		}
	`)

	m := newScriptManager(t, dir)
	configs := map[string]map[string]any{"closer": {"marker": marker}}
	if err := m.Discover(context.Background(), configs); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	host, ok := m.Get("closer")
	if !ok {
		t.Fatal("Get(closer) not found")
	}
	sp, ok := host.Plugin().(*ScriptPlugin)
	if !ok {
		t.Fatalf("Plugin() = %T, want *ScriptPlugin", host.Plugin())
	}

	if err := m.ShutdownAll(context.Background()); err != nil {
		t.Fatalf("ShutdownAll() error = %v", err)
	}

	data, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "bye" {
		t.Errorf("marker = %q, want bye", data)
	}
	if !sp.state.IsClosed() {
		t.Error("state still open after shutdown")
	}
	if !sp.exec.IsClosed() {
		t.Error("executor still open after shutdown")
	}
}
