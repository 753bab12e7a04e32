package lua

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	glua "github.com/yuin/gopher-lua"

	"github.com/dshills/axon/internal/plugin/security"
)

func newTestState(t *testing.T, granted security.Set, opts ...security.GuardOption) (*State, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	opts = append(opts, security.WithLogger(logger))
	guard := security.NewGuard("sandboxed", granted, opts...)
	state := NewState(WithGuard(guard), WithLogger(logger))
	t.Cleanup(func() { state.Close() })
	return state, &buf
}

func TestSandboxRemovedGlobals(t *testing.T) {
	state, _ := newTestState(t, security.NewSet())

	for _, name := range removedGlobals {
		if state.L.GetGlobal(name) != glua.LNil {
			t.Errorf("global %s is still defined", name)
		}
	}
	for _, name := range []string{"pairs", "ipairs", "pcall", "tostring", "setmetatable"} {
		if state.L.GetGlobal(name) == glua.LNil {
			t.Errorf("global %s was removed", name)
		}
	}
}

func TestSandboxRequireWhitelist(t *testing.T) {
	state, _ := newTestState(t, security.NewSet())

	tests := []struct {
		module  string
		wantErr bool
	}{
		{"string", false},
		{"table", false},
		{"math", false},
		{ModuleName, false},
		{"io", true},
		{"os", true},
		{"socket", true},
	}

	for _, tt := range tests {
		t.Run(tt.module, func(t *testing.T) {
			err := state.L.DoString(`local m = require("` + tt.module + `")`)
			if (err != nil) != tt.wantErr {
				t.Errorf("require(%q) error = %v, wantErr %v", tt.module, err, tt.wantErr)
			}
		})
	}
}

func TestSandboxModuleFields(t *testing.T) {
	state, _ := newTestState(t, security.NewSet(), security.WithDryRun(true))

	err := state.L.DoString(`
		assert(axon.plugin == "sandboxed")
		assert(axon.dry_run == true)
		assert(require("axon") == axon)
	`)
	if err != nil {
		t.Errorf("DoString() error = %v", err)
	}
}

func TestSandboxHas(t *testing.T) {
	state, _ := newTestState(t, security.NewSet(security.PermFSRead))

	err := state.L.DoString(`
		assert(axon.has("fs.read") == true)
		assert(axon.has("net.http") == false)
	`)
	if err != nil {
		t.Errorf("DoString() error = %v", err)
	}

	if err := state.L.DoString(`axon.has("fs.delete")`); err == nil {
		t.Error("has(unknown) error = nil, want argument error")
	}
	if denial := state.Sandbox().TakeDenial(); denial != nil {
		t.Errorf("TakeDenial() = %v after an argument error, want nil", denial)
	}
}

func TestSandboxRequireDenied(t *testing.T) {
	state, buf := newTestState(t, security.NewSet(security.PermFSRead))

	if err := state.L.DoString(`axon.require("fs.read")`); err != nil {
		t.Fatalf("require(granted) error = %v", err)
	}
	if err := state.L.DoString(`axon.require("process.spawn")`); err == nil {
		t.Fatal("require(ungranted) error = nil, want error")
	}

	denial := state.Sandbox().TakeDenial()
	if !errors.Is(denial, security.ErrPermissionDenied) {
		t.Fatalf("TakeDenial() = %v, want permission denied", denial)
	}
	var pe *security.PermissionError
	if !errors.As(denial, &pe) || pe.Permission != security.PermProcessSpawn {
		t.Errorf("denied permission = %v, want %s", denial, security.PermProcessSpawn)
	}
	if state.Sandbox().TakeDenial() != nil {
		t.Error("TakeDenial() did not clear the denial")
	}
	if !strings.Contains(buf.String(), "permission-denied") {
		t.Errorf("log = %q, want permission-denied entry", buf.String())
	}
}

func TestSandboxRequireDeniedCaughtByPcall(t *testing.T) {
	state, _ := newTestState(t, security.NewSet())

	err := state.L.DoString(`
		local ok = pcall(axon.require, "net.http")
		assert(ok == false)
	`)
	if err != nil {
		t.Errorf("DoString() error = %v", err)
	}
}

func TestSandboxReadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "in.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Run("granted", func(t *testing.T) {
		state, _ := newTestState(t, security.NewSet(security.PermFSRead))
		state.L.SetGlobal("path", glua.LString(path))

		err := state.L.DoString(`assert(axon.read_file(path) == "hello")`)
		if err != nil {
			t.Errorf("read_file() error = %v", err)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		state, _ := newTestState(t, security.NewSet(security.PermFSRead))
		state.L.SetGlobal("path", glua.LString(filepath.Join(dir, "missing")))

		err := state.L.DoString(`
			local data, err = axon.read_file(path)
			assert(data == nil)
			assert(type(err) == "string")
		`)
		if err != nil {
			t.Errorf("read_file() error = %v", err)
		}
	})

	t.Run("not granted", func(t *testing.T) {
		state, _ := newTestState(t, security.NewSet())
		state.L.SetGlobal("path", glua.LString(path))

		if err := state.L.DoString(`axon.read_file(path)`); err == nil {
			t.Error("read_file() error = nil, want denial")
		}
		if !errors.Is(state.Sandbox().TakeDenial(), security.ErrPermissionDenied) {
			t.Error("read_file() did not record a denial")
		}
	})

	t.Run("outside roots", func(t *testing.T) {
		state, _ := newTestState(t, security.NewSet(security.PermFSRead), security.WithRoots(t.TempDir()))
		state.L.SetGlobal("path", glua.LString(path))

		if err := state.L.DoString(`axon.read_file(path)`); err == nil {
			t.Error("read_file() error = nil, want denial")
		}
		if !errors.Is(state.Sandbox().TakeDenial(), security.ErrPermissionDenied) {
			t.Error("read_file() did not record a denial")
		}
	})
}

func TestSandboxWriteFile(t *testing.T) {
	t.Run("granted", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "out.txt")
		state, _ := newTestState(t, security.NewSet(security.PermFSWrite))
		state.L.SetGlobal("path", glua.LString(path))

		if err := state.L.DoString(`assert(axon.write_file(path, "data") == true)`); err != nil {
			t.Fatalf("write_file() error = %v", err)
		}
		got, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("ReadFile() error = %v", err)
		}
		if string(got) != "data" {
			t.Errorf("file contents = %q, want data", got)
		}
	})

	t.Run("dry run", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "out.txt")
		state, buf := newTestState(t, security.NewSet(security.PermFSWrite), security.WithDryRun(true))
		state.L.SetGlobal("path", glua.LString(path))

		if err := state.L.DoString(`assert(axon.write_file(path, "data") == false)`); err != nil {
			t.Fatalf("write_file() error = %v", err)
		}
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("Stat() error = %v, want not exist", err)
		}
		if !strings.Contains(buf.String(), "permission-check") {
			t.Errorf("log = %q, want permission-check entry", buf.String())
		}
	})

	t.Run("dry run still denies", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "out.txt")
		state, _ := newTestState(t, security.NewSet(), security.WithDryRun(true))
		state.L.SetGlobal("path", glua.LString(path))

		if err := state.L.DoString(`axon.write_file(path, "data")`); err == nil {
			t.Error("write_file() error = nil, want denial")
		}
		var pe *security.PermissionError
		if !errors.As(state.Sandbox().TakeDenial(), &pe) || !pe.DryRun {
			t.Errorf("denial = %v, want dry-run permission error", pe)
		}
	})
}

func TestSandboxLog(t *testing.T) {
	state, buf := newTestState(t, security.NewSet())

	err := state.L.DoString(`
		axon.log("from script")
		axon.log("careful", "warn")
		print("printed", 1)
	`)
	if err != nil {
		t.Fatalf("DoString() error = %v", err)
	}

	out := buf.String()
	for _, want := range []string{"from script", "level=WARN msg=careful", "printed", "source=lua"} {
		if !strings.Contains(out, want) {
			t.Errorf("log = %q, want it to contain %q", out, want)
		}
	}

	if err := state.L.DoString(`axon.log("x", "loud")`); err == nil {
		t.Error("log(bad level) error = nil, want error")
	}
}
