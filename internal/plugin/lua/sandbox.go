package lua

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/axon/internal/plugin/security"
)

// ModuleName is the name of the host module exposed to scripts.
const ModuleName = "axon"

// removedGlobals are base functions that load code or reach outside the
// script's environment.
var removedGlobals = []string{
	"dofile",
	"loadfile",
	"load",
	"loadstring",
	"module",
	"getfenv",
	"setfenv",
	"_printregs",
}

// safeModules may be required by scripts; each is already a global.
var safeModules = map[string]bool{
	"string": true,
	"table":  true,
	"math":   true,
}

// Sandbox restricts Lua execution to safe operations and exposes the axon
// host module, whose privileged functions are gated by a security.Guard.
type Sandbox struct {
	L *lua.LState

	guard  *security.Guard
	logger *slog.Logger

	// Last permission denial raised inside Lua. Lua errors lose their Go
	// type, so the denial is kept here for the caller to recover.
	mu     sync.Mutex
	denial error
}

// NewSandbox creates a new sandbox for the Lua state.
func NewSandbox(L *lua.LState, guard *security.Guard, logger *slog.Logger) *Sandbox {
	return &Sandbox{
		L:      L,
		guard:  guard,
		logger: logger,
	}
}

// Install sets up the sandbox restrictions.
func (s *Sandbox) Install() {
	for _, name := range removedGlobals {
		s.L.SetGlobal(name, lua.LNil)
	}

	// print goes to the plugin log instead of stdout
	s.L.SetGlobal("print", s.L.NewFunction(s.luaPrint))

	mod := s.newModule()
	s.L.SetGlobal(ModuleName, mod)
	s.installSafeRequire(mod)
}

// installSafeRequire replaces require with a whitelist: the safe standard
// modules and the axon module. Nothing is ever loaded from disk.
func (s *Sandbox) installSafeRequire(mod *lua.LTable) {
	s.L.SetGlobal("require", s.L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)

		if name == ModuleName {
			L.Push(mod)
			return 1
		}
		if safeModules[name] {
			L.Push(L.GetGlobal(name))
			return 1
		}

		// Note: L.RaiseError does a longjmp, so code after it is unreachable.
		L.RaiseError("module %q is not available", name)
		return 0
	}))
}

// newModule builds the axon module table.
func (s *Sandbox) newModule() *lua.LTable {
	mod := s.L.SetFuncs(s.L.NewTable(), map[string]lua.LGFunction{
		"require":    s.luaRequire,
		"has":        s.luaHas,
		"log":        s.luaLog,
		"read_file":  s.luaReadFile,
		"write_file": s.luaWriteFile,
	})
	mod.RawSetString("plugin", lua.LString(s.guard.Plugin()))
	mod.RawSetString("dry_run", lua.LBool(s.guard.DryRun()))
	return mod
}

// deny records err and raises it as a Lua error.
func (s *Sandbox) deny(L *lua.LState, err error) {
	s.mu.Lock()
	s.denial = err
	s.mu.Unlock()
	L.RaiseError("%s", err.Error())
}

// TakeDenial returns and clears the last permission denial.
func (s *Sandbox) TakeDenial() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.denial
	s.denial = nil
	return err
}

// checkPermission parses a permission token from Lua.
func (s *Sandbox) checkPermission(L *lua.LState, n int) security.Permission {
	perm, err := security.ParsePermission(L.CheckString(n))
	if err != nil {
		L.ArgError(n, err.Error())
	}
	return perm
}

// axon.require(perm) raises unless perm was granted.
func (s *Sandbox) luaRequire(L *lua.LState) int {
	perm := s.checkPermission(L, 1)
	if err := s.guard.Require(perm); err != nil {
		s.deny(L, err)
	}
	return 0
}

// axon.has(perm) reports whether perm was granted, without auditing.
func (s *Sandbox) luaHas(L *lua.LState) int {
	perm := s.checkPermission(L, 1)
	L.Push(lua.LBool(s.guard.Has(perm)))
	return 1
}

// axon.log(msg [, level]) writes to the plugin log.
func (s *Sandbox) luaLog(L *lua.LState) int {
	msg := L.CheckString(1)
	level := slog.LevelInfo
	if L.GetTop() >= 2 {
		if err := level.UnmarshalText([]byte(L.CheckString(2))); err != nil {
			L.ArgError(2, err.Error())
		}
	}
	s.logger.Log(luaContext(L), level, msg, slog.String("source", "lua"))
	return 0
}

func (s *Sandbox) luaPrint(L *lua.LState) int {
	n := L.GetTop()
	parts := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	s.logger.Log(luaContext(L), slog.LevelInfo, strings.Join(parts, "\t"), slog.String("source", "lua"))
	return 0
}

// luaContext returns the context of the running call.
func luaContext(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// axon.read_file(path) returns the file contents. Requires fs.read.
func (s *Sandbox) luaReadFile(L *lua.LState) int {
	path := L.CheckString(1)
	if err := s.guard.RequirePath(security.PermFSRead, path); err != nil {
		s.deny(L, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LString(data))
	return 1
}

// axon.write_file(path, data) writes data to path and returns true, or
// false under dry-run. Requires fs.write either way.
func (s *Sandbox) luaWriteFile(L *lua.LState) int {
	path := L.CheckString(1)
	data := L.CheckString(2)
	if err := s.guard.RequirePath(security.PermFSWrite, path); err != nil {
		s.deny(L, err)
	}

	if s.guard.DryRun() {
		s.logger.Info("dry-run: skipped write", slog.String("path", path), slog.Int("bytes", len(data)))
		L.Push(lua.LFalse)
		return 1
	}

	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}
