package lua

import (
	"fmt"
	"log/slog"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/axon/internal/plugin/security"
)

// safeLibs are the only standard libraries a plugin script sees. io, os,
// debug, package and coroutine stay closed; file access goes through the
// axon module.
var safeLibs = []struct {
	name string
	open lua.LGFunction
}{
	{lua.BaseLibName, lua.OpenBase},
	{lua.TabLibName, lua.OpenTable},
	{lua.StringLibName, lua.OpenString},
	{lua.MathLibName, lua.OpenMath},
}

// State is a Lua VM with only safe libraries and the axon module loaded.
// Its own methods are serialized; script calls must go through an
// Executor since *lua.LState is not safe for concurrent use.
type State struct {
	L *lua.LState

	mu      sync.Mutex
	sandbox *Sandbox
	closed  bool

	guard  *security.Guard
	logger *slog.Logger
}

// StateOption configures a State.
type StateOption func(*State)

// WithGuard sets the guard behind the axon module's permission checks.
// A state without one denies every permission.
func WithGuard(g *security.Guard) StateOption {
	return func(s *State) { s.guard = g }
}

// WithLogger sets the logger behind axon.log.
func WithLogger(l *slog.Logger) StateOption {
	return func(s *State) { s.logger = l }
}

// NewState creates a sandboxed Lua state.
func NewState(opts ...StateOption) *State {
	s := &State{
		L: lua.NewState(lua.Options{SkipOpenLibs: true}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.guard == nil {
		s.guard = security.NewGuard("lua", security.NewSet())
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}

	for _, lib := range safeLibs {
		s.L.Push(s.L.NewFunction(lib.open))
		s.L.Push(lua.LString(lib.name))
		s.L.Call(1, 0)
	}
	s.sandbox = NewSandbox(s.L, s.guard, s.logger)
	s.sandbox.Install()
	return s
}

// LoadModule runs the script at path. When the script returns a table,
// that table is the module; scripts that only define globals return nil.
func (s *State) LoadModule(path string) (module *lua.LTable, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStateClosed
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()

	fn, err := s.L.LoadFile(path)
	if err != nil {
		return nil, err
	}
	top := s.L.GetTop()
	s.L.Push(fn)
	if err := s.L.PCall(0, 1, nil); err != nil {
		s.L.SetTop(top)
		return nil, err
	}
	module, _ = s.L.Get(-1).(*lua.LTable)
	s.L.SetTop(top)
	return module, nil
}

// Lookup returns the function called name from module, falling back to
// the globals. It returns nil when there is none.
func (s *State) Lookup(module *lua.LTable, name string) *lua.LFunction {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	if module != nil {
		if fn, ok := module.RawGetString(name).(*lua.LFunction); ok {
			return fn
		}
	}
	fn, _ := s.L.GetGlobal(name).(*lua.LFunction)
	return fn
}

// Sandbox returns the installed sandbox.
func (s *State) Sandbox() *Sandbox { return s.sandbox }

// IsClosed reports whether Close has been called.
func (s *State) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases the VM. It is safe to call more than once.
func (s *State) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.L.Close()
	}
	return nil
}
