package lua

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/axon/internal/plugin"
)

// Scheme is the entrypoint module handled by this package: "lua:<file>.lua".
const Scheme = "lua"

// Hook names a script may define, either as fields of the table the
// script returns or as globals.
const (
	hookLoad     = "load"
	hookDescribe = "describe"
	hookExecute  = "execute"
	hookShutdown = "shutdown"
)

// Register routes "lua:" entrypoints in reg to script plugins.
func Register(reg *plugin.Registry) error {
	return reg.RegisterScheme(Scheme, Resolve)
}

// Resolve returns the factory for a script entrypoint. The script path is
// relative to the manifest's directory and may not leave it.
func Resolve(m *plugin.Manifest, target string) (plugin.Factory, error) {
	if !strings.HasSuffix(target, ".lua") {
		return nil, fmt.Errorf("%w: %s: entrypoint %q is not a .lua file", plugin.ErrModuleLoad, m.Name, target)
	}
	if filepath.IsAbs(target) || !filepath.IsLocal(target) {
		return nil, fmt.Errorf("%w: %s: script %q must be inside the plugin directory", plugin.ErrModuleLoad, m.Name, target)
	}

	path := filepath.Join(m.Dir(), target)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", plugin.ErrModuleLoad, m.Name, err)
	}

	return func(env plugin.Env) (plugin.Plugin, error) {
		return newScriptPlugin(env, path)
	}, nil
}

// ScriptPlugin runs a Lua script as a plugin.
type ScriptPlugin struct {
	plugin.Base

	path   string
	state  *State
	bridge *Bridge
	exec   *Executor
	stop   context.CancelFunc

	load     *lua.LFunction
	describe *lua.LFunction
	execute  *lua.LFunction
	shutdown *lua.LFunction
}

// newScriptPlugin compiles and runs the script, then starts its executor.
func newScriptPlugin(env plugin.Env, path string) (*ScriptPlugin, error) {
	p := &ScriptPlugin{
		Base: plugin.NewBase(env),
		path: path,
	}
	p.state = NewState(WithGuard(p.Guard()), WithLogger(p.Logger()))
	p.bridge = NewBridge(p.state.L)

	module, err := p.state.LoadModule(path)
	if err != nil {
		p.state.Close()
		return nil, fmt.Errorf("%w: %s: %w", plugin.ErrModuleLoad, p.Name(), err)
	}

	p.load = p.state.Lookup(module, hookLoad)
	p.describe = p.state.Lookup(module, hookDescribe)
	p.execute = p.state.Lookup(module, hookExecute)
	p.shutdown = p.state.Lookup(module, hookShutdown)

	if p.execute == nil {
		p.state.Close()
		return nil, fmt.Errorf("%w: %s: script %s defines no execute function",
			plugin.ErrContractViolation, p.Name(), filepath.Base(path))
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.stop = cancel
	p.exec = NewExecutor(p.state.L, 0)
	go p.exec.Run(ctx)

	return p, nil
}

// Path returns the script path.
func (p *ScriptPlugin) Path() string {
	return p.path
}

// Load calls the script's load hook with the plugin config.
func (p *ScriptPlugin) Load(ctx context.Context, cfg plugin.Config) error {
	if p.load == nil {
		return nil
	}
	var arg any
	if cfg != nil {
		arg = map[string]any(cfg)
	}
	_, err := p.call(ctx, p.load, arg)
	return err
}

// Describe merges the script's describe hook into the default description.
func (p *ScriptPlugin) Describe() map[string]any {
	desc := p.Base.Describe()
	desc["script"] = filepath.Base(p.path)
	if p.describe == nil {
		return desc
	}

	out, err := p.call(context.Background(), p.describe)
	if err != nil {
		desc["describe_error"] = err.Error()
		return desc
	}
	if extra, ok := out.(map[string]any); ok {
		maps.Copy(desc, extra)
	}
	return desc
}

// Execute calls the script's execute hook. Calls are serialized; ctx
// cancellation aborts the running script.
func (p *ScriptPlugin) Execute(ctx context.Context, input any) (any, error) {
	return p.call(ctx, p.execute, input)
}

// Shutdown calls the script's shutdown hook and releases the state.
func (p *ScriptPlugin) Shutdown(ctx context.Context) error {
	var hookErr error
	if p.shutdown != nil {
		_, hookErr = p.call(ctx, p.shutdown)
	}

	// Closing on the executor orders it after every queued call.
	closeErr := p.exec.Do(context.WithoutCancel(ctx), func(*lua.LState) error {
		return p.state.Close()
	})
	p.exec.Close()
	p.stop()

	if errors.Is(closeErr, ErrExecutorClosed) {
		closeErr = p.state.Close()
	}
	return errors.Join(hookErr, closeErr)
}

// call runs fn on the executor with ctx attached to the Lua state.
func (p *ScriptPlugin) call(ctx context.Context, fn *lua.LFunction, args ...any) (any, error) {
	var out any
	err := p.exec.Do(ctx, func(L *lua.LState) error {
		L.SetContext(ctx)
		defer L.RemoveContext()

		p.state.Sandbox().TakeDenial()
		result, err := p.bridge.CallFunc(fn, args...)
		if err != nil {
			if denial := p.state.Sandbox().TakeDenial(); denial != nil {
				return denial
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("lua %s: %w", p.Name(), err)
		}
		out = result
		return nil
	})
	return out, err
}
