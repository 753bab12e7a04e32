// Package app wires the axon runtime together: configuration, logging,
// the plugin manager with its built-in and script plugins, and the run
// tracer with its sinks. It owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dshills/axon/internal/config"
	"github.com/dshills/axon/internal/obs"
	"github.com/dshills/axon/internal/plugin"
	"github.com/dshills/axon/internal/plugins"
	"github.com/dshills/axon/internal/tracestore"
	"github.com/dshills/axon/internal/watch"
)

// ModeCLI is the run mode of plugin calls made from the command line.
const ModeCLI = "cli"

// ShutdownTimeout bounds plugin shutdown when the caller's context is done.
const ShutdownTimeout = 5 * time.Second

// Application is the central coordinator for all axon components.
type Application struct {
	mu sync.Mutex

	config *config.Config
	logger *slog.Logger

	registry *plugin.Registry
	manager  *plugin.Manager

	tracer *obs.Tracer
	store  *tracestore.Store
	jsonl  *obs.JSONLSink

	// Built-in plugins that failed to load, by name.
	builtinErrs map[string]error

	opts   Options
	closed bool
}

// Options configures the application. Non-zero fields override the
// configuration file and environment.
type Options struct {
	// ConfigPath is the path to the configuration file.
	ConfigPath string

	// LogLevel and LogFormat override the [log] section.
	LogLevel  string
	LogFormat string

	// LogOutput receives log records. Default: os.Stderr.
	LogOutput io.Writer

	// DryRun forces dry-run mode on.
	DryRun bool

	// Deny adds permission tokens to the deny-list.
	Deny []string

	// PluginPaths replace the configured search paths.
	PluginPaths []string

	// TraceDatabase and TraceJSONL replace the configured trace sinks.
	TraceDatabase string
	TraceJSONL    string

	// NoTraceStore disables the SQLite trace store.
	NoTraceStore bool

	// NoBuiltins skips the built-in plugins.
	NoBuiltins bool

	// ConfigOptions are passed to config.Load.
	ConfigOptions []config.Option
}

// New creates an Application and initializes every component. Plugins
// are not loaded until LoadPlugins.
func New(ctx context.Context, opts Options) (*Application, error) {
	app := &Application{
		opts:        opts,
		builtinErrs: make(map[string]error),
	}

	if err := newBootstrapper(app, opts).bootstrap(ctx); err != nil {
		return nil, err
	}
	return app, nil
}

// LoadPlugins loads the built-in plugins, then discovers plugins on the
// search paths. Loading is best-effort: every failure is logged and the
// returned error joins them; plugins that loaded stay usable.
func (app *Application) LoadPlugins(ctx context.Context) error {
	var errs []error

	if !app.opts.NoBuiltins {
		if err := app.loadBuiltins(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if err := app.manager.Discover(ctx, app.config.PluginConfigs()); err != nil {
		errs = append(errs, err)
	}

	app.logger.DebugContext(ctx, "plugins loaded", slog.Int("count", app.manager.Count()))
	return errors.Join(errs...)
}

// loadBuiltins adds every built-in manifest to the manager.
func (app *Application) loadBuiltins(ctx context.Context) error {
	manifests, err := plugins.Manifests()
	if err != nil {
		return fmt.Errorf("reading built-in manifests: %w", err)
	}

	app.mu.Lock()
	app.builtinErrs = make(map[string]error)
	app.mu.Unlock()

	var errs []error
	for _, m := range manifests {
		if err := app.manager.Add(ctx, m, app.config.PluginConfigs()[m.Name]); err != nil {
			app.logger.WarnContext(ctx, "builtin-load-failed",
				slog.String("plugin", m.Name),
				slog.String("kind", plugin.Kind(err)),
				slog.Any("error", err))

			app.mu.Lock()
			app.builtinErrs[m.Name] = err
			app.mu.Unlock()
			errs = append(errs, fmt.Errorf("plugin %s: %w", m.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Reload shuts every plugin down and loads them again.
func (app *Application) Reload(ctx context.Context) error {
	shutdownErr := app.manager.ShutdownAll(ctx)
	return errors.Join(shutdownErr, app.LoadPlugins(ctx))
}

// LoadErrors returns the per-plugin errors of the last load.
func (app *Application) LoadErrors() map[string]error {
	errs := app.manager.DiscoveryErrors()

	app.mu.Lock()
	defer app.mu.Unlock()
	for name, err := range app.builtinErrs {
		if _, loaded := app.manager.Get(name); !loaded {
			errs[name] = err
		}
	}
	return errs
}

// Execute runs one plugin call inside a traced run. The run record is
// returned even when the call fails.
func (app *Application) Execute(ctx context.Context, name string, input any, opts ...plugin.ExecOption) (any, *obs.RunRecord, error) {
	var out any
	rec, err := app.tracer.Run(ctx, ModeCLI, func(ctx context.Context) error {
		var err error
		out, err = app.manager.Execute(ctx, name, input, opts...)
		return err
	}, obs.WithInput(input))
	return out, rec, err
}

// Watch reloads plugins whenever files under the search paths change,
// until ctx is done. Paths that do not exist are skipped.
func (app *Application) Watch(ctx context.Context, delay time.Duration) error {
	w, err := watch.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()

	watched := 0
	for _, path := range app.manager.Config().PluginPaths {
		if err := w.WatchRecursive(path); err != nil {
			if errors.Is(err, watch.ErrPathNotExist) {
				app.logger.DebugContext(ctx, "plugin path missing", slog.String("path", path))
				continue
			}
			return fmt.Errorf("watching %s: %w", path, err)
		}
		watched++
	}
	if watched == 0 {
		return fmt.Errorf("%w: no plugin path exists", watch.ErrPathNotExist)
	}

	app.logger.InfoContext(ctx, "watching plugin paths", slog.Any("paths", w.WatchedPaths()))

	r := watch.NewReloader(w, app.Reload,
		watch.WithDelay(delay),
		watch.WithLogger(app.logger))
	err = r.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown shuts down every plugin and closes the trace store. It is
// safe to call more than once.
func (app *Application) Shutdown(ctx context.Context) error {
	app.mu.Lock()
	if app.closed {
		app.mu.Unlock()
		return nil
	}
	app.closed = true
	app.mu.Unlock()

	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
		defer cancel()
	}

	var errs []error
	if err := app.manager.ShutdownAll(ctx); err != nil {
		errs = append(errs, err)
	}
	if app.store != nil {
		if err := app.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing trace store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Config returns the loaded configuration.
func (app *Application) Config() *config.Config {
	return app.config
}

// Logger returns the application logger.
func (app *Application) Logger() *slog.Logger {
	return app.logger
}

// Manager returns the plugin manager.
func (app *Application) Manager() *plugin.Manager {
	return app.manager
}

// Tracer returns the run tracer.
func (app *Application) Tracer() *obs.Tracer {
	return app.tracer
}

// Store returns the trace store, or nil when it is disabled.
func (app *Application) Store() *tracestore.Store {
	return app.store
}

// InitError represents an initialization error.
type InitError struct {
	Component string
	Err       error
}

func (e *InitError) Error() string {
	return "init " + e.Component + ": " + e.Err.Error()
}

func (e *InitError) Unwrap() error {
	return e.Err
}

func logOutput(w io.Writer) io.Writer {
	if w == nil {
		return os.Stderr
	}
	return w
}
