package app

import (
	"context"
	"log/slog"

	"github.com/dshills/axon/internal/config"
	"github.com/dshills/axon/internal/obs"
	"github.com/dshills/axon/internal/plugin"
	"github.com/dshills/axon/internal/plugin/lua"
	"github.com/dshills/axon/internal/plugins"
	"github.com/dshills/axon/internal/tracestore"
)

// bootstrapper handles component initialization with proper cleanup on failure.
type bootstrapper struct {
	app       *Application
	opts      Options
	initOrder []string
}

func newBootstrapper(app *Application, opts Options) *bootstrapper {
	return &bootstrapper{
		app:       app,
		opts:      opts,
		initOrder: make([]string, 0, 4),
	}
}

// bootstrap initializes all components in dependency order.
// On failure, it cleans up already-initialized components.
func (b *bootstrapper) bootstrap(ctx context.Context) error {
	steps := []func(context.Context) error{
		b.initConfig,
		b.initLogging,
		b.initTrace,
		b.initPlugins,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			b.cleanup()
			return err
		}
	}
	return nil
}

// initConfig loads configuration and applies option overrides.
func (b *bootstrapper) initConfig(_ context.Context) error {
	cfg, err := config.Load(b.opts.ConfigPath, b.opts.ConfigOptions...)
	if err != nil {
		return &InitError{Component: "config", Err: err}
	}

	if b.opts.LogLevel != "" {
		cfg.Log.Level = b.opts.LogLevel
	}
	if b.opts.LogFormat != "" {
		cfg.Log.Format = b.opts.LogFormat
	}
	if b.opts.DryRun {
		cfg.Plugins.DryRun = true
	}
	if len(b.opts.Deny) > 0 {
		cfg.Plugins.Deny = append(cfg.Plugins.Deny, b.opts.Deny...)
	}
	if len(b.opts.PluginPaths) > 0 {
		cfg.Plugins.Paths = b.opts.PluginPaths
	}
	if b.opts.TraceDatabase != "" {
		cfg.Trace.Database = b.opts.TraceDatabase
	}
	if b.opts.NoTraceStore {
		cfg.Trace.Database = ""
	}
	if b.opts.TraceJSONL != "" {
		cfg.Trace.JSONL = b.opts.TraceJSONL
	}

	if err := cfg.Validate(); err != nil {
		return &InitError{Component: "config", Err: err}
	}

	b.app.config = cfg
	b.initOrder = append(b.initOrder, "config")
	return nil
}

// initLogging builds the process logger.
func (b *bootstrapper) initLogging(_ context.Context) error {
	cfg := b.app.config
	logger, err := obs.NewLogger(logOutput(b.opts.LogOutput), cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return &InitError{Component: "logging", Err: err}
	}

	b.app.logger = logger
	b.initOrder = append(b.initOrder, "logging")

	if cfg.Source != "" {
		logger.Debug("configuration loaded", slog.String("path", cfg.Source))
	}
	return nil
}

// initTrace opens the trace sinks and creates the tracer.
func (b *bootstrapper) initTrace(ctx context.Context) error {
	cfg := b.app.config.Trace
	var sinks []obs.Sink

	if cfg.JSONL != "" {
		b.app.jsonl = obs.NewJSONLSink(cfg.JSONL)
		sinks = append(sinks, b.app.jsonl)
	}

	if cfg.Database != "" {
		store, err := tracestore.Open(ctx, cfg.Database, tracestore.WithLogger(b.app.logger))
		if err != nil {
			return &InitError{Component: "trace store", Err: err}
		}
		b.app.store = store
		b.initOrder = append(b.initOrder, "store")
		sinks = append(sinks, store)
	}

	b.app.tracer = obs.NewTracer(
		obs.WithSinks(sinks...),
		obs.WithRedaction(cfg.RedactSecrets),
		obs.WithTracerLogger(b.app.logger))
	return nil
}

// initPlugins registers entrypoints and creates the plugin manager.
func (b *bootstrapper) initPlugins(_ context.Context) error {
	registry := plugin.NewRegistry()
	if err := plugins.RegisterAll(registry); err != nil {
		return &InitError{Component: "plugins", Err: err}
	}
	if err := lua.Register(registry); err != nil {
		return &InitError{Component: "plugins", Err: err}
	}

	b.app.registry = registry
	b.app.manager = plugin.NewManager(b.app.config.ManagerConfig(), registry,
		plugin.WithLogger(b.app.logger))
	b.initOrder = append(b.initOrder, "plugins")
	return nil
}

// cleanup performs cleanup in reverse initialization order.
// Called when bootstrap fails partway through.
func (b *bootstrapper) cleanup() {
	for i := len(b.initOrder) - 1; i >= 0; i-- {
		switch b.initOrder[i] {
		case "store":
			if b.app.store != nil {
				_ = b.app.store.Close()
				b.app.store = nil
			}
		case "plugins":
			b.app.manager = nil
			b.app.registry = nil
		}
	}
}
