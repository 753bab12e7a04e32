package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dshills/axon/internal/config/loader"
	"github.com/dshills/axon/internal/obs"
	"github.com/dshills/axon/internal/plugin"
	"github.com/dshills/axon/internal/plugin/security"
)

// Defaults.
const (
	DefaultFileName        = "axon.toml"
	DefaultTimeout         = 30 * time.Second
	DefaultMaxWorkers      = 16
	DefaultLogLevel        = "info"
	DefaultLogFormat       = obs.FormatText
	DefaultMaxIncludeDepth = 8
)

// Config is the typed axon configuration.
type Config struct {
	Plugins PluginsConfig
	Trace   TraceConfig
	Log     LogConfig

	// Source is the file the configuration was read from, if any.
	Source string
}

// PluginsConfig is the [plugins] section.
type PluginsConfig struct {
	Paths          []string
	Deny           []string
	DryRun         bool
	DefaultTimeout time.Duration
	MaxWorkers     int
	FSRoots        []string

	// Config holds the raw [plugins.config.<name>] tables.
	Config map[string]map[string]any
}

// TraceConfig is the [trace] section. Empty paths disable a sink.
type TraceConfig struct {
	JSONL         string
	Database      string
	RedactSecrets bool
	PreviewChars  int
}

// LogConfig is the [log] section.
type LogConfig struct {
	Level  string
	Format string
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Plugins: PluginsConfig{
			Paths:          plugin.DefaultPluginPaths(),
			DefaultTimeout: DefaultTimeout,
			MaxWorkers:     DefaultMaxWorkers,
		},
		Trace: TraceConfig{
			Database:     filepath.Join(DataDir(), "traces.db"),
			PreviewChars: obs.DefaultPreviewChars,
		},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

// DataDir returns the directory for axon state: $XDG_DATA_HOME/axon,
// falling back to ~/.local/share/axon.
func DataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "axon")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "axon")
	}
	return ".axon"
}

// Option configures Load.
type Option func(*options)

type options struct {
	fs        loader.FileSystem
	envLoader loader.Loader
}

// WithFS reads configuration files from fsys.
func WithFS(fsys loader.FileSystem) Option {
	return func(o *options) {
		o.fs = fsys
	}
}

// WithEnv replaces the environment source. A nil loader ignores the
// environment.
func WithEnv(l loader.Loader) Option {
	return func(o *options) {
		o.envLoader = l
	}
}

// Load builds the configuration from defaults, the TOML file at path and
// the environment, in increasing priority. An empty path skips the file;
// a missing file is not an error.
func Load(path string, opts ...Option) (*Config, error) {
	o := &options{
		fs:        loader.DefaultFS(),
		envLoader: loader.NewEnvLoader(loader.DefaultEnvPrefix),
	}
	for _, opt := range opts {
		opt(o)
	}

	raw := make(map[string]any)
	source := ""

	if path != "" {
		fileLoader := loader.NewTOMLLoader(o.fs, path)
		fileLoader.MaxDepth = DefaultMaxIncludeDepth
		fileConfig, err := fileLoader.Load()
		if err != nil {
			return nil, err
		}
		if fileConfig != nil {
			raw = loader.DeepMerge(raw, fileConfig)
			source = path
		}
	}

	if o.envLoader != nil {
		envConfig, err := o.envLoader.Load()
		if err != nil {
			return nil, fmt.Errorf("reading environment: %w", err)
		}
		raw = loader.DeepMerge(raw, envConfig)
	}

	cfg := Default()
	cfg.Source = source
	if err := cfg.apply(raw); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse builds a configuration from TOML data over the defaults, without
// reading the environment.
func Parse(data []byte) (*Config, error) {
	raw, err := loader.Parse("<data>", data)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := cfg.apply(raw); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// apply overlays raw settings on c.
func (c *Config) apply(raw map[string]any) error {
	d := &decoder{raw: raw}

	d.stringsValue("plugins", "paths", &c.Plugins.Paths)
	d.stringsValue("plugins", "deny", &c.Plugins.Deny)
	d.boolValue("plugins", "dry_run", &c.Plugins.DryRun)
	d.durationValue("plugins", "default_timeout", &c.Plugins.DefaultTimeout)
	d.intValue("plugins", "max_workers", &c.Plugins.MaxWorkers)
	d.stringsValue("plugins", "fs_roots", &c.Plugins.FSRoots)
	d.tablesValue("plugins", "config", &c.Plugins.Config)

	d.stringValue("trace", "jsonl", &c.Trace.JSONL)
	d.stringValue("trace", "database", &c.Trace.Database)
	d.boolValue("trace", "redact_secrets", &c.Trace.RedactSecrets)
	d.intValue("trace", "preview_chars", &c.Trace.PreviewChars)

	d.stringValue("log", "level", &c.Log.Level)
	d.stringValue("log", "format", &c.Log.Format)

	return d.err
}

// Validate checks every setting and reports all failures joined.
func (c *Config) Validate() error {
	var errs []error

	if _, err := security.ParsePermissions(c.Plugins.Deny); err != nil {
		errs = append(errs, invalid("plugins.deny", nil, "%v", err))
	}
	if c.Plugins.DefaultTimeout < 0 {
		errs = append(errs, invalid("plugins.default_timeout", c.Plugins.DefaultTimeout, "must not be negative"))
	}
	if c.Plugins.MaxWorkers < 0 {
		errs = append(errs, invalid("plugins.max_workers", c.Plugins.MaxWorkers, "must not be negative"))
	}
	if c.Trace.PreviewChars < 0 {
		errs = append(errs, invalid("trace.preview_chars", c.Trace.PreviewChars, "must not be negative"))
	}
	if _, err := obs.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, invalid("log.level", c.Log.Level, "unknown level"))
	}
	switch strings.ToLower(c.Log.Format) {
	case obs.FormatText, obs.FormatJSON:
	default:
		errs = append(errs, invalid("log.format", c.Log.Format, "must be %q or %q", obs.FormatText, obs.FormatJSON))
	}

	return errors.Join(errs...)
}

// ManagerConfig converts the [plugins] and [trace] settings for
// plugin.NewManager. The configuration must be valid.
func (c *Config) ManagerConfig() plugin.ManagerConfig {
	deny, _ := security.ParsePermissions(c.Plugins.Deny)
	return plugin.ManagerConfig{
		PluginPaths:    c.Plugins.Paths,
		Deny:           deny,
		DryRun:         c.Plugins.DryRun,
		DefaultTimeout: c.Plugins.DefaultTimeout,
		MaxWorkers:     c.Plugins.MaxWorkers,
		PreviewChars:   c.Trace.PreviewChars,
		FSRoots:        c.Plugins.FSRoots,
	}
}

// PluginConfigs returns the raw per-plugin configuration tables.
func (c *Config) PluginConfigs() map[string]map[string]any {
	return c.Plugins.Config
}

// NewLogger builds the logger described by the [log] section.
func (c *Config) NewLogger() (*slog.Logger, error) {
	return obs.NewLogger(os.Stderr, c.Log.Level, c.Log.Format)
}
