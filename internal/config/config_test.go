package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/dshills/axon/internal/config/loader"
	"github.com/dshills/axon/internal/obs"
	"github.com/dshills/axon/internal/plugin/security"
)

// staticEnv is a fixed environment source.
type staticEnv map[string]any

func (e staticEnv) Load() (map[string]any, error) {
	return loader.Clone(e), nil
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), DefaultFileName)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Plugins.DefaultTimeout != DefaultTimeout {
		t.Errorf("DefaultTimeout = %v, want %v", cfg.Plugins.DefaultTimeout, DefaultTimeout)
	}
	if cfg.Plugins.MaxWorkers != DefaultMaxWorkers {
		t.Errorf("MaxWorkers = %d, want %d", cfg.Plugins.MaxWorkers, DefaultMaxWorkers)
	}
	if cfg.Trace.PreviewChars != obs.DefaultPreviewChars {
		t.Errorf("PreviewChars = %d, want %d", cfg.Trace.PreviewChars, obs.DefaultPreviewChars)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("Log = %+v, want info/text", cfg.Log)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}

func TestDataDir(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data")
	if got := DataDir(); got != filepath.Join("/data", "axon") {
		t.Errorf("DataDir() = %q, want /data/axon", got)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
[plugins]
paths = ["/opt/plugins", "./plugins"]
deny = ["process.spawn", "net.http"]
dry_run = true
default_timeout = "5s"
max_workers = 4
fs_roots = ["/tmp"]

[plugins.config.file_reader]
max_bytes = 512

[trace]
jsonl = "/var/log/axon/traces.jsonl"
database = ""
redact_secrets = true
preview_chars = 80

[log]
level = "debug"
format = "json"
`)

	cfg, err := Load(path, WithEnv(nil))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Source != path {
		t.Errorf("Source = %q, want %q", cfg.Source, path)
	}
	want := PluginsConfig{
		Paths:          []string{"/opt/plugins", "./plugins"},
		Deny:           []string{"process.spawn", "net.http"},
		DryRun:         true,
		DefaultTimeout: 5 * time.Second,
		MaxWorkers:     4,
		FSRoots:        []string{"/tmp"},
		Config: map[string]map[string]any{
			"file_reader": {"max_bytes": int64(512)},
		},
	}
	if !reflect.DeepEqual(cfg.Plugins, want) {
		t.Errorf("Plugins = %+v, want %+v", cfg.Plugins, want)
	}
	wantTrace := TraceConfig{JSONL: "/var/log/axon/traces.jsonl", RedactSecrets: true, PreviewChars: 80}
	if cfg.Trace != wantTrace {
		t.Errorf("Trace = %+v, want %+v", cfg.Trace, wantTrace)
	}
	if cfg.Log != (LogConfig{Level: "debug", Format: "json"}) {
		t.Errorf("Log = %+v", cfg.Log)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"), WithEnv(nil))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Source != "" {
		t.Errorf("Source = %q, want empty", cfg.Source)
	}
	if cfg.Plugins.MaxWorkers != DefaultMaxWorkers {
		t.Errorf("MaxWorkers = %d, want default", cfg.Plugins.MaxWorkers)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
[plugins]
dry_run = false
max_workers = 4

[log]
level = "warn"
`)

	env := staticEnv{
		"plugins": map[string]any{
			"dry_run": true,
			"deny":    "process.spawn, fs.write",
		},
		"trace": map[string]any{"redact_secrets": int64(1)},
	}

	cfg, err := Load(path, WithEnv(env))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if !cfg.Plugins.DryRun {
		t.Error("DryRun = false, want env override true")
	}
	if cfg.Plugins.MaxWorkers != 4 {
		t.Errorf("MaxWorkers = %d, want 4 from file", cfg.Plugins.MaxWorkers)
	}
	if want := []string{"process.spawn", "fs.write"}; !reflect.DeepEqual(cfg.Plugins.Deny, want) {
		t.Errorf("Deny = %v, want %v", cfg.Plugins.Deny, want)
	}
	if !cfg.Trace.RedactSecrets {
		t.Error("RedactSecrets = false, want true from LOG_REDACT_SECRETS=1")
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want warn", cfg.Log.Level)
	}
}

func TestLoadProcessEnvironment(t *testing.T) {
	t.Setenv("AXON_PLUGINS_DEFAULT_TIMEOUT", "250ms")
	t.Setenv("AXON_TRACE_PREVIEW_CHARS", "1")
	t.Setenv("LOG_REDACT_SECRETS", "1")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Plugins.DefaultTimeout != 250*time.Millisecond {
		t.Errorf("DefaultTimeout = %v, want 250ms", cfg.Plugins.DefaultTimeout)
	}
	if cfg.Trace.PreviewChars != 1 {
		t.Errorf("PreviewChars = %d, want 1", cfg.Trace.PreviewChars)
	}
	if !cfg.Trace.RedactSecrets {
		t.Error("RedactSecrets = false, want true")
	}
}

func TestLoadNestedEnvPluginConfig(t *testing.T) {
	path := writeConfig(t, `
[plugins.config.file_reader]
max_bytes = 1024
encoding = "utf-8"
`)
	env := loader.NewEnvLoader(loader.DefaultEnvPrefix, loader.WithEnviron(func() []string {
		return []string{"AXON_PLUGINS__CONFIG__FILE_READER__MAX_BYTES=2048"}
	}))

	cfg, err := Load(path, WithEnv(env))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	got := cfg.Plugins.Config["file_reader"]
	if got["max_bytes"] != int64(2048) {
		t.Errorf("max_bytes = %v (%T), want 2048 from env", got["max_bytes"], got["max_bytes"])
	}
	if got["encoding"] != "utf-8" {
		t.Errorf("encoding = %v, want utf-8 kept from file", got["encoding"])
	}
}

func TestLoadParseError(t *testing.T) {
	path := writeConfig(t, "[plugins\n")

	_, err := Load(path, WithEnv(nil))
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("Load() error = %v, want *ParseError", err)
	}
	if perr.Path != path {
		t.Errorf("ParseError.Path = %q, want %q", perr.Path, path)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		path    string
	}{
		{"unknown deny token", "[plugins]\ndeny = [\"fs.delete\"]", "plugins.deny"},
		{"negative workers", "[plugins]\nmax_workers = -1", "plugins.max_workers"},
		{"negative timeout", "[plugins]\ndefault_timeout = \"-1s\"", "plugins.default_timeout"},
		{"bad timeout", "[plugins]\ndefault_timeout = \"soon\"", "plugins.default_timeout"},
		{"bad level", "[log]\nlevel = \"loud\"", "log.level"},
		{"bad format", "[log]\nformat = \"xml\"", "log.format"},
		{"negative preview", "[trace]\npreview_chars = -5", "trace.preview_chars"},
		{"wrong type", "[plugins]\ndry_run = \"sometimes\"", "plugins.dry_run"},
		{"section not a table", "plugins = 3", "plugins"},
		{"plugin config not a table", "[plugins.config]\necho = 1", "plugins.config.echo"},
		{"deny entry not a string", "[plugins]\ndeny = [1]", "plugins.deny"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content))
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("Parse() error = %v, want %v", err, ErrInvalid)
			}
			var serr *SettingError
			if !errors.As(err, &serr) {
				t.Fatalf("Parse() error = %T, want *SettingError", err)
			}
			if serr.Key != tt.path {
				t.Errorf("SettingError.Key = %q, want %q", serr.Key, tt.path)
			}
		})
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := Default()
	cfg.Plugins.MaxWorkers = -1
	cfg.Log.Level = "loud"

	err := cfg.Validate()
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("Validate() = %v, want %v", err, ErrInvalid)
	}
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok || len(joined.Unwrap()) != 2 {
		t.Errorf("Validate() = %v, want 2 joined errors", err)
	}
}

func TestDurationForms(t *testing.T) {
	tests := []struct {
		content string
		want    time.Duration
	}{
		{`default_timeout = "1m"`, time.Minute},
		{`default_timeout = 3`, 3 * time.Second},
		{`default_timeout = 0.5`, 500 * time.Millisecond},
		{`default_timeout = 0`, 0},
	}

	for _, tt := range tests {
		cfg, err := Parse([]byte("[plugins]\n" + tt.content))
		if err != nil {
			t.Fatalf("Parse(%q) error = %v", tt.content, err)
		}
		if cfg.Plugins.DefaultTimeout != tt.want {
			t.Errorf("Parse(%q) DefaultTimeout = %v, want %v", tt.content, cfg.Plugins.DefaultTimeout, tt.want)
		}
	}
}

func TestManagerConfig(t *testing.T) {
	cfg, err := Parse([]byte(`
[plugins]
paths = ["/p"]
deny = ["net.http"]
dry_run = true
default_timeout = "2s"
max_workers = 3
fs_roots = ["/srv"]

[trace]
preview_chars = 50
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	mc := cfg.ManagerConfig()
	if !reflect.DeepEqual(mc.PluginPaths, []string{"/p"}) {
		t.Errorf("PluginPaths = %v", mc.PluginPaths)
	}
	if !reflect.DeepEqual(mc.Deny, []security.Permission{security.PermNetHTTP}) {
		t.Errorf("Deny = %v, want [net.http]", mc.Deny)
	}
	if !mc.DryRun || mc.DefaultTimeout != 2*time.Second || mc.MaxWorkers != 3 {
		t.Errorf("ManagerConfig() = %+v", mc)
	}
	if mc.PreviewChars != 50 {
		t.Errorf("PreviewChars = %d, want 50", mc.PreviewChars)
	}
	if !reflect.DeepEqual(mc.FSRoots, []string{"/srv"}) {
		t.Errorf("FSRoots = %v", mc.FSRoots)
	}
}

func TestLoadIncludes(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "base.toml"), []byte("[log]\nformat = \"json\"\nlevel = \"error\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, DefaultFileName)
	if err := os.WriteFile(path, []byte("\"@include\" = \"base.toml\"\n[log]\nlevel = \"debug\"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path, WithEnv(nil))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Log != (LogConfig{Level: "debug", Format: "json"}) {
		t.Errorf("Log = %+v, want debug/json", cfg.Log)
	}
}
