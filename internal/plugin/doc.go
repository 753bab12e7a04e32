// Package plugin loads, runs, and tears down axon plugins.
//
// A plugin is a unit of code described by a manifest. The Manager finds
// manifests on disk, strips denied permissions, resolves each manifest's
// entrypoint to a Factory through a Registry, builds the plugin's typed
// configuration, calls Load, and keeps the result under the manifest name.
// Callers then run plugins by name with Execute and release them with
// ShutdownAll.
//
// # Quick Start
//
//	reg := plugin.NewRegistry()
//	reg.MustRegister("echo:EchoPlugin", echo.New)
//
//	mgr := plugin.NewManager(plugin.DefaultManagerConfig(), reg)
//	if err := mgr.Discover(ctx, configs); err != nil {
//	    log.Printf("some plugins failed to load: %v", err)
//	}
//	defer mgr.ShutdownAll(ctx)
//
//	out, err := mgr.Execute(ctx, "echo", map[string]any{"text": "hi"},
//	    plugin.WithTimeout(2*time.Second), plugin.WithRetries(1))
//
// # Plugin Layout
//
// Each search path may hold directory plugins and flat manifests:
//
//	~/.config/axon/plugins/
//	├── notes/
//	│   ├── plugin.yaml     # manifest
//	│   └── notes.lua       # script, when the entrypoint is lua:notes.lua
//	└── echo.toml           # flat manifest for a built-in plugin
//
// # Manifest
//
//	name: file_writer
//	version: 1.0.0
//	description: Writes notes to disk
//	entrypoint: "file_writer:FileWriterPlugin"
//	permissions: [fs.write]
//	config_schema:
//	  base_dir: str
//
// Manifests are YAML (.yaml, .yml) or TOML (.toml). Unknown permission
// tokens, missing required fields, and malformed entrypoints fail
// validation.
//
// # Entrypoints
//
// An entrypoint is "<module>:<Name>". Entrypoints are looked up in the
// Registry the Manager was created with; there is no global registry.
// A module registered as a scheme (the lua package registers "lua")
// resolves every entrypoint in that module, e.g. "lua:notes.lua".
//
// # Lifecycle
//
//	Discovered → Validated → Loaded → Ready → (Executing)* → Shutdown
//
// Discovery is best-effort: a plugin that fails any step is skipped, its
// error is logged and collected, and the rest still load. Discover is
// not safe to call concurrently with itself, Execute, or ShutdownAll.
//
// # Execution
//
// Execute may be called concurrently, including for the same plugin; the
// manager holds no per-plugin lock. With a timeout the plugin runs on a
// worker goroutine and the caller waits at most that long. The context
// handed to the plugin is cancelled when the deadline fires, but a plugin
// that ignores its context keeps running in the background: a timeout
// means "stop waiting", not "stopped". Retries are sequential and
// immediate; every attempt produces one obs.PluginCallRecord on the run
// carried by the context, if any.
package plugin
