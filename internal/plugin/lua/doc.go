// Package lua runs Lua scripts as plugins.
//
// A manifest selects a script with an entrypoint of the form
// "lua:<file>.lua", resolved relative to the manifest's directory:
//
//	reg := plugin.NewRegistry()
//	if err := lua.Register(reg); err != nil {
//	    return err
//	}
//
// # Scripts
//
// A script defines the plugin hooks either as fields of the table it
// returns or as globals:
//
//	local M = {}
//
//	function M.load(cfg) end
//	function M.describe() return { kind = "example" } end
//	function M.execute(input) return { echo = input } end
//	function M.shutdown() end
//
//	return M
//
// execute is required; the other hooks are optional.
//
// # Sandbox
//
// Scripts get the base, string, table and math libraries. io, os, debug,
// package and the code-loading base functions are absent, and require
// only returns the safe libraries and the axon module.
//
// The axon module is the script's only way out of the sandbox:
//
//	axon.require("fs.write")          -- raises unless granted
//	axon.has("net.http")              -- true or false, no audit entry
//	axon.read_file(path)              -- needs fs.read
//	axon.write_file(path, data)       -- needs fs.write; false under dry-run
//	axon.log("message", "warn")
//	axon.plugin, axon.dry_run
//
// A denial the script does not catch surfaces to Go as an error matching
// plugin.ErrPermissionDenied.
//
// # Execution
//
// gopher-lua states are not goroutine-safe, so every call into a script
// runs on its Executor goroutine. The caller's context is attached to the
// state for the duration of the call; when it is cancelled the VM stops
// the script, which frees the executor for the next call.
package lua
