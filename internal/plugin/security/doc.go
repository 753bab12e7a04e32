// Package security provides the permission model for plugins.
//
// A plugin manifest requests a set of permissions. Before the plugin is
// instantiated the loader removes any permission named in its deny-list;
// whatever remains is the granted set. Privileged code paths inside a
// plugin call Guard.Require before doing the privileged thing.
//
// # Permissions
//
// The vocabulary is closed:
//
//   - fs.read: read files from the local filesystem
//   - fs.write: create or modify files
//   - net.http: make outbound HTTP requests
//   - process.spawn: start child processes
//
// Any other token in a manifest is a validation error.
//
// # Dry-run
//
// A Guard created with WithDryRun logs every check at info level. It never
// turns a denial into a grant: a plugin that wants to skip a side effect
// under dry-run must still hold the permission that guards it.
//
// # Path roots
//
// A Guard may also carry filesystem roots. RequirePath checks the
// permission first and then verifies the target lies within one of the
// roots.
package security
