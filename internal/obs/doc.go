// Package obs records what the plugin framework did.
//
// A RunRecord describes one unit of agent work (a chat turn, a CLI
// invocation). It travels through a context.Context; every plugin call
// made while it is active appends a PluginCallRecord to it. Records hold
// truncated previews of inputs and outputs, never full payloads.
//
// Redaction of secret-looking fields is opt-in and happens when a record
// is serialized for export, see Export.
package obs
