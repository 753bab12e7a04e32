// Package config loads the axon configuration.
//
// Settings come from three layers, higher layers overriding lower:
//
//	┌─────────────────────────────┐
//	│  3. Environment Variables   │  ← AXON_*, LOG_REDACT_SECRETS
//	├─────────────────────────────┤
//	│  2. Configuration File      │  ← axon.toml (with "@include")
//	├─────────────────────────────┤
//	│  1. Built-in Defaults       │  ← Lowest priority
//	└─────────────────────────────┘
//
// The file is TOML with three sections:
//
//	[plugins]
//	paths = ["./plugins"]
//	deny = ["process.spawn"]
//	dry_run = false
//	default_timeout = "30s"
//	max_workers = 16
//
//	[plugins.config.file_reader]
//	max_bytes = 4096
//
//	[trace]
//	jsonl = "traces.jsonl"
//	database = "traces.db"
//	redact_secrets = true
//	preview_chars = 200
//
//	[log]
//	level = "info"
//	format = "text"
//
// Environment variables map to settings by section, so
// AXON_PLUGINS_DRY_RUN=true sets plugins.dry_run. LOG_REDACT_SECRETS=1
// sets trace.redact_secrets.
//
// # Sub-packages
//
//   - loader: raw TOML and environment loading, deep merging
//
// Malformed files fail with a *ParseError; settings of the wrong type or
// out of range fail with an error matching ErrInvalid.
package config
