package tracestore

import "embed"

// embeddedMigrations holds the goose migrations compiled into the binary.
//
//go:embed migrations/*.sql
var embeddedMigrations embed.FS
