package plugin

import (
	"context"
	"log/slog"

	"github.com/dshills/axon/internal/plugin/security"
)

// Plugin is the contract every plugin implements.
//
// Load is called once after instantiation; returning an error aborts
// registration. Execute may be called many times and concurrently, so a
// plugin with mutable state must synchronize it. Execute should honor ctx:
// it is cancelled when the caller's timeout fires, and a plugin that
// ignores it keeps running after the caller has stopped waiting.
type Plugin interface {
	Load(ctx context.Context, cfg Config) error
	Describe() map[string]any
	Execute(ctx context.Context, input any) (any, error)
	Shutdown(ctx context.Context) error
}

// InputShaper is implemented by plugins that declare the shape of their input.
// InputShape returns a prototype value (usually a zero struct) whose JSON
// Schema is used to validate every input before Execute.
type InputShaper interface {
	InputShape() any
}

// OutputShaper is implemented by plugins that declare the shape of their output.
type OutputShaper interface {
	OutputShape() any
}

// Env is what a Factory receives to build a plugin instance.
type Env struct {
	// Manifest after deny-list stripping.
	Manifest *Manifest

	// Guard enforces the granted permissions.
	Guard *security.Guard

	// DryRun asks the plugin to skip side effects it can skip.
	DryRun bool

	// Logger is scoped to the plugin.
	Logger *slog.Logger
}

// Factory builds a plugin instance.
type Factory func(env Env) (Plugin, error)

// Base provides default implementations of the optional parts of the
// contract. Plugins embed it and implement Execute.
type Base struct {
	env Env
}

// NewBase creates a Base from env.
func NewBase(env Env) Base {
	if env.Logger == nil {
		env.Logger = slog.New(slog.DiscardHandler)
	}
	if env.Guard == nil && env.Manifest != nil {
		env.Guard = security.NewGuard(env.Manifest.Name, env.Manifest.PermissionSet(),
			security.WithDryRun(env.DryRun), security.WithLogger(env.Logger))
	}
	return Base{env: env}
}

// Name returns the plugin name.
func (b *Base) Name() string {
	if b.env.Manifest == nil {
		return ""
	}
	return b.env.Manifest.Name
}

// Manifest returns the plugin manifest.
func (b *Base) Manifest() *Manifest {
	return b.env.Manifest
}

// DryRun returns true if the plugin should skip side effects.
func (b *Base) DryRun() bool {
	return b.env.DryRun
}

// Logger returns the plugin logger.
func (b *Base) Logger() *slog.Logger {
	return b.env.Logger
}

// Guard returns the permission guard.
func (b *Base) Guard() *security.Guard {
	return b.env.Guard
}

// Require returns an error matching ErrPermissionDenied unless perm was granted.
func (b *Base) Require(perm security.Permission) error {
	if b.env.Guard == nil {
		return security.Require(perm, security.Set{}, b.env.DryRun)
	}
	return b.env.Guard.Require(perm)
}

// RequirePath is Require plus a check that path lies within the
// configured filesystem roots.
func (b *Base) RequirePath(perm security.Permission, path string) error {
	if b.env.Guard == nil {
		return security.Require(perm, security.Set{}, b.env.DryRun)
	}
	return b.env.Guard.RequirePath(perm, path)
}

// Load does nothing.
func (b *Base) Load(context.Context, Config) error {
	return nil
}

// Describe reports the manifest identity and granted permissions.
func (b *Base) Describe() map[string]any {
	m := b.env.Manifest
	if m == nil {
		return map[string]any{}
	}

	perms := make([]string, len(m.Permissions))
	for i, p := range m.Permissions {
		perms[i] = string(p)
	}
	return map[string]any{
		"name":        m.Name,
		"version":     m.Version,
		"description": m.Description,
		"permissions": perms,
		"dry_run":     b.env.DryRun,
	}
}

// Shutdown does nothing.
func (b *Base) Shutdown(context.Context) error {
	return nil
}
