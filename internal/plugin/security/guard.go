package security

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// ErrPermissionDenied is matched by every PermissionError.
var ErrPermissionDenied = errors.New("permission denied")

// PermissionError reports a privileged operation attempted without the
// permission that guards it.
type PermissionError struct {
	Plugin     string
	Permission Permission
	Path       string // set when a path root check failed
	DryRun     bool
}

// Error implements the error interface.
func (e *PermissionError) Error() string {
	var b strings.Builder
	b.WriteString("permission denied")
	if e.Plugin != "" {
		fmt.Fprintf(&b, " for plugin %q", e.Plugin)
	}
	fmt.Fprintf(&b, ": %s", e.Permission)
	if e.Path != "" {
		fmt.Fprintf(&b, " (path %s outside allowed roots)", e.Path)
	}
	return b.String()
}

// Is reports whether target is ErrPermissionDenied.
func (e *PermissionError) Is(target error) bool {
	return target == ErrPermissionDenied
}

// Require checks perm against granted.
// It returns a *PermissionError when perm is absent, whatever dryRun says.
func Require(perm Permission, granted Set, dryRun bool) error {
	if granted.Has(perm) {
		return nil
	}
	return &PermissionError{Permission: perm, DryRun: dryRun}
}

// Guard enforces a plugin's granted permissions.
// A Guard is immutable and safe for concurrent use.
type Guard struct {
	plugin  string
	granted Set
	dryRun  bool
	roots   []string
	logger  *slog.Logger
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithDryRun marks the guard as running in dry-run mode.
func WithDryRun(dryRun bool) GuardOption {
	return func(g *Guard) {
		g.dryRun = dryRun
	}
}

// WithLogger sets the logger used for audit entries.
func WithLogger(logger *slog.Logger) GuardOption {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithRoots restricts RequirePath to the given directories.
// With no roots any path is accepted.
func WithRoots(roots ...string) GuardOption {
	return func(g *Guard) {
		for _, r := range roots {
			root := normalizePath(r)
			if real, err := resolvePath(root); err == nil {
				root = real
			}
			g.roots = append(g.roots, root)
		}
	}
}

// NewGuard creates a guard for plugin holding granted.
func NewGuard(plugin string, granted Set, opts ...GuardOption) *Guard {
	g := &Guard{
		plugin:  plugin,
		granted: granted,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Plugin returns the name of the guarded plugin.
func (g *Guard) Plugin() string {
	return g.plugin
}

// Granted returns the granted permissions.
func (g *Guard) Granted() Set {
	return g.granted
}

// DryRun returns true if the guard is in dry-run mode.
func (g *Guard) DryRun() bool {
	return g.dryRun
}

// Has returns true if perm was granted.
func (g *Guard) Has(perm Permission) bool {
	return g.granted.Has(perm)
}

// Require returns a *PermissionError if perm was not granted.
// Denials are always logged. In dry-run mode every check is logged.
func (g *Guard) Require(perm Permission) error {
	err := Require(perm, g.granted, g.dryRun)
	if g.dryRun {
		g.logger.Info("permission-check",
			"plugin", g.plugin,
			"permission", string(perm),
			"granted", err == nil,
			"dry_run", true,
		)
	}
	if err != nil {
		var pe *PermissionError
		if errors.As(err, &pe) {
			pe.Plugin = g.plugin
		}
		g.logger.Warn("permission-denied",
			"plugin", g.plugin,
			"permission", string(perm),
			"dry_run", g.dryRun,
		)
		return err
	}
	return nil
}

// RequirePath checks perm and then that path lies within the guard's roots.
func (g *Guard) RequirePath(perm Permission, path string) error {
	if err := g.Require(perm); err != nil {
		return err
	}
	if len(g.roots) == 0 {
		return nil
	}

	abs := normalizePath(path)
	if real, err := resolvePath(abs); err == nil {
		for _, root := range g.roots {
			if isWithinPath(real, root) {
				return nil
			}
		}
	}

	g.logger.Warn("permission-denied",
		"plugin", g.plugin,
		"permission", string(perm),
		"path", abs,
		"dry_run", g.dryRun,
	)
	return &PermissionError{Plugin: g.plugin, Permission: perm, Path: abs, DryRun: g.dryRun}
}

// normalizePath returns an absolute, clean path.
func normalizePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return filepath.Clean(abs)
}

// resolvePath follows symlinks in the deepest existing ancestor of abs
// and appends the components that do not exist yet. A dangling symlink on
// the way is an error, since writing through it would land wherever it
// points.
func resolvePath(abs string) (string, error) {
	existing := abs
	var rest []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		rest = append(rest, filepath.Base(existing))
		existing = parent
	}

	real, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	for _, name := range slices.Backward(rest) {
		real = filepath.Join(real, name)
	}
	return real, nil
}

// isWithinPath checks if target is within or equal to base.
// "/tmp/data" does not contain "/tmp/database".
func isWithinPath(target, base string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
