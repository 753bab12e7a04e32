package plugin

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/dshills/axon/internal/plugin/security"
)

// Plugin system errors.
var (
	// ErrManifestNotFound is returned when a plugin has no manifest file.
	ErrManifestNotFound = errors.New("manifest not found")

	// ErrManifestInvalid is returned when a manifest fails validation.
	ErrManifestInvalid = errors.New("manifest invalid")

	// ErrUnsupportedManifestFormat is returned for unknown manifest extensions.
	ErrUnsupportedManifestFormat = errors.New("unsupported manifest format")

	// ErrModuleLoad is returned when an entrypoint cannot be resolved.
	ErrModuleLoad = errors.New("module load failed")

	// ErrContractViolation is returned when resolved code does not behave
	// like a plugin.
	ErrContractViolation = errors.New("plugin contract violation")

	// ErrConfigInvalid is returned when plugin config does not match its schema.
	ErrConfigInvalid = errors.New("plugin config invalid")

	// ErrPluginNotFound is returned when no plugin is registered under a name.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrExecutionTimeout is returned when a plugin call outlives its timeout.
	ErrExecutionTimeout = errors.New("plugin execution timed out")

	// ErrInputInvalid is returned when input does not match the declared shape.
	ErrInputInvalid = errors.New("plugin input invalid")

	// ErrOutputInvalid is returned when output does not match the declared shape.
	ErrOutputInvalid = errors.New("plugin output invalid")

	// ErrDuplicateEntrypoint is returned when registering an entrypoint twice.
	ErrDuplicateEntrypoint = errors.New("entrypoint already registered")

	// ErrNilManifest is returned when a nil manifest is provided.
	ErrNilManifest = errors.New("manifest is nil")

	// ErrPermissionDenied is returned when a plugin uses a permission it
	// was not granted.
	ErrPermissionDenied = security.ErrPermissionDenied
)

// PanicError wraps a value recovered from a panicking plugin.
type PanicError struct {
	Value any
	stack []byte
}

func newPanicError(v any) *PanicError {
	return &PanicError{Value: v, stack: debug.Stack()}
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("plugin panic: %v", e.Value)
}

// Stack returns the stack captured when the panic was recovered.
func (e *PanicError) Stack() []byte {
	return e.stack
}

// Kind returns the kind label for a panic.
func (e *PanicError) Kind() string {
	return "PluginPanic"
}

// ManifestError is a validation failure of a manifest that did parse, so
// the plugin name it declares is known.
type ManifestError struct {
	Name string
	Err  error
}

func (e *ManifestError) Error() string { return e.Err.Error() }

func (e *ManifestError) Unwrap() error { return e.Err }

var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrManifestNotFound, "ManifestNotFound"},
	{ErrManifestInvalid, "ManifestInvalid"},
	{ErrUnsupportedManifestFormat, "UnsupportedManifestFormat"},
	{ErrModuleLoad, "ModuleLoadError"},
	{ErrContractViolation, "PluginContractViolation"},
	{ErrConfigInvalid, "ConfigInvalid"},
	{ErrPluginNotFound, "PluginNotFound"},
	{ErrPermissionDenied, "PermissionDenied"},
	{ErrExecutionTimeout, "ExecutionTimeout"},
	{ErrInputInvalid, "InputInvalid"},
	{ErrOutputInvalid, "OutputInvalid"},
	{context.Canceled, "Canceled"},
	{context.DeadlineExceeded, "DeadlineExceeded"},
}

// Kind returns the taxonomy label recorded for err.
// Errors outside the taxonomy are labeled by their Go type.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		return pe.Kind()
	}
	return fmt.Sprintf("%T", err)
}
