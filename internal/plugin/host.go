package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/sync/semaphore"

	"github.com/dshills/axon/internal/plugin/security"
)

// errTimeoutCause marks contexts cancelled by an execution timeout.
var errTimeoutCause = errors.New("execution timeout")

// Host holds one live plugin instance and its granted permissions.
type Host struct {
	mu sync.RWMutex

	// Identity
	name     string
	manifest *Manifest

	// Instance
	plugin Plugin
	guard  *security.Guard
	config Config

	// Declared shapes (nil when undeclared)
	inputShape  *jsonschema.Schema
	outputShape *jsonschema.Schema

	// State
	state    State
	inflight atomic.Int64

	shutdownOnce sync.Once
	shutdownErr  error
}

// newHost wraps an instantiated plugin.
func newHost(manifest *Manifest, p Plugin, guard *security.Guard, cfg Config) (*Host, error) {
	if manifest == nil {
		return nil, ErrNilManifest
	}

	h := &Host{
		name:     manifest.Name,
		manifest: manifest,
		plugin:   p,
		guard:    guard,
		config:   cfg,
		state:    StateLoaded,
	}

	var err error
	if s, ok := p.(InputShaper); ok {
		if h.inputShape, err = compileShape(h.name, "input", s.InputShape()); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrContractViolation, err)
		}
	}
	if s, ok := p.(OutputShaper); ok {
		if h.outputShape, err = compileShape(h.name, "output", s.OutputShape()); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrContractViolation, err)
		}
	}

	return h, nil
}

// Name returns the plugin name.
func (h *Host) Name() string {
	return h.name
}

// Manifest returns the manifest after deny-list stripping.
func (h *Host) Manifest() *Manifest {
	return h.manifest
}

// Granted returns the permissions the plugin holds.
func (h *Host) Granted() security.Set {
	return h.guard.Granted()
}

// Plugin returns the underlying instance.
func (h *Host) Plugin() Plugin {
	return h.plugin
}

// Config returns the typed configuration passed to Load.
func (h *Host) Config() Config {
	return h.config
}

// State returns the current plugin state.
func (h *Host) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.state == StateReady && h.inflight.Load() > 0 {
		return StateExecuting
	}
	return h.state
}

// InFlight returns the number of calls whose plugin body has not returned,
// including calls abandoned after a timeout.
func (h *Host) InFlight() int64 {
	return h.inflight.Load()
}

func (h *Host) setState(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = s
}

// Describe returns the plugin's metadata map.
func (h *Host) Describe() (desc map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			desc = nil
			err = newPanicError(r)
		}
	}()
	return h.plugin.Describe(), nil
}

// load runs the plugin's Load with panic recovery.
func (h *Host) load(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newPanicError(r)
		}
	}()

	if err := h.plugin.Load(ctx, h.config); err != nil {
		return err
	}
	h.setState(StateReady)
	return nil
}

// validateInput checks input against the declared input shape.
func (h *Host) validateInput(input any) error {
	if err := validateShape(h.inputShape, input); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInputInvalid, h.name, err)
	}
	return nil
}

// validateOutput checks output against the declared output shape.
func (h *Host) validateOutput(output any) error {
	if err := validateShape(h.outputShape, output); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrOutputInvalid, h.name, err)
	}
	return nil
}

// call runs Execute once on the current goroutine.
func (h *Host) call(ctx context.Context, input any) (out any, err error) {
	h.inflight.Add(1)
	defer h.inflight.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = newPanicError(r)
		}
	}()
	return h.plugin.Execute(ctx, input)
}

// invoke runs one attempt.
//
// Without a timeout the plugin runs inline. With one it runs on a worker
// goroutine holding a slot in workers; the caller waits at most timeout.
// On expiry the worker's context is cancelled and the worker is abandoned:
// it keeps its slot until the plugin body returns.
func (h *Host) invoke(ctx context.Context, input any, timeout time.Duration, workers *semaphore.Weighted) (any, error) {
	if timeout <= 0 {
		return h.call(ctx, input)
	}

	ctx, cancel := context.WithTimeoutCause(ctx, timeout, errTimeoutCause)
	defer cancel()

	if workers != nil {
		if err := workers.Acquire(ctx, 1); err != nil {
			return nil, h.waitError(ctx, timeout)
		}
	}

	type result struct {
		out any
		err error
	}
	done := make(chan result, 1)

	go func() {
		if workers != nil {
			defer workers.Release(1)
		}
		out, err := h.call(ctx, input)
		done <- result{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && context.Cause(ctx) == errTimeoutCause {
			return nil, h.waitError(ctx, timeout)
		}
		return r.out, r.err
	case <-ctx.Done():
		return nil, h.waitError(ctx, timeout)
	}
}

// waitError explains why invoke stopped waiting.
func (h *Host) waitError(ctx context.Context, timeout time.Duration) error {
	if context.Cause(ctx) == errTimeoutCause {
		return fmt.Errorf("%w: %s after %s", ErrExecutionTimeout, h.name, timeout)
	}
	return ctx.Err()
}

// shutdown calls the plugin's Shutdown exactly once.
func (h *Host) shutdown(ctx context.Context) error {
	h.shutdownOnce.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				h.shutdownErr = newPanicError(r)
			}
			h.setState(StateShutdown)
		}()
		h.shutdownErr = h.plugin.Shutdown(ctx)
	})
	return h.shutdownErr
}
