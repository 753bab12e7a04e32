package plugin

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// SchemeResolver resolves every entrypoint of one module, e.g. all
// "lua:<file>" entrypoints. target is the part after the colon.
type SchemeResolver func(m *Manifest, target string) (Factory, error)

// Registry maps entrypoint strings to plugin factories.
//
// A Registry is owned by whoever builds the Manager; nothing in this
// package keeps a global one, so independent managers (one per test, one
// per tenant) do not share registrations.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	schemes   map[string]SchemeResolver
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		schemes:   make(map[string]SchemeResolver),
	}
}

// Register binds entrypoint ("<module>:<Name>") to f.
func (r *Registry) Register(entrypoint string, f Factory) error {
	if _, _, err := SplitEntrypoint(entrypoint); err != nil {
		return err
	}
	if f == nil {
		return fmt.Errorf("%w: nil factory for %q", ErrContractViolation, entrypoint)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[entrypoint]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateEntrypoint, entrypoint)
	}
	r.factories[entrypoint] = f
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(entrypoint string, f Factory) {
	if err := r.Register(entrypoint, f); err != nil {
		panic(err)
	}
}

// RegisterScheme routes every entrypoint of module to res.
func (r *Registry) RegisterScheme(module string, res SchemeResolver) error {
	if module == "" || res == nil {
		return fmt.Errorf("%w: invalid scheme registration %q", ErrContractViolation, module)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.schemes[module]; exists {
		return fmt.Errorf("%w: scheme %q", ErrDuplicateEntrypoint, module)
	}
	r.schemes[module] = res
	return nil
}

// Resolve finds the factory for a manifest's entrypoint.
// Unknown entrypoints fail with ErrModuleLoad.
func (r *Registry) Resolve(m *Manifest) (Factory, error) {
	if m == nil {
		return nil, ErrNilManifest
	}

	module, target, err := SplitEntrypoint(m.Entrypoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrContractViolation, err)
	}

	r.mu.RLock()
	res, isScheme := r.schemes[module]
	f, ok := r.factories[m.Entrypoint]
	r.mu.RUnlock()

	if isScheme {
		f, err := res(m, target)
		if err != nil {
			return nil, err
		}
		if f == nil {
			return nil, fmt.Errorf("%w: scheme %q returned no factory for %q", ErrContractViolation, module, target)
		}
		return f, nil
	}
	if !ok {
		return nil, fmt.Errorf("%w: entrypoint %q is not registered", ErrModuleLoad, m.Entrypoint)
	}
	return f, nil
}

// Entrypoints returns every registered entrypoint, sorted.
func (r *Registry) Entrypoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// instantiate calls f and converts panics and nil results into
// ErrContractViolation.
func instantiate(f Factory, env Env) (p Plugin, err error) {
	defer func() {
		if r := recover(); r != nil {
			p = nil
			err = fmt.Errorf("%w: factory panicked: %v", ErrContractViolation, r)
		}
	}()

	p, err = f(env)
	if err != nil {
		if errors.Is(err, ErrContractViolation) || errors.Is(err, ErrModuleLoad) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrModuleLoad, err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: factory returned no plugin", ErrContractViolation)
	}
	return p, nil
}
