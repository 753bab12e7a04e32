package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/semaphore"

	"github.com/dshills/axon/internal/obs"
	"github.com/dshills/axon/internal/plugin/security"
)

// Manager discovers, loads, executes and shuts down plugins.
//
// Discover, Reload and ShutdownAll must not run concurrently with each
// other or with Execute. Execute may be called concurrently, including for
// the same plugin name; the manager holds no per-plugin lock.
type Manager struct {
	mu sync.RWMutex

	// Candidates from the last Discover
	candidates []Candidate

	// Entrypoint factories
	registry *Registry

	// Loaded plugins by name
	plugins map[string]*Host

	// Plugin load order (for deterministic iteration)
	loadOrder []string

	// Per-plugin errors from the last Discover
	discoveryErrs map[string]error

	// Event handlers (protected by mu)
	eventHandlers []EventHandler

	// Configuration
	config  ManagerConfig
	deny    security.Set
	logger  *slog.Logger
	workers *semaphore.Weighted
}

// ManagerConfig configures the plugin manager.
type ManagerConfig struct {
	// PluginPaths are directories to search for plugins.
	PluginPaths []string

	// Deny lists permissions stripped from every manifest before
	// instantiation.
	Deny []security.Permission

	// DryRun is passed to every plugin instance.
	DryRun bool

	// DefaultTimeout applies to Execute calls without WithTimeout.
	// Zero runs plugins inline with no deadline.
	DefaultTimeout time.Duration

	// MaxWorkers bounds the goroutines running timed calls, including
	// abandoned ones. Zero means unbounded.
	MaxWorkers int

	// PreviewChars caps the input and output previews in call records.
	PreviewChars int

	// FSRoots restrict filesystem permissions to these directories.
	// Empty allows any path.
	FSRoots []string
}

// DefaultManagerConfig returns sensible default configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		PluginPaths:  DefaultPluginPaths(),
		MaxWorkers:   16,
		PreviewChars: obs.DefaultPreviewChars,
	}
}

// EventHandler handles plugin manager events.
// Handlers must be non-blocking and should not call back into the Manager
// to avoid deadlocks. Panics in handlers are recovered.
type EventHandler func(event ManagerEvent)

// ManagerEvent represents a plugin manager event.
type ManagerEvent struct {
	Type   ManagerEventType
	Plugin string
	Error  error
}

// ManagerEventType is the type of manager event.
type ManagerEventType int

const (
	// EventPluginLoaded is emitted when a plugin is registered.
	EventPluginLoaded ManagerEventType = iota
	// EventPluginReplaced is emitted when re-discovery replaces a live instance.
	EventPluginReplaced
	// EventPluginShutdown is emitted after a plugin's Shutdown returns.
	EventPluginShutdown
	// EventPluginError is emitted when a plugin fails discovery or shutdown.
	EventPluginError
)

// String returns a string representation of the event type.
func (t ManagerEventType) String() string {
	switch t {
	case EventPluginLoaded:
		return "loaded"
	case EventPluginReplaced:
		return "replaced"
	case EventPluginShutdown:
		return "shutdown"
	case EventPluginError:
		return "error"
	default:
		return "unknown"
	}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger used for audit entries.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager creates a new plugin manager resolving entrypoints in registry.
func NewManager(config ManagerConfig, registry *Registry, opts ...ManagerOption) *Manager {
	if registry == nil {
		registry = NewRegistry()
	}
	if config.PreviewChars <= 0 {
		config.PreviewChars = obs.DefaultPreviewChars
	}

	m := &Manager{
		registry:      registry,
		plugins:       make(map[string]*Host),
		loadOrder:     make([]string, 0),
		discoveryErrs: make(map[string]error),
		config:        config,
		deny:          security.NewSet(config.Deny...),
		logger:        obs.Discard(),
	}
	if config.MaxWorkers > 0 {
		m.workers = semaphore.NewWeighted(int64(config.MaxWorkers))
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Discover scans the plugin paths and loads every valid plugin.
//
// Discovery is best-effort: a plugin that fails any step is skipped and its
// error collected, and the rest still load. The returned error joins every
// failure, so errors.Is reports each kind that occurred; per-plugin errors
// are also available from DiscoveryErrors. A plugin whose name is already
// registered replaces the live instance, which is shut down. When the last
// candidate for a name fails, any live instance under that name is shut
// down and unregistered, so a name is never both failed and callable.
//
// configs maps plugin names to raw configuration values.
func (m *Manager) Discover(ctx context.Context, configs map[string]map[string]any) error {
	candidates, pathErr := Scan(m.config.PluginPaths...)

	errs := make(map[string]error)
	var joined []error
	if pathErr != nil {
		joined = append(joined, pathErr)
	}

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			joined = append(joined, err)
			break
		}

		if c.Err != nil {
			m.logger.Warn("plugin-discovery-failed",
				slog.String("plugin", c.Name),
				slog.String("path", c.Dir),
				slog.String("kind", Kind(c.Err)),
				slog.Any("error", c.Err))
			errs[c.Name] = c.Err
			joined = append(joined, fmt.Errorf("plugin %s: %w", c.Name, c.Err))
			m.emitEvent(ManagerEvent{Type: EventPluginError, Plugin: c.Name, Error: c.Err})
			continue
		}

		if err := m.Add(ctx, c.Manifest, configs[c.Manifest.Name]); err != nil {
			errs[c.Name] = err
			joined = append(joined, fmt.Errorf("plugin %s: %w", c.Name, err))
			continue
		}
		delete(errs, c.Name)
	}

	for name := range errs {
		if err := m.unregister(ctx, name); err != nil {
			joined = append(joined, fmt.Errorf("plugin %s: %w", name, err))
		}
	}

	m.mu.Lock()
	m.candidates = candidates
	m.discoveryErrs = errs
	m.mu.Unlock()

	return errors.Join(joined...)
}

// Add validates, instantiates, loads and registers a single manifest.
// It is the per-plugin step of Discover and may be used for manifests that
// do not live on disk. manifest is not modified.
func (m *Manager) Add(ctx context.Context, manifest *Manifest, rawConfig map[string]any) (err error) {
	if manifest == nil {
		return ErrNilManifest
	}

	done := m.audit(manifest.Name, "load")
	defer func() {
		done(err)
		if err != nil {
			m.emitEvent(ManagerEvent{Type: EventPluginError, Plugin: manifest.Name, Error: err})
		}
	}()

	host, err := m.instantiate(ctx, manifest, rawConfig)
	if err != nil {
		return err
	}

	m.register(ctx, host)
	return nil
}

// instantiate runs every step from validation up to a successful Load.
func (m *Manager) instantiate(ctx context.Context, manifest *Manifest, rawConfig map[string]any) (*Host, error) {
	if err := manifest.Validate(); err != nil {
		return nil, err
	}

	manifest = manifest.Clone()
	if removed := manifest.StripPermissions(m.deny); len(removed) > 0 {
		m.logger.Warn("permission-stripped",
			slog.String("plugin", manifest.Name),
			slog.String("removed", security.NewSet(removed...).String()))
	}

	factory, err := m.registry.Resolve(manifest)
	if err != nil {
		return nil, err
	}

	cfg, err := BuildConfig(manifest.Name, manifest.ConfigSchema, rawConfig)
	if err != nil {
		return nil, err
	}

	logger := m.logger.With(slog.String("plugin", manifest.Name))
	guard := security.NewGuard(manifest.Name, manifest.PermissionSet(),
		security.WithDryRun(m.config.DryRun),
		security.WithLogger(m.logger),
		security.WithRoots(m.config.FSRoots...))

	p, err := instantiate(factory, Env{
		Manifest: manifest,
		Guard:    guard,
		DryRun:   m.config.DryRun,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	host, err := newHost(manifest, p, guard, cfg)
	if err != nil {
		return nil, err
	}

	if err := host.load(ctx); err != nil {
		host.setState(StateError)
		return nil, err
	}

	m.logger.Info("plugin-loaded",
		slog.String("plugin", manifest.Name),
		slog.String("version", manifest.Version),
		slog.String("entrypoint", manifest.Entrypoint),
		slog.String("granted", host.Granted().String()),
		slog.Bool("dry_run", m.config.DryRun))

	return host, nil
}

// register stores host under its name, shutting down any instance it replaces.
func (m *Manager) register(ctx context.Context, host *Host) {
	name := host.Name()

	m.mu.Lock()
	old, replaced := m.plugins[name]
	m.plugins[name] = host
	if replaced {
		m.removeFromLoadOrder(name)
	}
	m.loadOrder = append(m.loadOrder, name)
	delete(m.discoveryErrs, name)
	m.mu.Unlock()

	if replaced && old != host {
		m.shutdownHost(ctx, old)
		m.emitEvent(ManagerEvent{Type: EventPluginReplaced, Plugin: name})
		return
	}
	m.emitEvent(ManagerEvent{Type: EventPluginLoaded, Plugin: name})
}

// unregister removes the live instance named name, if any, and shuts it
// down.
func (m *Manager) unregister(ctx context.Context, name string) error {
	m.mu.Lock()
	host, ok := m.plugins[name]
	if ok {
		delete(m.plugins, name)
		m.removeFromLoadOrder(name)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	m.logger.Warn("plugin-unregistered",
		slog.String("plugin", name),
		slog.String("reason", "discovery failed"))
	return m.shutdownHost(ctx, host)
}

// ExecOption configures one Execute call.
type ExecOption func(*execOptions)

type execOptions struct {
	timeout time.Duration
	retries int
}

// WithTimeout bounds each attempt. Zero runs the plugin inline.
func WithTimeout(d time.Duration) ExecOption {
	return func(o *execOptions) {
		o.timeout = d
	}
}

// WithRetries sets how many times a failed attempt is retried.
// Retries run immediately, one after another.
func WithRetries(n int) ExecOption {
	return func(o *execOptions) {
		if n < 0 {
			n = 0
		}
		o.retries = n
	}
}

// noBackoff retries immediately.
func noBackoff() (time.Duration, bool) {
	return 0, false
}

// Execute runs the named plugin on input.
//
// Input is validated once against the plugin's declared input shape; an
// invalid input fails without calling the plugin. Each attempt, successful
// or not, appends one PluginCallRecord to the run carried by ctx. A failed
// attempt, a timed out attempt, or output that does not match the declared
// output shape is retried until the retry budget is spent, and the last
// error is returned.
//
// A timeout stops the wait, not the plugin: the attempt's context is
// cancelled, but a plugin that ignores ctx keeps running in the background.
// Cancelling ctx stops retries and returns ctx.Err().
func (m *Manager) Execute(ctx context.Context, name string, input any, opts ...ExecOption) (any, error) {
	o := execOptions{timeout: m.config.DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	host, ok := m.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}

	if err := host.validateInput(input); err != nil {
		now := time.Now()
		m.record(ctx, host.Name(), 1, now, now, input, nil, err)
		m.audit(name, "execute", slog.Int("attempt", 1))(err)
		return nil, err
	}

	attempt := 0
	backoff := retry.WithMaxRetries(uint64(o.retries), retry.BackoffFunc(noBackoff))
	out, err := retry.DoValue(ctx, backoff, func(ctx context.Context) (any, error) {
		attempt++
		done := m.audit(name, "execute", slog.Int("attempt", attempt))
		start := time.Now()

		out, err := host.invoke(ctx, input, o.timeout, m.workers)
		if err == nil {
			err = host.validateOutput(out)
		}

		m.record(ctx, host.Name(), attempt, start, time.Now(), input, out, err)
		done(err)

		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			return nil, retry.RetryableError(err)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// record appends a call record to the run carried by ctx.
func (m *Manager) record(ctx context.Context, plugin string, attempt int, start, end time.Time, input, output any, err error) {
	if obs.RunFrom(ctx) == nil {
		return
	}

	call := obs.PluginCallRecord{
		Plugin:         plugin,
		Attempt:        attempt,
		StartedAt:      start,
		EndedAt:        end,
		DurationMS:     float64(end.Sub(start).Microseconds()) / 1000,
		TruncatedInput: obs.Preview(input, m.config.PreviewChars),
		Success:        err == nil,
	}
	if err == nil {
		call.TruncatedOutput = obs.Preview(output, m.config.PreviewChars)
	} else {
		call.Error = obs.NewErrorRecord(Kind(err), err)
	}
	obs.RecordCall(ctx, call)
}

// ShutdownAll shuts down every registered plugin in reverse load order and
// empties the registry. Each plugin's Shutdown runs exactly once, in its
// own audit scope; a failure does not stop the others. The returned error
// joins every failure.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	m.mu.Lock()
	hosts := make([]*Host, 0, len(m.loadOrder))
	for i := len(m.loadOrder) - 1; i >= 0; i-- {
		hosts = append(hosts, m.plugins[m.loadOrder[i]])
	}
	m.plugins = make(map[string]*Host)
	m.loadOrder = m.loadOrder[:0]
	m.mu.Unlock()

	var errs []error
	for _, host := range hosts {
		if err := m.shutdownHost(ctx, host); err != nil {
			errs = append(errs, fmt.Errorf("plugin %s: %w", host.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// shutdownHost shuts down one host in its own audit scope.
func (m *Manager) shutdownHost(ctx context.Context, host *Host) error {
	done := m.audit(host.Name(), "shutdown")
	err := host.shutdown(ctx)
	done(err)

	if err != nil {
		m.emitEvent(ManagerEvent{Type: EventPluginError, Plugin: host.Name(), Error: err})
		return err
	}
	m.emitEvent(ManagerEvent{Type: EventPluginShutdown, Plugin: host.Name()})
	return nil
}

// Reload shuts down every plugin and discovers again.
func (m *Manager) Reload(ctx context.Context, configs map[string]map[string]any) error {
	shutdownErr := m.ShutdownAll(ctx)
	return errors.Join(shutdownErr, m.Discover(ctx, configs))
}

// Get returns a registered plugin by name.
func (m *Manager) Get(name string) (*Host, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	host, ok := m.plugins[name]
	return host, ok
}

// List returns all registered plugins in load order.
func (m *Manager) List() []*Host {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hosts := make([]*Host, 0, len(m.loadOrder))
	for _, name := range m.loadOrder {
		hosts = append(hosts, m.plugins[name])
	}
	return hosts
}

// Names returns the registered plugin names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := slices.Clone(m.loadOrder)
	sort.Strings(names)
	return names
}

// Count returns the number of registered plugins.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.plugins)
}

// Describe returns the named plugin's metadata map.
func (m *Manager) Describe(name string) (map[string]any, error) {
	host, ok := m.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}
	return host.Describe()
}

// DiscoveryErrors returns the per-plugin errors of the last Discover,
// minus plugins registered since.
func (m *Manager) DiscoveryErrors() map[string]error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	errs := make(map[string]error, len(m.discoveryErrs))
	for name, err := range m.discoveryErrs {
		errs[name] = err
	}
	return errs
}

// Config returns the manager configuration.
func (m *Manager) Config() ManagerConfig {
	return m.config
}

// Candidates returns what the last Discover found, including the
// candidates that failed. Manifests are as read from disk, before any
// permission stripping.
func (m *Manager) Candidates() []Candidate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.candidates)
}

// Registry returns the entrypoint registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Subscribe adds an event handler.
// Returns an unsubscribe function to remove the handler.
func (m *Manager) Subscribe(handler EventHandler) func() {
	if handler == nil {
		return func() {}
	}

	m.mu.Lock()
	m.eventHandlers = append(m.eventHandlers, handler)
	index := len(m.eventHandlers) - 1
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		// Set to nil instead of removing to avoid index shifting issues
		if index < len(m.eventHandlers) {
			m.eventHandlers[index] = nil
		}
	}
}

// emitEvent sends an event to all handlers.
// Handlers are called outside any locks and panics are recovered.
func (m *Manager) emitEvent(event ManagerEvent) {
	m.mu.RLock()
	handlers := make([]EventHandler, len(m.eventHandlers))
	copy(handlers, m.eventHandlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		if handler == nil {
			continue
		}
		func() {
			defer func() {
				_ = recover()
			}()
			handler(event)
		}()
	}
}

// removeFromLoadOrder removes a name from the load order slice.
// Must be called with mu held.
func (m *Manager) removeFromLoadOrder(name string) {
	for i, n := range m.loadOrder {
		if n == name {
			m.loadOrder = append(m.loadOrder[:i], m.loadOrder[i+1:]...)
			return
		}
	}
}
