package watch

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultDelay is the quiet period before a reload.
const DefaultDelay = 250 * time.Millisecond

// ReloadFunc re-discovers plugins. It is never called concurrently.
type ReloadFunc func(ctx context.Context) error

// Reloader runs a ReloadFunc after bursts of watcher events.
type Reloader struct {
	watcher *Watcher
	reload  ReloadFunc
	delay   time.Duration
	logger  *slog.Logger

	reloads  atomic.Int64
	failures atomic.Int64
}

// ReloaderOption configures a Reloader.
type ReloaderOption func(*Reloader)

// WithDelay sets the debounce delay. Values <= 0 use DefaultDelay.
func WithDelay(d time.Duration) ReloaderOption {
	return func(r *Reloader) {
		if d > 0 {
			r.delay = d
		}
	}
}

// WithLogger sets the logger for reload and watcher errors.
func WithLogger(logger *slog.Logger) ReloaderOption {
	return func(r *Reloader) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewReloader creates a reloader fed by w.
func NewReloader(w *Watcher, reload ReloadFunc, opts ...ReloaderOption) *Reloader {
	r := &Reloader{
		watcher: w,
		reload:  reload,
		delay:   DefaultDelay,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run waits for events and reloads once no event has arrived for the
// debounce delay. It returns when ctx is done or the watcher closes.
// Reload failures are logged and do not stop the loop.
func (r *Reloader) Run(ctx context.Context) error {
	timer := time.NewTimer(r.delay)
	timer.Stop()
	defer timer.Stop()

	pending := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-r.watcher.Events():
			if !ok {
				return nil
			}
			pending++
			r.logger.DebugContext(ctx, "plugin path changed",
				slog.String("path", event.Path),
				slog.String("op", event.Op.String()))
			timer.Reset(r.delay)

		case err, ok := <-r.watcher.Errors():
			if !ok {
				return nil
			}
			r.logger.WarnContext(ctx, "watcher error", slog.Any("error", err))

		case <-timer.C:
			r.run(ctx, pending)
			pending = 0
		}
	}
}

func (r *Reloader) run(ctx context.Context, events int) {
	start := time.Now()
	err := r.reload(ctx)
	r.reloads.Add(1)

	attrs := []any{
		slog.Int("events", events),
		slog.Duration("duration", time.Since(start)),
	}
	if err != nil {
		r.failures.Add(1)
		r.logger.WarnContext(ctx, "plugin reload failed", append(attrs, slog.Any("error", err))...)
		return
	}
	r.logger.InfoContext(ctx, "plugins reloaded", attrs...)
}

// Reloads returns how many reloads have run.
func (r *Reloader) Reloads() int64 {
	return r.reloads.Load()
}

// Failures returns how many reloads returned an error.
func (r *Reloader) Failures() int64 {
	return r.failures.Load()
}
