package watch

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultBufferSize is the capacity of the Events and Errors channels.
const DefaultBufferSize = 100

// errEventDropped is sent on Errors when Events is full.
var errEventDropped = errors.New("event buffer full, event dropped")

// Watcher reports changes under a set of directories.
type Watcher struct {
	fsw    *fsnotify.Watcher
	filter Filter

	mu     sync.RWMutex
	dirs   map[string]struct{}
	closed bool

	events  chan Event
	errs    chan error
	dropped atomic.Int64

	quit     chan struct{}
	loopDone chan struct{}
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithFilter replaces PluginFiles as the event filter. A nil filter
// delivers everything.
func WithFilter(filter Filter) Option {
	return func(w *Watcher) { w.filter = filter }
}

// NewWatcher creates a watcher with no directories.
func NewWatcher(opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	w := &Watcher{
		fsw:      fsw,
		filter:   PluginFiles,
		dirs:     make(map[string]struct{}),
		events:   make(chan Event, DefaultBufferSize),
		errs:     make(chan error, DefaultBufferSize),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	go w.loop()
	return w, nil
}

// existing returns the absolute form of path after checking it exists.
func existing(path string) (string, os.FileInfo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", nil, err
	}
	info, err := os.Stat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil, fmt.Errorf("%w: %s", ErrPathNotExist, abs)
	}
	return abs, info, err
}

// Watch adds one directory, without its subdirectories.
func (w *Watcher) Watch(path string) error {
	abs, _, err := existing(path)
	if err != nil {
		return err
	}
	return w.add(abs)
}

func (w *Watcher) add(abs string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case w.closed:
		return ErrWatcherClosed
	case w.has(abs):
		return fmt.Errorf("%w: %s", ErrAlreadyWatching, abs)
	}
	if err := w.fsw.Add(abs); err != nil {
		return fmt.Errorf("watching %s: %w", abs, err)
	}
	w.dirs[abs] = struct{}{}
	return nil
}

func (w *Watcher) has(abs string) bool {
	_, ok := w.dirs[abs]
	return ok
}

// WatchRecursive adds a directory and every subdirectory that is not
// hidden. Directories already watched are skipped.
func (w *Watcher) WatchRecursive(path string) error {
	root, info, err := existing(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.add(root)
	}
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		switch {
		case err != nil || !d.IsDir():
			return nil
		case p != root && hidden(p):
			return filepath.SkipDir
		}
		if err := w.add(p); err != nil && !errors.Is(err, ErrAlreadyWatching) {
			return err
		}
		return nil
	})
}

// Unwatch removes one directory.
func (w *Watcher) Unwatch(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case w.closed:
		return ErrWatcherClosed
	case !w.has(abs):
		return fmt.Errorf("%w: %s", ErrNotWatching, abs)
	}
	// fsnotify forgets directories that were deleted.
	if err := w.fsw.Remove(abs); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
		return err
	}
	delete(w.dirs, abs)
	return nil
}

// IsWatching reports whether path is in the watch set.
func (w *Watcher) IsWatching(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.has(abs)
}

// WatchedPaths returns the watched directories in lexical order.
func (w *Watcher) WatchedPaths() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return slices.Sorted(maps.Keys(w.dirs))
}

// Events delivers filtered changes until Close.
func (w *Watcher) Events() <-chan Event { return w.events }

// Errors delivers fsnotify and bookkeeping errors until Close.
func (w *Watcher) Errors() <-chan error { return w.errs }

// Dropped returns how many events were lost to a full Events buffer.
func (w *Watcher) Dropped() int64 { return w.dropped.Load() }

// Close stops the watcher and closes both channels. Later calls are
// no-ops.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.quit)
	<-w.loopDone
	close(w.events)
	close(w.errs)
	return w.fsw.Close()
}

func (w *Watcher) loop() {
	defer close(w.loopDone)
	for {
		select {
		case <-w.quit:
			return
		case raw, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(raw)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.report(err)
		}
	}
}

var fsnotifyOps = []struct {
	from fsnotify.Op
	to   Op
}{
	{fsnotify.Create, OpCreate},
	{fsnotify.Write, OpWrite},
	{fsnotify.Remove, OpRemove},
	{fsnotify.Rename, OpRename},
}

func (w *Watcher) handle(raw fsnotify.Event) {
	var op Op
	for _, m := range fsnotifyOps {
		if raw.Has(m.from) {
			op |= m.to
		}
	}
	// Chmod alone maps to no operation.
	if op == 0 || hidden(raw.Name) {
		return
	}

	switch {
	case op.Has(OpCreate):
		if info, err := os.Stat(raw.Name); err == nil && info.IsDir() {
			if err := w.WatchRecursive(raw.Name); err != nil {
				w.report(err)
			}
		}
	case op.Has(OpRemove), op.Has(OpRename):
		w.mu.Lock()
		delete(w.dirs, raw.Name)
		w.mu.Unlock()
	}

	ev := Event{Path: raw.Name, Op: op, At: time.Now()}
	if w.filter != nil && !w.filter(ev) {
		return
	}
	select {
	case w.events <- ev:
	default:
		w.dropped.Add(1)
		w.report(errEventDropped)
	}
}

// report never blocks; errors beyond the buffer are discarded.
func (w *Watcher) report(err error) {
	select {
	case w.errs <- err:
	default:
	}
}
