// Package watch re-discovers plugins when files under the search paths
// change.
//
// A Watcher turns fsnotify notifications for whole directory trees into
// filtered Events and keeps newly created plugin directories under watch.
// A Reloader waits for a burst of Events to settle and then calls a
// single reload.
package watch

import (
	"errors"
	"path/filepath"
	"strings"
	"time"
)

var (
	ErrWatcherClosed   = errors.New("watcher is closed")
	ErrAlreadyWatching = errors.New("path is already being watched")
	ErrNotWatching     = errors.New("path is not being watched")
	ErrPathNotExist    = errors.New("path does not exist")
)

// Op is a set of file operations.
type Op uint32

const (
	OpCreate Op = 1 << iota
	OpWrite
	OpRemove
	OpRename
)

var opNames = [...]string{"CREATE", "WRITE", "REMOVE", "RENAME"}

// String joins the names of the operations in op with "|".
func (op Op) String() string {
	var b strings.Builder
	for i, name := range opNames {
		if op&(1<<i) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('|')
		}
		b.WriteString(name)
	}
	if b.Len() == 0 {
		return "UNKNOWN"
	}
	return b.String()
}

// Has reports whether every operation in o is in op.
func (op Op) Has(o Op) bool {
	return op&o == o
}

// Event is one change under a watched tree.
type Event struct {
	Path string
	Op   Op
	At   time.Time
}

// Filter reports whether an event should be delivered.
type Filter func(Event) bool

// PluginFiles passes manifests, Lua scripts and paths without an
// extension, which are usually plugin directories.
func PluginFiles(ev Event) bool {
	switch strings.ToLower(filepath.Ext(ev.Path)) {
	case "", ".yaml", ".yml", ".toml", ".lua":
		return true
	}
	return false
}

// hidden reports whether the last element of path is a dot file.
func hidden(path string) bool {
	base := filepath.Base(path)
	return len(base) > 1 && strings.HasPrefix(base, ".")
}
