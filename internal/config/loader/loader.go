// Package loader reads raw configuration maps for axon.
//
// Loaders return map[string]any trees; typing and validation happen in
// the config package. A source that does not exist yields nil, nil.
package loader

import (
	"io/fs"
	"os"
)

// Loader is a configuration source.
type Loader interface {
	Load() (map[string]any, error)
}

// FileSystem is the file access configuration loading needs.
// fstest.MapFS satisfies it in tests.
type FileSystem = fs.ReadFileFS

// OSFS reads operating system paths. Unlike an os.DirFS it accepts
// absolute and parent-relative names.
type OSFS struct{}

// Open implements fs.FS.
func (OSFS) Open(name string) (fs.File, error) {
	return os.Open(name)
}

// ReadFile implements fs.ReadFileFS.
func (OSFS) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(name)
}

// DefaultFS returns the operating system file system.
func DefaultFS() FileSystem {
	return OSFS{}
}
