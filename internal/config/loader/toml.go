package loader

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"slices"

	"github.com/pelletier/go-toml/v2"
)

// IncludeKey names the top-level key listing files merged beneath a
// config file. Relative names resolve against the including file.
const IncludeKey = "@include"

// DefaultMaxDepth bounds include nesting.
const DefaultMaxDepth = 8

var (
	// ErrIncludeDepthExceeded indicates too many nested includes.
	ErrIncludeDepthExceeded = errors.New("include depth exceeded")

	// ErrIncludeCycle indicates a file that includes itself, directly or
	// through other files.
	ErrIncludeCycle = errors.New("include cycle")
)

// TOMLLoader loads a TOML file and the files it includes.
type TOMLLoader struct {
	fsys FileSystem
	path string

	// MaxDepth bounds include nesting. Zero uses DefaultMaxDepth.
	MaxDepth int
}

// NewTOMLLoader creates a loader for path read from fsys. A nil fsys
// reads the operating system.
func NewTOMLLoader(fsys FileSystem, path string) *TOMLLoader {
	if fsys == nil {
		fsys = DefaultFS()
	}
	return &TOMLLoader{fsys: fsys, path: path}
}

// Load reads the file and merges its includes beneath it, so the
// including file wins. A missing top-level file yields nil, nil; a
// missing include is an error wrapping fs.ErrNotExist.
func (l *TOMLLoader) Load() (map[string]any, error) {
	depth := l.MaxDepth
	if depth <= 0 {
		depth = DefaultMaxDepth
	}

	config, err := l.load(l.path, depth, nil)
	if errors.Is(err, fs.ErrNotExist) && !isIncludeError(err) {
		return nil, nil
	}
	return config, err
}

// includeError marks failures inside included files.
type includeError struct {
	path string
	err  error
}

func (e *includeError) Error() string { return "loading include " + e.path + ": " + e.err.Error() }
func (e *includeError) Unwrap() error { return e.err }

func isIncludeError(err error) bool {
	var ie *includeError
	return errors.As(err, &ie)
}

func (l *TOMLLoader) load(name string, depth int, chain []string) (map[string]any, error) {
	if depth < 0 {
		return nil, fmt.Errorf("%w at %s", ErrIncludeDepthExceeded, name)
	}
	if slices.Contains(chain, name) {
		return nil, fmt.Errorf("%w: %s", ErrIncludeCycle, name)
	}

	data, err := l.fsys.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", name, err)
	}
	config, err := Parse(name, data)
	if err != nil {
		return nil, err
	}

	includes, err := includeList(config)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	delete(config, IncludeKey)

	chain = append(chain, name)
	merged := make(map[string]any)
	for _, inc := range includes {
		incPath := l.resolve(name, inc)
		incConfig, err := l.load(incPath, depth-1, chain)
		if err != nil {
			return nil, &includeError{path: incPath, err: err}
		}
		merged = DeepMerge(merged, incConfig)
	}
	return DeepMerge(merged, config), nil
}

// includeList reads IncludeKey as a string or a list of strings.
func includeList(config map[string]any) ([]string, error) {
	switch v := config[IncludeKey].(type) {
	case nil:
		return nil, nil
	case string:
		return []string{v}, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s entries must be strings, got %T", IncludeKey, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s must be a string or a list of strings, got %T", IncludeKey, v)
	}
}

// resolve joins a relative include onto the including file's directory.
// io/fs file systems use slash-separated names on every platform.
func (l *TOMLLoader) resolve(from, inc string) string {
	if _, isOS := l.fsys.(OSFS); isOS {
		if filepath.IsAbs(inc) {
			return inc
		}
		return filepath.Join(filepath.Dir(from), inc)
	}
	return path.Join(path.Dir(from), inc)
}

// Parse decodes TOML data. source names the data in errors. Empty data
// is an empty map.
func Parse(source string, data []byte) (map[string]any, error) {
	var config map[string]any
	if err := toml.Unmarshal(data, &config); err != nil {
		perr := &ParseError{Path: source, Message: err.Error(), Err: err}
		var decodeErr *toml.DecodeError
		if errors.As(err, &decodeErr) {
			perr.Line, perr.Column = decodeErr.Position()
		}
		return nil, perr
	}
	if config == nil {
		config = make(map[string]any)
	}
	return config, nil
}

// ParseError reports malformed TOML with its position when known.
type ParseError struct {
	Path    string
	Line    int
	Column  int
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	switch {
	case e.Line > 0 && e.Column > 0:
		return fmt.Sprintf("%s:%d:%d: %s", e.Path, e.Line, e.Column, e.Message)
	case e.Line > 0:
		return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
