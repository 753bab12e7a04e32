package obs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// JSONLSink appends one JSON document per run to a file.
type JSONLSink struct {
	mu   sync.Mutex
	path string
}

// NewJSONLSink creates a sink writing to path. Parent directories are
// created on first write.
func NewJSONLSink(path string) *JSONLSink {
	return &JSONLSink{path: path}
}

// Path returns the trace file path.
func (s *JSONLSink) Path() string {
	return s.path
}

// WriteRun appends data as one line.
func (s *JSONLSink) WriteRun(_ context.Context, data []byte, _ *RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating trace dir: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening trace file: %w", err)
	}

	line := make([]byte, 0, len(data)+1)
	line = append(line, data...)
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("writing trace file: %w", err)
	}
	return f.Close()
}
