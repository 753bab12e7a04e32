package plugins

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dshills/axon/internal/plugin"
	"github.com/dshills/axon/internal/plugin/security"
)

// FileWriteInput is the input of the file writer.
type FileWriteInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`

	// Append adds content to the end of an existing file.
	Append bool `json:"append,omitempty"`
}

// FileWriteOutput is the output of the file writer.
type FileWriteOutput struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	BytesWritten int    `json:"bytes_written"`
}

// FileWriter writes text files. It needs fs.write both to load and to run.
type FileWriter struct {
	plugin.Base
}

// NewFileWriter creates the file writer plugin.
func NewFileWriter(env plugin.Env) (plugin.Plugin, error) {
	return &FileWriter{Base: plugin.NewBase(env)}, nil
}

// InputShape implements plugin.InputShaper.
func (p *FileWriter) InputShape() any { return &FileWriteInput{} }

// OutputShape implements plugin.OutputShaper.
func (p *FileWriter) OutputShape() any { return &FileWriteOutput{} }

// Load refuses to start without fs.write.
func (p *FileWriter) Load(context.Context, plugin.Config) error {
	if g := p.Guard(); g == nil || !g.Has(security.PermFSWrite) {
		return fmt.Errorf("%s requires %s: %w", p.Name(), security.PermFSWrite, plugin.ErrPermissionDenied)
	}
	return nil
}

// Describe implements plugin.Plugin.
func (p *FileWriter) Describe() map[string]any {
	desc := p.Base.Describe()
	desc["permissions_required"] = string(security.PermFSWrite)
	return desc
}

// Execute writes the file. Under dry-run the permission is still checked
// but nothing is written.
func (p *FileWriter) Execute(ctx context.Context, input any) (any, error) {
	in, err := plugin.DecodeInput[FileWriteInput](input)
	if err != nil {
		return nil, err
	}
	if in.Path == "" {
		return nil, fmt.Errorf("%w: path is required", plugin.ErrInputInvalid)
	}

	if err := p.RequirePath(security.PermFSWrite, in.Path); err != nil {
		return nil, err
	}

	if p.DryRun() {
		p.Logger().InfoContext(ctx, "dry-run: skipped write",
			slog.String("path", in.Path),
			slog.Int("bytes", len(in.Content)))
		return FileWriteOutput{
			Success: true,
			Message: fmt.Sprintf("dry-run: would write %d bytes to %s", len(in.Content), in.Path),
		}, nil
	}

	n, err := writeFile(in.Path, in.Content, in.Append)
	if err != nil {
		return FileWriteOutput{Message: fmt.Sprintf("error: %v", err)}, nil
	}
	return FileWriteOutput{
		Success:      true,
		Message:      "wrote " + in.Path,
		BytesWritten: n,
	}, nil
}

// writeFile creates missing parent directories and writes content.
func writeFile(path, content string, appendTo bool) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendTo {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return 0, err
	}
	n, err := f.WriteString(content)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}
