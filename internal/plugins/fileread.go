package plugins

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dshills/axon/internal/plugin"
	"github.com/dshills/axon/internal/plugin/security"
)

// DefaultMaxReadBytes bounds file_reader output when no max_bytes is configured.
const DefaultMaxReadBytes = 64 * 1024

// FileReadInput is the input of the file reader.
type FileReadInput struct {
	Path string `json:"path"`
}

// FileReadOutput is the output of the file reader.
type FileReadOutput struct {
	Content   string `json:"content"`
	Size      int64  `json:"size"`
	Truncated bool   `json:"truncated"`
}

// FileReader reads text files, up to max_bytes of each.
type FileReader struct {
	plugin.Base
	maxBytes int64
}

// NewFileReader creates the file reader plugin.
func NewFileReader(env plugin.Env) (plugin.Plugin, error) {
	return &FileReader{Base: plugin.NewBase(env), maxBytes: DefaultMaxReadBytes}, nil
}

// InputShape implements plugin.InputShaper.
func (p *FileReader) InputShape() any { return &FileReadInput{} }

// OutputShape implements plugin.OutputShaper.
func (p *FileReader) OutputShape() any { return &FileReadOutput{} }

// Load applies the max_bytes setting.
func (p *FileReader) Load(_ context.Context, cfg plugin.Config) error {
	if n, ok := cfg.Int("max_bytes"); ok {
		if n <= 0 {
			return fmt.Errorf("%w: %s: max_bytes must be positive", plugin.ErrConfigInvalid, p.Name())
		}
		p.maxBytes = n
	}
	return nil
}

// Execute reads the file. Reading has no side effects, so dry-run reads too.
func (p *FileReader) Execute(_ context.Context, input any) (any, error) {
	in, err := plugin.DecodeInput[FileReadInput](input)
	if err != nil {
		return nil, err
	}
	if in.Path == "" {
		return nil, fmt.Errorf("%w: path is required", plugin.ErrInputInvalid)
	}

	if err := p.RequirePath(security.PermFSRead, in.Path); err != nil {
		return nil, err
	}

	f, err := os.Open(in.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", in.Path)
	}

	data, err := io.ReadAll(io.LimitReader(f, p.maxBytes))
	if err != nil {
		return nil, err
	}
	return FileReadOutput{
		Content:   string(data),
		Size:      info.Size(),
		Truncated: info.Size() > int64(len(data)),
	}, nil
}
