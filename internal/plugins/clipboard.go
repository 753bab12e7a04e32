package plugins

import (
	"context"
	"errors"
	"time"

	"github.com/atotto/clipboard"

	"github.com/dshills/axon/internal/plugin"
)

// Clipboard monitor defaults.
const (
	DefaultMonitorSeconds  = 15
	DefaultMonitorInterval = 500 * time.Millisecond
)

// ErrClipboardUnsupported is returned when the host has no clipboard utility.
var ErrClipboardUnsupported = errors.New("clipboard is not supported on this host")

// ClipboardInput is the input of the clipboard monitor.
type ClipboardInput struct {
	Seconds    int `json:"seconds,omitempty"`
	IntervalMS int `json:"interval_ms,omitempty"`
}

// ClipboardOutput lists the clipboard values seen, in order.
type ClipboardOutput struct {
	Items []string `json:"items"`
}

// ClipboardReader reads the current clipboard text.
type ClipboardReader interface {
	ReadAll() (string, error)
}

// systemClipboard reads the host clipboard through atotto/clipboard.
type systemClipboard struct{}

func (systemClipboard) ReadAll() (string, error) {
	if clipboard.Unsupported {
		return "", ErrClipboardUnsupported
	}
	return clipboard.ReadAll()
}

// ClipboardMonitor polls the clipboard and reports every change.
//
// The monitor stops early when ctx is cancelled and returns the changes
// seen so far along with ctx's error.
type ClipboardMonitor struct {
	plugin.Base
	reader ClipboardReader
}

// NewClipboardMonitor creates the clipboard_monitor plugin.
func NewClipboardMonitor(env plugin.Env) (plugin.Plugin, error) {
	return &ClipboardMonitor{Base: plugin.NewBase(env), reader: systemClipboard{}}, nil
}

// InputShape implements plugin.InputShaper.
func (p *ClipboardMonitor) InputShape() any { return &ClipboardInput{} }

// OutputShape implements plugin.OutputShaper.
func (p *ClipboardMonitor) OutputShape() any { return &ClipboardOutput{} }

// Execute watches the clipboard for the requested number of seconds.
func (p *ClipboardMonitor) Execute(ctx context.Context, input any) (any, error) {
	in, err := plugin.DecodeInput[ClipboardInput](input)
	if err != nil {
		return nil, err
	}

	window := time.Duration(in.Seconds) * time.Second
	if in.Seconds <= 0 {
		window = DefaultMonitorSeconds * time.Second
	}
	interval := time.Duration(in.IntervalMS) * time.Millisecond
	if in.IntervalMS <= 0 {
		interval = DefaultMonitorInterval
	}

	last, err := p.reader.ReadAll()
	if err != nil {
		return nil, err
	}

	out := ClipboardOutput{Items: []string{}}
	deadline := time.NewTimer(window)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-deadline.C:
			return out, nil
		case <-ticker.C:
			current, err := p.reader.ReadAll()
			if err != nil {
				return out, err
			}
			if current != last {
				out.Items = append(out.Items, current)
				last = current
			}
		}
	}
}
