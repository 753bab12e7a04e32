package plugins

import (
	"context"

	"github.com/dshills/axon/internal/plugin"
)

// EchoInput is the input of the echo plugin.
type EchoInput struct {
	Text string `json:"text"`
}

// EchoOutput describes the output of the echo plugin. Execute returns the
// input as a generic map of this shape.
type EchoOutput struct {
	Text string `json:"text"`
}

// Echo returns its input unchanged.
type Echo struct {
	plugin.Base
}

// NewEcho creates the echo plugin.
func NewEcho(env plugin.Env) (plugin.Plugin, error) {
	return &Echo{Base: plugin.NewBase(env)}, nil
}

// InputShape implements plugin.InputShaper.
func (p *Echo) InputShape() any { return &EchoInput{} }

// OutputShape implements plugin.OutputShaper.
func (p *Echo) OutputShape() any { return &EchoOutput{} }

// Execute implements plugin.Plugin.
func (p *Echo) Execute(_ context.Context, input any) (any, error) {
	if _, err := plugin.DecodeInput[EchoInput](input); err != nil {
		return nil, err
	}
	return plugin.DecodeInput[map[string]any](input)
}
