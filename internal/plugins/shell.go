package plugins

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	osexec "os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dshills/axon/internal/plugin"
	"github.com/dshills/axon/internal/plugin/security"
)

// DefaultMaxOutputBytes caps each captured stream of a shell command.
const DefaultMaxOutputBytes = 64 * 1024

// ShellInput is the input of the shell plugin. The command runs directly,
// never through a shell, so arguments need no quoting.
type ShellInput struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// ShellOutput is the result of one command.
type ShellOutput struct {
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMS int64  `json:"duration_ms"`
	DryRun     bool   `json:"dry_run,omitempty"`
}

// Shell spawns child processes. It needs process.spawn.
type Shell struct {
	plugin.Base
}

// NewShell creates the shell plugin.
func NewShell(env plugin.Env) (plugin.Plugin, error) {
	return &Shell{Base: plugin.NewBase(env)}, nil
}

// InputShape implements plugin.InputShaper.
func (p *Shell) InputShape() any { return &ShellInput{} }

// OutputShape implements plugin.OutputShaper.
func (p *Shell) OutputShape() any { return &ShellOutput{} }

// Execute runs the command and waits for it. Cancelling ctx kills the
// process. A non-zero exit status is reported in the output, not as an
// error; failing to start the process is an error.
func (p *Shell) Execute(ctx context.Context, input any) (any, error) {
	in, err := plugin.DecodeInput[ShellInput](input)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Command) == "" {
		return nil, fmt.Errorf("%w: command is required", plugin.ErrInputInvalid)
	}

	if err := p.Require(security.PermProcessSpawn); err != nil {
		return nil, err
	}

	if p.DryRun() {
		p.Logger().InfoContext(ctx, "dry-run: skipped command",
			slog.String("command", in.Command),
			slog.Any("args", in.Args))
		return ShellOutput{DryRun: true}, nil
	}

	cmd := osexec.CommandContext(ctx, in.Command, in.Args...)
	cmd.Dir = in.Dir
	cmd.Env = buildEnvironment(in.Env)
	cmd.WaitDelay = time.Second

	stdout := &cappedBuffer{limit: DefaultMaxOutputBytes}
	stderr := &cappedBuffer{limit: DefaultMaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err = cmd.Run()
	out := ShellOutput{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMS: time.Since(start).Milliseconds(),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	var exitErr *osexec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		out.ExitCode = exitErr.ExitCode()
	default:
		return nil, fmt.Errorf("start %s: %w", in.Command, err)
	}
	return out, nil
}

// buildEnvironment overlays extra on the current environment, sorted by key.
func buildEnvironment(extra map[string]string) []string {
	if len(extra) == 0 {
		return nil
	}

	envMap := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			envMap[k] = v
		}
	}
	for k, v := range extra {
		envMap[k] = v
	}

	keys := make([]string, 0, len(envMap))
	for k := range envMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(envMap))
	for _, k := range keys {
		env = append(env, k+"="+envMap[k])
	}
	return env
}

// cappedBuffer keeps the first limit bytes written and discards the rest.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if room := b.limit - b.buf.Len(); room < len(p) {
		b.truncated = true
		if room > 0 {
			b.buf.Write(p[:room])
		}
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + "..."
	}
	return b.buf.String()
}
