package obs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Sink persists finished runs.
type Sink interface {
	WriteRun(ctx context.Context, data []byte, rec *RunRecord) error
}

// Tracer opens runs, closes them, and hands them to its sinks.
type Tracer struct {
	sinks  []Sink
	redact bool
	logger *slog.Logger
	now    func() time.Time
}

// TracerOption configures a Tracer.
type TracerOption func(*Tracer)

// WithSinks adds sinks that receive every finished run.
func WithSinks(sinks ...Sink) TracerOption {
	return func(t *Tracer) {
		t.sinks = append(t.sinks, sinks...)
	}
}

// WithRedaction turns secret redaction on or off for exported runs.
func WithRedaction(enabled bool) TracerOption {
	return func(t *Tracer) {
		t.redact = enabled
	}
}

// WithTracerLogger sets the logger used for sink failures.
func WithTracerLogger(logger *slog.Logger) TracerOption {
	return func(t *Tracer) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTracer creates a tracer. Redaction defaults to RedactFromEnv.
func NewTracer(opts ...TracerOption) *Tracer {
	t := &Tracer{
		redact: RedactFromEnv(),
		logger: slog.New(slog.DiscardHandler),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RunOption sets metadata on a new run.
type RunOption func(*RunRecord)

// WithCycle sets the cycle number of the run.
func WithCycle(cycle int) RunOption {
	return func(r *RunRecord) {
		r.Cycle = &cycle
	}
}

// WithModel sets the model name of the run.
func WithModel(model string) RunOption {
	return func(r *RunRecord) {
		r.Model = model
	}
}

// WithInput sets the input preview of the run.
func WithInput(input any) RunOption {
	return func(r *RunRecord) {
		r.InputPreview = Preview(input, DefaultPreviewChars)
	}
}

// NewRun creates a run record without activating it.
func NewRun(mode string, now time.Time, opts ...RunOption) *RunRecord {
	rec := &RunRecord{
		ID:          uuid.NewString(),
		StartedAt:   now.UTC(),
		Mode:        mode,
		PluginCalls: []PluginCallRecord{},
	}
	for _, opt := range opts {
		opt(rec)
	}
	return rec
}

// Start opens a run and returns a context carrying it.
func (t *Tracer) Start(ctx context.Context, mode string, opts ...RunOption) (context.Context, *RunRecord) {
	rec := NewRun(mode, t.now(), opts...)
	return WithRun(ctx, rec), rec
}

// Finish closes rec, records runErr on it, and writes it to every sink.
// Sink failures are logged and joined into the returned error.
func (t *Tracer) Finish(ctx context.Context, rec *RunRecord, runErr error) error {
	if runErr != nil {
		rec.SetError(NewErrorRecord(errorKind(runErr), runErr))
	}
	rec.Finish(t.now().UTC())

	if len(t.sinks) == 0 {
		return nil
	}

	data, err := Export(rec, t.redact)
	if err != nil {
		return fmt.Errorf("exporting run %s: %w", rec.ID, err)
	}

	var sinkErrs []error
	for _, sink := range t.sinks {
		if err := sink.WriteRun(ctx, data, rec); err != nil {
			t.logger.Error("trace-sink-failed", "run", rec.ID, "error", err)
			sinkErrs = append(sinkErrs, err)
		}
	}
	return errors.Join(sinkErrs...)
}

// Run traces fn. An error returned by fn is captured on the run and
// returned unchanged; sink failures never mask it.
func (t *Tracer) Run(ctx context.Context, mode string, fn func(ctx context.Context) error, opts ...RunOption) (*RunRecord, error) {
	ctx, rec := t.Start(ctx, mode, opts...)
	runErr := fn(ctx)
	sinkErr := t.Finish(ctx, rec, runErr)
	if runErr != nil {
		return rec, runErr
	}
	return rec, sinkErr
}

// Export serializes rec as JSON, redacting secrets when redact is set.
func Export(rec *RunRecord, redact bool) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if !redact {
		return data, nil
	}
	return RedactJSON(data)
}

// kinder is implemented by errors that name their own kind.
type kinder interface {
	Kind() string
}

// errorKind returns the kind of the first error in the chain that names one.
func errorKind(err error) string {
	var k kinder
	if errors.As(err, &k) {
		return k.Kind()
	}
	return fmt.Sprintf("%T", err)
}
