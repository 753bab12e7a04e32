package obs

import "context"

type runKey struct{}

// WithRun returns a context carrying rec as the active run.
func WithRun(ctx context.Context, rec *RunRecord) context.Context {
	return context.WithValue(ctx, runKey{}, rec)
}

// RunFrom returns the active run, or nil.
func RunFrom(ctx context.Context) *RunRecord {
	rec, _ := ctx.Value(runKey{}).(*RunRecord)
	return rec
}

// RecordCall appends call to the active run. Without one the call is dropped.
func RecordCall(ctx context.Context, call PluginCallRecord) {
	if rec := RunFrom(ctx); rec != nil {
		rec.AppendCall(call)
	}
}
