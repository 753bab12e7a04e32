package obs

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrorRecord is the structured form of an error stored in a record.
type ErrorRecord struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Traceback string `json:"traceback"`
}

// stacker is implemented by errors that carry a captured stack, such as
// recovered panics.
type stacker interface {
	Stack() []byte
}

// NewErrorRecord builds an ErrorRecord for err labeled with kind.
// When err carries a stack it becomes the traceback; otherwise the
// traceback lists the wrapped error chain, outermost first.
func NewErrorRecord(kind string, err error) *ErrorRecord {
	if err == nil {
		return nil
	}
	if kind == "" {
		kind = fmt.Sprintf("%T", err)
	}

	rec := &ErrorRecord{Type: kind, Message: err.Error()}

	var st stacker
	if errors.As(err, &st) {
		rec.Traceback = string(st.Stack())
		return rec
	}

	var b strings.Builder
	for e := err; e != nil; e = errors.Unwrap(e) {
		fmt.Fprintf(&b, "%T: %s\n", e, e.Error())
	}
	rec.Traceback = b.String()
	return rec
}

// PluginCallRecord describes one attempt at executing a plugin.
type PluginCallRecord struct {
	Plugin          string       `json:"plugin"`
	Attempt         int          `json:"attempt"`
	StartedAt       time.Time    `json:"started_at"`
	EndedAt         time.Time    `json:"ended_at"`
	DurationMS      float64      `json:"duration_ms"`
	TruncatedInput  any          `json:"truncated_input"`
	TruncatedOutput any          `json:"truncated_output"`
	Success         bool         `json:"success"`
	Error           *ErrorRecord `json:"error"`
}

// RunRecord describes one traced unit of work and the plugin calls made
// during it. It is safe for concurrent use.
type RunRecord struct {
	mu sync.Mutex

	ID            string             `json:"id"`
	StartedAt     time.Time          `json:"started_at"`
	EndedAt       *time.Time         `json:"ended_at"`
	Mode          string             `json:"mode,omitempty"`
	Cycle         *int               `json:"cycle"`
	Model         string             `json:"model,omitempty"`
	InputPreview  any                `json:"input_preview,omitempty"`
	OutputPreview string             `json:"output_preview,omitempty"`
	TokensIn      *int               `json:"tokens_in"`
	TokensOut     *int               `json:"tokens_out"`
	PluginCalls   []PluginCallRecord `json:"plugin_calls"`
	Error         *ErrorRecord       `json:"error"`
}

// AppendCall adds a plugin call record to the run.
func (r *RunRecord) AppendCall(call PluginCallRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.PluginCalls = append(r.PluginCalls, call)
}

// Calls returns a copy of the plugin calls recorded so far.
func (r *RunRecord) Calls() []PluginCallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	calls := make([]PluginCallRecord, len(r.PluginCalls))
	copy(calls, r.PluginCalls)
	return calls
}

// SetOutput records the output preview and token counts of the run.
func (r *RunRecord) SetOutput(preview string, tokensIn, tokensOut int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.OutputPreview = preview
	r.TokensIn = &tokensIn
	r.TokensOut = &tokensOut
}

// SetError records the error that ended the run.
func (r *RunRecord) SetError(rec *ErrorRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Error = rec
}

// Finish stamps the end time. Later calls keep the first value.
func (r *RunRecord) Finish(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.EndedAt == nil {
		r.EndedAt = &at
	}
}

// Err returns the recorded error, if any.
func (r *RunRecord) Err() *ErrorRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Error
}

// MarshalJSON implements json.Marshaler.
func (r *RunRecord) MarshalJSON() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	type runAlias RunRecord
	return json.Marshal((*runAlias)(r))
}
