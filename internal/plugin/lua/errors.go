package lua

import "errors"

var (
	// ErrStateClosed is returned by a State after Close.
	ErrStateClosed = errors.New("lua state is closed")

	// ErrExecutorClosed is returned for script calls queued on, or made
	// after, a closed Executor.
	ErrExecutorClosed = errors.New("lua executor is closed")
)
