package plugin

// State is where a host is in its lifecycle.
type State int

const (
	// StateLoaded: instantiated, Load not finished.
	StateLoaded State = iota
	// StateReady: accepting calls.
	StateReady
	// StateExecuting: at least one call in flight.
	StateExecuting
	// StateShutdown: Shutdown was called.
	StateShutdown
	// StateError: Load failed.
	StateError
)

var stateNames = [...]string{"loaded", "ready", "executing", "shutdown", "error"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// IsUsable reports whether a host in state s accepts calls.
func (s State) IsUsable() bool {
	return s == StateReady || s == StateExecuting
}
