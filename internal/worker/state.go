package worker

// State is the lifecycle position of the worker. It only moves forward:
// Uninitialized -> Loading -> Ready -> Terminated, or Loading -> Terminated
// when the engine fails to load.
type State int

const (
	StateUninitialized State = iota
	StateLoading
	StateReady
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

func isValidTransition(from, to State) bool {
	switch from {
	case StateUninitialized:
		return to == StateLoading
	case StateLoading:
		return to == StateReady || to == StateTerminated
	case StateReady:
		return to == StateTerminated
	default:
		return false
	}
}
