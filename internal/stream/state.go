package stream

// State describes one task connection's position in the reconnect
// lifecycle. Exactly one state is active per task at a time.
type State int

const (
	// StateConnecting means the initial connection attempt is in flight.
	StateConnecting State = iota
	// StateConnected means the stream is open and events are dispatched.
	StateConnected
	// StateReconnecting means a prior connection was interrupted and the
	// manager is re-establishing it.
	StateReconnecting
	// StateDisconnected means the manager deliberately closed the
	// connection (last observer left, task completed, or explicit close).
	StateDisconnected
	// StateError means the connection failed in a non-retryable way or the
	// retry budget ran out. Terminal until explicitly restarted.
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}
