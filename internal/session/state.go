package session

// State tracks where a session sits in its lifecycle. Transitions only move
// forward: Idle -> Starting -> Streaming -> Stopping -> Closed, with Starting
// allowed to jump straight to Stopping when a stop races the upstream dial.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateStreaming
	StateStopping
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
