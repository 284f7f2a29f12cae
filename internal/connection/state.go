package connection

// State is the connection state of a Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalYAML renders the state by name.
func (s State) MarshalYAML() (any, error) {
	return s.String(), nil
}

// StateChange is published on every transition.
type StateChange struct {
	From State
	To   State
	// Reason is a short free-form cause, e.g. "dial failed".
	Reason string
}
