package vpn

// State is the lifecycle state of a Client.
type State int32

const (
	// StateIdle indicates no attempt has been made yet.
	StateIdle State = iota
	// StateConnecting indicates the gateway is being resolved and probed.
	StateConnecting
	// StateAuthenticating indicates credentials are being exchanged and the
	// tunnel is being started.
	StateAuthenticating
	// StateConnected indicates an established tunnel.
	StateConnected
	// StateDisconnecting indicates the tunnel is being torn down.
	StateDisconnecting
	// StateDisconnected indicates the session ended normally.
	StateDisconnected
	// StateFailed indicates the attempt or session ended with an error.
	StateFailed
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting..."
	case StateAuthenticating:
		return "Authenticating..."
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting..."
	case StateDisconnected:
		return "Disconnected"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

var allowedTransitions = map[State][]State{
	StateIdle:           {StateConnecting},
	StateConnecting:     {StateAuthenticating, StateFailed},
	StateAuthenticating: {StateConnected, StateFailed},
	StateConnected:      {StateDisconnecting},
	StateDisconnecting:  {StateDisconnected, StateFailed},
	StateDisconnected:   {StateConnecting},
	StateFailed:         {StateConnecting},
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CanConnect reports whether a new attempt may start from s.
func (s State) CanConnect() bool {
	return s.CanTransitionTo(StateConnecting)
}

// Terminal reports whether s ends an attempt.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateFailed
}
