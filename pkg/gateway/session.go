package gateway

import "time"

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateLost
)

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
	case StateLost:
		return "lost"
	}
	return "unknown"
}

// Session is an immutable snapshot of the connection state. Only the Client's own goroutines
// produce new snapshots.
type Session struct {
	State             State
	LastHeartbeat     time.Time
	ReconnectAttempts int
}
