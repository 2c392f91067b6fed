package broker

import (
	"math"
	"time"
)

// State is the lifecycle state of a Link.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// Status is a point-in-time snapshot of the connection state.
type Status struct {
	State     State
	Attempt   uint
	LastError error
	// Exhausted is set once the reconnect bound was hit; the Link will not
	// retry again and must be restarted by its supervisor.
	Exhausted bool
}

// backoff returns the delay before reconnect attempt n (1-indexed).
func backoff(base time.Duration, attempt uint) time.Duration {
	if attempt <= 1 {
		return base
	}
	return time.Duration(float64(base) * math.Pow(DefaultBackoffFactor, float64(attempt-1)))
}
