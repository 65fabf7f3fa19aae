package server

import "time"

// ShutdownTimeout bounds how long Stop waits for the relay to close
const ShutdownTimeout = 10 * time.Second

// State is the hub lifecycle state
type State int32

const (
	StateStopped  State = iota // not started, or shutdown complete
	StateRunning               // accepting workers
	StateDraining              // graceful shutdown in progress
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
