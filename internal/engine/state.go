package engine

import "sync/atomic"

// State is the connection lifecycle state. The zero value is Disconnected.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// stateCell is a single atomic cell holding the connection state. The
// Supervisor is the sole writer; every other component only reads it.
type stateCell struct {
	v atomic.Int32
}

func (c *stateCell) Load() State {
	return State(c.v.Load())
}

func (c *stateCell) Store(s State) {
	c.v.Store(int32(s))
}

// CompareAndSwap performs an atomic transition, used by the Supervisor to
// make its own state-machine edges race-free against concurrent readers.
func (c *stateCell) CompareAndSwap(old, new State) bool {
	return c.v.CompareAndSwap(int32(old), int32(new))
}
