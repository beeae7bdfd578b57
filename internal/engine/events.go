package engine

// EventType tags the kind of lifecycle notification the Supervisor emits.
type EventType uint8

const (
	EventConnected EventType = iota
	EventConnectionLost
	EventReconnecting
	EventMessage
	EventAuthReauthenticated
)

func (e EventType) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventConnectionLost:
		return "connection-lost"
	case EventReconnecting:
		return "reconnecting"
	case EventMessage:
		return "message"
	case EventAuthReauthenticated:
		return "reauthenticated"
	default:
		return "unknown"
	}
}

// Event carries whatever payload is relevant to its Type: *IncomingMessage
// for EventMessage, error for EventConnectionLost, nil otherwise.
type Event struct {
	Type    EventType
	Payload any
}

// Dispatcher receives lifecycle and message events from the engine's loops.
// The engine itself never imports the root package, so it depends only on
// this interface to stay free of a façade-level import cycle.
type Dispatcher interface {
	Dispatch(Event)
}

// DispatcherFunc adapts a plain function to Dispatcher.
type DispatcherFunc func(Event)

func (f DispatcherFunc) Dispatch(e Event) { f(e) }
