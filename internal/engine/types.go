package engine

import (
	"context"
	"time"

	"github.com/riftmq/riftmq/internal/packets"
)

// Transport is the duplex byte pipe the engine reads frames off of and
// writes packets onto. The transport/ package supplies the two concrete
// implementations (connTransport for TCP/TLS, wsTransport for WebSocket);
// tests use an in-memory pipe.
type Transport interface {
	// Read behaves like io.Reader.
	Read(p []byte) (int, error)
	// Write behaves like io.Writer.
	Write(p []byte) (int, error)
	// Close tears the connection down; concurrent Read/Write calls must
	// unblock with an error.
	Close() error
	// SetReadDeadline arms (or, with a zero time, disarms) a read deadline,
	// used by the Reader loop to detect a silent peer within 1.5x keep-alive.
	SetReadDeadline(t time.Time) error
}

// Dialer opens a Transport to addr. transport.TCPDialer and
// transport.WebSocketDialer implement this; the Supervisor holds one and calls it on every
// (re)connect attempt.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Transport, error)
}

// OutgoingPublish is a locally originated PUBLISH request queued for the
// Publish-Writer loop. QoS 0 publishes still pass through this type so the
// loop has one admission path regardless of QoS.
type OutgoingPublish struct {
	Packet  *packets.PublishPacket
	Txn     *TransactionState // nil for QoS 0
	Expiry  time.Time         // zero means no message-expiry deadline
	QueueID uint64            // monotonic, for Drain ordering diagnostics
}

// IncomingMessage is a fully reassembled application-visible delivery handed
// from the Handler loop to the Dispatcher: a QoS 0 publish immediately, a
// QoS 1 publish once its PUBACK has been written, or a QoS 2 publish once
// its PUBCOMP has been written.
type IncomingMessage struct {
	Topic      string
	Payload    []byte
	QoS        uint8
	Retained   bool
	Duplicate  bool
	Properties *packets.Properties
}

// ConnectionProperties mirrors the negotiated CONNACK session properties
// that downstream loops must respect for the lifetime of a connection:
// ReceiveMaximum bounds BoundedTxnMap capacity, MaximumPacketSize bounds the
// Framer and the Writer loop, TopicAliasMaximum bounds the topic-alias
// cache, ServerKeepAlive (if present) overrides the client-requested value.
type ConnectionProperties struct {
	ReceiveMaximum        uint16
	MaximumPacketSize     uint32
	TopicAliasMaximum     uint16
	ServerKeepAlive       uint16
	SessionExpiryInterval uint32
	SessionPresent        bool
	AssignedClientID       string
}
