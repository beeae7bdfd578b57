package engine

import "errors"

// Sentinel errors produced inside the engine's loops. The Supervisor maps
// these onto the public error taxonomy (see the root package's errors.go);
// the engine itself stays free of any façade-level type so it can be tested
// in isolation.
var (
	// ErrMalformedPacket means the Framer rejected a byte sequence outright:
	// reserved packet type, an invalid variable byte integer, a property
	// present twice, an unknown property identifier, or a non-UTF-8 string.
	ErrMalformedPacket = errors.New("engine: malformed packet")

	// ErrPacketTooLarge means a decoded (or about to be decoded) packet
	// exceeds the locally configured MaximumPacketSize.
	ErrPacketTooLarge = errors.New("engine: packet too large")

	// ErrProtocolViolation covers flow-control and identifier-reuse
	// violations that are not framing errors: a duplicate incoming publish
	// id, an incoming publish that would overflow IncomingPubTable, and
	// similar broker misbehavior.
	ErrProtocolViolation = errors.New("engine: protocol violation")

	// ErrTransportClosed means the duplex byte pipe reported a read or
	// write failure; the connection is no longer usable.
	ErrTransportClosed = errors.New("engine: transport closed")

	// ErrClientDisconnected is returned to any in-flight awaiter when the
	// connection is torn down (clean or not) before its chain completed.
	ErrClientDisconnected = errors.New("engine: client disconnected")

	// ErrDuplicateTxnID means BoundedTxnMap.add was called with an id that
	// is already present; this is always a local programming error for the
	// outgoing table and a protocol violation for the incoming one.
	ErrDuplicateTxnID = errors.New("engine: duplicate transaction id")

	// ErrShrinkNonEmpty means a caller tried to shrink a BoundedTxnMap while
	// it held entries; only growth, or resize-while-empty, is allowed.
	ErrShrinkNonEmpty = errors.New("engine: cannot shrink a non-empty bounded map")

	// ErrCASMismatch means BoundedTxnMap.TryUpdate's expected-old chain did
	// not match the current entry; the caller lost a race with another loop.
	ErrCASMismatch = errors.New("engine: compare-and-swap mismatch")

	// ErrIDPoolExhausted names an exhausted packet id pool. PacketIDStore
	// does not return it: Acquire blocks until an id is released or ctx is
	// done.
	ErrIDPoolExhausted = errors.New("engine: packet id pool exhausted")

	// ErrInvalidFilter means a topic filter misuses '#': it appears
	// somewhere other than as the final character, standing alone or
	// immediately after '/'.
	ErrInvalidFilter = errors.New("engine: invalid topic filter")
)
