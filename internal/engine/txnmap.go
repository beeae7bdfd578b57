package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// BoundedTxnMap tracks in-flight QoS 1/2 transactions keyed by packet id,
// capped at a capacity set by the peer's ReceiveMaximum. Capacity is
// enforced with a weighted semaphore rather than a buffered channel or a
// manual counter, mirroring the serverInflight/clientInflight fields of the
// reference paho client: Add blocks (respecting ctx) until a slot is free,
// and Remove releases it.
//
// The outgoing table is keyed by ids this client allocated for PUBLISH,
// SUBSCRIBE and UNSUBSCRIBE; the incoming table is keyed by QoS 1/2 publish
// ids the broker allocated. The Supervisor creates the incoming table with
// capacity 0 (65535 slots), so it is not bounded by the ReceiveMaximum this
// client advertises in CONNECT.
type BoundedTxnMap struct {
	mu   sync.Mutex
	sem  *semaphore.Weighted
	cap  int64
	data map[uint16]*TransactionState
}

// NewBoundedTxnMap returns a map that admits at most capacity concurrent
// transactions. A capacity of 0 means "unbounded" (broker/client declined
// to advertise a ReceiveMaximum, which per spec defaults to 65535).
func NewBoundedTxnMap(capacity int) *BoundedTxnMap {
	if capacity <= 0 {
		capacity = maxPacketID
	}
	return &BoundedTxnMap{
		sem:  semaphore.NewWeighted(int64(capacity)),
		cap:  int64(capacity),
		data: make(map[uint16]*TransactionState),
	}
}

// Add reserves a capacity slot (blocking if the table is full) and inserts
// state under id. Returns ErrDuplicateTxnID, without reserving a slot,
// if id is already present.
func (m *BoundedTxnMap) Add(ctx context.Context, id uint16, state *TransactionState) error {
	m.mu.Lock()
	if _, exists := m.data[id]; exists {
		m.mu.Unlock()
		return ErrDuplicateTxnID
	}
	m.mu.Unlock()

	if err := m.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	m.mu.Lock()
	if _, exists := m.data[id]; exists {
		m.mu.Unlock()
		m.sem.Release(1)
		return ErrDuplicateTxnID
	}
	m.data[id] = state
	m.mu.Unlock()
	return nil
}

// TryAdd is the non-blocking form of Add: it fails immediately instead of
// waiting for a slot, used by the incoming table when a broker publish
// arrives beyond the advertised ReceiveMaximum (a protocol violation, not a
// condition to wait out).
func (m *BoundedTxnMap) TryAdd(id uint16, state *TransactionState) error {
	m.mu.Lock()
	if _, exists := m.data[id]; exists {
		m.mu.Unlock()
		return ErrDuplicateTxnID
	}
	m.mu.Unlock()

	if !m.sem.TryAcquire(1) {
		return ErrProtocolViolation
	}

	m.mu.Lock()
	if _, exists := m.data[id]; exists {
		m.mu.Unlock()
		m.sem.Release(1)
		return ErrDuplicateTxnID
	}
	m.data[id] = state
	m.mu.Unlock()
	return nil
}

// Get returns the transaction state for id, if present.
func (m *BoundedTxnMap) Get(id uint16) (*TransactionState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.data[id]
	return s, ok
}

// TryUpdate performs a compare-and-swap: replaces the entry for id with
// next only if the entry currently stored equals expectedOld. Used by the
// Handler loop to advance a QoS 2 chain (e.g. PUBREC received -> awaiting
// PUBCOMP) without racing a concurrent Remove from a timeout.
func (m *BoundedTxnMap) TryUpdate(id uint16, expectedOld, next *TransactionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.data[id]
	if !ok || cur != expectedOld {
		return ErrCASMismatch
	}
	m.data[id] = next
	return nil
}

// Remove deletes the entry for id and releases its capacity slot. It is a
// no-op if id is not present (so double-removal from a racing timeout and a
// genuine ack is harmless).
func (m *BoundedTxnMap) Remove(id uint16) (*TransactionState, bool) {
	m.mu.Lock()
	s, ok := m.data[id]
	if ok {
		delete(m.data, id)
	}
	m.mu.Unlock()
	if ok {
		m.sem.Release(1)
	}
	return s, ok
}

// Resize changes the map's capacity. Shrinking is only allowed while the
// map is empty (a new CONNACK ReceiveMaximum arrives only at the start of a
// fresh connection, after the previous session's transactions were either
// carried over as still-in-flight or discarded per clean-start rules).
func (m *BoundedTxnMap) Resize(capacity int) error {
	if capacity <= 0 {
		capacity = maxPacketID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if int64(capacity) < m.cap && len(m.data) > 0 {
		return ErrShrinkNonEmpty
	}
	delta := int64(capacity) - m.cap
	if delta > 0 {
		m.sem.Release(delta)
	} else if delta < 0 {
		// Empty map: acquiring synchronously always succeeds immediately.
		_ = m.sem.TryAcquire(-delta)
	}
	m.cap = int64(capacity)
	return nil
}

// Len reports the current number of in-flight transactions, for metrics.
func (m *BoundedTxnMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

// Each calls fn for every entry currently in the map. fn must not call back
// into the map. Used when tearing down a connection to fail every
// outstanding transaction.
func (m *BoundedTxnMap) Each(fn func(id uint16, state *TransactionState)) {
	m.mu.Lock()
	snapshot := make(map[uint16]*TransactionState, len(m.data))
	for k, v := range m.data {
		snapshot[k] = v
	}
	m.mu.Unlock()
	for k, v := range snapshot {
		fn(k, v)
	}
}
