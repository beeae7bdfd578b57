package engine

import (
	"sync"

	"github.com/riftmq/riftmq/internal/packets"
)

// TxnStage tags where a QoS 1/2 transaction currently sits in its handshake.
type TxnStage uint8

const (
	// StageAwaitingPuback: outgoing QoS 1 publish sent, waiting for PUBACK.
	StageAwaitingPuback TxnStage = iota
	// StageAwaitingPubrec: outgoing QoS 2 publish sent, waiting for PUBREC.
	StageAwaitingPubrec
	// StageAwaitingPubcomp: PUBREC received and PUBREL sent, waiting for PUBCOMP.
	StageAwaitingPubcomp
	// StageAwaitingPubrel: incoming QoS 2 publish received and PUBREC sent,
	// waiting for the broker's PUBREL before the application-level delivery
	// is released and PUBCOMP is sent.
	StageAwaitingPubrel
	// StageIncomingPending: incoming QoS 1/2 publish registered by the
	// Reader loop, before its local ack has been written. QoS 1 releases the
	// application delivery as soon as the PUBACK write succeeds; QoS 2 holds
	// until the broker's PUBREL arrives.
	StageIncomingPending
)

func (s TxnStage) String() string {
	switch s {
	case StageAwaitingPuback:
		return "awaiting-puback"
	case StageAwaitingPubrec:
		return "awaiting-pubrec"
	case StageAwaitingPubcomp:
		return "awaiting-pubcomp"
	case StageAwaitingPubrel:
		return "awaiting-pubrel"
	case StageIncomingPending:
		return "incoming-pending"
	default:
		return "unknown"
	}
}

// TransactionState is a single fixed-size record tracking one in-flight QoS
// 1/2 exchange. It is intentionally a flat struct rather than a growing
// event list: a transaction only ever needs to remember its current stage
// and the packet required to resume it after a reconnect, never its full
// history.
type TransactionState struct {
	PacketID uint16
	Stage    TxnStage

	// Outgoing holds the PUBLISH (QoS 1/2) or PUBREL (QoS 2, after PUBREC)
	// packet to retransmit with DUP=1 if the connection drops before this
	// transaction completes. Nil for purely incoming transactions.
	Outgoing packets.Packet

	// Incoming holds the original PUBLISH packet for a QoS 2 transaction
	// the broker initiated, needed to re-deliver to the application exactly
	// once after PUBREL arrives.
	Incoming *packets.PublishPacket

	mu   sync.Mutex
	done chan struct{}
	err  error
	once sync.Once
}

// NewTransactionState returns a transaction in stage with its completion
// channel ready.
func NewTransactionState(id uint16, stage TxnStage) *TransactionState {
	return &TransactionState{
		PacketID: id,
		Stage:    stage,
		done:     make(chan struct{}),
	}
}

// Advance returns a copy of the transaction moved to the next stage,
// intended to be installed with BoundedTxnMap.TryUpdate so the map never
// holds two goroutines racing to mutate the same record in place.
func (t *TransactionState) Advance(stage TxnStage, outgoing packets.Packet) *TransactionState {
	return &TransactionState{
		PacketID: t.PacketID,
		Stage:    stage,
		Outgoing: outgoing,
		Incoming: t.Incoming,
		done:     t.done,
	}
}

// Done returns a channel that closes when the transaction completes.
func (t *TransactionState) Done() <-chan struct{} {
	return t.done
}

// Err returns the completion error, valid only after Done is closed.
func (t *TransactionState) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Complete marks the transaction finished with err (nil on success). Only
// the first call has any effect.
func (t *TransactionState) Complete(err error) {
	t.once.Do(func() {
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		close(t.done)
	})
}
