package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/riftmq/riftmq/internal/packets"
)

// HandlerLoop is the single-threaded state machine that owns every piece of
// session state touched by an incoming packet: the outgoing/incoming
// transaction tables, the subscription registry, and pending SUBACK/UNSUBACK
// tokens. Funneling all of that through one goroutine removes the need for
// a lock across them, the same trade the teacher's logicLoop makes.
type HandlerLoop struct {
	Incoming    <-chan packets.Packet
	OutgoingTx  *BoundedTxnMap
	IncomingTx  *BoundedTxnMap
	Subs        *SubscriptionRegistry
	Dispatch    Dispatcher
	Ack         chan<- AckWork // PUBACK/PUBREC/PUBREL/PUBCOMP destined for WriterLoop
	PingAcked   chan<- struct{}
	Logger      *slog.Logger
	Version     uint8

	pendingSub   map[uint16]*TransactionState
	pendingUnsub map[uint16]*TransactionState
}

// NewHandlerLoop returns a loop with its pending-ack bookkeeping initialized.
func NewHandlerLoop() *HandlerLoop {
	return &HandlerLoop{
		pendingSub:   make(map[uint16]*TransactionState),
		pendingUnsub: make(map[uint16]*TransactionState),
	}
}

// AwaitSuback registers txn to be completed when a SUBACK for id arrives.
func (h *HandlerLoop) AwaitSuback(id uint16, txn *TransactionState) {
	h.pendingSub[id] = txn
}

// AwaitUnsuback registers txn to be completed when an UNSUBACK for id arrives.
func (h *HandlerLoop) AwaitUnsuback(id uint16, txn *TransactionState) {
	h.pendingUnsub[id] = txn
}

// Run dispatches until ctx is done or the incoming channel closes.
func (h *HandlerLoop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pkt, ok := <-h.Incoming:
			if !ok {
				return nil
			}
			if err := h.handle(ctx, pkt); err != nil {
				return err
			}
		}
	}
}

func (h *HandlerLoop) handle(ctx context.Context, pkt packets.Packet) error {
	switch p := pkt.(type) {
	case *packets.PublishPacket:
		return h.handlePublish(ctx, p)
	case *packets.PubackPacket:
		return h.handlePuback(p)
	case *packets.PubrecPacket:
		return h.handlePubrec(p)
	case *packets.PubrelPacket:
		return h.handlePubrel(ctx, p)
	case *packets.PubcompPacket:
		return h.handlePubcomp(p)
	case *packets.SubackPacket:
		return h.handleSuback(p)
	case *packets.UnsubackPacket:
		return h.handleUnsuback(p)
	case *packets.PingrespPacket:
		h.signalPingAcked()
		return nil
	case *packets.DisconnectPacket:
		h.Dispatch.Dispatch(Event{Type: EventConnectionLost, Payload: fmt.Errorf("%w: broker sent DISCONNECT (reason 0x%02x)", ErrProtocolViolation, p.ReasonCode)})
		return ErrClientDisconnected
	case *packets.AuthPacket:
		h.Dispatch.Dispatch(Event{Type: EventAuthReauthenticated, Payload: p})
		return nil
	default:
		return nil
	}
}

func (h *HandlerLoop) signalPingAcked() {
	if h.PingAcked == nil {
		return
	}
	select {
	case h.PingAcked <- struct{}{}:
	default:
	}
}

// handlePublish assumes the Reader loop has already admitted and registered
// any QoS 1/2 publish into IncomingTx (and re-acked, without reaching this
// method at all, any retransmit of one still in flight); this method only
// ever sees a fresh exchange.
func (h *HandlerLoop) handlePublish(ctx context.Context, p *packets.PublishPacket) error {
	switch p.QoS {
	case 0:
		h.deliver(p)
		return nil
	case 1:
		ack := &packets.PubackPacket{PacketID: p.PacketID, Version: h.Version}
		return h.sendAck(ctx, ack, func() {
			h.deliver(p)
			h.IncomingTx.Remove(p.PacketID)
		})
	case 2:
		pubrec := &packets.PubrecPacket{PacketID: p.PacketID, Version: h.Version}
		// Delivery waits for PUBREL; IncomingTx already holds this id's
		// TransactionState courtesy of the Reader loop.
		return h.sendAck(ctx, pubrec, nil)
	default:
		return fmt.Errorf("%w: invalid QoS %d in PUBLISH", ErrMalformedPacket, p.QoS)
	}
}

func (h *HandlerLoop) log() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *HandlerLoop) deliver(p *packets.PublishPacket) {
	msg := IncomingMessage{
		Topic:      p.Topic,
		Payload:    p.Payload,
		QoS:        p.QoS,
		Retained:   p.Retain,
		Duplicate:  p.Dup,
		Properties: p.Properties,
	}

	if h.Subs != nil {
		for _, sub := range h.Subs.Match(p.Topic) {
			if sub.Handler != nil {
				sub.Handler(msg)
			}
		}
	}

	h.Dispatch.Dispatch(Event{Type: EventMessage, Payload: &msg})
}

func (h *HandlerLoop) handlePuback(p *packets.PubackPacket) error {
	txn, ok := h.OutgoingTx.Remove(p.PacketID)
	if !ok {
		return nil // spurious ack for an id we no longer track; not fatal
	}
	if p.ReasonCode >= 0x80 {
		txn.Complete(fmt.Errorf("publish rejected, reason code 0x%02x", p.ReasonCode))
		return nil
	}
	txn.Complete(nil)
	return nil
}

func (h *HandlerLoop) handlePubrec(p *packets.PubrecPacket) error {
	txn, ok := h.OutgoingTx.Get(p.PacketID)
	if !ok {
		return nil
	}
	if p.ReasonCode >= 0x80 {
		h.OutgoingTx.Remove(p.PacketID)
		txn.Complete(fmt.Errorf("publish rejected at PUBREC, reason code 0x%02x", p.ReasonCode))
		return nil
	}
	rel := &packets.PubrelPacket{PacketID: p.PacketID, Version: h.Version}
	next := txn.Advance(StageAwaitingPubcomp, rel)
	if err := h.OutgoingTx.TryUpdate(p.PacketID, txn, next); err != nil {
		return nil // lost a race with a timeout-driven removal; harmless
	}
	work := AckWork{Packet: rel}
	select {
	case h.Ack <- work:
	default:
		// Ack channel should never be unbuffered-blocked long; if it is,
		// the WriterLoop has stalled and Run's write error will surface.
		h.Ack <- work
	}
	return nil
}

func (h *HandlerLoop) handlePubrel(ctx context.Context, p *packets.PubrelPacket) error {
	txn, ok := h.IncomingTx.Get(p.PacketID)
	comp := &packets.PubcompPacket{PacketID: p.PacketID, Version: h.Version}
	if !ok {
		// Unknown id: still reply PUBCOMP per spec so the broker's own
		// state machine can complete, but there is nothing to deliver.
		return h.sendAck(ctx, comp, nil)
	}
	return h.sendAck(ctx, comp, func() {
		if txn.Incoming != nil {
			h.deliver(txn.Incoming)
		}
		h.IncomingTx.Remove(p.PacketID)
	})
}

func (h *HandlerLoop) handlePubcomp(p *packets.PubcompPacket) error {
	txn, ok := h.OutgoingTx.Remove(p.PacketID)
	if !ok {
		return nil
	}
	if p.ReasonCode >= 0x80 {
		txn.Complete(fmt.Errorf("publish rejected at PUBCOMP, reason code 0x%02x", p.ReasonCode))
		return nil
	}
	txn.Complete(nil)
	return nil
}

func (h *HandlerLoop) handleSuback(p *packets.SubackPacket) error {
	txn, ok := h.pendingSub[p.PacketID]
	if !ok {
		return nil
	}
	delete(h.pendingSub, p.PacketID)
	for _, rc := range p.ReturnCodes {
		if rc >= 0x80 {
			txn.Complete(fmt.Errorf("subscribe rejected, reason code 0x%02x", rc))
			return nil
		}
	}
	txn.Complete(nil)
	return nil
}

func (h *HandlerLoop) handleUnsuback(p *packets.UnsubackPacket) error {
	txn, ok := h.pendingUnsub[p.PacketID]
	if !ok {
		return nil
	}
	delete(h.pendingUnsub, p.PacketID)
	txn.Complete(nil)
	return nil
}

// sendAck queues pkt for WriterLoop. afterWrite, if non-nil, runs on the
// writer goroutine immediately after pkt's bytes are on the wire, so the
// application never observes a delivery before its acknowledgement.
func (h *HandlerLoop) sendAck(ctx context.Context, pkt packets.Packet, afterWrite func()) error {
	select {
	case h.Ack <- AckWork{Packet: pkt, AfterWrite: afterWrite}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
