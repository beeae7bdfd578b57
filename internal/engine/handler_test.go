package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/riftmq/riftmq/internal/packets"
)

func newTestHandler() (*HandlerLoop, chan AckWork, chan Event) {
	events := make(chan Event, 8)
	ack := make(chan AckWork, 8)
	h := NewHandlerLoop()
	h.Incoming = make(chan packets.Packet, 8)
	h.OutgoingTx = NewBoundedTxnMap(4)
	h.IncomingTx = NewBoundedTxnMap(4)
	h.Subs = NewSubscriptionRegistry()
	h.Ack = ack
	h.PingAcked = make(chan struct{}, 1)
	h.Version = 5
	h.Dispatch = DispatcherFunc(func(e Event) { events <- e })
	return h, ack, events
}

func TestHandlerLoop_QoS0Delivers(t *testing.T) {
	h, _, events := newTestHandler()

	var viaSub IncomingMessage
	var subCalled bool
	h.Subs.Put(&Subscription{Filter: "a", Handler: func(m IncomingMessage) {
		subCalled = true
		viaSub = m
	}})

	err := h.handle(context.Background(), &packets.PublishPacket{Topic: "a", Payload: []byte("x"), QoS: 0, Version: 5})
	require.NoError(t, err)

	require.True(t, subCalled, "matching subscription handler should be invoked")
	require.Equal(t, "a", viaSub.Topic)

	select {
	case e := <-events:
		require.Equal(t, EventMessage, e.Type)
		msg := e.Payload.(*IncomingMessage)
		require.Equal(t, "a", msg.Topic)
	default:
		t.Fatal("expected a dispatched message event")
	}
}

// TestHandlerLoop_QoS1DeliversAfterAckWritten verifies Testable invariant
// §8.3: the application must never see a QoS 1 message before its PUBACK has
// actually been written. Handler only queues the ack and a deferred delivery
// closure; WriterLoop (simulated here by invoking AfterWrite directly) is
// what releases the delivery once the write succeeds.
func TestHandlerLoop_QoS1DeliversAfterAckWritten(t *testing.T) {
	h, ack, events := newTestHandler()
	pub := &packets.PublishPacket{Topic: "a", Payload: []byte("x"), QoS: 1, PacketID: 9, Version: 5}
	txn := NewTransactionState(pub.PacketID, StageIncomingPending)
	txn.Incoming = pub
	require.NoError(t, h.IncomingTx.TryAdd(pub.PacketID, txn))

	require.NoError(t, h.handle(context.Background(), pub))

	work := <-ack
	require.IsType(t, &packets.PubackPacket{}, work.Packet)

	select {
	case <-events:
		t.Fatal("delivery must not fire before PUBACK is written")
	default:
	}
	require.Equal(t, 1, h.IncomingTx.Len(), "entry stays registered until AfterWrite runs")

	require.NotNil(t, work.AfterWrite)
	work.AfterWrite()

	select {
	case e := <-events:
		require.Equal(t, EventMessage, e.Type)
		msg := e.Payload.(*IncomingMessage)
		require.Equal(t, "a", msg.Topic)
	default:
		t.Fatal("expected delivery once PUBACK's AfterWrite runs")
	}
	require.Equal(t, 0, h.IncomingTx.Len())
}

// TestHandlerLoop_QoS2RequiresReaderRegistration documents the Reader/Handler
// split: Handler never calls IncomingTx.TryAdd itself for an incoming
// publish (the Reader loop already admitted it before handing the packet
// off), and the PUBREC it queues carries no delivery closure since QoS 2
// delivery waits for PUBREL.
func TestHandlerLoop_QoS2RequiresReaderRegistration(t *testing.T) {
	h, ack, _ := newTestHandler()
	pub := &packets.PublishPacket{Topic: "a", Payload: []byte("x"), QoS: 2, PacketID: 5, Version: 5}
	txn := NewTransactionState(pub.PacketID, StageIncomingPending)
	txn.Incoming = pub
	require.NoError(t, h.IncomingTx.TryAdd(pub.PacketID, txn))

	require.NoError(t, h.handle(context.Background(), pub))
	work := <-ack
	require.IsType(t, &packets.PubrecPacket{}, work.Packet)
	require.Nil(t, work.AfterWrite, "QoS2 PUBREC must not release delivery before PUBREL")
	require.Equal(t, 1, h.IncomingTx.Len())
}

func TestHandlerLoop_QoS2FullHandshake(t *testing.T) {
	h, ack, events := newTestHandler()
	pub := &packets.PublishPacket{Topic: "a", Payload: []byte("x"), QoS: 2, PacketID: 7, Version: 5}
	txn := NewTransactionState(pub.PacketID, StageIncomingPending)
	txn.Incoming = pub
	require.NoError(t, h.IncomingTx.TryAdd(pub.PacketID, txn))

	require.NoError(t, h.handle(context.Background(), pub))
	pubrec := <-ack
	require.IsType(t, &packets.PubrecPacket{}, pubrec.Packet)

	require.NoError(t, h.handle(context.Background(), &packets.PubrelPacket{PacketID: 7, Version: 5}))
	pubcomp := <-ack
	require.IsType(t, &packets.PubcompPacket{}, pubcomp.Packet)

	select {
	case <-events:
		t.Fatal("delivery must not fire before PUBCOMP is written")
	default:
	}
	require.Equal(t, 1, h.IncomingTx.Len(), "entry stays registered until AfterWrite runs")

	require.NotNil(t, pubcomp.AfterWrite)
	pubcomp.AfterWrite()

	select {
	case e := <-events:
		require.Equal(t, EventMessage, e.Type)
	default:
		t.Fatal("expected delivery once PUBCOMP's AfterWrite runs")
	}
	require.Equal(t, 0, h.IncomingTx.Len())
}

func TestHandlerLoop_OutgoingQoS1Puback(t *testing.T) {
	h, _, _ := newTestHandler()
	txn := NewTransactionState(3, StageAwaitingPuback)
	require.NoError(t, h.OutgoingTx.Add(context.Background(), 3, txn))

	require.NoError(t, h.handle(context.Background(), &packets.PubackPacket{PacketID: 3, Version: 5}))

	select {
	case <-txn.Done():
		require.NoError(t, txn.Err())
	case <-time.After(time.Second):
		t.Fatal("PUBACK should complete the transaction")
	}
	require.Equal(t, 0, h.OutgoingTx.Len())
}

func TestHandlerLoop_OutgoingQoS2Chain(t *testing.T) {
	h, ack, _ := newTestHandler()
	txn := NewTransactionState(4, StageAwaitingPubrec)
	require.NoError(t, h.OutgoingTx.Add(context.Background(), 4, txn))

	require.NoError(t, h.handle(context.Background(), &packets.PubrecPacket{PacketID: 4, Version: 5}))
	rel := <-ack
	require.IsType(t, &packets.PubrelPacket{}, rel.Packet)

	current, ok := h.OutgoingTx.Get(4)
	require.True(t, ok)
	require.Equal(t, StageAwaitingPubcomp, current.Stage)

	require.NoError(t, h.handle(context.Background(), &packets.PubcompPacket{PacketID: 4, Version: 5}))
	select {
	case <-current.Done():
		require.NoError(t, current.Err())
	case <-time.After(time.Second):
		t.Fatal("PUBCOMP should complete the transaction")
	}
}

func TestHandlerLoop_SubackRejected(t *testing.T) {
	h, _, _ := newTestHandler()
	txn := NewTransactionState(1, StageAwaitingPuback)
	h.AwaitSuback(1, txn)

	require.NoError(t, h.handle(context.Background(), &packets.SubackPacket{PacketID: 1, ReturnCodes: []uint8{0x80}}))

	select {
	case <-txn.Done():
		require.Error(t, txn.Err())
	case <-time.After(time.Second):
		t.Fatal("rejected SUBACK should complete the transaction with an error")
	}
}

func TestHandlerLoop_PingrespSignals(t *testing.T) {
	h, _, _ := newTestHandler()
	pingAcked := make(chan struct{}, 1)
	h.PingAcked = pingAcked
	require.NoError(t, h.handle(context.Background(), &packets.PingrespPacket{}))
	select {
	case <-pingAcked:
	default:
		t.Fatal("PINGRESP should signal PingAcked")
	}
}
