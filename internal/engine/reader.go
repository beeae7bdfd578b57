package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/riftmq/riftmq/internal/packets"
)

// ReaderLoop pulls bytes off a Transport, frames them into packets with a
// Framer, and forwards each decoded packet to a channel the Handler loop
// drains. It never interprets packet semantics itself beyond one exception:
// every incoming QoS 1/2 PUBLISH is admitted against IncomingTx here, before
// Handler ever sees it, so a broker reusing an in-flight packet id is caught
// as a protocol violation (or, for a legitimate pre-ack retransmit, re-acked
// directly without a second application delivery) rather than silently
// risking redelivery. That split otherwise mirrors the teacher's separation
// between the raw read goroutine and logicLoop.
type ReaderLoop struct {
	Transport   Transport
	Framer      *Framer
	Incoming    chan<- packets.Packet
	IncomingTx  *BoundedTxnMap // nil disables QoS 1/2 admission control
	Ack         chan<- AckWork // re-acks for retransmitted QoS 1/2 publishes
	Logger      *slog.Logger
	KeepAlive   time.Duration // 0 disables the read-deadline refresh
	ReadBufSize int           // 0 defaults to 4096
	Version     uint8
}

// Run reads until ctx is done, the transport errs, or a malformed/too-large
// frame is seen. The returned error is nil only when ctx was the cause.
func (r *ReaderLoop) Run(ctx context.Context) error {
	bufSize := r.ReadBufSize
	if bufSize <= 0 {
		bufSize = 4096
	}
	buf := make([]byte, 0, bufSize)
	chunk := make([]byte, bufSize)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if r.KeepAlive > 0 {
			_ = r.Transport.SetReadDeadline(time.Now().Add(r.KeepAlive * 3 / 2))
		}

		n, err := r.Transport.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: connection closed by peer", ErrTransportClosed)
			}
			return fmt.Errorf("%w: %s", ErrTransportClosed, err)
		}

		for {
			frame := r.Framer.Decode(buf)
			switch frame.Status {
			case FrameNeedMore:
				goto readMore
			case FrameDecoded:
				buf = buf[frame.Consumed:]
				pkt := frame.Packet
				if pub, ok := pkt.(*packets.PublishPacket); ok && pub.QoS >= 1 && r.IncomingTx != nil {
					dup, err := r.admitIncoming(ctx, pub)
					if err != nil {
						return err
					}
					if dup {
						continue
					}
				}
				select {
				case r.Incoming <- pkt:
				case <-ctx.Done():
					return ctx.Err()
				}
			case FrameMalformed:
				r.log().Error("malformed packet, closing connection", "error", frame.Reason)
				return frame.Reason
			case FrameTooLarge:
				r.log().Error("incoming packet exceeds maximum size", "error", frame.Reason)
				return frame.Reason
			}
		}
	readMore:
	}
}

func (r *ReaderLoop) log() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// admitIncoming registers p's packet id in IncomingTx, reporting dup=true if
// the id was already present (broker retransmitted before seeing our ack,
// MQTT-4.3.2-1/4.3.3-1): it re-acks on the spot and p must not reach Handler,
// since a second hand-off would redeliver the application message. Any other
// admission failure (ReceiveMaximum exhausted) is a protocol violation and
// ends the loop.
func (r *ReaderLoop) admitIncoming(ctx context.Context, p *packets.PublishPacket) (dup bool, err error) {
	if _, exists := r.IncomingTx.Get(p.PacketID); exists {
		r.log().Debug("duplicate incoming publish before ack, re-acking without redelivery", "packet_id", p.PacketID, "qos", p.QoS)
		select {
		case r.Ack <- AckWork{Packet: ackFor(p, r.Version)}:
		case <-ctx.Done():
			return false, ctx.Err()
		}
		return true, nil
	}

	txn := NewTransactionState(p.PacketID, StageIncomingPending)
	txn.Incoming = p
	if err := r.IncomingTx.TryAdd(p.PacketID, txn); err != nil {
		r.log().Error("incoming publish rejected", "packet_id", p.PacketID, "qos", p.QoS, "error", err)
		return false, fmt.Errorf("%w: incoming publish id %d rejected: %s", ErrProtocolViolation, p.PacketID, err)
	}
	return false, nil
}

// ackFor returns the acknowledgement packet for an incoming publish: PUBREC
// for QoS 2 (the broker's PUBLISH is not yet fully acknowledged until
// PUBCOMP), PUBACK for QoS 1.
func ackFor(p *packets.PublishPacket, version uint8) packets.Packet {
	if p.QoS == 2 {
		return &packets.PubrecPacket{PacketID: p.PacketID, Version: version}
	}
	return &packets.PubackPacket{PacketID: p.PacketID, Version: version}
}
