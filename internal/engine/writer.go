package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riftmq/riftmq/internal/packets"
)

// AckWork is a packet destined for the wire together with the follow-up
// action, if any, that must run only once the write has actually succeeded.
// The Handler loop uses AfterWrite to release an application
// delivery and its IncomingPubTable entry strictly after the corresponding
// PUBACK/PUBCOMP bytes are on the wire, never before (the ack-before-delivery
// ordering the Handler loop used to get backwards).
type AckWork struct {
	Packet     packets.Packet
	AfterWrite func()
}

// WriterLoop serializes every non-publish packet (CONNECT, SUBSCRIBE,
// UNSUBSCRIBE, PUBACK/PUBREC/PUBREL/PUBCOMP, PINGREQ, DISCONNECT, AUTH) onto
// the transport, and owns the keep-alive ping timer. Publishes are handed
// instead to the PublishWriterLoop so a burst of QoS 0 traffic can never
// starve a pending PINGREQ or acknowledgement.
type WriterLoop struct {
	Transport Transport
	Outgoing  <-chan AckWork
	KeepAlive time.Duration // 0 disables PINGREQ
	Logger    *slog.Logger

	// PingAcked is signaled by the Handler loop whenever a PINGRESP arrives;
	// other inbound packets do not signal it. This matches the teacher's
	// pingPendingCh idiom.
	PingAcked <-chan struct{}
	Version   uint8
}

// Run writes until ctx is done or a write fails.
func (w *WriterLoop) Run(ctx context.Context) error {
	var pingTicker *time.Ticker
	var pingC <-chan time.Time
	if w.KeepAlive > 0 {
		pingTicker = time.NewTicker(w.KeepAlive)
		defer pingTicker.Stop()
		pingC = pingTicker.C
	}

	missedPing := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case work, ok := <-w.Outgoing:
			if !ok {
				return nil
			}
			if _, err := work.Packet.WriteTo(asWriter(w.Transport)); err != nil {
				return fmt.Errorf("%w: %s", ErrTransportClosed, err)
			}
			if work.AfterWrite != nil {
				work.AfterWrite()
			}

		case <-pingC:
			if missedPing {
				w.log().Error("no PINGRESP before next keep-alive interval, closing connection")
				return fmt.Errorf("%w: no PINGRESP before next keep-alive interval", ErrTransportClosed)
			}
			req := &packets.PingreqPacket{}
			if _, err := req.WriteTo(asWriter(w.Transport)); err != nil {
				return fmt.Errorf("%w: %s", ErrTransportClosed, err)
			}
			missedPing = true

		case <-w.PingAcked:
			missedPing = false
		}
	}
}

func (w *WriterLoop) log() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

// asWriter adapts Transport to io.Writer for packets' WriteTo signature.
func asWriter(t Transport) transportWriter {
	return transportWriter{t}
}

type transportWriter struct{ t Transport }

func (w transportWriter) Write(p []byte) (int, error) { return w.t.Write(p) }
