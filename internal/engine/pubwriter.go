package engine

import (
	"context"
	"fmt"
	"log/slog"
)

// PublishWriterLoop drains the outgoing publish queue and writes each
// message to the transport, admitting QoS 1/2 publishes into the
// OutgoingPubTable before the bytes go on the wire so a PUBACK/PUBREC that
// arrives before WriteTo returns is never lost. It generalizes the
// teacher's processPublishQueue, which walked a plain slice under a mutex
// each time retryTicker fired; here the queue itself wakes the loop as soon
// as something is pushed instead of waiting for the next tick.
type PublishWriterLoop struct {
	Transport  Transport
	Queue      *AwaitableQueue[*OutgoingPublish]
	OutgoingTx *BoundedTxnMap
	Logger     *slog.Logger
}

// Run drains the queue until ctx is done or a write fails. On a write
// failure the failed publish's id is removed from OutgoingTx and its
// transaction is completed with the error; transactions added earlier by
// this loop stay in OutgoingTx.
func (p *PublishWriterLoop) Run(ctx context.Context) error {
	for {
		item, err := p.Queue.Pop(ctx)
		if err != nil {
			return ctx.Err()
		}

		if err := p.send(ctx, item); err != nil {
			if item.Txn != nil {
				item.Txn.Complete(err)
			}
			return err
		}
	}
}

func (p *PublishWriterLoop) send(ctx context.Context, item *OutgoingPublish) error {
	if item.Packet.QoS > 0 && item.Txn != nil {
		if err := p.OutgoingTx.Add(ctx, item.Packet.PacketID, item.Txn); err != nil {
			return err
		}
	}

	if _, err := item.Packet.WriteTo(asWriter(p.Transport)); err != nil {
		if item.Packet.QoS > 0 {
			p.OutgoingTx.Remove(item.Packet.PacketID)
		}
		p.log().Error("failed to write publish", "packet_id", item.Packet.PacketID, "error", err)
		return fmt.Errorf("%w: %s", ErrTransportClosed, err)
	}

	if item.Packet.QoS == 0 && item.Txn != nil {
		item.Txn.Complete(nil)
	}

	return nil
}

func (p *PublishWriterLoop) log() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
