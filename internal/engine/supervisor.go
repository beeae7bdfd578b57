package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/riftmq/riftmq/internal/packets"
)

// Supervisor owns the connection lifecycle: dialing, the CONNECT/CONNACK
// handshake, running the four loops under an errgroup so any one failure
// tears down the rest, and reconnecting with exponential backoff. It
// generalizes the teacher's reconnectLoop, which slept on a fixed backoff
// ladder and re-invoked connect() by hand; here the same ladder drives a
// context-scoped errgroup.Group per attempt instead of four ad-hoc
// goroutines tracked with a sync.WaitGroup.
type Supervisor struct {
	Dialer  Dialer
	Addr    string
	Version uint8

	ConnectTimeout time.Duration
	KeepAlive      time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	CleanStart     bool

	Subs     *SubscriptionRegistry
	Dispatch Dispatcher
	Logger   *slog.Logger

	// BuildConnect returns a fresh CONNECT packet for each attempt (the
	// façade owns will/auth/property construction).
	BuildConnect func() *packets.ConnectPacket

	state      stateCell
	outgoingTx *BoundedTxnMap
	incomingTx *BoundedTxnMap
	ids        *PacketIDStore
	props      ConnectionProperties
}

// State returns the current connection lifecycle state.
func (s *Supervisor) State() State { return s.state.Load() }

// Run drives connect/supervise/reconnect until ctx is canceled.
func (s *Supervisor) Run(ctx context.Context) error {
	s.ids = NewPacketIDStore()
	backoff := s.InitialBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	maxBackoff := s.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 2 * time.Minute
	}

	first := true
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.state.Store(Connecting)
		err := s.runOneConnection(ctx, first)
		first = false

		if ctx.Err() != nil {
			s.state.Store(Disconnected)
			return ctx.Err()
		}

		s.state.Store(Disconnected)
		s.Dispatch.Dispatch(Event{Type: EventConnectionLost, Payload: err})

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = min(backoff*2, maxBackoff)
		s.Dispatch.Dispatch(Event{Type: EventReconnecting})
	}
}

// runOneConnection dials, handshakes, and runs the four loops until one
// fails or ctx is canceled.
func (s *Supervisor) runOneConnection(ctx context.Context, cleanStartOverride bool) error {
	dialCtx := ctx
	var cancel context.CancelFunc
	if s.ConnectTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, s.ConnectTimeout)
		defer cancel()
	}

	transport, err := s.Dialer.Dial(dialCtx, s.Addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	connack, err := s.handshake(dialCtx, transport)
	if err != nil {
		_ = transport.Close()
		return fmt.Errorf("handshake: %w", err)
	}

	s.applyConnack(connack)

	if s.CleanStart && !s.props.SessionPresent {
		s.outgoingTx = NewBoundedTxnMap(int(s.props.ReceiveMaximum))
		s.incomingTx = NewBoundedTxnMap(0)
	} else if s.outgoingTx == nil {
		s.outgoingTx = NewBoundedTxnMap(int(s.props.ReceiveMaximum))
		s.incomingTx = NewBoundedTxnMap(0)
	}

	s.state.Store(Connected)
	s.Dispatch.Dispatch(Event{Type: EventConnected, Payload: connack})

	if s.props.SessionPresent {
		s.resubscribeAll(ctx)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	g, gctx := errgroup.WithContext(runCtx)

	incoming := make(chan packets.Packet, 64)
	ack := make(chan AckWork, 64)
	pingAcked := make(chan struct{}, 1)
	publishQueue := NewAwaitableQueue[*OutgoingPublish]()

	reader := &ReaderLoop{
		Transport:  transport,
		Framer:     &Framer{Version: s.Version},
		Incoming:   incoming,
		IncomingTx: s.incomingTx,
		Ack:        ack,
		Logger:     s.Logger,
		KeepAlive:  s.effectiveKeepAlive(),
		Version:    s.Version,
	}
	writer := &WriterLoop{
		Transport: transport,
		Outgoing:  ack,
		KeepAlive: s.effectiveKeepAlive(),
		PingAcked: pingAcked,
		Version:   s.Version,
		Logger:    s.Logger,
	}
	pubWriter := &PublishWriterLoop{
		Transport:  transport,
		Queue:      publishQueue,
		OutgoingTx: s.outgoingTx,
		Logger:     s.Logger,
	}
	handler := NewHandlerLoop()
	handler.Incoming = incoming
	handler.OutgoingTx = s.outgoingTx
	handler.IncomingTx = s.incomingTx
	handler.Subs = s.Subs
	handler.Dispatch = s.Dispatch
	handler.Ack = ack
	handler.PingAcked = pingAcked
	handler.Version = s.Version
	handler.Logger = s.Logger

	g.Go(func() error { return reader.Run(gctx) })
	g.Go(func() error { return writer.Run(gctx) })
	g.Go(func() error { return pubWriter.Run(gctx) })
	g.Go(func() error { return handler.Run(gctx) })

	err = g.Wait()
	_ = transport.Close()

	if errors.Is(err, context.Canceled) && ctx.Err() == nil {
		// One loop tore itself down deliberately (e.g. clean Disconnect);
		// treat as a normal close rather than a reconnect-triggering error.
		return nil
	}
	return err
}

func (s *Supervisor) effectiveKeepAlive() time.Duration {
	if s.props.ServerKeepAlive > 0 {
		return time.Duration(s.props.ServerKeepAlive) * time.Second
	}
	return s.KeepAlive
}

func (s *Supervisor) handshake(ctx context.Context, t Transport) (*packets.ConnackPacket, error) {
	connect := s.BuildConnect()
	if _, err := connect.WriteTo(asWriter(t)); err != nil {
		return nil, err
	}

	framer := &Framer{Version: s.Version}
	buf := make([]byte, 0, 512)
	chunk := make([]byte, 512)
	deadline := time.Now().Add(s.ConnectTimeout)
	if s.ConnectTimeout <= 0 {
		deadline = time.Now().Add(30 * time.Second)
	}
	_ = t.SetReadDeadline(deadline)

	for {
		frame := framer.Decode(buf)
		if frame.Status == FrameDecoded {
			connack, ok := frame.Packet.(*packets.ConnackPacket)
			if !ok {
				return nil, fmt.Errorf("%w: expected CONNACK, got packet type %d", ErrProtocolViolation, frame.Packet.Type())
			}
			return connack, nil
		}
		if frame.Status == FrameMalformed || frame.Status == FrameTooLarge {
			return nil, frame.Reason
		}

		n, err := t.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrTransportClosed, err)
		}
	}
}

func (s *Supervisor) applyConnack(connack *packets.ConnackPacket) {
	s.props.SessionPresent = connack.SessionPresent
	if connack.Properties == nil {
		return
	}
	p := connack.Properties
	if p.ReceiveMaximum > 0 {
		s.props.ReceiveMaximum = p.ReceiveMaximum
	} else {
		s.props.ReceiveMaximum = maxPacketID
	}
	s.props.MaximumPacketSize = p.MaximumPacketSize
	s.props.TopicAliasMaximum = p.TopicAliasMaximum
	s.props.ServerKeepAlive = p.ServerKeepAlive
	s.props.SessionExpiryInterval = p.SessionExpiryInterval
	s.props.AssignedClientID = p.AssignedClientIdentifier
}

// resubscribeAll is a hook point: when the broker reports SessionPresent,
// the registry's entries are still valid and Match keeps working without
// any change here. Re-sending SUBSCRIBE packets for a session that was
// NOT present is the façade's job (it owns packet-id allocation for the
// resulting batch), so this only exists to make that split explicit.
func (s *Supervisor) resubscribeAll(ctx context.Context) {}

// ConnectionProperties returns the most recently negotiated session
// properties.
func (s *Supervisor) ConnectionProperties() ConnectionProperties {
	return s.props
}

// PacketIDs returns the packet-id allocator for this supervised connection.
func (s *Supervisor) PacketIDs() *PacketIDStore { return s.ids }

// OutgoingTxns returns the outgoing transaction table for this connection.
func (s *Supervisor) OutgoingTxns() *BoundedTxnMap { return s.outgoingTx }

// IncomingTxns returns the incoming transaction table for this connection.
func (s *Supervisor) IncomingTxns() *BoundedTxnMap { return s.incomingTx }
