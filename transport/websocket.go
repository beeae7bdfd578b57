package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/riftmq/riftmq/internal/engine"
)

// WebSocketDialer dials ws:// and wss:// MQTT-over-WebSocket connections
// using the "mqtt" subprotocol. Adapted from the mqtt0 package's
// dialWebSocket/wsConn pair: a gorilla/websocket.Conn wrapped just enough
// to behave like a byte stream, since gorilla delivers whole frames while
// the Framer expects to read arbitrary byte counts.
type WebSocketDialer struct {
	TLSConfig *tls.Config
}

// Dial implements engine.Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, addr string) (engine.Transport, error) {
	dialer := websocket.Dialer{
		Subprotocols:    []string{"mqtt"},
		TLSClientConfig: d.TLSConfig,
	}

	ws, _, err := dialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	return &wsTransport{ws: ws}, nil
}

// wsTransport adapts a gorilla websocket.Conn to engine.Transport by
// buffering whatever is left of the most recently read frame, since a
// websocket message boundary carries no relation to an MQTT packet
// boundary.
type wsTransport struct {
	ws       *websocket.Conn
	writeMu  sync.Mutex
	leftover []byte
}

func (c *wsTransport) Read(b []byte) (int, error) {
	if len(c.leftover) > 0 {
		n := copy(b, c.leftover)
		c.leftover = c.leftover[n:]
		return n, nil
	}

	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return 0, err
	}

	n := copy(b, data)
	if n < len(data) {
		c.leftover = data[n:]
	}
	return n, nil
}

func (c *wsTransport) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsTransport) Close() error {
	return c.ws.Close()
}

func (c *wsTransport) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}
