// Package transport provides the concrete Transport implementations the
// engine's Supervisor dials: plain/TLS TCP and WebSocket. Both satisfy
// engine.Transport and engine.Dialer so the engine package never imports
// net or crypto/tls directly.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"

	"github.com/riftmq/riftmq/internal/engine"
)

// TCPDialer dials plain or TLS TCP connections, generalizing the teacher's
// dialServer scheme-sniffing logic (tcp/mqtt vs tls/ssl/mqtts, default
// ports 1883/8883) into a reusable engine.Dialer.
type TCPDialer struct {
	TLSConfig *tls.Config
	// Custom, when set, is used instead of the built-in net.Dialer/tls.Dialer
	// (mirrors the teacher's WithDialer escape hatch).
	Custom func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Dial implements engine.Dialer.
func (d *TCPDialer) Dial(ctx context.Context, addr string) (engine.Transport, error) {
	if d.Custom != nil {
		conn, err := d.Custom(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("custom dialer failed: %w", err)
		}
		return &connTransport{Conn: conn}, nil
	}

	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}

	if u.Port() == "" {
		switch u.Scheme {
		case "tls", "ssl", "mqtts":
			u.Host = net.JoinHostPort(u.Host, "8883")
		case "tcp", "mqtt", "":
			u.Host = net.JoinHostPort(u.Host, "1883")
		}
	}

	useTLS := u.Scheme == "tls" || u.Scheme == "ssl" || u.Scheme == "mqtts" || d.TLSConfig != nil
	if !useTLS && u.Scheme != "tcp" && u.Scheme != "mqtt" {
		return nil, fmt.Errorf("unsupported scheme: %s (supported: tcp, mqtt, tls, ssl, mqtts)", u.Scheme)
	}

	var conn net.Conn
	if useTLS {
		cfg := d.TLSConfig
		if cfg == nil {
			cfg = &tls.Config{}
		}
		dialer := &tls.Dialer{NetDialer: &net.Dialer{}, Config: cfg}
		conn, err = dialer.DialContext(ctx, "tcp", u.Host)
	} else {
		var nd net.Dialer
		conn, err = nd.DialContext(ctx, "tcp", u.Host)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}

	return &connTransport{Conn: conn}, nil
}

// connTransport adapts net.Conn to engine.Transport. net.Conn already
// implements Read/Write/Close/SetReadDeadline with matching signatures, so
// embedding is sufficient.
type connTransport struct {
	net.Conn
}
