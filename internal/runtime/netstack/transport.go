// Package netstack provides the byte-stream transports nodes talk over:
// TCP (optionally TLS), QUIC, WebSocket and an in-process memory transport.
//
// A transport only moves bytes. Framing, handshakes and routing live in the
// protocol layer above it.
package netstack

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"time"
)

// ALPN is the application protocol negotiated over TLS and QUIC.
const ALPN = "meshwire"

// ErrClosed is returned by Accept after the listener was closed.
var ErrClosed = errors.New("netstack: listener closed")

// Stream is one bidirectional connection between two nodes.
type Stream interface {
	io.ReadWriteCloser
	RemoteAddr() string
}

// Listener accepts incoming streams.
type Listener interface {
	Accept(ctx context.Context) (Stream, error)
	// Addr returns the bound address, suitable for Dial.
	Addr() string
	Close() error
}

// Transport creates listeners and outgoing streams.
type Transport interface {
	Name() string
	Listen(ctx context.Context, addr string) (Listener, error)
	Dial(ctx context.Context, addr string) (Stream, error)
}

// Options configures the network transports.
type Options struct {
	// TLS is the server configuration. TCP runs in plain text without it;
	// QUIC generates a self-signed certificate.
	TLS *tls.Config
	// ClientTLS is used when dialing. Defaults to verifying nothing but
	// the ALPN, which suits self-signed cluster certificates.
	ClientTLS   *tls.Config
	DialTimeout time.Duration
	KeepAlive   time.Duration
	// UserTimeout bounds how long sent TCP data may stay unacknowledged
	// before the kernel drops the connection. Zero keeps the system default.
	UserTimeout time.Duration
}

func (o Options) dialTimeout() time.Duration {
	if o.DialTimeout <= 0 {
		return 5 * time.Second
	}
	return o.DialTimeout
}

func (o Options) keepAlive() time.Duration {
	if o.KeepAlive <= 0 {
		return 15 * time.Second
	}
	return o.KeepAlive
}

// New returns the transport registered under name: "tcp", "quic", "ws" or
// "mem".
func New(name string, opts Options) (Transport, error) {
	switch name {
	case "", "tcp":
		return &TCPTransport{opts: opts}, nil
	case "quic":
		return &QUICTransport{opts: opts}, nil
	case "ws":
		return &WSTransport{opts: opts}, nil
	case "mem":
		return DefaultMemoryNetwork.Transport(), nil
	default:
		return nil, fmt.Errorf("netstack: unknown transport %q", name)
	}
}
