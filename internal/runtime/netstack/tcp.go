package netstack

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
)

// TCPTransport carries streams over TCP, wrapped in TLS when Options.TLS
// is set.
type TCPTransport struct {
	opts Options
}

// NewTCPTransport returns a TCP transport.
func NewTCPTransport(opts Options) *TCPTransport { return &TCPTransport{opts: opts} }

func (t *TCPTransport) Name() string { return "tcp" }

// Listen binds addr. The listener is closed when ctx ends.
func (t *TCPTransport) Listen(ctx context.Context, addr string) (Listener, error) {
	lc := net.ListenConfig{Control: t.opts.control, KeepAlive: t.opts.keepAlive()}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if t.opts.TLS != nil {
		ln = TLSServer(ln, t.opts.TLS)
	}
	return newNetListener(ctx, ln), nil
}

// Dial connects to addr with the configured timeout.
func (t *TCPTransport) Dial(ctx context.Context, addr string) (Stream, error) {
	d := net.Dialer{Timeout: t.opts.dialTimeout(), KeepAlive: t.opts.keepAlive(), Control: t.opts.control}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if t.opts.TLS == nil && t.opts.ClientTLS == nil {
		return connStream{c}, nil
	}
	tc := tls.Client(c, ClientTLS(addr, t.opts.ClientTLS))
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return connStream{tc}, nil
}

// connStream adapts a net.Conn.
type connStream struct{ net.Conn }

func (c connStream) RemoteAddr() string { return c.Conn.RemoteAddr().String() }

// netListener adapts a net.Listener.
type netListener struct {
	ln   net.Listener
	stop func() bool
}

func newNetListener(ctx context.Context, ln net.Listener) *netListener {
	l := &netListener{ln: ln}
	l.stop = context.AfterFunc(ctx, func() { _ = ln.Close() })
	return l
}

func (l *netListener) Accept(ctx context.Context) (Stream, error) {
	c, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return connStream{c}, nil
}

func (l *netListener) Addr() string { return l.ln.Addr().String() }

func (l *netListener) Close() error {
	l.stop()
	return l.ln.Close()
}
