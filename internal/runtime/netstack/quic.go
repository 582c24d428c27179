package netstack

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/quic-go/quic-go"
)

// QUICTransport carries each node connection on a single bidirectional
// QUIC stream. The dialing side opens the stream; it becomes visible to
// the listener with the first bytes written, which is the client handshake.
type QUICTransport struct {
	opts Options
}

// NewQUICTransport returns a QUIC transport.
func NewQUICTransport(opts Options) *QUICTransport { return &QUICTransport{opts: opts} }

func (t *QUICTransport) Name() string { return "quic" }

func (t *QUICTransport) config() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:      t.opts.keepAlive(),
		HandshakeIdleTimeout: t.opts.dialTimeout(),
	}
}

// quicConn is the part of a QUIC connection a stream needs to tear it down.
type quicConn interface {
	CloseWithError(quic.ApplicationErrorCode, string) error
	RemoteAddr() net.Addr
}

// Listen binds a UDP socket on addr. Without Options.TLS a self-signed
// certificate is generated.
func (t *QUICTransport) Listen(ctx context.Context, addr string) (Listener, error) {
	tlsCfg := t.opts.TLS
	if tlsCfg == nil {
		host, _, _ := net.SplitHostPort(addr)
		if host == "" {
			host = "localhost"
		}
		var err error
		if tlsCfg, err = GenerateSelfSignedTLS([]string{host}, 0); err != nil {
			return nil, err
		}
	}
	ln, err := quic.ListenAddr(addr, ServerTLS(tlsCfg), t.config())
	if err != nil {
		return nil, err
	}
	l := &quicListener{ln: ln}
	l.stop = context.AfterFunc(ctx, func() { _ = ln.Close() })
	return l, nil
}

// Dial opens a QUIC connection and its single stream.
func (t *QUICTransport) Dial(ctx context.Context, addr string) (Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, t.opts.dialTimeout())
	defer cancel()
	conn, err := quic.DialAddr(ctx, addr, ClientTLS(addr, t.opts.ClientTLS), t.config())
	if err != nil {
		return nil, err
	}
	str, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream")
		return nil, err
	}
	return &quicStream{ReadWriteCloser: str, conn: conn}, nil
}

type quicListener struct {
	ln   *quic.Listener
	stop func() bool
}

func (l *quicListener) Accept(ctx context.Context) (Stream, error) {
	for {
		conn, err := l.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, quic.ErrServerClosed) {
				return nil, ErrClosed
			}
			return nil, err
		}
		str, err := conn.AcceptStream(ctx)
		if err != nil {
			// the peer went away before opening its stream
			_ = conn.CloseWithError(0, "no stream")
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		return &quicStream{ReadWriteCloser: str, conn: conn}, nil
	}
}

func (l *quicListener) Addr() string { return l.ln.Addr().String() }

func (l *quicListener) Close() error {
	l.stop()
	return l.ln.Close()
}

type quicStream struct {
	io.ReadWriteCloser
	conn quicConn
}

func (s *quicStream) RemoteAddr() string { return s.conn.RemoteAddr().String() }

// Close closes the stream and its connection.
func (s *quicStream) Close() error {
	err := s.ReadWriteCloser.Close()
	_ = s.conn.CloseWithError(0, "closed")
	return err
}
