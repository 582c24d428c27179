package netstack

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// WSPath is the HTTP path node connections upgrade on.
const WSPath = "/meshwire"

// WSTransport tunnels streams through WebSocket binary messages, for nodes
// that sit behind HTTP proxies.
type WSTransport struct {
	opts Options
}

// NewWSTransport returns a WebSocket transport.
func NewWSTransport(opts Options) *WSTransport { return &WSTransport{opts: opts} }

func (t *WSTransport) Name() string { return "ws" }

// Listen serves WSPath on addr.
func (t *WSTransport) Listen(ctx context.Context, addr string) (Listener, error) {
	ln, err := (&net.ListenConfig{Control: t.opts.control}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if t.opts.TLS != nil {
		cfg := ServerTLS(t.opts.TLS)
		cfg.NextProtos = append(cfg.NextProtos, "http/1.1")
		ln = tls.NewListener(ln, cfg)
	}
	l := &wsListener{
		ln:      ln,
		streams: make(chan Stream),
		closed:  make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 << 10,
			WriteBufferSize: 16 << 10,
			Subprotocols:    []string{ALPN},
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(WSPath, l.upgrade)
	l.srv = &http.Server{Handler: mux}
	go func() { _ = l.srv.Serve(ln) }()
	l.stop = context.AfterFunc(ctx, func() { _ = l.shutdown() })
	return l, nil
}

// Dial upgrades a connection to ws://addr/meshwire (wss when TLS is set).
func (t *WSTransport) Dial(ctx context.Context, addr string) (Stream, error) {
	d := websocket.Dialer{
		HandshakeTimeout: t.opts.dialTimeout(),
		Subprotocols:     []string{ALPN},
		NetDialContext:   (&net.Dialer{Control: t.opts.control, KeepAlive: t.opts.keepAlive()}).DialContext,
	}
	scheme := "ws://"
	if t.opts.TLS != nil || t.opts.ClientTLS != nil {
		scheme = "wss://"
		d.TLSClientConfig = ClientTLS(addr, t.opts.ClientTLS)
		d.TLSClientConfig.NextProtos = []string{"http/1.1"}
	}
	conn, resp, err := d.DialContext(ctx, scheme+addr+WSPath, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return newWSStream(conn), nil
}

type wsListener struct {
	ln       net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader
	streams  chan Stream
	closed   chan struct{}
	once     sync.Once
	stop     func() bool
}

func (l *wsListener) upgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	select {
	case l.streams <- newWSStream(conn):
	case <-l.closed:
		_ = conn.Close()
	}
}

func (l *wsListener) Accept(ctx context.Context) (Stream, error) {
	select {
	case s := <-l.streams:
		return s, nil
	case <-l.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *wsListener) Addr() string { return l.ln.Addr().String() }

func (l *wsListener) Close() error {
	l.stop()
	return l.shutdown()
}

func (l *wsListener) shutdown() error {
	var err error
	l.once.Do(func() {
		close(l.closed)
		err = l.srv.Close()
	})
	return err
}

// wsStream presents a message-oriented websocket as a byte stream. One
// goroutine may read while another writes.
type wsStream struct {
	conn *websocket.Conn
	r    io.Reader
}

func newWSStream(conn *websocket.Conn) *wsStream { return &wsStream{conn: conn} }

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.r == nil {
			typ, r, err := s.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			s.r = r
		}
		n, err := s.r.Read(p)
		if errors.Is(err, io.EOF) {
			s.r = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error { return s.conn.Close() }

func (s *wsStream) RemoteAddr() string { return s.conn.RemoteAddr().String() }
