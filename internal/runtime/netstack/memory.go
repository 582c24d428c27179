package netstack

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
)

// MemoryNetwork connects in-process listeners and dialers with net.Pipe.
// Useful for tests and single-process clusters.
type MemoryNetwork struct {
	mu        sync.RWMutex
	listeners map[string]*memListener
	seq       atomic.Uint64
}

const memPortBase = 20000

// DefaultMemoryNetwork backs the "mem" transport returned by New.
var DefaultMemoryNetwork = NewMemoryNetwork()

// NewMemoryNetwork returns an isolated network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{listeners: make(map[string]*memListener)}
}

// Transport returns a transport bound to this network.
func (n *MemoryNetwork) Transport() *MemoryTransport { return &MemoryTransport{net: n} }

// MemoryTransport is a Transport over a MemoryNetwork.
type MemoryTransport struct {
	net *MemoryNetwork
}

func (t *MemoryTransport) Name() string { return "mem" }

// Listen registers addr. An empty address or one ending in ":0" gets a
// generated "host:port" name so callers can treat it like a socket address.
func (t *MemoryTransport) Listen(ctx context.Context, addr string) (Listener, error) {
	n := t.net
	if addr == "" || strings.HasSuffix(addr, ":0") {
		host := strings.TrimSuffix(addr, ":0")
		if host == "" {
			host = "mem"
		}
		addr = fmt.Sprintf("%s:%d", host, memPortBase+n.seq.Add(1))
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.listeners[addr]; exists {
		return nil, fmt.Errorf("netstack: address already in use: %s", addr)
	}
	l := &memListener{net: n, addr: addr, conns: make(chan Stream), closed: make(chan struct{})}
	n.listeners[addr] = l
	l.stop = context.AfterFunc(ctx, func() { _ = l.shutdown() })
	return l, nil
}

// Dial connects to a listener registered on the same network.
func (t *MemoryTransport) Dial(ctx context.Context, addr string) (Stream, error) {
	t.net.mu.RLock()
	l := t.net.listeners[addr]
	t.net.mu.RUnlock()
	if l == nil {
		return nil, fmt.Errorf("netstack: destination not found: %s", addr)
	}
	client, server := net.Pipe()
	id := t.net.seq.Add(1)
	select {
	case l.conns <- &memStream{Conn: server, remote: fmt.Sprintf("mem-dialer-%d", id)}:
		return &memStream{Conn: client, remote: addr}, nil
	case <-l.closed:
		_ = client.Close()
		_ = server.Close()
		return nil, fmt.Errorf("netstack: connection refused: %s", addr)
	case <-ctx.Done():
		_ = client.Close()
		_ = server.Close()
		return nil, ctx.Err()
	}
}

type memListener struct {
	net    *MemoryNetwork
	addr   string
	conns  chan Stream
	closed chan struct{}
	once   sync.Once
	stop   func() bool
}

func (l *memListener) Accept(ctx context.Context) (Stream, error) {
	select {
	case s := <-l.conns:
		return s, nil
	case <-l.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *memListener) Addr() string { return l.addr }

func (l *memListener) Close() error {
	l.stop()
	return l.shutdown()
}

func (l *memListener) shutdown() error {
	l.once.Do(func() {
		close(l.closed)
		l.net.mu.Lock()
		delete(l.net.listeners, l.addr)
		l.net.mu.Unlock()
	})
	return nil
}

type memStream struct {
	net.Conn
	remote string
}

func (s *memStream) RemoteAddr() string { return s.remote }
