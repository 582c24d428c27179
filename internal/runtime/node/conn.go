package node

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/orizon-lang/meshwire/internal/runtime/netstack"
	"github.com/orizon-lang/meshwire/internal/runtime/remote"
	"github.com/orizon-lang/meshwire/internal/runtime/remote/wire"
)

// handshakeResult is what FinalizeHandshake reported for a connection.
type handshakeResult struct {
	done  bool
	node  wire.NodeID
	actor wire.ActorID
	iface []string
	// direct is set when resolving: node ended up directly connected,
	// possibly over another connection.
	direct bool
}

// conn is one transport stream. Everything except the outbox is owned by
// the event loop.
type conn struct {
	id       remote.ConnID
	stream   netstack.Stream
	addr     string
	outgoing bool
	// peerName is set for connections dialed to a configured peer.
	peerName string
	dialAddr string
	lastSeen time.Time
	closed   bool

	buf    bytes.Buffer
	out    *outbox
	result handshakeResult
	waiter chan handshakeResult
}

// outbox queues encoded frames for the writer goroutine.
type outbox struct {
	mu     sync.Mutex
	frames [][]byte
	wake   chan struct{}
	closed bool
}

func newOutbox() *outbox { return &outbox{wake: make(chan struct{}, 1)} }

func (o *outbox) push(frame []byte) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	o.frames = append(o.frames, frame)
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
	return true
}

// drain blocks until frames are queued and takes all of them. It returns
// nil once the outbox is closed and empty.
func (o *outbox) drain() [][]byte {
	for {
		o.mu.Lock()
		if len(o.frames) > 0 {
			fs := o.frames
			o.frames = nil
			o.mu.Unlock()
			return fs
		}
		if o.closed {
			o.mu.Unlock()
			return nil
		}
		o.mu.Unlock()
		<-o.wake
	}
}

func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// addConn registers stream and starts its reader and writer. Loop only.
func (n *Node) addConn(stream netstack.Stream, outgoing bool) *conn {
	n.nextConn++
	c := &conn{
		id:       n.nextConn,
		stream:   stream,
		addr:     stream.RemoteAddr(),
		outgoing: outgoing,
		lastSeen: time.Now(),
		out:      newOutbox(),
	}
	n.conns[c.id] = c
	n.stats.conns.Add(1)
	n.wg.Add(2)
	go n.readLoop(c)
	go n.writeLoop(c)
	n.log.Debug("connection opened", "conn", c.id, "remote", c.addr, "outgoing", outgoing)
	return c
}

// readLoop cuts the stream into frames and posts them to the event loop.
func (n *Node) readLoop(c *conn) {
	defer n.wg.Done()
	for {
		hdr := make([]byte, wire.HeaderSize)
		if _, err := io.ReadFull(c.stream, hdr); err != nil {
			n.post(func() { n.closeConn(c, err) })
			return
		}
		size := wire.PeekPayloadLen(hdr)
		if size > wire.MaxPayload {
			err := fmt.Errorf("%w: payload of %d bytes", remote.ErrMalformedHeader, size)
			n.post(func() { n.closeConn(c, err) })
			return
		}
		var payload []byte
		if size > 0 {
			payload = make([]byte, size)
			if _, err := io.ReadFull(c.stream, payload); err != nil {
				n.post(func() { n.closeConn(c, err) })
				return
			}
		}
		if !n.post(func() { n.onFrame(c, hdr, payload) }) {
			return
		}
	}
}

// writeLoop flushes the outbox until it is closed, then closes the stream so
// frames queued before closeConn still go out.
func (n *Node) writeLoop(c *conn) {
	defer n.wg.Done()
	defer c.stream.Close()
	for {
		frames := c.out.drain()
		if frames == nil {
			return
		}
		for i, f := range frames {
			_, err := c.stream.Write(f)
			n.frames.Put(f)
			if err != nil {
				for _, rest := range frames[i+1:] {
					n.frames.Put(rest)
				}
				n.post(func() { n.closeConn(c, err) })
				return
			}
		}
	}
}

// onFrame feeds one frame to the protocol instance. Loop only.
func (n *Node) onFrame(c *conn, hdr, payload []byte) {
	if c.closed {
		return
	}
	c.lastSeen = time.Now()
	n.activeConn = c
	st := n.inst.HandleData(c.id, hdr)
	if st == remote.AwaitPayload {
		st = n.inst.HandleData(c.id, payload)
	}
	n.activeConn = nil
	n.resolveHandshake(c)
	if st == remote.CloseConnection {
		n.closeConn(c, nil)
	}
	for _, id := range n.inst.TakeSuperseded() {
		if old, ok := n.conns[id]; ok {
			n.closeConn(old, errSuperseded)
		}
	}
}

// closeConn tears c down and tells the instance. Loop only; idempotent.
func (n *Node) closeConn(c *conn, cause error) {
	if c.closed {
		return
	}
	c.closed = true
	c.out.close()
	delete(n.conns, c.id)
	n.stats.conns.Add(-1)
	if cause != nil && cause != io.EOF {
		n.log.Debug("connection closed", "conn", c.id, "remote", c.addr, "err", cause)
	} else {
		n.log.Debug("connection closed", "conn", c.id, "remote", c.addr)
	}
	n.activeConn = c
	n.inst.ConnectionClosed(c.id)
	n.activeConn = nil
	n.resolveHandshake(c)
}

// resolveHandshake answers a pending Connect once the handshake finished or
// the connection died without one.
func (n *Node) resolveHandshake(c *conn) {
	if c.waiter == nil || (!c.result.done && !c.closed) {
		return
	}
	res := c.result
	if res.node.Valid() && res.node != n.this {
		route, ok := n.inst.Lookup(res.node)
		res.direct = ok && route.Direct
	}
	if res.direct && c.dialAddr != "" {
		n.known[c.dialAddr] = res.peer()
	}
	c.waiter <- res
	c.waiter = nil
}

func (r handshakeResult) peer() Peer {
	p := Peer{Node: r.node, Interface: r.iface}
	if r.actor.Valid() {
		p.Actor = wire.ActorAddr{Node: r.node, Actor: r.actor}
	}
	return p
}
