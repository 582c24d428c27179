// Package node runs a protocol instance over real transports and hosts the
// local actors it delivers to.
//
// All protocol state is owned by a single event loop goroutine. Connection
// readers, the accept loops and the public API post closures to it; decode
// workers and actor goroutines only touch the mailboxes and proxies, which
// are synchronized.
package node

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orizon-lang/meshwire/internal/runtime/netstack"
	"github.com/orizon-lang/meshwire/internal/runtime/remote"
	"github.com/orizon-lang/meshwire/internal/runtime/remote/proxy"
	"github.com/orizon-lang/meshwire/internal/runtime/remote/wire"
)

// Node is one member of the mesh.
type Node struct {
	opts    Options
	this    wire.NodeID
	log     *slog.Logger
	inst    *remote.Instance
	proxies *proxy.Registry
	actors  *actorRegistry
	peers   *StaticDiscovery
	frames  *netstack.FramePool
	stats   nodeStats

	ctx     context.Context
	cancel  context.CancelFunc
	events  chan func()
	stopped chan struct{}
	running atomic.Bool

	wg       sync.WaitGroup
	actorsWG sync.WaitGroup

	mu        sync.Mutex
	listeners []netstack.Listener
	metrics   string

	// owned by the event loop
	conns      map[remote.ConnID]*conn
	nextConn   remote.ConnID
	activeConn *conn
	dialing    map[string]bool
	peerNodes  map[string]wire.NodeID
	known      map[string]Peer
	discard    bytes.Buffer
}

type nodeStats struct {
	delivered     atomic.Uint64
	undeliverable atomic.Uint64
	localSends    atomic.Uint64
	heartbeatsIn  atomic.Uint64
	nodesDirect   atomic.Uint64
	nodesIndirect atomic.Uint64
	idleClosed    atomic.Uint64
	redials       atomic.Uint64
	conns         atomic.Int64
}

// Peer describes the node at the other end of a successful Connect.
type Peer struct {
	Node wire.NodeID
	// Actor is the actor published on the port we connected to, if any.
	Actor     wire.ActorAddr
	Interface []string
}

// Endpoint is a bound listener.
type Endpoint struct {
	Addr string
	// Port selects the actor announced to clients of this listener; zero
	// when the address carries no port.
	Port uint16
}

// Route is one routing table entry.
type Route struct {
	Node   wire.NodeID
	Direct bool
	// Via is the relay of an indirect route.
	Via  wire.NodeID
	Conn remote.ConnID
}

// New creates a node. Nothing is started until Run.
func New(opts Options) (*Node, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	n := &Node{
		opts:      opts,
		this:      opts.Node,
		log:       opts.Logger.With("component", "node", "node", opts.Node.String()),
		proxies:   proxy.NewRegistry(),
		actors:    newActorRegistry(),
		peers:     NewStaticDiscovery(opts.Peers),
		frames:    netstack.DefaultFramePool(),
		events:    make(chan func(), eventQueueSize),
		stopped:   make(chan struct{}),
		conns:     make(map[remote.ConnID]*conn),
		dialing:   make(map[string]bool),
		peerNodes: make(map[string]wire.NodeID),
		known:     make(map[string]Peer),
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())
	inst, err := remote.New(remote.Config{
		Node:              opts.Node,
		AppIDs:            opts.AppIDs,
		VersionConstraint: opts.VersionConstraint,
		Workers:           opts.DecodeWorkers,
		Codec:             opts.Codec,
		Logger:            opts.Logger,
	}, callee{n})
	if err != nil {
		n.cancel()
		return nil, err
	}
	n.inst = inst
	return n, nil
}

// ID returns this node's id.
func (n *Node) ID() wire.NodeID { return n.this }

// Discovery returns the configured peer directory.
func (n *Node) Discovery() *StaticDiscovery { return n.peers }

// Run drives the node until ctx is done, then closes every listener,
// connection and actor. A node cannot be restarted.
func (n *Node) Run(ctx context.Context) error {
	if !n.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer n.shutdown()

	g, gctx := errgroup.WithContext(ctx)
	if n.opts.MetricsAddr != "" {
		stop, err := n.startMetrics(n.opts.MetricsAddr)
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return stop(sctx)
		})
	}
	g.Go(func() error { return n.loop(gctx) })

	n.log.Info("node running", "transport", n.opts.Transport.Name(), "app_ids", n.inst.AppIDs())
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (n *Node) loop(ctx context.Context) error {
	ticker := time.NewTicker(n.opts.HeartbeatInterval)
	defer ticker.Stop()
	n.redialPeers()
	for {
		select {
		case fn := <-n.events:
			fn()
		case <-ticker.C:
			n.onTick()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (n *Node) shutdown() {
	close(n.stopped)
	n.cancel()
	n.mu.Lock()
	for _, ln := range n.listeners {
		_ = ln.Close()
	}
	n.listeners = nil
	n.mu.Unlock()
	// the loop is gone; conns can be touched from here
	for _, c := range n.conns {
		c.closed = true
		c.out.close()
		_ = c.stream.Close()
	}
	n.conns = map[remote.ConnID]*conn{}
	n.stats.conns.Store(0)
	for _, a := range n.actors.all() {
		a.mbox.close(ReasonKilled)
	}
	n.inst.Close()
	n.wg.Wait()
	n.actorsWG.Wait()
	n.log.Info("node stopped")
}

// post queues fn on the event loop. It returns false once the node stopped.
func (n *Node) post(fn func()) bool {
	select {
	case n.events <- fn:
		return true
	case <-n.stopped:
		return false
	}
}

// call runs fn on the event loop and waits for it.
func (n *Node) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case n.events <- func() { fn(); close(done) }:
	case <-n.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-n.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onTick sends heartbeats, closes idle connections and redials peers.
func (n *Node) onTick() {
	n.inst.HandleHeartbeat()
	if timeout := n.opts.ConnectionTimeout; timeout > 0 {
		now := time.Now()
		for _, c := range n.conns {
			if now.Sub(c.lastSeen) > timeout {
				n.stats.idleClosed.Add(1)
				n.log.Info("closing idle connection", "conn", c.id, "remote", c.addr, "idle", now.Sub(c.lastSeen))
				n.closeConn(c, ErrIdleTimeout)
			}
		}
	}
	n.redialPeers()
}

// --- connections ---

// Listen accepts connections on addr until the node stops.
func (n *Node) Listen(addr string) (Endpoint, error) {
	if n.ctx.Err() != nil {
		return Endpoint{}, ErrStopped
	}
	ln, err := n.opts.Transport.Listen(n.ctx, addr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("listen %s: %w", addr, err)
	}
	ep := Endpoint{Addr: ln.Addr(), Port: portOf(ln.Addr())}
	n.mu.Lock()
	n.listeners = append(n.listeners, ln)
	n.mu.Unlock()
	n.wg.Add(1)
	go n.acceptLoop(ln, ep.Port)
	n.log.Info("listening", "addr", ep.Addr, "port", ep.Port)
	return ep, nil
}

func portOf(addr string) uint16 {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(port)
}

func (n *Node) acceptLoop(ln netstack.Listener, port uint16) {
	defer n.wg.Done()
	for {
		s, err := ln.Accept(n.ctx)
		if err != nil {
			if !errors.Is(err, netstack.ErrClosed) && n.ctx.Err() == nil {
				n.log.Warn("accept failed", "addr", ln.Addr(), "err", err)
			}
			return
		}
		ok := n.post(func() {
			c := n.addConn(s, false)
			n.inst.Accepted(c.id, port)
		})
		if !ok {
			_ = s.Close()
			return
		}
	}
}

// Connect dials addr and waits for the handshake. An address whose node is
// still directly connected returns the known peer without dialing. Run must
// be active.
func (n *Node) Connect(ctx context.Context, addr string) (Peer, error) {
	var cached Peer
	var hit bool
	err := n.call(ctx, func() {
		p, ok := n.known[addr]
		if !ok {
			return
		}
		if route, ok := n.inst.Lookup(p.Node); ok && route.Direct {
			cached, hit = p, true
			return
		}
		delete(n.known, addr)
	})
	if err != nil {
		return Peer{}, err
	}
	if hit {
		return cached, nil
	}

	stream, err := n.opts.Transport.Dial(ctx, addr)
	if err != nil {
		return Peer{}, fmt.Errorf("connect %s: %w", addr, err)
	}
	waiter := make(chan handshakeResult, 1)
	err = n.call(ctx, func() {
		c := n.addConn(stream, true)
		c.dialAddr = addr
		c.waiter = waiter
		n.startHandshake(c)
	})
	if err != nil {
		_ = stream.Close()
		return Peer{}, err
	}
	var res handshakeResult
	select {
	case res = <-waiter:
	case <-ctx.Done():
		return Peer{}, ctx.Err()
	case <-n.stopped:
		return Peer{}, ErrStopped
	}
	switch {
	case res.node == n.this:
		return Peer{}, fmt.Errorf("connect %s: %w", addr, ErrSelfConnection)
	case !res.node.Valid():
		return Peer{}, fmt.Errorf("connect %s: %w: connection closed", addr, ErrHandshakeFailed)
	case !res.direct:
		return Peer{}, fmt.Errorf("connect %s: %w: rejected %s", addr, ErrHandshakeFailed, res.node)
	}
	return res.peer(), nil
}

func (n *Node) startHandshake(c *conn) {
	n.activeConn = c
	n.inst.Connected(c.id)
	n.activeConn = nil
}

// redialPeers dials every configured peer without a direct route.
func (n *Node) redialPeers() {
	connected := make(map[string]bool)
	for _, c := range n.conns {
		if c.peerName != "" {
			connected[c.peerName] = true
		}
	}
	for name, addr := range n.peers.Members() {
		if n.dialing[name] || connected[name] {
			continue
		}
		if node, ok := n.peerNodes[name]; ok {
			if route, ok := n.inst.Lookup(node); ok && route.Direct {
				continue
			}
		}
		n.dialing[name] = true
		n.stats.redials.Add(1)
		go n.dialPeer(name, addr)
	}
}

func (n *Node) dialPeer(name, addr string) {
	stream, err := n.opts.Transport.Dial(n.ctx, addr)
	ok := n.post(func() {
		delete(n.dialing, name)
		if err != nil {
			n.log.Debug("peer dial failed", "peer", name, "addr", addr, "err", err)
			return
		}
		if cur, known := n.peers.Resolve(name); !known || cur != addr {
			_ = stream.Close()
			return
		}
		c := n.addConn(stream, true)
		c.peerName = name
		n.startHandshake(c)
	})
	if !ok && err == nil {
		_ = stream.Close()
	}
}

// Reconfigure replaces the application ids and the peer list. Peers that
// are new or moved are dialed right away.
func (n *Node) Reconfigure(ctx context.Context, appIDs []string, peers map[string]string) error {
	return n.call(ctx, func() {
		if len(appIDs) > 0 {
			n.inst.SetAppIDs(appIDs)
		}
		changed, removed := n.peers.Replace(peers)
		for _, name := range append(changed, removed...) {
			delete(n.peerNodes, name)
		}
		n.log.Info("reconfigured", "app_ids", n.inst.AppIDs(), "changed_peers", changed, "removed_peers", removed)
		n.redialPeers()
	})
}

// Routes returns a snapshot of the routing table.
func (n *Node) Routes(ctx context.Context) ([]Route, error) {
	var out []Route
	err := n.call(ctx, func() {
		tbl := n.inst.Table()
		for _, node := range tbl.DirectNodes() {
			conn, _ := tbl.LookupDirect(node)
			out = append(out, Route{Node: node, Direct: true, Conn: conn})
		}
		for _, node := range tbl.IndirectNodes() {
			via, _ := tbl.LookupIndirect(node)
			r := Route{Node: node, Via: via}
			if route, ok := tbl.Lookup(node); ok {
				r.Conn = route.Conn
			}
			out = append(out, r)
		}
	})
	return out, err
}

// --- messaging ---

// Send delivers msg to the actor at to. Messages from outside any actor
// carry no sender.
func (n *Node) Send(ctx context.Context, to wire.ActorAddr, msg interface{}) error {
	return n.send(ctx, wire.InvalidActor, to.Node, to.Actor, "", 0, nil, msg)
}

// SendNamed delivers msg to the actor registered as name on node.
func (n *Node) SendNamed(ctx context.Context, node wire.NodeID, name string, msg interface{}) error {
	return n.send(ctx, wire.InvalidActor, node, wire.InvalidActor, name, 0, nil, msg)
}

// Request sends msg with a correlation id and a forwarding stack; the
// receiver's Reply goes to the head of stack.
func (n *Node) Request(ctx context.Context, to wire.ActorAddr, correlationID uint64, stack wire.ForwardingStack, msg interface{}) error {
	return n.send(ctx, wire.InvalidActor, to.Node, to.Actor, "", correlationID, stack, msg)
}

func (n *Node) send(ctx context.Context, sender wire.ActorID, node wire.NodeID, actor wire.ActorID,
	name string, corr uint64, stack wire.ForwardingStack, msg interface{}) error {
	if name == "" && !actor.Valid() {
		return fmt.Errorf("send to %s: %w", node, ErrUnknownActor)
	}
	if node == n.this || !node.Valid() {
		return n.sendLocal(sender, actor, name, corr, stack, msg)
	}
	var ok bool
	err := n.call(ctx, func() {
		if name != "" {
			ok = n.inst.DispatchNamed(sender, stack, node, name, corr, msg)
		} else {
			ok = n.inst.Dispatch(sender, stack, node, actor, 0, corr, msg)
		}
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("send to %s: %w", node, ErrNoRoute)
	}
	return nil
}

func (n *Node) sendLocal(sender, id wire.ActorID, name string, corr uint64, stack wire.ForwardingStack, msg interface{}) error {
	var a *actor
	var ok bool
	if name != "" {
		a, ok = n.actors.resolve(name)
	} else {
		a, ok = n.actors.get(id)
	}
	env := Envelope{CorrelationID: corr, Stack: stack, Message: msg}
	if sender.Valid() {
		env.Sender = wire.ActorAddr{Node: n.this, Actor: sender}
	}
	if !ok || !a.mbox.push(env) {
		return fmt.Errorf("send %d %q: %w", uint64(id), name, ErrUnknownActor)
	}
	n.stats.localSends.Add(1)
	return nil
}

// --- actors ---

// Spawn starts an actor. name may be empty; a non-empty name must be unique
// on this node and makes the actor reachable through SendNamed.
func (n *Node) Spawn(name string, recv Receiver) (wire.ActorAddr, error) {
	if n.ctx.Err() != nil {
		return wire.ActorAddr{}, ErrStopped
	}
	a, err := n.actors.add(name, recv)
	if err != nil {
		return wire.ActorAddr{}, err
	}
	n.actorsWG.Add(1)
	go a.run(n)
	return wire.ActorAddr{Node: n.this, Actor: a.id}, nil
}

// Terminate stops actor after its current message. Remote observers are
// told reason.
func (n *Node) Terminate(actor wire.ActorID, reason string) error {
	a, ok := n.actors.get(actor)
	if !ok {
		return fmt.Errorf("terminate %d: %w", uint64(actor), ErrUnknownActor)
	}
	if reason == "" {
		reason = ReasonKilled
	}
	a.mbox.close(reason)
	return nil
}

// actorExited runs on the actor goroutine after it stopped.
func (n *Node) actorExited(a *actor, reason string) {
	defer n.actorsWG.Done()
	n.actors.remove(a)
	close(a.done)
	n.proxies.Erase(n.this, a.id, reason)
	n.log.Debug("actor stopped", "actor", uint64(a.id), "name", a.name, "reason", reason)
	n.post(func() {
		for node := range a.observers {
			n.inst.SendDown(node, a.id, reason)
		}
		a.observers = nil
		n.inst.RemovePublishedActorAt(a.id, 0)
	})
}

// Publish announces actor to clients connecting to port.
func (n *Node) Publish(ctx context.Context, port uint16, actor wire.ActorID, iface []string) error {
	if _, ok := n.actors.get(actor); !ok {
		return fmt.Errorf("publish %d: %w", uint64(actor), ErrUnknownActor)
	}
	return n.call(ctx, func() { n.inst.AddPublishedActor(port, actor, iface) })
}

// Unpublish removes actor from port, or from every port when port is zero.
func (n *Node) Unpublish(ctx context.Context, actor wire.ActorID, port uint16) (int, error) {
	var removed int
	err := n.call(ctx, func() { removed = n.inst.RemovePublishedActorAt(actor, port) })
	return removed, err
}

// Monitor returns a proxy for target that is killed when target terminates
// or its node becomes unreachable.
func (n *Node) Monitor(ctx context.Context, target wire.ActorAddr) (*proxy.Proxy, error) {
	if target.Node == n.this {
		p := n.proxies.Get(n.this, target.Actor)
		if _, ok := n.actors.get(target.Actor); !ok {
			n.proxies.Erase(n.this, target.Actor, ReasonNoProc)
		}
		return p, nil
	}
	var p *proxy.Proxy
	err := n.call(ctx, func() {
		if _, ok := n.inst.Lookup(target.Node); !ok {
			return
		}
		p = n.proxies.Get(target.Node, target.Actor)
		if !n.inst.Monitor(target.Node, target.Actor) {
			p = nil
		}
	})
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("monitor %s: %w", target, ErrNoRoute)
	}
	return p, nil
}
