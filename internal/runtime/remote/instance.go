package remote

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	semver "github.com/Masterminds/semver/v3"

	"github.com/orizon-lang/meshwire/internal/runtime/remote/routing"
	"github.com/orizon-lang/meshwire/internal/runtime/remote/wire"
	"github.com/orizon-lang/meshwire/internal/runtime/remote/workers"
)

// ConnectionState tells the transport what to do with a connection next.
type ConnectionState int

const (
	AwaitHeader ConnectionState = iota
	AwaitPayload
	CloseConnection
)

func (s ConnectionState) String() string {
	switch s {
	case AwaitHeader:
		return "await_header"
	case AwaitPayload:
		return "await_payload"
	case CloseConnection:
		return "close_connection"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// PublishedActor is an actor reachable by port in server handshakes.
type PublishedActor struct {
	Actor     wire.ActorID
	Interface []string
}

type connState struct {
	state   ConnectionState
	pending wire.Header
	port    uint16

	sentServerHandshake bool
	sentClientHandshake bool
	// clientRole is set once the connection sent a client handshake or
	// received a server handshake; finalized guards FinalizeHandshake.
	clientRole bool
	finalized  bool
	// peer is the node identified by a handshake on this connection, even
	// when another connection carries the route to it.
	peer       wire.NodeID
	superseded bool
}

// Stats counts protocol events. Safe to read from any goroutine.
type Stats struct {
	FramesIn        atomic.Uint64
	Forwarded       atomic.Uint64
	Dropped         atomic.Uint64
	Offloaded       atomic.Uint64
	Inline          atomic.Uint64
	DecodeFailures  atomic.Uint64
	HeartbeatsOut   atomic.Uint64
	HandshakeErrors atomic.Uint64
	Redundant       atomic.Uint64
}

// Instance is the protocol state of one node. It is driven by a single
// goroutine; only decode workers run concurrently and they touch nothing
// but the ordering queue, the codec and Callee.Deliver.
type Instance struct {
	cfg        Config
	this       wire.NodeID
	callee     Callee
	log        *slog.Logger
	constraint *semver.Constraints
	version    uint64

	tbl       *routing.Table
	conns     map[ConnID]*connState
	published map[uint16]PublishedActor
	appIDs    map[string]struct{}

	// connections the caller should close, see TakeSuperseded
	superseded []ConnID

	pool  *workers.Pool
	queue *workers.Queue
	stats Stats
}

// New creates an Instance for cfg.Node reporting to callee.
func New(cfg Config, callee Callee) (*Instance, error) {
	if callee == nil {
		return nil, errors.New("remote: callee required")
	}
	constraint, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	in := &Instance{
		cfg:        cfg,
		this:       cfg.Node,
		callee:     callee,
		log:        cfg.Logger.With("node", cfg.Node.String()),
		constraint: constraint,
		version:    EncodeVersion(cfg.Version),
		tbl:        routing.NewTable(),
		conns:      make(map[ConnID]*connState),
		published:  make(map[uint16]PublishedActor),
		queue:      workers.NewQueue(),
	}
	in.SetAppIDs(cfg.AppIDs)
	in.pool = workers.NewPool(cfg.Workers, in.decodeAndDeliver)
	return in, nil
}

// Close stops the decode workers after their current jobs.
func (in *Instance) Close() { in.pool.Close() }

// ThisNode returns the local node id.
func (in *Instance) ThisNode() wire.NodeID { return in.this }

// Table exposes the routing table for read-only inspection from the owning
// goroutine.
func (in *Instance) Table() *routing.Table { return in.tbl }

// Stats returns the live counters.
func (in *Instance) Stats() *Stats { return &in.stats }

// Workers returns the decode pool.
func (in *Instance) Workers() *workers.Pool { return in.pool }

// SetAppIDs replaces the application id whitelist. New handshakes use it;
// established routes are kept.
func (in *Instance) SetAppIDs(ids []string) {
	if len(ids) == 0 {
		ids = []string{DefaultAppID}
	}
	in.appIDs = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		in.appIDs[id] = struct{}{}
	}
}

// AppIDs returns the whitelist, sorted.
func (in *Instance) AppIDs() []string {
	out := make([]string, 0, len(in.appIDs))
	for id := range in.appIDs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (in *Instance) appIDsMatch(remote []string) bool {
	for _, id := range remote {
		if _, ok := in.appIDs[id]; ok {
			return true
		}
	}
	return false
}

// --- published actors ---

// AddPublishedActor announces actor on port in subsequent server handshakes.
func (in *Instance) AddPublishedActor(port uint16, actor wire.ActorID, iface []string) {
	in.published[port] = PublishedActor{Actor: actor, Interface: append([]string(nil), iface...)}
}

// RemovePublishedActor unpublishes whatever is on port.
func (in *Instance) RemovePublishedActor(port uint16) bool {
	if _, ok := in.published[port]; !ok {
		return false
	}
	delete(in.published, port)
	return true
}

// RemovePublishedActorAt unpublishes actor from port, or from every port
// when port is zero. It returns the number of removed entries.
func (in *Instance) RemovePublishedActorAt(actor wire.ActorID, port uint16) int {
	n := 0
	for p, pa := range in.published {
		if pa.Actor == actor && (port == 0 || port == p) {
			delete(in.published, p)
			n++
		}
	}
	return n
}

// Published returns the actor published on port.
func (in *Instance) Published(port uint16) (PublishedActor, bool) {
	pa, ok := in.published[port]
	return pa, ok
}

// --- connection lifecycle ---

func (in *Instance) state(conn ConnID) *connState {
	cs, ok := in.conns[conn]
	if !ok {
		cs = &connState{}
		in.conns[conn] = cs
	}
	return cs
}

// Accepted registers a connection accepted on port. Nothing is sent; the
// connecting side speaks first.
func (in *Instance) Accepted(conn ConnID, port uint16) {
	in.state(conn).port = port
}

// Connected registers an outgoing connection and sends our client handshake.
func (in *Instance) Connected(conn ConnID) {
	in.state(conn)
	in.sendClientHandshake(conn)
}

// Expect returns how many bytes the next HandleData call for conn expects.
func (in *Instance) Expect(conn ConnID) int {
	cs, ok := in.conns[conn]
	if ok && cs.state == AwaitPayload {
		return int(cs.pending.PayloadLen)
	}
	return wire.HeaderSize
}

// HandleData feeds one header or one complete payload to the state machine.
// The Instance keeps payload slices for asynchronous decoding; callers must
// not reuse them.
func (in *Instance) HandleData(conn ConnID, data []byte) ConnectionState {
	cs := in.state(conn)
	var err error
	switch cs.state {
	case AwaitHeader:
		if len(data) != wire.HeaderSize {
			err = fmt.Errorf("%w: got %d bytes", ErrMalformedHeader, len(data))
			break
		}
		var hdr wire.Header
		hdr, err = wire.Decode(data)
		if err != nil {
			break
		}
		if hdr.PayloadLen > 0 {
			cs.pending = hdr
			cs.state = AwaitPayload
			return AwaitPayload
		}
		err = in.Handle(conn, hdr, nil)
	case AwaitPayload:
		hdr := cs.pending
		cs.pending = wire.Header{}
		cs.state = AwaitHeader
		err = in.Handle(conn, hdr, data)
	default:
		return CloseConnection
	}
	if err != nil {
		in.logFailure(conn, err)
		cs.state = CloseConnection
		return CloseConnection
	}
	return cs.state
}

func (in *Instance) logFailure(conn ConnID, err error) {
	if IsRedundant(err) {
		in.stats.Redundant.Add(1)
		in.log.Debug("closing redundant connection", "conn", conn, "reason", err)
		return
	}
	in.log.Warn("closing connection", "conn", conn, "err", err)
}

// TakeSuperseded returns the connections that lost their route to a link
// both ends prefer, and forgets them. The caller closes them.
func (in *Instance) TakeSuperseded() []ConnID {
	out := in.superseded
	in.superseded = nil
	return out
}

// ConnectionClosed forgets conn: a pending client handshake is finalized,
// the direct route through it is erased and every node that was only
// reachable that way is purged. Safe to call more than once.
func (in *Instance) ConnectionClosed(conn ConnID) {
	if cs, ok := in.conns[conn]; ok {
		delete(in.conns, conn)
		if cs.clientRole && !cs.finalized {
			cs.finalized = true
			in.callee.FinalizeHandshake(wire.NoNode, wire.InvalidActor, nil)
		}
	}
	node, ok := in.tbl.EraseDirect(conn)
	if !ok {
		return
	}
	for id, cs := range in.conns {
		if cs.peer == node && !cs.superseded && cs.state != CloseConnection {
			in.tbl.AddDirect(id, node)
			in.log.Info("moved direct route", "peer", node.String(), "from", conn, "to", id)
			return
		}
	}
	in.log.Info("lost direct route", "peer", node.String(), "conn", conn)
	lost := in.tbl.EraseVia(node)
	in.callee.PurgeState(node)
	for _, n := range lost {
		in.log.Info("lost indirect route", "peer", n.String(), "via", node.String())
		in.callee.PurgeState(n)
	}
}

// Lookup returns the route to node.
func (in *Instance) Lookup(node wire.NodeID) (routing.Route, bool) {
	return in.tbl.Lookup(node)
}
