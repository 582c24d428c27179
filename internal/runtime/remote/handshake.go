package remote

import (
	"bytes"
	"fmt"

	"github.com/orizon-lang/meshwire/internal/runtime/remote/wire"
)

// WriteServerHandshake appends a server handshake announcing the actor
// published on port, if any. Port zero announces no actor.
func (in *Instance) WriteServerHandshake(buf *bytes.Buffer, port uint16) error {
	p := wire.ServerHello{Source: in.this, AppIDs: in.AppIDs()}
	if pa, ok := in.published[port]; ok && port != 0 {
		p.Actor = pa.Actor
		p.Interface = pa.Interface
	}
	hdr := wire.Header{Operation: wire.ServerHandshake, OperationData: in.version, SourceActor: p.Actor}
	return wire.Encode(buf, hdr, p.AppendTo)
}

// WriteClientHandshake appends a client handshake identifying this node.
func (in *Instance) WriteClientHandshake(buf *bytes.Buffer) error {
	hdr := wire.Header{Operation: wire.ClientHandshake}
	return wire.Encode(buf, hdr, wire.ClientHello{Source: in.this}.AppendTo)
}

func (in *Instance) sendServerHandshake(conn ConnID, cs *connState) {
	if err := in.WriteServerHandshake(in.callee.Buffer(conn), cs.port); err != nil {
		in.log.Error("write server handshake", "conn", conn, "err", err)
		return
	}
	cs.sentServerHandshake = true
	in.callee.Flush(conn)
}

func (in *Instance) sendClientHandshake(conn ConnID) {
	cs := in.state(conn)
	if err := in.WriteClientHandshake(in.callee.Buffer(conn)); err != nil {
		in.log.Error("write client handshake", "conn", conn, "err", err)
		return
	}
	cs.sentClientHandshake = true
	cs.clientRole = true
	in.callee.Flush(conn)
}

// dialedByLower reports whether conn was opened by the lower of this node
// and peer. Both ends of a link compute the same answer, so when two nodes
// dial each other they agree on which link carries the route.
func (in *Instance) dialedByLower(conn ConnID, peer wire.NodeID) bool {
	cs, ok := in.conns[conn]
	dialed := ok && cs.clientRole
	return dialed == in.this.Less(peer)
}

// prefers reports whether conn should take over the route to peer from
// existing.
func (in *Instance) prefers(conn, existing ConnID, peer wire.NodeID) bool {
	return in.dialedByLower(conn, peer) && !in.dialedByLower(existing, peer)
}

// handleClientHandshake runs on the accepting side.
func (in *Instance) handleClientHandshake(conn ConnID, cs *connState, payload []byte) error {
	p, err := wire.DecodeClientHandshake(payload)
	if err != nil {
		in.stats.HandshakeErrors.Add(1)
		return fmt.Errorf("client handshake: %w", err)
	}
	if p.Source == in.this {
		return fmt.Errorf("%w: connected to self", ErrRedundantConnection)
	}
	if existing, ok := in.tbl.LookupDirect(p.Source); ok {
		if existing == conn {
			// the peer confirming a route we already hold
			return nil
		}
		if !cs.sentServerHandshake {
			// lets the dialer learn who answered before the link closes
			in.sendServerHandshake(conn, cs)
		}
		if !in.prefers(conn, existing, p.Source) {
			return fmt.Errorf("%w: %s already reachable over conn %d", ErrRedundantConnection, p.Source, existing)
		}
		// crossed dials: the peer keeps this link and drops the other one
		cs.peer = p.Source
		in.tbl.AddDirect(conn, p.Source)
		in.log.Info("moved direct route", "peer", p.Source.String(), "from", existing, "to", conn)
		return nil
	}
	if bound, ok := in.tbl.LookupNode(conn); ok {
		in.stats.HandshakeErrors.Add(1)
		return fmt.Errorf("%w: conn %d already identified as %s", ErrInvalidOperation, conn, bound)
	}
	wasIndirect := in.tbl.EraseIndirect(p.Source)
	cs.peer = p.Source
	in.tbl.AddDirect(conn, p.Source)
	if !cs.sentServerHandshake {
		in.sendServerHandshake(conn, cs)
	}
	in.log.Info("learned node directly", "peer", p.Source.String(), "conn", conn, "was_indirect", wasIndirect)
	in.callee.LearnedNewNodeDirectly(p.Source, wasIndirect)
	return nil
}

// handleServerHandshake runs on the connecting side. Every path through it
// finalizes the handshake exactly once per connection.
func (in *Instance) handleServerHandshake(conn ConnID, cs *connState, hdr wire.Header, payload []byte) error {
	cs.clientRole = true
	if cs.finalized {
		if node, ok := in.tbl.LookupNode(conn); ok {
			return fmt.Errorf("%w: second server handshake from %s", ErrRedundantConnection, node)
		}
		return fmt.Errorf("%w: second server handshake", ErrInvalidOperation)
	}
	finalize := func(node wire.NodeID, actor wire.ActorID, iface []string) {
		cs.finalized = true
		in.callee.FinalizeHandshake(node, actor, iface)
	}

	p, err := wire.DecodeServerHandshake(payload)
	if err != nil {
		in.stats.HandshakeErrors.Add(1)
		finalize(wire.NoNode, wire.InvalidActor, nil)
		return fmt.Errorf("server handshake: %w", err)
	}
	if remote := DecodeVersion(hdr.OperationData); !in.constraint.Check(remote) {
		in.stats.HandshakeErrors.Add(1)
		finalize(p.Source, wire.InvalidActor, nil)
		return fmt.Errorf("%w: %s does not satisfy %q", ErrVersionMismatch, remote, in.cfg.VersionConstraint)
	}
	if !in.appIDsMatch(p.AppIDs) {
		in.stats.HandshakeErrors.Add(1)
		finalize(p.Source, wire.InvalidActor, nil)
		return fmt.Errorf("%w: remote offers %v", ErrAppIdentityMismatch, p.AppIDs)
	}
	if p.Source == in.this {
		finalize(p.Source, p.Actor, p.Interface)
		return fmt.Errorf("%w: connected to self", ErrRedundantConnection)
	}
	if existing, ok := in.tbl.LookupDirect(p.Source); ok {
		switch {
		case existing == conn:
		case in.prefers(conn, existing, p.Source):
			// crossed dials: keep our own link and drop the one we accepted
			cs.peer = p.Source
			in.tbl.AddDirect(conn, p.Source)
			if ecs, ok := in.conns[existing]; ok {
				ecs.superseded = true
			}
			in.superseded = append(in.superseded, existing)
			in.log.Info("moved direct route", "peer", p.Source.String(), "from", existing, "to", conn)
		case in.prefers(existing, conn, p.Source):
			// the peer drops this link once it moved to ours
			cs.peer = p.Source
		default:
			finalize(p.Source, p.Actor, p.Interface)
			return fmt.Errorf("%w: %s already reachable over conn %d", ErrRedundantConnection, p.Source, existing)
		}
		finalize(p.Source, p.Actor, p.Interface)
		return nil
	}
	wasIndirect := in.tbl.EraseIndirect(p.Source)
	cs.peer = p.Source
	in.tbl.AddDirect(conn, p.Source)
	if !cs.sentClientHandshake {
		in.sendClientHandshake(conn)
	}
	in.log.Info("learned node directly", "peer", p.Source.String(), "conn", conn, "was_indirect", wasIndirect)
	in.callee.LearnedNewNodeDirectly(p.Source, wasIndirect)
	finalize(p.Source, p.Actor, p.Interface)
	return nil
}
