package node

import (
	"bytes"

	"github.com/orizon-lang/meshwire/internal/runtime/remote"
	"github.com/orizon-lang/meshwire/internal/runtime/remote/proxy"
	"github.com/orizon-lang/meshwire/internal/runtime/remote/wire"
)

// callee connects the protocol instance to the node's connections, actors
// and proxies.
type callee struct{ n *Node }

var _ remote.Callee = callee{}

func (cl callee) Buffer(id remote.ConnID) *bytes.Buffer {
	n := cl.n
	if c, ok := n.conns[id]; ok && !c.closed {
		return &c.buf
	}
	n.discard.Reset()
	return &n.discard
}

func (cl callee) Flush(id remote.ConnID) {
	n := cl.n
	c, ok := n.conns[id]
	if !ok || c.closed || c.buf.Len() == 0 {
		n.discard.Reset()
		return
	}
	frame := n.frames.Get(c.buf.Len())
	frame = append(frame, c.buf.Bytes()...)
	c.buf.Reset()
	if !c.out.push(frame) {
		n.frames.Put(frame)
	}
}

func (cl callee) LearnedNewNodeDirectly(node wire.NodeID, wasIndirect bool) {
	cl.n.stats.nodesDirect.Add(1)
	cl.n.log.Debug("peer connected", "peer", node.String(), "was_indirect", wasIndirect)
}

func (cl callee) LearnedNewNodeIndirectly(node wire.NodeID) {
	cl.n.stats.nodesIndirect.Add(1)
}

func (cl callee) FinalizeHandshake(node wire.NodeID, actor wire.ActorID, iface []string) {
	c := cl.n.activeConn
	if c == nil {
		cl.n.log.Warn("handshake finalized outside a connection event", "peer", node.String())
		return
	}
	c.result = handshakeResult{done: true, node: node, actor: actor, iface: iface}
	if c.peerName != "" && node.Valid() && node != cl.n.this {
		cl.n.peerNodes[c.peerName] = node
	}
}

// Deliver runs on decode workers and on the event loop.
func (cl callee) Deliver(source wire.NodeID, hdr wire.Header, msg *remote.Message) {
	n := cl.n
	var target *actor
	var ok bool
	if hdr.Named() {
		target, ok = n.actors.resolve(msg.Receiver)
	} else {
		target, ok = n.actors.get(hdr.DestActor)
	}
	if !ok || !target.mbox.push(Envelope{
		Sender:        wire.ActorAddr{Node: source, Actor: hdr.SourceActor},
		CorrelationID: hdr.OperationData,
		Stack:         msg.Stack,
		Message:       msg.Content,
	}) {
		n.stats.undeliverable.Add(1)
		n.log.Debug("no receiver for message",
			"source", source.String(), "actor", uint64(hdr.DestActor), "name", msg.Receiver)
		return
	}
	n.stats.delivered.Add(1)
}

// ProxyAnnounced runs on the event loop.
func (cl callee) ProxyAnnounced(node wire.NodeID, actor wire.ActorID) {
	n := cl.n
	a, ok := n.actors.get(actor)
	if !ok {
		n.inst.SendDown(node, actor, ReasonNoProc)
		return
	}
	a.observers[node] = struct{}{}
}

func (cl callee) ProxyDown(node wire.NodeID, actor wire.ActorID, reason string) {
	if !cl.n.proxies.Erase(node, actor, reason) {
		cl.n.log.Debug("down for unknown proxy", "node", node.String(), "actor", uint64(actor))
	}
}

// PurgeState runs on the event loop.
func (cl callee) PurgeState(node wire.NodeID) {
	n := cl.n
	killed := n.proxies.EraseNode(node, proxy.ReasonNodeLost)
	for _, a := range n.actors.all() {
		delete(a.observers, node)
	}
	n.log.Info("purged node state", "peer", node.String(), "proxies", killed)
}

func (cl callee) HeartbeatReceived(node wire.NodeID) {
	cl.n.stats.heartbeatsIn.Add(1)
}
