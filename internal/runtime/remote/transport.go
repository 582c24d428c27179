// Package remote implements the node-to-node protocol instance: handshakes,
// routing, dispatch, forwarding and heartbeats between runtime nodes.
//
// An Instance never touches sockets. It reads frames handed to it by the
// node runtime and writes replies into buffers obtained from its Callee.
package remote

import (
	"bytes"

	"github.com/orizon-lang/meshwire/internal/runtime/remote/routing"
	"github.com/orizon-lang/meshwire/internal/runtime/remote/wire"
)

// ConnID identifies a transport connection.
type ConnID = routing.ConnID

// InvalidConn is the "no connection" handle.
const InvalidConn = routing.InvalidConn

// Message is a decoded application message ready for local delivery.
type Message struct {
	// Source is the node that originated the message.
	Source wire.NodeID
	// LastHop is the node the message arrived from.
	LastHop   wire.NodeID
	Header    wire.Header
	Receiver  string
	Stack     wire.ForwardingStack
	Content   interface{}
	RawLength int
}

// Callee is everything an Instance needs from its surroundings. Buffer and
// Flush are only called from the goroutine driving the Instance. Deliver and
// ProxyDown run from decode workers and must be safe for concurrent use.
type Callee interface {
	// Buffer returns the outgoing buffer of conn. Writes to a closed
	// connection must be discarded.
	Buffer(conn ConnID) *bytes.Buffer
	// Flush hands everything buffered for conn to the transport.
	Flush(conn ConnID)

	LearnedNewNodeDirectly(node wire.NodeID, wasIndirect bool)
	LearnedNewNodeIndirectly(node wire.NodeID)

	// FinalizeHandshake fires once per client-side connection, on success
	// and on every failure path. node is wire.NoNode when the remote side
	// never identified itself.
	FinalizeHandshake(node wire.NodeID, actor wire.ActorID, iface []string)

	Deliver(source wire.NodeID, hdr wire.Header, msg *Message)

	// ProxyAnnounced reports that actor, local to this node, gained a
	// remote observer on node.
	ProxyAnnounced(node wire.NodeID, actor wire.ActorID)
	// ProxyDown reports that actor on node terminated.
	ProxyDown(node wire.NodeID, actor wire.ActorID, reason string)
	// PurgeState drops everything that depends on node being reachable.
	PurgeState(node wire.NodeID)

	HeartbeatReceived(node wire.NodeID)
}

// Codec defines payload serialization for application messages.
type Codec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
	ContentType() string
}
