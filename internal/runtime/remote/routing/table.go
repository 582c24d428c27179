// Package routing keeps track of which connection reaches which node.
//
// A node is either reachable directly over a connection or indirectly through
// another node, never both. Learning a direct path always supersedes an
// indirect one; a direct entry is only removed by erasing its connection.
//
// The table is not synchronized. It is owned by a single protocol instance
// and only touched from the goroutine driving that instance.
package routing

import (
	"sort"

	"github.com/orizon-lang/meshwire/internal/runtime/remote/wire"
)

// ConnID identifies one byte-stream connection. IDs are never reused while a
// connection is live.
type ConnID uint64

// InvalidConn is the "no connection" sentinel.
const InvalidConn ConnID = 0

// Route is the next hop towards a node.
type Route struct {
	Conn    ConnID
	NextHop wire.NodeID
	// Direct is true when NextHop is the destination itself.
	Direct bool
}

// Table maps nodes to direct connections or relay nodes.
type Table struct {
	directByNode map[wire.NodeID]ConnID
	directByConn map[ConnID]wire.NodeID
	indirect     map[wire.NodeID]wire.NodeID // node -> via
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{
		directByNode: make(map[wire.NodeID]ConnID),
		directByConn: make(map[ConnID]wire.NodeID),
		indirect:     make(map[wire.NodeID]wire.NodeID),
	}
}

// Lookup returns the connection to use as the very next hop towards node.
// Indirect entries resolve through one direct lookup of their relay.
func (t *Table) Lookup(node wire.NodeID) (Route, bool) {
	if conn, ok := t.directByNode[node]; ok {
		return Route{Conn: conn, NextHop: node, Direct: true}, true
	}
	via, ok := t.indirect[node]
	if !ok {
		return Route{}, false
	}
	conn, ok := t.directByNode[via]
	if !ok {
		return Route{}, false
	}
	return Route{Conn: conn, NextHop: via}, true
}

// LookupDirect returns the direct connection to node.
func (t *Table) LookupDirect(node wire.NodeID) (ConnID, bool) {
	conn, ok := t.directByNode[node]
	return conn, ok
}

// LookupNode returns the node at the other end of conn.
func (t *Table) LookupNode(conn ConnID) (wire.NodeID, bool) {
	node, ok := t.directByConn[conn]
	return node, ok
}

// LookupIndirect returns the relay used to reach node.
func (t *Table) LookupIndirect(node wire.NodeID) (wire.NodeID, bool) {
	via, ok := t.indirect[node]
	return via, ok
}

// AddDirect records conn as the direct path to node and drops any indirect
// entry for it. A direct path over another connection moves to conn.
func (t *Table) AddDirect(conn ConnID, node wire.NodeID) {
	if old, ok := t.directByNode[node]; ok && old != conn {
		delete(t.directByConn, old)
	}
	t.directByNode[node] = conn
	t.directByConn[conn] = node
	delete(t.indirect, node)
}

// EraseDirect removes the direct entry using conn and reports which node lost
// its route. Erasing an unknown connection is a no-op.
func (t *Table) EraseDirect(conn ConnID) (wire.NodeID, bool) {
	node, ok := t.directByConn[conn]
	if !ok {
		return wire.NoNode, false
	}
	delete(t.directByConn, conn)
	delete(t.directByNode, node)
	return node, true
}

// AddIndirect records that node is reachable via lastHop. It returns false
// when this is not new information: node is already known directly or
// indirectly, or node and lastHop are the same.
func (t *Table) AddIndirect(lastHop, node wire.NodeID) bool {
	if node == lastHop || !node.Valid() || !lastHop.Valid() {
		return false
	}
	if _, ok := t.directByNode[node]; ok {
		return false
	}
	if _, ok := t.indirect[node]; ok {
		return false
	}
	t.indirect[node] = lastHop
	return true
}

// EraseIndirect removes the indirect entry for node.
func (t *Table) EraseIndirect(node wire.NodeID) bool {
	if _, ok := t.indirect[node]; !ok {
		return false
	}
	delete(t.indirect, node)
	return true
}

// EraseVia removes every indirect entry relayed by via and returns the
// nodes that became unreachable, sorted for stable callbacks.
func (t *Table) EraseVia(via wire.NodeID) []wire.NodeID {
	var lost []wire.NodeID
	for node, hop := range t.indirect {
		if hop == via {
			lost = append(lost, node)
			delete(t.indirect, node)
		}
	}
	sortNodes(lost)
	return lost
}

// DirectNodes returns the directly connected nodes, sorted.
func (t *Table) DirectNodes() []wire.NodeID {
	out := make([]wire.NodeID, 0, len(t.directByNode))
	for node := range t.directByNode {
		out = append(out, node)
	}
	sortNodes(out)
	return out
}

// IndirectNodes returns the indirectly reachable nodes, sorted.
func (t *Table) IndirectNodes() []wire.NodeID {
	out := make([]wire.NodeID, 0, len(t.indirect))
	for node := range t.indirect {
		out = append(out, node)
	}
	sortNodes(out)
	return out
}

// Len returns the number of direct and indirect entries.
func (t *Table) Len() (direct, indirect int) {
	return len(t.directByNode), len(t.indirect)
}

func sortNodes(nodes []wire.NodeID) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].String() < nodes[j].String() })
}
