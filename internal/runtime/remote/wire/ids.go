package wire

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ActorID identifies an actor within its node.
type ActorID uint64

// InvalidActor is the "no actor" value used by handshakes and heartbeats.
const InvalidActor ActorID = 0

// Valid reports whether id names an actor.
func (id ActorID) Valid() bool { return id != InvalidActor }

// NodeID identifies one runtime instance: a process on a host.
// The zero value is NoNode.
type NodeID struct {
	ProcessID uint32
	HostID    [16]byte
}

// NoNode is the reserved "no node" sentinel.
var NoNode NodeID

// nodeNamespace scopes host fingerprints generated by NewNodeID.
var nodeNamespace = uuid.NewSHA1(uuid.NameSpaceDNS, []byte("meshwire.orizon-lang.org"))

// NewNodeID derives a node id from the host name and the process id.
// Two processes on the same host share HostID and differ in ProcessID.
func NewNodeID() (NodeID, error) {
	host, err := os.Hostname()
	if err != nil {
		return NoNode, fmt.Errorf("node id: %w", err)
	}
	return NodeIDFor(host, uint32(os.Getpid())), nil
}

// NodeIDFor builds a deterministic node id for host and pid.
func NodeIDFor(host string, pid uint32) NodeID {
	return NodeID{ProcessID: pid, HostID: uuid.NewSHA1(nodeNamespace, []byte(host))}
}

// Valid reports whether n is not NoNode.
func (n NodeID) Valid() bool { return n != NoNode }

// Less orders node ids by host fingerprint, then process id.
func (n NodeID) Less(o NodeID) bool {
	if c := bytes.Compare(n.HostID[:], o.HostID[:]); c != 0 {
		return c < 0
	}
	return n.ProcessID < o.ProcessID
}

// String renders the id as "<pid>#<host hex>".
func (n NodeID) String() string {
	if !n.Valid() {
		return "none"
	}
	return strconv.FormatUint(uint64(n.ProcessID), 10) + "#" + hex.EncodeToString(n.HostID[:])
}

// ParseNodeID parses the String form of a node id.
func ParseNodeID(s string) (NodeID, error) {
	if s == "none" {
		return NoNode, nil
	}
	pid, host, ok := strings.Cut(s, "#")
	if !ok {
		return NoNode, fmt.Errorf("node id %q: missing '#'", s)
	}
	p, err := strconv.ParseUint(pid, 10, 32)
	if err != nil {
		return NoNode, fmt.Errorf("node id %q: %w", s, err)
	}
	raw, err := hex.DecodeString(host)
	if err != nil || len(raw) != 16 {
		return NoNode, fmt.Errorf("node id %q: bad host fingerprint", s)
	}
	id := NodeID{ProcessID: uint32(p)}
	copy(id.HostID[:], raw)
	return id, nil
}

// ActorAddr is a globally unique actor address.
type ActorAddr struct {
	Node  NodeID
	Actor ActorID
}

func (a ActorAddr) String() string {
	return strconv.FormatUint(uint64(a.Actor), 10) + "@" + a.Node.String()
}

// ForwardingStack lists the actors a message should visit after its
// receiver, in order.
type ForwardingStack []ActorAddr
