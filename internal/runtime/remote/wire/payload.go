package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidPayload reports a payload that does not decode as the record
// its operation requires.
var ErrInvalidPayload = errors.New("invalid payload")

const nodeIDSize = 4 + 16

// ServerHello is the payload of a server_handshake. The protocol
// version travels in the header's OperationData.
type ServerHello struct {
	Source    NodeID
	AppIDs    []string
	Actor     ActorID
	Interface []string
}

// ClientHello is the payload of a client_handshake.
type ClientHello struct {
	Source NodeID
}

// RoutedPrefix opens the payload of routed, monitor and down messages.
type RoutedPrefix struct {
	Source NodeID
	Dest   NodeID
}

// MonitorPayload is the payload of a monitor_message.
type MonitorPayload = RoutedPrefix

// DownPayload is the payload of a down_message.
type DownPayload struct {
	RoutedPrefix
	Reason string
}

// MessagePayload is the application part of direct and routed messages.
// Receiver is only present when the header carries NamedReceiver.
type MessagePayload struct {
	Receiver string
	Stack    ForwardingStack
	Content  []byte
}

// --- encode ---

func putU32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func putU64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func putStr(buf *bytes.Buffer, s string) {
	putU32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func putStrs(buf *bytes.Buffer, ss []string) {
	putU32(buf, uint32(len(ss)))
	for _, s := range ss {
		putStr(buf, s)
	}
}

func putNode(buf *bytes.Buffer, n NodeID) {
	putU32(buf, n.ProcessID)
	buf.Write(n.HostID[:])
}

// AppendTo writes the record to buf.
func (p ServerHello) AppendTo(buf *bytes.Buffer) error {
	putNode(buf, p.Source)
	putStrs(buf, p.AppIDs)
	putU64(buf, uint64(p.Actor))
	putStrs(buf, p.Interface)
	return nil
}

// AppendTo writes the record to buf.
func (p ClientHello) AppendTo(buf *bytes.Buffer) error {
	putNode(buf, p.Source)
	return nil
}

// AppendTo writes the record to buf.
func (p RoutedPrefix) AppendTo(buf *bytes.Buffer) error {
	putNode(buf, p.Source)
	putNode(buf, p.Dest)
	return nil
}

// AppendTo writes the record to buf.
func (p DownPayload) AppendTo(buf *bytes.Buffer) error {
	_ = p.RoutedPrefix.AppendTo(buf)
	putStr(buf, p.Reason)
	return nil
}

// AppendTo writes the record to buf. named must match the header flag.
func (p MessagePayload) AppendTo(buf *bytes.Buffer, named bool) error {
	if named {
		if p.Receiver == "" {
			return errors.New("named message without receiver name")
		}
		putStr(buf, p.Receiver)
	}
	if len(p.Stack) > math.MaxUint16 {
		return fmt.Errorf("forwarding stack of %d entries", len(p.Stack))
	}
	putU32(buf, uint32(len(p.Stack)))
	for _, a := range p.Stack {
		putNode(buf, a.Node)
		putU64(buf, uint64(a.Actor))
	}
	buf.Write(p.Content)
	return nil
}

// --- decode ---

// decoder reads big-endian fields; the first failure sticks.
type decoder struct {
	data []byte
	off  int
	err  error
}

func (d *decoder) need(n int, what string) bool {
	if d.err != nil {
		return false
	}
	if n < 0 || d.off+n > len(d.data) {
		d.err = fmt.Errorf("%w: short data for %s", ErrInvalidPayload, what)
		return false
	}
	return true
}

func (d *decoder) u32(what string) uint32 {
	if !d.need(4, what) {
		return 0
	}
	v := binary.BigEndian.Uint32(d.data[d.off:])
	d.off += 4
	return v
}

func (d *decoder) u64(what string) uint64 {
	if !d.need(8, what) {
		return 0
	}
	v := binary.BigEndian.Uint64(d.data[d.off:])
	d.off += 8
	return v
}

func (d *decoder) str(what string) string {
	n := int(d.u32(what + " length"))
	if !d.need(n, what) {
		return ""
	}
	s := string(d.data[d.off : d.off+n])
	d.off += n
	return s
}

func (d *decoder) strs(what string) []string {
	n := int(d.u32(what + " count"))
	// every entry needs at least its length prefix
	if !d.need(n*4, what) {
		return nil
	}
	if n == 0 {
		return nil
	}
	out := make([]string, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		out = append(out, d.str(what))
	}
	return out
}

func (d *decoder) node(what string) NodeID {
	var n NodeID
	if !d.need(nodeIDSize, what) {
		return n
	}
	n.ProcessID = binary.BigEndian.Uint32(d.data[d.off:])
	copy(n.HostID[:], d.data[d.off+4:d.off+nodeIDSize])
	d.off += nodeIDSize
	return n
}

func (d *decoder) rest() []byte {
	if d.err != nil {
		return nil
	}
	b := d.data[d.off:]
	d.off = len(d.data)
	return b
}

// done fails when fixed records leave trailing bytes.
func (d *decoder) done(what string) error {
	if d.err == nil && d.off != len(d.data) {
		d.err = fmt.Errorf("%w: %d trailing bytes after %s", ErrInvalidPayload, len(d.data)-d.off, what)
	}
	return d.err
}

// DecodeServerHandshake parses a server_handshake payload.
func DecodeServerHandshake(b []byte) (ServerHello, error) {
	d := decoder{data: b}
	p := ServerHello{
		Source:    d.node("source node"),
		AppIDs:    d.strs("app id"),
		Actor:     ActorID(d.u64("published actor")),
		Interface: d.strs("interface"),
	}
	if err := d.done("server handshake"); err != nil {
		return ServerHello{}, err
	}
	if !p.Source.Valid() {
		return ServerHello{}, fmt.Errorf("%w: server handshake without source node", ErrInvalidPayload)
	}
	return p, nil
}

// DecodeClientHandshake parses a client_handshake payload.
func DecodeClientHandshake(b []byte) (ClientHello, error) {
	d := decoder{data: b}
	p := ClientHello{Source: d.node("source node")}
	if err := d.done("client handshake"); err != nil {
		return ClientHello{}, err
	}
	if !p.Source.Valid() {
		return ClientHello{}, fmt.Errorf("%w: client handshake without source node", ErrInvalidPayload)
	}
	return p, nil
}

// DecodeRoutedPrefix parses the (source, dest) prefix and returns the
// remaining bytes.
func DecodeRoutedPrefix(b []byte) (RoutedPrefix, []byte, error) {
	d := decoder{data: b}
	p := RoutedPrefix{Source: d.node("source node"), Dest: d.node("destination node")}
	rest := d.rest()
	if d.err != nil {
		return RoutedPrefix{}, nil, d.err
	}
	return p, rest, nil
}

// DecodeMonitor parses a monitor_message payload.
func DecodeMonitor(b []byte) (MonitorPayload, error) {
	p, rest, err := DecodeRoutedPrefix(b)
	if err != nil {
		return MonitorPayload{}, err
	}
	if len(rest) != 0 {
		return MonitorPayload{}, fmt.Errorf("%w: %d trailing bytes after monitor message", ErrInvalidPayload, len(rest))
	}
	return p, nil
}

// DecodeDown parses a down_message payload.
func DecodeDown(b []byte) (DownPayload, error) {
	d := decoder{data: b}
	p := DownPayload{
		RoutedPrefix: RoutedPrefix{Source: d.node("source node"), Dest: d.node("destination node")},
		Reason:       d.str("reason"),
	}
	if err := d.done("down message"); err != nil {
		return DownPayload{}, err
	}
	return p, nil
}

// DecodeMessage parses the application part of a direct or routed message.
// Content aliases b.
func DecodeMessage(b []byte, named bool) (MessagePayload, error) {
	d := decoder{data: b}
	var p MessagePayload
	if named {
		p.Receiver = d.str("receiver name")
		if d.err == nil && p.Receiver == "" {
			return MessagePayload{}, fmt.Errorf("%w: empty receiver name", ErrInvalidPayload)
		}
	}
	n := int(d.u32("stack size"))
	if d.need(n*(nodeIDSize+8), "forwarding stack") && n > 0 {
		p.Stack = make(ForwardingStack, 0, n)
		for i := 0; i < n; i++ {
			node := d.node("stack node")
			p.Stack = append(p.Stack, ActorAddr{Node: node, Actor: ActorID(d.u64("stack actor"))})
		}
	}
	p.Content = d.rest()
	if d.err != nil {
		return MessagePayload{}, d.err
	}
	return p, nil
}
