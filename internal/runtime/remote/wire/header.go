// Package wire defines the node-to-node header, its framing and the payload
// records carried by each operation.
//
// Frame layout (big-endian):
//
//	[operation:1][flags:1][payload_len:4][operation_data:8][source_actor:8][dest_actor:8][payload...]
//
// payload_len is the exact number of bytes that follow the header. The
// header layout does not depend on the protocol version; the version is
// carried in operation_data of a server handshake.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the encoded size of a Header.
const HeaderSize = 30

// MaxPayload bounds payload_len. Larger announcements are malformed.
const MaxPayload = 16 << 20

// ErrMalformedHeader reports undecodable bytes or an invalid field combination.
var ErrMalformedHeader = errors.New("malformed header")

// Operation selects how a frame is handled.
type Operation uint8

const (
	ServerHandshake Operation = iota
	ClientHandshake
	DirectMessage
	RoutedMessage
	MonitorMessage
	DownMessage
	Heartbeat
)

var operationNames = [...]string{
	ServerHandshake: "server_handshake",
	ClientHandshake: "client_handshake",
	DirectMessage:   "direct_message",
	RoutedMessage:   "routed_message",
	MonitorMessage:  "monitor_message",
	DownMessage:     "down_message",
	Heartbeat:       "heartbeat",
}

// Known reports whether op is one of the seven operations.
func (op Operation) Known() bool { return int(op) < len(operationNames) }

func (op Operation) String() string {
	if op.Known() {
		return operationNames[op]
	}
	return fmt.Sprintf("operation(%d)", uint8(op))
}

// Flags is the header bitfield.
type Flags uint8

// NamedReceiver marks a message whose receiver is looked up by name.
const NamedReceiver Flags = 1 << 0

const knownFlags = NamedReceiver

// Header describes one protocol operation.
type Header struct {
	Operation     Operation
	Flags         Flags
	PayloadLen    uint32
	OperationData uint64
	SourceActor   ActorID
	DestActor     ActorID
}

// Named reports whether the named-receiver flag is set.
func (h Header) Named() bool { return h.Flags&NamedReceiver != 0 }

// Valid reports whether the field combination is legal for the operation.
func Valid(h Header) bool {
	if h.Flags&^knownFlags != 0 || h.PayloadLen > MaxPayload {
		return false
	}
	if h.Named() && h.Operation != DirectMessage && h.Operation != RoutedMessage {
		return false
	}
	switch h.Operation {
	case ServerHandshake:
		return h.PayloadLen > 0 && !h.DestActor.Valid() && h.OperationData != 0
	case ClientHandshake:
		return h.PayloadLen > 0 && !h.SourceActor.Valid() && !h.DestActor.Valid()
	case DirectMessage, RoutedMessage:
		// a named receiver replaces the destination id
		return h.PayloadLen > 0 && h.DestActor.Valid() != h.Named()
	case MonitorMessage:
		return h.PayloadLen > 0 && h.OperationData == 0 && h.DestActor.Valid()
	case DownMessage:
		return h.PayloadLen > 0 && h.OperationData == 0 && h.SourceActor.Valid()
	case Heartbeat:
		return h.PayloadLen == 0 && h.OperationData == 0 &&
			!h.SourceActor.Valid() && !h.DestActor.Valid()
	default:
		return false
	}
}

// PutHeader writes h into b, which must hold HeaderSize bytes.
func PutHeader(b []byte, h Header) {
	_ = b[HeaderSize-1]
	b[0] = byte(h.Operation)
	b[1] = byte(h.Flags)
	binary.BigEndian.PutUint32(b[2:6], h.PayloadLen)
	binary.BigEndian.PutUint64(b[6:14], h.OperationData)
	binary.BigEndian.PutUint64(b[14:22], uint64(h.SourceActor))
	binary.BigEndian.PutUint64(b[22:30], uint64(h.DestActor))
}

// Decode parses and validates a header.
func Decode(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d of %d bytes", ErrMalformedHeader, len(b), HeaderSize)
	}
	h := Header{
		Operation:     Operation(b[0]),
		Flags:         Flags(b[1]),
		PayloadLen:    binary.BigEndian.Uint32(b[2:6]),
		OperationData: binary.BigEndian.Uint64(b[6:14]),
		SourceActor:   ActorID(binary.BigEndian.Uint64(b[14:22])),
		DestActor:     ActorID(binary.BigEndian.Uint64(b[22:30])),
	}
	if !h.Operation.Known() {
		return Header{}, fmt.Errorf("%w: unknown %s", ErrMalformedHeader, h.Operation)
	}
	if !Valid(h) {
		return Header{}, fmt.Errorf("%w: invalid %s header", ErrMalformedHeader, h.Operation)
	}
	return h, nil
}

// PayloadWriter appends a payload to buf.
type PayloadWriter func(buf *bytes.Buffer) error

// Encode appends h and the bytes produced by payload to buf. PayloadLen is
// back-patched once the payload size is known; the value in h is ignored.
// On error buf is truncated to its original length.
func Encode(buf *bytes.Buffer, h Header, payload PayloadWriter) error {
	start := buf.Len()
	var hdr [HeaderSize]byte
	h.PayloadLen = 0
	PutHeader(hdr[:], h)
	buf.Write(hdr[:])
	if payload != nil {
		if err := payload(buf); err != nil {
			buf.Truncate(start)
			return err
		}
	}
	n := buf.Len() - start - HeaderSize
	if n > MaxPayload {
		buf.Truncate(start)
		return fmt.Errorf("%s payload of %d bytes exceeds %d", h.Operation, n, MaxPayload)
	}
	binary.BigEndian.PutUint32(buf.Bytes()[start+2:start+6], uint32(n))
	return nil
}

// EncodeRaw appends h followed by payload verbatim. Used by forwarding,
// which must not touch any header field.
func EncodeRaw(buf *bytes.Buffer, h Header, payload []byte) {
	h.PayloadLen = uint32(len(payload))
	var hdr [HeaderSize]byte
	PutHeader(hdr[:], h)
	buf.Write(hdr[:])
	buf.Write(payload)
}

// PeekPayloadLen reads payload_len from an encoded header without
// validating anything else.
func PeekPayloadLen(b []byte) uint32 {
	if len(b) < 6 {
		return 0
	}
	return binary.BigEndian.Uint32(b[2:6])
}
