package wire

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

var (
	nodeA = NodeIDFor("host-a", 100)
	nodeB = NodeIDFor("host-b", 200)
)

func TestNodeID_StringParse(t *testing.T) {
	got, err := ParseNodeID(nodeA.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != nodeA {
		t.Fatalf("got %v, want %v", got, nodeA)
	}
	if NodeIDFor("host-a", 1).HostID != nodeA.HostID {
		t.Fatal("same host must share the fingerprint")
	}
	if nodeA == nodeB || !nodeA.Valid() || NoNode.Valid() {
		t.Fatal("unexpected node id identity")
	}
	if _, err := ParseNodeID("12-abc"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestServerHandshake_Decode(t *testing.T) {
	in := ServerHello{Source: nodeA, AppIDs: []string{"app", "other"}, Actor: 12, Interface: []string{"ping", "pong"}}
	var buf bytes.Buffer
	_ = in.AppendTo(&buf)
	out, err := DecodeServerHandshake(buf.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("got %+v, want %+v", out, in)
	}
	if _, err := DecodeServerHandshake(buf.Bytes()[:buf.Len()-1]); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("truncated: want ErrInvalidPayload, got %v", err)
	}
}

func TestClientHandshake_RejectsTrailingBytes(t *testing.T) {
	var buf bytes.Buffer
	_ = ClientHello{Source: nodeB}.AppendTo(&buf)
	buf.WriteByte(0)
	if _, err := DecodeClientHandshake(buf.Bytes()); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("want ErrInvalidPayload, got %v", err)
	}
}

func TestClientHandshake_RejectsNoNode(t *testing.T) {
	var buf bytes.Buffer
	_ = ClientHello{}.AppendTo(&buf)
	if _, err := DecodeClientHandshake(buf.Bytes()); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("want ErrInvalidPayload, got %v", err)
	}
}

func TestDownPayload_Decode(t *testing.T) {
	in := DownPayload{RoutedPrefix: RoutedPrefix{Source: nodeA, Dest: nodeB}, Reason: "exited"}
	var buf bytes.Buffer
	_ = in.AppendTo(&buf)
	out, err := DecodeDown(buf.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("got %+v, want %+v", out, in)
	}
}

func TestMessagePayload_RoutedLayout(t *testing.T) {
	msg := MessagePayload{
		Stack:   ForwardingStack{{Node: nodeA, Actor: 5}, {Node: nodeB, Actor: 6}},
		Content: []byte(`{"hello":"world"}`),
	}
	var buf bytes.Buffer
	_ = RoutedPrefix{Source: nodeA, Dest: nodeB}.AppendTo(&buf)
	_ = msg.AppendTo(&buf, false)

	prefix, rest, err := DecodeRoutedPrefix(buf.Bytes())
	if err != nil {
		t.Fatalf("prefix: %v", err)
	}
	if prefix.Source != nodeA || prefix.Dest != nodeB {
		t.Fatalf("prefix: %+v", prefix)
	}
	out, err := DecodeMessage(rest, false)
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	if !reflect.DeepEqual(out.Stack, msg.Stack) || string(out.Content) != string(msg.Content) {
		t.Fatalf("got %+v", out)
	}
}

func TestMessagePayload_Named(t *testing.T) {
	var buf bytes.Buffer
	if err := (MessagePayload{Content: []byte("x")}).AppendTo(&buf, true); err == nil {
		t.Fatal("expected error for named message without receiver")
	}
	buf.Reset()
	_ = MessagePayload{Receiver: "echo", Content: []byte("x")}.AppendTo(&buf, true)
	out, err := DecodeMessage(buf.Bytes(), true)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Receiver != "echo" || string(out.Content) != "x" || len(out.Stack) != 0 {
		t.Fatalf("got %+v", out)
	}
}

func TestMessagePayload_HugeStackCount(t *testing.T) {
	var buf bytes.Buffer
	putU32(&buf, 1<<30)
	if _, err := DecodeMessage(buf.Bytes(), false); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("want ErrInvalidPayload, got %v", err)
	}
}
