package remote

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	semver "github.com/Masterminds/semver/v3"

	"github.com/orizon-lang/meshwire/internal/runtime/remote/wire"
)

type event struct {
	kind   string
	node   wire.NodeID
	actor  wire.ActorID
	iface  []string
	msg    *Message
	reason string
	flag   bool
}

// fakeCallee records every callback. Flushed bytes are collected per
// connection until taken by the test.
type fakeCallee struct {
	mu     sync.Mutex
	bufs   map[ConnID]*bytes.Buffer
	out    map[ConnID][]byte
	events []event
}

func newFakeCallee() *fakeCallee {
	return &fakeCallee{bufs: make(map[ConnID]*bytes.Buffer), out: make(map[ConnID][]byte)}
}

func (f *fakeCallee) Buffer(conn ConnID) *bytes.Buffer {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bufs[conn]
	if !ok {
		b = new(bytes.Buffer)
		f.bufs[conn] = b
	}
	return b
}

func (f *fakeCallee) Flush(conn ConnID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.bufs[conn]
	if b == nil || b.Len() == 0 {
		return
	}
	f.out[conn] = append(f.out[conn], b.Bytes()...)
	b.Reset()
}

func (f *fakeCallee) take(conn ConnID) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw := f.out[conn]
	delete(f.out, conn)
	return raw
}

func (f *fakeCallee) record(e event) {
	f.mu.Lock()
	f.events = append(f.events, e)
	f.mu.Unlock()
}

func (f *fakeCallee) find(kind string) []event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []event
	for _, e := range f.events {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeCallee) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.kind)
	}
	return out
}

func (f *fakeCallee) LearnedNewNodeDirectly(node wire.NodeID, wasIndirect bool) {
	f.record(event{kind: "direct", node: node, flag: wasIndirect})
}

func (f *fakeCallee) LearnedNewNodeIndirectly(node wire.NodeID) {
	f.record(event{kind: "indirect", node: node})
}

func (f *fakeCallee) FinalizeHandshake(node wire.NodeID, actor wire.ActorID, iface []string) {
	f.record(event{kind: "finalize", node: node, actor: actor, iface: iface})
}

func (f *fakeCallee) Deliver(source wire.NodeID, hdr wire.Header, msg *Message) {
	f.record(event{kind: "deliver", node: source, msg: msg})
}

func (f *fakeCallee) ProxyAnnounced(node wire.NodeID, actor wire.ActorID) {
	f.record(event{kind: "announced", node: node, actor: actor})
}

func (f *fakeCallee) ProxyDown(node wire.NodeID, actor wire.ActorID, reason string) {
	f.record(event{kind: "down", node: node, actor: actor, reason: reason})
}

func (f *fakeCallee) PurgeState(node wire.NodeID) {
	f.record(event{kind: "purge", node: node})
}

func (f *fakeCallee) HeartbeatReceived(node wire.NodeID) {
	f.record(event{kind: "heartbeat", node: node})
}

type peer struct {
	in *Instance
	cb *fakeCallee
}

func (p *peer) node() wire.NodeID { return p.in.ThisNode() }

func newPeer(t *testing.T, host string, opts ...func(*Config)) *peer {
	t.Helper()
	cfg := Config{
		Node:   wire.NodeIDFor(host, 1),
		AppIDs: []string{"test"},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, o := range opts {
		o(&cfg)
	}
	cb := newFakeCallee()
	in, err := New(cfg, cb)
	if err != nil {
		t.Fatalf("new instance: %v", err)
	}
	t.Cleanup(in.Close)
	return &peer{in: in, cb: cb}
}

// feed hands raw frames to in the way a transport would: header, then
// payload, as announced by Expect.
func feed(t *testing.T, in *Instance, conn ConnID, raw []byte) ConnectionState {
	t.Helper()
	st := AwaitHeader
	for len(raw) > 0 {
		n := in.Expect(conn)
		if n > len(raw) {
			t.Fatalf("truncated frame: want %d bytes, have %d", n, len(raw))
		}
		st = in.HandleData(conn, raw[:n])
		raw = raw[n:]
		if st == CloseConnection {
			return st
		}
	}
	return st
}

type frame struct {
	hdr     wire.Header
	payload []byte
}

func frames(t *testing.T, raw []byte) []frame {
	t.Helper()
	var out []frame
	for len(raw) > 0 {
		hdr, err := wire.Decode(raw)
		if err != nil {
			t.Fatalf("decode header: %v", err)
		}
		end := wire.HeaderSize + int(hdr.PayloadLen)
		out = append(out, frame{hdr: hdr, payload: raw[wire.HeaderSize:end]})
		raw = raw[end:]
	}
	return out
}

type endpoint struct {
	p    *peer
	conn ConnID
}

// testNet shuttles flushed bytes between linked endpoints.
type testNet struct {
	t     *testing.T
	links map[endpoint]endpoint
}

func newTestNet(t *testing.T) *testNet {
	return &testNet{t: t, links: make(map[endpoint]endpoint)}
}

func (n *testNet) connect(client *peer, cconn ConnID, server *peer, sconn ConnID) {
	n.links[endpoint{client, cconn}] = endpoint{server, sconn}
	n.links[endpoint{server, sconn}] = endpoint{client, cconn}
	server.in.Accepted(sconn, 0)
	client.in.Connected(cconn)
	n.pump()
}

func (n *testNet) pump() {
	for moved := true; moved; {
		moved = false
		for from, to := range n.links {
			raw := from.p.cb.take(from.conn)
			if len(raw) == 0 {
				continue
			}
			moved = true
			feed(n.t, to.p.in, to.conn, raw)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestHandshake_ServerRepliesAndLearnsClient(t *testing.T) {
	a, b := newPeer(t, "a"), newPeer(t, "b")
	b.in.Accepted(7, 0)
	if got := b.cb.take(7); len(got) != 0 {
		t.Fatalf("server spoke first: %d bytes", len(got))
	}
	a.in.Connected(1)
	hello := a.cb.take(1)
	if fs := frames(t, hello); len(fs) != 1 || fs[0].hdr.Operation != wire.ClientHandshake {
		t.Fatalf("expected one client handshake, got %+v", fs)
	}
	if st := feed(t, b.in, 7, hello); st != AwaitHeader {
		t.Fatalf("server state %v", st)
	}

	reply := b.cb.take(7)
	fs := frames(t, reply)
	if len(fs) != 1 || fs[0].hdr.Operation != wire.ServerHandshake {
		t.Fatalf("expected one server handshake, got %+v", fs)
	}
	p, err := wire.DecodeServerHandshake(fs[0].payload)
	if err != nil {
		t.Fatalf("decode server handshake: %v", err)
	}
	if p.Source != b.node() || p.Actor.Valid() || len(p.AppIDs) != 1 || p.AppIDs[0] != "test" {
		t.Fatalf("unexpected server handshake %+v", p)
	}
	if v := DecodeVersion(fs[0].hdr.OperationData); !v.Equal(ProtocolVersion) {
		t.Fatalf("version %s", v)
	}
	if conn, ok := b.in.Table().LookupDirect(a.node()); !ok || conn != 7 {
		t.Fatalf("server route to client: %v %v", conn, ok)
	}
	if evs := b.cb.find("direct"); len(evs) != 1 || evs[0].node != a.node() || evs[0].flag {
		t.Fatalf("server learned %+v", evs)
	}

	if st := feed(t, a.in, 1, reply); st != AwaitHeader {
		t.Fatalf("client state %v", st)
	}
	if conn, ok := a.in.Table().LookupDirect(b.node()); !ok || conn != 1 {
		t.Fatalf("client route to server: %v %v", conn, ok)
	}
	if evs := a.cb.find("finalize"); len(evs) != 1 || evs[0].node != b.node() {
		t.Fatalf("client finalize %+v", evs)
	}
	if got := a.cb.take(1); len(got) != 0 {
		t.Fatalf("client re-sent its handshake: %d bytes", len(got))
	}
}

func TestHandshake_PublishedActorAnnounced(t *testing.T) {
	a, b := newPeer(t, "a"), newPeer(t, "b")
	b.in.AddPublishedActor(4242, 77, []string{"ping"})
	b.in.Accepted(7, 4242)
	a.in.Connected(1)
	feed(t, b.in, 7, a.cb.take(1))
	feed(t, a.in, 1, b.cb.take(7))
	evs := a.cb.find("finalize")
	if len(evs) != 1 || evs[0].actor != 77 || len(evs[0].iface) != 1 || evs[0].iface[0] != "ping" {
		t.Fatalf("finalize %+v", evs)
	}
	if pa, ok := b.in.Published(4242); !ok || pa.Actor != 77 {
		t.Fatalf("published %+v %v", pa, ok)
	}
	if !b.in.RemovePublishedActor(4242) || b.in.RemovePublishedActor(4242) {
		t.Fatal("remove published actor must succeed exactly once")
	}
	if _, ok := b.in.Published(4242); ok {
		t.Fatal("actor still published")
	}
}

func TestHandshake_ClientRejections(t *testing.T) {
	cases := []struct {
		name   string
		server func(t *testing.T, a *peer) *peer
		want   error
	}{
		{"app id mismatch", func(t *testing.T, _ *peer) *peer {
			return newPeer(t, "b", func(c *Config) { c.AppIDs = []string{"other"} })
		}, ErrAppIdentityMismatch},
		{"version mismatch", func(t *testing.T, _ *peer) *peer {
			return newPeer(t, "b", func(c *Config) { c.Version = semver.MustParse("2.0.0") })
		}, ErrVersionMismatch},
		{"self", func(_ *testing.T, a *peer) *peer { return a }, ErrRedundantConnection},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := newPeer(t, "a")
			srv := tc.server(t, a)
			a.in.Connected(1)
			var buf bytes.Buffer
			if err := srv.in.WriteServerHandshake(&buf, 0); err != nil {
				t.Fatalf("write: %v", err)
			}
			fs := frames(t, buf.Bytes())
			err := a.in.Handle(1, fs[0].hdr, fs[0].payload)
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
			if d, _ := a.in.Table().Len(); d != 0 {
				t.Fatalf("route added on rejection")
			}
			a.in.ConnectionClosed(1)
			if evs := a.cb.find("finalize"); len(evs) != 1 {
				t.Fatalf("finalize fired %d times", len(evs))
			}
		})
	}
}

func TestHandshake_RedundantConnections(t *testing.T) {
	a, b := newPeer(t, "a"), newPeer(t, "b")
	n := newTestNet(t)
	n.connect(a, 1, b, 7)

	// server side: a second connection from a known node is closed quietly
	b.in.Accepted(8, 0)
	a.in.Connected(2)
	if st := feed(t, b.in, 8, a.cb.take(2)); st != CloseConnection {
		t.Fatalf("server kept redundant connection: %v", st)
	}
	if b.in.Stats().Redundant.Load() != 1 {
		t.Fatalf("redundant counter %d", b.in.Stats().Redundant.Load())
	}
	if conn, _ := b.in.Table().LookupDirect(a.node()); conn != 7 {
		t.Fatalf("route moved to conn %d", conn)
	}

	// client side: a server handshake from a node that is already direct
	a.in.Connected(3)
	var buf bytes.Buffer
	_ = b.in.WriteServerHandshake(&buf, 0)
	fs := frames(t, buf.Bytes())
	if err := a.in.Handle(3, fs[0].hdr, fs[0].payload); !IsRedundant(err) {
		t.Fatalf("expected redundant, got %v", err)
	}
	if conn, _ := a.in.Table().LookupDirect(b.node()); conn != 1 {
		t.Fatalf("route moved to conn %d", conn)
	}
	// one finalize for conn 1, one for conn 3; conn 2 is still pending
	if evs := a.cb.find("finalize"); len(evs) != 2 {
		t.Fatalf("finalize fired %d times", len(evs))
	}
	a.in.ConnectionClosed(2)
	a.in.ConnectionClosed(3)
	if evs := a.cb.find("finalize"); len(evs) != 3 || evs[2].node != wire.NoNode {
		t.Fatalf("finalize events %+v", evs)
	}
}

// move delivers everything from's connection flushed to the other end.
func move(t *testing.T, from *peer, fromConn ConnID, to *peer, toConn ConnID) ConnectionState {
	t.Helper()
	return feed(t, to.in, toConn, from.cb.take(fromConn))
}

func TestHandshake_CrossedDialsKeepOneLink(t *testing.T) {
	// lo:1 <-> hi:7 is dialed by the lower node, hi:2 <-> lo:8 by the higher
	orders := map[string]func(t *testing.T, lo, hi *peer){
		"handshakes cross": func(t *testing.T, lo, hi *peer) {
			move(t, lo, 1, hi, 7)
			move(t, hi, 2, lo, 8)
			move(t, hi, 7, lo, 1)
			if st := move(t, lo, 8, hi, 2); st == CloseConnection {
				t.Fatal("higher node closed the link the lower node is dropping")
			}
		},
		"lower completes first": func(t *testing.T, lo, hi *peer) {
			move(t, lo, 1, hi, 7)
			move(t, hi, 7, lo, 1)
			if st := move(t, hi, 2, lo, 8); st != CloseConnection {
				t.Fatalf("lower node kept the second link: %v", st)
			}
			move(t, lo, 8, hi, 2)
		},
		"higher completes first": func(t *testing.T, lo, hi *peer) {
			move(t, hi, 2, lo, 8)
			move(t, lo, 8, hi, 2)
			move(t, lo, 1, hi, 7)
			move(t, hi, 7, lo, 1)
		},
	}
	for name, deliver := range orders {
		t.Run(name, func(t *testing.T) {
			lo, hi := newPeer(t, "a"), newPeer(t, "b")
			if hi.node().Less(lo.node()) {
				lo, hi = hi, lo
			}
			hi.in.Accepted(7, 0)
			lo.in.Accepted(8, 0)
			lo.in.Connected(1)
			hi.in.Connected(2)
			deliver(t, lo, hi)

			for _, id := range lo.in.TakeSuperseded() {
				if id != 8 {
					t.Fatalf("superseded conn %d", id)
				}
			}
			if got := hi.in.TakeSuperseded(); len(got) != 0 {
				t.Fatalf("higher node superseded %v", got)
			}
			lo.in.ConnectionClosed(8)
			hi.in.ConnectionClosed(2)

			if conn, ok := lo.in.Table().LookupDirect(hi.node()); !ok || conn != 1 {
				t.Fatalf("lower route %d %v, want conn 1", conn, ok)
			}
			if conn, ok := hi.in.Table().LookupDirect(lo.node()); !ok || conn != 7 {
				t.Fatalf("higher route %d %v, want conn 7", conn, ok)
			}
			for _, p := range []*peer{lo, hi} {
				if evs := p.cb.find("purge"); len(evs) != 0 {
					t.Fatalf("purged %+v", evs)
				}
				if evs := p.cb.find("direct"); len(evs) != 1 {
					t.Fatalf("learned directly %d times", len(evs))
				}
				if evs := p.cb.find("finalize"); len(evs) != 1 || !evs[0].node.Valid() {
					t.Fatalf("finalize %+v", evs)
				}
			}

			lo.in.HandleHeartbeat()
			move(t, lo, 1, hi, 7)
			if evs := hi.cb.find("heartbeat"); len(evs) != 1 || evs[0].node != lo.node() {
				t.Fatalf("heartbeat over kept link %+v", evs)
			}
		})
	}
}

func TestHandshake_DroppedLinkStillCarriesTraffic(t *testing.T) {
	lo, hi := newPeer(t, "a"), newPeer(t, "b")
	if hi.node().Less(lo.node()) {
		lo, hi = hi, lo
	}
	hi.in.Accepted(7, 0)
	lo.in.Accepted(8, 0)
	lo.in.Connected(1)
	hi.in.Connected(2)
	move(t, hi, 2, lo, 8)
	move(t, lo, 8, hi, 2)
	move(t, lo, 1, hi, 7)

	// hi moved to conn 7; lo still routes over conn 8 until hi's reply lands
	lo.in.HandleHeartbeat()
	if st := move(t, lo, 8, hi, 2); st == CloseConnection {
		t.Fatal("heartbeat on the dropped link closed it")
	}
	if evs := hi.cb.find("heartbeat"); len(evs) != 1 || evs[0].node != lo.node() {
		t.Fatalf("heartbeat %+v", evs)
	}

	// the kept link goes away first: the other one takes over
	hi.in.ConnectionClosed(7)
	if conn, ok := hi.in.Table().LookupDirect(lo.node()); !ok || conn != 2 {
		t.Fatalf("route %d %v, want conn 2", conn, ok)
	}
	if evs := hi.cb.find("purge"); len(evs) != 0 {
		t.Fatalf("purged %+v", evs)
	}
}

func TestHandshake_ClosedBeforeReply(t *testing.T) {
	a := newPeer(t, "a")
	a.in.Connected(1)
	a.in.ConnectionClosed(1)
	a.in.ConnectionClosed(1)
	evs := a.cb.find("finalize")
	if len(evs) != 1 || evs[0].node != wire.NoNode {
		t.Fatalf("finalize %+v", evs)
	}
	if evs := a.cb.find("purge"); len(evs) != 0 {
		t.Fatalf("purged without a route: %+v", evs)
	}
}

func TestHandle_ConnectionFatalErrors(t *testing.T) {
	a := newPeer(t, "a")
	a.in.Accepted(5, 0)
	if err := a.in.Handle(5, wire.Header{Operation: wire.Heartbeat}, nil); !errors.Is(err, ErrHandshakeRequired) {
		t.Fatalf("heartbeat before handshake: %v", err)
	}
	hdr := wire.Header{Operation: wire.DirectMessage, PayloadLen: 10, DestActor: 1}
	if err := a.in.Handle(5, hdr, make([]byte, 3)); !errors.Is(err, ErrPayloadMismatch) {
		t.Fatalf("payload mismatch: %v", err)
	}
	bad := wire.Header{Operation: wire.Heartbeat, SourceActor: 3}
	if err := a.in.Handle(5, bad, nil); !errors.Is(err, ErrMalformedHeader) {
		t.Fatalf("invalid combination: %v", err)
	}
	raw := make([]byte, wire.HeaderSize)
	raw[0] = 99
	if st := a.in.HandleData(6, raw); st != CloseConnection {
		t.Fatalf("unknown operation: %v", st)
	}
	if st := a.in.HandleData(6, raw); st != CloseConnection {
		t.Fatalf("closed connection must stay closed: %v", st)
	}
	if st := a.in.HandleData(8, raw[:10]); st != CloseConnection {
		t.Fatalf("short header: %v", st)
	}
}

func TestDispatch_DirectInline(t *testing.T) {
	a, b := newPeer(t, "a"), newPeer(t, "b")
	n := newTestNet(t)
	n.connect(a, 1, b, 7)

	if !b.in.Dispatch(3, nil, a.node(), 9, 0, 42, map[string]interface{}{"n": 1}) {
		t.Fatal("dispatch failed")
	}
	n.pump()
	evs := a.cb.find("deliver")
	if len(evs) != 1 {
		t.Fatalf("delivered %d messages", len(evs))
	}
	msg := evs[0].msg
	if msg.Source != b.node() || msg.LastHop != b.node() {
		t.Fatalf("source %v last hop %v", msg.Source, msg.LastHop)
	}
	h := msg.Header
	if h.Operation != wire.DirectMessage || h.SourceActor != 3 || h.DestActor != 9 || h.OperationData != 42 {
		t.Fatalf("header %+v", h)
	}
	content, ok := msg.Content.(map[string]interface{})
	if !ok || content["n"] != float64(1) {
		t.Fatalf("content %#v", msg.Content)
	}
	if a.in.Stats().Inline.Load() != 1 || a.in.Stats().Offloaded.Load() != 0 {
		t.Fatalf("inline %d offloaded %d", a.in.Stats().Inline.Load(), a.in.Stats().Offloaded.Load())
	}
}

func TestDispatch_NamedAndUnroutable(t *testing.T) {
	a, b := newPeer(t, "a"), newPeer(t, "b")
	n := newTestNet(t)
	n.connect(a, 1, b, 7)

	if !b.in.DispatchNamed(3, nil, a.node(), "echo", 0, "hi") {
		t.Fatal("named dispatch failed")
	}
	n.pump()
	evs := a.cb.find("deliver")
	if len(evs) != 1 || evs[0].msg.Receiver != "echo" || !evs[0].msg.Header.Named() || evs[0].msg.Content != "hi" {
		t.Fatalf("delivered %+v", evs)
	}

	other := wire.NodeIDFor("nowhere", 9)
	if b.in.Dispatch(3, nil, other, 9, 0, 0, "x") {
		t.Fatal("dispatch to unknown node succeeded")
	}
	if b.in.Dispatch(3, nil, a.node(), wire.InvalidActor, 0, 0, "x") {
		t.Fatal("dispatch without receiver succeeded")
	}
	if b.in.Dispatch(3, nil, b.node(), 9, 0, 0, "x") {
		t.Fatal("dispatch to self succeeded")
	}
	if b.in.DispatchNamed(3, nil, a.node(), "", 0, "x") {
		t.Fatal("dispatch with empty name succeeded")
	}
}

func TestDispatch_OffloadedToWorker(t *testing.T) {
	a := newPeer(t, "a", func(c *Config) { c.Workers = 2 })
	b := newPeer(t, "b")
	n := newTestNet(t)
	n.connect(a, 1, b, 7)

	b.in.Dispatch(3, nil, a.node(), 9, 0, 0, "work")
	n.pump()
	waitFor(t, "delivery", func() bool { return len(a.cb.find("deliver")) == 1 })
	if a.in.Stats().Offloaded.Load() != 1 || a.in.Stats().Inline.Load() != 0 {
		t.Fatalf("offloaded %d inline %d", a.in.Stats().Offloaded.Load(), a.in.Stats().Inline.Load())
	}
}

func TestDecodeFailure_DropsSingleMessage(t *testing.T) {
	a, b := newPeer(t, "a"), newPeer(t, "b")
	n := newTestNet(t)
	n.connect(a, 1, b, 7)

	var buf bytes.Buffer
	bad := wire.MessagePayload{Content: []byte("{")}
	_ = wire.Encode(&buf, wire.Header{Operation: wire.DirectMessage, DestActor: 9},
		func(w *bytes.Buffer) error { return bad.AppendTo(w, false) })
	if st := feed(t, a.in, 1, buf.Bytes()); st != AwaitHeader {
		t.Fatalf("decode failure closed the connection: %v", st)
	}
	if a.in.Stats().DecodeFailures.Load() != 1 {
		t.Fatalf("decode failures %d", a.in.Stats().DecodeFailures.Load())
	}
	b.in.Dispatch(3, nil, a.node(), 9, 0, 0, "after")
	n.pump()
	if evs := a.cb.find("deliver"); len(evs) != 1 || evs[0].msg.Content != "after" {
		t.Fatalf("delivered %+v", evs)
	}
}

func TestForward_PreservesIdentityAndLearnsIndirect(t *testing.T) {
	hub, b, x := newPeer(t, "hub"), newPeer(t, "b"), newPeer(t, "x")
	n := newTestNet(t)
	n.connect(b, 1, hub, 10)
	n.connect(x, 1, hub, 11)
	c := wire.NodeIDFor("c", 1)

	var buf bytes.Buffer
	hdr := wire.Header{Operation: wire.RoutedMessage, OperationData: 99, SourceActor: 5, DestActor: 6}
	mp := wire.MessagePayload{Content: []byte(`"hi"`)}
	_ = wire.Encode(&buf, hdr, func(w *bytes.Buffer) error {
		_ = wire.RoutedPrefix{Source: c, Dest: b.node()}.AppendTo(w)
		return mp.AppendTo(w, false)
	})
	raw := append([]byte(nil), buf.Bytes()...)

	if st := feed(t, hub.in, 11, raw); st != AwaitHeader {
		t.Fatalf("hub state %v", st)
	}
	out := hub.cb.take(10)
	if !bytes.Equal(out, raw) {
		t.Fatalf("forwarded frame differs:\n got %x\nwant %x", out, raw)
	}
	if _, ok := hub.in.Table().LookupDirect(c); ok {
		t.Fatal("relayed source must not become direct")
	}
	if via, ok := hub.in.Table().LookupIndirect(c); !ok || via != x.node() {
		t.Fatalf("indirect route to c via %v (%v)", via, ok)
	}
	if evs := hub.cb.find("indirect"); len(evs) != 1 || evs[0].node != c {
		t.Fatalf("hub learned %+v", evs)
	}
	if hub.in.Stats().Forwarded.Load() != 1 {
		t.Fatalf("forwarded %d", hub.in.Stats().Forwarded.Load())
	}

	feed(t, b.in, 1, out)
	evs := b.cb.find("deliver")
	if len(evs) != 1 {
		t.Fatalf("b delivered %d", len(evs))
	}
	got := evs[0].msg
	if got.Source != c || got.LastHop != hub.node() {
		t.Fatalf("source %v last hop %v", got.Source, got.LastHop)
	}
	if got.Header.OperationData != 99 || got.Header.SourceActor != 5 || got.Header.DestActor != 6 {
		t.Fatalf("header changed in transit: %+v", got.Header)
	}
}

func TestForward_NoRouteDrops(t *testing.T) {
	hub, x := newPeer(t, "hub"), newPeer(t, "x")
	n := newTestNet(t)
	n.connect(x, 1, hub, 11)

	var buf bytes.Buffer
	_ = x.in.WriteMonitorMessage(&buf, wire.NodeIDFor("d", 1), 4)
	if st := feed(t, hub.in, 11, buf.Bytes()); st != AwaitHeader {
		t.Fatalf("missing route closed the connection: %v", st)
	}
	if hub.in.Stats().Dropped.Load() != 1 {
		t.Fatalf("dropped %d", hub.in.Stats().Dropped.Load())
	}
}

func TestHeartbeat_OnlyDirectRoutes(t *testing.T) {
	hub, b, x := newPeer(t, "hub"), newPeer(t, "b"), newPeer(t, "x")
	n := newTestNet(t)
	n.connect(b, 1, hub, 10)
	n.connect(x, 1, hub, 11)
	c := wire.NodeIDFor("c", 1)
	if !hub.in.Table().AddIndirect(x.node(), c) {
		t.Fatal("add indirect")
	}

	if sent := hub.in.HandleHeartbeat(); sent != 2 {
		t.Fatalf("sent %d heartbeats", sent)
	}
	for _, conn := range []ConnID{10, 11} {
		raw := hub.cb.take(conn)
		fs := frames(t, raw)
		if len(raw) != wire.HeaderSize || len(fs) != 1 || fs[0].hdr.Operation != wire.Heartbeat {
			t.Fatalf("conn %d got %d bytes: %+v", conn, len(raw), fs)
		}
		// put it back for delivery
		hub.cb.out[conn] = raw
	}
	n.pump()
	for _, p := range []*peer{b, x} {
		if evs := p.cb.find("heartbeat"); len(evs) != 1 || evs[0].node != hub.node() {
			t.Fatalf("heartbeats %+v", evs)
		}
	}
}

func TestRoutedMessage_ThroughRelay(t *testing.T) {
	a, relay, c := newPeer(t, "a"), newPeer(t, "relay"), newPeer(t, "c")
	n := newTestNet(t)
	n.connect(a, 1, relay, 10)
	n.connect(c, 1, relay, 11)
	if !c.in.Table().AddIndirect(relay.node(), a.node()) {
		t.Fatal("add indirect")
	}
	stack := wire.ForwardingStack{{Node: c.node(), Actor: 2}}
	if !c.in.Dispatch(2, stack, a.node(), 8, 0, 7, "ping") {
		t.Fatal("dispatch through relay failed")
	}
	n.pump()
	evs := a.cb.find("deliver")
	if len(evs) != 1 {
		t.Fatalf("delivered %d", len(evs))
	}
	msg := evs[0].msg
	if msg.Source != c.node() || msg.LastHop != relay.node() || msg.Header.Operation != wire.RoutedMessage {
		t.Fatalf("message %+v", msg)
	}
	if len(msg.Stack) != 1 || msg.Stack[0].Node != c.node() {
		t.Fatalf("stack %v", msg.Stack)
	}
	if ind := a.cb.find("indirect"); len(ind) != 1 || ind[0].node != c.node() {
		t.Fatalf("a learned %+v", ind)
	}
}

func TestMonitorAndDown(t *testing.T) {
	a, b := newPeer(t, "a"), newPeer(t, "b")
	n := newTestNet(t)
	n.connect(a, 1, b, 7)

	if !a.in.Monitor(b.node(), 55) {
		t.Fatal("monitor failed")
	}
	n.pump()
	if evs := b.cb.find("announced"); len(evs) != 1 || evs[0].node != a.node() || evs[0].actor != 55 {
		t.Fatalf("announced %+v", evs)
	}
	if !b.in.SendDown(a.node(), 55, "normal") {
		t.Fatal("send down failed")
	}
	n.pump()
	if evs := a.cb.find("down"); len(evs) != 1 || evs[0].node != b.node() || evs[0].actor != 55 || evs[0].reason != "normal" {
		t.Fatalf("down %+v", evs)
	}
	if a.in.Monitor(wire.NodeIDFor("nowhere", 1), 1) {
		t.Fatal("monitor without route succeeded")
	}
}

// gateCodec blocks every Unmarshal until release is closed.
type gateCodec struct {
	JSONCodec
	release chan struct{}
}

func (g gateCodec) Unmarshal(data []byte, v interface{}) error {
	<-g.release
	return g.JSONCodec.Unmarshal(data, v)
}

func TestDown_WaitsForInFlightMessages(t *testing.T) {
	gate := gateCodec{release: make(chan struct{})}
	a := newPeer(t, "a", func(c *Config) {
		c.Workers = 1
		c.Codec = gate
	})
	b := newPeer(t, "b")
	n := newTestNet(t)
	n.connect(a, 1, b, 7)

	b.in.Dispatch(3, nil, a.node(), 9, 0, 0, "last words")
	b.in.SendDown(a.node(), 3, "exit")
	n.pump()
	if got := a.cb.find("down"); len(got) != 0 {
		t.Fatal("down overtook an in-flight message")
	}
	close(gate.release)
	waitFor(t, "down", func() bool { return len(a.cb.find("down")) == 1 })

	var order []string
	for _, k := range a.cb.kinds() {
		if k == "deliver" || k == "down" {
			order = append(order, k)
		}
	}
	if len(order) != 2 || order[0] != "deliver" || order[1] != "down" {
		t.Fatalf("order %v", order)
	}
}

func TestConnectionClosed_PurgesRelayedNodes(t *testing.T) {
	hub, x := newPeer(t, "hub"), newPeer(t, "x")
	n := newTestNet(t)
	n.connect(x, 1, hub, 11)
	c := wire.NodeIDFor("c", 1)
	hub.in.Table().AddIndirect(x.node(), c)

	hub.in.ConnectionClosed(11)
	hub.in.ConnectionClosed(11)
	evs := hub.cb.find("purge")
	if len(evs) != 2 || evs[0].node != x.node() || evs[1].node != c {
		t.Fatalf("purged %+v", evs)
	}
	if _, ok := hub.in.Lookup(c); ok {
		t.Fatal("relayed node still routable")
	}
}

func TestServerHandshake_ErasesIndirectRoute(t *testing.T) {
	hub, x, c := newPeer(t, "hub"), newPeer(t, "x"), newPeer(t, "c")
	n := newTestNet(t)
	n.connect(x, 1, hub, 11)
	hub.in.Table().AddIndirect(x.node(), c.node())

	n.connect(c, 1, hub, 12)
	if _, ok := hub.in.Table().LookupIndirect(c.node()); ok {
		t.Fatal("node is both direct and indirect")
	}
	evs := hub.cb.find("direct")
	if len(evs) != 2 || evs[1].node != c.node() || !evs[1].flag {
		t.Fatalf("direct events %+v", evs)
	}
}
