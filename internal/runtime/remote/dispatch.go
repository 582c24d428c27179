package remote

import (
	"bytes"
	"fmt"

	"github.com/orizon-lang/meshwire/internal/runtime/remote/wire"
	"github.com/orizon-lang/meshwire/internal/runtime/remote/workers"
)

// Handle processes one complete frame received on conn. A non-nil error
// means the connection must be closed; see IsRedundant.
func (in *Instance) Handle(conn ConnID, hdr wire.Header, payload []byte) error {
	if int(hdr.PayloadLen) != len(payload) {
		return fmt.Errorf("%w: header announces %d bytes, got %d", ErrPayloadMismatch, hdr.PayloadLen, len(payload))
	}
	if !wire.Valid(hdr) {
		return fmt.Errorf("%w: invalid %s header", ErrMalformedHeader, hdr.Operation)
	}
	in.stats.FramesIn.Add(1)
	cs := in.state(conn)

	switch hdr.Operation {
	case wire.ServerHandshake:
		return in.handleServerHandshake(conn, cs, hdr, payload)
	case wire.ClientHandshake:
		return in.handleClientHandshake(conn, cs, payload)
	}

	lastHop, ok := in.tbl.LookupNode(conn)
	if !ok && cs.peer.Valid() {
		// a link being dropped after crossed dials still carries traffic
		lastHop, ok = cs.peer, true
	}
	if !ok {
		return fmt.Errorf("%w: %s on conn %d", ErrHandshakeRequired, hdr.Operation, conn)
	}

	switch hdr.Operation {
	case wire.DirectMessage:
		in.deliverLocal(lastHop, lastHop, hdr, payload)
	case wire.RoutedMessage:
		prefix, rest, err := wire.DecodeRoutedPrefix(payload)
		if err != nil {
			return fmt.Errorf("routed message: %w", err)
		}
		in.learnIndirect(lastHop, prefix.Source)
		if prefix.Dest != in.this {
			in.Forward(prefix.Dest, hdr, payload)
			return nil
		}
		in.deliverLocal(prefix.Source, lastHop, hdr, rest)
	case wire.MonitorMessage:
		p, err := wire.DecodeMonitor(payload)
		if err != nil {
			return fmt.Errorf("monitor message: %w", err)
		}
		in.learnIndirect(lastHop, p.Source)
		if p.Dest != in.this {
			in.Forward(p.Dest, hdr, payload)
			return nil
		}
		in.callee.ProxyAnnounced(p.Source, hdr.DestActor)
	case wire.DownMessage:
		p, err := wire.DecodeDown(payload)
		if err != nil {
			return fmt.Errorf("down message: %w", err)
		}
		if p.Dest != in.this {
			in.Forward(p.Dest, hdr, payload)
			return nil
		}
		// queued behind messages already handed to the decoders
		actor := hdr.SourceActor
		in.queue.Push(in.queue.NewID(), func() {
			in.callee.ProxyDown(p.Source, actor, p.Reason)
		})
	case wire.Heartbeat:
		in.callee.HeartbeatReceived(lastHop)
	default:
		return fmt.Errorf("%w: %s", ErrInvalidOperation, hdr.Operation)
	}
	return nil
}

// learnIndirect records that source is reachable through lastHop.
func (in *Instance) learnIndirect(lastHop, source wire.NodeID) {
	if source == in.this || source == lastHop {
		return
	}
	if in.tbl.AddIndirect(lastHop, source) {
		in.log.Info("learned node indirectly", "peer", source.String(), "via", lastHop.String())
		in.callee.LearnedNewNodeIndirectly(source)
	}
}

// deliverLocal hands a message for this node to a decode worker, or decodes
// it on the calling goroutine when every worker is busy.
func (in *Instance) deliverLocal(source, lastHop wire.NodeID, hdr wire.Header, payload []byte) {
	job := workers.Job{
		Source:  source,
		LastHop: lastHop,
		Header:  hdr,
		Payload: payload,
		Seq:     in.queue.NewID(),
	}
	if w, ok := in.pool.TryAcquire(); ok {
		in.stats.Offloaded.Add(1)
		w.Launch(job)
		return
	}
	in.stats.Inline.Add(1)
	in.decodeAndDeliver(job)
}

// decodeAndDeliver runs on a decode worker or inline. A decode failure drops
// the single message and releases its slot in the ordering queue.
func (in *Instance) decodeAndDeliver(job workers.Job) {
	p, err := wire.DecodeMessage(job.Payload, job.Header.Named())
	if err != nil {
		in.dropUndecodable(job, err)
		return
	}
	var content interface{}
	if len(p.Content) > 0 {
		if err := in.cfg.Codec.Unmarshal(p.Content, &content); err != nil {
			in.dropUndecodable(job, err)
			return
		}
	}
	msg := &Message{
		Source:    job.Source,
		LastHop:   job.LastHop,
		Header:    job.Header,
		Receiver:  p.Receiver,
		Stack:     p.Stack,
		Content:   content,
		RawLength: len(p.Content),
	}
	in.queue.Push(job.Seq, func() {
		in.callee.Deliver(job.Source, job.Header, msg)
	})
}

func (in *Instance) dropUndecodable(job workers.Job, err error) {
	in.stats.DecodeFailures.Add(1)
	in.log.Warn("dropping undecodable message",
		"source", job.Source.String(), "op", job.Header.Operation.String(), "err", err)
	in.queue.Drop(job.Seq)
}

// Forward relays a frame unchanged toward dest. Without a route the frame is
// dropped; the connection it arrived on stays open.
func (in *Instance) Forward(dest wire.NodeID, hdr wire.Header, payload []byte) bool {
	route, ok := in.tbl.Lookup(dest)
	if !ok {
		in.stats.Dropped.Add(1)
		in.log.Debug("no route, dropping message", "dest", dest.String(), "op", hdr.Operation.String())
		return false
	}
	wire.EncodeRaw(in.callee.Buffer(route.Conn), hdr, payload)
	in.callee.Flush(route.Conn)
	in.stats.Forwarded.Add(1)
	return true
}

// HandleHeartbeat writes a heartbeat to every directly connected node and
// returns how many were sent.
func (in *Instance) HandleHeartbeat() int {
	n := 0
	for _, node := range in.tbl.DirectNodes() {
		conn, _ := in.tbl.LookupDirect(node)
		if err := in.WriteHeartbeat(in.callee.Buffer(conn)); err != nil {
			in.log.Error("write heartbeat", "peer", node.String(), "err", err)
			continue
		}
		in.callee.Flush(conn)
		n++
	}
	in.stats.HeartbeatsOut.Add(uint64(n))
	return n
}

// WriteHeartbeat appends a heartbeat frame.
func (in *Instance) WriteHeartbeat(buf *bytes.Buffer) error {
	return wire.Encode(buf, wire.Header{Operation: wire.Heartbeat}, nil)
}

// WriteMonitorMessage appends a request to observe actor on dest.
func (in *Instance) WriteMonitorMessage(buf *bytes.Buffer, dest wire.NodeID, actor wire.ActorID) error {
	hdr := wire.Header{Operation: wire.MonitorMessage, DestActor: actor}
	return wire.Encode(buf, hdr, wire.RoutedPrefix{Source: in.this, Dest: dest}.AppendTo)
}

// WriteDownMessage appends a notice that the local actor terminated.
func (in *Instance) WriteDownMessage(buf *bytes.Buffer, dest wire.NodeID, actor wire.ActorID, reason string) error {
	hdr := wire.Header{Operation: wire.DownMessage, SourceActor: actor}
	p := wire.DownPayload{RoutedPrefix: wire.RoutedPrefix{Source: in.this, Dest: dest}, Reason: reason}
	return wire.Encode(buf, hdr, p.AppendTo)
}

// Dispatch sends msg from the local actor sender to destActor on dest. A
// direct route produces a direct_message, an indirect one a routed_message
// addressed through the relay. It returns false when dest is unreachable or
// msg cannot be encoded. Messages for named receivers go through
// DispatchNamed.
func (in *Instance) Dispatch(sender wire.ActorID, stack wire.ForwardingStack, dest wire.NodeID,
	destActor wire.ActorID, flags wire.Flags, correlationID uint64, msg interface{}) bool {
	if flags&wire.NamedReceiver != 0 {
		in.log.Error("dispatch with named receiver flag and no name", "dest", dest.String())
		return false
	}
	if !destActor.Valid() {
		return false
	}
	hdr := wire.Header{Flags: flags, OperationData: correlationID, SourceActor: sender, DestActor: destActor}
	return in.dispatch(dest, hdr, stack, "", msg)
}

// DispatchNamed is Dispatch for a receiver registered under name on dest.
func (in *Instance) DispatchNamed(sender wire.ActorID, stack wire.ForwardingStack, dest wire.NodeID,
	name string, correlationID uint64, msg interface{}) bool {
	if name == "" {
		return false
	}
	hdr := wire.Header{Flags: wire.NamedReceiver, OperationData: correlationID, SourceActor: sender}
	return in.dispatch(dest, hdr, stack, name, msg)
}

func (in *Instance) dispatch(dest wire.NodeID, hdr wire.Header, stack wire.ForwardingStack, name string, msg interface{}) bool {
	if dest == in.this {
		return false
	}
	route, ok := in.tbl.Lookup(dest)
	if !ok {
		in.log.Debug("no route for dispatch", "dest", dest.String())
		return false
	}
	content, err := in.cfg.Codec.Marshal(msg)
	if err != nil {
		in.log.Warn("encode message", "dest", dest.String(), "err", err)
		return false
	}
	mp := wire.MessagePayload{Receiver: name, Stack: stack, Content: content}
	named := hdr.Named()
	var write wire.PayloadWriter
	if route.Direct {
		hdr.Operation = wire.DirectMessage
		write = func(buf *bytes.Buffer) error { return mp.AppendTo(buf, named) }
	} else {
		hdr.Operation = wire.RoutedMessage
		prefix := wire.RoutedPrefix{Source: in.this, Dest: dest}
		write = func(buf *bytes.Buffer) error {
			_ = prefix.AppendTo(buf)
			return mp.AppendTo(buf, named)
		}
	}
	if err := wire.Encode(in.callee.Buffer(route.Conn), hdr, write); err != nil {
		in.log.Warn("encode frame", "dest", dest.String(), "err", err)
		return false
	}
	in.callee.Flush(route.Conn)
	return true
}

// Monitor asks dest to report when actor terminates.
func (in *Instance) Monitor(dest wire.NodeID, actor wire.ActorID) bool {
	route, ok := in.tbl.Lookup(dest)
	if !ok || !actor.Valid() {
		return false
	}
	if err := in.WriteMonitorMessage(in.callee.Buffer(route.Conn), dest, actor); err != nil {
		in.log.Error("write monitor message", "dest", dest.String(), "err", err)
		return false
	}
	in.callee.Flush(route.Conn)
	return true
}

// SendDown tells dest that the local actor terminated with reason.
func (in *Instance) SendDown(dest wire.NodeID, actor wire.ActorID, reason string) bool {
	route, ok := in.tbl.Lookup(dest)
	if !ok || !actor.Valid() {
		return false
	}
	if err := in.WriteDownMessage(in.callee.Buffer(route.Conn), dest, actor, reason); err != nil {
		in.log.Error("write down message", "dest", dest.String(), "err", err)
		return false
	}
	in.callee.Flush(route.Conn)
	return true
}
