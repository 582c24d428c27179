package node

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/orizon-lang/meshwire/internal/runtime/remote/wire"
)

// ErrStopActor returned from Receive terminates the actor normally.
var ErrStopActor = errors.New("stop actor")

// Down reasons reported to remote observers.
const (
	ReasonNormal = "normal"
	ReasonNoProc = "noproc"
	ReasonKilled = "killed"
)

// Receiver handles the messages of one actor. Receive is never called
// concurrently for the same actor.
type Receiver interface {
	Receive(ctx *Context) error
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(ctx *Context) error

func (f ReceiverFunc) Receive(ctx *Context) error { return f(ctx) }

// Envelope is one mailbox entry.
type Envelope struct {
	Sender        wire.ActorAddr
	CorrelationID uint64
	Stack         wire.ForwardingStack
	Message       interface{}
}

// Context is handed to Receive for every message.
type Context struct {
	Ctx  context.Context
	Self wire.ActorAddr
	// Sender is the zero address for anonymous messages.
	Sender        wire.ActorAddr
	CorrelationID uint64
	Stack         wire.ForwardingStack
	Message       interface{}

	node *Node
}

// Send sends msg from this actor to the actor at to.
func (c *Context) Send(to wire.ActorAddr, msg interface{}) error {
	return c.node.send(c.Ctx, c.Self.Actor, to.Node, to.Actor, "", 0, nil, msg)
}

// SendNamed sends msg from this actor to the receiver registered as name on node.
func (c *Context) SendNamed(node wire.NodeID, name string, msg interface{}) error {
	return c.node.send(c.Ctx, c.Self.Actor, node, wire.InvalidActor, name, 0, nil, msg)
}

// Reply answers the current message, echoing its correlation id. When the
// message carried a forwarding stack the reply goes to its first entry
// instead, with the rest of the stack attached.
func (c *Context) Reply(msg interface{}) error {
	to, stack := c.Sender, wire.ForwardingStack(nil)
	if len(c.Stack) > 0 {
		to, stack = c.Stack[0], c.Stack[1:]
	}
	if !to.Actor.Valid() {
		return fmt.Errorf("reply from %s: %w", c.Self, ErrNoSender)
	}
	return c.node.send(c.Ctx, c.Self.Actor, to.Node, to.Actor, "", c.CorrelationID, stack, msg)
}

// mailbox is an unbounded FIFO. Pushing never blocks the event loop.
type mailbox struct {
	mu     sync.Mutex
	items  []Envelope
	wake   chan struct{}
	closed bool
	reason string
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1)}
}

func (m *mailbox) push(e Envelope) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, e)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

// pop blocks for the next envelope. It returns false once the mailbox is
// closed, leaving undelivered envelopes behind.
func (m *mailbox) pop() (Envelope, bool) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return Envelope{}, false
		}
		if len(m.items) > 0 {
			e := m.items[0]
			m.items[0] = Envelope{}
			m.items = m.items[1:]
			m.mu.Unlock()
			return e, true
		}
		m.mu.Unlock()
		<-m.wake
	}
}

// close stops the mailbox; the first reason wins.
func (m *mailbox) close(reason string) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.closed = true
	m.reason = reason
	m.items = nil
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) closeReason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

type actor struct {
	id   wire.ActorID
	name string
	recv Receiver
	mbox *mailbox
	done chan struct{}

	// observers are remote nodes monitoring this actor. Only touched from
	// the event loop.
	observers map[wire.NodeID]struct{}
}

// actorRegistry indexes the local actors. Lookups happen on decode workers.
type actorRegistry struct {
	mu     sync.RWMutex
	next   atomic.Uint64
	byID   map[wire.ActorID]*actor
	byName map[string]*actor
}

func newActorRegistry() *actorRegistry {
	return &actorRegistry{byID: make(map[wire.ActorID]*actor), byName: make(map[string]*actor)}
}

func (r *actorRegistry) add(name string, recv Receiver) (*actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name != "" {
		if _, exists := r.byName[name]; exists {
			return nil, fmt.Errorf("%w: %q", ErrNameTaken, name)
		}
	}
	a := &actor{
		id:        wire.ActorID(r.next.Add(1)),
		name:      name,
		recv:      recv,
		mbox:      newMailbox(),
		done:      make(chan struct{}),
		observers: make(map[wire.NodeID]struct{}),
	}
	r.byID[a.id] = a
	if name != "" {
		r.byName[name] = a
	}
	return a, nil
}

func (r *actorRegistry) remove(a *actor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, a.id)
	if a.name != "" && r.byName[a.name] == a {
		delete(r.byName, a.name)
	}
}

func (r *actorRegistry) get(id wire.ActorID) (*actor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	return a, ok
}

func (r *actorRegistry) resolve(name string) (*actor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byName[name]
	return a, ok
}

func (r *actorRegistry) all() []*actor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*actor, 0, len(r.byID))
	for _, a := range r.byID {
		out = append(out, a)
	}
	return out
}

func (r *actorRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// run is the actor goroutine. It ends when the mailbox is closed or Receive
// returns ErrStopActor.
func (a *actor) run(n *Node) {
	reason := ReasonNormal
	defer func() {
		a.mbox.close(reason)
		n.actorExited(a, a.mbox.closeReason())
	}()

	self := wire.ActorAddr{Node: n.this, Actor: a.id}
	n.log.Debug("actor started", "actor", self.String(), "name", a.name)
	for {
		env, ok := a.mbox.pop()
		if !ok {
			return
		}
		ctx := &Context{
			Ctx:           n.ctx,
			Self:          self,
			Sender:        env.Sender,
			CorrelationID: env.CorrelationID,
			Stack:         env.Stack,
			Message:       env.Message,
			node:          n,
		}
		if err := a.receive(ctx); err != nil {
			if errors.Is(err, ErrStopActor) {
				return
			}
			n.log.Error("actor receive error", "actor", self.String(), "err", err)
		}
	}
}

func (a *actor) receive(ctx *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			ctx.node.log.Error("actor panic", "actor", ctx.Self.String(), "panic", r, "stack", string(debug.Stack()))
			if e, ok := r.(error); ok {
				err = e
			} else {
				err = fmt.Errorf("panic: %v", r)
			}
		}
	}()
	return a.recv.Receive(ctx)
}
