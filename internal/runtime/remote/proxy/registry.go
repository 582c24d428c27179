// Package proxy keeps local stand-ins for actors living on remote nodes.
package proxy

import (
	"sync"

	"github.com/orizon-lang/meshwire/internal/runtime/remote/wire"
)

// ReasonNodeLost is the down reason used when a node becomes unreachable.
const ReasonNodeLost = "node unreachable"

// Proxy represents a remote actor. It stays valid after the actor went
// down; Done and Reason report the termination.
type Proxy struct {
	addr wire.ActorAddr

	mu        sync.Mutex
	down      bool
	reason    string
	observers []func(reason string)
	done      chan struct{}
}

func newProxy(node wire.NodeID, actor wire.ActorID) *Proxy {
	return &Proxy{addr: wire.ActorAddr{Node: node, Actor: actor}, done: make(chan struct{})}
}

// Addr returns the remote address this proxy stands for.
func (p *Proxy) Addr() wire.ActorAddr { return p.addr }

// OnDown registers fn to run once when the remote actor goes down. If it
// already did, fn is scheduled right away. Observers run on a goroutine of
// their own, never on the caller of Erase or EraseNode, so they may call back
// into the node that owns the registry.
func (p *Proxy) OnDown(fn func(reason string)) {
	p.mu.Lock()
	if p.down {
		reason := p.reason
		p.mu.Unlock()
		go fn(reason)
		return
	}
	p.observers = append(p.observers, fn)
	p.mu.Unlock()
}

// Done is closed when the remote actor goes down.
func (p *Proxy) Done() <-chan struct{} { return p.done }

// Reason returns the termination reason and whether the actor is down.
func (p *Proxy) Reason() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason, p.down
}

func (p *Proxy) kill(reason string) {
	p.mu.Lock()
	if p.down {
		p.mu.Unlock()
		return
	}
	p.down = true
	p.reason = reason
	obs := p.observers
	p.observers = nil
	close(p.done)
	p.mu.Unlock()
	if len(obs) == 0 {
		return
	}
	go func() {
		for _, fn := range obs {
			fn(reason)
		}
	}()
}

// Registry maps (node, actor) to proxies. Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	proxies map[wire.NodeID]map[wire.ActorID]*Proxy
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{proxies: make(map[wire.NodeID]map[wire.ActorID]*Proxy)}
}

// Get returns the proxy for actor on node, creating it on first use.
func (r *Registry) Get(node wire.NodeID, actor wire.ActorID) *Proxy {
	r.mu.Lock()
	defer r.mu.Unlock()
	byActor, ok := r.proxies[node]
	if !ok {
		byActor = make(map[wire.ActorID]*Proxy)
		r.proxies[node] = byActor
	}
	p, ok := byActor[actor]
	if !ok {
		p = newProxy(node, actor)
		byActor[actor] = p
	}
	return p
}

// Lookup returns an existing proxy without creating one.
func (r *Registry) Lookup(node wire.NodeID, actor wire.ActorID) (*Proxy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.proxies[node][actor]
	return p, ok
}

// Erase removes the proxy for actor on node and notifies its observers.
// Unknown proxies are ignored.
func (r *Registry) Erase(node wire.NodeID, actor wire.ActorID, reason string) bool {
	r.mu.Lock()
	p, ok := r.proxies[node][actor]
	if ok {
		delete(r.proxies[node], actor)
		if len(r.proxies[node]) == 0 {
			delete(r.proxies, node)
		}
	}
	r.mu.Unlock()
	if ok {
		p.kill(reason)
	}
	return ok
}

// EraseNode removes every proxy on node and returns how many there were.
func (r *Registry) EraseNode(node wire.NodeID, reason string) int {
	r.mu.Lock()
	byActor := r.proxies[node]
	delete(r.proxies, node)
	r.mu.Unlock()
	for _, p := range byActor {
		p.kill(reason)
	}
	return len(byActor)
}

// Count returns the number of live proxies.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, byActor := range r.proxies {
		n += len(byActor)
	}
	return n
}
