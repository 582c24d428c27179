package node

import (
	"sort"
	"sync"
)

// Discovery resolves peer names to addresses.
type Discovery interface {
	Register(name, address string) error
	Unregister(name string)
	Resolve(name string) (string, bool)
	Members() map[string]string
}

// StaticDiscovery is an in-memory peer directory fed from configuration.
type StaticDiscovery struct {
	mu    sync.RWMutex
	nodes map[string]string
}

func NewStaticDiscovery(peers map[string]string) *StaticDiscovery {
	d := &StaticDiscovery{nodes: make(map[string]string, len(peers))}
	for name, addr := range peers {
		d.nodes[name] = addr
	}
	return d
}

func (d *StaticDiscovery) Register(name, address string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nodes[name] = address
	return nil
}

func (d *StaticDiscovery) Unregister(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.nodes, name)
}

func (d *StaticDiscovery) Resolve(name string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	addr, ok := d.nodes[name]
	return addr, ok
}

func (d *StaticDiscovery) Members() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]string, len(d.nodes))
	for k, v := range d.nodes {
		out[k] = v
	}
	return out
}

// Replace swaps the directory for peers and reports which names were added
// or changed address and which were removed, both sorted.
func (d *StaticDiscovery) Replace(peers map[string]string) (changed, removed []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name := range d.nodes {
		if _, ok := peers[name]; !ok {
			removed = append(removed, name)
		}
	}
	for name, addr := range peers {
		if old, ok := d.nodes[name]; !ok || old != addr {
			changed = append(changed, name)
		}
	}
	d.nodes = make(map[string]string, len(peers))
	for name, addr := range peers {
		d.nodes[name] = addr
	}
	sort.Strings(changed)
	sort.Strings(removed)
	return changed, removed
}
