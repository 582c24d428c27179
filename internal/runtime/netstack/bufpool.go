package netstack

import (
	"sort"
	"sync"
	"sync/atomic"
)

// FramePool recycles outgoing frame buffers in size buckets.
type FramePool struct {
	buckets []bucket
}

type bucket struct {
	size  int
	limit int64
	inuse atomic.Int64
	pool  sync.Pool
}

// DefaultFramePool covers heartbeats through typical message frames.
func DefaultFramePool() *FramePool {
	return NewFramePool([]int{64, 512, 4096, 32768, 262144}, 1024)
}

// NewFramePool creates a pool with the given bucket capacities. maxPerBucket
// approximately bounds the retained buffers per bucket.
func NewFramePool(sizes []int, maxPerBucket int) *FramePool {
	bs := append([]int(nil), sizes...)
	sort.Ints(bs)
	p := &FramePool{buckets: make([]bucket, len(bs))}
	for i, sz := range bs {
		b := &p.buckets[i]
		b.size = sz
		b.limit = int64(maxPerBucket)
		b.pool.New = func() any { return make([]byte, sz) }
	}
	return p
}

// Get returns a buffer with length 0 and capacity >= n. Requests larger
// than the biggest bucket are allocated and never pooled.
func (p *FramePool) Get(n int) []byte {
	if n <= 0 {
		n = 1
	}
	idx := p.find(n)
	if idx < 0 {
		return make([]byte, 0, n)
	}
	b := &p.buckets[idx]
	b.inuse.Add(1)
	return b.pool.Get().([]byte)[:0]
}

// Put returns buf to its bucket. Buffers of unknown capacity are dropped.
func (p *FramePool) Put(buf []byte) {
	c := cap(buf)
	idx := p.find(c)
	if c == 0 || idx < 0 || p.buckets[idx].size != c {
		return
	}
	b := &p.buckets[idx]
	if b.inuse.Add(-1) >= b.limit {
		return
	}
	b.pool.Put(buf[:c])
}

// InUse returns the outstanding buffers per bucket size.
func (p *FramePool) InUse() map[int]int64 {
	out := make(map[int]int64, len(p.buckets))
	for i := range p.buckets {
		out[p.buckets[i].size] = p.buckets[i].inuse.Load()
	}
	return out
}

func (p *FramePool) find(n int) int {
	i := sort.Search(len(p.buckets), func(i int) bool { return p.buckets[i].size >= n })
	if i >= len(p.buckets) {
		return -1
	}
	return i
}
