// Package workers offloads payload decoding from the I/O goroutine.
//
// A Pool owns a fixed set of worker goroutines. TryAcquire never waits: when
// every worker is busy the caller decodes inline instead, trading latency for
// a responsive I/O loop.
package workers

import (
	"sync"
	"sync/atomic"

	"github.com/orizon-lang/meshwire/internal/runtime/remote/wire"
)

// Job is one received payload waiting to be decoded and delivered.
type Job struct {
	// Source is the originating node; LastHop the node it arrived from.
	Source  wire.NodeID
	LastHop wire.NodeID
	Header  wire.Header
	Payload []byte
	// Seq is the position reserved in the ordering queue.
	Seq uint64
}

// HandlerFunc decodes and delivers a job. It runs on a worker goroutine.
type HandlerFunc func(Job)

// Pool is a fixed set of decode workers.
type Pool struct {
	handle  HandlerFunc
	free    *freeList[*Worker]
	workers []*Worker
	busy    atomic.Int64
	done    atomic.Uint64
	closed  atomic.Bool
	wg      sync.WaitGroup
	once    sync.Once
}

// Worker is a pool member that has been acquired for exactly one job.
type Worker struct {
	pool *Pool
	jobs chan Job
}

// NewPool starts size workers running handle. A size of zero yields a pool
// that never hands out workers, so every job is decoded inline.
func NewPool(size int, handle HandlerFunc) *Pool {
	if size < 0 {
		size = 0
	}
	p := &Pool{handle: handle, free: newFreeList[*Worker](size)}
	for i := 0; i < size; i++ {
		w := &Worker{pool: p, jobs: make(chan Job, 1)}
		p.workers = append(p.workers, w)
		p.free.push(w)
		p.wg.Add(1)
		go w.run()
	}
	return p
}

// TryAcquire pops an idle worker without blocking.
func (p *Pool) TryAcquire() (*Worker, bool) {
	if p == nil || p.closed.Load() {
		return nil, false
	}
	w, ok := p.free.pop()
	if ok {
		p.busy.Add(1)
	}
	return w, ok
}

// Launch hands the job to the acquired worker. The worker returns itself to
// the pool once the job has been handled.
func (w *Worker) Launch(job Job) {
	w.jobs <- job
}

func (w *Worker) run() {
	defer w.pool.wg.Done()
	for job := range w.jobs {
		w.pool.handle(job)
		w.pool.done.Add(1)
		w.pool.free.push(w)
		w.pool.busy.Add(-1)
	}
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Busy returns the number of workers currently holding a job.
func (p *Pool) Busy() int { return int(p.busy.Load()) }

// Completed returns the number of jobs handled by workers.
func (p *Pool) Completed() uint64 { return p.done.Load() }

// Close stops the workers after their current jobs. TryAcquire fails once
// Close has started; it must not race with Launch.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.closed.Store(true)
		for _, w := range p.workers {
			close(w.jobs)
		}
		p.wg.Wait()
	})
}
