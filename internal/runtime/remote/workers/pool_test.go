package workers

import (
	"sync"
	"testing"
	"time"
)

func TestPool_TryAcquireExhausts(t *testing.T) {
	release := make(chan struct{})
	p := NewPool(2, func(Job) { <-release })
	defer p.Close()

	var held []*Worker
	for i := 0; i < 2; i++ {
		w, ok := p.TryAcquire()
		if !ok {
			t.Fatalf("acquire %d failed", i)
		}
		held = append(held, w)
	}
	if _, ok := p.TryAcquire(); ok {
		t.Fatal("third acquire must fail without blocking")
	}
	for i, w := range held {
		w.Launch(Job{Seq: uint64(i)})
	}
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for p.Completed() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("workers did not finish")
		}
		time.Sleep(time.Millisecond)
	}
	// workers push themselves back after finishing
	for p.Busy() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("workers not returned")
		}
		time.Sleep(time.Millisecond)
	}
	if _, ok := p.TryAcquire(); !ok {
		t.Fatal("worker not returned to the pool")
	}
}

func TestPool_ZeroSizeNeverAcquires(t *testing.T) {
	p := NewPool(0, func(Job) {})
	defer p.Close()
	if _, ok := p.TryAcquire(); ok {
		t.Fatal("empty pool handed out a worker")
	}
	var nilPool *Pool
	if _, ok := nilPool.TryAcquire(); ok {
		t.Fatal("nil pool handed out a worker")
	}
}

func TestFreeList_PushPop(t *testing.T) {
	l := newFreeList[int](3) // rounds up to 4
	for i := 0; i < 4; i++ {
		if !l.push(i) {
			t.Fatalf("push %d failed", i)
		}
	}
	if l.push(99) {
		t.Fatal("push into full ring succeeded")
	}
	for i := 0; i < 4; i++ {
		v, ok := l.pop()
		if !ok || v != i {
			t.Fatalf("pop = %d %v, want %d", v, ok, i)
		}
	}
	if _, ok := l.pop(); ok {
		t.Fatal("pop from empty ring succeeded")
	}
}

func TestQueue_DeliversInIDOrder(t *testing.T) {
	q := NewQueue()
	ids := make([]uint64, 5)
	for i := range ids {
		ids[i] = q.NewID()
	}
	var got []uint64
	push := func(id uint64) { q.Push(id, func() { got = append(got, id) }) }

	push(ids[2])
	push(ids[1])
	if len(got) != 0 {
		t.Fatalf("delivered before id 0: %v", got)
	}
	q.Drop(ids[0])
	if len(got) != 2 || got[0] != ids[1] || got[1] != ids[2] {
		t.Fatalf("got %v", got)
	}
	push(ids[4])
	if q.Pending() != 1 {
		t.Fatalf("pending = %d", q.Pending())
	}
	push(ids[3])
	if len(got) != 4 || got[3] != ids[4] {
		t.Fatalf("got %v", got)
	}
}

func TestQueue_ConcurrentPushKeepsOrder(t *testing.T) {
	q := NewQueue()
	const n = 200
	ids := make([]uint64, n)
	for i := range ids {
		ids[i] = q.NewID()
	}
	var mu sync.Mutex
	var got []uint64
	var wg sync.WaitGroup
	for i := n - 1; i >= 0; i-- {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			q.Push(id, func() {
				mu.Lock()
				got = append(got, id)
				mu.Unlock()
			})
		}(ids[i])
	}
	wg.Wait()
	if len(got) != n {
		t.Fatalf("delivered %d of %d", len(got), n)
	}
	for i := range got {
		if got[i] != ids[i] {
			t.Fatalf("position %d: got %d want %d", i, got[i], ids[i])
		}
	}
}
