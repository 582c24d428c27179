package workers

import (
	"runtime"
	"sync/atomic"
)

// freeList is a bounded lock-free MPMC ring (Vyukov) holding idle workers.
// The I/O goroutine pops, finishing workers push themselves back.
type freeList[T any] struct {
	_    [64]byte
	head atomic.Uint64 // next slot to push
	_    [56]byte
	tail atomic.Uint64 // next slot to pop
	_    [56]byte
	mask uint64
	slot []freeSlot[T]
}

type freeSlot[T any] struct {
	seq atomic.Uint64
	val T
}

func newFreeList[T any](capacity int) *freeList[T] {
	size := uint64(2)
	for size < uint64(capacity) {
		size <<= 1
	}
	l := &freeList[T]{mask: size - 1, slot: make([]freeSlot[T], size)}
	for i := range l.slot {
		l.slot[i].seq.Store(uint64(i))
	}
	return l
}

// push returns false when the ring is full.
func (l *freeList[T]) push(v T) bool {
	for {
		pos := l.head.Load()
		s := &l.slot[pos&l.mask]
		switch dif := int64(s.seq.Load()) - int64(pos); {
		case dif == 0:
			if l.head.CompareAndSwap(pos, pos+1) {
				s.val = v
				s.seq.Store(pos + 1)
				return true
			}
		case dif < 0:
			return false
		default:
			runtime.Gosched()
		}
	}
}

// pop never blocks; it returns false when no value is available.
func (l *freeList[T]) pop() (T, bool) {
	var zero T
	for {
		pos := l.tail.Load()
		s := &l.slot[pos&l.mask]
		switch dif := int64(s.seq.Load()) - int64(pos+1); {
		case dif == 0:
			if l.tail.CompareAndSwap(pos, pos+1) {
				v := s.val
				s.val = zero
				s.seq.Store(pos + l.mask + 1)
				return v, true
			}
		case dif < 0:
			return zero, false
		default:
			runtime.Gosched()
		}
	}
}
