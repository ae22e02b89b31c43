package coro

import (
	"sync"

	"github.com/gammazero/deque"
)

// Queue is a FIFO wait list of parked coroutines. The zero value is ready to
// use. Insert and wake are safe against concurrent calls from different
// threads; a coroutine can be parked on at most one queue at a time.
type Queue struct {
	mu    sync.Mutex
	tasks deque.Deque[*Coroutine]
}

// Wait parks the calling coroutine at the tail of the queue and yields. It
// returns when the coroutine has been woken and entered again by its
// scheduler. Must be called from inside a coroutine.
func (q *Queue) Wait() {
	c := Self()
	if c == nil {
		panic("coro: queue wait outside coroutine")
	}
	if !c.queued.CompareAndSwap(false, true) {
		panic("coro: coroutine already parked on a wait queue")
	}
	q.mu.Lock()
	q.tasks.PushBack(c)
	q.mu.Unlock()
	Yield()
}

// WakeAll wakes every parked coroutine in FIFO order. Each one is re-enqueued
// onto its own scheduler; none of them run on the calling thread.
func (q *Queue) WakeAll() {
	q.mu.Lock()
	woken := make([]*Coroutine, 0, q.tasks.Len())
	for q.tasks.Len() > 0 {
		woken = append(woken, q.tasks.PopFront())
	}
	q.mu.Unlock()
	for _, c := range woken {
		c.queued.Store(false)
		c.Wake()
	}
}

// Len returns the number of parked coroutines.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.Len()
}
