package coro

import (
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Scheduler re-enqueues a coroutine onto the execution context that owns it.
// Implementations must be safe to call from any thread.
type Scheduler interface {
	ScheduleCoroutine(*Coroutine)
}

// SchedulerFunc adapts a function to the Scheduler interface.
type SchedulerFunc func(*Coroutine)

// ScheduleCoroutine calls f.
func (f SchedulerFunc) ScheduleCoroutine(c *Coroutine) { f(c) }

var (
	regMu   sync.RWMutex
	running = map[int]*Coroutine{} // tid -> coroutine pinned to that thread
)

func register(tid int, c *Coroutine) {
	regMu.Lock()
	running[tid] = c
	regMu.Unlock()
}

func unregister(tid int) {
	regMu.Lock()
	delete(running, tid)
	regMu.Unlock()
}

// In reports whether the caller is running inside a coroutine.
func In() bool {
	return Self() != nil
}

// Self returns the coroutine the caller is running in, or nil if the caller
// is not a coroutine.
func Self() *Coroutine {
	tid := unix.Gettid()
	regMu.RLock()
	c := running[tid]
	regMu.RUnlock()
	return c
}

// Coroutine is a cooperative task. Its body runs on a goroutine pinned to its
// own OS thread; control moves between the task and whoever entered it through
// an explicit handoff, so at most one side runs at any instant. A coroutine is
// never preempted, it gives up control only at Yield (or a Queue.Wait built on
// it) and terminates when its entry function returns.
type Coroutine struct {
	sched Scheduler
	entry func()

	resume chan struct{}
	yield  chan struct{}

	started bool
	done    atomic.Bool

	// queued guards against parking on two wait queues at once.
	queued atomic.Bool
}

// New creates a coroutine in the suspended state. sched is the execution
// context resumptions are re-enqueued onto; it may be nil only for coroutines
// that are never parked on a Queue.
func New(sched Scheduler, entry func()) *Coroutine {
	return &Coroutine{
		sched:  sched,
		entry:  entry,
		resume: make(chan struct{}),
		yield:  make(chan struct{}),
	}
}

// Enter transfers control into the coroutine. It returns when the coroutine
// yields or terminates. Entering a terminated coroutine panics.
func (c *Coroutine) Enter() {
	if c.done.Load() {
		panic("coro: enter on terminated coroutine")
	}
	if !c.started {
		c.started = true
		go c.run()
	}
	c.resume <- struct{}{}
	<-c.yield
}

func (c *Coroutine) run() {
	// The goroutine keeps its OS thread for its whole life, parked included,
	// so the tid identifies exactly this coroutine in the registry. The
	// thread is destroyed when the goroutine exits still locked.
	runtime.LockOSThread()
	tid := unix.Gettid()
	register(tid, c)
	<-c.resume
	c.entry()
	c.done.Store(true)
	unregister(tid)
	c.yield <- struct{}{}
}

// Yield suspends the calling coroutine and returns control to its enterer.
// It returns when the coroutine is entered again. Must be called from inside
// a coroutine.
func Yield() {
	c := Self()
	if c == nil {
		panic("coro: yield outside coroutine")
	}
	c.yield <- struct{}{}
	<-c.resume
}

// Done reports whether the coroutine has terminated.
func (c *Coroutine) Done() bool {
	return c.done.Load()
}

// Wake re-enqueues the coroutine onto its owning scheduler so it is entered
// again on the scheduler's own execution stream. Safe from any thread.
func (c *Coroutine) Wake() {
	if c.sched == nil {
		panic("coro: wake without a scheduler")
	}
	c.sched.ScheduleCoroutine(c)
}
