package aio

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/gammazero/deque"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/virtaio/aio/coro"
)

// Context is an event loop owned by at most one OS thread at a time, its home
// thread. Deferred callbacks and coroutine resumptions can be scheduled onto
// it from any thread; they run on the home thread, in FIFO order, when it
// polls. Only the home thread may drive the loop.
type Context struct {
	name string
	log  logrus.FieldLogger

	poller *poller

	// tid of the attached home thread, 0 while detached.
	tid atomic.Int64

	// big is the exclusive access token handed out by Acquire/Release. The
	// loop never takes it itself; it serializes a foreign thread against
	// callbacks that take it explicitly.
	big sync.Mutex

	mu  sync.Mutex
	bhs deque.Deque[func()]
	cos deque.Deque[*coro.Coroutine]

	// pending dedupes eventfd writes between drains.
	pending atomic.Bool
}

// New creates a detached context. l may be nil, in which case nothing is
// logged.
func New(name string, l *logrus.Logger) (*Context, error) {
	p, err := newPoller()
	if err != nil {
		return nil, fmt.Errorf("aio: failed to setup poller %w", err)
	}
	if l == nil {
		l = logrus.New()
		l.SetOutput(io.Discard)
	}
	return &Context{
		name:   name,
		log:    l.WithField("context", name),
		poller: p,
	}, nil
}

// Name returns the name the context was created with, used in logs.
func (c *Context) Name() string {
	return c.name
}

var (
	contextsMu sync.RWMutex
	contexts   = map[int]*Context{} // tid -> attached context
)

// Attach pins the calling goroutine to its OS thread and makes that thread
// the context's home thread. It panics if the context is already attached or
// the thread already drives another context.
func (c *Context) Attach() {
	runtime.LockOSThread()
	tid := unix.Gettid()
	if !c.tid.CompareAndSwap(0, int64(tid)) {
		runtime.UnlockOSThread()
		panic(fmt.Sprintf("aio: context %q is already attached", c.name))
	}
	contextsMu.Lock()
	if prev, ok := contexts[tid]; ok {
		contextsMu.Unlock()
		c.tid.Store(0)
		runtime.UnlockOSThread()
		panic(fmt.Sprintf("aio: thread %d already drives context %q", tid, prev.name))
	}
	contexts[tid] = c
	contextsMu.Unlock()
	c.log.WithField("tid", tid).Debug("context attached")
}

// Detach releases the home thread. Must be called from the home thread.
func (c *Context) Detach() {
	tid := unix.Gettid()
	if c.tid.Load() != int64(tid) {
		panic(fmt.Sprintf("aio: detach of context %q from a thread that is not home", c.name))
	}
	contextsMu.Lock()
	delete(contexts, tid)
	contextsMu.Unlock()
	c.tid.Store(0)
	runtime.UnlockOSThread()
	c.log.WithField("tid", tid).Debug("context detached")
}

// InHomeThread reports whether the caller runs on the context's home thread.
// Coroutine bodies run on their own threads and are never home.
func (c *Context) InHomeThread() bool {
	tid := c.tid.Load()
	return tid != 0 && tid == int64(unix.Gettid())
}

// Current returns the context whose home thread is the calling thread, or nil.
func Current() *Context {
	contextsMu.RLock()
	c := contexts[unix.Gettid()]
	contextsMu.RUnlock()
	return c
}

// Schedule queues fn to run on the context's home thread at a future loop
// iteration. Safe from any thread.
func (c *Context) Schedule(fn func()) {
	c.mu.Lock()
	c.bhs.PushBack(fn)
	c.mu.Unlock()
	c.Notify()
}

// ScheduleCoroutine queues co to be entered again on the home thread.
// Implements coro.Scheduler. Safe from any thread.
func (c *Context) ScheduleCoroutine(co *coro.Coroutine) {
	c.mu.Lock()
	c.cos.PushBack(co)
	c.mu.Unlock()
	c.Notify()
}

// Spawn creates a coroutine owned by this context and schedules its first
// run. The coroutine shares the context's execution stream with callbacks:
// at most one of them runs at a time.
func (c *Context) Spawn(fn func()) *coro.Coroutine {
	co := coro.New(c, fn)
	c.ScheduleCoroutine(co)
	return co
}

// Notify forces the current (or next) blocking Poll to return promptly.
// Idempotent, safe from any thread.
func (c *Context) Notify() {
	metricNotifies.Inc(1)
	if !c.pending.CompareAndSwap(false, true) {
		return
	}
	c.poller.notify()
}

// Poll runs one iteration of the loop: it dispatches queued callbacks and
// coroutine resumptions, blocking in the poller when block is set and nothing
// was ready. It reports whether any work ran. Only the home thread may call
// it.
func (c *Context) Poll(block bool) bool {
	if !c.InHomeThread() {
		panic(fmt.Sprintf("aio: poll of context %q from a thread that is not home", c.name))
	}
	progress := c.dispatch()
	timeout := 0
	if block && !progress {
		timeout = -1
	}
	fired, err := c.poller.wait(timeout)
	if err != nil {
		panic(fmt.Sprintf("aio: poll %s: %v", c.name, err))
	}
	if fired {
		// clear before dispatch so a producer enqueueing from here on
		// writes the eventfd again
		c.pending.Store(false)
	}
	if c.dispatch() {
		progress = true
	}
	return progress
}

func (c *Context) dispatch() bool {
	progress := false
	for {
		var (
			fn func()
			co *coro.Coroutine
		)
		c.mu.Lock()
		switch {
		case c.bhs.Len() > 0:
			fn = c.bhs.PopFront()
		case c.cos.Len() > 0:
			co = c.cos.PopFront()
		default:
			c.mu.Unlock()
			return progress
		}
		c.mu.Unlock()
		if fn != nil {
			metricCallbacks.Inc(1)
			fn()
		} else {
			metricResumes.Inc(1)
			co.Enter()
		}
		progress = true
	}
}

// Acquire takes the context's exclusive access token. The loop never holds it
// implicitly; callbacks that touch state shared with a foreign thread take it
// explicitly. A thread may hold it at most once.
func (c *Context) Acquire() {
	c.big.Lock()
}

// Release drops the token.
func (c *Context) Release() {
	c.big.Unlock()
}

// Close releases the poller. The context must be detached.
func (c *Context) Close() error {
	if c.tid.Load() != 0 {
		return errors.New("aio: close of an attached context")
	}
	c.log.Debug("context closed")
	return c.poller.close()
}
