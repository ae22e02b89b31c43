package aio

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// IOThread drives a Context on a dedicated OS thread until stopped. It is the
// worker-side counterpart of the main loop: operations running here are what
// the main thread waits on with Wait.WaitWhile and RunAndWait.
type IOThread struct {
	ctx     *Context
	stopped atomic.Bool
	wg      sync.WaitGroup
}

// NewIOThread creates a context named name and starts a thread that polls it.
// l may be nil.
func NewIOThread(name string, l *logrus.Logger) (*IOThread, error) {
	ctx, err := New(name, l)
	if err != nil {
		return nil, err
	}
	t := &IOThread{ctx: ctx}
	t.wg.Add(1)
	go t.run()
	return t, nil
}

func (t *IOThread) run() {
	defer t.wg.Done()
	t.ctx.Attach()
	for !t.stopped.Load() {
		t.ctx.Poll(true)
	}
	t.ctx.Detach()
}

// Context returns the loop owned by the worker thread.
func (t *IOThread) Context() *Context {
	return t.ctx
}

// Stop ends the loop after the work already queued on it, joins the thread
// and closes the context. Call it once.
func (t *IOThread) Stop() error {
	t.ctx.Schedule(func() {
		t.stopped.Store(true)
	})
	t.wg.Wait()
	return t.ctx.Close()
}
