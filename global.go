package aio

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// The main context is the process-wide loop that foreign-thread waits are
// routed through. Two worker threads must never wait on each other's contexts
// directly, that can deadlock; the main loop is the neutral ground.

var mainCtx atomic.Pointer[Context]

// Main returns the process-wide main context, or nil if none was published.
func Main() *Context {
	return mainCtx.Load()
}

// SetMain publishes ctx as the main context and returns the previous one.
func SetMain(ctx *Context) *Context {
	return mainCtx.Swap(ctx)
}

// InitMain creates the main context, attaches it to the calling goroutine's
// thread and publishes it. Call it once, from the thread that will drive the
// main loop. l may be nil.
func InitMain(l *logrus.Logger) (*Context, error) {
	ctx, err := New("main", l)
	if err != nil {
		return nil, err
	}
	ctx.Attach()
	if !mainCtx.CompareAndSwap(nil, ctx) {
		ctx.Detach()
		_ = ctx.Close()
		panic("aio: main context initialized twice")
	}
	return ctx, nil
}
