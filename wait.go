package aio

import (
	"fmt"
	"sync/atomic"

	"github.com/virtaio/aio/coro"
)

// Wait coordinates synchronous waiting on state mutated by another thread's
// event loop or by a coroutine. The zero value is ready to use; a Wait may be
// shared by any number of callers.
//
// A caller blocks in WaitWhile until its condition turns false. Whoever
// mutates the state the condition reads must call Kick afterwards:
//
//	var w aio.Wait
//	work := struct{ done atomic.Bool }{}
//	ctx.Schedule(func() {
//		...
//		work.done.Store(true)
//		w.Kick()
//	})
//	w.WaitWhile(ctx, func() bool { return !work.done.Load() })
//
// The Kick must come after the mutation is observable. A coroutine registers
// on the wait list only between its condition checks, so a kick racing that
// registration is only picked up by the next kick; a producer that mutates
// first and kicks second never strands a waiter.
type Wait struct {
	// numWaiters counts callers inside WaitWhile paths that depend on Kick
	// for progress. A waiter registers before its first condition read, so
	// the count may transiently over-count but never under-counts a waiter
	// that has started evaluating; that makes it safe for Kick to use as a
	// fast-path filter.
	numWaiters atomic.Int64

	queue coro.Queue

	// foreign is the context the main thread currently foreign-waits on.
	// Only the main thread reads or writes it (asserted on entry); it exists
	// to catch a nested wait against a different context, which risks
	// deadlock.
	foreign *Context
}

// WaitWhile blocks the caller while cond returns true. Use it to give an
// asynchronous, callback-driven operation a synchronous call interface.
//
// ctx is the context the awaited operation runs in, or nil if several
// contexts are involved. cond is re-evaluated after every wakeup and must
// tolerate that; Kick is what triggers re-evaluation, so every mutation of
// the state cond reads must be followed by a Kick. A caller that wants a
// deadline folds it into cond and records the expiry as its own error.
//
// Called from a coroutine, the task parks on the wait list and its carrier
// keeps running other work. Called on ctx's home thread, the caller drives
// ctx directly. Any other caller must be the main loop thread and, when ctx
// is not nil, must hold ctx's access token exactly once: the token is
// released around each blocking iteration of the main loop so the home
// thread can make progress, and reacquired before the condition is checked
// again. Pass a nil ctx to wait without the token. Waiting from one worker's
// thread on another worker's context is not allowed, route such waits
// through the main loop.
//
// Reports whether the caller had to run blocking loop iterations itself.
func (w *Wait) WaitWhile(ctx *Context, cond func() bool) bool {
	if coro.In() {
		for cond() {
			w.numWaiters.Add(1)
			w.queue.Wait()
			w.numWaiters.Add(-1)
		}
		return false
	}
	waited := false
	if ctx != nil && ctx.InHomeThread() {
		for cond() {
			ctx.Poll(true)
			waited = true
		}
		return waited
	}
	main := Main()
	if main == nil || Current() != main {
		panic("aio: foreign WaitWhile outside the main loop thread")
	}
	if w.foreign != nil && ctx != nil && w.foreign != ctx {
		panic(fmt.Sprintf("aio: nested foreign wait on %q while waiting on %q",
			ctx.name, w.foreign.name))
	}
	prev := w.foreign
	if ctx != nil {
		w.foreign = ctx
	}
	// Register before the first condition read. A producer that mutates and
	// then kicks either sees the count and notifies, or its mutation is
	// already visible to our read; either way the wakeup is not lost.
	w.numWaiters.Add(1)
	for cond() {
		if ctx != nil {
			ctx.Release()
		}
		main.Poll(true)
		if ctx != nil {
			ctx.Acquire()
		}
		waited = true
	}
	w.numWaiters.Add(-1)
	w.foreign = prev
	return waited
}

// Kick wakes every current WaitWhile caller so it re-checks its condition.
// Idempotent, safe from any thread, any number of times, and cheap when
// nobody waits. The caller must sequence its state mutation before the Kick.
func (w *Wait) Kick() {
	metricKicks.Inc(1)
	if w.numWaiters.Load() == 0 {
		// Nobody registered yet. A waiter registering after this load has
		// not read the condition yet and will observe the new state.
		return
	}
	w.queue.WakeAll()
	if main := Main(); main != nil {
		main.Notify()
	}
}

// oneshotWait serializes RunAndWait callers with their scheduled callbacks.
var oneshotWait Wait

// RunAndWait schedules fn onto ctx and blocks until it has run. Must be
// called from the main loop thread, not from a coroutine, and without
// holding ctx's access token: the token is taken for the duration of the
// wait. Main loop event processing may occur while blocked.
//
// fn runs exactly once, on ctx's home thread, before RunAndWait returns, so
// it may safely touch state private to that context. An error fn produces
// must be captured by the closure and inspected after return.
func RunAndWait(ctx *Context, fn func()) {
	if coro.In() {
		panic("aio: RunAndWait from a coroutine")
	}
	if main := Main(); main == nil || Current() != main {
		panic("aio: RunAndWait outside the main loop thread")
	}
	var done atomic.Bool
	ctx.Schedule(func() {
		fn()
		done.Store(true)
		oneshotWait.Kick()
	})
	// the foreign path of WaitWhile expects the token held exactly once
	ctx.Acquire()
	oneshotWait.WaitWhile(ctx, func() bool { return !done.Load() })
	ctx.Release()
}
