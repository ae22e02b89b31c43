package aio

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitWhileHomeThread(t *testing.T) {
	ctx := newTestContext(t, "home")

	var (
		w    Wait
		done atomic.Bool
	)
	go func() {
		time.Sleep(10 * time.Millisecond)
		ctx.Schedule(func() {
			done.Store(true)
		})
	}()
	waited := w.WaitWhile(ctx, func() bool {
		// the home path makes progress by driving its own loop, never
		// through the waiter count
		assert.Zero(t, w.numWaiters.Load())
		return !done.Load()
	})
	require.True(t, waited)
	require.True(t, done.Load())
	require.Zero(t, w.queue.Len())
}

func TestWaitWhileForeign(t *testing.T) {
	newTestMain(t)
	it := newTestIOThread(t, "worker")
	wctx := it.Context()

	var (
		w    Wait
		done atomic.Bool
	)
	wctx.Acquire()
	// the callback takes the token itself, so the wait below completes only
	// if the waiter releases it while parked
	wctx.Schedule(func() {
		wctx.Acquire()
		done.Store(true)
		wctx.Release()
		w.Kick()
	})
	waited := w.WaitWhile(wctx, func() bool {
		return !done.Load()
	})
	wctx.Release()

	require.True(t, waited)
	require.True(t, done.Load())
	require.Zero(t, w.numWaiters.Load())
}

func TestWaitWhileForeignNilContext(t *testing.T) {
	newTestMain(t)
	it := newTestIOThread(t, "worker")

	var (
		w    Wait
		done atomic.Bool
	)
	it.Context().Schedule(func() {
		done.Store(true)
		w.Kick()
	})
	waited := w.WaitWhile(nil, func() bool {
		return !done.Load()
	})
	require.True(t, done.Load())
	// the callback may have finished before the first condition read
	_ = waited
}

func TestWaitWhileForeignOutsideMain(t *testing.T) {
	newTestMain(t)
	it := newTestIOThread(t, "worker")

	var w Wait
	done := make(chan struct{})
	go func() {
		defer close(done)
		// a bare goroutine owns no context, direct cross-worker waiting is
		// not allowed
		assert.Panics(t, func() {
			w.WaitWhile(it.Context(), func() bool { return true })
		})
	}()
	<-done
}

func TestWaitWhileCoroutine(t *testing.T) {
	it := newTestIOThread(t, "worker")

	const tasks = 4
	var (
		w        Wait
		flags    [tasks]atomic.Bool
		finished atomic.Int32
		blocked  atomic.Bool
	)
	for i := 0; i < tasks; i++ {
		i := i
		it.Context().Spawn(func() {
			if w.WaitWhile(nil, func() bool { return !flags[i].Load() }) {
				blocked.Store(true)
			}
			finished.Add(1)
		})
	}
	require.Eventually(t, func() bool {
		return w.numWaiters.Load() == tasks && w.queue.Len() == tasks
	}, time.Second, time.Millisecond)

	// one kick resumes every parked task; each re-checks its own predicate
	flags[0].Store(true)
	flags[2].Store(true)
	w.Kick()
	require.Eventually(t, func() bool {
		return finished.Load() == 2
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return w.numWaiters.Load() == 2 && w.queue.Len() == 2
	}, time.Second, time.Millisecond)

	flags[1].Store(true)
	flags[3].Store(true)
	w.Kick()
	require.Eventually(t, func() bool {
		return finished.Load() == tasks
	}, time.Second, time.Millisecond)

	// parked tasks never ran a blocking loop iteration of their own
	require.False(t, blocked.Load())
	require.Zero(t, w.queue.Len())
	require.Zero(t, w.numWaiters.Load())
}

func TestKickWithoutWaiters(t *testing.T) {
	var w Wait
	require.NotPanics(t, func() {
		w.Kick()
		w.Kick()
		w.Kick()
	})
}

func TestRepeatedKicksSpuriousWakeups(t *testing.T) {
	newTestMain(t)
	it := newTestIOThread(t, "worker")

	var (
		w     Wait
		done  atomic.Bool
		evals atomic.Int64
	)
	it.Context().Schedule(func() {
		// kicks before the mutation only cause re-checks, never a lost wakeup
		w.Kick()
		w.Kick()
		w.Kick()
		done.Store(true)
		w.Kick()
	})
	w.WaitWhile(nil, func() bool {
		evals.Add(1)
		return !done.Load()
	})
	require.True(t, done.Load())
	require.Greater(t, evals.Load(), int64(0))
}

func TestNestedForeignWaitPanics(t *testing.T) {
	main := newTestMain(t)
	ita := newTestIOThread(t, "worker-a")
	itb := newTestIOThread(t, "worker-b")

	var (
		w              Wait
		done           atomic.Bool
		nestedPanicked atomic.Bool
	)
	// runs on the main loop while the outer wait is parked in it
	main.Schedule(func() {
		defer func() {
			if recover() != nil {
				nestedPanicked.Store(true)
			}
			done.Store(true)
		}()
		w.WaitWhile(itb.Context(), func() bool { return true })
	})

	ita.Context().Acquire()
	waited := w.WaitWhile(ita.Context(), func() bool {
		return !done.Load()
	})
	ita.Context().Release()

	require.True(t, waited)
	require.True(t, nestedPanicked.Load())
}

func TestWaitWhileDeadline(t *testing.T) {
	ctx := newTestContext(t, "deadline")

	// nothing ever falsifies the condition; the deadline folded into it is
	// the only way out and surfaces as the caller's own error
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(5 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				ctx.Notify()
			}
		}
	}()

	var (
		w   Wait
		err error
	)
	deadline := time.Now().Add(30 * time.Millisecond)
	waited := w.WaitWhile(ctx, func() bool {
		if time.Now().After(deadline) {
			err = context.DeadlineExceeded
			return false
		}
		return true
	})
	require.True(t, waited)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKickStress(t *testing.T) {
	// subtests run on their own goroutines and need their own main context
	t.Run("one producer", func(t *testing.T) {
		newTestMain(t)
		rng := rand.New(rand.NewSource(42))
		for i := 0; i < 200; i++ {
			var (
				w    Wait
				done atomic.Bool
			)
			delay := time.Duration(rng.Int63n(100)) * time.Microsecond
			go func() {
				time.Sleep(delay)
				done.Store(true)
				w.Kick()
			}()
			w.WaitWhile(nil, func() bool { return !done.Load() })
			require.True(t, done.Load())
		}
	})

	t.Run("many producers", func(t *testing.T) {
		newTestMain(t)
		rng := rand.New(rand.NewSource(43))
		for i := 0; i < 50; i++ {
			const producers = 8
			var (
				w     Wait
				flags [producers]atomic.Bool
			)
			for p := 0; p < producers; p++ {
				p := p
				delay := time.Duration(rng.Int63n(200)) * time.Microsecond
				go func() {
					time.Sleep(delay)
					flags[p].Store(true)
					w.Kick()
				}()
			}
			w.WaitWhile(nil, func() bool {
				for p := range flags {
					if !flags[p].Load() {
						return true
					}
				}
				return false
			})
		}
	})
}

func TestRunAndWait(t *testing.T) {
	t.Run("exactly once in order", func(t *testing.T) {
		newTestMain(t)
		it := newTestIOThread(t, "worker")
		var (
			order []int
			runs  int
		)
		for i := 0; i < 10; i++ {
			i := i
			RunAndWait(it.Context(), func() {
				runs++
				order = append(order, i)
			})
		}
		require.Equal(t, 10, runs)
		require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
	})

	t.Run("runs on target thread", func(t *testing.T) {
		newTestMain(t)
		it := newTestIOThread(t, "worker")
		var home bool
		RunAndWait(it.Context(), func() {
			home = it.Context().InHomeThread()
		})
		require.True(t, home)
	})

	t.Run("error capture", func(t *testing.T) {
		newTestMain(t)
		it := newTestIOThread(t, "worker")
		var opErr error
		RunAndWait(it.Context(), func() {
			opErr = errors.New("boom")
		})
		require.Error(t, opErr)
	})

	t.Run("slow callback parks the caller", func(t *testing.T) {
		newTestMain(t)
		it := newTestIOThread(t, "worker")
		// the callback cannot finish before the first condition check, so
		// the caller has to park with the token protocol in effect
		ran := false
		RunAndWait(it.Context(), func() {
			time.Sleep(50 * time.Millisecond)
			ran = true
		})
		require.True(t, ran)
	})

	t.Run("main context target", func(t *testing.T) {
		main := newTestMain(t)
		ran := false
		RunAndWait(main, func() {
			ran = true
		})
		require.True(t, ran)
	})

	t.Run("from coroutine panics", func(t *testing.T) {
		it := newTestIOThread(t, "worker")
		res := make(chan bool, 1)
		it.Context().Spawn(func() {
			defer func() {
				res <- recover() != nil
			}()
			RunAndWait(it.Context(), func() {})
		})
		require.True(t, <-res)
	})
}
