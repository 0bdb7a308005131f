// Package loop implements component B: a single-threaded cooperative event
// loop binding task scheduling and timers together, driven either by its
// own goroutine (Run) or manually tick-by-tick by a caller such as the
// embedded test channel. It has no file-descriptor readiness support.
//
// The design generalizes the teacher package's eventloop.Loop
// (eventloop/loop.go, state.go, options.go, errors.go): the chunked
// fast-path/slow-path ingress split, the full kqueue/epoll poller and the
// promise/microtask machinery are dropped as out of scope for this spec, but
// the core shape survives — an atomically CAS'd FastState, an external
// queue guarded by a mutex plus an internal queue only ever touched by the
// loop thread, a timer min-heap, and a goroutine-id based thread-affinity
// assertion.
package loop

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-mqttpipe/mqtterr"
	"github.com/joeycumines/go-mqttpipe/xlog"
)

// Loop is a single-threaded task and timer scheduler. All exported methods
// are safe to call from any goroutine; Submit/Schedule/Cancel coordinate
// with the loop thread via a mutex-guarded external queue, while RunTasks
// and RunScheduledTasks must only ever be called from the loop thread
// itself (the goroutine running Run, or — in manual-drive mode — whichever
// single goroutine owns the Loop by convention).
type Loop struct {
	opts  *options
	state *fastState

	externalMu sync.Mutex
	external   taskQueue

	internal taskQueue // loop-thread only, no lock

	timerMu    sync.Mutex
	timers     timerHeap
	timerIndex map[TimerID]*timerEntry
	nextTimer  TimerID

	loopGoroutineID atomic.Int64 // 0 == unbound; set once by Run

	wake          chan struct{} // buffered 1, used to break Run's sleep
	done          chan struct{}
	closeDoneOnce sync.Once

	logger *xlog.Logger
}

// New constructs a Loop in StateAwake, not yet running.
func New(opts ...Option) (*Loop, error) {
	o, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Loop{
		opts:       o,
		state:      newFastState(StateAwake),
		timerIndex: make(map[TimerID]*timerEntry),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		logger:     xlog.Or(o.logger),
	}, nil
}

// State returns the loop's current lifecycle state.
func (l *Loop) State() State {
	return l.state.Load()
}

// Submit enqueues fn to run on the loop thread at the next opportunity. Safe
// to call from any goroutine, including the loop thread itself (though
// SubmitInternal is cheaper there). Returns mqtterr.RejectedTask if the loop
// is terminating or terminated.
func (l *Loop) Submit(fn func()) error {
	if !l.state.CanAcceptWork() {
		return &mqtterr.RejectedTask{Reason: mqtterr.ErrLoopTerminated}
	}
	l.externalMu.Lock()
	l.external.push(fn)
	l.externalMu.Unlock()
	l.Wake()
	return nil
}

// SubmitInternal enqueues fn without taking the external-queue lock. It must
// only be called from the loop thread (e.g. from within a task or handler
// callback already running on the loop); calling it from any other
// goroutine is a race.
func (l *Loop) SubmitInternal(fn func()) error {
	l.assertOnLoop()
	if !l.state.CanAcceptWork() {
		return &mqtterr.RejectedTask{Reason: mqtterr.ErrLoopTerminated}
	}
	l.internal.push(fn)
	return nil
}

// Wake unblocks a Run goroutine that is parked waiting for the next timer
// deadline or external submission. It's a no-op if nothing is sleeping.
func (l *Loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Schedule arranges for fn to run on the loop thread no earlier than delay
// from now. Returns mqtterr.RejectedTask if the loop can no longer accept
// work.
func (l *Loop) Schedule(delay time.Duration, fn func()) (*Timer, error) {
	if !l.state.CanAcceptWork() {
		return nil, &mqtterr.RejectedTask{Reason: mqtterr.ErrLoopTerminated}
	}
	l.timerMu.Lock()
	l.nextTimer++
	id := l.nextTimer
	e := &timerEntry{id: id, deadline: time.Now().Add(delay), fn: fn}
	l.timerIndex[id] = e
	heap.Push(&l.timers, e)
	l.timerMu.Unlock()
	l.Wake()
	return &Timer{id: id, loop: l}, nil
}

// CancelScheduledTasks cancels the timer identified by id; cancel-before-fire
// prevents the task from ever running, cancel-after-fire is a no-op.
func (l *Loop) CancelScheduledTasks(id TimerID) bool {
	return l.cancelTimer(id)
}

// NextDeadline reports the deadline of the earliest still-pending timer, if
// any. Canceled timers still at the top of the heap are popped lazily here.
func (l *Loop) NextDeadline() (time.Time, bool) {
	l.timerMu.Lock()
	defer l.timerMu.Unlock()
	l.dropCanceledLocked()
	if len(l.timers) == 0 {
		return time.Time{}, false
	}
	return l.timers[0].deadline, true
}

func (l *Loop) dropCanceledLocked() {
	for len(l.timers) > 0 && l.timers[0].canceled {
		heap.Pop(&l.timers)
	}
}

// RunTasks drains and runs every task currently queued (both external and
// internal), including tasks newly submitted by tasks it runs in this same
// call, until the queues are empty. It returns the number of tasks run.
// Must be called only from the loop thread.
func (l *Loop) RunTasks() int {
	l.assertOnLoop()
	count := 0
	for {
		l.externalMu.Lock()
		ext := l.external.drain()
		l.externalMu.Unlock()
		inr := l.internal.drain()

		if len(ext) == 0 && len(inr) == 0 {
			return count
		}
		for _, fn := range ext {
			l.safeRun(fn)
			count++
		}
		for _, fn := range inr {
			l.safeRun(fn)
			count++
		}
	}
}

// RunScheduledTasks runs every timer whose deadline is <= now, and reports
// the deadline of the next still-pending timer (if any) so the caller knows
// how long it may sleep before the next call is needed. Must be called only
// from the loop thread.
func (l *Loop) RunScheduledTasks(now time.Time) (next time.Time, ok bool) {
	l.assertOnLoop()
	for {
		l.timerMu.Lock()
		l.dropCanceledLocked()
		if len(l.timers) == 0 || l.timers[0].deadline.After(now) {
			if len(l.timers) == 0 {
				l.timerMu.Unlock()
				return time.Time{}, false
			}
			next = l.timers[0].deadline
			l.timerMu.Unlock()
			return next, true
		}
		e := heap.Pop(&l.timers).(*timerEntry)
		delete(l.timerIndex, e.id)
		l.timerMu.Unlock()

		l.safeRun(e.fn)
	}
}

func (l *Loop) safeRun(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if l.logger != nil {
				l.logger.Warning().Str("panic", fmt.Sprint(r)).Log("task panicked")
			}
		}
	}()
	fn()
}

// Run drives the loop on the calling goroutine until ctx is canceled or
// Shutdown completes. It binds the loop thread for assertOnLoop, alternating
// RunTasks/RunScheduledTasks with a park until the next deadline or wakeup.
func (l *Loop) Run(ctx context.Context) error {
	if l.loopGoroutineID.Load() != 0 {
		return mqtterr.ErrReentrantRun
	}
	if !l.state.TryTransition(StateAwake, StateRunning) {
		return mqtterr.ErrLoopAlreadyRunning
	}
	l.loopGoroutineID.Store(getGoroutineID())
	defer l.closeDoneOnce.Do(func() { close(l.done) })

	for {
		if l.opts.overloadThreshold > 0 && l.opts.onOverload != nil {
			l.externalMu.Lock()
			pending := l.external.len()
			l.externalMu.Unlock()
			if pending > l.opts.overloadThreshold {
				l.opts.onOverload(pending)
			}
		}
		l.RunTasks()
		next, hasNext := l.RunScheduledTasks(time.Now())
		l.RunTasks()

		if l.state.Load() == StateTerminating && l.external.len() == 0 && l.internal.len() == 0 && !hasNext {
			l.state.Store(StateTerminated)
			return nil
		}

		var timer *time.Timer
		var timerCh <-chan time.Time
		if hasNext {
			d := time.Until(next)
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
			timerCh = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			l.state.Store(StateTerminated)
			return ctx.Err()
		case <-l.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-timerCh:
		}
	}
}

// Shutdown requests a graceful stop: the loop finishes any already-queued
// tasks and due timers, then terminates. It blocks until Run returns or ctx
// is canceled first.
func (l *Loop) Shutdown(ctx context.Context) error {
	if l.state.TryTransition(StateAwake, StateTerminating) {
		// Run was never started (and can no longer start): there's no loop
		// goroutine to drain the queues and close done, so do both here.
		l.RunTasks()
		l.RunScheduledTasks(time.Now())
		l.RunTasks()
		l.state.Store(StateTerminated)
		l.closeDoneOnce.Do(func() { close(l.done) })
		return nil
	}
	if !l.state.TransitionAny([]State{StateRunning, StateSleeping}, StateTerminating) {
		if l.state.Load() == StateTerminated {
			return nil
		}
	}
	l.Wake()
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// assertOnLoop panics if called from a goroutine other than the one
// running Run. In manual-drive mode (Run never called), this is a no-op:
// the caller is trusted to serialize access itself, exactly as the embedded
// test channel does.
// OnLoopThread reports whether the calling goroutine is the one running
// Run, or true unconditionally in manual-drive mode (Run never called) —
// callers use this to decide whether to trampoline via Submit.
func (l *Loop) OnLoopThread() bool {
	bound := l.loopGoroutineID.Load()
	return bound == 0 || getGoroutineID() == bound
}

func (l *Loop) assertOnLoop() {
	bound := l.loopGoroutineID.Load()
	if bound == 0 {
		return
	}
	if getGoroutineID() != bound {
		panic("mqttpipe/loop: called from outside the loop goroutine")
	}
}
