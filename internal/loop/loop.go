// Package loop provides the single-threaded cooperative event loop the sync
// engine runs on. Every state mutation is a closure executed on the loop
// goroutine; timers and network continuations are posted back onto it, so
// no mutation ever spans two turns and no component needs a lock.
package loop

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStopped is returned by Call once the loop has exited.
var ErrStopped = errors.New("event loop stopped")

// Timer is a cancellable pending callback.
type Timer interface {
	Stop() bool
}

// Scheduler is a source of time and timers.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock sets the clock timers are scheduled on. Defaults to wall time.
func WithClock(c Scheduler) Option {
	return func(l *Loop) { l.clock = c }
}

// WithInlineAsync makes Go run work synchronously. Tests use it so that a
// fake collaborator's continuation is queued before the caller's next Call.
func WithInlineAsync() Option {
	return func(l *Loop) { l.async = func(fn func()) { fn() } }
}

// Loop is an unbounded FIFO of closures drained by one goroutine.
type Loop struct {
	clock Scheduler
	async func(func())

	mu    sync.Mutex
	queue []func()

	wake    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// New creates a loop. Call Run to start draining it.
func New(opts ...Option) *Loop {
	l := &Loop{
		clock:   Wall(),
		async:   func(fn func()) { go fn() },
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Post queues fn to run on the loop. Safe from any goroutine, including the
// loop itself. Never blocks.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Go runs blocking work off the loop. The work must Post its continuation.
func (l *Loop) Go(fn func()) {
	l.async(fn)
}

// Call posts fn and waits for it to finish. It must not be called from the
// loop goroutine.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-l.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the queue until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	defer l.once.Do(func() { close(l.stopped) })
	for {
		l.drain()
		select {
		case <-l.wake:
		case <-ctx.Done():
			return
		}
	}
}

func (l *Loop) drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()
		fn()
	}
}

// Now returns the loop clock's current time.
func (l *Loop) Now() time.Time {
	return l.clock.Now()
}

// AfterFunc schedules fn to run on the loop after d. A timer that has
// already fired may still have its callback queued when Stop returns false,
// so callbacks must check that they are still current.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	return l.clock.AfterFunc(d, func() { l.Post(fn) })
}
