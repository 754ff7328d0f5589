// Package hostloop provides the event loop a debugged program can run, for
// example to dispatch timers or work posted from other goroutines.
//
// The loop is re-entrant: Run may be called from inside a callback running
// on an outer Run, and Quit ends the innermost one. Hooks fire around every
// Run so the debug scheduler can keep serving its transport while the
// program sits in the loop.
package hostloop

import (
	"context"
	"sync"
	"time"

	"github.com/dshills/stormdbg/internal/transport"
)

// Hooks are called before a Run starts and after it returns.
type Hooks struct {
	PreRun  func()
	PostRun func()
}

// Loop is a re-entrant, single-goroutine event loop. Post and PostAfter may
// be called from any goroutine; everything else belongs to the goroutine
// that calls Run.
type Loop struct {
	hooks Hooks

	mu    sync.Mutex
	queue []func()
	wake  chan struct{}

	depth    int
	quitting bool

	watchCh <-chan transport.Chunk
	watchFn func(transport.Chunk)
	watchID int
}

// New creates a loop with the given hooks.
func New(hooks Hooks) *Loop {
	return &Loop{
		hooks: hooks,
		wake:  make(chan struct{}, 1),
	}
}

// Post queues fn to run on the loop.
func (l *Loop) Post(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// PostAfter queues fn to run on the loop once d has elapsed. The returned
// function cancels a callback that has not been queued yet.
func (l *Loop) PostAfter(d time.Duration, fn func()) (cancel func()) {
	t := time.AfterFunc(d, func() { l.Post(fn) })
	return func() { t.Stop() }
}

// Pending returns the number of queued callbacks.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Depth returns how many Run calls are active.
func (l *Loop) Depth() int {
	return l.depth
}

// Run dispatches events until Quit is called or ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	if l.hooks.PreRun != nil {
		l.hooks.PreRun()
	}
	l.depth++
	defer func() {
		l.depth--
		if l.hooks.PostRun != nil {
			l.hooks.PostRun()
		}
	}()

	for {
		if l.quitting {
			l.quitting = false
			return nil
		}
		if err := l.ProcessOneEvent(ctx); err != nil {
			return err
		}
	}
}

// Quit makes the innermost Run return after the current event.
func (l *Loop) Quit() {
	if l.depth > 0 {
		l.quitting = true
	}
}

// ProcessOneEvent runs one queued callback, or waits for a callback, a
// watched chunk or cancellation and handles it.
func (l *Loop) ProcessOneEvent(ctx context.Context) error {
	if fn := l.pop(); fn != nil {
		fn()
		return nil
	}

	select {
	case <-l.wake:
		if fn := l.pop(); fn != nil {
			fn()
		}
	case c, ok := <-l.watchCh:
		fn := l.watchFn
		if !ok {
			l.watchCh = nil
			c = transport.Chunk{Err: transport.ErrClosed}
		}
		if fn != nil {
			fn(c)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Watch delivers chunks received on ch to fn while the loop processes
// events. Only one watch is active; a new one replaces the old. A closed
// channel is delivered once as a chunk carrying transport.ErrClosed.
func (l *Loop) Watch(ch <-chan transport.Chunk, fn func(transport.Chunk)) (cancel func()) {
	l.watchID++
	id := l.watchID
	l.watchCh = ch
	l.watchFn = fn
	return func() {
		if l.watchID == id {
			l.watchCh = nil
			l.watchFn = nil
		}
	}
}

func (l *Loop) pop() func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn
}
