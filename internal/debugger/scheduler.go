package debugger

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/stormdbg/internal/logging"
	"github.com/dshills/stormdbg/internal/transport"
)

// LineHandler processes one complete input line.
type LineHandler func(ctx context.Context, line string)

// EventHost is a host event loop the scheduler defers to while the program
// runs one.
type EventHost interface {
	// ProcessOneEvent waits for and dispatches a single event.
	ProcessOneEvent(ctx context.Context) error

	// Post queues fn to run on the host's loop.
	Post(fn func())

	// Watch delivers chunks from ch to fn from inside the host's loop until
	// the returned cancel function is called. A closed channel is reported
	// as a chunk carrying transport.ErrClosed.
	Watch(ch <-chan transport.Chunk, fn func(transport.Chunk)) (cancel func())
}

// Scheduler multiplexes transport readiness and input dispatch on a single
// goroutine. Suspension points call RunUntilReleased, which keeps serving
// the transport until a handler calls Release.
type Scheduler struct {
	conn    transport.Conn
	framer  *transport.Framer
	handler LineHandler
	host    EventHost
	log     *logging.Logger

	ctx      context.Context
	depth    int
	unwatch  func()
	onClose  []func()
	waiting  int // active RunUntilReleased calls
	released bool
	closed   bool
	reason   error
}

// NewScheduler creates a scheduler over conn.
func NewScheduler(conn transport.Conn, log *logging.Logger) *Scheduler {
	if log == nil {
		log = logging.Null()
	}
	return &Scheduler{
		conn:   conn,
		framer: transport.NewFramer(),
		log:    log,
		ctx:    context.Background(),
	}
}

// SetHandler installs the line handler.
func (s *Scheduler) SetHandler(h LineHandler) {
	s.handler = h
}

// SetHost installs the host event loop consulted while the program runs
// one.
func (s *Scheduler) SetHost(h EventHost) {
	s.host = h
}

// Depth returns the host event loop nesting depth.
func (s *Scheduler) Depth() int {
	return s.depth
}

// PreEventLoop is called by the host before it enters an event loop. On the
// outermost entry a watch on the transport is installed so input keeps
// being processed while the host loop runs. Input already buffered is
// handed to the loop as its first event.
func (s *Scheduler) PreEventLoop() {
	if s.depth == 0 && s.host != nil && !s.closed {
		s.unwatch = s.host.Watch(s.conn.Incoming(), s.onChunk)
		if err := s.flush(); err != nil {
			s.Shutdown(err)
		}
		if s.framer.Partial() > 0 {
			s.host.Post(func() { s.onChunk(transport.Chunk{}) })
		}
	}
	s.depth++
}

// PostEventLoop is called by the host after an event loop returns.
func (s *Scheduler) PostEventLoop() {
	if s.depth > 0 {
		s.depth--
	}
	if s.depth == 0 && s.unwatch != nil {
		s.unwatch()
		s.unwatch = nil
	}
}

// ResetDepth forgets any host event loop nesting, as at the start of a run.
func (s *Scheduler) ResetDepth() {
	s.depth = 0
	if s.unwatch != nil {
		s.unwatch()
		s.unwatch = nil
	}
}

// OnShutdown registers fn to run once when the session ends.
func (s *Scheduler) OnShutdown(fn func()) {
	s.onClose = append(s.onClose, fn)
}

// Release ends the innermost RunUntilReleased after the current handler
// returns. It does nothing when no suspension is active.
func (s *Scheduler) Release() {
	if s.waiting > 0 {
		s.released = true
	}
}

// Shutdown ends the session. The first reason given is kept.
func (s *Scheduler) Shutdown(reason error) {
	if s.closed {
		return
	}
	s.closed = true
	s.reason = reason
	s.released = true
	if reason != nil {
		s.log.Debug("session shutdown: %v", reason)
	}
	for _, fn := range s.onClose {
		fn()
	}
}

// Closed reports whether the session has ended.
func (s *Scheduler) Closed() bool {
	return s.closed
}

// Reason returns why the session ended.
func (s *Scheduler) Reason() error {
	return s.reason
}

// Write queues output and flushes what the transport takes.
func (s *Scheduler) Write(p []byte) error {
	if s.closed && s.reason != nil {
		return ErrSessionClosed
	}
	s.framer.Enqueue(p)
	if err := s.flush(); err != nil {
		s.Shutdown(err)
		return err
	}
	return nil
}

// Pending returns the number of output bytes not yet taken by the
// transport.
func (s *Scheduler) Pending() int {
	return s.framer.Pending()
}

func (s *Scheduler) flush() error {
	if err := s.framer.Flush(s.conn); err != nil {
		return fmt.Errorf("write to controller: %w", err)
	}
	return nil
}

// RunOneIteration performs one scheduling step: a buffered line is handled
// if there is one, otherwise the scheduler waits for transport readiness or
// defers to the host event loop.
func (s *Scheduler) RunOneIteration(ctx context.Context) error {
	if s.closed {
		return ErrSessionClosed
	}

	if line, ok := s.framer.Next(); ok {
		s.dispatch(ctx, line)
		return s.status()
	}

	if err := s.flush(); err != nil {
		s.Shutdown(err)
		return ErrSessionClosed
	}

	if s.depth > 0 && s.host != nil {
		if err := s.host.ProcessOneEvent(ctx); err != nil {
			return err
		}
		return s.status()
	}

	var writable <-chan struct{}
	if s.framer.Pending() > 0 {
		writable = s.conn.Writable()
	}

	select {
	case c, ok := <-s.conn.Incoming():
		if !ok {
			c = transport.Chunk{Err: transport.ErrClosed}
		}
		s.onChunkCtx(ctx, c)
	case <-writable:
		if err := s.flush(); err != nil {
			s.Shutdown(err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.status()
}

// RunUntilReleased runs iterations until a handler calls Release. It
// returns ErrSessionClosed when the session ends first.
func (s *Scheduler) RunUntilReleased(ctx context.Context) error {
	prev := s.ctx
	s.ctx = ctx
	s.waiting++
	defer func() {
		s.ctx = prev
		s.waiting--
	}()

	s.released = false
	for !s.released {
		if err := s.RunOneIteration(ctx); err != nil {
			return err
		}
	}
	s.released = false
	return s.status()
}

// Serve runs the top-level loop until the session ends. Releases at this
// level are ignored. It returns the shutdown reason.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.ctx = ctx
	for {
		err := s.RunOneIteration(ctx)
		s.released = false
		if errors.Is(err, ErrSessionClosed) {
			return s.reason
		}
		if err != nil {
			return err
		}
	}
}

// Drain waits until queued output has been handed to the transport.
func (s *Scheduler) Drain(ctx context.Context) error {
	for s.framer.Pending() > 0 {
		if err := s.framer.Flush(s.conn); err != nil {
			return err
		}
		if s.framer.Pending() == 0 {
			break
		}
		select {
		case <-s.conn.Writable():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Scheduler) status() error {
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

func (s *Scheduler) onChunk(c transport.Chunk) {
	s.onChunkCtx(s.ctx, c)
}

// onChunkCtx feeds a chunk and handles complete lines until one of them
// releases the current suspension.
func (s *Scheduler) onChunkCtx(ctx context.Context, c transport.Chunk) {
	if c.Err != nil {
		s.Shutdown(c.Err)
		return
	}
	s.framer.Feed(c.Data)

	for !s.released && !s.closed {
		line, ok := s.framer.Next()
		if !ok {
			return
		}
		s.dispatch(ctx, line)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, line string) {
	if s.handler == nil {
		s.log.Warn("no handler for line %q", line)
		return
	}
	s.handler(ctx, line)
}
