// Package transport provides the duplex byte stream between the debug engine
// and its controller, and the line framer layered on top of it.
//
// A Stream hides a blocking reader and writer behind two goroutines so the
// single-goroutine scheduler sees non-blocking semantics: input arrives on
// the Incoming channel, output is accepted by TryWrite up to the write buffer
// limit, and Writable fires whenever buffered output has drained.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
)

// DefaultWriteBuffer is the number of bytes a Stream buffers before TryWrite
// starts accepting partial writes.
const DefaultWriteBuffer = 64 * 1024

// ErrClosed is reported when the peer closed the stream or it was closed
// locally.
var ErrClosed = errors.New("transport closed")

// Chunk is one read from the underlying reader. A chunk with a non-nil Err is
// the last one delivered before Incoming is closed.
type Chunk struct {
	Data []byte
	Err  error
}

// Conn is the capability the scheduler needs from a transport.
type Conn interface {
	// Incoming delivers input as it arrives. Read readiness is a receive.
	Incoming() <-chan Chunk

	// TryWrite accepts as many bytes of p as the transport can currently
	// buffer without blocking and returns how many were taken.
	TryWrite(p []byte) (int, error)

	// Writable fires after buffered output has been written out.
	Writable() <-chan struct{}

	// Close flushes buffered output and closes the stream.
	Close() error
}

// Stream implements Conn over an io.Reader and io.Writer.
type Stream struct {
	r io.Reader
	w io.Writer
	c io.Closer

	incoming chan Chunk
	writable chan struct{}
	wake     chan struct{}
	done     chan struct{}
	wrDone   chan struct{}

	mu      sync.Mutex
	queue   []byte
	limit   int
	err     error
	closing bool

	closeOnce sync.Once
	closeErr  error
}

// Option configures a Stream.
type Option func(*Stream)

// WithWriteBuffer sets the write buffer limit in bytes.
func WithWriteBuffer(n int) Option {
	return func(s *Stream) {
		if n > 0 {
			s.limit = n
		}
	}
}

// NewStream creates a stream and starts its reader and writer goroutines.
// The closer may be nil.
func NewStream(r io.Reader, w io.Writer, c io.Closer, opts ...Option) *Stream {
	s := &Stream{
		r:        r,
		w:        w,
		c:        c,
		incoming: make(chan Chunk, 16),
		writable: make(chan struct{}, 1),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		wrDone:   make(chan struct{}),
		limit:    DefaultWriteBuffer,
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.readLoop()
	go s.writeLoop()

	return s
}

// Stdio returns a stream over the process's standard input and output.
func Stdio(opts ...Option) *Stream {
	return NewStream(os.Stdin, os.Stdout, nil, opts...)
}

// Dial connects to a controller listening on address.
func Dial(ctx context.Context, address string, opts ...Option) (*Stream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return NewStream(conn, conn, conn, opts...), nil
}

// Incoming implements Conn.
func (s *Stream) Incoming() <-chan Chunk {
	return s.incoming
}

// Writable implements Conn.
func (s *Stream) Writable() <-chan struct{} {
	return s.writable
}

// TryWrite implements Conn.
func (s *Stream) TryWrite(p []byte) (int, error) {
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return 0, err
	}
	if s.closing {
		s.mu.Unlock()
		return 0, ErrClosed
	}

	n := s.limit - len(s.queue)
	if n <= 0 {
		s.mu.Unlock()
		return 0, nil
	}
	if n > len(p) {
		n = len(p)
	}
	s.queue = append(s.queue, p[:n]...)
	s.mu.Unlock()

	signal(s.wake)
	return n, nil
}

// Close implements Conn. Buffered output is written before the underlying
// closer is called.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()
		signal(s.wake)

		<-s.wrDone
		close(s.done)

		if s.c != nil {
			s.closeErr = s.c.Close()
		}
	})
	return s.closeErr
}

func (s *Stream) readLoop() {
	defer close(s.incoming)

	buf := make([]byte, 4096)
	for {
		n, err := s.r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case s.incoming <- Chunk{Data: data}:
			case <-s.done:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				err = fmt.Errorf("%w: %v", ErrClosed, err)
			} else {
				err = ErrClosed
			}
			select {
			case s.incoming <- Chunk{Err: err}:
			case <-s.done:
			}
			return
		}
	}
}

func (s *Stream) writeLoop() {
	defer close(s.wrDone)

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closing {
			s.mu.Unlock()
			<-s.wake
			s.mu.Lock()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		data := s.queue
		s.queue = nil
		s.mu.Unlock()

		if _, err := s.w.Write(data); err != nil {
			s.mu.Lock()
			s.err = fmt.Errorf("%w: write: %v", ErrClosed, err)
			s.queue = nil
			s.mu.Unlock()
			signal(s.writable)
			return
		}
		signal(s.writable)
	}
}

// signal performs a non-blocking send on a capacity-one channel.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
