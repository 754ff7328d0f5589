package debugger

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/dshills/stormdbg/internal/transport"
)

type fakeValue struct {
	typ   string
	repr  string
	err   error
	attrs Namespace
}

func (v fakeValue) Type() string { return v.typ }
func (v fakeValue) Repr() (string, error) { return v.repr, v.err }
func (v fakeValue) Attributes() Namespace { return v.attrs }

type fakeNamespace map[string]Value

func (ns fakeNamespace) Names() []string {
	names := make([]string, 0, len(ns))
	for n := range ns {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (ns fakeNamespace) Get(name string) (Value, bool) {
	v, ok := ns[name]
	return v, ok
}

type fakeFrame struct {
	file    string
	line    int
	depth   int
	locals  Namespace
	globals Namespace
	module  bool
	eval    func(expr string) (bool, error)
}

func (f *fakeFrame) File() string { return f.file }
func (f *fakeFrame) Line() int { return f.line }
func (f *fakeFrame) Depth() int { return f.depth }
func (f *fakeFrame) Locals() Namespace { return f.locals }
func (f *fakeFrame) Globals() Namespace { return f.globals }
func (f *fakeFrame) LocalsAreGlobals() bool { return f.module }

func (f *fakeFrame) Eval(expr string) (bool, error) {
	if f.eval == nil {
		return false, errors.New("no evaluator")
	}
	return f.eval(expr)
}

// fakeConn is a Conn whose input is fixed up front and whose output is
// always accepted in full.
type fakeConn struct {
	in     chan transport.Chunk
	mu     sync.Mutex
	out    strings.Builder
	closed bool
}

// newFakeConn queues input followed by end of stream.
func newFakeConn(input string) *fakeConn {
	c := &fakeConn{in: make(chan transport.Chunk, 2)}
	if input != "" {
		c.in <- transport.Chunk{Data: []byte(input)}
	}
	c.in <- transport.Chunk{Err: transport.ErrClosed}
	close(c.in)
	return c
}

func (c *fakeConn) Incoming() <-chan transport.Chunk { return c.in }
func (c *fakeConn) Writable() <-chan struct{} { return nil }

func (c *fakeConn) TryWrite(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, transport.ErrClosed
	}
	c.out.Write(p)
	return len(p), nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.String()
}

// fakeHost records what the controller asks of its session. Each suspend
// runs the next scripted action.
type fakeHost struct {
	lines   []string
	actions []func()
	status  int
	ended   bool
}

func (h *fakeHost) writeLine(line string) error {
	h.lines = append(h.lines, line)
	return nil
}

func (h *fakeHost) suspend(ctx context.Context) error {
	if len(h.actions) == 0 {
		return ErrSessionClosed
	}
	next := h.actions[0]
	h.actions = h.actions[1:]
	next()
	return nil
}

func (h *fakeHost) terminated(status int) {
	h.ended = true
	h.status = status
}
