package debugger

import (
	"context"
	"errors"
	"testing"

	"github.com/dshills/stormdbg/internal/transport"
)

func TestScheduler_DispatchesLines(t *testing.T) {
	conn := newFakeConn("a\nb\npartial")
	s := NewScheduler(conn, nil)

	var got []string
	s.SetHandler(func(_ context.Context, line string) { got = append(got, line) })

	err := s.Serve(context.Background())
	if !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("expected transport closed, got %v", err)
	}
	if !equalStrings(got, []string{"a", "b"}) {
		t.Errorf("dispatched %q", got)
	}
}

func TestScheduler_NestedSuspension(t *testing.T) {
	conn := newFakeConn("start\nx\ngo\ny\n")
	s := NewScheduler(conn, nil)

	var got []string
	s.SetHandler(func(ctx context.Context, line string) {
		got = append(got, line)
		switch line {
		case "start":
			if err := s.RunUntilReleased(ctx); err != nil {
				t.Errorf("RunUntilReleased failed: %v", err)
			}
			got = append(got, "resumed")
		case "go":
			s.Release()
		}
	})

	s.Serve(context.Background())

	want := []string{"start", "x", "go", "resumed", "y"}
	if !equalStrings(got, want) {
		t.Errorf("order = %q, want %q", got, want)
	}
}

func TestScheduler_ShutdownEndsSuspension(t *testing.T) {
	conn := newFakeConn("wait\nquit\nignored\n")
	s := NewScheduler(conn, nil)

	var calls int
	s.OnShutdown(func() { calls++ })

	var suspendErr error
	var got []string
	s.SetHandler(func(ctx context.Context, line string) {
		got = append(got, line)
		switch line {
		case "wait":
			suspendErr = s.RunUntilReleased(ctx)
		case "quit":
			s.Shutdown(nil)
			s.Shutdown(errors.New("second"))
		}
	})

	if err := s.Serve(context.Background()); err != nil {
		t.Errorf("clean shutdown should return nil, got %v", err)
	}
	if !errors.Is(suspendErr, ErrSessionClosed) {
		t.Errorf("suspension should see the session close, got %v", suspendErr)
	}
	if calls != 1 {
		t.Errorf("shutdown callbacks ran %d times", calls)
	}
	if s.Reason() != nil {
		t.Errorf("first reason should be kept, got %v", s.Reason())
	}
	if !equalStrings(got, []string{"wait", "quit"}) {
		t.Errorf("lines after shutdown were dispatched: %q", got)
	}
}

func TestScheduler_Write(t *testing.T) {
	conn := newFakeConn("")
	s := NewScheduler(conn, nil)

	if err := s.Write([]byte(">OK<\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if conn.Output() != ">OK<\n" || s.Pending() != 0 {
		t.Errorf("unexpected output %q pending %d", conn.Output(), s.Pending())
	}

	s.Shutdown(errors.New("broken pipe"))
	if err := s.Write([]byte("late\n")); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("write after failure should report closed, got %v", err)
	}
}

// watchHost runs posted functions first and otherwise delivers one watched
// chunk per ProcessOneEvent call.
type watchHost struct {
	ch        <-chan transport.Chunk
	fn        func(transport.Chunk)
	posted    []func()
	processed int
	cancelled bool
}

func (h *watchHost) Post(fn func()) {
	h.posted = append(h.posted, fn)
}

func (h *watchHost) ProcessOneEvent(ctx context.Context) error {
	h.processed++
	if len(h.posted) > 0 {
		fn := h.posted[0]
		h.posted = h.posted[1:]
		fn()
		return nil
	}
	select {
	case c := <-h.ch:
		h.fn(c)
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (h *watchHost) Watch(ch <-chan transport.Chunk, fn func(transport.Chunk)) func() {
	h.ch = ch
	h.fn = fn
	return func() { h.cancelled = true }
}

func TestScheduler_DefersToHostLoop(t *testing.T) {
	conn := newFakeConn("x\ngo\n")
	s := NewScheduler(conn, nil)
	host := &watchHost{}
	s.SetHost(host)

	var got []string
	s.SetHandler(func(_ context.Context, line string) {
		got = append(got, line)
		if line == "go" {
			s.Release()
		}
	})

	s.PreEventLoop()
	s.PreEventLoop()
	if s.Depth() != 2 {
		t.Fatalf("expected depth 2, got %d", s.Depth())
	}

	if err := s.RunUntilReleased(context.Background()); err != nil {
		t.Fatalf("RunUntilReleased failed: %v", err)
	}
	if host.processed != 1 {
		t.Errorf("expected one host event, got %d", host.processed)
	}
	if !equalStrings(got, []string{"x", "go"}) {
		t.Errorf("dispatched %q", got)
	}

	s.PostEventLoop()
	if host.cancelled {
		t.Error("watch must stay while an outer loop runs")
	}
	s.PostEventLoop()
	if !host.cancelled || s.Depth() != 0 {
		t.Error("leaving the outermost loop should remove the watch")
	}
}

func TestScheduler_ReleaseWithoutSuspension(t *testing.T) {
	conn := newFakeConn(">Continue<\nprint('hi')\n>OK?<\n")
	s := NewScheduler(conn, nil)
	host := &watchHost{}
	s.SetHost(host)

	var got []string
	s.SetHandler(func(_ context.Context, line string) {
		got = append(got, line)
		if line == ">Continue<" {
			s.Release()
		}
	})

	s.PreEventLoop()
	if err := host.ProcessOneEvent(context.Background()); err != nil {
		t.Fatalf("ProcessOneEvent failed: %v", err)
	}
	want := []string{">Continue<", "print('hi')", ">OK?<"}
	if !equalStrings(got, want) {
		t.Errorf("dispatched %q, want %q", got, want)
	}
	s.PostEventLoop()
}

func TestScheduler_BufferedInputReachesHostLoop(t *testing.T) {
	conn := newFakeConn("go\nprint('hi')\n")
	s := NewScheduler(conn, nil)
	host := &watchHost{}
	s.SetHost(host)

	var got []string
	s.SetHandler(func(ctx context.Context, line string) {
		got = append(got, line)
		if line == "go" {
			s.Release()
		}
	})

	if err := s.RunUntilReleased(context.Background()); err != nil {
		t.Fatalf("RunUntilReleased failed: %v", err)
	}
	if !equalStrings(got, []string{"go"}) {
		t.Fatalf("dispatched %q before entering the loop", got)
	}

	s.PreEventLoop()
	if len(host.posted) != 1 {
		t.Fatalf("expected buffered input to be posted, got %d events", len(host.posted))
	}
	if err := host.ProcessOneEvent(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !equalStrings(got, []string{"go", "print('hi')"}) {
		t.Errorf("dispatched %q", got)
	}
	s.PostEventLoop()
}
