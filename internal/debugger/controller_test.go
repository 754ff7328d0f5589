package debugger

import (
	"context"
	"errors"
	"testing"

	"github.com/spf13/afero"

	"github.com/dshills/stormdbg/internal/protocol"
)

const entry = "/proj/main.lua"

func newTestController(h *fakeHost) *Controller {
	filter := FrameFilter{LibraryRoots: []string{"/usr/lib/lua"}}
	return NewController(h, NewBreakpointTable(), NewPathResolver(afero.NewMemMapFs()), filter, nil)
}

func at(file string, line, depth int) *fakeFrame {
	return &fakeFrame{file: file, line: line, depth: depth}
}

func TestController_FirstStopInEntryFile(t *testing.T) {
	h := &fakeHost{}
	c := newTestController(h)
	c.Start(entry)
	ctx := context.Background()

	h.actions = []func(){c.Continue}

	// Library and synthetic code before the entry file never stops.
	for _, f := range []*fakeFrame{at("/usr/lib/lua/init.lua", 1, 1), at("<stdin>", 1, 1), at("/proj/other.lua", 1, 1)} {
		if err := c.OnLine(ctx, f); err != nil {
			t.Fatalf("OnLine(%s) failed: %v", f.file, err)
		}
	}
	if len(h.lines) != 0 {
		t.Fatalf("unexpected stops %q", h.lines)
	}

	if err := c.OnLine(ctx, at(entry, 1, 1)); err != nil {
		t.Fatalf("OnLine failed: %v", err)
	}
	if len(h.lines) != 1 || h.lines[0] != protocol.FormatLine(entry, 1) {
		t.Errorf("expected first stop at entry line 1, got %q", h.lines)
	}
	if c.State() != StateContinuing {
		t.Errorf("unexpected state %s", c.State())
	}
}

func TestController_StepOver(t *testing.T) {
	h := &fakeHost{}
	c := newTestController(h)
	c.Start(entry)
	ctx := context.Background()

	h.actions = []func(){c.StepOver, c.StepOver}
	c.OnLine(ctx, at(entry, 1, 1))
	c.OnLine(ctx, at(entry, 10, 2))
	c.OnLine(ctx, at(entry, 11, 3))
	c.OnLine(ctx, at(entry, 2, 1))

	want := []string{protocol.FormatLine(entry, 1), protocol.FormatLine(entry, 2)}
	if len(h.lines) != len(want) || h.lines[0] != want[0] || h.lines[1] != want[1] {
		t.Errorf("stops = %q, want %q", h.lines, want)
	}
}

func TestController_StepOut(t *testing.T) {
	h := &fakeHost{}
	c := newTestController(h)
	c.Start(entry)
	ctx := context.Background()

	h.actions = []func(){c.StepInto, c.StepOut, c.Continue}
	c.OnLine(ctx, at(entry, 1, 1))
	c.OnLine(ctx, at(entry, 10, 2))
	c.OnLine(ctx, at(entry, 11, 2))
	c.OnLine(ctx, at(entry, 12, 3))
	c.OnLine(ctx, at(entry, 2, 1))

	want := []string{
		protocol.FormatLine(entry, 1),
		protocol.FormatLine(entry, 10),
		protocol.FormatLine(entry, 2),
	}
	if len(h.lines) != len(want) {
		t.Fatalf("stops = %q, want %q", h.lines, want)
	}
	for i := range want {
		if h.lines[i] != want[i] {
			t.Errorf("stop %d = %q, want %q", i, h.lines[i], want[i])
		}
	}
}

func TestController_StepOverWithoutFrame(t *testing.T) {
	h := &fakeHost{}
	c := newTestController(h)
	c.Start(entry)
	c.StepOver()

	h.actions = []func(){c.Continue}
	c.OnLine(context.Background(), at(entry, 5, 7))
	if len(h.lines) != 1 {
		t.Errorf("step over with no current frame should stop anywhere, got %q", h.lines)
	}
}

func TestController_Breakpoints(t *testing.T) {
	h := &fakeHost{}
	c := newTestController(h)
	c.Start(entry)
	c.breakpoints.Set(entry, 3, "")
	c.breakpoints.Set(entry, 4, "hit")
	c.breakpoints.Set(entry, 5, "miss")
	c.breakpoints.Set(entry, 6, "broken")
	ctx := context.Background()

	eval := func(expr string) (bool, error) {
		switch expr {
		case "hit":
			return true, nil
		case "miss":
			return false, nil
		}
		return false, errors.New("syntax error")
	}
	frame := func(line int) *fakeFrame {
		f := at(entry, line, 1)
		f.eval = eval
		return f
	}

	h.actions = []func(){c.Continue, c.Continue, c.Continue, c.Continue}
	for line := 1; line <= 7; line++ {
		if err := c.OnLine(ctx, frame(line)); err != nil {
			t.Fatalf("OnLine(%d) failed: %v", line, err)
		}
	}

	want := []string{
		protocol.FormatLine(entry, 1),
		protocol.FormatLine(entry, 3),
		protocol.FormatLine(entry, 4),
		protocol.FormatLine(entry, 6),
	}
	if len(h.lines) != len(want) {
		t.Fatalf("stops = %q, want %q", h.lines, want)
	}
	for i := range want {
		if h.lines[i] != want[i] {
			t.Errorf("stop %d = %q, want %q", i, h.lines[i], want[i])
		}
	}

	bp, _ := c.breakpoints.Get(entry, 5)
	if bp.HitCount != 0 {
		t.Error("false condition must not count as a hit")
	}
	bp, _ = c.breakpoints.Get(entry, 3)
	if bp.HitCount != 1 {
		t.Errorf("expected one hit, got %d", bp.HitCount)
	}
}

func TestController_BreakpointInLibraryIgnored(t *testing.T) {
	h := &fakeHost{}
	c := newTestController(h)
	c.Start(entry)
	c.breakpoints.Set("/usr/lib/lua/json.lua", 2, "")

	h.actions = []func(){c.Continue}
	ctx := context.Background()
	c.OnLine(ctx, at(entry, 1, 1))
	c.OnLine(ctx, at("/usr/lib/lua/json.lua", 2, 2))

	if len(h.lines) != 1 {
		t.Errorf("library breakpoint should not stop, got %q", h.lines)
	}
}

func TestController_Quit(t *testing.T) {
	h := &fakeHost{}
	c := newTestController(h)
	c.Start(entry)

	h.actions = []func(){c.Quit}
	err := c.OnLine(context.Background(), at(entry, 1, 1))
	if !errors.Is(err, ErrQuit) {
		t.Fatalf("expected ErrQuit after quit, got %v", err)
	}
	if err := c.OnLine(context.Background(), at(entry, 2, 1)); !errors.Is(err, ErrQuit) {
		t.Errorf("every later event must abort, got %v", err)
	}
	if h.ended {
		t.Error("quit is not a termination")
	}
}

func TestController_SuspendError(t *testing.T) {
	h := &fakeHost{}
	c := newTestController(h)
	c.Start(entry)

	err := c.OnLine(context.Background(), at(entry, 1, 1))
	if !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected suspend error to propagate, got %v", err)
	}
}

func TestController_RuntimeException(t *testing.T) {
	h := &fakeHost{}
	c := newTestController(h)
	c.Start(entry)

	h.actions = []func(){c.Continue}
	exc := &Exception{
		Kind:    ExceptionRuntime,
		Type:    "RuntimeError",
		Message: "boom",
		Stack:   []protocol.Location{{File: "/proj/lib.lua", Line: 9}, {File: entry, Line: 2}},
	}
	f := at("/proj/lib.lua", 9, 2)
	if err := c.OnException(context.Background(), f, exc); err != nil {
		t.Fatalf("OnException failed: %v", err)
	}

	if len(h.lines) != 1 {
		t.Fatalf("expected one response, got %q", h.lines)
	}
	cmd, _ := protocol.ParseCommand(h.lines[0])
	info, err := protocol.ParseExceptionResponse(cmd.Arg)
	if err != nil {
		t.Fatal(err)
	}
	if info.Message != "boom" || len(info.Stack) != 2 || info.Stack[1].File != entry {
		t.Errorf("unexpected exception %+v", info)
	}
}

func TestController_SyntaxException(t *testing.T) {
	h := &fakeHost{}
	c := newTestController(h)
	c.Start(entry)

	h.actions = []func(){c.Continue}
	exc := &Exception{
		Kind:   ExceptionSyntax,
		Syntax: &SyntaxError{Message: "unexpected symbol", File: entry, Line: 4, Column: 7},
	}
	c.OnException(context.Background(), nil, exc)

	want := protocol.FormatSyntaxError("unexpected symbol", entry, 4, 7)
	if len(h.lines) != 1 || h.lines[0] != want {
		t.Errorf("got %q, want %q", h.lines, want)
	}
}

func TestController_Termination(t *testing.T) {
	h := &fakeHost{}
	c := newTestController(h)
	c.Start(entry)

	exc := &Exception{Kind: ExceptionTermination, Status: "3"}
	if err := c.OnException(context.Background(), nil, exc); err != nil {
		t.Fatalf("OnException failed: %v", err)
	}
	if c.State() != StateTerminated || c.Status() != 3 {
		t.Errorf("state %s status %d", c.State(), c.Status())
	}
	if len(h.lines) != 1 || h.lines[0] != ">Exit<3" {
		t.Errorf("unexpected responses %q", h.lines)
	}
	if !h.ended || h.status != 3 {
		t.Error("host should be told about termination")
	}

	// Terminate is idempotent.
	c.Terminate(5)
	if len(h.lines) != 1 || c.Status() != 3 {
		t.Error("second termination must be ignored")
	}
}

func TestController_ReturnFromFirstFrame(t *testing.T) {
	h := &fakeHost{}
	c := newTestController(h)
	c.Start(entry)
	ctx := context.Background()

	h.actions = []func(){c.Continue}
	c.OnLine(ctx, at(entry, 1, 1))

	if err := c.OnReturn(ctx, at(entry, 8, 2), int64(4)); err != nil {
		t.Fatal(err)
	}
	if c.State() == StateTerminated {
		t.Fatal("return from a nested frame must not terminate")
	}

	c.OnReturn(ctx, at(entry, 9, 1), int64(4))
	if c.State() != StateTerminated || c.Status() != 4 {
		t.Errorf("expected termination with 4, got %s/%d", c.State(), c.Status())
	}
}

func TestController_ReturnBeforeAnyLine(t *testing.T) {
	h := &fakeHost{}
	c := newTestController(h)
	c.Start(entry)

	c.OnReturn(context.Background(), at(entry, 0, 1), nil)
	if c.State() != StateTerminated || c.Status() != 0 {
		t.Errorf("expected clean termination, got %s/%d", c.State(), c.Status())
	}
}
