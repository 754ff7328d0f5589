package debugger

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/dshills/stormdbg/internal/logging"
	"github.com/dshills/stormdbg/internal/transport"
)

// scriptRuntime is a Runtime whose statements are tiny commands and whose
// programs are Go functions driving the tracer.
type scriptRuntime struct {
	console    Console
	searchPath []string
	program    func(ctx context.Context, t Tracer) error
	ran        string
	args       []string
	globals    fakeNamespace
}

func (r *scriptRuntime) SetConsole(c Console) { r.console = c }
func (r *scriptRuntime) SetSearchPath(dirs []string) { r.searchPath = dirs }

func (r *scriptRuntime) Compile(source string) (Code, error) {
	switch {
	case strings.HasPrefix(source, "begin") && !strings.HasSuffix(source, "end"):
		return nil, ErrIncomplete
	case strings.Contains(source, "=="):
		return nil, &SyntaxError{Message: "unexpected '='", File: "<stdin>", Line: 1, Column: 3, Text: source}
	}
	return source, nil
}

func (r *scriptRuntime) Exec(ctx context.Context, code Code) error {
	stmt := code.(string)
	switch {
	case strings.HasPrefix(stmt, "print "):
		r.console.Write([]byte(strings.TrimPrefix(stmt, "print ") + "\n"))
	case strings.HasPrefix(stmt, "exit "):
		return &ExitError{Status: strings.TrimPrefix(stmt, "exit ")}
	case stmt == "fail":
		return &RuntimeError{Type: "RuntimeError", Message: "failed", Frames: []TraceFrame{{File: "<stdin>", Line: 1}}}
	case stmt == "ask":
		name, err := r.console.ReadLine(ctx, "name? ")
		if err != nil {
			return err
		}
		r.console.Write([]byte("hi " + name + "\n"))
	}
	return nil
}

func (r *scriptRuntime) Run(ctx context.Context, program string, args []string, t Tracer) error {
	r.ran = program
	r.args = args
	if r.program == nil {
		return t.OnReturn(ctx, at(program, 0, 1), nil)
	}
	return r.program(ctx, t)
}

func (r *scriptRuntime) TopFrame() Frame {
	return &fakeFrame{file: "<stdin>", module: true, globals: r.globals}
}

func serveSession(t *testing.T, rt *scriptRuntime, input string) (string, *Session, error) {
	t.Helper()
	conn := newFakeConn(input)
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, entry, []byte("-- main\n"), 0o644)

	s := NewSession(conn, rt, Options{Fs: fs, SearchPath: []string{"/extra"}})
	err := s.Serve(context.Background())
	if !conn.closed {
		t.Error("transport should be closed when the session ends")
	}
	return conn.Output(), s, err
}

func TestSession_OKHandshake(t *testing.T) {
	out, _, err := serveSession(t, &scriptRuntime{}, ">OK?<\n")
	if !errors.Is(err, transport.ErrClosed) {
		t.Errorf("expected end of input, got %v", err)
	}
	if out != ">OK<\n" {
		t.Errorf("unexpected output %q", out)
	}
}

func TestSession_StatementExecutor(t *testing.T) {
	input := strings.Join([]string{
		"print hi", ">OK?<",
		"begin", ">OK?<",
		"print inside", "end", ">OK?<",
		"x == 1", ">OK?<", ">OK?<",
		"fail", ">OK?<",
	}, "\n") + "\n"

	out, _, _ := serveSession(t, &scriptRuntime{}, input)

	want := strings.Join([]string{
		"hi", ">OK<",
		">Continue<",
		">OK<",
		`  File "<stdin>", line 1`,
		"    x == 1",
		"      ^",
		"SyntaxError: unexpected '='",
		">Exception<",
		">OK<",
		"Traceback (innermost last):",
		`  File "<stdin>", line 1`,
		"RuntimeError: failed",
		">Exception<",
	}, "\n") + "\n"
	if out != want {
		t.Errorf("output:\n%s\nwant:\n%s", out, want)
	}
}

func TestSession_ExitFromStatement(t *testing.T) {
	out, s, err := serveSession(t, &scriptRuntime{}, "exit 3\nprint never\n")
	if err != nil {
		t.Errorf("exit should end the session cleanly, got %v", err)
	}
	if out != ">Exit<3\n" {
		t.Errorf("unexpected output %q", out)
	}
	if status, ok := s.Exited(); !ok || status != 3 {
		t.Errorf("Exited() = %d, %v", status, ok)
	}
}

func TestSession_RawInput(t *testing.T) {
	out, _, _ := serveSession(t, &scriptRuntime{}, "ask\n>OK?<\nbob\n>OK?<\n")

	// Commands are not interpreted while input is awaited.
	want := ">Raw<name? \nhi >OK?<\n>OK<\n"
	if out != want {
		t.Errorf("output %q, want %q", out, want)
	}
}

func TestSession_LoadStepAndInspect(t *testing.T) {
	rt := &scriptRuntime{}
	rt.program = func(ctx context.Context, tr Tracer) error {
		top := &fakeFrame{file: entry, line: 1, depth: 1, module: true}
		if err := tr.OnLine(ctx, top); err != nil {
			return err
		}
		fn := &fakeFrame{
			file: entry, line: 5, depth: 2,
			locals: fakeNamespace{"n": fakeValue{typ: "number", repr: "2"}},
		}
		if err := tr.OnLine(ctx, fn); err != nil {
			return err
		}
		if err := tr.OnLine(ctx, &fakeFrame{file: entry, line: 2, depth: 1, module: true}); err != nil {
			return err
		}
		return tr.OnReturn(ctx, &fakeFrame{file: entry, depth: 1}, nil)
	}

	input := strings.Join([]string{
		">Load<" + entry + " one two",
		">Variables<(0, [])",
		">Step<",
		">Variables<(0, [])",
		">Continue<",
	}, "\n") + "\n"

	out, s, err := serveSession(t, rt, input)
	if err != nil {
		t.Errorf("unexpected error %v", err)
	}

	want := strings.Join([]string{
		">Line<" + entry + ",1",
		">Variables<[-1]",
		">Line<" + entry + ",5",
		`>Variables<[0,["n","number","2"]]`,
		">Exit<0",
	}, "\n") + "\n"
	if out != want {
		t.Errorf("output:\n%s\nwant:\n%s", out, want)
	}

	if rt.ran != entry || !equalStrings(rt.args, []string{"one", "two"}) {
		t.Errorf("ran %q with %q", rt.ran, rt.args)
	}
	if !equalStrings(rt.searchPath, []string{"/proj", "/extra"}) {
		t.Errorf("unexpected search path %q", rt.searchPath)
	}
	if status, ok := s.Exited(); !ok || status != 0 {
		t.Errorf("Exited() = %d, %v", status, ok)
	}
}

func TestSession_BreakpointAndContinue(t *testing.T) {
	rt := &scriptRuntime{}
	rt.program = func(ctx context.Context, tr Tracer) error {
		for line := 1; line <= 4; line++ {
			if err := tr.OnLine(ctx, at(entry, line, 1)); err != nil {
				return err
			}
		}
		return &ExitError{Status: int64(2)}
	}

	input := strings.Join([]string{
		">Break<" + entry + ",3,1,None",
		">Break<" + entry + ",4,1,None",
		">Break<" + entry + ",4,0,None",
		">Load<" + entry,
		">Continue<",
		">Continue<",
	}, "\n") + "\n"

	out, s, _ := serveSession(t, rt, input)

	want := ">Line<" + entry + ",1\n>Line<" + entry + ",3\n>Exit<2\n"
	if out != want {
		t.Errorf("output %q, want %q", out, want)
	}
	if s.Breakpoints().Len() != 1 {
		t.Errorf("expected one breakpoint left, got %d", s.Breakpoints().Len())
	}
}

func TestSession_StepQuit(t *testing.T) {
	rt := &scriptRuntime{}
	var lineErr error
	rt.program = func(ctx context.Context, tr Tracer) error {
		lineErr = tr.OnLine(ctx, at(entry, 1, 1))
		return lineErr
	}

	out, s, err := serveSession(t, rt, ">Load<"+entry+"\n>StepQuit<\n>OK?<\n")
	if err != nil {
		t.Errorf("quit should end the session cleanly, got %v", err)
	}
	if !errors.Is(lineErr, ErrQuit) {
		t.Errorf("program should be aborted, got %v", lineErr)
	}
	if out != ">Line<"+entry+",1\n" {
		t.Errorf("unexpected output %q", out)
	}
	if _, ok := s.Exited(); ok {
		t.Error("quit does not report an exit")
	}
}

func TestSession_VariablesWithoutProgram(t *testing.T) {
	rt := &scriptRuntime{globals: fakeNamespace{"x": fakeValue{typ: "number", repr: "1"}}}
	out, _, _ := serveSession(t, rt, ">Variables<(1, [])\n>Variables<(0, [])\n>Variables<garbage\n")

	want := `>Variables<[1,["x","number","1"]]` + "\n>Variables<[-1]\n"
	if out != want {
		t.Errorf("output %q, want %q", out, want)
	}
}

func TestSession_TransportLossAbortsProgram(t *testing.T) {
	rt := &scriptRuntime{}
	var lineErr error
	rt.program = func(ctx context.Context, tr Tracer) error {
		lineErr = tr.OnLine(ctx, at(entry, 1, 1))
		if ctx.Err() == nil {
			t.Error("program context should be cancelled once the session ends")
		}
		return lineErr
	}

	_, _, err := serveSession(t, rt, ">Load<"+entry+"\n")
	if !errors.Is(err, transport.ErrClosed) {
		t.Errorf("expected transport error, got %v", err)
	}
	if !errors.Is(lineErr, ErrSessionClosed) {
		t.Errorf("suspended program should see the session close, got %v", lineErr)
	}
}

// brokenConn accepts no output.
type brokenConn struct {
	*fakeConn
}

func (c brokenConn) TryWrite([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func TestSession_FailedAcknowledgeIsLogged(t *testing.T) {
	var logs strings.Builder
	log := logging.New(logging.Config{Level: logging.LevelDebug, Output: &logs})

	conn := brokenConn{newFakeConn(">OK?<\n>OK?<\n")}
	s := NewSession(conn, &scriptRuntime{}, Options{Fs: afero.NewMemMapFs(), Logger: log})

	err := s.Serve(context.Background())
	if err == nil || !strings.Contains(err.Error(), "broken pipe") {
		t.Fatalf("expected the write failure, got %v", err)
	}
	if strings.Count(logs.String(), "acknowledge: ") != 1 {
		t.Errorf("expected one logged acknowledge failure, got:\n%s", logs.String())
	}
}
