package debugger

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/dshills/stormdbg/internal/logging"
	"github.com/dshills/stormdbg/internal/protocol"
	"github.com/dshills/stormdbg/internal/transport"
)

// Options configures a Session.
type Options struct {
	// LibraryRoots are directories whose files never stop.
	LibraryRoots []string

	// EngineFiles are base names of files belonging to the engine itself.
	EngineFiles []string

	// SearchPath is appended to the program's directory when locating
	// modules and resolving relative file names.
	SearchPath []string

	// Fs is the filesystem used for path resolution. Defaults to the OS.
	Fs afero.Fs

	Logger *logging.Logger
}

// Session is one debug session: it speaks the protocol over a transport,
// drives the runtime and owns the execution controller.
type Session struct {
	id   string
	opts Options
	log  *logging.Logger

	sched     *Scheduler
	rt        Runtime
	ctrl      *Controller
	bps       *BreakpointTable
	paths     *PathResolver
	inspector *Inspector

	buffer  []string
	pending string
	running string

	rawMode bool
	rawLine string
}

// NewSession creates a session over conn driving rt.
func NewSession(conn transport.Conn, rt Runtime, opts Options) *Session {
	id := uuid.NewString()
	log := opts.Logger
	if log == nil {
		log = logging.Null()
	}
	log = log.WithField("session", id[:8])

	s := &Session{
		id:        id,
		opts:      opts,
		log:       log,
		rt:        rt,
		bps:       NewBreakpointTable(),
		paths:     NewPathResolver(opts.Fs),
		inspector: NewInspector(),
		pending:   protocol.ResponseOK,
	}
	s.sched = NewScheduler(conn, log.WithComponent("scheduler"))
	s.sched.SetHandler(s.HandleLine)

	filter := FrameFilter{LibraryRoots: opts.LibraryRoots, EngineFiles: opts.EngineFiles}
	s.ctrl = NewController(s, s.bps, s.paths, filter, log.WithComponent("controller"))

	rt.SetConsole(s)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Scheduler returns the session's scheduler, used to wire host event loop
// hooks.
func (s *Session) Scheduler() *Scheduler {
	return s.sched
}

// Breakpoints returns the breakpoint table.
func (s *Session) Breakpoints() *BreakpointTable {
	return s.bps
}

// Serve processes controller input until the session ends, then flushes
// pending output and closes the transport. It returns the reason the
// session ended: nil after an exit or quit, the transport error otherwise.
func (s *Session) Serve(parent context.Context) error {
	s.log.Info("session started")

	// Ending the session cancels ctx so a running program unwinds.
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	s.sched.OnShutdown(cancel)

	err := s.sched.Serve(ctx)
	if errors.Is(err, context.Canceled) && s.sched.Closed() {
		err = s.sched.Reason()
	}

	if derr := s.sched.Drain(parent); derr != nil && err == nil {
		err = derr
	}
	if cerr := s.sched.conn.Close(); cerr != nil {
		s.log.Debug("close transport: %v", cerr)
	}
	s.log.Info("session ended")
	return err
}

// Exited reports whether the program terminated and with which status.
func (s *Session) Exited() (int, bool) {
	return s.ctrl.Status(), s.ctrl.State() == StateTerminated
}

// Write implements Console. Program output is forwarded verbatim.
func (s *Session) Write(p []byte) (int, error) {
	if err := s.sched.Write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// ReadLine implements Console. It sends a raw input prompt and serves the
// transport until the controller answers with a line.
func (s *Session) ReadLine(ctx context.Context, prompt string) (string, error) {
	if err := s.writeLine(protocol.FormatRaw(prompt)); err != nil {
		return "", err
	}
	s.rawMode = true
	s.rawLine = ""
	if err := s.sched.RunUntilReleased(ctx); err != nil {
		s.rawMode = false
		return "", err
	}
	return s.rawLine, nil
}

// HandleLine processes one input line from the controller.
func (s *Session) HandleLine(ctx context.Context, line string) {
	if s.rawMode {
		s.rawMode = false
		s.rawLine = line
		s.sched.Release()
		return
	}

	if cmd, ok := protocol.ParseCommand(line); ok && s.dispatch(ctx, cmd) {
		return
	}
	s.execute(ctx, line)
}

// dispatch handles a protocol command. Unknown commands report false and
// are treated as statement text.
func (s *Session) dispatch(ctx context.Context, cmd protocol.Command) bool {
	s.log.Debug("command %s%s", cmd.Name, cmd.Arg)

	switch cmd.Name {
	case protocol.RequestVariables:
		s.dumpVariables(cmd.Arg)

	case protocol.RequestStep:
		s.resume(s.ctrl.StepInto)
	case protocol.RequestStepOver:
		s.resume(s.ctrl.StepOver)
	case protocol.RequestStepOut:
		s.resume(s.ctrl.StepOut)
	case protocol.RequestStepQuit:
		s.resume(s.ctrl.Quit)
	case protocol.RequestContinue:
		s.resume(s.ctrl.Continue)

	case protocol.RequestOK:
		if err := s.writeLine(s.pending); err != nil {
			s.log.Debug("acknowledge: %v", err)
		}
		s.pending = protocol.ResponseOK

	case protocol.RequestLoad:
		prog, args, err := protocol.ParseLoad(cmd.Arg)
		if err != nil {
			s.log.Warn("load: %v", err)
			return true
		}
		s.load(ctx, prog, args)

	case protocol.RequestBreak:
		s.setBreakpoint(cmd.Arg)

	default:
		return false
	}
	return true
}

func (s *Session) resume(arm func()) {
	arm()
	s.sched.Release()
}

func (s *Session) setBreakpoint(arg string) {
	b, err := protocol.ParseBreak(arg)
	if err != nil {
		s.log.Warn("break: %v", err)
		return
	}

	file := s.paths.Resolve(b.File)
	if b.Set {
		s.bps.Set(file, b.Line, b.Condition)
		s.log.Debug("breakpoint set at %s:%d", file, b.Line)
		return
	}
	s.bps.Clear(file, b.Line)
	s.log.Debug("breakpoint cleared at %s:%d", file, b.Line)
}

func (s *Session) dumpVariables(arg string) {
	scope, filter, err := protocol.ParseVariables(arg)
	if err != nil {
		s.log.Warn("variables: %v", err)
		return
	}

	f := s.ctrl.Current()
	if f == nil {
		f = s.rt.TopFrame()
	}
	if f == nil {
		return
	}

	scope, entries := s.inspector.Dump(f, scope, filter)
	if err := s.writeLine(protocol.FormatVariables(scope, entries)); err != nil {
		s.log.Debug("report variables: %v", err)
	}
}

// load runs a program under the controller. It returns once the program
// finishes or the session ends.
func (s *Session) load(ctx context.Context, prog string, args []string) {
	if abs, err := filepath.Abs(prog); err == nil {
		prog = abs
	}

	searchPath := append([]string{filepath.Dir(prog)}, s.opts.SearchPath...)
	s.paths.Reset(searchPath)
	s.rt.SetSearchPath(searchPath)
	s.rebaseBreakpoints()

	s.running = prog
	s.rawMode = false
	s.sched.ResetDepth()
	s.ctrl.Start(prog)
	s.log.Info("loading %s %s", prog, strings.Join(args, " "))

	err := s.rt.Run(ctx, prog, args, s.ctrl)
	s.running = ""
	s.finishRun(err)
}

// rebaseBreakpoints re-resolves breakpoints whose file could not be found
// when they were set, now that the search path knows the program's
// directory.
func (s *Session) rebaseBreakpoints() {
	for _, bp := range s.bps.All() {
		if filepath.IsAbs(bp.File) {
			continue
		}
		abs := s.paths.Resolve(bp.File)
		if abs == bp.File {
			continue
		}
		s.bps.Clear(bp.File, bp.Line)
		s.bps.Set(abs, bp.Line, bp.Condition)
		s.log.Debug("breakpoint %s:%d moved to %s", bp.File, bp.Line, abs)
	}
	s.log.Debug("%d breakpoints armed", s.bps.Len())
}

func (s *Session) finishRun(err error) {
	if s.ctrl.State() == StateTerminated {
		return
	}

	var (
		exitErr   *ExitError
		runErr    *RuntimeError
		syntaxErr *SyntaxError
	)
	switch {
	case err == nil:
		s.ctrl.Terminate(0)
	case errors.Is(err, ErrQuit), errors.Is(err, ErrSessionClosed), errors.Is(err, context.Canceled):
		s.log.Info("program aborted")
		s.sched.Shutdown(nil)
	case errors.As(err, &exitErr):
		s.ctrl.Terminate(NormalizeStatus(exitErr.Status))
	case errors.As(err, &runErr), errors.As(err, &syntaxErr):
		s.ctrl.Terminate(1)
	default:
		s.log.Error("run %s: %v", s.running, err)
		s.ctrl.Terminate(1)
	}
}

// execute feeds a line to the statement executor. Lines accumulate until
// they compile as a complete statement, which then runs in the global
// context.
func (s *Session) execute(ctx context.Context, line string) {
	s.buffer = append(s.buffer, line)
	source := strings.Join(s.buffer, "\n")

	code, err := s.rt.Compile(source)
	if errors.Is(err, ErrIncomplete) {
		s.pending = protocol.ResponseContinue
		return
	}
	s.buffer = nil

	if err != nil {
		var se *SyntaxError
		if errors.As(err, &se) {
			s.writeLines(se.Format())
		} else {
			s.writeLines([]string{err.Error() + "\n"})
		}
		s.pending = protocol.ResponseException
		return
	}

	err = s.rt.Exec(ctx, code)
	var (
		exitErr *ExitError
		runErr  *RuntimeError
	)
	switch {
	case err == nil:
		s.pending = protocol.ResponseOK
	case errors.As(err, &exitErr):
		s.ctrl.Terminate(NormalizeStatus(exitErr.Status))
	case errors.Is(err, ErrQuit), errors.Is(err, ErrSessionClosed):
	case errors.As(err, &runErr):
		s.writeLines(runErr.Format())
		s.pending = protocol.ResponseException
	default:
		s.writeLines([]string{err.Error() + "\n"})
		s.pending = protocol.ResponseException
	}
}

func (s *Session) writeLines(lines []string) {
	for _, l := range lines {
		if err := s.sched.Write([]byte(l)); err != nil {
			s.log.Debug("program report dropped: %v", err)
			return
		}
	}
}

// controllerHost

func (s *Session) writeLine(line string) error {
	return s.sched.Write([]byte(line + "\n"))
}

func (s *Session) suspend(ctx context.Context) error {
	return s.sched.RunUntilReleased(ctx)
}

func (s *Session) terminated(status int) {
	s.sched.Shutdown(nil)
}
