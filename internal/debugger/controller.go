package debugger

import (
	"context"
	"math"

	"github.com/dshills/stormdbg/internal/logging"
	"github.com/dshills/stormdbg/internal/protocol"
)

// RunState is the execution controller's stepping mode.
type RunState int

const (
	// StateRunning runs without stepping; only breakpoints stop.
	StateRunning RunState = iota
	// StateSteppingInto stops at the next eligible line.
	StateSteppingInto
	// StateSteppingOver stops at the next eligible line no deeper than the
	// armed frame.
	StateSteppingOver
	// StateSteppingOut stops at the next eligible line shallower than the
	// armed frame.
	StateSteppingOut
	// StateContinuing runs until a breakpoint.
	StateContinuing
	// StateQuitting aborts the program at the next callback.
	StateQuitting
	// StateTerminated is final.
	StateTerminated
)

// String returns a string representation of the state.
func (s RunState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateSteppingInto:
		return "stepping-into"
	case StateSteppingOver:
		return "stepping-over"
	case StateSteppingOut:
		return "stepping-out"
	case StateContinuing:
		return "continuing"
	case StateQuitting:
		return "quitting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// controllerHost is what the execution controller needs from its session.
type controllerHost interface {
	writeLine(line string) error
	suspend(ctx context.Context) error
	terminated(status int)
}

// Controller is the execution state machine. It implements Tracer and
// decides at every event whether the program stops.
type Controller struct {
	host        controllerHost
	breakpoints *BreakpointTable
	paths       *PathResolver
	filter      FrameFilter
	log         *logging.Logger

	state      RunState
	armedDepth int
	entry      string
	started    bool
	firstFile  string
	firstDepth int
	current    Frame
	status     int
}

// NewController creates a controller in the running state.
func NewController(host controllerHost, breakpoints *BreakpointTable, paths *PathResolver, filter FrameFilter, log *logging.Logger) *Controller {
	if log == nil {
		log = logging.Null()
	}
	return &Controller{
		host:        host,
		breakpoints: breakpoints,
		paths:       paths,
		filter:      filter,
		log:         log,
		state:       StateRunning,
	}
}

// State returns the current run state.
func (c *Controller) State() RunState {
	return c.state
}

// Current returns the frame the program is stopped in, or nil.
func (c *Controller) Current() Frame {
	return c.current
}

// Status returns the exit status once terminated.
func (c *Controller) Status() int {
	return c.status
}

// Start prepares a run of the program at entry and arms stepping into so the
// first eligible line of the entry file stops.
func (c *Controller) Start(entry string) {
	c.entry = entry
	c.started = false
	c.current = nil
	c.state = StateSteppingInto
}

// StepInto arms a stop at the next eligible line.
func (c *Controller) StepInto() {
	c.current = nil
	c.setState(StateSteppingInto)
}

// StepOver arms a stop at the next eligible line in the current frame or a
// shallower one.
func (c *Controller) StepOver() {
	c.armedDepth = c.currentDepth()
	c.setState(StateSteppingOver)
}

// StepOut arms a stop at the next eligible line in a caller of the current
// frame.
func (c *Controller) StepOut() {
	c.armedDepth = c.currentDepth()
	c.setState(StateSteppingOut)
}

// Continue runs until the next breakpoint.
func (c *Controller) Continue() {
	c.current = nil
	c.setState(StateContinuing)
}

// Quit aborts the program at its next event.
func (c *Controller) Quit() {
	c.current = nil
	c.setState(StateQuitting)
}

// Terminate ends the program with status and reports the exit. It is a
// no-op once terminated.
func (c *Controller) Terminate(status int) {
	if c.state == StateTerminated {
		return
	}
	c.state = StateTerminated
	c.current = nil
	c.status = status
	c.log.Info("program exited with status %d", status)

	if err := c.host.writeLine(protocol.FormatExit(status)); err != nil {
		c.log.Warn("report exit: %v", err)
	}
	c.host.terminated(status)
}

func (c *Controller) setState(s RunState) {
	if c.state == StateTerminated {
		return
	}
	c.log.Debug("run state %s -> %s", c.state, s)
	c.state = s
}

// Without a current frame there is nothing to measure against, so every
// depth qualifies.
func (c *Controller) currentDepth() int {
	if c.current == nil {
		return math.MaxInt
	}
	return c.current.Depth()
}

func (c *Controller) aborting() bool {
	return c.state == StateQuitting || c.state == StateTerminated
}

// OnLine implements Tracer.
func (c *Controller) OnLine(ctx context.Context, f Frame) error {
	if c.aborting() {
		return ErrQuit
	}
	if f.Line() <= 0 {
		return nil
	}

	file := c.paths.Resolve(f.File())
	if !c.filter.Eligible(file) {
		return nil
	}
	if !c.started {
		if file != c.entry {
			return nil
		}
		c.started = true
		c.firstFile = file
		c.firstDepth = f.Depth()
	}

	if !c.shouldStop(f, file) {
		return nil
	}

	c.current = f
	if err := c.host.writeLine(protocol.FormatLine(file, f.Line())); err != nil {
		return err
	}
	return c.wait(ctx)
}

// OnException implements Tracer.
func (c *Controller) OnException(ctx context.Context, f Frame, exc *Exception) error {
	if c.aborting() {
		return ErrQuit
	}

	var line string
	switch exc.Kind {
	case ExceptionTermination:
		c.Terminate(NormalizeStatus(exc.Status))
		return nil
	case ExceptionSyntax:
		se := exc.Syntax
		if se == nil {
			se = &SyntaxError{Message: exc.Message}
		}
		line = protocol.FormatSyntaxError(se.Message, c.paths.Resolve(se.File), se.Line, se.Column)
	default:
		stack := make([]protocol.Location, 0, len(exc.Stack))
		for _, loc := range exc.Stack {
			stack = append(stack, protocol.Location{File: c.paths.Resolve(loc.File), Line: loc.Line})
		}
		line = protocol.FormatException(exc.Type, exc.Message, stack)
	}

	c.log.Debug("reporting exception %s: %s", exc.Type, exc.Message)
	if f != nil {
		c.current = f
	}
	if err := c.host.writeLine(line); err != nil {
		return err
	}
	return c.wait(ctx)
}

// OnReturn implements Tracer. A return from the program's first frame ends
// the program with the returned value as its status.
func (c *Controller) OnReturn(ctx context.Context, f Frame, value any) error {
	if c.state == StateTerminated {
		return nil
	}
	if !c.isFirst(f) {
		return nil
	}
	c.Terminate(NormalizeStatus(value))
	return nil
}

func (c *Controller) isFirst(f Frame) bool {
	file := c.paths.Resolve(f.File())
	if !c.started {
		return file == c.entry
	}
	return f.Depth() == c.firstDepth && file == c.firstFile
}

func (c *Controller) shouldStop(f Frame, file string) bool {
	if c.breakHere(f, file) {
		return true
	}
	switch c.state {
	case StateSteppingInto:
		return true
	case StateSteppingOver:
		return f.Depth() <= c.armedDepth
	case StateSteppingOut:
		return f.Depth() < c.armedDepth
	default:
		return false
	}
}

// breakHere reports whether an enabled breakpoint at the frame's line is
// hit. A condition that fails to evaluate counts as true.
func (c *Controller) breakHere(f Frame, file string) bool {
	if !c.breakpoints.HasFile(file) {
		return false
	}
	bp, ok := c.breakpoints.Get(file, f.Line())
	if !ok || !bp.Enabled {
		return false
	}
	if bp.Condition != "" {
		hit, err := f.Eval(bp.Condition)
		if err != nil {
			c.log.Debug("breakpoint condition %q at %s:%d: %v", bp.Condition, file, f.Line(), err)
			hit = true
		}
		if !hit {
			return false
		}
	}
	c.breakpoints.Hit(bp)
	return true
}

// wait suspends until a command resumes the program.
func (c *Controller) wait(ctx context.Context) error {
	if err := c.host.suspend(ctx); err != nil {
		return err
	}
	if c.aborting() {
		return ErrQuit
	}
	return nil
}
