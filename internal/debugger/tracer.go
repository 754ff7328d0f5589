package debugger

import (
	"context"
	"io"

	"github.com/dshills/stormdbg/internal/protocol"
)

// Value is a runtime value as seen by the variable inspector.
type Value interface {
	// Type returns the value's type tag. Tags listed in TypeTags take part
	// in filtering; any other tag is filtered as "other".
	Type() string

	// Repr renders the value for display.
	Repr() (string, error)

	// Attributes returns the value's attribute namespace for instance-like
	// values and nil for everything else.
	Attributes() Namespace
}

// Namespace is a set of named bindings.
type Namespace interface {
	Names() []string
	Get(name string) (Value, bool)
}

// Frame is one activation of the traced program at a tracer callback. A
// Frame is only valid until the callback that produced it returns.
type Frame interface {
	File() string
	Line() int

	// Depth is the frame's call depth relative to the program's entry
	// chunk, which has depth 1.
	Depth() int

	Locals() Namespace
	Globals() Namespace

	// LocalsAreGlobals reports whether the local scope is the global scope,
	// as it is for module-level code.
	LocalsAreGlobals() bool

	// Eval evaluates a breakpoint condition in the frame's scope.
	Eval(expr string) (bool, error)
}

// ExceptionKind classifies an exception event.
type ExceptionKind int

const (
	// ExceptionRuntime is an ordinary error raised by program code.
	ExceptionRuntime ExceptionKind = iota
	// ExceptionSyntax is a compile failure of loaded source.
	ExceptionSyntax
	// ExceptionTermination is a request to end the program.
	ExceptionTermination
)

// Exception is the payload of an exception event.
type Exception struct {
	Kind    ExceptionKind
	Type    string
	Message string

	// Stack runs from the innermost frame to the outermost.
	Stack []protocol.Location

	// Syntax is set for ExceptionSyntax.
	Syntax *SyntaxError

	// Status is the raw termination status for ExceptionTermination.
	Status any
}

// Tracer receives execution events from a runtime. A non-nil error return
// aborts the traced program; runtimes unwind it and return the error from
// Run.
type Tracer interface {
	OnLine(ctx context.Context, f Frame) error
	OnException(ctx context.Context, f Frame, exc *Exception) error
	OnReturn(ctx context.Context, f Frame, value any) error
}

// Console is the program's view of the controller: output is written to it
// and interactive input is read from it.
type Console interface {
	io.Writer
	ReadLine(ctx context.Context, prompt string) (string, error)
}

// Code is a compiled statement returned by Runtime.Compile.
type Code any

// Runtime is the language runtime a session drives.
type Runtime interface {
	// SetConsole routes program output and input through c.
	SetConsole(c Console)

	// SetSearchPath sets the directories used to locate modules.
	SetSearchPath(dirs []string)

	// Compile compiles statement text for the persistent global context. It
	// returns ErrIncomplete when more lines are needed and *SyntaxError
	// when the text is invalid.
	Compile(source string) (Code, error)

	// Exec runs compiled code in the global context. It returns
	// *ExitError, *RuntimeError or ErrQuit.
	Exec(ctx context.Context, code Code) error

	// Run loads and runs a program under the tracer. Exceptions, syntax
	// errors and termination are delivered to the tracer before Run
	// returns the matching *RuntimeError, *SyntaxError or *ExitError. A
	// normal finish is delivered through OnReturn and Run returns nil.
	Run(ctx context.Context, program string, args []string, t Tracer) error

	// TopFrame returns a module-level frame over the global context, used
	// for introspection when the program is not stopped.
	TopFrame() Frame
}
