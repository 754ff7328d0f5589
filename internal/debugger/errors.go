package debugger

import (
	"errors"
	"fmt"
	"strings"
)

// Engine errors.
var (
	// ErrQuit is the abort result a tracer callback returns to unwind the
	// traced program. Runtimes propagate it out of Run and Exec.
	ErrQuit = errors.New("debug session quit")

	// ErrSessionClosed is returned by suspension points once the session has
	// ended.
	ErrSessionClosed = errors.New("debug session closed")

	// ErrIncomplete is returned by Runtime.Compile when the accumulated text
	// needs more lines before it forms a complete statement.
	ErrIncomplete = errors.New("incomplete statement")
)

// SyntaxError describes source text that failed to compile.
type SyntaxError struct {
	Message string
	File    string // empty when the location is unknown
	Line    int
	Column  int
	Text    string // offending source line, if known
}

func (e *SyntaxError) Error() string {
	if e.File == "" {
		return "syntax error: " + e.Message
	}
	return fmt.Sprintf("%s:%d:%d: syntax error: %s", e.File, e.Line, e.Column, e.Message)
}

// Format renders the error the way the statement executor reports it.
func (e *SyntaxError) Format() []string {
	var lines []string
	if e.File != "" {
		lines = append(lines, fmt.Sprintf("  File \"%s\", line %d\n", e.File, e.Line))
	}
	if e.Text != "" {
		lines = append(lines, "    "+strings.TrimRight(e.Text, "\r\n")+"\n")
		if e.Column > 0 {
			lines = append(lines, "    "+strings.Repeat(" ", e.Column-1)+"^\n")
		}
	}
	lines = append(lines, "SyntaxError: "+e.Message+"\n")
	return lines
}

// TraceFrame is one activation in a runtime error traceback.
type TraceFrame struct {
	File string
	Line int
	Func string
}

// RuntimeError is an error raised while executing program code.
type RuntimeError struct {
	Type    string
	Message string
	// Frames runs from the innermost activation to the outermost.
	Frames []TraceFrame
}

func (e *RuntimeError) Error() string {
	return e.Type + ": " + e.Message
}

// Format renders a traceback with the outermost frame printed first.
func (e *RuntimeError) Format() []string {
	var lines []string
	if len(e.Frames) > 0 {
		lines = append(lines, "Traceback (innermost last):\n")
		for i := len(e.Frames) - 1; i >= 0; i-- {
			f := e.Frames[i]
			line := fmt.Sprintf("  File \"%s\", line %d", f.File, f.Line)
			if f.Func != "" {
				line += ", in " + f.Func
			}
			lines = append(lines, line+"\n")
		}
	}
	lines = append(lines, e.Error()+"\n")
	return lines
}

// ExitError is a termination request raised by program code. Status is the
// raw value passed by the program; see NormalizeStatus.
type ExitError struct {
	Status any
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit requested (status %v)", e.Status)
}
