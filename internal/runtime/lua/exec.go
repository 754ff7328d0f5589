package lua

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/dshills/stormdbg/internal/debugger"
)

// stdinName is the chunk name of statements typed at the controller.
const stdinName = "<stdin>"

// statement is compiled statement text.
type statement struct {
	proto *lua.FunctionProto
	echo  bool // expression statement whose results are printed
}

// Compile implements debugger.Runtime. Text that compiles as an expression
// is compiled to return its values so Exec can echo them.
func (r *Runtime) Compile(source string) (debugger.Code, error) {
	if proto, err := compileChunk([]byte("return "+source), stdinName, false); err == nil {
		return &statement{proto: proto, echo: true}, nil
	}

	proto, err := compileChunk([]byte(source), stdinName, false)
	if err != nil {
		if incomplete(source) {
			return nil, debugger.ErrIncomplete
		}
		return nil, err
	}
	return &statement{proto: proto}, nil
}

// Exec implements debugger.Runtime.
func (r *Runtime) Exec(ctx context.Context, code debugger.Code) error {
	st, ok := code.(*statement)
	if !ok {
		return fmt.Errorf("%w: %T", ErrForeignCode, code)
	}
	if r.closed {
		return ErrStateClosed
	}

	prevCtx, prevBase := r.ctx, r.base
	r.ctx = ctx
	r.base = stackDepth(r.L)
	defer func() {
		r.ctx, r.base = prevCtx, prevBase
	}()

	L := r.L
	top := L.GetTop()
	L.Push(L.NewFunctionFromProto(st.proto))
	if err := L.PCall(0, lua.MultRet, r.errfunc); err != nil {
		L.SetTop(top)
		return r.resultError(err)
	}

	if st.echo && L.GetTop() > top {
		parts := make([]string, 0, L.GetTop()-top)
		for i := top + 1; i <= L.GetTop(); i++ {
			s, err := r.repr(L, L.Get(i))
			if err != nil {
				s = L.Get(i).String()
			}
			parts = append(parts, s)
		}
		r.write(strings.Join(parts, "\t") + "\n")
	}
	L.SetTop(top)
	return nil
}

// compileChunk parses and compiles source under name, instrumenting it when
// asked.
func compileChunk(src []byte, name string, traced bool) (*lua.FunctionProto, error) {
	chunk, err := parse.Parse(bytes.NewReader(src), name)
	if err != nil {
		return nil, newSyntaxError(name, src, err)
	}
	if traced {
		chunk = instrument(chunk)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, &debugger.SyntaxError{Message: err.Error(), File: name}
	}
	return proto, nil
}

func newSyntaxError(file string, src []byte, err error) *debugger.SyntaxError {
	se := &debugger.SyntaxError{Message: err.Error(), File: file}

	var perr *parse.Error
	if errors.As(err, &perr) {
		se.Message = perr.Message
		if perr.Token != "" {
			se.Message += " near '" + perr.Token + "'"
		}
		line, col := perr.Pos.Line, perr.Pos.Column
		if line == parse.EOF {
			line, col = endOfSource(src)
		}
		se.Line = line
		se.Column = col
		se.Text = sourceLine(src, line)
	}
	return se
}

// incomplete reports whether source failed to parse only because input ran
// out, meaning more lines could complete the statement. A quoted string
// cannot span lines, so running out inside one is a real error.
func incomplete(source string) bool {
	_, err := parse.Parse(strings.NewReader(source), stdinName)
	var perr *parse.Error
	if !errors.As(err, &perr) || perr.Pos.Line != parse.EOF {
		return false
	}
	return perr.Message != "unterminated string"
}

// endOfSource returns the position just past the last non-empty line of src.
func endOfSource(src []byte) (line, col int) {
	trimmed := bytes.TrimRight(src, "\r\n")
	line = bytes.Count(trimmed, []byte("\n")) + 1
	last := trimmed[bytes.LastIndexByte(trimmed, '\n')+1:]
	return line, len(bytes.TrimRight(last, "\r")) + 1
}

func sourceLine(src []byte, n int) string {
	if n <= 0 {
		return ""
	}
	lines := bytes.Split(src, []byte("\n"))
	if n > len(lines) {
		return ""
	}
	return string(bytes.TrimRight(lines[n-1], "\r"))
}
