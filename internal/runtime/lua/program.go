package lua

import (
	"context"
	"errors"

	"github.com/spf13/afero"
	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/stormdbg/internal/debugger"
	"github.com/dshills/stormdbg/internal/protocol"
)

// signal is an error object the runtime raises through Lua code. It carries
// a result the interpreter must not treat as an ordinary program error.
type signal struct {
	err      error                  // abort requested by the tracer
	runtime  *debugger.RuntimeError // program error, already reported
	exit     bool
	status   any
	reported bool
}

func (s *signal) result() error {
	switch {
	case s.exit:
		return &debugger.ExitError{Status: s.status}
	case s.runtime != nil:
		return s.runtime
	case s.err != nil:
		return s.err
	default:
		return debugger.ErrQuit
	}
}

func signalOf(lv lua.LValue) *signal {
	ud, ok := lv.(*lua.LUserData)
	if !ok {
		return nil
	}
	s, _ := ud.Value.(*signal)
	return s
}

func (r *Runtime) raise(L *lua.LState, s *signal) {
	ud := L.NewUserData()
	ud.Value = s
	L.Error(ud, 0)
}

// Run implements debugger.Runtime.
func (r *Runtime) Run(ctx context.Context, program string, args []string, t debugger.Tracer) error {
	if r.closed {
		return ErrStateClosed
	}

	fn, err := r.loadFile(program)
	if err != nil {
		return r.reportLoadError(ctx, t, err)
	}

	prevCtx, prevTracer, prevBase := r.ctx, r.tracer, r.base
	r.ctx, r.tracer, r.inTracer = ctx, t, false
	r.base = stackDepth(r.L)
	defer func() {
		r.ctx, r.tracer, r.base = prevCtx, prevTracer, prevBase
		r.inTracer = false
	}()

	r.setArgs(program, args)
	r.log.Debug("running %s", program)

	L := r.L
	top := L.GetTop()
	L.Push(fn)
	for _, a := range args {
		L.Push(lua.LString(a))
	}
	if err := L.PCall(len(args), lua.MultRet, r.errfunc); err != nil {
		L.SetTop(top)
		return r.resultError(err)
	}

	var ret lua.LValue = lua.LNil
	if L.GetTop() > top {
		ret = L.Get(top + 1)
	}
	L.SetTop(top)

	main := &frame{r: r, L: L, file: program, depth: 1, chunk: true}
	return r.callTracer(func(ctx context.Context) error {
		return t.OnReturn(ctx, main, toGoValue(ret))
	})
}

// reportLoadError delivers a failure to load the entry program to the
// tracer and returns the matching error.
func (r *Runtime) reportLoadError(ctx context.Context, t debugger.Tracer, err error) error {
	var se *debugger.SyntaxError
	if errors.As(err, &se) {
		exc := &debugger.Exception{
			Kind:    debugger.ExceptionSyntax,
			Type:    "SyntaxError",
			Message: se.Message,
			Syntax:  se,
		}
		if terr := t.OnException(ctx, nil, exc); terr != nil {
			return terr
		}
		return se
	}

	rerr := &debugger.RuntimeError{Type: "IOError", Message: err.Error()}
	exc := &debugger.Exception{Kind: debugger.ExceptionRuntime, Type: rerr.Type, Message: rerr.Message}
	if terr := t.OnException(ctx, nil, exc); terr != nil {
		return terr
	}
	return rerr
}

// loadFile reads and compiles a source file with instrumentation.
func (r *Runtime) loadFile(path string) (*lua.LFunction, error) {
	src, err := afero.ReadFile(r.fs, path)
	if err != nil {
		return nil, err
	}
	proto, err := compileChunk(src, path, true)
	if err != nil {
		return nil, err
	}
	return r.L.NewFunctionFromProto(proto), nil
}

func (r *Runtime) setArgs(program string, args []string) {
	t := r.L.NewTable()
	t.RawSetInt(0, lua.LString(program))
	for i, a := range args {
		t.RawSetInt(i+1, lua.LString(a))
	}
	r.L.SetGlobal("arg", t)
}

func (r *Runtime) resultError(err error) error {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		if s := signalOf(apiErr.Object); s != nil {
			return s.result()
		}
		msg := err.Error()
		if apiErr.Object != nil {
			msg = apiErr.Object.String()
		}
		return &debugger.RuntimeError{Type: "RuntimeError", Message: msg}
	}
	return &debugger.RuntimeError{Type: "RuntimeError", Message: err.Error()}
}

func (r *Runtime) tracing() bool {
	return r.tracer != nil && !r.inTracer
}

// callTracer runs a tracer callback with hooks disabled.
func (r *Runtime) callTracer(fn func(ctx context.Context) error) error {
	r.inTracer = true
	defer func() { r.inTracer = false }()
	return fn(r.ctx)
}

// depth converts a stack size on L to a call depth relative to the running
// program.
func (r *Runtime) depth(L *lua.LState, n int) int {
	if L == r.L {
		n -= r.base
	}
	if n < 1 {
		n = 1
	}
	return n
}

// onLine is the line hook called before every instrumented statement.
func (r *Runtime) onLine(L *lua.LState) int {
	if r.inTracer {
		return 0
	}
	if r.ctx.Err() != nil && r.tracer != nil {
		r.raise(L, &signal{err: debugger.ErrSessionClosed})
	}
	if r.tracer == nil {
		return 0
	}

	line := L.CheckInt(1)
	stack := luaStack(L)
	if len(stack) == 0 {
		return 0
	}
	f := r.newFrame(L, stack[0], line, r.depth(L, len(stack)))

	if err := r.callTracer(func(ctx context.Context) error {
		return r.tracer.OnLine(ctx, f)
	}); err != nil {
		r.raise(L, &signal{err: err})
	}
	return 0
}

// onPass returns its arguments unchanged.
func (r *Runtime) onPass(L *lua.LState) int {
	return L.GetTop()
}

// onError is the message handler of every protected call the runtime makes.
// It runs before the stack unwinds, so the tracer sees the raising frame.
func (r *Runtime) onError(L *lua.LState) int {
	obj := L.Get(1)

	if s := signalOf(obj); s != nil {
		r.reportExit(s)
		L.Push(obj)
		return 1
	}

	rerr, err := r.report(L, obj)
	s := &signal{runtime: rerr}
	if err != nil {
		s = &signal{err: err}
	}
	r.pushSignal(L, s)
	return 1
}

// catcher returns the message handler of a program's own pcall or xpcall.
// The error is reported and then passed to handler, or handed back
// unchanged when handler is nil. Runtime signals pass through untouched.
func (r *Runtime) catcher(handler *lua.LFunction) *lua.LFunction {
	return r.L.NewFunction(func(L *lua.LState) int {
		obj := L.Get(1)

		if s := signalOf(obj); s != nil {
			r.reportExit(s)
			L.Push(obj)
			return 1
		}
		if _, err := r.report(L, obj); err != nil {
			r.pushSignal(L, &signal{err: err})
			return 1
		}

		if handler == nil {
			L.Push(obj)
			return 1
		}
		if err := L.CallByParam(lua.P{Fn: handler, NRet: 1, Protect: true}, obj); err != nil {
			L.Push(lua.LString(err.Error()))
			return 1
		}
		return 1
	})
}

// report builds the runtime error for obj from the current stack and
// delivers it to the tracer. The returned error is the tracer's abort
// result.
func (r *Runtime) report(L *lua.LState, obj lua.LValue) (*debugger.RuntimeError, error) {
	stack := luaStack(L)
	if L == r.L && r.base > 0 && len(stack) >= r.base {
		stack = stack[:len(stack)-r.base]
	}

	rerr := &debugger.RuntimeError{
		Type:    r.errorType(obj),
		Message: r.errorMessage(L, obj),
	}
	locs := make([]protocol.Location, 0, len(stack))
	for _, lvl := range stack {
		rerr.Frames = append(rerr.Frames, debugger.TraceFrame{File: lvl.file, Line: lvl.line, Func: lvl.name})
		locs = append(locs, protocol.Location{File: lvl.file, Line: lvl.line})
	}

	if !r.tracing() {
		return rerr, nil
	}

	var f debugger.Frame
	if len(stack) > 0 {
		f = r.newFrame(L, stack[0], stack[0].line, r.depth(L, len(stack)))
	}
	exc := &debugger.Exception{
		Kind:    debugger.ExceptionRuntime,
		Type:    rerr.Type,
		Message: rerr.Message,
		Stack:   locs,
	}
	return rerr, r.callTracer(func(ctx context.Context) error {
		return r.tracer.OnException(ctx, f, exc)
	})
}

func (r *Runtime) pushSignal(L *lua.LState, s *signal) {
	ud := L.NewUserData()
	ud.Value = s
	L.Push(ud)
}

// reportExit delivers an exit signal to the tracer once.
func (r *Runtime) reportExit(s *signal) {
	if !s.exit || s.reported || !r.tracing() {
		return
	}
	s.reported = true
	exc := &debugger.Exception{Kind: debugger.ExceptionTermination, Status: s.status}
	_ = r.callTracer(func(ctx context.Context) error {
		return r.tracer.OnException(ctx, nil, exc)
	})
}

// errorType names an error object. Tables may carry a name in their
// metatable's __name field.
func (r *Runtime) errorType(obj lua.LValue) string {
	switch v := obj.(type) {
	case lua.LString, lua.LNumber:
		return "RuntimeError"
	case *lua.LTable:
		if mt, ok := v.Metatable.(*lua.LTable); ok {
			if name, ok := mt.RawGetString("__name").(lua.LString); ok {
				return string(name)
			}
		}
		return "error"
	default:
		return obj.Type().String()
	}
}

func (r *Runtime) errorMessage(L *lua.LState, obj lua.LValue) string {
	if s, ok := obj.(lua.LString); ok {
		return string(s)
	}
	msg, err := r.tostring(L, obj)
	if err != nil {
		return obj.String()
	}
	return msg
}

// newErrorObject creates a named error table whose tostring is message.
func (r *Runtime) newErrorObject(L *lua.LState, name, message string) *lua.LTable {
	obj := L.NewTable()
	obj.RawSetString("message", lua.LString(message))
	mt := L.NewTable()
	mt.RawSetString("__name", lua.LString(name))
	mt.RawSetString("__tostring", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(message))
		return 1
	}))
	L.SetMetatable(obj, mt)
	return obj
}

// findModule locates name on the search path as name.lua or name/init.lua
// with dots mapped to directory separators.
func (r *Runtime) findModule(name string) (string, bool) {
	rel := moduleRelPath(name)
	for _, dir := range r.searchPath {
		for _, candidate := range []string{
			joinPath(dir, rel+".lua"),
			joinPath(dir, rel, "init.lua"),
		} {
			if ok, err := afero.Exists(r.fs, candidate); err == nil && ok {
				return candidate, true
			}
		}
	}
	return "", false
}

func (r *Runtime) write(s string) {
	if _, err := r.console.Write([]byte(s)); err != nil {
		r.log.Debug("program output dropped: %v", err)
	}
}
