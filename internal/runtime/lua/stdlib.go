package lua

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/stormdbg/internal/debugger"
)

// install wires the debug hooks and routes the standard library's console,
// exit and module loading through the runtime.
func (r *Runtime) install() {
	L := r.L

	L.SetGlobal(lineHook, L.NewFunction(r.onLine))
	L.SetGlobal(passHook, L.NewFunction(r.onPass))

	r.installProtectedCalls()
	r.installOutput()
	r.installInput()
	r.installExit()
	r.installRequire()
	r.installHost()
}

// installProtectedCalls replaces pcall and xpcall so errors a program
// catches are still reported to the tracer. Runtime signals such as exit
// and abort are raised again instead of being caught.
func (r *Runtime) installProtectedCalls() {
	L := r.L
	caught := r.catcher(nil)

	L.SetGlobal("pcall", L.NewFunction(func(L *lua.LState) int {
		v := L.CheckAny(1)
		if v.Type() != lua.LTFunction && L.GetMetaField(v, "__call").Type() != lua.LTFunction {
			L.Push(lua.LFalse)
			L.Push(lua.LString("attempt to call a " + v.Type().String() + " value"))
			return 2
		}
		if err := L.PCall(L.GetTop()-1, lua.MultRet, caught); err != nil {
			return r.protectedFailure(L, err)
		}
		L.Insert(lua.LTrue, 1)
		return L.GetTop()
	}))

	L.SetGlobal("xpcall", L.NewFunction(func(L *lua.LState) int {
		fn := L.CheckFunction(1)
		handler := L.CheckFunction(2)

		top := L.GetTop()
		L.Push(fn)
		for i := 3; i <= top; i++ {
			L.Push(L.Get(i))
		}
		if err := L.PCall(top-2, lua.MultRet, r.catcher(handler)); err != nil {
			return r.protectedFailure(L, err)
		}
		L.Insert(lua.LTrue, top+1)
		return L.GetTop() - top
	}))
}

// protectedFailure returns false and the error object of a failed protected
// call, or raises the object again when it is a runtime signal.
func (r *Runtime) protectedFailure(L *lua.LState, err error) int {
	var obj lua.LValue = lua.LString(err.Error())
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		obj = apiErr.Object
	}
	if signalOf(obj) != nil {
		L.Error(obj, 0)
	}
	L.Push(lua.LFalse)
	L.Push(obj)
	return 2
}

// installOutput sends print and io.write to the console.
func (r *Runtime) installOutput() {
	L := r.L

	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		var b strings.Builder
		top := L.GetTop()
		for i := 1; i <= top; i++ {
			if i > 1 {
				b.WriteByte('\t')
			}
			b.WriteString(L.ToStringMeta(L.Get(i)).String())
		}
		b.WriteByte('\n')
		r.write(b.String())
		return 0
	}))

	if ioMod, ok := L.GetGlobal("io").(*lua.LTable); ok {
		L.SetField(ioMod, "write", L.NewFunction(func(L *lua.LState) int {
			var b strings.Builder
			top := L.GetTop()
			for i := 1; i <= top; i++ {
				switch v := L.Get(i).(type) {
				case lua.LString, lua.LNumber:
					b.WriteString(v.String())
				default:
					L.ArgError(i, "string expected, got "+v.Type().String())
				}
			}
			r.write(b.String())
			return 0
		}))
	}
}

// installInput provides input(prompt) and routes io.read through the
// console.
func (r *Runtime) installInput() {
	L := r.L

	L.SetGlobal("input", L.NewFunction(func(L *lua.LState) int {
		line, err := r.readLine(L, L.OptString(1, ""))
		if err != nil {
			L.RaiseError("EOF when reading a line")
		}
		L.Push(lua.LString(line))
		return 1
	}))

	if ioMod, ok := L.GetGlobal("io").(*lua.LTable); ok {
		L.SetField(ioMod, "read", L.NewFunction(func(L *lua.LState) int {
			format := strings.TrimPrefix(L.OptString(1, "l"), "*")
			line, err := r.readLine(L, "")
			if err != nil {
				L.Push(lua.LNil)
				return 1
			}
			switch format {
			case "n", "number":
				n, perr := strconv.ParseFloat(strings.TrimSpace(line), 64)
				if perr != nil {
					L.Push(lua.LNil)
					return 1
				}
				L.Push(lua.LNumber(n))
			case "L":
				L.Push(lua.LString(line + "\n"))
			default:
				L.Push(lua.LString(line))
			}
			return 1
		}))
	}
}

// readLine reads from the console. Session termination aborts the program.
func (r *Runtime) readLine(L *lua.LState, prompt string) (string, error) {
	var (
		line string
		err  error
	)
	if r.inTracer {
		line, err = r.console.ReadLine(r.ctx, prompt)
	} else {
		err = r.callTracer(func(ctx context.Context) error {
			var rerr error
			line, rerr = r.console.ReadLine(ctx, prompt)
			return rerr
		})
	}
	if errors.Is(err, debugger.ErrSessionClosed) || errors.Is(err, debugger.ErrQuit) {
		r.raise(L, &signal{err: err})
	}
	if err != nil && !errors.Is(err, io.EOF) {
		r.log.Debug("console read: %v", err)
	}
	return line, err
}

// installExit makes os.exit end the program instead of the process.
func (r *Runtime) installExit() {
	L := r.L
	osMod, ok := L.GetGlobal("os").(*lua.LTable)
	if !ok {
		return
	}
	L.SetField(osMod, "exit", L.NewFunction(func(L *lua.LState) int {
		var status any
		switch v := L.Get(1).(type) {
		case *lua.LNilType:
		case lua.LBool:
			if !v {
				status = int64(1)
			}
		default:
			status = toGoValue(v)
		}
		s := &signal{exit: true, status: status}
		r.reportExit(s)
		r.raise(L, s)
		return 0
	}))
}

// installRequire loads modules from the search path with instrumentation.
// Anything not found there goes to the original require, which knows the
// preloaded modules.
func (r *Runtime) installRequire() {
	L := r.L
	original := L.GetGlobal("require")

	L.SetGlobal("require", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)

		var loaded *lua.LTable
		if pkg, ok := L.GetGlobal("package").(*lua.LTable); ok {
			loaded, _ = pkg.RawGetString("loaded").(*lua.LTable)
		}
		if loaded != nil {
			if v := loaded.RawGetString(name); v != lua.LNil {
				L.Push(v)
				return 1
			}
		}

		path, found := r.findModule(name)
		if !found {
			L.Push(original)
			L.Push(lua.LString(name))
			L.Call(1, 1)
			return 1
		}

		r.log.Debug("loading module %s from %s", name, path)
		fn, err := r.loadFile(path)
		if err != nil {
			var se *debugger.SyntaxError
			if errors.As(err, &se) {
				L.Error(r.newErrorObject(L, "SyntaxError", se.Error()), 0)
			}
			L.RaiseError("cannot load module '%s': %v", name, err)
		}

		L.Push(fn)
		L.Push(lua.LString(name))
		L.Call(1, 1)
		ret := L.Get(-1)
		L.Pop(1)

		if ret == lua.LNil {
			ret = lua.LTrue
			if loaded != nil {
				if v := loaded.RawGetString(name); v != lua.LNil {
					ret = v
				}
			}
		}
		if loaded != nil {
			loaded.RawSetString(name, ret)
		}
		L.Push(ret)
		return 1
	}))
}

// installHost exposes the host event loop as the global host and as the
// preloaded module "host".
func (r *Runtime) installHost() {
	L := r.L
	funcs := map[string]lua.LGFunction{
		"post": func(L *lua.LState) int {
			fn := L.CheckFunction(1)
			r.eventLoop(L).Post(func() { r.callback(fn) })
			return 0
		},
		"after": func(L *lua.LState) int {
			ms := float64(L.CheckNumber(1))
			fn := L.CheckFunction(2)
			d := time.Duration(ms * float64(time.Millisecond))
			r.eventLoop(L).PostAfter(d, func() { r.callback(fn) })
			return 0
		},
		"run": func(L *lua.LState) int {
			if err := r.eventLoop(L).Run(r.ctx); err != nil {
				r.raise(L, &signal{err: debugger.ErrSessionClosed})
			}
			return 0
		},
		"quit": func(L *lua.LState) int {
			r.eventLoop(L).Quit()
			return 0
		},
	}

	L.SetGlobal("host", L.SetFuncs(L.NewTable(), funcs))
	L.PreloadModule("host", func(L *lua.LState) int {
		L.Push(L.GetGlobal("host"))
		return 1
	})
}

func (r *Runtime) eventLoop(L *lua.LState) EventLoop {
	if r.loop == nil {
		L.RaiseError("%v", ErrNoEventLoop)
	}
	return r.loop
}

// callback runs a Lua function posted to the event loop. Errors propagate
// out of the loop's Run into the host.run call that is dispatching.
func (r *Runtime) callback(fn *lua.LFunction) {
	r.L.Push(fn)
	r.L.Call(0, 0)
}

func moduleRelPath(name string) string {
	return filepath.FromSlash(strings.ReplaceAll(name, ".", "/"))
}

func joinPath(elem ...string) string {
	return filepath.Clean(filepath.Join(elem...))
}
