// Package lua runs Lua programs under the debug engine.
//
// gopher-lua has no line hook, so loaded source is instrumented at the AST
// level: every statement is preceded by a call into the runtime, which
// forwards it to the tracer with a frame view built from the interpreter's
// call stack. Statements typed at the controller run uninstrumented in the
// global table.
//
// A Runtime is not goroutine-safe. All calls must come from the session's
// goroutine.
package lua

import (
	"context"
	"io"
	"time"

	"github.com/spf13/afero"
	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/stormdbg/internal/debugger"
	"github.com/dshills/stormdbg/internal/logging"
)

// maxStackDepth bounds call stack walks.
const maxStackDepth = 10000

// EventLoop is the host event loop exposed to programs as the host module.
type EventLoop interface {
	Post(fn func())
	PostAfter(d time.Duration, fn func()) (cancel func())
	Run(ctx context.Context) error
	Quit()
}

// Runtime implements debugger.Runtime on gopher-lua.
type Runtime struct {
	L *lua.LState

	fs         afero.Fs
	log        *logging.Logger
	console    debugger.Console
	loop       EventLoop
	searchPath []string

	// Set for the duration of Run and Exec.
	ctx      context.Context
	tracer   debugger.Tracer
	inTracer bool
	base     int

	errfunc *lua.LFunction
	closed  bool
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithFs sets the filesystem programs and modules are read from.
func WithFs(fs afero.Fs) Option {
	return func(r *Runtime) {
		r.fs = fs
	}
}

// WithLogger sets the runtime's logger.
func WithLogger(log *logging.Logger) Option {
	return func(r *Runtime) {
		r.log = log
	}
}

// WithEventLoop attaches the host event loop.
func WithEventLoop(loop EventLoop) Option {
	return func(r *Runtime) {
		r.loop = loop
	}
}

// New creates a runtime with the standard libraries opened and the debug
// hooks installed.
func New(opts ...Option) *Runtime {
	r := &Runtime{
		fs:      afero.NewOsFs(),
		log:     logging.Null(),
		console: nullConsole{},
		ctx:     context.Background(),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.L = lua.NewState(lua.Options{SkipOpenLibs: true})
	openLibraries(r.L)
	r.errfunc = r.L.NewFunction(r.onError)
	r.install()
	r.L.SetGlobal("__name__", lua.LString("__main__"))

	return r
}

// openLibraries opens the standard libraries in the order gopher-lua
// expects.
func openLibraries(L *lua.LState) {
	libs := []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage},
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.IoLibName, lua.OpenIo},
		{lua.OsLibName, lua.OpenOs},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
		{lua.DebugLibName, lua.OpenDebug},
		{lua.ChannelLibName, lua.OpenChannel},
		{lua.CoroutineLibName, lua.OpenCoroutine},
	}
	for _, lib := range libs {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
}

// SetConsole implements debugger.Runtime.
func (r *Runtime) SetConsole(c debugger.Console) {
	if c == nil {
		c = nullConsole{}
	}
	r.console = c
}

// SetSearchPath implements debugger.Runtime.
func (r *Runtime) SetSearchPath(dirs []string) {
	r.searchPath = append([]string(nil), dirs...)
}

// SetEventLoop attaches the host event loop after construction.
func (r *Runtime) SetEventLoop(loop EventLoop) {
	r.loop = loop
}

// Globals returns the global table.
func (r *Runtime) Globals() *lua.LTable {
	return r.L.Get(lua.GlobalsIndex).(*lua.LTable)
}

// Close releases the interpreter.
func (r *Runtime) Close() error {
	if r.closed {
		return nil
	}
	r.L.Close()
	r.closed = true
	return nil
}

type nullConsole struct{}

func (nullConsole) Write(p []byte) (int, error) {
	return len(p), nil
}

func (nullConsole) ReadLine(context.Context, string) (string, error) {
	return "", io.EOF
}
