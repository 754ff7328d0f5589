package lua

import (
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/stormdbg/internal/debugger"
)

// maxLocals bounds the local slot scan of a frame.
const maxLocals = 256

// frame is a view of one Lua activation, valid while the interpreter is
// paused inside a hook.
type frame struct {
	r     *Runtime
	L     *lua.LState
	dbg   *lua.Debug // nil for frames with no activation record
	file  string
	line  int
	depth int
	chunk bool

	locals *namespace
}

func (f *frame) File() string { return f.file }
func (f *frame) Line() int    { return f.line }
func (f *frame) Depth() int   { return f.depth }

// LocalsAreGlobals is true for chunk-level code: its locals are shown
// merged into the global table.
func (f *frame) LocalsAreGlobals() bool {
	return f.chunk
}

func (f *frame) Locals() debugger.Namespace {
	if f.chunk {
		return f.Globals()
	}
	return f.localBindings()
}

func (f *frame) Globals() debugger.Namespace {
	var overlay *namespace
	if f.chunk {
		overlay = f.localBindings()
	}
	return f.r.tableNamespace(f.L, f.r.Globals(), overlay)
}

// localBindings collects the frame's active locals followed by the upvalues
// they do not shadow. Compiler temporaries are skipped.
func (f *frame) localBindings() *namespace {
	if f.locals != nil {
		return f.locals
	}
	ns := newNamespace(f.r, f.L)
	f.locals = ns
	if f.dbg == nil {
		return ns
	}

	for i := 1; i <= maxLocals; i++ {
		name, lv := f.L.GetLocal(f.dbg, i)
		if name == "" {
			break
		}
		if strings.HasPrefix(name, "(") {
			continue
		}
		ns.set(name, lv)
	}

	fnv, err := f.L.GetInfo("f", f.dbg, lua.LNil)
	if err != nil {
		return ns
	}
	fn, ok := fnv.(*lua.LFunction)
	if !ok || fn.IsG {
		return ns
	}
	for i := 1; i <= len(fn.Upvalues); i++ {
		name, lv := f.L.GetUpvalue(fn, i)
		if name == "" {
			break
		}
		if _, shadowed := ns.values[name]; !shadowed {
			ns.set(name, lv)
		}
	}
	return ns
}

// Eval evaluates expr with the frame's locals visible in front of the
// globals.
func (f *frame) Eval(expr string) (bool, error) {
	L := f.L
	fn, err := L.LoadString("return (" + expr + ")")
	if err != nil {
		return false, err
	}

	if f.dbg != nil {
		locals := f.localBindings()
		env := L.NewTable()
		for _, name := range sortedKeys(locals.values) {
			env.RawSetString(name, locals.values[name])
		}
		mt := L.NewTable()
		mt.RawSetString("__index", f.r.Globals())
		mt.RawSetString("__newindex", f.r.Globals())
		L.SetMetatable(env, mt)
		fn.Env = env
	}

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}); err != nil {
		return false, err
	}
	ret := L.Get(-1)
	L.Pop(1)
	return lua.LVAsBool(ret), nil
}

// stackLevel is one Lua activation found by a stack walk.
type stackLevel struct {
	dbg   *lua.Debug
	file  string
	line  int
	name  string
	chunk bool
}

// luaStack walks L's call stack from the innermost activation outward and
// returns the Lua activations. Go functions are skipped.
func luaStack(L *lua.LState) []stackLevel {
	var levels []stackLevel
	for level := 0; level < maxStackDepth; level++ {
		dbg, ok := L.GetStack(level)
		if !ok {
			break
		}
		if _, err := L.GetInfo("Sln", dbg, lua.LNil); err != nil {
			continue
		}
		if dbg.What == "G" || dbg.Source == "" || dbg.Source == "[G]" {
			continue
		}
		lvl := stackLevel{
			dbg:   dbg,
			file:  dbg.Source,
			line:  dbg.CurrentLine,
			name:  dbg.Name,
			chunk: dbg.LineDefined == 0,
		}
		if lvl.chunk {
			lvl.name = "<module>"
		}
		levels = append(levels, lvl)
	}
	return levels
}

// stackDepth returns the number of Lua activations on L.
func stackDepth(L *lua.LState) int {
	return len(luaStack(L))
}

func (r *Runtime) newFrame(L *lua.LState, lvl stackLevel, line, depth int) *frame {
	return &frame{
		r:     r,
		L:     L,
		dbg:   lvl.dbg,
		file:  lvl.file,
		line:  line,
		depth: depth,
		chunk: lvl.chunk,
	}
}

// TopFrame implements debugger.Runtime.
func (r *Runtime) TopFrame() debugger.Frame {
	return &frame{r: r, L: r.L, file: stdinName, chunk: true}
}
