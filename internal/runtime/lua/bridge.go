package lua

import (
	"sort"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/stormdbg/internal/debugger"
)

// maxReprItems caps the number of table entries shown in a repr.
const maxReprItems = 32

// toGoValue converts a Lua value to a Go value. Integral numbers become
// int64. Tables and other reference values are described by their string
// form.
func toGoValue(lv lua.LValue) any {
	switch v := lv.(type) {
	case nil, *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	default:
		return v.String()
	}
}

// typeTag returns the inspector tag for a Lua value.
func typeTag(lv lua.LValue) string {
	switch v := lv.(type) {
	case *lua.LNilType:
		return "nil"
	case lua.LBool:
		return "boolean"
	case lua.LNumber:
		return "number"
	case lua.LString:
		return "string"
	case *lua.LTable:
		if hasMetatable(v) {
			return "instance"
		}
		return "table"
	case *lua.LFunction:
		if v.IsG {
			return "builtin"
		}
		return "function"
	case *lua.LUserData:
		return "userdata"
	case *lua.LState:
		return "thread"
	case lua.LChannel:
		return "channel"
	default:
		return "other"
	}
}

func hasMetatable(t *lua.LTable) bool {
	return t.Metatable != nil && t.Metatable != lua.LNil
}

// value adapts a Lua value to debugger.Value.
type value struct {
	r  *Runtime
	L  *lua.LState
	lv lua.LValue
}

func (v *value) Type() string {
	return typeTag(v.lv)
}

func (v *value) Repr() (string, error) {
	return v.r.repr(v.L, v.lv)
}

func (v *value) Attributes() debugger.Namespace {
	t, ok := v.lv.(*lua.LTable)
	if !ok || !hasMetatable(t) {
		return nil
	}
	return v.r.tableNamespace(v.L, t, nil)
}

// namespace is a snapshot of named bindings.
type namespace struct {
	r      *Runtime
	L      *lua.LState
	names  []string
	values map[string]lua.LValue
}

func (n *namespace) Names() []string {
	return append([]string(nil), n.names...)
}

func (n *namespace) Get(name string) (debugger.Value, bool) {
	lv, ok := n.values[name]
	if !ok {
		return nil, false
	}
	return &value{r: n.r, L: n.L, lv: lv}, true
}

func (n *namespace) set(name string, lv lua.LValue) {
	if _, ok := n.values[name]; !ok {
		n.names = append(n.names, name)
	}
	n.values[name] = lv
}

func newNamespace(r *Runtime, L *lua.LState) *namespace {
	return &namespace{r: r, L: L, values: make(map[string]lua.LValue)}
}

// tableNamespace snapshots the string-keyed fields of t. Bindings in
// overlay take precedence. The trace hooks are left out of the globals.
func (r *Runtime) tableNamespace(L *lua.LState, t *lua.LTable, overlay *namespace) *namespace {
	globals := t == r.Globals()
	ns := newNamespace(r, L)
	t.ForEach(func(k, v lua.LValue) {
		s, ok := k.(lua.LString)
		if !ok {
			return
		}
		if globals && (s == lineHook || s == passHook) {
			return
		}
		ns.set(string(s), v)
	})
	if overlay != nil {
		for _, name := range overlay.names {
			ns.set(name, overlay.values[name])
		}
	}
	return ns
}

// repr renders a value for display. Tables with a __tostring metamethod are
// rendered through it; its errors are returned.
func (r *Runtime) repr(L *lua.LState, lv lua.LValue) (string, error) {
	switch v := lv.(type) {
	case lua.LString:
		return strconv.Quote(string(v)), nil
	case *lua.LTable:
		if v == r.Globals() {
			return "<globals>", nil
		}
		if L.GetMetaField(v, "__tostring") != lua.LNil {
			return r.tostring(L, v)
		}
		return tableRepr(v), nil
	case *lua.LUserData:
		if L.GetMetaField(v, "__tostring") != lua.LNil {
			return r.tostring(L, v)
		}
	}
	return lv.String(), nil
}

// tostring calls the global tostring under protection.
func (r *Runtime) tostring(L *lua.LState, lv lua.LValue) (string, error) {
	fn := L.GetGlobal("tostring")
	if _, ok := fn.(*lua.LFunction); !ok {
		return lv.String(), nil
	}
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, lv); err != nil {
		return "", err
	}
	ret := L.Get(-1)
	L.Pop(1)
	return ret.String(), nil
}

func tableRepr(t *lua.LTable) string {
	var b strings.Builder
	b.WriteByte('{')

	n, next := 0, 1
	t.ForEach(func(k, v lua.LValue) {
		if n > maxReprItems {
			return
		}
		if n > 0 {
			b.WriteString(", ")
		}
		if n == maxReprItems {
			b.WriteString("...")
			n++
			return
		}
		n++

		if num, ok := k.(lua.LNumber); ok && float64(num) == float64(next) {
			next++
		} else {
			b.WriteString(keyRepr(k))
			b.WriteByte('=')
		}
		b.WriteString(shortRepr(v))
	})

	b.WriteByte('}')
	return b.String()
}

func keyRepr(k lua.LValue) string {
	if s, ok := k.(lua.LString); ok && isIdentifier(string(s)) {
		return string(s)
	}
	return "[" + shortRepr(k) + "]"
}

func shortRepr(v lua.LValue) string {
	switch x := v.(type) {
	case lua.LString:
		return strconv.Quote(string(x))
	case *lua.LTable:
		return "{...}"
	default:
		return v.String()
	}
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case i > 0 && c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}

// sortedKeys returns the keys of m in order.
func sortedKeys(m map[string]lua.LValue) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
