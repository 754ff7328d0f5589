package debugger

import (
	"sort"
	"strings"

	"github.com/dshills/stormdbg/internal/protocol"
)

// TypeTags lists the type tags a variables filter refers to by index.
var TypeTags = []string{
	"__",
	"nil",
	"boolean",
	"number",
	"string",
	"table",
	"function",
	"builtin",
	"userdata",
	"thread",
	"channel",
	"instance",
	"other",
}

// Filter indexes with special meaning.
const (
	FilterHidden   = 0  // names starting with "__"
	FilterInstance = 11 // instance-like values and their expansion
	FilterOther    = 12 // values whose tag is not listed
)

// TypeIndex returns the index of tag in TypeTags or -1.
func TypeIndex(tag string) int {
	for i, t := range TypeTags {
		if t == tag {
			return i
		}
	}
	return -1
}

// Inspector produces variables dumps from a frame.
type Inspector struct{}

// NewInspector creates an inspector.
func NewInspector() *Inspector {
	return &Inspector{}
}

// Dump lists the bindings of the requested scope minus the filtered type
// indexes. A non-zero scope selects globals. When locals are requested but
// the frame's locals are its globals, the result scope is
// protocol.ScopeSameAsGlobal with no entries.
func (in *Inspector) Dump(f Frame, scope int, filter []int) (int, []protocol.Entry) {
	var ns Namespace
	if scope != protocol.ScopeLocal {
		scope = protocol.ScopeGlobal
		ns = f.Globals()
	} else {
		if f.LocalsAreGlobals() {
			return protocol.ScopeSameAsGlobal, nil
		}
		ns = f.Locals()
	}
	if ns == nil {
		return scope, nil
	}

	skip := make(map[int]bool, len(filter))
	for _, i := range filter {
		skip[i] = true
	}

	entries, instances := in.format(ns, "", skip, true)
	for _, name := range instances {
		v, ok := ns.Get(name)
		if !ok {
			continue
		}
		attrs := v.Attributes()
		if attrs == nil {
			continue
		}
		more, _ := in.format(attrs, name, skip, false)
		entries = append(entries, more...)
	}
	return scope, entries
}

// format renders every visible binding of ns sorted by name. When collect is
// set, the names of instance-like values are returned for one level of
// expansion.
func (in *Inspector) format(ns Namespace, prefix string, skip map[int]bool, collect bool) ([]protocol.Entry, []string) {
	names := ns.Names()
	sort.Strings(names)

	var entries []protocol.Entry
	var instances []string
	for _, name := range names {
		if skip[FilterHidden] && strings.HasPrefix(name, "__") {
			continue
		}
		v, ok := ns.Get(name)
		if !ok {
			continue
		}

		tag := v.Type()
		idx := TypeIndex(tag)
		if idx < 0 {
			idx = FilterOther
		}
		if skip[idx] {
			continue
		}
		if idx == FilterInstance && collect {
			instances = append(instances, name)
		}

		repr, err := v.Repr()
		if err != nil {
			repr = ""
		}
		if prefix != "" {
			name = prefix + "." + name
		}
		entries = append(entries, protocol.Entry{Name: name, Type: tag, Repr: repr})
	}
	return entries, instances
}
