package debugger

import (
	"sort"
	"sync"
)

// Breakpoint is a line breakpoint. File is an absolute path.
type Breakpoint struct {
	File      string
	Line      int
	Condition string // empty when unconditional
	Enabled   bool
	HitCount  int
}

type breakpointKey struct {
	file string
	line int
}

// BreakpointTable holds at most one breakpoint per file and line.
type BreakpointTable struct {
	mu          sync.RWMutex
	breakpoints map[breakpointKey]*Breakpoint
	byFile      map[string]int
}

// NewBreakpointTable creates an empty table.
func NewBreakpointTable() *BreakpointTable {
	return &BreakpointTable{
		breakpoints: make(map[breakpointKey]*Breakpoint),
		byFile:      make(map[string]int),
	}
}

// Set adds or replaces the breakpoint at file:line. Replacing keeps the hit
// count.
func (t *BreakpointTable) Set(file string, line int, condition string) *Breakpoint {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := breakpointKey{file, line}
	if bp, ok := t.breakpoints[key]; ok {
		bp.Condition = condition
		bp.Enabled = true
		return bp
	}

	bp := &Breakpoint{File: file, Line: line, Condition: condition, Enabled: true}
	t.breakpoints[key] = bp
	t.byFile[file]++
	return bp
}

// Clear removes the breakpoint at file:line and reports whether one existed.
func (t *BreakpointTable) Clear(file string, line int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := breakpointKey{file, line}
	if _, ok := t.breakpoints[key]; !ok {
		return false
	}
	delete(t.breakpoints, key)
	if t.byFile[file]--; t.byFile[file] <= 0 {
		delete(t.byFile, file)
	}
	return true
}

// Get returns the breakpoint at file:line.
func (t *BreakpointTable) Get(file string, line int) (*Breakpoint, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	bp, ok := t.breakpoints[breakpointKey{file, line}]
	return bp, ok
}

// HasFile reports whether any breakpoint is set in file.
func (t *BreakpointTable) HasFile(file string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byFile[file] > 0
}

// Hit records a hit on bp.
func (t *BreakpointTable) Hit(bp *Breakpoint) {
	t.mu.Lock()
	bp.HitCount++
	t.mu.Unlock()
}

// Len returns the number of breakpoints.
func (t *BreakpointTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.breakpoints)
}

// All returns copies of every breakpoint ordered by file and line.
func (t *BreakpointTable) All() []Breakpoint {
	t.mu.RLock()
	result := make([]Breakpoint, 0, len(t.breakpoints))
	for _, bp := range t.breakpoints {
		result = append(result, *bp)
	}
	t.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].File != result[j].File {
			return result[i].File < result[j].File
		}
		return result[i].Line < result[j].Line
	})
	return result
}
