package debugger

import (
	"path/filepath"
	"strings"
)

// FrameFilter decides which files may ever produce a stop. Files whose name
// starts with "<" are synthetic, engine files are the debugger's own, and
// library roots hold the language's standard library.
type FrameFilter struct {
	LibraryRoots []string
	EngineFiles  []string
}

// Eligible reports whether a resolved file name is a stop candidate.
func (f FrameFilter) Eligible(file string) bool {
	if file == "" || strings.HasPrefix(file, "<") {
		return false
	}

	base := filepath.Base(file)
	for _, name := range f.EngineFiles {
		if base == name {
			return false
		}
	}

	for _, root := range f.LibraryRoots {
		if underRoot(file, root) {
			return false
		}
	}
	return true
}

func underRoot(file, root string) bool {
	if root == "" {
		return false
	}
	root = filepath.Clean(root)
	if file == root {
		return true
	}
	if !strings.HasSuffix(root, string(filepath.Separator)) {
		root += string(filepath.Separator)
	}
	return strings.HasPrefix(file, root)
}
