package debugger

import (
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// PathResolver maps file names reported by the runtime to absolute paths.
//
// Relative names are tried against the search path and then against
// directories discovered by earlier resolutions. A successful mapping is
// cached and never changes until Reset.
type PathResolver struct {
	fs         afero.Fs
	searchPath []string
	cache      map[string]string
	dirs       []string
}

// NewPathResolver creates a resolver that checks file existence on fs.
func NewPathResolver(fs afero.Fs) *PathResolver {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &PathResolver{
		fs:    fs,
		cache: make(map[string]string),
	}
}

// Reset clears the cache and discovered directories and installs a new
// search path.
func (r *PathResolver) Reset(searchPath []string) {
	r.searchPath = append([]string(nil), searchPath...)
	r.cache = make(map[string]string)
	r.dirs = nil
}

// Discovered returns directories learned from earlier resolutions.
func (r *PathResolver) Discovered() []string {
	return append([]string(nil), r.dirs...)
}

// Resolve returns the absolute path for name. Synthetic names and names
// that cannot be found are returned unchanged.
func (r *PathResolver) Resolve(name string) string {
	if name == "" || strings.HasPrefix(name, "<") {
		return name
	}
	if filepath.IsAbs(name) {
		return filepath.Clean(name)
	}
	if abs, ok := r.cache[name]; ok {
		return abs
	}

	for _, dir := range r.searchPath {
		if abs, ok := r.try(dir, name); ok {
			r.remember(name, abs)
			return abs
		}
	}
	for _, dir := range r.dirs {
		if abs, ok := r.try(dir, name); ok {
			r.cache[name] = abs
			return abs
		}
	}
	return name
}

func (r *PathResolver) try(dir, name string) (string, bool) {
	abs := filepath.Clean(filepath.Join(dir, name))
	if !filepath.IsAbs(abs) {
		if a, err := filepath.Abs(abs); err == nil {
			abs = a
		}
	}
	ok, err := afero.Exists(r.fs, abs)
	if err != nil || !ok {
		return "", false
	}
	return abs, true
}

func (r *PathResolver) remember(name, abs string) {
	r.cache[name] = abs

	dir := filepath.Dir(abs)
	for _, d := range r.searchPath {
		if filepath.Clean(d) == dir {
			return
		}
	}
	for _, d := range r.dirs {
		if d == dir {
			return
		}
	}
	r.dirs = append(r.dirs, dir)
}
