package debugger

import (
	"testing"

	"github.com/spf13/afero"
)

func newTestFs(t *testing.T, files ...string) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	for _, f := range files {
		if err := afero.WriteFile(fs, f, []byte("-- test\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return fs
}

func TestPathResolver_Absolute(t *testing.T) {
	r := NewPathResolver(newTestFs(t))
	if got := r.Resolve("/a/b/../c.lua"); got != "/a/c.lua" {
		t.Errorf("absolute name not cleaned: %q", got)
	}
	if got := r.Resolve("<stdin>"); got != "<stdin>" {
		t.Errorf("synthetic name changed: %q", got)
	}
}

func TestPathResolver_SearchPathThenDiscovered(t *testing.T) {
	fs := newTestFs(t, "/proj/main.lua", "/proj/lib/util.lua", "/proj/lib/extra.lua")
	r := NewPathResolver(fs)
	r.Reset([]string{"/proj"})

	if got := r.Resolve("main.lua"); got != "/proj/main.lua" {
		t.Errorf("Resolve(main.lua) = %q", got)
	}
	if len(r.Discovered()) != 0 {
		t.Errorf("search path directories are not discoveries: %v", r.Discovered())
	}

	if got := r.Resolve("lib/util.lua"); got != "/proj/lib/util.lua" {
		t.Errorf("Resolve(lib/util.lua) = %q", got)
	}
	if d := r.Discovered(); len(d) != 1 || d[0] != "/proj/lib" {
		t.Fatalf("expected /proj/lib to be discovered, got %v", d)
	}

	// Found only through the discovered directory.
	if got := r.Resolve("extra.lua"); got != "/proj/lib/extra.lua" {
		t.Errorf("Resolve(extra.lua) = %q", got)
	}
}

func TestPathResolver_MissingNotCached(t *testing.T) {
	fs := newTestFs(t)
	r := NewPathResolver(fs)
	r.Reset([]string{"/proj"})

	if got := r.Resolve("later.lua"); got != "later.lua" {
		t.Errorf("missing file should resolve to itself, got %q", got)
	}

	if err := afero.WriteFile(fs, "/proj/later.lua", nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if got := r.Resolve("later.lua"); got != "/proj/later.lua" {
		t.Errorf("file created later should resolve, got %q", got)
	}
}

func TestPathResolver_MappingIsStable(t *testing.T) {
	fs := newTestFs(t, "/a/m.lua", "/b/m.lua")
	r := NewPathResolver(fs)
	r.Reset([]string{"/a", "/b"})

	first := r.Resolve("m.lua")
	if err := fs.Remove("/a/m.lua"); err != nil {
		t.Fatal(err)
	}
	if got := r.Resolve("m.lua"); got != first {
		t.Errorf("cached mapping changed from %q to %q", first, got)
	}

	r.Reset([]string{"/a", "/b"})
	if got := r.Resolve("m.lua"); got != "/b/m.lua" {
		t.Errorf("Reset should clear the cache, got %q", got)
	}
}
