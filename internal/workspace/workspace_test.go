package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func newLayout(t *testing.T) *Layout {
	t.Helper()
	l, err := New(filepath.Join(t.TempDir(), "ws"))
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestNew(t *testing.T) {
	tmp := t.TempDir()
	root := filepath.Join(tmp, "workspace")

	l, err := New(root)
	if err != nil {
		t.Fatalf("New(%q): %v", root, err)
	}
	if l.Root != root {
		t.Errorf("Root = %q, want %q", l.Root, root)
	}

	// Root directory should exist.
	if _, err := os.Stat(root); err != nil {
		t.Errorf("root dir not created: %v", err)
	}
}

func TestDirectoryAccessors(t *testing.T) {
	l := newLayout(t)

	tests := []struct {
		name string
		fn   func() string
		want string
		perm os.FileMode
	}{
		{"ScriptsDir", l.ScriptsDir, "scripts", 0750},
		{"OutputsDir", l.OutputsDir, "outputs", 0750},
		{"ScratchDir", l.ScratchDir, "scratch", 0700},
		{"DataDir", l.DataDir, "data", 0700},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.fn()
			expected := filepath.Join(l.Root, tc.want)
			if got != expected {
				t.Errorf("%s() = %q, want %q", tc.name, got, expected)
			}
			info, err := os.Stat(got)
			if err != nil {
				t.Fatalf("directory not created: %v", err)
			}
			if perm := info.Mode().Perm(); perm&^tc.perm != 0 {
				t.Errorf("permissions = %o, want at most %o", perm, tc.perm)
			}
		})
	}
}

func TestDerivedPaths(t *testing.T) {
	l := newLayout(t)

	tests := []struct {
		name, got, want string
	}{
		{"ConfigPath", l.ConfigPath(), filepath.Join(l.Root, "config.yaml")},
		{"DatabasePath", l.DatabasePath(), filepath.Join(l.Root, "data", "scrapeforge.db")},
		{"ScriptPath", l.ScriptPath("abc"), filepath.Join(l.Root, "scripts", "abc.py")},
		{"OutputPath", l.OutputPath("e1", "csv"), filepath.Join(l.Root, "outputs", "output_e1.csv")},
		{"ScratchPath", l.ScratchPath("e1"), filepath.Join(l.Root, "scratch", "e1")},
		{"ScriptPath traversal", l.ScriptPath("../../etc/x"), filepath.Join(l.Root, "scripts", "____etc_x.py")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.got != tc.want {
				t.Errorf("got %q, want %q", tc.got, tc.want)
			}
		})
	}
}

func TestContains(t *testing.T) {
	l := newLayout(t)

	tests := []struct {
		path string
		want bool
	}{
		{l.OutputPath("e1", "json"), true},
		{l.OutputsDir(), false},
		{filepath.Join(l.OutputsDir(), "..", "data", "scrapeforge.db"), false},
		{"/etc/passwd", false},
	}
	for _, tc := range tests {
		if got := l.Contains(tc.path); got != tc.want {
			t.Errorf("Contains(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestCleanScratch(t *testing.T) {
	l := newLayout(t)

	// Create some scratch entries.
	dir := l.ScratchDir()
	os.MkdirAll(filepath.Join(dir, "exec-1"), 0750)
	os.MkdirAll(filepath.Join(dir, "exec-2"), 0750)
	os.WriteFile(filepath.Join(dir, "exec-1", "scraper_exec-1.py"), []byte("print(1)"), 0644)

	if err := l.CleanScratch(); err != nil {
		t.Fatalf("CleanScratch: %v", err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("scratch dir not empty after clean: %d entries", len(entries))
	}
}

func TestCleanScratchNoop(t *testing.T) {
	l := newLayout(t)
	// No scratch dir: CleanScratch is a no-op.
	os.RemoveAll(filepath.Join(l.Root, "scratch"))
	if err := l.CleanScratch(); err != nil {
		t.Fatalf("CleanScratch on missing dir: %v", err)
	}
}

func TestEnsureAll(t *testing.T) {
	l := newLayout(t)

	if err := l.EnsureAll(); err != nil {
		t.Fatal(err)
	}

	for _, sub := range []string{"scripts", "outputs", "scratch", "data"} {
		p := filepath.Join(l.Root, sub)
		if _, err := os.Stat(p); err != nil {
			t.Errorf("directory %q not created: %v", sub, err)
		}
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"normal", "normal"},
		{"a/b", "a_b"},
		{"a\\b", "a_b"},
		{"../etc/passwd", "__etc_passwd"},
		{"", "_"},
	}
	for _, tc := range tests {
		got := sanitizeName(tc.input)
		if got != tc.want {
			t.Errorf("sanitizeName(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestResolveTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	got, err := resolvePath("~/test")
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(home, "test")
	if got != want {
		t.Errorf("resolvePath(~/test) = %q, want %q", got, want)
	}
}
