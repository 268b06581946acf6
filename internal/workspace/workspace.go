// Package workspace manages the ScrapeForge runtime directory structure.
// Scripts, outputs, scratch directories, and the SQLite database live under
// a single workspace root, making a deployment portable.
//
// Default workspace: ~/.scrapeforge (configurable via config or SCRAPEFORGE_WORKSPACE env var).
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Default workspace location relative to user home directory.
const defaultRelativePath = ".scrapeforge"

// Layout resolves every path the pipeline reads or writes.
type Layout struct {
	Root string

	mu      sync.Mutex
	created map[string]bool // tracks which directories have been ensured
}

// New creates a Layout rooted at the given path.
// It resolves ~ to the user's home directory and creates the root directory
// with appropriate permissions if it does not exist.
func New(root string) (*Layout, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}

	l := &Layout{
		Root:    resolved,
		created: make(map[string]bool),
	}

	if err := l.ensureDir(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	return l, nil
}

// Default creates a Layout at ~/.scrapeforge.
func Default() (*Layout, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return New(filepath.Join(home, defaultRelativePath))
}

// --- Top-level directory accessors ---

// ScriptsDir returns <root>/scripts/. Holds the persisted copy of each scraper's script.
func (l *Layout) ScriptsDir() string {
	return l.dir("scripts")
}

// OutputsDir returns <root>/outputs/. Execution output files.
func (l *Layout) OutputsDir() string {
	return l.dir("outputs")
}

// ScratchDir returns <root>/scratch/. Ephemeral per-execution working directories.
func (l *Layout) ScratchDir() string {
	return l.restrictedDir("scratch")
}

// DataDir returns <root>/data/. Database files.
func (l *Layout) DataDir() string {
	return l.restrictedDir("data")
}

// --- Derived paths ---

// ConfigPath returns <root>/config.yaml.
func (l *Layout) ConfigPath() string {
	return filepath.Join(l.Root, "config.yaml")
}

// DatabasePath returns <root>/data/scrapeforge.db.
func (l *Layout) DatabasePath() string {
	return filepath.Join(l.DataDir(), "scrapeforge.db")
}

// ScriptPath returns <root>/scripts/<scraperID>.py.
func (l *Layout) ScriptPath(scraperID string) string {
	return filepath.Join(l.ScriptsDir(), sanitizeName(scraperID)+".py")
}

// OutputPath returns <root>/outputs/output_<executionID>.<format>.
func (l *Layout) OutputPath(executionID, format string) string {
	return filepath.Join(l.OutputsDir(), fmt.Sprintf("output_%s.%s", sanitizeName(executionID), sanitizeName(format)))
}

// ScratchPath returns <root>/scratch/<executionID>/ without creating it.
func (l *Layout) ScratchPath(executionID string) string {
	return filepath.Join(l.ScratchDir(), sanitizeName(executionID))
}

// Contains reports whether path resolves inside the outputs directory.
func (l *Layout) Contains(path string) bool {
	rel, err := filepath.Rel(l.OutputsDir(), filepath.Clean(path))
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..")
}

// --- Cleanup ---

// CleanScratch removes all contents of the scratch directory.
// Scratch entries left behind by a crashed process are never reused.
func (l *Layout) CleanScratch() error {
	dir := filepath.Join(l.Root, "scratch")
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading scratch dir: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("removing scratch entry %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// EnsureAll creates all standard workspace directories.
// Call this during first startup.
func (l *Layout) EnsureAll() error {
	for _, name := range []string{"scripts", "outputs"} {
		if err := l.ensureDir(filepath.Join(l.Root, name), 0750); err != nil {
			return err
		}
	}
	for _, name := range []string{"scratch", "data"} {
		if err := l.ensureDir(filepath.Join(l.Root, name), 0700); err != nil {
			return err
		}
	}
	return nil
}

// --- Internal helpers ---

// dir returns an absolute path under the workspace root and ensures the directory exists.
func (l *Layout) dir(name string) string {
	p := filepath.Join(l.Root, name)
	_ = l.ensureDir(p, 0750)
	return p
}

// restrictedDir is like dir but uses 0700 permissions.
func (l *Layout) restrictedDir(name string) string {
	p := filepath.Join(l.Root, name)
	_ = l.ensureDir(p, 0700)
	return p
}

// ensureDir creates a directory if it doesn't already exist.
// Uses a cache to avoid redundant stat/mkdir calls.
func (l *Layout) ensureDir(path string, perm os.FileMode) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.created[path] {
		return nil
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	l.created[path] = true
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// sanitizeName replaces path separator characters to prevent directory traversal.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" {
		name = "_"
	}
	return name
}
