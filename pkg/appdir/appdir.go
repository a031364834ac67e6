// Package appdir encapsulates all path knowledge for the pagechat data
// directory (by default ~/.pagechat). It provides a Dir value object with
// accessors for the database, environment file and export locations.
package appdir

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// EnvHome names the environment variable that overrides the default root.
const EnvHome = "PAGECHAT_HOME"

const gitignoreContent = "local/\n.env\n"

// Dir is a value object that resolves paths within the data directory.
type Dir struct {
	root string
}

// New creates a Dir rooted at the given path. The path is converted to an
// absolute path. No I/O is performed; use EnsureStructure to create the
// directory layout.
func New(root string) Dir {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}

	return Dir{root: abs}
}

// Default returns the Dir named by $PAGECHAT_HOME, falling back to
// ~/.pagechat and finally to ./.pagechat when no home directory is known.
func Default() Dir {
	if v := os.Getenv(EnvHome); v != "" {
		return New(v)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return New(".pagechat")
	}

	return New(filepath.Join(home, ".pagechat"))
}

// Root returns the absolute path to the data directory.
func (d Dir) Root() string { return d.root }

// EnvPath returns the path to the optional .env file.
func (d Dir) EnvPath() string { return filepath.Join(d.root, ".env") }

// LocalDir returns the path to the local runtime state directory.
func (d Dir) LocalDir() string { return filepath.Join(d.root, "local") }

// DatabasePath returns the path to the SQLite storage file inside local/.
func (d Dir) DatabasePath() string { return filepath.Join(d.root, "local", "pagechat.db") }

// ExportsDir returns the directory that configuration exports are written to.
func (d Dir) ExportsDir() string { return filepath.Join(d.root, "exports") }

// ExportPath returns the default path of the configuration export file.
func (d Dir) ExportPath() string { return filepath.Join(d.root, "exports", "config.json") }

// GitignorePath returns the path to the .gitignore file.
func (d Dir) GitignorePath() string { return filepath.Join(d.root, ".gitignore") }

// Exports returns sorted paths of all *.json files in the exports directory.
// Returns nil if the directory does not exist.
func (d Dir) Exports() []string {
	matches, err := filepath.Glob(filepath.Join(d.ExportsDir(), "*.json"))
	if err != nil || len(matches) == 0 {
		return nil
	}

	sort.Strings(matches)

	return matches
}

// Exists reports whether the root directory exists on disk.
func (d Dir) Exists() bool {
	info, err := os.Stat(d.root)

	return err == nil && info.IsDir()
}

// EnsureStructure creates the root, local/ and exports/ directories and the
// .gitignore file if they are missing. It is safe to call multiple times.
func EnsureStructure(d Dir) error {
	for _, dir := range []string{d.root, d.LocalDir(), d.ExportsDir()} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("appdir: create %q: %w", dir, err)
		}
	}

	path := d.GitignorePath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.WriteFile(path, []byte(gitignoreContent), 0o600); err != nil {
		return fmt.Errorf("appdir: gitignore: %w", err)
	}

	return nil
}
