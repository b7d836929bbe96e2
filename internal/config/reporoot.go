package config

import (
	"errors"
	"os"
	"path/filepath"
)

var errNoRepo = errors.New("not inside a git repository")

// repoRoot returns the nearest directory at or above dir containing .git.
// A .git file (worktree or submodule) counts as well.
func repoRoot(dir string) (string, error) {
	if dir == "" {
		var err error
		if dir, err = os.Getwd(); err != nil {
			return "", err
		}
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errNoRepo
		}
		dir = parent
	}
}
