// Package pathresolver expands user-supplied path strings (environment
// variables, home-tilde) and canonicalizes the existing prefix, leaving the
// leaf's symlink-follow behavior to the walker.
package pathresolver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Resolve expands env vars and "~", then returns a canonical absolute path.
// The leaf component is never dereferenced here even if it is a symlink —
// only the path's existing ancestor directories are resolved to their
// canonical form. Resolving an already-canonical path is a no-op.
func Resolve(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("empty path")
	}

	expanded, err := expandHome(os.ExpandEnv(raw))
	if err != nil {
		return "", fmt.Errorf("expand %q: %w", raw, err)
	}

	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", raw, err)
	}

	return canonicalizePrefix(abs)
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, path[2:]), nil
}

// canonicalizePrefix resolves symlinks in path's parent directory chain,
// walking up to the first existing ancestor, and rejoins the remainder
// (including the leaf) unresolved.
func canonicalizePrefix(path string) (string, error) {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	resolvedDir, err := resolveExistingAncestor(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolvedDir, base), nil
}

func resolveExistingAncestor(dir string) (string, error) {
	suffix := ""
	for {
		if _, err := os.Lstat(dir); err == nil {
			resolved, err := filepath.EvalSymlinks(dir)
			if err != nil {
				return "", fmt.Errorf("resolve symlinks in %q: %w", dir, err)
			}
			if suffix == "" {
				return resolved, nil
			}
			return filepath.Join(resolved, suffix), nil
		} else if !os.IsNotExist(err) {
			return "", fmt.Errorf("lstat %q: %w", dir, err)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no existing ancestor found above %q", dir)
		}
		if suffix == "" {
			suffix = filepath.Base(dir)
		} else {
			suffix = filepath.Join(filepath.Base(dir), suffix)
		}
		dir = parent
	}
}
