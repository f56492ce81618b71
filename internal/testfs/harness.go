package testfs

import (
	"path/filepath"
	"testing"
)

// Harness builds a filesystem fixture under a fresh temp directory and
// verifies it against an expected FileTree once a test has run the
// deduplicator over it.
type Harness struct {
	t    *testing.T
	root string
}

// New creates a temp-directory fixture from spec and returns a Harness
// scoped to it. The directory (and everything under it) is removed when
// the test completes.
func New(t *testing.T, spec FileTree) *Harness {
	t.Helper()

	root := t.TempDir()
	if err := SowFileTree(root, spec); err != nil {
		t.Fatalf("sow fixture: %v", err)
	}
	return &Harness{t: t, root: root}
}

// Root returns the fixture's base directory.
func (h *Harness) Root() string { return h.root }

// Path joins rel onto the fixture's root, mirroring the relative paths
// used in a FileTree's Volume.MountPoint.
func (h *Harness) Path(rel string) string {
	if rel == "" {
		return h.root
	}
	return filepath.Join(h.root, rel)
}

// Assert reaps the current state of every volume named in expected and
// compares it, failing the test on any mismatch.
func (h *Harness) Assert(expected FileTree) {
	h.t.Helper()

	var mountPoints []string
	for _, vol := range expected.Volumes {
		mountPoints = append(mountPoints, vol.MountPoint)
	}

	result, err := ReapPaths(h.root, mountPoints)
	if err != nil {
		h.t.Fatalf("reap fixture: %v", err)
	}

	for i, vol := range expected.Volumes {
		AssertVolume(h.t, vol, result.Volumes[i])
	}
}
