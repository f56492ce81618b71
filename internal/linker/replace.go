package linker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/pkg/xattr"
	"golang.org/x/sys/unix"

	"github.com/nullfs/dupedog/internal/index"
	"github.com/nullfs/dupedog/internal/metadata"
	"github.com/nullfs/dupedog/internal/walker"
)

// replace runs the hardlink (or symlink) atomic replace protocol for a
// confirmed duplicate: victim is discarded in favor of a link to keeper.
func (l *Linker) replace(victim walker.File, keeper index.Entry) {
	if l.policy.ScanOnly {
		l.log.Change(victim.Path, "found duplicate of %s (scan-only, not replaced)", keeper.Path)
		return
	}

	fl := flock.New(victim.Path)
	locked, err := fl.TryLock()
	if err != nil {
		l.reportError(victim.Path, fmt.Errorf("lock before replace: %w", err))
		return
	}
	if !locked {
		l.reportError(victim.Path, fmt.Errorf("file is in use, skipping replace"))
		return
	}
	defer func() { _ = fl.Unlock() }()

	if err := verifyUnchanged(victim); err != nil {
		l.reportError(victim.Path, err)
		return
	}

	useSymlink := l.policy.UseSymlinks ||
		victim.Meta.Kind == metadata.KindSymlink || keeper.Kind == metadata.KindSymlink

	if err := l.doReplace(victim, keeper.Path, useSymlink); err != nil {
		l.reportError(victim.Path, err)
		return
	}

	l.stats.Replaced.Add(1)
	l.stats.BytesReclaimed.Add(victim.Meta.Size)
	verb := "hardlink"
	if useSymlink {
		verb = "symlink"
	}
	l.log.Change(victim.Path, "replaced with %s to %s", verb, keeper.Path)
}

// replaceWithSymlink is the foreign-filesystem fallback: always a symlink,
// never a hardlink, since the keeper lives on a different device.
func (l *Linker) replaceWithSymlink(victim walker.File, keeper index.Entry) error {
	if l.policy.ScanOnly {
		l.log.Change(victim.Path, "found external-filesystem duplicate of %s (scan-only, not replaced)", keeper.Path)
		return nil
	}

	fl := flock.New(victim.Path)
	locked, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("lock before replace: %w", err)
	}
	if !locked {
		return fmt.Errorf("file is in use, skipping replace")
	}
	defer func() { _ = fl.Unlock() }()

	if err := verifyUnchanged(victim); err != nil {
		return err
	}

	return l.doReplace(victim, keeper.Path, true)
}

// verifyUnchanged re-stats victim.Path once the advisory lock is held and
// aborts the replace if its mtime has moved since the scan, guarding
// against replacing a file that was modified in the window between
// hashing/comparison and the lock being acquired.
func verifyUnchanged(victim walker.File) error {
	current, err := metadata.Lstat(victim.Path)
	if err != nil {
		return fmt.Errorf("re-stat before replace: %w", err)
	}
	if !current.ModTime.Equal(victim.Meta.ModTime) {
		return errors.New("file modified since scan, skipping replace")
	}
	return nil
}

// doReplace derives a unique temp sibling of victim.Path, links or symlinks
// keeperPath onto it, copies victim's mode/ownership/xattrs onto the temp
// path, then unlinks victim and renames the temp path over it. On failure
// anywhere after the link step it removes the temp path and reports the
// event; victim is left intact whenever the failure occurs before unlink.
func (l *Linker) doReplace(victim walker.File, keeperPath string, useSymlink bool) error {
	tempPath, err := nextTempPath(victim.Path)
	if err != nil {
		return fmt.Errorf("derive temp path: %w", err)
	}

	if useSymlink {
		if err := createSymlinkTemp(keeperPath, tempPath); err != nil {
			return fmt.Errorf("create symlink: %w", err)
		}
	} else {
		if err := os.Link(keeperPath, tempPath); err != nil {
			return fmt.Errorf("create hardlink: %w", err)
		}
	}

	if err := finishReplace(victim, tempPath, useSymlink); err != nil {
		_ = os.Remove(tempPath)
		return err
	}
	return nil
}

// finishReplace copies metadata onto tempPath and swaps it in over
// victim.Path. Mode is only meaningful for a hardlinked temp path — Linux
// symlinks carry no independent permission bits and os.Chmod always
// dereferences a symlink, so chmod-ing a symlink temp path would instead
// rewrite the mode of whatever it points at. Skip chmod whenever tempPath
// itself is a symlink, regardless of what kind victim was.
func finishReplace(victim walker.File, tempPath string, tempIsSymlink bool) error {
	if !tempIsSymlink {
		if err := os.Chmod(tempPath, os.FileMode(victim.Meta.Mode)); err != nil {
			return fmt.Errorf("copy mode: %w", err)
		}
	}

	if err := unix.Lchown(tempPath, int(victim.Meta.UID), int(victim.Meta.GID)); err != nil {
		return fmt.Errorf("copy owner: %w", err)
	}

	copyXattrs(victim.Path, tempPath)

	if err := os.Remove(victim.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("unlink victim: %w", err)
	}
	if err := os.Rename(tempPath, victim.Path); err != nil {
		return fmt.Errorf("rename temp into place: %w", err)
	}
	return nil
}

// copyXattrs best-effort copies extended attributes from src onto dst.
// Failure is a non-fatal condition: xattr support varies by filesystem and
// losing an attribute is never a data-loss event.
func copyXattrs(src, dst string) {
	names, err := xattr.LList(src)
	if err != nil {
		return
	}
	for _, name := range names {
		val, err := xattr.LGet(src, name)
		if err != nil {
			continue
		}
		_ = xattr.LSet(dst, name, val)
	}
}

// nextTempPath returns path + "_" + N for the smallest integer N >= 0 such
// that the candidate does not already exist, per spec.md §4.7's temp
// sibling naming rule.
func nextTempPath(path string) (string, error) {
	const maxAttempts = 1_000_000
	for n := 0; n < maxAttempts; n++ {
		candidate := fmt.Sprintf("%s_%d", path, n)
		if _, err := os.Lstat(candidate); err != nil {
			if os.IsNotExist(err) {
				return candidate, nil
			}
			return "", err
		}
	}
	return "", errors.New("exhausted temp name range")
}

// createSymlinkTemp symlinks tempPath to keeperPath using a path relative
// to tempPath's directory, falling back to an absolute path if no relative
// form exists.
func createSymlinkTemp(keeperPath, tempPath string) error {
	rel, err := filepath.Rel(filepath.Dir(tempPath), keeperPath)
	if err != nil {
		rel = keeperPath
	}
	return os.Symlink(rel, tempPath)
}
