// Package metadata probes filesystem paths for the uniform record the rest
// of the dedup pipeline keys off: device, inode, size, kind, and ownership.
package metadata

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Kind classifies a path's unfollowed node type.
type Kind int

const (
	KindRegular Kind = iota
	KindDirectory
	KindSymlink
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindRegular:
		return "regular"
	case KindDirectory:
		return "directory"
	case KindSymlink:
		return "symlink"
	default:
		return "other"
	}
}

// Record is the uniform metadata view the index and walker key off.
// Kind reflects the node the probe examined: a Record from Lstat reports a
// symlink as KindSymlink, while a Record from Stat reports the kind of the
// symlink's target.
type Record struct {
	Device  uint64
	Inode   uint64
	Size    int64
	Kind    Kind
	Mode    uint32
	UID     uint32
	GID     uint32
	Nlink   uint32
	ModTime time.Time
}

// Stat follows a terminal symlink.
func Stat(path string) (Record, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return Record{}, &PathError{Op: "stat", Path: path, Err: err}
	}
	return fromStat(&st), nil
}

// Lstat does not follow a terminal symlink, so the returned Kind can be
// KindSymlink. Required so the walker can distinguish a link from its target.
func Lstat(path string) (Record, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return Record{}, &PathError{Op: "lstat", Path: path, Err: err}
	}
	return fromStat(&st), nil
}

func fromStat(st *unix.Stat_t) Record {
	return Record{
		Device:  uint64(st.Dev), //nolint:unconvert // platform-dependent width
		Inode:   st.Ino,
		Size:    st.Size,
		Kind:    kindFromMode(st.Mode),
		Mode:    uint32(st.Mode) & 0o7777,
		UID:     st.Uid,
		GID:     st.Gid,
		Nlink:   uint32(st.Nlink), //nolint:unconvert // platform-dependent width
		ModTime: time.Unix(int64(st.Mtim.Sec), int64(st.Mtim.Nsec)),
	}
}

func kindFromMode(mode uint32) Kind {
	switch mode & unix.S_IFMT {
	case unix.S_IFREG:
		return KindRegular
	case unix.S_IFDIR:
		return KindDirectory
	case unix.S_IFLNK:
		return KindSymlink
	default:
		return KindOther
	}
}

// PathError wraps a failed probe with the path and underlying syscall error.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PathError) Unwrap() error { return e.Err }
