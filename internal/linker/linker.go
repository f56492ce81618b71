// Package linker implements the Linker: for each candidate file it consults
// the GroupingIndex, confirms a byte-identical match before touching
// anything, and either performs the atomic replace protocol or records the
// candidate as a new representative.
package linker

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/nullfs/dupedog/internal/comparator"
	"github.com/nullfs/dupedog/internal/hasher"
	"github.com/nullfs/dupedog/internal/index"
	"github.com/nullfs/dupedog/internal/logging"
	"github.com/nullfs/dupedog/internal/metadata"
	"github.com/nullfs/dupedog/internal/policy"
	"github.com/nullfs/dupedog/internal/walker"
)

// Stats tracks linking progress with atomic counters.
type Stats struct {
	FilesProcessed atomic.Int64
	// SetsFound counts confirmed duplicates: it grows by one for each
	// victim matched to a keeper, so three equal files count as two.
	SetsFound      atomic.Int64
	Replaced       atomic.Int64
	BytesReclaimed atomic.Int64
	Errors         atomic.Int64
	startTime      time.Time
}

func (s *Stats) String() string {
	return fmt.Sprintf("processed %d, %d duplicates, %d replaced, reclaimed %s, errors %d, in %.1fs",
		s.FilesProcessed.Load(), s.SetsFound.Load(), s.Replaced.Load(),
		humanize.IBytes(uint64(s.BytesReclaimed.Load())), s.Errors.Load(),
		time.Since(s.startTime).Seconds())
}

// Linker is the final stage consuming Walker-admitted candidates.
type Linker struct {
	idx    *index.Index
	policy policy.Engine
	log    *logging.Logger
	stats  *Stats
}

// New builds a Linker over idx, governed by pol.
func New(idx *index.Index, pol policy.Engine, log *logging.Logger) *Linker {
	return &Linker{idx: idx, policy: pol, log: log, stats: &Stats{startTime: time.Now()}}
}

// Stats returns the Linker's live stats, safe to read while Process runs.
func (l *Linker) Stats() *Stats { return l.stats }

// Process is the Walker's VisitFunc: it implements spec.md §4.7's
// candidate algorithm, including the external-filesystem symlink fallback.
func (l *Linker) Process(f walker.File) {
	l.stats.FilesProcessed.Add(1)

	if f.Meta.Size < l.policy.IgnoreLess {
		return
	}

	if l.policy.ExternalFS == policy.ExternalFSSymlink && !l.policy.IsPrimary(f.Meta.Device) {
		l.processForeign(f)
		return
	}
	l.processOnDevice(f, f.Meta.Device)
}

// processOnDevice runs the core per-device algorithm: hash, lock, scan the
// bucket for a byte-identical keeper with the lock dropped across each
// comparison, and either replace or insert as a new representative.
func (l *Linker) processOnDevice(f walker.File, device uint64) {
	checksum, payload, err := l.checksum(f)
	if err != nil {
		l.reportError(f.Path, fmt.Errorf("hash: %w", err))
		return
	}

	l.idx.Lock()
	if l.idx.ContainsInode(device, f.Meta.Size, checksum, f.Meta.Inode) {
		l.idx.Unlock()
		return
	}
	entries := l.idx.Bucket(device, f.Meta.Size, checksum)
	l.idx.Unlock()

	for _, keeper := range entries {
		eq, err := l.contentEqual(f, payload, keeper)
		if err != nil {
			l.reportError(f.Path, fmt.Errorf("compare against %s: %w", keeper.Path, err))
			continue
		}
		if !eq {
			continue
		}

		l.stats.SetsFound.Add(1)
		l.replace(f, keeper)
		return
	}

	l.idx.Lock()
	l.idx.Insert(device, f.Meta.Size, checksum, f.Meta.Inode, f.Path, f.Meta.Kind)
	l.idx.Unlock()
}

// processForeign implements ExternalFSMode.Symlink: search the primary
// filesystem's bucket for a content match and symlink to it; if none
// exists, fall back to the normal per-device algorithm so the file still
// becomes a representative for its own (foreign) device.
func (l *Linker) processForeign(f walker.File) {
	checksum, payload, err := l.checksum(f)
	if err != nil {
		l.reportError(f.Path, fmt.Errorf("hash: %w", err))
		return
	}

	l.idx.Lock()
	entries := l.idx.Bucket(l.policy.PrimaryDevice, f.Meta.Size, checksum)
	l.idx.Unlock()

	for _, keeper := range entries {
		eq, err := l.contentEqual(f, payload, keeper)
		if err != nil {
			l.reportError(f.Path, fmt.Errorf("compare against %s: %w", keeper.Path, err))
			continue
		}
		if !eq {
			continue
		}

		l.stats.SetsFound.Add(1)
		if err := l.replaceWithSymlink(f, keeper); err != nil {
			l.reportError(f.Path, err)
			return
		}
		l.stats.Replaced.Add(1)
		l.stats.BytesReclaimed.Add(f.Meta.Size)
		l.log.Change(f.Path, "replaced with symlink to %s (external filesystem)", keeper.Path)
		return
	}

	l.processOnDevice(f, f.Meta.Device)
}

// checksum computes the CRC64 candidate key and returns the in-memory
// payload used for process-mode symlink comparison (nil for regular files,
// which are compared by streaming instead).
func (l *Linker) checksum(f walker.File) (uint64, []byte, error) {
	if f.Meta.Kind == metadata.KindSymlink {
		target, err := os.Readlink(f.Path)
		if err != nil {
			return 0, nil, err
		}
		payload := []byte(target)
		return hasher.Bytes(payload), payload, nil
	}
	sum, err := hasher.File(f.Path, l.policy.BufferSize)
	return sum, nil, err
}

// contentEqual compares victim (with its precomputed payload, if any)
// against keeper, correctly handling every combination of regular file and
// process-mode symlink.
func (l *Linker) contentEqual(f walker.File, payload []byte, keeper index.Entry) (bool, error) {
	if f.Meta.Kind == metadata.KindSymlink && keeper.Kind == metadata.KindSymlink {
		keeperTarget, err := os.Readlink(keeper.Path)
		if err != nil {
			return false, err
		}
		return string(payload) == keeperTarget, nil
	}
	if f.Meta.Kind == metadata.KindSymlink {
		return comparator.EqualBytesToPath(payload, keeper.Path, l.policy.BufferSize)
	}
	if keeper.Kind == metadata.KindSymlink {
		keeperTarget, err := os.Readlink(keeper.Path)
		if err != nil {
			return false, err
		}
		return comparator.EqualBytesToPath([]byte(keeperTarget), f.Path, l.policy.BufferSize)
	}
	return comparator.Equal(f.Path, keeper.Path, l.policy.BufferSize)
}

func (l *Linker) reportError(path string, err error) {
	l.stats.Errors.Add(1)
	l.log.Errorf(path, "%v", err)
}
