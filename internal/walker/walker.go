// Package walker recursively traverses root paths, classifying each entry
// and handing admitted regular files (and, in process-symlink mode,
// symlinks) to a visit callback — ordinarily the Linker.
package walker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/nullfs/dupedog/internal/logging"
	"github.com/nullfs/dupedog/internal/metadata"
	"github.com/nullfs/dupedog/internal/policy"
)

// File is one admitted candidate handed to the visit callback.
type File struct {
	Path string
	Meta metadata.Record
}

// Stats tracks traversal progress with atomic counters, safe for
// concurrent updates from any walker goroutine.
type Stats struct {
	ScannedFiles atomic.Int64
	ScannedBytes atomic.Int64
	MatchedFiles atomic.Int64
	Skipped      atomic.Int64
	Errors       atomic.Int64
	startTime    time.Time
}

func (s *Stats) String() string {
	return fmt.Sprintf("scanned %d (%s), matched %d, skipped %d, errors %d, in %.1fs",
		s.ScannedFiles.Load(), humanize.IBytes(uint64(s.ScannedBytes.Load())),
		s.MatchedFiles.Load(), s.Skipped.Load(), s.Errors.Load(),
		time.Since(s.startTime).Seconds())
}

// VisitFunc is called for every admitted candidate. It must not block on
// the Walker's own goroutine pool.
type VisitFunc func(File)

// Config configures a Walker.
type Config struct {
	Policy   policy.Engine
	Excludes []string // canonicalized exclude roots
	Workers  int
	Log      *logging.Logger
	Visit    VisitFunc
}

// Walker performs the recursive traversal described in spec.md §4.6.
type Walker struct {
	cfg   Config
	stats *Stats

	visitedMu sync.Mutex
	visited   map[devIno]struct{} // directories entered via SymlinkFollow
}

type devIno struct {
	dev uint64
	ino uint64
}

// New builds a Walker from cfg.
func New(cfg Config) *Walker {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Walker{
		cfg:     cfg,
		stats:   &Stats{startTime: time.Now()},
		visited: make(map[devIno]struct{}),
	}
}

// Stats returns the Walker's live stats, safe to read while Walk runs.
func (w *Walker) Stats() *Stats { return w.stats }

// Walk traverses every root concurrently, bounded by cfg.Workers. Per-entry
// errors are logged and the affected subtree is skipped; Walk itself never
// returns an error for traversal failures — only for a canceled context.
func (w *Walker) Walk(ctx context.Context, roots []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Workers)

	for _, root := range roots {
		root := root
		g.Go(func() error {
			w.visitPath(gctx, g, root)
			return nil // traversal errors never abort sibling roots
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// visitPath dispatches on the entry's unfollowed kind.
func (w *Walker) visitPath(ctx context.Context, g *errgroup.Group, path string) {
	if ctx.Err() != nil {
		return
	}

	meta, err := metadata.Lstat(path)
	if err != nil {
		w.reportError(path, err)
		return
	}

	switch meta.Kind {
	case metadata.KindDirectory:
		w.visitDirectory(ctx, g, path)
	case metadata.KindSymlink:
		w.visitSymlink(ctx, g, path, meta)
	case metadata.KindRegular:
		w.visitRegular(path, meta)
	default:
		w.stats.Skipped.Add(1)
		w.cfg.Log.File(path, "skip other")
	}
}

func (w *Walker) visitDirectory(ctx context.Context, g *errgroup.Group, dir string) {
	if w.isExcluded(dir) {
		w.stats.Skipped.Add(1)
		w.cfg.Log.File(dir, "skip excluded directory")
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		w.reportError(dir, fmt.Errorf("open directory: %w", err))
		return
	}

	for _, entry := range entries {
		child := filepath.Join(dir, entry.Name())
		g.Go(func() error {
			w.visitPath(ctx, g, child)
			return nil
		})
	}
}

func (w *Walker) visitSymlink(ctx context.Context, g *errgroup.Group, path string, meta metadata.Record) {
	switch w.cfg.Policy.Symlink {
	case policy.SymlinkIgnore:
		w.stats.Skipped.Add(1)
		w.cfg.Log.File(path, "skip symlink")

	case policy.SymlinkFollow:
		target, err := filepath.EvalSymlinks(path)
		if err != nil {
			w.reportError(path, fmt.Errorf("follow symlink: %w", err))
			return
		}
		targetMeta, err := metadata.Lstat(target)
		if err != nil {
			w.reportError(path, fmt.Errorf("stat symlink target: %w", err))
			return
		}
		if targetMeta.Kind != metadata.KindDirectory {
			// Following a symlink to a non-directory just visits that
			// target path once through the normal dispatch.
			w.visitPath(ctx, g, target)
			return
		}
		key := devIno{dev: targetMeta.Device, ino: targetMeta.Inode}
		w.visitedMu.Lock()
		if _, seen := w.visited[key]; seen {
			w.visitedMu.Unlock()
			w.cfg.Log.File(path, "skip already-visited symlink target")
			return
		}
		w.visited[key] = struct{}{}
		w.visitedMu.Unlock()
		w.cfg.Log.File(path, "follow symlink to %s", target)
		w.visitDirectory(ctx, g, target)

	case policy.SymlinkProcess:
		w.visitProcessedSymlink(path, meta)
	}
}

func (w *Walker) visitProcessedSymlink(path string, meta metadata.Record) {
	if w.isExcluded(path) {
		w.stats.Skipped.Add(1)
		return
	}
	target, err := os.Readlink(path)
	if err != nil {
		w.reportError(path, fmt.Errorf("readlink: %w", err))
		return
	}
	// The symlink's "size" for filter purposes is its target string
	// length, not the pointee's size.
	meta.Size = int64(len(target))
	w.admit(path, meta)
}

func (w *Walker) visitRegular(path string, meta metadata.Record) {
	w.stats.ScannedFiles.Add(1)
	w.stats.ScannedBytes.Add(meta.Size)

	if w.isExcluded(path) {
		w.stats.Skipped.Add(1)
		w.cfg.Log.File(path, "skip excluded")
		return
	}
	if meta.Size < w.cfg.Policy.IgnoreLess {
		w.stats.Skipped.Add(1)
		w.cfg.Log.File(path, "skip below ignore-less threshold")
		return
	}
	if !w.cfg.Policy.IsPrimary(meta.Device) {
		switch w.cfg.Policy.ExternalFS {
		case policy.ExternalFSIgnore:
			w.stats.Skipped.Add(1)
			w.cfg.Log.File(path, "skip external filesystem")
			return
		case policy.ExternalFSError:
			w.reportError(path, fmt.Errorf("file is on external filesystem"))
			return
		case policy.ExternalFSGroup, policy.ExternalFSSymlink:
			// Admitted; the Linker enforces per-device bucketing and,
			// for Symlink mode, the cross-device symlink-fallback path.
		}
	}

	w.admit(path, meta)
}

func (w *Walker) admit(path string, meta metadata.Record) {
	w.stats.MatchedFiles.Add(1)
	w.cfg.Visit(File{Path: path, Meta: meta})
}

func (w *Walker) reportError(path string, err error) {
	w.stats.Errors.Add(1)
	w.cfg.Log.Errorf(path, "%v", err)
}

// isExcluded reports whether path equals or descends from any configured
// exclude root.
func (w *Walker) isExcluded(path string) bool {
	for _, ex := range w.cfg.Excludes {
		if path == ex || strings.HasPrefix(path, ex+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
