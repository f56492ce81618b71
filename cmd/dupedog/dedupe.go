package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/nullfs/dupedog/internal/index"
	"github.com/nullfs/dupedog/internal/linker"
	"github.com/nullfs/dupedog/internal/logging"
	"github.com/nullfs/dupedog/internal/metadata"
	"github.com/nullfs/dupedog/internal/pathresolver"
	"github.com/nullfs/dupedog/internal/policy"
	"github.com/nullfs/dupedog/internal/progress"
	"github.com/nullfs/dupedog/internal/walker"
)

// dedupeOptions holds the raw flag values before resolution.
type dedupeOptions struct {
	onError      string
	scanOnly     bool
	noSummary    bool
	onSymlink    string
	useSymlinks  bool
	onExternalFS string
	primaryFS    string
	ignoreLess   string
	bufferSize   string
	excludes     []string
	workers      int
	logFile      string
	noProgress   bool
	spillDir     string
	spillAfter   int
}

func newDedupeCmd() *cobra.Command {
	o := &dedupeOptions{}

	cmd := &cobra.Command{
		Use:   "dedupe paths...",
		Short: "Find and replace duplicate files with hardlinks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDedupe(o, args)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&o.onError, "on-error", "e", "warning", "ignore, warning, or abort (alias panic)")
	flags.BoolVarP(&o.scanOnly, "scan-only", "s", false, "detect and log duplicates but skip all replacement")
	flags.BoolVarP(&o.noSummary, "no-summary", "S", false, "suppress the end-of-run file/byte totals")
	flags.StringVarP(&o.onSymlink, "on-symlink", "y", "ignore", "ignore, follow, or process")
	flags.BoolVarP(&o.useSymlinks, "use-symlinks", "Y", false, "replace with symlinks rather than hardlinks")
	flags.StringVarP(&o.onExternalFS, "on-external-fs", "x", "group", "ignore, group, error, or symlink")
	flags.StringVarP(&o.primaryFS, "primary-fs", "f", "", "path whose device identifies the primary filesystem")
	flags.StringVarP(&o.ignoreLess, "ignore-less", "i", "1B", "minimum file size to consider")
	flags.StringVarP(&o.bufferSize, "buffer-size", "b", "1MiB", "I/O chunk size for hashing and comparison")
	flags.StringSliceVarP(&o.excludes, "exclude", "X", nil, "colon-separated list of paths to skip")
	flags.IntVarP(&o.workers, "workers", "w", 8, "maximum concurrent traversal workers")
	flags.StringVar(&o.logFile, "log-file", "", "mirror events to a rotated log file")
	flags.BoolVar(&o.noProgress, "no-progress", false, "disable the progress indicator")
	flags.StringVar(&o.spillDir, "spill-dir", "", "directory for the index's overflow store on very large trees (default: system temp dir)")
	flags.IntVar(&o.spillAfter, "spill-after", 0, "evict index entries to disk once this many representatives are held in memory (0 disables spilling)")

	return cmd
}

func runDedupe(o *dedupeOptions, roots []string) error {
	engine, err := buildPolicy(o)
	if err != nil {
		return err
	}

	logOpts := []logging.Option{}
	if o.logFile != "" {
		logOpts = append(logOpts, logging.WithFile(o.logFile, 10, 3, 28))
	}
	log := logging.New(engine.OnError, logOpts...)

	resolvedRoots, err := resolveAll(roots)
	if err != nil {
		return fmt.Errorf("resolve roots: %w", err)
	}

	var excludes []string
	for _, e := range o.excludes {
		for _, p := range strings.Split(e, ":") {
			if p != "" {
				excludes = append(excludes, p)
			}
		}
	}
	resolvedExcludes, err := resolveAll(excludes)
	if err != nil {
		return fmt.Errorf("resolve excludes: %w", err)
	}

	var idxOpts []index.Option
	if o.spillAfter > 0 {
		spillDir := o.spillDir
		if spillDir == "" {
			spillDir = os.TempDir()
		}
		idxOpts = append(idxOpts, index.WithSpill(spillDir, o.spillAfter))
	}
	idx, err := index.New(idxOpts...)
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	defer func() { _ = idx.Close() }()

	lk := linker.New(idx, engine, log)
	bar := progress.New(!o.noProgress, -1)

	w := walker.New(walker.Config{
		Policy:   engine,
		Excludes: resolvedExcludes,
		Workers:  o.workers,
		Log:      log,
		Visit: func(f walker.File) {
			lk.Process(f)
			bar.Describe(lk.Stats())
		},
	})

	if err := w.Walk(context.Background(), resolvedRoots); err != nil {
		return fmt.Errorf("walk: %w", err)
	}
	bar.Finish(lk.Stats())

	if !o.noSummary {
		printSummary(w.Stats(), lk.Stats())
	}
	return nil
}

func buildPolicy(o *dedupeOptions) (policy.Engine, error) {
	onError, err := policy.ParseErrorMode(o.onError)
	if err != nil {
		return policy.Engine{}, err
	}
	onSymlink, err := policy.ParseSymlinkMode(o.onSymlink)
	if err != nil {
		return policy.Engine{}, err
	}
	onExternalFS, err := policy.ParseExternalFSMode(o.onExternalFS)
	if err != nil {
		return policy.Engine{}, err
	}
	ignoreLess, err := humanize.ParseBytes(o.ignoreLess)
	if err != nil {
		return policy.Engine{}, fmt.Errorf("invalid --ignore-less: %w", err)
	}
	bufferSize, err := humanize.ParseBytes(o.bufferSize)
	if err != nil {
		return policy.Engine{}, fmt.Errorf("invalid --buffer-size: %w", err)
	}

	engine := policy.Engine{
		Symlink:     onSymlink,
		ExternalFS:  onExternalFS,
		OnError:     onError,
		UseSymlinks: o.useSymlinks,
		ScanOnly:    o.scanOnly,
		IgnoreLess:  int64(ignoreLess),
		BufferSize:  int(bufferSize),
	}

	if onExternalFS != policy.ExternalFSGroup {
		if o.primaryFS == "" {
			return policy.Engine{}, fmt.Errorf("--on-external-fs %s requires --primary-fs", o.onExternalFS)
		}
		resolved, err := pathresolver.Resolve(o.primaryFS)
		if err != nil {
			return policy.Engine{}, fmt.Errorf("resolve --primary-fs: %w", err)
		}
		meta, err := metadata.Stat(resolved)
		if err != nil {
			return policy.Engine{}, fmt.Errorf("stat --primary-fs: %w", err)
		}
		engine.PrimaryDevice = meta.Device
		engine.HasPrimaryDevice = true
	}

	return engine, nil
}

func resolveAll(paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		resolved, err := pathresolver.Resolve(p)
		if err != nil {
			return nil, err
		}
		out = append(out, resolved)
	}
	return out, nil
}

func printSummary(ws *walker.Stats, ls *linker.Stats) {
	fmt.Fprintf(os.Stdout, "Files scanned:      %d (%s)\n",
		ws.ScannedFiles.Load(), humanize.IBytes(uint64(ws.ScannedBytes.Load())))
	fmt.Fprintf(os.Stdout, "Duplicates found:   %d\n", ls.SetsFound.Load())
	fmt.Fprintf(os.Stdout, "Files replaced:     %d\n", ls.Replaced.Load())
	fmt.Fprintf(os.Stdout, "Bytes reclaimed:    %s\n", humanize.IBytes(uint64(ls.BytesReclaimed.Load())))
	fmt.Fprintf(os.Stdout, "Errors encountered: %d\n", ws.Errors.Load()+ls.Errors.Load())
}
