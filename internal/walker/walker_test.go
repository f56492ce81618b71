package walker

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/nullfs/dupedog/internal/logging"
	"github.com/nullfs/dupedog/internal/policy"
)

func collectingWalker(t *testing.T, cfg Config) (*Walker, func() []string) {
	t.Helper()
	var mu sync.Mutex
	var got []string
	visit := cfg.Visit
	cfg.Visit = func(f File) {
		mu.Lock()
		got = append(got, f.Path)
		mu.Unlock()
		if visit != nil {
			visit(f)
		}
	}
	if cfg.Log == nil {
		cfg.Log = logging.New(policy.ErrorWarning)
	}
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	w := New(cfg)
	return w, func() []string {
		mu.Lock()
		defer mu.Unlock()
		out := append([]string(nil), got...)
		sort.Strings(out)
		return out
	}
}

func writeFile(t *testing.T, path string, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestWalkAdmitsRegularFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "a")
	writeFile(t, filepath.Join(dir, "sub", "b.txt"), "b")

	w, results := collectingWalker(t, Config{Policy: policy.Engine{ExternalFS: policy.ExternalFSGroup}})
	if err := w.Walk(context.Background(), []string{dir}); err != nil {
		t.Fatal(err)
	}

	got := results()
	want := []string{filepath.Join(dir, "a.txt"), filepath.Join(dir, "sub", "b.txt")}
	sort.Strings(want)
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
			break
		}
	}
}

func TestWalkSkipsExcluded(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "a")
	writeFile(t, filepath.Join(dir, "skip", "b.txt"), "b")

	w, results := collectingWalker(t, Config{
		Policy:   policy.Engine{ExternalFS: policy.ExternalFSGroup},
		Excludes: []string{filepath.Join(dir, "skip")},
	})
	if err := w.Walk(context.Background(), []string{dir}); err != nil {
		t.Fatal(err)
	}

	got := results()
	if len(got) != 1 || got[0] != filepath.Join(dir, "a.txt") {
		t.Errorf("got %v, want only a.txt admitted", got)
	}
}

func TestWalkIgnoresSymlinksByDefault(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real.txt")
	writeFile(t, target, "x")
	if err := os.Symlink(target, filepath.Join(dir, "link.txt")); err != nil {
		t.Fatal(err)
	}

	w, results := collectingWalker(t, Config{Policy: policy.Engine{Symlink: policy.SymlinkIgnore, ExternalFS: policy.ExternalFSGroup}})
	if err := w.Walk(context.Background(), []string{dir}); err != nil {
		t.Fatal(err)
	}

	got := results()
	if len(got) != 1 || got[0] != target {
		t.Errorf("got %v, want only the real file", got)
	}
}

func TestWalkIgnoreLessSkipsSmallFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "empty.txt"), "")
	writeFile(t, filepath.Join(dir, "full.txt"), "not empty")

	w, results := collectingWalker(t, Config{Policy: policy.Engine{IgnoreLess: 1, ExternalFS: policy.ExternalFSGroup}})
	if err := w.Walk(context.Background(), []string{dir}); err != nil {
		t.Fatal(err)
	}

	got := results()
	if len(got) != 1 || got[0] != filepath.Join(dir, "full.txt") {
		t.Errorf("got %v, want only full.txt", got)
	}
}

func TestWalkSymlinkFollowTraversesTarget(t *testing.T) {
	dir := t.TempDir()
	external := t.TempDir()
	writeFile(t, filepath.Join(external, "file.txt"), "x")
	if err := os.Symlink(external, filepath.Join(dir, "link")); err != nil {
		t.Fatal(err)
	}

	w, results := collectingWalker(t, Config{Policy: policy.Engine{Symlink: policy.SymlinkFollow, ExternalFS: policy.ExternalFSGroup}})
	if err := w.Walk(context.Background(), []string{dir}); err != nil {
		t.Fatal(err)
	}

	want, err := filepath.EvalSymlinks(filepath.Join(external, "file.txt"))
	if err != nil {
		t.Fatal(err)
	}
	got := results()
	if len(got) != 1 || got[0] != want {
		t.Errorf("got %v, want [%s] via the followed symlink", got, want)
	}
}

func TestWalkSymlinkProcessAdmitsSymlinkItself(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real.txt")
	writeFile(t, target, "hello")
	link := filepath.Join(dir, "link.txt")
	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}

	w, results := collectingWalker(t, Config{Policy: policy.Engine{Symlink: policy.SymlinkProcess, ExternalFS: policy.ExternalFSGroup}})
	if err := w.Walk(context.Background(), []string{dir}); err != nil {
		t.Fatal(err)
	}

	got := results()
	want := []string{link, target}
	sort.Strings(want)
	if len(got) != 2 {
		t.Fatalf("got %v, want both the symlink and its target admitted", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
			break
		}
	}
}

func TestWalkExternalFSIgnoreSkipsForeignDevice(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "a")

	w, results := collectingWalker(t, Config{Policy: policy.Engine{
		ExternalFS:       policy.ExternalFSIgnore,
		HasPrimaryDevice: true,
		PrimaryDevice:    ^uint64(0), // no real device will match this
	}})
	if err := w.Walk(context.Background(), []string{dir}); err != nil {
		t.Fatal(err)
	}

	if got := results(); len(got) != 0 {
		t.Errorf("got %v, want nothing admitted from the foreign device", got)
	}
	if w.Stats().Skipped.Load() == 0 {
		t.Error("expected the foreign-device file to be counted as skipped")
	}
}

func TestWalkExternalFSErrorReportsForeignDevice(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "a")

	w, results := collectingWalker(t, Config{Policy: policy.Engine{
		ExternalFS:       policy.ExternalFSError,
		HasPrimaryDevice: true,
		PrimaryDevice:    ^uint64(0),
	}})
	if err := w.Walk(context.Background(), []string{dir}); err != nil {
		t.Fatal(err)
	}

	if got := results(); len(got) != 0 {
		t.Errorf("got %v, want nothing admitted from the foreign device", got)
	}
	if w.Stats().Errors.Load() == 0 {
		t.Error("expected the foreign-device file to be reported as an error")
	}
}

func TestWalkReportsUnreadableDirectoryButContinues(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "ok", "a.txt"), "a")
	blocked := filepath.Join(dir, "blocked")
	if err := os.Mkdir(blocked, 0o000); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chmod(blocked, 0o755) })

	w, results := collectingWalker(t, Config{Policy: policy.Engine{ExternalFS: policy.ExternalFSGroup}})
	if err := w.Walk(context.Background(), []string{dir}); err != nil {
		t.Fatal(err)
	}

	got := results()
	if len(got) != 1 || got[0] != filepath.Join(dir, "ok", "a.txt") {
		t.Errorf("got %v, want the readable subtree's file despite the blocked sibling", got)
	}
	if w.Stats().Errors.Load() == 0 {
		t.Error("expected the blocked directory to be reported as an error")
	}
}
