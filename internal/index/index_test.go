package index

import (
	"testing"

	"github.com/nullfs/dupedog/internal/metadata"
)

func TestInsertAndLookup(t *testing.T) {
	idx, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = idx.Close() }()

	idx.Lock()
	idx.Insert(1, 100, 0xdead, 10, "/a", metadata.KindRegular)
	idx.Unlock()

	idx.Lock()
	defer idx.Unlock()

	if !idx.ContainsInode(1, 100, 0xdead, 10) {
		t.Error("expected inode 10 to be recorded")
	}
	if idx.ContainsInode(1, 100, 0xdead, 11) {
		t.Error("did not expect inode 11 to be recorded")
	}

	entries := idx.Bucket(1, 100, 0xdead)
	if len(entries) != 1 || entries[0].Path != "/a" {
		t.Errorf("Bucket = %+v, want one entry for /a", entries)
	}
}

func TestInsertIsIdempotentOnInode(t *testing.T) {
	idx, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = idx.Close() }()

	idx.Lock()
	idx.Insert(1, 100, 0xdead, 10, "/first", metadata.KindRegular)
	idx.Insert(1, 100, 0xdead, 10, "/second", metadata.KindRegular)
	entries := idx.Bucket(1, 100, 0xdead)
	idx.Unlock()

	if len(entries) != 1 || entries[0].Path != "/first" {
		t.Errorf("expected the first insert to win, got %+v", entries)
	}
}

func TestDeviceAndSizeIsolation(t *testing.T) {
	idx, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = idx.Close() }()

	idx.Lock()
	idx.Insert(1, 100, 0xdead, 10, "/dev1", metadata.KindRegular)
	idx.Insert(2, 100, 0xdead, 10, "/dev2", metadata.KindRegular)
	idx.Unlock()

	idx.Lock()
	defer idx.Unlock()

	dev1 := idx.Bucket(1, 100, 0xdead)
	dev2 := idx.Bucket(2, 100, 0xdead)
	if len(dev1) != 1 || len(dev2) != 1 {
		t.Fatalf("expected one entry per device bucket, got dev1=%+v dev2=%+v", dev1, dev2)
	}
	if dev1[0].Path == dev2[0].Path {
		t.Error("device buckets should not be shared")
	}
}

func TestBucketEmptyWhenAbsent(t *testing.T) {
	idx, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = idx.Close() }()

	idx.Lock()
	defer idx.Unlock()

	if got := idx.Bucket(9, 9, 9); got != nil {
		t.Errorf("expected nil for absent bucket, got %+v", got)
	}
}

func TestWithSpillMirrorsInserts(t *testing.T) {
	dir := t.TempDir()
	// threshold 0 disables eviction: the entry still lives in memory, and
	// the spill store holds a write-through mirror of it.
	idx, err := New(WithSpill(dir, 0))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = idx.Close() }()

	idx.Lock()
	idx.Insert(1, 100, 0xdead, 10, "/a", metadata.KindRegular)
	idx.Unlock()

	idx.Lock()
	defer idx.Unlock()
	found, err := idx.spill.contains(1, 100, 0xdead, 10)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Error("expected the spill store to mirror the in-memory insert")
	}
}

func TestSpillThresholdEvictsAndStaysReadable(t *testing.T) {
	dir := t.TempDir()
	// threshold 1: the first insert stays in memory, every insert after it
	// is spill-only.
	idx, err := New(WithSpill(dir, 1))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = idx.Close() }()

	idx.Lock()
	idx.Insert(1, 100, 0xdead, 10, "/first", metadata.KindRegular)
	idx.Insert(1, 100, 0xdead, 11, "/second", metadata.KindRegular)
	idx.Insert(1, 100, 0xdead, 12, "/third", metadata.KindRegular)
	idx.Unlock()

	idx.Lock()
	defer idx.Unlock()

	if idx.memoryEntries != 1 {
		t.Errorf("memoryEntries = %d, want 1 (eviction should have capped it)", idx.memoryEntries)
	}
	if mem := idx.bucket(1, 100, 0xdead); len(mem) != 1 {
		t.Errorf("in-memory bucket = %+v, want exactly the first insert", mem)
	}

	for _, inode := range []uint64{10, 11, 12} {
		if !idx.ContainsInode(1, 100, 0xdead, inode) {
			t.Errorf("ContainsInode(%d) = false, want true even once evicted", inode)
		}
	}

	entries := idx.Bucket(1, 100, 0xdead)
	if len(entries) != 3 {
		t.Fatalf("Bucket returned %d entries, want 3 (one in memory, two spilled)", len(entries))
	}
	byPath := make(map[string]bool)
	for _, e := range entries {
		byPath[e.Path] = true
	}
	for _, want := range []string{"/first", "/second", "/third"} {
		if !byPath[want] {
			t.Errorf("Bucket missing %q, got %+v", want, entries)
		}
	}
}
