// Package index implements the GroupingIndex: the four-level
// device -> size -> checksum -> inode -> representative-path map that
// progressively narrows duplicate candidates. It is the one piece of
// mutable state shared across the whole run.
package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/nullfs/dupedog/internal/metadata"
)

// Entry is a representative recorded for one inode.
type Entry struct {
	Inode uint64
	Path  string
	Kind  metadata.Kind
}

type crcBucket map[uint64]Entry      // inode -> representative
type sizeBucket map[uint64]crcBucket // checksum -> crcBucket
type deviceBucket map[int64]sizeBucket // size -> sizeBucket

// Index is the GroupingIndex. The zero value is not usable; construct
// with New. Safe for concurrent use: a single mutex guards every level,
// matching spec's "a single lock is sufficient" allowance — the critical
// section is always just a map lookup/insert, never I/O (aside from the
// spill store, which is itself guarded by holding this same lock).
type Index struct {
	mu            sync.Mutex
	devices       map[uint64]deviceBucket
	memoryEntries int

	spill          *spillStore // nil unless WithSpill was used
	spillThreshold int         // once memoryEntries reaches this, new entries spill-only
}

// Option configures optional Index behavior.
type Option func(*Index) error

// WithSpill backs the index with a bbolt database rooted in dir once the
// number of representatives held in memory reaches threshold: entries
// recorded after that point are written only to the spill store rather
// than growing the in-memory maps further, capping the index's resident
// memory for runs over very large trees. A threshold <= 0 disables
// eviction — the spill store still mirrors every insert (useful for
// crash inspection) but the in-memory map is never capped.
//
// The database is created fresh in a temp file under dir and removed
// when Close is called — it never survives past the process that created
// it, matching the "no persisted state across runs" requirement.
func WithSpill(dir string, threshold int) Option {
	return func(idx *Index) error {
		s, err := openSpillStore(dir)
		if err != nil {
			return err
		}
		idx.spill = s
		idx.spillThreshold = threshold
		return nil
	}
}

// New constructs an empty GroupingIndex.
func New(opts ...Option) (*Index, error) {
	idx := &Index{devices: make(map[uint64]deviceBucket)}
	for _, opt := range opts {
		if err := opt(idx); err != nil {
			_ = idx.Close()
			return nil, err
		}
	}
	return idx, nil
}

// Close releases the spill store, if any.
func (idx *Index) Close() error {
	if idx.spill == nil {
		return nil
	}
	return idx.spill.close()
}

// Lock acquires the index's exclusive lock. Callers MUST Unlock before
// performing any filesystem I/O — the lock is only ever held across
// in-memory map operations and spill-store reads/writes, never over a
// hash or byte compare (spec.md §5's lock-order rule).
func (idx *Index) Lock() { idx.mu.Lock() }

// Unlock releases the index's exclusive lock.
func (idx *Index) Unlock() { idx.mu.Unlock() }

// ContainsInode reports whether inode is already recorded in
// (device, size, checksum), checking the spill store too once eviction has
// started. Caller must hold the lock.
func (idx *Index) ContainsInode(device uint64, size int64, checksum, inode uint64) bool {
	cb := idx.bucket(device, size, checksum)
	if cb != nil {
		if _, ok := cb[inode]; ok {
			return true
		}
	}
	if idx.spill == nil {
		return false
	}
	found, err := idx.spill.contains(device, size, checksum, inode)
	return err == nil && found
}

// Bucket returns the current (inode -> Entry) contents of
// (device, size, checksum), merging any entries evicted to the spill
// store, or nil if no candidates exist yet. The returned slice is a
// snapshot safe to range over after Unlock. Caller must hold the lock
// when calling.
func (idx *Index) Bucket(device uint64, size int64, checksum uint64) []Entry {
	cb := idx.bucket(device, size, checksum)
	out := make([]Entry, 0, len(cb))
	for _, e := range cb {
		out = append(out, e)
	}

	if idx.spill != nil {
		spilled, err := idx.spill.scan(device, size, checksum)
		if err == nil {
			for _, e := range spilled {
				// Entries held in memory are mirrored to the spill store
				// too; report each inode once.
				if _, inMemory := cb[e.Inode]; !inMemory {
					out = append(out, e)
				}
			}
		}
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

// Insert records path as the representative for inode in
// (device, size, checksum). Idempotent: a no-op if inode is already
// present, per the "first inserted wins" representative-selection rule.
// Once memoryEntries has reached spillThreshold, new representatives are
// written only to the spill store rather than growing the in-memory map
// further. Caller must hold the lock.
func (idx *Index) Insert(device uint64, size int64, checksum, inode uint64, path string, kind metadata.Kind) {
	if idx.ContainsInode(device, size, checksum, inode) {
		return
	}

	if idx.spill != nil && idx.spillThreshold > 0 && idx.memoryEntries >= idx.spillThreshold {
		if err := idx.spill.put(device, size, checksum, inode, path, kind); err != nil {
			// Spill is best-effort: losing an entry here costs a missed
			// dedup opportunity for this file, not data loss, so the
			// error is discarded rather than treated as fatal; Insert
			// does not report it to the caller.
			_ = err
		}
		return
	}

	sb, ok := idx.devices[device]
	if !ok {
		sb = make(deviceBucket)
		idx.devices[device] = sb
	}
	cbs, ok := sb[size]
	if !ok {
		cbs = make(sizeBucket)
		sb[size] = cbs
	}
	cb, ok := cbs[checksum]
	if !ok {
		cb = make(crcBucket)
		cbs[checksum] = cb
	}
	cb[inode] = Entry{Inode: inode, Path: path, Kind: kind}
	idx.memoryEntries++

	if idx.spill != nil {
		if err := idx.spill.put(device, size, checksum, inode, path, kind); err != nil {
			_ = err
		}
	}
}

func (idx *Index) bucket(device uint64, size int64, checksum uint64) crcBucket {
	sb, ok := idx.devices[device]
	if !ok {
		return nil
	}
	cbs, ok := sb[size]
	if !ok {
		return nil
	}
	return cbs[checksum]
}

// spillStore is a bbolt-backed mirror of index insertions, scoped to one
// run and deleted at Close. Once an Index's spillThreshold is reached it
// becomes the sole home for new entries in a bucket, so Bucket/
// ContainsInode must consult it, not just mirror to it.
type spillStore struct {
	db   *bolt.DB
	path string
}

var spillBucketName = []byte("entries")

func openSpillStore(dir string) (*spillStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spill dir: %w", err)
	}
	f, err := os.CreateTemp(dir, "dupedog-index-*.bolt")
	if err != nil {
		return nil, fmt.Errorf("create spill file: %w", err)
	}
	path := f.Name()
	_ = f.Close()

	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("open spill store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(spillBucketName)
		return err
	}); err != nil {
		_ = db.Close()
		_ = os.Remove(path)
		return nil, err
	}
	return &spillStore{db: db, path: path}, nil
}

// spillKey = device(8) + size(8) + checksum(8) + inode(8), big-endian, so
// bbolt's natural byte-order iteration groups entries the same way the
// in-memory nested maps do, and a bucketPrefix scan finds every inode
// recorded under one (device, size, checksum).
func spillKey(device uint64, size int64, checksum, inode uint64) []byte {
	key := make([]byte, 32)
	binary.BigEndian.PutUint64(key[0:8], device)
	binary.BigEndian.PutUint64(key[8:16], uint64(size))
	binary.BigEndian.PutUint64(key[16:24], checksum)
	binary.BigEndian.PutUint64(key[24:32], inode)
	return key
}

func bucketPrefix(device uint64, size int64, checksum uint64) []byte {
	prefix := make([]byte, 24)
	binary.BigEndian.PutUint64(prefix[0:8], device)
	binary.BigEndian.PutUint64(prefix[8:16], uint64(size))
	binary.BigEndian.PutUint64(prefix[16:24], checksum)
	return prefix
}

// spillValue is the wire encoding of an Entry: 1 byte Kind followed by the
// representative path's raw bytes.
func encodeSpillValue(path string, kind metadata.Kind) []byte {
	v := make([]byte, 1+len(path))
	v[0] = byte(kind)
	copy(v[1:], path)
	return v
}

func decodeSpillValue(inode uint64, v []byte) Entry {
	if len(v) == 0 {
		return Entry{Inode: inode}
	}
	return Entry{Inode: inode, Kind: metadata.Kind(v[0]), Path: string(v[1:])}
}

func (s *spillStore) put(device uint64, size int64, checksum, inode uint64, path string, kind metadata.Kind) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(spillBucketName).Put(spillKey(device, size, checksum, inode), encodeSpillValue(path, kind))
	})
}

func (s *spillStore) contains(device uint64, size int64, checksum, inode uint64) (bool, error) {
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(spillBucketName).Get(spillKey(device, size, checksum, inode))
		found = v != nil
		return nil
	})
	return found, err
}

// scan returns every Entry recorded under (device, size, checksum).
func (s *spillStore) scan(device uint64, size int64, checksum uint64) ([]Entry, error) {
	prefix := bucketPrefix(device, size, checksum)
	var out []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(spillBucketName).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			inode := binary.BigEndian.Uint64(k[24:32])
			out = append(out, decodeSpillValue(inode, v))
		}
		return nil
	})
	return out, err
}

func (s *spillStore) close() error {
	err := s.db.Close()
	_ = os.Remove(s.path)
	return err
}
