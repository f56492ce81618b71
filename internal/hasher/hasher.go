// Package hasher computes the fast, non-cryptographic checksum used to
// bucket candidate duplicates before the comparator confirms them byte for
// byte. It is deliberately not a content identity: two files sharing a
// checksum are merely candidates for comparison, never assumed equal.
package hasher

import (
	"hash/crc64"
	"io"
	"os"
)

// table is the CRC64 table for the ISO polynomial.
var table = crc64.MakeTable(crc64.ISO)

// DefaultBufferSize is the read buffer used by File when the caller does not
// need to override it.
const DefaultBufferSize = 1 << 20

// File streams path's full contents through CRC64 using a buffer of size
// bufSize (DefaultBufferSize if bufSize <= 0).
func File(path string, bufSize int) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	return Reader(f, bufSize)
}

// Reader streams r through CRC64 using a buffer of size bufSize
// (DefaultBufferSize if bufSize <= 0).
func Reader(r io.Reader, bufSize int) (uint64, error) {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}

	h := crc64.New(table)
	buf := make([]byte, bufSize)

	// Hide any WriterTo method on r so CopyBuffer reads through buf
	// instead of delegating to r.WriteTo with its own buffer.
	if _, err := io.CopyBuffer(h, struct{ io.Reader }{r}, buf); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}

// Bytes checksums an in-memory byte slice, used for process-mode symlinks
// whose "content" is their target string rather than file data.
func Bytes(b []byte) uint64 {
	return crc64.Checksum(b, table)
}
