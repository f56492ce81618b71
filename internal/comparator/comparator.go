// Package comparator performs the mandatory byte-wise confirmation the
// checksum-bucketed candidates require before any destructive replace.
// A shared checksum is a hint, never proof, and nothing in this package
// is permitted to shortcut that.
package comparator

import (
	"bytes"
	"io"
	"os"
)

// DefaultBufferSize is the read buffer used by Equal when the caller does
// not override it.
const DefaultBufferSize = 1 << 20

// Equal reports whether the two paths have byte-identical contents, reading
// both in lockstep and returning as soon as a mismatch is found. Callers are
// expected to have already confirmed the files have equal size.
func Equal(pathA, pathB string, bufSize int) (bool, error) {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}

	fa, err := os.Open(pathA)
	if err != nil {
		return false, err
	}
	defer fa.Close()

	fb, err := os.Open(pathB)
	if err != nil {
		return false, err
	}
	defer fb.Close()

	bufA := make([]byte, bufSize)
	bufB := make([]byte, bufSize)

	for {
		na, erra := io.ReadFull(fa, bufA)
		nb, errb := io.ReadFull(fb, bufB)

		if na != nb || !bytes.Equal(bufA[:na], bufB[:nb]) {
			return false, nil
		}

		doneA := erra == io.EOF || erra == io.ErrUnexpectedEOF
		doneB := errb == io.EOF || errb == io.ErrUnexpectedEOF
		if doneA != doneB {
			return false, nil
		}
		if doneA {
			return true, nil
		}
		if erra != nil {
			return false, erra
		}
		if errb != nil {
			return false, errb
		}
	}
}

// EqualBytesToPath reports whether path's contents are byte-identical to an
// in-memory buffer, used to compare a process-mode symlink's target string
// against a regular file's contents (or another symlink's target).
func EqualBytesToPath(want []byte, path string, bufSize int) (bool, error) {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}

	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	buf := make([]byte, bufSize)
	offset := 0

	for {
		n, err := f.Read(buf)
		if n > 0 {
			if offset+n > len(want) {
				return false, nil
			}
			if !bytes.Equal(buf[:n], want[offset:offset+n]) {
				return false, nil
			}
			offset += n
		}
		if err == io.EOF {
			return offset == len(want), nil
		}
		if err != nil {
			return false, err
		}
	}
}
