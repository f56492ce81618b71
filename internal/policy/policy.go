// Package policy defines the enumerated modes — symlink handling,
// cross-filesystem handling, and error escalation — consulted by the
// Walker and Linker, along with the Engine that resolves them against a
// primary filesystem device.
package policy

import "fmt"

// SymlinkMode governs how the Walker treats a symlink entry.
type SymlinkMode int

const (
	// SymlinkIgnore skips symlinks silently.
	SymlinkIgnore SymlinkMode = iota
	// SymlinkFollow canonicalizes the target and recurses into it.
	SymlinkFollow
	// SymlinkProcess treats the symlink's target bytes as its content.
	SymlinkProcess
)

func (m SymlinkMode) String() string {
	switch m {
	case SymlinkIgnore:
		return "ignore"
	case SymlinkFollow:
		return "follow"
	case SymlinkProcess:
		return "process"
	default:
		return "unknown"
	}
}

// ParseSymlinkMode parses the --on-symlink flag value.
func ParseSymlinkMode(s string) (SymlinkMode, error) {
	switch s {
	case "ignore":
		return SymlinkIgnore, nil
	case "follow":
		return SymlinkFollow, nil
	case "process":
		return SymlinkProcess, nil
	default:
		return 0, fmt.Errorf("invalid --on-symlink value %q (want ignore, follow, or process)", s)
	}
}

// ExternalFSMode governs how the Walker/Linker treat files on a device
// other than the primary filesystem.
type ExternalFSMode int

const (
	// ExternalFSGroup admits foreign-device files; dedup stays per-device
	// since the index keys on device_id, so no cross-device link is ever
	// attempted.
	ExternalFSGroup ExternalFSMode = iota
	// ExternalFSIgnore skips files whose device differs from the primary.
	ExternalFSIgnore
	// ExternalFSError reports a foreign-device file as an error and skips it.
	ExternalFSError
	// ExternalFSSymlink replaces foreign-device files with a symlink to a
	// same-content file on the primary filesystem, when one exists.
	ExternalFSSymlink
)

func (m ExternalFSMode) String() string {
	switch m {
	case ExternalFSGroup:
		return "group"
	case ExternalFSIgnore:
		return "ignore"
	case ExternalFSError:
		return "error"
	case ExternalFSSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// ParseExternalFSMode parses the --on-external-fs flag value.
func ParseExternalFSMode(s string) (ExternalFSMode, error) {
	switch s {
	case "group":
		return ExternalFSGroup, nil
	case "ignore":
		return ExternalFSIgnore, nil
	case "error":
		return ExternalFSError, nil
	case "symlink":
		return ExternalFSSymlink, nil
	default:
		return 0, fmt.Errorf("invalid --on-external-fs value %q (want ignore, group, error, or symlink)", s)
	}
}

// ErrorMode governs how reported errors surface to the user and whether
// they halt the run.
type ErrorMode int

const (
	// ErrorWarning logs the event to stderr and continues.
	ErrorWarning ErrorMode = iota
	// ErrorIgnore suppresses the event entirely.
	ErrorIgnore
	// ErrorAbort logs the event and terminates the process.
	ErrorAbort
)

func (m ErrorMode) String() string {
	switch m {
	case ErrorWarning:
		return "warning"
	case ErrorIgnore:
		return "ignore"
	case ErrorAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// ParseErrorMode parses the --on-error flag value. "panic" is accepted as
// an alias for "abort".
func ParseErrorMode(s string) (ErrorMode, error) {
	switch s {
	case "ignore":
		return ErrorIgnore, nil
	case "warning":
		return ErrorWarning, nil
	case "abort", "panic":
		return ErrorAbort, nil
	default:
		return 0, fmt.Errorf("invalid --on-error value %q (want ignore, warning, abort, or panic)", s)
	}
}

// Engine bundles the resolved policy for one run.
type Engine struct {
	Symlink     SymlinkMode
	ExternalFS  ExternalFSMode
	OnError     ErrorMode
	UseSymlinks bool
	ScanOnly    bool
	IgnoreLess  int64
	BufferSize  int

	// PrimaryDevice is the st_dev of --primary-fs. Valid only when
	// HasPrimaryDevice is true; required whenever ExternalFS != Group.
	PrimaryDevice    uint64
	HasPrimaryDevice bool
}

// IsPrimary reports whether device belongs to the configured primary
// filesystem. When no primary device was configured, every device is
// considered primary (the ExternalFSGroup default configures none).
func (e Engine) IsPrimary(device uint64) bool {
	if !e.HasPrimaryDevice {
		return true
	}
	return device == e.PrimaryDevice
}
