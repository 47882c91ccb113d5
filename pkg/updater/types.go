package updater

import (
	"fmt"
	"io"

	"github.com/openfroyo/otaupdater/pkg/control"
	"github.com/openfroyo/otaupdater/pkg/selabel"
)

// ScriptPath is where the update script lives inside an update package.
// Note it is "updater-script", not the older "update-script".
const ScriptPath = "META-INF/com/google/android/updater-script"

// SupportedVersions lists the updater binary API versions this driver speaks.
var SupportedVersions = []string{"1", "2", "3"}

// RetryMode tells operations whether this invocation is a retry requested
// by an earlier attempt's retry_update directive.
type RetryMode int

const (
	// RetryNone is a first attempt.
	RetryNone RetryMode = iota
	// RetryRequested is a fresh invocation after a retry_update directive.
	RetryRequested
)

// RetryMarker is the invocation argument selecting RetryRequested.
const RetryMarker = "retry"

// ParseRetryMode maps the optional invocation marker to a RetryMode.
// The second result is false when the marker is not recognized.
func ParseRetryMode(s string) (RetryMode, bool) {
	if s == RetryMarker {
		return RetryRequested, true
	}
	return RetryNone, false
}

// String returns the string representation of the retry mode.
func (m RetryMode) String() string {
	switch m {
	case RetryNone:
		return "none"
	case RetryRequested:
		return "retry"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// Entry describes one file inside an update package.
type Entry struct {
	// Name is the path of the entry inside the archive.
	Name string

	// UncompressedSize is the declared uncompressed length in bytes.
	UncompressedSize uint64

	// CompressedSize is the stored length in bytes.
	CompressedSize uint64

	// Method is the archive compression method.
	Method uint16

	// Offset is opaque to callers; it identifies the entry to its archive.
	Offset int64
}

// IsDir reports whether the entry is a directory marker.
func (e Entry) IsDir() bool {
	return len(e.Name) > 0 && e.Name[len(e.Name)-1] == '/'
}

// Package is an open, read-only update package archive.
type Package interface {
	// Locate looks up an entry by its exact path.
	Locate(name string) (Entry, error)

	// Extract decompresses an entry into a buffer of its declared size.
	Extract(entry Entry) ([]byte, error)

	// Open streams an entry's decompressed contents.
	Open(entry Entry) (io.ReadCloser, error)

	// Entries lists every entry in archive order.
	Entries() []Entry

	// Size returns the length of the mapped package in bytes.
	Size() int64

	// Close releases the archive and its mapping. It is safe to call more
	// than once; only the first call releases anything.
	Close() error
}

// Info is the package, channel and version metadata shared with operations.
type Info struct {
	// Version is the updater binary API version (1, 2 or 3).
	Version int

	// Package is the open update package. Operations may read further
	// entries from it during evaluation.
	Package Package

	// PackagePath is the filesystem path the package was loaded from.
	PackagePath string

	// Control is the channel to the supervising process.
	Control *control.Channel

	// Labels resolves security labels for installed files. Nil when no
	// file_contexts are available.
	Labels selabel.Handle

	// AttemptID identifies this update attempt in logs and history.
	AttemptID string
}

// State is the mutable execution context threaded through evaluation.
type State struct {
	// Script is the update script text. It does not change after load.
	Script string

	// Info is the shared package/channel/version metadata.
	Info *Info

	// Retry is set from the invocation and readable by operations.
	Retry RetryMode

	// ErrorCode is the structured error code, NoError by default.
	ErrorCode ErrorCode

	// CauseCode is the structured cause code, NoCause by default.
	CauseCode CauseCode

	// ErrMsg is the abort message; it may span multiple lines.
	ErrMsg string

	// Result is the script's result text on success.
	Result string
}

// NewState creates an execution state with default codes.
func NewState(script string, info *Info, retry RetryMode) *State {
	return &State{
		Script:    script,
		Info:      info,
		Retry:     retry,
		ErrorCode: NoError,
		CauseCode: NoCause,
	}
}

// IsRetry reports whether this invocation is a retry.
func (s *State) IsRetry() bool {
	return s.Retry == RetryRequested
}
