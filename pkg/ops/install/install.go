// Package install provides the operations that write an update to the
// device: extracting package entries, editing files and setting metadata.
package install

import (
	"errors"
	"fmt"

	"go.starlark.net/starlark"
	"golang.org/x/sys/unix"

	"github.com/openfroyo/otaupdater/pkg/ops"
	"github.com/openfroyo/otaupdater/pkg/script"
	"github.com/openfroyo/otaupdater/pkg/telemetry"
	"github.com/openfroyo/otaupdater/pkg/updater"
)

// SetName is the registration step name of the install set.
const SetName = "install"

// Set registers the install operations.
type Set struct {
	fsync  bool
	logger *telemetry.Logger
}

// Option configures a Set.
type Option func(*Set)

// WithFsync controls whether extracted files are synced before they are
// closed. It is on by default.
func WithFsync(enabled bool) Option {
	return func(s *Set) {
		s.fsync = enabled
	}
}

// WithLogger sets the logger for failures that do not abort the script.
func WithLogger(logger *telemetry.Logger) Option {
	return func(s *Set) {
		s.logger = logger
	}
}

// New creates the install set.
func New(opts ...Option) *Set {
	s := &Set{fsync: true, logger: telemetry.NopLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ ops.OpSet = (*Set)(nil)

// Name implements ops.OpSet.
func (s *Set) Name() string {
	return SetName
}

// Register implements ops.OpSet.
func (s *Set) Register(b *ops.Builder) {
	b.Register("package_extract_file", s.packageExtractFile)
	b.Register("package_extract_dir", s.packageExtractDir)
	b.Register("set_progress", s.setProgress)
	b.Register("show_progress", s.showProgress)
	b.Register("write_value", s.writeValue)
	b.Register("read_file", s.readFile)
	b.Register("delete", s.delete)
	b.Register("symlink", s.symlink)
	b.Register("set_metadata", s.setMetadata)
	b.Register("set_metadata_recursive", s.setMetadataRecursive)
	b.Register("file_getprop", s.fileGetprop)
}

func state(thread *starlark.Thread, fn *starlark.Builtin) (*updater.State, error) {
	st := script.StateFrom(thread)
	if st == nil || st.Info == nil {
		return nil, fmt.Errorf("%s: no execution state bound to thread", fn.Name())
	}
	return st, nil
}

// causeFor picks the cause reported for an I/O failure. EIO always maps to
// EioFailure so the supervisor retries the update.
func causeFor(err error, fallback updater.CauseCode) updater.CauseCode {
	if errors.Is(err, unix.EIO) {
		return updater.EioFailure
	}
	return fallback
}

// fail aborts the script with a cause derived from err.
func fail(thread *starlark.Thread, fn *starlark.Builtin, fallback updater.CauseCode, err error) error {
	return script.Abort(thread, causeFor(err, fallback), "%s: %v", fn.Name(), err)
}

// fraction accepts an int or float progress value in [0, 1].
func fraction(fn *starlark.Builtin, v starlark.Value) (float64, error) {
	f, ok := starlark.AsFloat(v)
	if !ok {
		return 0, fmt.Errorf("%s: got %s, want number", fn.Name(), v.Type())
	}
	if f < 0 || f > 1 {
		return 0, fmt.Errorf("%s: fraction %g out of range", fn.Name(), f)
	}
	return f, nil
}

// set_progress(frac)
func (s *Set) setProgress(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "frac", &v); err != nil {
		return nil, err
	}
	frac, err := fraction(fn, v)
	if err != nil {
		return nil, err
	}
	st, err := state(thread, fn)
	if err != nil {
		return nil, err
	}
	if st.Info.Control != nil {
		if err := st.Info.Control.SetProgress(frac); err != nil {
			return nil, fmt.Errorf("%s: %w", fn.Name(), err)
		}
	}
	return starlark.Float(frac), nil
}

// show_progress(frac, secs)
func (s *Set) showProgress(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	var secs int
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "frac", &v, "secs", &secs); err != nil {
		return nil, err
	}
	frac, err := fraction(fn, v)
	if err != nil {
		return nil, err
	}
	st, err := state(thread, fn)
	if err != nil {
		return nil, err
	}
	if st.Info.Control != nil {
		if err := st.Info.Control.Progress(frac, secs); err != nil {
			return nil, fmt.Errorf("%s: %w", fn.Name(), err)
		}
	}
	return starlark.Float(frac), nil
}
