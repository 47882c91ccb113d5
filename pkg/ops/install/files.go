package install

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.starlark.net/starlark"

	"github.com/openfroyo/otaupdater/pkg/ops/builtin"
	"github.com/openfroyo/otaupdater/pkg/updater"
)

const (
	fileMode = 0644
	dirMode  = 0755
)

// writeError carries the cause to report for a failed write.
type writeError struct {
	cause updater.CauseCode
	err   error
}

func (e *writeError) Error() string { return e.err.Error() }
func (e *writeError) Unwrap() error { return e.err }

// writeFile streams r into dst, replacing any existing file.
func (s *Set) writeFile(dst string, r io.Reader, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), dirMode); err != nil {
		return &writeError{cause: causeFor(err, updater.FileOpenFailure), err: fmt.Errorf("failed to create directory: %w", err)}
	}

	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return &writeError{cause: causeFor(err, updater.FileOpenFailure), err: fmt.Errorf("failed to open %s: %w", dst, err)}
	}

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return &writeError{cause: causeFor(err, updater.FwriteFailure), err: fmt.Errorf("failed to write %s: %w", dst, err)}
	}

	if s.fsync {
		if err := f.Sync(); err != nil {
			f.Close()
			return &writeError{cause: causeFor(err, updater.FsyncFailure), err: fmt.Errorf("failed to sync %s: %w", dst, err)}
		}
	}

	if err := f.Close(); err != nil {
		return &writeError{cause: causeFor(err, updater.FwriteFailure), err: fmt.Errorf("failed to close %s: %w", dst, err)}
	}
	return nil
}

// extractEntry writes one package entry to dst and labels it.
func (s *Set) extractEntry(st *updater.State, entry updater.Entry, dst string) error {
	rc, err := st.Info.Package.Open(entry)
	if err != nil {
		return &writeError{cause: causeFor(err, updater.PackageExtractFileFailure), err: err}
	}
	defer rc.Close()

	if err := s.writeFile(dst, rc, fileMode); err != nil {
		return err
	}
	if err := applyLabel(st, dst, fileMode); err != nil {
		return &writeError{cause: updater.SetMetadataFailure, err: err}
	}
	return nil
}

func abortWrite(thread *starlark.Thread, fn *starlark.Builtin, err error) error {
	cause := updater.PackageExtractFileFailure
	var we *writeError
	if errors.As(err, &we) {
		cause = we.cause
	}
	return fail(thread, fn, cause, err)
}

// package_extract_file(src, dst=None) returns the entry's content when dst
// is omitted and True after writing it otherwise.
func (s *Set) packageExtractFile(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var src, dst string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "src", &src, "dst?", &dst); err != nil {
		return nil, err
	}
	st, err := state(thread, fn)
	if err != nil {
		return nil, err
	}
	if st.Info.Package == nil {
		return nil, fmt.Errorf("%s: no package loaded", fn.Name())
	}

	entry, err := st.Info.Package.Locate(src)
	if err != nil {
		return nil, fail(thread, fn, updater.PackageExtractFileFailure, err)
	}

	if dst == "" {
		data, err := st.Info.Package.Extract(entry)
		if err != nil {
			return nil, fail(thread, fn, updater.PackageExtractFileFailure, err)
		}
		return starlark.String(data), nil
	}

	if err := s.extractEntry(st, entry, dst); err != nil {
		return nil, abortWrite(thread, fn, err)
	}
	return starlark.True, nil
}

// package_extract_dir(src_dir, dst_dir) extracts every entry under src_dir.
func (s *Set) packageExtractDir(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var srcDir, dstDir string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "src_dir", &srcDir, "dst_dir", &dstDir); err != nil {
		return nil, err
	}
	st, err := state(thread, fn)
	if err != nil {
		return nil, err
	}
	if st.Info.Package == nil {
		return nil, fmt.Errorf("%s: no package loaded", fn.Name())
	}

	prefix := strings.TrimSuffix(srcDir, "/") + "/"
	if srcDir == "" || srcDir == "/" {
		prefix = ""
	}

	count := 0
	for _, entry := range st.Info.Package.Entries() {
		if !strings.HasPrefix(entry.Name, prefix) {
			continue
		}
		rel := strings.TrimPrefix(entry.Name, prefix)
		if rel == "" {
			continue
		}
		clean := path.Clean(rel)
		if clean == ".." || strings.HasPrefix(clean, "../") || path.IsAbs(clean) {
			return nil, fail(thread, fn, updater.PackageExtractFileFailure, fmt.Errorf("entry %s escapes %s", entry.Name, dstDir))
		}
		dst := filepath.Join(dstDir, filepath.FromSlash(clean))

		if entry.IsDir() {
			if err := os.MkdirAll(dst, dirMode); err != nil {
				return nil, fail(thread, fn, updater.FileOpenFailure, err)
			}
			if err := applyLabel(st, dst, fs.ModeDir|dirMode); err != nil {
				return nil, fail(thread, fn, updater.SetMetadataFailure, err)
			}
			continue
		}

		if err := s.extractEntry(st, entry, dst); err != nil {
			return nil, abortWrite(thread, fn, err)
		}
		count++
	}
	return starlark.MakeInt(count), nil
}

// write_value(value, path) returns False instead of aborting on failure.
func (s *Set) writeValue(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var value, dst string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "value", &value, "path", &dst); err != nil {
		return nil, err
	}
	if dst == "" {
		return nil, fmt.Errorf("%s: path argument to %s can't be empty", fn.Name(), fn.Name())
	}
	if err := os.WriteFile(dst, []byte(value), fileMode); err != nil {
		if st, _ := state(thread, fn); st != nil && st.Info.Control != nil {
			if err := st.Info.Control.UIPrintf("%s: failed to write %q: %v", fn.Name(), dst, err); err != nil {
				s.logger.WithError(err).Warn("failed to write to control channel")
			}
		}
		return starlark.False, nil
	}
	return starlark.True, nil
}

// read_file(path)
func (s *Set) readFile(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var src string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "path", &src); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return nil, fail(thread, fn, updater.FreadFailure, err)
	}
	return starlark.String(data), nil
}

// delete(*paths) returns the number of paths removed.
func (s *Set) delete(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", fn.Name())
	}
	count := 0
	for i, arg := range args {
		p, ok := starlark.AsString(arg)
		if !ok {
			return nil, fmt.Errorf("%s: argument %d: got %s, want string", fn.Name(), i+1, arg.Type())
		}
		if err := os.Remove(p); err == nil {
			count++
		}
	}
	return starlark.MakeInt(count), nil
}

// symlink(target, *links) replaces each link with a symlink to target.
func (s *Set) symlink(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", fn.Name())
	}
	if len(args) < 1 {
		return nil, fmt.Errorf("%s: missing argument for target", fn.Name())
	}
	target, ok := starlark.AsString(args[0])
	if !ok {
		return nil, fmt.Errorf("%s: target: got %s, want string", fn.Name(), args[0].Type())
	}

	var failed []string
	for i, arg := range args[1:] {
		link, ok := starlark.AsString(arg)
		if !ok {
			return nil, fmt.Errorf("%s: link %d: got %s, want string", fn.Name(), i+1, arg.Type())
		}
		if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
			failed = append(failed, fmt.Sprintf("%s: %v", link, err))
			continue
		}
		if err := os.MkdirAll(filepath.Dir(link), dirMode); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", link, err))
			continue
		}
		if err := os.Symlink(target, link); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", link, err))
		}
	}
	if len(failed) > 0 {
		return nil, fail(thread, fn, updater.SymlinkFailure,
			fmt.Errorf("%d symlinks failed: %s", len(failed), strings.Join(failed, "; ")))
	}
	return starlark.True, nil
}

// file_getprop(file, key) returns "" when the key is absent.
func (s *Set) fileGetprop(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var file, key string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "file", &file, "key", &key); err != nil {
		return nil, err
	}
	if _, err := os.Stat(file); err != nil {
		return nil, fail(thread, fn, updater.FileGetPropFailure, err)
	}
	value, _, err := builtin.LookupProperty(file, key)
	if err != nil {
		return nil, fail(thread, fn, updater.FileGetPropFailure, err)
	}
	return starlark.String(value), nil
}
