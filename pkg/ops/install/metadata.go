package install

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"go.starlark.net/starlark"
	"golang.org/x/sys/unix"

	"github.com/openfroyo/otaupdater/pkg/selabel"
	"github.com/openfroyo/otaupdater/pkg/updater"
)

// applyLabel sets the security label of path when a label handle is
// available and has a matching rule.
func applyLabel(st *updater.State, path string, mode fs.FileMode) error {
	if st.Info.Labels == nil {
		return nil
	}
	label, ok := st.Info.Labels.Lookup(path, mode)
	if !ok {
		return nil
	}
	if err := unix.Lsetxattr(path, selabel.XattrName, []byte(label), 0); err != nil {
		return fmt.Errorf("failed to set label %s on %s: %w", label, path, err)
	}
	return nil
}

// metadata is the parsed key/value list of set_metadata.
type metadata struct {
	uid, gid     int
	mode         fs.FileMode
	dmode, fmode fs.FileMode
	hasMode      bool
	hasDMode     bool
	hasFMode     bool
	label        string
}

func parseMetadata(fn *starlark.Builtin, args starlark.Tuple, recursive bool) (*metadata, error) {
	if len(args)%2 != 0 {
		return nil, fmt.Errorf("%s: expected key/value pairs, got %d values", fn.Name(), len(args))
	}
	md := &metadata{uid: -1, gid: -1}
	for i := 0; i < len(args); i += 2 {
		key, ok := starlark.AsString(args[i])
		if !ok {
			return nil, fmt.Errorf("%s: key %d: got %s, want string", fn.Name(), i/2+1, args[i].Type())
		}
		value, ok := starlark.AsString(args[i+1])
		if !ok {
			value = args[i+1].String()
		}

		switch {
		case key == "uid" || key == "gid":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%s: invalid %s %q", fn.Name(), key, value)
			}
			if key == "uid" {
				md.uid = n
			} else {
				md.gid = n
			}
		case key == "mode" && !recursive, key == "dmode" && recursive, key == "fmode" && recursive:
			m, err := strconv.ParseUint(value, 8, 32)
			if err != nil {
				return nil, fmt.Errorf("%s: invalid %s %q: %w", fn.Name(), key, value, err)
			}
			switch key {
			case "mode":
				md.mode, md.hasMode = fs.FileMode(m), true
			case "dmode":
				md.dmode, md.hasDMode = fs.FileMode(m), true
			case "fmode":
				md.fmode, md.hasFMode = fs.FileMode(m), true
			}
		case key == "selabel":
			md.label = value
		default:
			return nil, fmt.Errorf("%s: unknown key %q", fn.Name(), key)
		}
	}
	return md, nil
}

func (md *metadata) apply(path string, info fs.FileInfo) error {
	if md.uid >= 0 || md.gid >= 0 {
		if err := os.Lchown(path, md.uid, md.gid); err != nil {
			return fmt.Errorf("failed to chown %s: %w", path, err)
		}
	}

	isLink := info.Mode()&fs.ModeSymlink != 0
	var mode fs.FileMode
	var setMode bool
	switch {
	case md.hasMode:
		mode, setMode = md.mode, true
	case info.IsDir() && md.hasDMode:
		mode, setMode = md.dmode, true
	case !info.IsDir() && md.hasFMode:
		mode, setMode = md.fmode, true
	}
	if setMode && !isLink {
		if err := os.Chmod(path, mode); err != nil {
			return fmt.Errorf("failed to chmod %s: %w", path, err)
		}
	}

	if md.label != "" {
		if err := unix.Lsetxattr(path, selabel.XattrName, []byte(md.label), 0); err != nil {
			return fmt.Errorf("failed to set label on %s: %w", path, err)
		}
	}
	return nil
}

// set_metadata(path, key, value, ...)
func (s *Set) setMetadata(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", fn.Name())
	}
	if len(args) < 3 {
		return nil, fmt.Errorf("%s: expected a path and at least one key/value pair", fn.Name())
	}
	path, ok := starlark.AsString(args[0])
	if !ok {
		return nil, fmt.Errorf("%s: path: got %s, want string", fn.Name(), args[0].Type())
	}
	md, err := parseMetadata(fn, args[1:], false)
	if err != nil {
		return nil, err
	}

	info, err := os.Lstat(path)
	if err != nil {
		return nil, fail(thread, fn, updater.SetMetadataFailure, err)
	}
	if err := md.apply(path, info); err != nil {
		return nil, fail(thread, fn, updater.SetMetadataFailure, err)
	}
	return starlark.True, nil
}

// set_metadata_recursive(path, key, value, ...) walks the tree rooted at
// path. Directories take dmode and files take fmode.
func (s *Set) setMetadataRecursive(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", fn.Name())
	}
	if len(args) < 3 {
		return nil, fmt.Errorf("%s: expected a path and at least one key/value pair", fn.Name())
	}
	root, ok := starlark.AsString(args[0])
	if !ok {
		return nil, fmt.Errorf("%s: path: got %s, want string", fn.Name(), args[0].Type())
	}
	md, err := parseMetadata(fn, args[1:], true)
	if err != nil {
		return nil, err
	}

	count := 0
	err = filepath.Walk(root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := md.apply(path, info); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return nil, fail(thread, fn, updater.SetMetadataFailure, err)
	}
	return starlark.MakeInt(count), nil
}
