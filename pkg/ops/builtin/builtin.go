// Package builtin provides the operations every update script can call.
package builtin

import (
	"bufio"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"go.starlark.net/starlark"

	"github.com/openfroyo/otaupdater/pkg/ops"
	"github.com/openfroyo/otaupdater/pkg/script"
	"github.com/openfroyo/otaupdater/pkg/updater"
)

// SetName is the registration step name of the builtin set.
const SetName = "builtin"

// DefaultPropertiesPath is read by getprop when no path is configured.
const DefaultPropertiesPath = "/default.prop"

// Set registers the builtin operations.
type Set struct {
	propertiesPath string
	sleep          func(time.Duration)
}

// Option configures a Set.
type Option func(*Set)

// WithPropertiesPath sets the properties file read by getprop.
func WithPropertiesPath(path string) Option {
	return func(s *Set) {
		s.propertiesPath = path
	}
}

// WithSleep replaces the function used by sleep().
func WithSleep(fn func(time.Duration)) Option {
	return func(s *Set) {
		s.sleep = fn
	}
}

// New creates the builtin set.
func New(opts ...Option) *Set {
	s := &Set{
		propertiesPath: DefaultPropertiesPath,
		sleep:          time.Sleep,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements ops.OpSet.
func (s *Set) Name() string {
	return SetName
}

// Register implements ops.OpSet.
func (s *Set) Register(b *ops.Builder) {
	b.Register("abort", s.abort)
	b.Register("assert", s.assert)
	b.Register("ui_print", s.uiPrint)
	b.Register("is_retry", s.isRetry)
	b.Register("sleep", s.sleepFn)
	b.Register("sha1_check", s.sha1Check)
	b.Register("getprop", s.getprop)
}

func state(thread *starlark.Thread, fn *starlark.Builtin) (*updater.State, error) {
	st := script.StateFrom(thread)
	if st == nil {
		return nil, fmt.Errorf("%s: no execution state bound to thread", fn.Name())
	}
	return st, nil
}

func optionalInt(fn *starlark.Builtin, name string, v starlark.Value, def int) (int, error) {
	if v == nil || v == starlark.None {
		return def, nil
	}
	n, err := starlark.AsInt32(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %s: %w", fn.Name(), name, err)
	}
	return n, nil
}

// abort(msg="", code=None, cause=None)
func (s *Set) abort(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var msg string
	var code, cause starlark.Value
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "msg?", &msg, "code?", &code, "cause?", &cause); err != nil {
		return nil, err
	}
	errorCode, err := optionalInt(fn, "code", code, int(updater.NoError))
	if err != nil {
		return nil, err
	}
	causeCode, err := optionalInt(fn, "cause", cause, int(updater.NoCause))
	if err != nil {
		return nil, err
	}
	if msg == "" {
		msg = "called abort()"
	}
	return nil, script.AbortWithCode(thread, updater.ErrorCode(errorCode), updater.CauseCode(causeCode), msg)
}

// assert(cond, msg=None)
func (s *Set) assert(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var cond starlark.Value
	var msg string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "cond", &cond, "msg?", &msg); err != nil {
		return nil, err
	}
	if cond.Truth() {
		return starlark.True, nil
	}
	if msg == "" {
		msg = "assert failed"
	}
	return nil, script.Abort(thread, updater.NoCause, "%s", msg)
}

// ui_print(*args)
func (s *Set) uiPrint(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", fn.Name())
	}
	st, err := state(thread, fn)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	for _, arg := range args {
		if str, ok := starlark.AsString(arg); ok {
			sb.WriteString(str)
		} else {
			sb.WriteString(arg.String())
		}
	}
	text := sb.String()

	if st.Info != nil && st.Info.Control != nil {
		if err := st.Info.Control.UIPrint(text); err != nil {
			return nil, fmt.Errorf("%s: %w", fn.Name(), err)
		}
	} else if thread.Print != nil {
		thread.Print(thread, text)
	}
	return starlark.String(text), nil
}

// is_retry()
func (s *Set) isRetry(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs); err != nil {
		return nil, err
	}
	st, err := state(thread, fn)
	if err != nil {
		return nil, err
	}
	return starlark.Bool(st.IsRetry()), nil
}

// sleep(secs)
func (s *Set) sleepFn(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var secs int
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "secs", &secs); err != nil {
		return nil, err
	}
	if secs < 0 {
		return nil, fmt.Errorf("%s: negative duration %d", fn.Name(), secs)
	}
	s.sleep(time.Duration(secs) * time.Second)
	return starlark.MakeInt(secs), nil
}

// sha1_check(data, *digests) returns the hex digest of data when no digests
// are given, otherwise the first matching digest or "".
func (s *Set) sha1Check(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", fn.Name())
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%s: missing argument for data", fn.Name())
	}
	data, ok := starlark.AsString(args[0])
	if !ok {
		return nil, fmt.Errorf("%s: data must be a string or bytes, got %s", fn.Name(), args[0].Type())
	}

	sum := sha1.Sum([]byte(data))
	digest := hex.EncodeToString(sum[:])
	if len(args) == 1 {
		return starlark.String(digest), nil
	}

	for i, arg := range args[1:] {
		want, ok := starlark.AsString(arg)
		if !ok {
			return nil, fmt.Errorf("%s: digest %d must be a string", fn.Name(), i+1)
		}
		if strings.EqualFold(strings.TrimSpace(want), digest) {
			return starlark.String(want), nil
		}
	}
	return starlark.String(""), nil
}

// getprop(key, default="")
func (s *Set) getprop(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key, def string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "key", &key, "default?", &def); err != nil {
		return nil, err
	}
	value, found, err := LookupProperty(s.propertiesPath, key)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}
	if !found {
		return starlark.String(def), nil
	}
	return starlark.String(value), nil
}

// LookupProperty reads a key=value properties file and returns the last
// value assigned to key. A missing file reports the key as not found.
func LookupProperty(path, key string) (string, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var value string
	found := false
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(k) != key {
			continue
		}
		value = strings.TrimSpace(v)
		found = true
	}
	if err := scanner.Err(); err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return value, found, nil
}
