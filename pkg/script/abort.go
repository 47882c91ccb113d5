package script

import (
	"fmt"

	"go.starlark.net/starlark"

	"github.com/openfroyo/otaupdater/pkg/updater"
)

const stateKey = "updater.state"

// BindState attaches the execution state to a thread.
func BindState(thread *starlark.Thread, st *updater.State) {
	thread.SetLocal(stateKey, st)
}

// StateFrom returns the execution state bound to the thread, or nil.
func StateFrom(thread *starlark.Thread) *updater.State {
	if thread == nil {
		return nil
	}
	st, _ := thread.Local(stateKey).(*updater.State)
	return st
}

// AbortError is returned by operations that stop the script.
type AbortError struct {
	Code    updater.ErrorCode
	Cause   updater.CauseCode
	Message string
}

// Error implements the error interface.
func (e *AbortError) Error() string {
	return e.Message
}

// Abort stops the script with a message and an optional cause. The message
// and cause are recorded on the thread's state.
func Abort(thread *starlark.Thread, cause updater.CauseCode, format string, args ...interface{}) error {
	return AbortWithCode(thread, updater.NoError, cause, fmt.Sprintf(format, args...))
}

// AbortWithCode stops the script with a structured error code as well.
// Codes passed here take the place of an "E<code>: " message prefix.
func AbortWithCode(thread *starlark.Thread, code updater.ErrorCode, cause updater.CauseCode, msg string) error {
	if st := StateFrom(thread); st != nil {
		st.ErrMsg = msg
		if cause != updater.NoCause {
			st.CauseCode = cause
		}
		if code != updater.NoError {
			st.ErrorCode = code
		}
	}
	return &AbortError{Code: code, Cause: cause, Message: msg}
}
