package updater

import (
	"errors"
	"fmt"
)

// ErrorClass groups driver errors by the phase that produced them.
type ErrorClass string

const (
	// ErrorClassArgument covers invocation errors detected before any I/O.
	ErrorClassArgument ErrorClass = "argument"

	// ErrorClassPackageAccess covers mapping, opening and reading the package.
	ErrorClassPackageAccess ErrorClass = "package_access"

	// ErrorClassRegistration covers operation table construction.
	ErrorClassRegistration ErrorClass = "registration"

	// ErrorClassParse covers syntax errors in the update script.
	ErrorClassParse ErrorClass = "parse"

	// ErrorClassEvaluation covers an aborted update script. It is the only
	// class the supervisor may recover from, by retrying the whole attempt.
	ErrorClassEvaluation ErrorClass = "evaluation"
)

// ErrorKind identifies a specific failure within a class.
type ErrorKind string

const (
	KindBadArgCount    ErrorKind = "bad_arg_count"
	KindBadVersion     ErrorKind = "bad_version"
	KindBadControlFD   ErrorKind = "bad_control_fd"
	KindMapFailure     ErrorKind = "map_failure"
	KindOpenFailure    ErrorKind = "open_failure"
	KindEntryNotFound  ErrorKind = "entry_not_found"
	KindExtractFailure ErrorKind = "extract_failure"
	KindRegistration   ErrorKind = "registration_failure"
	KindSyntax         ErrorKind = "syntax"
	KindAborted        ErrorKind = "aborted"
)

var kindClasses = map[ErrorKind]ErrorClass{
	KindBadArgCount:    ErrorClassArgument,
	KindBadVersion:     ErrorClassArgument,
	KindBadControlFD:   ErrorClassArgument,
	KindMapFailure:     ErrorClassPackageAccess,
	KindOpenFailure:    ErrorClassPackageAccess,
	KindEntryNotFound:  ErrorClassPackageAccess,
	KindExtractFailure: ErrorClassPackageAccess,
	KindRegistration:   ErrorClassRegistration,
	KindSyntax:         ErrorClassParse,
	KindAborted:        ErrorClassEvaluation,
}

// Process exit codes. These form the contract with the supervising process.
const (
	ExitSuccess        = 0
	ExitBadArgCount    = 1
	ExitBadVersion     = 2
	ExitPackageOpen    = 3
	ExitScriptNotFound = 4
	ExitScriptExtract  = 5
	ExitParseErrors    = 6
	ExitScriptFailed   = 7
	ExitInternal       = 8
)

var kindExitCodes = map[ErrorKind]int{
	KindBadArgCount:    ExitBadArgCount,
	KindBadVersion:     ExitBadVersion,
	KindBadControlFD:   ExitBadArgCount,
	KindMapFailure:     ExitPackageOpen,
	KindOpenFailure:    ExitPackageOpen,
	KindEntryNotFound:  ExitScriptNotFound,
	KindExtractFailure: ExitScriptExtract,
	KindRegistration:   ExitInternal,
	KindSyntax:         ExitParseErrors,
	KindAborted:        ExitScriptFailed,
}

// Error is a classified driver error.
type Error struct {
	// Class is the phase classification.
	Class ErrorClass

	// Kind is the specific failure.
	Kind ErrorKind

	// Message is the human-readable error message.
	Message string

	// Path is the package or entry path involved, if any.
	Path string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Path != "" {
		msg += fmt.Sprintf(" (path=%s)", e.Path)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithPath adds the package or entry path to the error.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// NewError creates a classified error of the given kind.
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{
		Class:   kindClasses[kind],
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// NewArgumentError creates an invocation error.
func NewArgumentError(kind ErrorKind, message string) *Error {
	return NewError(kind, message, nil)
}

// NewPackageAccessError creates a package access error.
func NewPackageAccessError(kind ErrorKind, message string, err error) *Error {
	return NewError(kind, message, err)
}

// KindOf returns the kind of a classified error, or "" for other errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func classOf(err error) ErrorClass {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// IsArgument returns true if the error is an invocation error.
func IsArgument(err error) bool {
	return classOf(err) == ErrorClassArgument
}

// IsPackageAccess returns true if the error came from package access.
func IsPackageAccess(err error) bool {
	return classOf(err) == ErrorClassPackageAccess
}

// IsParse returns true if the error is a script syntax error.
func IsParse(err error) bool {
	return classOf(err) == ErrorClassParse
}

// ExitCode maps an error to the process exit code. A nil error is success;
// unclassified errors are internal failures.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	if code, ok := kindExitCodes[KindOf(err)]; ok {
		return code
	}
	return ExitInternal
}
