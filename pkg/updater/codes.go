package updater

import "fmt"

// ErrorCode is the structured error code reported to the supervisor with
// "log error: <code>". Values other than the named constants are
// device-specific codes recovered from abort messages ("E<code>: ...").
type ErrorCode int

const (
	// NoError is the default; it is never reported for a failed evaluation.
	NoError ErrorCode = -1

	LowBattery                  ErrorCode = 20
	ZipVerificationFailure      ErrorCode = 21
	ZipOpenFailure              ErrorCode = 22
	BootreasonInBlacklist       ErrorCode = 23
	PackageCompatibilityFailure ErrorCode = 24
	// ScriptExecutionFailure is the generic code for an aborted script.
	ScriptExecutionFailure     ErrorCode = 25
	MapFileFailure             ErrorCode = 26
	ForkUpdateBinaryFailure    ErrorCode = 27
	UpdateBinaryCommandFailure ErrorCode = 28
)

// String returns the human-readable name of an error code.
func (c ErrorCode) String() string {
	switch c {
	case NoError:
		return "no_error"
	case LowBattery:
		return "low_battery"
	case ZipVerificationFailure:
		return "zip_verification_failure"
	case ZipOpenFailure:
		return "zip_open_failure"
	case BootreasonInBlacklist:
		return "bootreason_in_blacklist"
	case PackageCompatibilityFailure:
		return "package_compatibility_failure"
	case ScriptExecutionFailure:
		return "script_execution_failure"
	case MapFileFailure:
		return "map_file_failure"
	case ForkUpdateBinaryFailure:
		return "fork_update_binary_failure"
	case UpdateBinaryCommandFailure:
		return "update_binary_command_failure"
	default:
		return fmt.Sprintf("device(%d)", int(c))
	}
}

// CauseCode gives additional information about why a script aborted.
// It drives the supervisor's retry decision.
type CauseCode int

const (
	// NoCause is the default; it is never reported.
	NoCause CauseCode = -1

	ArgsParsingFailure CauseCode = 100 + iota - 1
	StashCreationFailure
	FileOpenFailure
	LseekFailure
	FreadFailure
	FwriteFailure
	FsyncFailure
	LibfecFailure
	FileGetPropFailure
	FileRenameFailure
	SymlinkFailure
	SetMetadataFailure
	Tune2FsFailure
	RebootFailure
	PackageExtractFileFailure
)

const (
	PatchApplicationFailure    CauseCode = 200
	HashTreeComputationFailure CauseCode = 201
	EioFailure                 CauseCode = 202
	VendorFailure              CauseCode = 300
)

var causeNames = map[CauseCode]string{
	NoCause:                    "no_cause",
	ArgsParsingFailure:         "args_parsing_failure",
	StashCreationFailure:       "stash_creation_failure",
	FileOpenFailure:            "file_open_failure",
	LseekFailure:               "lseek_failure",
	FreadFailure:               "fread_failure",
	FwriteFailure:              "fwrite_failure",
	FsyncFailure:               "fsync_failure",
	LibfecFailure:              "libfec_failure",
	FileGetPropFailure:         "file_getprop_failure",
	FileRenameFailure:          "file_rename_failure",
	SymlinkFailure:             "symlink_failure",
	SetMetadataFailure:         "set_metadata_failure",
	Tune2FsFailure:             "tune2fs_failure",
	RebootFailure:              "reboot_failure",
	PackageExtractFileFailure:  "package_extract_file_failure",
	PatchApplicationFailure:    "patch_application_failure",
	HashTreeComputationFailure: "hash_tree_computation_failure",
	EioFailure:                 "eio_failure",
	VendorFailure:              "vendor_failure",
}

// String returns the human-readable name of a cause code.
func (c CauseCode) String() string {
	if name, ok := causeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(c))
}

// TriggersRetry reports whether the supervisor should be asked to restart
// the whole update attempt. Only patch application and I/O failures do.
func (c CauseCode) TriggersRetry() bool {
	return c == PatchApplicationFailure || c == EioFailure
}
