// Package updater provides the core types of the OTA update execution driver.
//
// # Overview
//
// An update attempt runs once per process invocation and moves through a fixed
// sequence of phases:
//
//  1. ArgCheck - validate the invocation (argument count, API version)
//  2. Load - map the update package and extract the update script
//  3. Register - build the operation table the script may call
//  4. Parse - parse the update script
//  5. Evaluate - run the script; operations mutate device storage
//  6. Report - classify the outcome and notify the supervisor
//
// Each phase before Evaluate fails fast with a distinct exit code. Evaluation
// failures are classified into an ErrorCode and an optional CauseCode and are
// reported over the control channel; retry is never attempted in-process.
//
// # Core Types
//
//   - State: the mutable execution context threaded through evaluation
//   - Info: package, control channel and version metadata shared with operations
//   - Package: the open update package archive
//   - ErrorCode / CauseCode: structured failure classification
//   - Error: classified driver errors, mapped to process exit codes
//
// # Error Classification
//
//	if updater.IsPackageAccess(err) {
//	    os.Exit(updater.ExitCode(err))
//	}
package updater
