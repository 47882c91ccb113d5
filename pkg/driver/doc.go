// Package driver runs one update attempt from invocation to exit code.
//
// The phases run in a fixed order and each fatal failure maps to its own
// exit code:
//
//	ArgCheck  -> 1 (argument count, control fd) or 2 (API version)
//	Load      -> 3 (map/open), 4 (script missing), 5 (script unreadable)
//	Register  -> 8 (internal)
//	Parse     -> 6
//	Evaluate  -> falls through to reporting
//	Report    -> 0 (success) or 7 (script failed)
//
// Nothing is retried in-process. A failure whose cause is a patch
// application or I/O error is reported to the supervisor with a
// retry_update directive, and the supervisor starts a fresh process.
package driver
