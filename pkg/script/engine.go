// Package script is the boundary between the driver and the update script
// interpreter.
//
// The driver only needs two capabilities: parse script text, and evaluate a
// parsed program once against an execution state. Operations called by the
// script reach the state through their thread (see StateFrom) and report
// failures with Abort, which records a structured cause and message.
package script

import "github.com/openfroyo/otaupdater/pkg/updater"

// Program is a parsed update script.
type Program interface {
	// Name is the filename the script was parsed under.
	Name() string
}

// Engine parses and evaluates update scripts.
type Engine interface {
	// Parse parses script text. A non-zero error count or a non-nil error
	// means the script must not be evaluated.
	Parse(text string) (Program, int, error)

	// Evaluate runs a parsed program. On failure it populates the state's
	// error message; on success it returns and stores the result text.
	Evaluate(prog Program, state *updater.State) (bool, string)
}
