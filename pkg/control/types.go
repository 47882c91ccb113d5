// Package control implements the one-way, line-oriented command protocol
// from the updater to its supervising process.
//
// Every directive is a single line: a verb, optionally followed by a space
// and a payload. Lines are flushed as soon as they are written; there is no
// acknowledgement and nothing is ever read back.
package control

import (
	"fmt"
	"strings"
)

// Verb is the command word that starts every directive.
type Verb string

const (
	// VerbUIPrint shows a line of text to the user.
	VerbUIPrint Verb = "ui_print"
	// VerbLog carries structured telemetry ("error: N", "cause: N").
	VerbLog Verb = "log"
	// VerbRetryUpdate asks the supervisor to restart the whole update.
	VerbRetryUpdate Verb = "retry_update"
	// VerbProgress starts a progress segment: "<fraction> <seconds>".
	VerbProgress Verb = "progress"
	// VerbSetProgress moves within the current segment: "<fraction>".
	VerbSetProgress Verb = "set_progress"
)

// Validate checks if the verb is recognized.
func (v Verb) Validate() error {
	switch v {
	case VerbUIPrint, VerbLog, VerbRetryUpdate, VerbProgress, VerbSetProgress:
		return nil
	default:
		return fmt.Errorf("invalid verb: %q", string(v))
	}
}

// Message is one control directive.
type Message struct {
	Verb    Verb
	Payload string
}

// String renders the directive without its trailing newline.
func (m Message) String() string {
	if m.Payload == "" {
		return string(m.Verb)
	}
	return string(m.Verb) + " " + m.Payload
}

// Validate checks that the message can be framed as a single line.
func (m Message) Validate() error {
	if err := m.Verb.Validate(); err != nil {
		return err
	}
	if strings.ContainsAny(m.Payload, "\r\n") {
		return fmt.Errorf("payload for %s contains a line break", m.Verb)
	}
	return nil
}

// ParseLine parses a single directive line (without its newline).
func ParseLine(line string) (Message, error) {
	verb, payload, _ := strings.Cut(line, " ")
	msg := Message{Verb: Verb(verb), Payload: payload}
	if err := msg.Verb.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// ErrorLog returns the "log error: <code>" directive.
func ErrorLog(code int) Message {
	return Message{Verb: VerbLog, Payload: fmt.Sprintf("error: %d", code)}
}

// CauseLog returns the "log cause: <code>" directive.
func CauseLog(code int) Message {
	return Message{Verb: VerbLog, Payload: fmt.Sprintf("cause: %d", code)}
}
