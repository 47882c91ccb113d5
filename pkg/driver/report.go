package driver

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/openfroyo/otaupdater/pkg/control"
	"github.com/openfroyo/otaupdater/pkg/telemetry"
	"github.com/openfroyo/otaupdater/pkg/updater"
)

const (
	genericFailureLine = "script aborted (no error message)"
	successFormat      = "script succeeded: result was [%s]"
	noLabelsWarning    = "Warning: No file_contexts"
)

// errorCodeLine matches the "E<code>: " prefix of an abort message line.
var errorCodeLine = regexp.MustCompile(`^E(\d+): `)

// Failure is the classified outcome of a failed evaluation.
type Failure struct {
	// Lines are shown to the user in order.
	Lines []string

	// ErrorCode is never NoError.
	ErrorCode updater.ErrorCode

	// CauseCode is NoCause when the script did not set one.
	CauseCode updater.CauseCode

	// Retry is set when the supervisor should restart the update.
	Retry bool
}

// Classify derives the user transcript and the error and cause codes from
// a failed evaluation. A code set through the structured abort path wins
// over one scraped from an "E<code>: " message line.
func Classify(st *updater.State, log *telemetry.Logger) Failure {
	f := Failure{
		ErrorCode: st.ErrorCode,
		CauseCode: st.CauseCode,
	}

	if st.ErrMsg == "" {
		f.Lines = []string{genericFailureLine}
	} else {
		f.Lines = strings.Split(st.ErrMsg, "\n")
	}

	scraped := updater.NoError
	for _, line := range f.Lines {
		if code, ok := scrapeErrorCode(line, log); ok {
			scraped = code
		}
	}

	if scraped != updater.NoError {
		if f.ErrorCode == updater.NoError {
			f.ErrorCode = scraped
		} else if f.ErrorCode != scraped {
			log.Debugf("structured error code %d overrides message code %d", f.ErrorCode, scraped)
		}
	}
	if f.ErrorCode == updater.NoError {
		f.ErrorCode = updater.ScriptExecutionFailure
	}

	f.Retry = f.CauseCode.TriggersRetry()
	return f
}

// scrapeErrorCode parses the code from a line such as
// "E30: This package is for bullhead devices.".
func scrapeErrorCode(line string, log *telemetry.Logger) (updater.ErrorCode, bool) {
	if len(line) < 2 || line[0] != 'E' || line[1] < '0' || line[1] > '9' {
		return updater.NoError, false
	}
	m := errorCodeLine.FindStringSubmatch(line)
	if m == nil {
		log.Errorf("failed to parse error code: [%s]", line)
		return updater.NoError, false
	}
	code, err := strconv.Atoi(m[1])
	if err != nil {
		log.WithError(err).Errorf("failed to parse error code: [%s]", line)
		return updater.NoError, false
	}
	return updater.ErrorCode(code), true
}

// reportFailure writes the failure transcript and codes to the channel.
// The codes are written even when a transcript line cannot be.
func reportFailure(ch *control.Channel, f Failure) error {
	var errs []error
	for _, line := range f.Lines {
		if err := ch.UIPrint(line); err != nil {
			errs = append(errs, err)
		}
	}
	if err := ch.LogError(int(f.ErrorCode)); err != nil {
		errs = append(errs, err)
	}
	if f.CauseCode != updater.NoCause {
		if err := ch.LogCause(int(f.CauseCode)); err != nil {
			errs = append(errs, err)
		}
		if f.Retry {
			if err := ch.RetryUpdate(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// reportSuccess writes the success line to the channel.
func reportSuccess(ch *control.Channel, result string) error {
	return ch.UIPrint(fmt.Sprintf(successFormat, result))
}
