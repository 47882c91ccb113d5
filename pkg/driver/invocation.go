package driver

import (
	"fmt"
	"strconv"

	"github.com/openfroyo/otaupdater/pkg/telemetry"
	"github.com/openfroyo/otaupdater/pkg/updater"
)

// Invocation is the validated process invocation.
type Invocation struct {
	// Version is the updater binary API version (1, 2 or 3).
	Version int

	// ControlFD is the inherited descriptor for the control channel.
	ControlFD int

	// PackagePath is the update package to install.
	PackagePath string

	// Retry is set when the supervisor re-invokes after retry_update.
	Retry updater.RetryMode
}

// ParseInvocation validates the positional arguments
// (version, control_fd, package_path[, "retry"]), excluding the program
// name. It performs no I/O.
func ParseInvocation(args []string, log *telemetry.Logger) (Invocation, error) {
	if len(args) != 3 && len(args) != 4 {
		return Invocation{}, updater.NewArgumentError(updater.KindBadArgCount,
			fmt.Sprintf("unexpected number of arguments: %d", len(args)+1))
	}

	version, ok := parseVersion(args[0])
	if !ok {
		return Invocation{}, updater.NewArgumentError(updater.KindBadVersion,
			fmt.Sprintf("wrong updater binary API; expected 1, 2, or 3; got %s", args[0]))
	}

	fd, err := strconv.Atoi(args[1])
	if err != nil || fd < 0 {
		return Invocation{}, updater.NewArgumentError(updater.KindBadControlFD,
			fmt.Sprintf("invalid control fd: %q", args[1]))
	}

	inv := Invocation{
		Version:     version,
		ControlFD:   fd,
		PackagePath: args[2],
		Retry:       updater.RetryNone,
	}

	if len(args) == 4 {
		mode, ok := updater.ParseRetryMode(args[3])
		if !ok {
			log.Warnf("unexpected argument: %s", args[3])
		}
		inv.Retry = mode
	}

	return inv, nil
}

func parseVersion(s string) (int, bool) {
	for _, v := range updater.SupportedVersions {
		if s == v {
			n, _ := strconv.Atoi(s)
			return n, true
		}
	}
	return 0, false
}
