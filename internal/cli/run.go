package cli

import (
	"fmt"
	"io"

	"github.com/3leaps/supdate/internal/errors"
)

// Process exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
)

// Handler is the program entrypoint for CLI execution.
//
// It is set by the main package (wired in init) so tests can call Run without
// forking processes while keeping the actual implementation out of this package.
var Handler func(args []string, stdin io.Reader, stdout, stderr io.Writer) int

func Run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if Handler == nil {
		fmt.Fprintln(stderr, "internal error: cli handler not configured")
		return ExitFailure
	}
	return Handler(args, stdin, stdout, stderr)
}

// ExitCode maps an error to the process exit code. Configuration and usage
// problems exit 2, every other failure exits 1.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch errors.CodeOf(err) {
	case errors.ErrUsage, errors.ErrConfigInvalid, errors.ErrConfigLoad, errors.ErrArgument:
		return ExitUsage
	default:
		return ExitFailure
	}
}
