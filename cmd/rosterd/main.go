package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rosterd/rosterd/internal/logging"
)

func main() {
	code := runMain(Execute, os.Stderr)
	if code != 0 {
		os.Exit(code)
	}
}

// runMain maps the root command's error into a process exit code: 0 on
// success, 130 on cancellation, the carried code for exitError, 1
// otherwise.
func runMain(execute func() error, stderr io.Writer) int {
	err := execute()
	if err == nil {
		return 0
	}
	return exitCodeForError(err, stderr)
}

func exitCodeForError(err error, stderr io.Writer) int {
	var ee *exitError
	switch {
	case errors.As(err, &ee):
		if !ee.silent {
			cause := err
			if ee.err != nil {
				cause = ee.err
			}
			emitCommandError(cause, "command failed", ee.code, stderr)
		}
		return ee.code
	case errors.Is(err, context.Canceled):
		emitCommandError(err, "command canceled", 130, stderr)
		return 130
	default:
		emitCommandError(err, "command failed", 1, stderr)
		return 1
	}
}

// emitCommandError writes the fatal line the way the failing command talks:
// structured for the long-running serve/worker/sync commands, plain for
// human-facing ones like keygen.
func emitCommandError(err error, message string, exitCode int, stderr io.Writer) {
	execCtx := currentCommandExecutionContext()
	if !execCtx.UsesStructuredLog {
		if exitCode == 130 {
			fmt.Fprintln(stderr, "canceled")
		} else {
			fmt.Fprintln(stderr, err)
		}
		return
	}

	cfg, cfgErr := logging.LoadConfigFromEnv()
	if cfgErr != nil {
		cfg = logging.DefaultConfig()
	}
	logger := logging.NewLogger(cfg, stderr, execCtx.CommandPath)
	logger.Error(message, "exit_code", exitCode, "error", err)
}
