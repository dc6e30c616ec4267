package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"

	"github.com/3leaps/stanwasm/pkg/errkind"
)

var (
	exitConfigError = foundry.ExitInvalidArgument
	exitToolchain   = foundry.ExitExternalServiceUnavailable
)

// exitCodeError carries a process exit code alongside the failure.
type exitCodeError struct {
	code    int
	message string
	err     error
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *exitCodeError) Unwrap() error {
	return e.err
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	if err == nil {
		err = errors.New(message)
	}
	return &exitCodeError{code: code, message: message, err: err}
}

// ExitCode returns the exit code carried by err, or 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var e *exitCodeError
	if errors.As(err, &e) {
		return e.code
	}
	return 1
}

// ExitWithCode logs the failure and terminates the process.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	logger.Error(message, zap.Error(err), zap.Int("exit_code", code))
	_ = logger.Sync()
	os.Exit(code)
}

// compileExitCode maps a core failure to a process exit code.
func compileExitCode(err error) int {
	switch errkind.KindOf(err) {
	case errkind.KindInvalidWorkspace, errkind.KindSourceTooLarge, errkind.KindAlreadyUploaded:
		return foundry.ExitInvalidArgument
	case errkind.KindWorkspaceNotFound, errkind.KindArtifactNotFound:
		return foundry.ExitFileNotFound
	case errkind.KindCompilationFailed, errkind.KindCompilationTimedOut:
		return exitToolchain
	default:
		return foundry.ExitFileWriteError
	}
}
