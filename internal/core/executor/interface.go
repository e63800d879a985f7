package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTimeout applies to requests that do not set one.
const DefaultTimeout = 60 * time.Second

type Status string

const (
	Completed Status = "completed"
	TimedOut  Status = "timed_out"
)

// RunRequest describes one external command invocation.
type RunRequest struct {
	Command          []string      // executable followed by its arguments
	WorkingDirectory string        // empty means the caller's working directory
	Env              []string      // nil inherits the caller's environment
	Timeout          time.Duration // <= 0 means DefaultTimeout
	Label            string        // shows up in logs only
}

// ExecuteResult is what came out of a finished or timed out command.
// A non-zero ExitCode is a normal completion.
type ExecuteResult struct {
	Status   Status
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

func (r *ExecuteResult) TimedOut() bool {
	return r.Status == TimedOut
}

// Executor runs external commands. Implementations keep no state between calls.
type Executor interface {
	// Execute runs req to completion or until its deadline elapses, killing
	// the process and its children on timeout or when ctx is cancelled.
	Execute(ctx context.Context, req RunRequest) (*ExecuteResult, error)

	ID() string
}

// NewExecutor returns the executor that runs commands directly on the host.
func NewExecutor(logger zerolog.Logger) Executor {
	return &directExecutor{
		logger: logger.With().Str("component", "executor").Logger(),
	}
}

type ErrorType string

const (
	ErrCmdStart ErrorType = "COMMAND_START_ERROR"
	ErrCmdWait  ErrorType = "COMMAND_WAIT_ERROR"
	ErrCanceled ErrorType = "COMMAND_CANCELED"
	ErrInvalid  ErrorType = "INVALID_REQUEST"
)

// Error is returned for anything that is not a command outcome.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (type: %s)", e.Message, e.Cause.Error(), e.Type)
	}
	return fmt.Sprintf("%s (type: %s)", e.Message, e.Type)
}

func (e *Error) Unwrap() error {
	return e.Cause
}
