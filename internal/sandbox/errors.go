package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrTimeLimit      = errors.New("time limit exceeded")
	ErrMemoryLimit    = errors.New("memory limit exceeded")
	ErrOutputLimit    = errors.New("output limit exceeded")
	ErrInputTooLarge  = errors.New("input exceeds size limit")
	ErrRuntime        = errors.New("runtime error")
	ErrInvalidCommand = errors.New("invalid command")
	ErrClosed         = errors.New("runner is shut down")
)

// ExecutionError wraps errors with execution context.
type ExecutionError struct {
	ExecID string
	Op     string // The operation that failed
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// RuntimeError is returned when the program exits non-zero or is killed by
// a signal that is not attributable to a resource limit.
type RuntimeError struct {
	ExitCode int
	Signal   string
	Stderr   string // bounded excerpt
}

func (e *RuntimeError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("runtime error: killed by %s", e.Signal)
	}
	return fmt.Sprintf("runtime error: exit code %d", e.ExitCode)
}

func (e *RuntimeError) Unwrap() error {
	return ErrRuntime
}

// IsLimit reports whether err is one of the resource-limit verdicts.
func IsLimit(err error) bool {
	return errors.Is(err, ErrTimeLimit) || errors.Is(err, ErrMemoryLimit) || errors.Is(err, ErrOutputLimit)
}
