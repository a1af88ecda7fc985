package worker

import (
	"fmt"
	"strings"
)

// TransportError wraps a failure talking to the agent or process runtime.
type TransportError struct {
	Op  string
	Err error
}

// Error describes the failed operation.
func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// VerificationFailure reports a lint, doctor, or fast command that did not pass.
type VerificationFailure struct {
	Stage    Stage
	Command  string
	ExitCode int
	TimedOut bool
	Output   string
}

// Error summarizes the failing command.
func (e *VerificationFailure) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("%s command %q timed out", e.Stage, e.Command)
	}
	return fmt.Sprintf("%s command %q exited with %d", e.Stage, e.Command, e.ExitCode)
}

// MaxRetriesExceededError reports that a task used its whole attempt budget.
type MaxRetriesExceededError struct {
	Limit int
}

// Error matches the message shown to operators.
func (e *MaxRetriesExceededError) Error() string {
	return fmt.Sprintf("Max retries exceeded (%d)", e.Limit)
}

// BootstrapError reports a bootstrap command with a non-zero exit.
type BootstrapError struct {
	Command  string
	ExitCode int
	Output   string
}

// Error names the command and its exit code.
func (e *BootstrapError) Error() string {
	return fmt.Sprintf("Bootstrap command failed: %q exited with %d", strings.TrimSpace(e.Command), e.ExitCode)
}
