package run

import (
	"errors"
	"fmt"
	"strings"

	"github.com/JamesPaynter/efficient-ralph-loop/internal/manifest"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/runlock"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/scheduler"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/state"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/vcs"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/worker"
)

// ErrorCode groups user-facing errors by the subsystem that raised them.
type ErrorCode string

const (
	CodeUnknown  ErrorCode = "UNKNOWN"
	CodeConfig   ErrorCode = "CONFIG_ERROR"
	CodeTask     ErrorCode = "TASK_ERROR"
	CodeGit      ErrorCode = "GIT_ERROR"
	CodePlanning ErrorCode = "PLANNING_ERROR"
	CodeState    ErrorCode = "STATE_ERROR"
)

// UserFacingError is an error safe to print to operators, with a hint on what to do next.
type UserFacingError struct {
	Code    ErrorCode
	Title   string
	Message string
	Hint    string
	Cause   error
}

func (e *UserFacingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Title, e.Cause)
	}
	return e.Title
}

// Unwrap returns the underlying cause.
func (e *UserFacingError) Unwrap() error {
	return e.Cause
}

// Render formats the error for the terminal.
func (e *UserFacingError) Render() string {
	lines := []string{"Error: " + e.Title}
	if message := strings.TrimSpace(e.Message); message != "" {
		lines = append(lines, message)
	}
	if hint := strings.TrimSpace(e.Hint); hint != "" {
		lines = append(lines, "Hint: "+hint)
	}
	return strings.Join(lines, "\n")
}

// StopRequest is the cancellation cause recorded when an operator interrupts a run.
type StopRequest struct {
	Signal string
}

func (r *StopRequest) Error() string {
	return "stopped by " + r.Signal
}

// AsUserFacing maps known failures to a UserFacingError. Unknown errors keep their text.
func AsUserFacing(err error) *UserFacingError {
	if err == nil {
		return nil
	}
	var userErr *UserFacingError
	if errors.As(err, &userErr) {
		return userErr
	}

	var planning *scheduler.PlanningError
	var bootstrap *worker.BootstrapError
	var mainAdvanced *vcs.MainAdvancedError
	var scope *manifest.ScopeViolation
	switch {
	case errors.As(err, &planning):
		return &UserFacingError{
			Code:    CodePlanning,
			Title:   "Task plan is invalid.",
			Message: planning.Error(),
			Hint:    "Fix the task dependencies in the manifests and run again.",
			Cause:   err,
		}
	case errors.Is(err, state.ErrRunNotFound):
		return &UserFacingError{
			Code:    CodeState,
			Title:   "Run not found.",
			Message: err.Error(),
			Hint:    "Check the run id with `ralph status`, or start a new run.",
			Cause:   err,
		}
	case errors.Is(err, runlock.ErrLockHeld):
		return &UserFacingError{
			Code:    CodeState,
			Title:   "Another run is active for this project.",
			Message: err.Error(),
			Hint:    "Wait for it to finish or stop it before starting a new run.",
			Cause:   err,
		}
	case errors.As(err, &bootstrap):
		return &UserFacingError{
			Code:    CodeTask,
			Title:   "Bootstrap failed.",
			Message: bootstrap.Error(),
			Hint:    "Check the bootstrap commands in the project config.",
			Cause:   err,
		}
	case errors.As(err, &mainAdvanced):
		return &UserFacingError{
			Code:    CodeGit,
			Title:   "Main branch moved during the merge.",
			Message: mainAdvanced.Error(),
			Hint:    "Resume the run to merge against the new main.",
			Cause:   err,
		}
	case errors.As(err, &scope):
		return &UserFacingError{
			Code:    CodeTask,
			Title:   "Task changed files outside its manifest.",
			Message: scope.Error(),
			Hint:    "Review the compliance report and widen the manifest if the access is intended.",
			Cause:   err,
		}
	}
	return &UserFacingError{Code: CodeUnknown, Title: "Run failed.", Message: err.Error(), Cause: err}
}
