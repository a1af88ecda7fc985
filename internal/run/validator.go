package run

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JamesPaynter/efficient-ralph-loop/internal/state"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/vcs"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/worker"
)

// doctorOutputLimit caps the command output kept in a validator summary.
const doctorOutputLimit = 2000

// ShellValidator runs the integration doctor as a shell command in the main repository.
type ShellValidator struct {
	Git    *vcs.Git
	Runner worker.CommandRunner
	Env    map[string]string
}

// Doctor checks out the integration branch and runs the command there. A non-zero exit or
// timeout is a failed result, not an error.
func (validator ShellValidator) Doctor(ctx context.Context, input DoctorInput) (state.ValidatorResult, error) {
	command := strings.TrimSpace(input.Command)
	if command == "" {
		return state.ValidatorResult{}, errors.New("doctor command is required")
	}
	if validator.Git != nil && strings.TrimSpace(input.Branch) != "" {
		current, err := validator.Git.CurrentBranch(ctx, input.RepoPath)
		if err != nil {
			return state.ValidatorResult{}, err
		}
		if current != input.Branch {
			if err := validator.Git.CheckoutBranch(ctx, input.RepoPath, input.Branch); err != nil {
				return state.ValidatorResult{}, err
			}
		}
	}
	runner := validator.Runner
	if runner == nil {
		runner = worker.ShellRunner{}
	}
	result, err := runner.Run(ctx, worker.Command{
		Dir:     input.RepoPath,
		Shell:   command,
		Timeout: input.Timeout,
		Env:     validator.Env,
	})
	if err != nil {
		return state.ValidatorResult{}, fmt.Errorf("integration doctor: %w", err)
	}

	verdict := state.ValidatorResult{Validator: validatorIntegration, Mode: "block", Status: state.ValidatorPass}
	switch {
	case result.TimedOut:
		verdict.Status = state.ValidatorFail
		verdict.Summary = fmt.Sprintf("%s timed out after %s", command, input.Timeout)
	case result.ExitCode != 0:
		verdict.Status = state.ValidatorFail
		verdict.Summary = fmt.Sprintf("%s exited %d: %s", command, result.ExitCode, truncateOutput(result.Output()))
	default:
		verdict.Summary = command + " passed"
	}
	return verdict, nil
}

func truncateOutput(output string) string {
	if len(output) <= doctorOutputLimit {
		return output
	}
	return output[len(output)-doctorOutputLimit:]
}
