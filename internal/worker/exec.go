// Package worker runs the per-task attempt loop: agent turns, verification commands, and checkpoints.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// Command describes a shell command executed inside a task workspace.
type Command struct {
	Dir     string
	Shell   string
	Timeout time.Duration
	Env     map[string]string
}

// CommandResult captures the outcome of a command. A non-zero exit is not an error.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Duration time.Duration
}

// Output returns the non-empty trimmed stdout and stderr, one per line.
func (result CommandResult) Output() string {
	parts := make([]string, 0, 2)
	for _, part := range []string{result.Stdout, result.Stderr} {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return strings.Join(parts, "\n")
}

// CommandRunner executes shell commands.
type CommandRunner interface {
	Run(ctx context.Context, command Command) (CommandResult, error)
}

// ShellRunner runs commands with sh -c on the local host.
type ShellRunner struct {
	Shell string
}

// Run executes the command with its own timeout. Timeouts are reported in the result; an error
// means the process could not be started or the parent context was cancelled.
func (runner ShellRunner) Run(ctx context.Context, command Command) (CommandResult, error) {
	if strings.TrimSpace(command.Shell) == "" {
		return CommandResult{}, errors.New("command is required")
	}
	if strings.TrimSpace(command.Dir) == "" {
		return CommandResult{}, errors.New("work directory is required")
	}
	shell := runner.Shell
	if shell == "" {
		shell = "sh"
	}

	runCtx := ctx
	cancel := func() {}
	if command.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, command.Timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, shell, "-c", command.Shell)
	cmd.Dir = command.Dir
	cmd.Env = mergeEnv(os.Environ(), command.Env)
	cmd.WaitDelay = 2 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err == nil {
		return result, nil
	}

	if ctx.Err() != nil {
		result.ExitCode = -1
		return result, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.ExitCode = -1
		result.TimedOut = true
		return result, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	result.ExitCode = -1
	return result, fmt.Errorf("run %q: %w", command.Shell, err)
}

// mergeEnv appends explicit variables to base in a stable order.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for key := range extra {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	env := append([]string(nil), base...)
	for _, key := range keys {
		env = append(env, fmt.Sprintf("%s=%s", key, extra[key]))
	}
	return env
}
