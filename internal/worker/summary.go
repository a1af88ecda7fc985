package worker

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/JamesPaynter/efficient-ralph-loop/internal/manifest"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/workspace"
)

// OutputPreviewLimit caps command output kept in attempt summaries and retry prompts.
const OutputPreviewLimit = 4096

const attemptsDirName = "attempts"

// Phase distinguishes Stage A attempts from implementation attempts.
type Phase string

const (
	PhaseStageA         Phase = "tdd_stage_a"
	PhaseImplementation Phase = "implementation"
)

// AttemptStatus is the result recorded for an attempt.
type AttemptStatus string

const (
	AttemptRetry    AttemptStatus = "retry"
	AttemptPassed   AttemptStatus = "passed"
	AttemptComplete AttemptStatus = "complete"
	AttemptFailed   AttemptStatus = "failed"
	AttemptStopped  AttemptStatus = "stopped"
)

// Retry reason codes.
const (
	ReasonNonTestChanges = "non_test_changes"
	ReasonFastPassed     = "fast_passed"
	ReasonFastError      = "fast_error"
	ReasonCodexError     = "codex_error"
	ReasonAgentError     = "agent_error"
	ReasonLintFailed     = "lint_failed"
	ReasonDoctorFailed   = "doctor_failed"
)

var retryReasonText = map[string]string{
	ReasonNonTestChanges: "Changes outside test_paths detected; reverted non-test changes.",
	ReasonFastPassed:     "verify.fast passed unexpectedly; tests must fail first.",
	ReasonFastError:      "verify.fast failed to run.",
	ReasonCodexError:     "Agent turn failed during test authoring. Retrying.",
	ReasonAgentError:     "Agent turn failed. Retrying.",
	ReasonLintFailed:     "Lint failed. Fix the reported issues.",
	ReasonDoctorFailed:   "Doctor failed. Fix the failing checks.",
}

// RetryReason explains why an attempt is retried.
type RetryReason struct {
	Code    string `json:"reason_code"`
	Message string `json:"human_readable_reason"`
}

// CommandSummary records one verification command run during an attempt.
type CommandSummary struct {
	Command       string `json:"command"`
	ExitCode      int    `json:"exit_code"`
	TimedOut      bool   `json:"timed_out,omitempty"`
	OutputPreview string `json:"output_preview,omitempty"`
}

// ScopeDivergence lists changed files outside the manifest's declared write globs.
type ScopeDivergence struct {
	DeclaredWriteGlobs []string `json:"declared_write_globs"`
	OutOfScopeFiles    []string `json:"out_of_scope_files"`
}

// AttemptSummary is written to .ralph/attempts/attempt-<n>.json after each attempt transition.
type AttemptSummary struct {
	Attempt         int                       `json:"attempt"`
	Phase           Phase                     `json:"phase"`
	Stage           Stage                     `json:"stage"`
	Status          AttemptStatus             `json:"status"`
	PromptKind      string                    `json:"prompt_kind"`
	Retry           *RetryReason              `json:"retry,omitempty"`
	ChangedFiles    []string                  `json:"changed_files"`
	ScopeDivergence *ScopeDivergence          `json:"scope_divergence,omitempty"`
	NonTestChanges  []string                  `json:"non_test_changes,omitempty"`
	Commands        map[string]CommandSummary `json:"commands,omitempty"`
	Usage           Usage                     `json:"usage"`
	RecordedAt      string                    `json:"recorded_at"`
}

// AttemptSummaryPath returns the summary file for an attempt.
func AttemptSummaryPath(workdir string, attempt int) string {
	return filepath.Join(workdir, workspace.InternalDirName, attemptsDirName, fmt.Sprintf("attempt-%d.json", attempt))
}

// newRetryReason builds the retry block for a reason code.
func newRetryReason(code string) *RetryReason {
	return &RetryReason{Code: code, Message: retryReasonText[code]}
}

// summarizeCommand converts a command result into a summary with a capped preview.
func summarizeCommand(command string, result CommandResult) CommandSummary {
	return CommandSummary{
		Command:       command,
		ExitCode:      result.ExitCode,
		TimedOut:      result.TimedOut,
		OutputPreview: preview(result.Output(), OutputPreviewLimit),
	}
}

// scopeDivergence compares changed files against declared write globs.
func scopeDivergence(changed []string, writeGlobs []string) *ScopeDivergence {
	if len(writeGlobs) == 0 {
		return nil
	}
	outside := manifest.FilesOutsideScope(changed, writeGlobs)
	if len(outside) == 0 {
		return nil
	}
	return &ScopeDivergence{DeclaredWriteGlobs: writeGlobs, OutOfScopeFiles: outside}
}

// writeAttemptSummary persists the summary and returns the text fed into the next retry prompt.
func writeAttemptSummary(workdir string, summary AttemptSummary, now time.Time) (string, error) {
	summary.RecordedAt = now.UTC().Format(time.RFC3339)
	if summary.ChangedFiles == nil {
		summary.ChangedFiles = []string{}
	}
	if err := writeJSONAtomic(AttemptSummaryPath(workdir, summary.Attempt), summary); err != nil {
		return "", err
	}
	return promptSummary(summary), nil
}

// promptSummary renders a short plain-text recap of an attempt.
func promptSummary(summary AttemptSummary) string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "Attempt %d (%s, %s): %s", summary.Attempt, summary.Phase, summary.Stage, summary.Status)
	if summary.Retry != nil {
		fmt.Fprintf(&builder, " - %s (%s)", summary.Retry.Message, summary.Retry.Code)
	}
	builder.WriteString("\n")
	if len(summary.ChangedFiles) > 0 {
		fmt.Fprintf(&builder, "Changed files: %s\n", strings.Join(summary.ChangedFiles, ", "))
	}
	if summary.ScopeDivergence != nil {
		fmt.Fprintf(&builder, "Files outside declared writes: %s\n", strings.Join(summary.ScopeDivergence.OutOfScopeFiles, ", "))
	}
	return strings.TrimSpace(builder.String())
}
