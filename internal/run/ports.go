// Package run drives a project run: planning batches, running task attempt loops in parallel,
// checking manifest compliance, and merging validated work onto the main branch.
package run

import (
	"context"
	"time"

	"github.com/JamesPaynter/efficient-ralph-loop/internal/audit"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/manifest"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/state"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/vcs"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/worker"
)

// PrepareInput identifies the workspace a task needs before its first attempt.
type PrepareInput struct {
	RunID      string
	Project    string
	RepoPath   string
	MainBranch string
	Task       manifest.Task
	Branch     string
}

// PreparedTask describes a ready workspace.
type PreparedTask struct {
	Workspace string
	BaseSHA   string
	Reused    bool
}

// AttemptInput runs a task's attempt loop in a prepared workspace.
type AttemptInput struct {
	RunID     string
	Project   string
	Task      manifest.Task
	Branch    string
	Workspace string
	BaseSHA   string
}

// StopInput asks the worker runner to halt in-flight tasks.
type StopInput struct {
	RunID  string
	Signal string
}

// StopResult reports how many in-flight tasks were stopped.
type StopResult struct {
	Stopped int
}

// CleanupInput releases a finished task's workspace.
type CleanupInput struct {
	RunID   string
	Project string
	TaskID  string
}

// WorkerRunner prepares workspaces and runs task attempt loops.
type WorkerRunner interface {
	Prepare(ctx context.Context, input PrepareInput) (PreparedTask, error)
	RunAttempt(ctx context.Context, input AttemptInput) (worker.Outcome, error)
	Stop(ctx context.Context, input StopInput) (StopResult, error)
	Cleanup(ctx context.Context, input CleanupInput) error
}

// VCS is the git surface the engine needs on the main repository.
type VCS interface {
	ResolveRef(ctx context.Context, dir string, ref string) (string, error)
	CheckoutBranch(ctx context.Context, dir string, branch string) error
	DeleteBranch(ctx context.Context, dir string, branch string) error
	MergeTaskBranchesToTemp(ctx context.Context, input vcs.TempMergeInput) (vcs.TempMergeResult, error)
	FastForward(ctx context.Context, input vcs.FastForwardInput) (vcs.FastForwardResult, error)
}

// DoctorInput runs the integration doctor on the merged tree.
type DoctorInput struct {
	RepoPath string
	Branch   string
	Command  string
	Timeout  time.Duration
}

// ValidatorRunner runs run-level validators.
type ValidatorRunner interface {
	Doctor(ctx context.Context, input DoctorInput) (state.ValidatorResult, error)
}

// StateRepository creates and loads run state stores.
type StateRepository interface {
	Create(initial state.RunState) (*state.Store, error)
	Load(project string, runID string) (*state.Store, error)
	FindLatestRunID(project string) (string, error)
}

// LogSink receives audit events.
type LogSink = audit.Sink

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// Metrics records run counters. A nil Metrics is ignored.
type Metrics interface {
	TaskFinished(status string, duration time.Duration)
	AttemptsRecorded(result string, count int)
	BatchFinished(status string)
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
