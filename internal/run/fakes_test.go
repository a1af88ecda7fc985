package run

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JamesPaynter/efficient-ralph-loop/internal/audit"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/manifest"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/state"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/vcs"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/worker"
)

var testCatalog = manifest.Catalog{
	{Name: "api", Paths: []string{"api/**"}},
	{Name: "web", Paths: []string{"web/**"}},
	{Name: "docs", Paths: []string{"docs/**"}},
}

// newTask builds a task that locks and writes one catalog resource.
func newTask(id string, resource string, deps ...string) manifest.Task {
	return manifest.Task{
		Manifest: manifest.Manifest{
			ID:           id,
			Name:         "Task " + id,
			Dependencies: deps,
			Locks:        manifest.Locks{Writes: []string{resource}},
			Files:        manifest.Files{Writes: []string{resource + "/**"}},
			Verify:       manifest.Verify{Doctor: "make doctor"},
		},
	}
}

type fixedClock struct{ now time.Time }

func (clock fixedClock) Now() time.Time { return clock.now }

type attemptFunc func(ctx context.Context, input AttemptInput) (worker.Outcome, error)

type fakeWorkers struct {
	t        *testing.T
	root     string
	mu       sync.Mutex
	attempts map[string]attemptFunc
	changed  map[string][]string
	prepared []string
	ran      []string
	cleaned  []string
	stops    int
}

func newFakeWorkers(t *testing.T) *fakeWorkers {
	return &fakeWorkers{
		t:        t,
		root:     t.TempDir(),
		attempts: map[string]attemptFunc{},
		changed:  map[string][]string{},
	}
}

func (workers *fakeWorkers) Prepare(_ context.Context, input PrepareInput) (PreparedTask, error) {
	workers.mu.Lock()
	defer workers.mu.Unlock()
	workers.prepared = append(workers.prepared, input.Task.Manifest.ID)
	return PreparedTask{
		Workspace: fmt.Sprintf("%s/task-%s", workers.root, input.Task.Manifest.ID),
		BaseSHA:   "base",
	}, nil
}

func (workers *fakeWorkers) RunAttempt(ctx context.Context, input AttemptInput) (worker.Outcome, error) {
	id := input.Task.Manifest.ID
	workers.mu.Lock()
	workers.ran = append(workers.ran, id)
	attempt := workers.attempts[id]
	changed, ok := workers.changed[id]
	workers.mu.Unlock()
	if attempt != nil {
		return attempt(ctx, input)
	}
	if !ok {
		resource := input.Task.Manifest.Locks.Writes[0]
		changed = []string{resource + "/" + id + ".go"}
	}
	return worker.Outcome{
		Status:       worker.OutcomeComplete,
		Attempts:     1,
		LastStage:    worker.StageComplete,
		ThreadID:     "th-" + id,
		Usage:        worker.Usage{InputTokens: 100, OutputTokens: 20},
		ChangedFiles: changed,
		Checkpoints:  []worker.Checkpoint{{Attempt: 1, SHA: "cp-" + id}},
	}, nil
}

func (workers *fakeWorkers) Stop(context.Context, StopInput) (StopResult, error) {
	workers.mu.Lock()
	defer workers.mu.Unlock()
	workers.stops++
	return StopResult{Stopped: 1}, nil
}

func (workers *fakeWorkers) stopCount() int {
	workers.mu.Lock()
	defer workers.mu.Unlock()
	return workers.stops
}

func (workers *fakeWorkers) Cleanup(_ context.Context, input CleanupInput) error {
	workers.mu.Lock()
	defer workers.mu.Unlock()
	workers.cleaned = append(workers.cleaned, input.TaskID)
	return nil
}

func (workers *fakeWorkers) ranTasks() []string {
	workers.mu.Lock()
	defer workers.mu.Unlock()
	return append([]string(nil), workers.ran...)
}

type fakeVCS struct {
	mu           sync.Mutex
	conflicts    map[string]bool
	forwards     []vcs.FastForwardResult
	merges       [][]string
	forwardCalls int
	deleted      []string
	checkouts    []string
}

func newFakeVCS() *fakeVCS {
	return &fakeVCS{conflicts: map[string]bool{}}
}

func (git *fakeVCS) ResolveRef(context.Context, string, string) (string, error) {
	return "base", nil
}

func (git *fakeVCS) CheckoutBranch(_ context.Context, _ string, branch string) error {
	git.mu.Lock()
	defer git.mu.Unlock()
	git.checkouts = append(git.checkouts, branch)
	return nil
}

func (git *fakeVCS) DeleteBranch(_ context.Context, _ string, branch string) error {
	git.mu.Lock()
	defer git.mu.Unlock()
	git.deleted = append(git.deleted, branch)
	return nil
}

func (git *fakeVCS) MergeTaskBranchesToTemp(_ context.Context, input vcs.TempMergeInput) (vcs.TempMergeResult, error) {
	git.mu.Lock()
	defer git.mu.Unlock()
	result := vcs.TempMergeResult{BaseSHA: "base", TempBranch: input.TempBranch}
	var ids []string
	for _, branch := range input.Branches {
		ids = append(ids, branch.TaskID)
		if git.conflicts[branch.TaskID] {
			result.Conflicts = append(result.Conflicts, vcs.MergeConflict{Branch: branch, Message: "CONFLICT (content)"})
			continue
		}
		result.Merged = append(result.Merged, branch)
	}
	git.merges = append(git.merges, ids)
	return result, nil
}

func (git *fakeVCS) FastForward(_ context.Context, input vcs.FastForwardInput) (vcs.FastForwardResult, error) {
	git.mu.Lock()
	defer git.mu.Unlock()
	git.forwardCalls++
	if len(git.forwards) > 0 {
		next := git.forwards[0]
		git.forwards = git.forwards[1:]
		return next, nil
	}
	return vcs.FastForwardResult{
		Status:       vcs.FastForwarded,
		PreviousHead: input.ExpectedBaseSHA,
		Head:         fmt.Sprintf("merge-%d", git.forwardCalls),
	}, nil
}

type fakeValidator struct {
	status state.ValidatorStatus
	calls  []DoctorInput
}

func (validator *fakeValidator) Doctor(_ context.Context, input DoctorInput) (state.ValidatorResult, error) {
	validator.calls = append(validator.calls, input)
	return state.ValidatorResult{Status: validator.status, Summary: "integration " + string(validator.status)}, nil
}

type engineHarness struct {
	engine    *Engine
	workers   *fakeWorkers
	git       *fakeVCS
	validator *fakeValidator
	states    state.Repository
	events    *audit.Recorder
}

func newHarness(t *testing.T) *engineHarness {
	t.Helper()
	harness := &engineHarness{
		workers:   newFakeWorkers(t),
		git:       newFakeVCS(),
		validator: &fakeValidator{status: state.ValidatorPass},
		states:    state.NewRepository(t.TempDir()),
		events:    &audit.Recorder{},
	}
	engine, err := New(Deps{
		Workers:   harness.workers,
		VCS:       harness.git,
		Validator: harness.validator,
		States:    harness.states,
		Log:       harness.events,
		Clock:     fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	})
	require.NoError(t, err)
	harness.engine = engine
	return harness
}

func baseOptions(tasks ...manifest.Task) Options {
	return Options{
		Project:          "demo",
		RepoPath:         "/repo",
		MainBranch:       "main",
		Tasks:            tasks,
		RunID:            "run-1",
		MaxParallel:      2,
		CompliancePolicy: manifest.PolicyWarn,
		Catalog:          testCatalog,
		CostPer1KTokens:  0.5,
	}
}
