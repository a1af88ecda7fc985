package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/JamesPaynter/efficient-ralph-loop/internal/audit"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/manifest"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/testrepos"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/vcs"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/workspace"
)

// newTaskWorkspace clones a fresh repository into a task workspace on its own branch.
func newTaskWorkspace(t *testing.T) (workspace.Workspace, *vcs.Git) {
	t.Helper()
	repo := testrepos.New(t)
	git := vcs.New(nil)
	manager, err := workspace.NewManager(t.TempDir(), git)
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	ws, err := manager.Ensure(context.Background(), workspace.Spec{
		TaskID:     "001",
		Branch:     "ralph/001-demo-task",
		RepoPath:   repo.Root,
		MainBranch: "main",
	})
	if err != nil {
		t.Fatalf("Ensure returned error: %v", err)
	}
	return ws, git
}

func loopConfig(ws workspace.Workspace) Config {
	return Config{
		Manifest: manifest.Manifest{
			ID:     "001",
			Name:   "Demo task",
			Files:  manifest.Files{Writes: []string{"src/**"}},
			Verify: manifest.Verify{Doctor: "make doctor"},
		},
		Spec:              "Build the demo feature.",
		ManifestPath:      "tasks/001-demo/manifest.json",
		Workdir:           ws.Path,
		Branch:            ws.Branch,
		BaseRef:           ws.BaseSHA,
		MaxRetries:        3,
		CheckpointCommits: true,
	}
}

// writingAgent writes a distinct source file change on every call.
func writingAgent(t *testing.T, threadID string) *fakeAgent {
	return &fakeAgent{act: func(call int, request TurnRequest) (TurnResult, error) {
		writeWorkspaceFile(t, request.Workdir, "src/app.txt", fmt.Sprintf("attempt %d\n", request.Attempt))
		return TurnResult{ThreadID: threadID, Success: true, Usage: Usage{InputTokens: 100, OutputTokens: 10}}, nil
	}}
}

func readAttemptSummary(t *testing.T, dir string, attempt int) AttemptSummary {
	t.Helper()
	data, err := os.ReadFile(AttemptSummaryPath(dir, attempt))
	if err != nil {
		t.Fatalf("read attempt %d summary: %v", attempt, err)
	}
	var summary AttemptSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		t.Fatalf("decode attempt %d summary: %v", attempt, err)
	}
	return summary
}

// TestLoopCompletesOnFirstAttempt checkpoints, passes doctor, and amends the checkpoint into the final commit.
func TestLoopCompletesOnFirstAttempt(t *testing.T) {
	t.Parallel()
	ws, git := newTaskWorkspace(t)
	runner := newFakeRunner()
	recorder := &audit.Recorder{}
	loop := &Loop{Agent: writingAgent(t, "thread-1"), Runner: runner, Git: git, Events: recorder}

	outcome, err := loop.Run(context.Background(), loopConfig(ws))
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if outcome.Status != OutcomeComplete || outcome.Attempts != 1 || outcome.LastStage != StageComplete {
		t.Fatalf("outcome = %+v", outcome)
	}
	if outcome.ThreadID != "thread-1" || outcome.Usage.InputTokens != 100 {
		t.Fatalf("outcome thread/usage = %q %+v", outcome.ThreadID, outcome.Usage)
	}
	if !slices.Equal(outcome.ChangedFiles, []string{"src/app.txt"}) {
		t.Fatalf("changed files = %v", outcome.ChangedFiles)
	}

	ctx := context.Background()
	message, err := git.HeadMessage(ctx, ws.Path)
	if err != nil {
		t.Fatalf("HeadMessage returned error: %v", err)
	}
	if message != "[FEAT] 001 Demo task\n\nTask: 001" {
		t.Fatalf("head message = %q", message)
	}
	count, err := git.Run(ctx, ws.Path, "rev-list", "--count", ws.BaseSHA+"..HEAD")
	if err != nil {
		t.Fatalf("rev-list returned error: %v", err)
	}
	if strings.TrimSpace(count) != "1" {
		t.Fatalf("commits on branch = %s, want 1 (checkpoint amended)", strings.TrimSpace(count))
	}
	head, err := git.HeadSHA(ctx, ws.Path)
	if err != nil {
		t.Fatalf("HeadSHA returned error: %v", err)
	}
	if len(outcome.Checkpoints) != 1 || outcome.Checkpoints[0].SHA != head || outcome.CommitSHA != head {
		t.Fatalf("checkpoints = %+v commit = %s, want single checkpoint at %s", outcome.Checkpoints, outcome.CommitSHA, head)
	}
	if !slices.Equal(runner.Calls(), []string{"make doctor"}) {
		t.Fatalf("runner calls = %v", runner.Calls())
	}
	if _, ok := recorder.Find(audit.EventThreadStarted); !ok {
		t.Fatal("expected thread started event")
	}
	summary := readAttemptSummary(t, ws.Path, 1)
	if summary.Status != AttemptComplete || summary.Commands["doctor"].Command != "make doctor" {
		t.Fatalf("summary = %+v", summary)
	}
}

// TestLoopRetriesLintFailure feeds lint output into the retry prompt and resumes the agent session.
func TestLoopRetriesLintFailure(t *testing.T) {
	t.Parallel()
	ws, git := newTaskWorkspace(t)
	runner := newFakeRunner()
	runner.queue("make lint", CommandResult{ExitCode: 1, Stdout: "src/app.txt:1: trailing space"})
	agent := writingAgent(t, "thread-1")
	recorder := &audit.Recorder{}
	cfg := loopConfig(ws)
	cfg.LintCommand = "make lint"

	outcome, err := (&Loop{Agent: agent, Runner: runner, Git: git, Events: recorder}).Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if outcome.Status != OutcomeComplete || outcome.Attempts != 2 {
		t.Fatalf("outcome = %+v", outcome)
	}
	wantCalls := []string{"make lint", "make lint", "make doctor"}
	if !slices.Equal(runner.Calls(), wantCalls) {
		t.Fatalf("runner calls = %v, want %v", runner.Calls(), wantCalls)
	}

	requests := agent.Requests()
	if len(requests) != 2 {
		t.Fatalf("agent turns = %d, want 2", len(requests))
	}
	if requests[0].ThreadID != "" || requests[1].ThreadID != "thread-1" {
		t.Fatalf("thread ids = %q, %q", requests[0].ThreadID, requests[1].ThreadID)
	}
	retryPrompt := requests[1].Prompt
	for _, want := range []string{"Attempt 1 of task 001 did not pass (lint)", "trailing space", "lint_failed"} {
		if !strings.Contains(retryPrompt, want) {
			t.Fatalf("retry prompt missing %q:\n%s", want, retryPrompt)
		}
	}

	first := readAttemptSummary(t, ws.Path, 1)
	if first.Status != AttemptRetry || first.Retry == nil || first.Retry.Code != ReasonLintFailed {
		t.Fatalf("attempt 1 summary = %+v", first)
	}
	if first.Commands["lint"].ExitCode != 1 {
		t.Fatalf("lint summary = %+v", first.Commands["lint"])
	}
	retry, ok := recorder.Find(audit.EventTaskRetry)
	if !ok || retry.Attempt != 2 || retry.Value("reason") != ReasonLintFailed {
		t.Fatalf("retry event = %+v found=%v", retry, ok)
	}
	if len(outcome.Checkpoints) != 2 {
		t.Fatalf("checkpoints = %+v, want one per attempt", outcome.Checkpoints)
	}
}

// TestLoopMaxRetriesExceeded fails the task once every attempt fails doctor.
func TestLoopMaxRetriesExceeded(t *testing.T) {
	t.Parallel()
	ws, git := newTaskWorkspace(t)
	runner := newFakeRunner()
	runner.queue("make doctor",
		CommandResult{ExitCode: 1, Stdout: "FAIL one"},
		CommandResult{ExitCode: 1, Stdout: "FAIL two"},
	)
	cfg := loopConfig(ws)
	cfg.MaxRetries = 2
	recorder := &audit.Recorder{}

	outcome, err := (&Loop{Agent: writingAgent(t, ""), Runner: runner, Git: git, Events: recorder}).Run(context.Background(), cfg)
	var maxErr *MaxRetriesExceededError
	if !errors.As(err, &maxErr) {
		t.Fatalf("expected MaxRetriesExceededError, got %v", err)
	}
	if err.Error() != "Max retries exceeded (2)" {
		t.Fatalf("error = %q", err.Error())
	}
	if outcome.Status != OutcomeFailed || outcome.Attempts != 2 || outcome.LastStage != StageDoctor {
		t.Fatalf("outcome = %+v", outcome)
	}
	if len(outcome.Checkpoints) != 2 {
		t.Fatalf("checkpoints = %+v", outcome.Checkpoints)
	}
	if got := readAttemptSummary(t, ws.Path, 2); got.Retry == nil || got.Retry.Code != ReasonDoctorFailed {
		t.Fatalf("attempt 2 summary = %+v", got)
	}
	retries := 0
	for _, entry := range recorder.Entries() {
		if entry.Event == audit.EventTaskRetry {
			retries++
		}
	}
	if retries != 1 {
		t.Fatalf("retry events = %d, want 1", retries)
	}
	if _, ok := recorder.Find(audit.EventTaskFailed); !ok {
		t.Fatal("expected task.failed event")
	}
}

// TestLoopResumesFromNextAttempt continues after a previous run's last recorded attempt.
func TestLoopResumesFromNextAttempt(t *testing.T) {
	t.Parallel()
	ws, git := newTaskWorkspace(t)
	runner := newFakeRunner()
	runner.queue("make doctor", CommandResult{ExitCode: 1, Stdout: "FAIL"})
	cfg := loopConfig(ws)
	cfg.MaxRetries = 1

	if _, err := (&Loop{Agent: writingAgent(t, "thread-7"), Runner: runner, Git: git}).Run(context.Background(), cfg); err == nil {
		t.Fatal("expected first run to exhaust its retries")
	}

	cfg.MaxRetries = 3
	agent := writingAgent(t, "thread-7")
	recorder := &audit.Recorder{}
	outcome, err := (&Loop{Agent: agent, Runner: runner, Git: git, Events: recorder}).Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("resumed Run returned error: %v", err)
	}
	requests := agent.Requests()
	if len(requests) != 1 || requests[0].Attempt != 2 || requests[0].ThreadID != "thread-7" {
		t.Fatalf("resumed requests = %+v", requests)
	}
	if outcome.Status != OutcomeComplete || outcome.Attempts != 2 {
		t.Fatalf("outcome = %+v", outcome)
	}
	if _, ok := recorder.Find(audit.EventThreadResumed); !ok {
		t.Fatal("expected thread resumed event")
	}
	if _, ok := recorder.Find(audit.EventThreadStarted); ok {
		t.Fatal("resumed session should not start a new thread")
	}
	if len(outcome.Checkpoints) != 2 || outcome.Checkpoints[0].Attempt != 1 || outcome.Checkpoints[1].Attempt != 2 {
		t.Fatalf("checkpoints = %+v", outcome.Checkpoints)
	}
}

// TestLoopStrictTDDStageA reverts non-test edits, rejects a passing fast check, then implements.
func TestLoopStrictTDDStageA(t *testing.T) {
	t.Parallel()
	ws, git := newTaskWorkspace(t)
	runner := newFakeRunner()
	runner.queue("make fast",
		CommandResult{ExitCode: 0, Stdout: "ok"},
		CommandResult{ExitCode: 1, Stdout: "FAIL TestFeature"},
	)
	agent := &fakeAgent{act: func(call int, request TurnRequest) (TurnResult, error) {
		switch call {
		case 1:
			writeWorkspaceFile(t, request.Workdir, "tests/feature_test.txt", "test v1\n")
			writeWorkspaceFile(t, request.Workdir, "src/feature.txt", "sneaky\n")
		case 2, 3:
			writeWorkspaceFile(t, request.Workdir, "tests/feature_test.txt", fmt.Sprintf("test v%d\n", call))
		default:
			writeWorkspaceFile(t, request.Workdir, "src/feature.txt", "implemented\n")
		}
		return TurnResult{Success: true}, nil
	}}
	cfg := loopConfig(ws)
	cfg.MaxRetries = 0
	cfg.CheckpointCommits = false
	cfg.Manifest.TDDMode = manifest.TDDModeStrict
	cfg.Manifest.TestPaths = []string{"tests/**"}
	cfg.Manifest.Verify.Fast = "make fast"
	recorder := &audit.Recorder{}

	outcome, err := (&Loop{Agent: agent, Runner: runner, Git: git, Events: recorder}).Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if outcome.Status != OutcomeComplete || outcome.Attempts != 4 {
		t.Fatalf("outcome = %+v", outcome)
	}

	first := readAttemptSummary(t, ws.Path, 1)
	if first.Phase != PhaseStageA || first.Retry == nil || first.Retry.Code != ReasonNonTestChanges {
		t.Fatalf("attempt 1 summary = %+v", first)
	}
	if !slices.Equal(first.NonTestChanges, []string{"src/feature.txt"}) {
		t.Fatalf("non-test changes = %v", first.NonTestChanges)
	}
	if second := readAttemptSummary(t, ws.Path, 2); second.Retry == nil || second.Retry.Code != ReasonFastPassed {
		t.Fatalf("attempt 2 summary = %+v", second)
	}
	if third := readAttemptSummary(t, ws.Path, 3); third.Status != AttemptPassed {
		t.Fatalf("attempt 3 summary = %+v", third)
	}

	requests := agent.Requests()
	if !strings.Contains(requests[0].Prompt, "Stage A") {
		t.Fatalf("first prompt is not the Stage A prompt:\n%s", requests[0].Prompt)
	}
	if !strings.Contains(requests[3].Prompt, "FAIL TestFeature") {
		t.Fatalf("implementation prompt missing fast output:\n%s", requests[3].Prompt)
	}
	data, err := os.ReadFile(ws.Path + "/src/feature.txt")
	if err != nil || string(data) != "implemented\n" {
		t.Fatalf("src/feature.txt = %q err %v", data, err)
	}
	state, _, err := LoadState(ws.Path)
	if err != nil || !state.StageAPassed {
		t.Fatalf("state = %+v err %v", state, err)
	}
	if _, ok := recorder.Find(audit.EventTDDStagePass); !ok {
		t.Fatal("expected tdd stage pass event")
	}
}

// TestLoopStrictTDDSkipsWithoutTestPaths goes straight to implementation.
func TestLoopStrictTDDSkipsWithoutTestPaths(t *testing.T) {
	t.Parallel()
	ws, git := newTaskWorkspace(t)
	cfg := loopConfig(ws)
	cfg.Manifest.TDDMode = manifest.TDDModeStrict
	recorder := &audit.Recorder{}

	outcome, err := (&Loop{Agent: writingAgent(t, ""), Runner: newFakeRunner(), Git: git, Events: recorder}).Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if outcome.Status != OutcomeComplete || outcome.Attempts != 1 {
		t.Fatalf("outcome = %+v", outcome)
	}
	skip, ok := recorder.Find(audit.EventTDDStageSkip)
	if !ok || skip.Value("reason") != manifest.SkipReasonMissingTestPaths {
		t.Fatalf("skip event = %+v found=%v", skip, ok)
	}
}

// TestLoopAgentErrorRetries treats a failed turn as a retry with agent_error.
func TestLoopAgentErrorRetries(t *testing.T) {
	t.Parallel()
	ws, git := newTaskWorkspace(t)
	agent := &fakeAgent{act: func(call int, request TurnRequest) (TurnResult, error) {
		if call == 1 {
			return TurnResult{}, &TransportError{Op: "agent turn", Err: errors.New("connection reset")}
		}
		writeWorkspaceFile(t, request.Workdir, "src/app.txt", "done\n")
		return TurnResult{Success: true}, nil
	}}
	outcome, err := (&Loop{Agent: agent, Runner: newFakeRunner(), Git: git}).Run(context.Background(), loopConfig(ws))
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if outcome.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", outcome.Attempts)
	}
	if first := readAttemptSummary(t, ws.Path, 1); first.Retry == nil || first.Retry.Code != ReasonAgentError {
		t.Fatalf("attempt 1 summary = %+v", first)
	}
}

// TestLoopStopsOnCancelledContext returns a stopped outcome without running the agent.
func TestLoopStopsOnCancelledContext(t *testing.T) {
	t.Parallel()
	ws, git := newTaskWorkspace(t)
	agent := writingAgent(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := (&Loop{Agent: agent, Runner: newFakeRunner(), Git: git}).Run(ctx, loopConfig(ws))
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if outcome.Status != OutcomeStopped {
		t.Fatalf("outcome = %+v", outcome)
	}
	if len(agent.Requests()) != 0 {
		t.Fatal("agent should not run after cancellation")
	}
}

// TestLoopStopLetsRunningCommandFinish cancels mid-doctor; the doctor runs to completion and the
// loop stops at the next stage boundary.
func TestLoopStopLetsRunningCommandFinish(t *testing.T) {
	t.Parallel()
	ws, git := newTaskWorkspace(t)
	markers := t.TempDir()
	started := filepath.Join(markers, "started")
	finished := filepath.Join(markers, "finished")
	cfg := loopConfig(ws)
	cfg.Manifest.Verify.Doctor = fmt.Sprintf("touch %q; sleep 1; touch %q", started, finished)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for {
			if _, err := os.Stat(started); err == nil {
				cancel()
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}()

	outcome, err := (&Loop{Agent: writingAgent(t, ""), Runner: ShellRunner{}, Git: git}).Run(ctx, cfg)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if outcome.Status != OutcomeStopped {
		t.Fatalf("outcome = %+v", outcome)
	}
	if _, err := os.Stat(finished); err != nil {
		t.Fatalf("doctor was interrupted: %v", err)
	}
}

// TestLoopAbortKillsRunningCommand fires Abort mid-doctor, which ends the doctor process early.
func TestLoopAbortKillsRunningCommand(t *testing.T) {
	t.Parallel()
	ws, git := newTaskWorkspace(t)
	markers := t.TempDir()
	started := filepath.Join(markers, "started")
	finished := filepath.Join(markers, "finished")
	cfg := loopConfig(ws)
	cfg.Manifest.Verify.Doctor = fmt.Sprintf("touch %q; sleep 5; touch %q", started, finished)

	abort, kill := context.WithCancel(context.Background())
	defer kill()
	go func() {
		for {
			if _, err := os.Stat(started); err == nil {
				kill()
				return
			}
			select {
			case <-abort.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}()

	began := time.Now()
	loop := &Loop{Agent: writingAgent(t, ""), Runner: ShellRunner{}, Git: git, Abort: abort}
	outcome, err := loop.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if outcome.Status != OutcomeStopped {
		t.Fatalf("outcome = %+v", outcome)
	}
	if elapsed := time.Since(began); elapsed > 4*time.Second {
		t.Fatalf("abort took %s", elapsed)
	}
	if _, err := os.Stat(finished); err == nil {
		t.Fatal("doctor should have been killed")
	}
}

// TestLoopValidatesConfig rejects missing collaborators and commands.
func TestLoopValidatesConfig(t *testing.T) {
	t.Parallel()
	loop := &Loop{Agent: &fakeAgent{}, Runner: newFakeRunner(), Git: vcs.New(nil)}
	cases := []Config{
		{Workdir: t.TempDir(), Manifest: manifest.Manifest{Verify: manifest.Verify{Doctor: "x"}}},
		{Manifest: manifest.Manifest{ID: "001", Verify: manifest.Verify{Doctor: "x"}}},
		{Workdir: t.TempDir(), Manifest: manifest.Manifest{ID: "001"}},
		{Workdir: t.TempDir(), Manifest: manifest.Manifest{ID: "001", Verify: manifest.Verify{Doctor: "x"}}, MaxRetries: -1},
	}
	for i, cfg := range cases {
		if outcome, err := loop.Run(context.Background(), cfg); err == nil || outcome.Status != OutcomeFailed {
			t.Fatalf("case %d: outcome = %+v err = %v", i, outcome, err)
		}
	}
}
