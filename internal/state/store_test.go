package state

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

// TestRepositoryCreateAndLoad ensures a created run round-trips through disk.
func TestRepositoryCreateAndLoad(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	repo := Repository{Root: t.TempDir(), Now: fixedClock(now)}
	store, err := repo.Create(NewRunState(CreateInput{
		RunID:      "run-1",
		Project:    "demo",
		RepoPath:   "/tmp/demo",
		MainBranch: "main",
		TaskIDs:    []string{"001", "002"},
		Now:        now,
	}))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	data, err := os.ReadFile(repo.Path("demo", "run-1"))
	if err != nil {
		t.Fatalf("read state file: %v", err)
	}
	if !strings.HasSuffix(string(data), "}\n") {
		t.Fatalf("state file should end with newline")
	}

	loaded, err := repo.Load("demo", "run-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	snapshot := loaded.Snapshot()
	if snapshot.Status != RunPending {
		t.Fatalf("status = %s, want pending", snapshot.Status)
	}
	if len(snapshot.Tasks) != 2 || snapshot.Tasks["001"].Status != TaskPending {
		t.Fatalf("tasks = %+v", snapshot.Tasks)
	}
	if store.Path() != loaded.Path() {
		t.Fatalf("paths differ: %s vs %s", store.Path(), loaded.Path())
	}

	if _, err := repo.Create(snapshot); err == nil {
		t.Fatal("expected error creating an existing run")
	}
}

// TestStoreUpdatePersistsEveryMutation ensures each update is visible to a fresh reader.
func TestStoreUpdatePersistsEveryMutation(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	repo := Repository{Root: t.TempDir(), Now: fixedClock(now.Add(time.Minute))}
	store, err := repo.Create(NewRunState(CreateInput{RunID: "r", Project: "p", TaskIDs: []string{"001"}, Now: now}))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	err = store.Update(func(run *RunState) error {
		if err := run.Transition(RunRunning); err != nil {
			return err
		}
		task := run.Task("001")
		if err := task.Transition(TaskRunning); err != nil {
			return err
		}
		task.Attempts = 2
		task.Checkpoints = []Checkpoint{{Attempt: 2, SHA: "abc", CreatedAt: "t"}}
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	reloaded, err := repo.Load("p", "r")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	run := reloaded.Snapshot()
	if run.Status != RunRunning {
		t.Fatalf("run status = %s", run.Status)
	}
	task := run.Tasks["001"]
	if task.Status != TaskRunning || task.Attempts != 2 {
		t.Fatalf("task = %+v", task)
	}
	if checkpoint, ok := task.LatestCheckpoint(); !ok || checkpoint.SHA != "abc" {
		t.Fatalf("checkpoint = %+v", checkpoint)
	}
	if !run.UpdatedAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("updated_at = %s", run.UpdatedAt)
	}
}

// TestStoreUpdateRollsBackOnError ensures failed mutations leave state untouched.
func TestStoreUpdateRollsBackOnError(t *testing.T) {
	t.Parallel()

	repo := NewRepository(t.TempDir())
	store, err := repo.Create(NewRunState(CreateInput{RunID: "r", Project: "p", TaskIDs: []string{"001"}, Now: time.Now()}))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	err = store.Update(func(run *RunState) error {
		run.Task("001").Attempts = 9
		return run.Task("001").Transition(TaskComplete)
	})
	if err == nil || !strings.Contains(err.Error(), `invalid task status transition from "pending" to "complete"`) {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := store.Snapshot().Tasks["001"].Attempts; got != 0 {
		t.Fatalf("attempts = %d, want rollback to 0", got)
	}
}

// TestSnapshotIsIndependentCopy ensures callers cannot mutate store state through snapshots.
func TestSnapshotIsIndependentCopy(t *testing.T) {
	t.Parallel()

	store, err := NewRepository(t.TempDir()).Create(NewRunState(CreateInput{RunID: "r", Project: "p", TaskIDs: []string{"001"}, Now: time.Now()}))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	snapshot := store.Snapshot()
	snapshot.Tasks["001"].Attempts = 5
	if store.Snapshot().Tasks["001"].Attempts != 0 {
		t.Fatal("snapshot mutation leaked into store")
	}
}

// TestFindLatestRunID ensures the most recently written run wins.
func TestFindLatestRunID(t *testing.T) {
	t.Parallel()

	repo := NewRepository(t.TempDir())
	if _, err := repo.FindLatestRunID("p"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}

	for _, id := range []string{"20260101-000000-aaaa", "20260102-000000-bbbb"} {
		if _, err := repo.Create(NewRunState(CreateInput{RunID: id, Project: "p", Now: time.Now()})); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	older := time.Now().Add(-time.Hour)
	if err := os.Chtimes(repo.Path("p", "20260102-000000-bbbb"), older, older); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if err := os.WriteFile(filepath.Join(repo.Root, "p", "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write notes: %v", err)
	}

	latest, err := repo.FindLatestRunID("p")
	if err != nil {
		t.Fatalf("FindLatestRunID: %v", err)
	}
	if latest != "20260101-000000-aaaa" {
		t.Fatalf("latest = %s", latest)
	}
}

// TestLoadMissingRun ensures unknown runs report ErrRunNotFound.
func TestLoadMissingRun(t *testing.T) {
	t.Parallel()

	_, err := NewRepository(t.TempDir()).Load("p", "nope")
	if !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	if _, err := NewRepository(t.TempDir()).Load("p", "../x"); err == nil {
		t.Fatal("expected invalid key error")
	}
}

// TestSummarizeIncludesHumanReviewQueue ensures counts and review entries are reported.
func TestSummarizeIncludesHumanReviewQueue(t *testing.T) {
	run := NewRunState(CreateInput{RunID: "run-1", Project: "demo", TaskIDs: []string{"001", "002"}, Now: time.Now()})
	run.Tasks["001"].Status = TaskComplete
	run.Tasks["001"].ValidatorResults = []ValidatorResult{{Validator: "test", Status: ValidatorPass, Mode: "warn", Summary: "ok"}}
	run.Tasks["002"].Status = TaskNeedsHumanReview
	run.Tasks["002"].HumanReview = &HumanReview{
		Validator:  "test",
		Reason:     "Validator blocked merge",
		Summary:    "flaky tests",
		ReportPath: "validators/test-validator/002-task.json",
	}

	summary := Summarize(run)
	if summary.TaskCounts[TaskNeedsHumanReview] != 1 || summary.TaskCounts[TaskComplete] != 1 {
		t.Fatalf("counts = %+v", summary.TaskCounts)
	}
	if len(summary.HumanReview) != 1 {
		t.Fatalf("review queue = %+v", summary.HumanReview)
	}
	want := HumanReviewEntry{
		ID:         "002",
		Validator:  "test",
		Reason:     "Validator blocked merge",
		Summary:    "flaky tests",
		ReportPath: "validators/test-validator/002-task.json",
	}
	if summary.HumanReview[0] != want {
		t.Fatalf("entry = %+v, want %+v", summary.HumanReview[0], want)
	}
}
