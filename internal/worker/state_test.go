package worker

import (
	"testing"
	"time"
)

// TestRecordCheckpointReplacesSameAttempt keeps one checkpoint per attempt, ordered by attempt.
func TestRecordCheckpointReplacesSameAttempt(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	clock := fixedClock(time.Date(2025, 1, 14, 19, 2, 11, 0, time.UTC))
	store, err := OpenStateStore(dir, clock)
	if err != nil {
		t.Fatalf("OpenStateStore returned error: %v", err)
	}
	for _, step := range []struct {
		attempt int
		sha     string
	}{
		{attempt: 2, sha: "bbb"},
		{attempt: 1, sha: "aaa"},
		{attempt: 1, sha: "ccc"},
	} {
		if err := store.RecordCheckpoint(step.attempt, step.sha); err != nil {
			t.Fatalf("RecordCheckpoint(%d) returned error: %v", step.attempt, err)
		}
	}

	state, ok, err := LoadState(dir)
	if err != nil || !ok {
		t.Fatalf("LoadState = ok %v err %v", ok, err)
	}
	if len(state.Checkpoints) != 2 {
		t.Fatalf("checkpoints = %+v, want 2", state.Checkpoints)
	}
	if state.Checkpoints[0].Attempt != 1 || state.Checkpoints[0].SHA != "ccc" {
		t.Fatalf("first checkpoint = %+v, want attempt 1 sha ccc", state.Checkpoints[0])
	}
	if state.Checkpoints[1].Attempt != 2 || state.Checkpoints[1].SHA != "bbb" {
		t.Fatalf("second checkpoint = %+v, want attempt 2 sha bbb", state.Checkpoints[1])
	}
	if state.CreatedAt != "2025-01-14T19:02:11Z" {
		t.Fatalf("created_at = %q", state.CreatedAt)
	}
}

// TestStateStoreResumesNextAttempt reloads attempt, thread, and stage progress from disk.
func TestStateStoreResumesNextAttempt(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store, err := OpenStateStore(dir, nil)
	if err != nil {
		t.Fatalf("OpenStateStore returned error: %v", err)
	}
	if store.NextAttempt() != 1 {
		t.Fatalf("fresh NextAttempt = %d, want 1", store.NextAttempt())
	}
	if err := store.RecordAttemptStart(2); err != nil {
		t.Fatalf("RecordAttemptStart returned error: %v", err)
	}
	if err := store.RecordThreadID("thread-9"); err != nil {
		t.Fatalf("RecordThreadID returned error: %v", err)
	}
	if err := store.RecordStageAPassed(); err != nil {
		t.Fatalf("RecordStageAPassed returned error: %v", err)
	}

	reopened, err := OpenStateStore(dir, nil)
	if err != nil {
		t.Fatalf("reopen returned error: %v", err)
	}
	if reopened.NextAttempt() != 3 {
		t.Fatalf("NextAttempt = %d, want 3", reopened.NextAttempt())
	}
	if reopened.ThreadID() != "thread-9" {
		t.Fatalf("ThreadID = %q", reopened.ThreadID())
	}
	snapshot := reopened.Snapshot()
	if !snapshot.StageAPassed || snapshot.NextAttempt != 3 {
		t.Fatalf("snapshot = %+v", snapshot)
	}
}

// TestLoadStateMissing reports ok=false without an error.
func TestLoadStateMissing(t *testing.T) {
	t.Parallel()
	_, ok, err := LoadState(t.TempDir())
	if err != nil {
		t.Fatalf("LoadState returned error: %v", err)
	}
	if ok {
		t.Fatal("expected no state")
	}
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}
