package status

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/JamesPaynter/efficient-ralph-loop/internal/state"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleRun() state.RunState {
	run := state.NewRunState(state.CreateInput{
		RunID:      "run-1",
		Project:    "demo",
		RepoPath:   "/repo",
		MainBranch: "main",
		TaskIDs:    []string{"001", "002", "003", "004"},
		Now:        testNow.Add(-time.Hour),
	})
	run.Status = state.RunFailed
	run.TokensUsed = 1234
	run.EstimatedCost = 0.62

	started := testNow.Add(-10 * time.Minute)
	completed := testNow.Add(-5 * time.Minute)
	done := run.Tasks["001"]
	done.Status = state.TaskComplete
	done.Attempts = 1
	done.BatchID = 1
	done.LastStage = "complete"
	done.Branch = "ralph/001-parser"
	done.StartedAt = &started
	done.CompletedAt = &completed
	done.TokensUsed = 1000

	review := run.Tasks["002"]
	review.Status = state.TaskNeedsHumanReview
	review.Attempts = 2
	review.BatchID = 1
	review.StartedAt = &started
	review.HumanReview = &state.HumanReview{
		Validator:  "manifest_compliance",
		Reason:     "scope_violation",
		Summary:    "web/app.go not declared",
		ReportPath: "/ws/.ralph/compliance.json",
	}

	run.Tasks["003"].Status = state.TaskSkipped
	run.Tasks["003"].LastError = "dependency_failed"
	return run
}

func TestBuildOrdersRowsByStatus(t *testing.T) {
	t.Parallel()

	report := Build(sampleRun(), testNow)
	var ids []string
	for _, row := range report.Rows {
		ids = append(ids, row.ID)
	}
	if got := strings.Join(ids, ","); got != "002,004,003,001" {
		t.Fatalf("row order = %s, want 002,004,003,001", got)
	}
	if report.Rows[0].Elapsed != "10m0s" {
		t.Fatalf("running review elapsed = %q, want 10m0s", report.Rows[0].Elapsed)
	}
	if report.Rows[3].Elapsed != "5m0s" {
		t.Fatalf("complete elapsed = %q, want 5m0s", report.Rows[3].Elapsed)
	}
	if report.Rows[1].Elapsed != "-" {
		t.Fatalf("pending elapsed = %q, want -", report.Rows[1].Elapsed)
	}
}

func TestReportString(t *testing.T) {
	t.Parallel()

	run := sampleRun()
	run.StopSignal = "SIGINT"
	output := Build(run, testNow).String()

	expected := []string{
		"run run-1 project=demo status=failed tokens=1,234 cost=$0.62 stopped_by=SIGINT",
		"tasks total=4 pending=1 running=0 complete=1 failed=0 needs_human_review=1 skipped=1",
		"human-review=1",
		"manifest_compliance",
		"scope_violation",
		"web/app.go not declared (/ws/.ralph/compliance.json)",
		"ralph/001-parser",
	}
	for _, want := range expected {
		if !strings.Contains(output, want) {
			t.Fatalf("status output missing %q:\n%s", want, output)
		}
	}
	if strings.Contains(output, "\x1b[") {
		t.Fatalf("plain output contains escape codes:\n%s", output)
	}
}

func TestReportEmptyReviewQueue(t *testing.T) {
	t.Parallel()

	run := state.NewRunState(state.CreateInput{RunID: "r", Project: "p", TaskIDs: []string{"001"}, Now: testNow})
	output := Build(run, testNow).String()
	if !strings.HasSuffix(output, "human-review=0") {
		t.Fatalf("output should end with empty review queue:\n%s", output)
	}
}

func TestLoadLatestRun(t *testing.T) {
	t.Parallel()

	repo := state.NewRepository(t.TempDir())
	if _, err := repo.Create(sampleRun()); err != nil {
		t.Fatalf("create run: %v", err)
	}

	report, err := Load(repo, "demo", "", testNow)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if report.Summary.RunID != "run-1" {
		t.Fatalf("run id = %q, want run-1", report.Summary.RunID)
	}

	_, err = Load(repo, "demo", "missing", testNow)
	if !errors.Is(err, state.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	if _, err := Load(repo, " ", "", testNow); err == nil {
		t.Fatal("expected error for empty project")
	}
}
