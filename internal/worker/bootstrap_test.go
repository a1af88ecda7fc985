package worker

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/JamesPaynter/efficient-ralph-loop/internal/audit"
)

// TestRunBootstrapStopsAtFirstFailure runs commands in order and reports the failing one.
func TestRunBootstrapStopsAtFirstFailure(t *testing.T) {
	t.Parallel()
	runner := newFakeRunner()
	runner.queue("npm install", CommandResult{ExitCode: 2, Stderr: "registry unreachable"})
	recorder := &audit.Recorder{}

	summaries, err := RunBootstrap(context.Background(), runner, BootstrapRequest{
		TaskID:   "001",
		Dir:      t.TempDir(),
		Commands: []string{"git status", "  ", "npm install", "make setup"},
	}, recorder)

	var bootstrapErr *BootstrapError
	if !errors.As(err, &bootstrapErr) {
		t.Fatalf("expected BootstrapError, got %v", err)
	}
	if err.Error() != `Bootstrap command failed: "npm install" exited with 2` {
		t.Fatalf("error = %q", err.Error())
	}
	if !reflect.DeepEqual(runner.Calls(), []string{"git status", "npm install"}) {
		t.Fatalf("calls = %v", runner.Calls())
	}
	if len(summaries) != 2 || summaries[1].OutputPreview != "registry unreachable" {
		t.Fatalf("summaries = %+v", summaries)
	}
	want := []string{audit.EventBootstrapStart, audit.EventBootstrapCmd, audit.EventBootstrapCmdFail}
	if !reflect.DeepEqual(recorder.Events("001"), want) {
		t.Fatalf("events = %v, want %v", recorder.Events("001"), want)
	}
}

// TestRunBootstrapNoCommands is a no-op.
func TestRunBootstrapNoCommands(t *testing.T) {
	t.Parallel()
	runner := newFakeRunner()
	summaries, err := RunBootstrap(context.Background(), runner, BootstrapRequest{TaskID: "001", Dir: t.TempDir()}, nil)
	if err != nil || summaries != nil || len(runner.Calls()) != 0 {
		t.Fatalf("summaries = %v err = %v calls = %v", summaries, err, runner.Calls())
	}
}
