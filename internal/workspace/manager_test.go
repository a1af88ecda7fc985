package workspace

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/JamesPaynter/efficient-ralph-loop/internal/testrepos"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/vcs"
)

// TestEnsureCreatesCloneOnTaskBranch verifies a fresh workspace is an isolated clone on the task branch.
func TestEnsureCreatesCloneOnTaskBranch(t *testing.T) {
	t.Parallel()
	repo := testrepos.New(t)
	root := RunDir(t.TempDir(), "demo", "run-1")
	git := vcs.New(nil)
	manager, err := NewManager(root, git)
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}

	ctx := context.Background()
	ws, err := manager.Ensure(ctx, Spec{TaskID: "001", Branch: "ralph/001-demo", RepoPath: repo.Root, MainBranch: "main"})
	if err != nil {
		t.Fatalf("Ensure returned error: %v", err)
	}
	if ws.Reused {
		t.Fatal("expected new workspace")
	}
	if ws.BaseSHA != repo.Head(t) {
		t.Fatalf("base sha = %s, want %s", ws.BaseSHA, repo.Head(t))
	}
	if want := filepath.Join(root, "task-001"); ws.Path != want {
		t.Fatalf("path = %s, want %s", ws.Path, want)
	}
	branch, err := git.CurrentBranch(ctx, ws.Path)
	if err != nil {
		t.Fatalf("CurrentBranch returned error: %v", err)
	}
	if branch != "ralph/001-demo" {
		t.Fatalf("branch = %s", branch)
	}

	if err := os.MkdirAll(filepath.Join(ws.Path, InternalDirName), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(ws.Path, InternalDirName, "worker-state.json"), []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write state: %v", err)
	}
	clean, err := git.IsCleanWorkingTree(ctx, ws.Path)
	if err != nil {
		t.Fatalf("IsCleanWorkingTree returned error: %v", err)
	}
	if !clean {
		t.Fatal("internal directory should be excluded from git status")
	}

	again, err := manager.Ensure(ctx, Spec{TaskID: "001", Branch: "ralph/001-demo", RepoPath: repo.Root, MainBranch: "main"})
	if err != nil {
		t.Fatalf("second Ensure returned error: %v", err)
	}
	if !again.Reused || again.BaseSHA != ws.BaseSHA {
		t.Fatalf("second Ensure = %+v, want reused with same base", again)
	}
}

// TestEnsureRejectsWorkspaceOnWrongBranch guards against reusing a clone for another task.
func TestEnsureRejectsWorkspaceOnWrongBranch(t *testing.T) {
	t.Parallel()
	repo := testrepos.New(t)
	manager, err := NewManager(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	ctx := context.Background()
	if _, err := manager.Ensure(ctx, Spec{TaskID: "001", Branch: "ralph/001-a", RepoPath: repo.Root, MainBranch: "main"}); err != nil {
		t.Fatalf("Ensure returned error: %v", err)
	}
	_, err = manager.Ensure(ctx, Spec{TaskID: "001", Branch: "ralph/001-b", RepoPath: repo.Root, MainBranch: "main"})
	if err == nil || !strings.Contains(err.Error(), "expected") {
		t.Fatalf("expected branch mismatch error, got %v", err)
	}
}

// TestRemoveDeletesWorkspace ensures removal is idempotent.
func TestRemoveDeletesWorkspace(t *testing.T) {
	t.Parallel()
	repo := testrepos.New(t)
	manager, err := NewManager(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	if _, err := manager.Ensure(context.Background(), Spec{TaskID: "002", Branch: "ralph/002-x", RepoPath: repo.Root, MainBranch: "main"}); err != nil {
		t.Fatalf("Ensure returned error: %v", err)
	}
	if err := manager.Remove("002"); err != nil {
		t.Fatalf("Remove returned error: %v", err)
	}
	exists, err := manager.Exists("002")
	if err != nil {
		t.Fatalf("Exists returned error: %v", err)
	}
	if exists {
		t.Fatal("workspace still exists")
	}
	if err := manager.Remove("002"); err != nil {
		t.Fatalf("second Remove returned error: %v", err)
	}
}

// TestPathRejectsUnsafeIDs ensures task ids cannot escape the workspace root.
func TestPathRejectsUnsafeIDs(t *testing.T) {
	t.Parallel()
	manager, err := NewManager(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	for _, id := range []string{"", "a/b", `a\b`, "..", " "} {
		if _, err := manager.Path(id); err == nil {
			t.Fatalf("Path(%q) should fail", id)
		}
	}
}

// TestFilterInternalChanges drops orchestrator-owned paths.
func TestFilterInternalChanges(t *testing.T) {
	t.Parallel()
	ws := filepath.Join(t.TempDir(), "task-001")
	files := []string{
		".ralph/worker-state.json",
		".git/index",
		"logs/run-1/events.log",
		"src/main.go",
		"logsfile.txt",
	}
	got := FilterInternalChanges(files, ws, filepath.Join(ws, "logs", "run-1"))
	want := []string{"src/main.go", "logsfile.txt"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("filtered = %v, want %v", got, want)
	}
	if got := FilterInternalChanges([]string{"a.go"}, ws, filepath.Join(t.TempDir(), "elsewhere")); len(got) != 1 {
		t.Fatalf("logs outside workspace should not filter, got %v", got)
	}
}
