package testrepos

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewCreatesGitRepo(t *testing.T) {
	t.Parallel()

	repo := New(t)

	if _, err := os.Stat(filepath.Join(repo.Root, ".git")); err != nil {
		t.Fatalf("expected .git directory: %v", err)
	}
	if _, err := os.Stat(filepath.Join(repo.Root, "README.md")); err != nil {
		t.Fatalf("expected README file: %v", err)
	}
	if got := strings.TrimSpace(repo.RunGit(t, "log", "--oneline")); got == "" {
		t.Fatalf("expected git log to contain initial commit, got empty output")
	}
	if branch := strings.TrimSpace(repo.RunGit(t, "rev-parse", "--abbrev-ref", "HEAD")); branch != "main" {
		t.Fatalf("branch = %s, want main", branch)
	}
}

func TestCloneSharesHistory(t *testing.T) {
	t.Parallel()

	repo := New(t)
	clone := repo.Clone(t)
	if clone.Head(t) != repo.Head(t) {
		t.Fatalf("clone head %s != origin head %s", clone.Head(t), repo.Head(t))
	}

	clone.WriteFile(t, "pkg/a.txt", "a\n")
	sha := clone.CommitAll(t, "add a")
	if sha == repo.Head(t) {
		t.Fatal("clone commit should not move origin")
	}
}

func TestCleanupHandlesMissingDirectory(t *testing.T) {
	t.Parallel()

	missing := filepath.Join(t.TempDir(), "missing")
	repo := &TempRepo{Root: missing}
	if err := repo.Cleanup(); err != nil {
		t.Fatalf("cleanup with missing directory should succeed: %v", err)
	}
}

func TestCleanupDeletesRepo(t *testing.T) {
	t.Parallel()

	parent := t.TempDir()
	repo := &TempRepo{Root: filepath.Join(parent, "repo")}
	if err := os.MkdirAll(repo.Root, 0o755); err != nil {
		t.Fatalf("create repo dir: %v", err)
	}

	if err := repo.Cleanup(); err != nil {
		t.Fatalf("cleanup repo: %v", err)
	}

	if _, err := os.Stat(repo.Root); err == nil || !os.IsNotExist(err) {
		t.Fatalf("repo still exists after cleanup")
	}
}
