// Package testrepos creates throwaway git repositories for tests that drive the git CLI.
package testrepos

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// TempRepo represents a temporary git repository that can be reused in tests.
type TempRepo struct {
	Root string
}

// RequireGit skips the test when the git binary is unavailable.
func RequireGit(tb testing.TB) {
	tb.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		tb.Skip("git binary not available")
	}
}

// New creates a temporary git repository on branch main with an initial commit.
func New(tb testing.TB) *TempRepo {
	tb.Helper()
	RequireGit(tb)
	root, err := os.MkdirTemp("", "ralph-test-repo-*")
	if err != nil {
		tb.Fatalf("create temp repo directory: %v", err)
	}

	repo := &TempRepo{Root: root}
	tb.Cleanup(func() {
		if cleanupErr := repo.Cleanup(); cleanupErr != nil {
			tb.Fatalf("cleanup temp repo: %v", cleanupErr)
		}
	})

	repo.initialize(tb)
	return repo
}

// Clone creates an isolated clone of the repository, the way task workspaces are created.
func (r *TempRepo) Clone(tb testing.TB) *TempRepo {
	tb.Helper()
	parent, err := os.MkdirTemp("", "ralph-test-clone-*")
	if err != nil {
		tb.Fatalf("create clone directory: %v", err)
	}
	clone := &TempRepo{Root: filepath.Join(parent, "workspace")}
	tb.Cleanup(func() {
		_ = os.RemoveAll(parent)
	})
	if output, err := runGit(parent, "clone", "--quiet", r.Root, clone.Root); err != nil {
		tb.Fatalf("clone %s: %v: %s", r.Root, err, output)
	}
	clone.RunGit(tb, "config", "user.name", "Ralph Test")
	clone.RunGit(tb, "config", "user.email", "test@example.com")
	clone.RunGit(tb, "config", "commit.gpgsign", "false")
	return clone
}

// RunGit executes git in the repository directory and fails the test if git returns an error.
func (r *TempRepo) RunGit(tb testing.TB, args ...string) string {
	tb.Helper()
	output, err := runGit(r.Root, args...)
	if err != nil {
		tb.Fatalf("git %s failed: %v: %s", strings.Join(args, " "), err, output)
	}
	return output
}

// WriteFile writes a file relative to the repository root, creating parent directories.
func (r *TempRepo) WriteFile(tb testing.TB, rel string, content string) {
	tb.Helper()
	path := filepath.Join(r.Root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		tb.Fatalf("create dir for %s: %v", rel, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		tb.Fatalf("write %s: %v", rel, err)
	}
}

// CommitAll stages every change and commits it with the message.
func (r *TempRepo) CommitAll(tb testing.TB, message string) string {
	tb.Helper()
	r.RunGit(tb, "add", "-A")
	r.RunGit(tb, "commit", "--quiet", "-m", message)
	return r.Head(tb)
}

// Head returns the current HEAD sha.
func (r *TempRepo) Head(tb testing.TB) string {
	tb.Helper()
	return strings.TrimSpace(r.RunGit(tb, "rev-parse", "HEAD"))
}

// Cleanup removes the temporary repository root. Missing directories are treated as success.
func (r *TempRepo) Cleanup() error {
	if r == nil || r.Root == "" {
		return nil
	}
	if err := os.RemoveAll(r.Root); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove temp repo %s: %w", r.Root, err)
	}
	return nil
}

func (r *TempRepo) initialize(tb testing.TB) {
	tb.Helper()
	r.RunGit(tb, "init", "--quiet", "--initial-branch=main")
	r.RunGit(tb, "config", "user.name", "Ralph Test")
	r.RunGit(tb, "config", "user.email", "test@example.com")
	r.RunGit(tb, "config", "commit.gpgsign", "false")

	r.WriteFile(tb, "README.md", "# Temp Repository\n")
	r.CommitAll(tb, "Initial commit")
}

func runGit(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return string(output), nil
}
