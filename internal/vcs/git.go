// Package vcs drives the git command line for task branches, checkpoints, and merges.
package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// Git runs git subcommands. The zero value uses the git binary on PATH and no logger.
type Git struct {
	Binary string
	Env    []string
	Logger *zap.Logger
}

// New returns a Git runner that logs commands at debug level.
func New(logger *zap.Logger) *Git {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Git{Binary: "git", Logger: logger}
}

// GitError reports a failed git invocation along with its captured output.
type GitError struct {
	Dir      string
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

// Error formats the command, cause, and trimmed stderr.
func (e *GitError) Error() string {
	detail := strings.TrimSpace(e.Stderr)
	if detail == "" {
		detail = strings.TrimSpace(e.Stdout)
	}
	return fmt.Sprintf("git %s failed: %v: %s", strings.Join(e.Args, " "), e.Err, detail)
}

// Unwrap returns the underlying exec error.
func (e *GitError) Unwrap() error {
	return e.Err
}

// Output returns stdout and stderr joined, which is where git prints merge conflict notices.
func (e *GitError) Output() string {
	return strings.TrimSpace(e.Stdout + "\n" + e.Stderr)
}

// Run executes git in dir and returns stdout.
func (g *Git) Run(ctx context.Context, dir string, args ...string) (string, error) {
	return g.runWithEnv(ctx, dir, nil, args...)
}

// runWithEnv executes git with additional environment variables layered on the process env.
func (g *Git) runWithEnv(ctx context.Context, dir string, env []string, args ...string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", errors.New("git directory is required")
	}
	if len(args) == 0 {
		return "", errors.New("git arguments are required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	binary := "git"
	var extra []string
	logger := zap.NewNop()
	if g != nil {
		if strings.TrimSpace(g.Binary) != "" {
			binary = g.Binary
		}
		extra = g.Env
		if g.Logger != nil {
			logger = g.Logger
		}
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = dir
	if len(extra) > 0 || len(env) > 0 {
		cmd.Env = append(append(os.Environ(), extra...), env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("git", zap.String("dir", dir), zap.Strings("args", args))
	if err := cmd.Run(); err != nil {
		gitErr := &GitError{
			Dir:      dir,
			Args:     append([]string(nil), args...),
			ExitCode: -1,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Err:      err,
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			gitErr.ExitCode = exitErr.ExitCode()
		}
		return stdout.String(), gitErr
	}
	return stdout.String(), nil
}

// exitCode returns the git exit code carried by err, or -1.
func exitCode(err error) int {
	var gitErr *GitError
	if errors.As(err, &gitErr) {
		return gitErr.ExitCode
	}
	return -1
}

// HeadSHA returns the commit HEAD points at.
func (g *Git) HeadSHA(ctx context.Context, dir string) (string, error) {
	return g.ResolveRef(ctx, dir, "HEAD")
}

// ResolveRef resolves any revision to a full commit sha.
func (g *Git) ResolveRef(ctx context.Context, dir string, ref string) (string, error) {
	if strings.TrimSpace(ref) == "" {
		return "", errors.New("ref is required")
	}
	out, err := g.Run(ctx, dir, "rev-parse", "--verify", ref+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", ref, err)
	}
	return strings.TrimSpace(out), nil
}

// IsAncestor reports whether ancestor is reachable from descendant.
func (g *Git) IsAncestor(ctx context.Context, dir string, ancestor string, descendant string) (bool, error) {
	_, err := g.Run(ctx, dir, "merge-base", "--is-ancestor", ancestor, descendant)
	if err == nil {
		return true, nil
	}
	if exitCode(err) == 1 {
		return false, nil
	}
	return false, fmt.Errorf("check ancestry %s..%s: %w", ancestor, descendant, err)
}

// IsCleanWorkingTree reports whether git status shows no pending changes.
func (g *Git) IsCleanWorkingTree(ctx context.Context, dir string) (bool, error) {
	out, err := g.Run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("check worktree status: %w", err)
	}
	return strings.TrimSpace(out) == "", nil
}

// EnsureCleanWorkingTree returns an error naming the first pending change when the tree is dirty.
func (g *Git) EnsureCleanWorkingTree(ctx context.Context, dir string) error {
	out, err := g.Run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return fmt.Errorf("check worktree status: %w", err)
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		return fmt.Errorf("working tree %s has uncommitted changes: %s", dir, strings.TrimSpace(line))
	}
	return nil
}

// EnsureGitIdentity sets user.name and user.email locally when the repository has none.
func (g *Git) EnsureGitIdentity(ctx context.Context, dir string, name string, email string) error {
	if strings.TrimSpace(name) == "" {
		name = "Ralph"
	}
	if strings.TrimSpace(email) == "" {
		email = "ralph@localhost"
	}
	for key, value := range map[string]string{"user.name": name, "user.email": email} {
		current, err := g.Run(ctx, dir, "config", "--get", key)
		if err == nil && strings.TrimSpace(current) != "" {
			continue
		}
		if err != nil && exitCode(err) != 1 {
			return fmt.Errorf("read git %s: %w", key, err)
		}
		if _, err := g.Run(ctx, dir, "config", key, value); err != nil {
			return fmt.Errorf("set git %s: %w", key, err)
		}
	}
	return nil
}
