package vcs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JamesPaynter/efficient-ralph-loop/internal/slug"
)

const (
	// DefaultBranchPrefix namespaces task branches.
	DefaultBranchPrefix = "ralph"
	maxBranchSlug       = 48
	fallbackBranchSlug  = "task"
)

// BranchName returns the canonical task branch: <prefix>/<taskID>-<slug>.
func BranchName(prefix string, taskID string, taskName string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = DefaultBranchPrefix
	}
	name := slug.Truncate(slug.Slugify(taskName), maxBranchSlug)
	if name == "" {
		name = fallbackBranchSlug
	}
	return fmt.Sprintf("%s/%s-%s", prefix, strings.TrimSpace(taskID), name)
}

// BranchExists reports whether a local branch exists.
func (g *Git) BranchExists(ctx context.Context, dir string, branch string) (bool, error) {
	if strings.TrimSpace(branch) == "" {
		return false, errors.New("branch name is required")
	}
	_, err := g.Run(ctx, dir, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	if err == nil {
		return true, nil
	}
	if exitCode(err) == 1 {
		return false, nil
	}
	return false, fmt.Errorf("check branch %s: %w", branch, err)
}

// CurrentBranch returns the checked out branch name.
func (g *Git) CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := g.Run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("read current branch: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// CheckoutBranch switches to an existing branch.
func (g *Git) CheckoutBranch(ctx context.Context, dir string, branch string) error {
	if strings.TrimSpace(branch) == "" {
		return errors.New("branch name is required")
	}
	if _, err := g.Run(ctx, dir, "checkout", "--quiet", branch); err != nil {
		return fmt.Errorf("checkout %s: %w", branch, err)
	}
	return nil
}

// CheckoutNewBranch creates branch at startPoint and switches to it.
func (g *Git) CheckoutNewBranch(ctx context.Context, dir string, branch string, startPoint string) error {
	if strings.TrimSpace(branch) == "" {
		return errors.New("branch name is required")
	}
	args := []string{"checkout", "--quiet", "-b", branch}
	if strings.TrimSpace(startPoint) != "" {
		args = append(args, startPoint)
	}
	if _, err := g.Run(ctx, dir, args...); err != nil {
		return fmt.Errorf("create branch %s: %w", branch, err)
	}
	return nil
}

// CheckoutOrCreateBranch switches to branch, creating it from startPoint when missing.
func (g *Git) CheckoutOrCreateBranch(ctx context.Context, dir string, branch string, startPoint string) error {
	exists, err := g.BranchExists(ctx, dir, branch)
	if err != nil {
		return err
	}
	if exists {
		return g.CheckoutBranch(ctx, dir, branch)
	}
	return g.CheckoutNewBranch(ctx, dir, branch, startPoint)
}

// DeleteBranch removes a local branch, forcing the delete when it is not fully merged.
func (g *Git) DeleteBranch(ctx context.Context, dir string, branch string) error {
	exists, err := g.BranchExists(ctx, dir, branch)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if _, err := g.Run(ctx, dir, "branch", "-d", branch); err != nil {
		if _, forceErr := g.Run(ctx, dir, "branch", "-D", branch); forceErr != nil {
			return fmt.Errorf("delete branch %s: %w", branch, forceErr)
		}
	}
	return nil
}
