package vcs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dlclark/regexp2"
)

// TaskBranch names a task branch and the workspace clone that holds it.
type TaskBranch struct {
	TaskID        string `json:"task_id"`
	Branch        string `json:"branch"`
	WorkspacePath string `json:"workspace_path"`
}

// MergeConflict records a branch whose merge was aborted.
type MergeConflict struct {
	Branch  TaskBranch `json:"branch"`
	Message string     `json:"message"`
}

// MergeInput describes a merge of task branches into a repository.
type MergeInput struct {
	RepoPath   string
	MainBranch string
	Branches   []TaskBranch
}

// MergeResult captures merged branches, isolated conflicts, and the resulting HEAD.
type MergeResult struct {
	Merged      []TaskBranch    `json:"merged"`
	Conflicts   []MergeConflict `json:"conflicts"`
	MergeCommit string          `json:"merge_commit"`
}

// TempMergeInput merges task branches onto a fresh integration branch cut from main.
type TempMergeInput struct {
	MergeInput
	TempBranch string
}

// TempMergeResult extends MergeResult with the integration branch and the main sha it started from.
type TempMergeResult struct {
	MergeResult
	BaseSHA    string `json:"base_sha"`
	TempBranch string `json:"temp_branch"`
}

// FastForwardStatus tags the outcome of FastForward.
type FastForwardStatus string

const (
	FastForwarded FastForwardStatus = "fast_forwarded"
	Blocked       FastForwardStatus = "blocked"
)

// BlockReason explains why main was not moved.
type BlockReason string

const (
	BlockMainAdvanced   BlockReason = "main_advanced"
	BlockNonFastForward BlockReason = "non_fast_forward"
)

// FastForwardInput describes a fast-forward of main to a validated ref.
type FastForwardInput struct {
	RepoPath        string
	MainBranch      string
	TargetRef       string
	ExpectedBaseSHA string
	CleanupBranch   string
}

// FastForwardResult is fast_forwarded{PreviousHead, Head} or blocked{Reason, CurrentHead, TargetRef}.
type FastForwardResult struct {
	Status       FastForwardStatus `json:"status"`
	PreviousHead string            `json:"previous_head,omitempty"`
	Head         string            `json:"head,omitempty"`
	Reason       BlockReason       `json:"reason,omitempty"`
	CurrentHead  string            `json:"current_head,omitempty"`
	ExpectedHead string            `json:"expected_head,omitempty"`
	TargetRef    string            `json:"target_ref,omitempty"`
	Message      string            `json:"message,omitempty"`
}

// Err converts a blocked result into a typed error. It returns nil after a fast-forward.
func (r FastForwardResult) Err() error {
	switch r.Status {
	case FastForwarded:
		return nil
	case Blocked:
		if r.Reason == BlockMainAdvanced {
			return &MainAdvancedError{Expected: r.ExpectedHead, Actual: r.CurrentHead, Message: r.Message}
		}
		return fmt.Errorf("fast-forward blocked (%s): %s", r.Reason, r.Message)
	default:
		return fmt.Errorf("unknown fast-forward status %q", r.Status)
	}
}

// Err reports the conflict as a *ConflictError.
func (c MergeConflict) Err() error {
	return &ConflictError{Branch: c.Branch.Branch, Message: c.Message}
}

// ConflictError reports a task branch that could not be merged cleanly.
type ConflictError struct {
	Branch  string
	Message string
}

// Error formats the conflicting branch.
func (e *ConflictError) Error() string {
	if strings.TrimSpace(e.Message) == "" {
		return fmt.Sprintf("merge conflict on %s", e.Branch)
	}
	return fmt.Sprintf("merge conflict on %s: %s", e.Branch, e.Message)
}

// MainAdvancedError reports that main moved between the temp merge and the fast-forward.
type MainAdvancedError struct {
	Expected string
	Actual   string
	Message  string
}

// Error describes the expected and observed heads.
func (e *MainAdvancedError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("Expected main at %s but found %s.", e.Expected, e.Actual)
}

var (
	conflictPattern = regexp2.MustCompile(`\bCONFLICT\b|automatic merge failed|merge conflict|fix conflicts`, regexp2.IgnoreCase)
	unsafeRemote    = regexp2.MustCompile(`[^A-Za-z0-9_.-]`, regexp2.None)
)

// IsMergeConflict reports whether git output describes a merge conflict.
func IsMergeConflict(output string) bool {
	matched, err := conflictPattern.MatchString(output)
	return err == nil && matched
}

// MergeTaskBranches merges each branch into main with --no-ff. Conflicting branches are aborted
// and recorded; the rest still merge. The repository must start clean and ends clean.
func (g *Git) MergeTaskBranches(ctx context.Context, input MergeInput) (MergeResult, error) {
	if err := validateMergeInput(input); err != nil {
		return MergeResult{}, err
	}
	if err := g.EnsureCleanWorkingTree(ctx, input.RepoPath); err != nil {
		return MergeResult{}, err
	}
	if err := g.CheckoutBranch(ctx, input.RepoPath, input.MainBranch); err != nil {
		return MergeResult{}, err
	}
	return g.mergeBranches(ctx, input.RepoPath, input.Branches)
}

// MergeTaskBranchesToTemp cuts a temp branch from main and merges every branch onto it.
// The repository is left on the temp branch so validators can run against the merged tree.
func (g *Git) MergeTaskBranchesToTemp(ctx context.Context, input TempMergeInput) (TempMergeResult, error) {
	if err := validateMergeInput(input.MergeInput); err != nil {
		return TempMergeResult{}, err
	}
	if strings.TrimSpace(input.TempBranch) == "" {
		return TempMergeResult{}, errors.New("temp branch is required")
	}
	if err := g.EnsureCleanWorkingTree(ctx, input.RepoPath); err != nil {
		return TempMergeResult{}, err
	}
	if err := g.CheckoutBranch(ctx, input.RepoPath, input.MainBranch); err != nil {
		return TempMergeResult{}, err
	}
	baseSHA, err := g.HeadSHA(ctx, input.RepoPath)
	if err != nil {
		return TempMergeResult{}, err
	}
	tempBranch, err := g.resolveTempBranchName(ctx, input.RepoPath, input.TempBranch)
	if err != nil {
		return TempMergeResult{}, err
	}
	if err := g.CheckoutNewBranch(ctx, input.RepoPath, tempBranch, baseSHA); err != nil {
		return TempMergeResult{}, err
	}

	merged, err := g.mergeBranches(ctx, input.RepoPath, input.Branches)
	if err != nil {
		return TempMergeResult{}, err
	}
	return TempMergeResult{MergeResult: merged, BaseSHA: baseSHA, TempBranch: tempBranch}, nil
}

// FastForward moves main to TargetRef when main still sits at ExpectedBaseSHA and the move is
// a fast-forward. A blocked result leaves main untouched.
func (g *Git) FastForward(ctx context.Context, input FastForwardInput) (FastForwardResult, error) {
	if strings.TrimSpace(input.RepoPath) == "" {
		return FastForwardResult{}, errors.New("repo path is required")
	}
	if strings.TrimSpace(input.MainBranch) == "" {
		return FastForwardResult{}, errors.New("main branch is required")
	}
	if strings.TrimSpace(input.TargetRef) == "" {
		return FastForwardResult{}, errors.New("target ref is required")
	}
	if err := g.EnsureCleanWorkingTree(ctx, input.RepoPath); err != nil {
		return FastForwardResult{}, err
	}
	if err := g.CheckoutBranch(ctx, input.RepoPath, input.MainBranch); err != nil {
		return FastForwardResult{}, err
	}

	head, err := g.HeadSHA(ctx, input.RepoPath)
	if err != nil {
		return FastForwardResult{}, err
	}
	if expected := strings.TrimSpace(input.ExpectedBaseSHA); expected != "" && expected != head {
		return FastForwardResult{
			Status:       Blocked,
			Reason:       BlockMainAdvanced,
			CurrentHead:  head,
			ExpectedHead: expected,
			TargetRef:    input.TargetRef,
			Message:      fmt.Sprintf("Expected %s at %s but found %s.", input.MainBranch, expected, head),
		}, nil
	}

	ancestor, err := g.IsAncestor(ctx, input.RepoPath, head, input.TargetRef)
	if err != nil {
		return FastForwardResult{}, err
	}
	if !ancestor {
		return FastForwardResult{
			Status:      Blocked,
			Reason:      BlockNonFastForward,
			CurrentHead: head,
			TargetRef:   input.TargetRef,
			Message:     fmt.Sprintf("%s is not an ancestor of %s.", input.MainBranch, input.TargetRef),
		}, nil
	}

	if _, err := g.Run(ctx, input.RepoPath, "merge", "--ff-only", input.TargetRef); err != nil {
		return FastForwardResult{}, fmt.Errorf("fast-forward %s to %s: %w", input.MainBranch, input.TargetRef, err)
	}
	newHead, err := g.HeadSHA(ctx, input.RepoPath)
	if err != nil {
		return FastForwardResult{}, err
	}
	if cleanup := strings.TrimSpace(input.CleanupBranch); cleanup != "" {
		_ = g.DeleteBranch(ctx, input.RepoPath, cleanup)
	}
	return FastForwardResult{Status: FastForwarded, PreviousHead: head, Head: newHead}, nil
}

// mergeBranches merges task branches into the current branch, isolating conflicts.
func (g *Git) mergeBranches(ctx context.Context, repoPath string, branches []TaskBranch) (MergeResult, error) {
	result := MergeResult{Merged: []TaskBranch{}, Conflicts: []MergeConflict{}}
	for _, branch := range branches {
		conflict, err := g.mergeBranch(ctx, repoPath, branch)
		if err != nil {
			return MergeResult{}, err
		}
		if conflict != nil {
			result.Conflicts = append(result.Conflicts, *conflict)
			continue
		}
		result.Merged = append(result.Merged, branch)
	}
	head, err := g.HeadSHA(ctx, repoPath)
	if err != nil {
		return MergeResult{}, err
	}
	result.MergeCommit = head
	return result, nil
}

// remoteName derives a git remote name for the task's workspace.
func remoteName(taskID string) (string, error) {
	safe, err := unsafeRemote.Replace(taskID, "-", -1, -1)
	if err != nil {
		return "", fmt.Errorf("remote name for task %s: %w", taskID, err)
	}
	return "task-" + safe, nil
}

// mergeBranch fetches one task branch from its workspace and merges it with --no-ff.
func (g *Git) mergeBranch(ctx context.Context, repoPath string, branch TaskBranch) (*MergeConflict, error) {
	if strings.TrimSpace(branch.Branch) == "" {
		return nil, fmt.Errorf("task %s: branch is required", branch.TaskID)
	}
	remote, err := remoteName(branch.TaskID)
	if err != nil {
		return nil, err
	}
	_, _ = g.Run(ctx, repoPath, "remote", "remove", remote)
	defer func() {
		_, _ = g.Run(context.WithoutCancel(ctx), repoPath, "remote", "remove", remote)
	}()

	source := branch.WorkspacePath
	if strings.TrimSpace(source) == "" {
		source = repoPath
	}
	if _, err := g.Run(ctx, repoPath, "remote", "add", remote, source); err != nil {
		return nil, fmt.Errorf("add remote %s: %w", remote, err)
	}
	if _, err := g.Run(ctx, repoPath, "fetch", "--quiet", remote, branch.Branch); err != nil {
		return nil, fmt.Errorf("fetch %s from %s: %w", branch.Branch, source, err)
	}

	_, err = g.Run(ctx, repoPath, "merge", "--no-ff", "FETCH_HEAD", "-m", "Merge "+branch.Branch)
	if err == nil {
		return nil, nil
	}
	var gitErr *GitError
	if errors.As(err, &gitErr) && IsMergeConflict(gitErr.Output()) {
		if _, abortErr := g.Run(context.WithoutCancel(ctx), repoPath, "merge", "--abort"); abortErr != nil {
			return nil, fmt.Errorf("abort merge of %s: %w", branch.Branch, abortErr)
		}
		return &MergeConflict{Branch: branch, Message: gitErr.Output()}, nil
	}
	return nil, fmt.Errorf("merge %s: %w", branch.Branch, err)
}

// resolveTempBranchName returns name, or name-1, name-2, ... when taken.
func (g *Git) resolveTempBranchName(ctx context.Context, repoPath string, name string) (string, error) {
	candidate := name
	for suffix := 1; ; suffix++ {
		exists, err := g.BranchExists(ctx, repoPath, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", name, suffix)
	}
}

func validateMergeInput(input MergeInput) error {
	if strings.TrimSpace(input.RepoPath) == "" {
		return errors.New("repo path is required")
	}
	if strings.TrimSpace(input.MainBranch) == "" {
		return errors.New("main branch is required")
	}
	return nil
}
