package vcs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// CommitStatus tags what a checkpoint or final commit did.
type CommitStatus string

const (
	CommitCreated CommitStatus = "committed"
	CommitAmended CommitStatus = "amended"
	CommitSkipped CommitStatus = "skipped"
)

// Skip reasons reported with CommitSkipped.
const (
	SkipNoChanges       = "no_changes"
	SkipNothingToCommit = "nothing_to_commit"
)

// CommitResult reports the commit produced by CommitCheckpoint or FinalizeCommit.
type CommitResult struct {
	Status CommitStatus
	SHA    string
	Reason string
}

// Committed reports whether HEAD moved.
func (r CommitResult) Committed() bool {
	return r.Status == CommitCreated || r.Status == CommitAmended
}

// CheckpointMessage returns the WIP commit subject for an attempt.
func CheckpointMessage(taskID string, attempt int) string {
	return fmt.Sprintf("WIP(Task %s): attempt %d checkpoint", taskID, attempt)
}

// FinalMessage returns the commit message used once a task passes doctor.
func FinalMessage(taskID string, taskName string) string {
	name := strings.TrimSpace(taskName)
	if name == "" {
		name = taskID
	}
	return fmt.Sprintf("[FEAT] %s %s\n\nTask: %s", taskID, name, taskID)
}

// IsCheckpointMessage reports whether a commit message is a checkpoint for taskID.
func IsCheckpointMessage(message string, taskID string) bool {
	firstLine, _, _ := strings.Cut(strings.TrimSpace(message), "\n")
	firstLine = strings.TrimSpace(firstLine)
	return strings.HasPrefix(firstLine, fmt.Sprintf("WIP(Task %s)", taskID)) &&
		strings.Contains(strings.ToLower(firstLine), "checkpoint")
}

// HeadMessage returns the full message of the HEAD commit.
func (g *Git) HeadMessage(ctx context.Context, dir string) (string, error) {
	out, err := g.Run(ctx, dir, "log", "-1", "--pretty=%B")
	if err != nil {
		return "", fmt.Errorf("read head message: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// CommitCheckpoint stages everything and records a WIP commit for the attempt.
// A clean tree is skipped with reason no_changes.
func (g *Git) CommitCheckpoint(ctx context.Context, dir string, taskID string, attempt int) (CommitResult, error) {
	if strings.TrimSpace(taskID) == "" {
		return CommitResult{}, errors.New("task id is required")
	}
	clean, err := g.IsCleanWorkingTree(ctx, dir)
	if err != nil {
		return CommitResult{}, err
	}
	if clean {
		return CommitResult{Status: CommitSkipped, Reason: SkipNoChanges}, nil
	}
	return g.commitAll(ctx, dir, CheckpointMessage(taskID, attempt), "git checkpoint commit")
}

// FinalizeCommit produces the task's final commit. A clean tree whose HEAD is a checkpoint of
// this task is amended in place; a clean tree otherwise is left alone; a dirty tree is committed.
func (g *Git) FinalizeCommit(ctx context.Context, dir string, taskID string, taskName string) (CommitResult, error) {
	if strings.TrimSpace(taskID) == "" {
		return CommitResult{}, errors.New("task id is required")
	}
	message := FinalMessage(taskID, taskName)
	clean, err := g.IsCleanWorkingTree(ctx, dir)
	if err != nil {
		return CommitResult{}, err
	}
	if !clean {
		return g.commitAll(ctx, dir, message, "git commit")
	}

	head, err := g.HeadMessage(ctx, dir)
	if err != nil {
		return CommitResult{}, err
	}
	if !IsCheckpointMessage(head, taskID) {
		return CommitResult{Status: CommitSkipped, Reason: SkipNoChanges}, nil
	}
	if _, err := g.Run(ctx, dir, "commit", "--quiet", "--amend", "-m", message); err != nil {
		return CommitResult{}, fmt.Errorf("git commit amend failed: %w", err)
	}
	sha, err := g.HeadSHA(ctx, dir)
	if err != nil {
		return CommitResult{}, err
	}
	return CommitResult{Status: CommitAmended, SHA: sha}, nil
}

// commitAll runs add -A and commit, treating "nothing to commit" as a skip.
func (g *Git) commitAll(ctx context.Context, dir string, message string, op string) (CommitResult, error) {
	if _, err := g.Run(ctx, dir, "add", "-A"); err != nil {
		return CommitResult{}, fmt.Errorf("stage changes: %w", err)
	}
	if _, commitErr := g.Run(ctx, dir, "commit", "--quiet", "-m", message); commitErr != nil {
		clean, err := g.IsCleanWorkingTree(ctx, dir)
		if err == nil && clean {
			return CommitResult{Status: CommitSkipped, Reason: SkipNothingToCommit}, nil
		}
		return CommitResult{}, fmt.Errorf("%s failed: %w", op, commitErr)
	}
	sha, err := g.HeadSHA(ctx, dir)
	if err != nil {
		return CommitResult{}, err
	}
	return CommitResult{Status: CommitCreated, SHA: sha}, nil
}

// ChangedEntry is one line of git status --porcelain.
type ChangedEntry struct {
	Status string
	Path   string
}

// Untracked reports whether git has never seen the path.
func (e ChangedEntry) Untracked() bool {
	return e.Status == "??"
}

// ListChangedEntries parses git status --porcelain, expanding untracked directories to files.
func (g *Git) ListChangedEntries(ctx context.Context, dir string) ([]ChangedEntry, error) {
	out, err := g.Run(ctx, dir, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, fmt.Errorf("list changed entries: %w", err)
	}
	var entries []ChangedEntry
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		if _, renamed, ok := strings.Cut(path, " -> "); ok {
			path = renamed
		}
		entries = append(entries, ChangedEntry{Status: strings.TrimSpace(line[:2]), Path: strings.Trim(path, `"`)})
	}
	return entries, nil
}

// ListChangedFiles returns the sorted union of files changed since baseRef on this branch,
// uncommitted edits, and untracked files. An empty baseRef only reports the working tree.
func (g *Git) ListChangedFiles(ctx context.Context, dir string, baseRef string) ([]string, error) {
	seen := map[string]struct{}{}
	collect := func(out string) {
		for _, line := range strings.Split(out, "\n") {
			if path := strings.TrimSpace(line); path != "" {
				seen[path] = struct{}{}
			}
		}
	}

	if strings.TrimSpace(baseRef) != "" {
		out, err := g.Run(ctx, dir, "diff", "--name-only", baseRef+"...HEAD")
		if err != nil {
			return nil, fmt.Errorf("diff against %s: %w", baseRef, err)
		}
		collect(out)
	}
	out, err := g.Run(ctx, dir, "diff", "--name-only", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("diff working tree: %w", err)
	}
	collect(out)
	out, err = g.Run(ctx, dir, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, fmt.Errorf("list untracked files: %w", err)
	}
	collect(out)

	files := make([]string, 0, len(seen))
	for path := range seen {
		files = append(files, path)
	}
	sort.Strings(files)
	return files, nil
}

// RevertPaths discards uncommitted changes to paths: tracked files are restored from HEAD and
// untracked files are removed.
func (g *Git) RevertPaths(ctx context.Context, dir string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	entries, err := g.ListChangedEntries(ctx, dir)
	if err != nil {
		return err
	}
	status := make(map[string]ChangedEntry, len(entries))
	for _, entry := range entries {
		status[entry.Path] = entry
	}

	var tracked, untracked []string
	for _, path := range paths {
		entry, ok := status[path]
		if !ok {
			continue
		}
		if entry.Untracked() || strings.HasPrefix(entry.Status, "A") {
			untracked = append(untracked, path)
			continue
		}
		tracked = append(tracked, path)
	}

	var errs []error
	if err := g.RestorePaths(ctx, dir, tracked); err != nil {
		errs = append(errs, err)
	}
	if err := g.CleanPaths(ctx, dir, untracked); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RestorePaths resets tracked paths in the index and working tree to HEAD.
func (g *Git) RestorePaths(ctx context.Context, dir string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"restore", "--source=HEAD", "--staged", "--worktree", "--"}, paths...)
	if _, err := g.Run(ctx, dir, args...); err != nil {
		return fmt.Errorf("restore paths: %w", err)
	}
	return nil
}

// CleanPaths unstages and deletes paths that do not exist in HEAD.
func (g *Git) CleanPaths(ctx context.Context, dir string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	rmArgs := append([]string{"rm", "--cached", "--quiet", "--ignore-unmatch", "-r", "--"}, paths...)
	if _, err := g.Run(ctx, dir, rmArgs...); err != nil {
		return fmt.Errorf("unstage paths: %w", err)
	}
	cleanArgs := append([]string{"clean", "-fd", "--"}, paths...)
	if _, err := g.Run(ctx, dir, cleanArgs...); err != nil {
		return fmt.Errorf("clean paths: %w", err)
	}
	return nil
}
