// Package workspace manages the per-task isolated clones that agents work in.
package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/JamesPaynter/efficient-ralph-loop/internal/vcs"
)

const (
	// InternalDirName holds worker state, attempt summaries, and prompts inside a workspace.
	InternalDirName = ".ralph"
	// metadataFileName records how the workspace was created.
	metadataFileName = "workspace.json"
	// workspaceDirMode defines permissions for workspace directories.
	workspaceDirMode = 0o755
	// taskDirPrefix prefixes per-task workspace directories.
	taskDirPrefix = "task-"
)

// RunDir returns <workspacesDir>/<project>/run-<runID>.
func RunDir(workspacesDir string, project string, runID string) string {
	return filepath.Join(workspacesDir, project, "run-"+runID)
}

// Manager coordinates creation and reuse of task workspaces for one run.
type Manager struct {
	root string
	git  *vcs.Git
	now  func() time.Time
}

// Spec defines the inputs needed to locate or create a task workspace.
type Spec struct {
	TaskID     string
	Branch     string
	RepoPath   string
	MainBranch string
	UserName   string
	UserEmail  string
}

// Workspace captures the resolved workspace location and whether it was reused.
type Workspace struct {
	TaskID  string
	Path    string
	Branch  string
	BaseSHA string
	Reused  bool
}

type metadata struct {
	TaskID    string `json:"task_id"`
	Branch    string `json:"branch"`
	BaseSHA   string `json:"base_sha"`
	CreatedAt string `json:"created_at"`
}

// NewManager constructs a Manager rooted at the run's workspace directory.
func NewManager(root string, git *vcs.Git) (*Manager, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("workspace root is required")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve absolute workspace root %s: %w", root, err)
	}
	if git == nil {
		git = vcs.New(nil)
	}
	return &Manager{root: absRoot, git: git, now: time.Now}, nil
}

// Root returns the run workspace directory.
func (manager *Manager) Root() string {
	return manager.root
}

// Path returns the deterministic workspace path for a task.
func (manager *Manager) Path(taskID string) (string, error) {
	if err := validateTaskID(taskID); err != nil {
		return "", err
	}
	return filepath.Join(manager.root, taskDirPrefix+taskID), nil
}

// Ensure returns the task workspace, cloning the repository and cutting the task branch from
// main when it does not exist yet. An existing workspace must be a clone on the task branch.
func (manager *Manager) Ensure(ctx context.Context, spec Spec) (Workspace, error) {
	if strings.TrimSpace(spec.Branch) == "" {
		return Workspace{}, errors.New("branch is required")
	}
	if strings.TrimSpace(spec.RepoPath) == "" {
		return Workspace{}, errors.New("repo path is required")
	}
	if strings.TrimSpace(spec.MainBranch) == "" {
		return Workspace{}, errors.New("main branch is required")
	}
	path, err := manager.Path(spec.TaskID)
	if err != nil {
		return Workspace{}, err
	}

	exists, err := pathExists(path)
	if err != nil {
		return Workspace{}, err
	}
	if exists {
		return manager.reuse(ctx, spec, path)
	}

	if err := os.MkdirAll(manager.root, workspaceDirMode); err != nil {
		return Workspace{}, fmt.Errorf("create workspace directory %s: %w", manager.root, err)
	}
	baseSHA, err := manager.git.ResolveRef(ctx, spec.RepoPath, spec.MainBranch)
	if err != nil {
		return Workspace{}, err
	}
	if _, err := manager.git.Run(ctx, manager.root, "clone", "--quiet", spec.RepoPath, path); err != nil {
		return Workspace{}, fmt.Errorf("clone %s into %s: %w", spec.RepoPath, path, err)
	}
	if err := manager.git.CheckoutNewBranch(ctx, path, spec.Branch, baseSHA); err != nil {
		_ = os.RemoveAll(path)
		return Workspace{}, err
	}
	if err := manager.git.EnsureGitIdentity(ctx, path, spec.UserName, spec.UserEmail); err != nil {
		return Workspace{}, err
	}
	if err := excludeInternalDir(path); err != nil {
		return Workspace{}, err
	}
	meta := metadata{
		TaskID:    spec.TaskID,
		Branch:    spec.Branch,
		BaseSHA:   baseSHA,
		CreatedAt: manager.now().UTC().Format(time.RFC3339),
	}
	if err := writeMetadata(path, meta); err != nil {
		return Workspace{}, err
	}
	return Workspace{TaskID: spec.TaskID, Path: path, Branch: spec.Branch, BaseSHA: baseSHA}, nil
}

// Exists reports whether a task workspace survived on disk.
func (manager *Manager) Exists(taskID string) (bool, error) {
	path, err := manager.Path(taskID)
	if err != nil {
		return false, err
	}
	return pathExists(path)
}

// Remove deletes a task workspace. Missing workspaces are treated as success.
func (manager *Manager) Remove(taskID string) error {
	path, err := manager.Path(taskID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove workspace %s: %w", path, err)
	}
	return nil
}

// reuse validates an existing workspace and restores its recorded base sha.
func (manager *Manager) reuse(ctx context.Context, spec Spec, path string) (Workspace, error) {
	current, err := manager.git.CurrentBranch(ctx, path)
	if err != nil {
		return Workspace{}, fmt.Errorf("verify workspace %s: %w", path, err)
	}
	if current != spec.Branch {
		return Workspace{}, fmt.Errorf("workspace at %s is on branch %q, expected %q", path, current, spec.Branch)
	}
	meta, ok, err := readMetadata(path)
	if err != nil {
		return Workspace{}, err
	}
	baseSHA := meta.BaseSHA
	if !ok || baseSHA == "" {
		baseSHA, err = manager.git.ResolveRef(ctx, path, "origin/"+spec.MainBranch)
		if err != nil {
			return Workspace{}, err
		}
	}
	return Workspace{TaskID: spec.TaskID, Path: path, Branch: spec.Branch, BaseSHA: baseSHA, Reused: true}, nil
}

// excludeInternalDir keeps .ralph out of git status inside the clone.
func excludeInternalDir(path string) error {
	excludePath := filepath.Join(path, ".git", "info", "exclude")
	if err := os.MkdirAll(filepath.Dir(excludePath), workspaceDirMode); err != nil {
		return fmt.Errorf("create git info directory: %w", err)
	}
	file, err := os.OpenFile(excludePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", excludePath, err)
	}
	if _, err := file.WriteString("\n/" + InternalDirName + "/\n"); err != nil {
		_ = file.Close()
		return fmt.Errorf("write %s: %w", excludePath, err)
	}
	return file.Close()
}

func metadataPath(workspacePath string) string {
	return filepath.Join(workspacePath, InternalDirName, metadataFileName)
}

func readMetadata(workspacePath string) (metadata, bool, error) {
	path := metadataPath(workspacePath)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return metadata{}, false, nil
		}
		return metadata{}, false, fmt.Errorf("read metadata %s: %w", path, err)
	}
	var meta metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return metadata{}, false, fmt.Errorf("decode metadata %s: %w", path, err)
	}
	return meta, true, nil
}

func writeMetadata(workspacePath string, meta metadata) error {
	path := metadataPath(workspacePath)
	if err := os.MkdirAll(filepath.Dir(path), workspaceDirMode); err != nil {
		return fmt.Errorf("create metadata directory %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata %s: %w", path, err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write metadata %s: %w", path, err)
	}
	return nil
}

// pathExists reports whether the path exists on disk.
func pathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat path %s: %w", path, err)
}

// validateTaskID ensures the task id is safe for filesystem use.
func validateTaskID(taskID string) error {
	if strings.TrimSpace(taskID) == "" {
		return errors.New("task id is required")
	}
	if strings.Contains(taskID, "/") || strings.Contains(taskID, "\\") {
		return fmt.Errorf("task id %q must not contain path separators", taskID)
	}
	if strings.Contains(taskID, "..") {
		return fmt.Errorf("task id %q must not contain '..'", taskID)
	}
	return nil
}
