package run

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JamesPaynter/efficient-ralph-loop/internal/audit"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/vcs"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/worker"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/workspace"
)

// LocalWorkers runs attempt loops in per-task clones on the local machine.
type LocalWorkers struct {
	WorkspacesDir string
	LogsDir       string
	Git           *vcs.Git
	Agent         worker.Agent
	Runner        worker.CommandRunner
	Events        audit.Sink
	Logger        *zap.Logger

	Bootstrap        []string
	BootstrapTimeout time.Duration

	LintCommand       string
	DoctorCommand     string
	MaxRetries        int
	Timeouts          worker.Timeouts
	CheckpointCommits bool
	Env               map[string]string

	UserName  string
	UserEmail string

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// Prepare clones or reuses the task workspace. Fresh workspaces run the bootstrap commands and
// are removed again when bootstrap fails, so the next attempt starts clean. A clone or bootstrap
// already underway is not interrupted by cancelling ctx.
func (workers *LocalWorkers) Prepare(ctx context.Context, input PrepareInput) (PreparedTask, error) {
	manager, err := workers.manager(input.Project, input.RunID)
	if err != nil {
		return PreparedTask{}, err
	}
	ctx = context.WithoutCancel(ctx)
	ws, err := manager.Ensure(ctx, workspace.Spec{
		TaskID:     input.Task.Manifest.ID,
		Branch:     input.Branch,
		RepoPath:   input.RepoPath,
		MainBranch: input.MainBranch,
		UserName:   workers.UserName,
		UserEmail:  workers.UserEmail,
	})
	if err != nil {
		return PreparedTask{}, err
	}
	prepared := PreparedTask{Workspace: ws.Path, BaseSHA: ws.BaseSHA, Reused: ws.Reused}
	if ws.Reused || len(workers.Bootstrap) == 0 {
		return prepared, nil
	}

	_, err = worker.RunBootstrap(ctx, workers.runner(), worker.BootstrapRequest{
		TaskID:   ws.TaskID,
		Dir:      ws.Path,
		Commands: workers.Bootstrap,
		Timeout:  workers.BootstrapTimeout,
		Env:      workers.Env,
	}, workers.events())
	if err != nil {
		if removeErr := manager.Remove(ws.TaskID); removeErr != nil {
			workers.logger().Warn("remove workspace after bootstrap failure", zap.Error(removeErr))
		}
		return PreparedTask{}, err
	}
	return prepared, nil
}

// RunAttempt runs the task's attempt loop until it completes, fails, or is stopped. Cancelling
// ctx stops the loop at its next stage boundary; Stop also kills the running agent or command.
func (workers *LocalWorkers) RunAttempt(ctx context.Context, input AttemptInput) (worker.Outcome, error) {
	if workers.Agent == nil {
		return worker.Outcome{Status: worker.OutcomeFailed}, errors.New("agent is required")
	}
	abort, cancel := context.WithCancel(context.WithoutCancel(ctx))
	key := input.RunID + "/" + input.Task.Manifest.ID
	workers.track(key, cancel)
	defer func() {
		workers.untrack(key)
		cancel()
	}()

	git := workers.Git
	if git == nil {
		git = vcs.New(workers.logger())
	}
	loop := &worker.Loop{
		Agent:  workers.Agent,
		Runner: workers.runner(),
		Git:    git,
		Events: workers.events(),
		Logger: workers.logger(),
		Abort:  abort,
	}
	return loop.Run(ctx, worker.Config{
		Manifest:          input.Task.Manifest,
		Spec:              input.Task.Spec,
		ManifestPath:      input.Task.ManifestPath,
		Workdir:           input.Workspace,
		Branch:            input.Branch,
		BaseRef:           input.BaseSHA,
		LintCommand:       workers.LintCommand,
		DoctorCommand:     workers.DoctorCommand,
		MaxRetries:        workers.MaxRetries,
		Timeouts:          workers.Timeouts,
		CheckpointCommits: workers.CheckpointCommits,
		Env:               workers.Env,
		RunLogsDir:        audit.RunLogDir(workers.LogsDir, input.Project, input.RunID),
	})
}

// Stop aborts every attempt loop still active for the run, killing in-flight processes.
func (workers *LocalWorkers) Stop(_ context.Context, input StopInput) (StopResult, error) {
	workers.mu.Lock()
	defer workers.mu.Unlock()
	stopped := 0
	prefix := input.RunID + "/"
	for key, cancel := range workers.active {
		if strings.HasPrefix(key, prefix) {
			cancel()
			delete(workers.active, key)
			stopped++
		}
	}
	return StopResult{Stopped: stopped}, nil
}

// Cleanup removes a finished task's workspace.
func (workers *LocalWorkers) Cleanup(_ context.Context, input CleanupInput) error {
	manager, err := workers.manager(input.Project, input.RunID)
	if err != nil {
		return err
	}
	return manager.Remove(input.TaskID)
}

func (workers *LocalWorkers) manager(project string, runID string) (*workspace.Manager, error) {
	if workers.WorkspacesDir == "" {
		return nil, errors.New("workspaces directory is required")
	}
	if project == "" || runID == "" {
		return nil, fmt.Errorf("project and run id are required (project=%q run=%q)", project, runID)
	}
	return workspace.NewManager(workspace.RunDir(workers.WorkspacesDir, project, runID), workers.Git)
}

func (workers *LocalWorkers) track(key string, cancel context.CancelFunc) {
	workers.mu.Lock()
	defer workers.mu.Unlock()
	if workers.active == nil {
		workers.active = map[string]context.CancelFunc{}
	}
	workers.active[key] = cancel
}

func (workers *LocalWorkers) untrack(key string) {
	workers.mu.Lock()
	defer workers.mu.Unlock()
	delete(workers.active, key)
}

func (workers *LocalWorkers) runner() worker.CommandRunner {
	if workers.Runner == nil {
		return worker.ShellRunner{}
	}
	return workers.Runner
}

func (workers *LocalWorkers) events() audit.Sink {
	if workers.Events == nil {
		return audit.Discard
	}
	return workers.Events
}

func (workers *LocalWorkers) logger() *zap.Logger {
	if workers.Logger == nil {
		return zap.NewNop()
	}
	return workers.Logger
}
