package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JamesPaynter/efficient-ralph-loop/internal/audit"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/config"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/logging"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/manifest"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/metrics"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/repo"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/run"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/runlock"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/scheduler"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/state"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/status"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/vcs"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/worker"
)

// projectFlags locate the repository, its config, and the project name.
type projectFlags struct {
	project    string
	configFile string
	repoPath   string
}

func (flags *projectFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flags.project, "project", "", "Project name (default: derived from the repository directory)")
	cmd.Flags().StringVar(&flags.configFile, "config", "", "Config file to use instead of .ralph/config.yaml")
	cmd.Flags().StringVar(&flags.repoPath, "repo", "", "Repository path (default: the current directory)")
}

type runFlags struct {
	projectFlags

	runID       string
	tasksDir    string
	metricsFile string
	maxParallel int

	dryRun            bool
	resume            bool
	retryFailed       bool
	noCheckpoints     bool
	stopWorkers       bool
	cleanupWorkspaces bool
}

func (flags *runFlags) bind(cmd *cobra.Command) {
	flags.projectFlags.bind(cmd)
	cmd.Flags().StringVar(&flags.runID, "run-id", "", "Run id (default: new for run, latest for resume)")
	cmd.Flags().StringVar(&flags.tasksDir, "tasks", "", "Task manifest directory (default: tasks_dir from config)")
	cmd.Flags().IntVar(&flags.maxParallel, "max-parallel", 0, "Maximum tasks per batch")
	cmd.Flags().StringVar(&flags.metricsFile, "metrics-file", "", "Write Prometheus metrics to this file when the run ends")
	cmd.Flags().BoolVar(&flags.retryFailed, "retry-failed", false, "On resume, reset failed tasks to pending")
	cmd.Flags().BoolVar(&flags.noCheckpoints, "no-checkpoints", false, "Do not commit a checkpoint after each attempt")
	cmd.Flags().BoolVar(&flags.stopWorkers, "stop-containers-on-exit", false, "Stop in-flight workers when the run is interrupted")
	cmd.Flags().BoolVar(&flags.cleanupWorkspaces, "cleanup-workspaces", false, "Remove task workspaces after their batch merges")
}

// overrides maps explicitly set flags to config keys so they outrank every config layer.
func (flags *runFlags) overrides(cmd *cobra.Command) (map[string]any, error) {
	overrides := map[string]any{}
	changed := cmd.Flags().Changed
	if changed("max-parallel") {
		if flags.maxParallel < 1 {
			return nil, &usageError{err: fmt.Errorf("--max-parallel must be >= 1, got %d", flags.maxParallel)}
		}
		overrides["max_parallel"] = flags.maxParallel
	}
	if changed("tasks") {
		path, err := filepath.Abs(flags.tasksDir)
		if err != nil {
			return nil, fmt.Errorf("resolve --tasks: %w", err)
		}
		overrides["tasks_dir"] = path
	}
	if changed("no-checkpoints") && flags.noCheckpoints {
		overrides["checkpoint_commits"] = false
	}
	if changed("stop-containers-on-exit") {
		overrides["stop_containers_on_exit"] = flags.stopWorkers
	}
	if changed("cleanup-workspaces") {
		overrides["cleanup_workspaces"] = flags.cleanupWorkspaces
	}
	return overrides, nil
}

func (cli *app) runCommand() *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Plan and execute the project's pending tasks",
		Long: `Run loads the task manifests, plans lock-safe batches, and executes them in order.
Each batch merges into the main branch after its integration check passes.

Exit codes: 0 when every task completes, 1 on failure, 130 when stopped by a signal.`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.runProject(cmd, flags)
		},
	}
	flags.bind(cmd)
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Print the batch plan without running anything")
	cmd.Flags().BoolVar(&flags.resume, "resume", false, "Resume the latest (or --run-id) run instead of starting a new one")
	return cmd
}

func (cli *app) resumeCommand() *cobra.Command {
	flags := &runFlags{resume: true}
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a stopped or failed run",
		Long: `Resume reloads a run's state, reopens interrupted tasks, and continues with the
remaining batches. Without --run-id it resumes the project's latest run.`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.runProject(cmd, flags)
		},
	}
	flags.bind(cmd)
	return cmd
}

func (cli *app) planCommand() *cobra.Command {
	flags := &runFlags{dryRun: true}
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the batch plan without running anything (same as run --dry-run)",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.runProject(cmd, flags)
		},
	}
	flags.bind(cmd)
	cmd.Flags().BoolVar(&flags.resume, "resume", false, "Plan what resuming the latest (or --run-id) run would do")
	return cmd
}

// project is a resolved repository with its effective config.
type project struct {
	name   string
	cfg    config.Config
	states state.Repository
}

func (cli *app) loadProject(flags projectFlags, overrides map[string]any) (project, error) {
	root, err := repo.Resolve(flags.repoPath)
	if err != nil {
		return project{}, configError("Repository not found.", err, "Run inside a git repository or pass --repo.")
	}
	if strings.TrimSpace(flags.repoPath) != "" {
		if overrides == nil {
			overrides = map[string]any{}
		}
		overrides["repo_path"] = root
	}
	cfg, err := config.Load(config.Options{
		RepoRoot:   root,
		ConfigFile: flags.configFile,
		Overrides:  overrides,
	}, cli.warn)
	if err != nil {
		return project{}, configError("Configuration is invalid.", err, "Check .ralph/config.yaml, RALPH_* variables, and command-line flags.")
	}
	name := strings.TrimSpace(flags.project)
	if name == "" {
		name = repo.DefaultProject(cfg.RepoPath)
	}
	return project{name: name, cfg: cfg, states: state.NewRepository(cfg.StateDir)}, nil
}

func (cli *app) warn(message string) {
	cli.logger.Warn(message)
}

func (cli *app) runProject(cmd *cobra.Command, flags *runFlags) error {
	overrides, err := flags.overrides(cmd)
	if err != nil {
		return err
	}
	proj, err := cli.loadProject(flags.projectFlags, overrides)
	if err != nil {
		return err
	}
	cfg := proj.cfg

	tasks, err := manifest.LoadTaskDir(cfg.TasksDir, manifest.LoadOptions{
		DefaultDoctor: cfg.Doctor,
		DefaultLint:   cfg.Lint,
		Catalog:       cfg.Catalog(),
		Warn:          cli.warn,
	})
	if err != nil {
		return &run.UserFacingError{
			Code:    run.CodeTask,
			Title:   "Task manifests could not be loaded.",
			Message: err.Error(),
			Hint:    "Each task directory under " + cfg.TasksDir + " needs a valid manifest.json or manifest.toml.",
			Cause:   err,
		}
	}

	runID, err := run.ResolveRunID(proj.states, proj.name, flags.runID, flags.resume, time.Now())
	if err != nil {
		return err
	}
	logger := cli.logger.With(logging.RunFields(proj.name, runID)...)

	var events audit.Sink = audit.Discard
	if !flags.dryRun {
		lock, err := runlock.Acquire(cfg.StateDir, proj.name, runID)
		if err != nil {
			if errors.Is(err, runlock.ErrLockHeld) {
				return &run.UserFacingError{
					Code:    run.CodeState,
					Title:   "Another run holds the project lock.",
					Message: err.Error(),
					Hint:    "Wait for that run to finish or stop it, then resume.",
					Cause:   err,
				}
			}
			return err
		}
		defer func() {
			if err := lock.Release(); err != nil {
				logger.Warn("release run lock", zap.Error(err))
			}
		}()
		if held := lock.Recovered; held != nil {
			logger.Warn("recovered run lock left by an exited process",
				zap.Int("previous_pid", held.PID),
				zap.String("previous_run_id", held.RunID),
			)
		}

		eventLog, err := audit.NewLogger(audit.RunLogDir(cfg.LogsDir, proj.name, runID), runID, audit.Options{
			Warnings: cli.stderr,
			Console:  logger,
		})
		if err != nil {
			return fmt.Errorf("open event log: %w", err)
		}
		logger.Debug("event log", zap.String("path", eventLog.Path()))
		events = eventLog
	}

	git := vcs.New(logger)
	runner := worker.ShellRunner{}
	recorder := metrics.New()
	timeouts := worker.Timeouts{
		Agent:  cfg.Timeouts.AgentTimeout(),
		Lint:   cfg.Timeouts.LintTimeout(),
		Doctor: cfg.Timeouts.DoctorTimeout(),
		Fast:   cfg.Timeouts.FastTimeout(),
	}
	engine, err := run.New(run.Deps{
		Workers: &run.LocalWorkers{
			WorkspacesDir: cfg.WorkspacesDir,
			LogsDir:       cfg.LogsDir,
			Git:           git,
			Agent: worker.CommandAgent{
				Command: cfg.Agent.AgentCommand(),
				Model:   cfg.Agent.Model,
				Timeout: timeouts.Agent,
			},
			Runner:            runner,
			Events:            events,
			Logger:            logger,
			Bootstrap:         cfg.Bootstrap,
			BootstrapTimeout:  cfg.Timeouts.BootstrapTimeout(),
			LintCommand:       cfg.Lint,
			DoctorCommand:     cfg.Doctor,
			MaxRetries:        cfg.MaxRetries,
			Timeouts:          timeouts,
			CheckpointCommits: cfg.CheckpointCommits,
			UserName:          cfg.Git.UserName,
			UserEmail:         cfg.Git.UserEmail,
		},
		VCS:       git,
		Validator: run.ShellValidator{Git: git, Runner: runner},
		States:    proj.states,
		Log:       events,
		Metrics:   recorder,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := cli.withStopSignals(cmd.Context())
	defer stop()
	result, err := engine.Run(ctx, run.Options{
		Project:                  proj.name,
		RepoPath:                 cfg.RepoPath,
		MainBranch:               cfg.MainBranch,
		Tasks:                    tasks,
		RunID:                    runID,
		Resume:                   flags.resume,
		RetryFailed:              flags.retryFailed,
		DryRun:                   flags.dryRun,
		MaxParallel:              cfg.MaxParallel,
		BranchPrefix:             cfg.BranchPrefix,
		CompliancePolicy:         cfg.Policy(),
		Catalog:                  cfg.Catalog(),
		FallbackResource:         cfg.FallbackResource,
		IntegrationDoctor:        cfg.IntegrationDoctor,
		IntegrationDoctorTimeout: cfg.Timeouts.DoctorTimeout(),
		StopWorkersOnExit:        cfg.StopWorkersOnExit,
		CleanupWorkspaces:        cfg.CleanupWorkspaces,
		CostPer1KTokens:          cfg.CostPer1KTokens,
	})
	if flags.metricsFile != "" && !flags.dryRun {
		if err := recorder.WriteTextfile(flags.metricsFile); err != nil {
			logger.Warn("write metrics file", zap.String("path", flags.metricsFile), zap.Error(err))
		}
	}
	if err != nil {
		return err
	}
	cli.printResult(result, proj.name, tasks)
	cli.exitCode = exitCodeFor(result)
	return nil
}

func (cli *app) printResult(result run.Result, projectName string, tasks []manifest.Task) {
	switch {
	case result.DryRun:
		fmt.Fprint(cli.stdout, scheduler.FormatDryRun(result.RunID, result.Plan))
		if len(result.Skipped) > 0 {
			fmt.Fprintf(cli.stdout, "Skipped: %s\n", strings.Join(result.Skipped, ", "))
		}
		if isTerminal(cli.stdout) && len(result.Plan.Batches) > 0 {
			fmt.Fprintln(cli.stdout, scheduler.PlanTable(result.Plan, manifest.Manifests(tasks)))
		}
	case result.Stopped != nil:
		fmt.Fprintf(cli.stdout, "Run %s stopped by %s. Resume with: ralph resume --project %s --run-id %s\n",
			result.RunID, result.Stopped.Signal, projectName, result.RunID)
	default:
		report := status.Build(result.State, time.Now())
		if isTerminal(cli.stdout) {
			fmt.Fprintln(cli.stdout, report.Styled())
		} else {
			fmt.Fprintln(cli.stdout, report.String())
		}
		fmt.Fprintf(cli.stdout, "Run %s %s.\n", result.RunID, result.Status)
	}
}

func exitCodeFor(result run.Result) int {
	switch {
	case result.DryRun:
		return exitOK
	case result.Stopped != nil:
		return exitStopped
	case result.Status == state.RunComplete:
		return exitOK
	}
	return exitFailure
}

// withStopSignals cancels the returned context on the first SIGINT or SIGTERM, recording the
// signal as the cancel cause. A second signal exits immediately with 130.
func (cli *app) withStopSignals(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(parent)
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		received := 0
		for {
			select {
			case sig := <-signals:
				received++
				name := signalName(sig)
				if received > 1 {
					cli.logger.Warn("second signal received, exiting without waiting", zap.String("signal", name))
					cli.exit(exitStopped)
					return
				}
				cli.logger.Warn("stop requested, finishing at the next boundary", zap.String("signal", name))
				cancel(&run.StopRequest{Signal: name})
			case <-done:
				return
			}
		}
	}()
	return ctx, func() {
		signal.Stop(signals)
		close(done)
		cancel(nil)
	}
}

func signalName(sig os.Signal) string {
	switch sig {
	case os.Interrupt:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	}
	return sig.String()
}
