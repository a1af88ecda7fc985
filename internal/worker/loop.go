package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JamesPaynter/efficient-ralph-loop/internal/audit"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/manifest"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/vcs"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/workspace"
)

// Stage names a step of the attempt state machine.
type Stage string

const (
	StageTDDStageA      Stage = "stage_a"
	StageImplementation Stage = "implementation"
	StageCheckpoint     Stage = "checkpoint"
	StageLint           Stage = "lint"
	StageDoctor         Stage = "doctor"
	StageFast           Stage = "fast"
	StageCommit         Stage = "commit"
	StageComplete       Stage = "complete"
)

// OutcomeStatus is the terminal result of a loop run.
type OutcomeStatus string

const (
	OutcomeComplete OutcomeStatus = "complete"
	OutcomeFailed   OutcomeStatus = "failed"
	OutcomeStopped  OutcomeStatus = "stopped"
)

// Timeouts bounds each external command. Zero means no limit.
type Timeouts struct {
	Agent  time.Duration
	Lint   time.Duration
	Doctor time.Duration
	Fast   time.Duration
}

// Config is everything one task needs to run its attempts.
type Config struct {
	Manifest     manifest.Manifest
	Spec         string
	ManifestPath string
	Workdir      string
	Branch       string
	// BaseRef is the commit the task branch started from; changed files are listed against it.
	BaseRef string
	// LintCommand and DoctorCommand are used when the manifest does not declare its own.
	LintCommand       string
	DoctorCommand     string
	MaxRetries        int
	Timeouts          Timeouts
	CheckpointCommits bool
	Env               map[string]string
	RunLogsDir        string
}

func (cfg Config) lintCommand() string {
	if strings.TrimSpace(cfg.Manifest.Verify.Lint) != "" {
		return cfg.Manifest.Verify.Lint
	}
	return strings.TrimSpace(cfg.LintCommand)
}

func (cfg Config) doctorCommand() string {
	if strings.TrimSpace(cfg.Manifest.Verify.Doctor) != "" {
		return cfg.Manifest.Verify.Doctor
	}
	return strings.TrimSpace(cfg.DoctorCommand)
}

func (cfg Config) fastCommand() string {
	return strings.TrimSpace(cfg.Manifest.Verify.Fast)
}

// Outcome summarizes a finished loop run.
type Outcome struct {
	Status       OutcomeStatus
	Attempts     int
	LastStage    Stage
	ThreadID     string
	Checkpoints  []Checkpoint
	Usage        Usage
	ChangedFiles []string
	CommitSHA    string
}

// Loop drives a task through Stage A, implementation, lint, doctor, and commit with bounded retries.
type Loop struct {
	Agent  Agent
	Runner CommandRunner
	Git    *vcs.Git
	Events EventSink
	Logger *zap.Logger
	Now    func() time.Time
	// Abort kills in-flight agent turns and commands when done. Cancelling the ctx passed to Run
	// only stops the loop at the next stage boundary.
	Abort context.Context
}

// Run executes attempts until the task completes, exhausts its retries, or ctx is cancelled.
// Cancellation is observed between stages; an agent turn or command already running finishes
// first unless Abort fires. Progress is persisted in the workspace so a later Run resumes at
// the next attempt.
// A failed outcome is always paired with a non-nil error; stopped and complete return nil.
func (loop *Loop) Run(ctx context.Context, cfg Config) (Outcome, error) {
	if err := loop.validate(cfg); err != nil {
		return Outcome{Status: OutcomeFailed}, err
	}
	now := loop.Now
	if now == nil {
		now = time.Now
	}
	store, err := OpenStateStore(cfg.Workdir, now)
	if err != nil {
		return Outcome{Status: OutcomeFailed}, err
	}
	events := loop.Events
	if events == nil {
		events = audit.Discard
	}
	logger := loop.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	task := &taskRun{
		loop:     loop,
		cfg:      cfg,
		store:    store,
		events:   events,
		logger:   logger.With(zap.String("task_id", cfg.Manifest.ID)),
		now:      now,
		attempt:  store.NextAttempt(),
		threadID: store.ThreadID(),
	}
	return task.run(ctx)
}

func (loop *Loop) validate(cfg Config) error {
	if loop.Agent == nil {
		return errors.New("agent is required")
	}
	if loop.Runner == nil {
		return errors.New("command runner is required")
	}
	if loop.Git == nil {
		return errors.New("git is required")
	}
	if strings.TrimSpace(cfg.Manifest.ID) == "" {
		return errors.New("task id is required")
	}
	if strings.TrimSpace(cfg.Workdir) == "" {
		return errors.New("work directory is required")
	}
	if cfg.doctorCommand() == "" {
		return errors.New("doctor command is required")
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("max retries must be non-negative (received %d)", cfg.MaxRetries)
	}
	return nil
}

// taskRun holds the mutable state of one Run call.
type taskRun struct {
	loop *Loop
	cfg  Config
	// stop is the caller's context; calls carries external calls and is cancelled only by Abort.
	stop   context.Context
	calls  context.Context
	store  *StateStore
	events EventSink
	logger *zap.Logger
	now    func() time.Time

	attempt      int
	lastAttempt  int
	stage        Stage
	threadID     string
	resumeLogged bool
	usage        Usage
	lastSummary  string
	fastOutput   string
	changed      []string
	commitSHA    string
}

func (task *taskRun) run(ctx context.Context) (Outcome, error) {
	calls, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	if task.loop.Abort != nil {
		release := context.AfterFunc(task.loop.Abort, cancel)
		defer release()
	}
	task.stop = ctx
	task.calls = calls

	task.emit(audit.EventWorkerStart,
		audit.F("branch", task.cfg.Branch),
		audit.F("max_retries", task.cfg.MaxRetries),
		audit.F("next_attempt", task.attempt),
	)
	if !task.withinLimit(task.attempt) {
		return task.exhausted()
	}
	if task.cfg.Manifest.IsStrictTDD() {
		outcome, done, err := task.runStageA(calls)
		if done {
			return outcome, err
		}
	}
	return task.runImplementation(calls)
}

// stopRequested reports whether the loop must stop at the current stage boundary.
func (task *taskRun) stopRequested() bool {
	return task.stop.Err() != nil || task.calls.Err() != nil
}

func (task *taskRun) withinLimit(attempt int) bool {
	return task.cfg.MaxRetries == 0 || attempt <= task.cfg.MaxRetries
}

// runStageA runs the failing-test stage. done is true when the loop must return the outcome.
func (task *taskRun) runStageA(ctx context.Context) (Outcome, bool, error) {
	if reason := manifest.StrictTDDSkipReason(task.cfg.Manifest); reason != "" {
		task.emit(audit.EventTDDStageSkip, audit.F("stage", "A"), audit.F("reason", reason))
		return Outcome{}, false, nil
	}
	if task.store.Snapshot().StageAPassed {
		task.emit(audit.EventTDDStageSkip, audit.F("stage", "A"), audit.F("reason", "already_passed"))
		return Outcome{}, false, nil
	}

	task.emit(audit.EventTDDStageStart, audit.F("stage", "A"), audit.F("mode", "strict"))
	for ; task.withinLimit(task.attempt); task.attempt++ {
		if task.stopRequested() {
			return task.stopped(), true, nil
		}
		if err := task.startAttempt(StageTDDStageA); err != nil {
			outcome, failErr := task.fail(err)
			return outcome, true, failErr
		}
		kind := PromptKindInitial
		if task.lastSummary != "" {
			kind = PromptKindRetry
		}
		summary := AttemptSummary{
			Attempt:    task.attempt,
			Phase:      PhaseStageA,
			Stage:      StageTDDStageA,
			PromptKind: kind,
			Commands:   map[string]CommandSummary{},
		}

		prompt, err := buildStageAPrompt(task.cfg, task.lastSummary)
		if err != nil {
			outcome, failErr := task.fail(err)
			return outcome, true, failErr
		}
		if err := task.runAgent(ctx, prompt, &summary); err != nil {
			if task.stopRequested() {
				return task.stopped(), true, nil
			}
			task.logger.Warn("stage A agent turn failed", zap.Int("attempt", task.attempt), zap.Error(err))
			if err := task.retry(&summary, ReasonCodexError); err != nil {
				outcome, failErr := task.fail(err)
				return outcome, true, failErr
			}
			continue
		}

		changed, err := task.changedFiles(ctx, "")
		if err != nil {
			outcome, failErr := task.fail(err)
			return outcome, true, failErr
		}
		summary.ChangedFiles = changed
		nonTest := make([]string, 0)
		for _, file := range changed {
			if !manifest.MatchAny(task.cfg.Manifest.TestPaths, file) {
				nonTest = append(nonTest, file)
			}
		}
		if len(nonTest) > 0 {
			if err := task.loop.Git.RevertPaths(ctx, task.cfg.Workdir, nonTest); err != nil {
				task.emit(audit.EventRevertFailed, audit.F("files", nonTest), audit.F("error", err))
				outcome, failErr := task.fail(err)
				return outcome, true, failErr
			}
			summary.NonTestChanges = nonTest
			if err := task.retry(&summary, ReasonNonTestChanges); err != nil {
				outcome, failErr := task.fail(err)
				return outcome, true, failErr
			}
			continue
		}

		fast := task.cfg.fastCommand()
		result, err := task.runCommand(ctx, fast, task.cfg.Timeouts.Fast)
		if err != nil && task.stopRequested() {
			return task.stopped(), true, nil
		}
		summary.Commands[string(StageFast)] = summarizeCommand(fast, result)
		if err != nil || result.TimedOut {
			task.emit(audit.EventTDDStageFail,
				audit.F("stage", "A"),
				audit.F("reason", ReasonFastError),
				audit.F("error", verificationError(StageFast, fast, result, err)),
			)
			if err := task.retry(&summary, ReasonFastError); err != nil {
				outcome, failErr := task.fail(err)
				return outcome, true, failErr
			}
			continue
		}
		if result.ExitCode == 0 {
			task.emit(audit.EventTDDStageFail, audit.F("stage", "A"), audit.F("reason", ReasonFastPassed))
			if err := task.retry(&summary, ReasonFastPassed); err != nil {
				outcome, failErr := task.fail(err)
				return outcome, true, failErr
			}
			continue
		}

		task.fastOutput = result.Output()
		summary.Status = AttemptPassed
		text, err := writeAttemptSummary(task.cfg.Workdir, summary, task.now())
		if err != nil {
			outcome, failErr := task.fail(err)
			return outcome, true, failErr
		}
		task.lastSummary = text
		task.emit(audit.EventTDDStagePass, audit.F("stage", "A"), audit.F("fast_exit_code", result.ExitCode))
		if err := task.checkpoint(ctx); err != nil {
			outcome, failErr := task.fail(err)
			return outcome, true, failErr
		}
		if err := task.store.RecordStageAPassed(); err != nil {
			outcome, failErr := task.fail(err)
			return outcome, true, failErr
		}
		task.attempt++
		return Outcome{}, false, nil
	}

	task.emit(audit.EventTDDStageFail, audit.F("stage", "A"), audit.F("reason", "max_retries"))
	outcome, err := task.exhausted()
	return outcome, true, err
}

// runImplementation runs implementation attempts until doctor passes or retries run out.
func (task *taskRun) runImplementation(ctx context.Context) (Outcome, error) {
	strict := task.cfg.Manifest.IsStrictTDD()
	if strict {
		task.emit(audit.EventTDDStageStart, audit.F("stage", "B"), audit.F("mode", "strict"))
	}

	var failure *lastFailure
	for ; task.withinLimit(task.attempt); task.attempt++ {
		if task.stopRequested() {
			return task.stopped(), nil
		}
		if err := task.startAttempt(StageImplementation); err != nil {
			return task.fail(err)
		}
		prompt, kind, err := buildImplementationPrompt(task.cfg, failure, task.attempt-1, task.lastSummary, task.fastOutput, task.threadID)
		if err != nil {
			return task.fail(err)
		}
		summary := AttemptSummary{
			Attempt:    task.attempt,
			Phase:      PhaseImplementation,
			Stage:      StageImplementation,
			PromptKind: kind,
			Commands:   map[string]CommandSummary{},
		}

		if err := task.runAgent(ctx, prompt, &summary); err != nil {
			if task.stopRequested() {
				return task.stopped(), nil
			}
			task.logger.Warn("agent turn failed", zap.Int("attempt", task.attempt), zap.Error(err))
			failure = &lastFailure{Kind: "agent", Output: err.Error()}
			if err := task.retry(&summary, ReasonAgentError); err != nil {
				return task.fail(err)
			}
			continue
		}

		changed, err := task.changedFiles(ctx, task.cfg.BaseRef)
		if err != nil {
			return task.fail(err)
		}
		task.changed = changed
		summary.ChangedFiles = changed
		summary.ScopeDivergence = scopeDivergence(changed, task.cfg.Manifest.Files.Writes)
		if summary.ScopeDivergence != nil {
			task.emit(audit.EventScopeDivergence, audit.F("files", summary.ScopeDivergence.OutOfScopeFiles))
		}

		if task.stopRequested() {
			return task.stopped(), nil
		}
		task.setStage(StageCheckpoint)
		if err := task.checkpoint(ctx); err != nil {
			return task.fail(err)
		}

		if lint := task.cfg.lintCommand(); lint != "" {
			if task.stopRequested() {
				return task.stopped(), nil
			}
			task.setStage(StageLint)
			summary.Stage = StageLint
			passed, output, err := task.verify(ctx, StageLint, lint, task.cfg.Timeouts.Lint, &summary)
			if err != nil {
				return task.stopped(), nil
			}
			if !passed {
				failure = &lastFailure{Kind: "lint", Output: output}
				if err := task.retry(&summary, ReasonLintFailed); err != nil {
					return task.fail(err)
				}
				continue
			}
		}

		if task.stopRequested() {
			return task.stopped(), nil
		}
		task.setStage(StageDoctor)
		summary.Stage = StageDoctor
		doctor := task.cfg.doctorCommand()
		passed, output, err := task.verify(ctx, StageDoctor, doctor, task.cfg.Timeouts.Doctor, &summary)
		if err != nil {
			return task.stopped(), nil
		}
		if !passed {
			failure = &lastFailure{Kind: "doctor", Output: output}
			if err := task.retry(&summary, ReasonDoctorFailed); err != nil {
				return task.fail(err)
			}
			continue
		}

		if task.stopRequested() {
			return task.stopped(), nil
		}
		task.setStage(StageCommit)
		summary.Stage = StageCommit
		if err := task.finalize(ctx); err != nil {
			return task.fail(err)
		}

		task.setStage(StageComplete)
		summary.Stage = StageComplete
		summary.Status = AttemptComplete
		if _, err := writeAttemptSummary(task.cfg.Workdir, summary, task.now()); err != nil {
			return task.fail(err)
		}
		task.emit(audit.EventTaskComplete,
			audit.F("attempts", task.attempt),
			audit.F("tokens", task.usage.Total()),
		)
		return task.outcome(OutcomeComplete), nil
	}

	if strict {
		task.emit(audit.EventTDDStageFail, audit.F("stage", "B"), audit.F("reason", "max_retries"))
	}
	return task.exhausted()
}

// startAttempt persists the attempt number before any work so a crash resumes after it.
func (task *taskRun) startAttempt(stage Stage) error {
	if err := task.store.RecordAttemptStart(task.attempt); err != nil {
		return err
	}
	task.lastAttempt = task.attempt
	task.setStage(stage)
	return nil
}

func (task *taskRun) setStage(stage Stage) {
	task.stage = stage
	task.logger.Debug("task stage", zap.String("stage", string(stage)), zap.Int("attempt", task.attempt))
	task.emit(audit.EventTaskStage, audit.F("stage", string(stage)))
}

// runAgent runs one turn, tracking the session id and token usage.
func (task *taskRun) runAgent(ctx context.Context, prompt string, summary *AttemptSummary) error {
	if task.threadID != "" && !task.resumeLogged {
		task.emit(audit.EventThreadResumed, audit.F("thread_id", task.threadID))
		task.resumeLogged = true
	}

	turnCtx := ctx
	cancel := func() {}
	if task.cfg.Timeouts.Agent > 0 {
		turnCtx, cancel = context.WithTimeout(ctx, task.cfg.Timeouts.Agent)
	}
	defer cancel()

	task.emit(audit.EventTurnStart, audit.F("prompt_kind", summary.PromptKind))
	result, err := task.loop.Agent.RunTurn(turnCtx, TurnRequest{
		Prompt:   prompt,
		ThreadID: task.threadID,
		Workdir:  task.cfg.Workdir,
		TaskID:   task.cfg.Manifest.ID,
		Attempt:  task.attempt,
	}, task.events)
	summary.Usage = result.Usage
	task.usage = task.usage.Add(result.Usage)

	if result.ThreadID != "" && result.ThreadID != task.threadID {
		task.threadID = result.ThreadID
		task.resumeLogged = true
		if recordErr := task.store.RecordThreadID(result.ThreadID); recordErr != nil {
			task.logger.Warn("persist thread id", zap.Error(recordErr))
		}
		task.emit(audit.EventThreadStarted, audit.F("thread_id", result.ThreadID))
	}
	if err != nil {
		return err
	}
	if !result.Success {
		return errors.New("agent turn did not succeed")
	}
	task.emit(audit.EventTurnComplete,
		audit.F("input_tokens", result.Usage.InputTokens),
		audit.F("output_tokens", result.Usage.OutputTokens),
	)
	return nil
}

// verify runs a lint or doctor command. err is non-nil only when the call was aborted.
func (task *taskRun) verify(ctx context.Context, stage Stage, command string, timeout time.Duration, summary *AttemptSummary) (bool, string, error) {
	result, runErr := task.runCommand(ctx, command, timeout)
	if runErr != nil && ctx.Err() != nil {
		return false, "", ctx.Err()
	}
	summary.Commands[string(stage)] = summarizeCommand(command, result)

	passEvent, failEvent := audit.EventLintPass, audit.EventLintFail
	if stage == StageDoctor {
		passEvent, failEvent = audit.EventDoctorPass, audit.EventDoctorFail
	}
	if runErr == nil && !result.TimedOut && result.ExitCode == 0 {
		task.emit(passEvent, audit.F("duration_ms", result.Duration.Milliseconds()))
		return true, "", nil
	}

	failure := verificationError(stage, command, result, runErr)
	task.emit(failEvent,
		audit.F("exit_code", result.ExitCode),
		audit.F("timed_out", result.TimedOut),
		audit.F("error", failure),
	)
	output := result.Output()
	if runErr != nil {
		output = runErr.Error()
	}
	return false, output, nil
}

// verificationError describes a failed command, preferring the runner error when there is one.
func verificationError(stage Stage, command string, result CommandResult, runErr error) error {
	if runErr != nil {
		return fmt.Errorf("%s command %q: %w", stage, command, runErr)
	}
	return &VerificationFailure{
		Stage:    stage,
		Command:  command,
		ExitCode: result.ExitCode,
		TimedOut: result.TimedOut,
		Output:   preview(result.Output(), OutputPreviewLimit),
	}
}

func (task *taskRun) runCommand(ctx context.Context, command string, timeout time.Duration) (CommandResult, error) {
	return task.loop.Runner.Run(ctx, Command{
		Dir:     task.cfg.Workdir,
		Shell:   command,
		Timeout: timeout,
		Env:     task.cfg.Env,
	})
}

func (task *taskRun) changedFiles(ctx context.Context, baseRef string) ([]string, error) {
	files, err := task.loop.Git.ListChangedFiles(ctx, task.cfg.Workdir, baseRef)
	if err != nil {
		return nil, err
	}
	return workspace.FilterInternalChanges(files, task.cfg.Workdir, task.cfg.RunLogsDir), nil
}

// checkpoint commits the attempt's work when checkpoint commits are enabled.
func (task *taskRun) checkpoint(ctx context.Context) error {
	if !task.cfg.CheckpointCommits {
		task.emit(audit.EventCheckpointSkip, audit.F("reason", "disabled"))
		return nil
	}
	result, err := task.loop.Git.CommitCheckpoint(ctx, task.cfg.Workdir, task.cfg.Manifest.ID, task.attempt)
	if err != nil {
		return fmt.Errorf("checkpoint attempt %d: %w", task.attempt, err)
	}
	if !result.Committed() {
		task.emit(audit.EventCheckpointSkip, audit.F("reason", result.Reason))
		return nil
	}
	if err := task.store.RecordCheckpoint(task.attempt, result.SHA); err != nil {
		return err
	}
	task.emit(audit.EventCheckpoint, audit.F("sha", result.SHA))
	return nil
}

// finalize produces the task's final commit.
func (task *taskRun) finalize(ctx context.Context) error {
	result, err := task.loop.Git.FinalizeCommit(ctx, task.cfg.Workdir, task.cfg.Manifest.ID, task.cfg.Manifest.Name)
	if err != nil {
		return err
	}
	if !result.Committed() {
		task.emit(audit.EventCommitSkip, audit.F("reason", result.Reason))
		head, err := task.loop.Git.HeadSHA(ctx, task.cfg.Workdir)
		if err != nil {
			return err
		}
		task.commitSHA = head
		return nil
	}
	task.commitSHA = result.SHA
	if task.cfg.CheckpointCommits {
		if err := task.store.RecordCheckpoint(task.attempt, result.SHA); err != nil {
			return err
		}
	}
	task.emit(audit.EventCommit, audit.F("status", string(result.Status)), audit.F("sha", result.SHA))
	return nil
}

// retry records the attempt as retried and carries its summary into the next prompt.
func (task *taskRun) retry(summary *AttemptSummary, code string) error {
	summary.Status = AttemptRetry
	summary.Retry = newRetryReason(code)
	text, err := writeAttemptSummary(task.cfg.Workdir, *summary, task.now())
	if err != nil {
		return err
	}
	task.lastSummary = text
	if task.withinLimit(task.attempt + 1) {
		task.events.Emit(audit.Entry{
			TaskID:  task.cfg.Manifest.ID,
			Event:   audit.EventTaskRetry,
			Attempt: task.attempt + 1,
			Fields:  []audit.Field{audit.F("reason", code)},
		})
	}
	return nil
}

func (task *taskRun) stopped() Outcome {
	task.emit(audit.EventTaskStopped, audit.F("stage", string(task.stage)))
	return task.outcome(OutcomeStopped)
}

// fail ends the run with err, or as stopped when err came from cancellation.
func (task *taskRun) fail(err error) (Outcome, error) {
	if task.stopRequested() {
		return task.stopped(), nil
	}
	task.logger.Error("task failed", zap.String("stage", string(task.stage)), zap.Error(err))
	task.emit(audit.EventTaskFailed, audit.F("stage", string(task.stage)), audit.F("error", err))
	return task.outcome(OutcomeFailed), err
}

func (task *taskRun) exhausted() (Outcome, error) {
	err := &MaxRetriesExceededError{Limit: task.cfg.MaxRetries}
	task.emit(audit.EventTaskFailed, audit.F("attempts", task.cfg.MaxRetries), audit.F("reason", "max_retries"))
	return task.outcome(OutcomeFailed), err
}

func (task *taskRun) outcome(status OutcomeStatus) Outcome {
	return Outcome{
		Status:       status,
		Attempts:     task.lastAttempt,
		LastStage:    task.stage,
		ThreadID:     task.threadID,
		Checkpoints:  task.store.Snapshot().Checkpoints,
		Usage:        task.usage,
		ChangedFiles: task.changed,
		CommitSHA:    task.commitSHA,
	}
}

func (task *taskRun) emit(event string, fields ...audit.Field) {
	task.events.Emit(audit.Entry{
		TaskID:  task.cfg.Manifest.ID,
		Event:   event,
		Attempt: task.attempt,
		Fields:  fields,
	})
}
