package run

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JamesPaynter/efficient-ralph-loop/internal/audit"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/manifest"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/scheduler"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/state"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/vcs"
)

// ReasonDependencyFailed marks tasks skipped because an upstream task did not complete.
const ReasonDependencyFailed = "dependency_failed"

// Deps holds the ports the engine drives.
type Deps struct {
	Workers   WorkerRunner
	VCS       VCS
	Validator ValidatorRunner
	States    StateRepository
	Log       LogSink
	Clock     Clock
	Metrics   Metrics
	Logger    *zap.Logger
}

// Options configures one run.
type Options struct {
	Project    string
	RepoPath   string
	MainBranch string
	Tasks      []manifest.Task

	RunID       string
	Resume      bool
	RetryFailed bool
	DryRun      bool

	MaxParallel  int
	BranchPrefix string

	CompliancePolicy manifest.Policy
	Catalog          manifest.Catalog
	FallbackResource string

	IntegrationDoctor        string
	IntegrationDoctorTimeout time.Duration

	StopWorkersOnExit bool
	CleanupWorkspaces bool
	CostPer1KTokens   float64
}

// WorkerDisposition reports what happened to in-flight workers when a run stopped.
type WorkerDisposition string

const (
	WorkersStopped     WorkerDisposition = "stopped"
	WorkersLeftRunning WorkerDisposition = "left_running"
)

// StopInfo describes an interrupted run.
type StopInfo struct {
	Signal  string
	Workers WorkerDisposition
}

// Result summarizes a finished, stopped, or dry run.
type Result struct {
	RunID   string
	Status  state.RunStatus
	DryRun  bool
	Resumed bool
	Plan    scheduler.Plan
	Skipped []string
	State   state.RunState
	Stopped *StopInfo
}

// Engine runs projects against its ports.
type Engine struct {
	deps Deps
}

// New validates the ports and fills defaults for the optional ones.
func New(deps Deps) (*Engine, error) {
	if deps.Workers == nil {
		return nil, errors.New("worker runner is required")
	}
	if deps.VCS == nil {
		return nil, errors.New("vcs is required")
	}
	if deps.States == nil {
		return nil, errors.New("state repository is required")
	}
	if deps.Log == nil {
		deps.Log = audit.Discard
	}
	if deps.Clock == nil {
		deps.Clock = systemClock{}
	}
	if deps.Metrics == nil {
		deps.Metrics = noopMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Engine{deps: deps}, nil
}

// Run plans and executes the project's pending tasks. A dry run returns the plan without
// touching state or git. Cancelling ctx stops the run at the next boundary and persists it as
// stopped; pass a *StopRequest as the cancel cause to record the signal.
func (engine *Engine) Run(ctx context.Context, opts Options) (Result, error) {
	opts, err := normalizeOptions(opts)
	if err != nil {
		return Result{}, err
	}
	session := &session{
		engine: engine,
		deps:   engine.deps,
		opts:   opts,
		tasks:  make(map[string]manifest.Task, len(opts.Tasks)),
	}
	for _, task := range opts.Tasks {
		session.tasks[task.Manifest.ID] = task
	}
	return session.run(ctx)
}

func normalizeOptions(opts Options) (Options, error) {
	opts.Project = strings.TrimSpace(opts.Project)
	opts.RepoPath = strings.TrimSpace(opts.RepoPath)
	opts.MainBranch = strings.TrimSpace(opts.MainBranch)
	opts.RunID = strings.TrimSpace(opts.RunID)
	if opts.Project == "" {
		return opts, errors.New("project is required")
	}
	if opts.RepoPath == "" {
		return opts, errors.New("repo path is required")
	}
	if opts.MainBranch == "" {
		return opts, errors.New("main branch is required")
	}
	seen := make(map[string]struct{}, len(opts.Tasks))
	for _, task := range opts.Tasks {
		id := task.Manifest.ID
		if strings.TrimSpace(id) == "" {
			return opts, errors.New("task id is required")
		}
		if _, ok := seen[id]; ok {
			return opts, fmt.Errorf("duplicate task id %q", id)
		}
		seen[id] = struct{}{}
	}
	if opts.MaxParallel < 1 {
		opts.MaxParallel = 1
	}
	if strings.TrimSpace(opts.BranchPrefix) == "" {
		opts.BranchPrefix = vcs.DefaultBranchPrefix
	}
	if opts.CompliancePolicy == "" {
		opts.CompliancePolicy = manifest.PolicyWarn
	}
	if opts.IntegrationDoctor != "" && opts.IntegrationDoctorTimeout < 0 {
		return opts, errors.New("integration doctor timeout must be >= 0")
	}
	return opts, nil
}

type session struct {
	engine *Engine
	deps   Deps
	opts   Options
	tasks  map[string]manifest.Task
	store  *state.Store
	runID  string
	// batchOffset shifts planned batch ids past those already recorded by earlier invocations.
	batchOffset int

	// inFlight counts attempt loops currently running.
	inFlight    atomic.Int32
	workersOnce sync.Once
	workers     WorkerDisposition
}

func (s *session) run(ctx context.Context) (Result, error) {
	resumed := false
	var base state.RunState
	if s.opts.Resume {
		store, err := s.loadForResume()
		if err != nil {
			return Result{}, err
		}
		s.store = store
		base = store.Snapshot()
		if base.Status == state.RunComplete {
			return Result{RunID: s.runID, Status: base.Status, Resumed: true, State: base}, nil
		}
		resumed = true
	} else {
		s.runID = s.opts.RunID
		if s.runID == "" {
			s.runID = NewRunID(s.deps.Clock.Now())
		}
		base = state.NewRunState(state.CreateInput{
			RunID:      s.runID,
			Project:    s.opts.Project,
			RepoPath:   s.opts.RepoPath,
			MainBranch: s.opts.MainBranch,
			TaskIDs:    s.taskIDs(),
			Now:        s.deps.Clock.Now(),
		})
	}

	planned := cloneRun(base)
	reset := s.resetForResume(&planned)
	skipped := s.cascadeSkips(&planned)
	plan, err := s.plan(planned)
	if err != nil {
		s.emit("", audit.EventPlanningFailed, audit.F("error", err))
		return Result{}, err
	}
	result := Result{RunID: s.runID, Resumed: resumed, Plan: plan, Skipped: skipped}
	if s.opts.DryRun {
		result.DryRun = true
		result.Status = planned.Status
		result.State = planned
		return result, nil
	}

	if err := s.begin(ctx, resumed, reset, skipped, plan); err != nil {
		return Result{}, err
	}

	for _, batch := range plan.Batches {
		if ctx.Err() != nil {
			return s.stop(ctx, result)
		}
		if err := s.runBatch(ctx, s.batchOffset+batch.ID, batch.Tasks); err != nil {
			return s.abort(result, err)
		}
		if ctx.Err() != nil {
			return s.stop(ctx, result)
		}
		if err := s.skipDownstream(); err != nil {
			return s.abort(result, err)
		}
	}
	return s.finish(result)
}

func (s *session) taskIDs() []string {
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *session) loadForResume() (*state.Store, error) {
	runID := s.opts.RunID
	if runID == "" {
		latest, err := s.deps.States.FindLatestRunID(s.opts.Project)
		if err != nil {
			return nil, err
		}
		runID = latest
	}
	store, err := s.deps.States.Load(s.opts.Project, runID)
	if err != nil {
		return nil, err
	}
	s.runID = runID
	return store, nil
}

// resetForResume returns interrupted tasks to pending so they are planned again. Failed and
// review tasks are reset only when retrying failures. It returns the reset task ids.
func (s *session) resetForResume(run *state.RunState) []string {
	for id := range s.tasks {
		run.Task(id)
	}
	var reset []string
	for _, id := range sortedTaskIDs(run.Tasks) {
		task := run.Tasks[id]
		switch task.Status {
		case state.TaskRunning:
			if task.Transition(state.TaskPending) == nil {
				reset = append(reset, id)
			}
		case state.TaskFailed, state.TaskNeedsHumanReview:
			if s.opts.RetryFailed && task.Transition(state.TaskPending) == nil {
				task.HumanReview = nil
				task.LastError = ""
				reset = append(reset, id)
			}
		case state.TaskSkipped:
			task.Reopen()
		}
	}
	return reset
}

// cascadeSkips marks pending tasks whose dependencies can no longer complete as skipped.
// A dependency blocks when it failed, needs review, was skipped, or is still running unmerged.
func (s *session) cascadeSkips(run *state.RunState) []string {
	var skipped []string
	for {
		changed := false
		for _, id := range sortedTaskIDs(run.Tasks) {
			task := run.Tasks[id]
			if task.Status != state.TaskPending {
				continue
			}
			definition, ok := s.tasks[id]
			if !ok {
				continue
			}
			for _, dep := range definition.Manifest.Dependencies {
				upstream, ok := run.Tasks[dep]
				if !ok || !blocksDependents(upstream.Status) {
					continue
				}
				if err := task.Transition(state.TaskSkipped); err == nil {
					task.LastError = ReasonDependencyFailed
					skipped = append(skipped, id)
					changed = true
				}
				break
			}
		}
		if !changed {
			return skipped
		}
	}
}

func blocksDependents(status state.TaskStatus) bool {
	switch status {
	case state.TaskFailed, state.TaskNeedsHumanReview, state.TaskSkipped, state.TaskRunning:
		return true
	default:
		return false
	}
}

func (s *session) plan(run state.RunState) (scheduler.Plan, error) {
	input := scheduler.Input{Completed: run.TaskIDsWithStatus(state.TaskComplete)}
	for _, id := range run.TaskIDsWithStatus(state.TaskPending) {
		task, ok := s.tasks[id]
		if !ok {
			continue
		}
		input.Manifests = append(input.Manifests, task.Manifest)
	}
	if len(input.Manifests) == 0 {
		return scheduler.Plan{}, nil
	}
	return scheduler.PlanBatches(input)
}

// begin persists the run start: base sha, resets, skips, and the planned batches.
func (s *session) begin(ctx context.Context, resumed bool, reset []string, skipped []string, plan scheduler.Plan) error {
	if !resumed {
		baseSHA, err := s.deps.VCS.ResolveRef(ctx, s.opts.RepoPath, s.opts.MainBranch)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", s.opts.MainBranch, err)
		}
		initial := state.NewRunState(state.CreateInput{
			RunID:      s.runID,
			Project:    s.opts.Project,
			RepoPath:   s.opts.RepoPath,
			MainBranch: s.opts.MainBranch,
			TaskIDs:    s.taskIDs(),
			Now:        s.deps.Clock.Now(),
		})
		initial.BaseSHA = baseSHA
		store, err := s.deps.States.Create(initial)
		if err != nil {
			return err
		}
		s.store = store
	}

	err := s.store.Update(func(run *state.RunState) error {
		s.resetForResume(run)
		for _, id := range skipped {
			task := run.Task(id)
			if err := task.Transition(state.TaskSkipped); err != nil {
				return fmt.Errorf("task %s: %w", id, err)
			}
			task.LastError = ReasonDependencyFailed
		}
		s.batchOffset = 0
		for i := range run.Batches {
			batch := &run.Batches[i]
			if batch.ID > s.batchOffset {
				s.batchOffset = batch.ID
			}
			// Unfinished batches from an interrupted invocation are superseded by the new plan.
			if batch.Status == state.BatchPending || batch.Status == state.BatchRunning {
				batch.Status = state.BatchFailed
			}
		}
		for _, batch := range plan.Batches {
			id := s.batchOffset + batch.ID
			run.Batches = append(run.Batches, state.BatchState{
				ID:     id,
				Status: state.BatchPending,
				Tasks:  append([]string(nil), batch.Tasks...),
			})
			for _, taskID := range batch.Tasks {
				run.Task(taskID).BatchID = id
			}
		}
		run.StopSignal = ""
		if run.Status != state.RunRunning {
			return run.Transition(state.RunRunning)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if resumed {
		s.emit("", audit.EventRunResume, audit.F("reset", reset))
		for _, id := range reset {
			s.emit(id, audit.EventTaskReset, audit.F("status", state.TaskPending))
		}
	} else {
		s.emit("", audit.EventRunStart,
			audit.F("project", s.opts.Project),
			audit.F("main_branch", s.opts.MainBranch),
			audit.F("tasks", len(s.tasks)),
			audit.F("max_parallel", s.opts.MaxParallel),
		)
	}
	for _, id := range skipped {
		s.emit(id, audit.EventTaskSkipped, audit.F("reason", ReasonDependencyFailed))
	}
	s.emit("", audit.EventPlanCreated, audit.F("batches", len(plan.Batches)))
	s.deps.Logger.Info("run planned",
		zap.String("run_id", s.runID),
		zap.Int("batches", len(plan.Batches)),
		zap.Bool("resumed", resumed),
	)
	return nil
}

// skipDownstream re-applies the dependency cascade after a batch settles.
func (s *session) skipDownstream() error {
	var skipped []string
	err := s.store.Update(func(run *state.RunState) error {
		skipped = s.cascadeSkips(run)
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range skipped {
		s.emit(id, audit.EventTaskSkipped, audit.F("reason", ReasonDependencyFailed))
	}
	return nil
}

// stopWorkers settles attempt loops still running when the stop arrived. With StopWorkersOnExit
// they are aborted; otherwise they finish their current stage and stop at the next boundary.
// Only the first call acts.
func (s *session) stopWorkers(ctx context.Context) WorkerDisposition {
	s.workersOnce.Do(func() {
		signal := stopSignal(ctx)
		running := int(s.inFlight.Load())
		s.workers = WorkersLeftRunning
		if s.opts.StopWorkersOnExit {
			stopped, err := s.deps.Workers.Stop(context.WithoutCancel(ctx), StopInput{RunID: s.runID, Signal: signal})
			if err != nil {
				s.deps.Logger.Warn("stop workers failed", zap.Error(err))
			} else {
				s.workers = WorkersStopped
				s.emit("", audit.EventWorkersStopped, audit.F("count", stopped.Stopped))
				return
			}
		}
		s.emit("", audit.EventWorkersLeftRunning, audit.F("count", running))
	})
	return s.workers
}

func stopSignal(ctx context.Context) string {
	var request *StopRequest
	if errors.As(context.Cause(ctx), &request) && request.Signal != "" {
		return request.Signal
	}
	return "cancelled"
}

// stop records an interrupted run once the current batch has drained.
func (s *session) stop(ctx context.Context, result Result) (Result, error) {
	signal := stopSignal(ctx)
	disposition := s.stopWorkers(ctx)

	err := s.store.Update(func(run *state.RunState) error {
		run.StopSignal = signal
		return run.Transition(state.RunStopped)
	})
	if err != nil {
		return Result{}, err
	}
	s.emit("", audit.EventRunStop, audit.F("signal", signal), audit.F("workers", disposition))

	result.Status = state.RunStopped
	result.Stopped = &StopInfo{Signal: signal, Workers: disposition}
	result.State = s.store.Snapshot()
	return result, nil
}

// abort marks the run failed after an error that cannot be contained to one task.
func (s *session) abort(result Result, cause error) (Result, error) {
	err := s.store.Update(func(run *state.RunState) error {
		run.LastError = cause.Error()
		return run.Transition(state.RunFailed)
	})
	if err != nil {
		s.deps.Logger.Error("record run failure", zap.Error(err))
	}
	s.emit("", audit.EventRunComplete, audit.F("status", state.RunFailed), audit.F("error", cause))
	result.Status = state.RunFailed
	result.State = s.store.Snapshot()
	return result, cause
}

func (s *session) finish(result Result) (Result, error) {
	var status state.RunStatus
	err := s.store.Update(func(run *state.RunState) error {
		status = state.RunComplete
		for _, task := range run.Tasks {
			if task.Status != state.TaskComplete && task.Status != state.TaskSkipped {
				status = state.RunFailed
				break
			}
		}
		return run.Transition(status)
	})
	if err != nil {
		return Result{}, err
	}
	snapshot := s.store.Snapshot()
	s.emit("", audit.EventRunComplete,
		audit.F("status", status),
		audit.F("tokens_used", snapshot.TokensUsed),
		audit.F("estimated_cost", fmt.Sprintf("%.4f", snapshot.EstimatedCost)),
	)
	s.deps.Logger.Info("run finished", zap.String("run_id", s.runID), zap.String("status", string(status)))
	result.Status = status
	result.State = snapshot
	return result, nil
}

func (s *session) emit(taskID string, event string, fields ...audit.Field) {
	s.deps.Log.Emit(audit.Entry{TaskID: taskID, Event: event, Fields: fields})
}

func sortedTaskIDs(tasks map[string]*state.TaskState) []string {
	ids := make([]string, 0, len(tasks))
	for id := range tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func cloneRun(run state.RunState) state.RunState {
	clone := run
	clone.Batches = append([]state.BatchState(nil), run.Batches...)
	clone.Tasks = make(map[string]*state.TaskState, len(run.Tasks))
	for id, task := range run.Tasks {
		copied := *task
		clone.Tasks[id] = &copied
	}
	return clone
}

type noopMetrics struct{}

func (noopMetrics) TaskFinished(string, time.Duration) {}
func (noopMetrics) AttemptsRecorded(string, int)       {}
func (noopMetrics) BatchFinished(string)               {}
