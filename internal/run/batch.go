package run

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JamesPaynter/efficient-ralph-loop/internal/audit"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/manifest"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/state"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/vcs"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/worker"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/workspace"
)

const (
	validatorCompliance  = "manifest_compliance"
	validatorIntegration = "integration_doctor"
	reviewScopeViolation = "scope_violation"
	reviewMergeConflict  = "merge_conflict"
	reviewDoctorFailed   = "doctor_failed"
	complianceReportName = "compliance.json"
)

// taskResult is what the batch merge needs from a finished attempt loop.
type taskResult struct {
	outcome   worker.Outcome
	branch    string
	workspace string
	startedAt time.Time
}

// runBatch runs the batch's pending tasks in parallel, then validates and merges the ones that
// completed. Only state store failures are returned; task failures are recorded on the task.
func (s *session) runBatch(ctx context.Context, batchID int, taskIDs []string) error {
	startedAt := s.deps.Clock.Now()
	var runnable []string
	err := s.store.Update(func(run *state.RunState) error {
		for _, id := range taskIDs {
			if run.Task(id).Status == state.TaskPending {
				runnable = append(runnable, id)
			}
		}
		if batch := run.Batch(batchID); batch != nil {
			batch.Status = state.BatchRunning
			batch.StartedAt = &startedAt
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.emit("", audit.EventBatchStart, audit.F("batch_id", batchID), audit.F("tasks", runnable))

	release := context.AfterFunc(ctx, func() { s.stopWorkers(ctx) })
	defer release()

	results := make(map[string]taskResult, len(runnable))
	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.opts.MaxParallel)
	for _, id := range runnable {
		group.Go(func() error {
			if groupCtx.Err() != nil {
				return nil
			}
			result, ok, err := s.runTask(groupCtx, batchID, id)
			if err != nil {
				return err
			}
			if ok {
				mu.Lock()
				results[id] = result
				mu.Unlock()
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	// Branches that finished are merged even after a stop: the merge runs on the shared checkout
	// and must not be left half done.
	mergeCtx := context.WithoutCancel(ctx)
	var mergeable []string
	for _, id := range runnable {
		result, ok := results[id]
		if !ok {
			continue
		}
		allowed, err := s.checkCompliance(id, result)
		if err != nil {
			return err
		}
		if allowed {
			mergeable = append(mergeable, id)
		}
	}

	mergeFailed, err := s.mergeBatch(mergeCtx, batchID, mergeable, results)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}
	return s.settleBatch(ctx, batchID, taskIDs, mergeFailed)
}

// runTask prepares the workspace and runs the attempt loop. It reports ok when the loop
// completed and the branch is ready to merge.
func (s *session) runTask(ctx context.Context, batchID int, id string) (taskResult, bool, error) {
	definition := s.tasks[id]
	branch := vcs.BranchName(s.opts.BranchPrefix, id, definition.Manifest.Name)
	startedAt := s.deps.Clock.Now()
	result := taskResult{branch: branch, startedAt: startedAt}

	err := s.store.Update(func(run *state.RunState) error {
		task := run.Task(id)
		if err := task.Transition(state.TaskRunning); err != nil {
			return fmt.Errorf("task %s: %w", id, err)
		}
		task.Branch = branch
		task.BatchID = batchID
		task.StartedAt = &startedAt
		task.CompletedAt = nil
		task.LastError = ""
		return nil
	})
	if err != nil {
		return result, false, err
	}
	s.emit(id, audit.EventStateTransition, audit.F("status", state.TaskRunning), audit.F("batch_id", batchID))

	prepared, err := s.deps.Workers.Prepare(ctx, PrepareInput{
		RunID:      s.runID,
		Project:    s.opts.Project,
		RepoPath:   s.opts.RepoPath,
		MainBranch: s.opts.MainBranch,
		Task:       definition,
		Branch:     branch,
	})
	if err != nil {
		return result, false, s.failTask(id, startedAt, err)
	}
	result.workspace = prepared.Workspace
	event := audit.EventWorkspacePrepared
	if prepared.Reused {
		event = audit.EventWorkspaceReused
	}
	s.emit(id, event, audit.F("path", prepared.Workspace), audit.F("branch", branch))
	if err := s.store.Update(func(run *state.RunState) error {
		run.Task(id).Workspace = prepared.Workspace
		return nil
	}); err != nil {
		return result, false, err
	}

	s.inFlight.Add(1)
	outcome, attemptErr := s.deps.Workers.RunAttempt(ctx, AttemptInput{
		RunID:     s.runID,
		Project:   s.opts.Project,
		Task:      definition,
		Branch:    branch,
		Workspace: prepared.Workspace,
		BaseSHA:   prepared.BaseSHA,
	})
	s.inFlight.Add(-1)
	result.outcome = outcome
	if err := s.recordOutcome(id, outcome); err != nil {
		return result, false, err
	}

	switch outcome.Status {
	case worker.OutcomeComplete:
		s.deps.Metrics.AttemptsRecorded(string(worker.OutcomeComplete), outcome.Attempts)
		return result, true, nil
	case worker.OutcomeStopped:
		return result, false, nil
	default:
		if attemptErr == nil {
			attemptErr = fmt.Errorf("task %s failed at stage %s", id, outcome.LastStage)
		}
		s.deps.Metrics.AttemptsRecorded(string(worker.OutcomeFailed), outcome.Attempts)
		return result, false, s.failTask(id, startedAt, attemptErr)
	}
}

// recordOutcome copies attempt counters, checkpoints, and usage into run state.
func (s *session) recordOutcome(id string, outcome worker.Outcome) error {
	tokens := outcome.Usage.Total()
	err := s.store.Update(func(run *state.RunState) error {
		task := run.Task(id)
		if outcome.Attempts > task.Attempts {
			task.Attempts = outcome.Attempts
		}
		if outcome.LastStage != "" {
			task.LastStage = string(outcome.LastStage)
		}
		if outcome.ThreadID != "" {
			task.ThreadID = outcome.ThreadID
		}
		if len(outcome.Checkpoints) > 0 {
			task.Checkpoints = make([]state.Checkpoint, 0, len(outcome.Checkpoints))
			for _, checkpoint := range outcome.Checkpoints {
				task.Checkpoints = append(task.Checkpoints, state.Checkpoint(checkpoint))
			}
		}
		task.TokensUsed += tokens
		run.TokensUsed += tokens
		run.EstimatedCost = float64(run.TokensUsed) / 1000 * s.opts.CostPer1KTokens
		return nil
	})
	if err != nil {
		return err
	}
	if tokens > 0 {
		s.emit(id, audit.EventUsageRecorded,
			audit.F("input_tokens", outcome.Usage.InputTokens),
			audit.F("cached_input_tokens", outcome.Usage.CachedInputTokens),
			audit.F("output_tokens", outcome.Usage.OutputTokens),
		)
	}
	return nil
}

func (s *session) failTask(id string, startedAt time.Time, cause error) error {
	completedAt := s.deps.Clock.Now()
	err := s.store.Update(func(run *state.RunState) error {
		task := run.Task(id)
		if err := task.Transition(state.TaskFailed); err != nil {
			return fmt.Errorf("task %s: %w", id, err)
		}
		task.LastError = cause.Error()
		task.CompletedAt = &completedAt
		return nil
	})
	if err != nil {
		return err
	}
	s.emit(id, audit.EventStateTransition, audit.F("status", state.TaskFailed), audit.F("error", cause))
	s.deps.Metrics.TaskFinished(string(state.TaskFailed), completedAt.Sub(startedAt))
	s.deps.Logger.Warn("task failed", zap.String("task_id", id), zap.Error(cause))
	return nil
}

// checkCompliance compares the task's changed files with its manifest. Warn and block both
// record an access request with the rescoped manifest; block routes the task to review.
func (s *session) checkCompliance(id string, result taskResult) (bool, error) {
	definition := s.tasks[id]
	report := manifest.CheckCompliance(manifest.ComplianceInput{
		Manifest:         definition.Manifest,
		Policy:           s.opts.CompliancePolicy,
		ChangedFiles:     result.outcome.ChangedFiles,
		Catalog:          s.opts.Catalog,
		FallbackResource: s.opts.FallbackResource,
	})

	reportPath := ""
	summary := manifest.DescribeViolations(report.Violations)
	if report.Status != manifest.ComplianceSkipped && result.workspace != "" {
		if report.Status == manifest.ComplianceWarn || report.Status == manifest.ComplianceBlock {
			rescope := manifest.Rescope(definition.Manifest, report)
			report.Rescope = &rescope
			if rescope.Status == manifest.RescopeFailed {
				s.emit(id, audit.EventRescopeFailed, audit.F("reason", rescope.Reason))
			}
			s.emit(id, audit.EventAccessRequested,
				audit.F("policy", report.Policy),
				audit.F("violations", len(report.Violations)),
				audit.F("rescope", rescope.Status),
				audit.F("added_locks", rescope.AddedLocks),
				audit.F("added_files", rescope.AddedFiles),
			)
		}
		reportPath = filepath.Join(result.workspace, workspace.InternalDirName, complianceReportName)
		if err := manifest.WriteReport(reportPath, report); err != nil {
			s.deps.Logger.Warn("write compliance report", zap.String("task_id", id), zap.Error(err))
			reportPath = ""
		}
	}

	switch report.Status {
	case manifest.CompliancePass:
		s.emit(id, audit.EventCompliancePass)
	case manifest.ComplianceWarn:
		s.emit(id, audit.EventComplianceWarn, audit.F("summary", summary))
	case manifest.ComplianceBlock:
		s.emit(id, audit.EventComplianceBlock, audit.F("summary", summary))
	}

	blocked := report.Status == manifest.ComplianceBlock
	completedAt := s.deps.Clock.Now()
	err := s.store.Update(func(run *state.RunState) error {
		task := run.Task(id)
		task.ValidatorResults = append(task.ValidatorResults, state.ValidatorResult{
			Validator:  validatorCompliance,
			Status:     complianceValidatorStatus(report.Status),
			Mode:       string(report.Policy),
			Summary:    summary,
			ReportPath: reportPath,
		})
		if !blocked {
			return nil
		}
		if err := task.Transition(state.TaskNeedsHumanReview); err != nil {
			return fmt.Errorf("task %s: %w", id, err)
		}
		task.HumanReview = &state.HumanReview{
			Validator:  validatorCompliance,
			Reason:     reviewScopeViolation,
			Summary:    summary,
			ReportPath: reportPath,
		}
		task.LastError = (&manifest.ScopeViolation{TaskID: id, Violations: report.Violations}).Error()
		task.CompletedAt = &completedAt
		return nil
	})
	if err != nil {
		return false, err
	}
	if blocked {
		s.emit(id, audit.EventTaskHumanReview, audit.F("reason", reviewScopeViolation))
		s.deps.Metrics.TaskFinished(string(state.TaskNeedsHumanReview), completedAt.Sub(result.startedAt))
	}
	return !blocked, nil
}

func complianceValidatorStatus(status manifest.ComplianceStatus) state.ValidatorStatus {
	switch status {
	case manifest.CompliancePass:
		return state.ValidatorPass
	case manifest.ComplianceWarn:
		return state.ValidatorWarn
	case manifest.ComplianceBlock:
		return state.ValidatorBlock
	default:
		return state.ValidatorSkipped
	}
}

// mergeBatch merges the completed branches onto a temp integration branch, runs the integration
// doctor there, and fast-forwards main. A main_advanced block is retried once from the new main.
// It reports whether the batch merge failed as a whole.
func (s *session) mergeBatch(ctx context.Context, batchID int, ids []string, results map[string]taskResult) (bool, error) {
	if len(ids) == 0 {
		return false, nil
	}
	branches := make([]vcs.TaskBranch, 0, len(ids))
	for _, id := range ids {
		result := results[id]
		branches = append(branches, vcs.TaskBranch{TaskID: id, Branch: result.branch, WorkspacePath: result.workspace})
	}
	s.emit("", audit.EventMergeStart, audit.F("batch_id", batchID), audit.F("tasks", ids))
	tempBranch := fmt.Sprintf("%s/integration-%s-b%d", s.opts.BranchPrefix, s.runID, batchID)

	for try := 1; ; try++ {
		merged, err := s.deps.VCS.MergeTaskBranchesToTemp(ctx, vcs.TempMergeInput{
			MergeInput: vcs.MergeInput{
				RepoPath:   s.opts.RepoPath,
				MainBranch: s.opts.MainBranch,
				Branches:   branches,
			},
			TempBranch: tempBranch,
		})
		if err != nil {
			s.cleanupTemp(ctx, tempBranch)
			return true, s.recordBatchError(fmt.Errorf("temp merge: %w", err))
		}
		if merged.TempBranch != "" {
			tempBranch = merged.TempBranch
		}
		for _, conflict := range merged.Conflicts {
			s.emit(conflict.Branch.TaskID, audit.EventMergeConflict,
				audit.F("branch", conflict.Branch.Branch),
				audit.F("message", conflict.Message),
			)
			if err := s.routeToReview(conflict.Branch.TaskID, results, &state.HumanReview{
				Validator: "merge",
				Reason:    reviewMergeConflict,
				Summary:   conflict.Message,
			}, conflict.Err()); err != nil {
				return true, err
			}
		}
		if len(merged.Merged) == 0 {
			s.cleanupTemp(ctx, tempBranch)
			return false, nil
		}

		if s.opts.IntegrationDoctor != "" {
			passed, err := s.integrationDoctor(ctx, batchID, tempBranch, merged.Merged, results)
			if err != nil {
				return true, err
			}
			if !passed {
				s.cleanupTemp(ctx, tempBranch)
				return true, nil
			}
		}

		forwarded, err := s.deps.VCS.FastForward(ctx, vcs.FastForwardInput{
			RepoPath:        s.opts.RepoPath,
			MainBranch:      s.opts.MainBranch,
			TargetRef:       tempBranch,
			ExpectedBaseSHA: merged.BaseSHA,
			CleanupBranch:   tempBranch,
		})
		if err != nil {
			s.cleanupTemp(ctx, tempBranch)
			return true, s.recordBatchError(fmt.Errorf("fast-forward: %w", err))
		}
		if forwarded.Status == vcs.FastForwarded {
			s.emit("", audit.EventMergeFastForward,
				audit.F("batch_id", batchID),
				audit.F("previous_head", forwarded.PreviousHead),
				audit.F("head", forwarded.Head),
			)
			return false, s.completeMerged(batchID, forwarded.Head, merged.Merged, results)
		}

		s.cleanupTemp(ctx, tempBranch)
		s.emit("", audit.EventMergeBlocked,
			audit.F("batch_id", batchID),
			audit.F("reason", forwarded.Reason),
			audit.F("message", forwarded.Message),
		)
		if forwarded.Reason == vcs.BlockMainAdvanced && try == 1 {
			s.emit("", audit.EventMainAdvancedRetried, audit.F("batch_id", batchID))
			branches = merged.Merged
			continue
		}
		return true, s.recordBatchError(forwarded.Err())
	}
}

func (s *session) integrationDoctor(ctx context.Context, batchID int, branch string, merged []vcs.TaskBranch, results map[string]taskResult) (bool, error) {
	if s.deps.Validator == nil {
		return false, s.recordBatchError(errors.New("integration doctor configured without a validator"))
	}
	result, err := s.deps.Validator.Doctor(ctx, DoctorInput{
		RepoPath: s.opts.RepoPath,
		Branch:   branch,
		Command:  s.opts.IntegrationDoctor,
		Timeout:  s.opts.IntegrationDoctorTimeout,
	})
	if err != nil {
		result = state.ValidatorResult{Validator: validatorIntegration, Status: state.ValidatorError, Summary: err.Error()}
	}
	result.Validator = validatorIntegration
	passed := result.Status == state.ValidatorPass
	s.emit("", audit.EventIntegrationDoctor,
		audit.F("batch_id", batchID),
		audit.F("status", result.Status),
		audit.F("summary", result.Summary),
	)

	updateErr := s.store.Update(func(run *state.RunState) error {
		if batch := run.Batch(batchID); batch != nil {
			batch.IntegrationDoctorPassed = &passed
		}
		for _, branch := range merged {
			task := run.Task(branch.TaskID)
			task.ValidatorResults = append(task.ValidatorResults, result)
		}
		return nil
	})
	if updateErr != nil {
		return false, updateErr
	}
	if passed {
		return true, nil
	}
	for _, branch := range merged {
		if err := s.routeToReview(branch.TaskID, results, &state.HumanReview{
			Validator: validatorIntegration,
			Reason:    reviewDoctorFailed,
			Summary:   result.Summary,
		}, nil); err != nil {
			return false, err
		}
	}
	return false, nil
}

// routeToReview parks the task for a human. cause, when set, becomes the task's last error;
// otherwise the review reason does.
func (s *session) routeToReview(id string, results map[string]taskResult, review *state.HumanReview, cause error) error {
	lastError := review.Reason
	if cause != nil {
		lastError = cause.Error()
	}
	completedAt := s.deps.Clock.Now()
	err := s.store.Update(func(run *state.RunState) error {
		task := run.Task(id)
		if err := task.Transition(state.TaskNeedsHumanReview); err != nil {
			return fmt.Errorf("task %s: %w", id, err)
		}
		task.HumanReview = review
		task.LastError = lastError
		task.CompletedAt = &completedAt
		return nil
	})
	if err != nil {
		return err
	}
	s.emit(id, audit.EventTaskHumanReview, audit.F("reason", review.Reason))
	s.deps.Metrics.TaskFinished(string(state.TaskNeedsHumanReview), completedAt.Sub(results[id].startedAt))
	return nil
}

func (s *session) completeMerged(batchID int, head string, merged []vcs.TaskBranch, results map[string]taskResult) error {
	completedAt := s.deps.Clock.Now()
	err := s.store.Update(func(run *state.RunState) error {
		if batch := run.Batch(batchID); batch != nil {
			batch.MergeCommit = head
		}
		for _, branch := range merged {
			task := run.Task(branch.TaskID)
			if err := task.Transition(state.TaskComplete); err != nil {
				return fmt.Errorf("task %s: %w", branch.TaskID, err)
			}
			task.CompletedAt = &completedAt
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, branch := range merged {
		s.emit(branch.TaskID, audit.EventStateTransition, audit.F("status", state.TaskComplete))
		s.deps.Metrics.TaskFinished(string(state.TaskComplete), completedAt.Sub(results[branch.TaskID].startedAt))
	}
	return nil
}

// cleanupTemp returns the repository to main and drops the integration branch.
func (s *session) cleanupTemp(ctx context.Context, branch string) {
	cleanupCtx := context.WithoutCancel(ctx)
	if err := s.deps.VCS.CheckoutBranch(cleanupCtx, s.opts.RepoPath, s.opts.MainBranch); err != nil {
		s.deps.Logger.Warn("checkout main after merge", zap.String("branch", s.opts.MainBranch), zap.Error(err))
	}
	if err := s.deps.VCS.DeleteBranch(cleanupCtx, s.opts.RepoPath, branch); err != nil {
		s.deps.Logger.Debug("delete temp branch", zap.String("branch", branch), zap.Error(err))
	}
}

func (s *session) recordBatchError(cause error) error {
	s.deps.Logger.Warn("batch merge failed", zap.Error(cause))
	return s.store.Update(func(run *state.RunState) error {
		run.LastError = cause.Error()
		return nil
	})
}

// settleBatch closes the batch. A batch completes only when all of its tasks did.
// Complete tasks release their workspaces when cleanup is enabled.
func (s *session) settleBatch(ctx context.Context, batchID int, taskIDs []string, mergeFailed bool) error {
	completedAt := s.deps.Clock.Now()
	status := state.BatchComplete
	var done []string
	err := s.store.Update(func(run *state.RunState) error {
		if mergeFailed {
			status = state.BatchFailed
		}
		for _, id := range taskIDs {
			if run.Task(id).Status == state.TaskComplete {
				done = append(done, id)
				continue
			}
			status = state.BatchFailed
		}
		if batch := run.Batch(batchID); batch != nil {
			batch.Status = status
			batch.CompletedAt = &completedAt
		}
		return nil
	})
	if err != nil {
		return err
	}
	event := audit.EventBatchComplete
	if status == state.BatchFailed {
		event = audit.EventBatchFailed
	}
	s.emit("", event, audit.F("batch_id", batchID), audit.F("complete", done))
	s.deps.Metrics.BatchFinished(string(status))

	if !s.opts.CleanupWorkspaces {
		return nil
	}
	for _, id := range done {
		err := s.deps.Workers.Cleanup(context.WithoutCancel(ctx), CleanupInput{RunID: s.runID, Project: s.opts.Project, TaskID: id})
		if err != nil {
			s.deps.Logger.Warn("remove workspace", zap.String("task_id", id), zap.Error(err))
			continue
		}
		s.emit(id, audit.EventWorkspaceRemoved)
	}
	return nil
}
