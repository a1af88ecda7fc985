// Package state defines the persisted run state, its lifecycle transitions, and the file store
// that records every mutation so an interrupted run can be resumed.
package state

import "time"

// RunStatus labels the lifecycle state of a run.
type RunStatus string

const (
	// RunPending indicates the run was created but no batch has started.
	RunPending RunStatus = "pending"
	// RunRunning indicates batches are executing.
	RunRunning RunStatus = "running"
	// RunComplete indicates every task completed or was skipped.
	RunComplete RunStatus = "complete"
	// RunFailed indicates at least one task failed or needs review.
	RunFailed RunStatus = "failed"
	// RunStopped indicates the run was interrupted and can be resumed.
	RunStopped RunStatus = "stopped"
)

// TaskStatus labels the lifecycle state of a task within a run.
type TaskStatus string

const (
	// TaskPending indicates the task has not started.
	TaskPending TaskStatus = "pending"
	// TaskRunning indicates an attempt loop is active or was active at crash time.
	TaskRunning TaskStatus = "running"
	// TaskComplete indicates the task passed verification and merged.
	TaskComplete TaskStatus = "complete"
	// TaskFailed indicates the task exhausted retries or hit a fatal error.
	TaskFailed TaskStatus = "failed"
	// TaskNeedsHumanReview indicates a validator, conflict, or scope check blocked the task.
	TaskNeedsHumanReview TaskStatus = "needs_human_review"
	// TaskSkipped indicates the task was not run because an upstream task did not complete.
	TaskSkipped TaskStatus = "skipped"
)

// BatchStatus labels the lifecycle state of a batch.
type BatchStatus string

const (
	BatchPending  BatchStatus = "pending"
	BatchRunning  BatchStatus = "running"
	BatchComplete BatchStatus = "complete"
	BatchFailed   BatchStatus = "failed"
)

// RunState is the root aggregate persisted for each run.
type RunState struct {
	RunID         string                `json:"run_id"`
	Project       string                `json:"project"`
	RepoPath      string                `json:"repo_path"`
	MainBranch    string                `json:"main_branch"`
	Status        RunStatus             `json:"status"`
	BaseSHA       string                `json:"base_sha,omitempty"`
	StartedAt     time.Time             `json:"started_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
	Batches       []BatchState          `json:"batches"`
	Tasks         map[string]*TaskState `json:"tasks"`
	TokensUsed    int                   `json:"tokens_used"`
	EstimatedCost float64               `json:"estimated_cost"`
	StopSignal    string                `json:"stop_signal,omitempty"`
	LastError     string                `json:"last_error,omitempty"`
}

// BatchState records one planned batch and its merge outcome.
type BatchState struct {
	ID                      int         `json:"batch_id"`
	Status                  BatchStatus `json:"status"`
	Tasks                   []string    `json:"tasks"`
	StartedAt               *time.Time  `json:"started_at,omitempty"`
	CompletedAt             *time.Time  `json:"completed_at,omitempty"`
	MergeCommit             string      `json:"merge_commit,omitempty"`
	IntegrationDoctorPassed *bool       `json:"integration_doctor_passed,omitempty"`
}

// TaskState records one task's progress within a run.
type TaskState struct {
	Status           TaskStatus        `json:"status"`
	Attempts         int               `json:"attempts"`
	Branch           string            `json:"branch,omitempty"`
	Workspace        string            `json:"workspace,omitempty"`
	BatchID          int               `json:"batch_id,omitempty"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	LastError        string            `json:"last_error,omitempty"`
	LastStage        string            `json:"last_stage,omitempty"`
	ThreadID         string            `json:"thread_id,omitempty"`
	Checkpoints      []Checkpoint      `json:"checkpoints,omitempty"`
	ValidatorResults []ValidatorResult `json:"validator_results"`
	HumanReview      *HumanReview      `json:"human_review,omitempty"`
	TokensUsed       int               `json:"tokens_used"`
}

// Checkpoint mirrors a worker checkpoint commit for resume reporting.
type Checkpoint struct {
	Attempt   int    `json:"attempt"`
	SHA       string `json:"sha"`
	CreatedAt string `json:"created_at"`
}

// ValidatorStatus is the outcome reported by a validator.
type ValidatorStatus string

const (
	ValidatorPass    ValidatorStatus = "pass"
	ValidatorWarn    ValidatorStatus = "warn"
	ValidatorFail    ValidatorStatus = "fail"
	ValidatorBlock   ValidatorStatus = "block"
	ValidatorSkipped ValidatorStatus = "skipped"
	ValidatorError   ValidatorStatus = "error"
)

// ValidatorResult records one validator's verdict on a task.
type ValidatorResult struct {
	Validator  string          `json:"validator"`
	Status     ValidatorStatus `json:"status"`
	Mode       string          `json:"mode"`
	Summary    string          `json:"summary,omitempty"`
	ReportPath string          `json:"report_path,omitempty"`
	Trigger    string          `json:"trigger,omitempty"`
}

// HumanReview explains why a task was routed to a human.
type HumanReview struct {
	Validator  string `json:"validator"`
	Reason     string `json:"reason"`
	Summary    string `json:"summary,omitempty"`
	ReportPath string `json:"report_path,omitempty"`
}

// CreateInput describes a new run.
type CreateInput struct {
	RunID      string
	Project    string
	RepoPath   string
	MainBranch string
	TaskIDs    []string
	Now        time.Time
}

// NewRunState builds a pending run with every task pending.
func NewRunState(input CreateInput) RunState {
	tasks := make(map[string]*TaskState, len(input.TaskIDs))
	for _, id := range input.TaskIDs {
		tasks[id] = NewTaskState()
	}
	return RunState{
		RunID:      input.RunID,
		Project:    input.Project,
		RepoPath:   input.RepoPath,
		MainBranch: input.MainBranch,
		Status:     RunPending,
		StartedAt:  input.Now,
		UpdatedAt:  input.Now,
		Batches:    []BatchState{},
		Tasks:      tasks,
	}
}

// NewTaskState returns a pending task state.
func NewTaskState() *TaskState {
	return &TaskState{Status: TaskPending, ValidatorResults: []ValidatorResult{}}
}

// Task returns the task state, creating a pending entry when absent.
func (run *RunState) Task(id string) *TaskState {
	if run.Tasks == nil {
		run.Tasks = map[string]*TaskState{}
	}
	task, ok := run.Tasks[id]
	if !ok {
		task = NewTaskState()
		run.Tasks[id] = task
	}
	return task
}

// Batch returns a pointer to the batch with the given id, or nil.
func (run *RunState) Batch(id int) *BatchState {
	for i := range run.Batches {
		if run.Batches[i].ID == id {
			return &run.Batches[i]
		}
	}
	return nil
}

// TaskIDsWithStatus returns sorted task ids in any of the given statuses.
func (run RunState) TaskIDsWithStatus(statuses ...TaskStatus) []string {
	var ids []string
	for id, task := range run.Tasks {
		for _, status := range statuses {
			if task.Status == status {
				ids = append(ids, id)
				break
			}
		}
	}
	return sortStrings(ids)
}

// LatestCheckpoint returns the highest-attempt checkpoint recorded for the task.
func (task TaskState) LatestCheckpoint() (Checkpoint, bool) {
	if len(task.Checkpoints) == 0 {
		return Checkpoint{}, false
	}
	latest := task.Checkpoints[0]
	for _, checkpoint := range task.Checkpoints[1:] {
		if checkpoint.Attempt > latest.Attempt {
			latest = checkpoint
		}
	}
	return latest, true
}
