package state

import "fmt"

// allowedTaskTransitions defines the permitted task status changes.
var allowedTaskTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskPending: {
		TaskRunning: {},
		TaskSkipped: {},
	},
	TaskRunning: {
		TaskComplete:         {},
		TaskFailed:           {},
		TaskNeedsHumanReview: {},
		TaskPending:          {},
	},
	TaskFailed: {
		TaskPending: {},
	},
	TaskNeedsHumanReview: {
		TaskPending: {},
	},
	TaskComplete: {},
	TaskSkipped:  {},
}

// allowedRunTransitions defines the permitted run status changes.
var allowedRunTransitions = map[RunStatus]map[RunStatus]struct{}{
	RunPending: {
		RunRunning: {},
		RunFailed:  {},
		RunStopped: {},
	},
	RunRunning: {
		RunComplete: {},
		RunFailed:   {},
		RunStopped:  {},
	},
	RunStopped: {
		RunRunning: {},
	},
	RunFailed: {
		RunRunning: {},
	},
	RunComplete: {},
}

// IsValidTaskTransition reports whether the lifecycle allows the requested change.
func IsValidTaskTransition(from TaskStatus, to TaskStatus) bool {
	if from == "" || to == "" {
		return false
	}
	allowed, ok := allowedTaskTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// ValidateTaskTransition returns an error when a task status change is not allowed.
func ValidateTaskTransition(from TaskStatus, to TaskStatus) error {
	if !IsValidTaskTransition(from, to) {
		return fmt.Errorf("invalid task status transition from %q to %q", from, to)
	}
	return nil
}

// ValidateRunTransition returns an error when a run status change is not allowed.
func ValidateRunTransition(from RunStatus, to RunStatus) error {
	if from == to {
		return nil
	}
	allowed, ok := allowedRunTransitions[from]
	if ok {
		if _, ok := allowed[to]; ok {
			return nil
		}
	}
	return fmt.Errorf("invalid run status transition from %q to %q", from, to)
}

// Transition moves the task to the new status after validating the change.
// A no-op transition is accepted.
func (task *TaskState) Transition(to TaskStatus) error {
	if task.Status == to {
		return nil
	}
	if err := ValidateTaskTransition(task.Status, to); err != nil {
		return err
	}
	task.Status = to
	return nil
}

// Transition moves the run to the new status after validating the change.
func (run *RunState) Transition(to RunStatus) error {
	if err := ValidateRunTransition(run.Status, to); err != nil {
		return err
	}
	run.Status = to
	return nil
}

// IsTerminal reports whether no further work will be scheduled for the task in this run.
func (status TaskStatus) IsTerminal() bool {
	switch status {
	case TaskComplete, TaskSkipped, TaskFailed, TaskNeedsHumanReview:
		return true
	default:
		return false
	}
}

// Reopen returns a skipped task to pending so the next plan reconsiders it.
// Dependency skips are recomputed on every plan, so they never survive a resume.
func (task *TaskState) Reopen() bool {
	if task.Status != TaskSkipped {
		return false
	}
	task.Status = TaskPending
	task.LastError = ""
	return true
}
