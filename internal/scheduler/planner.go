package scheduler

import (
	"fmt"
	"sort"

	"github.com/JamesPaynter/efficient-ralph-loop/internal/manifest"
)

// Batch is a group of tasks that may run concurrently.
type Batch struct {
	ID    int            `json:"id"`
	Tasks []string       `json:"tasks"`
	Locks manifest.Locks `json:"locks"`
}

// Decision records why a ready task joined or skipped a batch.
type Decision struct {
	TaskID   string
	BatchID  int
	Selected bool
	Reason   string
}

// Plan is the ordered batch sequence and the decisions that produced it.
type Plan struct {
	Batches   []Batch
	Decisions []Decision
}

// Input describes the tasks to plan and those already complete.
type Input struct {
	Manifests []manifest.Manifest
	Completed []string
}

const (
	reasonSelected = "selected (dependencies satisfied, no lock conflict)"
	reasonConflict = "deferred (lock conflict with %s)"
)

// PlanBatches layers the remaining tasks into batches. Each batch holds ready tasks whose
// locks do not conflict. Ready tasks are admitted greedily, ordered by the number of tasks
// still waiting on them (descending) and then by id, so every deferred task conflicts with
// an admitted one. Cycles and dependencies on unknown tasks return a *PlanningError and no plan.
func PlanBatches(input Input) (Plan, error) {
	completed := make(map[string]struct{}, len(input.Completed))
	for _, id := range input.Completed {
		completed[id] = struct{}{}
	}

	all := make(map[string]manifest.Manifest, len(input.Manifests))
	remaining := make(map[string]manifest.Manifest, len(input.Manifests))
	var duplicates []string
	for _, task := range input.Manifests {
		if _, ok := all[task.ID]; ok {
			duplicates = append(duplicates, task.ID)
			continue
		}
		all[task.ID] = task
		if _, done := completed[task.ID]; !done {
			remaining[task.ID] = task
		}
	}
	if len(duplicates) > 0 {
		sort.Strings(duplicates)
		return Plan{}, &PlanningError{Reason: ReasonDuplicate, Blocked: duplicates}
	}

	missing := map[string][]string{}
	for id, task := range remaining {
		for _, dependency := range task.Dependencies {
			if _, known := all[dependency]; known {
				continue
			}
			if _, done := completed[dependency]; done {
				continue
			}
			missing[id] = append(missing[id], dependency)
		}
	}
	if len(missing) > 0 {
		return Plan{}, &PlanningError{Reason: ReasonUnsatisfiable, Missing: missing}
	}
	if err := detectDependencyCycles(remaining); err != nil {
		return Plan{}, err
	}

	dependents := remainingDependents(remaining)
	satisfied := make(map[string]struct{}, len(all))
	for id := range completed {
		satisfied[id] = struct{}{}
	}

	plan := Plan{}
	for len(remaining) > 0 {
		ready := readyTasks(remaining, satisfied)
		if len(ready) == 0 {
			blocked := make([]string, 0, len(remaining))
			for id := range remaining {
				blocked = append(blocked, id)
			}
			sort.Strings(blocked)
			return Plan{}, &PlanningError{Reason: ReasonUnsatisfiable, Blocked: blocked}
		}
		sort.SliceStable(ready, func(i, j int) bool {
			left, right := ready[i], ready[j]
			if dependents[left.ID] != dependents[right.ID] {
				return dependents[left.ID] > dependents[right.ID]
			}
			return left.ID < right.ID
		})

		batchID := len(plan.Batches) + 1
		var admitted []manifest.Manifest
		for _, candidate := range ready {
			if blocker := firstConflict(candidate, admitted); blocker != "" {
				plan.Decisions = append(plan.Decisions, Decision{
					TaskID:  candidate.ID,
					BatchID: batchID,
					Reason:  fmt.Sprintf(reasonConflict, blocker),
				})
				continue
			}
			admitted = append(admitted, candidate)
			plan.Decisions = append(plan.Decisions, Decision{
				TaskID:   candidate.ID,
				BatchID:  batchID,
				Selected: true,
				Reason:   reasonSelected,
			})
		}

		batch := Batch{ID: batchID, Tasks: make([]string, 0, len(admitted))}
		locks := make([]manifest.Locks, 0, len(admitted))
		for _, task := range admitted {
			batch.Tasks = append(batch.Tasks, task.ID)
			locks = append(locks, task.Locks)
			satisfied[task.ID] = struct{}{}
			delete(remaining, task.ID)
		}
		sort.Strings(batch.Tasks)
		batch.Locks = manifest.MergeLocks(locks...)
		plan.Batches = append(plan.Batches, batch)
	}
	return plan, nil
}

// readyTasks returns remaining tasks whose dependencies are all satisfied.
func readyTasks(remaining map[string]manifest.Manifest, satisfied map[string]struct{}) []manifest.Manifest {
	ready := make([]manifest.Manifest, 0, len(remaining))
	for _, task := range remaining {
		if dependenciesSatisfied(task, satisfied) {
			ready = append(ready, task)
		}
	}
	return ready
}

// dependenciesSatisfied reports whether all dependencies are complete for the task.
func dependenciesSatisfied(task manifest.Manifest, satisfied map[string]struct{}) bool {
	for _, dependency := range task.Dependencies {
		if _, ok := satisfied[dependency]; !ok {
			return false
		}
	}
	return true
}

// firstConflict returns the id of the first admitted task whose locks conflict with candidate.
func firstConflict(candidate manifest.Manifest, admitted []manifest.Manifest) string {
	for _, task := range admitted {
		if manifest.LocksConflict(candidate.Locks, task.Locks) {
			return task.ID
		}
	}
	return ""
}

// BatchFor returns the batch containing the task id.
func (plan Plan) BatchFor(taskID string) (Batch, bool) {
	for _, batch := range plan.Batches {
		for _, id := range batch.Tasks {
			if id == taskID {
				return batch, true
			}
		}
	}
	return Batch{}, false
}
