// Package scheduler groups task manifests into ordered batches that are safe to run concurrently.
package scheduler

import (
	"sort"
	"strings"

	"github.com/JamesPaynter/efficient-ralph-loop/internal/manifest"
)

// PlanningError reports why no batch plan could be produced.
type PlanningError struct {
	Reason  string
	Cycle   []string
	Missing map[string][]string
	Blocked []string
}

// Planning error reasons.
const (
	ReasonCycle         = "cycle"
	ReasonUnsatisfiable = "unsatisfiable_dependency"
	ReasonDuplicate     = "duplicate_task"
)

func (err *PlanningError) Error() string {
	switch err.Reason {
	case ReasonCycle:
		return "circular dependency detected: " + strings.Join(err.Cycle, " -> ")
	case ReasonUnsatisfiable:
		if len(err.Missing) > 0 {
			parts := make([]string, 0, len(err.Missing))
			for _, id := range sortedKeys(err.Missing) {
				parts = append(parts, id+" -> "+strings.Join(err.Missing[id], ","))
			}
			return "unsatisfiable dependencies: " + strings.Join(parts, "; ")
		}
		return "unsatisfiable dependencies: no ready tasks among " + strings.Join(err.Blocked, ", ")
	case ReasonDuplicate:
		return "duplicate task id: " + strings.Join(err.Blocked, ", ")
	default:
		return "planning failed: " + err.Reason
	}
}

// detectDependencyCycles reports a cycle in the dependency graph when present.
func detectDependencyCycles(byID map[string]manifest.Manifest) error {
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	visitState := make(map[string]int, len(byID))
	for _, id := range ids {
		if visitState[id] != 0 {
			continue
		}
		if err := visitDependencies(id, byID, visitState, nil); err != nil {
			return err
		}
	}
	return nil
}

// visitDependencies performs a DFS walk and stops on the first detected cycle.
func visitDependencies(id string, byID map[string]manifest.Manifest, visitState map[string]int, stack []string) error {
	if visitState[id] == 1 {
		return &PlanningError{Reason: ReasonCycle, Cycle: cyclePath(stack, id)}
	}
	if visitState[id] == 2 {
		return nil
	}
	visitState[id] = 1
	stack = append(stack, id)
	for _, dependency := range byID[id].Dependencies {
		if _, ok := byID[dependency]; !ok {
			continue
		}
		if err := visitDependencies(dependency, byID, visitState, stack); err != nil {
			return err
		}
	}
	visitState[id] = 2
	return nil
}

// cyclePath returns a cycle slice starting at the repeated id.
func cyclePath(stack []string, repeat string) []string {
	index := indexOf(stack, repeat)
	if index == -1 {
		return []string{repeat, repeat}
	}
	path := append([]string{}, stack[index:]...)
	return append(path, repeat)
}

// indexOf returns the index of the target string or -1 when missing.
func indexOf(values []string, target string) int {
	for i, value := range values {
		if value == target {
			return i
		}
	}
	return -1
}

// remainingDependents counts transitive dependents of each remaining task.
func remainingDependents(remaining map[string]manifest.Manifest) map[string]int {
	reverse := make(map[string][]string, len(remaining))
	for id, task := range remaining {
		for _, dependency := range task.Dependencies {
			if _, ok := remaining[dependency]; ok {
				reverse[dependency] = append(reverse[dependency], id)
			}
		}
	}

	counts := make(map[string]int, len(remaining))
	for id := range remaining {
		seen := map[string]struct{}{}
		stack := append([]string{}, reverse[id]...)
		for len(stack) > 0 {
			next := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if _, ok := seen[next]; ok {
				continue
			}
			seen[next] = struct{}{}
			stack = append(stack, reverse[next]...)
		}
		counts[id] = len(seen)
	}
	return counts
}

func sortedKeys(values map[string][]string) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
