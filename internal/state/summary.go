package state

import "sort"

// HumanReviewEntry is one task waiting on a human decision.
type HumanReviewEntry struct {
	ID         string
	Validator  string
	Reason     string
	Summary    string
	ReportPath string
}

// Summary aggregates run progress for status output.
type Summary struct {
	RunID         string
	Project       string
	Status        RunStatus
	TaskCounts    map[TaskStatus]int
	BatchCounts   map[BatchStatus]int
	HumanReview   []HumanReviewEntry
	TokensUsed    int
	EstimatedCost float64
}

// Summarize counts task and batch statuses and collects the human review queue.
func Summarize(run RunState) Summary {
	summary := Summary{
		RunID:   run.RunID,
		Project: run.Project,
		Status:  run.Status,
		TaskCounts: map[TaskStatus]int{
			TaskPending:          0,
			TaskRunning:          0,
			TaskComplete:         0,
			TaskFailed:           0,
			TaskNeedsHumanReview: 0,
			TaskSkipped:          0,
		},
		BatchCounts:   map[BatchStatus]int{},
		HumanReview:   []HumanReviewEntry{},
		TokensUsed:    run.TokensUsed,
		EstimatedCost: run.EstimatedCost,
	}
	for _, batch := range run.Batches {
		summary.BatchCounts[batch.Status]++
	}

	ids := make([]string, 0, len(run.Tasks))
	for id := range run.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		task := run.Tasks[id]
		summary.TaskCounts[task.Status]++
		if task.Status != TaskNeedsHumanReview {
			continue
		}
		entry := HumanReviewEntry{ID: id}
		if task.HumanReview != nil {
			entry.Validator = task.HumanReview.Validator
			entry.Reason = task.HumanReview.Reason
			entry.Summary = task.HumanReview.Summary
			entry.ReportPath = task.HumanReview.ReportPath
		}
		summary.HumanReview = append(summary.HumanReview, entry)
	}
	return summary
}
