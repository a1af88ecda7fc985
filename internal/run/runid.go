package run

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// runIDLayout is the UTC timestamp prefix of a run id.
const runIDLayout = "20060102-150405"

// NewRunID returns a sortable id: the UTC start time plus a short random suffix.
func NewRunID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return now.UTC().Format(runIDLayout) + "-" + suffix
}

// ResolveRunID returns the id the next run will use: the requested id, the project's latest run
// when resuming without one, or a fresh id.
func ResolveRunID(states StateRepository, project string, runID string, resume bool, now time.Time) (string, error) {
	if runID = strings.TrimSpace(runID); runID != "" {
		return runID, nil
	}
	if resume {
		return states.FindLatestRunID(project)
	}
	return NewRunID(now), nil
}
