package manifest

import (
	"fmt"
	"sort"
)

// RescopeStatus labels the outcome of a rescope computation.
type RescopeStatus string

const (
	RescopeUpdated RescopeStatus = "updated"
	RescopeNoop    RescopeStatus = "noop"
	RescopeFailed  RescopeStatus = "failed"
)

// RescopeResult carries the widened manifest and what was added to it.
type RescopeResult struct {
	Status     RescopeStatus `json:"status"`
	Reason     string        `json:"reason,omitempty"`
	Manifest   *Manifest     `json:"manifest,omitempty"`
	AddedLocks []string      `json:"added_locks,omitempty"`
	AddedFiles []string      `json:"added_files,omitempty"`
}

// Rescope computes a manifest whose write locks and files cover the reported violations.
func Rescope(manifest Manifest, report ComplianceReport) RescopeResult {
	if len(report.Violations) == 0 {
		return RescopeResult{Status: RescopeNoop, Reason: "no compliance violations to rescope"}
	}

	existingLocks := toSet(manifest.Locks.Writes)
	existingWrites := toSet(manifest.Files.Writes)
	existingReads := toSet(manifest.Files.Reads)
	addedLocks := map[string]struct{}{}
	addedFiles := map[string]struct{}{}

	for _, violation := range report.Violations {
		if violation.HasReason(ReasonResourceUnmapped) && len(violation.Resources) == 0 {
			return RescopeResult{
				Status: RescopeFailed,
				Reason: fmt.Sprintf("cannot rescope: resource mapping missing for %s", violation.Path),
			}
		}
		if violation.HasReason(ReasonResourceNotLocked) {
			for _, resource := range violation.Resources {
				if _, ok := existingLocks[resource]; !ok {
					addedLocks[resource] = struct{}{}
				}
			}
		}
		if violation.HasReason(ReasonFileNotDeclared) {
			path := NormalizePath(violation.Path)
			_, declaredWrite := existingWrites[path]
			_, declaredRead := existingReads[path]
			if !declaredWrite && !declaredRead {
				addedFiles[path] = struct{}{}
			}
		}
	}

	if len(addedLocks) == 0 && len(addedFiles) == 0 {
		return RescopeResult{Status: RescopeNoop, Reason: "violations present but no new locks or files to add"}
	}

	locks := sortedKeys(addedLocks)
	files := sortedKeys(addedFiles)
	next := manifest
	next.Locks = NormalizeLocks(Locks{
		Reads:  manifest.Locks.Reads,
		Writes: append(append([]string{}, manifest.Locks.Writes...), locks...),
	})
	next.Files = Files{
		Reads:  normalizeList(append(append([]string{}, manifest.Files.Reads...), files...)),
		Writes: normalizeList(append(append([]string{}, manifest.Files.Writes...), files...)),
	}
	return RescopeResult{Status: RescopeUpdated, Manifest: &next, AddedLocks: locks, AddedFiles: files}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
