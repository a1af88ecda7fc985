package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Policy selects how scope violations are enforced.
type Policy string

const (
	// PolicyOff skips compliance checks.
	PolicyOff Policy = "off"
	// PolicyWarn reports violations and lets the task continue.
	PolicyWarn Policy = "warn"
	// PolicyBlock stops the task from merging when violations exist.
	PolicyBlock Policy = "block"
)

// ParsePolicy validates a policy string.
func ParsePolicy(value string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(value))) {
	case PolicyOff:
		return PolicyOff, nil
	case PolicyWarn, "":
		return PolicyWarn, nil
	case PolicyBlock:
		return PolicyBlock, nil
	default:
		return "", fmt.Errorf("unsupported compliance policy %q", value)
	}
}

// ComplianceStatus is the outcome of a compliance check.
type ComplianceStatus string

const (
	ComplianceSkipped ComplianceStatus = "skipped"
	CompliancePass    ComplianceStatus = "pass"
	ComplianceWarn    ComplianceStatus = "warn"
	ComplianceBlock   ComplianceStatus = "block"
)

// AccessReason explains why a changed file violates the declared scope.
type AccessReason string

const (
	ReasonResourceNotLocked AccessReason = "resource_not_locked_for_write"
	ReasonFileNotDeclared   AccessReason = "file_not_declared_for_write"
	ReasonResourceUnmapped  AccessReason = "resource_unmapped"
)

// FileResource maps a changed file to the resources that own it.
type FileResource struct {
	Path      string   `json:"path"`
	Resources []string `json:"resources"`
}

// Violation records a changed file outside the declared scope.
type Violation struct {
	Path      string         `json:"path"`
	Resources []string       `json:"resources"`
	Reasons   []AccessReason `json:"reasons"`
}

// HasReason reports whether the violation carries the given reason.
func (violation Violation) HasReason(reason AccessReason) bool {
	for _, candidate := range violation.Reasons {
		if candidate == reason {
			return true
		}
	}
	return false
}

// ComplianceInput holds everything needed to evaluate one task's changes.
type ComplianceInput struct {
	Manifest         Manifest
	Policy           Policy
	ChangedFiles     []string
	Catalog          Catalog
	FallbackResource string
}

// ComplianceReport is the persisted record of a compliance check.
type ComplianceReport struct {
	TaskID       string           `json:"task_id"`
	TaskName     string           `json:"task_name"`
	Policy       Policy           `json:"policy"`
	Status       ComplianceStatus `json:"status"`
	ChangedFiles []FileResource   `json:"changed_files"`
	Violations   []Violation      `json:"violations"`
	Locks        Locks            `json:"locks"`
	Files        Files            `json:"files"`
	Rescope      *RescopeResult   `json:"rescope,omitempty"`
}

// ScopeViolation is returned when a blocking policy rejects a task's changes.
type ScopeViolation struct {
	TaskID     string
	Violations []Violation
}

func (err *ScopeViolation) Error() string {
	return fmt.Sprintf("task %s: %s", err.TaskID, DescribeViolations(err.Violations))
}

// CheckCompliance compares changed files with the manifest's declared write scope.
func CheckCompliance(input ComplianceInput) ComplianceReport {
	report := ComplianceReport{
		TaskID:       input.Manifest.ID,
		TaskName:     input.Manifest.Name,
		Policy:       input.Policy,
		ChangedFiles: []FileResource{},
		Violations:   []Violation{},
		Locks:        input.Manifest.Locks,
		Files:        input.Manifest.Files,
	}
	if input.Policy == PolicyOff {
		report.Status = ComplianceSkipped
		return report
	}

	files := make([]string, 0, len(input.ChangedFiles))
	for _, file := range input.ChangedFiles {
		if normalized := NormalizePath(file); normalized != "" {
			files = append(files, normalized)
		}
	}
	sort.Strings(files)

	declaredLocks := toSet(input.Manifest.Locks.Writes)
	for _, file := range files {
		resources := ResolveResources(file, input.Catalog, input.FallbackResource)
		report.ChangedFiles = append(report.ChangedFiles, FileResource{Path: file, Resources: resources})

		var reasons []AccessReason
		if len(resources) == 0 {
			reasons = append(reasons, ReasonResourceUnmapped)
		} else {
			for _, resource := range resources {
				if _, ok := declaredLocks[resource]; !ok {
					reasons = append(reasons, ReasonResourceNotLocked)
					break
				}
			}
		}
		if !MatchAny(input.Manifest.Files.Writes, file) {
			reasons = append(reasons, ReasonFileNotDeclared)
		}
		if len(reasons) > 0 {
			report.Violations = append(report.Violations, Violation{Path: file, Resources: resources, Reasons: reasons})
		}
	}

	switch {
	case len(report.Violations) == 0:
		report.Status = CompliancePass
	case input.Policy == PolicyBlock:
		report.Status = ComplianceBlock
	default:
		report.Status = ComplianceWarn
	}
	return report
}

// ResolveResources returns the sorted catalog resources whose paths match the file,
// falling back to the fallback resource when none match.
func ResolveResources(file string, catalog Catalog, fallback string) []string {
	matches := map[string]struct{}{}
	for _, resource := range catalog {
		if MatchAny(resource.Paths, file) {
			matches[resource.Name] = struct{}{}
		}
	}
	if len(matches) == 0 {
		if strings.TrimSpace(fallback) == "" {
			return []string{}
		}
		return []string{strings.TrimSpace(fallback)}
	}
	resources := make([]string, 0, len(matches))
	for name := range matches {
		resources = append(resources, name)
	}
	sort.Strings(resources)
	return resources
}

// FilesOutsideScope lists changed files that match none of the declared write globs.
func FilesOutsideScope(changed []string, writeGlobs []string) []string {
	outside := []string{}
	for _, file := range changed {
		if !MatchAny(writeGlobs, file) {
			outside = append(outside, NormalizePath(file))
		}
	}
	return outside
}

// DescribeViolations summarizes violations for logs and review notes.
func DescribeViolations(violations []Violation) string {
	if len(violations) == 0 {
		return "0 undeclared access request(s)"
	}
	return fmt.Sprintf("%d undeclared access request(s) (example: %s)", len(violations), violations[0].Path)
}

// WriteReport persists a compliance report as indented JSON.
func WriteReport(path string, report ComplianceReport) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create compliance report dir: %w", err)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode compliance report: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write compliance report %s: %w", path, err)
	}
	return nil
}
