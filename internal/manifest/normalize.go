package manifest

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Strict TDD readiness codes reported when the failing-test stage cannot run.
const (
	SkipReasonMissingTestPaths   = "missing_test_paths"
	SkipReasonMissingFastCommand = "missing_fast_command"
)

// Normalize trims, dedupes, and sorts manifest fields and validates required values.
func Normalize(manifest Manifest) (Manifest, error) {
	normalized := manifest
	normalized.ID = strings.TrimSpace(manifest.ID)
	normalized.Name = strings.TrimSpace(manifest.Name)
	normalized.Description = strings.TrimSpace(manifest.Description)
	normalized.Dependencies = normalizeList(manifest.Dependencies)
	normalized.Locks = NormalizeLocks(manifest.Locks)
	normalized.Files = Files{
		Reads:  normalizeList(manifest.Files.Reads),
		Writes: normalizeList(manifest.Files.Writes),
	}
	normalized.AffectedTests = normalizeList(manifest.AffectedTests)
	normalized.TestPaths = normalizeList(manifest.TestPaths)
	normalized.Verify = Verify{
		Doctor: strings.TrimSpace(manifest.Verify.Doctor),
		Fast:   strings.TrimSpace(manifest.Verify.Fast),
		Lint:   strings.TrimSpace(manifest.Verify.Lint),
	}

	mode := TDDMode(strings.ToLower(strings.TrimSpace(string(manifest.TDDMode))))
	switch mode {
	case "":
		mode = TDDModeOff
	case TDDModeOff, TDDModeStrict:
	default:
		return Manifest{}, fmt.Errorf("task %s: unsupported tdd_mode %q", normalized.ID, manifest.TDDMode)
	}
	normalized.TDDMode = mode

	if normalized.ID == "" {
		return Manifest{}, errors.New("task id is required")
	}
	if normalized.Name == "" {
		return Manifest{}, fmt.Errorf("task %s: name is required", normalized.ID)
	}
	if normalized.Verify.Doctor == "" {
		return Manifest{}, fmt.Errorf("task %s: verify.doctor is required", normalized.ID)
	}
	for _, dependency := range normalized.Dependencies {
		if dependency == normalized.ID {
			return Manifest{}, fmt.Errorf("task %s: depends on itself", normalized.ID)
		}
	}
	return normalized, nil
}

// NormalizeLocks trims, dedupes, and sorts read and write locks.
func NormalizeLocks(locks Locks) Locks {
	return Locks{
		Reads:  normalizeList(locks.Reads),
		Writes: normalizeList(locks.Writes),
	}
}

// ValidateLocks reports lock entries that reference resources missing from the catalog.
// An empty catalog disables the check.
func ValidateLocks(manifest Manifest, catalog Catalog) []string {
	if len(catalog) == 0 {
		return nil
	}
	var issues []string
	for _, resource := range manifest.Locks.Reads {
		if !catalog.Has(resource) {
			issues = append(issues, fmt.Sprintf("locks.reads references unknown resource %q", resource))
		}
	}
	for _, resource := range manifest.Locks.Writes {
		if !catalog.Has(resource) {
			issues = append(issues, fmt.Sprintf("locks.writes references unknown resource %q", resource))
		}
	}
	return issues
}

// StrictTDDSkipReason returns the reason the failing-test stage cannot run, or "" when it can.
func StrictTDDSkipReason(manifest Manifest) string {
	if !manifest.IsStrictTDD() {
		return ""
	}
	if len(manifest.TestPaths) == 0 {
		return SkipReasonMissingTestPaths
	}
	if manifest.Verify.Fast == "" {
		return SkipReasonMissingFastCommand
	}
	return ""
}

// normalizeList trims values, drops empties, and returns a sorted unique slice.
func normalizeList(values []string) []string {
	if len(values) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}
	sort.Strings(result)
	return result
}
