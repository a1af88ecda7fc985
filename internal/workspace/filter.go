package workspace

import (
	"path/filepath"
	"strings"
)

// FilterInternalChanges drops paths that belong to the orchestrator rather than the task:
// the .ralph directory, anything under .git, and the run logs directory when it lives inside
// the workspace.
func FilterInternalChanges(files []string, workspacePath string, runLogsDir string) []string {
	logsRelative := ""
	if strings.TrimSpace(runLogsDir) != "" && strings.TrimSpace(workspacePath) != "" {
		if rel, err := filepath.Rel(workspacePath, runLogsDir); err == nil {
			rel = filepath.ToSlash(rel)
			if rel != "." && rel != ".." && !strings.HasPrefix(rel, "../") {
				logsRelative = rel
			}
		}
	}

	filtered := make([]string, 0, len(files))
	for _, file := range files {
		path := filepath.ToSlash(file)
		switch {
		case path == InternalDirName || strings.HasPrefix(path, InternalDirName+"/"):
			continue
		case path == ".git" || strings.HasPrefix(path, ".git/"):
			continue
		case logsRelative != "" && (path == logsRelative || strings.HasPrefix(path, logsRelative+"/")):
			continue
		}
		filtered = append(filtered, path)
	}
	return filtered
}
