package worker

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// TemplateValues holds the substitutions available to agent command templates.
type TemplateValues struct {
	PromptPath string
	Workdir    string
	TaskID     string
	ThreadID   string
	Attempt    int
}

// ResolveCommand fills an agent command template. Supported tokens are {prompt_path}, {workdir},
// {task_id}, {thread_id}, and {attempt}.
func ResolveCommand(template []string, values TemplateValues) ([]string, error) {
	if len(template) == 0 {
		return nil, errors.New("agent command is required")
	}
	if strings.TrimSpace(values.Workdir) == "" {
		return nil, errors.New("work directory is required")
	}
	updated := make([]string, 0, len(template))
	usesPrompt := false
	for _, token := range template {
		if strings.Contains(token, "{prompt_path}") {
			usesPrompt = true
		}
		token = strings.ReplaceAll(token, "{prompt_path}", values.PromptPath)
		token = strings.ReplaceAll(token, "{workdir}", values.Workdir)
		token = strings.ReplaceAll(token, "{task_id}", values.TaskID)
		token = strings.ReplaceAll(token, "{attempt}", strconv.Itoa(values.Attempt))
		if strings.Contains(token, "{thread_id}") {
			if values.ThreadID == "" {
				continue
			}
			token = strings.ReplaceAll(token, "{thread_id}", values.ThreadID)
		}
		updated = append(updated, token)
	}
	if !usesPrompt {
		return nil, errors.New("agent command must include {prompt_path}")
	}
	if strings.TrimSpace(values.PromptPath) == "" {
		return nil, fmt.Errorf("agent command uses {prompt_path} but prompt data is missing")
	}
	return updated, nil
}

// cloneStrings copies a string slice to avoid shared references.
func cloneStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	clone := make([]string, len(values))
	copy(clone, values)
	return clone
}
