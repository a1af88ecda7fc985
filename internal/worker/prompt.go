package worker

import (
	"fmt"

	"github.com/JamesPaynter/efficient-ralph-loop/internal/templates"
)

// Prompt kinds recorded in attempt summaries.
const (
	PromptKindInitial = "initial"
	PromptKindRetry   = "retry"
)

// promptData carries every field referenced by the prompt templates.
type promptData struct {
	TaskID             string
	TaskName           string
	Branch             string
	ManifestPath       string
	Spec               string
	WriteGlobs         []string
	TestPaths          []string
	StrictTDD          bool
	FastCommand        string
	LintCommand        string
	DoctorCommand      string
	FastFailureOutput  string
	LastAttemptSummary string
	FailedAttempt      int
	FailureKind        string
	FailureOutput      string
}

// lastFailure is the verification context carried into the next retry prompt.
type lastFailure struct {
	Kind   string
	Output string
}

func (cfg Config) promptData() promptData {
	return promptData{
		TaskID:        cfg.Manifest.ID,
		TaskName:      cfg.Manifest.Name,
		Branch:        cfg.Branch,
		ManifestPath:  cfg.ManifestPath,
		Spec:          cfg.Spec,
		WriteGlobs:    cfg.Manifest.Files.Writes,
		TestPaths:     cfg.Manifest.TestPaths,
		StrictTDD:     cfg.Manifest.IsStrictTDD(),
		FastCommand:   cfg.fastCommand(),
		LintCommand:   cfg.lintCommand(),
		DoctorCommand: cfg.doctorCommand(),
	}
}

// buildStageAPrompt renders the failing-test prompt.
func buildStageAPrompt(cfg Config, lastSummary string) (string, error) {
	data := cfg.promptData()
	data.LastAttemptSummary = lastSummary
	return templates.Render(templates.PromptStageA, data)
}

// buildImplementationPrompt renders the first implementation prompt, or a retry prompt when a
// failure is pending. A retry without a resumable session also carries the full task prompt.
func buildImplementationPrompt(cfg Config, failure *lastFailure, failedAttempt int, lastSummary string, fastOutput string, threadID string) (string, string, error) {
	data := cfg.promptData()
	data.LastAttemptSummary = lastSummary
	data.FastFailureOutput = preview(fastOutput, OutputPreviewLimit)

	if failure == nil {
		prompt, err := templates.Render(templates.PromptImplementation, data)
		return prompt, PromptKindInitial, err
	}

	data.FailedAttempt = failedAttempt
	data.FailureKind = failure.Kind
	data.FailureOutput = preview(failure.Output, OutputPreviewLimit)
	retry, err := templates.Render(templates.PromptRetry, data)
	if err != nil {
		return "", "", err
	}
	if threadID != "" {
		return retry, PromptKindRetry, nil
	}
	full, err := templates.Render(templates.PromptImplementation, data)
	if err != nil {
		return "", "", err
	}
	return fmt.Sprintf("%s\n%s", full, retry), PromptKindRetry, nil
}
