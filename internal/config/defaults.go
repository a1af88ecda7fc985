package config

import (
	"strings"

	"github.com/JamesPaynter/efficient-ralph-loop/internal/manifest"
)

const (
	defaultMainBranch       = "main"
	defaultTasksDir         = ".ralph/tasks"
	defaultStateDir         = "~/.ralph/state"
	defaultLogsDir          = "~/.ralph/logs"
	defaultWorkspacesDir    = "~/.ralph/workspaces"
	defaultBranchPrefix     = "ralph"
	defaultMaxParallel      = 1
	defaultMaxRetries       = 3
	defaultAgentSeconds     = 1800
	defaultLintSeconds      = 300
	defaultDoctorSeconds    = 900
	defaultFastSeconds      = 300
	defaultBootstrapSeconds = 600
	defaultAgentCLI         = CLICodex
	defaultGitUserName      = "ralph"
	defaultGitUserEmail     = "ralph@localhost"
)

// Defaults returns the documented configuration defaults.
//
// Defaults:
// - main_branch: "main"
// - tasks_dir: ".ralph/tasks" (relative to the repository)
// - state_dir, logs_dir, workspaces_dir: under "~/.ralph"
// - branch_prefix: "ralph"
// - max_parallel: 1
// - max_retries: 3
// - timeouts: agent 1800s, lint 300s, doctor 900s, fast 300s, bootstrap 600s
// - compliance.policy: "warn"
// - agent.cli: "codex"
// - checkpoint_commits: true
func Defaults() Config {
	return Config{
		MainBranch:    defaultMainBranch,
		TasksDir:      defaultTasksDir,
		StateDir:      defaultStateDir,
		LogsDir:       defaultLogsDir,
		WorkspacesDir: defaultWorkspacesDir,
		BranchPrefix:  defaultBranchPrefix,
		MaxParallel:   defaultMaxParallel,
		MaxRetries:    defaultMaxRetries,
		Timeouts: TimeoutsConfig{
			AgentSeconds:     defaultAgentSeconds,
			LintSeconds:      defaultLintSeconds,
			DoctorSeconds:    defaultDoctorSeconds,
			FastSeconds:      defaultFastSeconds,
			BootstrapSeconds: defaultBootstrapSeconds,
		},
		Compliance: ComplianceConfig{Policy: string(manifest.PolicyWarn)},
		Agent:      AgentConfig{CLI: defaultAgentCLI},
		Git: GitConfig{
			UserName:  defaultGitUserName,
			UserEmail: defaultGitUserEmail,
		},
		CheckpointCommits: true,
	}
}

// ApplyDefaults fills missing or invalid values with documented defaults.
func ApplyDefaults(cfg Config, warn func(string)) Config {
	defaults := Defaults()

	cfg.MainBranch = normalizeRequired(cfg.MainBranch, defaults.MainBranch, "main_branch", warn)
	cfg.TasksDir = normalizeRequired(cfg.TasksDir, defaults.TasksDir, "tasks_dir", warn)
	cfg.StateDir = normalizeRequired(cfg.StateDir, defaults.StateDir, "state_dir", warn)
	cfg.LogsDir = normalizeRequired(cfg.LogsDir, defaults.LogsDir, "logs_dir", warn)
	cfg.WorkspacesDir = normalizeRequired(cfg.WorkspacesDir, defaults.WorkspacesDir, "workspaces_dir", warn)
	cfg.BranchPrefix = normalizeBranchPrefix(cfg.BranchPrefix, defaults.BranchPrefix, warn)

	cfg.MaxParallel = normalizePositiveInt(cfg.MaxParallel, defaults.MaxParallel, "max_parallel", warn)
	cfg.MaxRetries = normalizePositiveInt(cfg.MaxRetries, defaults.MaxRetries, "max_retries", warn)
	cfg.Timeouts.AgentSeconds = normalizeTimeout(cfg.Timeouts.AgentSeconds, defaults.Timeouts.AgentSeconds, "timeouts.agent_seconds", warn)
	cfg.Timeouts.LintSeconds = normalizeTimeout(cfg.Timeouts.LintSeconds, defaults.Timeouts.LintSeconds, "timeouts.lint_seconds", warn)
	cfg.Timeouts.DoctorSeconds = normalizeTimeout(cfg.Timeouts.DoctorSeconds, defaults.Timeouts.DoctorSeconds, "timeouts.doctor_seconds", warn)
	cfg.Timeouts.FastSeconds = normalizeTimeout(cfg.Timeouts.FastSeconds, defaults.Timeouts.FastSeconds, "timeouts.fast_seconds", warn)
	cfg.Timeouts.BootstrapSeconds = normalizeTimeout(cfg.Timeouts.BootstrapSeconds, defaults.Timeouts.BootstrapSeconds, "timeouts.bootstrap_seconds", warn)

	cfg.Compliance.Policy = normalizePolicy(cfg.Compliance.Policy, defaults.Compliance.Policy, warn)
	cfg.Resources = normalizeResources(cfg.Resources, warn)
	cfg.FallbackResource = strings.TrimSpace(cfg.FallbackResource)
	if cfg.FallbackResource != "" && !cfg.Catalog().Has(cfg.FallbackResource) {
		emitWarning(warn, "invalid fallback_resource "+cfg.FallbackResource+"; not in resources")
		cfg.FallbackResource = ""
	}

	cfg.Agent.CLI = normalizeCLI(cfg.Agent.CLI, defaults.Agent.CLI, "agent.cli", warn)
	cfg.Agent.Command = normalizeCommandOverride(cfg.Agent.Command, "agent.command", warn)
	cfg.Bootstrap = normalizeCommands(cfg.Bootstrap)

	if strings.TrimSpace(cfg.Git.UserName) == "" {
		cfg.Git.UserName = defaults.Git.UserName
	}
	if strings.TrimSpace(cfg.Git.UserEmail) == "" {
		cfg.Git.UserEmail = defaults.Git.UserEmail
	}
	if cfg.CostPer1KTokens < 0 {
		emitWarning(warn, "invalid cost_per_1k_tokens; using 0")
		cfg.CostPer1KTokens = 0
	}
	return cfg
}

// normalizeRequired defaults empty string settings.
func normalizeRequired(value string, fallback string, key string, warn func(string)) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		emitWarning(warn, "invalid "+key+"; using default")
		return fallback
	}
	return trimmed
}

// normalizeBranchPrefix strips surrounding slashes so branch names join cleanly.
func normalizeBranchPrefix(value string, fallback string, warn func(string)) string {
	trimmed := strings.Trim(strings.TrimSpace(value), "/")
	if trimmed == "" || strings.ContainsAny(trimmed, " ~^:?*[\\") {
		emitWarning(warn, "invalid branch_prefix; using default")
		return fallback
	}
	return trimmed
}

// normalizePositiveInt defaults invalid values.
func normalizePositiveInt(value int, fallback int, key string, warn func(string)) int {
	if value <= 0 {
		emitWarning(warn, "invalid "+key+"; using default")
		return fallback
	}
	return value
}

// normalizeTimeout keeps zero (no limit) and defaults negative values.
func normalizeTimeout(value int, fallback int, key string, warn func(string)) int {
	if value < 0 {
		emitWarning(warn, "invalid "+key+"; using default")
		return fallback
	}
	return value
}

// normalizePolicy validates the compliance policy.
func normalizePolicy(value string, fallback string, warn func(string)) string {
	policy, err := manifest.ParsePolicy(value)
	if err != nil {
		emitWarning(warn, "invalid compliance.policy; using "+fallback)
		return fallback
	}
	return string(policy)
}

// normalizeResources drops unnamed resources and duplicates, keeping the first definition.
func normalizeResources(values []manifest.Resource, warn func(string)) []manifest.Resource {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	normalized := make([]manifest.Resource, 0, len(values))
	for _, resource := range values {
		resource.Name = strings.TrimSpace(resource.Name)
		if resource.Name == "" {
			emitWarning(warn, "invalid resources entry; name is required")
			continue
		}
		if _, ok := seen[resource.Name]; ok {
			emitWarning(warn, "duplicate resource "+resource.Name+"; keeping first definition")
			continue
		}
		seen[resource.Name] = struct{}{}
		resource.Paths = normalizeCommands(resource.Paths)
		normalized = append(normalized, resource)
	}
	return normalized
}

// normalizeCLI validates and defaults the CLI selection.
func normalizeCLI(value string, fallback string, key string, warn func(string)) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || !IsValidCLI(trimmed) {
		emitWarning(warn, "invalid "+key+"; using default CLI")
		return fallback
	}
	return trimmed
}

// normalizeCommandOverride validates command overrides (allows empty).
func normalizeCommandOverride(value []string, key string, warn func(string)) []string {
	if len(value) == 0 {
		return nil // empty is valid - means use built-in CLI command
	}
	if !containsPromptPathToken(value) {
		emitWarning(warn, "invalid "+key+"; must contain "+PromptPathToken)
		return nil
	}
	return cloneStrings(value)
}

// normalizeCommands trims entries and drops blanks.
func normalizeCommands(values []string) []string {
	var normalized []string
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

// containsPromptPathToken reports whether the template includes {prompt_path}.
func containsPromptPathToken(command []string) bool {
	for _, token := range command {
		if strings.Contains(token, PromptPathToken) {
			return true
		}
	}
	return false
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

// emitWarning forwards warnings to the provided sink.
func emitWarning(warn func(string), message string) {
	if warn == nil {
		return
	}
	warn(message)
}
