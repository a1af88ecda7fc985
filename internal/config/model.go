// Package config defines the project configuration for ralph runs and loads it from layered sources.
package config

import (
	"time"

	"github.com/JamesPaynter/efficient-ralph-loop/internal/manifest"
)

// Config is the full configuration surface for a project.
type Config struct {
	RepoPath      string `koanf:"repo_path"`
	MainBranch    string `koanf:"main_branch"`
	TasksDir      string `koanf:"tasks_dir"`
	StateDir      string `koanf:"state_dir"`
	LogsDir       string `koanf:"logs_dir"`
	WorkspacesDir string `koanf:"workspaces_dir"`
	BranchPrefix  string `koanf:"branch_prefix"`

	MaxParallel int            `koanf:"max_parallel"`
	MaxRetries  int            `koanf:"max_retries"`
	Timeouts    TimeoutsConfig `koanf:"timeouts"`

	Lint              string   `koanf:"lint"`
	Doctor            string   `koanf:"doctor"`
	Bootstrap         []string `koanf:"bootstrap"`
	IntegrationDoctor string   `koanf:"integration_doctor"`

	Compliance       ComplianceConfig    `koanf:"compliance"`
	Resources        []manifest.Resource `koanf:"resources"`
	FallbackResource string              `koanf:"fallback_resource"`

	Agent AgentConfig `koanf:"agent"`
	Git   GitConfig   `koanf:"git"`

	CheckpointCommits bool    `koanf:"checkpoint_commits"`
	StopWorkersOnExit bool    `koanf:"stop_containers_on_exit"`
	CleanupWorkspaces bool    `koanf:"cleanup_workspaces"`
	CostPer1KTokens   float64 `koanf:"cost_per_1k_tokens"`
}

// TimeoutsConfig holds per-command timeouts in seconds. Zero disables the limit.
type TimeoutsConfig struct {
	AgentSeconds     int `koanf:"agent_seconds"`
	LintSeconds      int `koanf:"lint_seconds"`
	DoctorSeconds    int `koanf:"doctor_seconds"`
	FastSeconds      int `koanf:"fast_seconds"`
	BootstrapSeconds int `koanf:"bootstrap_seconds"`
}

// ComplianceConfig selects how manifest scope violations are enforced.
type ComplianceConfig struct {
	Policy string `koanf:"policy"`
}

// AgentConfig selects the coding agent CLI and its command template.
type AgentConfig struct {
	CLI     string   `koanf:"cli"`
	Command []string `koanf:"command"`
	Model   string   `koanf:"model"`
}

// GitConfig is the identity used for commits in task workspaces.
type GitConfig struct {
	UserName  string `koanf:"user_name"`
	UserEmail string `koanf:"user_email"`
}

// Built-in agent CLI names.
const (
	CLICodex  = "codex"
	CLIClaude = "claude"
	CLIGemini = "gemini"
)

// PromptPathToken is replaced with the attempt prompt file in agent command templates.
const PromptPathToken = "{prompt_path}"

// BuiltInCommand returns the command template for a built-in agent CLI.
func BuiltInCommand(cli string) ([]string, bool) {
	switch cli {
	case CLICodex:
		return []string{"codex", "exec", "--json", "--sandbox=workspace-write", "--cd", "{workdir}", PromptPathToken}, true
	case CLIClaude:
		return []string{"claude", "--print", "--output-format=stream-json", PromptPathToken}, true
	case CLIGemini:
		return []string{"gemini", PromptPathToken}, true
	default:
		return nil, false
	}
}

// IsValidCLI reports whether the CLI name is a known built-in.
func IsValidCLI(cli string) bool {
	_, ok := BuiltInCommand(cli)
	return ok
}

// AgentCommand returns the explicit command template, or the built-in one for the configured CLI.
func (cfg AgentConfig) AgentCommand() []string {
	if len(cfg.Command) > 0 {
		return cloneStrings(cfg.Command)
	}
	command, _ := BuiltInCommand(cfg.CLI)
	return command
}

// Policy returns the parsed compliance policy. Invalid values were already replaced by ApplyDefaults.
func (cfg Config) Policy() manifest.Policy {
	policy, err := manifest.ParsePolicy(cfg.Compliance.Policy)
	if err != nil {
		return manifest.PolicyWarn
	}
	return policy
}

// Catalog returns the configured resource catalog.
func (cfg Config) Catalog() manifest.Catalog {
	return manifest.Catalog(cfg.Resources)
}

func seconds(value int) time.Duration {
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

// AgentTimeout returns the agent turn timeout.
func (cfg TimeoutsConfig) AgentTimeout() time.Duration { return seconds(cfg.AgentSeconds) }

// LintTimeout returns the lint command timeout.
func (cfg TimeoutsConfig) LintTimeout() time.Duration { return seconds(cfg.LintSeconds) }

// DoctorTimeout returns the doctor command timeout, also used for the integration doctor.
func (cfg TimeoutsConfig) DoctorTimeout() time.Duration { return seconds(cfg.DoctorSeconds) }

// FastTimeout returns the Stage A fast test timeout.
func (cfg TimeoutsConfig) FastTimeout() time.Duration { return seconds(cfg.FastSeconds) }

// BootstrapTimeout returns the per-command bootstrap timeout.
func (cfg TimeoutsConfig) BootstrapTimeout() time.Duration { return seconds(cfg.BootstrapSeconds) }
