package config

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/JamesPaynter/efficient-ralph-loop/internal/manifest"
)

// TestDefaultsDocumentedValues verifies the published defaults are stable.
func TestDefaultsDocumentedValues(t *testing.T) {
	t.Parallel()

	cfg := Defaults()

	if got, want := cfg.MaxParallel, defaultMaxParallel; got != want {
		t.Fatalf("max_parallel = %d, want %d", got, want)
	}
	if got, want := cfg.MaxRetries, defaultMaxRetries; got != want {
		t.Fatalf("max_retries = %d, want %d", got, want)
	}
	if got, want := cfg.Timeouts.AgentTimeout(), 30*time.Minute; got != want {
		t.Fatalf("agent timeout = %s, want %s", got, want)
	}
	if cfg.Policy() != manifest.PolicyWarn {
		t.Fatalf("policy = %q, want warn", cfg.Policy())
	}
	if !cfg.CheckpointCommits {
		t.Fatal("checkpoint_commits should default to true")
	}
	command := cfg.Agent.AgentCommand()
	if len(command) == 0 || !containsPromptPathToken(command) {
		t.Fatalf("default agent command = %v, want built-in codex template", command)
	}
}

// TestApplyDefaultsMissingConfig verifies defaults apply to an empty config. Zero timeouts mean
// no limit and are kept.
func TestApplyDefaultsMissingConfig(t *testing.T) {
	t.Parallel()

	cfg := ApplyDefaults(Config{CheckpointCommits: true}, nil)
	want := Defaults()
	want.Timeouts = TimeoutsConfig{}
	if !reflect.DeepEqual(cfg, want) {
		t.Fatalf("ApplyDefaults(empty) = %+v, want %+v", cfg, want)
	}
	if cfg.Timeouts.AgentTimeout() != 0 || cfg.Timeouts.DoctorTimeout() != 0 {
		t.Fatalf("zero timeouts should stay unlimited, got %+v", cfg.Timeouts)
	}
}

// TestApplyDefaultsInvalidValues verifies invalid values fall back to defaults with warnings.
func TestApplyDefaultsInvalidValues(t *testing.T) {
	t.Parallel()

	cfg := Defaults()
	cfg.MaxParallel = -1
	cfg.MaxRetries = 0
	cfg.Timeouts.LintSeconds = -5
	cfg.Timeouts.FastSeconds = 0
	cfg.BranchPrefix = "bad prefix"
	cfg.Compliance.Policy = "strict"
	cfg.Agent.CLI = "copilot"
	cfg.Agent.Command = []string{"echo", "no-prompt"}
	cfg.Resources = []manifest.Resource{
		{Name: "api", Paths: []string{"api/**", " "}},
		{Name: " ", Paths: []string{"x/**"}},
		{Name: "api", Paths: []string{"other/**"}},
	}
	cfg.FallbackResource = "missing"
	cfg.CostPer1KTokens = -1

	var warnings []string
	got := ApplyDefaults(cfg, func(message string) {
		warnings = append(warnings, message)
	})

	if got.MaxParallel != defaultMaxParallel || got.MaxRetries != defaultMaxRetries {
		t.Fatalf("limits = %d/%d, want defaults", got.MaxParallel, got.MaxRetries)
	}
	if got.Timeouts.LintSeconds != defaultLintSeconds {
		t.Fatalf("lint_seconds = %d, want %d", got.Timeouts.LintSeconds, defaultLintSeconds)
	}
	if got.Timeouts.FastSeconds != 0 || got.Timeouts.FastTimeout() != 0 {
		t.Fatalf("fast_seconds = %d, want 0 (no limit)", got.Timeouts.FastSeconds)
	}
	if got.BranchPrefix != defaultBranchPrefix {
		t.Fatalf("branch_prefix = %q, want %q", got.BranchPrefix, defaultBranchPrefix)
	}
	if got.Compliance.Policy != "warn" {
		t.Fatalf("compliance.policy = %q, want warn", got.Compliance.Policy)
	}
	if got.Agent.CLI != defaultAgentCLI || got.Agent.Command != nil {
		t.Fatalf("agent = %+v, want default CLI and no override", got.Agent)
	}
	if len(got.Resources) != 1 || !reflect.DeepEqual(got.Resources[0].Paths, []string{"api/**"}) {
		t.Fatalf("resources = %+v, want single api resource", got.Resources)
	}
	if got.FallbackResource != "" {
		t.Fatalf("fallback_resource = %q, want empty", got.FallbackResource)
	}
	if got.CostPer1KTokens != 0 {
		t.Fatalf("cost_per_1k_tokens = %v, want 0", got.CostPer1KTokens)
	}

	expected := []string{
		"max_parallel",
		"max_retries",
		"timeouts.lint_seconds",
		"branch_prefix",
		"compliance.policy",
		"agent.cli",
		"agent.command",
		"duplicate resource api",
		"fallback_resource",
		"cost_per_1k_tokens",
	}
	joined := strings.Join(warnings, "\n")
	for _, key := range expected {
		if !strings.Contains(joined, key) {
			t.Fatalf("warnings missing %q: %v", key, warnings)
		}
	}
}

func TestAgentCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		agent  AgentConfig
		first  string
		length int
	}{
		{name: "codex", agent: AgentConfig{CLI: CLICodex}, first: "codex", length: 7},
		{name: "claude", agent: AgentConfig{CLI: CLIClaude}, first: "claude", length: 4},
		{name: "gemini", agent: AgentConfig{CLI: CLIGemini}, first: "gemini", length: 2},
		{name: "override", agent: AgentConfig{CLI: CLICodex, Command: []string{"agent", "{prompt_path}"}}, first: "agent", length: 2},
		{name: "unknown", agent: AgentConfig{CLI: "nope"}, length: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			command := tt.agent.AgentCommand()
			if len(command) != tt.length {
				t.Fatalf("command = %v, want %d tokens", command, tt.length)
			}
			if tt.length > 0 && command[0] != tt.first {
				t.Fatalf("command[0] = %q, want %q", command[0], tt.first)
			}
		})
	}
}

func TestAgentCommandReturnsCopy(t *testing.T) {
	t.Parallel()

	agent := AgentConfig{Command: []string{"agent", "{prompt_path}"}}
	command := agent.AgentCommand()
	command[0] = "mutated"
	if agent.Command[0] != "agent" {
		t.Fatalf("AgentCommand shares backing array: %v", agent.Command)
	}
}
