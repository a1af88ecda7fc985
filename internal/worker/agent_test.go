package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/JamesPaynter/efficient-ralph-loop/internal/audit"
)

const fakeAgentScript = `test -s "$1" || exit 9
echo '{"type":"thread.started","thread_id":"th-42"}'
echo 'plain progress line'
echo '{"type":"turn.completed","usage":{"input_tokens":10,"cached_input_tokens":2,"output_tokens":5}}'
`

// TestCommandAgentParsesStream runs a scripted agent and reads its thread id and usage.
func TestCommandAgentParsesStream(t *testing.T) {
	t.Parallel()
	requireShell(t)
	dir := t.TempDir()
	recorder := &audit.Recorder{}
	agent := CommandAgent{Command: []string{"sh", "-c", fakeAgentScript, "agent", "{prompt_path}"}}

	result, err := agent.RunTurn(context.Background(), TurnRequest{
		Prompt:  "do the task",
		Workdir: dir,
		TaskID:  "001",
		Attempt: 1,
	}, recorder)
	if err != nil {
		t.Fatalf("RunTurn returned error: %v", err)
	}
	if result.ThreadID != "th-42" || !result.Success {
		t.Fatalf("result = %+v", result)
	}
	if result.Usage != (Usage{InputTokens: 10, CachedInputTokens: 2, OutputTokens: 5}) {
		t.Fatalf("usage = %+v", result.Usage)
	}
	prompt, err := os.ReadFile(filepath.Join(dir, ".ralph", "prompts", "attempt-1.md"))
	if err != nil {
		t.Fatalf("read prompt: %v", err)
	}
	if string(prompt) != "do the task" {
		t.Fatalf("prompt = %q", prompt)
	}
	if got := len(recorder.Events("001")); got != 3 {
		t.Fatalf("agent events = %d, want 3", got)
	}
}

// TestCommandAgentTurnFailed surfaces turn.failed as a transport error.
func TestCommandAgentTurnFailed(t *testing.T) {
	t.Parallel()
	requireShell(t)
	script := `echo '{"type":"turn.failed","error":{"message":"quota exhausted"}}'`
	agent := CommandAgent{Command: []string{"sh", "-c", script, "agent", "{prompt_path}"}}
	result, err := agent.RunTurn(context.Background(), TurnRequest{Prompt: "p", Workdir: t.TempDir(), TaskID: "001", Attempt: 1}, nil)
	var transport *TransportError
	if !errors.As(err, &transport) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !strings.Contains(err.Error(), "quota exhausted") {
		t.Fatalf("error = %v", err)
	}
	if result.Success {
		t.Fatal("expected unsuccessful turn")
	}
}

// TestCommandAgentNonZeroExit reports process failures with stderr.
func TestCommandAgentNonZeroExit(t *testing.T) {
	t.Parallel()
	requireShell(t)
	agent := CommandAgent{Command: []string{"sh", "-c", "echo broken >&2; exit 4", "agent", "{prompt_path}"}}
	_, err := agent.RunTurn(context.Background(), TurnRequest{Prompt: "p", Workdir: t.TempDir(), TaskID: "001", Attempt: 2}, nil)
	var transport *TransportError
	if !errors.As(err, &transport) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !strings.Contains(err.Error(), "broken") {
		t.Fatalf("error = %v", err)
	}
}

// TestUsageAdd sums token counts.
func TestUsageAdd(t *testing.T) {
	t.Parallel()
	total := Usage{InputTokens: 1, OutputTokens: 2}.Add(Usage{InputTokens: 3, CachedInputTokens: 1, OutputTokens: 4})
	if total != (Usage{InputTokens: 4, CachedInputTokens: 1, OutputTokens: 6}) || total.Total() != 10 {
		t.Fatalf("total = %+v", total)
	}
}
