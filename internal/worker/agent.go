package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/JamesPaynter/efficient-ralph-loop/internal/audit"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/workspace"
)

// EventSink receives attempt events.
type EventSink interface {
	Emit(entry audit.Entry)
}

// Usage counts tokens reported by the agent for one or more turns.
type Usage struct {
	InputTokens       int `json:"input_tokens"`
	CachedInputTokens int `json:"cached_input_tokens"`
	OutputTokens      int `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (usage Usage) Total() int {
	return usage.InputTokens + usage.OutputTokens
}

// Add returns the element-wise sum.
func (usage Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:       usage.InputTokens + other.InputTokens,
		CachedInputTokens: usage.CachedInputTokens + other.CachedInputTokens,
		OutputTokens:      usage.OutputTokens + other.OutputTokens,
	}
}

// TurnRequest is one prompt sent to the agent. An empty ThreadID starts a new session.
type TurnRequest struct {
	Prompt   string
	ThreadID string
	Workdir  string
	TaskID   string
	Attempt  int
}

// TurnResult reports the session the turn ran in and the tokens it used.
type TurnResult struct {
	ThreadID string
	Success  bool
	Usage    Usage
}

// Agent runs a single agent turn inside a workspace.
type Agent interface {
	RunTurn(ctx context.Context, request TurnRequest, events EventSink) (TurnResult, error)
}

const (
	agentOutputLimit  = 64 * 1024
	agentEventPreview = 512
	promptDirName     = "prompts"
)

// CommandAgent runs an agent CLI that streams JSON events on stdout, one per line.
// It recognizes {"type":"thread.started","thread_id":...}, {"type":"turn.completed","usage":{...}}
// and {"type":"turn.failed"}; other lines are forwarded as agent events.
type CommandAgent struct {
	Command []string
	Model   string
	Timeout time.Duration
	Env     map[string]string
}

type agentLine struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	Usage    *Usage `json:"usage"`
	Error    *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// RunTurn writes the prompt to the workspace, execs the command template, and parses its events.
func (agent CommandAgent) RunTurn(ctx context.Context, request TurnRequest, events EventSink) (TurnResult, error) {
	if events == nil {
		events = audit.Discard
	}
	if strings.TrimSpace(request.Workdir) == "" {
		return TurnResult{}, errors.New("work directory is required")
	}
	promptPath, err := writePrompt(request)
	if err != nil {
		return TurnResult{}, err
	}
	argv, err := ResolveCommand(cloneStrings(agent.Command), TemplateValues{
		PromptPath: promptPath,
		Workdir:    request.Workdir,
		TaskID:     request.TaskID,
		ThreadID:   request.ThreadID,
		Attempt:    request.Attempt,
	})
	if err != nil {
		return TurnResult{}, err
	}

	runCtx := ctx
	cancel := func() {}
	if agent.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, agent.Timeout)
	}
	defer cancel()

	env := map[string]string{
		"RALPH_TASK_ID":     request.TaskID,
		"RALPH_PROMPT_PATH": promptPath,
		"RALPH_ATTEMPT":     fmt.Sprint(request.Attempt),
	}
	if request.ThreadID != "" {
		env["RALPH_THREAD_ID"] = request.ThreadID
	}
	if agent.Model != "" {
		env["RALPH_AGENT_MODEL"] = agent.Model
	}
	for key, value := range agent.Env {
		env[key] = value
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = request.Workdir
	cmd.Env = mergeEnv(os.Environ(), env)
	cmd.WaitDelay = 2 * time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &limitedWriter{buffer: &stderr, limit: agentOutputLimit}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return TurnResult{}, &TransportError{Op: "agent stdout", Err: err}
	}
	if err := cmd.Start(); err != nil {
		return TurnResult{}, &TransportError{Op: "start agent", Err: err}
	}

	result := TurnResult{ThreadID: request.ThreadID, Success: true}
	failure := parseAgentStream(stdout, request, events, &result)
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return result, &TransportError{Op: "agent turn", Err: fmt.Errorf("timed out after %s", agent.Timeout)}
	}
	if waitErr != nil {
		detail := strings.TrimSpace(stderr.String())
		return result, &TransportError{Op: "agent turn", Err: fmt.Errorf("%w: %s", waitErr, detail)}
	}
	if failure != "" {
		result.Success = false
		return result, &TransportError{Op: "agent turn", Err: errors.New(failure)}
	}
	return result, nil
}

// parseAgentStream consumes JSON lines and returns a failure message from turn.failed, if any.
func parseAgentStream(reader io.Reader, request TurnRequest, events EventSink, result *TurnResult) string {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	failure := ""
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var parsed agentLine
		if err := json.Unmarshal([]byte(line), &parsed); err != nil {
			events.Emit(audit.Entry{
				TaskID:  request.TaskID,
				Event:   audit.EventAgentEvent,
				Attempt: request.Attempt,
				Fields:  []audit.Field{audit.F("raw", preview(line, agentEventPreview))},
			})
			continue
		}
		switch parsed.Type {
		case "thread.started":
			if parsed.ThreadID != "" {
				result.ThreadID = parsed.ThreadID
			}
		case "turn.completed":
			if parsed.Usage != nil {
				result.Usage = result.Usage.Add(*parsed.Usage)
			}
		case "turn.failed", "error":
			failure = "agent reported failure"
			if parsed.Error != nil && parsed.Error.Message != "" {
				failure = parsed.Error.Message
			}
		}
		events.Emit(audit.Entry{
			TaskID:  request.TaskID,
			Event:   audit.EventAgentEvent,
			Attempt: request.Attempt,
			Fields:  []audit.Field{audit.F("type", parsed.Type), audit.F("raw", preview(line, agentEventPreview))},
		})
	}
	if err := scanner.Err(); err != nil && failure == "" {
		failure = fmt.Sprintf("read agent output: %v", err)
	}
	return failure
}

// writePrompt stores the prompt under .ralph/prompts so command templates can reference it.
func writePrompt(request TurnRequest) (string, error) {
	dir := filepath.Join(request.Workdir, workspace.InternalDirName, promptDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create prompt directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, fmt.Sprintf("attempt-%d.md", request.Attempt))
	if err := os.WriteFile(path, []byte(request.Prompt), 0o644); err != nil {
		return "", fmt.Errorf("write prompt %s: %w", path, err)
	}
	return path, nil
}

// limitedWriter keeps at most limit bytes and discards the rest.
type limitedWriter struct {
	buffer *bytes.Buffer
	limit  int
}

func (writer *limitedWriter) Write(p []byte) (int, error) {
	remaining := writer.limit - writer.buffer.Len()
	if remaining > 0 {
		if len(p) > remaining {
			writer.buffer.Write(p[:remaining])
		} else {
			writer.buffer.Write(p)
		}
	}
	return len(p), nil
}

// preview truncates text to limit bytes.
func preview(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	return text[:limit]
}
