package worker

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// fakeAgent answers turns with a scripted function and records every request.
type fakeAgent struct {
	mu       sync.Mutex
	requests []TurnRequest
	act      func(call int, request TurnRequest) (TurnResult, error)
}

func (agent *fakeAgent) RunTurn(_ context.Context, request TurnRequest, _ EventSink) (TurnResult, error) {
	agent.mu.Lock()
	agent.requests = append(agent.requests, request)
	call := len(agent.requests)
	agent.mu.Unlock()
	if agent.act == nil {
		return TurnResult{Success: true}, nil
	}
	return agent.act(call, request)
}

func (agent *fakeAgent) Requests() []TurnRequest {
	agent.mu.Lock()
	defer agent.mu.Unlock()
	return append([]TurnRequest(nil), agent.requests...)
}

// fakeRunner returns queued results per command and exits 0 once a queue is empty.
type fakeRunner struct {
	mu      sync.Mutex
	results map[string][]CommandResult
	calls   []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{results: map[string][]CommandResult{}}
}

func (runner *fakeRunner) queue(command string, results ...CommandResult) {
	runner.mu.Lock()
	defer runner.mu.Unlock()
	runner.results[command] = append(runner.results[command], results...)
}

func (runner *fakeRunner) Run(_ context.Context, command Command) (CommandResult, error) {
	runner.mu.Lock()
	defer runner.mu.Unlock()
	runner.calls = append(runner.calls, command.Shell)
	queued := runner.results[command.Shell]
	if len(queued) == 0 {
		return CommandResult{}, nil
	}
	runner.results[command.Shell] = queued[1:]
	return queued[0], nil
}

func (runner *fakeRunner) Calls() []string {
	runner.mu.Lock()
	defer runner.mu.Unlock()
	return append([]string(nil), runner.calls...)
}

func writeWorkspaceFile(t *testing.T, dir string, rel string, content string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
