package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/JamesPaynter/efficient-ralph-loop/internal/workspace"
)

const workerStateFileName = "worker-state.json"

// Checkpoint records the commit that captured an attempt.
type Checkpoint struct {
	Attempt   int    `json:"attempt"`
	SHA       string `json:"sha"`
	CreatedAt string `json:"created_at"`
}

// State is the crash-safe progress record kept inside a task workspace.
type State struct {
	Attempt      int          `json:"attempt"`
	NextAttempt  int          `json:"next_attempt"`
	ThreadID     string       `json:"thread_id,omitempty"`
	StageAPassed bool         `json:"tdd_stage_a_passed,omitempty"`
	CreatedAt    string       `json:"created_at"`
	UpdatedAt    string       `json:"updated_at"`
	Checkpoints  []Checkpoint `json:"checkpoints"`
}

// StatePath returns the worker state file for a workspace.
func StatePath(workdir string) string {
	return filepath.Join(workdir, workspace.InternalDirName, workerStateFileName)
}

// LoadState reads worker state. It returns ok=false when none was written yet.
func LoadState(workdir string) (State, bool, error) {
	path := StatePath(workdir)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return State{}, false, nil
		}
		return State{}, false, fmt.Errorf("read worker state %s: %w", path, err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, false, fmt.Errorf("decode worker state %s: %w", path, err)
	}
	if state.Checkpoints == nil {
		state.Checkpoints = []Checkpoint{}
	}
	return state, true, nil
}

// StateStore persists worker state after every mutation.
type StateStore struct {
	workdir string
	now     func() time.Time
	mu      sync.Mutex
	state   State
}

// OpenStateStore loads existing worker state or starts an empty one.
func OpenStateStore(workdir string, now func() time.Time) (*StateStore, error) {
	if now == nil {
		now = time.Now
	}
	state, _, err := LoadState(workdir)
	if err != nil {
		return nil, err
	}
	if state.Checkpoints == nil {
		state.Checkpoints = []Checkpoint{}
	}
	return &StateStore{workdir: workdir, now: now, state: state}, nil
}

// NextAttempt returns the attempt number the loop should run next.
func (store *StateStore) NextAttempt() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.Attempt + 1
}

// ThreadID returns the agent session recorded so far.
func (store *StateStore) ThreadID() string {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.ThreadID
}

// Snapshot returns a copy of the current state.
func (store *StateStore) Snapshot() State {
	store.mu.Lock()
	defer store.mu.Unlock()
	snapshot := store.state
	snapshot.Checkpoints = append([]Checkpoint{}, store.state.Checkpoints...)
	return snapshot
}

// RecordAttemptStart marks attempt as the latest one started.
func (store *StateStore) RecordAttemptStart(attempt int) error {
	return store.update(func(state *State) {
		state.Attempt = attempt
	})
}

// RecordThreadID stores the agent session id used for resumption.
func (store *StateStore) RecordThreadID(threadID string) error {
	return store.update(func(state *State) {
		state.ThreadID = threadID
	})
}

// RecordStageAPassed marks the failing-test stage as done so a resumed task goes straight to
// implementation.
func (store *StateStore) RecordStageAPassed() error {
	return store.update(func(state *State) {
		state.StageAPassed = true
	})
}

// RecordCheckpoint records sha for attempt. A second checkpoint for the same attempt replaces
// the first, and checkpoints stay ordered by attempt.
func (store *StateStore) RecordCheckpoint(attempt int, sha string) error {
	return store.update(func(state *State) {
		state.Checkpoints = upsertCheckpoint(state.Checkpoints, Checkpoint{
			Attempt:   attempt,
			SHA:       sha,
			CreatedAt: store.timestamp(),
		})
	})
}

// update applies mutate and writes the state file atomically.
func (store *StateStore) update(mutate func(state *State)) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	now := store.timestamp()
	mutate(&store.state)
	if store.state.CreatedAt == "" {
		store.state.CreatedAt = now
	}
	store.state.UpdatedAt = now
	store.state.NextAttempt = store.state.Attempt + 1
	return writeJSONAtomic(StatePath(store.workdir), store.state)
}

func (store *StateStore) timestamp() string {
	return store.now().UTC().Format(time.RFC3339Nano)
}

// upsertCheckpoint replaces or inserts a checkpoint and keeps the list sorted by attempt.
func upsertCheckpoint(checkpoints []Checkpoint, checkpoint Checkpoint) []Checkpoint {
	updated := make([]Checkpoint, 0, len(checkpoints)+1)
	for _, existing := range checkpoints {
		if existing.Attempt != checkpoint.Attempt {
			updated = append(updated, existing)
		}
	}
	updated = append(updated, checkpoint)
	sort.Slice(updated, func(i, j int) bool {
		return updated[i].Attempt < updated[j].Attempt
	})
	return updated
}

// writeJSONAtomic writes indented JSON through a temp file and rename.
func writeJSONAtomic(path string, value any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	data = append(data, '\n')
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", tmpName, err)
	}
	return nil
}
