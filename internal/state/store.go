package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	stateFileMode os.FileMode = 0o644
	stateFileExt              = ".json"
)

// ErrRunNotFound is returned when no persisted state exists for a run.
var ErrRunNotFound = errors.New("run state not found")

// Repository locates run state files under a root directory, keyed by project and run id.
type Repository struct {
	Root string
	Now  func() time.Time
}

// NewRepository returns a repository rooted at the given directory.
func NewRepository(root string) Repository {
	return Repository{Root: root, Now: time.Now}
}

// Path returns the state file path for a run.
func (repo Repository) Path(project, runID string) string {
	return filepath.Join(repo.Root, project, runID+stateFileExt)
}

// Create persists a new run state and returns its store. It fails when the run already exists.
func (repo Repository) Create(initial RunState) (*Store, error) {
	if err := validateKey(initial.Project, initial.RunID); err != nil {
		return nil, err
	}
	path := repo.Path(initial.Project, initial.RunID)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("run state %s already exists", path)
	}
	store := &Store{path: path, state: initial, now: repo.clock()}
	if store.state.Tasks == nil {
		store.state.Tasks = map[string]*TaskState{}
	}
	if store.state.Batches == nil {
		store.state.Batches = []BatchState{}
	}
	if err := store.save(); err != nil {
		return nil, err
	}
	return store, nil
}

// Load opens an existing run state.
func (repo Repository) Load(project, runID string) (*Store, error) {
	if err := validateKey(project, runID); err != nil {
		return nil, err
	}
	path := repo.Path(project, runID)
	run, err := readStateFile(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, state: run, now: repo.clock()}, nil
}

// FindLatestRunID returns the most recently updated run id for the project.
func (repo Repository) FindLatestRunID(project string) (string, error) {
	if strings.TrimSpace(project) == "" {
		return "", errors.New("project is required")
	}
	dir := filepath.Join(repo.Root, project)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("project %s: %w", project, ErrRunNotFound)
		}
		return "", fmt.Errorf("read run state dir %s: %w", dir, err)
	}

	type candidate struct {
		runID   string
		modTime time.Time
	}
	var candidates []candidate
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, stateFileExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return "", fmt.Errorf("stat run state %s: %w", name, err)
		}
		candidates = append(candidates, candidate{runID: strings.TrimSuffix(name, stateFileExt), modTime: info.ModTime()})
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("project %s: %w", project, ErrRunNotFound)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].modTime.Equal(candidates[j].modTime) {
			return candidates[i].modTime.After(candidates[j].modTime)
		}
		return candidates[i].runID > candidates[j].runID
	})
	return candidates[0].runID, nil
}

func (repo Repository) clock() func() time.Time {
	if repo.Now != nil {
		return repo.Now
	}
	return time.Now
}

// Store owns one run's state. Every mutation is serialized and written to disk before
// Update returns.
type Store struct {
	path  string
	mu    sync.Mutex
	state RunState
	now   func() time.Time
}

// Path returns the backing file path.
func (store *Store) Path() string {
	return store.path
}

// Update applies mutate to the state and persists the result. When mutate returns an error
// the in-memory state is rolled back and nothing is written.
func (store *Store) Update(mutate func(run *RunState) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	backup, err := cloneState(store.state)
	if err != nil {
		return err
	}
	if err := mutate(&store.state); err != nil {
		store.state = backup
		return err
	}
	store.state.UpdatedAt = store.now().UTC()
	if err := store.save(); err != nil {
		store.state = backup
		return err
	}
	return nil
}

// Snapshot returns a deep copy of the current state.
func (store *Store) Snapshot() RunState {
	store.mu.Lock()
	defer store.mu.Unlock()
	snapshot, err := cloneState(store.state)
	if err != nil {
		// RunState only holds JSON-safe values; a failure here is a programming error.
		panic(err)
	}
	return snapshot
}

// save writes the full state atomically under the file lock. Callers hold store.mu.
func (store *Store) save() (err error) {
	dir := filepath.Dir(store.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create run state directory %s: %w", dir, err)
	}

	lock, err := lockForWrite(store.path)
	if err != nil {
		return err
	}
	defer func() {
		if lockErr := lock.Release(); lockErr != nil && err == nil {
			err = fmt.Errorf("release run state lock %s: %w", lock.path, lockErr)
		}
	}()

	encoded, err := json.MarshalIndent(store.state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode run state %s: %w", store.path, err)
	}
	encoded = append(encoded, '\n')

	temp, err := os.CreateTemp(dir, filepath.Base(store.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp run state in %s: %w", dir, err)
	}
	tempPath := temp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tempPath)
		}
	}()
	if _, err := temp.Write(encoded); err != nil {
		_ = temp.Close()
		return fmt.Errorf("write run state %s: %w", tempPath, err)
	}
	if err := temp.Sync(); err != nil {
		_ = temp.Close()
		return fmt.Errorf("sync run state %s: %w", tempPath, err)
	}
	if err := temp.Close(); err != nil {
		return fmt.Errorf("close run state %s: %w", tempPath, err)
	}
	if err := os.Chmod(tempPath, stateFileMode); err != nil {
		return fmt.Errorf("chmod run state %s: %w", tempPath, err)
	}
	if err := os.Rename(tempPath, store.path); err != nil {
		return fmt.Errorf("replace run state %s: %w", store.path, err)
	}
	return nil
}

// readStateFile loads and decodes a run state file.
func readStateFile(path string) (RunState, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return RunState{}, fmt.Errorf("%s: %w", path, ErrRunNotFound)
		}
		return RunState{}, fmt.Errorf("open run state %s: %w", path, err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var run RunState
	if err := decoder.Decode(&run); err != nil {
		return RunState{}, fmt.Errorf("read run state %s: decode JSON: %w", path, err)
	}
	if err := ensureEOF(decoder); err != nil {
		return RunState{}, fmt.Errorf("read run state %s: %w", path, err)
	}
	if run.Tasks == nil {
		run.Tasks = map[string]*TaskState{}
	}
	for id, task := range run.Tasks {
		if task == nil {
			run.Tasks[id] = NewTaskState()
		}
	}
	return run, nil
}

// ensureEOF verifies the decoder consumed the entire input.
func ensureEOF(decoder *json.Decoder) error {
	var extra any
	if err := decoder.Decode(&extra); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return errors.New("invalid trailing content after JSON object")
}

func cloneState(run RunState) (RunState, error) {
	data, err := json.Marshal(run)
	if err != nil {
		return RunState{}, fmt.Errorf("copy run state: %w", err)
	}
	var copied RunState
	if err := json.Unmarshal(data, &copied); err != nil {
		return RunState{}, fmt.Errorf("copy run state: %w", err)
	}
	return copied, nil
}

func validateKey(project, runID string) error {
	if strings.TrimSpace(project) == "" {
		return errors.New("project is required")
	}
	if strings.TrimSpace(runID) == "" {
		return errors.New("run id is required")
	}
	if strings.ContainsAny(project+runID, `/\`) || project == ".." || runID == ".." {
		return fmt.Errorf("invalid run key %s/%s", project, runID)
	}
	return nil
}

func sortStrings(values []string) []string {
	sort.Strings(values)
	return values
}
