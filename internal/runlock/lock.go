// Package runlock keeps a single engine running per project.
package runlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	// runLockFileName is the filename used for run locking.
	runLockFileName = "run.lock"
	// runLockFileMode defines the permissions for the lock file.
	runLockFileMode = 0o644
	// lockDirMode defines the permissions for the project state directory.
	lockDirMode = 0o755
)

// ErrLockHeld reports that another live process owns the project lock.
var ErrLockHeld = errors.New("run lock already held")

// Holder describes the process recorded in a lock file.
type Holder struct {
	PID       int
	RunID     string
	StartedAt time.Time
}

// Lock holds the acquired run lock file handle.
type Lock struct {
	file *os.File
	path string

	// Recovered is set when the lock file was left behind by a process that no longer exists.
	Recovered *Holder
}

// Path returns the lock file path for a project.
func Path(stateDir string, project string) string {
	return filepath.Join(stateDir, project, runLockFileName)
}

// Acquire takes the project's run lock for runID. A lock file left by a dead process is taken
// over and reported through Lock.Recovered.
func Acquire(stateDir string, project string, runID string) (*Lock, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, errors.New("state directory is required")
	}
	if strings.TrimSpace(project) == "" {
		return nil, errors.New("project is required")
	}

	lockPath := Path(stateDir, project)
	if err := os.MkdirAll(filepath.Dir(lockPath), lockDirMode); err != nil {
		return nil, fmt.Errorf("create run lock directory %s: %w", filepath.Dir(lockPath), err)
	}

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, runLockFileMode)
	if err != nil {
		return nil, fmt.Errorf("open run lock %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = file.Close()
		if isLockBusy(err) {
			return nil, fmt.Errorf("%w: %v", ErrLockHeld, formatHeldLockError(lockPath))
		}
		return nil, fmt.Errorf("lock run lock %s: %w", lockPath, err)
	}

	recovered, err := inspectPrevious(lockPath)
	if err != nil {
		_ = releaseFileLock(file)
		_ = file.Close()
		return nil, err
	}

	info := Holder{PID: os.Getpid(), RunID: runID, StartedAt: time.Now().UTC()}
	if err := writeLockInfo(file, info); err != nil {
		_ = releaseFileLock(file)
		_ = file.Close()
		return nil, err
	}

	return &Lock{file: file, path: lockPath, Recovered: recovered}, nil
}

// Release unlocks and removes the run lock file.
func (lock *Lock) Release() error {
	if lock == nil || lock.file == nil {
		return nil
	}
	if err := os.Remove(lock.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = releaseFileLock(lock.file)
		_ = lock.file.Close()
		return fmt.Errorf("remove run lock %s: %w", lock.path, err)
	}
	if err := releaseFileLock(lock.file); err != nil {
		_ = lock.file.Close()
		return err
	}
	err := lock.file.Close()
	lock.file = nil
	return err
}

// inspectPrevious reads what a previous holder left in the file. We already hold the flock, so
// any recorded holder is gone or is a process that lost its lock; a live pid is still refused.
func inspectPrevious(lockPath string) (*Holder, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read run lock %s: %w", lockPath, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}

	info, err := parseLockInfo(data)
	if err != nil {
		return &Holder{}, nil
	}
	if info.PID == os.Getpid() {
		return nil, nil
	}

	active, err := processExists(info.PID)
	if err != nil {
		return nil, fmt.Errorf("verify run lock pid %d: %w", info.PID, err)
	}
	if active {
		return nil, fmt.Errorf("%w: run lock %s records live pid %d (run %s); remove the lock file if that process is not ralph",
			ErrLockHeld, lockPath, info.PID, displayRunID(info.RunID))
	}
	return &info, nil
}

// formatHeldLockError builds a lock-held error message with metadata when available.
func formatHeldLockError(lockPath string) error {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return fmt.Errorf("run lock %s is already held; wait for the other process to finish", lockPath)
	}
	info, err := parseLockInfo(data)
	if err != nil {
		return fmt.Errorf("run lock %s is already held; wait for the other process to finish", lockPath)
	}
	return fmt.Errorf("run lock %s is already held by pid %d (run %s) since %s; wait for the other process to finish",
		lockPath, info.PID, displayRunID(info.RunID), info.StartedAt.Format(time.RFC3339))
}

// parseLockInfo reads pid, run id, and timestamp metadata from the lock file.
func parseLockInfo(data []byte) (Holder, error) {
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	info := Holder{}
	for _, line := range lines {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			pid, err := parseInt(value)
			if err != nil {
				return Holder{}, fmt.Errorf("parse pid: %w", err)
			}
			info.PID = pid
		case "run_id":
			info.RunID = strings.TrimSpace(value)
		case "started_at":
			parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(value))
			if err != nil {
				return Holder{}, fmt.Errorf("parse started_at: %w", err)
			}
			info.StartedAt = parsed
		}
	}
	if info.PID == 0 {
		return Holder{}, errors.New("missing pid")
	}
	if info.StartedAt.IsZero() {
		return Holder{}, errors.New("missing started_at")
	}
	return info, nil
}

// writeLockInfo truncates and writes lock metadata to the lock file.
func writeLockInfo(file *os.File, info Holder) error {
	if file == nil {
		return errors.New("lock file is required")
	}
	if err := file.Truncate(0); err != nil {
		return fmt.Errorf("truncate run lock: %w", err)
	}
	if _, err := file.Seek(0, 0); err != nil {
		return fmt.Errorf("seek run lock: %w", err)
	}
	payload := fmt.Sprintf("pid=%d\nrun_id=%s\nstarted_at=%s\n", info.PID, info.RunID, info.StartedAt.Format(time.RFC3339))
	if _, err := file.WriteString(payload); err != nil {
		return fmt.Errorf("write run lock: %w", err)
	}
	return file.Sync()
}

func displayRunID(runID string) string {
	if runID == "" {
		return "unknown"
	}
	return runID
}

// parseInt parses a positive integer.
func parseInt(value string) (int, error) {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, err
	}
	if parsed <= 0 {
		return 0, errors.New("pid must be positive")
	}
	return parsed, nil
}

// processExists checks whether a PID appears to reference a running process.
func processExists(pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, syscall.ESRCH) {
		return false, nil
	}
	if errors.Is(err, syscall.EPERM) {
		return true, nil
	}
	return false, err
}

// releaseFileLock unlocks an advisory lock on the file.
func releaseFileLock(file *os.File) error {
	if file == nil {
		return nil
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_UN); err != nil {
		return fmt.Errorf("unlock run lock: %w", err)
	}
	return nil
}

// isLockBusy returns true when the lock is already held by another process.
func isLockBusy(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK)
}
