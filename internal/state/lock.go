package state

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// fileLock holds the advisory lock for a run state write.
type fileLock struct {
	file *os.File
	path string
}

// lockForWrite acquires an exclusive lock for run state writes.
func lockForWrite(path string) (*fileLock, error) {
	lockPath := path + ".lock"
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, stateFileMode)
	if err != nil {
		return nil, fmt.Errorf("open run state lock %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = file.Close()
		if isLockBusy(err) {
			return nil, fmt.Errorf("run state lock %s is already held; another process is writing this run", lockPath)
		}
		return nil, fmt.Errorf("lock run state %s: %w", lockPath, err)
	}

	return &fileLock{file: file, path: lockPath}, nil
}

// Release unlocks the lock file and closes it.
func (lock *fileLock) Release() error {
	if lock == nil || lock.file == nil {
		return nil
	}
	if err := syscall.Flock(int(lock.file.Fd()), syscall.LOCK_UN); err != nil {
		_ = lock.file.Close()
		return err
	}
	return lock.file.Close()
}

// isLockBusy returns true when the lock is already held by another process.
func isLockBusy(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK)
}
