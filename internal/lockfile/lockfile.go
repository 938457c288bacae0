// Package lockfile guards commands that own download workers or run the
// janitor, so one process cannot reconcile away another's live tasks.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	apperrors "github.com/jxwalker/maintsync/internal/errors"
)

// Name is the lock file created inside the data root.
const Name = "maintsync.lock"

// LockFile is an exclusive, PID-stamped lock file.
type LockFile struct {
	path string
	file *os.File
}

// ForDataRoot returns the lock path for a data root.
func ForDataRoot(dataRoot string) string { return filepath.Join(dataRoot, Name) }

// Acquire creates the lock at path. A lock left by a dead process is
// removed and acquisition retried once; a live holder yields a Conflict.
func Acquire(path string) (*LockFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, apperrors.PathError(filepath.Dir(path), err)
	}
	l, err := create(path)
	if !errors.Is(err, os.ErrExist) {
		return l, err
	}
	if err := clearStale(path); err != nil {
		return nil, err
	}
	l, err = create(path)
	if errors.Is(err, os.ErrExist) {
		return nil, apperrors.New(apperrors.Conflict, "lock", "another maintsync process took the lock: "+path)
	}
	return l, err
}

func create(path string) (*LockFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to write PID to lock file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to sync lock file: %w", err)
	}
	return &LockFile{path: path, file: f}, nil
}

// clearStale removes the lock when its PID no longer runs.
func clearStale(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("lock file exists but cannot be read: %s\nRemove it manually if no other instance is running: rm %s", path, path)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("lock file contains invalid PID: %s\nRemove it manually if corrupted: rm %s", path, path)
	}
	if processExists(pid) {
		e := apperrors.New(apperrors.Conflict, "lock", fmt.Sprintf("maintsync is already running (PID %d)", pid))
		e.Suggestion = "Wait for the other download or janitor to finish, or remove the lock file if it is stale: " + path
		return e
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("stale lock file found (PID %d not running) but cannot be removed: %w\nRemove manually: rm %s", pid, err, path)
	}
	return nil
}

// processExists sends signal 0; EPERM still means the process exists.
func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return !errors.Is(err, syscall.ESRCH) && !errors.Is(err, os.ErrProcessDone)
}

// Release unlocks and removes the lock file.
func (l *LockFile) Release() error {
	if l.file != nil {
		_ = l.file.Close()
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

func (l *LockFile) Path() string { return l.path }
