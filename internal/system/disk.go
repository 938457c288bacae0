package system

import (
	"fmt"
	"os"
	"syscall"

	apperrors "github.com/jxwalker/maintsync/internal/errors"
)

// CheckAvailableSpace returns the available disk space in bytes for the given path
func CheckAvailableSpace(path string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("failed to get disk space for %s: %w", path, err)
	}
	// Available blocks * block size = available bytes
	return stat.Bavail * uint64(stat.Bsize), nil
}

// HasSufficientSpace checks if the path has enough space for the required bytes
// It adds a 10% buffer to account for filesystem overhead and metadata
func HasSufficientSpace(path string, requiredBytes uint64) (bool, uint64, error) {
	available, err := CheckAvailableSpace(path)
	if err != nil {
		return false, 0, err
	}

	// Require 10% buffer for safety
	required := uint64(float64(requiredBytes) * 1.1)

	return available >= required, available, nil
}

// EnsureSpace fails with a friendly error when dir cannot hold requiredBytes.
// dir is created if missing so the filesystem can be queried.
func EnsureSpace(dir string, requiredBytes uint64) error {
	if requiredBytes == 0 {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperrors.PathError(dir, err)
	}
	ok, available, err := HasSufficientSpace(dir, requiredBytes)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.DiskSpaceError(available, uint64(float64(requiredBytes)*1.1))
	}
	return nil
}

// GetDiskUsage returns total, used, and available disk space for a path
func GetDiskUsage(path string) (total, used, available uint64, err error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to get disk usage for %s: %w", path, err)
	}

	total = stat.Blocks * uint64(stat.Bsize)
	available = stat.Bavail * uint64(stat.Bsize)
	used = total - (stat.Bfree * uint64(stat.Bsize))

	return total, used, available, nil
}
