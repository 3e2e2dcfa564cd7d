package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

const (
	pidFilePermissions = 0o644
	pidDirPermissions  = 0o755
)

// writePIDFile writes the current process ID to path and holds an
// exclusive flock on it. The returned release func removes the file and
// drops the lock. A held lock means another serve process owns the same
// database.
func writePIDFile(path string) (release func(), err error) {
	if path == "" {
		return nil, errors.New("PID file path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), pidDirPermissions); err != nil {
		return nil, fmt.Errorf("creating PID file directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, pidFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("opening PID file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()

		return nil, fmt.Errorf("another serve process is already running (could not lock %s)", path)
	}

	if err := writePID(f); err != nil {
		f.Close()

		return nil, err
	}

	return func() {
		os.Remove(path)
		f.Close()
	}, nil
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncating PID file: %w", err)
	}

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing PID file: %w", err)
	}

	return nil
}
