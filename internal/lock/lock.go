// SPDX-License-Identifier: MIT

//go:build linux

// Package lock enforces single-instance operation via flock(2).
//
// Two agents supervising the same courts would double-spawn transcoders
// and fight over stream records, so the agent takes one exclusive lock
// for its whole lifetime. A lock file left behind by a crashed agent is
// detected by pid liveness and reclaimed.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrLockHeld is returned when another live agent holds the lock.
var ErrLockHeld = errors.New("another agent instance holds the lock")

// DefaultAcquireTimeout bounds how long Acquire polls for the lock.
const DefaultAcquireTimeout = 10 * time.Second

// Guard is the agent-wide exclusive lock.
type Guard struct {
	path string
	file *os.File
}

// New prepares a guard at path, creating the parent directory if
// needed. The lock is not taken until Acquire.
func New(path string) (*Guard, error) {
	if path == "" {
		return nil, fmt.Errorf("lock path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &Guard{path: path}, nil
}

// Acquire takes the exclusive lock, polling until timeout or ctx
// cancellation. A lock file whose recorded pid is dead is removed and
// retried. Returns ErrLockHeld when a live owner keeps the lock for the
// whole timeout.
func (g *Guard) Acquire(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		held, err := g.tryAcquire()
		if err != nil {
			return err
		}
		if held {
			return nil
		}

		if time.Now().After(deadline) {
			return ErrLockHeld
		}

		if g.ownerDead() {
			// Crashed owner; clear the file so flock can be retried
			// against a fresh inode.
			_ = os.Remove(g.path)
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// tryAcquire attempts one non-blocking flock. On success the guard owns
// the file and its pid is recorded for stale detection by future
// instances.
func (g *Guard) tryAcquire() (bool, error) {
	file, err := os.OpenFile(g.path, os.O_CREATE|os.O_RDWR, 0o644) // #nosec G302,G304 - shared lock file at configured path
	if err != nil {
		return false, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = file.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return false, nil
		}
		return false, fmt.Errorf("flock failed: %w", err)
	}

	if err := file.Truncate(0); err != nil {
		_ = file.Close()
		return false, fmt.Errorf("failed to truncate lock file: %w", err)
	}
	if _, err := file.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		_ = file.Close()
		return false, fmt.Errorf("failed to write pid to lock file: %w", err)
	}
	_ = file.Sync()

	g.file = file
	return true, nil
}

// ownerDead reports whether the lock file names a pid that no longer
// runs. Unreadable or malformed files count as dead; a missing file
// does not (the owner may be between open and write).
func (g *Guard) ownerDead() bool {
	data, err := os.ReadFile(g.path) // #nosec G304 - lock path is configured by the agent
	if os.IsNotExist(err) {
		return false
	}
	if err != nil {
		return true
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return true
	}
	alive, err := process.PidExists(int32(pid))
	if err != nil {
		return false
	}
	return !alive
}

// Release drops the lock and removes the file. Safe to call when the
// lock was never acquired.
func (g *Guard) Release() error {
	if g.file == nil {
		return nil
	}
	if err := syscall.Flock(int(g.file.Fd()), syscall.LOCK_UN); err != nil {
		return fmt.Errorf("failed to unlock: %w", err)
	}
	err := g.file.Close()
	g.file = nil
	_ = os.Remove(g.path)
	if err != nil {
		return fmt.Errorf("failed to close lock file: %w", err)
	}
	return nil
}

// Path returns the lock file path.
func (g *Guard) Path() string { return g.path }
