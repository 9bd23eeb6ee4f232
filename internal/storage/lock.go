package storage

import (
	"fmt"

	"github.com/gofrs/flock"

	"timeline/internal/common"
)

// WriterLock is the advisory single-writer lock for a database file.
// The serve process holds it for its lifetime; one-shot writers take it
// for the duration of one command.
type WriterLock struct {
	lock *flock.Flock
}

// LockPath returns the lock file path for a database path.
func LockPath(dbPath string) string {
	return dbPath + ".lock"
}

// AcquireWriterLock takes the writer lock without blocking.
// Returns common.ErrLocked when another process holds it.
func AcquireWriterLock(dbPath string) (*WriterLock, error) {
	fl := flock.New(LockPath(dbPath))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%s: %w", dbPath, common.ErrLocked)
	}
	return &WriterLock{lock: fl}, nil
}

// Release unlocks the writer lock. Safe to call on a nil lock.
func (l *WriterLock) Release() error {
	if l == nil || l.lock == nil {
		return nil
	}
	return l.lock.Unlock()
}
