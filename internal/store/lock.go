package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// lockRetry is how often a held state lock is polled.
const lockRetry = 50 * time.Millisecond

// LockFile takes the exclusive lock guarding the state file at path, waiting
// until it is released or ctx is done. Every process that reads and then
// rewrites the state file must hold it for the whole cycle.
func LockFile(ctx context.Context, path string) (*flock.Flock, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	l := flock.New(path + ".lock")
	locked, err := l.TryLockContext(ctx, lockRetry)
	if err != nil {
		return nil, fmt.Errorf("failed to lock state file %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("failed to lock state file %s", path)
	}
	return l, nil
}
