// Package scratch manages the lifecycle of the temporary directory each
// pipeline run uses for intermediate files (the PREPROCESS-reassembled
// capture, the decoder's field extraction). Every exit path — success,
// error, or cancellation — removes the directory unless the caller asked
// to keep it.
package scratch

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// Dir is one run's scratch directory: a uniquely-named subdirectory of a
// shared base, advisory-locked so concurrent batch workers never race on
// cleanup of each other's files.
type Dir struct {
	Path string
	lock *flock.Flock
	keep bool
}

// New creates a uniquely-named subdirectory of base and locks it. keep,
// if true, suppresses Close's removal (the "keep intermediate" option).
func New(base string, keep bool) (*Dir, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("scratch: creating base %s: %w", base, err)
	}

	path := filepath.Join(base, "pktmask-"+uuid.NewString())
	if err := os.Mkdir(path, 0o755); err != nil {
		return nil, fmt.Errorf("scratch: creating %s: %w", path, err)
	}

	lockPath := path + ".lock"
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		os.RemoveAll(path)
		return nil, fmt.Errorf("scratch: locking %s: %w", lockPath, err)
	}
	if !locked {
		os.RemoveAll(path)
		return nil, fmt.Errorf("scratch: %s is already locked", lockPath)
	}

	return &Dir{Path: path, lock: lock, keep: keep}, nil
}

// Join returns a path within the scratch directory for name.
func (d *Dir) Join(name string) string {
	return filepath.Join(d.Path, name)
}

// Close releases the lock and, unless keep was set at construction,
// removes the scratch directory and every file in it. Close is safe to
// call on every exit path, including after a panic recovery or
// cancellation.
func (d *Dir) Close() error {
	defer d.lock.Unlock()
	defer os.Remove(d.lock.Path())

	if d.keep {
		return nil
	}
	if err := os.RemoveAll(d.Path); err != nil {
		return fmt.Errorf("scratch: removing %s: %w", d.Path, err)
	}
	return nil
}
