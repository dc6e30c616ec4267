// Package lockfile implements a cross-process mutex realized as a marker file.
//
// The marker's existence means "a publish is in progress". Acquisition is an
// exclusive create-only open (O_CREATE|O_EXCL), so at most one holder exists
// at any instant across every process sharing the directory. No in-memory
// primitive is involved.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// MarkerName is the lock marker's file name inside the protected directory.
const MarkerName = "running.txt"

// DefaultPollInterval is the WaitUntilFree polling granularity.
const DefaultPollInterval = time.Second

// Lock is a held marker. Only the process that created the marker holds it.
type Lock struct {
	path     string
	released bool
}

// MarkerPath returns the marker location for dir.
func MarkerPath(dir string) string {
	return filepath.Join(dir, MarkerName)
}

// TryAcquire attempts to create the marker in dir. It returns held=false,
// without error, when another holder currently exists. It never blocks.
func TryAcquire(dir string) (*Lock, bool, error) {
	path := MarkerPath(dir)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("create lock marker: %w", err)
	}

	lock := &Lock{path: path}
	_, werr := f.WriteString("locked")
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = lock.Release()
		return nil, false, fmt.Errorf("write lock marker: %w", err)
	}
	return lock, true, nil
}

// Path returns the marker location.
func (l *Lock) Path() string {
	return l.path
}

// Release removes the marker. Calling it more than once is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.released {
		return nil
	}
	l.released = true
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lock marker: %w", err)
	}
	return nil
}

// With runs fn under a scoped acquisition of dir's marker. fn receives true
// when this call holds the lock and false when another holder exists. A held
// lock is released on every exit path, including a panic inside fn.
func With(dir string, fn func(exclusive bool) error) (err error) {
	lock, held, err := TryAcquire(dir)
	if err != nil {
		return err
	}
	if !held {
		return fn(false)
	}

	defer func() {
		if rerr := lock.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn(true)
}

// Held reports whether a marker currently exists in dir.
func Held(dir string) (bool, error) {
	_, err := os.Stat(MarkerPath(dir))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat lock marker: %w", err)
}

// WaitUntilFree blocks until dir has no marker, checking every interval.
// It never attempts to acquire the lock. There is no deadline of its own;
// it returns early only when ctx is done.
func WaitUntilFree(ctx context.Context, dir string, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		held, err := Held(dir)
		if err != nil {
			return err
		}
		if !held {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
