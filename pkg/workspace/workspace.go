// Package workspace manages ephemeral per-request job directories.
//
// A workspace holds exactly one uploaded source file until the compile it
// feeds has completed, after which it is destroyed whether the compile was a
// cache hit, a fresh publish, or a failure.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/3leaps/stanwasm/pkg/errkind"
)

// Workspace is a resolved job directory.
type Workspace struct {
	Token string
	Dir   string
}

// SourcePath returns the location of the source slot.
func (w *Workspace) SourcePath() string {
	return filepath.Join(w.Dir, SourceName)
}

// HasSource reports whether the source slot is populated.
func (w *Workspace) HasSource() bool {
	info, err := os.Stat(w.SourcePath())
	return err == nil && info.Mode().IsRegular()
}

// ReadSource returns the uploaded source.
func (w *Workspace) ReadSource() ([]byte, error) {
	data, err := os.ReadFile(w.SourcePath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errkind.Wrap(errkind.KindInvalidWorkspace, "read source", w.Token, errors.New("no source uploaded"))
		}
		return nil, fmt.Errorf("read source: %w", err)
	}
	return data, nil
}

// WriteSource fills the source slot. It fails with SourceTooLarge before
// touching the filesystem, and with AlreadyUploaded if the slot exists.
func (w *Workspace) WriteSource(data []byte) error {
	if len(data) > MaxSourceSize {
		return errkind.Wrap(errkind.KindSourceTooLarge, "upload", w.Token,
			fmt.Errorf("%d bytes exceeds limit of %d", len(data), MaxSourceSize))
	}

	f, err := os.OpenFile(w.SourcePath(), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return errkind.New(errkind.KindAlreadyUploaded, "upload", w.Token)
		}
		if errors.Is(err, fs.ErrNotExist) {
			return errkind.New(errkind.KindWorkspaceNotFound, "upload", w.Token)
		}
		return fmt.Errorf("create source file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write source file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close source file: %w", err)
	}
	return nil
}
