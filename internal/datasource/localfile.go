package datasource

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/and161185/vaultbridge/internal/errs"
)

const lockRetryDelay = 50 * time.Millisecond

// LocalFile stores the archive in a file, replacing it atomically on save.
type LocalFile struct {
	path string
}

func (p LocalFileParams) open(*Factory) (Datasource, error) {
	abs, err := filepath.Abs(p.Path)
	if err != nil {
		return nil, err
	}
	return &LocalFile{path: abs}, nil
}

// Load reads the archive file.
func (l *LocalFile) Load(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("localfile %s: %w", l.path, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("localfile %s: %v: %w", l.path, err, errs.ErrTransport)
	}
	return data, nil
}

// Save writes to a temp file in the same directory and renames it over the archive
// while holding an advisory lock shared with other writers.
func (l *LocalFile) Save(ctx context.Context, content []byte) error {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("localfile %s: %v: %w", l.path, err, errs.ErrTransport)
	}

	lock := flock.New(l.path + ".lock")
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !locked {
		return fmt.Errorf("localfile %s: acquire lock: %v: %w", l.path, err, errs.ErrTransport)
	}
	defer func() { _ = lock.Unlock() }()

	if err := writeAtomic(dir, l.path, content); err != nil {
		return fmt.Errorf("localfile %s: %v: %w", l.path, err, errs.ErrTransport)
	}
	return nil
}

func writeAtomic(dir, path string, content []byte) error {
	tmp, err := os.CreateTemp(dir, ".vaultbridge-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
