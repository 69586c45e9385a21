package bot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/kraiz/nusbot/internal/utils"
)

const lockFile = "nusbot.lock"

var ErrDataDirLocked = errors.New("data directory locked by another process")

// DataDirLock keeps a second bot from using the same database.
type DataDirLock struct {
	dir   string
	flock *flock.Flock
}

func NewDataDirLock(dataDir string) *DataDirLock {
	return &DataDirLock{
		dir:   dataDir,
		flock: flock.New(filepath.Join(dataDir, lockFile)),
	}
}

func (l *DataDirLock) Lock() error {
	if err := utils.EnsureDir(l.dir); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", l.dir, err)
	}

	locked, err := l.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock data directory: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrDataDirLocked, l.dir)
	}

	return nil
}

func (l *DataDirLock) Unlock() error {
	// not ours to remove
	if !l.flock.Locked() {
		return nil
	}

	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock data directory: %w", err)
	}

	return os.Remove(l.flock.Path())
}

func (l *DataDirLock) Path() string {
	return l.flock.Path()
}
