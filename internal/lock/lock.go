// Package lock provides a named, machine-wide instance lock. Acquire never
// waits: a lock held by another process is reported as ErrLocked at once.
package lock

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/3leaps/supdate/internal/errors"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Lock is a held instance lock.
type Lock struct {
	name string
	path string
	file *os.File
	once sync.Once
}

// Path returns the name of the lock file for name in dir. Characters that
// are not portable in file names are replaced.
func Path(dir, name string) string {
	clean := unsafeChars.ReplaceAllString(strings.TrimSpace(name), "_")
	return filepath.Join(dir, clean+".lock")
}

// Acquire takes the lock called name in the system temp directory.
func Acquire(name string) (*Lock, error) {
	return AcquireIn(os.TempDir(), name)
}

// AcquireIn takes the lock called name with its lock file in dir.
func AcquireIn(dir, name string) (*Lock, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New(errors.ErrArgument, "lock name is empty")
	}
	path := Path(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrFilesystem, "open lock file %s", path)
	}
	if err := tryLock(f); err != nil {
		_ = f.Close()
		if isContention(err) {
			return nil, errors.Newf(errors.ErrLocked, "another update is running (%s)", name).WithDetail("file", path)
		}
		return nil, errors.Wrapf(err, errors.ErrFilesystem, "lock %s", path)
	}
	return &Lock{name: name, path: path, file: f}, nil
}

func (l *Lock) Name() string { return l.name }

// Release unlocks and closes the lock file. It is safe to call more than
// once. The lock file itself is left in place.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	var err error
	l.once.Do(func() {
		if uerr := unlock(l.file); uerr != nil {
			err = errors.Wrapf(uerr, errors.ErrFilesystem, "unlock %s", l.path)
		}
		if cerr := l.file.Close(); cerr != nil && err == nil {
			err = errors.Wrapf(cerr, errors.ErrFilesystem, "close %s", l.path)
		}
	})
	return err
}
