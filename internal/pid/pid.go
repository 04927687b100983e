// Package pid guards against a second avrlink instance.
package pid

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"codeberg.org/mutker/avrlink/internal/errors"
)

// DefaultFile is used when no path is configured.
const DefaultFile = "avrlink.pid"

// File is a PID file at a fixed path. An empty path means
// $TMPDIR/avrlink.pid.
type File struct {
	path string
}

func New(path string) *File {
	if path == "" {
		path = filepath.Join(os.TempDir(), DefaultFile)
	}
	return &File{path: path}
}

func (f *File) Path() string {
	return f.path
}

// Write records the current process ID. It fails with ErrAlreadyRunning
// if the file names a live process other than this one.
func (f *File) Write() error {
	errFactory := errors.New()
	self := os.Getpid()

	if data, err := os.ReadFile(f.path); err == nil {
		// unparsable contents are treated as stale
		if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && pid > 0 && pid != self {
			process, err := os.FindProcess(pid)
			if err != nil {
				return errFactory.Wrap(errors.ErrInternal, err)
			}
			if err := process.Signal(syscall.Signal(0)); err == nil {
				return errFactory.WithData(errors.ErrAlreadyRunning, pid)
			}
		}
	} else if !os.IsNotExist(err) {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}
	if err := os.WriteFile(f.path, []byte(strconv.Itoa(self)), 0o600); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

// Remove removes the PID file.
func (f *File) Remove() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return errors.New().Wrap(errors.ErrInternal, err)
	}
	return nil
}
