// Package pidfile keeps a second recbridge-core from owning the capture
// session on the same host.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// FileName is the lock file kept in the state directory.
const FileName = "recbridge-core.pid"

// ErrAlreadyRunning is returned by Acquire when a live process holds the file.
var ErrAlreadyRunning = errors.New("pidfile: another core is already running")

// PIDFile is a held lock. Release it on shutdown.
type PIDFile struct {
	path string
	pid  int
}

// Path returns the lock file location inside stateDir.
func Path(stateDir string) string {
	return filepath.Join(stateDir, FileName)
}

// Acquire writes the current PID to the lock file in stateDir. A file left by
// a process that is no longer running is taken over.
func Acquire(stateDir string) (*PIDFile, error) {
	path := Path(stateDir)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	pid := os.Getpid()
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", pid)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("write pid file: %w", errors.Join(werr, cerr))
			}
			return &PIDFile{path: path, pid: pid}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create pid file: %w", err)
		}

		holder, rerr := Read(stateDir)
		if rerr == nil && holder != pid && running(holder) {
			return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, holder)
		}
		// stale or unreadable
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale pid file: %w", err)
		}
	}
	return nil, fmt.Errorf("%w: lost race for %s", ErrAlreadyRunning, path)
}

// Read returns the PID recorded in stateDir.
func Read(stateDir string) (int, error) {
	data, err := os.ReadFile(Path(stateDir))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid file: %w", err)
	}
	return pid, nil
}

// Release removes the file if it still names this process.
func (p *PIDFile) Release() error {
	if p == nil {
		return nil
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && pid == p.pid {
		return os.Remove(p.path)
	}
	return nil
}

// running reports whether pid names a live process. Signal 0 performs the
// existence check without delivering anything.
func running(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	switch {
	case err == nil:
		return true
	case errors.Is(err, syscall.EPERM):
		return true
	default:
		return false
	}
}
