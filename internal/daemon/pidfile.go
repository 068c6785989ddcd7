package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrAlreadyRunning reports that the pidfile belongs to a live process.
var ErrAlreadyRunning = errors.New("daemon already running")

// PidFile marks a state directory as owned by one daemon process. The
// file holds the bare decimal PID so shell tooling can read it.
type PidFile struct {
	path string
	pid  int
}

// AcquirePidFile claims the pidfile at path, replacing one left behind
// by a dead process. A live owner fails the claim with ErrAlreadyRunning
// wrapped in an error naming the owning PID.
func AcquirePidFile(path string) (*PidFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	pid := os.Getpid()
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", pid)
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				os.Remove(path)
				return nil, fmt.Errorf("write pidfile: %w", werr)
			}
			return &PidFile{path: path, pid: pid}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create pidfile: %w", err)
		}

		owner, ok := readPid(path)
		if ok && owner != pid && processAlive(owner) {
			return nil, fmt.Errorf("%w (pid %d, %s)", ErrAlreadyRunning, owner, path)
		}
		// Stale or unreadable; clear it and retry the exclusive create.
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale pidfile: %w", err)
		}
	}
	return nil, fmt.Errorf("claim pidfile %s: lost the race twice", path)
}

// Path returns the pidfile location.
func (p *PidFile) Path() string {
	return p.path
}

// Release removes the pidfile unless another process has taken it over.
func (p *PidFile) Release() error {
	if owner, ok := readPid(p.path); ok && owner != p.pid {
		return nil
	}
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ReadPidFile returns the PID recorded at path and whether that process
// is still alive. Status commands use it to report on a daemon started
// in another terminal.
func ReadPidFile(path string) (pid int, alive bool, err error) {
	pid, ok := readPid(path)
	if !ok {
		return 0, false, fmt.Errorf("no pidfile at %s", path)
	}
	return pid, processAlive(pid), nil
}

func readPid(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// processAlive probes a PID with signal 0. EPERM means the process
// exists but belongs to another user, so it still counts as alive.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
