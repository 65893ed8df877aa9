package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	ps "github.com/mitchellh/go-ps"
)

// PIDFile guards a data directory against a second coordinator process.
type PIDFile struct {
	Path string
}

// Read returns the pid stored in the file, or 0.
func (p PIDFile) Read() int {
	// #nosec G304 - path is inside the data directory
	if data, err := os.ReadFile(p.Path); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
			return pid
		}
	}
	return 0
}

// RunningPID returns the pid of another live coordinator, or 0.
// A file left behind by a dead process is ignored.
func (p PIDFile) RunningPID() int {
	pid := p.Read()
	if pid == 0 || pid == os.Getpid() {
		return 0
	}
	if !ProcessIsRunning(pid) {
		return 0
	}
	return pid
}

// Acquire writes this process' pid unless another live process holds the file.
func (p PIDFile) Acquire() error {
	if pid := p.RunningPID(); pid != 0 {
		return fmt.Errorf("coordinator already running (pid %d)", pid)
	}
	if err := os.MkdirAll(filepath.Dir(p.Path), 0755); err != nil {
		return fmt.Errorf("failed to create pid directory: %w", err)
	}
	return os.WriteFile(p.Path, []byte(strconv.Itoa(os.Getpid())), 0644)
}

// Release deletes the file if it still names this process.
func (p PIDFile) Release() error {
	if p.Read() != os.Getpid() {
		return nil
	}
	if err := os.Remove(p.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pid file: %w", err)
	}
	return nil
}

// ProcessIsRunning returns true if the process with pid is running.
// os.FindProcess always succeeds on unix, so go-ps is used instead.
func ProcessIsRunning(pid int) bool {
	proc, _ := ps.FindProcess(pid)
	return proc != nil
}
