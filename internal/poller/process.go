// Package poller spawns and owns the long-poll client subprocess, exposing
// liveness as a typed query instead of process-table string matching.
package poller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/mpetrov/botwarden/internal/logging"
)

// Process is a supervised poller subprocess. Liveness is derived from Wait
// completion, not from scanning the process table.
type Process struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu      sync.Mutex
	exitErr error

	logFile *os.File
}

// Start launches the poller command with stdout/stderr appended to logFile
// (empty means inherit). The credential is passed through the environment
// the caller prepared; it is never placed on the command line.
//
// The process is deliberately not bound to a context: shutdown goes through
// Stop so the poller always gets its SIGTERM grace window.
func Start(command []string, env []string, logFile string) (*Process, error) {
	if len(command) == 0 {
		return nil, errors.New("empty poller command")
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Env = env
	// Run the poller in its own process group so our signals are not
	// delivered to it by the shell first.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	p := &Process{cmd: cmd, done: make(chan struct{})}

	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
			return nil, fmt.Errorf("poller log dir: %w", err)
		}
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open poller log: %w", err)
		}
		p.logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		if p.logFile != nil {
			p.logFile.Close()
		}
		return nil, fmt.Errorf("start poller: %w", err)
	}

	logging.ForComponent(logging.CompLifecycle).Info("poller started",
		"pid", cmd.Process.Pid, "command", command[0])

	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		if p.logFile != nil {
			p.logFile.Close()
		}
		close(p.done)
	}()

	return p, nil
}

// PID returns the poller's process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Alive reports whether the poller is still running.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Done is closed when the poller exits.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitErr returns the poller's exit error after Done is closed, nil for a
// clean exit.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Stop terminates the poller gracefully: SIGTERM, wait up to grace, SIGKILL.
// Signals go to the whole process group so any children the poller spawned
// come down with it.
func (p *Process) Stop(ctx context.Context, grace time.Duration) error {
	if !p.Alive() {
		return nil
	}
	log := logging.ForComponent(logging.CompLifecycle)

	if err := p.signalGroup(syscall.SIGTERM); err != nil {
		if isGone(err) {
			return nil
		}
		return fmt.Errorf("signal poller: %w", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	log.Warn("poller ignored SIGTERM, killing", "pid", p.PID())
	if err := p.signalGroup(syscall.SIGKILL); err != nil && !isGone(err) {
		return fmt.Errorf("kill poller: %w", err)
	}
	<-p.done
	return nil
}

// signalGroup delivers sig to the poller's process group (Setpgid makes the
// group id equal the poller's pid).
func (p *Process) signalGroup(sig syscall.Signal) error {
	return syscall.Kill(-p.PID(), sig)
}

func isGone(err error) bool {
	return errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH)
}
