// Package registry answers "is a poller bound to this credential already
// running on this host" by scanning the local process table, and can stop one.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	ps "github.com/mitchellh/go-ps"

	"github.com/mpetrov/botwarden/internal/logging"
)

// Entry identifies a matched poller process.
type Entry struct {
	PID     int
	Command string
}

// Registry locates and stops a locally running poller.
type Registry interface {
	// FindPoller returns the first process matching the poller signature,
	// or nil when none is running.
	FindPoller(ctx context.Context) (*Entry, error)

	// Stop terminates the process: SIGTERM, a grace window, then SIGKILL.
	Stop(ctx context.Context, e *Entry) error
}

// ProcessTable scans the host process table with go-ps.
type ProcessTable struct {
	// Signature is the substring matched against executable names.
	Signature string

	// StopGrace is the SIGTERM-to-SIGKILL window.
	StopGrace time.Duration
}

// NewProcessTable returns a Registry matching the given invocation signature.
func NewProcessTable(signature string, stopGrace time.Duration) *ProcessTable {
	if stopGrace <= 0 {
		stopGrace = 10 * time.Second
	}
	return &ProcessTable{Signature: signature, StopGrace: stopGrace}
}

// FindPoller scans the process table for the signature, skipping our own PID
// so the supervisor never mistakes itself for a conflicting poller.
func (pt *ProcessTable) FindPoller(ctx context.Context) (*Entry, error) {
	if pt.Signature == "" {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	procs, err := ps.Processes()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	self := os.Getpid()
	for _, p := range procs {
		if p.Pid() == self || p.Pid() == os.Getppid() {
			continue
		}
		if strings.Contains(p.Executable(), pt.Signature) {
			return &Entry{PID: p.Pid(), Command: p.Executable()}, nil
		}
	}
	return nil, nil
}

// Stop terminates the matched process. Graceful first: SIGTERM, then poll for
// exit until the grace window lapses, then SIGKILL.
func (pt *ProcessTable) Stop(ctx context.Context, e *Entry) error {
	if e == nil {
		return nil
	}
	log := logging.ForComponent(logging.CompRegistry)

	proc, err := os.FindProcess(e.PID)
	if err != nil {
		return fmt.Errorf("find pid %d: %w", e.PID, err)
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		// Already gone counts as stopped.
		if isGone(err) {
			return nil
		}
		return fmt.Errorf("signal pid %d: %w", e.PID, err)
	}
	log.Info("sent SIGTERM to local poller", "pid", e.PID)

	deadline := time.Now().Add(pt.StopGrace)
	for time.Now().Before(deadline) {
		if !pt.alive(e.PID) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}

	log.Warn("poller did not exit within grace window, sending SIGKILL", "pid", e.PID)
	if err := proc.Signal(syscall.SIGKILL); err != nil && !isGone(err) {
		return fmt.Errorf("kill pid %d: %w", e.PID, err)
	}
	return nil
}

// alive re-checks the process table for the pid.
func (pt *ProcessTable) alive(pid int) bool {
	p, err := ps.FindProcess(pid)
	return err == nil && p != nil
}

func isGone(err error) bool {
	return errors.Is(err, os.ErrProcessDone) || strings.Contains(err.Error(), "process already finished")
}
