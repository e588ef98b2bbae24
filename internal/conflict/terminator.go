package conflict

import (
	"context"
	"fmt"
	"time"

	"github.com/mpetrov/botwarden/internal/logging"
	"github.com/mpetrov/botwarden/internal/registry"
)

// Terminator stops a locally running poller holding the same credential and
// waits out the drain period afterwards. Idempotent: with nothing local
// running it only performs the registry scan.
type Terminator struct {
	reg   registry.Registry
	drain time.Duration

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewTerminator builds a Terminator with the given base drain period.
func NewTerminator(reg registry.Registry, drain time.Duration) *Terminator {
	if drain <= 0 {
		drain = 5 * time.Second
	}
	return &Terminator{reg: reg, drain: drain, sleep: sleepCtx}
}

// Terminate stops any local poller and, if one was actually stopped, sleeps
// the drain period scaled by the attempt number. The platform holds the old
// long-poll socket open for a few seconds after disconnect; probing again
// inside that window would spuriously still look conflicted.
//
// Returns whether a local instance was terminated.
func (t *Terminator) Terminate(ctx context.Context, attempt int) (bool, error) {
	if attempt < 1 {
		attempt = 1
	}
	log := logging.ForComponent(logging.CompConflict)

	entry, err := t.reg.FindPoller(ctx)
	if err != nil {
		return false, fmt.Errorf("scan for local poller: %w", err)
	}
	if entry == nil {
		return false, nil
	}

	log.Info("terminating local poller", "pid", entry.PID, "command", entry.Command)
	if err := t.reg.Stop(ctx, entry); err != nil {
		return false, fmt.Errorf("stop local poller pid %d: %w", entry.PID, err)
	}

	wait := t.drain * time.Duration(attempt)
	log.Info("local poller stopped, draining", "wait", wait.String())
	if err := t.sleep(ctx, wait); err != nil {
		return true, err
	}
	return true, nil
}

// DrainWait sleeps the drain period scaled by attempt without touching any
// process. Used between resolution attempts when the conflict is remote.
func (t *Terminator) DrainWait(ctx context.Context, attempt int) error {
	if attempt < 1 {
		attempt = 1
	}
	return t.sleep(ctx, t.drain*time.Duration(attempt))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
