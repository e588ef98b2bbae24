// Package health derives the tri-state liveness verdict consumed by external
// restart policy (container healthcheck, systemd, monitoring loop).
package health

import (
	"time"

	"github.com/mpetrov/botwarden/internal/heartbeat"
	"github.com/mpetrov/botwarden/internal/logging"
)

// Status is the derived health verdict. It is never stored independently of
// its inputs: process existence plus marker freshness.
type Status int

const (
	// StatusStarting: marker has never existed and the process is not yet
	// confirmed.
	StatusStarting Status = iota

	// StatusHealthy: process present and marker fresh (or just self-healed).
	StatusHealthy

	// StatusUnhealthy: process absent, whatever the marker says.
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Prober answers whether the poller process is currently present. Inside the
// run lifecycle this is the spawned process handle; in the standalone health
// subcommand it is a process-table scan.
type Prober interface {
	Alive() bool
}

// Report is one evaluation outcome.
type Report struct {
	Status Status

	// Reason is a short human-readable justification.
	Reason string

	// MarkerAge is the marker's age at evaluation, zero when absent.
	MarkerAge time.Duration

	// SelfHealed is set when the evaluator recreated a missing or stale
	// marker because the process was actually alive.
	SelfHealed bool

	// ConflictWarning is set when the log scan found repeated conflict
	// errors. Advisory only: it never changes Status.
	ConflictWarning bool
}

// Evaluator is the stateless health prober. Its only side effects are logging
// and the opportunistic marker self-heal.
type Evaluator struct {
	Marker     *heartbeat.Marker
	Proc       Prober
	StaleAfter time.Duration

	// Scan is the optional secondary signal over the poller's recent log
	// lines. Nil disables it.
	Scan *LogScan

	// State is the co-located supervisor's in-process mirror, when available.
	// It lets the evaluator tell "never started" from "started and vanished"
	// when both marker and process are gone. Nil for out-of-process probes,
	// which then report unhealthy for that case.
	State *heartbeat.State

	now func() time.Time
}

// NewEvaluator wires an Evaluator with the default clock.
func NewEvaluator(marker *heartbeat.Marker, proc Prober, staleAfter time.Duration, scan *LogScan) *Evaluator {
	if staleAfter <= 0 {
		staleAfter = 300 * time.Second
	}
	return &Evaluator{
		Marker:     marker,
		Proc:       proc,
		StaleAfter: staleAfter,
		Scan:       scan,
		now:        time.Now,
	}
}

// Evaluate produces a fresh verdict:
//
//   - process present, marker fresh        → healthy
//   - process present, marker missing/stale → self-heal the marker, healthy
//   - process absent                        → unhealthy
//   - process never confirmed, no marker    → starting
//
// The self-heal path absorbs timing races between the supervisor tick and
// externally scheduled evaluations.
func (e *Evaluator) Evaluate() Report {
	log := logging.ForComponent(logging.CompHealth)
	now := e.now()

	exists, mtime, err := e.Marker.Stat()
	if err != nil {
		log.Warn("cannot stat heartbeat marker", "err", err)
	}
	var age time.Duration
	if exists {
		age = now.Sub(mtime)
	}

	alive := e.Proc != nil && e.Proc.Alive()
	rep := Report{MarkerAge: age}

	switch {
	case alive && exists && age <= e.StaleAfter:
		rep.Status = StatusHealthy
		rep.Reason = "process present, heartbeat fresh"

	case alive:
		// Marker missing or stale while the process is demonstrably fine:
		// refresh it here instead of waiting for the next supervisor tick.
		if err := e.Marker.Touch(now); err != nil {
			log.Warn("self-heal touch failed", "err", err)
		} else {
			rep.SelfHealed = true
		}
		rep.Status = StatusHealthy
		rep.MarkerAge = 0
		if exists {
			rep.Reason = "stale heartbeat refreshed, process present"
		} else {
			rep.Reason = "missing heartbeat recreated, process present"
		}
		log.Info("heartbeat self-healed", "was_present", exists, "age", age.String())

	case !exists:
		// No marker and no process. Before the first confirmed tick that is
		// normal startup; afterwards it means the supervisor saw it die.
		if e.State != nil && !e.State.EverSeen() {
			rep.Status = StatusStarting
			rep.Reason = "heartbeat not yet established"
		} else {
			rep.Status = StatusUnhealthy
			rep.Reason = "no heartbeat and process absent"
		}

	default:
		rep.Status = StatusUnhealthy
		rep.Reason = "process absent"
	}

	if e.Scan != nil {
		if n := e.Scan.ConflictLines(); n >= e.Scan.Threshold {
			rep.ConflictWarning = true
			log.Warn("repeated conflict errors in poller log",
				"lines", n, "status", rep.Status.String())
		}
	}

	return rep
}
