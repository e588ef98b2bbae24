package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/mpetrov/botwarden/internal/audit"
	"github.com/mpetrov/botwarden/internal/logging"
)

// Liveness answers whether the supervised poller process still exists.
type Liveness interface {
	Alive() bool
}

// Supervisor is the background loop co-located with the poller. Each tick it
// checks process existence and toggles the heartbeat marker accordingly.
// It shares no lock with the poller; the marker is the only channel out.
type Supervisor struct {
	Marker       *Marker
	State        *State
	Proc         Liveness
	Trail        *audit.Trail
	Tick         time.Duration
	InitialDelay time.Duration

	// now is swappable in tests.
	now func() time.Time
}

// NewSupervisor wires a Supervisor with the default clock.
func NewSupervisor(marker *Marker, state *State, proc Liveness, trail *audit.Trail, tick, initialDelay time.Duration) *Supervisor {
	if tick <= 0 {
		tick = 20 * time.Second
	}
	if initialDelay < 0 {
		initialDelay = 0
	}
	return &Supervisor{
		Marker:       marker,
		State:        state,
		Proc:         proc,
		Trail:        trail,
		Tick:         tick,
		InitialDelay: initialDelay,
		now:          time.Now,
	}
}

// Run executes the supervision loop until ctx is cancelled. At boot any
// pre-existing marker is cleared (crash-restart leaves one behind) and the
// marker is only created once liveness is first confirmed. Cancellation is
// honored between ticks, never mid-tick.
func (s *Supervisor) Run(ctx context.Context) error {
	log := logging.ForComponent(logging.CompSupervisor)

	if err := s.Marker.Clear(); err != nil {
		log.Warn("could not clear stale marker at boot", "err", err)
	}
	s.State.Reset()
	s.Trail.Append("supervisor", "starting")
	log.Info("liveness supervision starting",
		"tick", s.Tick.String(), "initial_delay", s.InitialDelay.String())

	if s.InitialDelay > 0 {
		timer := time.NewTimer(s.InitialDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	ticker := time.NewTicker(s.Tick)
	defer ticker.Stop()

	// First check immediately after the initial delay, then on every tick.
	s.step(log)
	for {
		select {
		case <-ctx.Done():
			s.Trail.Append("supervisor", "stopped")
			return ctx.Err()
		case <-ticker.C:
			s.step(log)
		}
	}
}

// step performs one supervision tick.
func (s *Supervisor) step(log *slog.Logger) {
	now := s.now()
	if s.Proc.Alive() {
		if err := s.Marker.Touch(now); err != nil {
			log.Warn("could not refresh heartbeat marker", "err", err)
			return
		}
		s.State.MarkSeen(now)
		s.Trail.Append("heartbeat", "alive")
		log.Debug("heartbeat refreshed")
		return
	}

	if err := s.Marker.Clear(); err != nil {
		log.Warn("could not clear heartbeat marker", "err", err)
	}
	s.State.Reset()
	s.Trail.Append("heartbeat", "process missing")
	log.Warn("poller process missing, heartbeat cleared")
}
