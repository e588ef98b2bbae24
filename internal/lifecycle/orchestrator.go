// Package lifecycle sequences the whole supervision pipeline: credential
// validation, conflict resolution, poller spawn, liveness supervision.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mpetrov/botwarden/internal/audit"
	"github.com/mpetrov/botwarden/internal/botapi"
	"github.com/mpetrov/botwarden/internal/config"
	"github.com/mpetrov/botwarden/internal/conflict"
	"github.com/mpetrov/botwarden/internal/health"
	"github.com/mpetrov/botwarden/internal/heartbeat"
	"github.com/mpetrov/botwarden/internal/logging"
	"github.com/mpetrov/botwarden/internal/poller"
	"github.com/mpetrov/botwarden/internal/registry"
	"github.com/mpetrov/botwarden/internal/retry"
	"github.com/mpetrov/botwarden/internal/statusapi"
)

// ErrCredentialInvalid re-exports the fatal validation failure for callers
// that map errors to exit codes.
var ErrCredentialInvalid = botapi.ErrCredentialInvalid

// ErrRemoteConflict is the fatal outcome of an exhausted resolution loop.
var ErrRemoteConflict = conflict.ErrRemoteConflict

// Detector classifies the current conflict state.
type Detector interface {
	Classify(ctx context.Context) (conflict.Verdict, error)
}

// Terminator stops local instances and enforces drain waits.
type Terminator interface {
	Terminate(ctx context.Context, attempt int) (bool, error)
	DrainWait(ctx context.Context, attempt int) error
}

// Validator resolves the credential to an identity.
type Validator interface {
	GetMe(ctx context.Context) (*botapi.Identity, error)
}

// Orchestrator owns the credential and wires every component. Constructed
// once from config; the credential is passed down, never logged.
type Orchestrator struct {
	cfg   *config.Config
	api   *botapi.Client
	reg   registry.Registry
	det   Detector
	term  Terminator
	val   Validator
	trail *audit.Trail
}

// New builds an Orchestrator from config.
func New(cfg *config.Config) *Orchestrator {
	api := botapi.New(cfg.Bot.APIBaseURL, cfg.Token, cfg.ProbeTimeout(), cfg.Bot.ProbeRateLimit)
	reg := registry.NewProcessTable(cfg.Poller.Signature, cfg.StopGrace())
	return &Orchestrator{
		cfg:   cfg,
		api:   api,
		reg:   reg,
		det:   conflict.NewDetector(api, reg),
		term:  conflict.NewTerminator(reg, cfg.DrainPeriod()),
		val:   api,
		trail: audit.New(cfg.Audit.Path, cfg.Audit.MaxSizeMB, cfg.Audit.MaxBackups),
	}
}

// API exposes the platform client for subcommands that only validate.
func (o *Orchestrator) API() *botapi.Client { return o.api }

// Registry exposes the local process registry.
func (o *Orchestrator) Registry() registry.Registry { return o.reg }

// Trail exposes the audit trail.
func (o *Orchestrator) Trail() *audit.Trail { return o.trail }

// ValidateCredential confirms the credential resolves to a bot identity.
// Fatal on failure: an invalid credential never becomes valid by retrying.
func (o *Orchestrator) ValidateCredential(ctx context.Context) (*botapi.Identity, error) {
	id, err := o.val.GetMe(ctx)
	if err != nil {
		if errors.Is(err, botapi.ErrCredentialInvalid) {
			o.trail.Append("validate", "credential rejected")
			return nil, err
		}
		o.trail.Append("validate", "platform unreachable")
		return nil, fmt.Errorf("validate credential: %w", err)
	}
	o.trail.Append("validate", "ok: @"+id.Username)
	logging.ForComponent(logging.CompLifecycle).Info("credential valid",
		"bot", id.Username, "bot_id", id.ID)
	return id, nil
}

// ResolveConflicts runs the bounded resolution loop and returns the final
// verdict. VerdictNone means the slot is free. VerdictUnknown after the
// budget is a soft failure: the caller may start anyway (fail-open).
// VerdictRemote after the budget surfaces as ErrRemoteConflict.
func (o *Orchestrator) ResolveConflicts(ctx context.Context) (conflict.Verdict, error) {
	log := logging.ForComponent(logging.CompLifecycle)
	maxAttempts := o.cfg.Conflict.MaxAttempts

	localTerminated := false
	unknownStreak := 0

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// The terminator is idempotent: attempt 1 always clears any local
		// instance before probing, later attempts re-clear stragglers.
		stopped, err := o.term.Terminate(ctx, attempt)
		if err != nil {
			if ctx.Err() != nil {
				return conflict.VerdictUnknown, err
			}
			log.Warn("local termination failed", "attempt", attempt, "err", err)
		}
		if stopped {
			localTerminated = true
			o.trail.Append("terminate", fmt.Sprintf("local poller stopped (attempt %d)", attempt))
		}

		verdict, err := o.det.Classify(ctx)
		if err != nil && errors.Is(err, botapi.ErrCredentialInvalid) {
			return verdict, err
		}
		log.Info("conflict probe", "attempt", attempt, "verdict", verdict.String())
		o.trail.Append("probe", fmt.Sprintf("attempt %d: %s", attempt, verdict))

		switch verdict {
		case conflict.VerdictNone:
			if attempt > 1 {
				log.Info("conflict resolved", "attempts", attempt)
				o.trail.Append("resolve", fmt.Sprintf("resolved after %d attempts", attempt))
			}
			return conflict.VerdictNone, nil

		case conflict.VerdictLocal:
			if localTerminated {
				// A local conflict recurring after termination is
				// indistinguishable from a true remote conflict: a second,
				// independent instance grabbed the slot. One extra
				// drain-scaled wait absorbs the termination/re-detection
				// race before the escalation turns fatal.
				log.Warn("local conflict recurring after termination, treating as remote",
					"attempt", attempt)
				if attempt == maxAttempts {
					o.trail.Append("resolve", "failed: conflict persists after local termination")
					return conflict.VerdictRemote, ErrRemoteConflict
				}
				if err := o.term.DrainWait(ctx, attempt); err != nil {
					return conflict.VerdictUnknown, err
				}
			} else if attempt == maxAttempts {
				// The budget is spent and the local holder was never stopped
				// (e.g. the terminator cannot signal a poller owned by
				// another user). Starting anyway would double-poll the slot.
				o.trail.Append("resolve", "failed: local poller holds the connection and could not be stopped")
				return conflict.VerdictLocal, ErrRemoteConflict
			}
			// Loop: the next attempt's Terminate will stop it.
			unknownStreak = 0

		case conflict.VerdictRemote:
			if attempt == maxAttempts {
				o.trail.Append("resolve", "failed: remote instance holds the connection")
				return conflict.VerdictRemote, ErrRemoteConflict
			}
			// Widening backoff gives slow-draining remote connections time
			// to close before the next probe.
			log.Info("remote conflict, waiting before retry",
				"attempt", attempt, "wait", (o.cfg.DrainPeriod() * time.Duration(attempt)).String())
			if err := o.term.DrainWait(ctx, attempt); err != nil {
				return conflict.VerdictUnknown, err
			}
			unknownStreak = 0

		case conflict.VerdictUnknown:
			// Probe failures retry without backoff, then fail open: a
			// prolonged platform outage must not permanently block startup.
			unknownStreak++
			if unknownStreak >= maxAttempts || attempt == maxAttempts {
				log.Warn("conflict state unknown after retries, failing open")
				o.trail.Append("resolve", "unknown after retries, failing open")
				return conflict.VerdictUnknown, nil
			}
		}
	}

	return conflict.VerdictUnknown, nil
}

// Run executes the full lifecycle and blocks until the poller exits or ctx is
// cancelled (signal). The returned error maps to the exit-code contract.
func (o *Orchestrator) Run(ctx context.Context) error {
	log := logging.ForComponent(logging.CompLifecycle)
	defer o.trail.Close()

	if _, err := o.ValidateCredential(ctx); err != nil {
		return err
	}

	verdict, err := o.ResolveConflicts(ctx)
	if err != nil {
		return err
	}
	if verdict == conflict.VerdictUnknown {
		log.Warn("starting poller despite inconclusive conflict probes")
	}

	proc, err := poller.Start(o.cfg.Poller.Command, o.pollerEnv(), o.cfg.Poller.LogFile)
	if err != nil {
		o.trail.Append("start", "failed: "+err.Error())
		return fmt.Errorf("start poller: %w", err)
	}
	o.trail.Append("start", fmt.Sprintf("poller pid %d", proc.PID()))

	marker := heartbeat.NewMarker(o.cfg.Health.MarkerPath)
	state := &heartbeat.State{}
	sup := heartbeat.NewSupervisor(marker, state, proc, o.trail,
		o.cfg.Tick(), o.cfg.InitialDelay())

	scan := health.NewLogScan(o.cfg.Poller.LogFile,
		o.cfg.Health.LogScanLines, o.cfg.Health.LogScanThreshold)
	eval := health.NewEvaluator(marker, proc, o.cfg.StaleAfter(), scan)
	eval.State = state

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := sup.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if o.cfg.Status.Addr != "" {
		srv := statusapi.New(o.cfg.Status.Addr, eval, o.trail)
		g.Go(func() error {
			err := srv.Start(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
			// Signal or sibling failure: stop the poller gracefully. A fresh
			// context: the group's is already cancelled.
			stopCtx, cancel := context.WithTimeout(context.Background(), o.cfg.StopGrace()+5*time.Second)
			defer cancel()
			if err := proc.Stop(stopCtx, o.cfg.StopGrace()); err != nil {
				log.Warn("poller stop failed", "err", err)
			}
			o.trail.Append("stop", "poller stopped on shutdown")
			if err := marker.Clear(); err != nil {
				log.Warn("could not clear marker on shutdown", "err", err)
			}
			return nil
		case <-proc.Done():
			exitErr := proc.ExitErr()
			if exitErr != nil {
				o.trail.Append("exit", "poller exited: "+exitErr.Error())
				return fmt.Errorf("poller exited: %w", exitErr)
			}
			o.trail.Append("exit", "poller exited cleanly")
			return errors.New("poller exited")
		}
	})

	// Startup status check: wait for the first healthy evaluation. Advisory
	// only; a slow poller is reported, not killed.
	go o.startupCheck(gctx, eval)

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// startupCheck polls the evaluator until the poller turns healthy or the
// budget runs out. Failures log a warning; the poller may still be coming up.
func (o *Orchestrator) startupCheck(ctx context.Context, eval *health.Evaluator) {
	log := logging.ForComponent(logging.CompLifecycle)

	policy := retry.Constant(30, 5*time.Second)
	err := policy.Do(ctx, func(attempt int) error {
		rep := eval.Evaluate()
		if rep.Status == health.StatusHealthy {
			log.Info("poller confirmed healthy", "attempts", attempt)
			o.trail.Append("startup", fmt.Sprintf("healthy after %d checks", attempt))
			return nil
		}
		return fmt.Errorf("status %s: %s", rep.Status, rep.Reason)
	})
	if err != nil && ctx.Err() == nil {
		log.Warn("poller did not confirm healthy in time, it may still be functioning", "err", err)
		o.trail.Append("startup", "health confirmation timed out")
	}
}

// pollerEnv builds the child environment: the parent's, with the credential
// injected under the names pollers conventionally read.
func (o *Orchestrator) pollerEnv() []string {
	env := os.Environ()
	env = append(env, "BOT_TOKEN="+o.cfg.Token)
	return env
}
