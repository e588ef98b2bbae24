// Package conflict detects and resolves contention for the credential's
// single long-poll slot. The platform itself is the mutual-exclusion arbiter;
// everything here only discovers and cooperates with that enforcement.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/mpetrov/botwarden/internal/botapi"
	"github.com/mpetrov/botwarden/internal/logging"
	"github.com/mpetrov/botwarden/internal/registry"
)

// ErrRemoteConflict is the fatal outcome after the retry budget: another
// consumer, not on this host, holds the long-poll slot.
var ErrRemoteConflict = errors.New("another instance holds the long-poll connection for this credential")

// ErrProbeUnavailable marks probes that could not reach the platform at all.
var ErrProbeUnavailable = errors.New("conflict probe unavailable")

// API is the slice of the platform client the detector needs.
type API interface {
	GetMe(ctx context.Context) (*botapi.Identity, error)
	ProbeUpdates(ctx context.Context) (*botapi.ProbeResult, error)
	WebhookURL(ctx context.Context) (string, error)
}

// Detector probes the platform and the local process table to classify the
// current conflict state.
type Detector struct {
	api API
	reg registry.Registry
}

// NewDetector builds a Detector over the given API client and local registry.
func NewDetector(api API, reg registry.Registry) *Detector {
	return &Detector{api: api, reg: reg}
}

// Classify produces a fresh verdict. Ordering is load-bearing:
//
//  1. identity probe — if the platform is unreachable the whole probe is
//     inconclusive (VerdictUnknown, not a conflict);
//  2. dry poll — collects the conflict signal but is not trusted alone;
//  3. webhook check — a registered webhook forces VerdictRemote even when the
//     dry poll looked clean, because a webhook-configured bot answers dry
//     polls without raising the conflict code;
//  4. local process lookup — splits a flagged conflict into local vs remote.
func (d *Detector) Classify(ctx context.Context) (Verdict, error) {
	log := logging.ForComponent(logging.CompConflict)

	if _, err := d.api.GetMe(ctx); err != nil {
		if errors.Is(err, botapi.ErrCredentialInvalid) {
			return VerdictUnknown, err
		}
		log.Warn("identity probe failed, verdict unknown", "err", err)
		return VerdictUnknown, fmt.Errorf("%w: %v", ErrProbeUnavailable, err)
	}

	probe, err := d.api.ProbeUpdates(ctx)
	if err != nil {
		log.Warn("dry poll failed, verdict unknown", "err", err)
		return VerdictUnknown, fmt.Errorf("%w: %v", ErrProbeUnavailable, err)
	}

	hookURL, err := d.api.WebhookURL(ctx)
	if err != nil {
		log.Warn("webhook probe failed, verdict unknown", "err", err)
		return VerdictUnknown, fmt.Errorf("%w: %v", ErrProbeUnavailable, err)
	}
	if hookURL != "" {
		log.Info("webhook registered, long-poll slot is remotely owned", "webhook_host", hostOnly(hookURL))
		return VerdictRemote, nil
	}

	if probe.Conflict {
		entry, err := d.reg.FindPoller(ctx)
		if err != nil {
			log.Warn("conflict flagged but local registry scan failed", "err", err)
			return VerdictRemote, nil
		}
		if entry != nil {
			log.Info("conflict traced to local poller", "pid", entry.PID)
			return VerdictLocal, nil
		}
		log.Info("conflict with no local poller, classifying as remote")
		return VerdictRemote, nil
	}

	return VerdictNone, nil
}

// hostOnly trims a webhook URL to its host for logging. The full URL may
// embed secrets in its path.
func hostOnly(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		return u.Host
	}
	return "<unparseable>"
}
