// Package statusapi is an embedded loopback HTTP server exposing the health
// verdict and recent audit trail to local tooling.
package statusapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/mpetrov/botwarden/internal/audit"
	"github.com/mpetrov/botwarden/internal/health"
	"github.com/mpetrov/botwarden/internal/logging"
)

// Server serves /healthz and /status. It is lifecycle-bound to the
// orchestrator: Start blocks until the context is cancelled.
type Server struct {
	addr   string
	eval   *health.Evaluator
	trail  *audit.Trail
	server *http.Server
}

// New creates a status server on addr (loopback recommended).
func New(addr string, eval *health.Evaluator, trail *audit.Trail) *Server {
	s := &Server{addr: addr, eval: eval, trail: trail}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	s.server = &http.Server{
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// ServeHTTP implements http.Handler for testing — delegates to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.server.Handler.ServeHTTP(w, r)
}

// Start binds and serves until ctx is cancelled. Returns nil on clean
// shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("statusapi listen %s: %w", s.addr, err)
	}
	logging.ForComponent(logging.CompHTTP).Info("status server started",
		slog.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// handleHealthz returns 200 for healthy or starting, 503 for unhealthy.
// The body is the bare status word, matching healthcheck tooling that only
// inspects the code.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	rep := s.eval.Evaluate()

	code := http.StatusOK
	if rep.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	fmt.Fprintln(w, rep.Status.String())
}

// statusResponse is the JSON snapshot served at /status.
type statusResponse struct {
	Status          string       `json:"status"`
	Reason          string       `json:"reason"`
	MarkerAgeSecs   float64      `json:"marker_age_secs"`
	SelfHealed      bool         `json:"self_healed,omitempty"`
	ConflictWarning bool         `json:"conflict_warning,omitempty"`
	RecentActions   []auditEntry `json:"recent_actions,omitempty"`
}

type auditEntry struct {
	Time    time.Time `json:"time"`
	Action  string    `json:"action"`
	Outcome string    `json:"outcome"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	rep := s.eval.Evaluate()

	resp := statusResponse{
		Status:          rep.Status.String(),
		Reason:          rep.Reason,
		MarkerAgeSecs:   rep.MarkerAge.Seconds(),
		SelfHealed:      rep.SelfHealed,
		ConflictWarning: rep.ConflictWarning,
	}
	for _, e := range s.trail.Recent(20) {
		resp.RecentActions = append(resp.RecentActions, auditEntry{
			Time: e.Time, Action: e.Action, Outcome: e.Outcome,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logging.ForComponent(logging.CompHTTP).Warn("encode status", "err", err)
	}
}
