// Package heartbeat owns the liveness token: a marker file whose presence and
// mtime signal that the poller was recently confirmed alive, plus the
// supervisor loop that maintains it.
package heartbeat

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Marker is the filesystem liveness token. Existence plus mtime are the whole
// contract; the file content is never read.
type Marker struct {
	Path string
}

// NewMarker returns a Marker at path.
func NewMarker(path string) *Marker {
	return &Marker{Path: path}
}

// Touch creates the marker or refreshes its mtime.
func (m *Marker) Touch(now time.Time) error {
	if err := os.MkdirAll(filepath.Dir(m.Path), 0o755); err != nil {
		return fmt.Errorf("marker dir: %w", err)
	}
	f, err := os.OpenFile(m.Path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("touch marker: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("touch marker: %w", err)
	}
	if err := os.Chtimes(m.Path, now, now); err != nil {
		return fmt.Errorf("touch marker: %w", err)
	}
	return nil
}

// Clear removes the marker. Missing is not an error.
func (m *Marker) Clear() error {
	if err := os.Remove(m.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear marker: %w", err)
	}
	return nil
}

// Stat reports whether the marker exists and its last refresh time.
func (m *Marker) Stat() (exists bool, mtime time.Time, err error) {
	info, err := os.Stat(m.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, time.Time{}, nil
		}
		return false, time.Time{}, fmt.Errorf("stat marker: %w", err)
	}
	return true, info.ModTime(), nil
}

// State is the in-process mirror of the marker, read without touching the
// filesystem. The supervisor updates it on every confirmed tick; a co-located
// evaluator prefers it over file mtimes.
type State struct {
	mu       sync.RWMutex
	lastSeen time.Time
	everSeen bool
}

// MarkSeen records a confirmed-alive observation.
func (s *State) MarkSeen(t time.Time) {
	s.mu.Lock()
	s.lastSeen = t
	s.everSeen = true
	s.mu.Unlock()
}

// Reset forgets the last observation (poller confirmed gone). EverSeen is
// preserved: a poller that was once confirmed and vanished is a failure, not
// a fresh start.
func (s *State) Reset() {
	s.mu.Lock()
	s.lastSeen = time.Time{}
	s.mu.Unlock()
}

// LastSeen returns the most recent confirmed-alive time, zero if none.
func (s *State) LastSeen() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeen
}

// EverSeen reports whether liveness was confirmed at least once this run.
func (s *State) EverSeen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.everSeen
}
