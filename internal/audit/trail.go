// Package audit keeps the append-only action trail: one timestamped line per
// action, trimmed by rotation once the file exceeds its size bound.
package audit

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mpetrov/botwarden/internal/logging"
)

// Entry is one parsed trail line.
type Entry struct {
	Time    time.Time
	Action  string
	Outcome string
}

// Trail is the append-only audit log. Entries are never mutated after append.
// A nil Trail is a no-op, so components can run without auditing in tests.
type Trail struct {
	mu sync.Mutex
	w  *lumberjack.Logger

	// recent is a bounded in-memory window served to the status API.
	recent []Entry
	limit  int

	now func() time.Time
}

// New opens (or creates) the trail at path. maxSizeMB bounds the file before
// trimming; maxBackups bounds trimmed generations kept.
func New(path string, maxSizeMB, maxBackups int) *Trail {
	if maxSizeMB <= 0 {
		maxSizeMB = 5
	}
	if maxBackups <= 0 {
		maxBackups = 2
	}
	return &Trail{
		w: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
		},
		limit: 64,
		now:   time.Now,
	}
}

// Append records one action. Audit failures are logged, never propagated:
// a full disk must not take down supervision.
func (t *Trail) Append(action, outcome string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	ts := t.now().UTC()
	line := fmt.Sprintf("%s\t%s\t%s\n",
		ts.Format(time.RFC3339), sanitize(action), sanitize(outcome))
	if _, err := t.w.Write([]byte(line)); err != nil {
		logging.ForComponent(logging.CompAudit).Warn("audit append failed", "err", err)
	}

	t.recent = append(t.recent, Entry{Time: ts, Action: action, Outcome: outcome})
	if len(t.recent) > t.limit {
		t.recent = t.recent[len(t.recent)-t.limit:]
	}
}

// Recent returns up to n most recent entries, newest last.
func (t *Trail) Recent(n int) []Entry {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if n <= 0 || n > len(t.recent) {
		n = len(t.recent)
	}
	out := make([]Entry, n)
	copy(out, t.recent[len(t.recent)-n:])
	return out
}

// Close flushes and closes the underlying file.
func (t *Trail) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.w.Close()
}

// sanitize keeps trail lines single-line and tab-delimited.
func sanitize(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "\t", " ")
}
