package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/mpetrov/botwarden/internal/logging"
)

// MarkerWatcher reports heartbeat marker transitions as they happen, between
// the periodic evaluations of monitor mode. It watches the marker's directory
// since the marker file itself comes and goes.
type MarkerWatcher struct {
	watcher    *fsnotify.Watcher
	markerPath string
	onChange   func(created bool)
}

// NewMarkerWatcher watches markerPath. onChange is called with created=true
// when the marker appears or is refreshed, created=false when it is removed.
func NewMarkerWatcher(markerPath string, onChange func(created bool)) (*MarkerWatcher, error) {
	dir := filepath.Dir(markerPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("marker dir: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	return &MarkerWatcher{
		watcher:    w,
		markerPath: markerPath,
		onChange:   onChange,
	}, nil
}

// Run dispatches marker events until ctx is cancelled.
func (mw *MarkerWatcher) Run(ctx context.Context) error {
	defer mw.watcher.Close()
	log := logging.ForComponent(logging.CompHealth)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-mw.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(mw.markerPath) {
				continue
			}
			switch {
			case event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Chmod) != 0:
				mw.onChange(true)
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				mw.onChange(false)
			}
		case err, ok := <-mw.watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("marker watch error", "err", err)
		}
	}
}
