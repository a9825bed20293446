package tailer

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/golouhm/awesant/internal/logging"
)

// Watcher expands a wildcard path. The worker polls it; it re-globs every
// interval, and a fsnotify subscription on the parent directory surfaces
// newly created files between two glob ticks.
type Watcher struct {
	pattern  string
	interval time.Duration
	log      *logging.Logger
	fsw      *fsnotify.Watcher
	known    map[string]bool
	lastGlob time.Time

	mu      sync.Mutex
	created []string
}

// NewWatcher creates a watcher over a glob pattern. Paths in seed are
// treated as known, not new; any other match, including one that already
// existed when the watcher was created, is reported by the first Poll.
func NewWatcher(pattern string, interval time.Duration, seed []string, log *logging.Logger) (*Watcher, error) {
	w := &Watcher{
		pattern:  pattern,
		interval: interval,
		log:      log.WithComponent("watcher"),
		known:    make(map[string]bool),
	}
	for _, path := range seed {
		w.known[path] = true
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(pattern)); err != nil {
		// Fall back to pure interval re-globbing.
		w.log.Warn().Err(err).Str("dir", filepath.Dir(pattern)).Msg("directory watch unavailable")
		fsw.Close()
	} else {
		w.fsw = fsw
		go w.collect()
	}
	return w, nil
}

// Glob returns the current matches of the pattern.
func Glob(pattern string) ([]string, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid wildcard %q: %w", pattern, err)
	}
	return matches, nil
}

func (w *Watcher) collect() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op.Has(fsnotify.Create) {
				w.mu.Lock()
				w.created = append(w.created, ev.Name)
				w.mu.Unlock()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("file watcher error")
		}
	}
}

// Poll returns paths newly matching the pattern. A full re-glob runs when
// the interval has elapsed or when the directory watch saw a create event.
func (w *Watcher) Poll(now time.Time) []string {
	reGlob := now.Sub(w.lastGlob) >= w.interval
	w.mu.Lock()
	if !reGlob {
		for _, name := range w.created {
			if ok, _ := filepath.Match(w.pattern, name); ok {
				reGlob = true
				break
			}
		}
	}
	w.created = w.created[:0]
	w.mu.Unlock()
	if !reGlob {
		return nil
	}
	w.lastGlob = now

	matches, err := Glob(w.pattern)
	if err != nil {
		w.log.Error().Err(err).Msg("wildcard expansion failed")
		return nil
	}
	var fresh []string
	for _, path := range matches {
		if !w.known[path] {
			w.known[path] = true
			fresh = append(fresh, path)
		}
	}
	return fresh
}

// Forget drops a path so it is rediscovered if it ever reappears.
func (w *Watcher) Forget(path string) {
	delete(w.known, path)
}

// Close shuts the directory subscription down.
func (w *Watcher) Close() error {
	if w.fsw != nil {
		return w.fsw.Close()
	}
	return nil
}
