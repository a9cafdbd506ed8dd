// Package watcher turns raw filesystem notifications for the two framework
// roots into debounced, coalesced file-change events.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/uisync/uisync/internal/config"
)

// Kind classifies a file-change event.
type Kind string

const (
	Added    Kind = "added"
	Modified Kind = "modified"
	Removed  Kind = "removed"
)

// Event is a single coalesced file change. Path is absolute.
type Event struct {
	Kind       Kind
	Path       string
	Framework  string
	ObservedAt time.Time
}

// Options tunes the coalescing windows. A path is emitted once it has been
// quiet for at least Stability and at least Debounce has passed since its
// first pending edit.
type Options struct {
	Debounce  time.Duration
	Stability time.Duration
	Ignore    []string
}

const (
	defaultDebounce  = 100 * time.Millisecond
	defaultStability = 50 * time.Millisecond
	scanInterval     = 20 * time.Millisecond
)

// pending accumulates raw notifications for one path until it settles.
type pending struct {
	kind      Kind
	sawRemove bool
	first     time.Time
	last      time.Time
}

// Watcher watches the pair's two roots and delivers coalesced events.
// Watcher errors are surfaced on Errors and never terminate the run loop.
type Watcher struct {
	Events <-chan Event
	Errors <-chan error

	events chan Event
	errs   chan error

	pair config.Pair
	opts Options
	fsw  *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*pending

	now func() time.Time
}

// New creates a watcher over both roots of the pair. Directories are added
// recursively; new subdirectories are picked up as they appear.
func New(pair config.Pair, opts Options) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.Stability <= 0 {
		opts.Stability = defaultStability
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	w := &Watcher{
		events:  make(chan Event, 64),
		errs:    make(chan error, 8),
		pair:    pair,
		opts:    opts,
		fsw:     fsw,
		pending: make(map[string]*pending),
		now:     time.Now,
	}
	w.Events = w.events
	w.Errors = w.errs

	for _, root := range []string{pair.A.Root, pair.B.Root} {
		if err := w.addRecursive(root); err != nil {
			_ = fsw.Close()
			return nil, err
		}
	}
	return w, nil
}

// Run drains filesystem notifications and emits settled events until the
// context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()
	defer func() { _ = w.fsw.Close() }()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleRaw(ev)

		case <-ticker.C:
			w.emitSettled(ctx)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			select {
			case w.errs <- err:
			default:
				slog.Warn("Watcher error dropped, error channel full", "err", err)
			}
		}
	}
}

func (w *Watcher) handleRaw(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)

	// New directories must be watched before files appear inside them.
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if !w.ignored(path) {
				if err := w.addRecursive(path); err != nil {
					slog.Debug("Cannot watch new directory", "path", path, "err", err)
				}
			}
			return
		}
	}

	side, ok := w.pair.Side(path)
	if !ok {
		return
	}
	if !strings.HasSuffix(path, side.Ext) {
		return
	}
	if w.ignored(path) {
		return
	}

	var kind Kind
	switch {
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		kind = Removed
	case ev.Has(fsnotify.Create):
		kind = Added
	case ev.Has(fsnotify.Write):
		kind = Modified
	default:
		return
	}

	now := w.now()
	w.mu.Lock()
	p, exists := w.pending[path]
	if !exists {
		w.pending[path] = &pending{kind: kind, sawRemove: kind == Removed, first: now, last: now}
		w.mu.Unlock()
		return
	}
	// Coalesce: a removal supersedes everything; otherwise any event after
	// the first collapses to modified.
	if kind == Removed {
		p.sawRemove = true
		p.kind = Removed
	} else if !p.sawRemove {
		p.kind = Modified
	}
	p.last = now
	w.mu.Unlock()
}

func (w *Watcher) emitSettled(ctx context.Context) {
	now := w.now()
	var ready []Event

	w.mu.Lock()
	for path, p := range w.pending {
		if now.Sub(p.last) < w.opts.Stability || now.Sub(p.first) < w.opts.Debounce {
			continue
		}
		side, ok := w.pair.Side(path)
		if !ok {
			delete(w.pending, path)
			continue
		}
		ready = append(ready, Event{
			Kind:       p.kind,
			Path:       path,
			Framework:  side.Tag,
			ObservedAt: now,
		})
		delete(w.pending, path)
	}
	w.mu.Unlock()

	for _, ev := range ready {
		select {
		case w.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) ignored(path string) bool {
	base := filepath.Base(path)
	for _, pat := range w.opts.Ignore {
		if ok, _ := filepath.Match(pat, base); ok {
			return true
		}
		// Bare names also match any path segment ("node_modules", ".git").
		if !strings.ContainsAny(pat, "*?[") &&
			strings.Contains(path, string(filepath.Separator)+pat+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (w *Watcher) ignoredDir(name string) bool {
	for _, pat := range w.opts.Ignore {
		if ok, _ := filepath.Match(pat, name); ok {
			return true
		}
	}
	return false
}

// addRecursive walks root and watches every non-ignored directory. Missing
// roots are an error; unreadable subdirectories are skipped with a debug
// log, matching how partial trees behave during large checkouts.
func (w *Watcher) addRecursive(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("watch root %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watch root %s is not a directory", root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			slog.Debug("Skipping unreadable path", "path", path, "err", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && (strings.HasPrefix(d.Name(), ".") || w.ignoredDir(d.Name())) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			slog.Debug("Cannot watch directory", "path", path, "err", err)
		}
		return nil
	})
}
