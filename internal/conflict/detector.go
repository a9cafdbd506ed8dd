package conflict

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/uisync/uisync/internal/config"
	"github.com/uisync/uisync/internal/irstore"
	"github.com/uisync/uisync/internal/watcher"
)

// DefaultWindow is the simultaneous-edit window.
const DefaultWindow = 5 * time.Second

// Detector decides whether an incoming change collides with a recent edit
// of the mirrored file. It holds no references to other pipeline
// components; callers store the returned record and notify subscribers.
type Detector struct {
	window time.Duration
	pair   config.Pair
	irs    *irstore.Store

	mu        sync.Mutex
	recent    map[string]recentEdit // absolute path → last observed edit
	generated map[string]time.Time  // absolute path → mtime of our own write

	now func() time.Time
}

type recentEdit struct {
	at time.Time
}

// NewDetector returns a detector with the given window (0 uses the
// default).
func NewDetector(pair config.Pair, irs *irstore.Store, window time.Duration) *Detector {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Detector{
		window:    window,
		pair:      pair,
		irs:       irs,
		recent:    make(map[string]recentEdit),
		generated: make(map[string]time.Time),
		now:       time.Now,
	}
}

// NoteGenerated records that path was just written by the pipeline itself.
// Watcher echoes of that write, and mtime comparisons against it, are then
// discounted so regeneration never looks like a user edit.
func (d *Detector) NoteGenerated(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	d.mu.Lock()
	d.generated[path] = info.ModTime()
	d.mu.Unlock()
}

// machineWrite reports whether path's current mtime is the one we recorded
// when the pipeline wrote it.
func (d *Detector) machineWrite(path string) bool {
	d.mu.Lock()
	gen, ok := d.generated[path]
	d.mu.Unlock()
	if !ok {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.ModTime().Equal(gen)
}

// Observe records ev and reports whether it collides with a recent edit on
// the opposite side. Three signals combine: recent-event proximity, file
// mtime distance, and IR version churn. The returned record is not
// persisted; that is the caller's decision.
func (d *Detector) Observe(ev watcher.Event) (Record, bool) {
	now := d.now()
	d.prune(now)

	mirrored, err := d.pair.MirrorPath(ev.Path)
	if err != nil {
		return Record{}, false
	}

	// An echo of our own regeneration is not an edit; keep it out of the
	// recent map entirely.
	if d.machineWrite(ev.Path) {
		return Record{}, false
	}

	d.mu.Lock()
	other, proximate := d.recent[mirrored]
	if proximate {
		proximate = now.Sub(other.at) <= d.window
	}
	d.recent[ev.Path] = recentEdit{at: ev.ObservedAt}
	d.mu.Unlock()

	if ev.Kind == watcher.Removed {
		// Deletions are not edits; they cannot conflict.
		return Record{}, false
	}

	id, err := d.pair.CanonicalID(ev.Path)
	if err != nil {
		return Record{}, false
	}

	timestampHit := proximate || (!d.machineWrite(mirrored) && d.MtimesWithinWindow(ev.Path, mirrored))
	versionHit := d.versionChurn(id, now)
	if !timestampHit && !versionHit {
		return Record{}, false
	}

	kind := KindTimestamp
	switch {
	case timestampHit && versionHit:
		kind = KindBoth
	case versionHit:
		kind = KindVersion
	}

	pathA, pathB := ev.Path, mirrored
	tsA, tsB := ev.ObservedAt, other.at
	if side, ok := d.pair.Side(ev.Path); ok && side.Tag == d.pair.B.Tag {
		pathA, pathB = mirrored, ev.Path
		tsA, tsB = other.at, ev.ObservedAt
	}

	rec := Record{
		ID:                   id,
		PathA:                pathA,
		PathB:                pathB,
		TimestampA:           tsA,
		TimestampB:           tsB,
		IRVersionAtDetection: d.irs.CurrentVersion(id),
		DetectedAt:           now,
		Kind:                 kind,
	}
	slog.Warn("Simultaneous edit detected",
		"id", id, "pathA", pathA, "pathB", pathB, "kind", kind)
	return rec, true
}

// MtimesWithinWindow compares the two files' modification times on demand.
func (d *Detector) MtimesWithinWindow(pathX, pathY string) bool {
	ix, err := os.Stat(pathX)
	if err != nil {
		return false
	}
	iy, err := os.Stat(pathY)
	if err != nil {
		return false
	}
	delta := ix.ModTime().Sub(iy.ModTime())
	if delta < 0 {
		delta = -delta
	}
	return delta <= d.window
}

// versionChurn reports whether the id's history shows more than one store
// within the window, meaning both sides already produced IR versions.
func (d *Detector) versionChurn(id string, now time.Time) bool {
	hist, err := d.irs.History(id)
	if err != nil || len(hist) < 2 {
		return false
	}
	n := 0
	for _, h := range hist {
		if now.Sub(h.StoredAt) <= d.window {
			n++
		}
	}
	return n > 1
}

func (d *Detector) prune(now time.Time) {
	d.mu.Lock()
	for p, e := range d.recent {
		if now.Sub(e.at) > d.window {
			delete(d.recent, p)
		}
	}
	d.mu.Unlock()
}
