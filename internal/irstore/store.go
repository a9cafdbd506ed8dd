// Package irstore persists versioned IR documents on disk, one record per
// logical id, with an append-only history index and digest-based change
// detection.
package irstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/uisync/uisync/internal/ir"
)

// ErrNotFound is returned when no record exists for an id, including the
// case where the on-disk record was corrupt and has been quarantined.
var ErrNotFound = errors.New("ir record not found")

// Record is the current state of one logical IR id.
type Record struct {
	ID       string       `json:"id"`
	Version  int          `json:"version"`
	Digest   string       `json:"digest"`
	Body     *ir.Document `json:"body"`
	StoredAt time.Time    `json:"storedAt"`
}

// HistoryEntry is one line of the append-only history index.
type HistoryEntry struct {
	Version  int       `json:"version"`
	Digest   string    `json:"digest"`
	StoredAt time.Time `json:"storedAt"`
}

// Store is a filesystem-backed IR store. All writes are stage-then-rename
// and serialized per id, so concurrent stores for different ids proceed in
// parallel while stores for the same id are mutually exclusive.
type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

// New creates the storage directory if needed and returns a Store rooted at
// dir (records live under dir/ir/).
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "ir"), 0o755); err != nil {
		return nil, fmt.Errorf("creating IR storage directory: %w", err)
	}
	return &Store{
		dir:   dir,
		locks: make(map[string]*sync.Mutex),
		now:   time.Now,
	}, nil
}

// Dir returns the storage root.
func (s *Store) Dir() string { return s.dir }

func (s *Store) recordPath(id string) string {
	return filepath.Join(s.dir, "ir", id+".json")
}

func (s *Store) historyPath(id string) string {
	return filepath.Join(s.dir, "ir", id+".history.json")
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Store writes body as the new current record for id and returns the
// resulting version. When the digest matches the current record the call is
// a no-op and the unchanged current version is returned.
func (s *Store) Store(id string, body *ir.Document) (int, error) {
	digest, err := ir.Digest(body)
	if err != nil {
		return 0, fmt.Errorf("computing digest for %s: %w", id, err)
	}

	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	cur, err := s.loadLocked(id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return 0, err
	}
	if cur != nil && cur.Digest == digest {
		return cur.Version, nil
	}

	version := 1
	if cur != nil {
		version = cur.Version + 1
	}
	rec := Record{
		ID:       id,
		Version:  version,
		Digest:   digest,
		Body:     body,
		StoredAt: s.now(),
	}
	if err := writeJSONAtomic(s.recordPath(id), rec); err != nil {
		return 0, fmt.Errorf("writing IR record %s: %w", id, err)
	}

	hist, err := s.History(id)
	if err != nil {
		hist = nil
	}
	hist = append(hist, HistoryEntry{Version: version, Digest: digest, StoredAt: rec.StoredAt})
	if err := writeJSONAtomic(s.historyPath(id), hist); err != nil {
		return 0, fmt.Errorf("writing IR history %s: %w", id, err)
	}
	return version, nil
}

// Load returns the current record for id, or ErrNotFound.
func (s *Store) Load(id string) (*Record, error) {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()
	return s.loadLocked(id)
}

func (s *Store) loadLocked(id string) (*Record, error) {
	path := s.recordPath(id)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading IR record %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.quarantine(path, err)
		return nil, ErrNotFound
	}
	return &rec, nil
}

// quarantine moves a corrupt record aside so a later store can recreate it
// while keeping the bytes for inspection.
func (s *Store) quarantine(path string, cause error) {
	qpath := fmt.Sprintf("%s.quarantine.%d", path, s.now().UnixMilli())
	if err := os.Rename(path, qpath); err != nil {
		slog.Warn("Failed to quarantine corrupt IR record", "path", path, "err", err)
		return
	}
	slog.Warn("Quarantined corrupt IR record", "path", path, "quarantine", qpath, "cause", cause)
}

// CurrentVersion returns the current version for id, or 0 when absent.
func (s *Store) CurrentVersion(id string) int {
	rec, err := s.Load(id)
	if err != nil {
		return 0
	}
	return rec.Version
}

// History returns the append-only history index for id, oldest first.
// Missing history is an empty slice, not an error.
func (s *Store) History(id string) ([]HistoryEntry, error) {
	data, err := os.ReadFile(s.historyPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading IR history %s: %w", id, err)
	}
	var hist []HistoryEntry
	if err := json.Unmarshal(data, &hist); err != nil {
		return nil, fmt.Errorf("decoding IR history %s: %w", id, err)
	}
	return hist, nil
}

// Delete removes the record and its history. Deleting an absent id is a
// no-op.
func (s *Store) Delete(id string) error {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	for _, p := range []string{s.recordPath(id), s.historyPath(id)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("deleting IR record %s: %w", id, err)
		}
	}
	return nil
}

// HasChanged reports whether body's digest differs from the current record
// for id. An absent record always counts as changed.
func (s *Store) HasChanged(id string, body *ir.Document) bool {
	digest, err := ir.Digest(body)
	if err != nil {
		return true
	}
	rec, err := s.Load(id)
	if err != nil {
		return true
	}
	return rec.Digest != digest
}

// IDs lists all ids with a current record.
func (s *Store) IDs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "ir"))
	if err != nil {
		return nil, fmt.Errorf("listing IR records: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		base := name[:len(name)-len(".json")]
		if filepath.Ext(base) == ".history" {
			continue
		}
		ids = append(ids, base)
	}
	return ids, nil
}

// writeJSONAtomic stages the encoded value next to the target and renames it
// into place, so readers never observe a partial write.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// WriteJSONAtomic exposes the stage-then-rename helper for sibling stores
// that share the persisted-state layout (conflict records).
func WriteJSONAtomic(path string, v any) error {
	return writeJSONAtomic(path, v)
}
