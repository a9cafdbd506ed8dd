// Package conflict detects simultaneous edits of both sides of a mirrored
// pair, persists conflict records, and resolves them.
package conflict

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/uisync/uisync/internal/irstore"
)

// Kind reports which detection signals fired.
type Kind string

const (
	KindTimestamp Kind = "timestamp"
	KindVersion   Kind = "version"
	KindBoth      Kind = "both"
)

// Record is a persisted conflict. ID equals the logical IR id of the
// component both sides edited.
type Record struct {
	ID                   string    `json:"id"`
	PathA                string    `json:"pathA"`
	PathB                string    `json:"pathB"`
	TimestampA           time.Time `json:"timestampA"`
	TimestampB           time.Time `json:"timestampB"`
	IRVersionAtDetection int       `json:"irVersionAtDetection"`
	DetectedAt           time.Time `json:"detectedAt"`
	Kind                 Kind      `json:"kind"`
	Resolved             bool      `json:"resolved"`
	PendingManual        bool      `json:"pendingManual,omitempty"`
}

// Store persists conflict records in a single conflicts.json, written
// stage-then-rename so the file survives crashes mid-write.
type Store struct {
	path string

	mu      sync.Mutex
	records []Record
	loaded  bool
}

// NewStore returns a store backed by <storageDir>/conflicts.json.
func NewStore(storageDir string) *Store {
	return &Store{path: filepath.Join(storageDir, "conflicts.json")}
}

func (s *Store) loadLocked() error {
	if s.loaded {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.loaded = true
			return nil
		}
		return fmt.Errorf("reading conflict records: %w", err)
	}
	if err := json.Unmarshal(data, &s.records); err != nil {
		return fmt.Errorf("decoding conflict records: %w", err)
	}
	s.loaded = true
	return nil
}

func (s *Store) flushLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating conflict storage directory: %w", err)
	}
	if s.records == nil {
		s.records = []Record{}
	}
	if err := irstore.WriteJSONAtomic(s.path, s.records); err != nil {
		return fmt.Errorf("writing conflict records: %w", err)
	}
	return nil
}

// Put inserts or replaces the record for rec.ID.
func (s *Store) Put(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	replaced := false
	for i := range s.records {
		if s.records[i].ID == rec.ID {
			s.records[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		s.records = append(s.records, rec)
	}
	return s.flushLocked()
}

// Get returns the record for id.
func (s *Store) Get(id string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return Record{}, false, err
	}
	for _, r := range s.records {
		if r.ID == id {
			return r, true, nil
		}
	}
	return Record{}, false, nil
}

// All returns every record, unresolved first, newest detections first
// within each group.
func (s *Store) All() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	out := make([]Record, len(s.records))
	copy(out, s.records)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Resolved != out[j].Resolved {
			return !out[i].Resolved
		}
		return out[i].DetectedAt.After(out[j].DetectedAt)
	})
	return out, nil
}

// Unresolved returns the open records.
func (s *Store) Unresolved() ([]Record, error) {
	all, err := s.All()
	if err != nil {
		return nil, err
	}
	var open []Record
	for _, r := range all {
		if !r.Resolved {
			open = append(open, r)
		}
	}
	return open, nil
}

// update applies fn to the record for id and persists the result.
func (s *Store) update(id string, fn func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	for i := range s.records {
		if s.records[i].ID == id {
			fn(&s.records[i])
			return s.flushLocked()
		}
	}
	return fmt.Errorf("no conflict record for %s", id)
}

// MarkResolved closes the record for id.
func (s *Store) MarkResolved(id string) error {
	return s.update(id, func(r *Record) {
		r.Resolved = true
		r.PendingManual = false
	})
}

// MarkPendingManual flags the record as awaiting manual merge.
func (s *Store) MarkPendingManual(id string) error {
	return s.update(id, func(r *Record) {
		r.PendingManual = true
	})
}
