package irstore

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/uisync/uisync/internal/ir"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func doc(label string) *ir.Document {
	return &ir.Document{
		SchemaVersion: ir.SchemaVersion,
		Nodes: []*ir.Node{
			{ID: "root", Type: "view", Props: map[string]any{"label": label}},
		},
	}
}

func TestStore_IdempotentStore(t *testing.T) {
	s := newTestStore(t)

	v1, err := s.Store("react_App", doc("a"))
	if err != nil {
		t.Fatal(err)
	}
	if v1 != 1 {
		t.Fatalf("first store version = %d, want 1", v1)
	}

	v2, err := s.Store("react_App", doc("a"))
	if err != nil {
		t.Fatal(err)
	}
	if v2 != 1 {
		t.Fatalf("identical store version = %d, want 1", v2)
	}

	hist, err := s.History("react_App")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 {
		t.Fatalf("history length = %d, want 1", len(hist))
	}
}

func TestStore_VersionIncrementsOnChange(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Store("id", doc("a")); err != nil {
		t.Fatal(err)
	}
	v, err := s.Store("id", doc("b"))
	if err != nil {
		t.Fatal(err)
	}
	if v != 2 {
		t.Fatalf("version = %d, want 2", v)
	}

	rec, err := s.Load("id")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Version != 2 || rec.Body.Nodes[0].Props["label"] != "b" {
		t.Fatalf("unexpected record %+v", rec)
	}

	hist, _ := s.History("id")
	if len(hist) != 2 || hist[0].Version != 1 || hist[1].Version != 2 {
		t.Fatalf("unexpected history %+v", hist)
	}
}

func TestStore_HasChanged(t *testing.T) {
	s := newTestStore(t)

	if !s.HasChanged("id", doc("a")) {
		t.Error("absent record should count as changed")
	}
	if _, err := s.Store("id", doc("a")); err != nil {
		t.Fatal(err)
	}
	if s.HasChanged("id", doc("a")) {
		t.Error("identical body should not count as changed")
	}
	if !s.HasChanged("id", doc("b")) {
		t.Error("different body should count as changed")
	}
}

func TestStore_DeleteAndCurrentVersion(t *testing.T) {
	s := newTestStore(t)

	if v := s.CurrentVersion("id"); v != 0 {
		t.Fatalf("absent version = %d, want 0", v)
	}
	if _, err := s.Store("id", doc("a")); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("id"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load("id"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	// Deleting again is a no-op.
	if err := s.Delete("id"); err != nil {
		t.Fatal(err)
	}
}

func TestStore_CorruptRecordIsQuarantined(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Store("id", doc("a")); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(s.Dir(), "ir", "id.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Load("id"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for corrupt record, got %v", err)
	}

	// The corrupt bytes must still exist under a quarantine name.
	entries, err := os.ReadDir(filepath.Join(s.Dir(), "ir"))
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "id.json.quarantine") {
			found = true
		}
	}
	if !found {
		t.Error("expected a quarantine copy of the corrupt record")
	}
}

func TestStore_ConcurrentEqualStoresAgreeOnVersion(t *testing.T) {
	s := newTestStore(t)
	body := doc("same")

	const n = 8
	versions := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := s.Store("id", body)
			if err != nil {
				t.Error(err)
				return
			}
			versions[i] = v
		}()
	}
	wg.Wait()

	for _, v := range versions {
		if v != 1 {
			t.Fatalf("concurrent equal stores disagree: %v", versions)
		}
	}
}

func TestStore_IDs(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Store("react_A", doc("a")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Store("react_B", doc("b")); err != nil {
		t.Fatal(err)
	}
	ids, err := s.IDs()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("IDs = %v, want 2 entries without history files", ids)
	}
}
