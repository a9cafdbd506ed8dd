package conflict

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/uisync/uisync/internal/config"
	"github.com/uisync/uisync/internal/ir"
	"github.com/uisync/uisync/internal/irstore"
)

// Choice selects the resolution strategy for a conflict.
type Choice string

const (
	ChoiceUseA        Choice = "use-a"
	ChoiceUseB        Choice = "use-b"
	ChoiceManualMerge Choice = "manual-merge"
	ChoiceSkip        Choice = "skip"
)

// ParseChoice validates a user-supplied choice string.
func ParseChoice(s string) (Choice, error) {
	switch c := Choice(s); c {
	case ChoiceUseA, ChoiceUseB, ChoiceManualMerge, ChoiceSkip:
		return c, nil
	}
	return "", fmt.Errorf("unknown resolution choice %q (use-a, use-b, manual-merge, skip)", s)
}

// ConvertFn parses a source file into IR. GenerateFn renders IR into a
// target file. Declared here so the resolver does not depend on the sync
// engine that also needs conflict records.
type (
	ConvertFn  func(path string, fw config.Framework) (*ir.Document, error)
	GenerateFn func(doc *ir.Document, path string, fw config.Framework) error
)

// KeepBackups is how many resolution backups survive cleanup per file.
const KeepBackups = 5

// Resolver applies a Choice to a recorded conflict: the losing side is
// backed up, the winning side is re-converted, and the loser regenerated
// from the winner's IR.
type Resolver struct {
	pair     config.Pair
	irs      *irstore.Store
	store    *Store
	convert  ConvertFn
	generate GenerateFn

	now func() time.Time
}

// NewResolver wires a resolver over the conflict store.
func NewResolver(pair config.Pair, irs *irstore.Store, store *Store, convert ConvertFn, generate GenerateFn) *Resolver {
	return &Resolver{
		pair:     pair,
		irs:      irs,
		store:    store,
		convert:  convert,
		generate: generate,
		now:      time.Now,
	}
}

// Resolve applies choice to the conflict recorded for id.
func (r *Resolver) Resolve(id string, choice Choice) error {
	rec, ok, err := r.store.Get(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no conflict record for %s", id)
	}
	if rec.Resolved {
		return fmt.Errorf("conflict %s is already resolved", id)
	}

	switch choice {
	case ChoiceUseA:
		if err := r.overwrite(rec, rec.PathA, r.pair.A, rec.PathB, r.pair.B); err != nil {
			return err
		}
	case ChoiceUseB:
		if err := r.overwrite(rec, rec.PathB, r.pair.B, rec.PathA, r.pair.A); err != nil {
			return err
		}
	case ChoiceManualMerge:
		// Both files stay as edited, but a backup of each survives the
		// merge. Sync for this id pauses until the user finishes merging
		// and completes via ResolveManualMerge.
		now := r.now()
		for _, p := range []string{rec.PathA, rec.PathB} {
			if _, err := Backup(p, now); err != nil {
				return err
			}
		}
		if err := r.store.MarkPendingManual(id); err != nil {
			return err
		}
		slog.Info("Conflict held for manual merge", "id", id,
			"pathA", rec.PathA, "pathB", rec.PathB)
		return nil
	case ChoiceSkip:
		// The record stays open; the operator deferred the decision.
		slog.Info("Conflict skipped, files left divergent", "id", id)
		return nil
	default:
		return fmt.Errorf("unknown resolution choice %q", choice)
	}

	return r.store.MarkResolved(id)
}

// ResolveManualMerge completes a manual merge: the merged winner file is
// re-converted and the other side regenerated from it.
func (r *Resolver) ResolveManualMerge(id string, mergedSide string) error {
	rec, ok, err := r.store.Get(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no conflict record for %s", id)
	}
	if !rec.PendingManual {
		return fmt.Errorf("conflict %s is not pending a manual merge", id)
	}

	winPath, winFw := rec.PathA, r.pair.A
	losePath, loseFw := rec.PathB, r.pair.B
	if mergedSide == r.pair.B.Tag {
		winPath, winFw = rec.PathB, r.pair.B
		losePath, loseFw = rec.PathA, r.pair.A
	}
	if err := r.regenerate(rec.ID, winPath, winFw, losePath, loseFw); err != nil {
		return err
	}
	return r.store.MarkResolved(id)
}

// overwrite backs up the losing file and regenerates it from the winner.
func (r *Resolver) overwrite(rec Record, winPath string, winFw config.Framework, losePath string, loseFw config.Framework) error {
	now := r.now()
	bp, err := Backup(losePath, now)
	if err != nil {
		return err
	}
	if bp != "" {
		slog.Info("Backed up losing side", "id", rec.ID, "backup", bp)
		if err := CleanupBackups(losePath, KeepBackups); err != nil {
			slog.Warn("Backup cleanup failed", "path", losePath, "error", err)
		}
	}
	return r.regenerate(rec.ID, winPath, winFw, losePath, loseFw)
}

func (r *Resolver) regenerate(id, winPath string, winFw config.Framework, losePath string, loseFw config.Framework) error {
	if _, err := os.Stat(winPath); err != nil {
		return fmt.Errorf("winning file %s: %w", winPath, err)
	}
	doc, err := r.convert(winPath, winFw)
	if err != nil {
		return fmt.Errorf("converting %s: %w", winPath, err)
	}
	if _, err := r.irs.Store(id, doc); err != nil {
		return fmt.Errorf("storing resolved representation for %s: %w", id, err)
	}
	if err := r.generate(doc, losePath, loseFw); err != nil {
		return fmt.Errorf("regenerating %s: %w", losePath, err)
	}
	slog.Info("Conflict resolved", "id", id, "winner", winPath, "regenerated", losePath)
	return nil
}
