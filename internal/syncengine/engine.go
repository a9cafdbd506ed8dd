// Package syncengine resolves queued file changes through the
// converter → IR store → generator pipeline, routing by development mode
// and holding regeneration when both sides were edited at once.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/uisync/uisync/internal/conflict"
	"github.com/uisync/uisync/internal/config"
	"github.com/uisync/uisync/internal/irstore"
	"github.com/uisync/uisync/internal/queue"
	"github.com/uisync/uisync/internal/syncmode"
	"github.com/uisync/uisync/internal/watcher"
)

// Outcome is how a single queued change resolved.
type Outcome string

const (
	OutcomeSynced    Outcome = "synced"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeRemoved   Outcome = "removed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeStubbed   Outcome = "stubbed"
	OutcomeConflict  Outcome = "conflict"
	OutcomeError     Outcome = "error"
)

// Result reports how one queued change was handled. Errors travel as
// values; ProcessBatch never fails as a whole.
type Result struct {
	Path       string
	ID         string
	Outcome    Outcome
	TargetPath string
	Reason     string
	Err        error
}

// Options tunes the engine. Zero values select the defaults.
type Options struct {
	// Workers bounds parallel items in one batch. Items for the same id
	// stay mutually exclusive regardless.
	Workers int
	// ParallelThreshold is the batch size at or above which items run in
	// parallel; smaller batches run sequentially in arrival order.
	ParallelThreshold int
	// FallbackBehavior ("warn", "error", "ignore") decides how an
	// unsupported construct in a source file is reported.
	FallbackBehavior string
	// TestSync enables mirroring of test sources.
	TestSync bool
}

const (
	defaultWorkers           = 4
	defaultParallelThreshold = 4
)

// Engine executes sync pipeline runs over a framework pair.
type Engine struct {
	pair     config.Pair
	mode     *syncmode.Controller
	irs      *irstore.Store
	adapters map[string]Adapter

	// detector and conflicts are nil outside universal mode.
	detector  *conflict.Detector
	conflicts *conflict.Store

	cache *convCache
	opts  Options

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// Handlers observe every result, e.g. to push updates to sessions.
	handlers []func(Result)
}

// New wires an engine. detector and conflicts may be nil when conflict
// detection is disabled by the mode.
func New(pair config.Pair, mode *syncmode.Controller, irs *irstore.Store, adapters map[string]Adapter, detector *conflict.Detector, conflicts *conflict.Store, opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.ParallelThreshold <= 0 {
		opts.ParallelThreshold = defaultParallelThreshold
	}
	if opts.FallbackBehavior == "" {
		opts.FallbackBehavior = "warn"
	}
	return &Engine{
		pair:      pair,
		mode:      mode,
		irs:       irs,
		adapters:  adapters,
		detector:  detector,
		conflicts: conflicts,
		cache:     newConvCache(),
		opts:      opts,
		locks:     make(map[string]*sync.Mutex),
	}
}

// OnResult registers fn to run after each processed item. Must be called
// before ProcessBatch.
func (e *Engine) OnResult(fn func(Result)) {
	e.handlers = append(e.handlers, fn)
}

// ProcessBatch resolves every item and returns one result per item, in
// item order. Batches at or above the parallel threshold fan out across a
// bounded worker group; per-id operations stay serialized either way.
func (e *Engine) ProcessBatch(ctx context.Context, batch []queue.Item) []Result {
	results := make([]Result, len(batch))
	if len(batch) >= e.opts.ParallelThreshold {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.opts.Workers)
		for i, it := range batch {
			i, it := i, it
			g.Go(func() error {
				results[i] = e.processOne(gctx, it)
				return nil
			})
		}
		g.Wait()
	} else {
		for i, it := range batch {
			results[i] = e.processOne(ctx, it)
		}
	}
	for _, res := range results {
		for _, h := range e.handlers {
			h(res)
		}
	}
	return results
}

func (e *Engine) processOne(ctx context.Context, it queue.Item) Result {
	if err := ctx.Err(); err != nil {
		return Result{Path: it.Path, Outcome: OutcomeError, Err: err}
	}

	side, ok := e.pair.Side(it.Path)
	if !ok {
		return Result{Path: it.Path, Outcome: OutcomeError,
			Err: fmt.Errorf("path %s is under neither watch root", it.Path)}
	}
	id, err := e.pair.CanonicalID(it.Path)
	if err != nil {
		return Result{Path: it.Path, Outcome: OutcomeError, Err: err}
	}

	unlock := e.lockID(id)
	defer unlock()

	if it.Kind == watcher.Removed {
		return e.processRemoval(it, id)
	}
	if side.IsTestFile(it.Path) {
		return e.processTest(ctx, it, side, id)
	}
	if e.mode.IsReadOnly(it.Framework) {
		slog.Warn("Edit to generated output ignored",
			"path", it.Path, "mode", e.mode.Mode())
		return Result{Path: it.Path, ID: id, Outcome: OutcomeSkipped,
			Reason: "read-only in mode"}
	}
	if rec, hit := e.observeConflict(it); hit {
		return Result{Path: it.Path, ID: id, Outcome: OutcomeConflict,
			Reason: string(rec.Kind)}
	}
	return e.convertAndRegenerate(ctx, it, side, id, e.adapters[side.Tag].Convert)
}

// processRemoval prunes the id everywhere: IR record, conversion caches,
// and the generated counterpart file.
func (e *Engine) processRemoval(it queue.Item, id string) Result {
	if err := e.irs.Delete(id); err != nil {
		return Result{Path: it.Path, ID: id, Outcome: OutcomeError,
			Err: fmt.Errorf("deleting representation %s: %w", id, err)}
	}
	e.cache.invalidate(it.Path)

	target, err := e.pair.MirrorPath(it.Path)
	if err != nil {
		return Result{Path: it.Path, ID: id, Outcome: OutcomeError, Err: err}
	}
	e.cache.invalidate(target)
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return Result{Path: it.Path, ID: id, Outcome: OutcomeError,
			Err: fmt.Errorf("removing mirrored file %s: %w", target, err)}
	}
	slog.Info("Removed", "id", id, "source", it.Path, "mirror", target)
	return Result{Path: it.Path, ID: id, Outcome: OutcomeRemoved, TargetPath: target}
}

// processTest mirrors a test source, degrading to a stub on the opposite
// side when the source framework cannot convert tests.
func (e *Engine) processTest(ctx context.Context, it queue.Item, side config.Framework, id string) Result {
	if !e.opts.TestSync {
		return Result{Path: it.Path, ID: id, Outcome: OutcomeSkipped,
			Reason: "test sync disabled"}
	}
	if e.mode.IsReadOnly(it.Framework) {
		return Result{Path: it.Path, ID: id, Outcome: OutcomeSkipped,
			Reason: "read-only in mode"}
	}

	src := e.adapters[side.Tag]
	if src.ConvertTest != nil {
		return e.convertAndRegenerate(ctx, it, side, id, src.ConvertTest)
	}

	target, err := e.pair.MirrorPath(it.Path)
	if err != nil {
		return Result{Path: it.Path, ID: id, Outcome: OutcomeError, Err: err}
	}
	targetSide := e.pair.Other(side.Tag)
	dst := e.adapters[targetSide.Tag]
	if dst.TestStub == nil {
		return Result{Path: it.Path, ID: id, Outcome: OutcomeSkipped,
			Reason: "no test conversion and no stub generator"}
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Result{Path: it.Path, ID: id, Outcome: OutcomeError,
			Err: fmt.Errorf("creating target directory: %w", err)}
	}
	if err := os.WriteFile(target, dst.TestStub(componentName(it.Path, side)), 0o644); err != nil {
		return Result{Path: it.Path, ID: id, Outcome: OutcomeError,
			Err: fmt.Errorf("writing test stub %s: %w", target, err)}
	}
	if e.detector != nil {
		e.detector.NoteGenerated(target)
	}
	slog.Info("Test conversion unsupported, wrote stub", "id", id, "stub", target)
	return Result{Path: it.Path, ID: id, Outcome: OutcomeStubbed, TargetPath: target}
}

// convertAndRegenerate is steps 4–8 of the pipeline: convert, short-circuit
// on an unchanged digest, persist, regenerate the opposite side.
func (e *Engine) convertAndRegenerate(ctx context.Context, it queue.Item, side config.Framework, id string, convert Converter) Result {
	if convert == nil {
		return Result{Path: it.Path, ID: id, Outcome: OutcomeError,
			Err: fmt.Errorf("no adapter registered for framework %q", side.Tag)}
	}

	doc, cached := e.cache.get(it.Path)
	if !cached {
		var err error
		doc, err = convert(ctx, it.Path)
		if err != nil {
			if errors.Is(err, ErrUnsupported) {
				return e.fallback(it, id, err)
			}
			return Result{Path: it.Path, ID: id, Outcome: OutcomeError,
				Err: fmt.Errorf("converting %s: %w", it.Path, err)}
		}
		e.cache.put(it.Path, doc)
	}

	if !e.irs.HasChanged(id, doc) {
		return Result{Path: it.Path, ID: id, Outcome: OutcomeUnchanged}
	}
	version, err := e.irs.Store(id, doc)
	if err != nil {
		return Result{Path: it.Path, ID: id, Outcome: OutcomeError,
			Err: fmt.Errorf("storing representation %s: %w", id, err)}
	}

	target, err := e.pair.MirrorPath(it.Path)
	if err != nil {
		return Result{Path: it.Path, ID: id, Outcome: OutcomeError, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Result{Path: it.Path, ID: id, Outcome: OutcomeError,
			Err: fmt.Errorf("creating target directory: %w", err)}
	}
	targetSide := e.pair.Other(side.Tag)
	generate := e.adapters[targetSide.Tag].Generate
	if generate == nil {
		return Result{Path: it.Path, ID: id, Outcome: OutcomeError,
			Err: fmt.Errorf("no generator registered for framework %q", targetSide.Tag)}
	}
	// The write below changes the target's mtime; drop any stale cached
	// conversion of it.
	e.cache.invalidate(target)
	if err := generate(ctx, doc, target); err != nil {
		return Result{Path: it.Path, ID: id, Outcome: OutcomeError,
			Err: fmt.Errorf("generating %s: %w", target, err)}
	}
	if e.detector != nil {
		e.detector.NoteGenerated(target)
	}
	slog.Info("Synced", "id", id, "version", version,
		"source", it.Path, "target", target)
	return Result{Path: it.Path, ID: id, Outcome: OutcomeSynced, TargetPath: target}
}

// fallback applies the configured behavior for unsupported constructs.
func (e *Engine) fallback(it queue.Item, id string, err error) Result {
	switch e.opts.FallbackBehavior {
	case "error":
		return Result{Path: it.Path, ID: id, Outcome: OutcomeError,
			Err: fmt.Errorf("converting %s: %w", it.Path, err)}
	case "ignore":
		return Result{Path: it.Path, ID: id, Outcome: OutcomeSkipped,
			Reason: "unsupported construct"}
	}
	slog.Warn("Unsupported construct, file not synced", "path", it.Path, "error", err)
	return Result{Path: it.Path, ID: id, Outcome: OutcomeSkipped,
		Reason: "unsupported construct"}
}

// observeConflict runs detection when the mode enables it and persists any
// record.
func (e *Engine) observeConflict(it queue.Item) (conflict.Record, bool) {
	if e.detector == nil || !e.mode.ConflictDetectionEnabled() {
		return conflict.Record{}, false
	}
	rec, hit := e.detector.Observe(it.Event)
	if !hit {
		return conflict.Record{}, false
	}
	if e.conflicts != nil {
		if err := e.conflicts.Put(rec); err != nil {
			slog.Error("Failed to persist conflict record", "id", rec.ID, "error", err)
		}
	}
	return rec, true
}

func (e *Engine) lockID(id string) func() {
	e.mu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// componentName derives a display name for stubs from the source stem.
func componentName(path string, side config.Framework) string {
	base := filepath.Base(path)
	if side.IsTestFile(path) {
		base = strings.TrimSuffix(base, side.TestSuffix)
	} else {
		base = strings.TrimSuffix(base, side.Ext)
	}
	return config.ConvertStem(base, config.PascalCase)
}
