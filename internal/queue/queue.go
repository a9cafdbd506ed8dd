// Package queue orders debounced file-change events by priority, batches
// them, and deduplicates each batch before dispatch.
package queue

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/uisync/uisync/internal/watcher"
)

// Priority orders queued changes. Lower values dispatch first.
type Priority int

const (
	High Priority = iota
	Normal
	Low
)

func (p Priority) String() string {
	switch p {
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	}
	return "unknown"
}

// Item is a file-change event with its queue bookkeeping.
type Item struct {
	watcher.Event
	Priority   Priority
	EnqueuedAt time.Time

	seq uint64
}

// Options tunes batching and backpressure.
type Options struct {
	BatchSize    int
	BatchDelay   time.Duration
	MaxQueueSize int

	// OnDrop is called for each event dropped under backpressure.
	OnDrop func(Item)
}

const (
	defaultBatchSize    = 16
	defaultBatchDelay   = 100 * time.Millisecond
	defaultMaxQueueSize = 1024
)

// Queue accumulates items and cuts batches. Exactly one batch is processed
// at a time; events arriving during processing trigger a follow-up batch.
type Queue struct {
	opts Options

	mu      sync.Mutex
	items   []Item
	nextSeq uint64
	timer   *time.Timer

	kick chan struct{}

	now func() time.Time
}

// New returns an empty queue.
func New(opts Options) *Queue {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.BatchDelay <= 0 {
		opts.BatchDelay = defaultBatchDelay
	}
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = defaultMaxQueueSize
	}
	return &Queue{
		opts: opts,
		kick: make(chan struct{}, 1),
		now:  time.Now,
	}
}

// Enqueue adds an event, assigning its priority from path heuristics. When
// the queue is full the oldest item is dropped with a warning so the
// newest edits always survive.
func (q *Queue) Enqueue(ev watcher.Event) {
	q.mu.Lock()
	if len(q.items) >= q.opts.MaxQueueSize {
		oldest := 0
		for i := range q.items {
			if q.items[i].seq < q.items[oldest].seq {
				oldest = i
			}
		}
		dropped := q.items[oldest]
		q.items = append(q.items[:oldest], q.items[oldest+1:]...)
		q.mu.Unlock()
		slog.Warn("Change queue full, dropping oldest event",
			"path", dropped.Path, "kind", dropped.Kind, "max", q.opts.MaxQueueSize)
		if q.opts.OnDrop != nil {
			q.opts.OnDrop(dropped)
		}
		q.mu.Lock()
	}

	q.nextSeq++
	item := Item{
		Event:      ev,
		Priority:   PriorityFor(ev.Path),
		EnqueuedAt: q.now(),
		seq:        q.nextSeq,
	}
	q.items = append(q.items, item)
	size := len(q.items)

	if size >= q.opts.BatchSize {
		q.signalLocked()
	} else if q.timer == nil {
		q.timer = time.AfterFunc(q.opts.BatchDelay, func() {
			q.mu.Lock()
			q.signalLocked()
			q.mu.Unlock()
		})
	}
	q.mu.Unlock()
}

// signalLocked requests a flush. Callers hold q.mu.
func (q *Queue) signalLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Run dispatches batches to process until the context is cancelled. The
// call to process is synchronous, so at most one batch is in flight; items
// enqueued during processing are picked up by an immediate follow-up batch.
func (q *Queue) Run(ctx context.Context, process func(context.Context, []Item)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.kick:
		}

		for {
			batch := q.cutBatch()
			if len(batch) == 0 {
				break
			}
			process(ctx, batch)
			if ctx.Err() != nil {
				return
			}
			q.mu.Lock()
			empty := len(q.items) == 0
			q.mu.Unlock()
			if empty {
				break
			}
		}
	}
}

// cutBatch drains the queue into dispatch order and deduplicates by path,
// keeping each path's latest event at that event's position.
func (q *Queue) cutBatch() []Item {
	q.mu.Lock()
	items := q.items
	q.items = nil
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.mu.Unlock()

	if len(items) == 0 {
		return nil
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority < items[j].Priority
		}
		if !items[i].EnqueuedAt.Equal(items[j].EnqueuedAt) {
			return items[i].EnqueuedAt.Before(items[j].EnqueuedAt)
		}
		return items[i].seq < items[j].seq
	})

	// Last-wins dedupe: for each path keep only the latest-enqueued event,
	// leaving it at its sorted position.
	latest := make(map[string]uint64, len(items))
	for _, it := range items {
		if it.seq > latest[it.Path] {
			latest[it.Path] = it.seq
		}
	}
	out := items[:0]
	for _, it := range items {
		if latest[it.Path] == it.seq {
			out = append(out, it)
		}
	}
	return out
}

// PriorityFor derives an item's priority from its path: entry points sync
// first, tests and docs last.
func PriorityFor(path string) Priority {
	base := lowerBase(path)
	switch {
	case hasStem(base, "main"), hasStem(base, "app"), hasStem(base, "index"):
		return High
	case isTestLike(path, base):
		return Low
	default:
		return Normal
	}
}
