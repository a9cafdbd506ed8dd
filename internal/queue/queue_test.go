package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/uisync/uisync/internal/watcher"
)

func ev(kind watcher.Kind, path string) watcher.Event {
	return watcher.Event{Kind: kind, Path: path, Framework: "react", ObservedAt: time.Now()}
}

// collectBatches runs the queue and appends every dispatched batch.
type collector struct {
	mu      sync.Mutex
	batches [][]Item
	signal  chan struct{}
}

func newCollector() *collector {
	return &collector{signal: make(chan struct{}, 16)}
}

func (c *collector) process(_ context.Context, batch []Item) {
	c.mu.Lock()
	c.batches = append(c.batches, batch)
	c.mu.Unlock()
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *collector) wait(t *testing.T) []Item {
	t.Helper()
	select {
	case <-c.signal:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batch")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batches[len(c.batches)-1]
}

func TestQueue_PriorityOrder(t *testing.T) {
	q := New(Options{BatchSize: 100, BatchDelay: 30 * time.Millisecond})
	c := newCollector()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx, c.process)

	q.Enqueue(ev(watcher.Modified, "/p/src/docs/readme.jsx"))
	q.Enqueue(ev(watcher.Modified, "/p/src/components/Card.jsx"))
	q.Enqueue(ev(watcher.Modified, "/p/src/App.jsx"))

	batch := c.wait(t)
	if len(batch) != 3 {
		t.Fatalf("batch size = %d, want 3", len(batch))
	}
	if batch[0].Path != "/p/src/App.jsx" || batch[0].Priority != High {
		t.Errorf("first item should be the entry point, got %+v", batch[0])
	}
	if batch[2].Priority != Low {
		t.Errorf("last item should be low priority, got %+v", batch[2])
	}
}

func TestQueue_DedupeLastWins(t *testing.T) {
	q := New(Options{BatchSize: 100, BatchDelay: 30 * time.Millisecond})
	c := newCollector()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx, c.process)

	q.Enqueue(ev(watcher.Added, "/p/src/components/Card.jsx"))
	q.Enqueue(ev(watcher.Modified, "/p/src/components/Card.jsx"))
	q.Enqueue(ev(watcher.Removed, "/p/src/components/Card.jsx"))

	batch := c.wait(t)
	if len(batch) != 1 {
		t.Fatalf("batch size = %d, want 1 after dedupe", len(batch))
	}
	if batch[0].Kind != watcher.Removed {
		t.Errorf("kind = %s, want removed (last wins)", batch[0].Kind)
	}
}

func TestQueue_BatchSizeTriggersImmediateDispatch(t *testing.T) {
	q := New(Options{BatchSize: 2, BatchDelay: time.Hour})
	c := newCollector()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx, c.process)

	q.Enqueue(ev(watcher.Modified, "/p/src/A.jsx"))
	q.Enqueue(ev(watcher.Modified, "/p/src/B.jsx"))

	batch := c.wait(t)
	if len(batch) != 2 {
		t.Fatalf("batch size = %d, want 2", len(batch))
	}
}

func TestQueue_OverflowDropsOldest(t *testing.T) {
	var dropped []Item
	var mu sync.Mutex
	q := New(Options{
		BatchSize:    100,
		BatchDelay:   time.Hour,
		MaxQueueSize: 2,
		OnDrop: func(it Item) {
			mu.Lock()
			dropped = append(dropped, it)
			mu.Unlock()
		},
	})

	q.Enqueue(ev(watcher.Modified, "/p/src/one.jsx"))
	q.Enqueue(ev(watcher.Modified, "/p/src/two.jsx"))
	q.Enqueue(ev(watcher.Modified, "/p/src/three.jsx"))

	mu.Lock()
	defer mu.Unlock()
	if len(dropped) != 1 || dropped[0].Path != "/p/src/one.jsx" {
		t.Fatalf("expected oldest event dropped, got %+v", dropped)
	}
	if q.Len() != 2 {
		t.Errorf("queue length = %d, want 2", q.Len())
	}
}

func TestQueue_FollowUpBatchAfterProcessing(t *testing.T) {
	q := New(Options{BatchSize: 1, BatchDelay: time.Hour})

	var mu sync.Mutex
	var batches [][]Item
	release := make(chan struct{})
	done := make(chan struct{}, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx, func(_ context.Context, batch []Item) {
		mu.Lock()
		first := len(batches) == 0
		batches = append(batches, batch)
		mu.Unlock()
		if first {
			// Enqueue while the first batch is still processing.
			q.Enqueue(ev(watcher.Modified, "/p/src/late.jsx"))
			<-release
		}
		done <- struct{}{}
	})

	q.Enqueue(ev(watcher.Modified, "/p/src/early.jsx"))
	close(release)

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for batches")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(batches) != 2 {
		t.Fatalf("batches = %d, want 2", len(batches))
	}
	if batches[1][0].Path != "/p/src/late.jsx" {
		t.Errorf("follow-up batch = %+v", batches[1])
	}
}

func TestPriorityFor(t *testing.T) {
	tests := []struct {
		path string
		want Priority
	}{
		{"/p/src/main.dart", High},
		{"/p/src/App.jsx", High},
		{"/p/src/index.jsx", High},
		{"/p/src/components/Card.jsx", Normal},
		{"/p/src/components/Card.test.jsx", Low},
		{"/p/lib/widgets/card_test.dart", Low},
		{"/p/docs/Example.jsx", Low},
	}
	for _, tc := range tests {
		if got := PriorityFor(tc.path); got != tc.want {
			t.Errorf("PriorityFor(%q) = %s, want %s", tc.path, got, tc.want)
		}
	}
}
