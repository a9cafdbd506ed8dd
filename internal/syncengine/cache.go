package syncengine

import (
	"os"
	"sync"
	"time"

	"github.com/uisync/uisync/internal/ir"
)

// convCache memoizes source→IR conversions keyed by (path, mtime, size).
// A file rewritten with new content gets a new mtime or size and misses.
type convCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	mtime time.Time
	size  int64
	doc   *ir.Document
}

func newConvCache() *convCache {
	return &convCache{entries: make(map[string]cacheEntry)}
}

// get returns the cached document if path still has the recorded mtime and
// size.
func (c *convCache) get(path string) (*ir.Document, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[path]
	if !ok || !e.mtime.Equal(info.ModTime()) || e.size != info.Size() {
		return nil, false
	}
	return e.doc, true
}

func (c *convCache) put(path string, doc *ir.Document) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.entries[path] = cacheEntry{mtime: info.ModTime(), size: info.Size(), doc: doc}
	c.mu.Unlock()
}

func (c *convCache) invalidate(path string) {
	c.mu.Lock()
	delete(c.entries, path)
	c.mu.Unlock()
}
