package content

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"hemtjanst/api/internal/logging"
)

// Loader fetches every content row.
type Loader interface {
	ListContentBlocks(ctx context.Context) ([]Block, error)
}

// Cache is the in-memory snapshot of all content blocks. Loads are stamped with a sequence number when issued;
// a response older than the last applied one is dropped.
type Cache struct {
	loader      Loader
	log         logging.Logger
	loadTimeout time.Duration

	mu       sync.RWMutex
	blocks   map[blockID]Block
	hydrated bool
	applied  uint64
	loadedAt time.Time

	issued atomic.Uint64

	refreshMu  sync.Mutex
	refreshing bool
	dirty      bool
	refreshes  sync.WaitGroup
}

type CacheOption func(*Cache)

func WithCacheLogger(log logging.Logger) CacheOption {
	return func(c *Cache) {
		c.log = logging.OrNoOp(log)
	}
}

// WithLoadTimeout bounds background refetches triggered by Invalidate.
func WithLoadTimeout(timeout time.Duration) CacheOption {
	return func(c *Cache) {
		if timeout > 0 {
			c.loadTimeout = timeout
		}
	}
}

func NewCache(loader Loader, opts ...CacheOption) *Cache {
	c := &Cache{
		loader:      loader,
		log:         logging.NoOp(),
		loadTimeout: 15 * time.Second,
		blocks:      make(map[blockID]Block),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load replaces the snapshot with a fresh read. On failure the previous snapshot is kept and the error returned.
func (c *Cache) Load(ctx context.Context) error {
	seq := c.issued.Add(1)
	rows, err := c.loader.ListContentBlocks(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.hydrated = true
	if err != nil {
		c.log.Error("content load failed", "seq", seq, "error", err)
		return err
	}
	if seq < c.applied {
		c.log.Debug("discarding stale content load", "seq", seq, "applied", c.applied)
		return nil
	}

	next := make(map[blockID]Block, len(rows))
	for _, row := range rows {
		next[blockID{key: row.Key, locale: row.Locale}] = row
	}
	c.blocks = next
	c.applied = seq
	c.loadedAt = time.Now()
	return nil
}

func (c *Cache) Hydrated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hydrated
}

func (c *Cache) LoadedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loadedAt
}

func (c *Cache) Get(key, locale string) (Block, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	block, ok := c.blocks[blockID{key: key, locale: locale}]
	return block, ok
}

// Snapshot lists the blocks of one locale ordered by key. An empty locale lists every block.
func (c *Cache) Snapshot(locale string) []Block {
	c.mu.RLock()
	out := make([]Block, 0, len(c.blocks))
	for id, block := range c.blocks {
		if locale != "" && id.locale != locale {
			continue
		}
		out = append(out, block)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Key == out[j].Key {
			return out[i].Locale < out[j].Locale
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Published maps key to published fields for one locale. Blocks never published are omitted.
func (c *Cache) Published(locale string) map[string]Fields {
	out := make(map[string]Fields)
	for _, block := range c.Snapshot(locale) {
		if len(block.Published) == 0 {
			continue
		}
		out[block.Key] = block.Published.Clone()
	}
	return out
}

// Invalidate schedules a background refetch. A call made while one is running queues exactly one more.
func (c *Cache) Invalidate() {
	c.refreshMu.Lock()
	if c.refreshing {
		c.dirty = true
		c.refreshMu.Unlock()
		return
	}
	c.refreshing = true
	c.refreshes.Add(1)
	c.refreshMu.Unlock()

	go c.refreshLoop()
}

func (c *Cache) refreshLoop() {
	defer c.refreshes.Done()
	for {
		ctx, cancel := context.WithTimeout(context.Background(), c.loadTimeout)
		_ = c.Load(ctx)
		cancel()

		c.refreshMu.Lock()
		if !c.dirty {
			c.refreshing = false
			c.refreshMu.Unlock()
			return
		}
		c.dirty = false
		c.refreshMu.Unlock()
	}
}

// Wait blocks until background refetches settle.
func (c *Cache) Wait() {
	c.refreshes.Wait()
}
