package content

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"

	logx "readbot/pkg/logx"
)

const DefaultListTTL = time.Hour

// Cached keeps the listing for a TTL and recently fetched bytes in an LRU.
// Concurrent list misses share one upstream call.
type Cached struct {
	src Source
	ttl time.Duration
	now func() time.Time
	log logx.Logger

	sf    singleflight.Group
	mu    sync.RWMutex
	items []Item
	at    time.Time

	bytes *lru.Cache
}

func NewCached(src Source, ttl time.Duration, maxItems int, log logx.Logger) *Cached {
	if ttl <= 0 {
		ttl = DefaultListTTL
	}
	if maxItems <= 0 {
		maxItems = 16
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cache, _ := lru.New(maxItems)
	return &Cached{src: src, ttl: ttl, now: time.Now, log: log.With(logx.String("comp", "content")), bytes: cache}
}

func (c *Cached) List(ctx context.Context) ([]Item, error) {
	c.mu.RLock()
	items, at := c.items, c.at
	c.mu.RUnlock()
	if items != nil && c.now().Sub(at) < c.ttl {
		return items, nil
	}

	v, err, _ := c.sf.Do("list", func() (any, error) {
		fresh, err := c.src.List(ctx)
		if err != nil {
			return nil, err
		}
		if fresh == nil {
			fresh = []Item{}
		}
		c.mu.Lock()
		c.items, c.at = fresh, c.now()
		c.mu.Unlock()
		c.log.Debug("content listed", logx.Int("items", len(fresh)), logx.Int("total", Total(fresh)))
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Item), nil
}

func (c *Cached) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if v, ok := c.bytes.Get(ref); ok {
		return v.([]byte), nil
	}
	b, err := c.src.Fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	c.bytes.Add(ref, b)
	return b, nil
}

// Invalidate drops the listing and every cached object.
func (c *Cached) Invalidate() {
	c.mu.Lock()
	c.items, c.at = nil, time.Time{}
	c.mu.Unlock()
	c.bytes.Purge()
}

// Lookup returns the item at index together with the current total.
func Lookup(ctx context.Context, src Source, index int) (Item, int, error) {
	items, err := src.List(ctx)
	if err != nil {
		return Item{}, 0, err
	}
	it, err := Find(items, index)
	return it, Total(items), err
}
