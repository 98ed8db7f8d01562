package prices

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cqdev-co/portfolio-sub002/internal/persistence"
)

// Cache is the injected cache component in front of a price source
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
}

// MemoryCache is a thread-safe in-process cache with TTL expiration and a
// bounded entry count (least-recently-used eviction once full).
type MemoryCache struct {
	mu         sync.Mutex
	maxEntries int
	items      map[string]*list.Element
	order      *list.List
}

type memoryItem struct {
	key        string
	value      []byte
	expiration time.Time
}

// NewMemoryCache creates a bounded TTL cache
func NewMemoryCache(maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &MemoryCache{
		maxEntries: maxEntries,
		items:      make(map[string]*list.Element),
		order:      list.New(),
	}
}

// Get retrieves a value, treating expired entries as misses
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	item := el.Value.(*memoryItem)
	if time.Now().After(item.expiration) {
		c.order.Remove(el)
		delete(c.items, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	return item.value, true
}

// Set stores a value with the given TTL, evicting the least recently used
// entry when the cache is full
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		item := el.Value.(*memoryItem)
		item.value = value
		item.expiration = time.Now().Add(ttl)
		c.order.MoveToFront(el)
		return
	}

	for len(c.items) >= c.maxEntries {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*memoryItem).key)
	}

	el := c.order.PushFront(&memoryItem{
		key:        key,
		value:      value,
		expiration: time.Now().Add(ttl),
	})
	c.items[key] = el
}

// Len returns the current entry count
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// CachedSource wraps a Source with a cache tier. Only successful lookups
// are cached; unavailability is always re-probed.
type CachedSource struct {
	inner Source
	cache Cache
	ttl   time.Duration
}

// NewCachedSource wraps a price source with the given cache
func NewCachedSource(inner Source, cache Cache, ttl time.Duration) *CachedSource {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &CachedSource{inner: inner, cache: cache, ttl: ttl}
}

// CloseOn returns the latest daily close at or before date
func (s *CachedSource) CloseOn(ctx context.Context, ticker string, date time.Time) (float64, error) {
	key := fmt.Sprintf("close:%s:%s", ticker, persistence.Day(date).Format("2006-01-02"))
	if data, ok := s.cache.Get(ctx, key); ok {
		var price float64
		if err := json.Unmarshal(data, &price); err == nil {
			return price, nil
		}
	}

	price, err := s.inner.CloseOn(ctx, ticker, date)
	if err != nil {
		return 0, err
	}
	if data, err := json.Marshal(price); err == nil {
		s.cache.Set(ctx, key, data, s.ttl)
	}
	return price, nil
}

// Series returns daily closes inside [from, to], ascending by date
func (s *CachedSource) Series(ctx context.Context, ticker string, from, to time.Time) ([]Bar, error) {
	key := fmt.Sprintf("series:%s:%s:%s", ticker,
		persistence.Day(from).Format("2006-01-02"),
		persistence.Day(to).Format("2006-01-02"))
	if data, ok := s.cache.Get(ctx, key); ok {
		var bars []Bar
		if err := json.Unmarshal(data, &bars); err == nil {
			return bars, nil
		}
	}

	bars, err := s.inner.Series(ctx, ticker, from, to)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(bars); err == nil {
		s.cache.Set(ctx, key, data, s.ttl)
	}
	return bars, nil
}
