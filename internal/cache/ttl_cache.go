package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"
)

type Config struct {
	TTL        time.Duration
	MaxEntries int
}

type entry[V any] struct {
	value     V
	createdAt time.Time
	expiresAt time.Time
}

// TTLCache is a bounded in-process cache whose entries expire after a fixed TTL.
// When full, the oldest entry is evicted.
type TTLCache[V any] struct {
	mu         sync.RWMutex
	entries    map[string]entry[V]
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

func New[V any](config Config) *TTLCache[V] {
	if config.TTL <= 0 {
		config.TTL = 5 * time.Minute
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = 2000
	}
	return &TTLCache[V]{
		entries:    make(map[string]entry[V]),
		ttl:        config.TTL,
		maxEntries: config.MaxEntries,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (c *TTLCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	item, exists := c.entries[key]
	c.mu.RUnlock()

	var zero V
	if !exists {
		return zero, false
	}
	if c.now().After(item.expiresAt) {
		c.mu.Lock()
		if current, ok := c.entries[key]; ok && current.expiresAt.Equal(item.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return zero, false
	}
	return item.value, true
}

func (c *TTLCache[V]) Set(key string, value V) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	c.entries[key] = entry[V]{value: value, createdAt: now, expiresAt: now.Add(c.ttl)}
}

func (c *TTLCache[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *TTLCache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// GetOrLoad returns the cached value for key or stores the result of load.
// Load errors are returned and not cached.
func (c *TTLCache[V]) GetOrLoad(ctx context.Context, key string, load func(context.Context) (V, error)) (V, error) {
	if value, ok := c.Get(key); ok {
		return value, nil
	}
	value, err := load(ctx)
	if err != nil {
		var zero V
		return zero, err
	}
	c.Set(key, value)
	return value, nil
}

// Key hashes normalized parts into a fixed-length cache key.
func Key(parts ...string) string {
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		normalized = append(normalized, strings.TrimSpace(strings.ToLower(part)))
	}
	sum := sha256.Sum256([]byte(strings.Join(normalized, "||")))
	return hex.EncodeToString(sum[:])
}

func (c *TTLCache[V]) evictOldest() {
	if len(c.entries) == 0 {
		return
	}

	type pair struct {
		key       string
		createdAt time.Time
	}
	pairs := make([]pair, 0, len(c.entries))
	for key, value := range c.entries {
		pairs = append(pairs, pair{key: key, createdAt: value.createdAt})
	}
	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].createdAt.Before(pairs[j].createdAt)
	})
	delete(c.entries, pairs[0].key)
}
