// Package cache implements a two-tier TTL cache: a bounded in-memory map in
// front of a persistent kvstore.Store.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"fiatoracle/internal/kvstore"
	"fiatoracle/internal/metrics"
)

// ErrUnavailable is returned when the persistent tier cannot be read at all.
var ErrUnavailable = errors.New("cache: persistent tier unavailable")

// Entry is one cached value. It is fresh while now-Timestamp <= TTL.
type Entry[T any] struct {
	Value     T         `json:"value"`
	Timestamp time.Time `json:"ts"`
	Hits      int       `json:"hits"`
}

// Config controls a Cache.
type Config struct {
	// Name labels logs and metrics.
	Name string
	// Prefix namespaces this cache's keys in Store, e.g. "price:mainnet:".
	Prefix           string
	TTL              time.Duration
	MaxMemoryEntries int
	// Store is the persistent tier. Nil keeps the cache memory-only.
	Store   kvstore.Store
	Clock   func() time.Time
	Logger  hclog.Logger
	Metrics *metrics.Metrics
}

// Stats summarises both tiers.
type Stats struct {
	MemoryEntries  int       `json:"memoryEntries"`
	StorageEntries int       `json:"storageEntries"`
	Hits           uint64    `json:"hits"`
	Misses         uint64    `json:"misses"`
	HitRate        float64   `json:"hitRate"`
	OldestEntry    time.Time `json:"oldestEntry,omitzero"`
	NewestEntry    time.Time `json:"newestEntry,omitzero"`
}

// Cache is safe for concurrent use. A single mutex makes the
// read-then-warm and evict-then-insert sequences atomic.
type Cache[T any] struct {
	cfg Config

	mu     sync.Mutex
	mem    map[string]*Entry[T]
	hits   uint64
	misses uint64
}

func New[T any](cfg Config) *Cache[T] {
	if cfg.Name == "" {
		cfg.Name = "cache"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.MaxMemoryEntries <= 0 {
		cfg.MaxMemoryEntries = 100
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	return &Cache[T]{cfg: cfg, mem: make(map[string]*Entry[T], cfg.MaxMemoryEntries)}
}

func (c *Cache[T]) fresh(ts, now time.Time) bool {
	return now.Sub(ts) <= c.cfg.TTL
}

// Get returns the fresh value for key, consulting memory first and then the
// persistent tier. Stale entries found on the way are purged.
func (c *Cache[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.Clock()
	if e, ok := c.mem[key]; ok {
		if c.fresh(e.Timestamp, now) {
			e.Hits++
			c.hits++
			c.cfg.Metrics.CacheHit(c.cfg.Name, "memory")
			return e.Value, true
		}
		delete(c.mem, key)
	}

	if e, ok := c.load(key); ok {
		if c.fresh(e.Timestamp, now) {
			e.Hits++
			c.insert(key, e)
			c.hits++
			c.cfg.Metrics.CacheHit(c.cfg.Name, "storage")
			return e.Value, true
		}
		c.remove(key)
	}

	c.misses++
	c.cfg.Metrics.CacheMiss(c.cfg.Name)
	var zero T
	return zero, false
}

// Set stores value in memory and mirrors it to the persistent tier. A failed
// persistent write triggers a cleanup of expired keys and one retry; the
// returned error is informational and the memory tier is always updated.
func (c *Cache[T]) Set(key string, value T) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := &Entry[T]{Value: value, Timestamp: c.cfg.Clock()}
	c.insert(key, e)

	if c.cfg.Store == nil {
		return nil
	}
	err := c.persist(key, e)
	if err == nil {
		return nil
	}
	c.cfg.Logger.Warn("persistent write failed, purging expired entries", "cache", c.cfg.Name, "key", key, "err", err)
	c.cleanupLocked()
	if err := c.persist(key, e); err != nil {
		return fmt.Errorf("cache %s: persist %s: %w", c.cfg.Name, key, err)
	}
	return nil
}

// Delete drops key from both tiers.
func (c *Cache[T]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.mem, key)
	c.remove(key)
}

// Clear drops every entry this cache owns in both tiers.
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mem = make(map[string]*Entry[T], c.cfg.MaxMemoryEntries)
	if c.cfg.Store == nil {
		return
	}
	keys, err := c.cfg.Store.Keys(c.cfg.Prefix)
	if err != nil {
		c.cfg.Logger.Warn("clear: list keys", "cache", c.cfg.Name, "err", err)
		return
	}
	for _, k := range keys {
		if err := c.cfg.Store.Remove(k); err != nil {
			c.cfg.Logger.Debug("clear: remove", "key", k, "err", err)
		}
	}
}

// Cleanup removes expired entries from both tiers and returns how many
// persistent entries were purged.
func (c *Cache[T]) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleanupLocked()
}

func (c *Cache[T]) cleanupLocked() int {
	now := c.cfg.Clock()
	for k, e := range c.mem {
		if !c.fresh(e.Timestamp, now) {
			delete(c.mem, k)
		}
	}
	if c.cfg.Store == nil {
		return 0
	}
	keys, err := c.cfg.Store.Keys(c.cfg.Prefix)
	if err != nil {
		c.cfg.Logger.Warn("cleanup: list keys", "cache", c.cfg.Name, "err", err)
		return 0
	}
	purged := 0
	for _, k := range keys {
		e, ok := c.load(strings.TrimPrefix(k, c.cfg.Prefix))
		if ok && c.fresh(e.Timestamp, now) {
			continue
		}
		if err := c.cfg.Store.Remove(k); err == nil {
			purged++
		}
	}
	return purged
}

// Stats reports entry counts, timestamps and the hit rate.
func (c *Cache[T]) Stats() (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{MemoryEntries: len(c.mem), Hits: c.hits, Misses: c.misses}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	track := func(ts time.Time) {
		if s.OldestEntry.IsZero() || ts.Before(s.OldestEntry) {
			s.OldestEntry = ts
		}
		if ts.After(s.NewestEntry) {
			s.NewestEntry = ts
		}
	}
	for _, e := range c.mem {
		track(e.Timestamp)
	}
	if c.cfg.Store == nil {
		return s, nil
	}
	keys, err := c.cfg.Store.Keys(c.cfg.Prefix)
	if err != nil {
		return s, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	s.StorageEntries = len(keys)
	for _, k := range keys {
		if e, ok := c.load(strings.TrimPrefix(k, c.cfg.Prefix)); ok {
			track(e.Timestamp)
		}
	}
	return s, nil
}

// insert adds e, evicting one entry first when the memory tier is full.
func (c *Cache[T]) insert(key string, e *Entry[T]) {
	if _, ok := c.mem[key]; !ok && len(c.mem) >= c.cfg.MaxMemoryEntries {
		c.evict()
	}
	c.mem[key] = e
}

// evict drops the entry with the oldest timestamp, lowest hit count on ties.
func (c *Cache[T]) evict() {
	var victim string
	var ve *Entry[T]
	for k, e := range c.mem {
		if ve == nil ||
			e.Timestamp.Before(ve.Timestamp) ||
			(e.Timestamp.Equal(ve.Timestamp) && e.Hits < ve.Hits) ||
			(e.Timestamp.Equal(ve.Timestamp) && e.Hits == ve.Hits && k < victim) {
			victim, ve = k, e
		}
	}
	if ve != nil {
		delete(c.mem, victim)
		c.cfg.Metrics.CacheEvicted(c.cfg.Name)
	}
}

func (c *Cache[T]) load(key string) (*Entry[T], bool) {
	if c.cfg.Store == nil {
		return nil, false
	}
	b, err := c.cfg.Store.Get(c.cfg.Prefix + key)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			c.cfg.Logger.Debug("persistent read failed", "cache", c.cfg.Name, "key", key, "err", err)
		}
		return nil, false
	}
	var e Entry[T]
	if err := json.Unmarshal(b, &e); err != nil {
		c.cfg.Logger.Debug("dropping undecodable entry", "cache", c.cfg.Name, "key", key, "err", err)
		c.remove(key)
		return nil, false
	}
	return &e, true
}

func (c *Cache[T]) persist(key string, e *Entry[T]) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.cfg.Store.Set(c.cfg.Prefix+key, b)
}

func (c *Cache[T]) remove(key string) {
	if c.cfg.Store == nil {
		return
	}
	if err := c.cfg.Store.Remove(c.cfg.Prefix + key); err != nil {
		c.cfg.Logger.Debug("persistent remove failed", "cache", c.cfg.Name, "key", key, "err", err)
	}
}
