// Package cache is the content-keyed artifact cache shared by the model
// client, the researcher, and the scrape path. Entries live in per-purpose
// partitions so purpose-specific TTLs apply, and concurrent producers for
// the same missing key coalesce into a single flight.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/crewhq/crewd/pkg/fault"
)

// Purpose partitions the cache and selects the TTL.
type Purpose string

const (
	PurposeModel    Purpose = "model"
	PurposePage     Purpose = "page"
	PurposeResearch Purpose = "research"
	PurposeRobots   Purpose = "robots"
)

// Config holds per-purpose TTLs and the partition size bound.
type Config struct {
	TTLs       map[Purpose]time.Duration
	DefaultTTL time.Duration
	// MaxEntries bounds each partition; 0 means unbounded.
	MaxEntries int
}

// DefaultConfig returns the standard TTLs: 24h for model output and
// fetched pages, 6h for research answers, 24h for robots rules.
func DefaultConfig() Config {
	return Config{
		TTLs: map[Purpose]time.Duration{
			PurposeModel:    24 * time.Hour,
			PurposePage:     24 * time.Hour,
			PurposeResearch: 6 * time.Hour,
			PurposeRobots:   24 * time.Hour,
		},
		DefaultTTL: time.Hour,
		MaxEntries: 4096,
	}
}

// Cache is safe for concurrent use by all workers.
type Cache struct {
	cfg    Config
	mu     sync.Mutex
	parts  map[Purpose]*expirable.LRU[string, []byte]
	flight singleflight.Group
}

// New creates an empty cache. Expired entries are removed lazily on access
// and swept by the expirable store's background timer.
func New(cfg Config) *Cache {
	if cfg.TTLs == nil {
		cfg = DefaultConfig()
	}
	return &Cache{
		cfg:   cfg,
		parts: make(map[Purpose]*expirable.LRU[string, []byte]),
	}
}

func (c *Cache) partition(p Purpose) *expirable.LRU[string, []byte] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if part, ok := c.parts[p]; ok {
		return part
	}
	ttl := c.cfg.TTLs[p]
	if ttl == 0 {
		ttl = c.cfg.DefaultTTL
	}
	part := expirable.NewLRU[string, []byte](c.cfg.MaxEntries, nil, ttl)
	c.parts[p] = part
	return part
}

// Get returns the cached value for key, if present and unexpired.
func (c *Cache) Get(purpose Purpose, key string) ([]byte, bool) {
	return c.partition(purpose).Get(key)
}

// Put stores a value under the purpose's TTL.
func (c *Cache) Put(purpose Purpose, key string, value []byte) {
	c.partition(purpose).Add(key, value)
}

// GetOrProduce returns the cached value for key, or runs producer exactly
// once for all concurrent callers of the same (purpose, key) and caches the
// result. Waiters abandon the flight when their context ends; the producer
// itself keeps running for the remaining waiters.
func (c *Cache) GetOrProduce(ctx context.Context, purpose Purpose, key string, producer func(context.Context) ([]byte, error)) ([]byte, error) {
	part := c.partition(purpose)
	if v, ok := part.Get(key); ok {
		return v, nil
	}
	// The flight outlives any single waiter: a cancelled caller must not
	// poison the value being produced for the others.
	flightCtx := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(string(purpose)+"\x00"+key, func() (any, error) {
		if v, ok := part.Get(key); ok {
			return v, nil
		}
		v, err := producer(flightCtx)
		if err != nil {
			return nil, err
		}
		part.Add(key, v)
		return v, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, fault.Wrap(fault.KindOf(ctx.Err()), ctx.Err(), "waiting for cache flight")
	}
}

// InvalidatePrefix removes every entry of the partition whose key starts
// with prefix and reports how many were dropped.
func (c *Cache) InvalidatePrefix(purpose Purpose, prefix string) int {
	part := c.partition(purpose)
	removed := 0
	for _, key := range part.Keys() {
		if strings.HasPrefix(key, prefix) {
			if part.Remove(key) {
				removed++
			}
		}
	}
	return removed
}

// Fingerprint derives the deterministic cache key for an artifact from its
// purpose, the acting agent, the canonicalised inputs, and the model.
// Plain JSON maps canonicalise by sorted keys, so logically identical
// inputs always fingerprint identically.
func Fingerprint(purpose Purpose, agentID string, inputs any, modelID string) string {
	canonical, err := json.Marshal(inputs)
	if err != nil {
		canonical = []byte("null")
	}
	h := sha256.New()
	h.Write([]byte(purpose))
	h.Write([]byte{0})
	h.Write([]byte(agentID))
	h.Write([]byte{0})
	h.Write(canonical)
	h.Write([]byte{0})
	h.Write([]byte(modelID))
	return hex.EncodeToString(h.Sum(nil))
}
