package snapshot

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"salewatch/internal/session"
)

const DefaultCacheTTL = 15 * time.Second

// FetchTimeout bounds a shared fetch, which no single caller can cancel.
var FetchTimeout = 30 * time.Second

type cacheEntry struct {
	recs []session.Record
	at   time.Time
}

// Cache shares in-flight sessions fetches between callers and serves recent
// results for soft refreshes.
//
// Each query has a generation. A forced fetch starts a new generation, so it
// never joins an older flight and an older flight finishing late cannot
// overwrite its result.
type Cache struct {
	src Source
	sf  singleflight.Group

	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
	gens    map[string]uint64
}

func NewCache(src Source, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		src:     src,
		ttl:     ttl,
		entries: map[string]cacheEntry{},
		gens:    map[string]uint64{},
	}
}

// Source returns the uncached source for lookups that are never cached.
func (c *Cache) Source() Source { return c.src }

func (c *Cache) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c.mu.Lock()
	c.ttl = ttl
	c.mu.Unlock()
}

// Sessions returns the snapshot for q. Unless force is set, a result younger
// than the TTL is reused and a matching in-flight fetch is joined.
func (c *Cache) Sessions(ctx context.Context, q Query, force bool) ([]session.Record, error) {
	key := q.key()

	c.mu.Lock()
	if !force {
		if e, ok := c.entries[key]; ok && time.Since(e.at) < c.ttl {
			c.mu.Unlock()
			return e.recs, nil
		}
	} else {
		c.gens[key]++
	}
	gen := c.gens[key]
	c.gens[key] = gen
	c.mu.Unlock()

	ch := c.sf.DoChan(key+"#"+strconv.FormatUint(gen, 10), func() (any, error) {
		// the flight outlives any single caller; each caller stops waiting on
		// its own ctx below
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), FetchTimeout)
		defer cancel()
		recs, err := c.src.Sessions(fctx, q)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.gens[key] == gen {
			c.entries[key] = cacheEntry{recs: recs, at: time.Now()}
		}
		c.mu.Unlock()
		return recs, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]session.Record), nil
	}
}

// Invalidate drops every cached result. In-flight fetches still complete but
// are not stored.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	for k := range c.gens {
		c.gens[k]++
	}
	c.entries = map[string]cacheEntry{}
	c.mu.Unlock()
}
