// Package requestcache deduplicates identical upstream requests and memoizes
// their settled response bodies.
package requestcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/veda-ui/veda-analysis/internal/cache"
	"github.com/veda-ui/veda-analysis/internal/core/observability"
)

const DefaultSize = 4096

// Factory produces the response body for a key on a cache miss.
type Factory func(ctx context.Context) ([]byte, error)

type Options struct {
	// Size bounds the in-process tier; least recently used entries go first.
	Size int
	// TTL of in-process entries; zero keeps them until evicted by size.
	TTL time.Duration
	// Store is an optional shared tier consulted after an in-process miss.
	Store     cache.Store
	StoreTTL  time.Duration
	OpTimeout time.Duration
	Logger    *slog.Logger
}

// Cache stores successful responses only; a failed factory leaves no entry so
// the next request for the key retries upstream.
type Cache struct {
	l1        *expirable.LRU[string, []byte]
	group     singleflight.Group
	store     cache.Store
	storeTTL  time.Duration
	opTimeout time.Duration
	log       *slog.Logger

	mu      sync.Mutex
	tags    map[string]map[string]struct{}
	keyTags map[string][]string
}

func New(opts Options) *Cache {
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 250 * time.Millisecond
	}
	c := &Cache{
		store:     opts.Store,
		storeTTL:  opts.StoreTTL,
		opTimeout: opts.OpTimeout,
		log:       opts.Logger,
		tags:      make(map[string]map[string]struct{}),
		keyTags:   make(map[string][]string),
	}
	c.l1 = expirable.NewLRU[string, []byte](opts.Size, c.forget, opts.TTL)
	return c
}

type tagsKey struct{}

// WithTags attaches invalidation tags to ctx. Entries settled by Request
// under that context can later be dropped with Invalidate.
func WithTags(ctx context.Context, tags ...string) context.Context {
	if len(tags) == 0 {
		return ctx
	}
	prev := tagsFrom(ctx)
	all := make([]string, 0, len(prev)+len(tags))
	all = append(append(all, prev...), tags...)
	return context.WithValue(ctx, tagsKey{}, all)
}

func tagsFrom(ctx context.Context) []string {
	t, _ := ctx.Value(tagsKey{}).([]string)
	return t
}

// Request returns the body cached under key, or runs factory once for all
// concurrent callers of the same key and caches a successful result.
func (c *Cache) Request(ctx context.Context, key string, factory Factory) ([]byte, error) {
	if b, ok := c.l1.Get(key); ok {
		observability.IncCacheResult("hit")
		return b, nil
	}

	b, err := c.load(ctx, key, factory)
	// the shared call may have died with another caller's context
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() == nil {
		c.log.DebugContext(ctx, "shared request canceled by another caller, retrying", "key", key)
		b, err = c.load(ctx, key, factory)
	}
	if err == nil {
		c.tag(key, tagsFrom(ctx))
	}
	return b, err
}

func (c *Cache) load(ctx context.Context, key string, factory Factory) ([]byte, error) {
	ch := c.group.DoChan(key, func() (any, error) {
		if b, ok := c.l1.Get(key); ok {
			observability.IncCacheResult("hit")
			return b, nil
		}
		if b, ok := c.fromStore(ctx, key); ok {
			observability.IncCacheResult("l2_hit")
			c.l1.Add(key, b)
			return b, nil
		}

		observability.IncCacheResult("miss")
		b, err := factory(ctx)
		if err != nil {
			return nil, err
		}
		c.l1.Add(key, b)
		c.toStore(ctx, key, b)
		return b, nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			observability.IncCacheResult("shared")
		}
		if res.Err != nil {
			return nil, res.Err
		}
		b, ok := res.Val.([]byte)
		if !ok {
			return nil, fmt.Errorf("requestcache: unexpected value %T for %q", res.Val, key)
		}
		return b, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("requestcache: %w", ctx.Err())
	}
}

func (c *Cache) fromStore(ctx context.Context, key string) ([]byte, bool) {
	if c.store == nil {
		return nil, false
	}
	sctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	b, ok, err := c.store.Get(sctx, key)
	if err != nil {
		c.log.WarnContext(ctx, "shared cache get failed, continuing with fetch path", "key", key, "err", err)
		return nil, false
	}
	return b, ok
}

func (c *Cache) toStore(ctx context.Context, key string, b []byte) {
	if c.store == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opTimeout)
	defer cancel()
	if err := c.store.Set(sctx, key, b, c.storeTTL); err != nil {
		c.log.WarnContext(ctx, "shared cache set failed", "key", key, "err", err)
		return
	}
	ts, ok := c.store.(cache.TagStore)
	if !ok {
		return
	}
	for _, tag := range tagsFrom(ctx) {
		if err := ts.Tag(sctx, tag, c.storeTTL, key); err != nil {
			c.log.WarnContext(ctx, "shared cache tag failed", "key", key, "tag", tag, "err", err)
		}
	}
}

// must not touch l1 while holding mu, the eviction callback takes it
func (c *Cache) tag(key string, tags []string) {
	if len(tags) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tags {
		set, ok := c.tags[t]
		if !ok {
			set = make(map[string]struct{})
			c.tags[t] = set
		}
		if _, seen := set[key]; seen {
			continue
		}
		set[key] = struct{}{}
		c.keyTags[key] = append(c.keyTags[key], t)
	}
}

// eviction callback of the in-process tier
func (c *Cache) forget(key string, _ []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.keyTags[key] {
		set := c.tags[t]
		delete(set, key)
		if len(set) == 0 {
			delete(c.tags, t)
		}
	}
	delete(c.keyTags, key)
}

// Invalidate drops every entry settled under tag from both tiers and returns
// how many entries were known for it.
func (c *Cache) Invalidate(ctx context.Context, tag string) (int, error) {
	c.mu.Lock()
	victims := make([]string, 0, len(c.tags[tag]))
	for k := range c.tags[tag] {
		victims = append(victims, k)
	}
	c.mu.Unlock()

	for _, k := range victims {
		c.l1.Remove(k)
	}
	n := len(victims)
	observability.IncCacheInvalidation("memory", n)

	ts, ok := c.store.(cache.TagStore)
	if !ok {
		return n, nil
	}
	sctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	shared, err := ts.InvalidateTag(sctx, tag)
	if err != nil {
		return n, fmt.Errorf("requestcache: invalidate %q: %w", tag, err)
	}
	observability.IncCacheInvalidation("shared", shared)
	return n + shared, nil
}

// Purge empties the in-process tier.
func (c *Cache) Purge() { c.l1.Purge() }

func (c *Cache) Len() int { return c.l1.Len() }
