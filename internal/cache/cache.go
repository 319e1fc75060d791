// Package cache holds the contracts shared by the response cache tiers.
package cache

import (
	"context"
	"time"
)

// Store is a shared, out-of-process tier for settled response bodies.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
}

// TagStore is implemented by stores that can group keys under a tag and drop
// the whole group at once.
type TagStore interface {
	Tag(ctx context.Context, tag string, ttl time.Duration, keys ...string) error
	InvalidateTag(ctx context.Context, tag string) (int, error)
}
