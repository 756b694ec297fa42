package auth

import (
	"context"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
)

// Cached remembers decisions of an inner Authenticator for a bounded time.
// Errors are never cached.
type Cached struct {
	inner Authenticator
	cache *expirable.LRU[uint64, bool]
}

// NewCached wraps inner with an LRU of at most size decisions, each valid for ttl
func NewCached(inner Authenticator, size int, ttl time.Duration) *Cached {
	return &Cached{
		inner: inner,
		cache: expirable.NewLRU[uint64, bool](size, nil, ttl),
	}
}

func (c *Cached) Authenticate(ctx context.Context, configuration string) (bool, error) {
	key := xxhash.Sum64String(configuration)
	if ok, hit := c.cache.Get(key); hit {
		return ok, nil
	}

	ok, err := c.inner.Authenticate(ctx, configuration)
	if err != nil {
		return false, err
	}
	c.cache.Add(key, ok)
	log.Debug().Uint64("key", key).Bool("allowed", ok).Msg("Cached auth decision")
	return ok, nil
}

// Len returns the number of cached decisions
func (c *Cached) Len() int {
	return c.cache.Len()
}

// Purge drops every cached decision
func (c *Cached) Purge() {
	c.cache.Purge()
}
