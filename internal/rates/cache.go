package rates

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"freedomtag/internal/logging"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// Cache is a shared quote cache, e.g. Redis, consulted before the wrapped
// provider.
type Cache interface {
	Get(ctx context.Context, key string) (Quote, bool, error)
	Set(ctx context.Context, key string, q Quote, ttl time.Duration) error
}

type cachedEntry struct {
	quote     Quote
	expiresAt time.Time
}

// CachedProvider memoises quotes for ttl and collapses concurrent lookups for
// the same pair into one upstream call.
type CachedProvider struct {
	next   Provider
	ttl    time.Duration
	shared Cache
	logger logging.Logger

	mu    sync.RWMutex
	items map[string]cachedEntry
	sf    singleflight.Group
	now   func() time.Time
}

func NewCachedProvider(next Provider, ttl time.Duration, shared Cache, logger logging.Logger) *CachedProvider {
	return &CachedProvider{
		next:   next,
		ttl:    ttl,
		shared: shared,
		logger: logger,
		items:  make(map[string]cachedEntry),
		now:    time.Now,
	}
}

func (c *CachedProvider) Rate(ctx context.Context, from, to string) (Quote, error) {
	key := pairKey(from, to)
	if q, ok := c.local(key); ok {
		return q, nil
	}
	v, err, _ := c.sf.Do(key, func() (any, error) {
		if c.shared != nil {
			q, ok, err := c.shared.Get(ctx, key)
			if err != nil && c.logger != nil {
				c.logger.WithError(err).WithField("pair", key).Warn("shared rate cache read failed")
			}
			if ok {
				c.store(key, q)
				return q, nil
			}
		}
		q, err := c.next.Rate(ctx, from, to)
		if err != nil {
			return Quote{}, err
		}
		// Fallback answers are not cached so a recovered live source is
		// picked up on the next call.
		if q.Source == SourceFallback {
			return q, nil
		}
		c.store(key, q)
		if c.shared != nil {
			if err := c.shared.Set(ctx, key, q, c.ttl); err != nil && c.logger != nil {
				c.logger.WithError(err).WithField("pair", key).Warn("shared rate cache write failed")
			}
		}
		return q, nil
	})
	if err != nil {
		return Quote{}, err
	}
	return v.(Quote), nil
}

func (c *CachedProvider) local(key string) (Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.items[key]
	if !ok || !c.now().Before(e.expiresAt) {
		return Quote{}, false
	}
	return e.quote, true
}

func (c *CachedProvider) store(key string, q Quote) {
	c.mu.Lock()
	c.items[key] = cachedEntry{quote: q, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// RedisCache stores quotes as JSON under "fx:<FROM>:<TO>".
type RedisCache struct {
	client goredis.UniversalClient
}

func NewRedisCache(client goredis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

func (r *RedisCache) Get(ctx context.Context, key string) (Quote, bool, error) {
	raw, err := r.client.Get(ctx, "fx:"+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return Quote{}, false, nil
	}
	if err != nil {
		return Quote{}, false, err
	}
	var q Quote
	if err := json.Unmarshal(raw, &q); err != nil {
		return Quote{}, false, err
	}
	return q, true, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, q Quote, ttl time.Duration) error {
	data, err := json.Marshal(q)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, "fx:"+key, data, ttl).Err()
}
