// Package cache implements the two-tier read path for short codes.
//
// Tier 1 is a size- and time-bounded LRU owned by this process. Tier 2 is the
// shared kv.Store, the converging copy every instance backfills from. Misses on
// both tiers load from the origin once per process (singleflight) and, when a
// StampedeLock is configured, once across instances. Writes fan out through an
// InvalidationBus carrying only the key.
package cache

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/bytedance/sonic"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"urlshortener/internal/kv"
	"urlshortener/internal/metrics"
)

// Loader fetches a value from the origin store.
type Loader[V any] func(ctx context.Context, key string) (V, error)

// Config sizes the tiers.
type Config struct {
	Prefix   string // tier-2 key prefix
	L1Size   int
	L1TTL    time.Duration
	L2TTL    time.Duration
	L2Jitter float64 // fraction, 0.2 spreads expiry over ±20%
	// LoadTimeout bounds a shared miss load. The load does not follow the
	// context of whichever caller started it.
	LoadTimeout time.Duration
}

// TieredCache is safe for concurrent use.
type TieredCache[V any] struct {
	cfg   Config
	l1    *expirable.LRU[string, V]
	l2    kv.Store
	group singleflight.Group
	lock  *StampedeLock
	bus   *InvalidationBus
	orig  Loader[V]
	log   *zap.Logger
}

// Option configures optional collaborators of a TieredCache.
type Option[V any] func(*TieredCache[V])

// WithStampedeLock guards the miss path with a cross-instance lock.
func WithStampedeLock[V any](l *StampedeLock) Option[V] {
	return func(c *TieredCache[V]) { c.lock = l }
}

// WithInvalidationBus publishes every write so other instances converge.
func WithInvalidationBus[V any](b *InvalidationBus) Option[V] {
	return func(c *TieredCache[V]) { c.bus = b }
}

// WithOrigin is used by OnNotification when tier 2 no longer has the key.
func WithOrigin[V any](origin Loader[V]) Option[V] {
	return func(c *TieredCache[V]) { c.orig = origin }
}

func NewTiered[V any](shared kv.Store, cfg Config, log *zap.Logger, opts ...Option[V]) *TieredCache[V] {
	if cfg.L1Size <= 0 {
		cfg.L1Size = 10000
	}
	if cfg.L1TTL <= 0 {
		cfg.L1TTL = time.Minute
	}
	if cfg.L2TTL <= 0 {
		cfg.L2TTL = time.Hour
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = 5 * time.Second
	}
	c := &TieredCache[V]{
		cfg: cfg,
		l1:  expirable.NewLRU[string, V](cfg.L1Size, nil, cfg.L1TTL),
		l2:  shared,
		log: log.Named("cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get checks tier 1, then tier 2, backfilling tier 1 on a tier-2 hit.
func (c *TieredCache[V]) Get(ctx context.Context, key string) (V, bool) {
	if v, ok := c.l1.Get(key); ok {
		metrics.CacheHits.WithLabelValues("l1").Inc()
		return v, true
	}
	if v, ok := c.getShared(ctx, key); ok {
		metrics.CacheHits.WithLabelValues("l2").Inc()
		c.l1.Add(key, v)
		return v, true
	}
	metrics.CacheMisses.Inc()
	var zero V
	return zero, false
}

// Put writes tier 1, then tier 2, then announces the key. Tier-2 and bus
// failures are logged and absorbed.
func (c *TieredCache[V]) Put(ctx context.Context, key string, v V) {
	c.l1.Add(key, v)
	c.putShared(ctx, key, v)
	c.announce(ctx, key)
}

// GetOrLoad returns the cached value or loads it through loader. Within the
// process concurrent misses share one load; a caller that gives up does not
// cancel it for the others.
func (c *TieredCache[V]) GetOrLoad(ctx context.Context, key string, loader Loader[V]) (V, error) {
	if v, ok := c.Get(ctx, key); ok {
		return v, nil
	}
	ch := c.group.DoChan(key, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.LoadTimeout)
		defer cancel()
		return c.load(loadCtx, key, loader)
	})
	var zero V
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(V), nil
	}
}

// Evict drops key from tier 1 only.
func (c *TieredCache[V]) Evict(key string) {
	c.l1.Remove(key)
}

// OnNotification refreshes tier 1 after another instance changed key. When
// tier 2 misses as well the origin is consulted and both tiers rewritten.
func (c *TieredCache[V]) OnNotification(ctx context.Context, key string) {
	if v, ok := c.getShared(ctx, key); ok {
		c.l1.Add(key, v)
		return
	}
	if c.orig == nil {
		c.l1.Remove(key)
		return
	}
	metrics.OriginLoads.Inc()
	v, err := c.orig(ctx, key)
	if err != nil {
		c.l1.Remove(key)
		c.log.Debug("origin refresh after notification failed", zap.String("key", key), zap.Error(err))
		return
	}
	c.putShared(ctx, key, v)
	c.l1.Add(key, v)
}

func (c *TieredCache[V]) load(ctx context.Context, key string, loader Loader[V]) (V, error) {
	if c.lock == nil {
		return c.fetch(ctx, key, loader)
	}

	var result V
	err := c.lock.WithLock(ctx, key, func(ctx context.Context) error {
		// The previous holder may have filled tier 2 while we waited.
		if v, ok := c.getShared(ctx, key); ok {
			c.l1.Add(key, v)
			result = v
			return nil
		}
		v, err := c.fetch(ctx, key, loader)
		result = v
		return err
	})
	switch {
	case err == nil:
		return result, nil
	case errors.Is(err, ErrLockNotAcquired):
		metrics.CacheDegraded.WithLabelValues("lock_wait").Inc()
		if v, ok := c.Get(ctx, key); ok {
			return v, nil
		}
		c.log.Warn("stampede lock wait expired, loading from origin directly", zap.String("key", key))
		return c.fetch(ctx, key, loader)
	case errors.Is(err, ErrBackendDegraded):
		metrics.CacheDegraded.WithLabelValues("lock").Inc()
		c.log.Warn("stampede lock unavailable, loading from origin directly", zap.String("key", key), zap.Error(err))
		return c.fetch(ctx, key, loader)
	default:
		return result, err
	}
}

// fetch loads from the origin and writes tier 2, then tier 1.
func (c *TieredCache[V]) fetch(ctx context.Context, key string, loader Loader[V]) (V, error) {
	metrics.OriginLoads.Inc()
	v, err := loader(ctx, key)
	if err != nil {
		return v, err
	}
	c.putShared(ctx, key, v)
	c.l1.Add(key, v)
	c.announce(ctx, key)
	return v, nil
}

func (c *TieredCache[V]) getShared(ctx context.Context, key string) (V, bool) {
	var v V
	raw, err := c.l2.Get(ctx, c.cfg.Prefix+key)
	if err != nil {
		if !errors.Is(err, kv.ErrMiss) {
			metrics.CacheDegraded.WithLabelValues("l2_get").Inc()
			c.log.Warn("tier-2 read failed", zap.String("key", key), zap.Error(err))
		}
		return v, false
	}
	if err := sonic.UnmarshalString(raw, &v); err != nil {
		c.log.Warn("dropping undecodable tier-2 entry", zap.String("key", key), zap.Error(err))
		return v, false
	}
	return v, true
}

func (c *TieredCache[V]) putShared(ctx context.Context, key string, v V) {
	raw, err := sonic.MarshalString(v)
	if err != nil {
		c.log.Error("failed to encode tier-2 entry", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.l2.Set(ctx, c.cfg.Prefix+key, raw, c.jitteredTTL()); err != nil {
		metrics.CacheDegraded.WithLabelValues("l2_set").Inc()
		c.log.Warn("tier-2 write failed, serving from tier 1 only", zap.String("key", key), zap.Error(err))
	}
}

func (c *TieredCache[V]) announce(ctx context.Context, key string) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(ctx, key); err != nil {
		c.log.Warn("invalidation publish failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *TieredCache[V]) jitteredTTL() time.Duration {
	return jitter(c.cfg.L2TTL, c.cfg.L2Jitter)
}

func jitter(ttl time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return ttl
	}
	return time.Duration(float64(ttl) * (1 + fraction*(2*rand.Float64()-1)))
}
