// Package cache provides the three-tier cache used across the pipeline.
//
// L1 is a bounded in-process LRU with a short TTL. L2 and L3 are networked
// key-value tiers backed by redis: L2 holds session and conversation lookups
// keyed by conversation id, L3 holds knowledge/response reuse keyed by
// normalized-query hash. Gets check L1 -> L2 -> L3 and promote hits into the
// faster tiers. Writes are best-effort under a latency budget; a cache
// failure never blocks the caller, it only forces a fallback to the source
// of truth.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"github.com/EduPipe/LeadPipe/internal/config"
	"github.com/EduPipe/LeadPipe/internal/metrics"
)

// Category routes a Set to the tier appropriate to the value.
type Category string

const (
	// CategoryEphemeral values live only in L1.
	CategoryEphemeral Category = "ephemeral"
	// CategorySession values are conversation/session lookups (L2, promoted to L1).
	CategorySession Category = "session"
	// CategoryKnowledge values are reusable knowledge responses (L3, promoted upward on hit).
	CategoryKnowledge Category = "knowledge"
)

// kvClient is the subset of redis commands the cache uses. It exists so
// tests can substitute a fake client.
type kvClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// redisTier wraps one networked tier.
type redisTier struct {
	client kvClient
	prefix string
	ttl    time.Duration
}

func (t *redisTier) get(ctx context.Context, key string) ([]byte, bool) {
	if t == nil || t.client == nil {
		return nil, false
	}
	val, err := t.client.Get(ctx, t.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Debug("cache tier read failed", "tier", t.prefix, "error", err)
		}
		return nil, false
	}
	return val, true
}

func (t *redisTier) set(ctx context.Context, key string, val []byte) {
	if t == nil || t.client == nil {
		return
	}
	if err := t.client.Set(ctx, t.prefix+key, val, t.ttl).Err(); err != nil {
		slog.Debug("cache tier write failed", "tier", t.prefix, "error", err)
	}
}

func (t *redisTier) del(ctx context.Context, key string) {
	if t == nil || t.client == nil {
		return
	}
	if err := t.client.Del(ctx, t.prefix+key).Err(); err != nil {
		slog.Debug("cache tier delete failed", "tier", t.prefix, "error", err)
	}
}

// Tiered is the three-tier cache. It is safe for concurrent use; the only
// contention point is the L1 LRU bookkeeping.
type Tiered struct {
	l1           *expirable.LRU[string, []byte]
	l2           *redisTier
	l3           *redisTier
	sim          *similarityIndex
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// Option configures a Tiered cache.
type Option func(*Tiered)

// WithL2Client substitutes the L2 redis client (used by tests).
func WithL2Client(c kvClient) Option {
	return func(t *Tiered) { t.l2.client = c }
}

// WithL3Client substitutes the L3 redis client (used by tests).
func WithL3Client(c kvClient) Option {
	return func(t *Tiered) { t.l3.client = c }
}

// NewTiered creates the tiered cache from configuration. When RedisAddr is
// empty the networked tiers are disabled and only L1 is active.
func NewTiered(cfg config.CacheConfig, opts ...Option) *Tiered {
	t := &Tiered{
		l1:           expirable.NewLRU[string, []byte](cfg.L1.MaxEntries, nil, cfg.L1.TTL),
		l2:           &redisTier{prefix: "l2:", ttl: cfg.L2.TTL},
		l3:           &redisTier{prefix: "l3:", ttl: cfg.L3.TTL},
		sim:          newSimilarityIndex(cfg.L3.MaxEntries / 100),
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
	}
	if cfg.RedisAddr != "" {
		t.l2.client = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		t.l3.client = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisL3DB})
		slog.Debug("cache networked tiers enabled", "addr", cfg.RedisAddr)
	} else {
		slog.Debug("cache running with L1 only, no redis address configured")
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Get checks L1 -> L2 -> L3 in order. A hit below L1 promotes the value
// into all higher tiers.
func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool) {
	if val, ok := t.l1.Get(key); ok {
		metrics.CacheRequests.WithLabelValues("l1", "hit").Inc()
		return val, true
	}
	metrics.CacheRequests.WithLabelValues("l1", "miss").Inc()

	rctx, cancel := context.WithTimeout(ctx, t.readTimeout)
	defer cancel()

	if val, ok := t.l2.get(rctx, key); ok {
		metrics.CacheRequests.WithLabelValues("l2", "hit").Inc()
		t.l1.Add(key, val)
		return val, true
	}
	metrics.CacheRequests.WithLabelValues("l2", "miss").Inc()
	if val, ok := t.l3.get(rctx, key); ok {
		metrics.CacheRequests.WithLabelValues("l3", "hit").Inc()
		t.promote(ctx, key, val)
		return val, true
	}
	metrics.CacheRequests.WithLabelValues("l3", "miss").Inc()
	return nil, false
}

// promote copies an L3 hit into L2 and L1.
func (t *Tiered) promote(ctx context.Context, key string, val []byte) {
	t.l1.Add(key, val)
	wctx, cancel := context.WithTimeout(ctx, t.writeTimeout)
	defer cancel()
	t.l2.set(wctx, key, val)
}

// Set writes a value to the tier appropriate to its category. Writes to
// networked tiers are best-effort under the write latency budget.
func (t *Tiered) Set(ctx context.Context, key string, val []byte, category Category) {
	wctx, cancel := context.WithTimeout(ctx, t.writeTimeout)
	defer cancel()

	switch category {
	case CategoryEphemeral:
		t.l1.Add(key, val)
	case CategorySession:
		t.l1.Add(key, val)
		t.l2.set(wctx, key, val)
	case CategoryKnowledge:
		t.l3.set(wctx, key, val)
	default:
		t.l1.Add(key, val)
	}
}

// GetKnowledge looks up a reusable response for free-text query. It checks
// the exact normalized-query hash first, then falls back to
// similarity-threshold matching against recently stored queries.
func (t *Tiered) GetKnowledge(ctx context.Context, query string, threshold float64) ([]byte, bool) {
	if val, ok := t.Get(ctx, QueryKey(query)); ok {
		return val, true
	}
	if match, ok := t.sim.bestMatch(NormalizeQuery(query), threshold); ok {
		return t.Get(ctx, QueryKey(match))
	}
	return nil, false
}

// SetKnowledge stores a reusable response under the normalized-query hash
// and records the query for similarity matching.
func (t *Tiered) SetKnowledge(ctx context.Context, query string, val []byte) {
	t.Set(ctx, QueryKey(query), val, CategoryKnowledge)
	t.sim.add(NormalizeQuery(query))
}

// Invalidate removes a key from every tier.
func (t *Tiered) Invalidate(ctx context.Context, key string) {
	t.l1.Remove(key)
	wctx, cancel := context.WithTimeout(ctx, t.writeTimeout)
	defer cancel()
	t.l2.del(wctx, key)
	t.l3.del(wctx, key)
}
