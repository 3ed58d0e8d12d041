// Package cache implements the response cache from spec §4.6: a
// fingerprint-keyed point lookup over a prior (output, raw_request,
// raw_response) with a caller-specified lookback window and best-effort
// writes. Besides the lookback filter, rows also expire from the backend
// once MaxTTL (24h by default) has passed since their Write.
//
// Grounded on the teacher's internal/pkg/xcache package (memory/redis/
// two-level construction over github.com/eko/gocache/lib/v4), generalized
// from a generic Cache[T] helper into one specialized to the cache Row
// shape spec §3 defines, and wired directly into the runner.Cache contract
// instead of exposing a bare get/set surface.
package cache

import (
	"context"
	"time"

	cachelib "github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	gocache_store "github.com/eko/gocache/store/go_cache/v4"
	redis_store "github.com/eko/gocache/store/redis/v4"
	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/tensorzero/tensorzero-sub029/internal/canon"
	"github.com/tensorzero/tensorzero-sub029/internal/gwerr"
	"github.com/tensorzero/tensorzero-sub029/internal/llmtypes"
	"github.com/tensorzero/tensorzero-sub029/internal/runner"
)

// Row is the on-disk shape of one cache entry (spec §3 "Cache row").
type Row struct {
	ShortCacheKey uint64                `json:"short_cache_key"`
	LongCacheKey  string                `json:"long_cache_key"`
	Content       []llmtypes.Block      `json:"content"`
	Usage         llmtypes.Usage        `json:"usage"`
	FinishReason  llmtypes.FinishReason `json:"finish_reason"`
	RawRequest    []byte                `json:"raw_request"`
	RawResponse   []byte                `json:"raw_response"`
	Timestamp     time.Time             `json:"timestamp"`
}

// Backend is the slice of eko/gocache's generic cache interface this
// package depends on.
type Backend = cachelib.CacheInterface[Row]

// Cache implements runner.Cache. Write replaces any prior row for a key,
// and Lookup filters staleness by comparing the stored row's
// Timestamp against the caller-supplied lookback rather than relying on
// the backend's own TTL (the backend TTL, MaxTTL, only bounds how long a
// row can possibly still be read — individual lookups can ask for a much
// shorter window).
type Cache struct {
	backend Backend
	maxTTL  time.Duration
}

// New wraps an already-constructed backend. maxTTL is the expiration
// handed to the backend store on every Write; it must be at least as long
// as the longest lookback any caller will request, or entries will be
// evicted by the backend before cache_lookup's own staleness check ever
// gets a chance to reject them.
func New(backend Backend, maxTTL time.Duration) *Cache {
	return &Cache{backend: backend, maxTTL: maxTTL}
}

// Config selects memory/redis/two-level backing, mirroring the teacher's
// xcache.Config shape (spec §5 "Cache store: same connection pool as the
// observability writer" motivates letting Redis be shared).
type Config struct {
	Mode   string // "memory" | "redis" | "two-level" | "" (disabled)
	MaxTTL time.Duration
	Memory MemoryConfig
	Redis  RedisConfig
}

type MemoryConfig struct {
	Expiration      time.Duration
	CleanupInterval time.Duration
}

type RedisConfig struct {
	Client *redis.Client
	Expiration time.Duration
}

const (
	ModeMemory   = "memory"
	ModeRedis    = "redis"
	ModeTwoLevel = "two-level"
)

// NewFromConfig builds a Cache per Config.Mode, returning a disabled
// (no-op) cache when Mode is empty.
func NewFromConfig(cfg Config) (*Cache, error) {
	maxTTL := cfg.MaxTTL
	if maxTTL == 0 {
		maxTTL = 24 * time.Hour
	}

	switch cfg.Mode {
	case "":
		return New(newNoop(), maxTTL), nil

	case ModeMemory:
		return New(newMemory(cfg.Memory), maxTTL), nil

	case ModeRedis:
		if cfg.Redis.Client == nil {
			return nil, gwerr.New(gwerr.KindConfig, "cache mode redis requires a redis client")
		}

		return New(newRedis(cfg.Redis), maxTTL), nil

	case ModeTwoLevel:
		if cfg.Redis.Client == nil {
			return nil, gwerr.New(gwerr.KindConfig, "cache mode two-level requires a redis client")
		}

		return New(cachelib.NewChain[Row](newMemory(cfg.Memory), newRedis(cfg.Redis)), maxTTL), nil

	default:
		return nil, gwerr.New(gwerr.KindConfig, "unknown cache mode "+cfg.Mode)
	}
}

func newMemory(cfg MemoryConfig) cachelib.SetterCacheInterface[Row] {
	exp := cfg.Expiration
	if exp == 0 {
		exp = 5 * time.Minute
	}

	cleanup := cfg.CleanupInterval
	if cleanup == 0 {
		cleanup = 10 * time.Minute
	}

	client := gocache.New(exp, cleanup)
	st := gocache_store.NewGoCache(client, store.WithExpiration(exp))

	return cachelib.New[Row](st)
}

func newRedis(cfg RedisConfig) cachelib.SetterCacheInterface[Row] {
	exp := cfg.Expiration
	if exp == 0 {
		exp = 30 * time.Minute
	}

	st := redis_store.NewRedis(cfg.Client, store.WithExpiration(exp))

	return cachelib.New[Row](st)
}

// Lookup implements runner.Cache.Lookup.
func (c *Cache) Lookup(ctx context.Context, key canon.Fingerprint, lookback time.Duration) (*runner.CacheHit, bool, error) {
	if c == nil || c.backend == nil {
		return nil, false, nil
	}

	row, err := c.backend.Get(ctx, key.Long)
	if err != nil {
		return nil, false, nil //nolint:nilerr // a miss is not an error to the runner.
	}

	// A zero lookback means no staleness bound; a negative one always misses.
	if lookback != 0 && time.Since(row.Timestamp) > lookback {
		return nil, false, nil
	}

	resp := &llmtypes.ModelInferenceResponse{
		Content:      row.Content,
		Usage:        row.Usage,
		RawRequest:   row.RawRequest,
		RawResponse:  row.RawResponse,
		FinishReason: row.FinishReason,
		Cached:       true,
	}

	return &runner.CacheHit{Response: resp}, true, nil
}

// Write implements runner.Cache.Write. Best-effort: spec §4.6 "Writes are
// best-effort: failure to cache must not fail the inference," so this
// returns a *gwerr.Error (KindCache) the caller is expected to swallow
// rather than propagate (see runner.Runner.Infer, which discards the
// error).
func (c *Cache) Write(ctx context.Context, key canon.Fingerprint, resp *llmtypes.ModelInferenceResponse) error {
	if c == nil || c.backend == nil {
		return nil
	}

	row := Row{
		ShortCacheKey: key.Short,
		LongCacheKey:  key.Long,
		Content:       resp.Content,
		Usage:         resp.Usage,
		FinishReason:  resp.FinishReason,
		RawRequest:    resp.RawRequest,
		RawResponse:   resp.RawResponse,
		Timestamp:     time.Now().UTC(),
	}

	if err := c.backend.Set(ctx, key.Long, row, store.WithExpiration(c.maxTTL)); err != nil {
		return gwerr.Wrap(gwerr.KindCache, "cache write failed", err)
	}

	return nil
}
