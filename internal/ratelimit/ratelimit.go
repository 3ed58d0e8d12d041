// Package ratelimit implements the multi-key atomic ticket bucket from
// spec §4.7: `consume_tickets` over a transactional store, keyed per
// resource ("model_inference" costs 1 ticket per attempt, "token" costs an
// estimated-usage-sized ticket), with retry_after computed on denial.
//
// Grounded on the domain-stack choice recorded in SPEC_FULL.md: Redis
// (already a teacher dependency, github.com/redis/go-redis/v9) standing in
// for spec's "transactional store", with the refill/consume arithmetic run
// inside a single Lua script so the read-refill-compare-write sequence is
// atomic per key exactly as spec §4.7 requires ("atomically within a
// single transaction"). The refill math itself (consumeOne) is kept as a
// pure function shared by both the Redis backend and an in-memory backend
// used by tests and by hosts with no external rate-limit store configured.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tensorzero/tensorzero-sub029/internal/gwerr"
	"github.com/tensorzero/tensorzero-sub029/internal/llmtypes"
	"github.com/tensorzero/tensorzero-sub029/internal/runner"
)

// BucketParams are the static shape of one ticket bucket (spec §3 "Ticket
// bucket"): capacity, refill_amount, refill_interval. Available/last_refill
// are runtime state tracked by the Store.
type BucketParams struct {
	Capacity       int64
	RefillAmount   int64
	RefillInterval time.Duration
}

// Request is one `consume_tickets` entry (spec §4.7).
type Request struct {
	Key       string
	Requested int64
	BucketParams
}

// Decision is one outcome of a ticket request.
type Decision struct {
	Success    bool
	RetryAfter time.Duration
}

// BucketState is the per-key runtime state spec §3 calls "available,
// last_refill".
type BucketState struct {
	Available  int64
	LastRefill time.Time
}

// consumeOne implements spec §4.7's pseudocode steps 1-3 as a pure
// function: refill up to capacity based on whole elapsed intervals since
// last_refill, then either consume and report success or report the
// retry_after needed for enough tickets to accrue. Shared by every Store
// implementation so the arithmetic is defined exactly once.
func consumeOne(p BucketParams, requested int64, now time.Time, s BucketState) (BucketState, Decision) {
	if s.LastRefill.IsZero() {
		s = BucketState{Available: p.Capacity, LastRefill: now}
	}

	if p.RefillInterval > 0 {
		elapsed := now.Sub(s.LastRefill)
		if periods := int64(elapsed / p.RefillInterval); periods > 0 {
			s.Available = min64(p.Capacity, s.Available+periods*p.RefillAmount)
			s.LastRefill = s.LastRefill.Add(time.Duration(periods) * p.RefillInterval)
		}
	}

	if s.Available >= requested {
		s.Available -= requested
		return s, Decision{Success: true}
	}

	deficit := requested - s.Available

	var retryAfter time.Duration
	if p.RefillAmount > 0 {
		periodsNeeded := int64(math.Ceil(float64(deficit) / float64(p.RefillAmount)))
		retryAfter = time.Duration(periodsNeeded) * p.RefillInterval
	}

	return s, Decision{Success: false, RetryAfter: retryAfter}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}

	return b
}

// Store performs one atomic consume against the transactional backing
// store.
type Store interface {
	Consume(ctx context.Context, req Request, now time.Time) (Decision, error)
}

// MemoryStore is a mutex-guarded in-memory Store: the default when no
// external rate-limit store is configured, and what the unit tests exercise
// (spec's own testable properties don't require a live service to verify
// ticket-bucket conservation).
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]BucketState
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: map[string]BucketState{}}
}

func (m *MemoryStore) Consume(_ context.Context, req Request, now time.Time) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, decision := consumeOne(req.BucketParams, req.Requested, now, m.buckets[req.Key])
	m.buckets[req.Key] = state

	return decision, nil
}

// consumeScript is the Redis-side reimplementation of consumeOne, run as a
// single EVAL so the HMGET-refill-compare-HMSET sequence is atomic without
// a client-side transaction.
//
// KEYS[1]  = bucket hash key
// ARGV[1]  = capacity
// ARGV[2]  = refill_amount
// ARGV[3]  = refill_interval (seconds)
// ARGV[4]  = requested
// ARGV[5]  = now (unix seconds)
var consumeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill_amount = tonumber(ARGV[2])
local refill_interval = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])
local now = tonumber(ARGV[5])

local data = redis.call('HMGET', KEYS[1], 'available', 'last_refill')
local available = tonumber(data[1])
local last_refill = tonumber(data[2])

if available == nil then
  available = capacity
  last_refill = now
end

if refill_interval > 0 then
  local elapsed = now - last_refill
  if elapsed > 0 then
    local periods = math.floor(elapsed / refill_interval)
    if periods > 0 then
      available = math.min(capacity, available + periods * refill_amount)
      last_refill = last_refill + periods * refill_interval
    end
  end
end

if available >= requested then
  available = available - requested
  redis.call('HMSET', KEYS[1], 'available', available, 'last_refill', last_refill)
  redis.call('EXPIRE', KEYS[1], refill_interval * 1000 + 60)
  return {1, 0}
end

redis.call('HMSET', KEYS[1], 'available', available, 'last_refill', last_refill)
redis.call('EXPIRE', KEYS[1], refill_interval * 1000 + 60)

local deficit = requested - available
local retry_after = 0
if refill_amount > 0 then
  retry_after = math.ceil(deficit / refill_amount) * refill_interval
end

return {0, retry_after}
`)

// RedisStore is the production Store, backed by a Redis transactional
// store via the atomic Lua script above.
type RedisStore struct {
	client redis.Scripter
}

// NewRedisStore wraps client (typically *redis.Client).
func NewRedisStore(client redis.Scripter) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Consume(ctx context.Context, req Request, now time.Time) (Decision, error) {
	res, err := consumeScript.Run(ctx, r.client, []string{req.Key},
		req.Capacity, req.RefillAmount, int64(req.RefillInterval/time.Second), req.Requested, now.Unix(),
	).Result()
	if err != nil {
		return Decision{}, gwerr.Wrap(gwerr.KindRateLimited, "rate limit store call failed", err)
	}

	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return Decision{}, gwerr.New(gwerr.KindRateLimited, "unexpected rate limit script result shape")
	}

	success, _ := pair[0].(int64)
	retryAfterSeconds, _ := pair[1].(int64)

	return Decision{
		Success:    success == 1,
		RetryAfter: time.Duration(retryAfterSeconds) * time.Second,
	}, nil
}

const (
	ResourceModelInference = "model_inference"
	ResourceToken          = "token"
)

func keyFor(providerName, resource string) string {
	return "tensorzero:ratelimit:" + providerName + ":" + resource
}

// Limiter consumes tickets from a Store against static bucket
// configuration, and implements runner.RateLimiter.
type Limiter struct {
	store Store
	// Buckets maps a resource key (see keyFor) to its static params. An
	// entry under a bare resource name (ResourceModelInference,
	// ResourceToken) is the default for every provider without its own
	// keyed entry; each provider still gets its own bucket. A resource with
	// neither entry is treated as unlimited (always succeeds) — spec §4.7
	// scopes buckets to configuration.
	Buckets map[string]BucketParams
	now     func() time.Time
}

// New builds a Limiter against store, with the given static bucket
// configuration (keys built via keyFor — configure with ResourceModelInference
// and ResourceToken-suffixed names).
func New(store Store, buckets map[string]BucketParams) *Limiter {
	return &Limiter{store: store, Buckets: buckets, now: time.Now}
}

// Consume runs the atomic ticket consumption for each request independently
// (spec §4.7: "All keys in one batch succeed together or the batch
// aggregates per-key outcomes (callers decide all-or-nothing)").
func (l *Limiter) Consume(ctx context.Context, reqs []Request) ([]Decision, error) {
	decisions := make([]Decision, len(reqs))
	now := l.now()

	for i, r := range reqs {
		d, err := l.store.Consume(ctx, r, now)
		if err != nil {
			return nil, err
		}

		decisions[i] = d
	}

	return decisions, nil
}

// TryConsume implements runner.RateLimiter: it consumes one
// "model_inference" ticket (cost 1) and, if a token bucket is configured
// for this provider, one "token" ticket (cost estimatedUsage) — spec §4.7
// "Estimated usage for a request: model_inference: 1. token: sum of input
// estimates...". Both must succeed for the call to proceed; on denial the
// longest retry_after among the denied keys is reported.
func (l *Limiter) TryConsume(ctx context.Context, providerName string, estimatedUsage int64) (runner.RateLimitDecision, error) {
	var reqs []Request

	mi, ok := l.Buckets[keyFor(providerName, ResourceModelInference)]
	if !ok {
		mi, ok = l.Buckets[ResourceModelInference]
	}

	if ok {
		reqs = append(reqs, Request{Key: keyFor(providerName, ResourceModelInference), Requested: 1, BucketParams: mi})
	}

	p, ok := l.Buckets[keyFor(providerName, ResourceToken)]
	if !ok {
		p, ok = l.Buckets[ResourceToken]
	}

	if ok && estimatedUsage > 0 {
		reqs = append(reqs, Request{Key: keyFor(providerName, ResourceToken), Requested: estimatedUsage, BucketParams: p})
	}

	if len(reqs) == 0 {
		return runner.RateLimitDecision{Success: true}, nil
	}

	decisions, err := l.Consume(ctx, reqs)
	if err != nil {
		return runner.RateLimitDecision{}, err
	}

	success := true

	var retryAfter time.Duration

	for _, d := range decisions {
		if !d.Success {
			success = false

			if d.RetryAfter > retryAfter {
				retryAfter = d.RetryAfter
			}
		}
	}

	return runner.RateLimitDecision{Success: success, RetryAfter: retryAfter}, nil
}

// ConfigureBucket registers static bucket params for a (providerName,
// resource) pair.
func (l *Limiter) ConfigureBucket(providerName, resource string, p BucketParams) {
	if l.Buckets == nil {
		l.Buckets = map[string]BucketParams{}
	}

	l.Buckets[keyFor(providerName, resource)] = p
}

// EstimateTokens implements spec §4.7's character-count-based token
// estimate: the sum of text-bearing content across the canonical input,
// plus max_tokens as the output ceiling. If maxTokens is unset, fails with
// RateLimitMissingMaxTokens (spec §4.7: "the caller must set a ceiling").
func EstimateTokens(input llmtypes.Input, maxTokens *int64) (int64, error) {
	if maxTokens == nil {
		return 0, gwerr.New(gwerr.KindRateLimitMissingMaxTokens, "token rate limiting requires max_tokens to be set")
	}

	var chars int

	chars += len(input.System)

	for _, m := range input.Messages {
		for _, b := range m.Content {
			chars += len(b.Text)
			chars += len(b.ToolCallArguments)
			chars += len(b.ToolResult)
			chars += len(b.ThoughtSummary)
		}
	}

	// ~4 characters per token, the same rough heuristic spec §9 Open
	// Question (iii) names as intentionally approximate.
	inputTokens := int64(math.Ceil(float64(chars) / 4.0))

	return inputTokens + *maxTokens, nil
}
