// Package runner implements the model runner from spec §4.3: sequential
// failover across a model's ordered provider list, with rate-limiter
// consultation ahead of each provider attempt and, for non-streaming calls,
// a cache lookup ahead of the first.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tensorzero/tensorzero-sub029/internal/canon"
	"github.com/tensorzero/tensorzero-sub029/internal/credential"
	"github.com/tensorzero/tensorzero-sub029/internal/gwerr"
	"github.com/tensorzero/tensorzero-sub029/internal/llmtypes"
	"github.com/tensorzero/tensorzero-sub029/internal/provider"
	"github.com/looplj/axonhub/llm/httpclient"
	"github.com/looplj/axonhub/llm/streams"
)

// CacheHit is a previously stored response for a fingerprint.
type CacheHit struct {
	Response *llmtypes.ModelInferenceResponse
}

// Cache is consulted ahead of every provider attempt and written after a
// successful non-streaming call (spec §4.6). Implementations must make
// Write best-effort: a Write failure must never fail the inference.
type Cache interface {
	Lookup(ctx context.Context, key canon.Fingerprint, lookback time.Duration) (*CacheHit, bool, error)
	Write(ctx context.Context, key canon.Fingerprint, resp *llmtypes.ModelInferenceResponse) error
}

// RateLimitDecision is one outcome of a ticket request.
type RateLimitDecision struct {
	Success    bool
	RetryAfter time.Duration
}

// RateLimiter gatekeeps provider attempts per spec §4.7. ProviderName keys
// the ticket bucket; estimatedUsage is computed by the caller (dispatcher/
// runner) from the request.
type RateLimiter interface {
	TryConsume(ctx context.Context, providerName string, estimatedUsage int64) (RateLimitDecision, error)
}

// Options configures cache/rate-limiter behavior per call; the dispatcher
// builds one of these from the request's cache_options/tags.
type Options struct {
	CacheEnabled     bool
	CacheWriteEnabled bool
	CacheLookback    time.Duration
	RateLimitEnabled bool
	EstimatedUsage   int64
	DynamicCreds     credential.DynamicCredentials
}

// ProviderAttempt records one failover attempt for observability.
type ProviderAttempt struct {
	ProviderName string
	Err          error
}

// Runner executes a ModelInferenceRequest against a Model's ordered
// provider list with sequential failover.
type Runner struct {
	Adapters   *provider.Registry
	Cache      Cache
	RateLimit  RateLimiter
	Credential *credential.Resolver
}

// New builds a Runner.
func New(adapters *provider.Registry, cache Cache, rl RateLimiter, cred *credential.Resolver) *Runner {
	return &Runner{Adapters: adapters, Cache: cache, RateLimit: rl, Credential: cred}
}

// Infer runs the non-streaming failover loop (spec §4.3).
func (r *Runner) Infer(ctx context.Context, model *llmtypes.Model, req *llmtypes.ModelInferenceRequest, opts Options) (*llmtypes.ModelInferenceResponse, []ProviderAttempt, error) {
	var attempts []ProviderAttempt

	for _, mp := range model.Providers {
		mp := mp

		key, err := canon.Compute(req, model.Name, mp.Name)
		if err != nil {
			return nil, attempts, gwerr.Wrap(gwerr.KindSerialization, "compute fingerprint", err)
		}

		if opts.CacheEnabled && r.Cache != nil {
			if hit, ok, err := r.Cache.Lookup(ctx, key, opts.CacheLookback); err == nil && ok {
				resp := *hit.Response
				resp.Cached = true

				return &resp, attempts, nil
			}
		}

		if opts.RateLimitEnabled && r.RateLimit != nil {
			decision, err := r.RateLimit.TryConsume(ctx, mp.Name, opts.EstimatedUsage)
			if err != nil {
				return nil, attempts, err
			}

			if !decision.Success {
				return nil, attempts, gwerr.New(gwerr.KindRateLimited, fmt.Sprintf("provider %s rate limited", mp.Name)).
					WithField("retry_after", decision.RetryAfter)
			}
		}

		adapter, err := r.Adapters.Resolve(&mp)
		if err != nil {
			return nil, attempts, err
		}

		secret, err := r.resolveCredential(mp, opts.DynamicCreds)
		if err != nil {
			return nil, attempts, err
		}

		resp, err := adapter.Infer(ctx, req, &mp, secret)

		secret.Destroy()

		if err == nil {
			if opts.CacheWriteEnabled && r.Cache != nil {
				_ = r.Cache.Write(ctx, key, resp)
			}

			return resp, attempts, nil
		}

		attempts = append(attempts, ProviderAttempt{ProviderName: mp.Name, Err: err})

		if isRetriable(err) {
			continue
		}

		return nil, attempts, err
	}

	return nil, attempts, gwerr.New(gwerr.KindAllProvidersFailed, fmt.Sprintf("all %d providers failed", len(model.Providers))).
		WithField("attempts", attempts)
}

// InferStream runs the streaming failover loop. Once a provider's stream
// yields its first chunk the attempt is committed: later errors surface
// within the returned stream, not as a new failover attempt (spec §4.3).
// InferStream returns the winning provider's name alongside the stream so
// callers that need to attribute the eventual (not-yet-known) response to a
// (model, provider) pair — the observability writer, spec §4.8 — don't have
// to re-derive it after the fact.
func (r *Runner) InferStream(ctx context.Context, model *llmtypes.Model, req *llmtypes.ModelInferenceRequest, opts Options) (streams.Stream[*llmtypes.StreamChunk], string, []ProviderAttempt, error) {
	var attempts []ProviderAttempt

	for _, mp := range model.Providers {
		mp := mp

		if opts.RateLimitEnabled && r.RateLimit != nil {
			decision, err := r.RateLimit.TryConsume(ctx, mp.Name, opts.EstimatedUsage)
			if err != nil {
				return nil, "", attempts, err
			}

			if !decision.Success {
				return nil, "", attempts, gwerr.New(gwerr.KindRateLimited, fmt.Sprintf("provider %s rate limited", mp.Name)).
					WithField("retry_after", decision.RetryAfter)
			}
		}

		adapter, err := r.Adapters.Resolve(&mp)
		if err != nil {
			return nil, "", attempts, err
		}

		secret, err := r.resolveCredential(mp, opts.DynamicCreds)
		if err != nil {
			return nil, "", attempts, err
		}

		stream, err := adapter.InferStream(ctx, req, &mp, secret)

		secret.Destroy()

		if err == nil {
			return stream, mp.Name, attempts, nil
		}

		attempts = append(attempts, ProviderAttempt{ProviderName: mp.Name, Err: err})

		if isRetriable(err) {
			continue
		}

		return nil, "", attempts, err
	}

	return nil, "", attempts, gwerr.New(gwerr.KindAllProvidersFailed, fmt.Sprintf("all %d providers failed", len(model.Providers))).
		WithField("attempts", attempts)
}

func (r *Runner) resolveCredential(mp llmtypes.ModelProvider, dyn credential.DynamicCredentials) (*credential.Secret, error) {
	if r.Credential == nil {
		return credential.NewSecret(nil), nil
	}

	return r.Credential.Resolve(mp.Credential, dyn, mp.Kind)
}

// isRetriable reports whether err should advance to the next provider
// rather than abort the loop (spec §4.3): HTTP 5xx, timeout, connection
// reset, 408 (request timeout) and 429 (rate-limited) are retriable; other
// 4xx are terminal.
//
// The StatusError check runs first and is authoritative whenever an adapter
// actually got a response back from the provider: a real provider 4xx
// (400/401/403/404/...) must stop failover even though the adapter wraps it
// as gwerr.KindInferenceClient, so the Kind-based branch below only ever
// decides for errors that never carried a status code (connection refused/
// reset, decode failures) — genuine transport failures, which are retriable
// regardless of which Kind they got wrapped as.
func isRetriable(err error) bool {
	var statusErr *httpclient.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500 || statusErr.StatusCode == 408 || statusErr.StatusCode == 429
	}

	if gwerr.OfKind(err, gwerr.KindRateLimited) {
		return true
	}

	if gwerr.OfKind(err, gwerr.KindInferenceServer) || gwerr.OfKind(err, gwerr.KindStreamDecode) || gwerr.OfKind(err, gwerr.KindInferenceClient) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}
