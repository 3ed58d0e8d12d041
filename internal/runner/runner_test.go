package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tensorzero/tensorzero-sub029/internal/canon"
	"github.com/tensorzero/tensorzero-sub029/internal/credential"
	"github.com/tensorzero/tensorzero-sub029/internal/gwerr"
	"github.com/tensorzero/tensorzero-sub029/internal/llmtypes"
	"github.com/tensorzero/tensorzero-sub029/internal/provider"
	"github.com/looplj/axonhub/llm/httpclient"
	"github.com/looplj/axonhub/llm/streams"
)

// terminal4xxAdapter simulates a provider that returned a real HTTP 404 —
// wrapped as gwerr.KindInferenceClient by the adapter layer, exactly like
// classifyTransportError does for a non-5xx *httpclient.StatusError — so the
// fixture doubles as a regression check that isRetriable keys off the
// wrapped status code rather than the Kind alone.
type terminal4xxAdapter struct{ calls *int }

func (a terminal4xxAdapter) Infer(context.Context, *llmtypes.ModelInferenceRequest, *llmtypes.ModelProvider, *credential.Secret) (*llmtypes.ModelInferenceResponse, error) {
	*a.calls++

	return nil, gwerr.Wrap(gwerr.KindInferenceClient, "provider returned 404", &httpclient.StatusError{StatusCode: 404})
}

func (a terminal4xxAdapter) InferStream(context.Context, *llmtypes.ModelInferenceRequest, *llmtypes.ModelProvider, *credential.Secret) (streams.Stream[*llmtypes.StreamChunk], error) {
	*a.calls++

	return nil, gwerr.Wrap(gwerr.KindInferenceClient, "provider returned 404", &httpclient.StatusError{StatusCode: 404})
}

type fakeCache struct {
	hits   map[string]*llmtypes.ModelInferenceResponse
	writes int
}

func newFakeCache() *fakeCache { return &fakeCache{hits: map[string]*llmtypes.ModelInferenceResponse{}} }

func (f *fakeCache) Lookup(_ context.Context, key canon.Fingerprint, _ time.Duration) (*CacheHit, bool, error) {
	resp, ok := f.hits[key.Long]
	if !ok {
		return nil, false, nil
	}

	return &CacheHit{Response: resp}, true, nil
}

func (f *fakeCache) Write(_ context.Context, key canon.Fingerprint, resp *llmtypes.ModelInferenceResponse) error {
	f.writes++
	f.hits[key.Long] = resp

	return nil
}

type alwaysAllow struct{}

func (alwaysAllow) TryConsume(context.Context, string, int64) (RateLimitDecision, error) {
	return RateLimitDecision{Success: true}, nil
}

type alwaysDeny struct{ retryAfter time.Duration }

func (a alwaysDeny) TryConsume(context.Context, string, int64) (RateLimitDecision, error) {
	return RateLimitDecision{Success: false, RetryAfter: a.retryAfter}, nil
}

func newTestRunner(cache Cache, rl RateLimiter) *Runner {
	return New(provider.NewRegistry(), cache, rl, &credential.Resolver{})
}

func dummyModel(providerKinds ...string) *llmtypes.Model {
	m := &llmtypes.Model{Name: "test-model"}

	for i, kind := range providerKinds {
		m.Providers = append(m.Providers, llmtypes.ModelProvider{
			Name: kind, Kind: "dummy", ModelID: kind,
			Credential: llmtypes.CredentialRef{Source: "literal", Value: "unused"},
		})

		_ = i
	}

	return m
}

func TestInfer_FirstProviderSucceeds(t *testing.T) {
	r := newTestRunner(newFakeCache(), alwaysAllow{})

	resp, attempts, err := r.Infer(context.Background(), dummyModel("plain"), &llmtypes.ModelInferenceRequest{}, Options{})
	require.NoError(t, err)
	require.Empty(t, attempts)
	require.False(t, resp.Cached)
}

func TestInfer_FailsOverOnRetriableError(t *testing.T) {
	r := newTestRunner(newFakeCache(), alwaysAllow{})

	resp, attempts, err := r.Infer(context.Background(), dummyModel("error", "plain"), &llmtypes.ModelInferenceRequest{}, Options{})
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.Equal(t, "error", attempts[0].ProviderName)
	require.NotNil(t, resp)
}

func TestInfer_AllProvidersFailed(t *testing.T) {
	r := newTestRunner(newFakeCache(), alwaysAllow{})

	_, attempts, err := r.Infer(context.Background(), dummyModel("error", "error"), &llmtypes.ModelInferenceRequest{}, Options{})
	require.Error(t, err)
	require.True(t, gwerr.OfKind(err, gwerr.KindAllProvidersFailed))
	require.Len(t, attempts, 2)
}

func TestInfer_NeverReordersProviders(t *testing.T) {
	r := newTestRunner(newFakeCache(), alwaysAllow{})

	_, attempts, _ := r.Infer(context.Background(), dummyModel("error", "error", "plain"), &llmtypes.ModelInferenceRequest{}, Options{})
	require.Equal(t, "error", attempts[0].ProviderName)
	require.Equal(t, "error", attempts[1].ProviderName)
}

func TestInfer_CacheHitSkipsProvider(t *testing.T) {
	cache := newFakeCache()
	r := newTestRunner(cache, alwaysAllow{})

	req := &llmtypes.ModelInferenceRequest{}
	model := dummyModel("plain")

	resp1, _, err := r.Infer(context.Background(), model, req, Options{CacheWriteEnabled: true})
	require.NoError(t, err)
	require.False(t, resp1.Cached)
	require.Equal(t, 1, cache.writes)

	resp2, attempts, err := r.Infer(context.Background(), model, req, Options{CacheEnabled: true})
	require.NoError(t, err)
	require.Empty(t, attempts)
	require.True(t, resp2.Cached)
}

func TestInfer_TerminalFourXXDoesNotFailover(t *testing.T) {
	calls := 0
	registry := provider.NewRegistry()
	registry.Register("terminal4xx", terminal4xxAdapter{calls: &calls})

	r := New(registry, newFakeCache(), alwaysAllow{}, &credential.Resolver{})

	model := &llmtypes.Model{
		Name: "test-model",
		Providers: []llmtypes.ModelProvider{
			{Name: "bad", Kind: "terminal4xx", Credential: llmtypes.CredentialRef{Source: "literal", Value: "unused"}},
			{Name: "plain", Kind: "dummy", ModelID: "plain", Credential: llmtypes.CredentialRef{Source: "literal", Value: "unused"}},
		},
	}

	_, attempts, err := r.Infer(context.Background(), model, &llmtypes.ModelInferenceRequest{}, Options{})
	require.Error(t, err)
	require.False(t, gwerr.OfKind(err, gwerr.KindAllProvidersFailed), "a terminal 4xx must stop the loop, not exhaust it")
	require.True(t, gwerr.OfKind(err, gwerr.KindInferenceClient))
	require.Len(t, attempts, 1)
	require.Equal(t, "bad", attempts[0].ProviderName)
	require.Equal(t, 1, calls, "the second provider must never be called after a terminal 4xx")
}

func TestInfer_RateLimited(t *testing.T) {
	r := newTestRunner(newFakeCache(), alwaysDeny{retryAfter: 5 * time.Second})

	_, _, err := r.Infer(context.Background(), dummyModel("plain"), &llmtypes.ModelInferenceRequest{}, Options{RateLimitEnabled: true})
	require.Error(t, err)
	require.True(t, gwerr.OfKind(err, gwerr.KindRateLimited))
}

func TestInferStream_FailsOverOnFirstChunkError(t *testing.T) {
	r := newTestRunner(newFakeCache(), alwaysAllow{})

	stream, providerName, attempts, err := r.InferStream(context.Background(), dummyModel("error", "plain"), &llmtypes.ModelInferenceRequest{}, Options{})
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.Equal(t, "plain", providerName)
	require.True(t, stream.Next())
}
