package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tensorzero/tensorzero-sub029/internal/gwerr"
	"github.com/tensorzero/tensorzero-sub029/internal/llmtypes"
	"github.com/tensorzero/tensorzero-sub029/internal/ratelimit"
)

func TestTryConsumeSucceedsUnderCapacity(t *testing.T) {
	lim := ratelimit.New(ratelimit.NewMemoryStore(), nil)
	lim.ConfigureBucket("openai-main", ratelimit.ResourceModelInference, ratelimit.BucketParams{
		Capacity:       3,
		RefillAmount:   1,
		RefillInterval: time.Second,
	})

	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := lim.TryConsume(ctx, "openai-main", 0)
		require.NoError(t, err)
		require.True(t, d.Success)
	}

	d, err := lim.TryConsume(ctx, "openai-main", 0)
	require.NoError(t, err)
	require.False(t, d.Success)
	require.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestTryConsumeUnlimitedWhenNoBucketConfigured(t *testing.T) {
	lim := ratelimit.New(ratelimit.NewMemoryStore(), nil)

	ctx := context.Background()

	for i := 0; i < 100; i++ {
		d, err := lim.TryConsume(ctx, "no-bucket-provider", 9999)
		require.NoError(t, err)
		require.True(t, d.Success)
	}
}

// TestTicketBucketConservation exercises spec §8's ticket-bucket
// conservation property: across any sequence of consume calls on a key,
// the number of successful consumptions of size r within interval T is at
// most capacity + floor(T/interval)*refill_amount.
func TestTicketBucketConservation(t *testing.T) {
	store := ratelimit.NewMemoryStore()

	ctx := context.Background()
	start := time.Now()

	successes := 0
	windowDuration := 3 * time.Second

	// Drive consumption directly against the store with an explicit clock
	// instead of sleeping, so the property holds deterministically.
	for elapsed := time.Duration(0); elapsed <= windowDuration; elapsed += 200 * time.Millisecond {
		d, err := store.Consume(ctx, ratelimit.Request{
			Key:       "tensorzero:ratelimit:p:model_inference",
			Requested: 1,
			BucketParams: ratelimit.BucketParams{
				Capacity:       5,
				RefillAmount:   2,
				RefillInterval: time.Second,
			},
		}, start.Add(elapsed))
		require.NoError(t, err)

		if d.Success {
			successes++
		}
	}

	maxAllowed := 5 + int(windowDuration/time.Second)*2
	require.LessOrEqual(t, successes, maxAllowed)
}

func TestRedisStoreConsumeScriptShape(t *testing.T) {
	// The Lua script itself can't be exercised without a live Redis server
	// (this repo intentionally avoids a fake Lua interpreter); the
	// behavior it implements is instead verified against MemoryStore,
	// which runs the identical consumeOne arithmetic.
	t.Skip("requires a live redis.Scripter; behavior verified via MemoryStore above")
}

func TestEstimateTokensRequiresMaxTokens(t *testing.T) {
	input := llmtypes.Input{Messages: []llmtypes.Message{
		{Role: llmtypes.RoleUser, Content: []llmtypes.Block{{Type: llmtypes.BlockText, Text: "hello there"}}},
	}}

	_, err := ratelimit.EstimateTokens(input, nil)
	require.Error(t, err)
	require.True(t, gwerr.OfKind(err, gwerr.KindRateLimitMissingMaxTokens))
}

func TestEstimateTokensSumsTextAndCeiling(t *testing.T) {
	input := llmtypes.Input{
		System: "0123456789", // 10 chars
		Messages: []llmtypes.Message{
			{Role: llmtypes.RoleUser, Content: []llmtypes.Block{{Type: llmtypes.BlockText, Text: "01234567"}}}, // 8 chars
		},
	}
	// 18 total chars -> ceil(18/4) = 5 input tokens, plus the 100-token ceiling.

	maxTokens := int64(100)

	got, err := ratelimit.EstimateTokens(input, &maxTokens)
	require.NoError(t, err)
	require.Equal(t, int64(5+100), got)
}

func TestMemoryStoreRefillsOverTime(t *testing.T) {
	store := ratelimit.NewMemoryStore()
	params := ratelimit.BucketParams{Capacity: 2, RefillAmount: 1, RefillInterval: time.Minute}

	now := time.Now()

	d, err := store.Consume(context.Background(), ratelimit.Request{Key: "k", Requested: 2, BucketParams: params}, now)
	require.NoError(t, err)
	require.True(t, d.Success)

	d, err = store.Consume(context.Background(), ratelimit.Request{Key: "k", Requested: 1, BucketParams: params}, now)
	require.NoError(t, err)
	require.False(t, d.Success)
	require.Equal(t, time.Minute, d.RetryAfter)

	d, err = store.Consume(context.Background(), ratelimit.Request{Key: "k", Requested: 1, BucketParams: params}, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, d.Success)
}
