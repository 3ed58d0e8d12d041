package store_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tensorzero/tensorzero-sub029/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(store.DialectSQLite, ":memory:")
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })

	_, err = s.DB.ExecContext(context.Background(), `CREATE TABLE chat_inference (
		id TEXT, function_name TEXT, variant_name TEXT, episode_id TEXT,
		input TEXT, output TEXT, tool_params TEXT, tags TEXT,
		processing_time_ms INTEGER, timestamp DATETIME
	)`)
	require.NoError(t, err)

	_, err = s.DB.ExecContext(context.Background(), `CREATE TABLE model_inference (
		id TEXT, inference_id TEXT, system TEXT, input_messages TEXT, output TEXT,
		raw_request TEXT, raw_response TEXT, input_tokens INTEGER, output_tokens INTEGER,
		response_time_ms INTEGER, ttft_ms INTEGER, cached INTEGER, model_name TEXT,
		model_provider_name TEXT, finish_reason TEXT, timestamp DATETIME
	)`)
	require.NoError(t, err)

	_, err = s.DB.ExecContext(context.Background(), `CREATE TABLE boolean_metric_feedback (
		id TEXT, target_id TEXT, target_type TEXT, metric_name TEXT, value INTEGER, tags TEXT, timestamp DATETIME
	)`)
	require.NoError(t, err)

	return s
}

func TestInsertChatInferenceAndModelInference(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.InsertChatInference(ctx, store.InferenceRow{
		ID:           "inf-1",
		FunctionName: "basic_test",
		VariantName:  "dummy",
		EpisodeID:    "ep-1",
		Input:        json.RawMessage(`{"messages":[]}`),
		Output:       json.RawMessage(`[{"type":"text","text":"hi"}]`),
		Tags:         map[string]string{"k": "v"},
		Timestamp:    time.Now().UTC(),
	})
	require.NoError(t, err)

	err = s.InsertModelInference(ctx, store.ModelInferenceRow{
		ID:                "mi-1",
		InferenceID:       "inf-1",
		System:            "be nice",
		InputMessages:     json.RawMessage(`[]`),
		Output:            json.RawMessage(`[]`),
		RawRequest:        `{}`,
		RawResponse:       `{}`,
		InputTokens:       10,
		OutputTokens:      2,
		ModelName:         "gpt-4o-mini",
		ModelProviderName: "openai-main",
		FinishReason:      "stop",
		Timestamp:         time.Now().UTC(),
	})
	require.NoError(t, err)

	var count int
	row := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM chat_inference WHERE id = ?", "inf-1")
	require.NoError(t, row.Scan(&count))
	require.Equal(t, 1, count)

	row = s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM model_inference WHERE inference_id = ?", "inf-1")
	require.NoError(t, row.Scan(&count))
	require.Equal(t, 1, count)
}

func TestInsertBooleanFeedbackTargetsEpisodeOrInference(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.InsertBooleanFeedback(ctx, store.BooleanMetricFeedbackRow{
		ID:         "fb-1",
		Target:     store.FeedbackTarget{EpisodeID: "ep-1"},
		MetricName: "thumbs_up",
		Value:      true,
		Timestamp:  time.Now().UTC(),
	})
	require.NoError(t, err)

	var targetID, targetType string
	row := s.DB.QueryRowContext(ctx, "SELECT target_id, target_type FROM boolean_metric_feedback WHERE id = ?", "fb-1")
	require.NoError(t, row.Scan(&targetID, &targetType))
	require.Equal(t, "ep-1", targetID)
	require.Equal(t, "episode", targetType)
}

func TestPingSQLite(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Ping(context.Background()))
}
