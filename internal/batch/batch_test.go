package batch_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tensorzero/tensorzero-sub029/internal/batch"
	"github.com/tensorzero/tensorzero-sub029/internal/llmtypes"
	"github.com/tensorzero/tensorzero-sub029/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(store.DialectSQLite, ":memory:")
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()

	for _, ddl := range []string{
		`CREATE TABLE batch_request (batch_id TEXT PRIMARY KEY, status TEXT, model_name TEXT,
			model_provider_name TEXT, errors TEXT, timestamp DATETIME)`,
		`CREATE TABLE batch_model_inference (inference_id TEXT PRIMARY KEY, batch_id TEXT, function_name TEXT,
			variant_name TEXT, function_type TEXT, input TEXT, params TEXT, timestamp DATETIME)`,
		`CREATE TABLE batch_id_by_inference_id (inference_id TEXT PRIMARY KEY, batch_id TEXT)`,
		`CREATE TABLE chat_inference (id TEXT PRIMARY KEY, function_name TEXT, variant_name TEXT, episode_id TEXT,
			input TEXT, output TEXT, tool_params TEXT, tags TEXT, processing_time_ms INTEGER, timestamp DATETIME)`,
		`CREATE TABLE json_inference (id TEXT PRIMARY KEY, function_name TEXT, variant_name TEXT, episode_id TEXT,
			input TEXT, output TEXT, tool_params TEXT, tags TEXT, processing_time_ms INTEGER, timestamp DATETIME)`,
		`CREATE TABLE model_inference (id TEXT PRIMARY KEY, inference_id TEXT, system TEXT, input_messages TEXT,
			output TEXT, raw_request TEXT, raw_response TEXT, input_tokens INTEGER, output_tokens INTEGER,
			response_time_ms INTEGER, ttft_ms INTEGER, cached INTEGER, model_name TEXT, model_provider_name TEXT,
			finish_reason TEXT, timestamp DATETIME)`,
	} {
		_, err := s.DB.ExecContext(ctx, ddl)
		require.NoError(t, err)
	}

	return s
}

func testItems() []batch.Item {
	return []batch.Item{
		{
			InferenceID: "inf-1", FunctionName: "basic_test", VariantName: "dummy",
			FunctionType: llmtypes.FunctionTypeChat,
			Input:        llmtypes.Input{Messages: []llmtypes.Message{{Role: llmtypes.RoleUser, Content: []llmtypes.Block{{Type: llmtypes.BlockText, Text: "hi"}}}}},
			Request:      llmtypes.ModelInferenceRequest{FunctionType: llmtypes.FunctionTypeChat},
		},
		{
			InferenceID: "inf-2", FunctionName: "basic_test", VariantName: "dummy",
			FunctionType: llmtypes.FunctionTypeChat,
			Input:        llmtypes.Input{Messages: []llmtypes.Message{{Role: llmtypes.RoleUser, Content: []llmtypes.Block{{Type: llmtypes.BlockText, Text: "yo"}}}}},
			Request:      llmtypes.ModelInferenceRequest{FunctionType: llmtypes.FunctionTypeChat},
		},
	}
}

func TestSubmitPersistsBookkeepingRows(t *testing.T) {
	s := openTestStore(t)
	adapter := batch.NewDummyAdapter()
	mp := &llmtypes.ModelProvider{Name: "dummy-provider", ModelID: "dummy-model"}

	batchID, err := batch.Submit(context.Background(), s, adapter, mp, testItems())
	require.NoError(t, err)
	require.NotEmpty(t, batchID)

	req, err := s.GetBatchRequest(context.Background(), batchID)
	require.NoError(t, err)
	require.Equal(t, string(batch.StatusPending), req.Status)

	items, err := s.ListBatchModelInferences(context.Background(), batchID)
	require.NoError(t, err)
	require.Len(t, items, 2)

	resolved, err := s.GetBatchIDByInferenceID(context.Background(), "inf-1")
	require.NoError(t, err)
	require.Equal(t, batchID, resolved)
}

func TestPollCompletesAndReconstructsInferenceRows(t *testing.T) {
	s := openTestStore(t)
	adapter := batch.NewDummyAdapter()
	mp := &llmtypes.ModelProvider{Name: "dummy-provider", ModelID: "dummy-model"}

	batchID, err := batch.Submit(context.Background(), s, adapter, mp, testItems())
	require.NoError(t, err)

	require.NoError(t, batch.Poll(context.Background(), s, adapter, mp, batchID))

	req, err := s.GetBatchRequest(context.Background(), batchID)
	require.NoError(t, err)
	require.Equal(t, string(batch.StatusCompleted), req.Status)

	var chatCount, modelCount int
	require.NoError(t, s.DB.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM chat_inference").Scan(&chatCount))
	require.NoError(t, s.DB.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM model_inference").Scan(&modelCount))
	require.Equal(t, 2, chatCount)
	require.Equal(t, 2, modelCount)
}

func TestPollIsIdempotentOnTerminalStatus(t *testing.T) {
	s := openTestStore(t)
	adapter := batch.NewDummyAdapter()
	mp := &llmtypes.ModelProvider{Name: "dummy-provider", ModelID: "dummy-model"}

	batchID, err := batch.Submit(context.Background(), s, adapter, mp, testItems())
	require.NoError(t, err)

	require.NoError(t, batch.Poll(context.Background(), s, adapter, mp, batchID))
	// Second poll against an already-completed batch must not re-insert
	// rows or error: Poll's early return on a non-pending status is what
	// makes the provider-poll loop safe to call on every cron tick.
	require.NoError(t, batch.Poll(context.Background(), s, adapter, mp, batchID))

	var chatCount int
	require.NoError(t, s.DB.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM chat_inference").Scan(&chatCount))
	require.Equal(t, 2, chatCount)
}

func TestSubmitRejectsEmptyBatch(t *testing.T) {
	s := openTestStore(t)
	adapter := batch.NewDummyAdapter()
	mp := &llmtypes.ModelProvider{Name: "dummy-provider", ModelID: "dummy-model"}

	_, err := batch.Submit(context.Background(), s, adapter, mp, nil)
	require.Error(t, err)
}

func TestSubmitSurfacesProviderRejection(t *testing.T) {
	s := openTestStore(t)
	adapter := batch.NewDummyAdapter()
	mp := &llmtypes.ModelProvider{Name: "dummy-provider", ModelID: "error"}

	_, err := batch.Submit(context.Background(), s, adapter, mp, testItems())
	require.Error(t, err)
}
