package observability_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tensorzero/tensorzero-sub029/internal/dispatcher"
	"github.com/tensorzero/tensorzero-sub029/internal/idgen"
	"github.com/tensorzero/tensorzero-sub029/internal/llmtypes"
	"github.com/tensorzero/tensorzero-sub029/internal/observability"
	"github.com/tensorzero/tensorzero-sub029/internal/store"
	"github.com/tensorzero/tensorzero-sub029/internal/variant"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(store.DialectSQLite, ":memory:")
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()

	for _, ddl := range []string{
		`CREATE TABLE chat_inference (
			id TEXT, function_name TEXT, variant_name TEXT, episode_id TEXT,
			input TEXT, output TEXT, tool_params TEXT, tags TEXT,
			processing_time_ms INTEGER, timestamp DATETIME
		)`,
		`CREATE TABLE json_inference (
			id TEXT, function_name TEXT, variant_name TEXT, episode_id TEXT,
			input TEXT, output TEXT, tool_params TEXT, tags TEXT,
			processing_time_ms INTEGER, timestamp DATETIME
		)`,
		`CREATE TABLE model_inference (
			id TEXT, inference_id TEXT, system TEXT, input_messages TEXT, output TEXT,
			raw_request TEXT, raw_response TEXT, input_tokens INTEGER, output_tokens INTEGER,
			response_time_ms INTEGER, ttft_ms INTEGER, cached INTEGER, model_name TEXT,
			model_provider_name TEXT, finish_reason TEXT, timestamp DATETIME
		)`,
		`CREATE TABLE boolean_metric_feedback (
			id TEXT, target_id TEXT, target_type TEXT, metric_name TEXT, value INTEGER, tags TEXT, timestamp DATETIME
		)`,
		`CREATE TABLE float_metric_feedback (
			id TEXT, target_id TEXT, target_type TEXT, metric_name TEXT, value REAL, tags TEXT, timestamp DATETIME
		)`,
		`CREATE TABLE comment_feedback (
			id TEXT, target_id TEXT, target_type TEXT, metric_name TEXT, value TEXT, tags TEXT, timestamp DATETIME
		)`,
		`CREATE TABLE demonstration_feedback (
			id TEXT, target_id TEXT, target_type TEXT, metric_name TEXT, value TEXT, tags TEXT, timestamp DATETIME
		)`,
		`CREATE TABLE static_evaluation_human_feedback (
			id TEXT, feedback_id TEXT, datapoint_id TEXT, metric_name TEXT, timestamp DATETIME
		)`,
	} {
		_, err := s.DB.ExecContext(ctx, ddl)
		require.NoError(t, err)
	}

	return s
}

func countRows(t *testing.T, s *store.Store, table, where string) int {
	t.Helper()

	var n int
	row := s.DB.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM "+table+" WHERE "+where)
	require.NoError(t, row.Scan(&n))

	return n
}

func fastConfig() observability.Config {
	cfg := observability.TableConfig{MaxSize: 1000, BatchSize: 1, FlushInterval: 10 * time.Millisecond}

	return observability.Config{ChatInference: cfg, JsonInference: cfg, ModelInference: cfg}
}

func TestWriterEnqueueChatInferenceAndModelInference(t *testing.T) {
	s := openTestStore(t)
	w := observability.NewWriter(s, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	t.Cleanup(func() { cancel(); w.Stop() })

	inferenceID := idgen.New().String()

	w.Enqueue(context.Background(), dispatcher.ObservabilityRow{
		InferenceID:  inferenceID,
		EpisodeID:    idgen.New().String(),
		FunctionName: "basic_test",
		VariantName:  "dummy",
		FunctionType: llmtypes.FunctionTypeChat,
		Result: &variant.Result{
			ChatContent: []llmtypes.Block{{Type: llmtypes.BlockText, Text: "hi"}},
			ModelInferences: []variant.ModelInferenceRecord{
				{
					Stage:        "main",
					ModelName:    "dummy-model",
					ProviderName: "dummy",
					Response: &llmtypes.ModelInferenceResponse{
						Content:      []llmtypes.Block{{Type: llmtypes.BlockText, Text: "hi"}},
						Usage:        llmtypes.Usage{InputTokens: 10, OutputTokens: 2},
						FinishReason: llmtypes.FinishStop,
					},
				},
			},
		},
		Timestamp: time.Now().UTC(),
	})

	require.Eventually(t, func() bool {
		return countRows(t, s, "chat_inference", "id = '"+inferenceID+"'") == 1 &&
			countRows(t, s, "model_inference", "inference_id = '"+inferenceID+"'") == 1
	}, time.Second, 5*time.Millisecond)
}

func TestWriterEnqueueJSONInference(t *testing.T) {
	s := openTestStore(t)
	w := observability.NewWriter(s, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	t.Cleanup(func() { cancel(); w.Stop() })

	inferenceID := idgen.New().String()

	w.Enqueue(context.Background(), dispatcher.ObservabilityRow{
		InferenceID:  inferenceID,
		FunctionName: "json_success",
		VariantName:  "dummy",
		FunctionType: llmtypes.FunctionTypeJSON,
		Result: &variant.Result{
			IsJSON:     true,
			JSONRaw:    `{"answer":"Austin"}`,
			JSONParsed: map[string]any{"answer": "Austin"},
		},
		Timestamp: time.Now().UTC(),
	})

	require.Eventually(t, func() bool {
		return countRows(t, s, "json_inference", "id = '"+inferenceID+"'") == 1
	}, time.Second, 5*time.Millisecond)
}

func TestWriterDropsUnknownRowType(t *testing.T) {
	s := openTestStore(t)
	w := observability.NewWriter(s, fastConfig())

	require.NotPanics(t, func() {
		w.Enqueue(context.Background(), "not a row")
	})
}

func TestFeedbackBypassesBatching(t *testing.T) {
	s := openTestStore(t)
	w := observability.NewWriter(s, fastConfig())

	id, err := w.Feedback(context.Background(), observability.FeedbackRequest{
		Kind:       observability.FeedbackBoolean,
		Target:     store.FeedbackTarget{InferenceID: "inf-1"},
		MetricName: "thumbs_up",
		BoolValue:  true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Equal(t, 1, countRows(t, s, "boolean_metric_feedback", "id = '"+id+"'"))
}

func TestFeedbackWritesStaticEvaluationRow(t *testing.T) {
	s := openTestStore(t)
	w := observability.NewWriter(s, fastConfig())

	id, err := w.Feedback(context.Background(), observability.FeedbackRequest{
		Kind:       observability.FeedbackFloat,
		Target:     store.FeedbackTarget{InferenceID: "inf-2"},
		MetricName: "accuracy",
		FloatValue: 1.0,
		Tags:       map[string]string{"tensorzero::datapoint_id": "dp-1"},
	})
	require.NoError(t, err)

	require.Equal(t, 1, countRows(t, s, "static_evaluation_human_feedback", "feedback_id = '"+id+"'"))
}

func TestBufferDropsOldestAtMaxSize(t *testing.T) {
	s := openTestStore(t)
	// batch_size larger than max_size so append never auto-triggers a flush;
	// this isolates the drop-oldest behavior from the flush loop.
	cfg := observability.Config{
		ChatInference: observability.TableConfig{MaxSize: 2, BatchSize: 1000, FlushInterval: time.Hour},
	}
	w := observability.NewWriter(s, cfg)

	for i := 0; i < 5; i++ {
		w.Enqueue(context.Background(), dispatcher.ObservabilityRow{
			InferenceID:  idgen.New().String(),
			FunctionName: "basic_test",
			FunctionType: llmtypes.FunctionTypeChat,
			Result:       &variant.Result{},
		})
	}
	// No assertion beyond "doesn't block/panic": the buffer's internal size
	// is capped at MaxSize by construction, verified indirectly via the
	// absence of unbounded growth (append is synchronous and returns).
}
