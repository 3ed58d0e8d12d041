package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tensorzero/tensorzero-sub029/internal/gwerr"
)

// InferenceRow backs both the ChatInference and JsonInference tables (spec
// §3 "Inference row"); Output holds chat content blocks for ChatInference
// or {raw, parsed} for JsonInference, and the two tables otherwise share
// shape, so one Go type models both.
type InferenceRow struct {
	ID               string
	FunctionName     string
	VariantName      string
	EpisodeID        string
	Input            json.RawMessage
	Output           json.RawMessage
	ToolParams       json.RawMessage
	Tags             map[string]string
	ProcessingTimeMS int64
	Timestamp        time.Time
}

// InsertChatInference writes one row to ChatInference.
func (s *Store) InsertChatInference(ctx context.Context, row InferenceRow) error {
	return s.insertInference(ctx, "chat_inference", row)
}

// InsertJsonInference writes one row to JsonInference.
func (s *Store) InsertJsonInference(ctx context.Context, row InferenceRow) error {
	return s.insertInference(ctx, "json_inference", row)
}

func (s *Store) insertInference(ctx context.Context, table string, row InferenceRow) error {
	tags, err := json.Marshal(row.Tags)
	if err != nil {
		return gwerr.Wrap(gwerr.KindSerialization, "marshal tags", err)
	}

	query := "INSERT INTO " + table +
		" (id, function_name, variant_name, episode_id, input, output, tool_params, tags, processing_time_ms, timestamp)" +
		" VALUES (" + s.bind(1) + "," + s.bind(2) + "," + s.bind(3) + "," + s.bind(4) + "," + s.bind(5) + "," +
		s.bind(6) + "," + s.bind(7) + "," + s.bind(8) + "," + s.bind(9) + "," + s.bind(10) + ")"

	return s.execWrite(ctx, query,
		row.ID, row.FunctionName, row.VariantName, row.EpisodeID,
		string(row.Input), string(row.Output), string(row.ToolParams), string(tags),
		row.ProcessingTimeMS, row.Timestamp,
	)
}

// ModelInferenceRow backs the ModelInference table (spec §3 "Model
// inference row"), including the `system`, `input_messages`, `output`
// columns spec §8 scenario 6 calls out explicitly.
type ModelInferenceRow struct {
	ID                string
	InferenceID       string
	System            string
	InputMessages     json.RawMessage
	Output            json.RawMessage
	RawRequest        string
	RawResponse       string
	InputTokens       int64
	OutputTokens      int64
	ResponseTimeMS    int64
	TTFTMS            *int64
	Cached            bool
	ModelName         string
	ModelProviderName string
	FinishReason      string
	Timestamp         time.Time
}

// InsertModelInference writes one row to ModelInference.
func (s *Store) InsertModelInference(ctx context.Context, row ModelInferenceRow) error {
	query := "INSERT INTO model_inference" +
		" (id, inference_id, system, input_messages, output, raw_request, raw_response," +
		" input_tokens, output_tokens, response_time_ms, ttft_ms, cached, model_name, model_provider_name, finish_reason, timestamp)" +
		" VALUES (" + s.bindList(16) + ")"

	return s.execWrite(ctx, query,
		row.ID, row.InferenceID, row.System, string(row.InputMessages), string(row.Output),
		row.RawRequest, row.RawResponse, row.InputTokens, row.OutputTokens, row.ResponseTimeMS,
		row.TTFTMS, row.Cached, row.ModelName, row.ModelProviderName, row.FinishReason, row.Timestamp,
	)
}

// FeedbackTarget is the episode-or-inference key a feedback row attaches to
// (spec §3 "Feedback row": "keyed to either episode_id or inference_id").
type FeedbackTarget struct {
	EpisodeID   string
	InferenceID string
}

func (t FeedbackTarget) targetID() string {
	if t.InferenceID != "" {
		return t.InferenceID
	}

	return t.EpisodeID
}

func (t FeedbackTarget) targetType() string {
	if t.InferenceID != "" {
		return "inference"
	}

	return "episode"
}

// BooleanMetricFeedbackRow backs the BooleanMetricFeedback table.
type BooleanMetricFeedbackRow struct {
	ID         string
	Target     FeedbackTarget
	MetricName string
	Value      bool
	Tags       map[string]string
	Timestamp  time.Time
}

// FloatMetricFeedbackRow backs the FloatMetricFeedback table.
type FloatMetricFeedbackRow struct {
	ID         string
	Target     FeedbackTarget
	MetricName string
	Value      float64
	Tags       map[string]string
	Timestamp  time.Time
}

// CommentFeedbackRow backs the CommentFeedback table.
type CommentFeedbackRow struct {
	ID         string
	Target     FeedbackTarget
	MetricName string
	Value      string
	Tags       map[string]string
	Timestamp  time.Time
}

// DemonstrationFeedbackRow backs the DemonstrationFeedback table; Value is
// the demonstrated output, serialized the same shape as an Inference row's
// Output.
type DemonstrationFeedbackRow struct {
	ID         string
	Target     FeedbackTarget
	MetricName string
	Value      json.RawMessage
	Tags       map[string]string
	Timestamp  time.Time
}

// InsertBooleanFeedback writes one row to BooleanMetricFeedback.
func (s *Store) InsertBooleanFeedback(ctx context.Context, row BooleanMetricFeedbackRow) error {
	tags, err := json.Marshal(row.Tags)
	if err != nil {
		return gwerr.Wrap(gwerr.KindSerialization, "marshal tags", err)
	}

	query := "INSERT INTO boolean_metric_feedback" +
		" (id, target_id, target_type, metric_name, value, tags, timestamp) VALUES (" + s.bindList(7) + ")"

	return s.execWrite(ctx, query,
		row.ID, row.Target.targetID(), row.Target.targetType(), row.MetricName, row.Value, string(tags), row.Timestamp,
	)
}

// InsertFloatFeedback writes one row to FloatMetricFeedback.
func (s *Store) InsertFloatFeedback(ctx context.Context, row FloatMetricFeedbackRow) error {
	tags, err := json.Marshal(row.Tags)
	if err != nil {
		return gwerr.Wrap(gwerr.KindSerialization, "marshal tags", err)
	}

	query := "INSERT INTO float_metric_feedback" +
		" (id, target_id, target_type, metric_name, value, tags, timestamp) VALUES (" + s.bindList(7) + ")"

	return s.execWrite(ctx, query,
		row.ID, row.Target.targetID(), row.Target.targetType(), row.MetricName, row.Value, string(tags), row.Timestamp,
	)
}

// InsertCommentFeedback writes one row to CommentFeedback.
func (s *Store) InsertCommentFeedback(ctx context.Context, row CommentFeedbackRow) error {
	tags, err := json.Marshal(row.Tags)
	if err != nil {
		return gwerr.Wrap(gwerr.KindSerialization, "marshal tags", err)
	}

	query := "INSERT INTO comment_feedback" +
		" (id, target_id, target_type, metric_name, value, tags, timestamp) VALUES (" + s.bindList(7) + ")"

	return s.execWrite(ctx, query,
		row.ID, row.Target.targetID(), row.Target.targetType(), row.MetricName, row.Value, string(tags), row.Timestamp,
	)
}

// InsertDemonstrationFeedback writes one row to DemonstrationFeedback.
func (s *Store) InsertDemonstrationFeedback(ctx context.Context, row DemonstrationFeedbackRow) error {
	tags, err := json.Marshal(row.Tags)
	if err != nil {
		return gwerr.Wrap(gwerr.KindSerialization, "marshal tags", err)
	}

	query := "INSERT INTO demonstration_feedback" +
		" (id, target_id, target_type, metric_name, value, tags, timestamp) VALUES (" + s.bindList(7) + ")"

	return s.execWrite(ctx, query,
		row.ID, row.Target.targetID(), row.Target.targetType(), row.MetricName, string(row.Value), string(tags), row.Timestamp,
	)
}

// StaticEvaluationHumanFeedbackRow is the auxiliary row written when a
// feedback row's tags identify a human-labeled static-evaluation datapoint
// (spec §3 "Feedback row").
type StaticEvaluationHumanFeedbackRow struct {
	ID          string
	FeedbackID  string
	DatapointID string
	MetricName  string
	Timestamp   time.Time
}

// InsertStaticEvaluationHumanFeedback writes one row to
// StaticEvaluationHumanFeedback.
func (s *Store) InsertStaticEvaluationHumanFeedback(ctx context.Context, row StaticEvaluationHumanFeedbackRow) error {
	query := "INSERT INTO static_evaluation_human_feedback" +
		" (id, feedback_id, datapoint_id, metric_name, timestamp) VALUES (" + s.bindList(5) + ")"

	return s.execWrite(ctx, query, row.ID, row.FeedbackID, row.DatapointID, row.MetricName, row.Timestamp)
}

// ModelInferenceCacheRow is the analytical mirror of internal/cache.Row
// (spec §3 "Cache row"); spec §8 scenario 6 requires the ModelInferenceCache
// table to exist regardless of which store backs the hot-path cache
// (internal/cache uses eko/gocache/Redis for speed — this table exists for
// the closed table-set invariant migrations must establish).
type ModelInferenceCacheRow struct {
	ShortCacheKey uint64
	LongCacheKey  string
	Output        json.RawMessage
	RawRequest    string
	RawResponse   string
	Timestamp     time.Time
}

// InsertModelInferenceCache writes one row to ModelInferenceCache.
func (s *Store) InsertModelInferenceCache(ctx context.Context, row ModelInferenceCacheRow) error {
	query := "INSERT INTO model_inference_cache" +
		" (short_cache_key, long_cache_key, output, raw_request, raw_response, timestamp) VALUES (" + s.bindList(6) + ")"

	return s.execWrite(ctx, query,
		int64(row.ShortCacheKey), row.LongCacheKey, string(row.Output), row.RawRequest, row.RawResponse, row.Timestamp,
	)
}

// BatchRequestRow backs the BatchRequest table (spec §4.10).
type BatchRequestRow struct {
	BatchID           string
	Status            string // pending | completed | failed
	ModelName         string
	ModelProviderName string
	Errors            json.RawMessage
	Timestamp         time.Time
}

// InsertBatchRequest writes one row to BatchRequest.
func (s *Store) InsertBatchRequest(ctx context.Context, row BatchRequestRow) error {
	query := "INSERT INTO batch_request" +
		" (batch_id, status, model_name, model_provider_name, errors, timestamp) VALUES (" + s.bindList(6) + ")"

	return s.execWrite(ctx, query,
		row.BatchID, row.Status, row.ModelName, row.ModelProviderName, string(row.Errors), row.Timestamp,
	)
}

// UpdateBatchRequestStatus transitions a BatchRequest's status (spec §4.10
// "transition status=completed" / populate errors on failure).
func (s *Store) UpdateBatchRequestStatus(ctx context.Context, batchID, status string, errs json.RawMessage) error {
	query := "UPDATE batch_request SET status = " + s.bind(1) + ", errors = " + s.bind(2) + " WHERE batch_id = " + s.bind(3)

	return s.execWrite(ctx, query, status, string(errs), batchID)
}

// BatchModelInferenceRow backs the BatchModelInference table.
type BatchModelInferenceRow struct {
	InferenceID  string
	BatchID      string
	FunctionName string
	VariantName  string
	FunctionType string
	Input        json.RawMessage
	Params       json.RawMessage
	Timestamp    time.Time
}

// InsertBatchModelInference writes one row to BatchModelInference.
func (s *Store) InsertBatchModelInference(ctx context.Context, row BatchModelInferenceRow) error {
	query := "INSERT INTO batch_model_inference" +
		" (inference_id, batch_id, function_name, variant_name, function_type, input, params, timestamp) VALUES (" + s.bindList(8) + ")"

	return s.execWrite(ctx, query,
		row.InferenceID, row.BatchID, row.FunctionName, row.VariantName, row.FunctionType,
		string(row.Input), string(row.Params), row.Timestamp,
	)
}

// BatchIDByInferenceIDRow backs the BatchIdByInferenceId lookup table.
type BatchIDByInferenceIDRow struct {
	InferenceID string
	BatchID     string
}

// InsertBatchIDByInferenceID writes one row to BatchIdByInferenceId.
func (s *Store) InsertBatchIDByInferenceID(ctx context.Context, row BatchIDByInferenceIDRow) error {
	query := "INSERT INTO batch_id_by_inference_id (inference_id, batch_id) VALUES (" + s.bindList(2) + ")"

	return s.execWrite(ctx, query, row.InferenceID, row.BatchID)
}

// bindList renders n comma-separated bind variables starting at 1.
func (s *Store) bindList(n int) string {
	out := ""
	for i := 1; i <= n; i++ {
		if i > 1 {
			out += ","
		}

		out += s.bind(i)
	}

	return out
}
