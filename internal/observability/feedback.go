package observability

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tensorzero/tensorzero-sub029/internal/gwerr"
	"github.com/tensorzero/tensorzero-sub029/internal/idgen"
	"github.com/tensorzero/tensorzero-sub029/internal/store"
)

// staticEvaluationTag is the tag key that, when present, identifies a
// feedback row as a human label on a static-evaluation datapoint (spec §3
// "Feedback row": "An auxiliary StaticEvaluationHumanFeedback row is
// written when specific tags identify human-labeled datapoints").
const staticEvaluationTag = "tensorzero::datapoint_id"

// FeedbackKind discriminates the four feedback row shapes (spec §3
// "Feedback row").
type FeedbackKind string

const (
	FeedbackBoolean       FeedbackKind = "boolean"
	FeedbackFloat         FeedbackKind = "float"
	FeedbackComment       FeedbackKind = "comment"
	FeedbackDemonstration FeedbackKind = "demonstration"
)

// FeedbackRequest is the POST /feedback body, already validated against
// spec §3's "keyed to either episode_id or inference_id" rule by the
// caller.
type FeedbackRequest struct {
	Kind        FeedbackKind
	Target      store.FeedbackTarget
	MetricName  string
	BoolValue   bool
	FloatValue  float64
	StringValue string
	JSONValue   json.RawMessage
	Tags        map[string]string
}

// Feedback writes one feedback row immediately, bypassing the batched
// buffers: spec §4.8 "Feedback writes follow the same path but bypass
// batching for immediacy (feedback is expected to be low-QPS and
// user-visible)."
func (w *Writer) Feedback(ctx context.Context, req FeedbackRequest) (string, error) {
	id := idgen.New().String()
	now := time.Now().UTC()

	var err error

	switch req.Kind {
	case FeedbackBoolean:
		err = w.store.InsertBooleanFeedback(ctx, store.BooleanMetricFeedbackRow{
			ID: id, Target: req.Target, MetricName: req.MetricName, Value: req.BoolValue, Tags: req.Tags, Timestamp: now,
		})
	case FeedbackFloat:
		err = w.store.InsertFloatFeedback(ctx, store.FloatMetricFeedbackRow{
			ID: id, Target: req.Target, MetricName: req.MetricName, Value: req.FloatValue, Tags: req.Tags, Timestamp: now,
		})
	case FeedbackComment:
		err = w.store.InsertCommentFeedback(ctx, store.CommentFeedbackRow{
			ID: id, Target: req.Target, MetricName: req.MetricName, Value: req.StringValue, Tags: req.Tags, Timestamp: now,
		})
	case FeedbackDemonstration:
		err = w.store.InsertDemonstrationFeedback(ctx, store.DemonstrationFeedbackRow{
			ID: id, Target: req.Target, MetricName: req.MetricName, Value: req.JSONValue, Tags: req.Tags, Timestamp: now,
		})
	default:
		return "", gwerr.New(gwerr.KindInvalidRequest, "unknown feedback kind "+string(req.Kind))
	}

	if err != nil {
		return "", err
	}

	if datapointID, ok := req.Tags[staticEvaluationTag]; ok {
		staticErr := w.store.InsertStaticEvaluationHumanFeedback(ctx, store.StaticEvaluationHumanFeedbackRow{
			ID:          idgen.New().String(),
			FeedbackID:  id,
			DatapointID: datapointID,
			MetricName:  req.MetricName,
			Timestamp:   now,
		})
		if staticErr != nil {
			return id, staticErr
		}
	}

	return id, nil
}
