// Package batch implements the batch-inference subsystem from spec §4.10
// (component J): submit K per-inference ModelInferenceRequests to a
// provider's native batch API, persist the bookkeeping rows, and poll
// until the provider job reaches a terminal state, reconstructing
// Inference + ModelInference rows on success.
package batch

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/tensorzero/tensorzero-sub029/internal/gwerr"
	"github.com/tensorzero/tensorzero-sub029/internal/idgen"
	"github.com/tensorzero/tensorzero-sub029/internal/llmtypes"
	"github.com/tensorzero/tensorzero-sub029/internal/log"
	"github.com/tensorzero/tensorzero-sub029/internal/store"
)

// Status is the BatchRequest lifecycle (spec §4.10: "persist one
// BatchRequest{batch_id,status=pending,…}" ... "transition status=completed").
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Result is one item's outcome within a completed (or failed) batch job,
// positionally aligned with the Items slice Submit was called with.
type Result struct {
	Response *llmtypes.ModelInferenceResponse
	Err      error
}

// Adapter is the provider-native batch API a ModelProvider.Kind exposes.
// Unlike provider.Adapter (single-call inference), this is implemented
// only by providers with native batch support; the dummy adapter in this
// package stands in for providers this retrieval pack has no batch API
// reference for (see DESIGN.md).
type Adapter interface {
	// SubmitBatch uploads reqs in provider-native format and returns the
	// opaque provider batch job id.
	SubmitBatch(ctx context.Context, mp *llmtypes.ModelProvider, reqs []llmtypes.ModelInferenceRequest) (providerBatchID string, err error)

	// PollBatch checks job status. Status is Pending until the provider
	// reports a terminal state; results is only meaningful once Status is
	// Completed or Failed, and must be the same length and order as the
	// reqs Submit uploaded.
	PollBatch(ctx context.Context, mp *llmtypes.ModelProvider, providerBatchID string) (status Status, results []Result, err error)
}

// Item is one inference submitted as part of a batch.
type Item struct {
	InferenceID  string
	FunctionName string
	VariantName  string
	FunctionType llmtypes.FunctionType
	Input        llmtypes.Input
	Request      llmtypes.ModelInferenceRequest
}

// Submit collects items into one provider-native batch job (spec §4.10
// "Submit"): it calls adapter.SubmitBatch, then persists one BatchRequest
// row plus one BatchModelInference + BatchIdByInferenceId row per item.
func Submit(ctx context.Context, st *store.Store, adapter Adapter, mp *llmtypes.ModelProvider, items []Item) (string, error) {
	if len(items) == 0 {
		return "", gwerr.New(gwerr.KindInvalidRequest, "batch submit requires at least one item")
	}

	reqs := make([]llmtypes.ModelInferenceRequest, len(items))
	for i, it := range items {
		reqs[i] = it.Request
	}

	providerBatchID, err := adapter.SubmitBatch(ctx, mp, reqs)
	if err != nil {
		return "", gwerr.Wrap(gwerr.KindInferenceClient, "batch submit failed", err)
	}

	now := time.Now().UTC()

	if err := st.InsertBatchRequest(ctx, store.BatchRequestRow{
		BatchID: providerBatchID, Status: string(StatusPending),
		ModelName: mp.ModelID, ModelProviderName: mp.Name, Timestamp: now,
	}); err != nil {
		return "", err
	}

	for _, it := range items {
		input, marshalErr := json.Marshal(it.Input)
		if marshalErr != nil {
			return providerBatchID, gwerr.Wrap(gwerr.KindSerialization, "marshal batch item input", marshalErr)
		}

		params, marshalErr := json.Marshal(it.Request)
		if marshalErr != nil {
			return providerBatchID, gwerr.Wrap(gwerr.KindSerialization, "marshal batch item params", marshalErr)
		}

		if err := st.InsertBatchModelInference(ctx, store.BatchModelInferenceRow{
			InferenceID: it.InferenceID, BatchID: providerBatchID,
			FunctionName: it.FunctionName, VariantName: it.VariantName, FunctionType: string(it.FunctionType),
			Input: input, Params: params, Timestamp: now,
		}); err != nil {
			return providerBatchID, err
		}

		if err := st.InsertBatchIDByInferenceID(ctx, store.BatchIDByInferenceIDRow{
			InferenceID: it.InferenceID, BatchID: providerBatchID,
		}); err != nil {
			return providerBatchID, err
		}
	}

	return providerBatchID, nil
}

// Poll checks one batch job and, on a terminal status, reconstructs the
// Chat/JsonInference + ModelInference rows (spec §4.10 "Poll"). It is
// idempotent: calling Poll again on an already-terminal BatchRequest is a
// no-op, since a second SubmitBatch/PollBatch round trip would otherwise
// double-write the reconstructed rows.
func Poll(ctx context.Context, st *store.Store, adapter Adapter, mp *llmtypes.ModelProvider, batchID string) error {
	req, err := st.GetBatchRequest(ctx, batchID)
	if err != nil {
		return err
	}

	if req.Status != string(StatusPending) {
		return nil
	}

	status, results, err := adapter.PollBatch(ctx, mp, batchID)
	if err != nil {
		return gwerr.Wrap(gwerr.KindInferenceClient, "batch poll failed", err)
	}

	switch status {
	case StatusPending:
		return nil
	case StatusFailed:
		return failBatch(ctx, st, batchID, results)
	case StatusCompleted:
		return completeBatch(ctx, st, req, results)
	default:
		return gwerr.New(gwerr.KindInferenceClient, "unknown batch status "+string(status))
	}
}

func failBatch(ctx context.Context, st *store.Store, batchID string, results []Result) error {
	errs := map[string]string{}

	for i, r := range results {
		if r.Err != nil {
			errs[batchID+"#"+strconv.Itoa(i)] = r.Err.Error()
		}
	}

	errsJSON, err := json.Marshal(errs)
	if err != nil {
		return gwerr.Wrap(gwerr.KindSerialization, "marshal batch errors", err)
	}

	return st.UpdateBatchRequestStatus(ctx, batchID, string(StatusFailed), errsJSON)
}

func completeBatch(ctx context.Context, st *store.Store, req *store.BatchRequestRow, results []Result) error {
	items, err := st.ListBatchModelInferences(ctx, req.BatchID)
	if err != nil {
		return err
	}

	if len(items) != len(results) {
		return gwerr.New(gwerr.KindInferenceClient, "batch result count does not match submitted item count").
			WithField("batch_id", req.BatchID).WithField("submitted", len(items)).WithField("results", len(results))
	}

	for i, item := range items {
		if err := reconstructOne(ctx, st, req, item, results[i]); err != nil {
			log.Error(ctx, "batch: failed to reconstruct inference row", log.String("batch_id", req.BatchID), log.Cause(err))
		}
	}

	return st.UpdateBatchRequestStatus(ctx, req.BatchID, string(StatusCompleted), nil)
}

func reconstructOne(ctx context.Context, st *store.Store, req *store.BatchRequestRow, item store.BatchModelInferenceRow, result Result) error {
	modelInferenceID := idgen.New().String()

	row := store.ModelInferenceRow{
		ID: modelInferenceID, InferenceID: item.InferenceID,
		ModelName: req.ModelName, ModelProviderName: req.ModelProviderName, Timestamp: time.Now().UTC(),
	}

	var output json.RawMessage

	if result.Err != nil {
		row.FinishReason = string(llmtypes.FinishError)
		row.RawResponse = result.Err.Error()
		output, _ = json.Marshal([]llmtypes.Block{})
	} else {
		content, marshalErr := json.Marshal(result.Response.Content)
		if marshalErr != nil {
			return gwerr.Wrap(gwerr.KindSerialization, "marshal batch result content", marshalErr)
		}

		row.Output = content
		row.InputMessages = content
		row.RawRequest = string(result.Response.RawRequest)
		row.RawResponse = string(result.Response.RawResponse)
		row.InputTokens = result.Response.Usage.InputTokens
		row.OutputTokens = result.Response.Usage.OutputTokens
		row.FinishReason = string(result.Response.FinishReason)
		output = content
	}

	if err := st.InsertModelInference(ctx, row); err != nil {
		return err
	}

	inferenceRow := store.InferenceRow{
		ID: item.InferenceID, FunctionName: item.FunctionName, VariantName: item.VariantName,
		Input: item.Input, Output: output, Timestamp: time.Now().UTC(),
	}

	if item.FunctionType == string(llmtypes.FunctionTypeJSON) {
		return st.InsertJsonInference(ctx, inferenceRow)
	}

	return st.InsertChatInference(ctx, inferenceRow)
}

