// Package observability implements the batched async observability writer
// from spec §4.8 (component H): buffered per-table writes of ChatInference/
// JsonInference/ModelInference rows, flushed on whichever of batch_size or
// flush_interval fires first, plus an immediate (unbatched) path for
// feedback.
//
// Grounded on the teacher's background-worker shape (internal/server/gc,
// internal/server/backup/worker.go: a struct holding a store handle plus a
// Start(ctx)/Stop(ctx) lifecycle around a background goroutine) adapted from
// their cron-driven cleanup sweeps to a fixed-interval flush loop — cron
// expressions can't express the sub-minute flush_interval spec §4.8 calls
// for, so this uses a plain time.Ticker per buffer instead of
// zhenzou/executors' CRON scheduling (see DESIGN.md).
package observability

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/tensorzero/tensorzero-sub029/internal/dispatcher"
	"github.com/tensorzero/tensorzero-sub029/internal/gwerr"
	"github.com/tensorzero/tensorzero-sub029/internal/idgen"
	"github.com/tensorzero/tensorzero-sub029/internal/llmtypes"
	"github.com/tensorzero/tensorzero-sub029/internal/log"
	"github.com/tensorzero/tensorzero-sub029/internal/store"
	"github.com/tensorzero/tensorzero-sub029/internal/variant"
)

// TableConfig controls one buffer's batching behavior (spec §4.8:
// "max_size (hard cap, drop oldest or reject), batch_size (flush trigger),
// flush_interval (time trigger)").
type TableConfig struct {
	MaxSize       int
	BatchSize     int
	FlushInterval time.Duration
}

// Config is one TableConfig per buffered table.
type Config struct {
	ChatInference  TableConfig
	JsonInference  TableConfig
	ModelInference TableConfig
}

// DefaultConfig returns reasonable defaults: small batches flushed roughly
// once a second, capped well above any single inference's row count.
func DefaultConfig() Config {
	def := TableConfig{MaxSize: 10_000, BatchSize: 100, FlushInterval: time.Second}

	return Config{ChatInference: def, JsonInference: def, ModelInference: def}
}

// Writer is the ObservabilityWriter the dispatcher enqueues rows into.
type Writer struct {
	store *store.Store

	chat  *rowBuffer[store.InferenceRow]
	json  *rowBuffer[store.InferenceRow]
	model *rowBuffer[store.ModelInferenceRow]

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWriter builds a Writer over st; call Start to begin background
// flushing and Stop to drain on shutdown.
func NewWriter(st *store.Store, cfg Config) *Writer {
	w := &Writer{store: st}
	w.chat = newRowBuffer("chat_inference", cfg.ChatInference, w.flushChat)
	w.json = newRowBuffer("json_inference", cfg.JsonInference, w.flushJSON)
	w.model = newRowBuffer("model_inference", cfg.ModelInference, w.flushModel)

	return w
}

// Start launches the background flush loops. ctx bounds their lifetime;
// calling Stop (or cancelling ctx) drains any buffered rows with one final
// flush before returning.
func (w *Writer) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(3)

	go w.chat.run(runCtx, &w.wg)
	go w.json.run(runCtx, &w.wg)
	go w.model.run(runCtx, &w.wg)
}

// Stop cancels the background loops and waits for their final flush.
func (w *Writer) Stop() {
	if w.cancel != nil {
		w.cancel()
	}

	w.wg.Wait()
}

// Enqueue implements dispatcher.ObservabilityWriter. It never blocks on a
// store round trip: rows are appended to an in-memory buffer and the actual
// INSERT happens on the background flush loop (spec §4.5 step 7: "Never
// block the response on the write").
func (w *Writer) Enqueue(ctx context.Context, row any) {
	switch r := row.(type) {
	case dispatcher.ObservabilityRow:
		w.enqueueInference(ctx, r)
	default:
		log.Warn(ctx, "observability: enqueued row of unknown type")
	}
}

func (w *Writer) enqueueInference(ctx context.Context, r dispatcher.ObservabilityRow) {
	input, err := json.Marshal(r.Input)
	if err != nil {
		log.Error(ctx, "observability: marshal input failed", log.Cause(err))
		return
	}

	output, err := inferenceOutputJSON(r)
	if err != nil {
		log.Error(ctx, "observability: marshal output failed", log.Cause(err))
		return
	}

	toolParams, err := json.Marshal(toolParamsOf(r))
	if err != nil {
		log.Error(ctx, "observability: marshal tool params failed", log.Cause(err))
		return
	}

	inferenceRow := store.InferenceRow{
		ID:               r.InferenceID,
		FunctionName:     r.FunctionName,
		VariantName:      r.VariantName,
		EpisodeID:        r.EpisodeID,
		Input:            input,
		Output:           output,
		ToolParams:       toolParams,
		Tags:             r.Tags,
		ProcessingTimeMS: r.ProcessingTime.Milliseconds(),
		Timestamp:        inferenceTimestamp(r),
	}

	if r.FunctionType == llmtypes.FunctionTypeJSON {
		w.json.append(ctx, inferenceRow)
	} else {
		w.chat.append(ctx, inferenceRow)
	}

	for _, rec := range r.Records {
		w.model.append(ctx, modelInferenceRowFrom(r.InferenceID, rec))
	}
}

func inferenceTimestamp(r dispatcher.ObservabilityRow) time.Time {
	if id, err := idgen.Parse(r.InferenceID); err == nil {
		if ts, err := idgen.Timestamp(id); err == nil {
			return ts
		}
	}

	return r.Timestamp
}

// inferenceOutputJSON renders the Output column: content-block array for
// chat functions, {raw,parsed} for json functions (spec §3 "Inference
// row"). Result is nil for a streamed chat_completion call whose content
// only ever existed as the accumulated Collected blocks.
func inferenceOutputJSON(r dispatcher.ObservabilityRow) ([]byte, error) {
	if r.Result != nil && r.Result.IsJSON {
		return json.Marshal(struct {
			Raw    string `json:"raw"`
			Parsed any    `json:"parsed"`
		}{Raw: r.Result.JSONRaw, Parsed: r.Result.JSONParsed})
	}

	if r.Result != nil {
		return json.Marshal(r.Result.ChatContent)
	}

	return json.Marshal(r.Collected)
}

func toolParamsOf(r dispatcher.ObservabilityRow) any {
	return struct {
		Tools      []llmtypes.Tool     `json:"tools,omitempty"`
		ToolChoice llmtypes.ToolChoice `json:"tool_choice"`
	}{Tools: r.Tools, ToolChoice: r.ToolChoice}
}

// modelInferenceRowFrom builds one ModelInference row from a ModelInference
// sub-call record. The record itself carries no id (runner/variant never
// mint one — see DESIGN.md), so a fresh time-ordered id is minted here, at
// the moment the row is handed to the writer.
func modelInferenceRowFrom(inferenceID string, rec variant.ModelInferenceRecord) store.ModelInferenceRow {
	row := store.ModelInferenceRow{
		ID:                idgen.New().String(),
		InferenceID:       inferenceID,
		ModelName:         rec.ModelName,
		ModelProviderName: rec.ProviderName,
		Timestamp:         time.Now().UTC(),
	}

	if rec.Err != nil {
		row.FinishReason = string(llmtypes.FinishError)
		row.RawResponse = rec.Err.Error()

		return row
	}

	resp := rec.Response
	if resp == nil {
		return row
	}

	inputMessages, _ := json.Marshal(resp.Content)
	output, _ := json.Marshal(resp.Content)

	var ttft *int64
	if resp.TTFT > 0 {
		ms := resp.TTFT.Milliseconds()
		ttft = &ms
	}

	row.InputMessages = inputMessages
	row.Output = output
	row.RawRequest = string(resp.RawRequest)
	row.RawResponse = string(resp.RawResponse)
	row.InputTokens = resp.Usage.InputTokens
	row.OutputTokens = resp.Usage.OutputTokens
	row.ResponseTimeMS = resp.Latency.Milliseconds()
	row.TTFTMS = ttft
	row.Cached = resp.Cached
	row.FinishReason = string(resp.FinishReason)

	return row
}

func (w *Writer) flushChat(ctx context.Context, rows []store.InferenceRow) error {
	return flushEach(ctx, rows, w.store.InsertChatInference)
}

func (w *Writer) flushJSON(ctx context.Context, rows []store.InferenceRow) error {
	return flushEach(ctx, rows, w.store.InsertJsonInference)
}

func (w *Writer) flushModel(ctx context.Context, rows []store.ModelInferenceRow) error {
	return flushEach(ctx, rows, w.store.InsertModelInference)
}

// flushEach writes every row in a batch, logging but not aborting on a
// single row's failure (spec §7: "Storage errors from the observability
// writer are logged and swallowed").
func flushEach[T any](ctx context.Context, rows []T, insert func(context.Context, T) error) error {
	var first error

	for _, row := range rows {
		if err := insert(ctx, row); err != nil {
			wrapped := gwerr.Wrap(gwerr.KindStoreWrite, "observability batch insert failed", err)
			log.Error(ctx, "observability: row write failed", log.Cause(wrapped))

			if first == nil {
				first = wrapped
			}
		}
	}

	return first
}
