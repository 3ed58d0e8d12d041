// Package dispatcher implements the function dispatcher from spec §4.5:
// resolving a function/model request to a variant, canonicalizing its
// input, running the variant, and fanning the result out to observability
// without blocking the caller.
package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/tensorzero/tensorzero-sub029/internal/canon"
	"github.com/tensorzero/tensorzero-sub029/internal/credential"
	"github.com/tensorzero/tensorzero-sub029/internal/gwerr"
	"github.com/tensorzero/tensorzero-sub029/internal/idgen"
	"github.com/tensorzero/tensorzero-sub029/internal/llmtypes"
	"github.com/tensorzero/tensorzero-sub029/internal/runner"
	"github.com/tensorzero/tensorzero-sub029/internal/variant"
	"github.com/looplj/axonhub/llm/streams"
)

// DefaultFunctionName is the implicit function a bare model_name request
// desugars to (spec §4.5 step 1).
const DefaultFunctionName = "tensorzero::default"

// DynamicToolParams lets a caller extend/narrow a function's declared
// tools for one request (spec §4.5 step 4).
type DynamicToolParams struct {
	AdditionalTools []llmtypes.Tool
	AllowedTools    []string // when non-nil, intersected with the merged tool set.
	ToolChoice      *llmtypes.ToolChoice
	ParallelToolCalls *bool
}

// Request is the dispatcher's entry point contract (spec §4.5 "Inputs").
type Request struct {
	FunctionName string
	ModelName    string

	Input llmtypes.Input

	Stream      bool
	VariantName string
	EpisodeID   string

	Params variant.InferenceParams

	Dryrun bool

	Tags map[string]string

	DynamicToolParams DynamicToolParams
	OutputSchema      []byte

	CacheOptions runnerCacheOptions

	DynamicCredentials map[string]string

	Namespace llmtypes.Namespace

	ExtraHeaders map[string]string
	ExtraBody    map[string]string
}

// runnerCacheOptions mirrors the per-request cache toggles threaded down
// into runner.Options.
type runnerCacheOptions struct {
	Enabled          bool
	WriteEnabled     bool
	LookbackS        int64
	RateLimitEnabled bool
	EstimatedUsage   int64
}

// Response is what the dispatcher hands back to the caller.
type Response struct {
	InferenceID string
	EpisodeID   string
	VariantName string
	FunctionName string

	// CanonicalInput is the post-canonicalization input this inference ran
	// against; the observability writer persists it verbatim as the
	// Inference row's Input column (spec §3 invariant (v): it must
	// round-trip through the canonicalizer).
	CanonicalInput llmtypes.Input
	Tags           map[string]string

	Result *variant.Result

	ProcessingTime time.Duration
}

// ObservabilityWriter receives rows for async persistence; Enqueue must
// never block the caller beyond a bounded buffering decision (spec §4.8).
type ObservabilityWriter interface {
	Enqueue(ctx context.Context, row any)
}

// Dispatcher wires a Config's functions/variants to the variant executor.
type Dispatcher struct {
	Config   *llmtypes.Config
	Executor *variant.Executor
	Writer   ObservabilityWriter
}

// New builds a Dispatcher.
func New(cfg *llmtypes.Config, exec *variant.Executor, writer ObservabilityWriter) *Dispatcher {
	return &Dispatcher{Config: cfg, Executor: exec, Writer: writer}
}

// resolveFunction implements spec §4.5 step 1: exactly one of
// function_name/model_name, with model_name desugaring to the default
// function backed by an ad hoc single-model chat_completion variant.
func (d *Dispatcher) resolveFunction(req *Request) (string, *llmtypes.Function, error) {
	hasFn := req.FunctionName != ""
	hasModel := req.ModelName != ""

	switch {
	case hasFn == hasModel:
		return "", nil, gwerr.New(gwerr.KindInvalidRequest, "exactly one of function_name or model_name must be set")

	case hasModel:
		fn := &llmtypes.Function{
			Name: DefaultFunctionName,
			Type: llmtypes.FunctionTypeChat,
			Variants: map[string]*llmtypes.Variant{
				req.ModelName: {
					Name:       req.ModelName,
					Kind:       llmtypes.VariantChatCompletion,
					Weight:     1,
					ModelNames: []string{req.ModelName},
				},
			},
		}

		return DefaultFunctionName, fn, nil

	default:
		fn, ok := d.Config.Functions[req.FunctionName]
		if !ok {
			return "", nil, gwerr.New(gwerr.KindUnknownFunction, "unknown function "+req.FunctionName)
		}

		return req.FunctionName, fn, nil
	}
}

// resolveEpisodeID implements spec §4.5 step 2.
func resolveEpisodeID(episodeID string) (uuid.UUID, error) {
	if episodeID == "" {
		return idgen.New(), nil
	}

	id, err := idgen.Parse(episodeID)
	if err != nil {
		return uuid.Nil, gwerr.Wrap(gwerr.KindInvalidTensorzeroUUID, "invalid episode_id", err)
	}

	return id, nil
}

// selectVariant implements spec §4.5 step 3: a pinned variant_name must
// exist; otherwise a deterministic weighted choice seeded by episode_id so
// every inference within an episode samples the same variant.
func selectVariant(fn *llmtypes.Function, variantName string, episodeID uuid.UUID, ns llmtypes.Namespace) (string, *llmtypes.Variant, error) {
	if variantName != "" {
		v, ok := fn.Variants[variantName]
		if !ok {
			return "", nil, gwerr.New(gwerr.KindUnknownVariant, "unknown variant "+variantName)
		}

		return variantName, v, nil
	}

	weights := weightsForNamespace(fn, ns)
	if len(weights) == 0 {
		return "", nil, gwerr.New(gwerr.KindConfig, "function "+fn.Name+" has no sampleable variants"+namespaceSuffix(ns))
	}

	name := weightedChoice(weights, episodeID)

	return name, fn.Variants[name], nil
}

func namespaceSuffix(ns llmtypes.Namespace) string {
	if ns == llmtypes.Default {
		return ""
	}

	return fmt.Sprintf(" for namespace %q", ns)
}

// weightsForNamespace returns the sampleable variant->weight map: the
// namespace's override map if one applies, else the base (Variant.Weight)
// map.
func weightsForNamespace(fn *llmtypes.Function, ns llmtypes.Namespace) map[string]float64 {
	if ns != llmtypes.Default {
		if w, ok := fn.NamespaceWeights[ns]; ok && len(w) > 0 {
			return w
		}
	}

	weights := map[string]float64{}
	for name, v := range fn.Variants {
		if v.Weight > 0 {
			weights[name] = v.Weight
		}
	}

	return weights
}

// weightedChoice picks deterministically among weights, seeded by
// episodeID: the same episode always lands on the same variant as long as
// the weight table is unchanged (spec §4.5 step 3).
func weightedChoice(weights map[string]float64, episodeID uuid.UUID) string {
	// lo.Keys avoids a manual map-key collection loop; map iteration order
	// is randomized in Go, so the result is sorted for a stable total order
	// before the hash-seeded weighted pick below.
	names := lo.Keys(weights)
	sort.Strings(names)

	var total float64
	for _, n := range names {
		total += weights[n]
	}

	seed := xxhash.Sum64(episodeID[:])
	// Scale the 64-bit seed onto [0, total] by dividing by the largest
	// uint64; a point equal to total falls through to the last name below.
	point := (float64(seed) / float64(^uint64(0))) * total

	var cursor float64
	for _, n := range names {
		cursor += weights[n]
		if point < cursor {
			return n
		}
	}

	return names[len(names)-1]
}

// mergeTools implements spec §4.5 step 4.
func mergeTools(fn *llmtypes.Function, dyn DynamicToolParams) ([]llmtypes.Tool, llmtypes.ToolChoice, bool) {
	tools := append([]llmtypes.Tool{}, fn.Tools...)
	tools = append(tools, dyn.AdditionalTools...)

	if dyn.AllowedTools != nil {
		allowed := map[string]bool{}
		for _, name := range dyn.AllowedTools {
			allowed[name] = true
		}

		tools = lo.Filter(tools, func(t llmtypes.Tool, _ int) bool { return allowed[t.Name] })
	}

	choice := fn.DefaultToolChoice
	if dyn.ToolChoice != nil {
		choice = *dyn.ToolChoice
	}

	parallel := fn.ParallelToolCalls
	if dyn.ParallelToolCalls != nil {
		parallel = *dyn.ParallelToolCalls
	}

	return tools, choice, parallel
}

// Dispatch runs the full non-streaming resolution+execution pipeline.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	functionName, fn, err := d.resolveFunction(req)
	if err != nil {
		return nil, err
	}

	episodeID, err := resolveEpisodeID(req.EpisodeID)
	if err != nil {
		return nil, err
	}

	variantName, v, err := selectVariant(fn, req.VariantName, episodeID, req.Namespace)
	if err != nil {
		return nil, err
	}

	tools, toolChoice, parallel := mergeTools(fn, req.DynamicToolParams)
	fnWithTools := *fn
	fnWithTools.Tools = tools
	fnWithTools.DefaultToolChoice = toolChoice
	fnWithTools.ParallelToolCalls = parallel

	if len(req.OutputSchema) > 0 {
		fnWithTools.OutputSchema = req.OutputSchema
	}

	canonInput, err := canon.Canonicalize(req.Input, &fnWithTools, v.Templates)
	if err != nil {
		return nil, err
	}

	opts := variant.Options{
		Stream: false,
		Params: req.Params,
		RunnerOptions: runnerOptionsFrom(req),
	}
	defer opts.RunnerOptions.DynamicCreds.DestroyAll()

	result, err := d.Executor.Execute(ctx, &fnWithTools, v, canonInput, opts)

	resp := &Response{
		InferenceID:    idgen.New().String(),
		EpisodeID:      episodeID.String(),
		VariantName:    variantName,
		FunctionName:   functionName,
		CanonicalInput: canonInput,
		Tags:           req.Tags,
		Result:         result,
		ProcessingTime: time.Since(start),
	}

	if err != nil {
		return nil, err
	}

	if !req.Dryrun && d.Writer != nil {
		var records []variant.ModelInferenceRecord
		if result != nil {
			records = result.ModelInferences
		}

		d.enqueueObservability(ctx, &fnWithTools, resp, result.ChatContent, records)
	}

	return resp, nil
}

// DispatchStream runs the resolution pipeline but produces a
// streams.Stream[*llmtypes.StreamChunk] for the caller; observability
// accumulation happens as the stream is drained (spec §5 "tees the
// stream").
func (d *Dispatcher) DispatchStream(ctx context.Context, req *Request) (streams.Stream[*llmtypes.StreamChunk], *Response, error) {
	start := time.Now()

	functionName, fn, err := d.resolveFunction(req)
	if err != nil {
		return nil, nil, err
	}

	episodeID, err := resolveEpisodeID(req.EpisodeID)
	if err != nil {
		return nil, nil, err
	}

	variantName, v, err := selectVariant(fn, req.VariantName, episodeID, req.Namespace)
	if err != nil {
		return nil, nil, err
	}

	tools, toolChoice, parallel := mergeTools(fn, req.DynamicToolParams)
	fnWithTools := *fn
	fnWithTools.Tools = tools
	fnWithTools.DefaultToolChoice = toolChoice
	fnWithTools.ParallelToolCalls = parallel

	canonInput, err := canon.Canonicalize(req.Input, &fnWithTools, v.Templates)
	if err != nil {
		return nil, nil, err
	}

	opts := variant.Options{
		Stream:        true,
		Params:        req.Params,
		RunnerOptions: runnerOptionsFrom(req),
	}
	defer opts.RunnerOptions.DynamicCreds.DestroyAll()

	stream, records, providerInfo, err := d.Executor.ExecuteStream(ctx, &fnWithTools, v, canonInput, opts)
	if err != nil {
		return nil, nil, err
	}

	resp := &Response{
		InferenceID:    idgen.New().String(),
		EpisodeID:      episodeID.String(),
		VariantName:    variantName,
		FunctionName:   functionName,
		CanonicalInput: canonInput,
		Tags:           req.Tags,
		ProcessingTime: time.Since(start),
	}

	if !req.Dryrun && d.Writer != nil {
		stream = d.teeStreamForObservability(ctx, stream, resp, records, providerInfo, start, &fnWithTools)
	}

	return stream, resp, nil
}

func runnerOptionsFrom(req *Request) runner.Options {
	dyn := credential.DynamicCredentials{}
	for k, v := range req.DynamicCredentials {
		dyn[k] = credential.NewSecret([]byte(v))
	}

	return runner.Options{
		CacheEnabled:      req.CacheOptions.Enabled,
		CacheWriteEnabled: req.CacheOptions.WriteEnabled,
		CacheLookback:     time.Duration(req.CacheOptions.LookbackS) * time.Second,
		RateLimitEnabled:  req.CacheOptions.RateLimitEnabled,
		EstimatedUsage:    req.CacheOptions.EstimatedUsage,
		DynamicCreds:      dyn,
	}
}

func (d *Dispatcher) enqueueObservability(ctx context.Context, fn *llmtypes.Function, resp *Response, collected []llmtypes.Block, records []variant.ModelInferenceRecord) {
	d.Writer.Enqueue(ctx, ObservabilityRow{
		InferenceID:    resp.InferenceID,
		EpisodeID:      resp.EpisodeID,
		FunctionName:   resp.FunctionName,
		VariantName:    resp.VariantName,
		FunctionType:   fn.Type,
		Input:          resp.CanonicalInput,
		Tags:           resp.Tags,
		Tools:          fn.Tools,
		ToolChoice:     fn.DefaultToolChoice,
		Result:         resp.Result,
		Collected:      collected,
		Records:        records,
		ProcessingTime: resp.ProcessingTime,
		Timestamp:      time.Now().UTC(),
	})
}

// ObservabilityRow is the row shape handed to the ObservabilityWriter; the
// writer (internal/observability) is responsible for splitting this into
// ChatInference/JsonInference/ModelInference table rows (spec §4.8). Records
// carries every ModelInference sub-call made for this inference (candidate
// attempts as well as the eventual winner), so every Inference row this
// produces has at least one matching ModelInference row regardless of
// whether the call streamed or not.
type ObservabilityRow struct {
	InferenceID  string
	EpisodeID    string
	FunctionName string
	VariantName  string
	FunctionType llmtypes.FunctionType
	Input        llmtypes.Input
	Tags         map[string]string
	Tools        []llmtypes.Tool
	ToolChoice   llmtypes.ToolChoice
	Result       *variant.Result
	Collected    []llmtypes.Block
	Records      []variant.ModelInferenceRecord
	ProcessingTime time.Duration
	Timestamp    time.Time
}

// teeStreamForObservability wraps stream so that every chunk it yields is
// also accumulated; once the stream terminates (Next() returns false) the
// accumulated content is enqueued as one observability row, matching spec
// §4.8's "one ChatInference/JsonInference row after the stream terminates"
// and spec §5's bounded-backpressure tee (the accumulator here is simply
// synchronous with the consumer, which trivially cannot fall behind it).
//
// providerInfo identifies the (model, provider) pair serving the stream
// when chat_completion streamed directly (nil for the variants that degrade
// to Execute and already hand back a complete seedRecords); it's combined
// with the chunks observed as they're drained into the final ModelInference
// record for that winning attempt, alongside any failed candidate attempts
// already present in seedRecords.
func (d *Dispatcher) teeStreamForObservability(ctx context.Context, inner streams.Stream[*llmtypes.StreamChunk], resp *Response, seedRecords []variant.ModelInferenceRecord, providerInfo *variant.StreamProviderInfo, start time.Time, fn *llmtypes.Function) streams.Stream[*llmtypes.StreamChunk] {
	return &observingStream{ctx: ctx, inner: inner, d: d, resp: resp, records: seedRecords, providerInfo: providerInfo, start: start, fn: fn}
}

type observingStream struct {
	ctx          context.Context
	inner        streams.Stream[*llmtypes.StreamChunk]
	d            *Dispatcher
	resp         *Response
	records      []variant.ModelInferenceRecord
	providerInfo *variant.StreamProviderInfo
	start        time.Time
	fn           *llmtypes.Function

	collected    []llmtypes.Block
	usage        llmtypes.Usage
	finishReason llmtypes.FinishReason
	finished     bool
}

func (s *observingStream) Next() bool {
	ok := s.inner.Next()
	if !ok {
		if s.inner.Err() != nil {
			s.finishReason = llmtypes.FinishError
		}

		s.finish()
		return false
	}

	chunk := s.inner.Current()
	if chunk != nil {
		s.collected = append(s.collected, chunk.Content...)

		if chunk.PartialUsage != nil {
			s.usage = *chunk.PartialUsage
		}

		if chunk.FinishReason != "" {
			s.finishReason = chunk.FinishReason
		}
	}

	return true
}

func (s *observingStream) Current() *llmtypes.StreamChunk { return s.inner.Current() }

func (s *observingStream) Err() error {
	if err := s.inner.Err(); err != nil {
		// Mid-stream provider error: still enqueue a row with the partial
		// output collected so far, finish_reason=error (spec §4.8 "still
		// write a row with finish_reason=error").
		s.finishReason = llmtypes.FinishError
		s.finish()

		return err
	}

	s.finish()

	return nil
}

// finish enqueues the observability row exactly once, completing the
// winning streamed attempt's ModelInferenceRecord (if any) from the chunks
// observed so far, per spec invariant (i): every Inference row has at least
// one matching ModelInference row.
func (s *observingStream) finish() {
	if s.finished {
		return
	}

	s.finished = true

	records := s.records
	if s.providerInfo != nil {
		records = append(records, variant.ModelInferenceRecord{
			Stage:        "main",
			ModelName:    s.providerInfo.ModelName,
			ProviderName: s.providerInfo.ProviderName,
			Response: &llmtypes.ModelInferenceResponse{
				Content:      s.collected,
				Usage:        s.usage,
				Latency:      time.Since(s.start),
				FinishReason: s.finishReason,
			},
		})
	}

	s.d.enqueueObservability(s.ctx, s.fn, s.resp, s.collected, records)
}

func (s *observingStream) Close() error { return s.inner.Close() }
