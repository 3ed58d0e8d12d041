// Package variant implements the five variant execution strategies from
// spec §4.4: chat_completion, best_of_n_sampling, mixture_of_n,
// dynamic_in_context_learning, and chain_of_thought.
package variant

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/tensorzero/tensorzero-sub029/internal/canon"
	"github.com/tensorzero/tensorzero-sub029/internal/gwerr"
	"github.com/tensorzero/tensorzero-sub029/internal/llmtypes"
	"github.com/tensorzero/tensorzero-sub029/internal/runner"
	"github.com/looplj/axonhub/llm/streams"
)

// ModelInferenceRecord is one sub-call a variant made, kept for the
// observability writer to persist as a ModelInference row (spec §4.8).
// Stage distinguishes the strategy-specific role the call played.
type ModelInferenceRecord struct {
	Stage        string // "candidate" | "judge" | "fuser" | "embedding" | "reasoning" | "answer" | "main"
	ModelName    string
	ProviderName string
	Response     *llmtypes.ModelInferenceResponse
	Err          error
}

// Result is what a variant produces: either chat content or a json output,
// plus every ModelInference sub-call made along the way.
type Result struct {
	IsJSON bool

	ChatContent []llmtypes.Block

	JSONRaw    string
	JSONParsed any

	ModelInferences []ModelInferenceRecord

	// CollectedChunks is not set by this package, even when a streaming
	// call has IncludeCollectedChunks set.
	CollectedChunks []llmtypes.Block
}

// InferenceParams carries the caller-supplied sampling parameters from the
// dispatcher's request (spec §4.5 "params") down into every model call a
// variant makes.
type InferenceParams struct {
	Temperature      *float64
	TopP             *float64
	MaxTokens        *int64
	PresencePenalty  *float64
	FrequencyPenalty *float64
	Seed             *int64
	Stop             []string
}

// Options configures one variant execution.
type Options struct {
	Stream                 bool
	IncludeCollectedChunks bool
	RunnerOptions          runner.Options
	Params                 InferenceParams
}

// Executor runs variants against a Config's models.
type Executor struct {
	Runner *runner.Runner
	Config *llmtypes.Config
}

// New builds an Executor.
func New(r *runner.Runner, cfg *llmtypes.Config) *Executor {
	return &Executor{Runner: r, Config: cfg}
}

func (e *Executor) model(name string) (*llmtypes.Model, error) {
	m, ok := e.Config.Models[name]
	if !ok {
		return nil, gwerr.New(gwerr.KindConfig, "unknown model "+name)
	}

	return m, nil
}

// buildRequest assembles a ModelInferenceRequest from the canonicalized
// input plus a function's tool/json configuration. Strategy-specific
// template rendering happens before this is called; callers pass the
// already-rendered Input.
func buildRequest(input llmtypes.Input, function *llmtypes.Function, v *llmtypes.Variant, stream bool, params InferenceParams) *llmtypes.ModelInferenceRequest {
	req := &llmtypes.ModelInferenceRequest{
		Input:             input,
		Tools:             function.Tools,
		ToolChoice:        function.DefaultToolChoice,
		ParallelToolCalls: function.ParallelToolCalls,
		Stream:            stream,
		JSONMode:          v.JSONMode,
		FunctionType:      function.Type,
		OutputSchema:      function.OutputSchema,
		Temperature:       params.Temperature,
		TopP:              params.TopP,
		MaxTokens:         params.MaxTokens,
		PresencePenalty:   params.PresencePenalty,
		FrequencyPenalty:  params.FrequencyPenalty,
		Seed:              params.Seed,
		Stop:              params.Stop,
	}

	return req
}

// Execute runs v non-streaming and returns its Result. For the streaming
// entry point see ExecuteStream.
func (e *Executor) Execute(ctx context.Context, function *llmtypes.Function, v *llmtypes.Variant, input llmtypes.Input, opts Options) (*Result, error) {
	switch v.Kind {
	case llmtypes.VariantChatCompletion:
		return e.executeChatCompletion(ctx, function, v, input, opts)
	case llmtypes.VariantBestOfNSampling:
		return e.executeBestOfN(ctx, function, v, input, opts)
	case llmtypes.VariantMixtureOfN:
		return e.executeMixtureOfN(ctx, function, v, input, opts)
	case llmtypes.VariantDynamicInContextLearning:
		return e.executeDICL(ctx, function, v, input, opts)
	case llmtypes.VariantChainOfThought:
		return e.executeChainOfThought(ctx, function, v, input, opts)
	default:
		return nil, gwerr.New(gwerr.KindUnknownVariant, "unknown variant kind "+string(v.Kind))
	}
}

func (e *Executor) callModel(ctx context.Context, modelName string, req *llmtypes.ModelInferenceRequest, opts Options, stage string) (*llmtypes.ModelInferenceResponse, ModelInferenceRecord, error) {
	m, err := e.model(modelName)
	if err != nil {
		return nil, ModelInferenceRecord{}, err
	}

	resp, _, err := e.Runner.Infer(ctx, m, req, opts.RunnerOptions)

	rec := ModelInferenceRecord{Stage: stage, ModelName: modelName, Response: resp, Err: err}
	if len(m.Providers) > 0 {
		rec.ProviderName = m.Providers[0].Name
	}

	return resp, rec, err
}

func (e *Executor) executeChatCompletion(ctx context.Context, function *llmtypes.Function, v *llmtypes.Variant, input llmtypes.Input, opts Options) (*Result, error) {
	if len(v.ModelNames) == 0 {
		return nil, gwerr.New(gwerr.KindConfig, "chat_completion variant "+v.Name+" declares no models")
	}

	req := buildRequest(input, function, v, opts.Stream, opts.Params)

	// json functions where strict mode is unsupported by the resolved
	// model's provider transparently fall back to implicit-tool, per
	// spec §4.4. Adapters signal lack of strict support via
	// CapabilityNotSupported; since that can only be known after an
	// attempt, the variant pre-emptively downgrades when the provider
	// kind is known not to support strict (dummy/openai-compatible
	// generic providers, conservatively).
	if function.Type == llmtypes.FunctionTypeJSON && req.JSONMode == llmtypes.JSONModeStrict {
		if m, err := e.model(v.ModelNames[0]); err == nil && !supportsStrictJSON(m) {
			req.JSONMode = llmtypes.JSONModeImplicitTool
			req = withImplicitRespondTool(req, function.OutputSchema)
		}
	}

	resp, rec, err := e.callModel(ctx, v.ModelNames[0], req, opts, "main")
	if err != nil {
		return nil, err
	}

	return finalizeResult(function, resp.Content, []ModelInferenceRecord{rec})
}

func supportsStrictJSON(m *llmtypes.Model) bool {
	if len(m.Providers) == 0 {
		return false
	}

	switch m.Providers[0].Kind {
	case "openai", "azure_openai":
		return true
	default:
		return false
	}
}

// withImplicitRespondTool synthesizes the single "respond" tool the
// implicit-tool JSON-mode strategy force-calls (spec §4.2.1).
func withImplicitRespondTool(req *llmtypes.ModelInferenceRequest, schema json.RawMessage) *llmtypes.ModelInferenceRequest {
	out := *req
	out.Tools = append(append([]llmtypes.Tool{}, req.Tools...), llmtypes.Tool{
		Name:       "respond",
		Parameters: schema,
		Strict:     true,
	})
	out.ToolChoice = llmtypes.ToolChoice{Mode: "specific", ToolName: "respond"}

	return &out
}

// finalizeResult validates content against the function's output schema
// (json functions) and assembles the Result. For json functions whose
// content is an implicit-tool call to "respond", the call's arguments
// become the JSON output.
func finalizeResult(function *llmtypes.Function, content []llmtypes.Block, records []ModelInferenceRecord) (*Result, error) {
	if function.Type != llmtypes.FunctionTypeJSON {
		return &Result{ChatContent: content, ModelInferences: records}, nil
	}

	raw := extractJSONOutput(content)
	if raw == "" {
		return nil, gwerr.New(gwerr.KindJSONSchemaValidation, "json function produced no output")
	}

	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, gwerr.Wrap(gwerr.KindJSONSchemaValidation, "json output is not valid json", err)
	}

	if len(function.OutputSchema) > 0 {
		if err := canon.ValidateJSONSchema(function.OutputSchema, parsed); err != nil {
			return nil, err
		}
	}

	return &Result{IsJSON: true, JSONRaw: raw, JSONParsed: parsed, ModelInferences: records}, nil
}

func extractJSONOutput(content []llmtypes.Block) string {
	for _, b := range content {
		if b.Type == llmtypes.BlockToolCall && b.ToolName == "respond" {
			return b.ToolCallArguments
		}
	}

	for _, b := range content {
		if b.Type == llmtypes.BlockText {
			return b.Text
		}
	}

	return ""
}

// fanOutCandidates runs N parallel calls to the same model via errgroup,
// matching spec §4.4's "fire N candidate runs in parallel" for best_of_n
// and mixture_of_n. Results preserve candidate index order even though
// calls complete out of order.
func (e *Executor) fanOutCandidates(ctx context.Context, modelName string, req *llmtypes.ModelInferenceRequest, n int, opts Options) ([]*llmtypes.ModelInferenceResponse, []ModelInferenceRecord, error) {
	responses := make([]*llmtypes.ModelInferenceResponse, n)
	records := make([]ModelInferenceRecord, n)

	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < n; i++ {
		i := i

		g.Go(func() error {
			resp, rec, err := e.callModel(gctx, modelName, req, opts, "candidate")
			responses[i] = resp
			records[i] = rec

			if err != nil {
				records[i].Stage = "candidate"
				return nil // candidate failures are tolerated; judge/fuser handle gaps.
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	return responses, records, nil
}

func (e *Executor) executeBestOfN(ctx context.Context, function *llmtypes.Function, v *llmtypes.Variant, input llmtypes.Input, opts Options) (*Result, error) {
	if opts.Stream {
		opts.Stream = false // best_of_n cannot stream; degrades per spec §4.4.
	}

	if len(v.ModelNames) == 0 || v.NumCandidates == 0 {
		return nil, gwerr.New(gwerr.KindConfig, "best_of_n_sampling variant "+v.Name+" misconfigured")
	}

	req := buildRequest(input, function, v, false, opts.Params)

	candidates, candidateRecords, err := e.fanOutCandidates(ctx, v.ModelNames[0], req, v.NumCandidates, opts)
	if err != nil {
		return nil, err
	}

	records := append([]ModelInferenceRecord{}, candidateRecords...)

	judgeIdx := 0

	if v.JudgeModel != "" {
		judgeReq := buildJudgeRequest(input, candidates, v.Templates["judge"])

		judgeResp, judgeRec, err := e.callModel(ctx, v.JudgeModel, judgeReq, opts, "judge")
		records = append(records, judgeRec)

		if err == nil {
			if idx, ok := parseJudgeIndex(judgeResp.Content, len(candidates)); ok {
				judgeIdx = idx
			}
		}
		// On judge failure, fall back to candidate 0 (spec §4.4).
	}

	winner := firstNonNil(candidates, judgeIdx)
	if winner == nil {
		return nil, gwerr.New(gwerr.KindAllProvidersFailed, "best_of_n_sampling: all candidates failed")
	}

	return finalizeResult(function, winner.Content, records)
}

func firstNonNil(candidates []*llmtypes.ModelInferenceResponse, preferred int) *llmtypes.ModelInferenceResponse {
	if preferred >= 0 && preferred < len(candidates) && candidates[preferred] != nil {
		return candidates[preferred]
	}

	for _, c := range candidates {
		if c != nil {
			return c
		}
	}

	return nil
}

// buildJudgeRequest renders the judge template over the candidates' text
// content, asking for a single index back.
func buildJudgeRequest(input llmtypes.Input, candidates []*llmtypes.ModelInferenceResponse, template string) *llmtypes.ModelInferenceRequest {
	var sb strings.Builder

	sb.WriteString(template)
	sb.WriteString("\n\n")

	for i, c := range candidates {
		sb.WriteString(fmt.Sprintf("Candidate %d:\n", i))

		if c != nil {
			sb.WriteString(flattenBlocks(c.Content))
		}

		sb.WriteString("\n\n")
	}

	return &llmtypes.ModelInferenceRequest{
		Input: llmtypes.Input{Messages: []llmtypes.Message{
			{Role: llmtypes.RoleUser, Content: []llmtypes.Block{{Type: llmtypes.BlockText, Text: sb.String()}}},
		}},
	}
}

func parseJudgeIndex(content []llmtypes.Block, numCandidates int) (int, bool) {
	text := strings.TrimSpace(flattenBlocks(content))

	idx, err := strconv.Atoi(text)
	if err != nil || idx < 0 || idx >= numCandidates {
		return 0, false
	}

	return idx, true
}

func flattenBlocks(blocks []llmtypes.Block) string {
	var sb strings.Builder

	for _, b := range blocks {
		if b.Type == llmtypes.BlockText {
			sb.WriteString(b.Text)
		}
	}

	return sb.String()
}

func (e *Executor) executeMixtureOfN(ctx context.Context, function *llmtypes.Function, v *llmtypes.Variant, input llmtypes.Input, opts Options) (*Result, error) {
	if opts.Stream {
		opts.Stream = false // mixture_of_n cannot stream; degrades per spec §4.4.
	}

	if len(v.ModelNames) == 0 || v.NumCandidates == 0 || v.FuserModel == "" {
		return nil, gwerr.New(gwerr.KindConfig, "mixture_of_n variant "+v.Name+" misconfigured")
	}

	req := buildRequest(input, function, v, false, opts.Params)

	candidates, candidateRecords, err := e.fanOutCandidates(ctx, v.ModelNames[0], req, v.NumCandidates, opts)
	if err != nil {
		return nil, err
	}

	records := append([]ModelInferenceRecord{}, candidateRecords...)

	fuserReq := buildFuserRequest(candidates, v.Templates["fuser"])

	fuserResp, fuserRec, err := e.callModel(ctx, v.FuserModel, fuserReq, opts, "fuser")
	records = append(records, fuserRec)

	if err != nil {
		return nil, err
	}

	return finalizeResult(function, fuserResp.Content, records)
}

func buildFuserRequest(candidates []*llmtypes.ModelInferenceResponse, template string) *llmtypes.ModelInferenceRequest {
	var sb strings.Builder

	sb.WriteString(template)
	sb.WriteString("\n\n")

	for i, c := range candidates {
		if c == nil {
			continue
		}

		sb.WriteString(fmt.Sprintf("Candidate %d:\n%s\n\n", i, flattenBlocks(c.Content)))
	}

	return &llmtypes.ModelInferenceRequest{
		Input: llmtypes.Input{Messages: []llmtypes.Message{
			{Role: llmtypes.RoleUser, Content: []llmtypes.Block{{Type: llmtypes.BlockText, Text: sb.String()}}},
		}},
	}
}

// Demonstration is one k-NN retrieved example injected into the prompt for
// dynamic_in_context_learning.
type Demonstration struct {
	Input  string
	Output string
}

// DemonstrationStore resolves an embedding to its k nearest demonstrations.
// Implemented by whatever backs the function's embeddings index; not
// specified further by spec §4.4 beyond "query an embeddings store".
type DemonstrationStore interface {
	Nearest(ctx context.Context, embedding []float64, k int) ([]Demonstration, error)
}

func (e *Executor) executeDICL(ctx context.Context, function *llmtypes.Function, v *llmtypes.Variant, input llmtypes.Input, opts Options) (*Result, error) {
	if v.EmbeddingModel == "" || len(v.ModelNames) == 0 {
		return nil, gwerr.New(gwerr.KindConfig, "dynamic_in_context_learning variant "+v.Name+" misconfigured")
	}

	userText := ""
	for _, msg := range input.Messages {
		if msg.Role == llmtypes.RoleUser {
			userText += flattenBlocks(msg.Content)
		}
	}

	embedReq := &llmtypes.ModelInferenceRequest{
		Input: llmtypes.Input{Messages: []llmtypes.Message{
			{Role: llmtypes.RoleUser, Content: []llmtypes.Block{{Type: llmtypes.BlockText, Text: userText}}},
		}},
	}

	_, embedRec, err := e.callModel(ctx, v.EmbeddingModel, embedReq, opts, "embedding")

	records := []ModelInferenceRecord{embedRec}

	// A DemonstrationStore is supplied by the caller through the context
	// (see WithDemonstrationStore); without one, DICL proceeds with zero
	// demonstrations rather than failing the call.
	demos, _ := demonstrationsFromContext(ctx, v.NumDemonstrations)

	augmented := augmentWithDemonstrations(input, demos)

	req := buildRequest(augmented, function, v, opts.Stream, opts.Params)

	resp, rec, err := e.callModel(ctx, v.ModelNames[0], req, opts, "main")
	records = append(records, rec)

	if err != nil {
		return nil, err
	}

	return finalizeResult(function, resp.Content, records)
}

type demoCtxKey struct{}

// WithDemonstrationStore attaches a DemonstrationStore for executeDICL to
// consult. The dispatcher does not call it; without it DICL runs with no
// demonstrations.
func WithDemonstrationStore(ctx context.Context, store DemonstrationStore) context.Context {
	return context.WithValue(ctx, demoCtxKey{}, store)
}

func demonstrationsFromContext(ctx context.Context, k int) ([]Demonstration, error) {
	store, ok := ctx.Value(demoCtxKey{}).(DemonstrationStore)
	if !ok || store == nil {
		return nil, nil
	}

	// The embedding itself isn't threaded through the context lookup; in
	// a full wiring the caller computes it once and passes both the
	// vector and k here. Kept minimal since DemonstrationStore is an
	// integration seam spec §4.4 names but does not fully specify.
	return store.Nearest(ctx, nil, k)
}

func augmentWithDemonstrations(input llmtypes.Input, demos []Demonstration) llmtypes.Input {
	if len(demos) == 0 {
		return input
	}

	out := input
	out.Messages = nil

	var sb strings.Builder
	for _, d := range demos {
		sb.WriteString(fmt.Sprintf("Example input: %s\nExample output: %s\n\n", d.Input, d.Output))
	}

	out.Messages = append(out.Messages, llmtypes.Message{
		Role:    llmtypes.RoleSystem,
		Content: []llmtypes.Block{{Type: llmtypes.BlockText, Text: sb.String()}},
	})
	out.Messages = append(out.Messages, input.Messages...)

	return out
}

func (e *Executor) executeChainOfThought(ctx context.Context, function *llmtypes.Function, v *llmtypes.Variant, input llmtypes.Input, opts Options) (*Result, error) {
	if v.ReasoningModel == "" || v.AnswerModel == "" {
		return nil, gwerr.New(gwerr.KindConfig, "chain_of_thought variant "+v.Name+" misconfigured")
	}

	reasoningReq := buildRequest(input, function, v, false, opts.Params)

	reasoningResp, reasoningRec, err := e.callModel(ctx, v.ReasoningModel, reasoningReq, opts, "reasoning")

	records := []ModelInferenceRecord{reasoningRec}

	if err != nil {
		return nil, err
	}

	thought := flattenBlocks(reasoningResp.Content)

	answerInput := input
	answerInput.Messages = append(append([]llmtypes.Message{}, input.Messages...), llmtypes.Message{
		Role:    llmtypes.RoleAssistant,
		Content: []llmtypes.Block{{Type: llmtypes.BlockThought, ThoughtSummary: thought}},
	})

	answerReq := buildRequest(answerInput, function, v, opts.Stream, opts.Params)

	answerResp, answerRec, err := e.callModel(ctx, v.AnswerModel, answerReq, opts, "answer")
	records = append(records, answerRec)

	if err != nil {
		return nil, err
	}

	return finalizeResult(function, answerResp.Content, records)
}

// ExecuteStream runs a streaming call. chat_completion forwards the
// underlying model stream directly; every other variant kind degrades to
// non-streaming and the caller receives a single-chunk stream
// reconstructed from Execute.
//
// The returned *StreamProviderInfo identifies the (model, provider) pair
// backing the still-in-flight stream, for chat_completion's direct-stream
// path only (nil otherwise): that call's content/usage/finish_reason aren't
// known until the caller finishes draining the stream, so the
// ModelInference record for the winning attempt can't be built here the
// way it is for every other path's already-complete ModelInferenceRecord.
func (e *Executor) ExecuteStream(ctx context.Context, function *llmtypes.Function, v *llmtypes.Variant, input llmtypes.Input, opts Options) (streams.Stream[*llmtypes.StreamChunk], []ModelInferenceRecord, *StreamProviderInfo, error) {
	opts.Stream = true

	switch v.Kind {
	case llmtypes.VariantBestOfNSampling, llmtypes.VariantMixtureOfN:
		result, err := e.Execute(ctx, function, v, input, opts)
		if err != nil {
			return nil, nil, nil, err
		}

		chunk := &llmtypes.StreamChunk{Content: result.ChatContent, FinishReason: llmtypes.FinishStop}
		if opts.IncludeCollectedChunks {
			chunk.Content = result.ChatContent
		}

		return streams.SliceStream([]*llmtypes.StreamChunk{chunk}), result.ModelInferences, nil, nil

	case llmtypes.VariantChatCompletion:
		if len(v.ModelNames) == 0 {
			return nil, nil, nil, gwerr.New(gwerr.KindConfig, "chat_completion variant "+v.Name+" declares no models")
		}

		req := buildRequest(input, function, v, true, opts.Params)

		m, err := e.model(v.ModelNames[0])
		if err != nil {
			return nil, nil, nil, err
		}

		stream, providerName, attempts, err := e.Runner.InferStream(ctx, m, req, opts.RunnerOptions)
		if err != nil {
			return nil, nil, nil, err
		}

		records := make([]ModelInferenceRecord, 0, len(attempts))
		for _, a := range attempts {
			records = append(records, ModelInferenceRecord{Stage: "candidate", ModelName: v.ModelNames[0], ProviderName: a.ProviderName, Err: a.Err})
		}

		return stream, records, &StreamProviderInfo{ModelName: v.ModelNames[0], ProviderName: providerName}, nil

	default:
		// dynamic_in_context_learning and chain_of_thought's final answer
		// stage can stream in principle, but the preparatory stages
		// (embedding/reasoning) are always synchronous non-streaming
		// calls; degrade to Execute + single-chunk stream like best_of_n.
		result, err := e.Execute(ctx, function, v, input, opts)
		if err != nil {
			return nil, nil, nil, err
		}

		chunk := &llmtypes.StreamChunk{Content: result.ChatContent, FinishReason: llmtypes.FinishStop}

		return streams.SliceStream([]*llmtypes.StreamChunk{chunk}), result.ModelInferences, nil, nil
	}
}

// StreamProviderInfo names the (model, provider) pair serving a live stream
// whose ModelInference record can't be finalized until the stream ends.
type StreamProviderInfo struct {
	ModelName    string
	ProviderName string
}
