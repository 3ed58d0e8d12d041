package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tensorzero/tensorzero-sub029/internal/credential"
	"github.com/tensorzero/tensorzero-sub029/internal/gwerr"
	"github.com/tensorzero/tensorzero-sub029/internal/llmtypes"
	"github.com/looplj/axonhub/llm/httpclient"
	"github.com/looplj/axonhub/llm/streams"
)

// openAIAdapter talks the OpenAI chat completions wire format. It also
// backs every OpenAI-compatible provider (section OpenAICompatibleAdapter
// below) since they all accept the same request/response shape with only
// base URL and auth header differing.
type openAIAdapter struct {
	client  *httpclient.HttpClient
	baseURL string // overridden per-call by mp.BaseURL when set.
}

// NewOpenAIAdapter builds the adapter bound to api.openai.com.
func NewOpenAIAdapter() Adapter {
	return &openAIAdapter{
		client:  httpclient.NewHttpClient(),
		baseURL: "https://api.openai.com/v1",
	}
}

// NewOpenAICompatibleAdapter builds an adapter for a provider that speaks
// the OpenAI wire format from a different base URL (Deepseek, OpenRouter,
// Mistral, Together, Fireworks, Groq, vLLM, LlamaAPI all qualify).
func NewOpenAICompatibleAdapter(kind string) Adapter {
	return &openAIAdapter{client: httpclient.NewHttpClient()}
}

type oaMessage struct {
	Role       string          `json:"role"`
	Content    string          `json:"content,omitempty"`
	ToolCalls  []oaToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Name       string          `json:"name,omitempty"`
}

type oaToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type oaTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
		Strict      bool            `json:"strict,omitempty"`
	} `json:"function"`
}

type oaRequest struct {
	Model            string          `json:"model"`
	Messages         []oaMessage     `json:"messages"`
	Tools            []oaTool        `json:"tools,omitempty"`
	ToolChoice       any             `json:"tool_choice,omitempty"`
	ParallelToolCalls *bool          `json:"parallel_tool_calls,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	MaxTokens        *int64          `json:"max_tokens,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	Seed             *int64          `json:"seed,omitempty"`
	Stop             []string        `json:"stop,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	ResponseFormat   *oaResponseFmt  `json:"response_format,omitempty"`
}

type oaResponseFmt struct {
	Type       string          `json:"type"`
	JSONSchema *oaJSONSchema   `json:"json_schema,omitempty"`
}

type oaJSONSchema struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

type oaChoice struct {
	Index        int       `json:"index"`
	Message      oaMessage `json:"message"`
	FinishReason string    `json:"finish_reason"`
}

type oaUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

type oaResponse struct {
	ID      string     `json:"id"`
	Created int64      `json:"created"`
	Choices []oaChoice `json:"choices"`
	Usage   oaUsage    `json:"usage"`
}

type oaStreamDelta struct {
	Role      string       `json:"role,omitempty"`
	Content   string       `json:"content,omitempty"`
	ToolCalls []oaToolCall `json:"tool_calls,omitempty"`
}

type oaStreamChoice struct {
	Delta        oaStreamDelta `json:"delta"`
	FinishReason *string       `json:"finish_reason"`
}

type oaStreamChunk struct {
	Choices []oaStreamChoice `json:"choices"`
	Usage   *oaUsage         `json:"usage"`
}

func buildOAIMessages(req *llmtypes.ModelInferenceRequest) []oaMessage {
	var out []oaMessage

	if req.Input.System != "" {
		out = append(out, oaMessage{Role: "system", Content: req.Input.System})
	}

	for _, msg := range req.Input.Messages {
		role := string(msg.Role)

		var toolCalls []oaToolCall

		var content string

		for _, b := range msg.Content {
			switch b.Type {
			case llmtypes.BlockToolCall:
				tc := oaToolCall{ID: b.ToolCallID, Type: "function"}
				tc.Function.Name = b.ToolName
				tc.Function.Arguments = b.ToolCallArguments
				toolCalls = append(toolCalls, tc)
			case llmtypes.BlockToolResult:
				out = append(out, oaMessage{Role: "tool", Content: b.ToolResult, ToolCallID: b.ToolCallID})
			default:
				if content != "" {
					content += "\n"
				}

				content += flattenText([]llmtypes.Block{b})
			}
		}

		if content != "" || len(toolCalls) > 0 {
			out = append(out, oaMessage{Role: role, Content: content, ToolCalls: toolCalls})
		}
	}

	return out
}

func buildOAIToolChoice(tc llmtypes.ToolChoice) any {
	switch tc.Mode {
	case "", "auto":
		return "auto"
	case "none":
		return "none"
	case "required":
		return "required"
	case "specific":
		m := map[string]any{
			"type":     "function",
			"function": map[string]string{"name": tc.ToolName},
		}

		return m
	default:
		return "auto"
	}
}

func buildOAIRequest(req *llmtypes.ModelInferenceRequest, mp *llmtypes.ModelProvider) *oaRequest {
	out := &oaRequest{
		Model:            mp.ModelID,
		Messages:         buildOAIMessages(req),
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		MaxTokens:        req.MaxTokens,
		PresencePenalty:  req.PresencePenalty,
		FrequencyPenalty: req.FrequencyPenalty,
		Seed:             req.Seed,
		Stop:             req.Stop,
		Stream:           req.Stream,
	}

	if len(req.Tools) > 0 {
		for _, t := range req.Tools {
			var tool oaTool
			tool.Type = "function"
			tool.Function.Name = t.Name
			tool.Function.Description = t.Description
			tool.Function.Parameters = t.Parameters
			tool.Function.Strict = t.Strict
			out.Tools = append(out.Tools, tool)
		}

		out.ToolChoice = buildOAIToolChoice(req.ToolChoice)
		out.ParallelToolCalls = &req.ParallelToolCalls
	}

	switch req.JSONMode {
	case llmtypes.JSONModeOn:
		out.ResponseFormat = &oaResponseFmt{Type: "json_object"}
	case llmtypes.JSONModeStrict:
		out.ResponseFormat = &oaResponseFmt{
			Type: "json_schema",
			JSONSchema: &oaJSONSchema{
				Name:   "response",
				Strict: true,
				Schema: req.OutputSchema,
			},
		}
	}

	return out
}

func mapOAIFinishReason(reason string) llmtypes.FinishReason {
	switch reason {
	case "stop":
		return llmtypes.FinishStop
	case "length":
		return llmtypes.FinishLength
	case "tool_calls":
		return llmtypes.FinishToolCall
	case "content_filter":
		return llmtypes.FinishContentFilter
	default:
		return llmtypes.FinishStop
	}
}

func oaMessageToBlocks(msg oaMessage) []llmtypes.Block {
	var blocks []llmtypes.Block

	if msg.Content != "" {
		blocks = append(blocks, llmtypes.Block{Type: llmtypes.BlockText, Text: msg.Content})
	}

	for _, tc := range msg.ToolCalls {
		blocks = append(blocks, llmtypes.Block{
			Type:              llmtypes.BlockToolCall,
			ToolCallID:        tc.ID,
			ToolName:          tc.Function.Name,
			ToolCallArguments: tc.Function.Arguments,
		})
	}

	return blocks
}

func (a *openAIAdapter) resolveBaseURL(mp *llmtypes.ModelProvider) string {
	if mp.BaseURL != "" {
		return mp.BaseURL
	}

	return a.baseURL
}

func (a *openAIAdapter) buildHTTPRequest(req *llmtypes.ModelInferenceRequest, mp *llmtypes.ModelProvider, secret *credential.Secret, oaReq *oaRequest) (*httpclient.Request, error) {
	body, err := json.Marshal(oaReq)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindSerialization, "marshal openai request", err)
	}

	headers := make(map[string][]string, len(mp.ExtraHeaders))
	for k, v := range mp.ExtraHeaders {
		headers[k] = []string{v}
	}

	var apiKey string
	if secret != nil {
		apiKey = string(secret.Value())
	}

	return &httpclient.Request{
		Method:      "POST",
		URL:         a.resolveBaseURL(mp) + "/chat/completions",
		ContentType: "application/json",
		Body:        body,
		Headers:     headers,
		Auth:        &httpclient.AuthConfig{Type: httpclient.AuthTypeBearer, APIKey: apiKey},
	}, nil
}

func (a *openAIAdapter) Infer(ctx context.Context, req *llmtypes.ModelInferenceRequest, mp *llmtypes.ModelProvider, secret *credential.Secret) (*llmtypes.ModelInferenceResponse, error) {
	oaReq := buildOAIRequest(req, mp)
	oaReq.Stream = false

	httpReq, err := a.buildHTTPRequest(req, mp, secret, oaReq)
	if err != nil {
		return nil, err
	}

	start := time.Now()

	resp, err := a.client.Do(ctx, httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	var oaResp oaResponse
	if err := json.Unmarshal(resp.Body, &oaResp); err != nil {
		return nil, gwerr.Wrap(gwerr.KindStreamDecode, "decode openai response", err)
	}

	if len(oaResp.Choices) == 0 {
		return nil, gwerr.New(gwerr.KindInferenceServer, "openai response had no choices")
	}

	choice := oaResp.Choices[0]

	return &llmtypes.ModelInferenceResponse{
		ID:      oaResp.ID,
		Created: time.Unix(oaResp.Created, 0).UTC(),
		Content: oaMessageToBlocks(choice.Message),
		Usage: llmtypes.Usage{
			InputTokens:  oaResp.Usage.PromptTokens,
			OutputTokens: oaResp.Usage.CompletionTokens,
		},
		RawRequest:   httpReq.Body,
		RawResponse:  resp.Body,
		Latency:      time.Since(start),
		FinishReason: mapOAIFinishReason(choice.FinishReason),
	}, nil
}

func (a *openAIAdapter) InferStream(ctx context.Context, req *llmtypes.ModelInferenceRequest, mp *llmtypes.ModelProvider, secret *credential.Secret) (streams.Stream[*llmtypes.StreamChunk], error) {
	oaReq := buildOAIRequest(req, mp)
	oaReq.Stream = true

	httpReq, err := a.buildHTTPRequest(req, mp, secret, oaReq)
	if err != nil {
		return nil, err
	}

	dec, err := a.client.DoStream(ctx, httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	return newProviderChunkStream(dec, decodeOAIChunk)
}

func decodeOAIChunk(event *httpclient.StreamEvent) (*llmtypes.StreamChunk, bool, error) {
	data := bytes.TrimSpace(event.Data)
	if len(data) == 0 {
		return nil, false, nil
	}

	if string(data) == "[DONE]" {
		return nil, false, nil
	}

	var chunk oaStreamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, false, gwerr.Wrap(gwerr.KindStreamDecode, "decode openai stream chunk", err)
	}

	out := &llmtypes.StreamChunk{}

	if chunk.Usage != nil {
		out.PartialUsage = &llmtypes.Usage{
			InputTokens:  chunk.Usage.PromptTokens,
			OutputTokens: chunk.Usage.CompletionTokens,
		}
	}

	if len(chunk.Choices) == 0 {
		if out.PartialUsage == nil {
			return nil, false, nil
		}

		return out, true, nil
	}

	choice := chunk.Choices[0]

	if choice.Delta.Content != "" {
		out.Content = append(out.Content, llmtypes.Block{Type: llmtypes.BlockText, Text: choice.Delta.Content})
	}

	for _, tc := range choice.Delta.ToolCalls {
		out.Content = append(out.Content, llmtypes.Block{
			Type:              llmtypes.BlockToolCall,
			ToolCallID:        tc.ID,
			ToolName:          tc.Function.Name,
			ToolCallArguments: tc.Function.Arguments,
		})
	}

	if choice.FinishReason != nil {
		out.FinishReason = mapOAIFinishReason(*choice.FinishReason)
	}

	return out, true, nil
}

// classifyTransportError wraps a transport-level failure (StatusError or
// network error) into the closed taxonomy, distinguishing retriable
// (5xx/timeout) from terminal (4xx) per spec §4.3.
func classifyTransportError(err error) error {
	var statusErr *httpclient.StatusError
	if ok := asStatusError(err, &statusErr); ok {
		if classifyHTTPStatus(statusErr.StatusCode) == "server" {
			return gwerr.Wrap(gwerr.KindInferenceServer, fmt.Sprintf("provider returned %d", statusErr.StatusCode), err)
		}

		return gwerr.Wrap(gwerr.KindInferenceClient, fmt.Sprintf("provider returned %d", statusErr.StatusCode), err)
	}

	return gwerr.Wrap(gwerr.KindInferenceServer, "provider transport error", err)
}
