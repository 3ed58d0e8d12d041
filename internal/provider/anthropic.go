package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/tensorzero/tensorzero-sub029/internal/credential"
	"github.com/tensorzero/tensorzero-sub029/internal/gwerr"
	"github.com/tensorzero/tensorzero-sub029/internal/llmtypes"
	"github.com/looplj/axonhub/llm/httpclient"
	"github.com/looplj/axonhub/llm/streams"
)

// anthropicAdapter talks the Anthropic Messages API.
type anthropicAdapter struct {
	client  *httpclient.HttpClient
	baseURL string
}

// NewAnthropicAdapter builds the adapter bound to api.anthropic.com.
func NewAnthropicAdapter() Adapter {
	return &anthropicAdapter{
		client:  httpclient.NewHttpClient(),
		baseURL: "https://api.anthropic.com/v1",
	}
}

type anthContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type anthMessage struct {
	Role    string             `json:"role"`
	Content []anthContentBlock `json:"content"`
}

type anthTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthRequest struct {
	Model       string        `json:"model"`
	System      string        `json:"system,omitempty"`
	Messages    []anthMessage `json:"messages"`
	Tools       []anthTool    `json:"tools,omitempty"`
	ToolChoice  any           `json:"tool_choice,omitempty"`
	MaxTokens   int64         `json:"max_tokens"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	StopSequences []string    `json:"stop_sequences,omitempty"`
}

type anthUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type anthResponse struct {
	ID         string             `json:"id"`
	Content    []anthContentBlock `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      anthUsage          `json:"usage"`
}

const defaultAnthropicMaxTokens = 4096

func buildAnthMessages(req *llmtypes.ModelInferenceRequest) []anthMessage {
	var out []anthMessage

	for _, msg := range req.Input.Messages {
		if msg.Role == llmtypes.RoleSystem {
			continue
		}

		var content []anthContentBlock

		for _, b := range msg.Content {
			switch b.Type {
			case llmtypes.BlockText, llmtypes.BlockRawText:
				content = append(content, anthContentBlock{Type: "text", Text: b.Text})
			case llmtypes.BlockToolCall:
				content = append(content, anthContentBlock{
					Type: "tool_use", ID: b.ToolCallID, Name: b.ToolName,
					Input: json.RawMessage(b.ToolCallArguments),
				})
			case llmtypes.BlockToolResult:
				content = append(content, anthContentBlock{Type: "tool_result", ToolUseID: b.ToolCallID, Content: b.ToolResult})
			case llmtypes.BlockThought:
				content = append(content, anthContentBlock{Type: "text", Text: b.ThoughtSummary})
			}
		}

		out = append(out, anthMessage{Role: string(msg.Role), Content: content})
	}

	return out
}

func buildAnthToolChoice(tc llmtypes.ToolChoice) any {
	switch tc.Mode {
	case "none":
		return map[string]string{"type": "none"}
	case "required":
		return map[string]string{"type": "any"}
	case "specific":
		return map[string]string{"type": "tool", "name": tc.ToolName}
	default:
		return map[string]string{"type": "auto"}
	}
}

func buildAnthRequest(req *llmtypes.ModelInferenceRequest, mp *llmtypes.ModelProvider) *anthRequest {
	maxTokens := int64(defaultAnthropicMaxTokens)
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	out := &anthRequest{
		Model:         mp.ModelID,
		System:        req.Input.System,
		Messages:      buildAnthMessages(req),
		MaxTokens:     maxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		Stream:        req.Stream,
		StopSequences: req.Stop,
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, anthTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
	}

	if len(out.Tools) > 0 {
		out.ToolChoice = buildAnthToolChoice(req.ToolChoice)
	}

	return out
}

func mapAnthStopReason(reason string) llmtypes.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return llmtypes.FinishStop
	case "max_tokens":
		return llmtypes.FinishLength
	case "tool_use":
		return llmtypes.FinishToolCall
	default:
		return llmtypes.FinishStop
	}
}

func anthBlocksToCanonical(blocks []anthContentBlock) []llmtypes.Block {
	var out []llmtypes.Block

	for _, b := range blocks {
		switch b.Type {
		case "text":
			out = append(out, llmtypes.Block{Type: llmtypes.BlockText, Text: b.Text})
		case "tool_use":
			out = append(out, llmtypes.Block{
				Type: llmtypes.BlockToolCall, ToolCallID: b.ID, ToolName: b.Name,
				ToolCallArguments: string(b.Input),
			})
		}
	}

	return out
}

func (a *anthropicAdapter) resolveBaseURL(mp *llmtypes.ModelProvider) string {
	if mp.BaseURL != "" {
		return mp.BaseURL
	}

	return a.baseURL
}

func (a *anthropicAdapter) buildHTTPRequest(mp *llmtypes.ModelProvider, secret *credential.Secret, anthReq *anthRequest) (*httpclient.Request, error) {
	body, err := json.Marshal(anthReq)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindSerialization, "marshal anthropic request", err)
	}

	headers := map[string][]string{"anthropic-version": {"2023-06-01"}}
	for k, v := range mp.ExtraHeaders {
		headers[k] = []string{v}
	}

	var apiKey string
	if secret != nil {
		apiKey = string(secret.Value())
	}

	return &httpclient.Request{
		Method:      "POST",
		URL:         a.resolveBaseURL(mp) + "/messages",
		ContentType: "application/json",
		Body:        body,
		Headers:     headers,
		Auth:        &httpclient.AuthConfig{Type: httpclient.AuthTypeAPIKey, HeaderKey: "x-api-key", APIKey: apiKey},
	}, nil
}

func (a *anthropicAdapter) Infer(ctx context.Context, req *llmtypes.ModelInferenceRequest, mp *llmtypes.ModelProvider, secret *credential.Secret) (*llmtypes.ModelInferenceResponse, error) {
	anthReq := buildAnthRequest(req, mp)
	anthReq.Stream = false

	httpReq, err := a.buildHTTPRequest(mp, secret, anthReq)
	if err != nil {
		return nil, err
	}

	start := time.Now()

	resp, err := a.client.Do(ctx, httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	var anthResp anthResponse
	if err := json.Unmarshal(resp.Body, &anthResp); err != nil {
		return nil, gwerr.Wrap(gwerr.KindStreamDecode, "decode anthropic response", err)
	}

	return &llmtypes.ModelInferenceResponse{
		ID:      anthResp.ID,
		Created: time.Now().UTC(),
		Content: anthBlocksToCanonical(anthResp.Content),
		Usage: llmtypes.Usage{
			InputTokens:  anthResp.Usage.InputTokens,
			OutputTokens: anthResp.Usage.OutputTokens,
		},
		RawRequest:   httpReq.Body,
		RawResponse:  resp.Body,
		Latency:      time.Since(start),
		FinishReason: mapAnthStopReason(anthResp.StopReason),
	}, nil
}

type anthStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	ContentBlock struct {
		Type  string `json:"type"`
		ID    string `json:"id"`
		Name  string `json:"name"`
	} `json:"content_block"`
	Usage *anthUsage `json:"usage"`
}

func (a *anthropicAdapter) InferStream(ctx context.Context, req *llmtypes.ModelInferenceRequest, mp *llmtypes.ModelProvider, secret *credential.Secret) (streams.Stream[*llmtypes.StreamChunk], error) {
	anthReq := buildAnthRequest(req, mp)
	anthReq.Stream = true

	httpReq, err := a.buildHTTPRequest(mp, secret, anthReq)
	if err != nil {
		return nil, err
	}

	dec, err := a.client.DoStream(ctx, httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	return newProviderChunkStream(dec, decodeAnthChunk)
}

func decodeAnthChunk(event *httpclient.StreamEvent) (*llmtypes.StreamChunk, bool, error) {
	data := bytes.TrimSpace(event.Data)
	if len(data) == 0 {
		return nil, false, nil
	}

	var ev anthStreamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, false, gwerr.Wrap(gwerr.KindStreamDecode, "decode anthropic stream event", err)
	}

	out := &llmtypes.StreamChunk{}

	switch ev.Type {
	case "content_block_delta":
		switch ev.Delta.Type {
		case "text_delta":
			out.Content = append(out.Content, llmtypes.Block{Type: llmtypes.BlockText, Text: ev.Delta.Text})
		case "input_json_delta":
			out.Content = append(out.Content, llmtypes.Block{Type: llmtypes.BlockToolCall, ToolCallArguments: ev.Delta.PartialJSON})
		default:
			return nil, false, nil
		}
	case "content_block_start":
		if ev.ContentBlock.Type == "tool_use" {
			out.Content = append(out.Content, llmtypes.Block{Type: llmtypes.BlockToolCall, ToolCallID: ev.ContentBlock.ID, ToolName: ev.ContentBlock.Name})
		} else {
			return nil, false, nil
		}
	case "message_delta":
		if ev.Delta.StopReason != "" {
			out.FinishReason = mapAnthStopReason(ev.Delta.StopReason)
		}

		if ev.Usage != nil {
			out.PartialUsage = &llmtypes.Usage{InputTokens: ev.Usage.InputTokens, OutputTokens: ev.Usage.OutputTokens}
		}

		if ev.Delta.StopReason == "" && ev.Usage == nil {
			return nil, false, nil
		}
	default:
		return nil, false, nil
	}

	return out, true, nil
}
