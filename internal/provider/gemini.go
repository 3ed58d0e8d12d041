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

// geminiAdapter talks the Gemini/Vertex generateContent wire format.
type geminiAdapter struct {
	client  *httpclient.HttpClient
	baseURL string
}

// NewGeminiAdapter builds the adapter bound to generativelanguage.googleapis.com.
func NewGeminiAdapter() Adapter {
	return &geminiAdapter{
		client:  httpclient.NewHttpClient(),
		baseURL: "https://generativelanguage.googleapis.com/v1beta",
	}
}

type geminiPart struct {
	Text             string          `json:"text,omitempty"`
	FunctionCall     *geminiFnCall   `json:"functionCall,omitempty"`
	FunctionResponse *geminiFnResp   `json:"functionResponse,omitempty"`
}

type geminiFnCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type geminiFnResp struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiFnDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFnDecl `json:"functionDeclarations"`
}

type geminiGenConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	MaxOutputTokens  *int64   `json:"maxOutputTokens,omitempty"`
	StopSequences    []string `json:"stopSequences,omitempty"`
	ResponseMimeType string   `json:"responseMimeType,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	Contents          []geminiContent  `json:"contents"`
	Tools             []geminiTool     `json:"tools,omitempty"`
	GenerationConfig  *geminiGenConfig `json:"generationConfig,omitempty"`
}

type geminiUsageMeta struct {
	PromptTokenCount     int64 `json:"promptTokenCount"`
	CandidatesTokenCount int64 `json:"candidatesTokenCount"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata geminiUsageMeta   `json:"usageMetadata"`
}

func geminiRole(r llmtypes.Role) string {
	if r == llmtypes.RoleAssistant {
		return "model"
	}

	return "user"
}

func buildGeminiContents(req *llmtypes.ModelInferenceRequest) []geminiContent {
	var out []geminiContent

	for _, msg := range req.Input.Messages {
		if msg.Role == llmtypes.RoleSystem {
			continue
		}

		var parts []geminiPart

		for _, b := range msg.Content {
			switch b.Type {
			case llmtypes.BlockText, llmtypes.BlockRawText:
				parts = append(parts, geminiPart{Text: b.Text})
			case llmtypes.BlockToolCall:
				parts = append(parts, geminiPart{FunctionCall: &geminiFnCall{Name: b.ToolName, Args: json.RawMessage(b.ToolCallArguments)}})
			case llmtypes.BlockToolResult:
				parts = append(parts, geminiPart{FunctionResponse: &geminiFnResp{Name: b.ToolName, Response: json.RawMessage(b.ToolResult)}})
			}
		}

		out = append(out, geminiContent{Role: geminiRole(msg.Role), Parts: parts})
	}

	return out
}

func buildGeminiRequest(req *llmtypes.ModelInferenceRequest) *geminiRequest {
	out := &geminiRequest{
		Contents: buildGeminiContents(req),
		GenerationConfig: &geminiGenConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.Stop,
		},
	}

	if req.Input.System != "" {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.Input.System}}}
	}

	if req.JSONMode == llmtypes.JSONModeOn || req.JSONMode == llmtypes.JSONModeStrict {
		out.GenerationConfig.ResponseMimeType = "application/json"
	}

	if len(req.Tools) > 0 {
		decl := geminiTool{}
		for _, t := range req.Tools {
			decl.FunctionDeclarations = append(decl.FunctionDeclarations, geminiFnDecl{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
		}

		out.Tools = []geminiTool{decl}
	}

	return out
}

func mapGeminiFinishReason(reason string) llmtypes.FinishReason {
	switch reason {
	case "STOP":
		return llmtypes.FinishStop
	case "MAX_TOKENS":
		return llmtypes.FinishLength
	case "SAFETY", "RECITATION":
		return llmtypes.FinishContentFilter
	default:
		return llmtypes.FinishStop
	}
}

func geminiContentToBlocks(c geminiContent) []llmtypes.Block {
	var out []llmtypes.Block

	for _, p := range c.Parts {
		switch {
		case p.Text != "":
			out = append(out, llmtypes.Block{Type: llmtypes.BlockText, Text: p.Text})
		case p.FunctionCall != nil:
			out = append(out, llmtypes.Block{Type: llmtypes.BlockToolCall, ToolName: p.FunctionCall.Name, ToolCallArguments: string(p.FunctionCall.Args)})
		}
	}

	return out
}

func (a *geminiAdapter) resolveBaseURL(mp *llmtypes.ModelProvider) string {
	if mp.BaseURL != "" {
		return mp.BaseURL
	}

	return a.baseURL
}

func (a *geminiAdapter) buildHTTPRequest(mp *llmtypes.ModelProvider, secret *credential.Secret, genReq *geminiRequest, stream bool) (*httpclient.Request, error) {
	body, err := json.Marshal(genReq)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindSerialization, "marshal gemini request", err)
	}

	action := "generateContent"
	if stream {
		action = "streamGenerateContent?alt=sse"
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
		URL:         a.resolveBaseURL(mp) + "/models/" + mp.ModelID + ":" + action,
		ContentType: "application/json",
		Body:        body,
		Headers:     headers,
		Auth:        &httpclient.AuthConfig{Type: httpclient.AuthTypeAPIKey, HeaderKey: "x-goog-api-key", APIKey: apiKey},
	}, nil
}

func (a *geminiAdapter) Infer(ctx context.Context, req *llmtypes.ModelInferenceRequest, mp *llmtypes.ModelProvider, secret *credential.Secret) (*llmtypes.ModelInferenceResponse, error) {
	genReq := buildGeminiRequest(req)

	httpReq, err := a.buildHTTPRequest(mp, secret, genReq, false)
	if err != nil {
		return nil, err
	}

	start := time.Now()

	resp, err := a.client.Do(ctx, httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	var genResp geminiResponse
	if err := json.Unmarshal(resp.Body, &genResp); err != nil {
		return nil, gwerr.Wrap(gwerr.KindStreamDecode, "decode gemini response", err)
	}

	if len(genResp.Candidates) == 0 {
		return nil, gwerr.New(gwerr.KindInferenceServer, "gemini response had no candidates")
	}

	cand := genResp.Candidates[0]

	return &llmtypes.ModelInferenceResponse{
		Created: time.Now().UTC(),
		Content: geminiContentToBlocks(cand.Content),
		Usage: llmtypes.Usage{
			InputTokens:  genResp.UsageMetadata.PromptTokenCount,
			OutputTokens: genResp.UsageMetadata.CandidatesTokenCount,
		},
		RawRequest:   httpReq.Body,
		RawResponse:  resp.Body,
		Latency:      time.Since(start),
		FinishReason: mapGeminiFinishReason(cand.FinishReason),
	}, nil
}

func (a *geminiAdapter) InferStream(ctx context.Context, req *llmtypes.ModelInferenceRequest, mp *llmtypes.ModelProvider, secret *credential.Secret) (streams.Stream[*llmtypes.StreamChunk], error) {
	genReq := buildGeminiRequest(req)

	httpReq, err := a.buildHTTPRequest(mp, secret, genReq, true)
	if err != nil {
		return nil, err
	}

	dec, err := a.client.DoStream(ctx, httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	return newProviderChunkStream(dec, decodeGeminiChunk)
}

func decodeGeminiChunk(event *httpclient.StreamEvent) (*llmtypes.StreamChunk, bool, error) {
	data := bytes.TrimSpace(event.Data)
	if len(data) == 0 {
		return nil, false, nil
	}

	var genResp geminiResponse
	if err := json.Unmarshal(data, &genResp); err != nil {
		return nil, false, gwerr.Wrap(gwerr.KindStreamDecode, "decode gemini stream chunk", err)
	}

	if len(genResp.Candidates) == 0 {
		return nil, false, nil
	}

	cand := genResp.Candidates[0]

	out := &llmtypes.StreamChunk{
		Content: geminiContentToBlocks(cand.Content),
	}

	if genResp.UsageMetadata.PromptTokenCount > 0 || genResp.UsageMetadata.CandidatesTokenCount > 0 {
		out.PartialUsage = &llmtypes.Usage{
			InputTokens:  genResp.UsageMetadata.PromptTokenCount,
			OutputTokens: genResp.UsageMetadata.CandidatesTokenCount,
		}
	}

	if cand.FinishReason != "" {
		out.FinishReason = mapGeminiFinishReason(cand.FinishReason)
	}

	return out, true, nil
}
