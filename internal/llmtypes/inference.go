package llmtypes

import (
	"encoding/json"
	"time"
)

// JSONMode is the output-shaping strategy an adapter applies (spec §4.2).
type JSONMode string

const (
	JSONModeOff          JSONMode = "off"
	JSONModeOn           JSONMode = "on"
	JSONModeStrict       JSONMode = "strict"
	JSONModeImplicitTool JSONMode = "implicit_tool"
)

// FunctionType distinguishes chat functions (free-form content, optional
// tools) from json functions (schema-validated structured output).
type FunctionType string

const (
	FunctionTypeChat FunctionType = "chat"
	FunctionTypeJSON FunctionType = "json"
)

// ToolChoice mirrors the provider-agnostic tool-choice sum: auto/none/
// required, or a specific named tool.
type ToolChoice struct {
	Mode       string `json:"mode"` // "auto" | "none" | "required" | "specific"
	ToolName   string `json:"tool_name,omitempty"`
}

// Tool is one callable tool definition.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
	Strict      bool            `json:"strict,omitempty"`
}

// ModelInferenceRequest is the normalized chat-completion request shape
// handed to a provider adapter (spec §3 "Model inference request").
type ModelInferenceRequest struct {
	Input Input

	Tools            []Tool
	ToolChoice        ToolChoice
	ParallelToolCalls bool

	Temperature      *float64
	TopP             *float64
	MaxTokens        *int64
	PresencePenalty  *float64
	FrequencyPenalty *float64
	Seed             *int64
	Stop             []string

	Stream bool

	JSONMode     JSONMode
	FunctionType FunctionType
	OutputSchema json.RawMessage

	// ExtraHeaders/ExtraBody carry per-request extras for this (model,
	// provider) pair. No adapter reads them: adapters send only the
	// configured ModelProvider.ExtraHeaders, and no extra body fields are
	// sent.
	ExtraHeaders map[string]string
	ExtraBody    map[string]json.RawMessage

	// PrefetchFileBytes flags that File blocks referencing a URL or storage
	// ref want resolving to base64 bytes. No adapter reads it; File blocks
	// are passed on as they are.
	PrefetchFileBytes bool
}

// Usage is token accounting, always at least an approximation (spec §9
// Open Question iii: precise tokenization is out of scope).
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// FinishReason is the closed set of stop reasons a provider call can end
// with.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishToolCall  FinishReason = "tool_call"
	FinishContentFilter FinishReason = "content_filter"
	FinishError     FinishReason = "error"
	FinishCancelled FinishReason = "cancelled"
)

// ModelInferenceResponse is the normalized non-streaming provider response
// (spec §3 "Model inference response").
type ModelInferenceResponse struct {
	ID      string
	Created time.Time

	Content []Block

	Usage Usage

	RawRequest  []byte
	RawResponse []byte

	Latency      time.Duration
	TTFT         time.Duration // zero for non-streaming.
	FinishReason FinishReason

	Cached bool
}

// StreamChunk is one element of a streaming provider response.
type StreamChunk struct {
	Content []Block

	// PartialUsage is set on chunks that carry usage; consumers keep the
	// last one seen as the stream's total.
	PartialUsage *Usage

	// FinishReason is set on the chunk that ends the content, which may be
	// followed by a usage-only chunk.
	FinishReason FinishReason

	// Err, when non-nil, terminates the stream; this is the chunk's only
	// field that matters once set (spec §4.2.4: "On decode error the
	// stream yields a single Err and terminates").
	Err error
}
