// Package llmtypes holds the canonical data-model types shared across the
// gateway's core: canonical content blocks, model inference requests and
// responses, and the function/variant/model/provider configuration graph
// (spec §3 DATA MODEL).
package llmtypes

import "encoding/json"

// Role is the speaker of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType discriminates the closed set of content blocks (spec §3
// "Canonical input"). Modeled as a tagged struct rather than an interface
// hierarchy so the model runner/adapters can switch over Type exhaustively,
// matching the "closed variant over providers" design note (spec §9).
type BlockType string

const (
	BlockText     BlockType = "text"
	BlockTemplate BlockType = "template"
	BlockToolCall BlockType = "tool_call"
	BlockToolResult BlockType = "tool_result"
	BlockRawText  BlockType = "raw_text"
	BlockThought  BlockType = "thought"
	BlockFile     BlockType = "file"
	BlockUnknown  BlockType = "unknown"
)

// Block is one element of a Message's content sequence. Exactly the fields
// relevant to Type are populated; this mirrors the closed-variant content
// block union from spec §3 without requiring generics-over-interfaces for
// every call site (canonicalization, fingerprinting, and adapters all walk
// the same flat struct).
type Block struct {
	Type BlockType `json:"type"`

	// Text / RawText.
	Text string `json:"text,omitempty"`

	// Template.
	TemplateName string         `json:"template_name,omitempty"`
	Arguments    map[string]any `json:"arguments,omitempty"`

	// ToolCall.
	ToolCallID        string `json:"tool_call_id,omitempty"`
	ToolName          string `json:"tool_name,omitempty"`
	ToolCallArguments string `json:"tool_call_arguments,omitempty"`

	// ToolResult.
	ToolResult string `json:"tool_result,omitempty"`

	// Thought.
	ThoughtSignature string `json:"thought_signature,omitempty"`
	ThoughtSummary   string `json:"thought_summary,omitempty"`
	ProviderType     string `json:"provider_type,omitempty"`

	// File.
	FileBase64     string `json:"file_base64,omitempty"`
	FileStorageRef string `json:"file_storage_ref,omitempty"`
	FileURL        string `json:"file_url,omitempty"`
	FileMimeType   string `json:"file_mime_type,omitempty"`

	// Unknown.
	UnknownData         json.RawMessage `json:"unknown_data,omitempty"`
	UnknownProviderName string          `json:"unknown_provider_name,omitempty"`
}

// Message is one turn of the canonical conversation.
type Message struct {
	Role    Role    `json:"role"`
	Content []Block `json:"content"`
}

// Input is the canonicalizer's input and output shape: {system?, messages}.
// Before canonicalization, Messages may still contain BlockTemplate blocks;
// after canonicalize() runs, all BlockTemplate blocks have been expanded
// into BlockText (or rejected).
type Input struct {
	System   string    `json:"system,omitempty"`
	Messages []Message `json:"messages"`
}
