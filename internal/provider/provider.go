// Package provider implements the model-provider adapter contract from spec
// §4.2: translating a normalized ModelInferenceRequest into a concrete
// wire call against one backend, and translating the wire response back
// into the normalized response/stream-chunk shapes.
package provider

import (
	"context"

	"github.com/tensorzero/tensorzero-sub029/internal/credential"
	"github.com/tensorzero/tensorzero-sub029/internal/gwerr"
	"github.com/tensorzero/tensorzero-sub029/internal/llmtypes"
	"github.com/looplj/axonhub/llm/streams"
)

// Adapter is one concrete integration with an LLM backend. Implementations
// must not retain req beyond the call (callers may reuse/zero buffers
// after return) and must classify every failure through gwerr so the
// runner can tell retriable provider errors from terminal ones (spec
// §4.3).
type Adapter interface {
	// Infer performs a single non-streaming call.
	Infer(ctx context.Context, req *llmtypes.ModelInferenceRequest, mp *llmtypes.ModelProvider, secret *credential.Secret) (*llmtypes.ModelInferenceResponse, error)

	// InferStream performs a streaming call. Per spec §4.2.4 the first
	// chunk (or error) must be available before InferStream returns, with
	// the remainder produced lazily as the caller calls Next.
	InferStream(ctx context.Context, req *llmtypes.ModelInferenceRequest, mp *llmtypes.ModelProvider, secret *credential.Secret) (streams.Stream[*llmtypes.StreamChunk], error)
}

// Registry resolves a ModelProvider.Kind to its Adapter.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a Registry wired with the standard adapter set.
func NewRegistry() *Registry {
	r := &Registry{adapters: map[string]Adapter{}}

	r.Register("openai", NewOpenAIAdapter())
	r.Register("azure_openai", NewOpenAIAdapter())
	r.Register("anthropic", NewAnthropicAdapter())
	r.Register("bedrock", NewBedrockAdapter())
	r.Register("gemini", NewGeminiAdapter())
	r.Register("vertex", NewGeminiAdapter())

	for _, kind := range []string{"deepseek", "openrouter", "mistral", "together", "fireworks", "groq", "vllm", "llama_api"} {
		r.Register(kind, NewOpenAICompatibleAdapter(kind))
	}

	r.Register("dummy", NewDummyAdapter())

	return r
}

// Register adds or replaces the adapter for kind.
func (r *Registry) Register(kind string, a Adapter) {
	r.adapters[kind] = a
}

// Resolve returns the adapter for mp.Kind.
func (r *Registry) Resolve(mp *llmtypes.ModelProvider) (Adapter, error) {
	a, ok := r.adapters[mp.Kind]
	if !ok {
		return nil, gwerr.New(gwerr.KindInvalidProviderConfig, "unknown provider kind "+mp.Kind)
	}

	return a, nil
}
