package provider

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tensorzero/tensorzero-sub029/internal/credential"
	"github.com/tensorzero/tensorzero-sub029/internal/gwerr"
	"github.com/tensorzero/tensorzero-sub029/internal/llmtypes"
	"github.com/looplj/axonhub/llm/streams"
)

// dummyTextContent and dummyJSONContent are the two fixed non-streaming
// response bodies the dummy provider can return, selected by ModelID.
const (
	dummyTextContent = "Megumin gleefully chanted her spell, unleashing a thunderous explosion that lit up the sky and left a massive crater in its wake."
	dummyJSONContent = `{"answer":"Hello"}`
)

// dummyStreamingChunks is the fixed chunk sequence the dummy provider
// streams; joined, it spells out a second unrelated sentence so tests can
// assert both chunk count and reassembled content independently of the
// non-streaming fixture above.
var dummyStreamingChunks = []string{
	"Wally,", " the", " golden", " retriever,", " wagged", " his", " tail",
	" excitedly", " as", " he", " devoured", " a", " slice", " of", " cheese", " pizza.",
}

// dummyAdapter is a provider with fixed, deterministic responses for
// integration tests and examples: no network call is made. ModelID "error"
// always fails; ModelID "json" returns a JSON body; anything else returns
// plain text.
type dummyAdapter struct{}

// NewDummyAdapter builds the dummy/test adapter.
func NewDummyAdapter() Adapter { return &dummyAdapter{} }

func (d *dummyAdapter) Infer(ctx context.Context, req *llmtypes.ModelInferenceRequest, mp *llmtypes.ModelProvider, secret *credential.Secret) (*llmtypes.ModelInferenceResponse, error) {
	if mp.ModelID == "error" {
		return nil, gwerr.New(gwerr.KindInferenceClient, "error sending request to dummy provider")
	}

	content := dummyTextContent
	if mp.ModelID == "json" {
		content = dummyJSONContent
	}

	return &llmtypes.ModelInferenceResponse{
		ID:      uuid.Must(uuid.NewV7()).String(),
		Created: time.Now().UTC(),
		Content: []llmtypes.Block{{Type: llmtypes.BlockText, Text: content}},
		Usage:   llmtypes.Usage{InputTokens: 10, OutputTokens: 10},
		Latency: 100 * time.Millisecond,
		FinishReason: llmtypes.FinishStop,
	}, nil
}

func (d *dummyAdapter) InferStream(ctx context.Context, req *llmtypes.ModelInferenceRequest, mp *llmtypes.ModelProvider, secret *credential.Secret) (streams.Stream[*llmtypes.StreamChunk], error) {
	if mp.ModelID == "error" {
		return nil, gwerr.New(gwerr.KindInferenceClient, "error sending request to dummy provider")
	}

	chunks := make([]*llmtypes.StreamChunk, 0, len(dummyStreamingChunks)+1)

	for _, text := range dummyStreamingChunks {
		chunks = append(chunks, &llmtypes.StreamChunk{Content: []llmtypes.Block{{Type: llmtypes.BlockText, Text: text}}})
	}

	chunks[len(chunks)-1].FinishReason = llmtypes.FinishStop
	chunks = append(chunks, &llmtypes.StreamChunk{
		PartialUsage: &llmtypes.Usage{InputTokens: 10, OutputTokens: int64(len(dummyStreamingChunks))},
	})

	return streams.SliceStream(chunks), nil
}
