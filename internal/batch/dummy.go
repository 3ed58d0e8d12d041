package batch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tensorzero/tensorzero-sub029/internal/gwerr"
	"github.com/tensorzero/tensorzero-sub029/internal/llmtypes"
)

// dummyJob tracks one in-flight submission so PollBatch can report it
// Completed the first time it's asked, mirroring the synchronous-fixture
// spirit of internal/provider's dummy adapter (no network call, fixed
// deterministic content).
type dummyJob struct {
	reqs []llmtypes.ModelInferenceRequest
}

// DummyAdapter is a provider-native batch API stand-in with fixed,
// deterministic output: no network call is made, grounded on
// internal/provider's dummyAdapter fixtures (spec §8 scenarios 1-2's
// literal strings) applied per-item across a batch instead of a single
// call. Every model_id other than "error" succeeds with the same
// dummy-text content used by the single-call dummy provider.
type DummyAdapter struct {
	mu   sync.Mutex
	jobs map[string]dummyJob
}

// NewDummyAdapter builds a batch Adapter with in-memory job bookkeeping.
func NewDummyAdapter() *DummyAdapter {
	return &DummyAdapter{jobs: map[string]dummyJob{}}
}

func (d *DummyAdapter) SubmitBatch(ctx context.Context, mp *llmtypes.ModelProvider, reqs []llmtypes.ModelInferenceRequest) (string, error) {
	if mp.ModelID == "error" {
		return "", gwerr.New(gwerr.KindInferenceClient, "dummy batch provider rejected submission")
	}

	batchID := uuid.Must(uuid.NewV7()).String()

	d.mu.Lock()
	d.jobs[batchID] = dummyJob{reqs: reqs}
	d.mu.Unlock()

	return batchID, nil
}

// PollBatch always reports Completed on the first poll: the dummy
// provider has no queueing delay to simulate, consistent with spec §8
// scenario 1's dummy-chat fixture being synchronous.
func (d *DummyAdapter) PollBatch(ctx context.Context, mp *llmtypes.ModelProvider, providerBatchID string) (Status, []Result, error) {
	d.mu.Lock()
	job, ok := d.jobs[providerBatchID]
	d.mu.Unlock()

	if !ok {
		return StatusFailed, nil, gwerr.New(gwerr.KindInferenceClient, "unknown dummy batch id "+providerBatchID)
	}

	results := make([]Result, len(job.reqs))
	now := time.Now().UTC()

	for i := range job.reqs {
		results[i] = Result{Response: &llmtypes.ModelInferenceResponse{
			ID:           uuid.Must(uuid.NewV7()).String(),
			Created:      now,
			Content:      []llmtypes.Block{{Type: llmtypes.BlockText, Text: dummyTextContent}},
			Usage:        llmtypes.Usage{InputTokens: 10, OutputTokens: 10},
			FinishReason: llmtypes.FinishStop,
		}}
	}

	return StatusCompleted, results, nil
}

// dummyTextContent mirrors internal/provider's dummyAdapter fixture so a
// test exercising both the synchronous and batch dummy paths sees the
// same literal string.
const dummyTextContent = "Megumin gleefully chanted her spell, unleashing a thunderous explosion that lit up the sky and left a massive crater in its wake."
