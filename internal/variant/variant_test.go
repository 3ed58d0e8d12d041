package variant

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tensorzero/tensorzero-sub029/internal/credential"
	"github.com/tensorzero/tensorzero-sub029/internal/llmtypes"
	"github.com/tensorzero/tensorzero-sub029/internal/provider"
	"github.com/tensorzero/tensorzero-sub029/internal/runner"
)

func dummyModelProvider(name, modelID string) llmtypes.ModelProvider {
	return llmtypes.ModelProvider{
		Name: name, Kind: "dummy", ModelID: modelID,
		Credential: llmtypes.CredentialRef{Source: "literal", Value: "x"},
	}
}

func testConfig() *llmtypes.Config {
	return &llmtypes.Config{
		Models: map[string]*llmtypes.Model{
			"main":      {Name: "main", Providers: []llmtypes.ModelProvider{dummyModelProvider("main", "plain")}},
			"json":      {Name: "json", Providers: []llmtypes.ModelProvider{dummyModelProvider("json", "json")}},
			"judge":     {Name: "judge", Providers: []llmtypes.ModelProvider{dummyModelProvider("judge", "plain")}},
			"fuser":     {Name: "fuser", Providers: []llmtypes.ModelProvider{dummyModelProvider("fuser", "plain")}},
			"embedding": {Name: "embedding", Providers: []llmtypes.ModelProvider{dummyModelProvider("embedding", "plain")}},
			"reasoning": {Name: "reasoning", Providers: []llmtypes.ModelProvider{dummyModelProvider("reasoning", "plain")}},
			"answer":    {Name: "answer", Providers: []llmtypes.ModelProvider{dummyModelProvider("answer", "plain")}},
		},
	}
}

func testExecutor() *Executor {
	r := runner.New(provider.NewRegistry(), nil, nil, &credential.Resolver{})
	return New(r, testConfig())
}

func chatInput(text string) llmtypes.Input {
	return llmtypes.Input{Messages: []llmtypes.Message{
		{Role: llmtypes.RoleUser, Content: []llmtypes.Block{{Type: llmtypes.BlockText, Text: text}}},
	}}
}

func TestExecute_ChatCompletion(t *testing.T) {
	e := testExecutor()
	fn := &llmtypes.Function{Type: llmtypes.FunctionTypeChat}
	v := &llmtypes.Variant{Kind: llmtypes.VariantChatCompletion, ModelNames: []string{"main"}}

	result, err := e.Execute(context.Background(), fn, v, chatInput("hi"), Options{})
	require.NoError(t, err)
	require.False(t, result.IsJSON)
	require.Len(t, result.ModelInferences, 1)
	require.Equal(t, "main", result.ModelInferences[0].Stage)
}

func TestExecute_ChatCompletion_JSONFunction(t *testing.T) {
	e := testExecutor()
	fn := &llmtypes.Function{Type: llmtypes.FunctionTypeJSON, OutputSchema: []byte(`{"type":"object"}`)}
	v := &llmtypes.Variant{Kind: llmtypes.VariantChatCompletion, ModelNames: []string{"json"}}

	result, err := e.Execute(context.Background(), fn, v, chatInput("give me json"), Options{})
	require.NoError(t, err)
	require.True(t, result.IsJSON)
	require.Equal(t, `{"answer":"Hello"}`, result.JSONRaw)
}

func TestExecute_BestOfNSampling(t *testing.T) {
	e := testExecutor()
	fn := &llmtypes.Function{Type: llmtypes.FunctionTypeChat}
	v := &llmtypes.Variant{
		Kind: llmtypes.VariantBestOfNSampling, ModelNames: []string{"main"},
		NumCandidates: 3, JudgeModel: "judge", Templates: map[string]string{"judge": "pick the best"},
	}

	result, err := e.Execute(context.Background(), fn, v, chatInput("hi"), Options{})
	require.NoError(t, err)
	require.Len(t, result.ModelInferences, 4) // 3 candidates + judge
}

func TestExecute_BestOfNSampling_NoJudgeFallsBackToCandidate0(t *testing.T) {
	e := testExecutor()
	fn := &llmtypes.Function{Type: llmtypes.FunctionTypeChat}
	v := &llmtypes.Variant{
		Kind: llmtypes.VariantBestOfNSampling, ModelNames: []string{"main"},
		NumCandidates: 2, JudgeModel: "", // no judge model configured -> always candidate 0.
	}

	result, err := e.Execute(context.Background(), fn, v, chatInput("hi"), Options{})
	require.NoError(t, err)
	require.Len(t, result.ModelInferences, 2)
}

func TestExecute_MixtureOfN(t *testing.T) {
	e := testExecutor()
	fn := &llmtypes.Function{Type: llmtypes.FunctionTypeChat}
	v := &llmtypes.Variant{
		Kind: llmtypes.VariantMixtureOfN, ModelNames: []string{"main"},
		NumCandidates: 2, FuserModel: "fuser", Templates: map[string]string{"fuser": "combine"},
	}

	result, err := e.Execute(context.Background(), fn, v, chatInput("hi"), Options{})
	require.NoError(t, err)
	require.Len(t, result.ModelInferences, 3) // 2 candidates + fuser
}

func TestExecute_ChainOfThought(t *testing.T) {
	e := testExecutor()
	fn := &llmtypes.Function{Type: llmtypes.FunctionTypeChat}
	v := &llmtypes.Variant{Kind: llmtypes.VariantChainOfThought, ReasoningModel: "reasoning", AnswerModel: "answer"}

	result, err := e.Execute(context.Background(), fn, v, chatInput("hi"), Options{})
	require.NoError(t, err)
	require.Len(t, result.ModelInferences, 2)
	require.Equal(t, "reasoning", result.ModelInferences[0].Stage)
	require.Equal(t, "answer", result.ModelInferences[1].Stage)
}

func TestExecute_DynamicInContextLearning(t *testing.T) {
	e := testExecutor()
	fn := &llmtypes.Function{Type: llmtypes.FunctionTypeChat}
	v := &llmtypes.Variant{
		Kind: llmtypes.VariantDynamicInContextLearning, ModelNames: []string{"main"},
		EmbeddingModel: "embedding", NumDemonstrations: 2,
	}

	result, err := e.Execute(context.Background(), fn, v, chatInput("hi"), Options{})
	require.NoError(t, err)
	require.Len(t, result.ModelInferences, 2) // embedding + main
}

func TestExecuteStream_ChatCompletion(t *testing.T) {
	e := testExecutor()
	fn := &llmtypes.Function{Type: llmtypes.FunctionTypeChat}
	v := &llmtypes.Variant{Kind: llmtypes.VariantChatCompletion, ModelNames: []string{"main"}}

	stream, records, providerInfo, err := e.ExecuteStream(context.Background(), fn, v, chatInput("hi"), Options{})
	require.NoError(t, err)
	require.Empty(t, records)
	require.NotNil(t, providerInfo)
	require.Equal(t, "main", providerInfo.ModelName)
	require.True(t, stream.Next())
}

func TestExecuteStream_BestOfNDegradesToNonStreaming(t *testing.T) {
	e := testExecutor()
	fn := &llmtypes.Function{Type: llmtypes.FunctionTypeChat}
	v := &llmtypes.Variant{Kind: llmtypes.VariantBestOfNSampling, ModelNames: []string{"main"}, NumCandidates: 2}

	stream, records, providerInfo, err := e.ExecuteStream(context.Background(), fn, v, chatInput("hi"), Options{Stream: true})
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Nil(t, providerInfo)
	require.True(t, stream.Next())
	require.False(t, stream.Next()) // single reconstructed chunk.
}

func TestExecute_UnknownVariantKind(t *testing.T) {
	e := testExecutor()
	fn := &llmtypes.Function{Type: llmtypes.FunctionTypeChat}
	v := &llmtypes.Variant{Kind: "bogus"}

	_, err := e.Execute(context.Background(), fn, v, chatInput("hi"), Options{})
	require.Error(t, err)
}
