package llmtypes

import "encoding/json"

// Namespace scopes models and experimentation configs to enforce routing
// isolation (spec §3 invariant iv, GLOSSARY "Namespace").
type Namespace string

// Default is the unnamespaced scope.
const Default Namespace = ""

// VariantKind is the closed set of variant strategies (spec §4.4).
type VariantKind string

const (
	VariantChatCompletion          VariantKind = "chat_completion"
	VariantBestOfNSampling         VariantKind = "best_of_n_sampling"
	VariantMixtureOfN              VariantKind = "mixture_of_n"
	VariantDynamicInContextLearning VariantKind = "dynamic_in_context_learning"
	VariantChainOfThought          VariantKind = "chain_of_thought"
)

// Variant is one strategy for answering a function invocation.
type Variant struct {
	Name string
	Kind VariantKind
	// Weight is this variant's experimentation weight within its function.
	Weight float64

	// ModelNames are the models this variant may invoke directly (e.g. N
	// candidate models for best_of_n_sampling), resolved against the
	// enclosing Config.Models map.
	ModelNames []string

	// Templates, keyed by role ("system","user","assistant") plus
	// strategy-specific roles ("judge","fuser","reasoning","answer").
	Templates map[string]string

	JSONMode JSONMode

	// BestOfN / MixtureOfN.
	NumCandidates int
	JudgeModel    string // BestOfN.
	FuserModel    string // MixtureOfN.

	// DynamicInContextLearning.
	EmbeddingModel string
	NumDemonstrations int

	// ChainOfThought.
	ReasoningModel string
	AnswerModel    string
}

// DirectModelNames returns every model name this variant can reach, across
// its primary ModelNames plus any strategy-specific auxiliary models
// (judge/fuser/embedding/reasoning/answer). Used by namespace-isolation
// validation, which must see every model a variant could possibly sample.
func (v *Variant) DirectModelNames() []string {
	names := append([]string{}, v.ModelNames...)

	for _, extra := range []string{v.JudgeModel, v.FuserModel, v.EmbeddingModel, v.ReasoningModel, v.AnswerModel} {
		if extra != "" {
			names = append(names, extra)
		}
	}

	return names
}

// Function is an immutable, user-declared endpoint.
type Function struct {
	Name string
	Type FunctionType

	SystemSchema    json.RawMessage
	UserSchema      json.RawMessage
	AssistantSchema json.RawMessage
	OutputSchema    json.RawMessage // json functions only.

	Variants map[string]*Variant

	// NamespaceWeights holds per-namespace experimentation overrides:
	// NamespaceWeights[ns][variantName] > 0 means that namespace's
	// experimentation config can sample that variant. A variant is
	// reachable from the base (unnamespaced) config when its own Weight
	// (above) is > 0.
	NamespaceWeights map[Namespace]map[string]float64

	Tools             []Tool
	DefaultToolChoice ToolChoice
	ParallelToolCalls bool
}

// CredentialRef is an opaque reference to a secret, resolved at call time by
// internal/credential rather than carried as a literal.
type CredentialRef struct {
	// Source selects how to resolve: "literal" | "env" | "dynamic" | "default".
	Source string
	// Value is either the literal secret, the env var name, or the dynamic
	// credential map key, depending on Source.
	Value string
}

// ModelProvider is one concrete integration with an LLM backend.
type ModelProvider struct {
	Name string
	Kind string // "openai" | "anthropic" | "bedrock" | "gemini" | "dummy" | ...

	ModelID     string
	BaseURL     string
	Region      string
	Credential  CredentialRef
	ExtraHeaders map[string]string
	ExtraBody    map[string]json.RawMessage
}

// Model is an ordered list of providers sharing a logical identity.
type Model struct {
	Name      string
	Namespace Namespace
	Providers []ModelProvider
}

// Config is the loaded, validated configuration graph. Building one from
// TOML is outside the core (spec §1 Non-goals); the core only needs this
// typed shape plus the namespace-isolation validator.
type Config struct {
	Functions map[string]*Function
	Models    map[string]*Model
}

// NamespaceOf returns the namespace a named model belongs to, or Default if
// the model is unknown or unnamespaced.
func (c *Config) NamespaceOf(modelName string) Namespace {
	m, ok := c.Models[modelName]
	if !ok {
		return Default
	}

	return m.Namespace
}
