// Package gatewayconfig validates a loaded llmtypes.Config graph.
// TOML parsing and glob merging that produce the graph are external
// collaborators (spec §1 Non-goals); this package only validates the typed
// result, which is where the namespace-isolation testable property (spec
// §8) is enforced.
package gatewayconfig

import (
	"fmt"

	"github.com/tensorzero/tensorzero-sub029/internal/gwerr"
	"github.com/tensorzero/tensorzero-sub029/internal/llmtypes"
)

// ValidateNamespacedModelUsage enforces spec §3 invariant (iv): a
// namespaced model appears only in variants reachable from its matching
// namespaced experimentation config. Grounded directly on
// validate_namespaced_model_usage from the TensorZero Rust implementation's
// config/namespace.rs, adapted to this package's flat-weights
// representation of "reachability".
func ValidateNamespacedModelUsage(cfg *llmtypes.Config) error {
	for functionName, function := range cfg.Functions {
		for variantName, variant := range function.Variants {
			for _, modelName := range variant.DirectModelNames() {
				model, ok := cfg.Models[modelName]
				if !ok || model.Namespace == llmtypes.Default {
					continue // unnamespaced models have no restrictions.
				}

				modelNamespace := model.Namespace

				if variant.Weight > 0 {
					return gwerr.New(gwerr.KindConfig, fmt.Sprintf(
						"variant %q of function %q uses model %q which has namespace %q, "+
							"but the variant is reachable from the base experimentation config; "+
							"namespaced model variants must only be reachable from a matching "+
							"namespace experimentation config",
						variantName, functionName, modelName, modelNamespace,
					))
				}

				for ns, weights := range function.NamespaceWeights {
					if ns == modelNamespace {
						continue
					}

					if weights[variantName] > 0 {
						return gwerr.New(gwerr.KindConfig, fmt.Sprintf(
							"variant %q of function %q uses model %q which has namespace %q, "+
								"but the variant is reachable from namespace %q experimentation config; "+
								"namespaced model variants must only be reachable from a matching "+
								"namespace experimentation config",
							variantName, functionName, modelName, modelNamespace, ns,
						))
					}
				}
			}
		}
	}

	return nil
}

// Validate runs every startup-time config check. Additional structural
// checks (schema presence, variant weight sums, tool references) can be
// added here as the config loader grows; namespace isolation is the one
// spec calls out as a testable property.
func Validate(cfg *llmtypes.Config) error {
	return ValidateNamespacedModelUsage(cfg)
}
