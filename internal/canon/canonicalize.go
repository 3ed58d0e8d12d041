// Package canon implements spec §4.1: canonicalizing raw input into an
// ordered content-block sequence, and fingerprinting a model inference
// request for cache lookups.
package canon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/tensorzero/tensorzero-sub029/internal/gwerr"
	"github.com/tensorzero/tensorzero-sub029/internal/llmtypes"
)

// Canonicalize expands Template blocks against function.Templates,
// validates template-rendered content against the function's role schemas, and
// returns the canonical Input. Unknown blocks pass through untouched;
// RawText blocks bypass templating and schema validation entirely (spec
// §4.1).
func Canonicalize(input llmtypes.Input, function *llmtypes.Function, templates map[string]string) (llmtypes.Input, error) {
	out := llmtypes.Input{System: input.System}

	for _, msg := range input.Messages {
		canonMsg := llmtypes.Message{Role: msg.Role}

		schema := schemaForRole(function, msg.Role)

		for _, block := range msg.Content {
			canonBlock, err := canonicalizeBlock(block, templates, schema)
			if err != nil {
				return llmtypes.Input{}, err
			}

			canonMsg.Content = append(canonMsg.Content, canonBlock)
		}

		out.Messages = append(out.Messages, canonMsg)
	}

	return out, nil
}

func schemaForRole(function *llmtypes.Function, role llmtypes.Role) []byte {
	if function == nil {
		return nil
	}

	switch role {
	case llmtypes.RoleSystem:
		return function.SystemSchema
	case llmtypes.RoleUser:
		return function.UserSchema
	case llmtypes.RoleAssistant:
		return function.AssistantSchema
	default:
		return nil
	}
}

func canonicalizeBlock(block llmtypes.Block, templates map[string]string, schema []byte) (llmtypes.Block, error) {
	switch block.Type {
	case llmtypes.BlockTemplate:
		rendered, err := renderTemplate(templates, block.TemplateName, block.Arguments)
		if err != nil {
			return llmtypes.Block{}, err
		}

		if len(schema) > 0 {
			if err := validateAgainstSchema(schema, rendered); err != nil {
				return llmtypes.Block{}, err
			}
		}

		return llmtypes.Block{Type: llmtypes.BlockText, Text: rendered}, nil

	case llmtypes.BlockRawText:
		// Bypasses templating and schema validation by design (spec §4.1).
		return block, nil

	case llmtypes.BlockUnknown:
		// Carried verbatim; tag is preserved as-is for the adapter to
		// decide whether it matches its own provider name.
		return block, nil

	default:
		return block, nil
	}
}

func renderTemplate(templates map[string]string, name string, args map[string]any) (string, error) {
	body, ok := templates[name]
	if !ok {
		return "", gwerr.New(gwerr.KindConfig, fmt.Sprintf("unknown template %q", name))
	}

	tmpl, err := template.New(name).Parse(body)
	if err != nil {
		return "", gwerr.Wrap(gwerr.KindConfig, fmt.Sprintf("parsing template %q", name), err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, args); err != nil {
		return "", gwerr.Wrap(gwerr.KindInvalidRequest, fmt.Sprintf("rendering template %q", name), err)
	}

	return buf.String(), nil
}

// validateAgainstSchema validates rendered text as a JSON document against
// a role schema. Role schemas describe the *arguments* shape, not free
// text, so this only runs when the rendered content is itself JSON (the
// common case for structured templates); plain-text templates are not
// schema-checked, matching the variant executor's broader validation of
// the final assembled output rather than every intermediate block.
func validateAgainstSchema(schemaBytes []byte, rendered string) error {
	if len(schemaBytes) == 0 {
		return nil
	}

	var schema jsonschema.Schema
	if err := json.Unmarshal(schemaBytes, &schema); err != nil {
		return gwerr.Wrap(gwerr.KindJSONSchema, "parsing role schema", err)
	}

	resolved, err := schema.Resolve(nil)
	if err != nil {
		return gwerr.Wrap(gwerr.KindJSONSchema, "resolving role schema", err)
	}

	var doc any
	if err := json.Unmarshal([]byte(rendered), &doc); err != nil {
		// Rendered content is plain text, not JSON: nothing to validate.
		return nil
	}

	if err := resolved.Validate(doc); err != nil {
		return gwerr.Wrap(gwerr.KindJSONSchemaValidation, "role schema validation failed", err)
	}

	return nil
}

// ValidateJSONSchema validates an already-parsed JSON value (e.g. a json
// function's output) against schemaBytes. Used by the variant executor to
// check final output against a function's output schema (spec §4.4).
func ValidateJSONSchema(schemaBytes []byte, doc any) error {
	if len(schemaBytes) == 0 {
		return nil
	}

	var schema jsonschema.Schema
	if err := json.Unmarshal(schemaBytes, &schema); err != nil {
		return gwerr.Wrap(gwerr.KindJSONSchema, "parsing output schema", err)
	}

	resolved, err := schema.Resolve(nil)
	if err != nil {
		return gwerr.Wrap(gwerr.KindJSONSchema, "resolving output schema", err)
	}

	if err := resolved.Validate(doc); err != nil {
		return gwerr.Wrap(gwerr.KindJSONSchemaValidation, "output schema validation failed", err)
	}

	return nil
}
