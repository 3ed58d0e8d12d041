package canon

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// CanonicalJSON re-serializes arbitrary JSON with every object's keys sorted
// lexicographically, recursively, and a single numeric representation.
// encoding/json already sorts map[string]any keys on Marshal, but values
// carried as json.RawMessage (schemas, extra_body, provider config) are
// copied verbatim and may arrive with arbitrary key order from a caller or
// a provider; this pass normalizes those too, which is required for
// fingerprint determinism (spec §4.1: "serialization must sort object keys
// and use a single numeric format").
func CanonicalJSON(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return json.RawMessage("null"), nil
	}

	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("canon: invalid json: %s", string(raw))
	}

	out, err := canonicalizeValue(gjson.ParseBytes(raw))
	if err != nil {
		return nil, err
	}

	return json.RawMessage(out), nil
}

func canonicalizeValue(v gjson.Result) (string, error) {
	switch {
	case v.IsObject():
		return canonicalizeObject(v)
	case v.IsArray():
		return canonicalizeArray(v)
	default:
		// Scalars (string/number/bool/null): re-encode through
		// encoding/json from the Go value gjson already parsed, which
		// gives one canonical numeric representation regardless of how
		// the source spelled it (1.0, 1e0, 1 all normalize the same way).
		b, err := json.Marshal(v.Value())
		if err != nil {
			return "", fmt.Errorf("canon: marshal scalar: %w", err)
		}

		return string(b), nil
	}
}

func canonicalizeObject(v gjson.Result) (string, error) {
	fields := map[string]gjson.Result{}
	keys := make([]string, 0)

	v.ForEach(func(key, value gjson.Result) bool {
		k := key.String()
		keys = append(keys, k)
		fields[k] = value

		return true
	})

	sort.Strings(keys)

	result := "{}"

	for _, k := range keys {
		child, err := canonicalizeValue(fields[k])
		if err != nil {
			return "", err
		}

		out, err := sjson.SetRaw(result, k, child)
		if err != nil {
			return "", fmt.Errorf("canon: set key %q: %w", k, err)
		}

		result = out
	}

	return result, nil
}

func canonicalizeArray(v gjson.Result) (string, error) {
	result := "[]"
	idx := 0

	var outerErr error

	v.ForEach(func(_, value gjson.Result) bool {
		child, err := canonicalizeValue(value)
		if err != nil {
			outerErr = err
			return false
		}

		out, err := sjson.SetRaw(result, fmt.Sprintf("%d", idx), child)
		if err != nil {
			outerErr = err
			return false
		}

		result = out
		idx++

		return true
	})

	if outerErr != nil {
		return "", outerErr
	}

	return result, nil
}
