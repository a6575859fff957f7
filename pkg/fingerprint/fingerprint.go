// Package fingerprint produces deterministic digests of request payloads.
// The approval workflow stores the fingerprint of the approving request so
// that an identical retry can be recognized and answered with the original
// export reference instead of a second artifact.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// FromJSON hashes the canonical form of a JSON document. Two documents that
// differ only in key order or whitespace produce the same fingerprint.
func FromJSON(data json.RawMessage) (string, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return "", err
	}
	return FromValue(v), nil
}

// FromValue hashes the canonical form of any JSON-shaped value.
func FromValue(v any) string {
	hash := sha256.Sum256([]byte(canonicalize(v)))
	return hex.EncodeToString(hash[:])
}

// canonicalize renders a deterministic string form: map keys sorted,
// arrays in order, primitives JSON-encoded.
func canonicalize(data any) string {
	switch v := data.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		result := "{"
		for i, k := range keys {
			if i > 0 {
				result += ","
			}
			keyJSON, _ := json.Marshal(k)
			result += string(keyJSON) + ":" + canonicalize(v[k])
		}
		return result + "}"
	case []any:
		result := "["
		for i, elem := range v {
			if i > 0 {
				result += ","
			}
			result += canonicalize(elem)
		}
		return result + "]"
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}
