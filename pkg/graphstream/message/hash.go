package message

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"
)

// StateHash computes the hash of a JSON-like state tree. The tree is
// rendered as canonical JSON (encoding/json sorts object keys) and hashed
// with BLAKE3.
//
// Callers verifying a diff must hash an immutable snapshot taken at the
// moment the diff was applied; see CloneState.
func StateHash(state any) (string, error) {
	body, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("marshal state for hashing: %w", err)
	}
	sum := blake3.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

// CloneState deep-copies a JSON-like tree (objects, arrays, strings,
// numbers, booleans, null). Any other node type is a hard error: silently
// aliasing the original tree would let later mutations leak into an
// in-flight hash computation.
func CloneState(v any) (any, error) {
	switch node := v.(type) {
	case nil, bool, string, float64, json.Number, int, int64, uint64:
		return node, nil
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, child := range node {
			cloned, err := CloneState(child)
			if err != nil {
				return nil, fmt.Errorf("clone key %q: %w", k, err)
			}
			out[k] = cloned
		}
		return out, nil
	case []any:
		out := make([]any, len(node))
		for i, child := range node {
			cloned, err := CloneState(child)
			if err != nil {
				return nil, fmt.Errorf("clone index %d: %w", i, err)
			}
			out[i] = cloned
		}
		return out, nil
	default:
		return nil, fmt.Errorf("clone: unsupported node type %T", v)
	}
}
