package reconstruct

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/randalmurphal/graphstream/pkg/graphstream/message"
)

// forbiddenSegments are path segments that would rewrite object-prototype
// level structure in downstream JavaScript consumers. They are rejected
// outright, matching the wire contract shared with non-Go observers.
var forbiddenSegments = map[string]struct{}{
	"__proto__":   {},
	"constructor": {},
	"prototype":   {},
}

// ApplyPatch applies RFC6902 operations to a JSON-like tree and returns the
// resulting root. The input tree is never mutated: a failed operation
// leaves the caller's tree untouched, and the returned tree shares no
// nodes with the input.
func ApplyPatch(root any, ops []message.PatchOp) (any, error) {
	work, err := message.CloneState(root)
	if err != nil {
		return nil, fmt.Errorf("patch: clone state: %w", err)
	}
	for i, op := range ops {
		work, err = applyOp(work, op)
		if err != nil {
			return nil, fmt.Errorf("patch op %d (%s %s): %w", i, op.Op, op.Path, err)
		}
	}
	return work, nil
}

func applyOp(root any, op message.PatchOp) (any, error) {
	switch op.Op {
	case message.PatchAdd:
		value, err := decodeValue(op.Value)
		if err != nil {
			return nil, err
		}
		return addAt(root, op.Path, value)
	case message.PatchRemove:
		newRoot, _, err := removeAt(root, op.Path)
		return newRoot, err
	case message.PatchReplace:
		value, err := decodeValue(op.Value)
		if err != nil {
			return nil, err
		}
		return replaceAt(root, op.Path, value)
	case message.PatchMove:
		if isPrefix(op.From, op.Path) {
			return nil, fmt.Errorf("move from %q into its own child %q", op.From, op.Path)
		}
		newRoot, value, err := removeAt(root, op.From)
		if err != nil {
			return nil, err
		}
		return addAt(newRoot, op.Path, value)
	case message.PatchCopy:
		value, err := getAt(root, op.From)
		if err != nil {
			return nil, err
		}
		cloned, err := message.CloneState(value)
		if err != nil {
			return nil, err
		}
		return addAt(root, op.Path, cloned)
	case message.PatchTest:
		expected, err := decodeValue(op.Value)
		if err != nil {
			return nil, err
		}
		actual, err := getAt(root, op.Path)
		if err != nil {
			return nil, err
		}
		if !reflect.DeepEqual(expected, actual) {
			return nil, fmt.Errorf("test failed at %q", op.Path)
		}
		return root, nil
	default:
		return nil, fmt.Errorf("unknown op %q", op.Op)
	}
}

func decodeValue(raw json.RawMessage) (any, error) {
	if raw == nil {
		return nil, fmt.Errorf("missing value")
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return v, nil
}

// parsePointer splits an RFC6901 JSON pointer into unescaped segments.
func parsePointer(path string) ([]string, error) {
	if path == "" {
		return nil, nil // whole document
	}
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("pointer %q must start with '/'", path)
	}
	parts := strings.Split(path[1:], "/")
	segments := make([]string, len(parts))
	for i, part := range parts {
		seg := strings.ReplaceAll(strings.ReplaceAll(part, "~1", "/"), "~0", "~")
		if _, bad := forbiddenSegments[seg]; bad {
			return nil, fmt.Errorf("forbidden path segment %q", seg)
		}
		segments[i] = seg
	}
	return segments, nil
}

// arrayIndex validates a canonical decimal array index. Non-canonical forms
// ("01", "+1", "1e0") and out-of-range values fail rather than silently
// mutating index 0 or aliasing unrelated state.
func arrayIndex(seg string, length int, allowEnd bool) (int, error) {
	if seg == "-" {
		if !allowEnd {
			return 0, fmt.Errorf("index '-' not valid here")
		}
		return length, nil
	}
	if seg == "" || (len(seg) > 1 && seg[0] == '0') {
		return 0, fmt.Errorf("invalid array index %q", seg)
	}
	idx, err := strconv.Atoi(seg)
	if err != nil || idx < 0 {
		return 0, fmt.Errorf("invalid array index %q", seg)
	}
	limit := length
	if allowEnd {
		limit = length + 1
	}
	if idx >= limit {
		return 0, fmt.Errorf("array index %d out of range (length %d)", idx, length)
	}
	return idx, nil
}

// getAt resolves a pointer to a value.
func getAt(root any, path string) (any, error) {
	segments, err := parsePointer(path)
	if err != nil {
		return nil, err
	}
	node := root
	for _, seg := range segments {
		switch container := node.(type) {
		case map[string]any:
			child, ok := container[seg]
			if !ok {
				return nil, fmt.Errorf("key %q not found", seg)
			}
			node = child
		case []any:
			idx, err := arrayIndex(seg, len(container), false)
			if err != nil {
				return nil, err
			}
			node = container[idx]
		default:
			return nil, fmt.Errorf("cannot descend into %T at %q", node, seg)
		}
	}
	return node, nil
}

// navigateToParent resolves all but the last segment and returns the parent
// container plus the final segment.
func navigateToParent(root any, segments []string) (any, string, error) {
	parentPath := segments[:len(segments)-1]
	node := root
	for _, seg := range parentPath {
		switch container := node.(type) {
		case map[string]any:
			child, ok := container[seg]
			if !ok {
				return nil, "", fmt.Errorf("key %q not found", seg)
			}
			node = child
		case []any:
			idx, err := arrayIndex(seg, len(container), false)
			if err != nil {
				return nil, "", err
			}
			node = container[idx]
		default:
			return nil, "", fmt.Errorf("cannot descend into %T at %q", node, seg)
		}
	}
	return node, segments[len(segments)-1], nil
}

// addAt implements RFC6902 add: object keys assign, array indices insert
// and shift.
func addAt(root any, path string, value any) (any, error) {
	segments, err := parsePointer(path)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return value, nil // add to whole document replaces the root
	}

	parent, last, err := navigateToParent(root, segments)
	if err != nil {
		return nil, err
	}

	switch container := parent.(type) {
	case map[string]any:
		container[last] = value
		return root, nil
	case []any:
		idx, err := arrayIndex(last, len(container), true)
		if err != nil {
			return nil, err
		}
		expanded := append(container, nil)
		copy(expanded[idx+1:], expanded[idx:])
		expanded[idx] = value
		return setParent(root, segments[:len(segments)-1], expanded)
	default:
		return nil, fmt.Errorf("cannot add to %T", parent)
	}
}

// removeAt removes the value at path and returns the new root and the
// removed value.
func removeAt(root any, path string) (any, any, error) {
	segments, err := parsePointer(path)
	if err != nil {
		return nil, nil, err
	}
	if len(segments) == 0 {
		return nil, root, nil // removing the whole document clears the root
	}

	parent, last, err := navigateToParent(root, segments)
	if err != nil {
		return nil, nil, err
	}

	switch container := parent.(type) {
	case map[string]any:
		removed, ok := container[last]
		if !ok {
			return nil, nil, fmt.Errorf("key %q not found", last)
		}
		delete(container, last)
		return root, removed, nil
	case []any:
		idx, err := arrayIndex(last, len(container), false)
		if err != nil {
			return nil, nil, err
		}
		removed := container[idx]
		shrunk := append(container[:idx], container[idx+1:]...)
		newRoot, err := setParent(root, segments[:len(segments)-1], shrunk)
		return newRoot, removed, err
	default:
		return nil, nil, fmt.Errorf("cannot remove from %T", parent)
	}
}

// replaceAt implements RFC6902 replace: the target must exist, array
// indices assign in place (no shift).
func replaceAt(root any, path string, value any) (any, error) {
	segments, err := parsePointer(path)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return value, nil
	}

	parent, last, err := navigateToParent(root, segments)
	if err != nil {
		return nil, err
	}

	switch container := parent.(type) {
	case map[string]any:
		if _, ok := container[last]; !ok {
			return nil, fmt.Errorf("key %q not found", last)
		}
		container[last] = value
		return root, nil
	case []any:
		idx, err := arrayIndex(last, len(container), false)
		if err != nil {
			return nil, err
		}
		container[idx] = value
		return root, nil
	default:
		return nil, fmt.Errorf("cannot replace in %T", parent)
	}
}

// setParent writes a re-allocated slice back into its own parent. Maps
// mutate in place and never need this; slices re-allocate on insert and
// remove.
func setParent(root any, parentSegments []string, value any) (any, error) {
	if len(parentSegments) == 0 {
		return value, nil
	}
	grand, last, err := navigateToParent(root, parentSegments)
	if err != nil {
		return nil, err
	}
	switch container := grand.(type) {
	case map[string]any:
		container[last] = value
		return root, nil
	case []any:
		idx, err := arrayIndex(last, len(container), false)
		if err != nil {
			return nil, err
		}
		container[idx] = value
		return root, nil
	default:
		return nil, fmt.Errorf("cannot write into %T", grand)
	}
}

// isPrefix reports whether from is path or an ancestor of path.
func isPrefix(from, path string) bool {
	return from == path || strings.HasPrefix(path, from+"/")
}
