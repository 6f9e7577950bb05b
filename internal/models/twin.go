package models

// Tree is the nested key/value representation of a twin entity.
type Tree map[string]any

// Ack is returned by the graph store after a successful upsert.
type Ack struct {
	ID   string
	ETag string
}

// CloneTree deep-copies nested maps and slices so callers can mutate the result freely.
func CloneTree(src Tree) Tree {
	if src == nil {
		return nil
	}
	out := make(Tree, len(src))
	for k, v := range src {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case Tree:
		return CloneTree(typed)
	case map[string]any:
		return map[string]any(CloneTree(Tree(typed)))
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// MergeTree returns base with patch applied. Nested maps are merged key by key, any other
// patch value replaces the base value, and keys absent from patch are kept untouched.
// Neither argument is modified.
func MergeTree(base, patch Tree) Tree {
	out := CloneTree(base)
	if out == nil {
		out = make(Tree, len(patch))
	}
	for k, pv := range patch {
		pm, patchIsMap := asMap(pv)
		if !patchIsMap {
			out[k] = cloneValue(pv)
			continue
		}
		bm, baseIsMap := asMap(out[k])
		if !baseIsMap {
			out[k] = map[string]any(CloneTree(pm))
			continue
		}
		out[k] = map[string]any(MergeTree(bm, pm))
	}
	return out
}

func asMap(v any) (Tree, bool) {
	switch typed := v.(type) {
	case Tree:
		return typed, true
	case map[string]any:
		return Tree(typed), true
	}
	return nil, false
}
