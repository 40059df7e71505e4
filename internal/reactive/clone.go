package reactive

// CloneTree deep-copies a JSON-compatible tree. Scalars are shared; maps and
// sequences are copied recursively.
func CloneTree(tree map[string]any) map[string]any {
	if tree == nil {
		return nil
	}
	out := make(map[string]any, len(tree))
	for key, value := range tree {
		out[key] = CloneValue(value)
	}
	return out
}

// CloneValue deep-copies a JSON-compatible value.
func CloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return CloneTree(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = CloneValue(item)
		}
		return out
	default:
		return v
	}
}
