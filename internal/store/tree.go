package store

// lookup walks path through tree, returning the value and whether it was
// found. An empty path returns the whole tree.
func lookup(tree map[string]interface{}, path []string) (interface{}, bool) {
	var cur interface{} = tree
	for _, seg := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// setAt writes value at path, creating intermediate object nodes as
// needed. Existing non-object intermediate nodes are overwritten.
func setAt(tree map[string]interface{}, path []string, value interface{}) {
	if len(path) == 0 {
		return
	}
	cur := tree
	for _, seg := range path[:len(path)-1] {
		next, ok := cur[seg].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			cur[seg] = next
		}
		cur = next
	}
	cur[path[len(path)-1]] = value
}

// deleteAt removes the value at path, if present.
func deleteAt(tree map[string]interface{}, path []string) {
	if len(path) == 0 {
		return
	}
	cur := tree
	for _, seg := range path[:len(path)-1] {
		next, ok := cur[seg].(map[string]interface{})
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, path[len(path)-1])
}

func deepCopyOrNil(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	return deepCopy(v)
}

func deepCopy(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}
