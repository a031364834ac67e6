package settings

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// splitPath splits a dotted path. The empty path addresses the root.
func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// lookup walks a dotted path through nested maps and arrays.
func lookup(tree any, path string) (any, bool) {
	cur := tree
	for _, seg := range splitPath(path) {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}

	return cur, true
}

// setIn writes value at path, creating intermediate objects as needed.
func setIn(tree map[string]any, path string, value any) error {
	segs := splitPath(path)
	if len(segs) == 0 {
		return fmt.Errorf("settings: cannot set the root; use Update or Import")
	}

	cur := tree
	for i, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg]
		if !ok || next == nil {
			m := make(map[string]any)
			cur[seg] = m
			cur = m
			continue
		}

		m, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("settings: %q is not an object", strings.Join(segs[:i+1], "."))
		}
		cur = m
	}

	cur[segs[len(segs)-1]] = value

	return nil
}

// deleteIn removes the value at path. Missing paths are ignored.
func deleteIn(tree map[string]any, path string) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return
	}

	cur := tree
	for _, seg := range segs[:len(segs)-1] {
		m, ok := cur[seg].(map[string]any)
		if !ok {
			return
		}
		cur = m
	}

	delete(cur, segs[len(segs)-1])
}

// schemaAt returns the schema node for path, or nil when the path is not
// declared.
func schemaAt(root *Field, path string) *Field {
	cur := root
	for _, seg := range splitPath(path) {
		if cur == nil {
			return nil
		}
		if cur.Kind == KindArray {
			if _, err := strconv.Atoi(seg); err != nil {
				return nil
			}
		}
		cur = cur.Child(seg)
	}

	return cur
}

// cloneValue deep-copies JSON-shaped values.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		cp := make(map[string]any, len(t))
		for k, e := range t {
			cp[k] = cloneValue(e)
		}
		return cp
	case []any:
		cp := make([]any, len(t))
		for i, e := range t {
			cp[i] = cloneValue(e)
		}
		return cp
	default:
		return v
	}
}

func cloneTree(tree map[string]any) map[string]any {
	cp, _ := cloneValue(tree).(map[string]any)
	return cp
}

// normalize converts arbitrary Go values into the JSON-shaped types the tree
// stores: map[string]any, []any, string, float64, bool and nil.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil, string, bool, float64:
		return t, nil
	case int:
		return float64(t), nil
	case int8:
		return float64(t), nil
	case int16:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case uint:
		return float64(t), nil
	case uint8:
		return float64(t), nil
	case uint16:
		return float64(t), nil
	case uint32:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	case float32:
		return float64(t), nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	}

	// Typed slices, maps and structs go through JSON.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("settings: unsupported value %T: %w", v, err)
	}

	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("settings: unsupported value %T: %w", v, err)
	}

	return out, nil
}

// merge applies patch onto dst recursively: objects merge, everything else
// replaces.
func merge(dst, patch map[string]any) {
	for k, pv := range patch {
		pm, pIsMap := pv.(map[string]any)
		dm, dIsMap := dst[k].(map[string]any)

		if pIsMap && dIsMap {
			merge(dm, pm)
			continue
		}

		dst[k] = cloneValue(pv)
	}
}

// fillDefaults adds every key present in defaults but missing from tree.
func fillDefaults(tree, defaults map[string]any) {
	for k, dv := range defaults {
		tv, ok := tree[k]
		if !ok {
			tree[k] = cloneValue(dv)
			continue
		}

		tm, tIsMap := tv.(map[string]any)
		dm, dIsMap := dv.(map[string]any)
		if tIsMap && dIsMap {
			fillDefaults(tm, dm)
		}
	}
}

// changedPaths appends the dotted paths of every leaf that differs between
// old and new, in sorted order.
func changedPaths(old, updated any, prefix string, out *[]string) {
	om, oIsMap := old.(map[string]any)
	nm, nIsMap := updated.(map[string]any)

	if (oIsMap || old == nil) && (nIsMap || updated == nil) && (oIsMap || nIsMap) {
		keys := make(map[string]struct{}, len(om)+len(nm))
		for k := range om {
			keys[k] = struct{}{}
		}
		for k := range nm {
			keys[k] = struct{}{}
		}

		sorted := make([]string, 0, len(keys))
		for k := range keys {
			sorted = append(sorted, k)
		}
		sort.Strings(sorted)

		for _, k := range sorted {
			changedPaths(om[k], nm[k], joinPath(prefix, k), out)
		}

		return
	}

	if !reflect.DeepEqual(old, updated) {
		*out = append(*out, prefix)
	}
}

// prune removes keys the schema does not declare and returns their paths.
func prune(f *Field, value any, prefix string, removed *[]string) {
	if f == nil {
		return
	}

	switch f.Kind {
	case KindObject:
		m, ok := value.(map[string]any)
		if !ok {
			return
		}
		for k, v := range m {
			child, declared := f.Fields[k]
			if !declared {
				delete(m, k)
				*removed = append(*removed, joinPath(prefix, k))
				continue
			}
			prune(child, v, joinPath(prefix, k), removed)
		}
	case KindMap:
		if m, ok := value.(map[string]any); ok {
			for k, v := range m {
				prune(f.Elem, v, joinPath(prefix, k), removed)
			}
		}
	case KindArray:
		if arr, ok := value.([]any); ok {
			for i, v := range arr {
				prune(f.Elem, v, joinPath(prefix, strconv.Itoa(i)), removed)
			}
		}
	}
}
