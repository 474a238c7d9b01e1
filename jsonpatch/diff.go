package jsonpatch

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Diff computes the structural patch that transforms before into after.
// Both values are first normalized to generic JSON trees (via a marshal
// round-trip) so callers can pass typed Go values or already-generic
// map[string]any/[]any trees interchangeably.
//
// Objects are diffed key by key (missing key -> add, removed key -> remove,
// changed value -> replace or recurse). Arrays are diffed by index: no
// element-identity matching is attempted, so an insertion in the middle of
// an array produces replace operations for every shifted index rather than
// a single add.
func Diff(before, after any) (Patch, error) {
	b, err := normalize(before)
	if err != nil {
		return nil, fmt.Errorf("jsonpatch: normalize before: %w", err)
	}
	a, err := normalize(after)
	if err != nil {
		return nil, fmt.Errorf("jsonpatch: normalize after: %w", err)
	}
	var ops Patch
	diffValue("", b, a, &ops)
	return ops, nil
}

func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func diffValue(path string, before, after any, ops *Patch) {
	switch bv := before.(type) {
	case map[string]any:
		av, ok := after.(map[string]any)
		if !ok {
			*ops = append(*ops, Operation{Op: OpReplace, Path: emptyPointer(path), Value: after})
			return
		}
		diffObject(path, bv, av, ops)
	case []any:
		av, ok := after.([]any)
		if !ok {
			*ops = append(*ops, Operation{Op: OpReplace, Path: emptyPointer(path), Value: after})
			return
		}
		diffArray(path, bv, av, ops)
	default:
		if !scalarEqual(before, after) {
			*ops = append(*ops, Operation{Op: OpReplace, Path: emptyPointer(path), Value: after})
		}
	}
}

func diffObject(path string, before, after map[string]any, ops *Patch) {
	keys := make(map[string]struct{}, len(before)+len(after))
	for k := range before {
		keys[k] = struct{}{}
	}
	for k := range after {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	for _, k := range sorted {
		childPath := path + "/" + escapeToken(k)
		bv, bok := before[k]
		av, aok := after[k]
		switch {
		case bok && !aok:
			*ops = append(*ops, Operation{Op: OpRemove, Path: childPath})
		case !bok && aok:
			*ops = append(*ops, Operation{Op: OpAdd, Path: childPath, Value: av})
		default:
			diffValue(childPath, bv, av, ops)
		}
	}
}

func diffArray(path string, before, after []any, ops *Patch) {
	common := len(before)
	if len(after) < common {
		common = len(after)
	}
	for i := 0; i < common; i++ {
		diffValue(fmt.Sprintf("%s/%d", path, i), before[i], after[i], ops)
	}
	switch {
	case len(after) > len(before):
		for i := len(before); i < len(after); i++ {
			*ops = append(*ops, Operation{Op: OpAdd, Path: fmt.Sprintf("%s/%d", path, i), Value: after[i]})
		}
	case len(before) > len(after):
		// Remove from the highest index down so each removal's index is still
		// valid at the moment it is applied.
		for i := len(before) - 1; i >= len(after); i-- {
			*ops = append(*ops, Operation{Op: OpRemove, Path: fmt.Sprintf("%s/%d", path, i)})
		}
	}
}

func scalarEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	av, aerr := json.Marshal(a)
	bv, berr := json.Marshal(b)
	if aerr != nil || berr != nil {
		return false
	}
	return string(av) == string(bv)
}

// emptyPointer returns path unchanged; for the document root that is the
// empty pointer "", which RFC 6901 defines as the whole document.
func emptyPointer(path string) string {
	if path == "" {
		return ""
	}
	return path
}
