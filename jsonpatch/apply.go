package jsonpatch

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Apply replays the patch against doc and returns the resulting document.
// doc is normalized the same way Diff normalizes its inputs, so the result
// is always a generic tree of map[string]any, []any, and JSON scalars.
//
// Apply supports all six operations in the restricted dialect. Test failures
// and out-of-range array indices return an error; callers that only ever
// apply patches produced by Diff will never hit those paths, but Apply must
// still behave correctly for hand-authored or externally supplied patches
// (the dialect is a wire contract, not just an internal implementation
// detail).
func Apply(doc any, p Patch) (any, error) {
	root, err := normalize(doc)
	if err != nil {
		return nil, fmt.Errorf("jsonpatch: normalize document: %w", err)
	}
	for i, op := range p {
		var applyErr error
		root, applyErr = applyOne(root, op)
		if applyErr != nil {
			return nil, fmt.Errorf("jsonpatch: operation %d (%s %s): %w", i, op.Op, op.Path, applyErr)
		}
	}
	return root, nil
}

func applyOne(root any, op Operation) (any, error) {
	switch op.Op {
	case OpAdd:
		return setAt(root, op.Path, op.Value, true)
	case OpReplace:
		return setAt(root, op.Path, op.Value, false)
	case OpRemove:
		return removeAt(root, op.Path)
	case OpMove:
		v, err := getAt(root, op.From)
		if err != nil {
			return nil, err
		}
		root, err = removeAt(root, op.From)
		if err != nil {
			return nil, err
		}
		return setAt(root, op.Path, v, true)
	case OpCopy:
		v, err := getAt(root, op.From)
		if err != nil {
			return nil, err
		}
		return setAt(root, op.Path, v, true)
	case OpTest:
		v, err := getAt(root, op.Path)
		if err != nil {
			return nil, err
		}
		if !scalarEqual(v, op.Value) {
			return nil, fmt.Errorf("test failed: value at %q does not match", op.Path)
		}
		return root, nil
	default:
		return nil, errInvalidOp(op.Op)
	}
}

func tokens(path string) []string {
	if path == "" || path == "/" {
		return nil
	}
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for i, p := range parts {
		parts[i] = unescapeToken(p)
	}
	return parts
}

func escapeToken(t string) string {
	t = strings.ReplaceAll(t, "~", "~0")
	t = strings.ReplaceAll(t, "/", "~1")
	return t
}

func unescapeToken(t string) string {
	t = strings.ReplaceAll(t, "~1", "/")
	t = strings.ReplaceAll(t, "~0", "~")
	return t
}

func getAt(root any, path string) (any, error) {
	toks := tokens(path)
	cur := root
	for _, t := range toks {
		var err error
		cur, err = descend(cur, t)
		if err != nil {
			return nil, err
		}
	}
	return cur, nil
}

func descend(cur any, tok string) (any, error) {
	switch c := cur.(type) {
	case map[string]any:
		v, ok := c[tok]
		if !ok {
			return nil, fmt.Errorf("missing key %q", tok)
		}
		return v, nil
	case []any:
		idx, err := strconv.Atoi(tok)
		if err != nil || idx < 0 || idx >= len(c) {
			return nil, fmt.Errorf("invalid array index %q", tok)
		}
		return c[idx], nil
	default:
		return nil, fmt.Errorf("cannot descend into scalar at %q", tok)
	}
}

// setAt sets the value at path, creating the key (insert semantics) or
// overwriting an existing key/index (replace semantics) depending on
// insert. The root document is returned since setting the root itself
// (path == "") replaces the returned value wholesale.
func setAt(root any, path string, value any, insert bool) (any, error) {
	toks := tokens(path)
	if len(toks) == 0 {
		return value, nil
	}
	return setRecursive(root, toks, value, insert)
}

func setRecursive(cur any, toks []string, value any, insert bool) (any, error) {
	tok := toks[0]
	switch c := cur.(type) {
	case map[string]any:
		if len(toks) == 1 {
			c[tok] = value
			return c, nil
		}
		child, ok := c[tok]
		if !ok {
			return nil, fmt.Errorf("missing key %q", tok)
		}
		updated, err := setRecursive(child, toks[1:], value, insert)
		if err != nil {
			return nil, err
		}
		c[tok] = updated
		return c, nil
	case []any:
		if tok == "-" {
			if len(toks) != 1 {
				return nil, fmt.Errorf("append token %q must be the final path segment", tok)
			}
			return append(c, value), nil
		}
		idx, err := strconv.Atoi(tok)
		if err != nil || idx < 0 || idx > len(c) {
			return nil, fmt.Errorf("invalid array index %q", tok)
		}
		if len(toks) == 1 {
			if insert {
				if idx == len(c) {
					return append(c, value), nil
				}
				c = append(c[:idx+1], c[idx:]...)
				c[idx] = value
				return c, nil
			}
			if idx >= len(c) {
				return nil, fmt.Errorf("invalid array index %q", tok)
			}
			c[idx] = value
			return c, nil
		}
		if idx >= len(c) {
			return nil, fmt.Errorf("invalid array index %q", tok)
		}
		updated, err := setRecursive(c[idx], toks[1:], value, insert)
		if err != nil {
			return nil, err
		}
		c[idx] = updated
		return c, nil
	default:
		return nil, fmt.Errorf("cannot set into scalar at %q", tok)
	}
}

func removeAt(root any, path string) (any, error) {
	toks := tokens(path)
	if len(toks) == 0 {
		return nil, nil
	}
	return removeRecursive(root, toks)
}

func removeRecursive(cur any, toks []string) (any, error) {
	tok := toks[0]
	switch c := cur.(type) {
	case map[string]any:
		if len(toks) == 1 {
			if _, ok := c[tok]; !ok {
				return nil, fmt.Errorf("missing key %q", tok)
			}
			delete(c, tok)
			return c, nil
		}
		child, ok := c[tok]
		if !ok {
			return nil, fmt.Errorf("missing key %q", tok)
		}
		updated, err := removeRecursive(child, toks[1:])
		if err != nil {
			return nil, err
		}
		c[tok] = updated
		return c, nil
	case []any:
		idx, err := strconv.Atoi(tok)
		if err != nil || idx < 0 || idx >= len(c) {
			return nil, fmt.Errorf("invalid array index %q", tok)
		}
		if len(toks) == 1 {
			return append(c[:idx], c[idx+1:]...), nil
		}
		updated, err := removeRecursive(c[idx], toks[1:])
		if err != nil {
			return nil, err
		}
		c[idx] = updated
		return c, nil
	default:
		return nil, fmt.Errorf("cannot remove from scalar at %q", tok)
	}
}

// MarshalDocument is a convenience helper for callers that want the applied
// document back as canonical JSON bytes (e.g. for persistence or hashing).
func MarshalDocument(doc any) ([]byte, error) {
	return json.Marshal(doc)
}
