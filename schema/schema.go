// Package schema validates values against JSON Schema documents using
// github.com/santhosh-tekuri/jsonschema/v6: agent terminal-tool output
// (graph.OutputSchema), tool call arguments (tools.Descriptor.InputSchema),
// and webhook payloads (tools.WaitFor.Schema) all carry a schema as `any`
// rather than a typed shape, so this package is the one place that compiles
// and applies them.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Cache compiles and caches JSON Schema documents so a schema attached to a
// step or tool definition that runs many times across a run (or across many
// runs) is compiled once rather than on every Validate call.
//
// The zero value is ready to use.
type Cache struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

// Validate checks payload against schemaDoc, compiling and caching schemaDoc
// on first use. schemaDoc and payload may be either already-decoded Go
// values (map[string]any, []any, ...) or []byte/json.RawMessage containing
// JSON text; both are normalized before validation. A nil or empty
// schemaDoc means "no constraint" and always succeeds.
func (c *Cache) Validate(schemaDoc, payload any) error {
	sch, err := c.compile(schemaDoc)
	if err != nil {
		return err
	}
	if sch == nil {
		return nil
	}
	payloadDoc, err := toDoc(payload)
	if err != nil {
		return fmt.Errorf("schema: decode payload: %w", err)
	}
	if err := sch.Validate(payloadDoc); err != nil {
		return fmt.Errorf("schema: validate: %w", err)
	}
	return nil
}

// Compile compiles schemaDoc and caches the result, returning any compile
// error without validating anything. Callers that want to fail fast on a
// malformed schema (e.g. when a brain is first registered) before any data
// ever flows through it should call this directly.
func (c *Cache) Compile(schemaDoc any) error {
	_, err := c.compile(schemaDoc)
	return err
}

func (c *Cache) compile(schemaDoc any) (*jsonschema.Schema, error) {
	if isEmpty(schemaDoc) {
		return nil, nil
	}
	key, err := cacheKey(schemaDoc)
	if err != nil {
		return nil, fmt.Errorf("schema: hash schema: %w", err)
	}

	c.mu.Lock()
	if sch, ok := c.compiled[key]; ok {
		c.mu.Unlock()
		return sch, nil
	}
	c.mu.Unlock()

	doc, err := toDoc(schemaDoc)
	if err != nil {
		return nil, fmt.Errorf("schema: decode schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(key, doc); err != nil {
		return nil, fmt.Errorf("schema: add resource: %w", err)
	}
	sch, err := compiler.Compile(key)
	if err != nil {
		return nil, fmt.Errorf("schema: compile: %w", err)
	}

	c.mu.Lock()
	if c.compiled == nil {
		c.compiled = make(map[string]*jsonschema.Schema)
	}
	c.compiled[key] = sch
	c.mu.Unlock()

	return sch, nil
}

// Validate compiles schemaDoc and validates payload against it without
// caching, for one-off validation (e.g. a CLI or test helper that doesn't
// own a long-lived Cache). Most call sites inside a run should use a shared
// *Cache instead, since a step's or tool's schema is validated repeatedly.
func Validate(schemaDoc, payload any) error {
	var c Cache
	return c.Validate(schemaDoc, payload)
}

func isEmpty(schemaDoc any) bool {
	if schemaDoc == nil {
		return true
	}
	switch v := schemaDoc.(type) {
	case []byte:
		return len(v) == 0
	case json.RawMessage:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	case string:
		return v == ""
	default:
		return false
	}
}

// toDoc normalizes v into the plain Go value (map[string]any, []any,
// string, float64, bool, nil) jsonschema.Compiler.AddResource and
// Schema.Validate expect, decoding JSON text if v is raw bytes.
func toDoc(v any) (any, error) {
	switch t := v.(type) {
	case []byte:
		var doc any
		if err := json.Unmarshal(t, &doc); err != nil {
			return nil, err
		}
		return doc, nil
	case json.RawMessage:
		var doc any
		if err := json.Unmarshal(t, &doc); err != nil {
			return nil, err
		}
		return doc, nil
	case string:
		var doc any
		if err := json.Unmarshal([]byte(t), &doc); err != nil {
			return nil, err
		}
		return doc, nil
	default:
		// Round-trip through JSON so structs and typed maps normalize into
		// the same map[string]any/[]any shape jsonschema expects.
		data, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		var doc any
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		return doc, nil
	}
}

// cacheKey derives a stable resource name for schemaDoc so repeated calls
// with an equal (but not necessarily identical) schema value hit the cache.
func cacheKey(schemaDoc any) (string, error) {
	data, err := json.Marshal(schemaDoc)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return "schema://" + hex.EncodeToString(sum[:]), nil
}
