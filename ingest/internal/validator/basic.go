package validator

import (
	"context"
	"strings"
)

// BasicValidator rejects empty payloads.
type BasicValidator struct{}

// Supports returns true for all sources.
func (BasicValidator) Supports(string) bool { return true }

// Validate performs structural validation.
func (BasicValidator) Validate(_ context.Context, _ string, payload map[string]any) error {
	if len(payload) == 0 {
		return invalid("empty object")
	}
	return nil
}

// RequiredFields requires dotted paths to be present for one source.
type RequiredFields struct {
	Source string
	Fields []string
}

// Supports matches the configured source only.
func (r RequiredFields) Supports(source string) bool {
	return source == r.Source
}

// Validate checks every configured path.
func (r RequiredFields) Validate(_ context.Context, _ string, payload map[string]any) error {
	for _, f := range r.Fields {
		if _, ok := Lookup(payload, f); !ok {
			return invalid("missing %s", f)
		}
	}
	return nil
}

// Lookup resolves a dotted path such as "issue.number" in a decoded object.
// A nil leaf counts as absent.
func Lookup(payload map[string]any, path string) (any, bool) {
	var cur any = payload
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}
