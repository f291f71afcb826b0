package validator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLookup(t *testing.T) {
	payload := map[string]any{
		"issue":  map[string]any{"number": float64(123), "labels": []any{"bug"}},
		"action": "opened",
		"none":   nil,
	}

	tests := []struct {
		path string
		want any
		ok   bool
	}{
		{"action", "opened", true},
		{"issue.number", float64(123), true},
		{"issue.missing", nil, false},
		{"action.deeper", nil, false},
		{"none", nil, false},
		{"", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := Lookup(payload, tt.path)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestChain(t *testing.T) {
	chain := NewChain(
		BasicValidator{},
		RequiredFields{Source: "github", Fields: []string{"action", "repository.full_name"}},
	)
	ctx := context.Background()

	assert.ErrorIs(t, chain.Validate(ctx, "github", map[string]any{}), ErrInvalid)

	err := chain.Validate(ctx, "github", map[string]any{"action": "opened"})
	assert.True(t, errors.Is(err, ErrInvalid))
	assert.Contains(t, err.Error(), "repository.full_name")

	assert.NoError(t, chain.Validate(ctx, "github", map[string]any{
		"action":     "opened",
		"repository": map[string]any{"full_name": "org/repo"},
	}))

	// Source-specific rules do not apply elsewhere.
	assert.NoError(t, chain.Validate(ctx, "gitea", map[string]any{"action": "opened"}))
}

func TestNilChain(t *testing.T) {
	var chain *Chain
	assert.NoError(t, chain.Validate(context.Background(), "x", nil))
}
