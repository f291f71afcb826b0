// Package validator checks parsed webhook payloads before they are stored.
package validator

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid payload")

// Validator checks a decoded payload of one source.
type Validator interface {
	Validate(ctx context.Context, source string, payload map[string]any) error
	Supports(source string) bool
}

// Chain applies a list of validators sequentially.
type Chain struct {
	validators []Validator
}

// NewChain constructs a validator chain.
func NewChain(validators ...Validator) *Chain {
	return &Chain{validators: validators}
}

// Validate executes validators in order until an error occurs.
func (c *Chain) Validate(ctx context.Context, source string, payload map[string]any) error {
	if c == nil {
		return nil
	}
	for _, v := range c.validators {
		if v.Supports(source) {
			if err := v.Validate(ctx, source, payload); err != nil {
				return err
			}
		}
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
