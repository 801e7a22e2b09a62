// Package fallback tries an ordered list of providers and keeps the first success.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"log"
)

// Step is one provider in a chain.
type Step[T any] struct {
	Name string
	Run  func(ctx context.Context) (T, error)
}

// Result records which step produced the value and what failed before it.
type Result[T any] struct {
	Value  T
	Source string
	Errors []error
}

var ErrExhausted = errors.New("all providers failed")

// Static returns a step that always yields v.
func Static[T any](name string, v T) Step[T] {
	return Step[T]{Name: name, Run: func(context.Context) (T, error) { return v, nil }}
}

// First runs steps in order and stops at the first success. A cancelled context ends the chain.
func First[T any](ctx context.Context, steps ...Step[T]) (Result[T], error) {
	var res Result[T]
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		v, err := s.Run(ctx)
		if err == nil {
			res.Value = v
			res.Source = s.Name
			return res, nil
		}
		log.Printf("[fallback] step %s failed: %v", s.Name, err)
		res.Errors = append(res.Errors, fmt.Errorf("%s: %w", s.Name, err))
	}
	return res, fmt.Errorf("%w: %w", ErrExhausted, errors.Join(res.Errors...))
}
