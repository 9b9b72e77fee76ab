// Package strategy tries an ordered list of alternatives and keeps the first
// that applies.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Strategy returns ok=false when it does not apply to the input, and an
// error when it applies but fails. Failures stop the search.
type Strategy[In, Out any] struct {
	Name string
	Try  func(ctx context.Context, in In) (out Out, ok bool, err error)
}

var ErrNoStrategy = errors.New("no strategy applies")

// First runs strategies in order and returns the first applicable result
// along with the name of the strategy that produced it.
func First[In, Out any](ctx context.Context, in In, strategies ...Strategy[In, Out]) (Out, string, error) {
	var zero Out
	tried := make([]string, 0, len(strategies))
	for _, s := range strategies {
		if err := ctx.Err(); err != nil {
			return zero, "", err
		}
		out, ok, err := s.Try(ctx, in)
		if err != nil {
			return zero, s.Name, fmt.Errorf("%s: %w", s.Name, err)
		}
		if ok {
			return out, s.Name, nil
		}
		tried = append(tried, s.Name)
	}
	return zero, "", fmt.Errorf("%w (tried %s)", ErrNoStrategy, strings.Join(tried, ", "))
}
