package dispatch

import (
	"context"
	"errors"
)

// tryInOrder calls fn for each candidate until one returns nil and reports
// its index. It returns -1 and every collected error when none succeeds.
// Cancellation of ctx stops the walk.
func tryInOrder[T any](ctx context.Context, candidates []T, fn func(context.Context, T) error) (int, error) {
	var errs []error
	for i, c := range candidates {
		if err := ctx.Err(); err != nil {
			return -1, errors.Join(append(errs, err)...)
		}
		err := fn(ctx, c)
		if err == nil {
			return i, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return -1, errors.New("no candidates")
	}
	return -1, errors.Join(errs...)
}
