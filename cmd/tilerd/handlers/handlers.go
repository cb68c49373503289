// Package handlers binds the tilerd components to their HTTP surface.
//
// Each handler is built from the narrow interface it serves, so tests
// drive them with mocks and the route table in main wires the real
// components in.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/geoforge/tilerd/pkg/datasource"
	tdb "github.com/geoforge/tilerd/pkg/db"
	"github.com/geoforge/tilerd/pkg/utils/retry"
)

// transientAttempts is how many tries a request gets against a
// transient database failure before it surfaces as an error.
const transientAttempts = 3

// retryTransient runs f, retrying tdb.ErrTransient failures with a
// short exponential backoff inside the request.
func retryTransient[T any](ctx context.Context, f func() (T, error)) (T, error) {
	v, err := f()
	if err == nil || !errors.Is(err, tdb.ErrTransient) {
		return v, err
	}

	attempts := 1
	return retry.Blocking(ctx, retry.ExponentialBackoff(50*time.Millisecond, 2), func() (T, error) {
		attempts++
		v, err := f()
		if err != nil && errors.Is(err, tdb.ErrTransient) && attempts < transientAttempts {
			return v, fmt.Errorf("%w: %v", retry.ErrRetry, err)
		}
		return v, err
	})
}

// retryTransientErr is retryTransient for operations without a value.
func retryTransientErr(ctx context.Context, f func() error) error {
	_, err := retryTransient(ctx, func() (struct{}, error) {
		return struct{}{}, f()
	})
	return err
}

// bodyErr shapes a request body violation the way descriptor
// validation reports violations, one entry locating one field.
func bodyErr(typ, field, msg string) []datasource.ValidationError {
	return []datasource.ValidationError{{
		Type:     typ,
		Location: []interface{}{"body", field},
		Message:  msg,
	}}
}
