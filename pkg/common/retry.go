package common

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultRetries is the number of attempts after the first one made by Retry
// and RetryWithData.
const DefaultRetries = 3

func newBackOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 10 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(bo, DefaultRetries), ctx)
}

// Retry calls fn until it succeeds, the retries are exhausted or ctx is done.
// Wrap an error with backoff.Permanent to stop retrying immediately.
func Retry(ctx context.Context, fn func() error) error {
	return backoff.Retry(fn, newBackOff(ctx))
}

// RetryWithData is Retry for operations that return a value.
func RetryWithData[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	return backoff.RetryWithData(fn, newBackOff(ctx))
}
