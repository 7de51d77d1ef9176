package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-expenses/internal/errors"
)

// RetryTransient calls fn up to attempts times, sleeping backoff, 2×backoff,
// 4×backoff... between tries, for as long as fn fails with VERSION_CONFLICT
// or STORE_UNAVAILABLE. Other errors and context cancellation end it early.
func RetryTransient(ctx context.Context, attempts int, backoff time.Duration, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil || !errors.IsTransient(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		timer := time.NewTimer(backoff << i)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
