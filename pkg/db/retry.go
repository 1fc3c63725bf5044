package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"gorm.io/gorm"
)

var ErrConflict = errors.New("store_conflict")

// RetryPolicy bounds how often a conflicting transaction is replayed.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Notify is called before each replay with the conflict that caused it.
	Notify func(err error, wait time.Duration)
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     250 * time.Millisecond,
	}
}

// RetryTx runs fn inside a transaction and replays the whole unit while the
// store reports a serialization failure, deadlock or busy database. Any other
// error aborts immediately. Exhausted retries surface as ErrConflict.
func RetryTx(ctx context.Context, conn *gorm.DB, policy RetryPolicy, fn func(tx *gorm.DB) error) error {
	defaults := DefaultRetryPolicy()
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = defaults.MaxAttempts
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = defaults.InitialInterval
	}
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = defaults.MaxInterval
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = policy.MaxInterval

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(policy.MaxAttempts),
	}
	if policy.Notify != nil {
		opts = append(opts, backoff.WithNotify(policy.Notify))
	}

	var lastErr error
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		lastErr = conn.WithContext(ctx).Transaction(fn)
		if lastErr == nil {
			return struct{}{}, nil
		}
		if !IsRetryableErr(lastErr) {
			return struct{}{}, backoff.Permanent(lastErr)
		}
		return struct{}{}, lastErr
	}, opts...)

	switch {
	case err == nil:
		return nil
	case lastErr != nil && !IsRetryableErr(lastErr):
		return lastErr
	case ctx.Err() != nil:
		return err
	default:
		return fmt.Errorf("%w: %w", ErrConflict, lastErr)
	}
}
