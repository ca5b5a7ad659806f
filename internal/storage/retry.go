package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// transientCodes are the SQLSTATEs after which a value upsert can be replayed
// as is: the statement is idempotent on (metric_id, period_date).
var transientCodes = map[string]string{
	"40001": "serialization_failure",
	"40P01": "deadlock_detected",
}

// transientReason returns the condition name when err is a transient
// Postgres conflict.
func transientReason(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	reason, ok := transientCodes[pgErr.Code]
	return reason, ok
}

// RetryPolicy bounds WithRetry. OnRetry, when set, is called before each
// backoff wait.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	OnRetry    func(attempt int, reason string, wait time.Duration)
}

// WithRetry runs fn, replaying it on serialization failures and deadlocks up
// to p.MaxRetries times with jittered exponential backoff. Any other error is
// returned immediately.
func WithRetry(ctx context.Context, p RetryPolicy, fn func() error) error {
	delay := p.BaseDelay
	var err error
	for attempt := range p.MaxRetries + 1 {
		err = fn()
		if err == nil {
			return nil
		}
		reason, ok := transientReason(err)
		if !ok || attempt == p.MaxRetries {
			return err
		}
		wait := delay
		if delay > 0 {
			wait += time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, reason, wait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
	}
	return err
}
