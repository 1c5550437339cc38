package node

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/cuemby/nodestore/pkg/metrics"
)

// RetryOptions bounds DoInTransaction
type RetryOptions struct {
	// MaxRetries is the number of attempts after the first one
	MaxRetries int
	MinBackoff time.Duration
	MaxBackoff time.Duration

	// Timeout applies when ctx carries no deadline
	Timeout time.Duration
}

// DefaultRetryOptions mirrors the default configuration file
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxRetries: 20,
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 500 * time.Millisecond,
		Timeout:    30 * time.Second,
	}
}

// DoInTransaction runs fn in a new transaction and commits it. When fn or
// the commit fails with ErrConcurrencyConflict the whole unit of work is run
// again in a fresh transaction, up to opts.MaxRetries times. Any other
// error rolls back and is returned unchanged.
func DoInTransaction[T any](ctx context.Context, r *Repository, opts RetryOptions, fn func(ctx context.Context, tx *Txn) (T, error)) (T, error) {
	var zero T
	if _, ok := ctx.Deadline(); !ok && opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		tx := r.Begin(ctx)
		result, err := fn(ctx, tx)
		if err != nil {
			tx.Rollback()
		} else {
			err = tx.Commit(ctx)
		}
		if err == nil {
			return result, nil
		}
		if !IsRetryable(err) {
			return zero, err
		}
		if attempt >= opts.MaxRetries {
			return zero, fmt.Errorf("giving up after %d attempts: %w", attempt+1, err)
		}

		metrics.TxnRetriesTotal.Inc()
		r.logger.Debug().
			Err(err).
			Int("attempt", attempt+1).
			Msg("Retrying transaction")

		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-time.After(backoff(opts, attempt)):
		}
	}
}

// Do runs fn with the repository's default retry options
func (r *Repository) Do(ctx context.Context, fn func(ctx context.Context, tx *Txn) error) error {
	_, err := DoInTransaction(ctx, r, r.retry, func(ctx context.Context, tx *Txn) (struct{}, error) {
		return struct{}{}, fn(ctx, tx)
	})
	return err
}

func backoff(opts RetryOptions, attempt int) time.Duration {
	if opts.MinBackoff <= 0 {
		return 0
	}
	d := opts.MinBackoff << min(attempt, 16)
	if opts.MaxBackoff > 0 && d > opts.MaxBackoff {
		d = opts.MaxBackoff
	}
	// Jitter in [d/2, d)
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half+1)))
}
