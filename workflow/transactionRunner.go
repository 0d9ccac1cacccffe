package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/mmdatafocus/distribution_backend/models"
	"github.com/mmdatafocus/distribution_backend/utils"
	"github.com/sirupsen/logrus"
)

const (
	DefaultMaxRetries  = 3
	MaxRetriesLimit    = 10
	DefaultLockTimeout = 30 * time.Second
	MinLockTimeout     = time.Second
	MaxLockTimeout     = 300 * time.Second

	baseRetryDelay = 100 * time.Millisecond
)

// TxBeginner opens a transaction, applies the lock wait timeout and commits when fn
// returns nil. models.GormTxBeginner is the production implementation.
type TxBeginner interface {
	InTransaction(ctx context.Context, lockTimeout time.Duration, fn func(tx models.Tx) error) error
}

type RunOptions struct {
	MaxRetries  int
	LockTimeout time.Duration
	// LogFields are attached to the retry warnings.
	LogFields logrus.Fields
}

func DefaultRunOptions() RunOptions {
	return RunOptions{MaxRetries: DefaultMaxRetries, LockTimeout: DefaultLockTimeout}
}

func (o RunOptions) validate() error {
	if o.MaxRetries < 0 || o.MaxRetries > MaxRetriesLimit {
		return utils.ErrValidation("maxRetries must be between 0 and %d, got %d", MaxRetriesLimit, o.MaxRetries)
	}
	if o.LockTimeout < MinLockTimeout || o.LockTimeout > MaxLockTimeout {
		return utils.ErrValidation("lock timeout must be between 1 and 300 seconds, got %s", o.LockTimeout)
	}
	return nil
}

// RetriesExhaustedError is returned once every attempt failed with a transient error.
type RetriesExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("transaction failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Err
}

// RetryDelay is 100ms * 2^retryIndex, where retryIndex is 0 before the first retry.
func RetryDelay(retryIndex int) time.Duration {
	return baseRetryDelay << retryIndex
}

type TransactionRunner struct {
	beginner TxBeginner
	logger   *logrus.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewTransactionRunner(beginner TxBeginner, logger *logrus.Logger) *TransactionRunner {
	if logger == nil {
		logger = logrus.New()
	}
	return &TransactionRunner{beginner: beginner, logger: logger, sleep: sleepContext}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RunInTransaction executes fn in a fresh transaction per attempt. Transient failures
// (deadlock, lock wait timeout, lost connection, serialization failure) are retried after
// the failed transaction has rolled back; any other error is returned immediately.
// The returned int is the number of attempts made.
func RunInTransaction[T any](ctx context.Context, r *TransactionRunner, fn func(tx models.Tx) (T, error), opts RunOptions) (T, int, error) {
	var zero T
	if err := opts.validate(); err != nil {
		return zero, 0, err
	}

	var lastErr error
	attempt := 0
	for attempt < opts.MaxRetries+1 {
		attempt++
		var result T
		err := r.beginner.InTransaction(ctx, opts.LockTimeout, func(tx models.Tx) error {
			var fnErr error
			result, fnErr = fn(tx)
			return fnErr
		})
		if err == nil {
			return result, attempt, nil
		}
		lastErr = err

		kind := models.ClassifyError(err)
		if kind == models.TransientNone {
			return zero, attempt, err
		}
		if attempt > opts.MaxRetries {
			break
		}

		delay := RetryDelay(attempt - 1)
		r.logger.WithFields(opts.LogFields).WithFields(logrus.Fields{
			"attempt":        attempt,
			"max_retries":    opts.MaxRetries,
			"transient_kind": kind.String(),
			"retry_in_ms":    delay.Milliseconds(),
		}).Warn("transient transaction failure, retrying: " + err.Error())

		if err := r.sleep(ctx, delay); err != nil {
			return zero, attempt, fmt.Errorf("retry abandoned after %d attempts: %w", attempt, err)
		}
	}
	return zero, attempt, &RetriesExhaustedError{Attempts: attempt, Err: lastErr}
}
