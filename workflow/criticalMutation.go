package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mmdatafocus/distribution_backend/models"
	"github.com/mmdatafocus/distribution_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MutationOptions describe one critical mutation. Nil pointers take the wrapper defaults.
type MutationOptions struct {
	Domain    string
	Operation string
	UserId    int
	// IdempotencyKey, when set, must be 1-255 characters.
	IdempotencyKey *string
	MaxRetries     *int
	// Timeout is the lock wait timeout in seconds (1-300).
	Timeout *int
}

type MutationResult[T any] struct {
	Data       T             `json:"data"`
	Success    bool          `json:"success"`
	Attempts   int           `json:"attempts"`
	Duration   time.Duration `json:"duration"`
	Idempotent bool          `json:"idempotent,omitempty"`
}

// MutationError is the single error shape returned for a failed mutation.
type MutationError struct {
	Domain    string
	Operation string
	UserId    int
	Attempts  int
	Cause     error
}

func (e *MutationError) Error() string {
	unit := "attempts"
	if e.Attempts == 1 {
		unit = "attempt"
	}
	return fmt.Sprintf("%s.%s failed after %d %s: %v", e.Domain, e.Operation, e.Attempts, unit, e.Cause)
}

func (e *MutationError) Unwrap() error {
	return e.Cause
}

type MutationWrapper struct {
	runner  *TransactionRunner
	store   IdempotencyStore
	locker  KeyLocker
	logger  *logrus.Logger
	metrics *MutationMetrics
	tracer  trace.Tracer

	maxRetries     int
	lockTimeout    time.Duration
	idempotencyTTL time.Duration
}

type WrapperOption func(*MutationWrapper)

func WithKeyLocker(locker KeyLocker) WrapperOption {
	return func(w *MutationWrapper) { w.locker = locker }
}

func WithMetrics(metrics *MutationMetrics) WrapperOption {
	return func(w *MutationWrapper) { w.metrics = metrics }
}

// WithDefaults overrides the retry budget, lock timeout and cache TTL used when a call
// does not set them.
func WithDefaults(maxRetries int, lockTimeout, idempotencyTTL time.Duration) WrapperOption {
	return func(w *MutationWrapper) {
		w.maxRetries = maxRetries
		w.lockTimeout = lockTimeout
		w.idempotencyTTL = idempotencyTTL
	}
}

func NewMutationWrapper(runner *TransactionRunner, store IdempotencyStore, logger *logrus.Logger, opts ...WrapperOption) *MutationWrapper {
	if logger == nil {
		logger = logrus.New()
	}
	w := &MutationWrapper{
		runner:         runner,
		store:          store,
		locker:         NewLocalKeyLocker(),
		logger:         logger,
		tracer:         otel.Tracer("distribution_backend/workflow"),
		maxRetries:     DefaultMaxRetries,
		lockTimeout:    DefaultLockTimeout,
		idempotencyTTL: DefaultIdempotencyTTL,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *MutationWrapper) Store() IdempotencyStore {
	return w.store
}

func (w *MutationWrapper) runOptions(opts MutationOptions) (RunOptions, error) {
	if opts.Domain == "" || opts.Operation == "" {
		return RunOptions{}, utils.ErrValidation("domain and operation are required")
	}
	run := RunOptions{MaxRetries: w.maxRetries, LockTimeout: w.lockTimeout}
	if opts.MaxRetries != nil {
		if *opts.MaxRetries < 0 || *opts.MaxRetries > MaxRetriesLimit {
			return RunOptions{}, utils.ErrValidation("maxRetries must be between 0 and %d, got %d", MaxRetriesLimit, *opts.MaxRetries)
		}
		run.MaxRetries = *opts.MaxRetries
	}
	if opts.Timeout != nil {
		if *opts.Timeout < 1 || *opts.Timeout > 300 {
			return RunOptions{}, utils.ErrValidation("timeout must be between 1 and 300 seconds, got %d", *opts.Timeout)
		}
		run.LockTimeout = time.Duration(*opts.Timeout) * time.Second
	}
	if opts.IdempotencyKey != nil {
		if *opts.IdempotencyKey == "" {
			return RunOptions{}, utils.ErrValidation("idempotencyKey cannot be empty")
		}
		if utf8.RuneCountInString(*opts.IdempotencyKey) > MaxIdempotencyKeyLength {
			return RunOptions{}, utils.ErrValidation("idempotencyKey cannot be longer than %d characters", MaxIdempotencyKeyLength)
		}
	}
	run.LogFields = logrus.Fields{
		"domain":    opts.Domain,
		"operation": opts.Operation,
		"user_id":   opts.UserId,
	}
	return run, nil
}

// keyLease covers every attempt waiting out its lock timeout, the backoff between
// attempts, and one more timeout for the mutation work itself.
func keyLease(run RunOptions) time.Duration {
	lease := run.LockTimeout * time.Duration(run.MaxRetries+2)
	for i := 0; i < run.MaxRetries; i++ {
		lease += RetryDelay(i)
	}
	return lease
}

func (w *MutationWrapper) cached(ctx context.Context, key string, dest any) (bool, error) {
	raw, ok, err := w.store.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("decode cached result for idempotency key: %w", err)
	}
	return true, nil
}

// ExecuteMutation runs fn inside a retrying transaction. With an idempotency key, a
// previously stored result is returned without invoking fn; otherwise the result is
// stored under the key once the transaction has committed.
// Invalid options are returned as a VALIDATION_ERROR before any transaction is opened.
func ExecuteMutation[T any](ctx context.Context, w *MutationWrapper, fn func(tx models.Tx) (T, error), opts MutationOptions) (*MutationResult[T], error) {
	run, err := w.runOptions(opts)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	log := w.logger.WithFields(run.LogFields)
	key := utils.DereferencePtr(opts.IdempotencyKey)
	if key != "" {
		log = log.WithField("idempotency_key", key)
	}
	if correlationId, ok := utils.GetCorrelationIdFromContext(ctx); ok {
		log = log.WithField("correlation_id", correlationId)
	}

	ctx, span := w.tracer.Start(ctx, opts.Domain+"."+opts.Operation, trace.WithAttributes(
		attribute.String("mutation.domain", opts.Domain),
		attribute.String("mutation.operation", opts.Operation),
		attribute.Int("mutation.user_id", opts.UserId),
	))
	defer span.End()

	log.Debug("critical mutation started")

	if key != "" {
		var data T
		hit, err := w.cached(ctx, key, &data)
		if err != nil {
			span.RecordError(err)
			log.WithError(err).Error("idempotency store lookup failed")
			return nil, utils.ErrInternal("idempotency store unavailable").Wrap(err)
		}
		if hit {
			return idempotentHit(w, log, span, opts, data, start), nil
		}

		release, err := w.locker.Obtain(ctx, key, keyLease(run))
		if errors.Is(err, ErrIdempotencyInProgress) {
			return nil, utils.ErrConflict("A request with idempotency key %q is already in progress", key).Wrap(err)
		}
		if err != nil {
			span.RecordError(err)
			return nil, utils.ErrInternal("could not guard idempotency key").Wrap(err)
		}
		defer release()

		// The previous holder may have finished between the lookup and the lock.
		if hit, err := w.cached(ctx, key, &data); err == nil && hit {
			return idempotentHit(w, log, span, opts, data, start), nil
		}
	}

	data, attempts, err := RunInTransaction(ctx, w.runner, fn, run)
	elapsed := time.Since(start)
	span.SetAttributes(attribute.Int("mutation.attempts", attempts))
	if err != nil {
		cause := err
		var exhausted *RetriesExhaustedError
		if errors.As(err, &exhausted) {
			cause = exhausted.Err
		}
		mutErr := &MutationError{
			Domain:    opts.Domain,
			Operation: opts.Operation,
			UserId:    opts.UserId,
			Attempts:  attempts,
			Cause:     cause,
		}
		span.RecordError(mutErr)
		span.SetStatus(codes.Error, mutErr.Error())
		w.metrics.record(opts.Domain, opts.Operation, outcomeFailure, attempts, elapsed)
		log.WithFields(logrus.Fields{
			"attempts":    attempts,
			"duration_ms": elapsed.Milliseconds(),
		}).Error(mutErr.Error())
		return nil, mutErr
	}

	if key != "" {
		if raw, encErr := json.Marshal(data); encErr != nil {
			log.WithError(encErr).Warn("could not encode mutation result for idempotency cache")
		} else if setErr := w.store.Set(ctx, key, raw, w.idempotencyTTL); setErr != nil {
			log.WithError(setErr).Warn("could not store mutation result for idempotency cache")
		}
	}

	w.metrics.record(opts.Domain, opts.Operation, outcomeSuccess, attempts, elapsed)
	log.WithFields(logrus.Fields{
		"attempts":    attempts,
		"duration_ms": elapsed.Milliseconds(),
	}).Info("critical mutation succeeded")

	return &MutationResult[T]{
		Data:     data,
		Success:  true,
		Attempts: attempts,
		Duration: elapsed,
	}, nil
}

func idempotentHit[T any](w *MutationWrapper, log *logrus.Entry, span trace.Span, opts MutationOptions, data T, start time.Time) *MutationResult[T] {
	elapsed := time.Since(start)
	span.SetAttributes(attribute.Bool("mutation.idempotent", true))
	w.metrics.record(opts.Domain, opts.Operation, outcomeIdempotent, 0, elapsed)
	log.Info("idempotent replay, returning cached mutation result")
	return &MutationResult[T]{
		Data:       data,
		Success:    true,
		Attempts:   0,
		Duration:   elapsed,
		Idempotent: true,
	}
}
