package models

import (
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/distribution_backend/utils"
)

type LockOptions struct {
	// LockTimeout overrides the transaction's lock wait timeout for this acquisition only.
	LockTimeout time.Duration
}

func lockConflict(batchDesc string, err error) error {
	return utils.ErrConflict("%s currently being modified by another operation. Please retry.", batchDesc).Wrap(err)
}

// WithBatchLock locks one batch row (SELECT ... FOR UPDATE) and passes it to fn.
// The lock is held until the surrounding transaction ends; errors from fn are returned unchanged.
func WithBatchLock[T any](tx BatchTx, batchId int, fn func(batch *Batch) (T, error), opts LockOptions) (T, error) {
	var zero T
	rows, err := tx.SelectForUpdate([]int{batchId}, opts.LockTimeout)
	if err != nil {
		if ClassifyError(err) == TransientLockTimeout {
			return zero, lockConflict("Batch "+strconv.Itoa(batchId)+" is", err)
		}
		return zero, err
	}
	if len(rows) == 0 {
		return zero, utils.ErrNotFound("Batch %d not found", batchId)
	}
	return fn(&rows[0])
}

// WithMultiBatchLock locks every requested batch in ascending id order. Callers that
// need overlapping batch sets therefore queue behind each other instead of deadlocking.
func WithMultiBatchLock[T any](tx BatchTx, batchIds []int, fn func(batches map[int]*Batch) (T, error), opts LockOptions) (T, error) {
	var zero T
	if len(batchIds) == 0 {
		return zero, utils.ErrBadRequest("At least one batch id is required")
	}

	sorted := slices.Clone(batchIds)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	rows, err := tx.SelectForUpdate(sorted, opts.LockTimeout)
	if err != nil {
		if ClassifyError(err) == TransientLockTimeout {
			return zero, lockConflict("One or more batches are", err)
		}
		return zero, err
	}

	locked := make(map[int]*Batch, len(rows))
	for i := range rows {
		locked[rows[i].ID] = &rows[i]
	}
	var missing []string
	for _, id := range sorted {
		if _, ok := locked[id]; !ok {
			missing = append(missing, strconv.Itoa(id))
		}
	}
	if len(missing) > 0 {
		return zero, utils.ErrNotFound("Batches not found: %s", strings.Join(missing, ", ")).
			WithDetail("batch_ids", strings.Join(missing, ","))
	}
	return fn(locked)
}
