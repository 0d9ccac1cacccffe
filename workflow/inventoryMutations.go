package workflow

import (
	"context"

	"github.com/mmdatafocus/distribution_backend/models"
)

const DomainInventory = "inventory"

// MutationControls are the per-call knobs exposed to API callers.
type MutationControls struct {
	IdempotencyKey *string
	MaxRetries     *int
	Timeout        *int
}

type InventoryService struct {
	wrapper *MutationWrapper
}

func NewInventoryService(wrapper *MutationWrapper) *InventoryService {
	return &InventoryService{wrapper: wrapper}
}

func (s *InventoryService) options(operation string, userId int, c MutationControls) MutationOptions {
	return MutationOptions{
		Domain:         DomainInventory,
		Operation:      operation,
		UserId:         userId,
		IdempotencyKey: c.IdempotencyKey,
		MaxRetries:     c.MaxRetries,
		Timeout:        c.Timeout,
	}
}

func (s *InventoryService) Allocate(ctx context.Context, req models.AllocationRequest, opts models.AllocateOptions, c MutationControls) (*MutationResult[models.AllocationResult], error) {
	return ExecuteMutation(ctx, s.wrapper, func(tx models.Tx) (models.AllocationResult, error) {
		res, err := models.AllocateFromBatch(tx, req, opts)
		if err != nil {
			return models.AllocationResult{}, err
		}
		return *res, nil
	}, s.options("allocate", req.UserId, c))
}

func (s *InventoryService) AllocateMany(ctx context.Context, allocations []models.BatchAllocation, opts models.MultiAllocationOptions, c MutationControls) (*MutationResult[[]models.AllocationResult], error) {
	return ExecuteMutation(ctx, s.wrapper, func(tx models.Tx) ([]models.AllocationResult, error) {
		return models.AllocateFromMultipleBatches(tx, allocations, opts)
	}, s.options("allocate_multiple", opts.UserId, c))
}

func (s *InventoryService) Return(ctx context.Context, req models.ReturnRequest, opts models.ReturnOptions, c MutationControls) (*MutationResult[models.AllocationResult], error) {
	return ExecuteMutation(ctx, s.wrapper, func(tx models.Tx) (models.AllocationResult, error) {
		res, err := models.ReturnToBatch(tx, req, opts)
		if err != nil {
			return models.AllocationResult{}, err
		}
		return *res, nil
	}, s.options("return", req.UserId, c))
}
