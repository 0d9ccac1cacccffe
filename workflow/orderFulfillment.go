package workflow

import (
	"context"
	"sort"
	"strings"

	"github.com/mmdatafocus/distribution_backend/models"
	"github.com/mmdatafocus/distribution_backend/utils"
)

const DomainOrders = "orders"

type TransitionRequest struct {
	OrderId        int
	ToStatus       models.OrderFulfillmentStatus
	UserId         int
	IdempotencyKey *string
	Reason         string
}

type TransitionResult struct {
	OrderId    int                           `json:"order_id"`
	FromStatus models.OrderFulfillmentStatus `json:"from_status"`
	ToStatus   models.OrderFulfillmentStatus `json:"to_status"`
	Movements  []models.AllocationResult     `json:"movements"`
}

// OrderFulfillmentService moves orders through the fulfillment state machine and applies
// the stock side effect of each transition in the same transaction.
type OrderFulfillmentService struct {
	wrapper *MutationWrapper
}

func NewOrderFulfillmentService(wrapper *MutationWrapper) *OrderFulfillmentService {
	return &OrderFulfillmentService{wrapper: wrapper}
}

// releasesAllocation reports whether cancelling from status puts stock back.
func releasesAllocation(from models.OrderFulfillmentStatus) bool {
	switch from {
	case models.FulfillmentStatusConfirmed, models.FulfillmentStatusPending, models.FulfillmentStatusPacked:
		return true
	}
	return false
}

func (s *OrderFulfillmentService) TransitionOrder(ctx context.Context, req TransitionRequest) (*MutationResult[TransitionResult], error) {
	if req.OrderId <= 0 {
		return nil, utils.ErrValidation("Order id must be a positive integer, got %d", req.OrderId)
	}
	if !req.ToStatus.IsValid() {
		return nil, utils.ErrValidation("Unknown fulfillment status %q", req.ToStatus)
	}
	if req.UserId <= 0 {
		return nil, utils.ErrValidation("User id must be a positive integer, got %d", req.UserId)
	}

	return ExecuteMutation(ctx, s.wrapper, func(tx models.Tx) (TransitionResult, error) {
		return applyTransition(tx, req)
	}, MutationOptions{
		Domain:         DomainOrders,
		Operation:      "transition_to_" + strings.ToLower(string(req.ToStatus)),
		UserId:         req.UserId,
		IdempotencyKey: req.IdempotencyKey,
	})
}

func applyTransition(tx models.Tx, req TransitionRequest) (TransitionResult, error) {
	order, err := tx.SelectOrderForUpdate(req.OrderId)
	if err != nil {
		return TransitionResult{}, err
	}
	from := order.FulfillmentStatus
	if !models.CanTransition(from, req.ToStatus) {
		return TransitionResult{}, utils.ErrConflict("Order %d cannot move from %s to %s", order.ID, from, req.ToStatus).
			WithDetail("from_status", string(from)).
			WithDetail("to_status", string(req.ToStatus))
	}

	result := TransitionResult{OrderId: order.ID, FromStatus: from, ToStatus: req.ToStatus}
	switch {
	case req.ToStatus == models.FulfillmentStatusConfirmed:
		result.Movements, err = allocateOrder(tx, order.ID, req.UserId)
	case req.ToStatus == models.FulfillmentStatusCancelled && releasesAllocation(from):
		result.Movements, err = returnOrder(tx, order.ID, req.UserId, reasonOr(req.Reason, "order cancelled"))
	case req.ToStatus == models.FulfillmentStatusRestocked:
		result.Movements, err = returnOrder(tx, order.ID, req.UserId, reasonOr(req.Reason, "restocked after customer return"))
	}
	if err != nil {
		return TransitionResult{}, err
	}

	if err := tx.UpdateOrderStatus(order.ID, req.ToStatus); err != nil {
		return TransitionResult{}, err
	}
	return result, nil
}

func reasonOr(reason, fallback string) string {
	if strings.TrimSpace(reason) == "" {
		return fallback
	}
	return reason
}

func allocateOrder(tx models.Tx, orderId, userId int) ([]models.AllocationResult, error) {
	lines, err := tx.OrderLineItems(orderId)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, utils.ErrBadRequest("Order %d has no line items to allocate", orderId)
	}
	allocations := make([]models.BatchAllocation, 0, len(lines))
	for _, line := range lines {
		allocations = append(allocations, models.BatchAllocation{
			BatchId:         line.BatchId,
			Quantity:        line.Quantity.InexactFloat64(),
			OrderLineItemId: line.ID,
		})
	}
	return models.AllocateFromMultipleBatches(tx, allocations, models.MultiAllocationOptions{
		OrderId:              orderId,
		UserId:               userId,
		AllowRepeatedBatches: true,
	})
}

// returnOrder walks the lines in ascending batch id so its locks follow the same global
// order as AllocateFromMultipleBatches.
func returnOrder(tx models.Tx, orderId, userId int, reason string) ([]models.AllocationResult, error) {
	lines, err := tx.OrderLineItems(orderId)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].BatchId < lines[j].BatchId })

	results := make([]models.AllocationResult, 0, len(lines))
	for _, line := range lines {
		res, err := models.ReturnToBatch(tx, models.ReturnRequest{
			BatchId:  line.BatchId,
			Quantity: line.Quantity.InexactFloat64(),
			OrderId:  orderId,
			Reason:   reason,
			UserId:   userId,
		}, models.ReturnOptions{})
		if err != nil {
			return nil, err
		}
		results = append(results, *res)
	}
	return results, nil
}
