package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/mmdatafocus/distribution_backend/models"
	"github.com/mmdatafocus/distribution_backend/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func line(batchId int, quantity string) models.OrderLineItem {
	return models.OrderLineItem{BatchId: batchId, Quantity: qty(quantity)}
}

func newOrderService(t *testing.T, b *memBeginner) *OrderFulfillmentService {
	w, _ := newTestWrapper(t, b)
	return NewOrderFulfillmentService(w)
}

func transition(t *testing.T, s *OrderFulfillmentService, orderId int, to models.OrderFulfillmentStatus) (*MutationResult[TransitionResult], error) {
	t.Helper()
	return s.TransitionOrder(context.Background(), TransitionRequest{OrderId: orderId, ToStatus: to, UserId: 3})
}

func TestConfirmAllocatesEveryLine(t *testing.T) {
	b := newMemBeginner()
	b.addBatch(1, "50")
	b.addBatch(5, "50")
	b.addBatch(10, "50")
	b.addOrder(1, models.FulfillmentStatusDraft, line(10, "4"), line(1, "5"), line(5, "6"))
	s := newOrderService(t, b)

	res, err := transition(t, s, 1, models.FulfillmentStatusConfirmed)
	require.NoError(t, err)

	assert.Equal(t, models.FulfillmentStatusDraft, res.Data.FromStatus)
	assert.Equal(t, models.FulfillmentStatusConfirmed, res.Data.ToStatus)
	require.Len(t, res.Data.Movements, 3)
	assert.Equal(t, 10, res.Data.Movements[0].BatchId)

	assert.Equal(t, models.FulfillmentStatusConfirmed, b.order(1).FulfillmentStatus)
	assert.True(t, qty("46").Equal(b.batch(10).OnHandQty))
	assert.True(t, qty("45").Equal(b.batch(1).OnHandQty))
	assert.True(t, qty("44").Equal(b.batch(5).OnHandQty))
	assert.Equal(t, []int{1, 5, 10}, b.lockCalls[0])

	for _, m := range b.movements() {
		assert.Equal(t, models.MovementReferenceOrderLineItem, m.ReferenceType)
		assert.Equal(t, 3, m.UserId)
	}
}

func TestConfirmLinesSharingABatch(t *testing.T) {
	b := newMemBeginner()
	b.addBatch(1, "50")
	b.addOrder(1, models.FulfillmentStatusDraft, line(1, "5"), line(1, "6"))
	s := newOrderService(t, b)

	res, err := transition(t, s, 1, models.FulfillmentStatusConfirmed)
	require.NoError(t, err)
	require.Len(t, res.Data.Movements, 2)
	assert.True(t, qty("39").Equal(b.batch(1).OnHandQty))
	assert.Equal(t, []int{1}, b.lockCalls[0])

	movements := b.movements()
	require.Len(t, movements, 2)
	assert.Equal(t, 101, movements[0].ReferenceId)
	assert.Equal(t, 102, movements[1].ReferenceId)
	for _, m := range movements {
		assert.Equal(t, models.MovementReferenceOrderLineItem, m.ReferenceType)
	}

	_, err = transition(t, s, 1, models.FulfillmentStatusCancelled)
	require.NoError(t, err)
	assert.True(t, qty("50").Equal(b.batch(1).OnHandQty))
}

func TestConfirmRollsBackWhenAnyLineIsShort(t *testing.T) {
	b := newMemBeginner()
	b.addBatch(1, "50")
	b.addBatch(2, "3")
	b.addOrder(1, models.FulfillmentStatusDraft, line(1, "5"), line(2, "4"))
	s := newOrderService(t, b)

	_, err := transition(t, s, 1, models.FulfillmentStatusConfirmed)
	require.Error(t, err)
	assert.True(t, utils.HasCode(err, utils.CodeConflict))

	assert.Equal(t, models.FulfillmentStatusDraft, b.order(1).FulfillmentStatus)
	assert.True(t, qty("50").Equal(b.batch(1).OnHandQty))
	assert.Empty(t, b.movements())
}

func TestConfirmWithoutLines(t *testing.T) {
	b := newMemBeginner()
	b.addOrder(1, models.FulfillmentStatusDraft)
	s := newOrderService(t, b)

	_, err := transition(t, s, 1, models.FulfillmentStatusConfirmed)
	assert.True(t, utils.HasCode(err, utils.CodeBadRequest))
	assert.Equal(t, models.FulfillmentStatusDraft, b.order(1).FulfillmentStatus)
}

func TestCancelConfirmedOrderReturnsStock(t *testing.T) {
	b := newMemBeginner()
	b.addBatch(1, "50")
	b.addBatch(2, "50")
	b.addOrder(1, models.FulfillmentStatusDraft, line(2, "10"), line(1, "7.5"))
	s := newOrderService(t, b)

	_, err := transition(t, s, 1, models.FulfillmentStatusConfirmed)
	require.NoError(t, err)

	res, err := transition(t, s, 1, models.FulfillmentStatusCancelled)
	require.NoError(t, err)
	require.Len(t, res.Data.Movements, 2)
	assert.Equal(t, 1, res.Data.Movements[0].BatchId, "returns follow ascending batch id")
	assert.True(t, res.Data.Movements[0].QuantityAllocated.IsNegative())

	assert.Equal(t, models.FulfillmentStatusCancelled, b.order(1).FulfillmentStatus)
	assert.True(t, qty("50").Equal(b.batch(1).OnHandQty))
	assert.True(t, qty("50").Equal(b.batch(2).OnHandQty))

	movements := b.movements()
	last := movements[len(movements)-1]
	assert.Equal(t, models.MovementTypeReturn, last.Type)
	assert.Equal(t, "order cancelled", last.Reason)
}

func TestCancelDraftOrderHasNoStockEffect(t *testing.T) {
	b := newMemBeginner()
	b.addBatch(1, "50")
	b.addOrder(1, models.FulfillmentStatusDraft, line(1, "5"))
	s := newOrderService(t, b)

	res, err := transition(t, s, 1, models.FulfillmentStatusCancelled)
	require.NoError(t, err)
	assert.Empty(t, res.Data.Movements)
	assert.Empty(t, b.movements())
	assert.Equal(t, models.FulfillmentStatusCancelled, b.order(1).FulfillmentStatus)
}

func TestIllegalTransitionIsConflict(t *testing.T) {
	b := newMemBeginner()
	b.addBatch(1, "50")
	b.addOrder(1, models.FulfillmentStatusDraft, line(1, "5"))
	s := newOrderService(t, b)

	_, err := transition(t, s, 1, models.FulfillmentStatusShipped)
	require.Error(t, err)
	appErr, ok := utils.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, utils.CodeConflict, appErr.Code)
	assert.Equal(t, "Order 1 cannot move from DRAFT to SHIPPED", appErr.Message)

	var mutErr *MutationError
	require.True(t, errors.As(err, &mutErr))
	assert.Equal(t, "orders", mutErr.Domain)
	assert.Equal(t, "transition_to_shipped", mutErr.Operation)
	assert.Equal(t, models.FulfillmentStatusDraft, b.order(1).FulfillmentStatus)
}

func TestTransitionValidatesRequest(t *testing.T) {
	b := newMemBeginner()
	s := newOrderService(t, b)

	_, err := s.TransitionOrder(context.Background(), TransitionRequest{OrderId: 0, ToStatus: models.FulfillmentStatusConfirmed, UserId: 1})
	assert.True(t, utils.HasCode(err, utils.CodeValidationError))
	_, err = s.TransitionOrder(context.Background(), TransitionRequest{OrderId: 1, ToStatus: "LOST", UserId: 1})
	assert.True(t, utils.HasCode(err, utils.CodeValidationError))
	_, err = s.TransitionOrder(context.Background(), TransitionRequest{OrderId: 1, ToStatus: models.FulfillmentStatusConfirmed})
	assert.True(t, utils.HasCode(err, utils.CodeValidationError))
	assert.Equal(t, 0, b.callCount())

	_, err = transition(t, s, 404, models.FulfillmentStatusConfirmed)
	assert.True(t, utils.HasCode(err, utils.CodeNotFound))
}

func TestFullLifecycleEndsRestocked(t *testing.T) {
	b := newMemBeginner()
	b.addBatch(1, "20")
	b.addOrder(1, models.FulfillmentStatusDraft, line(1, "8"))
	s := newOrderService(t, b)

	path := []models.OrderFulfillmentStatus{
		models.FulfillmentStatusConfirmed,
		models.FulfillmentStatusPending,
		models.FulfillmentStatusPacked,
		models.FulfillmentStatusShipped,
		models.FulfillmentStatusDelivered,
		models.FulfillmentStatusReturned,
	}
	for _, to := range path {
		_, err := transition(t, s, 1, to)
		require.NoError(t, err, "to %s", to)
	}
	assert.True(t, qty("12").Equal(b.batch(1).OnHandQty))

	res, err := s.TransitionOrder(context.Background(), TransitionRequest{
		OrderId: 1, ToStatus: models.FulfillmentStatusRestocked, UserId: 3, Reason: "customer return, resaleable",
	})
	require.NoError(t, err)
	require.Len(t, res.Data.Movements, 1)
	assert.True(t, qty("20").Equal(b.batch(1).OnHandQty))
	assert.True(t, models.IsTerminalStatus(b.order(1).FulfillmentStatus))

	replayed, issues := models.ReplayMovements(b.movements())
	assert.Empty(t, issues)
	assert.True(t, qty("20").Equal(replayed))

	_, err = transition(t, s, 1, models.FulfillmentStatusCancelled)
	assert.True(t, utils.HasCode(err, utils.CodeConflict))
}

func TestTransitionIsIdempotent(t *testing.T) {
	b := newMemBeginner()
	b.addBatch(1, "20")
	b.addOrder(1, models.FulfillmentStatusDraft, line(1, "8"))
	s := newOrderService(t, b)

	req := TransitionRequest{OrderId: 1, ToStatus: models.FulfillmentStatusConfirmed, UserId: 3, IdempotencyKey: ptr("confirm-1")}
	first, err := s.TransitionOrder(context.Background(), req)
	require.NoError(t, err)
	second, err := s.TransitionOrder(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, second.Idempotent)
	assert.Equal(t, first.Data.ToStatus, second.Data.ToStatus)
	assert.Len(t, b.movements(), 1)
	assert.True(t, qty("12").Equal(b.batch(1).OnHandQty))
}
