package models

type OrderFulfillmentStatus string

const (
	FulfillmentStatusDraft            OrderFulfillmentStatus = "DRAFT"
	FulfillmentStatusConfirmed        OrderFulfillmentStatus = "CONFIRMED"
	FulfillmentStatusPending          OrderFulfillmentStatus = "PENDING"
	FulfillmentStatusPacked           OrderFulfillmentStatus = "PACKED"
	FulfillmentStatusShipped          OrderFulfillmentStatus = "SHIPPED"
	FulfillmentStatusDelivered        OrderFulfillmentStatus = "DELIVERED"
	FulfillmentStatusReturned         OrderFulfillmentStatus = "RETURNED"
	FulfillmentStatusRestocked        OrderFulfillmentStatus = "RESTOCKED"
	FulfillmentStatusReturnedToVendor OrderFulfillmentStatus = "RETURNED_TO_VENDOR"
	FulfillmentStatusCancelled        OrderFulfillmentStatus = "CANCELLED"
)

// Fulfillment never moves backwards; PACKED -> PENDING in particular is not allowed.
var fulfillmentTransitions = map[OrderFulfillmentStatus][]OrderFulfillmentStatus{
	FulfillmentStatusDraft:            {FulfillmentStatusConfirmed, FulfillmentStatusCancelled},
	FulfillmentStatusConfirmed:        {FulfillmentStatusPending, FulfillmentStatusCancelled},
	FulfillmentStatusPending:          {FulfillmentStatusPacked, FulfillmentStatusCancelled},
	FulfillmentStatusPacked:           {FulfillmentStatusShipped, FulfillmentStatusCancelled},
	FulfillmentStatusShipped:          {FulfillmentStatusDelivered, FulfillmentStatusReturned},
	FulfillmentStatusDelivered:        {FulfillmentStatusReturned},
	FulfillmentStatusReturned:         {FulfillmentStatusRestocked, FulfillmentStatusReturnedToVendor},
	FulfillmentStatusRestocked:        {},
	FulfillmentStatusReturnedToVendor: {},
	FulfillmentStatusCancelled:        {},
}

func (s OrderFulfillmentStatus) IsValid() bool {
	_, ok := fulfillmentTransitions[s]
	return ok
}

func CanTransition(from, to OrderFulfillmentStatus) bool {
	for _, next := range fulfillmentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// GetNextStatuses returns a copy of the legal successors; empty for unknown or terminal statuses.
func GetNextStatuses(from OrderFulfillmentStatus) []OrderFulfillmentStatus {
	next := fulfillmentTransitions[from]
	out := make([]OrderFulfillmentStatus, len(next))
	copy(out, next)
	return out
}

func IsTerminalStatus(status OrderFulfillmentStatus) bool {
	next, ok := fulfillmentTransitions[status]
	return ok && len(next) == 0
}
