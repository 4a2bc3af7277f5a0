package enums

import "fmt"

// OrderHoldStatus tracks the lifecycle of an order's stock hold.
type OrderHoldStatus string

const (
	OrderHoldStatusPending   OrderHoldStatus = "pending"
	OrderHoldStatusPaid      OrderHoldStatus = "paid"
	OrderHoldStatusShipped   OrderHoldStatus = "shipped"
	OrderHoldStatusCompleted OrderHoldStatus = "completed"
	OrderHoldStatusCancelled OrderHoldStatus = "cancelled"
)

var validOrderHoldStatuses = []OrderHoldStatus{
	OrderHoldStatusPending,
	OrderHoldStatusPaid,
	OrderHoldStatusShipped,
	OrderHoldStatusCompleted,
	OrderHoldStatusCancelled,
}

var orderHoldTransitions = map[OrderHoldStatus][]OrderHoldStatus{
	OrderHoldStatusPending: {OrderHoldStatusPaid, OrderHoldStatusCancelled},
	OrderHoldStatusPaid:    {OrderHoldStatusShipped},
	OrderHoldStatusShipped: {OrderHoldStatusCompleted},
}

// String implements fmt.Stringer.
func (s OrderHoldStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is a known OrderHoldStatus.
func (s OrderHoldStatus) IsValid() bool {
	for _, candidate := range validOrderHoldStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// HoldsStock reports whether lines in this status count toward reserved_qty.
func (s OrderHoldStatus) HoldsStock() bool {
	return s == OrderHoldStatusPending
}

// IsTerminal reports whether no further transition is allowed.
func (s OrderHoldStatus) IsTerminal() bool {
	return len(orderHoldTransitions[s]) == 0
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s OrderHoldStatus) CanTransitionTo(next OrderHoldStatus) bool {
	for _, candidate := range orderHoldTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// ParseOrderHoldStatus converts raw input into an OrderHoldStatus.
func ParseOrderHoldStatus(value string) (OrderHoldStatus, error) {
	for _, candidate := range validOrderHoldStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid order hold status %q", value)
}
