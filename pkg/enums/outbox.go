package enums

import "fmt"

// OutboxAggregateType names the aggregate an outbox event belongs to.
type OutboxAggregateType string

const (
	AggregateStockLedger     OutboxAggregateType = "stock_ledger"
	AggregateCartReservation OutboxAggregateType = "cart_reservation"
	AggregateOrderHold       OutboxAggregateType = "order_hold"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregateStockLedger,
	AggregateCartReservation,
	AggregateOrderHold,
}

// IsValid reports whether the value matches a known aggregate type.
func (a OutboxAggregateType) IsValid() bool {
	for _, candidate := range validAggregateTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseOutboxAggregateType converts raw input into OutboxAggregateType.
func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	for _, candidate := range validAggregateTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

// OutboxEventType names the reservation lifecycle events.
type OutboxEventType string

const (
	EventStockLedgerCorrected   OutboxEventType = "stock_ledger_corrected"
	EventOrderHoldExpired       OutboxEventType = "order_hold_expired"
	EventOrderHoldCancelled     OutboxEventType = "order_hold_cancelled"
	EventOrderHoldPaid          OutboxEventType = "order_hold_paid"
	EventCartReservationExpired OutboxEventType = "cart_reservation_expired"
	EventIntegrityAnomaly       OutboxEventType = "integrity_anomaly_detected"
)

var validOutboxEventTypes = []OutboxEventType{
	EventStockLedgerCorrected,
	EventOrderHoldExpired,
	EventOrderHoldCancelled,
	EventOrderHoldPaid,
	EventCartReservationExpired,
	EventIntegrityAnomaly,
}

// IsValid reports whether the value matches a known event type.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validOutboxEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validOutboxEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid outbox event type %q", value)
}
