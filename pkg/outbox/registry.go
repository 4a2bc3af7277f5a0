package outbox

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/stockhold/pkg/db/models"
	"github.com/angelmondragon/stockhold/pkg/enums"
	"github.com/angelmondragon/stockhold/pkg/outbox/payloads"
)

type decoderFunc func(payload json.RawMessage) (any, error)

type registryKey struct {
	eventType enums.OutboxEventType
	version   int
}

// DecoderRegistry maps an event type and payload version to its typed
// payload.
type DecoderRegistry struct {
	mtx      sync.RWMutex
	registry map[registryKey]decoderFunc
}

func NewDecoderRegistry() *DecoderRegistry {
	return &DecoderRegistry{registry: make(map[registryKey]decoderFunc)}
}

// DefaultDecoders registers the version 1 payload of every reservation
// lifecycle event.
func DefaultDecoders() *DecoderRegistry {
	r := NewDecoderRegistry()
	register[payloads.StockLedgerCorrectedEvent](r, enums.EventStockLedgerCorrected, 1)
	register[payloads.OrderHoldReleasedEvent](r, enums.EventOrderHoldExpired, 1)
	register[payloads.OrderHoldReleasedEvent](r, enums.EventOrderHoldCancelled, 1)
	register[payloads.OrderHoldPaidEvent](r, enums.EventOrderHoldPaid, 1)
	register[payloads.CartReservationExpiredEvent](r, enums.EventCartReservationExpired, 1)
	register[payloads.IntegrityAnomalyEvent](r, enums.EventIntegrityAnomaly, 1)
	return r
}

func register[T any](r *DecoderRegistry, eventType enums.OutboxEventType, version int) {
	r.Register(eventType, version, func(payload json.RawMessage) (any, error) {
		var out T
		if err := json.Unmarshal(payload, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
}

func (r *DecoderRegistry) Register(eventType enums.OutboxEventType, version int, decoder decoderFunc) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.registry[registryKey{eventType: eventType, version: version}] = decoder
}

func (r *DecoderRegistry) Decode(eventType enums.OutboxEventType, version int, payload json.RawMessage) (any, error) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	if decoder, ok := r.registry[registryKey{eventType: eventType, version: version}]; ok {
		return decoder(payload)
	}
	return nil, fmt.Errorf("decoder not registered for %s@v%d", eventType, version)
}

// DecodedEvent is a stored outbox row with its envelope unpacked.
type DecodedEvent struct {
	ID            uuid.UUID                 `json:"id"`
	EventID       string                    `json:"event_id"`
	EventType     enums.OutboxEventType     `json:"event_type"`
	AggregateType enums.OutboxAggregateType `json:"aggregate_type"`
	AggregateID   uuid.UUID                 `json:"aggregate_id"`
	Source        string                    `json:"source,omitempty"`
	OccurredAt    time.Time                 `json:"occurred_at"`
	Data          any                       `json:"data"`
}

// DecodeRow unpacks a stored event into its typed payload.
func (r *DecoderRegistry) DecodeRow(row models.OutboxEvent) (DecodedEvent, error) {
	envelope, err := DecodeEnvelope(row.Payload, nil)
	if err != nil {
		return DecodedEvent{}, fmt.Errorf("decode envelope %s: %w", row.ID, err)
	}
	data, err := r.Decode(row.EventType, envelope.Version, envelope.Data)
	if err != nil {
		return DecodedEvent{}, err
	}
	return DecodedEvent{
		ID:            row.ID,
		EventID:       envelope.EventID,
		EventType:     row.EventType,
		AggregateType: row.AggregateType,
		AggregateID:   row.AggregateID,
		Source:        envelope.Source,
		OccurredAt:    envelope.OccurredAt,
		Data:          data,
	}, nil
}
