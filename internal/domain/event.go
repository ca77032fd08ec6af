package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType constants
const (
	EventTypeOrderCreated   = "OrderCreated"
	EventTypeOrderPaid      = "OrderPaid"
	EventTypeOrderDelivered = "OrderDelivered"
	EventTypeOrderExpired   = "OrderExpired"
)

// Event is the base interface for all order events
type Event interface {
	GetType() string
	GetOrderID() string
}

// EventEnvelope wraps an event with metadata for serialization
type EventEnvelope struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// OrderCreated is emitted once an order has been persisted
type OrderCreated struct {
	OrderID   string    `json:"order_id"`
	Kind      OrderKind `json:"kind"`
	ProductID *int64    `json:"product_id,omitempty"`
	Amount    string    `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

func (e OrderCreated) GetType() string    { return EventTypeOrderCreated }
func (e OrderCreated) GetOrderID() string { return e.OrderID }

// OrderPaid is emitted when a subscription order is activated
type OrderPaid struct {
	OrderID      string              `json:"order_id"`
	PaymentTx    string              `json:"payment_tx"`
	Amount       string              `json:"amount"`
	ExpiresAt    time.Time           `json:"expires_at"`
	Subscription *SubscriptionConfig `json:"subscription,omitempty"`
}

func (e OrderPaid) GetType() string    { return EventTypeOrderPaid }
func (e OrderPaid) GetOrderID() string { return e.OrderID }

// OrderDelivered is emitted when a card code has been handed out
type OrderDelivered struct {
	OrderID   string `json:"order_id"`
	ProductID int64  `json:"product_id"`
	PaymentTx string `json:"payment_tx"`
	Amount    string `json:"amount"`
}

func (e OrderDelivered) GetType() string    { return EventTypeOrderDelivered }
func (e OrderDelivered) GetOrderID() string { return e.OrderID }

// OrderExpired is emitted by the sweeper
type OrderExpired struct {
	OrderID string `json:"order_id"`
}

func (e OrderExpired) GetType() string    { return EventTypeOrderExpired }
func (e OrderExpired) GetOrderID() string { return e.OrderID }

// SerializeEvent converts an event to JSON bytes with envelope
func SerializeEvent(event Event) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}

	envelope := EventEnvelope{
		Type:      event.GetType(),
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	return json.Marshal(envelope)
}

// DeserializeEvent converts JSON bytes back to an Event
func DeserializeEvent(data []byte) (Event, error) {
	var envelope EventEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}

	var (
		event Event
		err   error
	)
	switch envelope.Type {
	case EventTypeOrderCreated:
		var e OrderCreated
		err = json.Unmarshal(envelope.Data, &e)
		event = e
	case EventTypeOrderPaid:
		var e OrderPaid
		err = json.Unmarshal(envelope.Data, &e)
		event = e
	case EventTypeOrderDelivered:
		var e OrderDelivered
		err = json.Unmarshal(envelope.Data, &e)
		event = e
	case EventTypeOrderExpired:
		var e OrderExpired
		err = json.Unmarshal(envelope.Data, &e)
		event = e
	default:
		return nil, fmt.Errorf("unknown event type: %s", envelope.Type)
	}
	if err != nil {
		return nil, err
	}

	return event, nil
}
