package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderKind distinguishes card sales from subscription activations
type OrderKind string

const (
	KindCard         OrderKind = "card"
	KindSubscription OrderKind = "subscription"
)

// OrderStatus is the order lifecycle state
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusPaid      OrderStatus = "paid"
	StatusDelivered OrderStatus = "delivered"
	StatusExpired   OrderStatus = "expired"
)

// IsTerminal reports whether the order has left pending; no further
// transitions happen after this.
func (s OrderStatus) IsTerminal() bool {
	return s != StatusPending
}

// SuccessStatus returns the status an order of this kind reaches on a match
func (k OrderKind) SuccessStatus() OrderStatus {
	if k == KindSubscription {
		return StatusPaid
	}
	return StatusDelivered
}

// TextReplace is a single from→to rewrite rule applied to forwarded messages
type TextReplace struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// SubscriptionConfig is the channel-forwarding setup carried by a subscription order
type SubscriptionConfig struct {
	SourceChannel string        `json:"source_channel"`
	TargetChannel string        `json:"target_channel"`
	TextReplaces  []TextReplace `json:"text_replaces"`
	Keywords      string        `json:"keywords"`
	ContactID     string        `json:"contact_id,omitempty"`
	Email         string        `json:"email,omitempty"`
}

// Order is a card-sale or subscription order awaiting or holding payment
type Order struct {
	ID            string
	Kind          OrderKind
	ProductID     *int64 // nil for subscriptions
	ProductTitle  string
	SessionID     string
	Amount        decimal.Decimal // disambiguated expected amount
	WalletAddress string
	PaymentURL    string
	Status        OrderStatus
	CreatedAt     time.Time
	PaymentTx     string
	DeliveredCode string
	ExpiresAt     *time.Time // subscriptions only, set when paid

	Subscription *SubscriptionConfig
}

// Title returns a human readable label for notifications
func (o *Order) Title() string {
	if o.ProductTitle != "" {
		return o.ProductTitle
	}
	if o.Kind == KindSubscription {
		return "Channel forwarding subscription"
	}
	return "unknown"
}

// Summary builds the notification payload for this order
func (o *Order) Summary() OrderSummary {
	return OrderSummary{
		OrderID:      o.ID,
		Kind:         o.Kind,
		Title:        o.Title(),
		Amount:       o.Amount,
		PaymentTx:    o.PaymentTx,
		Subscription: o.Subscription,
	}
}

// Product is a card offer with a finite pool of codes
type Product struct {
	ID        int64           `json:"id"`
	Title     string          `json:"title"`
	Price     decimal.Decimal `json:"price"`
	Remaining int             `json:"availableCount"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Transfer is one incoming stablecoin transfer observed on the explorer feed
type Transfer struct {
	TxID        string
	ValueMicros int64 // 6-decimal minor units
	Timestamp   time.Time
}

// OrderSummary is what the notification dispatcher needs to know about an order
type OrderSummary struct {
	OrderID      string
	Kind         OrderKind
	Title        string
	Amount       decimal.Decimal
	PaymentTx    string
	Subscription *SubscriptionConfig
}
