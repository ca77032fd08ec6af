// Package engine reconciles pending orders against on-chain transfers and
// commits delivery exactly once.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/itgoyo/faka-usdt/internal/amount"
	"github.com/itgoyo/faka-usdt/internal/domain"
	"github.com/itgoyo/faka-usdt/internal/feed"
	"github.com/itgoyo/faka-usdt/internal/payment"
	"github.com/itgoyo/faka-usdt/internal/telemetry"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OrderStore is the persistence the engine needs
type OrderStore interface {
	Ledger
	GetProduct(ctx context.Context, id int64) (*domain.Product, error)
	CreateOrder(ctx context.Context, o *domain.Order) error
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	FindActiveOrder(ctx context.Context, sessionID string, productID int64, since time.Time) (*domain.Order, error)
	ReleaseStaleSlots(ctx context.Context, sessionID string, productID int64, since time.Time) error
	HoldPayment(ctx context.Context, orderID, paymentTx string) error
}

// PaymentGateway issues payment intents
type PaymentGateway interface {
	CreateIntent(ctx context.Context, orderID string, amount decimal.Decimal) (*payment.Intent, error)
}

// Notifier is told about new and paid orders. Calls must not block.
type Notifier interface {
	NotifyCreated(summary domain.OrderSummary)
	NotifyPaid(summary domain.OrderSummary)
}

// EventHandler receives every order event the engine emits
type EventHandler func(ctx context.Context, event domain.Event)

// Config holds the engine's business parameters
type Config struct {
	Rule              MatchRule
	SubscriptionPrice decimal.Decimal
	SubscriptionTerm  time.Duration
	// used when no gateway is configured or the gateway returns no address
	WalletAddress string
	TestMode      bool
}

// CheckResult is the outcome of a payment check
type CheckResult struct {
	Status    domain.OrderStatus `json:"status"`
	Code      string             `json:"code,omitempty"`
	ExpiresAt *time.Time         `json:"expiresAt,omitempty"`
}

func resultFor(o *domain.Order) *CheckResult {
	r := &CheckResult{Status: o.Status}
	switch o.Status {
	case domain.StatusDelivered:
		r.Code = o.DeliveredCode
	case domain.StatusPaid:
		r.ExpiresAt = o.ExpiresAt
	}
	return r
}

// OrderEngine creates orders and reconciles them against the transfer feed.
// It keeps no order state of its own; the store is the source of truth.
type OrderEngine struct {
	cfg         Config
	store       OrderStore
	feed        feed.Fetcher
	payments    PaymentGateway
	notifier    Notifier
	coordinator *Coordinator
	amounts     *amount.Disambiguator

	handlers []EventHandler
	mu       sync.RWMutex

	now func() time.Time
}

// NewOrderEngine wires an engine. payments may be nil, in which case orders
// are addressed to cfg.WalletAddress directly.
func NewOrderEngine(cfg Config, store OrderStore, fetcher feed.Fetcher, payments PaymentGateway, notifier Notifier) *OrderEngine {
	if cfg.Rule.Tolerance <= 0 {
		cfg.Rule.Tolerance = DefaultTolerance
	}
	if cfg.Rule.Window <= 0 {
		cfg.Rule.Window = DefaultWindow
	}
	return &OrderEngine{
		cfg:         cfg,
		store:       store,
		feed:        fetcher,
		payments:    payments,
		notifier:    notifier,
		coordinator: NewCoordinator(store, cfg.SubscriptionTerm),
		amounts:     amount.NewDisambiguator(),
		now:         time.Now,
	}
}

// RegisterEventHandler registers a handler to receive order events
func (e *OrderEngine) RegisterEventHandler(handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, handler)
}

func (e *OrderEngine) emit(ctx context.Context, event domain.Event) {
	e.mu.RLock()
	handlers := make([]EventHandler, len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, event)
	}
}

func (e *OrderEngine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := telemetry.Tracer
	if tracer == nil {
		tracer = otel.Tracer("engine")
	}
	return tracer.Start(ctx, "engine."+name, trace.WithAttributes(attrs...))
}

// nowMillis is the current time truncated to what the store keeps
func (e *OrderEngine) nowMillis() time.Time {
	return time.UnixMilli(e.now().UnixMilli()).UTC()
}

// CreateCardOrder opens a card order for the session. A still-pending order
// for the same session and product inside the matching window is returned
// instead of creating a second one.
func (e *OrderEngine) CreateCardOrder(ctx context.Context, productID int64, sessionID string) (*domain.Order, error) {
	ctx, span := e.startSpan(ctx, "CreateCardOrder",
		attribute.Int64("product_id", productID),
		attribute.String("session_id", sessionID),
	)
	defer span.End()

	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required: %w", domain.ErrInvalidInput)
	}

	product, err := e.store.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if product.Remaining <= 0 {
		return nil, domain.ErrOutOfStock
	}

	since := e.nowMillis().Add(-e.cfg.Rule.Window)
	existing, err := e.store.FindActiveOrder(ctx, sessionID, productID, since)
	if err == nil {
		span.SetAttributes(attribute.Bool("reused", true))
		return existing, nil
	}
	if !errors.Is(err, domain.ErrOrderNotFound) {
		return nil, err
	}
	if err := e.store.ReleaseStaleSlots(ctx, sessionID, productID, since); err != nil {
		return nil, err
	}

	o := &domain.Order{
		Kind:         domain.KindCard,
		ProductID:    &product.ID,
		ProductTitle: product.Title,
		SessionID:    sessionID,
	}
	err = e.open(ctx, o, product.Price)
	if errors.Is(err, domain.ErrDuplicateOrder) {
		// a concurrent request for the same session opened it first
		if existing, ferr := e.store.FindActiveOrder(ctx, sessionID, productID, since); ferr == nil {
			span.SetAttributes(attribute.Bool("reused", true))
			return existing, nil
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return o, nil
}

// CreateSubscriptionOrder opens a channel-forwarding subscription order
func (e *OrderEngine) CreateSubscriptionOrder(ctx context.Context, sub domain.SubscriptionConfig, sessionID string) (*domain.Order, error) {
	ctx, span := e.startSpan(ctx, "CreateSubscriptionOrder",
		attribute.String("source_channel", sub.SourceChannel),
		attribute.String("target_channel", sub.TargetChannel),
	)
	defer span.End()

	sub, err := normalizeSubscription(sub)
	if err != nil {
		return nil, err
	}
	if !e.cfg.SubscriptionPrice.IsPositive() {
		return nil, fmt.Errorf("subscription price not configured: %w", domain.ErrInvalidInput)
	}

	o := &domain.Order{
		Kind:         domain.KindSubscription,
		SessionID:    strings.TrimSpace(sessionID),
		Subscription: &sub,
	}
	if err := e.open(ctx, o, e.cfg.SubscriptionPrice); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return o, nil
}

func normalizeSubscription(sub domain.SubscriptionConfig) (domain.SubscriptionConfig, error) {
	sub.SourceChannel = strings.TrimSpace(sub.SourceChannel)
	sub.TargetChannel = strings.TrimSpace(sub.TargetChannel)
	sub.ContactID = strings.TrimSpace(sub.ContactID)
	sub.Email = strings.TrimSpace(sub.Email)
	sub.Keywords = strings.TrimSpace(sub.Keywords)

	if sub.SourceChannel == "" || sub.TargetChannel == "" {
		return sub, fmt.Errorf("source and target channel are required: %w", domain.ErrInvalidInput)
	}
	if sub.ContactID == "" && sub.Email == "" {
		return sub, fmt.Errorf("a telegram id or email is required: %w", domain.ErrInvalidInput)
	}

	replaces := make([]domain.TextReplace, 0, len(sub.TextReplaces))
	for _, r := range sub.TextReplaces {
		if r.From == "" {
			continue
		}
		replaces = append(replaces, r)
	}
	sub.TextReplaces = replaces
	return sub, nil
}

// open assigns id, amount and payment details to o and persists it
func (e *OrderEngine) open(ctx context.Context, o *domain.Order, base decimal.Decimal) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate order id: %w", err)
	}

	o.ID = id.String()
	o.Amount = e.amounts.Derive(base)
	o.WalletAddress = e.cfg.WalletAddress
	o.Status = domain.StatusPending
	o.CreatedAt = e.nowMillis()

	if e.payments != nil {
		intent, err := e.payments.CreateIntent(ctx, o.ID, o.Amount)
		if err != nil {
			return err
		}
		// orders are matched on the derived amount
		if intent.ActualAmount.IsPositive() && e.differs(intent.ActualAmount, o.Amount) {
			slog.WarnContext(ctx, "payment gateway quoted a different amount",
				"order_id", o.ID,
				"amount", o.Amount.String(),
				"quoted", intent.ActualAmount.String(),
			)
			return fmt.Errorf("gateway quoted %s for %s: %w",
				intent.ActualAmount.String(), o.Amount.String(), domain.ErrPaymentUnavailable)
		}
		if intent.WalletAddress != "" {
			o.WalletAddress = intent.WalletAddress
		}
		o.PaymentURL = intent.PaymentURL
	}
	if o.WalletAddress == "" {
		return fmt.Errorf("no receiving wallet address: %w", domain.ErrPaymentUnavailable)
	}

	if err := e.store.CreateOrder(ctx, o); err != nil {
		return err
	}

	telemetry.OrdersCreatedTotal.WithLabelValues(string(o.Kind)).Inc()
	slog.InfoContext(ctx, "order created",
		"order_id", o.ID,
		"kind", o.Kind,
		"amount", o.Amount.String(),
	)

	if e.notifier != nil {
		e.notifier.NotifyCreated(o.Summary())
	}
	e.emit(ctx, domain.OrderCreated{
		OrderID:   o.ID,
		Kind:      o.Kind,
		ProductID: o.ProductID,
		Amount:    o.Amount.String(),
		CreatedAt: o.CreatedAt,
	})
	return nil
}

// differs reports whether a and b are at least the match tolerance apart
func (e *OrderEngine) differs(a, b decimal.Decimal) bool {
	diff := amount.ToMicros(a) - amount.ToMicros(b)
	if diff < 0 {
		diff = -diff
	}
	return diff >= e.cfg.Rule.Tolerance
}

// GetOrder returns an order by id
func (e *OrderEngine) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return e.store.GetOrder(ctx, orderID)
}

// Check reconciles one order against the transfer feed and returns its
// current state. Repeated and concurrent calls are safe: once an order is
// settled every call returns the committed outcome without touching the feed.
func (e *OrderEngine) Check(ctx context.Context, orderID string) (*CheckResult, error) {
	ctx, span := e.startSpan(ctx, "Check", attribute.String("order_id", orderID))
	defer span.End()

	start := time.Now()
	defer func() {
		telemetry.CheckDuration.Observe(time.Since(start).Seconds())
	}()

	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		if !errors.Is(err, domain.ErrOrderNotFound) {
			telemetry.PaymentChecksTotal.WithLabelValues("error").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, err
	}
	if o.Status.IsTerminal() {
		telemetry.PaymentChecksTotal.WithLabelValues(string(o.Status)).Inc()
		return resultFor(o), nil
	}
	if o.PaymentTx != "" {
		// paid earlier while out of stock
		span.SetAttributes(attribute.String("payment_tx", o.PaymentTx), attribute.Bool("held", true))
		return e.settle(ctx, o, heldTransfer(o))
	}

	// no store lock or transaction is held across the feed call
	transfers := e.feed.FetchRecent(ctx)
	span.SetAttributes(attribute.Int("feed.transfers", len(transfers)))

	t, ok := Match(o, transfers, e.cfg.Rule)
	if !ok {
		telemetry.PaymentChecksTotal.WithLabelValues(string(domain.StatusPending)).Inc()
		return resultFor(o), nil
	}

	span.SetAttributes(attribute.String("payment_tx", t.TxID))
	return e.settle(ctx, o, t)
}

// TestPay settles an order with a synthetic transfer. Only available in test mode.
func (e *OrderEngine) TestPay(ctx context.Context, orderID string) (*CheckResult, error) {
	if !e.cfg.TestMode {
		return nil, fmt.Errorf("test payments are disabled: %w", domain.ErrInvalidInput)
	}

	ctx, span := e.startSpan(ctx, "TestPay", attribute.String("order_id", orderID))
	defer span.End()

	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status.IsTerminal() {
		return resultFor(o), nil
	}
	if o.PaymentTx != "" {
		return e.settle(ctx, o, heldTransfer(o))
	}

	now := e.now()
	t := domain.Transfer{
		TxID:        fmt.Sprintf("TEST_TX_%d", now.UnixMilli()),
		ValueMicros: amount.ToMicros(o.Amount),
		Timestamp:   now.UTC(),
	}
	slog.WarnContext(ctx, "settling order with test payment", "order_id", o.ID, "payment_tx", t.TxID)
	return e.settle(ctx, o, t)
}

// heldTransfer rebuilds the transfer recorded on an order by HoldPayment
func heldTransfer(o *domain.Order) domain.Transfer {
	return domain.Transfer{
		TxID:        o.PaymentTx,
		ValueMicros: amount.ToMicros(o.Amount),
		Timestamp:   o.CreatedAt,
	}
}

func (e *OrderEngine) settle(ctx context.Context, o *domain.Order, t domain.Transfer) (*CheckResult, error) {
	span := trace.SpanFromContext(ctx)

	settled, err := e.coordinator.Commit(ctx, o, t)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrAlreadyFinal):
		// another check committed first; report what it committed
		current, err := e.store.GetOrder(ctx, o.ID)
		if err != nil {
			return nil, err
		}
		telemetry.PaymentChecksTotal.WithLabelValues(string(current.Status)).Inc()
		return resultFor(current), nil
	case errors.Is(err, domain.ErrOutOfStock):
		telemetry.OutOfStockTotal.Inc()
		telemetry.PaymentChecksTotal.WithLabelValues("out_of_stock").Inc()
		slog.WarnContext(ctx, "payment matched but no codes left",
			"order_id", o.ID,
			"payment_tx", t.TxID,
		)
		span.SetAttributes(attribute.Bool("out_of_stock", true))
		// keep the payment so a later check delivers after restock
		if o.PaymentTx == "" {
			if err := e.store.HoldPayment(ctx, o.ID, t.TxID); err != nil {
				slog.ErrorContext(ctx, "failed to hold payment",
					"order_id", o.ID,
					"payment_tx", t.TxID,
					"error", err,
				)
			}
		}
		return &CheckResult{Status: domain.StatusPending}, nil
	default:
		telemetry.PaymentChecksTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("commit order %s: %w", o.ID, err)
	}

	telemetry.DeliveriesTotal.WithLabelValues(string(settled.Kind)).Inc()
	telemetry.PaymentChecksTotal.WithLabelValues(string(settled.Status)).Inc()
	slog.InfoContext(ctx, "order settled",
		"order_id", settled.ID,
		"kind", settled.Kind,
		"status", settled.Status,
		"payment_tx", settled.PaymentTx,
	)

	if e.notifier != nil {
		e.notifier.NotifyPaid(settled.Summary())
	}
	e.emit(ctx, settledEvent(settled))
	return resultFor(settled), nil
}

func settledEvent(o *domain.Order) domain.Event {
	if o.Kind == domain.KindSubscription {
		ev := domain.OrderPaid{
			OrderID:      o.ID,
			PaymentTx:    o.PaymentTx,
			Amount:       o.Amount.String(),
			Subscription: o.Subscription,
		}
		if o.ExpiresAt != nil {
			ev.ExpiresAt = *o.ExpiresAt
		}
		return ev
	}
	ev := domain.OrderDelivered{
		OrderID:   o.ID,
		PaymentTx: o.PaymentTx,
		Amount:    o.Amount.String(),
	}
	if o.ProductID != nil {
		ev.ProductID = *o.ProductID
	}
	return ev
}
