package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/itgoyo/faka-usdt/internal/amount"
	"github.com/itgoyo/faka-usdt/internal/domain"
	"go.opentelemetry.io/otel/attribute"
)

const orderColumns = `
	o.id, o.kind, o.product_id, COALESCE(p.title, ''), o.session_id, o.amount_micros,
	o.wallet_address, o.payment_url, o.status, o.created_at, o.payment_tx,
	o.delivered_code, o.expires_at, o.source_channel, o.target_channel,
	o.text_replaces, o.keywords, o.contact_id, o.email`

const orderFrom = ` FROM orders o LEFT JOIN products p ON p.id = o.product_id`

// CreateOrder persists a new order
func (s *Store) CreateOrder(ctx context.Context, o *domain.Order) error {
	ctx, span := s.startSpan(ctx, "create_order", "INSERT", "orders",
		attribute.String("order_id", o.ID), attribute.String("kind", string(o.Kind)))
	defer span.End()

	var (
		sub      domain.SubscriptionConfig
		replaces = []byte("[]")
	)
	if o.Subscription != nil {
		sub = *o.Subscription
		if len(sub.TextReplaces) > 0 {
			data, err := json.Marshal(sub.TextReplaces)
			if err != nil {
				return fmt.Errorf("create order: encode text replaces: %w", err)
			}
			replaces = data
		}
	}

	var productID sql.NullInt64
	if o.ProductID != nil {
		productID = sql.NullInt64{Int64: *o.ProductID, Valid: true}
	}
	holdsSlot := 0
	if o.Kind == domain.KindCard && o.SessionID != "" {
		holdsSlot = 1
	}

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO orders (
			id, kind, product_id, session_id, amount_micros, wallet_address,
			payment_url, status, created_at, source_channel, target_channel,
			text_replaces, keywords, contact_id, email, holds_slot
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		o.ID, string(o.Kind), productID, o.SessionID, amount.ToMicros(o.Amount), o.WalletAddress,
		o.PaymentURL, string(o.Status), toMillis(o.CreatedAt), sub.SourceChannel, sub.TargetChannel,
		string(replaces), sub.Keywords, sub.ContactID, sub.Email, holdsSlot,
	)
	if isUniqueViolation(err) {
		span.SetAttributes(attribute.Bool("duplicate", true))
		return domain.ErrDuplicateOrder
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

// ReleaseStaleSlots lets the session open a new order for the product when its
// pending order was created before since. The old order stays pending and can
// still be paid or expired.
func (s *Store) ReleaseStaleSlots(ctx context.Context, sessionID string, productID int64, since time.Time) error {
	ctx, span := s.startSpan(ctx, "release_stale_slots", "UPDATE", "orders",
		attribute.String("session_id", sessionID), attribute.Int64("product_id", productID))
	defer span.End()

	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE orders SET holds_slot = 0
		WHERE session_id = ? AND product_id = ? AND status = ? AND holds_slot = 1 AND created_at < ?
	`), sessionID, productID, string(domain.StatusPending), toMillis(since))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("release stale slots: %w", err)
	}
	return nil
}

// HoldPayment records a matched transfer on an order that is still pending
// because it could not be fulfilled yet. The sweeper leaves held orders
// alone. The first recorded transfer wins.
func (s *Store) HoldPayment(ctx context.Context, orderID, paymentTx string) error {
	ctx, span := s.startSpan(ctx, "hold_payment", "UPDATE", "orders",
		attribute.String("order_id", orderID), attribute.String("payment_tx", paymentTx))
	defer span.End()

	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE orders SET payment_tx = ?
		WHERE id = ? AND status = ? AND payment_tx = ''
	`), paymentTx, orderID, string(domain.StatusPending))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("hold payment: %w", err)
	}
	return nil
}

// GetOrder returns an order by id
func (s *Store) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	ctx, span := s.startSpan(ctx, "get_order", "SELECT", "orders", attribute.String("order_id", id))
	defer span.End()

	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+orderColumns+orderFrom+` WHERE o.id = ?`), id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// FindActiveOrder returns the newest pending card order for the session and
// product created at or after since, or ErrOrderNotFound.
func (s *Store) FindActiveOrder(ctx context.Context, sessionID string, productID int64, since time.Time) (*domain.Order, error) {
	ctx, span := s.startSpan(ctx, "find_active_order", "SELECT", "orders",
		attribute.String("session_id", sessionID), attribute.Int64("product_id", productID))
	defer span.End()

	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+orderColumns+orderFrom+`
		WHERE o.session_id = ? AND o.product_id = ? AND o.status = ? AND o.created_at >= ?
		ORDER BY o.created_at DESC
		LIMIT 1
	`), sessionID, productID, string(domain.StatusPending), toMillis(since))

	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("find active order: %w", err)
	}
	return o, nil
}

// DeliverCard is the single atomic unit behind card delivery. In one
// transaction it claims the pending order, pops the oldest code of the
// order's product and decrements the product's remaining count.
//
// Returns ErrAlreadyFinal when the order is no longer pending (another
// delivery won), and ErrOutOfStock when the product has no code left; in
// both cases nothing is changed.
func (s *Store) DeliverCard(ctx context.Context, orderID, paymentTx string) (string, error) {
	ctx, span := s.startSpan(ctx, "deliver_card", "TRANSACTION", "orders", attribute.String("order_id", orderID))
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("deliver card: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.q(`
		UPDATE orders SET status = ?, payment_tx = ?
		WHERE id = ? AND kind = ? AND status = ?
	`), string(domain.StatusDelivered), paymentTx, orderID, string(domain.KindCard), string(domain.StatusPending))
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("deliver card: claim order: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return "", fmt.Errorf("deliver card: rows affected: %w", err)
	} else if n == 0 {
		return "", s.claimFailure(ctx, tx, orderID, domain.KindCard)
	}

	var productID sql.NullInt64
	if err := tx.QueryRowContext(ctx, s.q(`SELECT product_id FROM orders WHERE id = ?`), orderID).Scan(&productID); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("deliver card: load product: %w", err)
	}
	if !productID.Valid {
		return "", fmt.Errorf("deliver card: order %s has no product: %w", orderID, domain.ErrInvalidInput)
	}

	var (
		codeID int64
		code   string
	)
	err = tx.QueryRowContext(ctx, s.q(`
		SELECT id, code FROM card_codes
		WHERE product_id = ?
		ORDER BY id
		LIMIT 1`+s.dialect.popLock), productID.Int64).Scan(&codeID, &code)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetAttributes(attribute.Bool("out_of_stock", true))
		return "", domain.ErrOutOfStock
	}
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("deliver card: pop code: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM card_codes WHERE id = ?`), codeID); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("deliver card: remove code: %w", err)
	}

	res, err = tx.ExecContext(ctx, s.q(`
		UPDATE products SET remaining_count = remaining_count - 1
		WHERE id = ? AND remaining_count > 0
	`), productID.Int64)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("deliver card: decrement: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return "", fmt.Errorf("deliver card: rows affected: %w", err)
	} else if n == 0 {
		span.SetAttributes(attribute.Bool("out_of_stock", true))
		return "", domain.ErrOutOfStock
	}

	if _, err := tx.ExecContext(ctx, s.q(`UPDATE orders SET delivered_code = ? WHERE id = ?`), code, orderID); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("deliver card: store code: %w", err)
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("deliver card: commit: %w", err)
	}
	return code, nil
}

// ActivateSubscription moves a pending subscription order to paid and records
// the payment reference and service expiry.
func (s *Store) ActivateSubscription(ctx context.Context, orderID, paymentTx string, expiresAt time.Time) error {
	ctx, span := s.startSpan(ctx, "activate_subscription", "UPDATE", "orders", attribute.String("order_id", orderID))
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("activate subscription: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.q(`
		UPDATE orders SET status = ?, payment_tx = ?, expires_at = ?
		WHERE id = ? AND kind = ? AND status = ?
	`), string(domain.StatusPaid), paymentTx, toMillis(expiresAt),
		orderID, string(domain.KindSubscription), string(domain.StatusPending))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("activate subscription: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("activate subscription: rows affected: %w", err)
	} else if n == 0 {
		return s.claimFailure(ctx, tx, orderID, domain.KindSubscription)
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("activate subscription: commit: %w", err)
	}
	return nil
}

// claimFailure explains why a conditional pending→final update matched no row
func (s *Store) claimFailure(ctx context.Context, tx *sql.Tx, orderID string, kind domain.OrderKind) error {
	var gotKind string
	err := tx.QueryRowContext(ctx, s.q(`SELECT kind FROM orders WHERE id = ?`), orderID).Scan(&gotKind)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrOrderNotFound
	}
	if err != nil {
		return fmt.Errorf("load order %s: %w", orderID, err)
	}
	if domain.OrderKind(gotKind) != kind {
		return fmt.Errorf("order %s is a %s order: %w", orderID, gotKind, domain.ErrInvalidInput)
	}
	return domain.ErrAlreadyFinal
}

// ExpirePending marks every pending order created before cutoff as expired
// and returns their ids. Orders holding a matched payment are skipped.
func (s *Store) ExpirePending(ctx context.Context, cutoff time.Time) ([]string, error) {
	ctx, span := s.startSpan(ctx, "expire_pending", "UPDATE", "orders")
	defer span.End()

	rows, err := s.db.QueryContext(ctx, s.q(`
		UPDATE orders SET status = ?
		WHERE status = ? AND created_at < ? AND payment_tx = ''
		RETURNING id
	`), string(domain.StatusExpired), string(domain.StatusPending), toMillis(cutoff))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("expire pending: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("expire pending: scan: %w", err)
		}
		ids = append(ids, id)
	}
	span.SetAttributes(attribute.Int("expired.count", len(ids)))
	return ids, rows.Err()
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		o            domain.Order
		kind, status string
		productID    sql.NullInt64
		amountMicros int64
		createdAt    int64
		expiresAt    sql.NullInt64
		sub          domain.SubscriptionConfig
		replaces     string
	)
	err := row.Scan(
		&o.ID, &kind, &productID, &o.ProductTitle, &o.SessionID, &amountMicros,
		&o.WalletAddress, &o.PaymentURL, &status, &createdAt, &o.PaymentTx,
		&o.DeliveredCode, &expiresAt, &sub.SourceChannel, &sub.TargetChannel,
		&replaces, &sub.Keywords, &sub.ContactID, &sub.Email,
	)
	if err != nil {
		return nil, err
	}

	o.Kind = domain.OrderKind(kind)
	o.Status = domain.OrderStatus(status)
	o.Amount = amount.FromMicros(amountMicros)
	o.CreatedAt = fromMillis(createdAt)
	if productID.Valid {
		id := productID.Int64
		o.ProductID = &id
	}
	if expiresAt.Valid {
		t := fromMillis(expiresAt.Int64)
		o.ExpiresAt = &t
	}
	if o.Kind == domain.KindSubscription {
		if replaces != "" {
			if err := json.Unmarshal([]byte(replaces), &sub.TextReplaces); err != nil {
				return nil, fmt.Errorf("decode text replaces: %w", err)
			}
		}
		o.Subscription = &sub
	}
	return &o, nil
}
