package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/itgoyo/faka-usdt/internal/amount"
	"github.com/itgoyo/faka-usdt/internal/domain"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// CreateProduct inserts a product together with its initial codes.
// Remaining is set to the number of codes.
func (s *Store) CreateProduct(ctx context.Context, title string, price decimal.Decimal, codes []string) (*domain.Product, error) {
	ctx, span := s.startSpan(ctx, "create_product", "INSERT", "products", attribute.Int("codes", len(codes)))
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("create product: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	p := &domain.Product{
		Title:     title,
		Price:     price,
		Remaining: len(codes),
		CreatedAt: fromMillis(toMillis(now)),
	}

	err = tx.QueryRowContext(ctx, s.q(`
		INSERT INTO products (title, price_micros, remaining_count, created_at)
		VALUES (?, ?, ?, ?)
		RETURNING id
	`), title, amount.ToMicros(price), len(codes), toMillis(now)).Scan(&p.ID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("create product: insert: %w", err)
	}

	if err := s.insertCodes(ctx, tx, p.ID, codes); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("create product: %w", err)
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("create product: commit: %w", err)
	}
	return p, nil
}

// AddCodes appends codes to a product's pool and returns the new remaining count
func (s *Store) AddCodes(ctx context.Context, productID int64, codes []string) (int, error) {
	ctx, span := s.startSpan(ctx, "add_codes", "INSERT", "card_codes",
		attribute.Int64("product_id", productID), attribute.Int("codes", len(codes)))
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("add codes: begin tx: %w", err)
	}
	defer tx.Rollback()

	var remaining int
	err = tx.QueryRowContext(ctx, s.q(`
		UPDATE products SET remaining_count = remaining_count + ?
		WHERE id = ?
		RETURNING remaining_count
	`), len(codes), productID).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrProductNotFound
	}
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("add codes: update count: %w", err)
	}

	if err := s.insertCodes(ctx, tx, productID, codes); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("add codes: %w", err)
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("add codes: commit: %w", err)
	}
	return remaining, nil
}

func (s *Store) insertCodes(ctx context.Context, tx *sql.Tx, productID int64, codes []string) error {
	stmt, err := tx.PrepareContext(ctx, s.q(`INSERT INTO card_codes (product_id, code) VALUES (?, ?)`))
	if err != nil {
		return fmt.Errorf("prepare code insert: %w", err)
	}
	defer stmt.Close()

	for _, code := range codes {
		if _, err := stmt.ExecContext(ctx, productID, code); err != nil {
			return fmt.Errorf("insert code: %w", err)
		}
	}
	return nil
}

// GetProduct returns a product by id
func (s *Store) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	ctx, span := s.startSpan(ctx, "get_product", "SELECT", "products", attribute.Int64("product_id", id))
	defer span.End()

	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, title, price_micros, remaining_count, created_at
		FROM products WHERE id = ?
	`), id)

	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrProductNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("get product: %w", err)
	}
	return p, nil
}

// ListProducts returns products ordered by id; availableOnly filters out
// products with no remaining codes.
func (s *Store) ListProducts(ctx context.Context, availableOnly bool) ([]domain.Product, error) {
	ctx, span := s.startSpan(ctx, "list_products", "SELECT", "products", attribute.Bool("available_only", availableOnly))
	defer span.End()

	query := `SELECT id, title, price_micros, remaining_count, created_at FROM products`
	if availableOnly {
		query += ` WHERE remaining_count > 0`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	products := []domain.Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("list products: scan: %w", err)
		}
		products = append(products, *p)
	}
	span.SetAttributes(attribute.Int("result.count", len(products)))
	return products, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (*domain.Product, error) {
	var (
		p           domain.Product
		priceMicros int64
		createdAt   int64
	)
	if err := row.Scan(&p.ID, &p.Title, &priceMicros, &p.Remaining, &createdAt); err != nil {
		return nil, err
	}
	p.Price = amount.FromMicros(priceMicros)
	p.CreatedAt = fromMillis(createdAt)
	return &p, nil
}
