package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/itgoyo/faka-usdt/internal/domain"
)

// DefaultSubscriptionTerm is how long a paid subscription stays active
const DefaultSubscriptionTerm = 31 * 24 * time.Hour

// Ledger is the storage the coordinator commits through
type Ledger interface {
	DeliverCard(ctx context.Context, orderID, paymentTx string) (string, error)
	ActivateSubscription(ctx context.Context, orderID, paymentTx string, expiresAt time.Time) error
}

// Coordinator applies the terminal transition for a matched order
type Coordinator struct {
	ledger Ledger
	term   time.Duration
}

// NewCoordinator creates a coordinator; term <= 0 uses DefaultSubscriptionTerm
func NewCoordinator(ledger Ledger, term time.Duration) *Coordinator {
	if term <= 0 {
		term = DefaultSubscriptionTerm
	}
	return &Coordinator{ledger: ledger, term: term}
}

// Commit settles o with transfer t and returns the order as committed.
//
// It fails with domain.ErrAlreadyFinal when another caller settled the order
// first and with domain.ErrOutOfStock when a card order's product has no code
// left. In both cases the store is unchanged.
func (c *Coordinator) Commit(ctx context.Context, o *domain.Order, t domain.Transfer) (*domain.Order, error) {
	settled := *o

	switch o.Kind {
	case domain.KindCard:
		code, err := c.ledger.DeliverCard(ctx, o.ID, t.TxID)
		if err != nil {
			return nil, err
		}
		settled.DeliveredCode = code

	case domain.KindSubscription:
		expires := o.CreatedAt.Add(c.term)
		if err := c.ledger.ActivateSubscription(ctx, o.ID, t.TxID, expires); err != nil {
			return nil, err
		}
		settled.ExpiresAt = &expires

	default:
		return nil, fmt.Errorf("order %s has unknown kind %q: %w", o.ID, o.Kind, domain.ErrInvalidInput)
	}

	settled.Status = o.Kind.SuccessStatus()
	settled.PaymentTx = t.TxID
	return &settled, nil
}
