package engine

import (
	"time"

	"github.com/itgoyo/faka-usdt/internal/amount"
	"github.com/itgoyo/faka-usdt/internal/domain"
)

const (
	// DefaultWindow is how long after creation a transfer may arrive and
	// still count for the order
	DefaultWindow = 10 * time.Minute
	// DefaultTolerance is 0.001 USDT in micro-units. A transfer matches when
	// it is strictly closer than this to the expected amount.
	DefaultTolerance int64 = 1000
)

// MatchRule is the predicate a transfer must satisfy to pay for an order
type MatchRule struct {
	Tolerance int64 // micro-units, exclusive
	Window    time.Duration
}

// DefaultMatchRule returns the production rule
func DefaultMatchRule() MatchRule {
	return MatchRule{Tolerance: DefaultTolerance, Window: DefaultWindow}
}

// Matches reports whether t pays for o
func (r MatchRule) Matches(o *domain.Order, t domain.Transfer) bool {
	diff := t.ValueMicros - amount.ToMicros(o.Amount)
	if diff < 0 {
		diff = -diff
	}
	if diff >= r.Tolerance {
		return false
	}
	if t.Timestamp.Before(o.CreatedAt) {
		return false
	}
	return !t.Timestamp.After(o.CreatedAt.Add(r.Window))
}

// Match returns the first transfer in feed order that pays for o
func Match(o *domain.Order, transfers []domain.Transfer, rule MatchRule) (domain.Transfer, bool) {
	for _, t := range transfers {
		if rule.Matches(o, t) {
			return t, true
		}
	}
	return domain.Transfer{}, false
}
