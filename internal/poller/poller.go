// Package poller drives the buyer side of a payment: it checks an order
// until it settles or its countdown runs out.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	DefaultInterval  = 15 * time.Second
	DefaultCountdown = 10 * time.Minute
)

// ErrCountdownElapsed is returned when the order is still unpaid at the end
// of its countdown
var ErrCountdownElapsed = errors.New("payment countdown elapsed")

// Checker asks the shop for an order's current payment state
type Checker interface {
	Check(ctx context.Context, orderID string) (*CheckStatus, error)
}

// Poller repeatedly checks a single order
type Poller struct {
	checker   Checker
	interval  time.Duration
	countdown time.Duration
	now       func() time.Time

	// OnTick, when set, is called with every successful check result
	OnTick func(status *CheckStatus, remaining time.Duration)
}

// New creates a poller; zero durations use the defaults
func New(checker Checker, interval, countdown time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if countdown <= 0 {
		countdown = DefaultCountdown
	}
	return &Poller{checker: checker, interval: interval, countdown: countdown, now: time.Now}
}

// Run checks immediately and then on every interval until the order reaches
// a final state, the countdown measured from createdAt elapses, or ctx is
// cancelled. A failed check is logged and retried on the next tick.
func (p *Poller) Run(ctx context.Context, orderID string, createdAt time.Time) (*CheckStatus, error) {
	deadline := createdAt.Add(p.countdown)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		remaining := deadline.Sub(p.now())
		if remaining <= 0 {
			return nil, ErrCountdownElapsed
		}

		status, err := p.checker.Check(ctx, orderID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.WarnContext(ctx, "payment check failed", "order_id", orderID, "error", err)
		default:
			if p.OnTick != nil {
				p.OnTick(status, remaining)
			}
			if status.Final() {
				return status, nil
			}
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			return nil, ErrCountdownElapsed
		case <-ticker.C:
			timer.Stop()
		}
	}
}
