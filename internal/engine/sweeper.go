package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/itgoyo/faka-usdt/internal/domain"
	"github.com/itgoyo/faka-usdt/internal/telemetry"
)

const (
	DefaultSweepInterval = time.Minute
	// DefaultSweepGrace keeps an order checkable past its window so feed lag
	// does not lose a transfer made inside it
	DefaultSweepGrace = 30 * time.Minute
)

// Expirer moves stale pending orders to expired
type Expirer interface {
	ExpirePending(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Sweeper periodically expires pending orders older than window + grace
type Sweeper struct {
	store    Expirer
	maxAge   time.Duration
	interval time.Duration
	onExpire EventHandler
	now      func() time.Time

	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewSweeper creates a sweeper. onExpire may be nil.
func NewSweeper(store Expirer, window, grace, interval time.Duration, onExpire EventHandler) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		store:    store,
		maxAge:   window + grace,
		interval: interval,
		onExpire: onExpire,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start runs the sweep loop in the background
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Sweep(s.ctx); err != nil {
					slog.ErrorContext(s.ctx, "order sweep failed", "error", err)
				}
			}
		}
	}()
	slog.Info("order sweeper started", "interval", s.interval.String(), "max_age", s.maxAge.String())
}

// Stop stops the loop and waits for an in-flight sweep
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
}

// Sweep expires stale orders once and returns how many were expired
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.maxAge)
	ids, err := s.store.ExpirePending(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	telemetry.OrdersExpiredTotal.Add(float64(len(ids)))
	slog.InfoContext(ctx, "expired stale orders", "count", len(ids))
	if s.onExpire != nil {
		for _, id := range ids {
			s.onExpire(ctx, domain.OrderExpired{OrderID: id})
		}
	}
	return len(ids), nil
}
