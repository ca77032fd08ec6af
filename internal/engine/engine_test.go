package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/itgoyo/faka-usdt/internal/amount"
	"github.com/itgoyo/faka-usdt/internal/domain"
	"github.com/itgoyo/faka-usdt/internal/payment"
	"github.com/itgoyo/faka-usdt/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFeed struct {
	mu        sync.Mutex
	transfers []domain.Transfer
	calls     atomic.Int32
}

func (f *fakeFeed) FetchRecent(ctx context.Context) []domain.Transfer {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Transfer(nil), f.transfers...)
}

func (f *fakeFeed) set(transfers ...domain.Transfer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers = transfers
}

type fakeNotifier struct {
	mu      sync.Mutex
	created []domain.OrderSummary
	paid    []domain.OrderSummary
}

func (n *fakeNotifier) NotifyCreated(s domain.OrderSummary) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.created = append(n.created, s)
}

func (n *fakeNotifier) NotifyPaid(s domain.OrderSummary) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.paid = append(n.paid, s)
}

func (n *fakeNotifier) paidCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.paid)
}

type fakeGateway struct {
	err   error
	quote func(decimal.Decimal) decimal.Decimal
}

func (g *fakeGateway) CreateIntent(ctx context.Context, orderID string, amt decimal.Decimal) (*payment.Intent, error) {
	if g.err != nil {
		return nil, g.err
	}
	actual := amt
	if g.quote != nil {
		actual = g.quote(amt)
	}
	return &payment.Intent{ActualAmount: actual, WalletAddress: "TGateway", PaymentURL: "https://pay.example/" + orderID}, nil
}

var baseTime = time.Date(2025, 4, 9, 10, 0, 0, 0, time.UTC)

type testRig struct {
	engine   *OrderEngine
	store    *store.Store
	feed     *fakeFeed
	notifier *fakeNotifier
	events   []domain.Event
	mu       sync.Mutex
}

func newTestRig(t *testing.T, suffixes ...int) *testRig {
	t.Helper()
	s, err := store.Open(context.Background(), store.DriverSQLite, filepath.Join(t.TempDir(), "shop.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	rig := &testRig{store: s, feed: &fakeFeed{}, notifier: &fakeNotifier{}}
	rig.engine = NewOrderEngine(Config{
		SubscriptionPrice: decimal.RequireFromString("19.9"),
		WalletAddress:     "TWallet",
		TestMode:          true,
	}, s, rig.feed, nil, rig.notifier)
	rig.engine.now = func() time.Time { return baseTime }

	var next atomic.Int32
	rig.engine.amounts = amount.NewDisambiguatorWithSource(func(n int) int {
		if len(suffixes) == 0 {
			return 36
		}
		i := int(next.Add(1)-1) % len(suffixes)
		return suffixes[i]
	})
	rig.engine.RegisterEventHandler(func(ctx context.Context, ev domain.Event) {
		rig.mu.Lock()
		defer rig.mu.Unlock()
		rig.events = append(rig.events, ev)
	})
	return rig
}

func (r *testRig) product(t *testing.T, price string, codes ...string) *domain.Product {
	t.Helper()
	p, err := r.store.CreateProduct(context.Background(), "Game card", decimal.RequireFromString(price), codes)
	require.NoError(t, err)
	return p
}

func (r *testRig) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, len(r.events))
	for i, ev := range r.events {
		types[i] = ev.GetType()
	}
	return types
}

func transferAt(o *domain.Order, after time.Duration, micros int64, tx string) domain.Transfer {
	return domain.Transfer{TxID: tx, ValueMicros: micros, Timestamp: o.CreatedAt.Add(after)}
}

func TestCheck_CardScenario(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	p := rig.product(t, "199", "code-1", "code-2")

	o, err := rig.engine.CreateCardOrder(ctx, p.ID, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "199.037", o.Amount.String())
	assert.Equal(t, "TWallet", o.WalletAddress)

	rig.feed.set(transferAt(o, time.Minute, 199_037_000, "tx-1"))

	res, err := rig.engine.Check(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, res.Status)
	assert.Equal(t, "code-1", res.Code)

	got, err := rig.store.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Remaining)

	stored, err := rig.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, stored.Status)
	assert.Equal(t, "tx-1", stored.PaymentTx)

	assert.Equal(t, 1, rig.notifier.paidCount())
	assert.Equal(t, []string{domain.EventTypeOrderCreated, domain.EventTypeOrderDelivered}, rig.eventTypes())
}

func TestCheck_IdempotentAfterDelivery(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	p := rig.product(t, "199", "code-1", "code-2")

	o, err := rig.engine.CreateCardOrder(ctx, p.ID, "sess-1")
	require.NoError(t, err)
	rig.feed.set(transferAt(o, time.Minute, 199_037_000, "tx-1"))

	first, err := rig.engine.Check(ctx, o.ID)
	require.NoError(t, err)
	calls := rig.feed.calls.Load()

	second, err := rig.engine.Check(ctx, o.ID)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, calls, rig.feed.calls.Load(), "settled order must not hit the feed")

	got, err := rig.store.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Remaining)
	assert.Equal(t, 1, rig.notifier.paidCount())
}

func TestCheck_ConcurrentChecksDeliverOnce(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	p := rig.product(t, "199", "code-1", "code-2", "code-3")

	o, err := rig.engine.CreateCardOrder(ctx, p.ID, "sess-1")
	require.NoError(t, err)
	rig.feed.set(transferAt(o, time.Minute, 199_037_000, "tx-1"))

	const workers = 16
	results := make([]*CheckResult, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = rig.engine.Check(ctx, o.ID)
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, domain.StatusDelivered, results[i].Status)
		assert.Equal(t, "code-1", results[i].Code)
	}

	got, err := rig.store.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Remaining)
	assert.Equal(t, 1, rig.notifier.paidCount())
}

func TestCheck_ZeroStockStaysPending(t *testing.T) {
	rig := newTestRig(t, 36, 41)
	ctx := context.Background()
	p := rig.product(t, "199", "only-code")

	first, err := rig.engine.CreateCardOrder(ctx, p.ID, "sess-1")
	require.NoError(t, err)
	second, err := rig.engine.CreateCardOrder(ctx, p.ID, "sess-2")
	require.NoError(t, err)
	assert.Equal(t, "199.042", second.Amount.String())

	rig.feed.set(
		transferAt(first, time.Minute, 199_037_000, "tx-1"),
		transferAt(second, 2*time.Minute, 199_042_000, "tx-2"),
	)

	res, err := rig.engine.Check(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, res.Status)

	res, err = rig.engine.Check(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, res.Status)
	assert.Empty(t, res.Code)

	stored, err := rig.store.GetOrder(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stored.Status)

	got, err := rig.store.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Remaining)
	assert.Equal(t, 1, rig.notifier.paidCount())
}

func TestCheck_HeldPaymentSurvivesSweepAndDeliversAfterRestock(t *testing.T) {
	rig := newTestRig(t, 36, 41)
	ctx := context.Background()
	p := rig.product(t, "199", "only-code")

	first, err := rig.engine.CreateCardOrder(ctx, p.ID, "sess-1")
	require.NoError(t, err)
	second, err := rig.engine.CreateCardOrder(ctx, p.ID, "sess-2")
	require.NoError(t, err)
	rig.feed.set(
		transferAt(first, time.Minute, 199_037_000, "tx-1"),
		transferAt(second, 2*time.Minute, 199_042_000, "tx-2"),
	)

	_, err = rig.engine.Check(ctx, first.ID)
	require.NoError(t, err)
	res, err := rig.engine.Check(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, res.Status)

	held, err := rig.store.GetOrder(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, "tx-2", held.PaymentTx)

	sweeper := NewSweeper(rig.store, DefaultWindow, DefaultSweepGrace, time.Minute, nil)
	sweeper.now = func() time.Time { return baseTime.Add(41 * time.Minute) }
	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = rig.store.AddCodes(ctx, p.ID, []string{"restocked"})
	require.NoError(t, err)

	// the transfer has aged out of the feed by now
	rig.feed.set()
	calls := rig.feed.calls.Load()
	res, err = rig.engine.Check(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, res.Status)
	assert.Equal(t, "restocked", res.Code)
	assert.Equal(t, calls, rig.feed.calls.Load())

	stored, err := rig.store.GetOrder(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, stored.Status)
	assert.Equal(t, "tx-2", stored.PaymentTx)
	assert.Equal(t, 2, rig.notifier.paidCount())
}

func TestCheck_NoMatchingTransfer(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	p := rig.product(t, "199", "code-1")

	o, err := rig.engine.CreateCardOrder(ctx, p.ID, "sess-1")
	require.NoError(t, err)
	rig.feed.set(
		transferAt(o, time.Minute, 199_000_000, "tx-other-amount"),
		transferAt(o, -time.Minute, 199_037_000, "tx-too-early"),
		transferAt(o, 11*time.Minute, 199_037_000, "tx-too-late"),
	)

	res, err := rig.engine.Check(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, &CheckResult{Status: domain.StatusPending}, res)
	assert.Equal(t, 0, rig.notifier.paidCount())
}

func TestCheck_ExpiredOrderSkipsFeed(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	p := rig.product(t, "199", "code-1")

	o, err := rig.engine.CreateCardOrder(ctx, p.ID, "sess-1")
	require.NoError(t, err)
	_, err = rig.store.ExpirePending(ctx, baseTime.Add(time.Hour))
	require.NoError(t, err)

	res, err := rig.engine.Check(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, res.Status)
	assert.Equal(t, int32(0), rig.feed.calls.Load())
}

func TestCheck_UnknownOrder(t *testing.T) {
	rig := newTestRig(t)
	_, err := rig.engine.Check(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestCheck_SubscriptionActivation(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	o, err := rig.engine.CreateSubscriptionOrder(ctx, domain.SubscriptionConfig{
		SourceChannel: " @news ",
		TargetChannel: "@mirror",
		TextReplaces:  []domain.TextReplace{{From: "foo", To: "bar"}, {From: "", To: "ignored"}},
		Keywords:      "sale",
		ContactID:     "123456",
	}, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "19.937", o.Amount.String())
	assert.Equal(t, "@news", o.Subscription.SourceChannel)
	assert.Len(t, o.Subscription.TextReplaces, 1)

	rig.feed.set(transferAt(o, 3*time.Minute, 19_937_200, "tx-sub"))

	res, err := rig.engine.Check(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, res.Status)
	require.NotNil(t, res.ExpiresAt)
	assert.Equal(t, o.CreatedAt.Add(DefaultSubscriptionTerm), *res.ExpiresAt)

	stored, err := rig.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, stored.Status)
	assert.Equal(t, "tx-sub", stored.PaymentTx)

	assert.Equal(t, []string{domain.EventTypeOrderCreated, domain.EventTypeOrderPaid}, rig.eventTypes())
}

func TestCreateCardOrder_ReusesActiveOrder(t *testing.T) {
	rig := newTestRig(t, 36, 41)
	ctx := context.Background()
	p := rig.product(t, "199", "code-1")

	first, err := rig.engine.CreateCardOrder(ctx, p.ID, "sess-1")
	require.NoError(t, err)
	again, err := rig.engine.CreateCardOrder(ctx, p.ID, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	rig.engine.now = func() time.Time { return baseTime.Add(DefaultWindow + time.Second) }
	fresh, err := rig.engine.CreateCardOrder(ctx, p.ID, "sess-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, fresh.ID)
}

func TestCreateCardOrder_Errors(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	empty := rig.product(t, "10")

	_, err := rig.engine.CreateCardOrder(ctx, empty.ID, "sess-1")
	assert.ErrorIs(t, err, domain.ErrOutOfStock)

	_, err = rig.engine.CreateCardOrder(ctx, 9999, "sess-1")
	assert.ErrorIs(t, err, domain.ErrProductNotFound)

	_, err = rig.engine.CreateCardOrder(ctx, empty.ID, " ")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestCreateCardOrder_PaymentGateway(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	p := rig.product(t, "199", "code-1")

	rig.engine.payments = &fakeGateway{}
	o, err := rig.engine.CreateCardOrder(ctx, p.ID, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "199.037", o.Amount.String())
	assert.Equal(t, "TGateway", o.WalletAddress)
	assert.Equal(t, "https://pay.example/"+o.ID, o.PaymentURL)

	rig.engine.payments = &fakeGateway{err: domain.ErrPaymentUnavailable}
	_, err = rig.engine.CreateCardOrder(ctx, p.ID, "sess-2")
	assert.ErrorIs(t, err, domain.ErrPaymentUnavailable)
	assert.Len(t, rig.notifier.created, 1)
}

func TestCreateCardOrder_GatewayQuotesDifferentAmount(t *testing.T) {
	rig := newTestRig(t, 37, 38)
	ctx := context.Background()
	p := rig.product(t, "199", "code-1", "code-2")

	// 199.038 and 199.039 would both come back as 199.04
	rig.engine.payments = &fakeGateway{quote: func(d decimal.Decimal) decimal.Decimal { return d.Round(2) }}
	_, err := rig.engine.CreateCardOrder(ctx, p.ID, "sess-1")
	assert.ErrorIs(t, err, domain.ErrPaymentUnavailable)
	_, err = rig.engine.CreateCardOrder(ctx, p.ID, "sess-2")
	assert.ErrorIs(t, err, domain.ErrPaymentUnavailable)

	_, err = rig.store.FindActiveOrder(ctx, "sess-1", p.ID, baseTime.Add(-time.Hour))
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	assert.Empty(t, rig.notifier.created)
	assert.Empty(t, rig.eventTypes())

	// a quote inside the tolerance keeps the derived amount
	rig.engine.payments = &fakeGateway{quote: func(d decimal.Decimal) decimal.Decimal {
		return d.Add(decimal.RequireFromString("0.0002"))
	}}
	o, err := rig.engine.CreateCardOrder(ctx, p.ID, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "199.038", o.Amount.String())

	stored, err := rig.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "199.038", stored.Amount.String())
}

func TestCreateCardOrder_ConcurrentCreatesShareOrder(t *testing.T) {
	rig := newTestRig(t, 36, 41, 52, 63)
	ctx := context.Background()
	p := rig.product(t, "199", "code-1")

	const workers = 8
	ids := make([]string, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			o, err := rig.engine.CreateCardOrder(ctx, p.ID, "sess-1")
			errs[i] = err
			if err == nil {
				ids[i] = o.ID
			}
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Len(t, rig.notifier.created, 1)
	assert.Equal(t, []string{domain.EventTypeOrderCreated}, rig.eventTypes())
}

func TestCreateSubscriptionOrder_Validation(t *testing.T) {
	rig := newTestRig(t)

	tests := []struct {
		name string
		sub  domain.SubscriptionConfig
	}{
		{"missing source", domain.SubscriptionConfig{TargetChannel: "@b", ContactID: "1"}},
		{"missing target", domain.SubscriptionConfig{SourceChannel: "@a", ContactID: "1"}},
		{"missing contact", domain.SubscriptionConfig{SourceChannel: "@a", TargetChannel: "@b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rig.engine.CreateSubscriptionOrder(context.Background(), tt.sub, "")
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}

	_, err := rig.engine.CreateSubscriptionOrder(context.Background(),
		domain.SubscriptionConfig{SourceChannel: "@a", TargetChannel: "@b", Email: "a@example.com"}, "")
	assert.NoError(t, err)
}

func TestTestPay(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	p := rig.product(t, "5", "code-1")

	o, err := rig.engine.CreateCardOrder(ctx, p.ID, "sess-1")
	require.NoError(t, err)

	res, err := rig.engine.TestPay(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, res.Status)
	assert.Equal(t, "code-1", res.Code)

	stored, err := rig.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "TEST_TX_1744192800000", stored.PaymentTx)

	rig.engine.cfg.TestMode = false
	_, err = rig.engine.TestPay(ctx, o.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

type stubLedger struct{}

func (stubLedger) DeliverCard(ctx context.Context, orderID, paymentTx string) (string, error) {
	return "", errors.New("unused")
}

func (stubLedger) ActivateSubscription(ctx context.Context, orderID, paymentTx string, expiresAt time.Time) error {
	return errors.New("unused")
}

func TestCoordinator_UnknownKind(t *testing.T) {
	c := NewCoordinator(stubLedger{}, 0)
	_, err := c.Commit(context.Background(), &domain.Order{ID: "x", Kind: "bogus"}, domain.Transfer{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

type okLedger struct{}

func (okLedger) DeliverCard(ctx context.Context, orderID, paymentTx string) (string, error) {
	return "code-x", nil
}

func (okLedger) ActivateSubscription(ctx context.Context, orderID, paymentTx string, expiresAt time.Time) error {
	return nil
}

func TestCoordinator_CommitReachesKindStatus(t *testing.T) {
	c := NewCoordinator(okLedger{}, time.Hour)
	tx := domain.Transfer{TxID: "tx-1"}

	card, err := c.Commit(context.Background(), &domain.Order{ID: "c", Kind: domain.KindCard}, tx)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, card.Status)
	assert.Equal(t, "code-x", card.DeliveredCode)
	assert.True(t, card.Status.IsTerminal())

	sub, err := c.Commit(context.Background(), &domain.Order{ID: "s", Kind: domain.KindSubscription, CreatedAt: baseTime}, tx)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, sub.Status)
	assert.Equal(t, "tx-1", sub.PaymentTx)
	require.NotNil(t, sub.ExpiresAt)
	assert.Equal(t, baseTime.Add(time.Hour), *sub.ExpiresAt)

	assert.False(t, domain.StatusPending.IsTerminal())
	assert.True(t, domain.StatusExpired.IsTerminal())
}
