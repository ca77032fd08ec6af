package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shop_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shop_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// check requests can hold a connection for the whole feed timeout
	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shop_http_requests_in_flight",
			Help: "HTTP requests currently being served",
		},
	)

	// Order metrics
	OrdersCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shop_orders_created_total",
			Help: "Total number of orders created",
		},
		[]string{"kind"},
	)

	PaymentChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shop_payment_checks_total",
			Help: "Total number of payment checks by result",
		},
		[]string{"result"}, // pending, paid, delivered, expired, out_of_stock, error
	)

	CheckDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shop_payment_check_duration_seconds",
			Help:    "Time to reconcile one order against the feed",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shop_deliveries_total",
			Help: "Total number of committed deliveries",
		},
		[]string{"kind"},
	)

	OutOfStockTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shop_out_of_stock_total",
			Help: "Matched payments that found the code pool empty",
		},
	)

	OrdersExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shop_orders_expired_total",
			Help: "Pending orders moved to expired by the sweeper",
		},
	)

	// Feed metrics
	FeedRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shop_feed_requests_total",
			Help: "Total number of transaction feed requests by outcome",
		},
		[]string{"outcome"},
	)

	FeedRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shop_feed_request_duration_seconds",
			Help:    "Transaction feed request latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	// Notification metrics
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shop_notifications_total",
			Help: "Total number of notification sends by transport and outcome",
		},
		[]string{"transport", "outcome"},
	)

	NotificationsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shop_notifications_dropped_total",
			Help: "Notifications dropped because the queue was full",
		},
	)

	// Journal metrics
	JournalWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shop_journal_writes_total",
			Help: "Total number of activation records written",
		},
		[]string{"type"},
	)

	// NATS metrics
	NATSMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shop_nats_messages_published_total",
			Help: "Total number of NATS messages published",
		},
		[]string{"subject"},
	)
)
