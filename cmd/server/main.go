package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/itgoyo/faka-usdt/internal/config"
	"github.com/itgoyo/faka-usdt/internal/domain"
	"github.com/itgoyo/faka-usdt/internal/engine"
	"github.com/itgoyo/faka-usdt/internal/feed"
	"github.com/itgoyo/faka-usdt/internal/handler"
	"github.com/itgoyo/faka-usdt/internal/journal"
	"github.com/itgoyo/faka-usdt/internal/middleware"
	"github.com/itgoyo/faka-usdt/internal/notify"
	"github.com/itgoyo/faka-usdt/internal/payment"
	"github.com/itgoyo/faka-usdt/internal/queue"
	"github.com/itgoyo/faka-usdt/internal/store"
	"github.com/itgoyo/faka-usdt/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

const (
	serviceName    = "faka-usdt"
	serviceVersion = "1.0.0"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize structured logging
	telemetry.InitLogger(serviceName, cfg.LogLevel)

	// Initialize OpenTelemetry tracing
	cleanup, err := telemetry.InitTracer(telemetry.TracerConfig{
		ServiceName: serviceName,
		Version:     serviceVersion,
		Endpoint:    cfg.OTLPEndpoint,
		Environment: cfg.Environment,
	})
	if err != nil {
		log.Printf("Warning: Failed to initialize tracer: %v", err)
	} else {
		defer cleanup()
	}

	gin.SetMode(cfg.GinMode)

	log.Println("Starting card shop service...")

	// 1. Open the order store
	log.Printf("Opening %s store...", cfg.DB.Driver)
	if cfg.DB.Driver == store.DriverSQLite && !strings.HasPrefix(cfg.DB.DSN, "file:") && !strings.HasPrefix(cfg.DB.DSN, ":memory:") {
		if err := os.MkdirAll(filepath.Dir(cfg.DB.DSN), 0755); err != nil {
			log.Fatalf("Failed to create data directory: %v", err)
		}
	}
	st, err := store.Open(context.Background(), cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()
	log.Println("Store ready")

	// 2. Transaction feed, optionally behind a shared Redis cache
	var fetcher feed.Fetcher = feed.NewClient(feed.Config{
		URL:     cfg.Feed.URL,
		APIKey:  cfg.Feed.APIKey,
		Timeout: cfg.Feed.Timeout,
	})
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Printf("Warning: Redis at %s unreachable, feed cache will miss: %v", cfg.Redis.Addr, err)
		} else {
			log.Printf("Feed cache using Redis at %s", cfg.Redis.Addr)
		}
		cancel()
		fetcher = feed.NewCachedFeed(fetcher, feed.NewRedisCache(rdb), cfg.Redis.TTL)
	}

	// 3. Payment gateway
	var gateway engine.PaymentGateway
	if cfg.Payment.URL != "" {
		gateway = payment.NewClient(payment.Config{
			URL:         cfg.Payment.URL,
			Token:       cfg.Payment.Token,
			NotifyURL:   cfg.Payment.NotifyURL,
			RedirectURL: cfg.Payment.RedirectURL,
			Timeout:     cfg.Payment.Timeout,
		})
	} else {
		log.Printf("No payment API configured, orders pay to %s", cfg.Shop.WalletAddress)
	}

	// 4. Notification dispatcher
	dispatcher := notify.NewDispatcher(notify.Config{
		Workers:     cfg.Notify.Workers,
		QueueSize:   cfg.Notify.QueueSize,
		PushBaseURL: cfg.Notify.PushBaseURL,
	}, st)
	dispatcher.Start()
	defer dispatcher.Stop()

	// 5. Order engine
	orderEngine := engine.NewOrderEngine(engine.Config{
		Rule: engine.MatchRule{
			Tolerance: cfg.Shop.ToleranceMicros,
			Window:    cfg.Shop.Window,
		},
		SubscriptionPrice: cfg.Shop.SubscriptionPrice,
		SubscriptionTerm:  cfg.Shop.SubscriptionTerm,
		WalletAddress:     cfg.Shop.WalletAddress,
		TestMode:          cfg.TestMode,
	}, st, fetcher, gateway, dispatcher)

	// 6. Activation journal receives paid subscriptions
	log.Printf("Opening activation journal at %s...", cfg.JournalPath)
	activations, err := journal.Open(cfg.JournalPath)
	if err != nil {
		log.Fatalf("Failed to open journal: %v", err)
	}
	defer activations.Close()
	orderEngine.RegisterEventHandler(func(ctx context.Context, event domain.Event) {
		if event.GetType() != domain.EventTypeOrderPaid {
			return
		}
		if err := activations.Append(event); err != nil {
			slog.ErrorContext(ctx, "Failed to journal activation", "order_id", event.GetOrderID(), "error", err)
		}
	})

	// 7. Order events to NATS, when configured
	publish := func(context.Context, domain.Event) {}
	if cfg.NATSUrl != "" {
		log.Printf("Connecting to NATS at %s...", cfg.NATSUrl)
		natsClient, err := queue.NewNATSClient(cfg.NATSUrl)
		if err != nil {
			log.Printf("Warning: NATS unavailable, order events will not be published: %v", err)
		} else {
			defer natsClient.Close()
			log.Println("Connected to NATS")
			publish = func(ctx context.Context, event domain.Event) {
				if err := natsClient.Publish(ctx, event); err != nil {
					slog.WarnContext(ctx, "Failed to publish order event",
						"type", event.GetType(), "order_id", event.GetOrderID(), "error", err)
				}
			}
		}
	}
	orderEngine.RegisterEventHandler(publish)

	// 8. Sweeper expires abandoned orders
	sweeper := engine.NewSweeper(st, cfg.Shop.Window, cfg.Sweeper.Grace, cfg.Sweeper.Interval, publish)
	sweeper.Start()
	defer sweeper.Stop()

	// 9. HTTP handler and router
	h := handler.NewHandler(orderEngine, st, cfg.TestMode)

	var accounts gin.Accounts
	if cfg.Admin.Password != "" {
		accounts = gin.Accounts{cfg.Admin.User: cfg.Admin.Password}
	} else {
		log.Println("Admin routes disabled: no ADMIN_PASSWORD set")
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Tracing())
	router.Use(middleware.Metrics())
	handler.SetupRoutes(router, h, accounts)

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		// a check may wait on the feed for its full timeout
		WriteTimeout: cfg.Feed.Timeout + 20*time.Second,
	}

	// Metrics server on its own port for Prometheus scraping
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: metricsMux,
	}

	go func() {
		log.Printf("HTTP server listening on port %d", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	go func() {
		log.Printf("Metrics server listening on port %d", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Metrics server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("HTTP server forced to shutdown: %v", err)
	}
	if err := metricsSrv.Shutdown(ctx); err != nil {
		log.Printf("Metrics server forced to shutdown: %v", err)
	}

	log.Println("Service stopped")
}
