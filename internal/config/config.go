// Package config loads service configuration. Defaults are overridden by
// environment variables (optionally read from a .env file), which are
// overridden by command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Port         int
	MetricsPort  int
	GinMode      string
	LogLevel     string
	Environment  string
	OTLPEndpoint string

	DB      DBConfig
	Redis   RedisConfig
	NATSUrl string
	Feed    FeedConfig
	Payment PaymentConfig
	Shop    ShopConfig
	Sweeper SweeperConfig
	Notify  NotifyConfig
	Admin   AdminConfig

	JournalPath string
	TestMode    bool
}

type DBConfig struct {
	Driver string
	DSN    string
}

type RedisConfig struct {
	Addr     string // empty disables the feed cache
	Password string
	DB       int
	TTL      time.Duration
}

type FeedConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

type PaymentConfig struct {
	URL         string // empty disables payment intents
	Token       string
	NotifyURL   string
	RedirectURL string
	Timeout     time.Duration
}

type ShopConfig struct {
	WalletAddress     string
	SubscriptionPrice decimal.Decimal
	SubscriptionTerm  time.Duration
	Window            time.Duration
	ToleranceMicros   int64
}

type SweeperConfig struct {
	Interval time.Duration
	Grace    time.Duration
}

type NotifyConfig struct {
	Workers     int
	QueueSize   int
	PushBaseURL string
}

type AdminConfig struct {
	User     string
	Password string
}

// Load reads .env (when present), the environment and then args
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}
	return parse(args)
}

func parse(args []string) (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet("server", flag.ContinueOnError)

	fs.IntVar(&cfg.Port, "port", getEnvInt("PORT", 8080), "HTTP server port")
	fs.IntVar(&cfg.MetricsPort, "metrics-port", getEnvInt("METRICS_PORT", 9090), "Metrics server port")
	fs.StringVar(&cfg.GinMode, "gin-mode", getEnv("GIN_MODE", "release"), "Gin mode (debug/release)")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level (debug/info/warn/error)")
	fs.StringVar(&cfg.Environment, "environment", getEnv("ENVIRONMENT", "development"), "Deployment environment")
	fs.StringVar(&cfg.OTLPEndpoint, "otlp-endpoint", getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""), "OTLP gRPC collector address")

	fs.StringVar(&cfg.DB.Driver, "db-driver", getEnv("DB_DRIVER", "sqlite3"), "Database driver (postgres/sqlite3)")
	fs.StringVar(&cfg.DB.DSN, "db-dsn", getEnv("DATABASE_URL", "data/shop.db"), "Database DSN")

	fs.StringVar(&cfg.Redis.Addr, "redis-addr", getEnv("REDIS_ADDR", ""), "Redis address for the feed cache")
	fs.StringVar(&cfg.Redis.Password, "redis-password", getEnv("REDIS_PASSWORD", ""), "Redis password")
	fs.IntVar(&cfg.Redis.DB, "redis-db", getEnvInt("REDIS_DB", 0), "Redis database")
	fs.DurationVar(&cfg.Redis.TTL, "feed-cache-ttl", getEnvDuration("FEED_CACHE_TTL", 3*time.Second), "Feed cache TTL")

	fs.StringVar(&cfg.NATSUrl, "nats-url", getEnv("NATS_URL", ""), "NATS server URL for order events")

	fs.StringVar(&cfg.Feed.URL, "tron-api-url", getEnv("TRON_API_URL", ""), "Transfer feed URL for the receiving address")
	fs.StringVar(&cfg.Feed.APIKey, "tron-api-key", getEnv("TRON_API_KEY", ""), "Transfer feed API key")
	fs.DurationVar(&cfg.Feed.Timeout, "feed-timeout", getEnvDuration("FEED_TIMEOUT", 10*time.Second), "Transfer feed request timeout")

	fs.StringVar(&cfg.Payment.URL, "payment-api-url", getEnv("API_URL", ""), "Payment gateway create-transaction URL")
	fs.StringVar(&cfg.Payment.Token, "payment-api-token", getEnv("API_TOKEN", ""), "Payment gateway signing token")
	fs.StringVar(&cfg.Payment.NotifyURL, "payment-notify-url", getEnv("NOTIFY_URL", ""), "Payment gateway notify URL")
	fs.StringVar(&cfg.Payment.RedirectURL, "payment-redirect-url", getEnv("REDIRECT_URL", ""), "Payment gateway redirect URL")
	fs.DurationVar(&cfg.Payment.Timeout, "payment-timeout", getEnvDuration("PAYMENT_TIMEOUT", 10*time.Second), "Payment gateway timeout")

	price := fs.String("subscription-price", getEnv("TELEGRAM_SERVICE_PRICE", "19.9"), "Subscription base price in USDT")
	fs.StringVar(&cfg.Shop.WalletAddress, "wallet-address", getEnv("WALLET_ADDRESS", ""), "Receiving wallet when no gateway address is given")
	fs.DurationVar(&cfg.Shop.SubscriptionTerm, "subscription-term", getEnvDuration("SUBSCRIPTION_TERM", 31*24*time.Hour), "Subscription length")
	fs.DurationVar(&cfg.Shop.Window, "match-window", getEnvDuration("MATCH_WINDOW", 10*time.Minute), "Payment matching window")
	fs.Int64Var(&cfg.Shop.ToleranceMicros, "tolerance-micros", int64(getEnvInt("TOLERANCE_MICROS", 1000)), "Amount tolerance in micro-USDT")

	fs.DurationVar(&cfg.Sweeper.Interval, "sweep-interval", getEnvDuration("SWEEP_INTERVAL", time.Minute), "Expiry sweep interval")
	fs.DurationVar(&cfg.Sweeper.Grace, "sweep-grace", getEnvDuration("SWEEP_GRACE", 30*time.Minute), "Grace after the window before expiring")

	fs.IntVar(&cfg.Notify.Workers, "notify-workers", getEnvInt("NOTIFY_WORKERS", 2), "Notification workers")
	fs.IntVar(&cfg.Notify.QueueSize, "notify-queue", getEnvInt("NOTIFY_QUEUE_SIZE", 256), "Notification queue size")
	fs.StringVar(&cfg.Notify.PushBaseURL, "push-base-url", getEnv("PUSH_BASE_URL", "https://sctapi.ftqq.com"), "Push API base URL")

	fs.StringVar(&cfg.Admin.User, "admin-user", getEnv("ADMIN_USER", "admin"), "Admin username")
	fs.StringVar(&cfg.Admin.Password, "admin-password", getEnv("ADMIN_PASSWORD", ""), "Admin password; empty disables admin routes")

	fs.StringVar(&cfg.JournalPath, "journal", getEnv("JOURNAL_PATH", "data/activations.jsonl"), "Subscription activation journal")
	fs.BoolVar(&cfg.TestMode, "test-mode", getEnvBool("TEST_MODE", false), "Enable the test payment endpoint")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	p, err := decimal.NewFromString(*price)
	if err != nil {
		return nil, fmt.Errorf("invalid subscription price %q: %w", *price, err)
	}
	cfg.Shop.SubscriptionPrice = p

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	switch c.DB.Driver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("unsupported db driver %q", c.DB.Driver)
	}
	if c.Shop.Window <= 0 {
		return errors.New("match window must be positive")
	}
	if c.Shop.ToleranceMicros <= 0 {
		return errors.New("tolerance must be positive")
	}
	if c.Payment.URL == "" && c.Shop.WalletAddress == "" {
		return errors.New("either a payment gateway url or a wallet address is required")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseBool(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if v, err := time.ParseDuration(value); err == nil {
			return v
		}
	}
	return defaultValue
}
