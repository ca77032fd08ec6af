package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/itgoyo/faka-usdt/internal/domain"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const DefaultTimeout = 10 * time.Second

var tracer = otel.Tracer("payment")

// Config configures the gateway client
type Config struct {
	URL         string
	Token       string
	NotifyURL   string
	RedirectURL string
	Timeout     time.Duration
}

// Intent is the gateway's answer to a create-transaction request
type Intent struct {
	ActualAmount  decimal.Decimal
	WalletAddress string
	PaymentURL    string
}

// Client creates payment intents
type Client struct {
	cfg  Config
	http *resty.Client
}

// NewClient creates a new gateway client
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{cfg: cfg, http: resty.New().SetTimeout(timeout)}
}

type createRequest struct {
	OrderID     string      `json:"order_id"`
	Amount      json.Number `json:"amount"`
	NotifyURL   string      `json:"notify_url"`
	RedirectURL string      `json:"redirect_url"`
	Signature   string      `json:"signature"`
}

type createResponse struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Data       struct {
		ActualAmount json.Number `json:"actual_amount"`
		Token        string      `json:"token"`
		PaymentURL   string      `json:"payment_url"`
	} `json:"data"`
}

// CreateIntent asks the gateway for a payment intent for the given amount.
// Any failure is reported as domain.ErrPaymentUnavailable.
func (c *Client) CreateIntent(ctx context.Context, orderID string, amount decimal.Decimal) (*Intent, error) {
	ctx, span := tracer.Start(ctx, "payment.CreateIntent",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("order.id", orderID),
			attribute.String("order.amount", amount.String()),
		),
	)
	defer span.End()

	amountStr := amount.String()
	req := createRequest{
		OrderID:     orderID,
		Amount:      json.Number(amountStr),
		NotifyURL:   c.cfg.NotifyURL,
		RedirectURL: c.cfg.RedirectURL,
	}
	req.Signature = Sign(map[string]string{
		"order_id":     req.OrderID,
		"amount":       amountStr,
		"notify_url":   req.NotifyURL,
		"redirect_url": req.RedirectURL,
	}, c.cfg.Token)

	var out createResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		SetResult(&out).
		Post(c.cfg.URL)
	if err != nil {
		span.RecordError(err)
		slog.ErrorContext(ctx, "payment gateway request failed", "order_id", orderID, "error", err)
		return nil, fmt.Errorf("%w: %v", domain.ErrPaymentUnavailable, err)
	}
	if resp.StatusCode() != 200 || out.StatusCode != 200 {
		slog.ErrorContext(ctx, "payment gateway rejected request",
			"order_id", orderID,
			"http_status", resp.StatusCode(),
			"status_code", out.StatusCode,
			"message", out.Message,
		)
		return nil, fmt.Errorf("%w: status %d: %s", domain.ErrPaymentUnavailable, out.StatusCode, out.Message)
	}

	intent := &Intent{
		ActualAmount:  amount,
		WalletAddress: out.Data.Token,
		PaymentURL:    out.Data.PaymentURL,
	}
	if out.Data.ActualAmount != "" {
		if d, err := decimal.NewFromString(out.Data.ActualAmount.String()); err == nil {
			intent.ActualAmount = d
		}
	}
	return intent, nil
}
