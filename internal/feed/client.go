// Package feed fetches recent incoming transfers to the receiving wallet from
// a blockchain explorer API.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/itgoyo/faka-usdt/internal/domain"
	"github.com/itgoyo/faka-usdt/internal/telemetry"
)

// DefaultTimeout bounds a single explorer request
const DefaultTimeout = 10 * time.Second

// Fetcher returns the most recent transfers in feed order.
// Implementations never fail; problems degrade to an empty batch.
type Fetcher interface {
	FetchRecent(ctx context.Context) []domain.Transfer
}

// Config configures the explorer client
type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// Client is a Fetcher for TronGrid-style TRC20 transfer listings
type Client struct {
	url    string
	apiKey string
	http   *resty.Client
}

// NewClient creates a new explorer client
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		http:   resty.New().SetTimeout(timeout),
	}
}

type transferRecord struct {
	Value          json.RawMessage `json:"value"`
	BlockTimestamp int64           `json:"block_timestamp"`
	TransactionID  string          `json:"transaction_id"`
	TxID           string          `json:"tx_id"`
}

type transferPage struct {
	Data []transferRecord `json:"data"`
}

// FetchRecent performs one explorer request. Transport errors, non-200
// responses and undecodable bodies are logged and yield an empty slice.
func (c *Client) FetchRecent(ctx context.Context) []domain.Transfer {
	start := time.Now()
	outcome := "ok"
	defer func() {
		telemetry.FeedRequestsTotal.WithLabelValues(outcome).Inc()
		telemetry.FeedRequestDuration.Observe(time.Since(start).Seconds())
	}()

	if c.url == "" {
		outcome = "unconfigured"
		slog.WarnContext(ctx, "transaction feed url not configured")
		return nil
	}

	req := c.http.R().SetContext(ctx).SetHeader("Accept", "application/json")
	if c.apiKey != "" {
		req.SetHeader("TRON-PRO-API-KEY", c.apiKey)
	}

	resp, err := req.Get(c.url)
	if err != nil {
		outcome = "transport_error"
		slog.ErrorContext(ctx, "transaction feed request failed", "error", err)
		return nil
	}
	if resp.StatusCode() != 200 {
		outcome = "bad_status"
		slog.ErrorContext(ctx, "transaction feed returned non-200", "status", resp.StatusCode())
		return nil
	}

	var page transferPage
	if err := json.Unmarshal(resp.Body(), &page); err != nil {
		outcome = "decode_error"
		slog.ErrorContext(ctx, "transaction feed body undecodable", "error", err)
		return nil
	}

	transfers := make([]domain.Transfer, 0, len(page.Data))
	for _, rec := range page.Data {
		t, ok := rec.toTransfer()
		if !ok {
			slog.WarnContext(ctx, "skipping malformed transfer", "value", string(rec.Value))
			continue
		}
		transfers = append(transfers, t)
	}
	return transfers
}

func (r transferRecord) toTransfer() (domain.Transfer, bool) {
	// the explorer sends values as decimal strings; numbers are accepted too
	raw := strings.Trim(string(r.Value), `"`)
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return domain.Transfer{}, false
	}
	id := r.TransactionID
	if id == "" {
		id = r.TxID
	}
	return domain.Transfer{
		TxID:        id,
		ValueMicros: value,
		Timestamp:   time.UnixMilli(r.BlockTimestamp).UTC(),
	}, true
}
