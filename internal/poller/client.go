package poller

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// CheckStatus mirrors the check endpoint's response
type CheckStatus struct {
	Status    string     `json:"status"`
	Code      string     `json:"code,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Final reports whether polling can stop
func (s *CheckStatus) Final() bool {
	switch s.Status {
	case "paid", "delivered", "expired":
		return true
	}
	return false
}

// OrderTicket is what the shop returns when an order is opened
type OrderTicket struct {
	OrderID       string    `json:"orderId"`
	Kind          string    `json:"kind"`
	Title         string    `json:"title"`
	Amount        string    `json:"amount"`
	WalletAddress string    `json:"walletAddress"`
	PaymentURL    string    `json:"paymentUrl"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Card is one listed product
type Card struct {
	ID             int64  `json:"id"`
	Title          string `json:"title"`
	Price          string `json:"price"`
	AvailableCount int    `json:"availableCount"`
}

// SubscriptionRequest is the body for opening a subscription order
type SubscriptionRequest struct {
	SourceChannel string        `json:"sourceChannel"`
	TargetChannel string        `json:"targetChannel"`
	TextReplaces  []ReplaceRule `json:"textReplaces,omitempty"`
	Keywords      string        `json:"keywords,omitempty"`
	ContactID     string        `json:"contactId,omitempty"`
	Email         string        `json:"email,omitempty"`
	SessionID     string        `json:"sessionId,omitempty"`
}

// ReplaceRule is a from/to text rewrite
type ReplaceRule struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type apiError struct {
	Error string `json:"error"`
}

// Client talks to the shop's public API
type Client struct {
	http *resty.Client
}

// NewClient creates a client for the shop at baseURL
func NewClient(baseURL string) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(20 * time.Second).
			SetHeader("Accept", "application/json"),
	}
}

func (c *Client) do(req *resty.Request, method, path string) error {
	var apiErr apiError
	resp, err := req.SetError(&apiErr).Execute(method, path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		if apiErr.Error != "" {
			return fmt.Errorf("%s %s: %d: %s", method, path, resp.StatusCode(), apiErr.Error)
		}
		return fmt.Errorf("%s %s: %d", method, path, resp.StatusCode())
	}
	return nil
}

// ListCards returns products that can be bought
func (c *Client) ListCards(ctx context.Context) ([]Card, error) {
	var out []Card
	err := c.do(c.http.R().SetContext(ctx).SetResult(&out), http.MethodGet, "/api/cards")
	return out, err
}

// CreateCardOrder opens a card order
func (c *Client) CreateCardOrder(ctx context.Context, productID int64, sessionID string) (*OrderTicket, error) {
	var out OrderTicket
	body := map[string]any{"productId": productID, "sessionId": sessionID}
	if err := c.do(c.http.R().SetContext(ctx).SetBody(body).SetResult(&out), http.MethodPost, "/api/orders"); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateSubscription opens a subscription order
func (c *Client) CreateSubscription(ctx context.Context, req SubscriptionRequest) (*OrderTicket, error) {
	var out OrderTicket
	if err := c.do(c.http.R().SetContext(ctx).SetBody(req).SetResult(&out), http.MethodPost, "/api/subscriptions"); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetOrder fetches an order summary
func (c *Client) GetOrder(ctx context.Context, orderID string) (*OrderTicket, error) {
	var out OrderTicket
	r := c.http.R().SetContext(ctx).SetPathParam("orderId", orderID).SetResult(&out)
	if err := c.do(r, http.MethodGet, "/api/orders/{orderId}"); err != nil {
		return nil, err
	}
	return &out, nil
}

// Check asks for the order's payment state
func (c *Client) Check(ctx context.Context, orderID string) (*CheckStatus, error) {
	var out CheckStatus
	r := c.http.R().SetContext(ctx).SetPathParam("orderId", orderID).SetResult(&out)
	if err := c.do(r, http.MethodGet, "/api/orders/{orderId}/check"); err != nil {
		return nil, err
	}
	return &out, nil
}
