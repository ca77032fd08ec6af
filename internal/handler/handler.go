package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/itgoyo/faka-usdt/internal/domain"
	"github.com/itgoyo/faka-usdt/internal/engine"
	"github.com/shopspring/decimal"
)

// Shop is the order workflow behind the public API
type Shop interface {
	CreateCardOrder(ctx context.Context, productID int64, sessionID string) (*domain.Order, error)
	CreateSubscriptionOrder(ctx context.Context, sub domain.SubscriptionConfig, sessionID string) (*domain.Order, error)
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	Check(ctx context.Context, orderID string) (*engine.CheckResult, error)
	TestPay(ctx context.Context, orderID string) (*engine.CheckResult, error)
}

// Catalog is the product and settings storage behind the admin API
type Catalog interface {
	ListProducts(ctx context.Context, availableOnly bool) ([]domain.Product, error)
	CreateProduct(ctx context.Context, title string, price decimal.Decimal, codes []string) (*domain.Product, error)
	AddCodes(ctx context.Context, productID int64, codes []string) (int, error)
	GetSettings(ctx context.Context) (domain.Settings, error)
	SaveSettings(ctx context.Context, st domain.Settings) error
	Ping(ctx context.Context) error
}

// Handler contains all HTTP handlers
type Handler struct {
	shop     Shop
	catalog  Catalog
	testMode bool
}

// NewHandler creates a new handler
func NewHandler(shop Shop, catalog Catalog, testMode bool) *Handler {
	return &Handler{shop: shop, catalog: catalog, testMode: testMode}
}

// writeError maps domain errors to HTTP responses
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrProductNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrOutOfStock):
		c.JSON(http.StatusBadRequest, gin.H{"error": domain.ErrOutOfStock.Error()})
	case errors.Is(err, domain.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrDuplicateOrder):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrPaymentUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to create payment", "details": err.Error()})
	default:
		slog.ErrorContext(c.Request.Context(), "request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// OrderResponse is the public view of an order. It never carries the code.
type OrderResponse struct {
	OrderID       string                     `json:"orderId"`
	Kind          domain.OrderKind           `json:"kind"`
	Title         string                     `json:"title"`
	Amount        string                     `json:"amount"`
	WalletAddress string                     `json:"walletAddress"`
	PaymentURL    string                     `json:"paymentUrl,omitempty"`
	Status        domain.OrderStatus         `json:"status"`
	CreatedAt     time.Time                  `json:"createdAt"`
	ExpiresAt     *time.Time                 `json:"expiresAt,omitempty"`
	Subscription  *domain.SubscriptionConfig `json:"subscription,omitempty"`
}

func newOrderResponse(o *domain.Order) OrderResponse {
	return OrderResponse{
		OrderID:       o.ID,
		Kind:          o.Kind,
		Title:         o.Title(),
		Amount:        o.Amount.String(),
		WalletAddress: o.WalletAddress,
		PaymentURL:    o.PaymentURL,
		Status:        o.Status,
		CreatedAt:     o.CreatedAt,
		ExpiresAt:     o.ExpiresAt,
		Subscription:  o.Subscription,
	}
}

// CardResponse is one product in the public listing
type CardResponse struct {
	ID             int64  `json:"id"`
	Title          string `json:"title"`
	Price          string `json:"price"`
	AvailableCount int    `json:"availableCount"`
}

// ListCards handles GET /api/cards
func (h *Handler) ListCards(c *gin.Context) {
	products, err := h.catalog.ListProducts(c.Request.Context(), true)
	if err != nil {
		writeError(c, err)
		return
	}

	cards := make([]CardResponse, 0, len(products))
	for _, p := range products {
		cards = append(cards, CardResponse{
			ID:             p.ID,
			Title:          p.Title,
			Price:          p.Price.String(),
			AvailableCount: p.Remaining,
		})
	}
	c.JSON(http.StatusOK, cards)
}

// CreateOrderRequest is the request body for a card order
type CreateOrderRequest struct {
	ProductID int64  `json:"productId" binding:"required,gt=0"`
	SessionID string `json:"sessionId" binding:"required"`
}

// CreateOrder handles POST /api/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	o, err := h.shop.CreateCardOrder(c.Request.Context(), req.ProductID, req.SessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newOrderResponse(o))
}

// CreateSubscriptionRequest is the request body for a forwarding subscription
type CreateSubscriptionRequest struct {
	SourceChannel string               `json:"sourceChannel"`
	TargetChannel string               `json:"targetChannel"`
	TextReplaces  []domain.TextReplace `json:"textReplaces"`
	Keywords      string               `json:"keywords"`
	ContactID     string               `json:"contactId"`
	TelegramID    string               `json:"telegramId"`
	Email         string               `json:"email"`
	SessionID     string               `json:"sessionId"`
}

// CreateSubscription handles POST /api/subscriptions
func (h *Handler) CreateSubscription(c *gin.Context) {
	var req CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	contact := req.ContactID
	if contact == "" {
		contact = req.TelegramID
	}
	sub := domain.SubscriptionConfig{
		SourceChannel: req.SourceChannel,
		TargetChannel: req.TargetChannel,
		TextReplaces:  req.TextReplaces,
		Keywords:      req.Keywords,
		ContactID:     contact,
		Email:         req.Email,
	}

	o, err := h.shop.CreateSubscriptionOrder(c.Request.Context(), sub, req.SessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newOrderResponse(o))
}

// GetOrder handles GET /api/orders/:orderId
func (h *Handler) GetOrder(c *gin.Context) {
	o, err := h.shop.GetOrder(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newOrderResponse(o))
}

// CheckOrder handles GET /api/orders/:orderId/check
func (h *Handler) CheckOrder(c *gin.Context) {
	res, err := h.shop.Check(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// TestPay handles POST /api/orders/:orderId/test-pay
func (h *Handler) TestPay(c *gin.Context) {
	res, err := h.shop.TestPay(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// HealthResponse is the response for health check endpoint
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// Health handles GET /health
func (h *Handler) Health(c *gin.Context) {
	status, code := "ok", http.StatusOK
	if err := h.catalog.Ping(c.Request.Context()); err != nil {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status: status,
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}

// AdminListCards handles GET /api/admin/cards
func (h *Handler) AdminListCards(c *gin.Context) {
	products, err := h.catalog.ListProducts(c.Request.Context(), false)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, products)
}

// CreateCardRequest is the request body for a new product. Codes may be
// given as a list, as newline separated text, or both.
type CreateCardRequest struct {
	Title     string          `json:"title" binding:"required"`
	Price     decimal.Decimal `json:"price"`
	Codes     []string        `json:"codes"`
	CodesText string          `json:"codesText"`
}

// AdminCreateCard handles POST /api/admin/cards
func (h *Handler) AdminCreateCard(c *gin.Context) {
	var req CreateCardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.Price.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "price must be positive"})
		return
	}

	p, err := h.catalog.CreateProduct(c.Request.Context(), strings.TrimSpace(req.Title), req.Price,
		collectCodes(req.Codes, req.CodesText))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

// AddCodesRequest is the request body for restocking a product
type AddCodesRequest struct {
	Codes     []string `json:"codes"`
	CodesText string   `json:"codesText"`
}

// AdminAddCodes handles POST /api/admin/cards/:id/codes
func (h *Handler) AdminAddCodes(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid product id"})
		return
	}

	var req AddCodesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	codes := collectCodes(req.Codes, req.CodesText)
	if len(codes) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no codes given"})
		return
	}

	remaining, err := h.catalog.AddCodes(c.Request.Context(), id, codes)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "added": len(codes), "availableCount": remaining})
}

func collectCodes(list []string, text string) []string {
	codes := make([]string, 0, len(list))
	for _, s := range append(list, strings.Split(text, "\n")...) {
		if s = strings.TrimSpace(s); s != "" {
			codes = append(codes, s)
		}
	}
	return codes
}

// AdminGetSettings handles GET /api/admin/settings
func (h *Handler) AdminGetSettings(c *gin.Context) {
	st, err := h.catalog.GetSettings(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// AdminSaveSettings handles PUT /api/admin/settings
func (h *Handler) AdminSaveSettings(c *gin.Context) {
	st := domain.DefaultSettings()
	if err := c.ShouldBindJSON(&st); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if st.EmailPort < 0 || st.EmailPort > 65535 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid email port"})
		return
	}

	if err := h.catalog.SaveSettings(c.Request.Context(), st); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// AdminOrderResponse is the operator view of an order, including the code
type AdminOrderResponse struct {
	OrderResponse
	SessionID     string `json:"sessionId"`
	PaymentTx     string `json:"paymentTx,omitempty"`
	DeliveredCode string `json:"deliveredCode,omitempty"`
}

// AdminGetOrder handles GET /api/admin/orders/:orderId
func (h *Handler) AdminGetOrder(c *gin.Context) {
	o, err := h.shop.GetOrder(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, AdminOrderResponse{
		OrderResponse: newOrderResponse(o),
		SessionID:     o.SessionID,
		PaymentTx:     o.PaymentTx,
		DeliveredCode: o.DeliveredCode,
	})
}

// SetupRoutes configures all API routes. Admin routes are only registered
// when accounts is non-empty; the test payment route only in test mode.
func SetupRoutes(r *gin.Engine, h *Handler, accounts gin.Accounts) {
	r.GET("/health", h.Health)

	api := r.Group("/api")
	{
		api.GET("/cards", h.ListCards)
		api.POST("/orders", h.CreateOrder)
		api.POST("/subscriptions", h.CreateSubscription)
		api.GET("/orders/:orderId", h.GetOrder)
		api.GET("/orders/:orderId/check", h.CheckOrder)
		if h.testMode {
			api.POST("/orders/:orderId/test-pay", h.TestPay)
		}
	}

	if len(accounts) == 0 {
		return
	}
	admin := r.Group("/api/admin", gin.BasicAuth(accounts))
	{
		admin.GET("/cards", h.AdminListCards)
		admin.POST("/cards", h.AdminCreateCard)
		admin.POST("/cards/:id/codes", h.AdminAddCodes)
		admin.GET("/settings", h.AdminGetSettings)
		admin.PUT("/settings", h.AdminSaveSettings)
		admin.GET("/orders/:orderId", h.AdminGetOrder)
	}
}
