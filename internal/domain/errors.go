package domain

import "errors"

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrProductNotFound    = errors.New("product not found")
	ErrOutOfStock         = errors.New("no cards available")
	ErrAlreadyFinal       = errors.New("order already final")
	ErrInvalidInput       = errors.New("invalid input")
	ErrPaymentUnavailable = errors.New("payment service unavailable")
	ErrDuplicateOrder     = errors.New("session already has a pending order for this product")
)
