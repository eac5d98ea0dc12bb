package models

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrAlreadyFunded     = errors.New("balance already set")
	ErrUnsupportedSymbol = errors.New("unsupported symbol")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrPriceUnavailable  = errors.New("price unavailable")
	ErrAlreadyClosed     = errors.New("position already closed")
	ErrNotFound          = errors.New("not found")

	ErrInvalidSide     = fmt.Errorf("%w: side must be long or short", ErrInvalidAmount)
	ErrInvalidLeverage = fmt.Errorf("%w: leverage out of range", ErrInvalidAmount)
)

// ErrorCode maps a domain error to a stable machine-readable code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidSide):
		return "invalid_side"
	case errors.Is(err, ErrInvalidLeverage):
		return "invalid_leverage"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrAlreadyFunded):
		return "already_funded"
	case errors.Is(err, ErrUnsupportedSymbol):
		return "unsupported_symbol"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrPriceUnavailable):
		return "price_unavailable"
	case errors.Is(err, ErrAlreadyClosed):
		return "already_closed"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}
