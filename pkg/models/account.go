package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Account struct {
	UserID  string          `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
	// FundedAt is set by the first funding and never cleared.
	FundedAt  *time.Time `json:"funded_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Funded reports whether a starting balance has ever been assigned. It stays
// true after trading brings the balance back to zero.
func (a Account) Funded() bool {
	return a.FundedAt != nil
}
