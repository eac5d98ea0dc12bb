package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PositionSide string

const (
	SideLong  PositionSide = "long"
	SideShort PositionSide = "short"
)

func (s PositionSide) Valid() bool {
	return s == SideLong || s == SideShort
}

// Sign is +1 for long and -1 for short.
func (s PositionSide) Sign() decimal.Decimal {
	if s == SideShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

type PositionStatus string

const (
	PositionStatusActive PositionStatus = "active"
	PositionStatusClosed PositionStatus = "closed"
)

type CloseReason string

const (
	CloseReasonNone        CloseReason = ""
	CloseReasonTarget      CloseReason = "target"
	CloseReasonStop        CloseReason = "stop"
	CloseReasonLiquidation CloseReason = "liquidation"
	CloseReasonManual      CloseReason = "manual"
)

func (r CloseReason) String() string {
	switch r {
	case CloseReasonTarget:
		return "target"
	case CloseReasonStop:
		return "stop loss"
	case CloseReasonLiquidation:
		return "liquidation"
	case CloseReasonManual:
		return "manual close"
	default:
		return "none"
	}
}

type TakeProfitHit struct {
	Level decimal.Decimal `json:"level"`
	Price decimal.Decimal `json:"price"`
	HitAt time.Time       `json:"hit_at"`
}

type Position struct {
	ID               string            `json:"id"`
	UserID           string            `json:"user_id"`
	Symbol           string            `json:"symbol"`
	Margin           decimal.Decimal   `json:"margin"`
	Side             PositionSide      `json:"side"`
	EntryPrice       decimal.Decimal   `json:"entry_price"`
	TargetPrice      decimal.Decimal   `json:"target_price"`
	StopPrice        *decimal.Decimal  `json:"stop_price,omitempty"`
	Leverage         int               `json:"leverage"`
	Size             decimal.Decimal   `json:"size"`
	LiquidationPrice decimal.Decimal   `json:"liquidation_price"`
	Status           PositionStatus    `json:"status"`
	TakeProfits      []decimal.Decimal `json:"take_profits,omitempty"`
	TakeProfitHits   []TakeProfitHit   `json:"take_profit_hits,omitempty"`
	OpenedAt         time.Time         `json:"opened_at"`

	ExitPrice   *decimal.Decimal `json:"exit_price,omitempty"`
	ClosedAt    *time.Time       `json:"closed_at,omitempty"`
	RealizedPnl *decimal.Decimal `json:"realized_pnl,omitempty"`
	CloseReason CloseReason      `json:"close_reason,omitempty"`
}

func (p *Position) IsActive() bool {
	return p.Status == PositionStatusActive
}

// PnlAt is (price - entry) x size for longs and the negation for shorts.
// Size already carries the leverage.
func (p *Position) PnlAt(price decimal.Decimal) decimal.Decimal {
	return price.Sub(p.EntryPrice).Mul(p.Size).Mul(p.Side.Sign())
}

// TakeProfitHitFor reports whether level has already been recorded as hit.
func (p *Position) TakeProfitHitFor(level decimal.Decimal) bool {
	for _, hit := range p.TakeProfitHits {
		if hit.Level.Equal(level) {
			return true
		}
	}
	return false
}

// Settlement is the outcome of closing one position, applied to the store in one step.
type Settlement struct {
	PositionID string
	UserID     string
	ExitPrice  decimal.Decimal
	ClosedAt   time.Time
	Pnl        decimal.Decimal
	Reason     CloseReason
	// Credit is margin + Pnl, returned to the owner's balance.
	Credit decimal.Decimal
}

type CloseResult struct {
	PositionID string          `json:"position_id"`
	UserID     string          `json:"user_id"`
	Symbol     string          `json:"symbol"`
	Reason     CloseReason     `json:"reason"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	Pnl        decimal.Decimal `json:"pnl"`
	Percent    decimal.Decimal `json:"percent"`
}

// PositionView is an active position valued at the current price.
type PositionView struct {
	Position
	CurrentPrice  decimal.Decimal `json:"current_price"`
	UnrealizedPnl decimal.Decimal `json:"unrealized_pnl"`
	PriceIsLive   bool            `json:"price_is_live"`
}

type Stats struct {
	TotalClosed   int             `json:"total_closed"`
	WinRate       decimal.Decimal `json:"win_rate"`
	TotalPnl      decimal.Decimal `json:"total_pnl"`
	AvgRoiPercent decimal.Decimal `json:"avg_roi_percent"`
}
