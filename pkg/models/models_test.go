package models

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestSymbolSet(t *testing.T) {
	set := NewSymbolSet([]string{"btcusdt", " SOLUSDT ", "BTCUSDT", "", "ethusdt"})

	assert.Equal(t, 3, set.Len())
	assert.Equal(t, []string{"BTCUSDT", "SOLUSDT", "ETHUSDT"}, set.List())
	assert.True(t, set.Contains("btcusdt"))
	assert.True(t, set.Contains(" ETHUSDT"))
	assert.False(t, set.Contains("DOGEUSDT"))

	list := set.List()
	list[0] = "MUTATED"
	assert.Equal(t, "BTCUSDT", set.List()[0])
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrInvalidSide, "invalid_side"},
		{ErrInvalidLeverage, "invalid_leverage"},
		{ErrInvalidAmount, "invalid_amount"},
		{fmt.Errorf("open: %w", ErrInsufficientFunds), "insufficient_funds"},
		{ErrAlreadyFunded, "already_funded"},
		{ErrUnsupportedSymbol, "unsupported_symbol"},
		{ErrPriceUnavailable, "price_unavailable"},
		{fmt.Errorf("position x: %w", ErrAlreadyClosed), "already_closed"},
		{fmt.Errorf("position x: %w", ErrNotFound), "not_found"},
		{fmt.Errorf("boom"), "internal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorCode(tt.err), "%v", tt.err)
	}
}

func TestSideSign(t *testing.T) {
	assert.True(t, SideLong.Sign().Equal(decimal.NewFromInt(1)))
	assert.True(t, SideShort.Sign().Equal(decimal.NewFromInt(-1)))
	assert.True(t, SideLong.Valid())
	assert.False(t, PositionSide("sideways").Valid())
}

func TestCloseReasonString(t *testing.T) {
	assert.Equal(t, "stop loss", CloseReasonStop.String())
	assert.Equal(t, "manual close", CloseReasonManual.String())
	assert.Equal(t, "none", CloseReasonNone.String())
}

func TestTakeProfitHitFor(t *testing.T) {
	p := &Position{
		Status:         PositionStatusActive,
		TakeProfitHits: []TakeProfitHit{{Level: decimal.RequireFromString("52000.0")}},
	}
	assert.True(t, p.TakeProfitHitFor(decimal.NewFromInt(52000)))
	assert.False(t, p.TakeProfitHitFor(decimal.NewFromInt(54000)))
	assert.True(t, p.IsActive())
}
