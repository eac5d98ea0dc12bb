// Package ledger owns every change to a user's virtual balance.
package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/gregtusar/papertrade/pkg/models"
	"github.com/gregtusar/papertrade/pkg/pricefeed"
	"github.com/gregtusar/papertrade/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// MaxBalanceDecimals is the number of fractional digits accepted when setting a balance.
const MaxBalanceDecimals = 2

type Ledger struct {
	accounts  store.AccountStore
	positions store.PositionStore
	logger    *logrus.Logger
}

func New(accounts store.AccountStore, positions store.PositionStore, logger *logrus.Logger) *Ledger {
	return &Ledger{
		accounts:  accounts,
		positions: positions,
		logger:    logger,
	}
}

func (l *Ledger) GetOrCreate(ctx context.Context, userID string) (models.Account, error) {
	return l.accounts.GetOrCreateAccount(ctx, userID)
}

// SetBalance funds an account once. An account stays funded after trading
// drains its balance to zero. The store applies the funded check and the
// write as one conditional update, so concurrent callers cannot both win.
func (l *Ledger) SetBalance(ctx context.Context, userID string, amount decimal.Decimal) error {
	if !amount.IsPositive() || !amount.Equal(amount.Truncate(MaxBalanceDecimals)) {
		return fmt.Errorf("%w: balance must be positive with at most %d decimals", models.ErrInvalidAmount, MaxBalanceDecimals)
	}
	acc, err := l.GetOrCreate(ctx, userID)
	if err != nil {
		return err
	}
	if acc.Funded() {
		return models.ErrAlreadyFunded
	}
	if err := l.accounts.SetInitialBalance(ctx, userID, amount); err != nil {
		return err
	}
	l.logger.WithFields(logrus.Fields{
		"user_id": userID,
		"balance": amount.String(),
	}).Info("Account funded")
	return nil
}

func (l *Ledger) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error) {
	return l.accounts.IncrementBalance(ctx, userID, delta)
}

// Debit removes amount from the balance, failing with ErrInsufficientFunds
// instead of going negative.
func (l *Ledger) Debit(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: debit must be positive", models.ErrInvalidAmount)
	}
	return l.accounts.DebitBalance(ctx, userID, amount)
}

func (l *Ledger) AvailableBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	acc, err := l.accounts.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return acc.Balance, nil
}

// Equity is the balance plus margin and unrealized PnL of every active
// position. Positions without a price in snap are valued at entry.
func (l *Ledger) Equity(ctx context.Context, userID string, snap pricefeed.Snapshot) (decimal.Decimal, error) {
	balance, err := l.AvailableBalance(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	active, err := l.positions.FindActiveByUser(ctx, userID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load active positions: %w", err)
	}

	equity := balance
	for _, p := range active {
		price := p.EntryPrice
		if q, ok := snap[p.Symbol]; ok {
			price = q.Price
		}
		equity = equity.Add(p.Margin).Add(p.PnlAt(price))
	}
	return equity, nil
}

// ParseAmount parses a user supplied amount such as "1000", "1,000.50" or "250.5".
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: empty amount", models.ErrInvalidAmount)
	}
	amount, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q is not a number", models.ErrInvalidAmount, s)
	}
	return amount, nil
}
