package trader

import (
	"context"
	"fmt"
	"time"

	"github.com/gregtusar/papertrade/pkg/ledger"
	"github.com/gregtusar/papertrade/pkg/metrics"
	"github.com/gregtusar/papertrade/pkg/models"
	"github.com/gregtusar/papertrade/pkg/notify"
	"github.com/gregtusar/papertrade/pkg/pricefeed"
	"github.com/gregtusar/papertrade/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Prices is the read side of the price cache.
type Prices interface {
	Price(symbol string) (decimal.Decimal, bool)
	Snapshot() pricefeed.Snapshot
}

type Config struct {
	MaxLeverage   int
	StoreTimeout  time.Duration
	CreditRetries int
	CreditBackoff time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxLeverage <= 0 {
		c.MaxLeverage = 125
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.CreditRetries <= 0 {
		c.CreditRetries = 3
	}
	if c.CreditBackoff <= 0 {
		c.CreditBackoff = 100 * time.Millisecond
	}
}

type OpenRequest struct {
	UserID   string
	Symbol   string
	Leverage int
	Side     models.PositionSide
	Target   decimal.Decimal
	Stop     *decimal.Decimal
	// Margin defaults to half of the available balance.
	Margin      *decimal.Decimal
	TakeProfits []decimal.Decimal
}

// Engine opens, values, monitors and settles simulated positions.
type Engine struct {
	store    store.Store
	ledger   *ledger.Ledger
	prices   Prices
	symbols  models.SymbolSet
	notifier notify.Notifier
	cfg      Config
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewEngine(st store.Store, prices Prices, symbols models.SymbolSet, notifier notify.Notifier, cfg Config, logger *logrus.Logger, m *metrics.Metrics) *Engine {
	cfg.setDefaults()
	return &Engine{
		store:    st,
		ledger:   ledger.New(st, st, logger),
		prices:   prices,
		symbols:  symbols,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

func (e *Engine) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.StoreTimeout)
}

func (e *Engine) validate(req *OpenRequest) error {
	req.Symbol = models.NormalizeSymbol(req.Symbol)
	if !e.symbols.Contains(req.Symbol) {
		return fmt.Errorf("%w: %s", models.ErrUnsupportedSymbol, req.Symbol)
	}
	if req.Leverage < 1 || req.Leverage > e.cfg.MaxLeverage {
		return fmt.Errorf("%w: %d (max %d)", models.ErrInvalidLeverage, req.Leverage, e.cfg.MaxLeverage)
	}
	if !req.Side.Valid() {
		return fmt.Errorf("%w: %q", models.ErrInvalidSide, req.Side)
	}
	if !req.Target.IsPositive() {
		return fmt.Errorf("%w: target must be positive", models.ErrInvalidAmount)
	}
	if req.Stop != nil && !req.Stop.IsPositive() {
		return fmt.Errorf("%w: stop must be positive", models.ErrInvalidAmount)
	}
	if req.Margin != nil && !req.Margin.IsPositive() {
		return fmt.Errorf("%w: margin must be positive", models.ErrInvalidAmount)
	}
	for _, level := range req.TakeProfits {
		if !level.IsPositive() {
			return fmt.Errorf("%w: take profit levels must be positive", models.ErrInvalidAmount)
		}
	}
	return nil
}

// Open validates req, debits the margin and records a new active position at
// the cached price.
func (e *Engine) Open(ctx context.Context, req OpenRequest) (*models.Position, error) {
	if err := e.validate(&req); err != nil {
		return nil, err
	}

	entry, ok := e.prices.Price(req.Symbol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrPriceUnavailable, req.Symbol)
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	available, err := e.ledger.AvailableBalance(sctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load balance: %w", err)
	}
	margin := available.Div(decimal.NewFromInt(2))
	if req.Margin != nil {
		margin = *req.Margin
	}
	if !available.IsPositive() || !margin.IsPositive() || margin.GreaterThan(available) {
		return nil, fmt.Errorf("%w: margin %s, available %s", models.ErrInsufficientFunds, margin, available)
	}

	p := &models.Position{
		UserID:           req.UserID,
		Symbol:           req.Symbol,
		Margin:           margin,
		Side:             req.Side,
		EntryPrice:       entry,
		TargetPrice:      req.Target,
		StopPrice:        req.Stop,
		Leverage:         req.Leverage,
		Size:             PositionSize(margin, req.Leverage, entry),
		LiquidationPrice: LiquidationPrice(entry, req.Leverage, req.Side),
		Status:           models.PositionStatusActive,
		TakeProfits:      req.TakeProfits,
		OpenedAt:         e.now().UTC(),
	}

	if _, err := e.ledger.Debit(sctx, req.UserID, margin); err != nil {
		return nil, err
	}
	if _, err := e.store.CreatePosition(sctx, p); err != nil {
		e.refundMargin(ctx, p, err)
		return nil, fmt.Errorf("failed to create position: %w", err)
	}

	e.metrics.PositionsOpened.WithLabelValues(p.Symbol, string(p.Side)).Inc()
	e.logger.WithFields(logrus.Fields{
		"user_id":     p.UserID,
		"position_id": p.ID,
		"symbol":      p.Symbol,
		"side":        p.Side,
		"leverage":    p.Leverage,
		"margin":      p.Margin.String(),
		"entry":       p.EntryPrice.String(),
		"liquidation": p.LiquidationPrice.String(),
	}).Info("Position opened")
	return p, nil
}

// refundMargin returns the margin of a position that could not be stored.
func (e *Engine) refundMargin(ctx context.Context, p *models.Position, cause error) {
	rctx, cancel := e.storeCtx(context.WithoutCancel(ctx))
	defer cancel()

	if _, err := e.ledger.AdjustBalance(rctx, p.UserID, p.Margin); err != nil {
		e.metrics.LedgerCreditFailures.Inc()
		e.logger.WithError(err).WithFields(logrus.Fields{
			"alert":   "ledger_inconsistency",
			"user_id": p.UserID,
			"margin":  p.Margin.String(),
			"cause":   cause.Error(),
		}).Error("Failed to refund margin after position create failed")
	}
}

// PositionSize is margin x leverage / entry.
func PositionSize(margin decimal.Decimal, leverage int, entry decimal.Decimal) decimal.Decimal {
	return margin.Mul(decimal.NewFromInt(int64(leverage))).Div(entry)
}

// LiquidationPrice is entry x (1 - 1/L) for longs and entry x (1 + 1/L) for shorts.
func LiquidationPrice(entry decimal.Decimal, leverage int, side models.PositionSide) decimal.Decimal {
	step := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(leverage)))
	if side == models.SideShort {
		return entry.Mul(decimal.NewFromInt(1).Add(step))
	}
	return entry.Mul(decimal.NewFromInt(1).Sub(step))
}

// UnrealizedPnl is the mark-to-market PnL of p at price.
func UnrealizedPnl(p *models.Position, price decimal.Decimal) decimal.Decimal {
	return p.PnlAt(price)
}

// EvaluateCloseCondition reports why p should close at price. Target wins
// over stop, and stop over liquidation.
func EvaluateCloseCondition(p *models.Position, price decimal.Decimal) models.CloseReason {
	long := p.Side == models.SideLong

	crossed := func(level decimal.Decimal, upward bool) bool {
		if upward {
			return price.GreaterThanOrEqual(level)
		}
		return price.LessThanOrEqual(level)
	}

	switch {
	case crossed(p.TargetPrice, long):
		return models.CloseReasonTarget
	case p.StopPrice != nil && crossed(*p.StopPrice, !long):
		return models.CloseReasonStop
	case crossed(p.LiquidationPrice, !long):
		return models.CloseReasonLiquidation
	default:
		return models.CloseReasonNone
	}
}

// takeProfitCrossed reports whether price has reached level in the position's favour.
func takeProfitCrossed(p *models.Position, level, price decimal.Decimal) bool {
	if p.Side == models.SideShort {
		return price.LessThanOrEqual(level)
	}
	return price.GreaterThanOrEqual(level)
}
