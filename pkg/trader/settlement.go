package trader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gregtusar/papertrade/pkg/models"
	"github.com/gregtusar/papertrade/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var hundred = decimal.NewFromInt(100)

// Close settles an active position at price exactly once. A losing racer gets
// ErrAlreadyClosed and nothing is credited.
func (e *Engine) Close(ctx context.Context, positionID string, price decimal.Decimal, reason models.CloseReason) (models.CloseResult, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	p, err := e.store.FindByID(sctx, positionID)
	if err != nil {
		return models.CloseResult{}, err
	}
	if !p.IsActive() {
		e.conflict(p.ID, reason)
		return models.CloseResult{}, models.ErrAlreadyClosed
	}

	s := settle(p, price, reason, e.now().UTC())
	if err := e.apply(sctx, s); err != nil {
		if errors.Is(err, models.ErrAlreadyClosed) {
			e.conflict(p.ID, reason)
		}
		return models.CloseResult{}, err
	}

	e.metrics.Settlements.WithLabelValues(string(reason)).Inc()
	result := models.CloseResult{
		PositionID: p.ID,
		UserID:     p.UserID,
		Symbol:     p.Symbol,
		Reason:     reason,
		ExitPrice:  price,
		Pnl:        s.Pnl,
		Percent:    ReturnPercent(s.Pnl, p.Margin),
	}
	e.logger.WithFields(logrus.Fields{
		"user_id":     p.UserID,
		"position_id": p.ID,
		"symbol":      p.Symbol,
		"reason":      reason,
		"exit":        price.String(),
		"pnl":         s.Pnl.String(),
	}).Info("Position closed")
	return result, nil
}

// settle computes the outcome of closing p at price. Liquidation loses the
// whole margin regardless of price.
func settle(p *models.Position, price decimal.Decimal, reason models.CloseReason, at time.Time) models.Settlement {
	pnl := UnrealizedPnl(p, price)
	if reason == models.CloseReasonLiquidation {
		pnl = p.Margin.Neg()
	}
	return models.Settlement{
		PositionID: p.ID,
		UserID:     p.UserID,
		ExitPrice:  price,
		ClosedAt:   at,
		Pnl:        pnl,
		Reason:     reason,
		Credit:     p.Margin.Add(pnl),
	}
}

func (e *Engine) apply(ctx context.Context, s models.Settlement) error {
	if settler, ok := e.store.(store.Settler); ok {
		return settler.Settle(ctx, s)
	}

	if err := e.store.TransitionToClosed(ctx, s); err != nil {
		return err
	}
	if err := e.creditWithRetry(ctx, s); err != nil {
		e.metrics.LedgerCreditFailures.Inc()
		e.logger.WithError(err).WithFields(logrus.Fields{
			"alert":       "ledger_inconsistency",
			"user_id":     s.UserID,
			"position_id": s.PositionID,
			"credit":      s.Credit.String(),
		}).Error("Position closed but balance credit failed")
	}
	return nil
}

// creditWithRetry runs after the close transition has committed. Retries use a
// context detached from the caller's cancellation.
func (e *Engine) creditWithRetry(ctx context.Context, s models.Settlement) error {
	if s.Credit.IsZero() {
		return nil
	}
	ctx = context.WithoutCancel(ctx)

	var err error
	backoff := e.cfg.CreditBackoff
	for attempt := 1; attempt <= e.cfg.CreditRetries; attempt++ {
		actx, cancel := e.storeCtx(ctx)
		_, err = e.ledger.AdjustBalance(actx, s.UserID, s.Credit)
		cancel()
		if err == nil {
			return nil
		}
		e.logger.WithError(err).WithFields(logrus.Fields{
			"position_id": s.PositionID,
			"attempt":     attempt,
		}).Warn("Balance credit failed, retrying")
		if attempt < e.cfg.CreditRetries {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return fmt.Errorf("credit %s to %s after %d attempts: %w", s.Credit, s.UserID, e.cfg.CreditRetries, err)
}

func (e *Engine) conflict(positionID string, reason models.CloseReason) {
	e.metrics.SettlementConflicts.Inc()
	e.logger.WithFields(logrus.Fields{
		"position_id": positionID,
		"reason":      reason,
	}).Debug("Position already closed")
}

// ReturnPercent is pnl / margin x 100, or zero for a zero margin.
func ReturnPercent(pnl, margin decimal.Decimal) decimal.Decimal {
	if margin.IsZero() {
		return decimal.Zero
	}
	return pnl.Div(margin).Mul(hundred)
}

// closeMessage is the text sent to the owner when the monitor closes a position.
func closeMessage(r models.CloseResult) string {
	return fmt.Sprintf("Trade closed due to %s. Final PnL: %s USDT", r.Reason, r.Pnl.StringFixed(2))
}
