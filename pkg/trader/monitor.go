package trader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gregtusar/papertrade/pkg/models"
	"github.com/gregtusar/papertrade/pkg/scheduler"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// MonitorOnce evaluates every active position against the current snapshot
// and settles the ones whose close condition is met. A failure on one
// position is logged and does not stop the pass. Each position gets its own
// store deadline, so a pass that outlives ctx still settles every position in
// the snapshot it loaded.
func (e *Engine) MonitorOnce(ctx context.Context) error {
	start := time.Now()

	sctx, cancel := e.storeCtx(ctx)
	active, err := e.store.FindAllActive(sctx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to load active positions: %w", err)
	}

	snap := e.prices.Snapshot()
	pctx := context.WithoutCancel(ctx)
	for _, p := range active {
		q, ok := snap[p.Symbol]
		if !ok {
			continue
		}
		e.monitorPosition(pctx, p, q.Price)
	}

	e.metrics.ObserveMonitorCycle(start, len(active))
	return nil
}

func (e *Engine) monitorPosition(ctx context.Context, p *models.Position, price decimal.Decimal) {
	log := e.logger.WithFields(logrus.Fields{
		"position_id": p.ID,
		"symbol":      p.Symbol,
	})
	defer func() {
		if rec := recover(); rec != nil {
			log.WithField("panic", rec).Error("Recovered while monitoring position")
		}
	}()

	reason := EvaluateCloseCondition(p, price)
	if reason == models.CloseReasonNone {
		e.recordTakeProfits(ctx, p, price, log)
		return
	}

	result, err := e.Close(ctx, p.ID, price, reason)
	if errors.Is(err, models.ErrAlreadyClosed) {
		return
	}
	if err != nil {
		log.WithError(err).Error("Failed to settle position")
		return
	}
	e.notify(ctx, p.UserID, closeMessage(result), log)
}

func (e *Engine) recordTakeProfits(ctx context.Context, p *models.Position, price decimal.Decimal, log *logrus.Entry) {
	for _, level := range p.TakeProfits {
		if p.TakeProfitHitFor(level) || !takeProfitCrossed(p, level, price) {
			continue
		}

		hit := models.TakeProfitHit{Level: level, Price: price, HitAt: e.now().UTC()}
		sctx, cancel := e.storeCtx(ctx)
		err := e.store.RecordTakeProfitHit(sctx, p.ID, hit)
		cancel()
		if errors.Is(err, models.ErrAlreadyClosed) {
			return
		}
		if err != nil {
			log.WithError(err).Warn("Failed to record take profit hit")
			continue
		}

		e.metrics.TakeProfitHits.Inc()
		log.WithField("level", level.String()).Info("Take profit level reached")
		e.notify(ctx, p.UserID, fmt.Sprintf("Take profit %s reached on %s at %s",
			level.String(), p.Symbol, price.String()), log)
	}
}

func (e *Engine) notify(ctx context.Context, userID, text string, log *logrus.Entry) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, userID, text); err != nil {
		log.WithError(err).Warn("Failed to queue notification")
	}
}

// MonitorTask runs MonitorOnce every interval.
func (e *Engine) MonitorTask(interval time.Duration) scheduler.Task {
	return scheduler.Task{
		Name:     "position-monitor",
		Interval: interval,
		Run:      e.MonitorOnce,
	}
}
