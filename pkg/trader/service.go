package trader

import (
	"context"
	"fmt"
	"sort"

	"github.com/gregtusar/papertrade/pkg/models"
	"github.com/gregtusar/papertrade/pkg/pricefeed"
	"github.com/shopspring/decimal"
)

type CloseRequest struct {
	UserID string
	// PositionID selects the position to close. Empty closes the user's oldest active position.
	PositionID string
}

// Service is the user facing surface: every operation is scoped to one user.
type Service struct {
	engine *Engine
}

func NewService(engine *Engine) *Service {
	return &Service{engine: engine}
}

func (s *Service) SetBalance(ctx context.Context, userID string, amount decimal.Decimal) error {
	sctx, cancel := s.engine.storeCtx(ctx)
	defer cancel()
	return s.engine.ledger.SetBalance(sctx, userID, amount)
}

func (s *Service) OpenPosition(ctx context.Context, req OpenRequest) (models.Position, error) {
	p, err := s.engine.Open(ctx, req)
	if err != nil {
		return models.Position{}, err
	}
	return *p, nil
}

// ClosePosition closes at the cached price, or at the entry price when the
// symbol has no price yet.
func (s *Service) ClosePosition(ctx context.Context, req CloseRequest) (models.CloseResult, error) {
	p, err := s.target(ctx, req)
	if err != nil {
		return models.CloseResult{}, err
	}

	price, ok := s.engine.prices.Price(p.Symbol)
	if !ok {
		price = p.EntryPrice
	}
	return s.engine.Close(ctx, p.ID, price, models.CloseReasonManual)
}

func (s *Service) target(ctx context.Context, req CloseRequest) (*models.Position, error) {
	sctx, cancel := s.engine.storeCtx(ctx)
	defer cancel()

	if req.PositionID == "" {
		active, err := s.engine.store.FindActiveByUser(sctx, req.UserID)
		if err != nil {
			return nil, err
		}
		if len(active) == 0 {
			return nil, fmt.Errorf("no active position: %w", models.ErrNotFound)
		}
		return active[0], nil
	}

	p, err := s.engine.store.FindByID(sctx, req.PositionID)
	if err != nil {
		return nil, err
	}
	if p.UserID != req.UserID {
		return nil, fmt.Errorf("position %s: %w", req.PositionID, models.ErrNotFound)
	}
	if !p.IsActive() {
		return nil, models.ErrAlreadyClosed
	}
	return p, nil
}

func (s *Service) GetEquity(ctx context.Context, userID string) (decimal.Decimal, error) {
	sctx, cancel := s.engine.storeCtx(ctx)
	defer cancel()
	return s.engine.ledger.Equity(sctx, userID, s.engine.prices.Snapshot())
}

func (s *Service) GetAvailableBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	sctx, cancel := s.engine.storeCtx(ctx)
	defer cancel()
	return s.engine.ledger.AvailableBalance(sctx, userID)
}

// ListActive returns the user's active positions valued at the current price.
func (s *Service) ListActive(ctx context.Context, userID string) ([]models.PositionView, error) {
	sctx, cancel := s.engine.storeCtx(ctx)
	defer cancel()

	active, err := s.engine.store.FindActiveByUser(sctx, userID)
	if err != nil {
		return nil, err
	}

	snap := s.engine.prices.Snapshot()
	views := make([]models.PositionView, 0, len(active))
	for _, p := range active {
		view := models.PositionView{Position: *p, CurrentPrice: p.EntryPrice}
		if q, ok := snap[p.Symbol]; ok {
			view.CurrentPrice = q.Price
			view.PriceIsLive = true
		}
		view.UnrealizedPnl = UnrealizedPnl(p, view.CurrentPrice)
		views = append(views, view)
	}
	return views, nil
}

// ListHistory returns the user's closed positions, most recently closed first.
func (s *Service) ListHistory(ctx context.Context, userID string) ([]models.Position, error) {
	closed, err := s.closed(ctx, userID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(closed, func(i, j int) bool {
		return closed[i].ClosedAt.After(*closed[j].ClosedAt)
	})

	out := make([]models.Position, len(closed))
	for i, p := range closed {
		out[i] = *p
	}
	return out, nil
}

func (s *Service) closed(ctx context.Context, userID string) ([]*models.Position, error) {
	sctx, cancel := s.engine.storeCtx(ctx)
	defer cancel()

	all, err := s.engine.store.FindAllByUser(sctx, userID)
	if err != nil {
		return nil, err
	}
	closed := make([]*models.Position, 0, len(all))
	for _, p := range all {
		if !p.IsActive() && p.ClosedAt != nil {
			closed = append(closed, p)
		}
	}
	return closed, nil
}

// GetStats summarizes closed positions. A win is a positive realized PnL.
func (s *Service) GetStats(ctx context.Context, userID string) (models.Stats, error) {
	closed, err := s.closed(ctx, userID)
	if err != nil {
		return models.Stats{}, err
	}

	stats := models.Stats{TotalClosed: len(closed)}
	if len(closed) == 0 {
		return stats, nil
	}

	wins := 0
	roiSum := decimal.Zero
	for _, p := range closed {
		pnl := decimal.Zero
		if p.RealizedPnl != nil {
			pnl = *p.RealizedPnl
		}
		if pnl.IsPositive() {
			wins++
		}
		stats.TotalPnl = stats.TotalPnl.Add(pnl)
		roiSum = roiSum.Add(ReturnPercent(pnl, p.Margin))
	}

	count := decimal.NewFromInt(int64(len(closed)))
	stats.WinRate = decimal.NewFromInt(int64(wins)).Div(count).Mul(hundred)
	stats.AvgRoiPercent = roiSum.Div(count)
	return stats, nil
}

func (s *Service) Prices() pricefeed.Snapshot {
	return s.engine.prices.Snapshot()
}

func (s *Service) Symbols() []string {
	return s.engine.symbols.List()
}
