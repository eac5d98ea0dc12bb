package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/papertrade/pkg/models"
	"github.com/shopspring/decimal"
)

// MemoryStore keeps everything in process. The map lock only guards lookups
// and inserts; balance and status changes are serialized per account and per
// position. When both are needed the position lock is taken first.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]*accountEntry
	positions map[string]*positionEntry
}

type accountEntry struct {
	mu  sync.Mutex
	acc models.Account
}

type positionEntry struct {
	mu     sync.Mutex
	userID string
	pos    *models.Position
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*accountEntry),
		positions: make(map[string]*positionEntry),
	}
}

func (m *MemoryStore) account(userID string) *accountEntry {
	m.mu.RLock()
	e, ok := m.accounts[userID]
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok = m.accounts[userID]; ok {
		return e
	}
	now := time.Now().UTC()
	e = &accountEntry{acc: models.Account{UserID: userID, Balance: decimal.Zero, CreatedAt: now, UpdatedAt: now}}
	m.accounts[userID] = e
	return e
}

func (m *MemoryStore) position(id string) (*positionEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, models.ErrNotFound)
	}
	return e, nil
}

func (m *MemoryStore) GetOrCreateAccount(ctx context.Context, userID string) (models.Account, error) {
	e := m.account(userID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acc, nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, userID string) (models.Account, error) {
	m.mu.RLock()
	e, ok := m.accounts[userID]
	m.mu.RUnlock()
	if !ok {
		return models.Account{}, fmt.Errorf("account %s: %w", userID, models.ErrNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acc, nil
}

func (m *MemoryStore) SetInitialBalance(ctx context.Context, userID string, amount decimal.Decimal) error {
	e := m.account(userID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.acc.Funded() {
		return models.ErrAlreadyFunded
	}
	now := time.Now().UTC()
	e.acc.Balance = amount
	e.acc.FundedAt = &now
	e.acc.UpdatedAt = now
	return nil
}

func (m *MemoryStore) IncrementBalance(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error) {
	e := m.account(userID)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.acc.Balance = e.acc.Balance.Add(delta)
	e.acc.UpdatedAt = time.Now().UTC()
	return e.acc.Balance, nil
}

func (m *MemoryStore) DebitBalance(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	e := m.account(userID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.acc.Balance.LessThan(amount) {
		return e.acc.Balance, models.ErrInsufficientFunds
	}
	e.acc.Balance = e.acc.Balance.Sub(amount)
	e.acc.UpdatedAt = time.Now().UTC()
	return e.acc.Balance, nil
}

func (m *MemoryStore) CreatePosition(ctx context.Context, p *models.Position) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if _, exists := m.positions[p.ID]; exists {
		return "", fmt.Errorf("position %s already exists", p.ID)
	}
	m.positions[p.ID] = &positionEntry{userID: p.UserID, pos: copyPosition(p)}
	return p.ID, nil
}

func (m *MemoryStore) FindByID(ctx context.Context, id string) (*models.Position, error) {
	e, err := m.position(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyPosition(e.pos), nil
}

func (m *MemoryStore) FindActiveByID(ctx context.Context, id string) (*models.Position, error) {
	p, err := m.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.IsActive() {
		return nil, fmt.Errorf("active position %s: %w", id, models.ErrNotFound)
	}
	return p, nil
}

func (m *MemoryStore) FindActiveByUser(ctx context.Context, userID string) ([]*models.Position, error) {
	return m.collect(func(p *models.Position) bool { return p.UserID == userID && p.IsActive() }), nil
}

func (m *MemoryStore) FindAllByUser(ctx context.Context, userID string) ([]*models.Position, error) {
	return m.collect(func(p *models.Position) bool { return p.UserID == userID }), nil
}

func (m *MemoryStore) FindAllActive(ctx context.Context) ([]*models.Position, error) {
	return m.collect(func(p *models.Position) bool { return p.IsActive() }), nil
}

// collect returns copies of matching positions ordered by open time.
func (m *MemoryStore) collect(match func(*models.Position) bool) []*models.Position {
	m.mu.RLock()
	entries := make([]*positionEntry, 0, len(m.positions))
	for _, e := range m.positions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]*models.Position, 0)
	for _, e := range entries {
		e.mu.Lock()
		if match(e.pos) {
			out = append(out, copyPosition(e.pos))
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

func (m *MemoryStore) TransitionToClosed(ctx context.Context, s models.Settlement) error {
	e, err := m.position(s.PositionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.pos.IsActive() {
		return models.ErrAlreadyClosed
	}
	markClosed(e.pos, s)
	return nil
}

func (m *MemoryStore) Settle(ctx context.Context, s models.Settlement) error {
	pe, err := m.position(s.PositionID)
	if err != nil {
		return err
	}
	ae := m.account(pe.userID)

	pe.mu.Lock()
	defer pe.mu.Unlock()
	if !pe.pos.IsActive() {
		return models.ErrAlreadyClosed
	}

	ae.mu.Lock()
	ae.acc.Balance = ae.acc.Balance.Add(s.Credit)
	ae.acc.UpdatedAt = s.ClosedAt
	ae.mu.Unlock()

	markClosed(pe.pos, s)
	return nil
}

func (m *MemoryStore) RecordTakeProfitHit(ctx context.Context, id string, hit models.TakeProfitHit) error {
	e, err := m.position(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.pos.IsActive() {
		return models.ErrAlreadyClosed
	}
	if e.pos.TakeProfitHitFor(hit.Level) {
		return nil
	}
	e.pos.TakeProfitHits = append(e.pos.TakeProfitHits, hit)
	return nil
}

func markClosed(p *models.Position, s models.Settlement) {
	p.Status = models.PositionStatusClosed
	exit, at, pnl := s.ExitPrice, s.ClosedAt, s.Pnl
	p.ExitPrice = &exit
	p.ClosedAt = &at
	p.RealizedPnl = &pnl
	p.CloseReason = s.Reason
}

func (m *MemoryStore) Close() error {
	return nil
}
