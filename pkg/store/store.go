// Package store persists accounts and simulated positions.
//
// Every backend provides the two guards the engine depends on: a conditional
// active-to-closed transition and atomic balance increments. Backends that can
// run both in a single transaction also implement Settler.
package store

import (
	"context"
	"fmt"

	"github.com/gregtusar/papertrade/pkg/models"
	"github.com/shopspring/decimal"
)

type AccountStore interface {
	GetOrCreateAccount(ctx context.Context, userID string) (models.Account, error)
	GetAccount(ctx context.Context, userID string) (models.Account, error)
	// SetInitialBalance assigns amount only while the balance is still zero.
	SetInitialBalance(ctx context.Context, userID string, amount decimal.Decimal) error
	IncrementBalance(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error)
	// DebitBalance subtracts amount only if the balance covers it.
	DebitBalance(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error)
}

type PositionStore interface {
	CreatePosition(ctx context.Context, p *models.Position) (string, error)
	FindByID(ctx context.Context, id string) (*models.Position, error)
	FindActiveByID(ctx context.Context, id string) (*models.Position, error)
	FindActiveByUser(ctx context.Context, userID string) ([]*models.Position, error)
	FindAllByUser(ctx context.Context, userID string) ([]*models.Position, error)
	FindAllActive(ctx context.Context) ([]*models.Position, error)
	// TransitionToClosed closes the position only if it is still active and records
	// the exit fields of s. The balance is not touched.
	TransitionToClosed(ctx context.Context, s models.Settlement) error
	RecordTakeProfitHit(ctx context.Context, id string, hit models.TakeProfitHit) error
}

// Settler performs TransitionToClosed and credits s.Credit to the owner in one transaction.
type Settler interface {
	Settle(ctx context.Context, s models.Settlement) error
}

type Store interface {
	AccountStore
	PositionStore
	Close() error
}

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Options struct {
	Driver string
	// Path is the SQLite database file.
	Path string
	// DSN is the Postgres connection string.
	DSN string
}

func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case DriverMemory, "":
		return NewMemoryStore(), nil
	case DriverSQLite:
		return NewSQLiteStore(ctx, opts.Path)
	case DriverPostgres:
		return NewPostgresStore(ctx, opts.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}

func copyPosition(p *models.Position) *models.Position {
	cp := *p
	if p.StopPrice != nil {
		v := *p.StopPrice
		cp.StopPrice = &v
	}
	if p.ExitPrice != nil {
		v := *p.ExitPrice
		cp.ExitPrice = &v
	}
	if p.ClosedAt != nil {
		v := *p.ClosedAt
		cp.ClosedAt = &v
	}
	if p.RealizedPnl != nil {
		v := *p.RealizedPnl
		cp.RealizedPnl = &v
	}
	cp.TakeProfits = append([]decimal.Decimal(nil), p.TakeProfits...)
	cp.TakeProfitHits = append([]models.TakeProfitHit(nil), p.TakeProfitHits...)
	return &cp
}
