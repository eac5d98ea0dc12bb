package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
	"github.com/gregtusar/papertrade/pkg/models"
	"github.com/shopspring/decimal"
)

// SQLiteStore persists accounts and positions in a single SQLite file.
// Decimals are stored as TEXT and all access goes through one connection, so
// every transaction is serialized and read-modify-write inside a transaction
// is atomic.
type SQLiteStore struct {
	db *sql.DB
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
	user_id    TEXT PRIMARY KEY,
	balance    TEXT NOT NULL,
	funded_at  INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS positions (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	symbol            TEXT NOT NULL,
	margin            TEXT NOT NULL,
	side              TEXT NOT NULL,
	entry_price       TEXT NOT NULL,
	target_price      TEXT NOT NULL,
	stop_price        TEXT,
	leverage          INTEGER NOT NULL,
	size              TEXT NOT NULL,
	liquidation_price TEXT NOT NULL,
	status            TEXT NOT NULL,
	take_profits      TEXT NOT NULL DEFAULT '[]',
	take_profit_hits  TEXT NOT NULL DEFAULT '[]',
	opened_at         INTEGER NOT NULL,
	exit_price        TEXT,
	closed_at         INTEGER,
	realized_pnl      TEXT,
	close_reason      TEXT NOT NULL DEFAULT ''
)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_user_status ON positions (user_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions (status)`,
}

const positionColumns = `id, user_id, symbol, margin, side, entry_price, target_price, stop_price, leverage,
	size, liquidation_price, status, take_profits, take_profit_hits, opened_at, exit_price, closed_at,
	realized_pnl, close_reason`

func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}
	if err := addColumn(ctx, db, "accounts", "funded_at", "INTEGER"); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// addColumn adds a column to a table created by an older schema.
func addColumn(ctx context.Context, db *sql.DB, table, column, decl string) error {
	var n int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?", table, column).Scan(&n)
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)); err != nil {
		return fmt.Errorf("failed to add %s.%s: %w", table, column, err)
	}
	return nil
}

const accountColumns = "user_id, balance, funded_at, created_at, updated_at"

func ensureAccount(ctx context.Context, tx *sql.Tx, userID string) (models.Account, error) {
	now := time.Now().UTC().UnixMicro()
	_, err := tx.ExecContext(ctx,
		"INSERT INTO accounts (user_id, balance, created_at, updated_at) VALUES (?, ?, ?, ?) ON CONFLICT(user_id) DO NOTHING",
		userID, decimal.Zero.String(), now, now,
	)
	if err != nil {
		return models.Account{}, fmt.Errorf("failed to insert account: %w", err)
	}
	return scanAccount(tx.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE user_id = ?", userID))
}

func scanAccount(row *sql.Row) (models.Account, error) {
	var (
		acc                  models.Account
		fundedAt             sql.NullInt64
		createdAt, updatedAt int64
	)
	if err := row.Scan(&acc.UserID, &acc.Balance, &fundedAt, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Account{}, models.ErrNotFound
		}
		return models.Account{}, fmt.Errorf("failed to scan account: %w", err)
	}
	if fundedAt.Valid {
		t := time.UnixMicro(fundedAt.Int64).UTC()
		acc.FundedAt = &t
	}
	acc.CreatedAt = time.UnixMicro(createdAt).UTC()
	acc.UpdatedAt = time.UnixMicro(updatedAt).UTC()
	return acc, nil
}

func (s *SQLiteStore) GetOrCreateAccount(ctx context.Context, userID string) (models.Account, error) {
	var acc models.Account
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		acc, err = ensureAccount(ctx, tx, userID)
		return err
	})
	return acc, err
}

func (s *SQLiteStore) GetAccount(ctx context.Context, userID string) (models.Account, error) {
	acc, err := scanAccount(s.db.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE user_id = ?", userID))
	if err != nil {
		return models.Account{}, fmt.Errorf("account %s: %w", userID, err)
	}
	return acc, nil
}

func (s *SQLiteStore) SetInitialBalance(ctx context.Context, userID string, amount decimal.Decimal) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := ensureAccount(ctx, tx, userID); err != nil {
			return err
		}
		now := time.Now().UTC().UnixMicro()
		res, err := tx.ExecContext(ctx,
			"UPDATE accounts SET balance = ?, funded_at = ?, updated_at = ? WHERE user_id = ? AND funded_at IS NULL",
			amount.String(), now, now, userID,
		)
		if err != nil {
			return fmt.Errorf("failed to set balance: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		if n == 0 {
			return models.ErrAlreadyFunded
		}
		return nil
	})
}

func setBalance(ctx context.Context, tx *sql.Tx, userID string, balance decimal.Decimal) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE accounts SET balance = ?, updated_at = ? WHERE user_id = ?",
		balance.String(), time.Now().UTC().UnixMicro(), userID,
	)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return nil
}

func (s *SQLiteStore) IncrementBalance(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		acc, err := ensureAccount(ctx, tx, userID)
		if err != nil {
			return err
		}
		balance = acc.Balance.Add(delta)
		return setBalance(ctx, tx, userID, balance)
	})
	return balance, err
}

func (s *SQLiteStore) DebitBalance(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		acc, err := ensureAccount(ctx, tx, userID)
		if err != nil {
			return err
		}
		balance = acc.Balance
		if acc.Balance.LessThan(amount) {
			return models.ErrInsufficientFunds
		}
		balance = acc.Balance.Sub(amount)
		return setBalance(ctx, tx, userID, balance)
	})
	return balance, err
}

func (s *SQLiteStore) CreatePosition(ctx context.Context, p *models.Position) (string, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	takeProfits, err := json.Marshal(nonNilLevels(p.TakeProfits))
	if err != nil {
		return "", fmt.Errorf("failed to marshal take profits: %w", err)
	}
	hits, err := json.Marshal(nonNilHits(p.TakeProfitHits))
	if err != nil {
		return "", fmt.Errorf("failed to marshal take profit hits: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO positions (id, user_id, symbol, margin, side, entry_price, target_price, stop_price,
			leverage, size, liquidation_price, status, take_profits, take_profit_hits, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.Symbol, p.Margin.String(), string(p.Side), p.EntryPrice.String(),
		p.TargetPrice.String(), nullableDecimal(p.StopPrice), p.Leverage, p.Size.String(),
		p.LiquidationPrice.String(), string(p.Status), string(takeProfits), string(hits),
		p.OpenedAt.UTC().UnixMicro(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert position: %w", err)
	}
	return p.ID, nil
}

// checkTransition turns a zero-row conditional update into ErrAlreadyClosed or ErrNotFound.
func (s *SQLiteStore) checkTransition(ctx context.Context, tx *sql.Tx, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM positions WHERE id = ?", id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("position %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to look up position: %w", err)
	}
	return models.ErrAlreadyClosed
}

func (s *SQLiteStore) FindByID(ctx context.Context, id string) (*models.Position, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+positionColumns+" FROM positions WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query position: %w", err)
	}
	positions, err := scanPositions(rows)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, fmt.Errorf("position %s: %w", id, models.ErrNotFound)
	}
	return positions[0], nil
}

func (s *SQLiteStore) FindActiveByID(ctx context.Context, id string) (*models.Position, error) {
	p, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.IsActive() {
		return nil, fmt.Errorf("active position %s: %w", id, models.ErrNotFound)
	}
	return p, nil
}

func (s *SQLiteStore) FindActiveByUser(ctx context.Context, userID string) ([]*models.Position, error) {
	return s.query(ctx, "WHERE user_id = ? AND status = ?", userID, string(models.PositionStatusActive))
}

func (s *SQLiteStore) FindAllByUser(ctx context.Context, userID string) ([]*models.Position, error) {
	return s.query(ctx, "WHERE user_id = ?", userID)
}

func (s *SQLiteStore) FindAllActive(ctx context.Context) ([]*models.Position, error) {
	return s.query(ctx, "WHERE status = ?", string(models.PositionStatusActive))
}

func (s *SQLiteStore) query(ctx context.Context, where string, args ...any) ([]*models.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+positionColumns+" FROM positions "+where+" ORDER BY opened_at ASC, id ASC", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	return scanPositions(rows)
}

func (s *SQLiteStore) TransitionToClosed(ctx context.Context, st models.Settlement) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.closeTx(ctx, tx, st)
	})
}

func (s *SQLiteStore) Settle(ctx context.Context, st models.Settlement) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.closeTx(ctx, tx, st); err != nil {
			return err
		}
		acc, err := ensureAccount(ctx, tx, st.UserID)
		if err != nil {
			return err
		}
		return setBalance(ctx, tx, st.UserID, acc.Balance.Add(st.Credit))
	})
}

func (s *SQLiteStore) closeTx(ctx context.Context, tx *sql.Tx, st models.Settlement) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE positions SET status = ?, exit_price = ?, closed_at = ?, realized_pnl = ?, close_reason = ?
		WHERE id = ? AND status = ?`,
		string(models.PositionStatusClosed), st.ExitPrice.String(), st.ClosedAt.UTC().UnixMicro(),
		st.Pnl.String(), string(st.Reason), st.PositionID, string(models.PositionStatusActive),
	)
	if err != nil {
		return fmt.Errorf("failed to close position: %w", err)
	}
	return s.checkTransition(ctx, tx, res, st.PositionID)
}

func (s *SQLiteStore) RecordTakeProfitHit(ctx context.Context, id string, hit models.TakeProfitHit) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			status string
			raw    string
		)
		err := tx.QueryRowContext(ctx, "SELECT status, take_profit_hits FROM positions WHERE id = ?", id).Scan(&status, &raw)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("position %s: %w", id, models.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to load take profit hits: %w", err)
		}
		if models.PositionStatus(status) != models.PositionStatusActive {
			return models.ErrAlreadyClosed
		}

		var hits []models.TakeProfitHit
		if err := json.Unmarshal([]byte(raw), &hits); err != nil {
			return fmt.Errorf("failed to decode take profit hits: %w", err)
		}
		for _, h := range hits {
			if h.Level.Equal(hit.Level) {
				return nil
			}
		}
		encoded, err := json.Marshal(append(hits, hit))
		if err != nil {
			return fmt.Errorf("failed to encode take profit hits: %w", err)
		}
		_, err = tx.ExecContext(ctx, "UPDATE positions SET take_profit_hits = ? WHERE id = ?", string(encoded), id)
		return err
	})
}

func scanPositions(rows *sql.Rows) ([]*models.Position, error) {
	defer rows.Close()

	positions := make([]*models.Position, 0)
	for rows.Next() {
		var (
			p               models.Position
			side, status    string
			reason          string
			stop, exit, pnl decimal.NullDecimal
			tps, hits       string
			openedAt        int64
			closedAt        sql.NullInt64
		)
		err := rows.Scan(&p.ID, &p.UserID, &p.Symbol, &p.Margin, &side, &p.EntryPrice, &p.TargetPrice,
			&stop, &p.Leverage, &p.Size, &p.LiquidationPrice, &status, &tps, &hits, &openedAt,
			&exit, &closedAt, &pnl, &reason)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}

		p.Side = models.PositionSide(side)
		p.Status = models.PositionStatus(status)
		p.CloseReason = models.CloseReason(reason)
		p.OpenedAt = time.UnixMicro(openedAt).UTC()
		p.StopPrice = fromNullDecimal(stop)
		p.ExitPrice = fromNullDecimal(exit)
		p.RealizedPnl = fromNullDecimal(pnl)
		if closedAt.Valid {
			t := time.UnixMicro(closedAt.Int64).UTC()
			p.ClosedAt = &t
		}
		if err := json.Unmarshal([]byte(tps), &p.TakeProfits); err != nil {
			return nil, fmt.Errorf("failed to decode take profits of %s: %w", p.ID, err)
		}
		if err := json.Unmarshal([]byte(hits), &p.TakeProfitHits); err != nil {
			return nil, fmt.Errorf("failed to decode take profit hits of %s: %w", p.ID, err)
		}
		positions = append(positions, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return positions, nil
}

func nullableDecimal(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func fromNullDecimal(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

func nonNilLevels(levels []decimal.Decimal) []decimal.Decimal {
	if levels == nil {
		return []decimal.Decimal{}
	}
	return levels
}

func nonNilHits(hits []models.TakeProfitHit) []models.TakeProfitHit {
	if hits == nil {
		return []models.TakeProfitHit{}
	}
	return hits
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
