package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/papertrade/pkg/models"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const (
	defaultPostgresHost    = "localhost"
	defaultPostgresPort    = 5432
	defaultPostgresSSLMode = "disable"
)

// PostgresOptions describes a Postgres connection. ConnString wins when set.
type PostgresOptions struct {
	Host       string
	Port       int
	User       string
	Password   string
	Database   string
	SSLMode    string
	Params     map[string]string
	ConnString string
}

func (opt PostgresOptions) DSN() string {
	if opt.ConnString != "" {
		return opt.ConnString
	}

	host := opt.Host
	if host == "" {
		host = defaultPostgresHost
	}
	port := opt.Port
	if port == 0 {
		port = defaultPostgresPort
	}
	sslMode := opt.SSLMode
	if sslMode == "" {
		sslMode = defaultPostgresSSLMode
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
	}
	if opt.User != "" {
		if opt.Password != "" {
			u.User = url.UserPassword(opt.User, opt.Password)
		} else {
			u.User = url.User(opt.User)
		}
	}
	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}

	query := url.Values{}
	query.Set("sslmode", sslMode)
	for key, value := range opt.Params {
		if key == "" {
			continue
		}
		query.Set(key, value)
	}
	u.RawQuery = query.Encode()

	return u.String()
}

type accountRecord struct {
	UserID    string          `gorm:"primaryKey"`
	Balance   decimal.Decimal `gorm:"type:numeric(38,18);not null;default:0"`
	FundedAt  *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (accountRecord) TableName() string { return "accounts" }

type positionRecord struct {
	ID               string                 `gorm:"primaryKey"`
	UserID           string                 `gorm:"index:idx_positions_user_status,priority:1;not null"`
	Symbol           string                 `gorm:"not null"`
	Margin           decimal.Decimal        `gorm:"type:numeric(38,18);not null"`
	Side             string                 `gorm:"not null"`
	EntryPrice       decimal.Decimal        `gorm:"type:numeric(38,18);not null"`
	TargetPrice      decimal.Decimal        `gorm:"type:numeric(38,18);not null"`
	StopPrice        *decimal.Decimal       `gorm:"type:numeric(38,18)"`
	Leverage         int                    `gorm:"not null"`
	Size             decimal.Decimal        `gorm:"type:numeric(38,18);not null"`
	LiquidationPrice decimal.Decimal        `gorm:"type:numeric(38,18);not null"`
	Status           string                 `gorm:"index:idx_positions_user_status,priority:2;index;not null"`
	TakeProfits      []decimal.Decimal      `gorm:"serializer:json;type:text"`
	TakeProfitHits   []models.TakeProfitHit `gorm:"serializer:json;type:text"`
	OpenedAt         time.Time              `gorm:"not null"`
	ExitPrice        *decimal.Decimal       `gorm:"type:numeric(38,18)"`
	ClosedAt         *time.Time
	RealizedPnl      *decimal.Decimal       `gorm:"type:numeric(38,18)"`
	CloseReason      string
}

func (positionRecord) TableName() string { return "positions" }

func toRecord(p *models.Position) *positionRecord {
	return &positionRecord{
		ID:               p.ID,
		UserID:           p.UserID,
		Symbol:           p.Symbol,
		Margin:           p.Margin,
		Side:             string(p.Side),
		EntryPrice:       p.EntryPrice,
		TargetPrice:      p.TargetPrice,
		StopPrice:        p.StopPrice,
		Leverage:         p.Leverage,
		Size:             p.Size,
		LiquidationPrice: p.LiquidationPrice,
		Status:           string(p.Status),
		TakeProfits:      nonNilLevels(p.TakeProfits),
		TakeProfitHits:   nonNilHits(p.TakeProfitHits),
		OpenedAt:         p.OpenedAt.UTC(),
		ExitPrice:        p.ExitPrice,
		ClosedAt:         p.ClosedAt,
		RealizedPnl:      p.RealizedPnl,
		CloseReason:      string(p.CloseReason),
	}
}

func (r *positionRecord) toModel() *models.Position {
	return &models.Position{
		ID:               r.ID,
		UserID:           r.UserID,
		Symbol:           r.Symbol,
		Margin:           r.Margin,
		Side:             models.PositionSide(r.Side),
		EntryPrice:       r.EntryPrice,
		TargetPrice:      r.TargetPrice,
		StopPrice:        r.StopPrice,
		Leverage:         r.Leverage,
		Size:             r.Size,
		LiquidationPrice: r.LiquidationPrice,
		Status:           models.PositionStatus(r.Status),
		TakeProfits:      r.TakeProfits,
		TakeProfitHits:   r.TakeProfitHits,
		OpenedAt:         r.OpenedAt.UTC(),
		ExitPrice:        r.ExitPrice,
		ClosedAt:         r.ClosedAt,
		RealizedPnl:      r.RealizedPnl,
		CloseReason:      models.CloseReason(r.CloseReason),
	}
}

func (r accountRecord) toModel() models.Account {
	return models.Account{
		UserID:    r.UserID,
		Balance:   r.Balance,
		FundedAt:  r.FundedAt,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

// PostgresStore persists accounts and positions through gorm. Balance changes
// are single UPDATE statements with arithmetic in SQL, and closes are
// conditional on status, so concurrent callers never lose updates.
type PostgresStore struct {
	db *gorm.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.WithContext(ctx).AutoMigrate(&accountRecord{}, &positionRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// DB returns the underlying gorm.DB instance.
func (s *PostgresStore) DB() *gorm.DB {
	return s.db
}

func ensureAccountRecord(tx *gorm.DB, userID string) error {
	rec := accountRecord{UserID: userID, Balance: decimal.Zero}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOrCreateAccount(ctx context.Context, userID string) (models.Account, error) {
	db := s.db.WithContext(ctx)
	if err := ensureAccountRecord(db, userID); err != nil {
		return models.Account{}, err
	}
	return s.GetAccount(ctx, userID)
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (models.Account, error) {
	var rec accountRecord
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Account{}, fmt.Errorf("account %s: %w", userID, models.ErrNotFound)
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("failed to load account: %w", err)
	}
	return rec.toModel(), nil
}

func (s *PostgresStore) SetInitialBalance(ctx context.Context, userID string, amount decimal.Decimal) error {
	db := s.db.WithContext(ctx)
	if err := ensureAccountRecord(db, userID); err != nil {
		return err
	}
	now := time.Now().UTC()
	res := db.Model(&accountRecord{}).
		Where("user_id = ? AND funded_at IS NULL", userID).
		Updates(map[string]any{"balance": amount, "funded_at": now, "updated_at": now})
	if res.Error != nil {
		return fmt.Errorf("failed to set balance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrAlreadyFunded
	}
	return nil
}

func (s *PostgresStore) IncrementBalance(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureAccountRecord(tx, userID); err != nil {
			return err
		}
		if err := incrementTx(tx, userID, delta); err != nil {
			return err
		}
		var err error
		balance, err = loadBalance(tx, userID)
		return err
	})
	return balance, err
}

func loadBalance(tx *gorm.DB, userID string) (decimal.Decimal, error) {
	var rec accountRecord
	if err := tx.Select("balance").Where("user_id = ?", userID).Take(&rec).Error; err != nil {
		return decimal.Zero, fmt.Errorf("failed to load balance: %w", err)
	}
	return rec.Balance, nil
}

func incrementTx(tx *gorm.DB, userID string, delta decimal.Decimal) error {
	res := tx.Model(&accountRecord{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{"balance": gorm.Expr("balance + ?", delta), "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("failed to increment balance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("account %s: %w", userID, models.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) DebitBalance(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureAccountRecord(tx, userID); err != nil {
			return err
		}
		res := tx.Model(&accountRecord{}).
			Where("user_id = ? AND balance >= ?", userID, amount).
			Updates(map[string]any{"balance": gorm.Expr("balance - ?", amount), "updated_at": time.Now().UTC()})
		if res.Error != nil {
			return fmt.Errorf("failed to debit balance: %w", res.Error)
		}
		var err error
		if balance, err = loadBalance(tx, userID); err != nil {
			return err
		}
		if res.RowsAffected == 0 {
			return models.ErrInsufficientFunds
		}
		return nil
	})
	return balance, err
}

func (s *PostgresStore) CreatePosition(ctx context.Context, p *models.Position) (string, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(toRecord(p)).Error; err != nil {
		return "", fmt.Errorf("failed to insert position: %w", err)
	}
	return p.ID, nil
}

// checkRows turns a zero-row conditional update into ErrAlreadyClosed or ErrNotFound.
func checkRows(tx *gorm.DB, affected int64, id string) error {
	if affected > 0 {
		return nil
	}
	var count int64
	if err := tx.Model(&positionRecord{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to look up position: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("position %s: %w", id, models.ErrNotFound)
	}
	return models.ErrAlreadyClosed
}

func (s *PostgresStore) FindByID(ctx context.Context, id string) (*models.Position, error) {
	var rec positionRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("position %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load position: %w", err)
	}
	return rec.toModel(), nil
}

func (s *PostgresStore) FindActiveByID(ctx context.Context, id string) (*models.Position, error) {
	p, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.IsActive() {
		return nil, fmt.Errorf("active position %s: %w", id, models.ErrNotFound)
	}
	return p, nil
}

func (s *PostgresStore) FindActiveByUser(ctx context.Context, userID string) ([]*models.Position, error) {
	return s.find(ctx, "user_id = ? AND status = ?", userID, string(models.PositionStatusActive))
}

func (s *PostgresStore) FindAllByUser(ctx context.Context, userID string) ([]*models.Position, error) {
	return s.find(ctx, "user_id = ?", userID)
}

func (s *PostgresStore) FindAllActive(ctx context.Context) ([]*models.Position, error) {
	return s.find(ctx, "status = ?", string(models.PositionStatusActive))
}

func (s *PostgresStore) find(ctx context.Context, query string, args ...any) ([]*models.Position, error) {
	var recs []positionRecord
	err := s.db.WithContext(ctx).Where(query, args...).Order("opened_at ASC, id ASC").Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	out := make([]*models.Position, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toModel())
	}
	return out, nil
}

func (s *PostgresStore) TransitionToClosed(ctx context.Context, st models.Settlement) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return closeRecord(tx, st)
	})
}

func (s *PostgresStore) Settle(ctx context.Context, st models.Settlement) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := closeRecord(tx, st); err != nil {
			return err
		}
		return incrementTx(tx, st.UserID, st.Credit)
	})
}

func closeRecord(tx *gorm.DB, st models.Settlement) error {
	res := tx.Model(&positionRecord{}).
		Where("id = ? AND status = ?", st.PositionID, string(models.PositionStatusActive)).
		Updates(map[string]any{
			"status":       string(models.PositionStatusClosed),
			"exit_price":   st.ExitPrice,
			"closed_at":    st.ClosedAt.UTC(),
			"realized_pnl": st.Pnl,
			"close_reason": string(st.Reason),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to close position: %w", res.Error)
	}
	return checkRows(tx, res.RowsAffected, st.PositionID)
}

func (s *PostgresStore) RecordTakeProfitHit(ctx context.Context, id string, hit models.TakeProfitHit) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec positionRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("position %s: %w", id, models.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to lock position: %w", err)
		}
		p := rec.toModel()
		if !p.IsActive() {
			return models.ErrAlreadyClosed
		}
		if p.TakeProfitHitFor(hit.Level) {
			return nil
		}
		rec.TakeProfitHits = append(rec.TakeProfitHits, hit)
		return tx.Model(&rec).Select("take_profit_hits").Updates(&rec).Error
	})
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
