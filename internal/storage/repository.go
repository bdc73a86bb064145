package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/shibarmycto/cfsmsv3-sub000/internal/position"
)

var ErrNotFound = errors.New("storage: not found")

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Ledger

// CountOpen returns the number of open ledger records for the owner. Other
// processes may write the same rows, so this is the authoritative count.
func (r *Repository) CountOpen(ctx context.Context, ownerID string) (int, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Trade{}).
		Where("owner_id = ? AND status = ?", ownerID, TradeStatusOpen).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count open trades: %w", err)
	}
	return int(n), nil
}

// ListOpen returns the owner's open ledger records as active positions.
func (r *Repository) ListOpen(ctx context.Context, ownerID string) ([]position.Position, error) {
	var trades []Trade
	err := r.db.WithContext(ctx).
		Where("owner_id = ? AND status = ?", ownerID, TradeStatusOpen).
		Order("opened_at ASC").Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("list open trades: %w", err)
	}

	out := make([]position.Position, 0, len(trades))
	for _, t := range trades {
		out = append(out, position.Position{
			AssetID:     t.AssetID,
			Symbol:      t.Symbol,
			EntryAmount: t.Amount,
			EntryValue:  t.EntryValue,
			OpenedAt:    t.OpenedAt,
			Status:      position.StatusActive,
			PnLPercent:  t.PnLPercent,
			Ledgered:    true,
		})
	}
	return out, nil
}

// WriteOpen records a new open trade. Writing the same open asset twice
// refreshes the existing row instead of adding a second one.
func (r *Repository) WriteOpen(ctx context.Context, ownerID, sessionID string, p position.Position) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Trade
		err := tx.Where("owner_id = ? AND asset_id = ? AND status = ?", ownerID, p.AssetID, TradeStatusOpen).
			First(&existing).Error
		switch {
		case err == nil:
			existing.Amount = p.EntryAmount
			existing.EntryValue = p.EntryValue
			existing.Symbol = p.Symbol
			if err := tx.Save(&existing).Error; err != nil {
				return fmt.Errorf("update open trade: %w", err)
			}
			return nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("find open trade: %w", err)
		}

		trade := &Trade{
			OwnerID:    ownerID,
			SessionID:  sessionID,
			AssetID:    p.AssetID,
			Symbol:     p.Symbol,
			Amount:     p.EntryAmount,
			EntryValue: p.EntryValue,
			Status:     TradeStatusOpen,
			OpenedAt:   p.OpenedAt,
		}
		if err := tx.Create(trade).Error; err != nil {
			return fmt.Errorf("create open trade: %w", err)
		}
		return nil
	})
}

// WriteClosed closes the owner's open record for the asset. It reports false
// when no open record existed, i.e. someone else already closed it.
func (r *Repository) WriteClosed(ctx context.Context, ownerID, assetID string, exit position.Exit) (bool, error) {
	closedAt := exit.At
	if closedAt.IsZero() {
		closedAt = time.Now()
	}
	res := r.db.WithContext(ctx).Model(&Trade{}).
		Where("owner_id = ? AND asset_id = ? AND status = ?", ownerID, assetID, TradeStatusOpen).
		Updates(map[string]any{
			"status":      TradeStatusClosed,
			"outcome":     string(exit.Status),
			"pnl_percent": exit.PnLPercent,
			"proceeds":    exit.Proceeds,
			"exit_reason": exit.Reason,
			"closed_at":   closedAt,
		})
	if res.Error != nil {
		return false, fmt.Errorf("close trade %s: %w", assetID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *Repository) RecentTrades(ctx context.Context, ownerID string, limit int) ([]Trade, error) {
	var trades []Trade
	err := r.db.WithContext(ctx).Where("owner_id = ?", ownerID).
		Order("created_at DESC").Limit(limit).Find(&trades).Error
	return trades, err
}

type PnLSummary struct {
	Closed        int     `gorm:"column:closed" json:"closed"`
	Wins          int     `gorm:"column:wins" json:"wins"`
	Losses        int     `gorm:"column:losses" json:"losses"`
	AvgPnLPercent float64 `gorm:"column:avg_pnl_percent" json:"avg_pnl_percent"`
	Proceeds      float64 `gorm:"column:proceeds" json:"proceeds"`
}

func (r *Repository) PnLSummary(ctx context.Context, ownerID string, since time.Time) (PnLSummary, error) {
	var s PnLSummary
	err := r.db.WithContext(ctx).Model(&Trade{}).
		Where("owner_id = ? AND status = ? AND closed_at >= ?", ownerID, TradeStatusClosed, since).
		Select(`COUNT(*) AS closed,
			COALESCE(SUM(CASE WHEN pnl_percent > 0 THEN 1 ELSE 0 END), 0) AS wins,
			COALESCE(SUM(CASE WHEN pnl_percent <= 0 THEN 1 ELSE 0 END), 0) AS losses,
			COALESCE(AVG(pnl_percent), 0) AS avg_pnl_percent,
			COALESCE(SUM(proceeds), 0) AS proceeds`).
		Scan(&s).Error
	return s, err
}

// Sessions

func (r *Repository) CreateSession(ctx context.Context, s *Session) error {
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// FindActiveSession returns the owner's oldest active session.
func (r *Repository) FindActiveSession(ctx context.Context, ownerID string) (*Session, error) {
	var s Session
	err := r.db.WithContext(ctx).
		Where("owner_id = ? AND is_active = ?", ownerID, true).
		Order("started_at ASC").First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find active session: %w", err)
	}
	return &s, nil
}

// ListActiveSessions returns every active session of the owner, oldest first.
func (r *Repository) ListActiveSessions(ctx context.Context, ownerID string) ([]Session, error) {
	var sessions []Session
	err := r.db.WithContext(ctx).
		Where("owner_id = ? AND is_active = ?", ownerID, true).
		Order("started_at ASC").Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	return sessions, nil
}

func (r *Repository) DeactivateSession(ctx context.Context, id string, at time.Time) error {
	err := r.db.WithContext(ctx).Model(&Session{}).
		Where("id = ?", id).
		Updates(map[string]any{"is_active": false, "stopped_at": at}).Error
	if err != nil {
		return fmt.Errorf("deactivate session %s: %w", id, err)
	}
	return nil
}

// Trade feed

// RecordProfit adds a profitable close to the public trade feed.
func (r *Repository) RecordProfit(ctx context.Context, ownerID string, p position.Position) error {
	n := &TradeNotification{
		OwnerID:       ownerID,
		AssetID:       p.AssetID,
		Symbol:        p.Symbol,
		Amount:        p.EntryAmount,
		ProfitPercent: p.PnLPercent,
	}
	if err := r.db.WithContext(ctx).Create(n).Error; err != nil {
		return fmt.Errorf("save trade notification: %w", err)
	}
	return nil
}

func (r *Repository) RecentProfits(ctx context.Context, limit int) ([]TradeNotification, error) {
	var out []TradeNotification
	err := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&out).Error
	return out, err
}

// Balance snapshots

func (r *Repository) SaveBalanceSnapshot(ctx context.Context, snapshot *BalanceSnapshot) error {
	return r.db.WithContext(ctx).Create(snapshot).Error
}

func (r *Repository) LatestBalanceSnapshot(ctx context.Context, ownerID string) (*BalanceSnapshot, error) {
	var snapshot BalanceSnapshot
	err := r.db.WithContext(ctx).Where("owner_id = ?", ownerID).
		Order("created_at DESC").First(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}
