package storage

import "time"

const (
	TradeStatusOpen   = "open"
	TradeStatusClosed = "closed"
)

// Trade is one ledger row. A buy writes it open; the sale (ours or another
// writer's) flips it to closed with the exit details.
type Trade struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OwnerID    string  `gorm:"index:idx_trades_owner_status;not null" json:"owner_id"`
	SessionID  string  `gorm:"index" json:"session_id"`
	AssetID    string  `gorm:"index;not null" json:"asset_id"`
	Symbol     string  `json:"symbol"`
	Amount     float64 `gorm:"not null" json:"amount"`
	EntryValue float64 `json:"entry_value"`

	Status     string     `gorm:"index:idx_trades_owner_status;not null;default:'open'" json:"status"` // open, closed
	Outcome    string     `json:"outcome"`                                                           // profit, closed-loss, closed
	PnLPercent float64    `gorm:"column:pnl_percent" json:"pnl_percent"`
	Proceeds   float64    `json:"proceeds"`
	ExitReason string     `json:"exit_reason"`
	OpenedAt   time.Time  `json:"opened_at"`
	ClosedAt   *time.Time `json:"closed_at"`
}

type Session struct {
	ID        string    `gorm:"primarykey;size:36" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OwnerID        string     `gorm:"index:idx_sessions_owner_active;not null" json:"owner_id"`
	Mode           string     `gorm:"not null" json:"mode"` // auto-scan, targeted
	TargetAsset    string     `json:"target_asset,omitempty"`
	TradeSizeKind  string     `gorm:"not null" json:"trade_size_kind"` // percent, fixed
	TradeSizeValue float64    `json:"trade_size_value"`
	IsActive       bool       `gorm:"index:idx_sessions_owner_active" json:"is_active"`
	StartedAt      time.Time  `json:"started_at"`
	StoppedAt      *time.Time `json:"stopped_at"`
}

// TradeNotification feeds the public profit ticker.
type TradeNotification struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	OwnerID       string  `gorm:"index;not null" json:"owner_id"`
	AssetID       string  `json:"asset_id"`
	Symbol        string  `json:"symbol"`
	Amount        float64 `json:"amount"`
	ProfitPercent float64 `json:"profit_percent"`
}

type BalanceSnapshot struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	OwnerID       string  `gorm:"index;not null" json:"owner_id"`
	Amount        float64 `json:"amount"`
	ValueInQuote  float64 `json:"value_in_quote"`
	OpenPositions int     `json:"open_positions"`
}
