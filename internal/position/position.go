package position

import "time"

type Status string

const (
	StatusActive     Status = "active"
	StatusProfit     Status = "profit"
	StatusClosedLoss Status = "closed-loss"
	StatusClosed     Status = "closed"
)

// Open reports whether the status counts toward open positions.
func (s Status) Open() bool {
	return s == StatusActive
}

// ExitStatus maps a realized P&L percentage to the terminal status of a sale.
func ExitStatus(pnlPercent float64) Status {
	if pnlPercent > 0 {
		return StatusProfit
	}
	return StatusClosedLoss
}

// Position is one tracked trade. AssetID and OpenedAt never change after
// creation.
type Position struct {
	AssetID     string    `json:"asset_id"`
	Symbol      string    `json:"symbol,omitempty"`
	EntryAmount float64   `json:"entry_amount"`
	EntryValue  float64   `json:"entry_value"`
	OpenedAt    time.Time `json:"opened_at"`
	Status      Status    `json:"status"`
	PnLPercent  float64   `json:"pnl_percent"`

	// Ledgered is false until the open record has been written to the ledger.
	Ledgered bool `json:"ledgered"`

	ClosedAt   time.Time `json:"closed_at,omitzero"`
	Proceeds   float64   `json:"proceeds,omitempty"`
	ExitReason string    `json:"exit_reason,omitempty"`
}

func (p Position) Open() bool {
	return p.Status.Open()
}

func (p Position) Age(now time.Time) time.Duration {
	return now.Sub(p.OpenedAt)
}

// Exit describes how a position left the active state.
type Exit struct {
	Status     Status
	PnLPercent float64
	Proceeds   float64
	Reason     string
	At         time.Time
}

const (
	ReasonBackend     = "backend"
	ReasonExternal    = "closed externally"
	ReasonMaxHold     = "max hold exceeded"
	ReasonSessionStop = "session stopped"
	ReasonManual      = "manual close-all"
)
