package remote

import "time"

type Action string

const (
	ActionSold Action = "sold"
	ActionHold Action = "hold"
)

// Entry is a position opened by the backend.
type Entry struct {
	AssetID     string  `json:"asset_id"`
	Symbol      string  `json:"symbol,omitempty"`
	EntryAmount float64 `json:"entry_amount"`
	EntryValue  float64 `json:"entry_value"`
}

type ScanResult struct {
	Executed        bool   `json:"executed"`
	Position        *Entry `json:"position,omitempty"`
	CandidatesFound int    `json:"candidates_found"`
	Message         string `json:"message,omitempty"`
}

// Holding identifies a locally tracked position in check and close requests.
type Holding struct {
	AssetID    string    `json:"asset_id"`
	EntryValue float64   `json:"entry_value"`
	OpenedAt   time.Time `json:"opened_at"`
}

type CheckResult struct {
	AssetID    string  `json:"asset_id"`
	Action     Action  `json:"action"`
	PnLPercent float64 `json:"pnl_percent"`
	Proceeds   float64 `json:"proceeds,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

type CheckResponse struct {
	Results []CheckResult `json:"results"`
}

type CloseResult struct {
	AssetID    string  `json:"asset_id"`
	Proceeds   float64 `json:"proceeds"`
	PnLPercent float64 `json:"pnl_percent"`
}

type CloseResponse struct {
	Results []CloseResult `json:"results"`
}

type Balance struct {
	Amount       float64 `json:"amount"`
	ValueInQuote float64 `json:"value_in_quote"`
}

type scanRequest struct {
	Action    string  `json:"action"`
	TradeSize float64 `json:"trade_size"`
}

type buyRequest struct {
	Action    string  `json:"action"`
	AssetID   string  `json:"mint_address"`
	TradeSize float64 `json:"amount_sol"`
	TradeType string  `json:"trade_type"`
}

type holdingsRequest struct {
	Action    string    `json:"action"`
	Positions []Holding `json:"positions"`
}

type actionRequest struct {
	Action string `json:"action"`
}

type errorPayload struct {
	Error string `json:"error"`
}
