package executor

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/shibarmycto/cfsmsv3-sub000/internal/config"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/metrics"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/position"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/remote"
)

// DefaultUnknownOutcomeHold is the number of entry attempts skipped after a
// buy whose outcome is unknown.
const DefaultUnknownOutcomeHold = 5

// Entry opens new positions. It never buys while the store or the ledger
// still shows an open position.
type Entry struct {
	Deps
	wallet    *Wallet
	holdTicks int32

	// attempts still to skip after a buy whose outcome is unknown
	hold atomic.Int32
}

// NewEntry returns an Entry that holds off for holdTicks attempts after an
// unknown buy outcome, or until the ledger shows the buy.
func NewEntry(deps Deps, wallet *Wallet, holdTicks int) *Entry {
	if holdTicks < 1 {
		holdTicks = DefaultUnknownOutcomeHold
	}
	return &Entry{Deps: deps, wallet: wallet, holdTicks: int32(holdTicks)}
}

// Scan asks the backend to pick a candidate and buy it.
func (e *Entry) Scan(ctx context.Context) (bool, error) {
	amount, ok, err := e.prepare(ctx)
	if err != nil || !ok {
		return false, err
	}
	res, err := e.Remote.ScanAndExecute(ctx, amount)
	return e.record(ctx, config.ModeAutoScan, amount, res, err)
}

// Target buys assetID unless a position in it is already active.
func (e *Entry) Target(ctx context.Context, assetID string) (bool, error) {
	if p, ok := e.Store.Get(assetID); ok && p.Open() {
		return false, nil
	}
	amount, ok, err := e.prepare(ctx)
	if err != nil || !ok {
		return false, err
	}
	res, err := e.Remote.ExecuteBuy(ctx, assetID, amount)
	return e.record(ctx, config.ModeTargeted, amount, res, err)
}

func (e *Entry) prepare(ctx context.Context) (float64, bool, error) {
	if e.Store.ActiveCount() > 0 {
		return 0, false, nil
	}

	open, err := e.Ledger.CountOpen(ctx, e.OwnerID)
	if err != nil {
		return 0, false, fmt.Errorf("count open before entry: %w", err)
	}
	if open > 0 {
		if e.hold.Swap(0) > 0 {
			e.Logger.Info("unknown buy outcome resolved by ledger", "open", open)
		}
		return 0, false, e.adopt(ctx)
	}
	if e.held() {
		return 0, false, nil
	}

	amount, err := e.wallet.TradeSize(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("trade size: %w", err)
	}
	if amount < e.wallet.MinTradeAmount() {
		e.Logger.Info("entry skipped: trade size below minimum",
			"amount", amount, "min", e.wallet.MinTradeAmount())
		return 0, false, nil
	}
	return amount, true, nil
}

// held consumes one held attempt. When the last one is used up without the
// ledger showing the buy, entries resume and the operator is warned.
func (e *Entry) held() bool {
	if e.hold.Load() <= 0 {
		return false
	}
	left := e.hold.Add(-1)
	if left > 0 {
		e.Logger.Info("entry skipped: previous buy outcome unknown", "remaining", left)
		return true
	}
	e.Logger.Warn("unknown buy outcome not confirmed by ledger, resuming entries",
		"held_attempts", e.holdTicks)
	e.Notifier.NotifyWarning(fmt.Sprintf(
		"A buy with unknown outcome was not confirmed after %d attempts. Entries resume; check the backend wallet for an untracked position.",
		e.holdTicks))
	return true
}

// adopt starts tracking open ledger records this process does not know about,
// e.g. after a restart or a buy whose response was lost.
func (e *Entry) adopt(ctx context.Context) error {
	records, err := e.Ledger.ListOpen(ctx, e.OwnerID)
	if err != nil {
		return fmt.Errorf("list open for adoption: %w", err)
	}
	for _, p := range records {
		if err := e.Store.Upsert(p); err != nil {
			return err
		}
		e.Logger.Info("adopted open ledger record", "asset", p.AssetID, "opened_at", p.OpenedAt)
	}
	if len(records) > 0 {
		metrics.OpenPositions.Set(float64(e.Store.ActiveCount()))
		e.Notifier.NotifyStatus(fmt.Sprintf("Resumed tracking %d open position(s)", len(records)))
	}
	return nil
}

func (e *Entry) record(ctx context.Context, mode string, amount float64, res *remote.ScanResult, err error) (bool, error) {
	if err != nil {
		if remote.IsUnknownOutcome(err) {
			e.hold.Store(e.holdTicks)
			metrics.Entries.WithLabelValues(mode, "unknown").Inc()
			e.Logger.Warn("entry outcome unknown", "mode", mode, "outcome", "unknown", "error", err)
		} else {
			metrics.Entries.WithLabelValues(mode, "error").Inc()
		}
		return false, fmt.Errorf("%s entry: %w", mode, err)
	}
	if !res.Executed || res.Position == nil {
		metrics.Entries.WithLabelValues(mode, "none").Inc()
		e.Logger.Info("no entry executed", "mode", mode, "candidates", res.CandidatesFound, "message", res.Message)
		return false, nil
	}

	p := position.Position{
		AssetID:     res.Position.AssetID,
		Symbol:      res.Position.Symbol,
		EntryAmount: res.Position.EntryAmount,
		EntryValue:  res.Position.EntryValue,
		OpenedAt:    e.now(),
		Status:      position.StatusActive,
	}
	if p.EntryAmount == 0 {
		p.EntryAmount = amount
	}
	if err := e.Store.Upsert(p); err != nil {
		return false, fmt.Errorf("track entry: %w", err)
	}

	if err := e.Ledger.WriteOpen(ctx, e.OwnerID, e.SessionID, p); err != nil {
		// retried by the reconciler on the next tick
		e.Logger.Error("write open record", "asset", p.AssetID, "error", err)
	} else {
		e.Store.MarkLedgered(p.AssetID)
	}

	metrics.Entries.WithLabelValues(mode, "executed").Inc()
	metrics.OpenPositions.Set(float64(e.Store.ActiveCount()))
	e.Notifier.NotifyBuy(p)
	e.refresh()
	e.Logger.Info("entry executed",
		"mode", mode, "asset", p.AssetID, "amount", p.EntryAmount, "entry_value", p.EntryValue)
	return true, nil
}
