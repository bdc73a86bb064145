package executor

import (
	"context"
	"fmt"

	"github.com/shibarmycto/cfsmsv3-sub000/internal/metrics"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/position"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/remote"
)

// Outcome summarizes one reconciliation pass.
type Outcome struct {
	Checked   int
	Sold      int
	Held      int
	Drifted   int
	Remaining int
}

// Closed is the number of positions that went terminal during the pass.
func (o Outcome) Closed() int {
	return o.Sold + o.Drifted
}

// Reconciler brings the local store in line with the backend and the ledger.
// Local "active" is advisory: when the ledger has fewer open records than the
// store has ledgered active positions, the ledger wins.
type Reconciler struct {
	closer
}

func NewReconciler(deps Deps) *Reconciler {
	return &Reconciler{closer: closer{Deps: deps}}
}

func (r *Reconciler) Reconcile(ctx context.Context) (Outcome, error) {
	active := r.Store.SnapshotActive()
	if len(active) == 0 {
		return Outcome{}, nil
	}
	r.flushUnledgered(ctx, active)

	out := Outcome{Checked: len(active)}

	// A position closed by another writer needs no backend round-trip.
	healed, err := r.healDrift(ctx)
	if err != nil {
		r.Logger.Warn("ledger drift check failed", "error", err)
	}
	out.Drifted += healed

	active = r.Store.SnapshotActive()
	if len(active) == 0 {
		return out, nil
	}

	resp, err := r.Remote.CheckPositions(ctx, Holdings(active))
	if err != nil {
		metrics.RemoteErrors.WithLabelValues("check_positions", remoteErrorKind(err)).Inc()
		out.Remaining = r.Store.ActiveCount()
		return out, fmt.Errorf("check positions: %w", err)
	}

	for _, res := range resp.Results {
		p, ok := r.Store.Get(res.AssetID)
		if !ok || !p.Open() {
			r.Logger.Debug("check result for untracked asset", "asset", res.AssetID, "action", res.Action)
			continue
		}

		switch res.Action {
		case remote.ActionSold:
			reason := res.Reason
			if reason == "" {
				reason = position.ReasonBackend
			}
			exit := position.Exit{
				Status:     position.ExitStatus(res.PnLPercent),
				PnLPercent: res.PnLPercent,
				Proceeds:   res.Proceeds,
				Reason:     reason,
				At:         r.now(),
			}
			if r.close(ctx, p, exit, causeBackend) {
				out.Sold++
			}
		case remote.ActionHold:
			if r.Store.UpdatePnL(res.AssetID, res.PnLPercent) {
				out.Held++
			}
		default:
			r.Logger.Warn("unknown check action", "asset", res.AssetID, "action", res.Action)
		}
	}

	if r.Store.ActiveCount() > 0 {
		healed, err := r.healDrift(ctx)
		if err != nil {
			r.Logger.Warn("ledger drift check failed", "error", err)
		}
		out.Drifted += healed
	}

	out.Remaining = r.Store.ActiveCount()
	metrics.OpenPositions.Set(float64(out.Remaining))
	return out, nil
}

// healDrift closes ledgered active positions the ledger no longer has open.
func (r *Reconciler) healDrift(ctx context.Context) (int, error) {
	var local []position.Position
	for _, p := range r.Store.SnapshotActive() {
		if p.Ledgered {
			local = append(local, p)
		}
	}
	if len(local) == 0 {
		return 0, nil
	}

	open, err := r.Ledger.CountOpen(ctx, r.OwnerID)
	if err != nil {
		return 0, fmt.Errorf("count open: %w", err)
	}
	if open >= len(local) {
		return 0, nil
	}

	stillOpen := make(map[string]bool)
	if open > 0 {
		records, err := r.Ledger.ListOpen(ctx, r.OwnerID)
		if err != nil {
			return 0, fmt.Errorf("list open: %w", err)
		}
		for _, rec := range records {
			stillOpen[rec.AssetID] = true
		}
	}

	healed := 0
	for _, p := range local {
		if stillOpen[p.AssetID] {
			continue
		}
		exit := position.Exit{
			Status:     position.StatusClosed,
			PnLPercent: p.PnLPercent,
			Reason:     position.ReasonExternal,
			At:         r.now(),
		}
		if r.release(ctx, p, exit, causeDrift) {
			healed++
			metrics.DriftHeals.Inc()
			r.Logger.Warn("local position closed to match ledger", "asset", p.AssetID, "ledger_open", open)
		}
	}
	if healed > 0 {
		r.Notifier.NotifyWarning(fmt.Sprintf("%d position(s) were closed outside this session; local state synced", healed))
	}
	return healed, nil
}

// flushUnledgered retries open-record writes that failed at entry time.
func (r *Reconciler) flushUnledgered(ctx context.Context, active []position.Position) {
	for _, p := range active {
		if p.Ledgered {
			continue
		}
		if err := r.Ledger.WriteOpen(ctx, r.OwnerID, r.SessionID, p); err != nil {
			r.Logger.Error("retry write open record", "asset", p.AssetID, "error", err)
			continue
		}
		r.Store.MarkLedgered(p.AssetID)
	}
}
