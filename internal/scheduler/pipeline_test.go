package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shibarmycto/cfsmsv3-sub000/internal/config"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/executor"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/logger"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/position"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/remote"
)

// scriptRemote buys X on the first entry call and nothing afterwards. Check
// responses are consumed in order.
type scriptRemote struct {
	mu      sync.Mutex
	checks  []remote.CheckResponse
	entries int
	calls   []string
}

func (r *scriptRemote) record(call string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
	if call == "check" {
		return 0
	}
	r.entries++
	return r.entries
}

func (r *scriptRemote) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func entryResult(n int, assetID string) *remote.ScanResult {
	if n > 1 {
		return &remote.ScanResult{CandidatesFound: 1, Message: "no signal"}
	}
	return &remote.ScanResult{Executed: true, Position: &remote.Entry{AssetID: assetID, EntryAmount: 1, EntryValue: 100}}
}

func (r *scriptRemote) ScanAndExecute(context.Context, float64) (*remote.ScanResult, error) {
	return entryResult(r.record("scan"), "X"), nil
}

func (r *scriptRemote) ExecuteBuy(_ context.Context, assetID string, _ float64) (*remote.ScanResult, error) {
	return entryResult(r.record("buy:"+assetID), assetID), nil
}

func (r *scriptRemote) CheckPositions(_ context.Context, hs []remote.Holding) (*remote.CheckResponse, error) {
	r.record("check")
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.checks) == 0 {
		out := &remote.CheckResponse{}
		for _, h := range hs {
			out.Results = append(out.Results, remote.CheckResult{AssetID: h.AssetID, Action: remote.ActionHold})
		}
		return out, nil
	}
	resp := r.checks[0]
	r.checks = r.checks[1:]
	return &resp, nil
}

func (r *scriptRemote) CloseAll(context.Context, []remote.Holding) (*remote.CloseResponse, error) {
	r.record("close_all")
	return &remote.CloseResponse{}, nil
}

func (r *scriptRemote) GetBalance(context.Context) (*remote.Balance, error) {
	return &remote.Balance{Amount: 10}, nil
}

type mapLedger struct {
	mu     sync.Mutex
	open   map[string]position.Position
	closes map[string]int
}

func newMapLedger() *mapLedger {
	return &mapLedger{open: make(map[string]position.Position), closes: make(map[string]int)}
}

func (l *mapLedger) CountOpen(context.Context, string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.open), nil
}

func (l *mapLedger) ListOpen(context.Context, string) ([]position.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []position.Position
	for _, p := range l.open {
		p.Ledgered = true
		out = append(out, p)
	}
	return out, nil
}

func (l *mapLedger) WriteOpen(_ context.Context, _, _ string, p position.Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.open[p.AssetID] = p
	return nil
}

func (l *mapLedger) WriteClosed(_ context.Context, _, assetID string, _ position.Exit) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closes[assetID]++
	_, ok := l.open[assetID]
	delete(l.open, assetID)
	return ok, nil
}

type nopTradeNotifier struct{}

func (nopTradeNotifier) NotifyBuy(position.Position)  {}
func (nopTradeNotifier) NotifySell(position.Position) {}
func (nopTradeNotifier) NotifyWarning(string)         {}
func (nopTradeNotifier) NotifyError(string, error)    {}
func (nopTradeNotifier) NotifyStatus(string)          {}

type pipeline struct {
	store  *position.Store
	remote *scriptRemote
	ledger *mapLedger
	loop   *Loop
}

func newPipeline(rem *scriptRemote, targetAsset string) *pipeline {
	p := &pipeline{store: position.NewStore(), remote: rem, ledger: newMapLedger()}
	deps := executor.Deps{
		Store:     p.store,
		Remote:    rem,
		Ledger:    p.ledger,
		Notifier:  nopTradeNotifier{},
		OwnerID:   "owner",
		SessionID: "session",
		Logger:    logger.Nop(),
	}
	wallet := executor.NewWallet(rem, executor.SizePolicy{Kind: config.SizeFixed, Value: 1}, 0.1, logger.Nop())
	fs := executor.NewFailsafe(deps, time.Hour, true)
	rc := executor.NewReconciler(deps)
	entry := executor.NewEntry(deps, wallet, 1)

	if targetAsset != "" {
		p.loop = NewTargetedLoop(fs, rc, entry, targetAsset, time.Minute, &stubNotifier{}, logger.Nop())
	} else {
		p.loop = NewScanLoop(fs, rc, entry, time.Minute, &stubNotifier{}, logger.Nop())
	}
	return p
}

func (p *pipeline) openCount(t *testing.T) int {
	t.Helper()
	n, err := p.ledger.CountOpen(context.Background(), "owner")
	require.NoError(t, err)
	return n
}

func TestLoopPositionLifecycle(t *testing.T) {
	tests := []struct {
		name   string
		target string
		entry  string
	}{
		{name: "scan", entry: "scan"},
		{name: "targeted", target: "X", entry: "buy:X"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			rem := &scriptRemote{checks: []remote.CheckResponse{
				{Results: []remote.CheckResult{{AssetID: "X", Action: remote.ActionHold, PnLPercent: 5}}},
				{Results: []remote.CheckResult{{AssetID: "X", Action: remote.ActionSold, PnLPercent: 12, Proceeds: 1.12}}},
			}}
			p := newPipeline(rem, tt.target)

			// nothing open: the entry buys X
			p.loop.Tick(ctx)
			assert.Equal(t, []string{tt.entry}, rem.list())
			x, ok := p.store.Get("X")
			require.True(t, ok)
			assert.Equal(t, position.StatusActive, x.Status)
			assert.True(t, x.Ledgered)
			assert.Equal(t, 1, p.openCount(t))

			// hold at 5%: P&L updated, still active, no entry
			p.loop.Tick(ctx)
			assert.Equal(t, []string{tt.entry, "check"}, rem.list())
			x, _ = p.store.Get("X")
			assert.True(t, x.Open())
			assert.Equal(t, 5.0, x.PnLPercent)

			// sold at 12%: terminal profit, ledger closed, entry waits a tick
			p.loop.Tick(ctx)
			assert.Equal(t, []string{tt.entry, "check", "check"}, rem.list())
			x, _ = p.store.Get("X")
			assert.Equal(t, position.StatusProfit, x.Status)
			assert.Equal(t, 12.0, x.PnLPercent)
			assert.Equal(t, 1.12, x.Proceeds)
			assert.Zero(t, p.openCount(t))
			assert.Equal(t, 1, p.ledger.closes["X"])

			// the following tick may enter again
			p.loop.Tick(ctx)
			assert.Equal(t, []string{tt.entry, "check", "check", tt.entry}, rem.list())
			assert.Zero(t, p.store.ActiveCount())
			assert.Equal(t, 1, p.ledger.closes["X"], "closed exactly once")
			assert.EqualValues(t, 4, p.loop.Ticks())
			assert.Equal(t, Idle, p.loop.State())
		})
	}
}

func TestLoopHealsDriftWithoutRemote(t *testing.T) {
	ctx := context.Background()
	rem := &scriptRemote{}
	p := newPipeline(rem, "")
	require.NoError(t, p.store.Upsert(position.Position{AssetID: "Y", EntryAmount: 1, OpenedAt: time.Now(), Ledgered: true}))

	// the ledger has no open record for Y
	p.loop.Tick(ctx)
	y, ok := p.store.Get("Y")
	require.True(t, ok)
	assert.False(t, y.Open())
	assert.Empty(t, rem.list(), "drift resolves without backend calls")
	assert.Zero(t, p.ledger.closes["Y"])

	p.loop.Tick(ctx)
	assert.Equal(t, []string{"scan"}, rem.list())
}
