package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shibarmycto/cfsmsv3-sub000/internal/logger"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/position"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/remote"
)

type fakeRemote struct {
	mu sync.Mutex

	scan      []*remote.ScanResult
	scanErr   error
	buy       *remote.ScanResult
	check     []*remote.CheckResponse
	checkErr  error
	onCheck   func()
	closeResp *remote.CloseResponse
	closeErr  error
	balance   remote.Balance

	calls       map[string]int
	scanSizes   []float64
	boughtAsset []string
	closed      [][]remote.Holding
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{calls: make(map[string]int)}
}

func (f *fakeRemote) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeRemote) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeRemote) ScanAndExecute(_ context.Context, size float64) (*remote.ScanResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["scan"]++
	f.scanSizes = append(f.scanSizes, size)
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	if len(f.scan) == 0 {
		return &remote.ScanResult{}, nil
	}
	res := f.scan[0]
	f.scan = f.scan[1:]
	return res, nil
}

func (f *fakeRemote) ExecuteBuy(_ context.Context, assetID string, size float64) (*remote.ScanResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["buy"]++
	f.boughtAsset = append(f.boughtAsset, assetID)
	if f.buy != nil {
		return f.buy, nil
	}
	return &remote.ScanResult{
		Executed: true,
		Position: &remote.Entry{AssetID: assetID, EntryAmount: size, EntryValue: 1},
	}, nil
}

func (f *fakeRemote) CheckPositions(_ context.Context, _ []remote.Holding) (*remote.CheckResponse, error) {
	f.mu.Lock()
	f.calls["check"]++
	hook := f.onCheck
	var res *remote.CheckResponse
	err := f.checkErr
	if err == nil {
		if len(f.check) > 0 {
			res = f.check[0]
			f.check = f.check[1:]
		} else {
			res = &remote.CheckResponse{}
		}
	}
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return res, err
}

func (f *fakeRemote) CloseAll(_ context.Context, hs []remote.Holding) (*remote.CloseResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["close_all"]++
	f.closed = append(f.closed, hs)
	if f.closeErr != nil {
		return nil, f.closeErr
	}
	if f.closeResp != nil {
		return f.closeResp, nil
	}
	out := &remote.CloseResponse{}
	for _, h := range hs {
		out.Results = append(out.Results, remote.CloseResult{AssetID: h.AssetID, Proceeds: 1, PnLPercent: -1})
	}
	return out, nil
}

func (f *fakeRemote) GetBalance(context.Context) (*remote.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["balance"]++
	b := f.balance
	return &b, nil
}

type fakeLedger struct {
	mu       sync.Mutex
	open     map[string]position.Position
	closes   map[string]int
	writeErr error
	countErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{open: make(map[string]position.Position), closes: make(map[string]int)}
}

func (l *fakeLedger) CountOpen(context.Context, string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.countErr != nil {
		return 0, l.countErr
	}
	return len(l.open), nil
}

func (l *fakeLedger) ListOpen(context.Context, string) ([]position.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]position.Position, 0, len(l.open))
	for _, p := range l.open {
		p.Ledgered = true
		out = append(out, p)
	}
	return out, nil
}

func (l *fakeLedger) WriteOpen(_ context.Context, _, _ string, p position.Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writeErr != nil {
		return l.writeErr
	}
	l.open[p.AssetID] = p
	return nil
}

func (l *fakeLedger) WriteClosed(_ context.Context, _, assetID string, _ position.Exit) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writeErr != nil {
		return false, l.writeErr
	}
	l.closes[assetID]++
	if _, ok := l.open[assetID]; !ok {
		return false, nil
	}
	delete(l.open, assetID)
	return true, nil
}

// closeExternally simulates another writer closing the record.
func (l *fakeLedger) closeExternally(assetID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.open, assetID)
}

func (l *fakeLedger) closeCount(assetID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closes[assetID]
}

type fakeNotifier struct {
	mu       sync.Mutex
	buys     []position.Position
	sells    []position.Position
	warnings []string
	errs     []string
	statuses []string
}

func (n *fakeNotifier) NotifyBuy(p position.Position) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.buys = append(n.buys, p)
}

func (n *fakeNotifier) NotifySell(p position.Position) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sells = append(n.sells, p)
}

func (n *fakeNotifier) NotifyWarning(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.warnings = append(n.warnings, msg)
}

func (n *fakeNotifier) NotifyError(ctx string, _ error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errs = append(n.errs, ctx)
}

func (n *fakeNotifier) NotifyStatus(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, msg)
}

type fakeFeed struct {
	profits []position.Position
}

func (f *fakeFeed) RecordProfit(_ context.Context, _ string, p position.Position) error {
	f.profits = append(f.profits, p)
	return nil
}

type countingRefresher struct {
	n int
}

func (r *countingRefresher) Trigger() { r.n++ }

type harness struct {
	store     *position.Store
	remote    *fakeRemote
	ledger    *fakeLedger
	notifier  *fakeNotifier
	feed      *fakeFeed
	refresher *countingRefresher
	now       time.Time
	deps      Deps
}

func newHarness() *harness {
	h := &harness{
		store:     position.NewStore(),
		remote:    newFakeRemote(),
		ledger:    newFakeLedger(),
		notifier:  &fakeNotifier{},
		feed:      &fakeFeed{},
		refresher: &countingRefresher{},
		now:       time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC),
	}
	h.deps = Deps{
		Store:     h.store,
		Remote:    h.remote,
		Ledger:    h.ledger,
		Notifier:  h.notifier,
		Feed:      h.feed,
		Refresher: h.refresher,
		OwnerID:   "owner",
		SessionID: "session",
		Now:       func() time.Time { return h.now },
		Logger:    logger.Nop(),
	}
	return h
}

// track adds an active, ledgered position to both the store and the ledger.
func (h *harness) track(assetID string, openedAt time.Time) {
	p := position.Position{AssetID: assetID, EntryAmount: 1, EntryValue: 100, OpenedAt: openedAt, Ledgered: true}
	_ = h.store.Upsert(p)
	_ = h.ledger.WriteOpen(context.Background(), "owner", "session", p)
}

var errTimeout = errors.Join(remote.ErrUnknownOutcome, context.DeadlineExceeded)
