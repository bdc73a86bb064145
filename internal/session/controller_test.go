package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shibarmycto/cfsmsv3-sub000/internal/config"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/executor"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/lock"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/logger"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/position"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/remote"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/storage"
)

const owner = "user-1"

type fakeRemote struct {
	mu         sync.Mutex
	scans      int
	closeCalls int
	closed     []string

	// when set, calls block until the channel is closed
	scanGate  chan struct{}
	closeGate chan struct{}
}

func (f *fakeRemote) ScanAndExecute(_ context.Context, size float64) (*remote.ScanResult, error) {
	f.mu.Lock()
	f.scans++
	n, gate := f.scans, f.scanGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return &remote.ScanResult{
		Executed: true,
		Position: &remote.Entry{AssetID: fmt.Sprintf("ASSET-%d", n), EntryAmount: size, EntryValue: 0.01},
	}, nil
}

func (f *fakeRemote) ExecuteBuy(_ context.Context, assetID string, size float64) (*remote.ScanResult, error) {
	return &remote.ScanResult{Executed: true, Position: &remote.Entry{AssetID: assetID, EntryAmount: size}}, nil
}

func (f *fakeRemote) CheckPositions(_ context.Context, hs []remote.Holding) (*remote.CheckResponse, error) {
	out := &remote.CheckResponse{}
	for _, h := range hs {
		out.Results = append(out.Results, remote.CheckResult{AssetID: h.AssetID, Action: remote.ActionHold})
	}
	return out, nil
}

func (f *fakeRemote) CloseAll(_ context.Context, hs []remote.Holding) (*remote.CloseResponse, error) {
	f.mu.Lock()
	f.closeCalls++
	gate := f.closeGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	out := &remote.CloseResponse{}
	for _, h := range hs {
		f.closed = append(f.closed, h.AssetID)
		out.Results = append(out.Results, remote.CloseResult{AssetID: h.AssetID, PnLPercent: 2, Proceeds: 1.02})
	}
	return out, nil
}

func (f *fakeRemote) GetBalance(context.Context) (*remote.Balance, error) {
	return &remote.Balance{Amount: 10, ValueInQuote: 1500}, nil
}

func (f *fakeRemote) scanCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scans
}

func (f *fakeRemote) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls
}

type nopNotifier struct{}

func (nopNotifier) NotifyBuy(position.Position)  {}
func (nopNotifier) NotifySell(position.Position) {}
func (nopNotifier) NotifyWarning(string)         {}
func (nopNotifier) NotifyError(string, error)    {}
func (nopNotifier) NotifyStatus(string)          {}

var _ executor.Notifier = nopNotifier{}

func newTestRepo(t *testing.T) *storage.Repository {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := storage.NewDatabase("sqlite", dsn)
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	return storage.NewRepository(db)
}

func testOptions() Options {
	return Options{
		OwnerID:         owner,
		Interval:        time.Hour,
		BalanceInterval: time.Hour,
		MaxHold:         30 * time.Minute,
		LiquidateStale:  true,
		MinTradeAmount:  0.01,
		LeaseTTL:        time.Minute,
	}
}

func newController(repo *storage.Repository, r *fakeRemote, locker lock.Locker, opts Options) *Controller {
	return NewController(repo, r, locker, nopNotifier{}, opts, logger.Nop())
}

func scanPolicy() Policy {
	return Policy{Mode: config.ModeAutoScan, Size: executor.SizePolicy{Kind: config.SizeFixed, Value: 0.5}}
}

func TestStartStop(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	rem := &fakeRemote{}
	c := newController(repo, rem, lock.NewLocalLocker(), testOptions())

	sess, err := c.Start(ctx, scanPolicy())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(c.Status().Active) == 1 }, 2*time.Second, 5*time.Millisecond)

	st := c.Status()
	assert.True(t, st.Running)
	assert.Equal(t, sess.ID, st.SessionID)
	asset := st.Active[0].AssetID

	_, err = c.Start(ctx, scanPolicy())
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, c.Stop(ctx))

	assert.Equal(t, 1, rem.closeCalls)
	assert.Equal(t, []string{asset}, rem.closed)

	st = c.Status()
	assert.False(t, st.Running)
	assert.Empty(t, st.Active)
	require.Len(t, st.History, 1)
	assert.Equal(t, position.StatusProfit, st.History[0].Status)
	assert.Equal(t, position.ReasonSessionStop, st.History[0].ExitReason)

	n, err := repo.CountOpen(ctx, owner)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = repo.FindActiveSession(ctx, owner)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	scans := rem.scanCount()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, scans, rem.scanCount(), "no ticks after stop")

	assert.ErrorIs(t, c.Stop(ctx), ErrNotRunning)
}

func TestStopCanBeRetriedAfterTimeout(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	gate := make(chan struct{})
	rem := &fakeRemote{scanGate: gate}
	c := newController(repo, rem, lock.NewLocalLocker(), testOptions())

	_, err := c.Start(ctx, scanPolicy())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rem.scanCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err = c.Stop(short)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, c.Status().Running, "session stays attached after a timed-out stop")
	assert.Zero(t, rem.closeCount())

	close(gate)
	require.NoError(t, c.Stop(ctx))
	assert.Equal(t, 1, rem.closeCount())

	n, err := repo.CountOpen(ctx, owner)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = repo.FindActiveSession(ctx, owner)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = c.Start(ctx, scanPolicy())
	require.NoError(t, err, "lease was released")
	require.NoError(t, c.Shutdown(ctx))
}

func TestShutdownCanBeRetriedAfterTimeout(t *testing.T) {
	ctx := context.Background()
	gate := make(chan struct{})
	rem := &fakeRemote{scanGate: gate}
	locker := lock.NewLocalLocker()
	c := newController(newTestRepo(t), rem, locker, testOptions())

	_, err := c.Start(ctx, scanPolicy())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rem.scanCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.Shutdown(short), context.DeadlineExceeded)

	close(gate)
	require.NoError(t, c.Shutdown(ctx))
	assert.False(t, c.Status().Running)

	lease, err := locker.Acquire(ctx, lock.SessionKey(owner), time.Minute)
	require.NoError(t, err)
	lease.Release()
}

func TestStopKeepsLeaseDuringCloseAll(t *testing.T) {
	ctx := context.Background()
	opts := testOptions()
	opts.LeaseTTL = 60 * time.Millisecond
	gate := make(chan struct{})
	rem := &fakeRemote{closeGate: gate}
	locker := lock.NewLocalLocker()
	c := newController(newTestRepo(t), rem, locker, opts)

	_, err := c.Start(ctx, scanPolicy())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(c.Status().Active) == 1 }, 2*time.Second, 5*time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- c.Stop(ctx) }()
	require.Eventually(t, func() bool { return rem.closeCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	// well past the TTL; the sweep must still own the lease
	time.Sleep(4 * opts.LeaseTTL)
	_, err = locker.Acquire(ctx, lock.SessionKey(owner), time.Minute)
	assert.ErrorIs(t, err, lock.ErrLockHeld)

	close(gate)
	require.NoError(t, <-stopped)

	lease, err := locker.Acquire(ctx, lock.SessionKey(owner), time.Minute)
	require.NoError(t, err)
	lease.Release()
}

func TestStartAdoptsExistingSession(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	existing := &storage.Session{
		ID: uuid.NewString(), OwnerID: owner, Mode: config.ModeTargeted, TargetAsset: "MINT",
		TradeSizeKind: config.SizeFixed, TradeSizeValue: 1, IsActive: true, StartedAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, repo.CreateSession(ctx, existing))

	c := newController(repo, &fakeRemote{}, lock.NewLocalLocker(), testOptions())
	sess, err := c.Start(ctx, scanPolicy())
	require.NoError(t, err)
	defer func() { _ = c.Shutdown(ctx) }()

	assert.Equal(t, existing.ID, sess.ID)
	st := c.Status()
	assert.Equal(t, "targeted", st.Loop)
	assert.Equal(t, "MINT", st.Policy.TargetAsset)

	active, err := repo.ListActiveSessions(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestResumeKeepsOldestSession(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	base := time.Now().Add(-time.Hour)
	var ids []string
	for i := 0; i < 3; i++ {
		s := &storage.Session{
			ID: uuid.NewString(), OwnerID: owner, Mode: config.ModeAutoScan,
			TradeSizeKind: config.SizePercent, TradeSizeValue: 10, IsActive: true,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, repo.CreateSession(ctx, s))
		ids = append(ids, s.ID)
	}

	c := newController(repo, &fakeRemote{}, lock.NewLocalLocker(), testOptions())
	sess, err := c.Resume(ctx)
	require.NoError(t, err)
	require.NotNil(t, sess)
	defer func() { _ = c.Shutdown(ctx) }()

	assert.Equal(t, ids[0], sess.ID)
	active, err := repo.ListActiveSessions(ctx, owner)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, ids[0], active[0].ID)
}

func TestResumeNothingToResume(t *testing.T) {
	c := newController(newTestRepo(t), &fakeRemote{}, lock.NewLocalLocker(), testOptions())
	sess, err := c.Resume(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sess)
	assert.False(t, c.Status().Running)
}

func TestResumeAdoptsOpenLedgerRecords(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	s := &storage.Session{
		ID: uuid.NewString(), OwnerID: owner, Mode: config.ModeAutoScan,
		TradeSizeKind: config.SizeFixed, TradeSizeValue: 1, IsActive: true, StartedAt: time.Now(),
	}
	require.NoError(t, repo.CreateSession(ctx, s))
	require.NoError(t, repo.WriteOpen(ctx, owner, s.ID, position.Position{AssetID: "HELD", EntryAmount: 1, OpenedAt: time.Now()}))

	rem := &fakeRemote{}
	c := newController(repo, rem, lock.NewLocalLocker(), testOptions())
	_, err := c.Resume(ctx)
	require.NoError(t, err)
	defer func() { _ = c.Shutdown(ctx) }()

	require.Eventually(t, func() bool { return len(c.Status().Active) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "HELD", c.Status().Active[0].AssetID)
	assert.Zero(t, rem.scanCount(), "open ledger record blocks a new buy")
}

func TestSecondProcessIsRejected(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	locker := lock.NewLocalLocker()

	first := newController(repo, &fakeRemote{}, locker, testOptions())
	_, err := first.Start(ctx, scanPolicy())
	require.NoError(t, err)
	defer func() { _ = first.Shutdown(ctx) }()

	second := newController(repo, &fakeRemote{}, locker, testOptions())
	_, err = second.Start(ctx, scanPolicy())
	assert.ErrorIs(t, err, ErrOwnedElsewhere)
	_, err = second.Resume(ctx)
	assert.ErrorIs(t, err, ErrOwnedElsewhere)
}

func TestShutdownLeavesSessionActive(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	rem := &fakeRemote{}
	c := newController(repo, rem, lock.NewLocalLocker(), testOptions())

	sess, err := c.Start(ctx, scanPolicy())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(c.Status().Active) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Shutdown(ctx))
	assert.Zero(t, rem.closeCalls)

	found, err := repo.FindActiveSession(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, found.ID)

	n, err := repo.CountOpen(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

type losingLocker struct{}

func (losingLocker) Acquire(context.Context, string, time.Duration) (lock.Lease, error) {
	return losingLease{}, nil
}

type losingLease struct{}

func (losingLease) Refresh(context.Context, time.Duration) error { return lock.ErrLeaseLost }
func (losingLease) Release()                                     {}

func TestLostLeaseStopsLoops(t *testing.T) {
	opts := testOptions()
	opts.LeaseTTL = 30 * time.Millisecond
	c := newController(newTestRepo(t), &fakeRemote{}, losingLocker{}, opts)

	_, err := c.Start(context.Background(), scanPolicy())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !c.Status().Running }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, c.Status().Error, "lease lost")
}

func TestStartRejectsInvalidPolicy(t *testing.T) {
	c := newController(newTestRepo(t), &fakeRemote{}, lock.NewLocalLocker(), testOptions())
	_, err := c.Start(context.Background(), Policy{Mode: config.ModeTargeted, Size: executor.SizePolicy{Kind: config.SizeFixed, Value: 1}})
	assert.Error(t, err)
}
