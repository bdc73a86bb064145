package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/shibarmycto/cfsmsv3-sub000/internal/config"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/executor"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/lock"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/logger"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/position"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/scheduler"
	"github.com/shibarmycto/cfsmsv3-sub000/internal/storage"
)

var (
	ErrAlreadyRunning = errors.New("session: already running")
	ErrNotRunning     = errors.New("session: not running")
	// ErrOwnedElsewhere means another process holds the owner's session lease.
	ErrOwnedElsewhere = errors.New("session: owned by another process")
)

// Repository is the persistence the controller and its loops need.
type Repository interface {
	executor.Ledger
	executor.Feed
	scheduler.SnapshotSaver

	CreateSession(ctx context.Context, s *storage.Session) error
	FindActiveSession(ctx context.Context, ownerID string) (*storage.Session, error)
	ListActiveSessions(ctx context.Context, ownerID string) ([]storage.Session, error)
	DeactivateSession(ctx context.Context, id string, at time.Time) error
}

type Options struct {
	OwnerID         string
	Interval        time.Duration
	BalanceInterval time.Duration
	MaxHold         time.Duration
	LiquidateStale  bool
	MinTradeAmount  float64
	LeaseTTL        time.Duration
	CloseOnShutdown bool

	// entry attempts skipped after a buy whose outcome is unknown
	UnknownOutcomeHold int
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		OwnerID:         cfg.Owner.ID,
		Interval:        cfg.TradingInterval(),
		BalanceInterval: cfg.BalanceInterval(),
		MaxHold:         cfg.MaxHold(),
		LiquidateStale:  cfg.Trading.LiquidateStale == nil || *cfg.Trading.LiquidateStale,
		MinTradeAmount:  cfg.Trading.MinTradeAmount,
		LeaseTTL:        cfg.LeaseTTL(),
		CloseOnShutdown: cfg.Trading.CloseOnShutdown,

		UnknownOutcomeHold: cfg.Trading.UnknownOutcomeHold,
	}
}

// Controller owns at most one running session per process.
type Controller struct {
	repo     Repository
	remote   executor.Remote
	locker   lock.Locker
	notifier executor.Notifier
	opts     Options
	logger   *logger.Logger
	now      func() time.Time

	mu   sync.Mutex
	run  *run
	last *run
}

type run struct {
	session    storage.Session
	policy     Policy
	store      *position.Store
	wallet     *executor.Wallet
	loop       *scheduler.Loop
	liquidator *executor.Liquidator
	lease      lock.Lease
	cancel     context.CancelFunc
	done       chan struct{}

	// the lease outlives the loops so the close-all sweep stays covered
	endLease  context.CancelFunc
	leaseDone chan struct{}
	err       error // guarded by Controller.mu
}

// releaseLease stops refreshing the lease and gives it up.
func (r *run) releaseLease() {
	r.endLease()
	<-r.leaseDone
	r.lease.Release()
}

func NewController(
	repo Repository,
	remoteClient executor.Remote,
	locker lock.Locker,
	notifier executor.Notifier,
	opts Options,
	log *logger.Logger,
) *Controller {
	return &Controller{
		repo:     repo,
		remote:   remoteClient,
		locker:   locker,
		notifier: notifier,
		opts:     opts,
		logger:   log.With("component", "session", "owner", opts.OwnerID),
		now:      time.Now,
	}
}

// Start launches a session with policy. If the owner already has an active
// session row, that session is adopted with its stored policy instead.
func (c *Controller) Start(ctx context.Context, policy Policy) (*storage.Session, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run != nil {
		return nil, ErrAlreadyRunning
	}

	lease, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}

	existing, err := c.repo.FindActiveSession(ctx, c.opts.OwnerID)
	switch {
	case err == nil:
		c.logger.Info("active session found, adopting it", "session", existing.ID, "mode", existing.Mode)
		return c.launch(*existing, lease)
	case !errors.Is(err, storage.ErrNotFound):
		lease.Release()
		return nil, fmt.Errorf("find active session: %w", err)
	}

	sess := storage.Session{
		ID:             uuid.NewString(),
		OwnerID:        c.opts.OwnerID,
		Mode:           policy.Mode,
		TargetAsset:    policy.TargetAsset,
		TradeSizeKind:  policy.Size.Kind,
		TradeSizeValue: policy.Size.Value,
		IsActive:       true,
		StartedAt:      c.now(),
	}
	if err := c.repo.CreateSession(ctx, &sess); err != nil {
		lease.Release()
		return nil, err
	}
	return c.launch(sess, lease)
}

// Resume adopts the owner's oldest active session, deactivating any newer
// duplicates. It returns nil when there is nothing to resume.
func (c *Controller) Resume(ctx context.Context) (*storage.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run != nil {
		return nil, ErrAlreadyRunning
	}

	sessions, err := c.repo.ListActiveSessions(ctx, c.opts.OwnerID)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}

	lease, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}

	oldest := sessions[0]
	for _, dup := range sessions[1:] {
		c.logger.Warn("deactivating duplicate session", "session", dup.ID, "kept", oldest.ID)
		if err := c.repo.DeactivateSession(ctx, dup.ID, c.now()); err != nil {
			lease.Release()
			return nil, err
		}
	}

	if err := policyFromSession(oldest).Validate(); err != nil {
		lease.Release()
		return nil, fmt.Errorf("stored policy of session %s: %w", oldest.ID, err)
	}
	c.logger.Info("resuming session", "session", oldest.ID, "mode", oldest.Mode)
	return c.launch(oldest, lease)
}

// Stop cancels the loops, liquidates every still-active position and marks
// the session inactive. If ctx ends before the in-flight tick finishes, the
// session stays attached and Stop can be called again.
func (c *Controller) Stop(ctx context.Context) error {
	r, err := c.detach()
	if err != nil {
		return err
	}
	if err := c.halt(ctx, r); err != nil {
		c.reattach(r)
		return err
	}
	defer r.releaseLease()

	// losing the lease mid-sweep means another process owns the session now
	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go func() {
		select {
		case <-r.leaseDone:
			cancelSweep()
		case <-sweepCtx.Done():
		}
	}()

	var errs []error
	closed, err := r.liquidator.CloseAll(sweepCtx, position.ReasonSessionStop)
	if err != nil {
		c.notifier.NotifyError("session stop close-all", err)
		errs = append(errs, err)
	}
	if err := c.repo.DeactivateSession(sweepCtx, r.session.ID, c.now()); err != nil {
		errs = append(errs, err)
	}

	c.logger.Info("session stopped", "session", r.session.ID, "closed", closed)
	c.notifier.NotifyStatus(fmt.Sprintf("Session stopped, %d position(s) closed", closed))
	return errors.Join(errs...)
}

// Shutdown stops the loops on process exit. Unless CloseOnShutdown is set the
// session stays active so a later process can resume it.
func (c *Controller) Shutdown(ctx context.Context) error {
	if c.opts.CloseOnShutdown {
		err := c.Stop(ctx)
		if errors.Is(err, ErrNotRunning) {
			return nil
		}
		return err
	}

	r, err := c.detach()
	if errors.Is(err, ErrNotRunning) {
		return nil
	}
	if err := c.halt(ctx, r); err != nil {
		c.reattach(r)
		return err
	}
	r.releaseLease()
	c.logger.Info("session left active for resume", "session", r.session.ID, "open", r.store.ActiveCount())
	return nil
}

// Done is closed when the running session's loops have exited, either after
// Stop/Shutdown or because the lease was lost. It is nil when idle.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return nil
	}
	return c.run.done
}

func (c *Controller) acquire(ctx context.Context) (lock.Lease, error) {
	lease, err := c.locker.Acquire(ctx, lock.SessionKey(c.opts.OwnerID), c.opts.LeaseTTL)
	if errors.Is(err, lock.ErrLockHeld) {
		return nil, ErrOwnedElsewhere
	}
	if err != nil {
		return nil, fmt.Errorf("acquire session lease: %w", err)
	}
	return lease, nil
}

func (c *Controller) detach() (*run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return nil, ErrNotRunning
	}
	r := c.run
	c.run = nil
	c.last = r
	return r, nil
}

// reattach hands back a run whose halt timed out, unless its lease was lost
// meanwhile. The loops stay cancelled; the lease keeps being refreshed.
func (c *Controller) reattach(r *run) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil && r.err == nil {
		c.run = r
	}
}

// halt cancels the loops and waits for the in-flight tick to finish.
func (c *Controller) halt(ctx context.Context, r *run) error {
	r.cancel()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for session loops: %w", ctx.Err())
	}
}

// launch must be called with c.mu held.
func (c *Controller) launch(sess storage.Session, lease lock.Lease) (*storage.Session, error) {
	policy := policyFromSession(sess)
	log := c.logger.With("session", sess.ID)

	store := position.NewStore()
	wallet := executor.NewWallet(c.remote, policy.Size, c.opts.MinTradeAmount, log)
	balance := scheduler.NewBalanceLoop(wallet, c.repo, store, c.opts.OwnerID, c.opts.BalanceInterval, log)

	deps := executor.Deps{
		Store:     store,
		Remote:    c.remote,
		Ledger:    c.repo,
		Notifier:  c.notifier,
		Feed:      c.repo,
		Refresher: balance,
		OwnerID:   c.opts.OwnerID,
		SessionID: sess.ID,
		Now:       c.now,
		Logger:    log,
	}
	failsafe := executor.NewFailsafe(deps, c.opts.MaxHold, c.opts.LiquidateStale)
	reconciler := executor.NewReconciler(deps)
	entry := executor.NewEntry(deps, wallet, c.opts.UnknownOutcomeHold)

	var loop *scheduler.Loop
	if policy.Mode == config.ModeTargeted {
		loop = scheduler.NewTargetedLoop(failsafe, reconciler, entry, policy.TargetAsset, c.opts.Interval, c.notifier, log)
	} else {
		loop = scheduler.NewScanLoop(failsafe, reconciler, entry, c.opts.Interval, c.notifier, log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	leaseCtx, endLease := context.WithCancel(context.Background())
	r := &run{
		session:    sess,
		policy:     policy,
		store:      store,
		wallet:     wallet,
		loop:       loop,
		liquidator: executor.NewLiquidator(deps),
		lease:      lease,
		cancel:     cancel,
		done:       make(chan struct{}),
		endLease:   endLease,
		leaseDone:  make(chan struct{}),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		loop.Run(gctx)
		return nil
	})
	g.Go(func() error {
		balance.Run(gctx)
		return nil
	})
	go func() {
		_ = g.Wait()
		close(r.done)
	}()
	go func() {
		defer close(r.leaseDone)
		err := lock.Keep(leaseCtx, lease, c.opts.LeaseTTL, log)
		if err != nil && leaseCtx.Err() == nil {
			c.lost(r, err)
		}
	}()

	c.run = r
	c.notifier.NotifyStatus(fmt.Sprintf("Session %s running (%s)", sess.ID, policy))
	log.Info("session running", "mode", policy.Mode, "target", policy.TargetAsset,
		"size_kind", policy.Size.Kind, "size_value", policy.Size.Value, "interval", c.opts.Interval.String())
	return &sess, nil
}

// lost stops a run whose lease another process may now hold.
func (c *Controller) lost(r *run, err error) {
	c.mu.Lock()
	r.err = err
	if c.run == r {
		c.run = nil
		c.last = r
	}
	c.mu.Unlock()

	r.cancel()
	<-r.done
	r.lease.Release()

	c.logger.Error("session loops stopped", "session", r.session.ID, "error", err)
	c.notifier.NotifyError("session lease", err)
}
