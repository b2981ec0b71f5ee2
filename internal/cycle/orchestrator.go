package cycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"panelsync.org/internal/audit"
	"panelsync.org/internal/commission"
	"panelsync.org/internal/ledger"
	"panelsync.org/internal/mirror"
	"panelsync.org/internal/obs"
	"panelsync.org/internal/tenant"
	"panelsync.org/internal/wallet"
)

// ErrLedgerUnavailable aborts a cycle; it is retried on the next tick.
var ErrLedgerUnavailable = errors.New("cycle: ledger unavailable")

const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// Result is the summary of one cycle.
type Result struct {
	Kind          Kind             `json:"kind"`
	Status        string           `json:"status"`
	StartedAt     time.Time        `json:"started_at"`
	FinishedAt    time.Time        `json:"finished_at"`
	Tenants       int              `json:"tenants"`
	TenantsFailed int              `json:"tenants_failed"`
	Mirror        mirror.Stats     `json:"mirror"`
	Commissions   commission.Stats `json:"commissions"`
	Wallets       wallet.Result    `json:"wallets"`
	Audit         *audit.Summary   `json:"audit,omitempty"`
	Error         string           `json:"error,omitempty"`
}

type Options struct {
	// Lookback is how far back each sync reads tenant rows. It must cover at
	// least one interval so nothing slips between ticks.
	Lookback time.Duration
	Workers  int
	Retry    RetryPolicy
	Guard    Guard
}

// Orchestrator owns the per-kind state and runs sync and audit cycles.
type Orchestrator struct {
	store   ledger.Store
	opener  tenant.Opener
	mirror  *mirror.Mirror
	engine  *commission.Engine
	wallets *wallet.Aggregator
	pass    *audit.Pass
	opts    Options
	states  *states
	now     func() time.Time
	log     zerolog.Logger
}

// New wires the components over one ledger store.
func New(store ledger.Store, opener tenant.Opener, m *mirror.Mirror, engine *commission.Engine, wallets *wallet.Aggregator, pass *audit.Pass, opts Options) *Orchestrator {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Lookback <= 0 {
		opts.Lookback = 15 * time.Minute
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry.MaxAttempts = 1
	}
	if opts.Guard == nil {
		opts.Guard = NewLocalGuard()
	}
	return &Orchestrator{
		store:   store,
		opener:  opener,
		mirror:  m,
		engine:  engine,
		wallets: wallets,
		pass:    pass,
		opts:    opts,
		states:  newStates(),
		now:     func() time.Time { return time.Now().UTC() },
		log:     obs.Component("cycle"),
	}
}

// State reports the current state of a cycle kind.
func (o *Orchestrator) State(k Kind) State { return o.states.get(k) }

// States reports every kind's state.
func (o *Orchestrator) States() map[Kind]State { return o.states.snapshot() }

// Run dispatches on kind.
func (o *Orchestrator) Run(ctx context.Context, k Kind) (Result, error) {
	switch k {
	case KindSync:
		return o.RunSync(ctx)
	case KindAudit:
		return o.RunAudit(ctx)
	}
	return Result{}, fmt.Errorf("cycle: unknown kind %q", k)
}

// RunSync mirrors recent tenant activity, creates commissions for it and
// refreshes wallets. A busy guard yields a skipped result, not an error.
func (o *Orchestrator) RunSync(ctx context.Context) (Result, error) {
	return o.guarded(ctx, KindSync, o.sync)
}

// RunAudit runs the corrective pass, which ends with a wallet refresh.
func (o *Orchestrator) RunAudit(ctx context.Context) (Result, error) {
	return o.guarded(ctx, KindAudit, o.audit)
}

func (o *Orchestrator) guarded(ctx context.Context, k Kind, run func(context.Context, *Result) error) (Result, error) {
	res := Result{Kind: k, StartedAt: o.now()}
	release, ok, err := o.opts.Guard.Acquire(ctx, k)
	if err != nil {
		o.log.Error().Err(err).Str("kind", string(k)).Msg("cycle guard unavailable")
		return o.finish(res, err), err
	}
	if !ok {
		res.Status = StatusSkipped
		res.FinishedAt = o.now()
		obs.CyclesTotal.WithLabelValues(string(k), StatusSkipped).Inc()
		o.log.Info().Str("kind", string(k)).Msg("cycle already running, skipped")
		return res, nil
	}
	defer release()
	defer o.states.set(k, StateIdle)

	o.states.set(k, StateConnectingLedger)
	if err := o.store.Ping(ctx); err != nil {
		err = fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
		o.log.Error().Err(err).Str("kind", string(k)).Msg("cycle aborted")
		return o.finish(res, err), err
	}

	err = run(ctx, &res)
	return o.finish(res, err), err
}

func (o *Orchestrator) finish(res Result, err error) Result {
	res.FinishedAt = o.now()
	res.Status = StatusOK
	if err != nil {
		res.Status = StatusError
		res.Error = err.Error()
	}
	kind := string(res.Kind)
	obs.CyclesTotal.WithLabelValues(kind, res.Status).Inc()
	obs.CycleDuration.WithLabelValues(kind).Observe(res.FinishedAt.Sub(res.StartedAt).Seconds())
	o.log.Info().
		Str("kind", kind).
		Str("status", res.Status).
		Int("tenants", res.Tenants).
		Int("tenants_failed", res.TenantsFailed).
		Int("deposits_created", res.Mirror.DepositsCreated).
		Int("commissions_created", res.Commissions.Created).
		Dur("took", res.FinishedAt.Sub(res.StartedAt)).
		Msg("cycle finished")
	return res
}

func (o *Orchestrator) sync(ctx context.Context, res *Result) error {
	tenants, err := o.activeTenants(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	res.Tenants = len(tenants)
	started := o.now()

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(o.opts.Workers)
	for _, t := range tenants {
		t := t
		g.Go(func() error {
			var ms mirror.Stats
			var cs commission.Stats
			since := o.windowStart(ctx, t.ID, started)
			err := o.opts.Retry.Do(ctx, func() error {
				var err error
				ms, cs, err = o.syncTenant(ctx, t, since)
				return err
			}, func(attempt int, err error, wait time.Duration) {
				o.log.Warn().Err(err).Str("tenant", t.ID).Int("attempt", attempt).Dur("retry_in", wait).Msg("tenant sync failed, retrying")
			})
			if err == nil {
				if err := o.store.MarkSynced(ctx, t.ID, started); err != nil {
					o.log.Warn().Err(err).Str("tenant", t.ID).Msg("record sync mark")
				}
			}

			mu.Lock()
			defer mu.Unlock()
			res.Mirror.Add(ms)
			res.Commissions.Add(cs)
			if err != nil {
				res.TenantsFailed++
				obs.TenantFailures.WithLabelValues(t.ID).Inc()
				o.log.Error().Err(err).Str("tenant", t.ID).Str("tenant_name", t.Name).Msg("tenant sync failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	o.states.set(KindSync, StateAggregating)
	wr, err := o.wallets.Refresh(ctx)
	res.Wallets = wr
	if err != nil {
		return fmt.Errorf("refresh wallets: %w", err)
	}
	return nil
}

// windowStart reaches back from the tenant's last successful sync when that
// is older than the plain lookback, so an outage leaves no gap.
func (o *Orchestrator) windowStart(ctx context.Context, tenantID string, now time.Time) time.Time {
	since := now.Add(-o.opts.Lookback)
	last, err := o.store.LastSynced(ctx, tenantID)
	if err != nil {
		o.log.Warn().Err(err).Str("tenant", tenantID).Msg("read sync mark, using lookback only")
		return since
	}
	if !last.IsZero() && last.Add(-o.opts.Lookback).Before(since) {
		return last.Add(-o.opts.Lookback)
	}
	return since
}

// syncTenant runs the per-tenant state sequence. Rows already applied by a
// failed attempt are no-ops on retry.
func (o *Orchestrator) syncTenant(ctx context.Context, t tenant.Tenant, since time.Time) (mirror.Stats, commission.Stats, error) {
	o.states.set(KindSync, StateConnectingTenant)
	src, err := o.opener.Open(ctx, t)
	if err != nil {
		return mirror.Stats{}, commission.Stats{}, fmt.Errorf("open tenant %s: %w", t.ID, err)
	}
	defer func() {
		o.states.set(KindSync, StateClosingTenant)
		if err := src.Close(); err != nil {
			o.log.Warn().Err(err).Str("tenant", t.ID).Msg("close tenant connection")
		}
	}()

	o.states.set(KindSync, StateMirroring)
	batch, err := o.mirror.Fetch(ctx, src, since)
	if err != nil {
		return mirror.Stats{}, commission.Stats{}, fmt.Errorf("fetch tenant %s: %w", t.ID, err)
	}

	o.states.set(KindSync, StateResolving)
	ms := o.mirror.ApplyPlayers(ctx, t.ID, src, batch.Users)

	o.states.set(KindSync, StateCommitting)
	ms.Add(o.mirror.ApplyDeposits(ctx, t.ID, batch.Deposits))
	cs, err := o.engine.CreateMissing(ctx, t.ID)
	if err != nil {
		return ms, cs, fmt.Errorf("commissions tenant %s: %w", t.ID, err)
	}
	o.log.Debug().Str("tenant", t.ID).
		Int("players_created", ms.PlayersCreated).
		Int("deposits_created", ms.DepositsCreated).
		Int("deposits_orphaned", ms.DepositsOrphaned).
		Int("commissions_created", cs.Created).
		Msg("tenant synced")
	return ms, cs, nil
}

func (o *Orchestrator) audit(ctx context.Context, res *Result) error {
	if tenants, err := o.activeTenants(ctx); err == nil {
		res.Tenants = len(tenants)
	}
	o.states.set(KindAudit, StateAuditing)
	sum, err := o.pass.Run(ctx)
	res.Audit = &sum
	res.Commissions = sum.Commissions
	res.Wallets = sum.Wallets
	res.TenantsFailed = sum.TenantsFailed
	return err
}

// activeTenants validates tenants where they are read; invalid rows are
// logged and skipped.
func (o *Orchestrator) activeTenants(ctx context.Context) ([]tenant.Tenant, error) {
	all, err := o.store.ActiveTenants(ctx)
	if err != nil {
		return nil, err
	}
	usable, bad := tenant.Usable(all)
	for _, err := range bad {
		o.log.Error().Err(err).Msg("skipping invalid tenant")
	}
	return usable, nil
}
