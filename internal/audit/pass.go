package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"panelsync.org/internal/commission"
	"panelsync.org/internal/ledger"
	"panelsync.org/internal/money"
	"panelsync.org/internal/obs"
	"panelsync.org/internal/tenant"
	"panelsync.org/internal/wallet"
)

const (
	// maxListed caps id lists copied into a single audit entry.
	maxListed = 50
	// summaryTimeout bounds the closing entry written after ctx is done.
	summaryTimeout = 5 * time.Second
)

// Summary is the outcome of one pass.
type Summary struct {
	StartedAt          time.Time        `json:"started_at"`
	FinishedAt         time.Time        `json:"finished_at"`
	PlayersLinked      int64            `json:"players_linked"`
	DepositsLinked     int64            `json:"deposits_linked"`
	FirstDepositsFixed int64            `json:"first_deposits_fixed"`
	Commissions        commission.Stats `json:"commissions"`
	AmountsFixed       int              `json:"amounts_fixed"`
	Anomalies          int              `json:"anomalies"`
	Confirmed          int              `json:"confirmed"`
	StillPending       int              `json:"still_pending"`
	TenantsFailed      int              `json:"tenants_failed"`
	Wallets            wallet.Result    `json:"wallets"`
	Errors             []string         `json:"errors,omitempty"`
}

// Pass runs the corrective steps in a fixed order. Every step is safe to
// re-run and writes an audit entry only when it changed something.
type Pass struct {
	store    ledger.Store
	engine   *commission.Engine
	wallets  *wallet.Aggregator
	opener   tenant.Opener
	recorder *Recorder
	now      func() time.Time
	log      zerolog.Logger
}

func NewPass(store ledger.Store, engine *commission.Engine, wallets *wallet.Aggregator, opener tenant.Opener, recorder *Recorder) *Pass {
	return &Pass{
		store:    store,
		engine:   engine,
		wallets:  wallets,
		opener:   opener,
		recorder: recorder,
		now:      func() time.Time { return time.Now().UTC() },
		log:      obs.Component("audit"),
	}
}

// Run executes steps 1 to 7. A failing step is logged and recorded in the
// summary; later steps still run. The returned error joins every step failure.
func (p *Pass) Run(ctx context.Context) (Summary, error) {
	sum := Summary{StartedAt: p.now()}
	var errs []error
	fail := func(step string, err error) {
		err = fmt.Errorf("%s: %w", step, err)
		errs = append(errs, err)
		sum.Errors = append(sum.Errors, err.Error())
		p.log.Error().Err(err).Str("step", step).Msg("audit step failed")
	}

	steps := []struct {
		name string
		run  func(context.Context, *Summary) error
	}{
		{"link_players", p.linkPlayers},
		{"link_deposits", p.linkDeposits},
		{"normalize_first_deposit", p.normalizeFirst},
		{"create_commissions", p.createCommissions},
		{"fix_commission_amounts", p.fixAmounts},
		{"confirm_commissions", p.confirmPending},
		{"refresh_wallets", p.refreshWallets},
	}
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			fail(s.name, err)
			break
		}
		if err := s.run(ctx, &sum); err != nil {
			fail(s.name, err)
		}
	}
	sum.FinishedAt = p.now()

	action := ActionCycleSummary
	if len(errs) > 0 {
		action = ActionCycleError
	}
	// A timed-out or cancelled pass still leaves its closing entry.
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), summaryTimeout)
	defer cancel()
	p.recorder.Record(recCtx, action, Entry{Details: map[string]any{
		"players_linked":       sum.PlayersLinked,
		"deposits_linked":      sum.DepositsLinked,
		"first_deposits_fixed": sum.FirstDepositsFixed,
		"commissions_created":  sum.Commissions.Created,
		"commissions_raced":    sum.Commissions.Raced,
		"missing_contract":     sum.Commissions.MissingContract,
		"amounts_fixed":        sum.AmountsFixed,
		"anomalies":            sum.Anomalies,
		"confirmed":            sum.Confirmed,
		"tenants_failed":       sum.TenantsFailed,
		"wallets_upserted":     sum.Wallets.Upserts,
		"wallets_negative":     sum.Wallets.Negatives,
		"wallets_errors":       sum.Wallets.Errors,
		"errors":               sum.Errors,
		"duration_ms":          sum.FinishedAt.Sub(sum.StartedAt).Milliseconds(),
	}})
	p.log.Info().
		Int64("players_linked", sum.PlayersLinked).
		Int64("deposits_linked", sum.DepositsLinked).
		Int64("first_deposits_fixed", sum.FirstDepositsFixed).
		Int("commissions_created", sum.Commissions.Created).
		Int("amounts_fixed", sum.AmountsFixed).
		Int("confirmed", sum.Confirmed).
		Int("anomalies", sum.Anomalies).
		Int("errors", len(errs)).
		Msg("audit pass finished")
	return sum, errors.Join(errs...)
}

func (p *Pass) changed(ctx context.Context, step, action string, n int64, details map[string]any) {
	if n <= 0 {
		return
	}
	obs.AuditRows.WithLabelValues(step).Add(float64(n))
	if details == nil {
		details = map[string]any{}
	}
	details["affected"] = n
	p.recorder.Record(ctx, action, Entry{Details: details})
}

func (p *Pass) linkPlayers(ctx context.Context, sum *Summary) error {
	n, err := p.store.LinkPlayerAffiliates(ctx)
	if err != nil {
		return err
	}
	sum.PlayersLinked = n
	p.changed(ctx, "link_players", ActionFixPlayerAffiliate, n, nil)
	return nil
}

func (p *Pass) linkDeposits(ctx context.Context, sum *Summary) error {
	n, err := p.store.LinkDepositAffiliates(ctx)
	if err != nil {
		return err
	}
	sum.DepositsLinked = n
	p.changed(ctx, "link_deposits", ActionFixDepositAffiliate, n, nil)
	return nil
}

func (p *Pass) normalizeFirst(ctx context.Context, sum *Summary) error {
	n, err := p.store.NormalizeFirstDeposits(ctx)
	if err != nil {
		return err
	}
	sum.FirstDepositsFixed = n
	p.changed(ctx, "normalize_first_deposit", ActionNormalizeFirst, n, nil)
	return nil
}

func (p *Pass) createCommissions(ctx context.Context, sum *Summary) error {
	st, err := p.engine.CreateMissing(ctx, "")
	sum.Commissions = st
	if err != nil {
		return err
	}
	p.changed(ctx, "create_commissions", ActionCreateCommission, int64(st.Created), map[string]any{
		"raced":            st.Raced,
		"skipped":          st.Skipped,
		"missing_contract": st.MissingContract,
	})
	if st.Errors > 0 {
		return fmt.Errorf("%d commission inserts failed", st.Errors)
	}
	return nil
}

// fixAmounts corrects pending and available commissions whose stored amount
// drifted from what the applicable contract pays. Commissions the contracts
// no longer pay for are reported, never changed.
func (p *Pass) fixAmounts(ctx context.Context, sum *Summary) error {
	rows, err := p.store.ListCommissions(ctx, ledger.CommissionPending, ledger.CommissionAvailable)
	if err != nil {
		return err
	}
	rates := p.engine.Rates()
	var fixed []string
	var failures int
	for _, row := range rows {
		c, d := row.Commission, row.Deposit
		exp, err := rates.Expected(ctx, c.AffiliateID, d)
		if err != nil {
			failures++
			p.log.Error().Err(err).Str("commission_id", c.ID).Msg("expected amount lookup failed")
			continue
		}
		if exp.Outcome != commission.Eligible {
			sum.Anomalies++
			p.log.Error().
				Str("commission_id", c.ID).
				Str("deposit_id", d.ID).
				Str("affiliate_id", c.AffiliateID).
				Str("tenant", c.TenantID).
				Str("status", string(c.Status)).
				Str("amount", c.Amount.String()).
				Bool("is_first", d.IsFirst).
				Str("reason", exp.Outcome.String()).
				Msg("commission has no paying contract")
			continue
		}
		if c.Amount.Within(exp.Amount, money.Tolerance) {
			continue
		}
		ok, err := p.store.UpdateCommissionAmount(ctx, c.ID, exp.Amount)
		if err != nil {
			failures++
			p.log.Error().Err(err).Str("commission_id", c.ID).Msg("update commission amount failed")
			continue
		}
		if ok {
			p.log.Warn().Str("commission_id", c.ID).Str("from", c.Amount.String()).Str("to", exp.Amount.String()).
				Str("contract_id", exp.Contract.ID).Msg("commission amount corrected")
			fixed = append(fixed, c.ID)
		}
	}
	sum.AmountsFixed = len(fixed)
	p.changed(ctx, "fix_commission_amounts", ActionFixCommissionAmount, int64(len(fixed)), map[string]any{
		"commission_ids": capList(fixed),
	})
	if failures > 0 {
		return fmt.Errorf("%d commissions could not be checked", failures)
	}
	return nil
}

// confirmPending asks each tenant whether the payment behind a pending
// commission settled. One connection per tenant; a broken tenant only
// affects its own commissions.
func (p *Pass) confirmPending(ctx context.Context, sum *Summary) error {
	rows, err := p.store.ListCommissions(ctx, ledger.CommissionPending)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	active, err := p.store.ActiveTenants(ctx)
	if err != nil {
		return err
	}
	usable, bad := tenant.Usable(active)
	for _, err := range bad {
		p.log.Error().Err(err).Msg("skipping invalid tenant")
	}
	byID := make(map[string]tenant.Tenant, len(usable))
	for _, t := range usable {
		byID[t.ID] = t
	}

	groups := make(map[string][]ledger.CommissionDeposit)
	var order []string
	for _, row := range rows {
		tid := row.Commission.TenantID
		if _, ok := groups[tid]; !ok {
			order = append(order, tid)
		}
		groups[tid] = append(groups[tid], row)
	}

	for _, tid := range order {
		group := groups[tid]
		t, ok := byID[tid]
		if !ok {
			sum.StillPending += len(group)
			p.log.Warn().Str("tenant", tid).Int("pending", len(group)).Msg("tenant not usable, pending commissions left as is")
			continue
		}
		confirmed, pending, err := p.confirmTenant(ctx, t, group)
		sum.Confirmed += confirmed
		sum.StillPending += pending
		if err != nil {
			sum.TenantsFailed++
			obs.TenantFailures.WithLabelValues(tid).Inc()
			p.log.Error().Err(err).Str("tenant", tid).Msg("confirm pending commissions failed")
		}
	}
	return nil
}

func (p *Pass) confirmTenant(ctx context.Context, t tenant.Tenant, group []ledger.CommissionDeposit) (confirmed, pending int, err error) {
	src, err := p.opener.Open(ctx, t)
	if err != nil {
		return 0, len(group), err
	}
	defer src.Close()

	var ids []string
	for _, row := range group {
		c := row.Commission
		status, found, err := src.PaymentStatus(ctx, c.TenantDepositID)
		if err != nil {
			pending++
			p.log.Error().Err(err).Str("tenant", t.ID).Str("commission_id", c.ID).Msg("payment status lookup failed")
			continue
		}
		if !found || status != tenant.StatusPaid {
			pending++
			continue
		}
		ok, err := p.store.ConfirmCommission(ctx, c.ID, p.now())
		if err != nil {
			pending++
			p.log.Error().Err(err).Str("commission_id", c.ID).Msg("confirm commission failed")
			continue
		}
		if ok {
			confirmed++
			ids = append(ids, c.ID)
		}
	}
	if confirmed > 0 {
		obs.AuditRows.WithLabelValues("confirm_commissions").Add(float64(confirmed))
		p.recorder.Record(ctx, ActionCommissionConfirmed, Entry{TenantID: t.ID, Details: map[string]any{
			"affected":       confirmed,
			"commission_ids": capList(ids),
		}})
	}
	return confirmed, pending, nil
}

func (p *Pass) refreshWallets(ctx context.Context, sum *Summary) error {
	res, err := p.wallets.Refresh(ctx)
	sum.Wallets = res
	if res.Negatives > 0 {
		p.recorder.Record(ctx, ActionWalletNegative, Entry{Details: map[string]any{
			"negatives":     res.Negatives,
			"affiliate_ids": capList(res.NegativeAffiliates),
		}})
	}
	return err
}

func capList(ids []string) []string {
	if len(ids) > maxListed {
		return ids[:maxListed]
	}
	return ids
}
