package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"panelsync.org/internal/ids"
	"panelsync.org/internal/ledger"
)

const playerColumns = `id, tenant_id, tenant_user_id, name, email, coalesce(referral_code, ''), coalesce(affiliate_id, ''),
	total_deposits, total_amount, first_deposit_at, created_at`

func (s *Store) EnsurePlayer(ctx context.Context, p ledger.Player) (ledger.Player, bool, error) {
	id := newID(p.ID)
	res, err := s.db.ExecContext(ctx, `
		insert into players_sync (id, tenant_id, tenant_user_id, name, email, referral_code, affiliate_id)
		values ($1, $2, $3, $4, $5, $6, $7)
		on conflict (tenant_id, tenant_user_id) do nothing
	`, id, p.TenantID, p.TenantUserID, p.Name, p.Email, nullIfEmpty(p.ReferralCode), nullIfEmpty(p.AffiliateID))
	if err != nil {
		return ledger.Player{}, false, mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledger.Player{}, false, err
	}
	stored, err := s.PlayerByTenantUser(ctx, p.TenantID, p.TenantUserID)
	if err != nil {
		return ledger.Player{}, false, err
	}
	return stored, n > 0, nil
}

func (s *Store) PlayerByTenantUser(ctx context.Context, tenantID, tenantUserID string) (ledger.Player, error) {
	var (
		p     ledger.Player
		first sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select `+playerColumns+`
		from players_sync
		where tenant_id = $1 and tenant_user_id = $2
	`, tenantID, tenantUserID).Scan(&p.ID, &p.TenantID, &p.TenantUserID, &p.Name, &p.Email, &p.ReferralCode,
		&p.AffiliateID, &p.TotalDeposits, &p.TotalAmount, &first, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Player{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Player{}, err
	}
	p.FirstDepositAt = nullTime(first)
	return p, nil
}

// RecordDeposit relies on the row lock taken by the counter update: two
// deposits of the same player serialize here, so the prior count read back
// is exact.
func (s *Store) RecordDeposit(ctx context.Context, d ledger.Deposit) (ledger.Deposit, bool, error) {
	if !d.Amount.IsPositive() {
		return ledger.Deposit{}, false, ledger.ErrInvalidAmount
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Deposit{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var prior int
	err = tx.QueryRowContext(ctx, `
		update players_sync
		set total_deposits = total_deposits + 1,
			total_amount = total_amount + $2,
			first_deposit_at = least(first_deposit_at, $3),
			updated_at = now()
		where id = $1
		returning total_deposits - 1, coalesce(affiliate_id, '')
	`, d.PlayerID, d.Amount, d.DepositedAt).Scan(&prior, &d.AffiliateID)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Deposit{}, false, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Deposit{}, false, err
	}

	d.ID = newID(d.ID)
	d.IsFirst = prior == 0
	res, err := tx.ExecContext(ctx, `
		insert into deposits_sync (id, tenant_id, tenant_deposit_id, player_id, affiliate_id, amount, currency, deposited_at, is_first)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		on conflict (tenant_id, tenant_deposit_id) do nothing
	`, d.ID, d.TenantID, d.TenantDepositID, d.PlayerID, nullIfEmpty(d.AffiliateID), d.Amount, d.Currency, d.DepositedAt, d.IsFirst)
	if err != nil {
		return ledger.Deposit{}, false, mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledger.Deposit{}, false, err
	}
	if n == 0 {
		// already mirrored; the rollback undoes the counter bump
		return ledger.Deposit{}, false, nil
	}
	if err := tx.Commit(); err != nil {
		return ledger.Deposit{}, false, err
	}
	d.CreatedAt = nowIfZero(d.CreatedAt)
	return d, true, nil
}

func (s *Store) LinkPlayerAffiliates(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		update players_sync p
		set affiliate_id = (
				select a.id from affiliates a
				where a.code = p.referral_code and (a.tenant_id = p.tenant_id or a.tenant_id is null)
				order by (a.tenant_id is null), a.id
				limit 1
			),
			updated_at = now()
		where p.affiliate_id is null
			and p.referral_code is not null
			and exists (
				select 1 from affiliates a
				where a.code = p.referral_code and (a.tenant_id = p.tenant_id or a.tenant_id is null)
			)
	`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) LinkDepositAffiliates(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		update deposits_sync d
		set affiliate_id = p.affiliate_id
		from players_sync p
		where p.id = d.player_id
			and d.affiliate_id is null
			and p.affiliate_id is not null
	`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// NormalizeFirstDeposits marks the earliest deposit of each player as first,
// ties broken by id, and touches only rows whose flag is wrong.
func (s *Store) NormalizeFirstDeposits(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		with ranked as (
			select id, row_number() over (partition by player_id order by deposited_at, id) = 1 as should_be_first
			from deposits_sync
		)
		update deposits_sync d
		set is_first = r.should_be_first
		from ranked r
		where r.id = d.id and d.is_first <> r.should_be_first
	`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func newID(id string) string {
	if id == "" {
		return ids.New()
	}
	return id
}

func marshalDetails(details map[string]any) ([]byte, error) {
	if len(details) == 0 {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("marshal audit details: %w", err)
	}
	return b, nil
}
