package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"panelsync.org/internal/ledger"
	"panelsync.org/internal/money"
)

func (s *Store) DepositsWithoutCommission(ctx context.Context, tenantID string) ([]ledger.Deposit, error) {
	rows, err := s.db.QueryContext(ctx, `
		select d.id, d.tenant_id, d.tenant_deposit_id, d.player_id, d.affiliate_id, d.amount, d.currency,
			d.deposited_at, d.is_first, d.created_at
		from deposits_sync d
		where d.affiliate_id is not null
			and ($1 = '' or d.tenant_id = $1)
			and not exists (
				select 1 from commissions c
				where c.deposit_id = d.id
					or (c.tenant_id = d.tenant_id and c.tenant_deposit_id = d.tenant_deposit_id)
			)
		order by d.deposited_at, d.id
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []ledger.Deposit
	for rows.Next() {
		var d ledger.Deposit
		if err := rows.Scan(&d.ID, &d.TenantID, &d.TenantDepositID, &d.PlayerID, &d.AffiliateID, &d.Amount,
			&d.Currency, &d.DepositedAt, &d.IsFirst, &d.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (s *Store) Contracts(ctx context.Context, affiliateID string) ([]ledger.Contract, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, affiliate_id, coalesce(tenant_id, ''), base_commission_percent, contract_type, active, start_date, end_date
		from affiliate_contracts
		where affiliate_id = $1
		order by id
	`, affiliateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []ledger.Contract
	for rows.Next() {
		var (
			c          ledger.Contract
			kind       string
			start, end sql.NullTime
		)
		if err := rows.Scan(&c.ID, &c.AffiliateID, &c.TenantID, &c.BasePercent, &kind, &c.Active, &start, &end); err != nil {
			return nil, err
		}
		c.Type = ledger.ContractType(kind)
		c.StartDate = nullTime(start)
		c.EndDate = nullTime(end)
		res = append(res, c)
	}
	return res, rows.Err()
}

func (s *Store) LevelBonus(ctx context.Context, affiliateID, tenantID string) (decimal.Decimal, error) {
	var bonus decimal.Decimal
	err := s.db.QueryRowContext(ctx, `
		select l.bonus_percent
		from affiliate_progress p
		join affiliate_levels l on l.id = p.level_id
		where p.affiliate_id = $1 and p.tenant_id = $2
	`, affiliateID, tenantID).Scan(&bonus)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return bonus, nil
}

func (s *Store) InsertCommission(ctx context.Context, c ledger.Commission) error {
	status := c.Status
	if status == "" {
		status = ledger.CommissionPending
	}
	_, err := s.db.ExecContext(ctx, `
		insert into commissions (id, deposit_id, affiliate_id, tenant_id, tenant_deposit_id, amount, status, notes)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, newID(c.ID), c.DepositID, c.AffiliateID, c.TenantID, c.TenantDepositID, c.Amount, string(status), nullIfEmpty(c.Notes))
	return mapError(err)
}

func (s *Store) ListCommissions(ctx context.Context, statuses ...ledger.CommissionStatus) ([]ledger.CommissionDeposit, error) {
	query := `
		select c.id, c.deposit_id, c.affiliate_id, c.tenant_id, c.tenant_deposit_id, c.amount, c.status,
			c.confirmed_at, coalesce(c.notes, ''), c.created_at, c.updated_at,
			d.id, d.tenant_id, d.tenant_deposit_id, d.player_id, coalesce(d.affiliate_id, ''), d.amount, d.currency,
			d.deposited_at, d.is_first, d.created_at
		from commissions c
		join deposits_sync d on d.id = c.deposit_id`
	var args []any
	if len(statuses) > 0 {
		query += ` where c.status in (` + placeholders(1, len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` order by c.tenant_id, c.id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []ledger.CommissionDeposit
	for rows.Next() {
		var (
			cd        ledger.CommissionDeposit
			status    string
			confirmed sql.NullTime
		)
		c, d := &cd.Commission, &cd.Deposit
		if err := rows.Scan(&c.ID, &c.DepositID, &c.AffiliateID, &c.TenantID, &c.TenantDepositID, &c.Amount, &status,
			&confirmed, &c.Notes, &c.CreatedAt, &c.UpdatedAt,
			&d.ID, &d.TenantID, &d.TenantDepositID, &d.PlayerID, &d.AffiliateID, &d.Amount, &d.Currency,
			&d.DepositedAt, &d.IsFirst, &d.CreatedAt); err != nil {
			return nil, err
		}
		c.Status = ledger.CommissionStatus(status)
		c.ConfirmedAt = nullTime(confirmed)
		res = append(res, cd)
	}
	return res, rows.Err()
}

func (s *Store) UpdateCommissionAmount(ctx context.Context, id string, amount money.Cents) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update commissions
		set amount = $2, updated_at = now()
		where id = $1 and status in ('pending', 'available') and amount <> $2
	`, id, amount)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) ConfirmCommission(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update commissions
		set status = 'available', confirmed_at = $2, updated_at = now()
		where id = $1 and status = 'pending'
	`, id, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
