package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"panelsync.org/internal/ledger"
	"panelsync.org/internal/money"
)

func (s *Store) WalletTotals(ctx context.Context) ([]ledger.WalletTotals, error) {
	rows, err := s.db.QueryContext(ctx, `
		select a.id,
			coalesce((select sum(c.amount) from commissions c
				where c.affiliate_id = a.id and c.status = 'available'), 0),
			coalesce((select sum(p.total_amount) from payouts p
				where p.affiliate_id = a.id and p.status in ('completed', 'approved')), 0)
		from affiliates a
		order by a.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []ledger.WalletTotals
	for rows.Next() {
		var w ledger.WalletTotals
		if err := rows.Scan(&w.AffiliateID, &w.Earned, &w.Withdrawn); err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (s *Store) UpsertWallet(ctx context.Context, w ledger.WalletBalance) error {
	_, err := s.db.ExecContext(ctx, `
		insert into wallet_balances (affiliate_id, total_earned, total_withdrawn, current_balance, updated_at)
		values ($1, $2, $3, $4, $5)
		on conflict (affiliate_id) do update
		set total_earned = excluded.total_earned,
			total_withdrawn = excluded.total_withdrawn,
			current_balance = excluded.current_balance,
			updated_at = excluded.updated_at
	`, w.AffiliateID, w.Earned, w.Withdrawn, w.Current, nowIfZero(w.UpdatedAt))
	return mapError(err)
}

func (s *Store) GetWallet(ctx context.Context, affiliateID string) (ledger.WalletBalance, error) {
	var w ledger.WalletBalance
	err := s.db.QueryRowContext(ctx, `
		select affiliate_id, total_earned, total_withdrawn, current_balance, updated_at
		from wallet_balances where affiliate_id = $1
	`, affiliateID).Scan(&w.AffiliateID, &w.Earned, &w.Withdrawn, &w.Current, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.WalletBalance{}, ledger.ErrNotFound
	}
	return w, err
}

const payoutColumns = `id, affiliate_id, total_amount, method, pix_key, pix_type, document_receiver, status,
	coalesce(rejection_reason, ''), coalesce(notes, ''), coalesce(reference, ''), coalesce(processed_by, ''),
	created_at, processed_at, completed_at`

func scanPayout(row interface{ Scan(...any) error }) (ledger.Payout, error) {
	var (
		p                    ledger.Payout
		status               string
		processed, completed sql.NullTime
	)
	err := row.Scan(&p.ID, &p.AffiliateID, &p.Amount, &p.Method, &p.PixKey, &p.PixType, &p.DocumentReceiver, &status,
		&p.RejectionReason, &p.Notes, &p.Reference, &p.ProcessedBy, &p.CreatedAt, &processed, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Payout{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Payout{}, err
	}
	p.Status = ledger.PayoutStatus(status)
	p.ProcessedAt = nullTime(processed)
	p.CompletedAt = nullTime(completed)
	return p, nil
}

// RequestPayout locks the affiliate row so concurrent requests for the same
// affiliate see each other's reservations.
func (s *Store) RequestPayout(ctx context.Context, p ledger.Payout) (ledger.Payout, error) {
	if !p.Amount.IsPositive() {
		return ledger.Payout{}, ledger.ErrInvalidAmount
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Payout{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var locked string
	err = tx.QueryRowContext(ctx, `select id from affiliates where id = $1 for update`, p.AffiliateID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Payout{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Payout{}, err
	}

	var earned, reserved money.Cents
	if err := tx.QueryRowContext(ctx, `
		select
			coalesce((select sum(amount) from commissions where affiliate_id = $1 and status = 'available'), 0),
			coalesce((select sum(total_amount) from payouts
				where affiliate_id = $1 and status in ('completed', 'approved', 'pending', 'processing')), 0)
	`, p.AffiliateID).Scan(&earned, &reserved); err != nil {
		return ledger.Payout{}, err
	}
	if p.Amount > earned-reserved {
		return ledger.Payout{}, ledger.ErrInsufficientBalance
	}

	if p.Method == "" {
		p.Method = "pix"
	}
	p.ID = newID(p.ID)
	p.Status = ledger.PayoutPending
	p.CreatedAt = time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		insert into payouts (id, affiliate_id, total_amount, method, pix_key, pix_type, document_receiver, status, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.ID, p.AffiliateID, p.Amount, p.Method, p.PixKey, p.PixType, p.DocumentReceiver, string(p.Status), p.CreatedAt); err != nil {
		return ledger.Payout{}, mapError(err)
	}
	if err := tx.Commit(); err != nil {
		return ledger.Payout{}, err
	}
	return p, nil
}

func (s *Store) GetPayout(ctx context.Context, id string) (ledger.Payout, error) {
	return scanPayout(s.db.QueryRowContext(ctx, `select `+payoutColumns+` from payouts where id = $1`, id))
}

func (s *Store) ClaimPayout(ctx context.Context, id, by string, at time.Time) (ledger.Payout, error) {
	p, err := scanPayout(s.db.QueryRowContext(ctx, `
		update payouts
		set status = 'processing', processed_by = $2, processed_at = $3
		where id = $1 and status = 'pending'
		returning `+payoutColumns, id, nullIfEmpty(by), at))
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.Payout{}, s.payoutStateError(ctx, id)
	}
	return p, err
}

func (s *Store) CompletePayout(ctx context.Context, id, reference, notes string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update payouts
		set status = 'completed', reference = $2, notes = $3, completed_at = $4
		where id = $1 and status = 'processing'
	`, id, nullIfEmpty(reference), nullIfEmpty(notes), at)
	if err != nil {
		return err
	}
	return s.finished(ctx, id, res)
}

func (s *Store) FailPayout(ctx context.Context, id, reason, notes string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update payouts
		set status = 'failed', rejection_reason = $2, notes = $3, completed_at = $4
		where id = $1 and status = 'processing'
	`, id, nullIfEmpty(reason), nullIfEmpty(notes), at)
	if err != nil {
		return err
	}
	return s.finished(ctx, id, res)
}

func (s *Store) finished(ctx context.Context, id string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.payoutStateError(ctx, id)
	}
	return nil
}

// payoutStateError tells a missing payout apart from one in the wrong state.
func (s *Store) payoutStateError(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `select 1 from payouts where id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrNotFound
	}
	if err != nil {
		return err
	}
	return ledger.ErrConflict
}
