package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"panelsync.org/internal/money"
	"panelsync.org/internal/tenant"
)

// Store is the authoritative ledger. Every write is an idempotent upsert or
// an insert guarded by a unique constraint; a rejected duplicate surfaces as
// ErrDuplicate.
type Store interface {
	Ping(ctx context.Context) error
	ActiveTenants(ctx context.Context) ([]tenant.Tenant, error)
	// LastSynced is the start of the tenant's latest successful sync, zero
	// when it never completed one.
	LastSynced(ctx context.Context, tenantID string) (time.Time, error)
	MarkSynced(ctx context.Context, tenantID string, at time.Time) error

	// AffiliateByCode prefers an affiliate bound to tenantID over one bound
	// to no tenant.
	AffiliateByCode(ctx context.Context, code, tenantID string) (Affiliate, error)
	GetAffiliate(ctx context.Context, id string) (Affiliate, error)
	SetPaymentCustomer(ctx context.Context, affiliateID, customerID string) error

	// EnsurePlayer inserts p unless (TenantID, TenantUserID) exists and
	// returns the stored row. The bool reports whether a row was created.
	EnsurePlayer(ctx context.Context, p Player) (Player, bool, error)
	PlayerByTenantUser(ctx context.Context, tenantID, tenantUserID string) (Player, error)
	// RecordDeposit bumps the player counters and inserts d in one
	// transaction. IsFirst and AffiliateID are derived from the player row.
	// A duplicate (TenantID, TenantDepositID) leaves counters untouched and
	// returns false.
	RecordDeposit(ctx context.Context, d Deposit) (Deposit, bool, error)

	// DepositsWithoutCommission lists deposits with an affiliate and no
	// commission; tenantID "" means all tenants.
	DepositsWithoutCommission(ctx context.Context, tenantID string) ([]Deposit, error)
	Contracts(ctx context.Context, affiliateID string) ([]Contract, error)
	// LevelBonus is the bonus percent of the affiliate's current level on a
	// tenant, zero when none.
	LevelBonus(ctx context.Context, affiliateID, tenantID string) (decimal.Decimal, error)
	InsertCommission(ctx context.Context, c Commission) error
	ListCommissions(ctx context.Context, statuses ...CommissionStatus) ([]CommissionDeposit, error)
	// UpdateCommissionAmount rewrites the amount of a pending or available
	// commission. It reports whether a row changed.
	UpdateCommissionAmount(ctx context.Context, id string, amount money.Cents) (bool, error)
	// ConfirmCommission moves a pending commission to available.
	ConfirmCommission(ctx context.Context, id string, at time.Time) (bool, error)

	LinkPlayerAffiliates(ctx context.Context) (int64, error)
	LinkDepositAffiliates(ctx context.Context) (int64, error)
	NormalizeFirstDeposits(ctx context.Context) (int64, error)

	WalletTotals(ctx context.Context) ([]WalletTotals, error)
	UpsertWallet(ctx context.Context, w WalletBalance) error
	GetWallet(ctx context.Context, affiliateID string) (WalletBalance, error)

	// RequestPayout inserts a pending payout when the affiliate's live
	// balance minus in-flight payouts covers it.
	RequestPayout(ctx context.Context, p Payout) (Payout, error)
	GetPayout(ctx context.Context, id string) (Payout, error)
	// ClaimPayout moves a pending payout to processing; ErrConflict when it
	// is in any other state.
	ClaimPayout(ctx context.Context, id, by string, at time.Time) (Payout, error)
	CompletePayout(ctx context.Context, id, reference, notes string, at time.Time) error
	FailPayout(ctx context.Context, id, reason, notes string, at time.Time) error

	AppendAudit(ctx context.Context, e AuditEntry) error
}
