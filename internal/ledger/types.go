package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"panelsync.org/internal/money"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrDuplicate           = errors.New("duplicate")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount (must be > 0)")
	ErrConflict            = errors.New("conflict")
)

// Affiliate is a referral partner. TenantID is empty for affiliates that
// are not bound to a single casino.
type Affiliate struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Email             string    `json:"email"`
	Phone             string    `json:"phone,omitempty"`
	Document          string    `json:"document,omitempty"`
	Code              string    `json:"code"`
	TenantID          string    `json:"tenant_id,omitempty"`
	PaymentCustomerID string    `json:"payment_customer_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Player mirrors one tenant user. ReferralCode is the code of whoever
// invited the player; AffiliateID is empty until resolved.
type Player struct {
	ID             string      `json:"id"`
	TenantID       string      `json:"tenant_id"`
	TenantUserID   string      `json:"tenant_user_id"`
	Name           string      `json:"name"`
	Email          string      `json:"email"`
	ReferralCode   string      `json:"referral_code,omitempty"`
	AffiliateID    string      `json:"affiliate_id,omitempty"`
	TotalDeposits  int         `json:"total_deposits"`
	TotalAmount    money.Cents `json:"total_amount"`
	FirstDepositAt *time.Time  `json:"first_deposit_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Deposit mirrors one tenant deposit. (TenantID, TenantDepositID) is unique.
type Deposit struct {
	ID              string      `json:"id"`
	TenantID        string      `json:"tenant_id"`
	TenantDepositID string      `json:"tenant_deposit_id"`
	PlayerID        string      `json:"player_id"`
	AffiliateID     string      `json:"affiliate_id,omitempty"`
	Amount          money.Cents `json:"amount"`
	Currency        string      `json:"currency"`
	DepositedAt     time.Time   `json:"deposited_at"`
	IsFirst         bool        `json:"is_first"`
	CreatedAt       time.Time   `json:"created_at"`
}

type ContractType string

const (
	FirstDepositOnly ContractType = "first_deposit_only"
	AllDeposits      ContractType = "all_deposits"

	legacyFirstDeposit ContractType = "first_deposit"
)

// Contract is a commission agreement. TenantID empty means every tenant.
type Contract struct {
	ID          string          `json:"id"`
	AffiliateID string          `json:"affiliate_id"`
	TenantID    string          `json:"tenant_id,omitempty"`
	BasePercent decimal.Decimal `json:"base_commission_percent"`
	Type        ContractType    `json:"contract_type"`
	Active      bool            `json:"active"`
	StartDate   *time.Time      `json:"start_date,omitempty"`
	EndDate     *time.Time      `json:"end_date,omitempty"`
}

// FirstDepositOnly reports whether the contract pays only first deposits.
func (c Contract) FirstDepositOnly() bool {
	return c.Type == FirstDepositOnly || c.Type == legacyFirstDeposit
}

// Covers reports whether at falls inside the validity window, bounds inclusive.
func (c Contract) Covers(at time.Time) bool {
	if c.StartDate != nil && at.Before(*c.StartDate) {
		return false
	}
	if c.EndDate != nil && at.After(*c.EndDate) {
		return false
	}
	return true
}

type CommissionStatus string

const (
	CommissionPending   CommissionStatus = "pending"
	CommissionAvailable CommissionStatus = "available"
	CommissionFailed    CommissionStatus = "failed"
)

// Commission is created at most once per deposit.
type Commission struct {
	ID              string           `json:"id"`
	DepositID       string           `json:"deposit_id"`
	AffiliateID     string           `json:"affiliate_id"`
	TenantID        string           `json:"tenant_id"`
	TenantDepositID string           `json:"tenant_deposit_id"`
	Amount          money.Cents      `json:"amount"`
	Status          CommissionStatus `json:"status"`
	ConfirmedAt     *time.Time       `json:"confirmed_at,omitempty"`
	Notes           string           `json:"notes,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// CommissionDeposit pairs a commission with the deposit it was derived from.
type CommissionDeposit struct {
	Commission Commission
	Deposit    Deposit
}

type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutProcessing PayoutStatus = "processing"
	PayoutCompleted  PayoutStatus = "completed"
	PayoutFailed     PayoutStatus = "failed"
	// PayoutApproved is written by older admin tooling and counts as withdrawn.
	PayoutApproved PayoutStatus = "approved"
)

// Withdrawn reports whether the payout reduces the wallet balance.
func (s PayoutStatus) Withdrawn() bool { return s == PayoutCompleted || s == PayoutApproved }

// InFlight reports whether the payout still reserves balance.
func (s PayoutStatus) InFlight() bool { return s == PayoutPending || s == PayoutProcessing }

type Payout struct {
	ID               string       `json:"id"`
	AffiliateID      string       `json:"affiliate_id"`
	Amount           money.Cents  `json:"total_amount"`
	Method           string       `json:"method"`
	PixKey           string       `json:"pix_key,omitempty"`
	PixType          string       `json:"pix_type,omitempty"`
	DocumentReceiver string       `json:"document_receiver,omitempty"`
	Status           PayoutStatus `json:"status"`
	RejectionReason  string       `json:"rejection_reason,omitempty"`
	Notes            string       `json:"notes,omitempty"`
	Reference        string       `json:"reference,omitempty"`
	ProcessedBy      string       `json:"processed_by,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	ProcessedAt      *time.Time   `json:"processed_at,omitempty"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty"`
}

// WalletTotals are the raw sums the wallet is derived from.
type WalletTotals struct {
	AffiliateID string
	Earned      money.Cents
	Withdrawn   money.Cents
}

type WalletBalance struct {
	AffiliateID string      `json:"affiliate_id"`
	Earned      money.Cents `json:"total_earned"`
	Withdrawn   money.Cents `json:"total_withdrawn"`
	Current     money.Cents `json:"current_balance"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// AuditEntry is one row of the append-only audit trail.
type AuditEntry struct {
	ID          string         `json:"id"`
	Action      string         `json:"action"`
	Details     map[string]any `json:"details,omitempty"`
	AffiliateID string         `json:"affiliate_id,omitempty"`
	TenantID    string         `json:"tenant_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}
