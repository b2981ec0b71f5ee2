// Package payout validates affiliate withdrawal requests and executes them
// against the payment provider.
package payout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"panelsync.org/internal/audit"
	"panelsync.org/internal/auth"
	"panelsync.org/internal/ledger"
	"panelsync.org/internal/money"
	"panelsync.org/internal/obs"
	"panelsync.org/internal/payment"
)

var (
	ErrInvalidRequest      = errors.New("payout: invalid request")
	ErrInsufficientBalance = ledger.ErrInsufficientBalance
	ErrNotPending          = errors.New("payout: not pending")
)

const MethodPix = "pix"

// Store is the slice of the ledger payouts need.
type Store interface {
	GetAffiliate(ctx context.Context, id string) (ledger.Affiliate, error)
	SetPaymentCustomer(ctx context.Context, affiliateID, customerID string) error
	RequestPayout(ctx context.Context, p ledger.Payout) (ledger.Payout, error)
	GetPayout(ctx context.Context, id string) (ledger.Payout, error)
	ClaimPayout(ctx context.Context, id, by string, at time.Time) (ledger.Payout, error)
	CompletePayout(ctx context.Context, id, reference, notes string, at time.Time) error
	FailPayout(ctx context.Context, id, reason, notes string, at time.Time) error
}

// Provider is the payment collaborator.
type Provider interface {
	CreateCustomer(ctx context.Context, c payment.Customer) (string, error)
	InitiateCashout(ctx context.Context, c payment.Cashout) (payment.CashoutResult, error)
}

type Request struct {
	AffiliateID      string      `json:"affiliate_id"`
	Amount           money.Cents `json:"amount"`
	PixKey           string      `json:"pix_key"`
	PixType          string      `json:"pix_type"`
	DocumentReceiver string      `json:"document_receiver"`
}

func (r Request) validate() error {
	var problems []string
	if strings.TrimSpace(r.AffiliateID) == "" {
		problems = append(problems, "affiliate_id required")
	}
	if !r.Amount.IsPositive() {
		problems = append(problems, "amount must be > 0")
	}
	if strings.TrimSpace(r.PixKey) == "" {
		problems = append(problems, "pix_key required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(problems, "; "))
	}
	return nil
}

type Service struct {
	store    Store
	provider Provider
	recorder *audit.Recorder
	now      func() time.Time
	log      zerolog.Logger
}

func NewService(store Store, provider Provider, recorder *audit.Recorder) *Service {
	return &Service{
		store:    store,
		provider: provider,
		recorder: recorder,
		now:      func() time.Time { return time.Now().UTC() },
		log:      obs.Component("payout"),
	}
}

// Request inserts a pending payout. The balance check runs inside the
// ledger so concurrent requests cannot both spend the same balance.
func (s *Service) Request(ctx context.Context, r Request) (ledger.Payout, error) {
	if err := r.validate(); err != nil {
		return ledger.Payout{}, err
	}
	p, err := s.store.RequestPayout(ctx, ledger.Payout{
		AffiliateID:      r.AffiliateID,
		Amount:           r.Amount,
		Method:           MethodPix,
		PixKey:           r.PixKey,
		PixType:          r.PixType,
		DocumentReceiver: r.DocumentReceiver,
	})
	if err != nil {
		return ledger.Payout{}, fmt.Errorf("request payout: %w", err)
	}
	s.recorder.Record(ctx, audit.ActionPayoutRequested, audit.Entry{
		AffiliateID: p.AffiliateID,
		Details:     map[string]any{"payout_id": p.ID, "amount": p.Amount.String()},
	})
	return p, nil
}

// Process claims a pending payout and pays it out. A provider failure marks
// the payout failed with the raw response; it is never retried here.
func (s *Service) Process(ctx context.Context, payoutID string) (ledger.Payout, error) {
	by := "system"
	if sub, ok := auth.SubjectFromContext(ctx); ok {
		by = sub
	}
	p, err := s.store.ClaimPayout(ctx, payoutID, by, s.now())
	if errors.Is(err, ledger.ErrConflict) {
		return ledger.Payout{}, fmt.Errorf("%w: %s", ErrNotPending, payoutID)
	}
	if err != nil {
		return ledger.Payout{}, fmt.Errorf("claim payout: %w", err)
	}
	log := s.log.With().Str("payout_id", p.ID).Str("affiliate_id", p.AffiliateID).Logger()
	log.Info().Str("amount", p.Amount.String()).Msg("processing payout")

	customerID, err := s.ensureCustomer(ctx, p)
	if err != nil {
		return s.fail(ctx, p, "customer creation failed", err)
	}

	res, err := s.provider.InitiateCashout(ctx, payment.Cashout{
		Amount:      p.Amount,
		PixKey:      p.PixKey,
		CustomerID:  customerID,
		Description: fmt.Sprintf("Payout %s for affiliate %s", p.ID, p.AffiliateID),
	})
	if err != nil {
		return s.fail(ctx, p, "cashout failed", err)
	}

	if err := s.store.CompletePayout(ctx, p.ID, res.TransactionID, res.Raw, s.now()); err != nil {
		// The money left; leave the payout in processing for manual review.
		log.Error().Err(err).Str("reference", res.TransactionID).Msg("cashout succeeded but payout not recorded")
		return ledger.Payout{}, fmt.Errorf("complete payout: %w", err)
	}
	s.recorder.Record(ctx, audit.ActionPayoutCompleted, audit.Entry{
		AffiliateID: p.AffiliateID,
		Details:     map[string]any{"payout_id": p.ID, "reference": res.TransactionID, "amount": p.Amount.String()},
	})
	log.Info().Str("reference", res.TransactionID).Msg("payout completed")
	return s.store.GetPayout(ctx, p.ID)
}

func (s *Service) ensureCustomer(ctx context.Context, p ledger.Payout) (string, error) {
	a, err := s.store.GetAffiliate(ctx, p.AffiliateID)
	if err != nil {
		return "", fmt.Errorf("load affiliate: %w", err)
	}
	if a.PaymentCustomerID != "" {
		return a.PaymentCustomerID, nil
	}
	document := p.DocumentReceiver
	if document == "" {
		document = a.Document
	}
	id, err := s.provider.CreateCustomer(ctx, payment.Customer{
		Name:     a.Name,
		Email:    a.Email,
		Phone:    digits(a.Phone),
		Document: digits(document),
	})
	if err != nil {
		return "", err
	}
	if err := s.store.SetPaymentCustomer(ctx, a.ID, id); err != nil {
		return "", fmt.Errorf("save payment customer: %w", err)
	}
	s.log.Info().Str("affiliate_id", a.ID).Str("customer_id", id).Msg("payment customer created")
	return id, nil
}

func (s *Service) fail(ctx context.Context, p ledger.Payout, reason string, cause error) (ledger.Payout, error) {
	notes := cause.Error()
	var apiErr *payment.APIError
	if errors.As(cause, &apiErr) {
		notes = apiErr.Body
	}
	s.log.Error().Err(cause).Str("payout_id", p.ID).Str("reason", reason).Msg("payout failed")
	if err := s.store.FailPayout(ctx, p.ID, reason, notes, s.now()); err != nil {
		return ledger.Payout{}, errors.Join(cause, fmt.Errorf("fail payout: %w", err))
	}
	s.recorder.Record(ctx, audit.ActionPayoutFailed, audit.Entry{
		AffiliateID: p.AffiliateID,
		Details:     map[string]any{"payout_id": p.ID, "reason": reason},
	})
	failed, err := s.store.GetPayout(ctx, p.ID)
	if err != nil {
		return ledger.Payout{}, cause
	}
	return failed, cause
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
