// Package affiliation derives the affiliate owning a tenant user through the
// referral code of whoever invited them.
package affiliation

import (
	"context"
	"errors"
	"fmt"

	"panelsync.org/internal/ledger"
	"panelsync.org/internal/tenant"
)

// Affiliates is the ledger lookup the resolver needs.
type Affiliates interface {
	AffiliateByCode(ctx context.Context, code, tenantID string) (ledger.Affiliate, error)
}

// Codes is the tenant lookup the resolver needs.
type Codes interface {
	InviterCode(ctx context.Context, inviterID string) (string, bool, error)
}

// Resolution is the outcome for one user. ReferralCode is kept even when no
// affiliate matches yet, so a later audit pass can link the player.
type Resolution struct {
	ReferralCode string
	AffiliateID  string
}

// Resolved reports whether an affiliate was found.
func (r Resolution) Resolved() bool { return r.AffiliateID != "" }

type Resolver struct {
	affiliates Affiliates
}

func NewResolver(affiliates Affiliates) *Resolver {
	return &Resolver{affiliates: affiliates}
}

// Resolve follows user.inviter -> inviter_code -> affiliate (code, tenant).
// Missing links are not errors; only I/O failures are.
func (r *Resolver) Resolve(ctx context.Context, tenantID string, codes Codes, user tenant.User) (Resolution, error) {
	if user.InviterID == "" {
		return Resolution{}, nil
	}
	code, ok, err := codes.InviterCode(ctx, user.InviterID)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve inviter %s: %w", user.InviterID, err)
	}
	if !ok {
		return Resolution{}, nil
	}
	res := Resolution{ReferralCode: code}
	a, err := r.affiliates.AffiliateByCode(ctx, code, tenantID)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return res, nil
	case err != nil:
		return Resolution{}, fmt.Errorf("resolve code %s: %w", code, err)
	}
	res.AffiliateID = a.ID
	return res, nil
}
