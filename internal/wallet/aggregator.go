// Package wallet recomputes affiliate balances from ledger data.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"panelsync.org/internal/ledger"
	"panelsync.org/internal/obs"
)

// Store is the part of the ledger the aggregator needs.
type Store interface {
	WalletTotals(ctx context.Context) ([]ledger.WalletTotals, error)
	UpsertWallet(ctx context.Context, w ledger.WalletBalance) error
}

// ErrPartialRefresh means some wallets were upserted and others were not.
var ErrPartialRefresh = errors.New("wallet: refresh incomplete")

// Result reports one refresh. Negative balances are counted, never clamped.
type Result struct {
	Upserts            int      `json:"upserts"`
	Errors             int      `json:"errors"`
	Negatives          int      `json:"negatives"`
	NegativeAffiliates []string `json:"negative_affiliates,omitempty"`
}

type Aggregator struct {
	store Store
	now   func() time.Time
	log   zerolog.Logger
}

func NewAggregator(store Store) *Aggregator {
	return &Aggregator{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		log:   obs.Component("wallet"),
	}
}

// Refresh upserts earned, withdrawn and current balance for every affiliate.
func (a *Aggregator) Refresh(ctx context.Context) (Result, error) {
	totals, err := a.store.WalletTotals(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("wallet totals: %w", err)
	}
	var res Result
	now := a.now()
	for _, t := range totals {
		w := ledger.WalletBalance{
			AffiliateID: t.AffiliateID,
			Earned:      t.Earned,
			Withdrawn:   t.Withdrawn,
			Current:     t.Earned - t.Withdrawn,
			UpdatedAt:   now,
		}
		if w.Current.IsNegative() {
			res.Negatives++
			res.NegativeAffiliates = append(res.NegativeAffiliates, t.AffiliateID)
			a.log.Error().
				Str("affiliate_id", t.AffiliateID).
				Str("earned", t.Earned.String()).
				Str("withdrawn", t.Withdrawn.String()).
				Str("current", w.Current.String()).
				Msg("negative wallet balance requires manual review")
		}
		if err := a.store.UpsertWallet(ctx, w); err != nil {
			res.Errors++
			a.log.Error().Err(err).Str("affiliate_id", t.AffiliateID).Msg("upsert wallet failed")
			continue
		}
		res.Upserts++
	}
	obs.NegativeWallets.Set(float64(res.Negatives))
	a.log.Info().Int("upserts", res.Upserts).Int("errors", res.Errors).Int("negatives", res.Negatives).Msg("wallets refreshed")
	if res.Errors > 0 {
		return res, fmt.Errorf("%w: %d of %d affiliates", ErrPartialRefresh, res.Errors, len(totals))
	}
	return res, nil
}
