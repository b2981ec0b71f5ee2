package commission

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"panelsync.org/internal/ledger"
	"panelsync.org/internal/money"
	"panelsync.org/internal/obs"
)

// Store is the part of the ledger the engine needs.
type Store interface {
	DepositsWithoutCommission(ctx context.Context, tenantID string) ([]ledger.Deposit, error)
	Contracts(ctx context.Context, affiliateID string) ([]ledger.Contract, error)
	LevelBonus(ctx context.Context, affiliateID, tenantID string) (decimal.Decimal, error)
	InsertCommission(ctx context.Context, c ledger.Commission) error
}

// Stats counts the outcome of one CreateMissing run.
type Stats struct {
	Created         int `json:"created"`
	Skipped         int `json:"skipped"`
	Raced           int `json:"raced"`
	MissingContract int `json:"missing_contract"`
	Errors          int `json:"errors"`
}

func (s *Stats) Add(o Stats) {
	s.Created += o.Created
	s.Skipped += o.Skipped
	s.Raced += o.Raced
	s.MissingContract += o.MissingContract
	s.Errors += o.Errors
}

type Engine struct {
	store Store
	log   zerolog.Logger
}

func NewEngine(store Store) *Engine {
	return &Engine{store: store, log: obs.Component("commission")}
}

// CreateMissing inserts a pending commission for every affiliated deposit
// that has none. An empty tenantID covers every tenant. Losing an insert
// race to a concurrent writer is not an error.
func (e *Engine) CreateMissing(ctx context.Context, tenantID string) (Stats, error) {
	deposits, err := e.store.DepositsWithoutCommission(ctx, tenantID)
	if err != nil {
		return Stats{}, fmt.Errorf("list deposits without commission: %w", err)
	}
	var st Stats
	rates := e.Rates()
	for _, d := range deposits {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		exp, err := rates.Expected(ctx, d.AffiliateID, d)
		if err != nil {
			st.Errors++
			e.log.Error().Err(err).Str("deposit_id", d.ID).Str("affiliate_id", d.AffiliateID).Msg("load contract failed")
			continue
		}
		switch exp.Outcome {
		case NoContract:
			st.MissingContract++
			e.log.Warn().Str("deposit_id", d.ID).Str("affiliate_id", d.AffiliateID).Str("tenant", d.TenantID).
				Time("deposited_at", d.DepositedAt).Msg("no applicable contract")
			continue
		case NotEligible:
			st.Skipped++
			continue
		}

		err = e.store.InsertCommission(ctx, ledger.Commission{
			DepositID:       d.ID,
			AffiliateID:     d.AffiliateID,
			TenantID:        d.TenantID,
			TenantDepositID: d.TenantDepositID,
			Amount:          exp.Amount,
			Status:          ledger.CommissionPending,
		})
		switch {
		case errors.Is(err, ledger.ErrDuplicate):
			st.Raced++
			e.log.Debug().Str("deposit_id", d.ID).Msg("commission already created")
		case err != nil:
			st.Errors++
			e.log.Error().Err(err).Str("deposit_id", d.ID).Str("tenant", d.TenantID).Msg("insert commission failed")
		default:
			st.Created++
			e.log.Debug().Str("deposit_id", d.ID).Str("amount", exp.Amount.String()).Msg("commission created")
		}
	}
	return st, nil
}

// Outcome classifies what the current contracts say about a deposit.
type Outcome int

const (
	Eligible Outcome = iota
	NotEligible
	NoContract
)

func (o Outcome) String() string {
	switch o {
	case Eligible:
		return "eligible"
	case NotEligible:
		return "not_eligible"
	case NoContract:
		return "no_contract"
	}
	return "unknown"
}

// Expectation is the amount a deposit should earn under the contract that
// currently applies. Amount is only meaningful when Outcome is Eligible.
type Expectation struct {
	Outcome  Outcome
	Contract ledger.Contract
	Bonus    decimal.Decimal
	Amount   money.Cents
}

// Rates memoizes contracts and level bonuses for the duration of one pass.
// It is not safe for concurrent use.
type Rates struct {
	store     Store
	contracts map[string][]ledger.Contract
	bonuses   map[[2]string]decimal.Decimal
}

// Rates returns an empty per-pass cache.
func (e *Engine) Rates() *Rates {
	return &Rates{
		store:     e.store,
		contracts: make(map[string][]ledger.Contract),
		bonuses:   make(map[[2]string]decimal.Decimal),
	}
}

// Expected computes what affiliateID should earn for d.
func (r *Rates) Expected(ctx context.Context, affiliateID string, d ledger.Deposit) (Expectation, error) {
	list, ok := r.contracts[affiliateID]
	if !ok {
		var err error
		list, err = r.store.Contracts(ctx, affiliateID)
		if err != nil {
			return Expectation{}, err
		}
		r.contracts[affiliateID] = list
	}
	c, ok := SelectContract(list, d.TenantID, d.DepositedAt)
	if !ok {
		return Expectation{Outcome: NoContract}, nil
	}
	if !Pays(c, d) {
		return Expectation{Outcome: NotEligible, Contract: c}, nil
	}
	key := [2]string{affiliateID, d.TenantID}
	bonus, ok := r.bonuses[key]
	if !ok {
		var err error
		bonus, err = r.store.LevelBonus(ctx, affiliateID, d.TenantID)
		if err != nil {
			return Expectation{}, err
		}
		r.bonuses[key] = bonus
	}
	return Expectation{Outcome: Eligible, Contract: c, Bonus: bonus, Amount: Amount(d.Amount, c, bonus)}, nil
}
