// Package mirror copies tenant players and deposits into the ledger.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"panelsync.org/internal/affiliation"
	"panelsync.org/internal/ledger"
	"panelsync.org/internal/obs"
	"panelsync.org/internal/tenant"
)

// Store is the part of the ledger the mirror writes to.
type Store interface {
	EnsurePlayer(ctx context.Context, p ledger.Player) (ledger.Player, bool, error)
	PlayerByTenantUser(ctx context.Context, tenantID, tenantUserID string) (ledger.Player, error)
	RecordDeposit(ctx context.Context, d ledger.Deposit) (ledger.Deposit, bool, error)
}

// ErrOrphanDeposit marks a deposit whose player is not mirrored (yet).
var ErrOrphanDeposit = errors.New("mirror: deposit without mirrored player")

// Stats counts what one pass saw and changed.
type Stats struct {
	PlayersSeen      int `json:"players_seen"`
	PlayersCreated   int `json:"players_created"`
	PlayersResolved  int `json:"players_resolved"`
	DepositsSeen     int `json:"deposits_seen"`
	DepositsCreated  int `json:"deposits_created"`
	DepositsOrphaned int `json:"deposits_orphaned"`
	Errors           int `json:"errors"`
}

func (s *Stats) Add(o Stats) {
	s.PlayersSeen += o.PlayersSeen
	s.PlayersCreated += o.PlayersCreated
	s.PlayersResolved += o.PlayersResolved
	s.DepositsSeen += o.DepositsSeen
	s.DepositsCreated += o.DepositsCreated
	s.DepositsOrphaned += o.DepositsOrphaned
	s.Errors += o.Errors
}

// Batch is what one fetch pulled from a tenant.
type Batch struct {
	Users    []tenant.User
	Deposits []tenant.Deposit
}

type Mirror struct {
	store    Store
	resolver *affiliation.Resolver
	log      zerolog.Logger
}

func New(store Store, resolver *affiliation.Resolver) *Mirror {
	return &Mirror{store: store, resolver: resolver, log: obs.Component("mirror")}
}

// Fetch reads recent players and deposits from the tenant.
func (m *Mirror) Fetch(ctx context.Context, src tenant.Source, since time.Time) (Batch, error) {
	users, err := src.ListPlayers(ctx, since)
	if err != nil {
		return Batch{}, err
	}
	deposits, err := src.ListDeposits(ctx, since)
	if err != nil {
		return Batch{}, err
	}
	return Batch{Users: users, Deposits: deposits}, nil
}

// ApplyPlayers makes sure every user has a mirrored player. Existing players
// are left untouched and not re-resolved.
func (m *Mirror) ApplyPlayers(ctx context.Context, tenantID string, codes affiliation.Codes, users []tenant.User) Stats {
	var st Stats
	for _, u := range users {
		st.PlayersSeen++
		created, resolved, err := m.EnsurePlayer(ctx, tenantID, codes, u)
		if err != nil {
			st.Errors++
			m.log.Error().Err(err).Str("tenant", tenantID).Str("tenant_user_id", u.ID).Msg("mirror player failed")
			continue
		}
		if created {
			st.PlayersCreated++
			if resolved {
				st.PlayersResolved++
			}
		}
	}
	return st
}

// EnsurePlayer inserts the player if absent, resolving its affiliate first.
func (m *Mirror) EnsurePlayer(ctx context.Context, tenantID string, codes affiliation.Codes, u tenant.User) (created, resolved bool, err error) {
	if _, err := m.store.PlayerByTenantUser(ctx, tenantID, u.ID); err == nil {
		return false, false, nil
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return false, false, err
	}

	res, err := m.resolver.Resolve(ctx, tenantID, codes, u)
	if err != nil {
		return false, false, err
	}
	p, created, err := m.store.EnsurePlayer(ctx, ledger.Player{
		TenantID:     tenantID,
		TenantUserID: u.ID,
		Name:         u.Name,
		Email:        u.Email,
		ReferralCode: res.ReferralCode,
		AffiliateID:  res.AffiliateID,
	})
	if err != nil {
		return false, false, err
	}
	if created {
		m.log.Debug().Str("tenant", tenantID).Str("player_id", p.ID).Str("affiliate_id", p.AffiliateID).Msg("player mirrored")
	}
	return created, created && p.AffiliateID != "", nil
}

// ApplyDeposits records every deposit whose player is mirrored.
func (m *Mirror) ApplyDeposits(ctx context.Context, tenantID string, deposits []tenant.Deposit) Stats {
	var st Stats
	for _, d := range deposits {
		st.DepositsSeen++
		_, created, err := m.RecordDeposit(ctx, tenantID, d)
		switch {
		case errors.Is(err, ErrOrphanDeposit):
			st.DepositsOrphaned++
			m.log.Warn().Str("tenant", tenantID).Str("tenant_deposit_id", d.ID).Str("tenant_user_id", d.UserID).Msg("deposit without mirrored player")
		case err != nil:
			st.Errors++
			m.log.Error().Err(err).Str("tenant", tenantID).Str("tenant_deposit_id", d.ID).Msg("mirror deposit failed")
		case created:
			st.DepositsCreated++
		}
	}
	return st
}

// RecordDeposit mirrors one deposit. A deposit seen before is a no-op.
func (m *Mirror) RecordDeposit(ctx context.Context, tenantID string, d tenant.Deposit) (ledger.Deposit, bool, error) {
	p, err := m.store.PlayerByTenantUser(ctx, tenantID, d.UserID)
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.Deposit{}, false, ErrOrphanDeposit
	}
	if err != nil {
		return ledger.Deposit{}, false, err
	}
	if !d.Amount.IsPositive() {
		return ledger.Deposit{}, false, fmt.Errorf("deposit %s: %w", d.ID, ledger.ErrInvalidAmount)
	}
	return m.store.RecordDeposit(ctx, ledger.Deposit{
		TenantID:        tenantID,
		TenantDepositID: d.ID,
		PlayerID:        p.ID,
		Amount:          d.Amount,
		Currency:        d.Currency,
		DepositedAt:     d.CreatedAt,
	})
}

// SyncTenant runs fetch, players and deposits for one tenant. Only a failed
// fetch is returned as an error; row failures are counted.
func (m *Mirror) SyncTenant(ctx context.Context, tenantID string, src tenant.Source, since time.Time) (Stats, error) {
	batch, err := m.Fetch(ctx, src, since)
	if err != nil {
		return Stats{}, err
	}
	st := m.ApplyPlayers(ctx, tenantID, src, batch.Users)
	st.Add(m.ApplyDeposits(ctx, tenantID, batch.Deposits))
	return st, nil
}
