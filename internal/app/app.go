// Package app wires configuration into the reconciliation components shared
// by the service and the one-shot CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"panelsync.org/internal/affiliation"
	"panelsync.org/internal/audit"
	"panelsync.org/internal/commission"
	"panelsync.org/internal/config"
	"panelsync.org/internal/cycle"
	"panelsync.org/internal/ledger"
	"panelsync.org/internal/mirror"
	"panelsync.org/internal/obs"
	"panelsync.org/internal/payment"
	"panelsync.org/internal/payout"
	"panelsync.org/internal/store/pg"
	"panelsync.org/internal/tenant"
	"panelsync.org/internal/wallet"
)

var ErrNoLedger = errors.New("app: PANEL_PG_DSN is required")

// App holds the long-lived components.
type App struct {
	Config  config.Config
	Store   ledger.Store
	Cycles  *cycle.Orchestrator
	Payouts *payout.Service

	closers []func() error
	log     zerolog.Logger
}

// Build opens the ledger, the optional Redis lock and the payment client.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	log := obs.Component("app")
	if cfg.LedgerDSN == "" {
		return nil, ErrNoLedger
	}
	store, err := pg.Open(cfg.LedgerDSN)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	a := &App{Config: cfg, Store: store, log: log}
	a.closers = append(a.closers, store.Close)

	guard, err := a.guard(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	opener := tenant.Connector{
		ConnectTimeout:  cfg.TenantConnectTimeout,
		QueryTimeout:    cfg.TenantQueryTimeout,
		PlayerRoleIDs:   cfg.PlayerRoleIDs,
		DefaultCurrency: cfg.DefaultCurrency,
	}
	a.Cycles, a.Payouts = Wire(store, opener, a.provider(), cycle.Options{
		Lookback: cfg.SyncLookback,
		Workers:  cfg.TenantWorkers,
		Retry:    cycle.RetryPolicy{MaxAttempts: cfg.TenantRetryAttempts, Backoff: cfg.TenantRetryBackoff},
		Guard:    guard,
	})
	return a, nil
}

// Wire builds the component graph over any ledger store.
func Wire(store ledger.Store, opener tenant.Opener, provider payout.Provider, opts cycle.Options) (*cycle.Orchestrator, *payout.Service) {
	recorder := audit.NewRecorder(store)
	engine := commission.NewEngine(store)
	wallets := wallet.NewAggregator(store)
	m := mirror.New(store, affiliation.NewResolver(store))
	pass := audit.NewPass(store, engine, wallets, opener, recorder)
	return cycle.New(store, opener, m, engine, wallets, pass, opts), payout.NewService(store, provider, recorder)
}

func (a *App) guard(ctx context.Context) (cycle.Guard, error) {
	local := cycle.NewLocalGuard()
	if a.Config.RedisAddr == "" {
		return local, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.Config.RedisAddr,
		Password: a.Config.RedisPassword,
		DB:       a.Config.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s: %w", a.Config.RedisAddr, err)
	}
	a.closers = append(a.closers, client.Close)
	a.log.Info().Str("addr", a.Config.RedisAddr).Msg("cycle lock shared through redis")
	return cycle.Guards{local, cycle.NewRedisGuard(client, "panelsync:cycle:", a.Config.LockTTL)}, nil
}

func (a *App) provider() payout.Provider {
	c, err := payment.NewClient(a.Config.PaymentsURL, a.Config.PaymentsKey, a.Config.PaymentsTimeout)
	if err != nil {
		a.log.Warn().Err(err).Msg("payouts cannot be processed")
		return payment.Disabled{}
	}
	return c
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
