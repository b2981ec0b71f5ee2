package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"panelsync.org/internal/app"
	"panelsync.org/internal/auth"
	"panelsync.org/internal/config"
	"panelsync.org/internal/cycle"
	"panelsync.org/internal/httpapi"
	"panelsync.org/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := obs.Logger()
		l.Fatal().Err(err).Msg("load config")
	}
	obs.Configure(os.Stdout, cfg.LogLevel)
	obs.Init()
	obs.InitBuildInfo(version, commit)
	log := obs.Component("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("wire application")
	}
	defer a.Close()

	var tokens *auth.Tokens
	if cfg.AuthSecret != "" {
		if tokens, err = auth.NewTokens(cfg.AuthSecret); err != nil {
			log.Fatal().Err(err).Msg("auth")
		}
	} else {
		log.Warn().Msg("PANEL_AUTH_SECRET not set; /v1 endpoints are unauthenticated")
	}

	api := httpapi.New(a.Store, a.Cycles, a.Payouts, httpapi.Options{
		Version:      version,
		Tokens:       tokens,
		RatePerSec:   cfg.TriggerRatePerSec,
		RateBurst:    cfg.TriggerBurst,
		CycleTimeout: cfg.AuditInterval * 10,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      cfg.AuditInterval*10 + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http listen")
		}
	}()

	grpcSrv := httpapi.NewGRPCServer(a.Store)
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.GRPCAddr).Msg("grpc listen")
		}
		go func() {
			log.Info().Str("addr", cfg.GRPCAddr).Msg("grpc listening")
			if err := grpcSrv.Serve(lis); err != nil {
				log.Error().Err(err).Msg("grpc serve")
			}
		}()
	}

	sched := cycle.NewScheduler(a.Cycles,
		cycle.Schedule{Kind: cycle.KindSync, Interval: cfg.SyncInterval, Timeout: cfg.SyncInterval * 10},
		cycle.Schedule{Kind: cycle.KindAudit, Interval: cfg.AuditInterval, Timeout: cfg.AuditInterval * 10},
	)
	if err := sched.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start scheduler")
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	sched.Stop()
	grpcSrv.GracefulStop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	log.Info().Msg("stopped")
}
