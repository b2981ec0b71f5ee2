// Command reconcile runs a single sync or audit cycle and prints its summary.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"panelsync.org/internal/app"
	"panelsync.org/internal/config"
	"panelsync.org/internal/cycle"
	"panelsync.org/internal/obs"
)

func main() {
	kind := flag.String("kind", string(cycle.KindSync), "cycle to run: sync or audit")
	timeout := flag.Duration("timeout", 10*time.Minute, "upper bound for the cycle")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		l := obs.Logger()
		l.Fatal().Err(err).Msg("load config")
	}
	obs.Configure(os.Stderr, cfg.LogLevel)
	log := obs.Component("reconcile")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("wire application")
	}
	defer a.Close()

	res, runErr := a.Cycles.Run(ctx, cycle.Kind(*kind))
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(res)
	if runErr != nil {
		log.Error().Err(runErr).Str("kind", *kind).Msg("cycle failed")
		_ = a.Close()
		os.Exit(1)
	}
}
