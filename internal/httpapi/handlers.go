package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"panelsync.org/internal/auth"
	"panelsync.org/internal/cycle"
	"panelsync.org/internal/ledger"
	"panelsync.org/internal/obs"
	"panelsync.org/internal/payout"
)

// Pinger reports ledger readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Cycles runs reconciliation on demand.
type Cycles interface {
	Run(ctx context.Context, k cycle.Kind) (cycle.Result, error)
	States() map[cycle.Kind]cycle.State
}

// Payouts is the payout workflow.
type Payouts interface {
	Request(ctx context.Context, r payout.Request) (ledger.Payout, error)
	Process(ctx context.Context, payoutID string) (ledger.Payout, error)
}

type Options struct {
	Version string
	// Tokens enables bearer auth on /v1. Nil leaves /v1 open, for local runs.
	Tokens       *auth.Tokens
	RatePerSec   int
	RateBurst    int
	MaxBodyBytes int64
	// CycleTimeout bounds a triggered cycle.
	CycleTimeout time.Duration
}

// API is the HTTP layer.
type API struct {
	router  chi.Router
	ready   Pinger
	cycles  Cycles
	payouts Payouts
	opts    Options
	limiter *ipLimiter
	log     zerolog.Logger
}

func New(ready Pinger, cycles Cycles, payouts Payouts, opts Options) *API {
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 1
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 3
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.CycleTimeout <= 0 {
		opts.CycleTimeout = 5 * time.Minute
	}
	a := &API{
		ready:   ready,
		cycles:  cycles,
		payouts: payouts,
		opts:    opts,
		limiter: newIPLimiter(opts.RatePerSec, opts.RateBurst),
		log:     obs.Component("http"),
	}
	a.router = a.routes()
	return a
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID, obs.Instrument, a.logging, SecurityHeaders, a.maxBody)

	r.Get("/health", a.Health)
	r.Get("/readyz", a.Ready)
	r.Method(http.MethodGet, "/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(a.withAuth)
		r.With(a.rateLimit).Post("/sync/run", a.runCycle(cycle.KindSync))
		r.With(a.rateLimit).Post("/audit/run", a.runCycle(cycle.KindAudit))
		r.Get("/cycles/state", a.CycleState)
		r.Post("/payouts", a.RequestPayout)
		r.Post("/payouts/{id}/process", a.ProcessPayout)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusNotFound, "not found")
	})
	return r
}

// Handler returns the root handler for the HTTP server.
func (a *API) Handler() http.Handler { return a.router }

// Health is liveness only; reconciliation failures never affect it.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) runCycle(k cycle.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.permit(w, r, auth.PermCyclesRun) {
			return
		}
		// detached from the client so a dropped connection does not abort
		// a half-applied cycle
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), a.opts.CycleTimeout)
		defer cancel()

		res, err := a.cycles.Run(ctx, k)
		code := http.StatusOK
		switch {
		case errors.Is(err, cycle.ErrLedgerUnavailable):
			code = http.StatusServiceUnavailable
		case err != nil:
			code = http.StatusInternalServerError
		}
		writeJSON(w, code, map[string]any{
			"status":  res.Status,
			"summary": res,
		})
	}
}

func (a *API) CycleState(w http.ResponseWriter, r *http.Request) {
	if !a.permit(w, r, auth.PermCyclesRead) {
		return
	}
	writeJSON(w, http.StatusOK, a.cycles.States())
}

func (a *API) RequestPayout(w http.ResponseWriter, r *http.Request) {
	if !a.permit(w, r, auth.PermPayoutsRequest) {
		return
	}
	var req payout.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	p, err := a.payouts.Request(r.Context(), req)
	if err != nil {
		a.payoutError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) ProcessPayout(w http.ResponseWriter, r *http.Request) {
	if !a.permit(w, r, auth.PermPayoutsProcess) {
		return
	}
	p, err := a.payouts.Process(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if p.ID != "" {
			// the payout reached a terminal failed state; report it
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"error":  err.Error(),
				"payout": p,
			})
			return
		}
		a.payoutError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) payoutError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, payout.ErrInvalidRequest), errors.Is(err, ledger.ErrInvalidAmount):
		respondError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, payout.ErrInsufficientBalance):
		respondError(w, r, http.StatusUnprocessableEntity, "insufficient balance")
	case errors.Is(err, ledger.ErrNotFound):
		respondError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, payout.ErrNotPending):
		respondError(w, r, http.StatusConflict, err.Error())
	default:
		a.log.Error().Err(err).Str("request_id", requestIDFrom(r)).Msg("payout request failed")
		respondError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, map[string]any{
		"error":      msg,
		"request_id": requestIDFrom(r),
	})
}
