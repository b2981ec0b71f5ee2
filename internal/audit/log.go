// Package audit runs the ordered corrective pass over the ledger and keeps
// the append-only evidence trail of what it changed.
package audit

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"panelsync.org/internal/auth"
	"panelsync.org/internal/ledger"
	"panelsync.org/internal/obs"
)

// Audit actions written to audit_logs.
const (
	ActionFixPlayerAffiliate  = "AUDIT_FIX_PLAYER_AFFILIATE"
	ActionFixDepositAffiliate = "AUDIT_FIX_DEPOSIT_AFFILIATE"
	ActionNormalizeFirst      = "AUDIT_NORMALIZE_FIRST_DEPOSIT"
	ActionCreateCommission    = "AUDIT_CREATE_COMMISSION"
	ActionFixCommissionAmount = "AUDIT_FIX_COMMISSION_AMOUNT"
	ActionCommissionConfirmed = "AUDIT_COMMISSION_CONFIRMED"
	ActionWalletNegative      = "AUDIT_WALLET_NEGATIVE"
	ActionCycleSummary        = "AUDIT_CYCLE_SUMMARY"
	ActionCycleError          = "AUDIT_CYCLE_ERROR"
	ActionPayoutRequested     = "PAYOUT_REQUESTED"
	ActionPayoutCompleted     = "PAYOUT_COMPLETED"
	ActionPayoutFailed        = "PAYOUT_FAILED"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Sink persists audit entries.
type Sink interface {
	AppendAudit(ctx context.Context, e ledger.AuditEntry) error
}

// Entry is what a caller knows about one corrective action.
type Entry struct {
	AffiliateID string
	TenantID    string
	Details     map[string]any
}

// Recorder writes audit entries to the ledger and mirrors them to the
// structured log. A failed write is logged and swallowed.
type Recorder struct {
	sink Sink
	log  zerolog.Logger
}

func NewRecorder(sink Sink) *Recorder {
	return &Recorder{sink: sink, log: obs.Component("audit")}
}

// Record appends one entry enriched with request and caller context.
func (r *Recorder) Record(ctx context.Context, action string, e Entry) {
	action = strings.TrimSpace(action)
	if action == "" {
		r.log.Error().Msg("audit action name is required")
		return
	}
	details := make(map[string]any, len(e.Details)+2)
	for k, v := range e.Details {
		details[k] = v
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		details["request_id"] = rid
	}
	if sub, ok := auth.SubjectFromContext(ctx); ok {
		details["subject"] = sub
	}

	ev := r.log.Info().Str("type", "audit").Str("event", action).Fields(details)
	if e.AffiliateID != "" {
		ev = ev.Str("affiliate_id", e.AffiliateID)
	}
	if e.TenantID != "" {
		ev = ev.Str("tenant", e.TenantID)
	}
	ev.Msg("audit")

	err := r.sink.AppendAudit(ctx, ledger.AuditEntry{
		Action:      action,
		Details:     details,
		AffiliateID: e.AffiliateID,
		TenantID:    e.TenantID,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		r.log.Error().Err(err).Str("event", action).Msg("append audit entry failed")
	}
}
