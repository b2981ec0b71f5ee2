package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"panelsync.org/internal/config"
	"panelsync.org/internal/cycle"
	"panelsync.org/internal/ledger"
	"panelsync.org/internal/payment"
	"panelsync.org/internal/payout"
	"panelsync.org/internal/tenant"
	"panelsync.org/internal/tenant/tenanttest"
)

func TestBuildRequiresLedger(t *testing.T) {
	if _, err := Build(context.Background(), config.Config{}); !errors.Is(err, ErrNoLedger) {
		t.Fatalf("err=%v", err)
	}
}

func TestWireSyncThenAuditConfirms(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	store := ledger.NewInMemory()
	store.PutTenant(tenant.Tenant{ID: "t1", Name: "casino", DB: tenant.ConnInfo{Host: "db", Name: "c"}, Active: true})
	store.PutAffiliate(ledger.Affiliate{ID: "aff-1", Code: "ZED"})
	store.PutContract(ledger.Contract{ID: "k", AffiliateID: "aff-1", BasePercent: decimal.NewFromInt(20), Type: ledger.AllDeposits, Active: true})

	src := &tenanttest.Source{
		Users: []tenant.User{
			{ID: "1", CreatedAt: now.Add(-time.Minute)},
			{ID: "2", InviterID: "1", CreatedAt: now.Add(-time.Minute)},
		},
		Deposits: []tenant.Deposit{{ID: "d1", UserID: "2", Amount: 5000, PaymentID: "p1", CreatedAt: now.Add(-time.Second)}},
		Codes:    map[string]string{"1": "ZED"},
	}
	src.SetStatus("d1", tenant.StatusPaid)
	opener := tenanttest.NewOpener()
	opener.Sources["t1"] = src

	cycles, payouts := Wire(store, opener, payment.Disabled{}, cycle.Options{})
	if res, err := cycles.Run(ctx, cycle.KindSync); err != nil || res.Commissions.Created != 1 {
		t.Fatalf("sync res=%+v err=%v", res, err)
	}
	res, err := cycles.Run(ctx, cycle.KindAudit)
	if err != nil || res.Audit.Confirmed != 1 {
		t.Fatalf("audit res=%+v err=%v", res, err)
	}
	w, err := store.GetWallet(ctx, "aff-1")
	if err != nil || w.Current != 1000 {
		t.Fatalf("wallet=%+v err=%v", w, err)
	}

	p, err := payouts.Request(ctx, payout.Request{AffiliateID: "aff-1", Amount: 1000, PixKey: "k"})
	if err != nil {
		t.Fatal(err)
	}
	failed, err := payouts.Process(ctx, p.ID)
	if !errors.Is(err, payment.ErrNotConfigured) || failed.Status != ledger.PayoutFailed {
		t.Fatalf("payout=%+v err=%v", failed, err)
	}
}
