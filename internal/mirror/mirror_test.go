package mirror

import (
	"context"
	"errors"
	"testing"
	"time"

	"panelsync.org/internal/affiliation"
	"panelsync.org/internal/ledger"
	"panelsync.org/internal/tenant"
	"panelsync.org/internal/tenant/tenanttest"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func setup() (*ledger.InMemory, *tenanttest.Source, *Mirror) {
	store := ledger.NewInMemory()
	store.PutAffiliate(ledger.Affiliate{ID: "aff-1", Code: "ABC", TenantID: "t1"})
	src := &tenanttest.Source{
		Users: []tenant.User{
			{ID: "1", Name: "Inviter", CreatedAt: now.Add(-time.Hour)},
			{ID: "2", Name: "Ana", Email: "ana@example.com", InviterID: "1", CreatedAt: now.Add(-time.Minute)},
			{ID: "3", Name: "Bia", InviterID: "99", CreatedAt: now.Add(-time.Minute)},
		},
		Deposits: []tenant.Deposit{
			{ID: "500", UserID: "2", Amount: 10000, CreatedAt: now.Add(-30 * time.Second)},
			{ID: "501", UserID: "2", Amount: 5000, CreatedAt: now.Add(-20 * time.Second)},
			{ID: "502", UserID: "404", Amount: 700, CreatedAt: now.Add(-10 * time.Second)},
		},
		Codes: map[string]string{"1": "ABC", "99": "NOPE"},
	}
	return store, src, New(store, affiliation.NewResolver(store))
}

func TestSyncTenantMirrorsPlayersAndDeposits(t *testing.T) {
	store, src, m := setup()
	ctx := context.Background()

	st, err := m.SyncTenant(ctx, "t1", src, now.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("SyncTenant: %v", err)
	}
	want := Stats{PlayersSeen: 2, PlayersCreated: 2, PlayersResolved: 1, DepositsSeen: 3, DepositsCreated: 2, DepositsOrphaned: 1}
	if st != want {
		t.Fatalf("stats=%+v want %+v", st, want)
	}

	ana, err := store.PlayerByTenantUser(ctx, "t1", "2")
	if err != nil {
		t.Fatal(err)
	}
	if ana.AffiliateID != "aff-1" || ana.ReferralCode != "ABC" {
		t.Fatalf("ana=%+v", ana)
	}
	if ana.TotalDeposits != 2 || ana.TotalAmount != 15000 {
		t.Fatalf("counters=%d/%d", ana.TotalDeposits, ana.TotalAmount)
	}
	bia, _ := store.PlayerByTenantUser(ctx, "t1", "3")
	if bia.AffiliateID != "" || bia.ReferralCode != "NOPE" {
		t.Fatalf("unresolved player should keep code: %+v", bia)
	}

	var first int
	for _, d := range store.Deposits() {
		if d.Currency != "BRL" {
			t.Fatalf("currency=%q", d.Currency)
		}
		if d.AffiliateID != "aff-1" {
			t.Fatalf("deposit affiliate=%q", d.AffiliateID)
		}
		if d.IsFirst {
			first++
		}
	}
	if first != 1 {
		t.Fatalf("first deposits=%d", first)
	}
}

func TestSyncTenantTwiceIsIdempotent(t *testing.T) {
	store, src, m := setup()
	ctx := context.Background()
	since := now.Add(-5 * time.Minute)

	if _, err := m.SyncTenant(ctx, "t1", src, since); err != nil {
		t.Fatal(err)
	}
	st, err := m.SyncTenant(ctx, "t1", src, since)
	if err != nil {
		t.Fatal(err)
	}
	if st.PlayersCreated != 0 || st.DepositsCreated != 0 {
		t.Fatalf("second pass created rows: %+v", st)
	}
	if n := len(store.Deposits()); n != 2 {
		t.Fatalf("deposits=%d", n)
	}
	ana, _ := store.PlayerByTenantUser(ctx, "t1", "2")
	if ana.TotalDeposits != 2 {
		t.Fatalf("counters bumped on duplicate: %d", ana.TotalDeposits)
	}
}

func TestExistingPlayerIsNotReResolved(t *testing.T) {
	store, src, m := setup()
	ctx := context.Background()
	if _, _, err := store.EnsurePlayer(ctx, ledger.Player{TenantID: "t1", TenantUserID: "2", Name: "Old"}); err != nil {
		t.Fatal(err)
	}
	// a broken tenant lookup must not matter for players we already have
	created, _, err := m.EnsurePlayer(ctx, "t1", &tenanttest.Source{Err: errors.New("down")}, src.Users[1])
	if err != nil || created {
		t.Fatalf("created=%v err=%v", created, err)
	}
	p, _ := store.PlayerByTenantUser(ctx, "t1", "2")
	if p.Name != "Old" || p.AffiliateID != "" {
		t.Fatalf("player overwritten: %+v", p)
	}
}

func TestApplyPlayersCountsResolutionFailures(t *testing.T) {
	_, src, m := setup()
	bad := &tenanttest.Source{Err: errors.New("timeout")}
	st := m.ApplyPlayers(context.Background(), "t1", bad, src.Users[1:2])
	if st.Errors != 1 || st.PlayersCreated != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestFetchFailureIsReturned(t *testing.T) {
	_, _, m := setup()
	boom := errors.New("connection reset")
	if _, err := m.SyncTenant(context.Background(), "t1", &tenanttest.Source{Err: boom}, now); !errors.Is(err, boom) {
		t.Fatalf("expected fetch error, got %v", err)
	}
}
