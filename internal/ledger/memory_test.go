package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"panelsync.org/internal/money"
)

var t0 = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func seedPlayer(t *testing.T, s *InMemory, affiliateID string) Player {
	t.Helper()
	p, created, err := s.EnsurePlayer(context.Background(), Player{
		TenantID: "t1", TenantUserID: "u1", Name: "Ana", AffiliateID: affiliateID,
	})
	if err != nil || !created {
		t.Fatalf("EnsurePlayer: created=%v err=%v", created, err)
	}
	return p
}

func TestEnsurePlayerFirstWriteWins(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	p := seedPlayer(t, s, "")

	again, created, err := s.EnsurePlayer(ctx, Player{TenantID: "t1", TenantUserID: "u1", Name: "Changed", Email: "x@y"})
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("second EnsurePlayer must not create")
	}
	if again.ID != p.ID || again.Name != "Ana" || again.Email != "" {
		t.Fatalf("identity fields overwritten: %+v", again)
	}
}

func TestRecordDepositDedupAndCounters(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	p := seedPlayer(t, s, "aff-1")

	d1, created, err := s.RecordDeposit(ctx, Deposit{TenantID: "t1", TenantDepositID: "d1", PlayerID: p.ID, Amount: 10000, Currency: "BRL", DepositedAt: t0})
	if err != nil || !created {
		t.Fatalf("first RecordDeposit: created=%v err=%v", created, err)
	}
	if !d1.IsFirst || d1.AffiliateID != "aff-1" {
		t.Fatalf("unexpected deposit: %+v", d1)
	}
	if _, created, err := s.RecordDeposit(ctx, Deposit{TenantID: "t1", TenantDepositID: "d1", PlayerID: p.ID, Amount: 10000, DepositedAt: t0}); err != nil || created {
		t.Fatalf("duplicate RecordDeposit: created=%v err=%v", created, err)
	}
	d2, _, err := s.RecordDeposit(ctx, Deposit{TenantID: "t1", TenantDepositID: "d2", PlayerID: p.ID, Amount: 5000, DepositedAt: t0.Add(time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if d2.IsFirst {
		t.Fatal("second deposit must not be first")
	}

	got, _ := s.PlayerByTenantUser(ctx, "t1", "u1")
	if got.TotalDeposits != 2 || got.TotalAmount != 15000 {
		t.Fatalf("counters: deposits=%d amount=%d", got.TotalDeposits, got.TotalAmount)
	}
	if got.FirstDepositAt == nil || !got.FirstDepositAt.Equal(t0) {
		t.Fatalf("first_deposit_at=%v", got.FirstDepositAt)
	}
	if len(s.Deposits()) != 2 {
		t.Fatalf("deposits=%d", len(s.Deposits()))
	}
}

func TestRecordDepositUnknownPlayer(t *testing.T) {
	s := NewInMemory()
	_, _, err := s.RecordDeposit(context.Background(), Deposit{TenantID: "t1", TenantDepositID: "d1", PlayerID: "nope", Amount: 1})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentCommissionInsertsKeepOneRow(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	var ok, dup int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.InsertCommission(ctx, Commission{
				DepositID: "dep-1", AffiliateID: "aff-1", TenantID: "t1", TenantDepositID: "d1",
				Amount: 1000, Status: CommissionPending,
			})
			switch {
			case err == nil:
				atomic.AddInt64(&ok, 1)
			case errors.Is(err, ErrDuplicate):
				atomic.AddInt64(&dup, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok != 1 || dup != 19 {
		t.Fatalf("ok=%d dup=%d", ok, dup)
	}
	if n := len(s.Commissions()); n != 1 {
		t.Fatalf("commissions=%d", n)
	}
}

func TestInsertCommissionTenantKeyIsUnique(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	if err := s.InsertCommission(ctx, Commission{DepositID: "a", TenantID: "t1", TenantDepositID: "d1"}); err != nil {
		t.Fatal(err)
	}
	err := s.InsertCommission(ctx, Commission{DepositID: "b", TenantID: "t1", TenantDepositID: "d1"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestNormalizeFirstDepositsBreaksTiesByID(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	p := seedPlayer(t, s, "")

	a, _, _ := s.RecordDeposit(ctx, Deposit{TenantID: "t1", TenantDepositID: "d1", PlayerID: p.ID, Amount: 100, DepositedAt: t0.Add(time.Minute)})
	b, _, _ := s.RecordDeposit(ctx, Deposit{TenantID: "t1", TenantDepositID: "d2", PlayerID: p.ID, Amount: 100, DepositedAt: t0})
	c, _, _ := s.RecordDeposit(ctx, Deposit{TenantID: "t1", TenantDepositID: "d3", PlayerID: p.ID, Amount: 100, DepositedAt: t0})
	// simulate a race that marked two rows first
	c.IsFirst = true
	s.SetDeposit(c)

	n, err := s.NormalizeFirstDeposits(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("changed=%d, want 3", n)
	}
	for _, d := range s.Deposits() {
		want := d.ID == b.ID
		if d.IsFirst != want {
			t.Fatalf("deposit %s is_first=%v want %v (a=%s)", d.ID, d.IsFirst, want, a.ID)
		}
	}
	if n, _ := s.NormalizeFirstDeposits(ctx); n != 0 {
		t.Fatalf("second run changed %d rows", n)
	}
}

func TestLinkPlayerAffiliatesPrefersTenantAffiliate(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	s.PutAffiliate(Affiliate{ID: "global", Code: "ABC"})
	s.PutAffiliate(Affiliate{ID: "local", Code: "ABC", TenantID: "t1"})
	if _, _, err := s.EnsurePlayer(ctx, Player{TenantID: "t1", TenantUserID: "u1", ReferralCode: "ABC"}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.EnsurePlayer(ctx, Player{TenantID: "t2", TenantUserID: "u1", ReferralCode: "ABC"}); err != nil {
		t.Fatal(err)
	}

	n, err := s.LinkPlayerAffiliates(ctx)
	if err != nil || n != 2 {
		t.Fatalf("linked=%d err=%v", n, err)
	}
	p1, _ := s.PlayerByTenantUser(ctx, "t1", "u1")
	p2, _ := s.PlayerByTenantUser(ctx, "t2", "u1")
	if p1.AffiliateID != "local" || p2.AffiliateID != "global" {
		t.Fatalf("affiliates: %q %q", p1.AffiliateID, p2.AffiliateID)
	}
}

func TestRequestPayoutReservesBalance(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	a := s.PutAffiliate(Affiliate{Code: "X"})
	if err := s.InsertCommission(ctx, Commission{DepositID: "d", AffiliateID: a.ID, TenantID: "t", TenantDepositID: "1", Amount: 5000, Status: CommissionAvailable}); err != nil {
		t.Fatal(err)
	}

	if _, err := s.RequestPayout(ctx, Payout{AffiliateID: a.ID, Amount: 3000}); err != nil {
		t.Fatalf("first payout: %v", err)
	}
	_, err := s.RequestPayout(ctx, Payout{AffiliateID: a.ID, Amount: 3000})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if _, err := s.RequestPayout(ctx, Payout{AffiliateID: a.ID, Amount: money.Cents(2000)}); err != nil {
		t.Fatalf("exact remaining balance: %v", err)
	}
}

func TestPayoutTransitions(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	p := s.PutPayout(Payout{AffiliateID: "a", Amount: 100, Status: PayoutPending})

	if err := s.CompletePayout(ctx, p.ID, "ref", "", t0); !errors.Is(err, ErrConflict) {
		t.Fatalf("complete before claim: %v", err)
	}
	if _, err := s.ClaimPayout(ctx, p.ID, "operator", t0); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimPayout(ctx, p.ID, "operator", t0); !errors.Is(err, ErrConflict) {
		t.Fatalf("double claim: %v", err)
	}
	if err := s.FailPayout(ctx, p.ID, "rejected", `{"error":"x"}`, t0); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetPayout(ctx, p.ID)
	if got.Status != PayoutFailed || got.RejectionReason != "rejected" || got.Notes == "" {
		t.Fatalf("unexpected payout: %+v", got)
	}
}
