package commission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"panelsync.org/internal/ledger"
	"panelsync.org/internal/money"
)

var base = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func day(n int) *time.Time {
	t := base.AddDate(0, 0, n)
	return &t
}

func pct(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSelectContract(t *testing.T) {
	at := base.AddDate(0, 0, 10)
	cases := []struct {
		name      string
		contracts []ledger.Contract
		want      string
	}{
		{
			name: "inactive and foreign tenant ignored",
			contracts: []ledger.Contract{
				{ID: "a", Active: false, BasePercent: pct("50")},
				{ID: "b", Active: true, TenantID: "t2", BasePercent: pct("40")},
				{ID: "c", Active: true, TenantID: "t1", BasePercent: pct("10")},
			},
			want: "c",
		},
		{
			name: "dated beats open-ended",
			contracts: []ledger.Contract{
				{ID: "open", Active: true, BasePercent: pct("30")},
				{ID: "dated", Active: true, StartDate: day(1), BasePercent: pct("5")},
			},
			want: "dated",
		},
		{
			name: "latest start wins",
			contracts: []ledger.Contract{
				{ID: "old", Active: true, StartDate: day(1), BasePercent: pct("20")},
				{ID: "new", Active: true, StartDate: day(5), BasePercent: pct("10")},
			},
			want: "new",
		},
		{
			name: "highest percent then lowest id",
			contracts: []ledger.Contract{
				{ID: "z", Active: true, BasePercent: pct("12")},
				{ID: "y", Active: true, BasePercent: pct("12")},
				{ID: "x", Active: true, BasePercent: pct("8")},
			},
			want: "y",
		},
		{
			name: "window bounds are inclusive",
			contracts: []ledger.Contract{
				{ID: "ends", Active: true, StartDate: day(0), EndDate: &at, BasePercent: pct("10")},
				{ID: "future", Active: true, StartDate: day(11), BasePercent: pct("90")},
			},
			want: "ends",
		},
		{
			name: "nothing applies",
			contracts: []ledger.Contract{
				{ID: "expired", Active: true, EndDate: day(2), BasePercent: pct("10")},
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := SelectContract(tc.contracts, "t1", at)
			if tc.want == "" {
				if ok {
					t.Fatalf("expected no contract, got %s", got.ID)
				}
				return
			}
			if !ok || got.ID != tc.want {
				t.Fatalf("got %q (ok=%v), want %q", got.ID, ok, tc.want)
			}
		})
	}
}

func TestSelectContractIsOrderIndependent(t *testing.T) {
	cs := []ledger.Contract{
		{ID: "b", Active: true, BasePercent: pct("10")},
		{ID: "a", Active: true, BasePercent: pct("10")},
		{ID: "c", Active: true, BasePercent: pct("10")},
	}
	first, _ := SelectContract(cs, "t1", base)
	cs[0], cs[2] = cs[2], cs[0]
	second, _ := SelectContract(cs, "t1", base)
	if first.ID != "a" || second.ID != "a" {
		t.Fatalf("selection depends on input order: %s vs %s", first.ID, second.ID)
	}
}

func TestAmountIncludesLevelBonus(t *testing.T) {
	c := ledger.Contract{BasePercent: pct("10")}
	if got := Amount(10000, c, decimal.Zero); got != 1000 {
		t.Fatalf("Amount=%d", got)
	}
	if got := Amount(10000, c, pct("2.5")); got != 1250 {
		t.Fatalf("Amount with bonus=%d", got)
	}
	if got := Amount(12345, ledger.Contract{BasePercent: pct("3")}, decimal.Zero); got != 370 {
		t.Fatalf("Amount rounding=%d", got)
	}
}

type fixture struct {
	store *ledger.InMemory
	eng   *Engine
}

func newFixture(t *testing.T, ct ledger.ContractType) fixture {
	t.Helper()
	store := ledger.NewInMemory()
	store.PutAffiliate(ledger.Affiliate{ID: "aff-1", Code: "ABC", TenantID: "t1"})
	store.PutContract(ledger.Contract{ID: "k1", AffiliateID: "aff-1", BasePercent: pct("10"), Type: ct, Active: true})
	return fixture{store: store, eng: NewEngine(store)}
}

func (f fixture) deposit(t *testing.T, tenantDepositID string, amount money.Cents, at time.Time) ledger.Deposit {
	t.Helper()
	ctx := context.Background()
	p, _, err := f.store.EnsurePlayer(ctx, ledger.Player{TenantID: "t1", TenantUserID: "u1", AffiliateID: "aff-1", ReferralCode: "ABC"})
	if err != nil {
		t.Fatal(err)
	}
	d, _, err := f.store.RecordDeposit(ctx, ledger.Deposit{
		TenantID: "t1", TenantDepositID: tenantDepositID, PlayerID: p.ID, Amount: amount, Currency: "BRL", DepositedAt: at,
	})
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestCreateMissingCreatesPendingCommission(t *testing.T) {
	f := newFixture(t, ledger.AllDeposits)
	d := f.deposit(t, "500", 10000, base)

	st, err := f.eng.CreateMissing(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Created != 1 {
		t.Fatalf("stats=%+v", st)
	}
	cs := f.store.Commissions()
	if len(cs) != 1 {
		t.Fatalf("commissions=%d", len(cs))
	}
	c := cs[0]
	if c.Amount != 1000 || c.Status != ledger.CommissionPending || c.DepositID != d.ID || c.TenantDepositID != "500" {
		t.Fatalf("commission=%+v", c)
	}
}

func TestCreateMissingSkipsLaterDepositsUnderFirstDepositOnly(t *testing.T) {
	for _, ct := range []ledger.ContractType{ledger.FirstDepositOnly, "first_deposit"} {
		t.Run(string(ct), func(t *testing.T) {
			f := newFixture(t, ct)
			f.deposit(t, "500", 10000, base)
			f.deposit(t, "501", 5000, base.Add(time.Hour))

			st, err := f.eng.CreateMissing(context.Background(), "")
			if err != nil {
				t.Fatal(err)
			}
			if st.Created != 1 || st.Skipped != 1 {
				t.Fatalf("stats=%+v", st)
			}
			cs := f.store.Commissions()
			if len(cs) != 1 || cs[0].TenantDepositID != "500" {
				t.Fatalf("commissions=%+v", cs)
			}
		})
	}
}

func TestCreateMissingTwiceCreatesOnce(t *testing.T) {
	f := newFixture(t, ledger.AllDeposits)
	f.deposit(t, "500", 10000, base)
	ctx := context.Background()

	if _, err := f.eng.CreateMissing(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	st, err := f.eng.CreateMissing(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Created != 0 {
		t.Fatalf("second run stats=%+v", st)
	}
	if n := len(f.store.Commissions()); n != 1 {
		t.Fatalf("commissions=%d", n)
	}
}

func TestConcurrentEnginesCreateOneCommission(t *testing.T) {
	f := newFixture(t, ledger.AllDeposits)
	f.deposit(t, "500", 10000, base)

	var wg sync.WaitGroup
	results := make([]Stats, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st, err := NewEngine(f.store).CreateMissing(context.Background(), "t1")
			if err != nil {
				t.Error(err)
			}
			results[i] = st
		}(i)
	}
	wg.Wait()

	var total Stats
	for _, st := range results {
		total.Add(st)
	}
	if total.Created != 1 || total.Errors != 0 {
		t.Fatalf("total=%+v", total)
	}
	if n := len(f.store.Commissions()); n != 1 {
		t.Fatalf("commissions=%d", n)
	}
}

func TestCreateMissingCountsMissingContract(t *testing.T) {
	f := newFixture(t, ledger.AllDeposits)
	f.store.PutContract(ledger.Contract{ID: "k1", AffiliateID: "aff-1", BasePercent: pct("10"), Active: false})
	f.deposit(t, "500", 10000, base)

	st, err := f.eng.CreateMissing(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if st.MissingContract != 1 || st.Created != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

type raceStore struct {
	*ledger.InMemory
}

func (raceStore) InsertCommission(context.Context, ledger.Commission) error {
	return ledger.ErrDuplicate
}

func TestCreateMissingAbsorbsDuplicate(t *testing.T) {
	f := newFixture(t, ledger.AllDeposits)
	f.deposit(t, "500", 10000, base)

	st, err := NewEngine(raceStore{f.store}).CreateMissing(context.Background(), "t1")
	if err != nil {
		t.Fatalf("duplicate must not fail the run: %v", err)
	}
	if st.Raced != 1 || st.Errors != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

type failingContracts struct {
	*ledger.InMemory
	calls int
}

func (f *failingContracts) Contracts(ctx context.Context, affiliateID string) ([]ledger.Contract, error) {
	f.calls++
	return nil, errors.New("ledger timeout")
}

func TestExpectedPropagatesLoadErrors(t *testing.T) {
	f := newFixture(t, ledger.AllDeposits)
	fc := &failingContracts{InMemory: f.store}
	_, err := NewEngine(fc).Rates().Expected(context.Background(), "aff-1", ledger.Deposit{TenantID: "t1", Amount: 100})
	if err == nil || fc.calls != 1 {
		t.Fatalf("err=%v calls=%d", err, fc.calls)
	}
}

type countingStore struct {
	*ledger.InMemory
	contracts, bonuses int
}

func (c *countingStore) Contracts(ctx context.Context, id string) ([]ledger.Contract, error) {
	c.contracts++
	return c.InMemory.Contracts(ctx, id)
}

func (c *countingStore) LevelBonus(ctx context.Context, aff, tenantID string) (decimal.Decimal, error) {
	c.bonuses++
	return c.InMemory.LevelBonus(ctx, aff, tenantID)
}

func TestRatesCachesPerPass(t *testing.T) {
	f := newFixture(t, ledger.AllDeposits)
	f.store.PutLevelBonus("aff-1", "t1", pct("5"))
	cs := &countingStore{InMemory: f.store}
	r := NewEngine(cs).Rates()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		exp, err := r.Expected(ctx, "aff-1", ledger.Deposit{TenantID: "t1", Amount: 10000, DepositedAt: base})
		if err != nil {
			t.Fatal(err)
		}
		if exp.Outcome != Eligible || exp.Amount != 1500 {
			t.Fatalf("exp=%+v", exp)
		}
	}
	if cs.contracts != 1 || cs.bonuses != 1 {
		t.Fatalf("store hits contracts=%d bonuses=%d", cs.contracts, cs.bonuses)
	}
}
