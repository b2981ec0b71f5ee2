package payout

import (
	"context"
	"errors"
	"testing"

	"panelsync.org/internal/audit"
	"panelsync.org/internal/auth"
	"panelsync.org/internal/ledger"
	"panelsync.org/internal/money"
	"panelsync.org/internal/payment"
)

type fakeProvider struct {
	customers   []payment.Customer
	cashouts    []payment.Cashout
	customerErr error
	cashoutErr  error
}

func (f *fakeProvider) CreateCustomer(ctx context.Context, c payment.Customer) (string, error) {
	f.customers = append(f.customers, c)
	if f.customerErr != nil {
		return "", f.customerErr
	}
	return "cus_1", nil
}

func (f *fakeProvider) InitiateCashout(ctx context.Context, c payment.Cashout) (payment.CashoutResult, error) {
	f.cashouts = append(f.cashouts, c)
	if f.cashoutErr != nil {
		return payment.CashoutResult{}, f.cashoutErr
	}
	return payment.CashoutResult{TransactionID: "tx_1", Raw: `{"success":true}`}, nil
}

func setup(t *testing.T, earned ledger.Commission) (*ledger.InMemory, *fakeProvider, *Service) {
	t.Helper()
	store := ledger.NewInMemory()
	store.PutAffiliate(ledger.Affiliate{ID: "aff-1", Name: "Ana", Email: "ana@x", Phone: "+55 (11) 9999", Document: "123.456.789-00", Code: "ANA"})
	if earned.ID != "" {
		if err := store.InsertCommission(context.Background(), earned); err != nil {
			t.Fatal(err)
		}
	}
	prov := &fakeProvider{}
	return store, prov, NewService(store, prov, audit.NewRecorder(store))
}

func available(amount int64) ledger.Commission {
	return ledger.Commission{ID: "c1", DepositID: "d1", AffiliateID: "aff-1", TenantID: "t1", TenantDepositID: "9", Amount: money.Cents(amount), Status: ledger.CommissionAvailable}
}

func TestRequestValidates(t *testing.T) {
	_, _, svc := setup(t, available(10000))
	for _, r := range []Request{
		{AffiliateID: "aff-1", Amount: 0, PixKey: "k"},
		{AffiliateID: "aff-1", Amount: -5, PixKey: "k"},
		{AffiliateID: "", Amount: 100, PixKey: "k"},
		{AffiliateID: "aff-1", Amount: 100},
	} {
		if _, err := svc.Request(context.Background(), r); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("%+v: err=%v", r, err)
		}
	}
}

func TestRequestChecksBalance(t *testing.T) {
	store, _, svc := setup(t, available(10000))
	ctx := context.Background()

	p, err := svc.Request(ctx, Request{AffiliateID: "aff-1", Amount: 6000, PixKey: "k"})
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != ledger.PayoutPending || p.Method != MethodPix {
		t.Fatalf("payout=%+v", p)
	}
	// the pending payout reserves its amount
	if _, err := svc.Request(ctx, Request{AffiliateID: "aff-1", Amount: 5000, PixKey: "k"}); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err=%v", err)
	}
	if _, err := svc.Request(ctx, Request{AffiliateID: "aff-1", Amount: 4000, PixKey: "k"}); err != nil {
		t.Fatal(err)
	}

	var requested int
	for _, e := range store.AuditEntries() {
		if e.Action == audit.ActionPayoutRequested {
			requested++
		}
	}
	if requested != 2 {
		t.Fatalf("audit entries=%d", requested)
	}
}

func TestProcessCompletes(t *testing.T) {
	store, prov, svc := setup(t, available(10000))
	ctx := auth.ContextWithSubject(context.Background(), "ops@panel", []string{auth.RoleOperator})
	p, err := svc.Request(ctx, Request{AffiliateID: "aff-1", Amount: 2500, PixKey: "pix-key", DocumentReceiver: "987.654.321-00"})
	if err != nil {
		t.Fatal(err)
	}

	done, err := svc.Process(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != ledger.PayoutCompleted || done.Reference != "tx_1" || done.ProcessedBy != "ops@panel" || done.CompletedAt == nil {
		t.Fatalf("payout=%+v", done)
	}
	if len(prov.customers) != 1 || prov.customers[0].Document != "98765432100" || prov.customers[0].Phone != "55119999" {
		t.Fatalf("customers=%+v", prov.customers)
	}
	if len(prov.cashouts) != 1 || prov.cashouts[0].CustomerID != "cus_1" || prov.cashouts[0].Amount != 2500 {
		t.Fatalf("cashouts=%+v", prov.cashouts)
	}
	a, _ := store.GetAffiliate(ctx, "aff-1")
	if a.PaymentCustomerID != "cus_1" {
		t.Fatalf("customer id not persisted: %+v", a)
	}

	// a second payout reuses the stored customer
	p2, _ := svc.Request(ctx, Request{AffiliateID: "aff-1", Amount: 100, PixKey: "pix-key"})
	if _, err := svc.Process(ctx, p2.ID); err != nil {
		t.Fatal(err)
	}
	if len(prov.customers) != 1 {
		t.Fatalf("customer created twice")
	}
}

func TestProcessOnlyOnce(t *testing.T) {
	_, prov, svc := setup(t, available(10000))
	ctx := context.Background()
	p, _ := svc.Request(ctx, Request{AffiliateID: "aff-1", Amount: 100, PixKey: "k"})
	if _, err := svc.Process(ctx, p.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Process(ctx, p.ID); !errors.Is(err, ErrNotPending) {
		t.Fatalf("err=%v", err)
	}
	if len(prov.cashouts) != 1 {
		t.Fatalf("cashouts=%d", len(prov.cashouts))
	}
}

func TestProcessRecordsProviderFailure(t *testing.T) {
	store, prov, svc := setup(t, available(10000))
	prov.cashoutErr = &payment.APIError{StatusCode: 422, Body: `{"success":false,"message":"bad key"}`}
	ctx := context.Background()
	p, _ := svc.Request(ctx, Request{AffiliateID: "aff-1", Amount: 100, PixKey: "k"})

	failed, err := svc.Process(ctx, p.ID)
	var apiErr *payment.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err=%v", err)
	}
	if failed.Status != ledger.PayoutFailed || failed.RejectionReason != "cashout failed" || failed.Notes != apiErr.Body {
		t.Fatalf("payout=%+v", failed)
	}
	var found bool
	for _, e := range store.AuditEntries() {
		if e.Action == audit.ActionPayoutFailed {
			found = true
		}
	}
	if !found {
		t.Fatal("missing PAYOUT_FAILED audit entry")
	}
}

func TestProcessFailsWhenCustomerCannotBeCreated(t *testing.T) {
	_, prov, svc := setup(t, available(10000))
	prov.customerErr = errors.New("connection refused")
	ctx := context.Background()
	p, _ := svc.Request(ctx, Request{AffiliateID: "aff-1", Amount: 100, PixKey: "k"})

	failed, err := svc.Process(ctx, p.ID)
	if err == nil || failed.Status != ledger.PayoutFailed {
		t.Fatalf("payout=%+v err=%v", failed, err)
	}
	if len(prov.cashouts) != 0 {
		t.Fatal("cashout attempted without customer")
	}
}

func TestProcessUnknownPayout(t *testing.T) {
	_, _, svc := setup(t, ledger.Commission{})
	if _, err := svc.Process(context.Background(), "missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("err=%v", err)
	}
}
