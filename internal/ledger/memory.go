package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"panelsync.org/internal/ids"
	"panelsync.org/internal/money"
	"panelsync.org/internal/tenant"
)

// InMemory implements Store with in-process concurrency safety. It enforces
// the same uniqueness rules as the SQL schema and backs tests and local runs.
type InMemory struct {
	mu sync.RWMutex

	pingErr error

	tenants     map[string]tenant.Tenant
	tenantOrder []string
	affiliates  map[string]*Affiliate
	contracts   map[string][]Contract
	bonuses     map[[2]string]decimal.Decimal // (affiliate, tenant) -> bonus percent

	players      map[string]*Player
	playerKeys   map[[2]string]string // (tenant, tenant user) -> player id
	deposits     map[string]*Deposit
	depositKeys  map[[2]string]string
	commissions  map[string]*Commission
	commByDep    map[string]string
	commByTenant map[[2]string]string
	wallets      map[string]WalletBalance
	syncMarks    map[string]time.Time
	payouts      map[string]*Payout
	audit        []AuditEntry
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty ledger.
func NewInMemory() *InMemory {
	return &InMemory{
		tenants:      make(map[string]tenant.Tenant),
		affiliates:   make(map[string]*Affiliate),
		contracts:    make(map[string][]Contract),
		bonuses:      make(map[[2]string]decimal.Decimal),
		players:      make(map[string]*Player),
		playerKeys:   make(map[[2]string]string),
		deposits:     make(map[string]*Deposit),
		depositKeys:  make(map[[2]string]string),
		commissions:  make(map[string]*Commission),
		commByDep:    make(map[string]string),
		commByTenant: make(map[[2]string]string),
		wallets:      make(map[string]WalletBalance),
		syncMarks:    make(map[string]time.Time),
		payouts:      make(map[string]*Payout),
	}
}

// Seeding helpers. Tenants, affiliates, contracts and levels are owned by
// admin tooling in production.

func (s *InMemory) PutTenant(t tenant.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[t.ID]; !ok {
		s.tenantOrder = append(s.tenantOrder, t.ID)
	}
	s.tenants[t.ID] = t
}

func (s *InMemory) PutAffiliate(a Affiliate) Affiliate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = ids.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	s.affiliates[a.ID] = &a
	return a
}

func (s *InMemory) PutContract(c Contract) Contract {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = ids.New()
	}
	list := s.contracts[c.AffiliateID]
	for i := range list {
		if list[i].ID == c.ID {
			list[i] = c
			return c
		}
	}
	s.contracts[c.AffiliateID] = append(list, c)
	return c
}

func (s *InMemory) PutLevelBonus(affiliateID, tenantID string, bonus decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bonuses[[2]string{affiliateID, tenantID}] = bonus
}

// PutPayout stores a payout as-is, bypassing the balance check.
func (s *InMemory) PutPayout(p Payout) Payout {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = ids.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	s.payouts[p.ID] = &p
	return p
}

// FailPing makes Ping return err; nil restores it.
func (s *InMemory) FailPing(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingErr = err
}

func (s *InMemory) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pingErr
}

func (s *InMemory) ActiveTenants(ctx context.Context) ([]tenant.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []tenant.Tenant
	for _, id := range s.tenantOrder {
		if t := s.tenants[id]; t.Active {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *InMemory) LastSynced(ctx context.Context, tenantID string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.syncMarks[tenantID], nil
}

func (s *InMemory) MarkSynced(ctx context.Context, tenantID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at.After(s.syncMarks[tenantID]) {
		s.syncMarks[tenantID] = at
	}
	return nil
}

func (s *InMemory) AffiliateByCode(ctx context.Context, code, tenantID string) (Affiliate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.affiliateByCode(code, tenantID)
	if !ok {
		return Affiliate{}, ErrNotFound
	}
	return *a, nil
}

func (s *InMemory) affiliateByCode(code, tenantID string) (*Affiliate, bool) {
	var global *Affiliate
	for _, a := range s.affiliates {
		if a.Code != code {
			continue
		}
		if a.TenantID == tenantID {
			return a, true
		}
		if a.TenantID == "" && (global == nil || a.ID < global.ID) {
			global = a
		}
	}
	return global, global != nil
}

func (s *InMemory) GetAffiliate(ctx context.Context, id string) (Affiliate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.affiliates[id]
	if !ok {
		return Affiliate{}, ErrNotFound
	}
	return *a, nil
}

func (s *InMemory) SetPaymentCustomer(ctx context.Context, affiliateID, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.affiliates[affiliateID]
	if !ok {
		return ErrNotFound
	}
	a.PaymentCustomerID = customerID
	return nil
}

func (s *InMemory) EnsurePlayer(ctx context.Context, p Player) (Player, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]string{p.TenantID, p.TenantUserID}
	if id, ok := s.playerKeys[key]; ok {
		return *s.players[id], false, nil
	}
	if p.ID == "" {
		p.ID = ids.New()
	}
	p.TotalDeposits = 0
	p.TotalAmount = 0
	p.FirstDepositAt = nil
	p.CreatedAt = time.Now().UTC()
	s.players[p.ID] = &p
	s.playerKeys[key] = p.ID
	return p, true, nil
}

func (s *InMemory) PlayerByTenantUser(ctx context.Context, tenantID, tenantUserID string) (Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.playerKeys[[2]string{tenantID, tenantUserID}]
	if !ok {
		return Player{}, ErrNotFound
	}
	return *s.players[id], nil
}

func (s *InMemory) RecordDeposit(ctx context.Context, d Deposit) (Deposit, bool, error) {
	if !d.Amount.IsPositive() {
		return Deposit{}, false, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[d.PlayerID]
	if !ok {
		return Deposit{}, false, ErrNotFound
	}
	key := [2]string{d.TenantID, d.TenantDepositID}
	if _, dup := s.depositKeys[key]; dup {
		return Deposit{}, false, nil
	}
	if d.ID == "" {
		d.ID = ids.New()
	}
	d.IsFirst = p.TotalDeposits == 0
	d.AffiliateID = p.AffiliateID
	d.CreatedAt = time.Now().UTC()

	p.TotalDeposits++
	p.TotalAmount += d.Amount
	if p.FirstDepositAt == nil || d.DepositedAt.Before(*p.FirstDepositAt) {
		at := d.DepositedAt
		p.FirstDepositAt = &at
	}
	s.deposits[d.ID] = &d
	s.depositKeys[key] = d.ID
	return d, true, nil
}

// Players returns a snapshot of all mirrored players.
func (s *InMemory) Players() []Player {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Player, 0, len(s.players))
	for _, p := range s.players {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Deposits returns a snapshot of all mirrored deposits.
func (s *InMemory) Deposits() []Deposit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Deposit, 0, len(s.deposits))
	for _, d := range s.deposits {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetDeposit overwrites a stored deposit, e.g. to simulate drift.
func (s *InMemory) SetDeposit(d Deposit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.deposits[d.ID]; ok {
		*cur = d
	}
}

func (s *InMemory) DepositsWithoutCommission(ctx context.Context, tenantID string) ([]Deposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Deposit
	for _, d := range s.deposits {
		if d.AffiliateID == "" || (tenantID != "" && d.TenantID != tenantID) {
			continue
		}
		if _, ok := s.commByDep[d.ID]; ok {
			continue
		}
		if _, ok := s.commByTenant[[2]string{d.TenantID, d.TenantDepositID}]; ok {
			continue
		}
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DepositedAt.Equal(out[j].DepositedAt) {
			return out[i].DepositedAt.Before(out[j].DepositedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *InMemory) Contracts(ctx context.Context, affiliateID string) ([]Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Contract(nil), s.contracts[affiliateID]...), nil
}

func (s *InMemory) LevelBonus(ctx context.Context, affiliateID, tenantID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bonuses[[2]string{affiliateID, tenantID}], nil
}

func (s *InMemory) InsertCommission(ctx context.Context, c Commission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tkey := [2]string{c.TenantID, c.TenantDepositID}
	if _, ok := s.commByDep[c.DepositID]; ok {
		return ErrDuplicate
	}
	if _, ok := s.commByTenant[tkey]; ok {
		return ErrDuplicate
	}
	if c.ID == "" {
		c.ID = ids.New()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	s.commissions[c.ID] = &c
	s.commByDep[c.DepositID] = c.ID
	s.commByTenant[tkey] = c.ID
	return nil
}

// Commissions returns a snapshot of all commissions.
func (s *InMemory) Commissions() []Commission {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Commission, 0, len(s.commissions))
	for _, c := range s.commissions {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetCommission overwrites a stored commission, e.g. to simulate drift.
func (s *InMemory) SetCommission(c Commission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.commissions[c.ID]; ok {
		*cur = c
	}
}

func (s *InMemory) ListCommissions(ctx context.Context, statuses ...CommissionStatus) ([]CommissionDeposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := map[CommissionStatus]bool{}
	for _, st := range statuses {
		want[st] = true
	}
	var out []CommissionDeposit
	for _, c := range s.commissions {
		if len(want) > 0 && !want[c.Status] {
			continue
		}
		d, ok := s.deposits[c.DepositID]
		if !ok {
			continue
		}
		out = append(out, CommissionDeposit{Commission: *c, Deposit: *d})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Commission.ID < out[j].Commission.ID })
	return out, nil
}

func (s *InMemory) UpdateCommissionAmount(ctx context.Context, id string, amount money.Cents) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commissions[id]
	if !ok {
		return false, ErrNotFound
	}
	if c.Status == CommissionFailed || c.Amount == amount {
		return false, nil
	}
	c.Amount = amount
	c.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *InMemory) ConfirmCommission(ctx context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commissions[id]
	if !ok {
		return false, ErrNotFound
	}
	if c.Status != CommissionPending {
		return false, nil
	}
	c.Status = CommissionAvailable
	c.ConfirmedAt = &at
	c.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *InMemory) LinkPlayerAffiliates(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, p := range s.players {
		if p.AffiliateID != "" || p.ReferralCode == "" {
			continue
		}
		if a, ok := s.affiliateByCode(p.ReferralCode, p.TenantID); ok {
			p.AffiliateID = a.ID
			n++
		}
	}
	return n, nil
}

func (s *InMemory) LinkDepositAffiliates(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, d := range s.deposits {
		if d.AffiliateID != "" {
			continue
		}
		if p, ok := s.players[d.PlayerID]; ok && p.AffiliateID != "" {
			d.AffiliateID = p.AffiliateID
			n++
		}
	}
	return n, nil
}

func (s *InMemory) NormalizeFirstDeposits(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	first := map[string]*Deposit{}
	for _, d := range s.deposits {
		cur, ok := first[d.PlayerID]
		if !ok || d.DepositedAt.Before(cur.DepositedAt) ||
			(d.DepositedAt.Equal(cur.DepositedAt) && d.ID < cur.ID) {
			first[d.PlayerID] = d
		}
	}
	var n int64
	for _, d := range s.deposits {
		want := first[d.PlayerID] == d
		if d.IsFirst != want {
			d.IsFirst = want
			n++
		}
	}
	return n, nil
}

func (s *InMemory) WalletTotals(ctx context.Context) ([]WalletTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	totals := make(map[string]*WalletTotals, len(s.affiliates))
	for id := range s.affiliates {
		totals[id] = &WalletTotals{AffiliateID: id}
	}
	for _, c := range s.commissions {
		if t, ok := totals[c.AffiliateID]; ok && c.Status == CommissionAvailable {
			t.Earned += c.Amount
		}
	}
	for _, p := range s.payouts {
		if t, ok := totals[p.AffiliateID]; ok && p.Status.Withdrawn() {
			t.Withdrawn += p.Amount
		}
	}
	out := make([]WalletTotals, 0, len(totals))
	for _, t := range totals {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AffiliateID < out[j].AffiliateID })
	return out, nil
}

func (s *InMemory) UpsertWallet(ctx context.Context, w WalletBalance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = time.Now().UTC()
	}
	s.wallets[w.AffiliateID] = w
	return nil
}

func (s *InMemory) GetWallet(ctx context.Context, affiliateID string) (WalletBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[affiliateID]
	if !ok {
		return WalletBalance{}, ErrNotFound
	}
	return w, nil
}

func (s *InMemory) RequestPayout(ctx context.Context, p Payout) (Payout, error) {
	if !p.Amount.IsPositive() {
		return Payout{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.affiliates[p.AffiliateID]; !ok {
		return Payout{}, ErrNotFound
	}
	var earned, reserved money.Cents
	for _, c := range s.commissions {
		if c.AffiliateID == p.AffiliateID && c.Status == CommissionAvailable {
			earned += c.Amount
		}
	}
	for _, q := range s.payouts {
		if q.AffiliateID == p.AffiliateID && (q.Status.Withdrawn() || q.Status.InFlight()) {
			reserved += q.Amount
		}
	}
	if p.Amount > earned-reserved {
		return Payout{}, ErrInsufficientBalance
	}
	if p.ID == "" {
		p.ID = ids.New()
	}
	p.Status = PayoutPending
	p.CreatedAt = time.Now().UTC()
	s.payouts[p.ID] = &p
	return p, nil
}

func (s *InMemory) GetPayout(ctx context.Context, id string) (Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payouts[id]
	if !ok {
		return Payout{}, ErrNotFound
	}
	return *p, nil
}

func (s *InMemory) ClaimPayout(ctx context.Context, id, by string, at time.Time) (Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payouts[id]
	if !ok {
		return Payout{}, ErrNotFound
	}
	if p.Status != PayoutPending {
		return Payout{}, ErrConflict
	}
	p.Status = PayoutProcessing
	p.ProcessedBy = by
	p.ProcessedAt = &at
	return *p, nil
}

func (s *InMemory) CompletePayout(ctx context.Context, id, reference, notes string, at time.Time) error {
	return s.finishPayout(id, func(p *Payout) {
		p.Status = PayoutCompleted
		p.Reference = reference
		p.Notes = notes
		p.CompletedAt = &at
	})
}

func (s *InMemory) FailPayout(ctx context.Context, id, reason, notes string, at time.Time) error {
	return s.finishPayout(id, func(p *Payout) {
		p.Status = PayoutFailed
		p.RejectionReason = reason
		p.Notes = notes
		p.CompletedAt = &at
	})
}

func (s *InMemory) finishPayout(id string, apply func(*Payout)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payouts[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != PayoutProcessing {
		return ErrConflict
	}
	apply(p)
	return nil
}

func (s *InMemory) AppendAudit(ctx context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.audit = append(s.audit, e)
	return nil
}

// AuditEntries returns the audit trail in append order.
func (s *InMemory) AuditEntries() []AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]AuditEntry(nil), s.audit...)
}
