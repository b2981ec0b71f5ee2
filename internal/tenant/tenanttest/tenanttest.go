// Package tenanttest provides in-memory tenant sources for tests.
package tenanttest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"panelsync.org/internal/tenant"
)

// Source is an in-memory tenant.Source.
type Source struct {
	mu       sync.Mutex
	Users    []tenant.User
	Deposits []tenant.Deposit
	Codes    map[string]string // user id -> inviter_code
	Statuses map[string]int    // deposit id -> transaction status
	Cur      string
	Err      error // returned by every query when set
	Closed   int
}

var _ tenant.Source = (*Source)(nil)

func (s *Source) ListPlayers(ctx context.Context, since time.Time) ([]tenant.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	recent := map[string]bool{}
	for _, d := range s.Deposits {
		if d.CreatedAt.After(since) {
			recent[d.UserID] = true
		}
	}
	var out []tenant.User
	for _, u := range s.Users {
		if u.CreatedAt.After(since) || recent[u.ID] {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *Source) ListDeposits(ctx context.Context, since time.Time) ([]tenant.Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []tenant.Deposit
	for _, d := range s.Deposits {
		if d.CreatedAt.After(since) {
			if d.Currency == "" {
				d.Currency = s.currency()
			}
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *Source) InviterCode(ctx context.Context, inviterID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return "", false, s.Err
	}
	code, ok := s.Codes[inviterID]
	return code, ok && code != "", nil
}

func (s *Source) PaymentStatus(ctx context.Context, depositID string) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, false, s.Err
	}
	st, ok := s.Statuses[depositID]
	return st, ok, nil
}

func (s *Source) Currency(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currency(), nil
}

func (s *Source) currency() string {
	if s.Cur == "" {
		return "BRL"
	}
	return s.Cur
}

func (s *Source) Close() error {
	s.mu.Lock()
	s.Closed++
	s.mu.Unlock()
	return nil
}

// SetStatus records a tenant transaction status for a deposit.
func (s *Source) SetStatus(depositID string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Statuses == nil {
		s.Statuses = map[string]int{}
	}
	s.Statuses[depositID] = status
}

// Opener hands out Sources by tenant id.
type Opener struct {
	mu      sync.Mutex
	Sources map[string]*Source
	Fail    map[string]error
	Opens   map[string]int
}

var _ tenant.Opener = (*Opener)(nil)

func NewOpener() *Opener {
	return &Opener{Sources: map[string]*Source{}, Fail: map[string]error{}, Opens: map[string]int{}}
}

func (o *Opener) Open(ctx context.Context, t tenant.Tenant) (tenant.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Opens[t.ID]++
	if err := o.Fail[t.ID]; err != nil {
		return nil, err
	}
	src, ok := o.Sources[t.ID]
	if !ok {
		return nil, fmt.Errorf("tenanttest: no source for %s", t.ID)
	}
	return src, nil
}

// OpenCount reports how many times a tenant was opened.
func (o *Opener) OpenCount(id string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Opens[id]
}
