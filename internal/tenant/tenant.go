// Package tenant reads players, deposits and payment state from casino
// databases. Tenant databases are never written to.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"panelsync.org/internal/money"
)

const DefaultPort = 3306

// Payment status values found in the tenant transactions table.
const StatusPaid = 1

var ErrInvalidTenant = errors.New("tenant: invalid tenant")

// ConnInfo describes how to reach a tenant database.
type ConnInfo struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
}

// Tenant is one casino as registered in the ledger.
type Tenant struct {
	ID     string
	Name   string
	DB     ConnInfo
	Active bool
}

// Validate checks required fields and fills the default port.
func (t *Tenant) Validate() error {
	var missing []string
	if strings.TrimSpace(t.ID) == "" {
		missing = append(missing, "id")
	}
	if strings.TrimSpace(t.Name) == "" {
		missing = append(missing, "name")
	}
	if strings.TrimSpace(t.DB.Host) == "" {
		missing = append(missing, "db_host")
	}
	if strings.TrimSpace(t.DB.Name) == "" {
		missing = append(missing, "db_name")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w %q: missing %s", ErrInvalidTenant, t.ID, strings.Join(missing, ", "))
	}
	if t.DB.Port == 0 {
		t.DB.Port = DefaultPort
	}
	if t.DB.Port < 0 || t.DB.Port > 65535 {
		return fmt.Errorf("%w %q: bad port %d", ErrInvalidTenant, t.ID, t.DB.Port)
	}
	return nil
}

// Usable validates ts and returns the tenants that passed along with one
// error per rejected tenant.
func Usable(ts []Tenant) ([]Tenant, []error) {
	ok := make([]Tenant, 0, len(ts))
	var bad []error
	for _, t := range ts {
		if err := t.Validate(); err != nil {
			bad = append(bad, err)
			continue
		}
		ok = append(ok, t)
	}
	return ok, bad
}

// User is a tenant-side account that passed the player predicate.
type User struct {
	ID        string
	Name      string
	Email     string
	InviterID string // empty when nobody invited the user
	CreatedAt time.Time
}

// Deposit is a tenant-side deposit row.
type Deposit struct {
	ID        string
	UserID    string
	Amount    money.Cents
	Currency  string
	PaymentID string
	CreatedAt time.Time
}

// Source is the read-only view of one tenant database for the length of a
// cycle. Callers must Close it on every path.
type Source interface {
	ListPlayers(ctx context.Context, since time.Time) ([]User, error)
	ListDeposits(ctx context.Context, since time.Time) ([]Deposit, error)
	InviterCode(ctx context.Context, inviterID string) (string, bool, error)
	PaymentStatus(ctx context.Context, depositID string) (int, bool, error)
	Currency(ctx context.Context) (string, error)
	Close() error
}

// Opener opens a Source for a tenant.
type Opener interface {
	Open(ctx context.Context, t Tenant) (Source, error)
}
