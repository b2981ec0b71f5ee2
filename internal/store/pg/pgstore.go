package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"panelsync.org/internal/ledger"
	"panelsync.org/internal/tenant"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// Store is the PostgreSQL ledger.
type Store struct {
	db *sql.DB
}

var _ ledger.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; TENANT_WORKERS cycles share this pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) ActiveTenants(ctx context.Context) ([]tenant.Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, name, db_host, db_port, db_user, db_password, db_name, active
		from tenants
		where active
		order by name, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []tenant.Tenant
	for rows.Next() {
		var t tenant.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.DB.Host, &t.DB.Port, &t.DB.User, &t.DB.Password, &t.DB.Name, &t.Active); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

const affiliateColumns = `id, name, email, phone, document, code, coalesce(tenant_id, ''), coalesce(payment_customer_id, ''), created_at`

func scanAffiliate(row interface{ Scan(...any) error }) (ledger.Affiliate, error) {
	var a ledger.Affiliate
	err := row.Scan(&a.ID, &a.Name, &a.Email, &a.Phone, &a.Document, &a.Code, &a.TenantID, &a.PaymentCustomerID, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Affiliate{}, ledger.ErrNotFound
	}
	return a, err
}

func (s *Store) AffiliateByCode(ctx context.Context, code, tenantID string) (ledger.Affiliate, error) {
	return scanAffiliate(s.db.QueryRowContext(ctx, `
		select `+affiliateColumns+`
		from affiliates
		where code = $1 and (tenant_id = $2 or tenant_id is null)
		order by (tenant_id is null), id
		limit 1
	`, code, tenantID))
}

func (s *Store) GetAffiliate(ctx context.Context, id string) (ledger.Affiliate, error) {
	return scanAffiliate(s.db.QueryRowContext(ctx, `select `+affiliateColumns+` from affiliates where id = $1`, id))
}

func (s *Store) SetPaymentCustomer(ctx context.Context, affiliateID, customerID string) error {
	res, err := s.db.ExecContext(ctx, `update affiliates set payment_customer_id = $2 where id = $1`, affiliateID, customerID)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (s *Store) AppendAudit(ctx context.Context, e ledger.AuditEntry) error {
	details, err := marshalDetails(e.Details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_logs (id, action, details, affiliate_id, tenant_id, created_at)
		values ($1, $2, $3, $4, $5, $6)
	`, newID(e.ID), e.Action, details, nullIfEmpty(e.AffiliateID), nullIfEmpty(e.TenantID), nowIfZero(e.CreatedAt))
	return mapError(err)
}

// mapError turns constraint violations into ledger sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return fmt.Errorf("%w: %s", ledger.ErrDuplicate, pgErr.ConstraintName)
		case pgErrForeignKeyViolation:
			return fmt.Errorf("%w: %s", ledger.ErrNotFound, pgErr.ConstraintName)
		}
	}
	return err
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nowIfZero(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func placeholders(start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ", ")
}
